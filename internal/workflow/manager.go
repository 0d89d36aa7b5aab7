package workflow

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/rice-vision/internal/chat"
)

// DefaultSessionTTL bounds how long an idle session is retained.
const DefaultSessionTTL = 30 * time.Minute

// Manager owns the live sessions, keyed by id and scoped to their owner.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	ttl      time.Duration
	newChat  func() *chat.Session
	logger   *zap.Logger
}

// NewManager constructs a session manager. newChat builds the chat session
// attached to each new workflow session; nil disables chat.
func NewManager(ttl time.Duration, newChat func() *chat.Session, logger *zap.Logger) *Manager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Manager{
		sessions: make(map[string]*Session),
		ttl:      ttl,
		newChat:  newChat,
		logger:   logger.Named("session_manager"),
	}
}

// Create opens a new empty session for the owner.
func (m *Manager) Create(ownerID string) *Session {
	now := time.Now()
	s := &Session{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		status:     StatusEmpty,
		createdAt:  now,
		lastActive: now,
	}
	if m.newChat != nil {
		s.Chat = m.newChat()
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	m.logger.Info("session created", zap.String("session_id", s.ID))
	return s
}

// Get returns the session when it exists and belongs to ownerID.
func (m *Manager) Get(id, ownerID string) (*Session, bool) {
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok || s.OwnerID != ownerID {
		return nil, false
	}
	s.touch(time.Now())
	return s, true
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Prune drops sessions idle longer than the TTL and reports how many were
// removed.
func (m *Manager) Prune(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, s := range m.sessions {
		if now.Sub(s.idleSince()) > m.ttl {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Info("pruned idle sessions", zap.Int("count", removed))
	}
	return removed
}
