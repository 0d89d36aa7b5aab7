package workflow

import (
	"sync"
	"time"

	"github.com/example/rice-vision/internal/chat"
	"github.com/example/rice-vision/internal/imagesource"
)

// Status is the lifecycle stage of a classification session.
type Status string

const (
	// StatusEmpty means no image is selected.
	StatusEmpty Status = "empty"
	// StatusAnalyzing means an image is selected and inference is in flight.
	StatusAnalyzing Status = "analyzing"
	// StatusSucceeded means a result is available for the selected image.
	StatusSucceeded Status = "succeeded"
	// StatusFailed means inference errored for the selected image.
	StatusFailed Status = "failed"
)

// ClassificationResult is the variety label and confidence score returned by
// the inference service. Never mutated once stored; cleared whenever a new
// image is selected.
type ClassificationResult struct {
	Label      string  `json:"label"`
	Confidence float64 `json:"confidence"`
}

// Session holds one user's classification workflow state. A result is
// present exactly when the status is succeeded, and an image input is
// present exactly when the status is not empty. The chat transcript lives
// beside the classification state and deliberately survives image resets.
type Session struct {
	ID      string
	OwnerID string
	Chat    *chat.Session

	mu         sync.Mutex
	status     Status
	input      *imagesource.ImageInput
	imageToken string
	result     *ClassificationResult
	generation uint64
	createdAt  time.Time
	lastActive time.Time
}

// Snapshot is an immutable view of session state for presentation.
type Snapshot struct {
	SessionID  string
	Status     Status
	Result     *ClassificationResult
	ImageToken string
	Filename   string
	Origin     imagesource.Origin
}

// Snapshot returns the current state as an immutable copy.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		SessionID:  s.ID,
		Status:     s.status,
		ImageToken: s.imageToken,
	}
	if s.result != nil {
		result := *s.result
		snap.Result = &result
	}
	if s.input != nil {
		snap.Filename = s.input.Filename
		snap.Origin = s.input.Origin
	}
	return snap
}

// ResultContext exposes the current result as read-only chat framing.
// Returns nil unless a result is available.
func (s *Session) ResultContext() *chat.ResultContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status != StatusSucceeded || s.result == nil {
		return nil
	}
	return &chat.ResultContext{Label: s.result.Label, Confidence: s.result.Confidence}
}

// Image serves the selected image bytes when the supplied display token is
// still current. Superseded and reset tokens no longer resolve.
func (s *Session) Image(token string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.input == nil || token == "" || token != s.imageToken {
		return nil, "", false
	}
	return s.input.Data, s.input.ContentType, true
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.lastActive = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActive
}
