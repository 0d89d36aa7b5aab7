package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// FallbackReply is appended when a completion request fails. Completion
// failures never propagate past the chat session boundary.
const FallbackReply = "I apologize, but I encountered an error. Please try again."

// Role identifies the author of a transcript entry.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one transcript entry.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Completer issues a single stateless completion request. Each call carries
// the full prompt; no conversation history is attached.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ResultContext is the read-only classification snapshot used as
// conversational framing. Nil means no classification is available yet.
type ResultContext struct {
	Label      string
	Confidence float64
}

// Session is an append-only transcript with a single in-flight completion
// at a time. One instance exists per workflow session.
type Session struct {
	mu        sync.Mutex
	messages  []Message
	awaiting  bool
	completer Completer
	logger    *zap.Logger
}

// NewSession constructs a chat session backed by the given completer.
func NewSession(completer Completer, logger *zap.Logger) *Session {
	return &Session{
		completer: completer,
		logger:    logger.Named("chat_session"),
	}
}

// Send appends the user message, requests a completion, and appends the
// assistant reply. It reports false without side effects when a reply is
// already pending or the message is blank after trimming.
func (s *Session) Send(ctx context.Context, text string, rc *ResultContext) (*Message, bool) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil, false
	}

	s.mu.Lock()
	if s.awaiting {
		s.mu.Unlock()
		return nil, false
	}
	s.awaiting = true
	s.messages = append(s.messages, Message{Role: RoleUser, Content: trimmed})
	s.mu.Unlock()

	reply, err := s.completer.Complete(ctx, BuildPrompt(trimmed, rc))
	if err != nil {
		s.logger.Warn("completion failed", zap.Error(err))
		reply = FallbackReply
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	msg := Message{Role: RoleAssistant, Content: reply}
	s.messages = append(s.messages, msg)
	s.awaiting = false
	return &msg, true
}

// Transcript returns a copy of the accumulated messages.
func (s *Session) Transcript() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Awaiting reports whether a completion is in flight.
func (s *Session) Awaiting() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.awaiting
}

// BuildPrompt prefixes the user message with classification framing when a
// result is available.
func BuildPrompt(message string, rc *ResultContext) string {
	context := ""
	if rc != nil && rc.Label != "" {
		context = fmt.Sprintf(
			"The image has been classified as %s rice with %.2f%% confidence. ",
			rc.Label, rc.Confidence*100,
		)
	}
	return fmt.Sprintf("%sAct as a rice expert. %s", context, message)
}
