// Package session holds the in-memory conversation state for one agent
// session: its message history, working directory, model, and
// cancellation signal.
package session

import (
	"sync"

	"ionengine/internal/provider"
)

// Session is a single conversation's mutable state. Safe for concurrent
// use; all access goes through its methods.
type Session struct {
	ID         string
	WorkingDir string
	Model      string
	NoSandbox  bool

	mu      sync.Mutex
	history []provider.Message

	abortCh  chan struct{}
	stopOnce sync.Once
}

// New creates an empty session.
func New(id, workingDir, model string, noSandbox bool) *Session {
	return &Session{
		ID:         id,
		WorkingDir: workingDir,
		Model:      model,
		NoSandbox:  noSandbox,
		abortCh:    make(chan struct{}),
	}
}

// AbortSignal returns the channel that closes when the session is
// cancelled.
func (s *Session) AbortSignal() <-chan struct{} { return s.abortCh }

// Cancel aborts the session. Safe to call more than once.
func (s *Session) Cancel() {
	s.stopOnce.Do(func() { close(s.abortCh) })
}

// Cancelled reports whether Cancel has been called.
func (s *Session) Cancelled() bool {
	select {
	case <-s.abortCh:
		return true
	default:
		return false
	}
}

// Append adds a message to the history.
func (s *Session) Append(m provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, m)
}

// History returns a copy of the current message history.
func (s *Session) History() []provider.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]provider.Message, len(s.history))
	copy(out, s.history)
	return out
}

// SetHistory replaces the history wholesale, used after compaction.
func (s *Session) SetHistory(msgs []provider.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = msgs
}

// HasUserMessage reports whether the history contains at least one
// User-role message, used to decide whether a session is worth
// persisting.
func (s *Session) HasUserMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.history {
		if m.Role == provider.RoleUser {
			return true
		}
	}
	return false
}
