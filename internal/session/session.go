// Package session keeps per-session conversation history for the assistant
// and the set of requests a user has asked to cancel.
package session

import (
	"slices"
	"sync"
	"time"

	"github.com/gridcast/ensembleql/internal/llm"
)

// DefaultMaxTurns bounds history to this many question/answer pairs.
const DefaultMaxTurns = 20

type history struct {
	messages []llm.Message
	touched  time.Time
}

// Store is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*history
	canceled map[string]struct{}
	maxTurns int
	idleTTL  time.Duration
	now      func() time.Time
}

// NewStore keeps at most maxTurns pairs per session and forgets sessions
// untouched for idleTTL. Zero idleTTL keeps sessions until cleared.
func NewStore(maxTurns int, idleTTL time.Duration) *Store {
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}
	return &Store{
		sessions: make(map[string]*history),
		canceled: make(map[string]struct{}),
		maxTurns: maxTurns,
		idleTTL:  idleTTL,
		now:      time.Now,
	}
}

// Append adds messages to a session, dropping the oldest beyond the bound.
func (s *Store) Append(sessionID string, msgs ...llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()

	h, ok := s.sessions[sessionID]
	if !ok {
		h = &history{}
		s.sessions[sessionID] = h
	}
	h.messages = append(h.messages, msgs...)
	if excess := len(h.messages) - 2*s.maxTurns; excess > 0 {
		h.messages = slices.Delete(h.messages, 0, excess)
	}
	h.touched = s.now()
}

// History returns a copy of the session's messages, oldest first.
func (s *Store) History(sessionID string) []llm.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.sessions[sessionID]
	if !ok {
		return nil
	}
	return slices.Clone(h.messages)
}

// Clear empties a session's history.
func (s *Store) Clear(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expireLocked()
	return len(s.sessions)
}

func (s *Store) expireLocked() {
	if s.idleTTL <= 0 {
		return
	}
	cutoff := s.now().Add(-s.idleTTL)
	for id, h := range s.sessions {
		if h.touched.Before(cutoff) {
			delete(s.sessions, id)
		}
	}
}

// MarkCanceled flags requestID so pipeline steps stop at their next check.
func (s *Store) MarkCanceled(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.canceled[requestID] = struct{}{}
}

func (s *Store) Canceled(requestID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.canceled[requestID]
	return ok
}

// Forget drops the cancellation flag once a request has finished.
func (s *Store) Forget(requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.canceled, requestID)
}
