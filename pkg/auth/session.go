package auth

import "sync"

// TokenSource reports the current backend session token.
// toolexecutor.RegistryClient satisfies it.
type TokenSource interface {
	SessionID() string
}

// StaticToken is a token that never changes.
type StaticToken string

func (t StaticToken) SessionID() string { return string(t) }

// Session pairs the backend session token with the identity resolved for it.
type Session struct {
	source TokenSource

	mu       sync.RWMutex
	identity string
}

// NewSession creates an unauthenticated session reading its token from source.
func NewSession(source TokenSource) *Session {
	if source == nil {
		source = StaticToken("")
	}
	return &Session{source: source}
}

// Token returns the backend session token as of now.
func (s *Session) Token() string {
	return s.source.SessionID()
}

// Identity returns the resolved identity and whether one is set.
func (s *Session) Identity() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.identity != ""
}

func (s *Session) setIdentity(id string) {
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
}
