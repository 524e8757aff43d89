package service

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/elabx-org/cloudmux/internal/domain"
)

// pendingOAuth is an authorization started by BeginOAuth and not yet
// completed.
type pendingOAuth struct {
	workspaceID string
	providerT   domain.ProviderType
	alias       string
	redirectURI string
	settings    map[string]string
	expires     time.Time
}

// oauthStates holds pending authorizations keyed by their CSRF state.
// A state can be taken once.
type oauthStates struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	pending map[string]pendingOAuth
}

func newOAuthStates(ttl time.Duration, now func() time.Time) *oauthStates {
	return &oauthStates{ttl: ttl, now: now, pending: make(map[string]pendingOAuth)}
}

func (s *oauthStates) put(p pendingOAuth) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, v := range s.pending {
		if now.After(v.expires) {
			delete(s.pending, k)
		}
	}
	state := uuid.NewString()
	p.expires = now.Add(s.ttl)
	s.pending[state] = p
	return state
}

func (s *oauthStates) take(state string) (pendingOAuth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pending[state]
	if !ok {
		return pendingOAuth{}, false
	}
	delete(s.pending, state)
	if s.now().After(p.expires) {
		return pendingOAuth{}, false
	}
	return p, true
}
