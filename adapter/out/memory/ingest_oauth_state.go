package memory

import (
	"context"
	"sync"
	"time"

	"ingest_server/core/port/out"
)

// OAuthStateStore is the single-process OAuth state store used without Redis.
type OAuthStateStore struct {
	mu     sync.Mutex
	states map[string]stateEntry
	now    func() time.Time
}

type stateEntry struct {
	payload   out.OAuthStatePayload
	expiresAt time.Time
}

func NewOAuthStateStore() *OAuthStateStore {
	return &OAuthStateStore{states: make(map[string]stateEntry), now: time.Now}
}

var _ out.OAuthStateStore = (*OAuthStateStore)(nil)

func (s *OAuthStateStore) StoreState(ctx context.Context, state string, payload *out.OAuthStatePayload, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for k, e := range s.states {
		if now.After(e.expiresAt) {
			delete(s.states, k)
		}
	}
	s.states[state] = stateEntry{payload: *payload, expiresAt: now.Add(ttl)}
	return nil
}

func (s *OAuthStateStore) ConsumeState(ctx context.Context, state string) (*out.OAuthStatePayload, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.states[state]
	delete(s.states, state)
	if !ok || s.now().After(e.expiresAt) {
		return nil, out.ErrStateNotFound
	}
	p := e.payload
	return &p, nil
}
