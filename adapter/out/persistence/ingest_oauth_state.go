package persistence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"ingest_server/core/port/out"
)

// OAuthStateKey Redis key prefix for OAuth state
const OAuthStateKey = "oauth:state:"

// RedisOAuthStateStore keeps OAuth state values in Redis for CSRF protection.
type RedisOAuthStateStore struct {
	client *redis.Client
}

func NewRedisOAuthStateStore(client *redis.Client) *RedisOAuthStateStore {
	return &RedisOAuthStateStore{client: client}
}

var _ out.OAuthStateStore = (*RedisOAuthStateStore)(nil)

func (s *RedisOAuthStateStore) StoreState(ctx context.Context, state string, payload *out.OAuthStatePayload, ttl time.Duration) error {
	if state == "" {
		return errors.New("state cannot be empty")
	}
	if payload == nil {
		return errors.New("payload cannot be nil")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode OAuth state: %w", err)
	}
	if err := s.client.Set(ctx, OAuthStateKey+state, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store OAuth state: %w", err)
	}
	return nil
}

// ConsumeState reads and deletes the state atomically with GETDEL so it
// cannot be replayed.
func (s *RedisOAuthStateStore) ConsumeState(ctx context.Context, state string) (*out.OAuthStatePayload, error) {
	if state == "" {
		return nil, out.ErrStateNotFound
	}

	data, err := s.client.GetDel(ctx, OAuthStateKey+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, out.ErrStateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to consume OAuth state: %w", err)
	}

	var payload out.OAuthStatePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid OAuth state payload: %w", err)
	}
	return &payload, nil
}
