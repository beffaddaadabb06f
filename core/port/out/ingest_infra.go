package out

import (
	"context"
	"errors"
	"time"
)

// TokenCipher encrypts tokens at rest.
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// ErrLeaseHeld is returned when another worker holds the connection lease.
var ErrLeaseHeld = errors.New("connection lease held by another worker")

// ConnectionLocker grants exclusive per-connection leases. release must be
// called exactly once; it is safe to call after the lease expired.
type ConnectionLocker interface {
	Acquire(ctx context.Context, connectionID int64, ttl time.Duration) (release func(), err error)
}

// RateLimiter throttles provider calls per key.
type RateLimiter interface {
	Wait(ctx context.Context, key string) error
}

// ErrStateNotFound is returned for an unknown, expired or already used OAuth state.
var ErrStateNotFound = errors.New("oauth state not found or expired")

// OAuthStateStore keeps one-time OAuth state values between connect and callback.
type OAuthStateStore interface {
	StoreState(ctx context.Context, state string, payload *OAuthStatePayload, ttl time.Duration) error
	// ConsumeState returns and deletes the payload.
	ConsumeState(ctx context.Context, state string) (*OAuthStatePayload, error)
}

// OAuthStatePayload identifies who started an OAuth flow.
type OAuthStatePayload struct {
	TenantID int64  `json:"tenant_id"`
	UserID   string `json:"user_id"`
	Provider string `json:"provider"`
}
