package out

import (
	"context"
	"errors"
	"time"

	"ingest_server/core/domain"
)

// ErrNotFound is returned by repositories when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

// ConnectionRepository persists provider connections.
type ConnectionRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.ProviderConnection, error)

	// GetByEmail returns nil, nil when the tenant has no connection for the mailbox.
	GetByEmail(ctx context.Context, tenantID int64, provider domain.Provider, email string) (*domain.ProviderConnection, error)

	// ListActive returns every connection that should be synced.
	ListActive(ctx context.Context) ([]*domain.ProviderConnection, error)

	Create(ctx context.Context, conn *domain.ProviderConnection) error

	// UpdateTokens stores freshly encrypted tokens and clears the error state.
	UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time, scopes []string) error

	// RecordFailure increments sync_error_count, stores lastError and deactivates
	// the connection once the count reaches maxFailures.
	RecordFailure(ctx context.Context, id int64, lastError string, maxFailures int) (*FailureState, error)

	// RecordSyncSuccess advances the cursor and resets the error count.
	RecordSyncSuccess(ctx context.Context, id int64, lastSyncAt time.Time) error
}

// FailureState is the connection error bookkeeping after RecordFailure.
type FailureState struct {
	ErrorCount int
	IsActive   bool
}

// ContactRepository reads CRM contacts and creates them for unknown counterparts.
type ContactRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Contact, error)

	// GetByEmail matches the lower-cased address exactly. Returns nil, nil on miss.
	GetByEmail(ctx context.Context, tenantID int64, email string) (*domain.Contact, error)

	// Create inserts the contact or returns the existing row for (tenant, email).
	Create(ctx context.Context, contact *domain.Contact) error
}

// ThreadRepository resolves and creates threads.
type ThreadRepository interface {
	// GetByKey returns nil, nil on miss.
	GetByKey(ctx context.Context, tenantID int64, threadKey string) (*domain.Thread, error)

	// FindBySubject is the fallback for small key drift: the most recently active
	// thread of the contact whose key has exactly the normalized subject before
	// the separator. Only the address part may differ.
	// Returns nil, nil on miss.
	FindBySubject(ctx context.Context, tenantID, contactID int64, normalizedSubject string) (*domain.Thread, error)

	// GetOrCreate inserts the thread or loads the existing (tenant, key) row into it.
	GetOrCreate(ctx context.Context, thread *domain.Thread) error
}

// MessageRepository stores messages.
type MessageRepository interface {
	// GetByProviderID returns nil, nil when the message has not been ingested.
	GetByProviderID(ctx context.Context, tenantID int64, provider domain.Provider, providerMessageID string) (*domain.Message, error)

	// Append inserts msg and, in the same transaction, bumps the thread's
	// message_count, preview and last_activity_at. It returns false without
	// touching the thread when the dedup key already exists.
	Append(ctx context.Context, msg *domain.Message, preview string, at time.Time) (bool, error)
}

// ActivityRepository appends CRM timeline entries.
type ActivityRepository interface {
	Append(ctx context.Context, activity *domain.Activity) error
}
