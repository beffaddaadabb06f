package in

import (
	"context"
	"time"

	"ingest_server/core/domain"

	"github.com/google/uuid"
)

// InboundEmailService ingests one inbound-parse webhook delivery.
type InboundEmailService interface {
	Receive(ctx context.Context, req *InboundEmailRequest) (*InboundEmailResult, error)
}

// InboundEmailRequest is the webhook form after transport decoding.
type InboundEmailRequest struct {
	From    string
	To      string
	Subject string
	// Headers is the raw header block SendGrid posts in the "headers" field.
	Headers string
	Text    string
	HTML    string
	RawMIME string
	// Fields holds every other form field, for alternate body names.
	Fields map[string]string
}

type InboundEmailResult struct {
	ThreadID         int64  `json:"thread_id"`
	ReplyID          int64  `json:"reply_id"`
	ExtractedContent string `json:"extracted_content"`
	Duplicate        bool   `json:"duplicate"`
}

// SyncService pulls provider mailboxes into threads.
type SyncService interface {
	Sync(ctx context.Context, connectionID int64) (*SyncReport, error)
	SyncAll(ctx context.Context) error
}

// SyncReport counts what happened to each fetched message. Until is where the
// cursor moved to; it stays before the start time when the provider listing
// was truncated.
type SyncReport struct {
	ConnectionID int64         `json:"connection_id"`
	Fetched      int           `json:"fetched"`
	Created      int           `json:"created"`
	Duplicates   int           `json:"duplicates"`
	Dropped      int           `json:"dropped"`
	Failed       int           `json:"failed"`
	Since        time.Time     `json:"since"`
	Until        time.Time     `json:"until"`
	Truncated    bool          `json:"truncated,omitempty"`
	Duration     time.Duration `json:"duration"`
}

// SyncRequester queues a sync for a connection, running it inline when no
// queue is available.
type SyncRequester interface {
	RequestSync(ctx context.Context, tenantID, connectionID int64) (*SyncReport, bool, error)
}

// OAuthService runs the authorization-code flow for mailbox connections.
type OAuthService interface {
	AuthCodeURL(provider domain.Provider, state string) (string, error)
	Connect(ctx context.Context, req *ConnectRequest) (*domain.ProviderConnection, error)
}

type ConnectRequest struct {
	TenantID int64
	UserID   uuid.UUID
	Provider domain.Provider
	Code     string
}
