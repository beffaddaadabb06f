package out

import (
	"context"
	"time"
)

// EventPublisher emits jobs and events on the message bus.
type EventPublisher interface {
	PublishSyncRequested(ctx context.Context, job *SyncJob) error
	PublishMessageIngested(ctx context.Context, event *MessageIngestedEvent) error
}

// SyncJob asks a worker to sync one connection.
type SyncJob struct {
	ConnectionID int64     `json:"connection_id"`
	TenantID     int64     `json:"tenant_id"`
	Reason       string    `json:"reason"`
	RequestedAt  time.Time `json:"requested_at"`
}

// MessageIngestedEvent is emitted after a message is stored.
type MessageIngestedEvent struct {
	TenantID          int64     `json:"tenant_id"`
	ContactID         int64     `json:"contact_id"`
	ThreadID          int64     `json:"thread_id"`
	MessageID         int64     `json:"message_id"`
	Direction         string    `json:"direction"`
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id"`
	OccurredAt        time.Time `json:"occurred_at"`
}
