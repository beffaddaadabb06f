package domain

import "time"

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// ThreadKeySeparator joins the normalized subject and the counterpart address
// in a thread key.
const ThreadKeySeparator = "|"

// Thread groups the messages exchanged with one contact on one subject.
// (TenantID, ThreadKey) is unique.
type Thread struct {
	ID             int64     `json:"id"`
	TenantID       int64     `json:"tenant_id"`
	ContactID      int64     `json:"contact_id"`
	Subject        string    `json:"subject"`
	ThreadKey      string    `json:"thread_key"`
	MessageCount   int       `json:"message_count"`
	Preview        string    `json:"preview"`
	LastActivityAt time.Time `json:"last_activity_at"`
	CreatedAt      time.Time `json:"created_at"`
}

// Message is immutable once stored. (TenantID, Provider, ProviderMessageID)
// is the dedup key.
type Message struct {
	ID                int64     `json:"id"`
	TenantID          int64     `json:"tenant_id"`
	ThreadID          int64     `json:"thread_id"`
	Direction         Direction `json:"direction"`
	Provider          Provider  `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id"`
	FromEmail         string    `json:"from_email"`
	ToEmails          []string  `json:"to_emails"`
	Subject           string    `json:"subject"`
	Body              string    `json:"body"`
	SentAt            time.Time `json:"sent_at"`
	CreatedAt         time.Time `json:"created_at"`
}

type ActivityKind string

const (
	ActivityEmailReceived ActivityKind = "email_received"
	ActivityEmailSent     ActivityKind = "email_sent"
)

// Activity is an append-only timeline entry for the CRM.
type Activity struct {
	ID         int64        `json:"id"`
	TenantID   int64        `json:"tenant_id"`
	ContactID  int64        `json:"contact_id"`
	ThreadID   int64        `json:"thread_id"`
	MessageID  int64        `json:"message_id"`
	Kind       ActivityKind `json:"kind"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// ActivityKindFor maps a message direction to its timeline kind.
func ActivityKindFor(d Direction) ActivityKind {
	if d == DirectionOutbound {
		return ActivityEmailSent
	}
	return ActivityEmailReceived
}
