package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// MessageAdapter implements out.MessageRepository using PostgreSQL.
type MessageAdapter struct {
	db *sqlx.DB
}

func NewMessageAdapter(db *sqlx.DB) *MessageAdapter {
	return &MessageAdapter{db: db}
}

var _ out.MessageRepository = (*MessageAdapter)(nil)

type messageEntity struct {
	ID                int64          `db:"id"`
	TenantID          int64          `db:"tenant_id"`
	ThreadID          int64          `db:"thread_id"`
	Direction         string         `db:"direction"`
	Provider          string         `db:"provider"`
	ProviderMessageID string         `db:"provider_message_id"`
	FromEmail         string         `db:"from_email"`
	ToEmails          pq.StringArray `db:"to_emails"`
	Subject           string         `db:"subject"`
	Body              string         `db:"body"`
	SentAt            time.Time      `db:"sent_at"`
	CreatedAt         time.Time      `db:"created_at"`
}

func (e *messageEntity) toDomain() *domain.Message {
	return &domain.Message{
		ID:                e.ID,
		TenantID:          e.TenantID,
		ThreadID:          e.ThreadID,
		Direction:         domain.Direction(e.Direction),
		Provider:          domain.Provider(e.Provider),
		ProviderMessageID: e.ProviderMessageID,
		FromEmail:         e.FromEmail,
		ToEmails:          []string(e.ToEmails),
		Subject:           e.Subject,
		Body:              e.Body,
		SentAt:            e.SentAt,
		CreatedAt:         e.CreatedAt,
	}
}

func (a *MessageAdapter) GetByProviderID(ctx context.Context, tenantID int64, provider domain.Provider, providerMessageID string) (*domain.Message, error) {
	var e messageEntity
	query := `
		SELECT id, tenant_id, thread_id, direction, provider, provider_message_id,
		       from_email, to_emails, subject, body, sent_at, created_at
		FROM messages
		WHERE tenant_id = $1 AND provider = $2 AND provider_message_id = $3`
	found, err := missOK(a.db.GetContext(ctx, &e, query, tenantID, string(provider), providerMessageID))
	if !found {
		return nil, err
	}
	return e.toDomain(), nil
}

// Append inserts the message and bumps its thread in one transaction. The
// unique dedup key makes a concurrent duplicate a no-op.
func (a *MessageAdapter) Append(ctx context.Context, msg *domain.Message, preview string, at time.Time) (inserted bool, err error) {
	tx, err := a.db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil || !inserted {
			_ = tx.Rollback()
		}
	}()

	insert := `
		INSERT INTO messages (
			tenant_id, thread_id, direction, provider, provider_message_id,
			from_email, to_emails, subject, body, sent_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, provider, provider_message_id) DO NOTHING
		RETURNING id`

	err = tx.QueryRowxContext(ctx, insert,
		msg.TenantID, msg.ThreadID, string(msg.Direction), string(msg.Provider), msg.ProviderMessageID,
		msg.FromEmail, pq.Array(nonNil(msg.ToEmails)), msg.Subject, msg.Body, msg.SentAt, at,
	).Scan(&msg.ID)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert message: %w", err)
	}

	bump := `
		UPDATE threads
		SET message_count = message_count + 1,
		    preview = $2,
		    last_activity_at = GREATEST(last_activity_at, $3)
		WHERE id = $1 AND tenant_id = $4`
	res, err := tx.ExecContext(ctx, bump, msg.ThreadID, preview, at, msg.TenantID)
	if err != nil {
		return false, fmt.Errorf("bump thread: %w", err)
	}
	if err = requireRow(res); err != nil {
		return false, fmt.Errorf("bump thread %d: %w", msg.ThreadID, err)
	}

	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	msg.CreatedAt = at
	return true, nil
}
