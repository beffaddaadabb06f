package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// ThreadAdapter implements out.ThreadRepository using PostgreSQL.
type ThreadAdapter struct {
	db *sqlx.DB
}

func NewThreadAdapter(db *sqlx.DB) *ThreadAdapter {
	return &ThreadAdapter{db: db}
}

var _ out.ThreadRepository = (*ThreadAdapter)(nil)

type threadEntity struct {
	ID             int64     `db:"id"`
	TenantID       int64     `db:"tenant_id"`
	ContactID      int64     `db:"contact_id"`
	Subject        string    `db:"subject"`
	ThreadKey      string    `db:"thread_key"`
	MessageCount   int       `db:"message_count"`
	Preview        string    `db:"preview"`
	LastActivityAt time.Time `db:"last_activity_at"`
	CreatedAt      time.Time `db:"created_at"`
}

const threadColumns = `id, tenant_id, contact_id, subject, thread_key, message_count, preview, last_activity_at, created_at`

func (e *threadEntity) toDomain() *domain.Thread {
	return &domain.Thread{
		ID:             e.ID,
		TenantID:       e.TenantID,
		ContactID:      e.ContactID,
		Subject:        e.Subject,
		ThreadKey:      e.ThreadKey,
		MessageCount:   e.MessageCount,
		Preview:        e.Preview,
		LastActivityAt: e.LastActivityAt,
		CreatedAt:      e.CreatedAt,
	}
}

func (a *ThreadAdapter) GetByKey(ctx context.Context, tenantID int64, threadKey string) (*domain.Thread, error) {
	var e threadEntity
	query := `SELECT ` + threadColumns + ` FROM threads WHERE tenant_id = $1 AND thread_key = $2`
	found, err := missOK(a.db.GetContext(ctx, &e, query, tenantID, threadKey))
	if !found {
		return nil, err
	}
	return e.toDomain(), nil
}

func (a *ThreadAdapter) FindBySubject(ctx context.Context, tenantID, contactID int64, normalizedSubject string) (*domain.Thread, error) {
	var e threadEntity
	query := `SELECT ` + threadColumns + `
		FROM threads
		WHERE tenant_id = $1 AND contact_id = $2 AND thread_key LIKE $3 ESCAPE '\'
		ORDER BY last_activity_at DESC
		LIMIT 1`
	found, err := missOK(a.db.GetContext(ctx, &e, query, tenantID, contactID, likeSubjectKey(normalizedSubject)))
	if !found {
		return nil, err
	}
	return e.toDomain(), nil
}

// GetOrCreate inserts the thread, or loads the existing (tenant, key) row.
func (a *ThreadAdapter) GetOrCreate(ctx context.Context, thread *domain.Thread) error {
	query := `
		INSERT INTO threads (tenant_id, contact_id, subject, thread_key, last_activity_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, NOW()))
		ON CONFLICT (tenant_id, thread_key) DO UPDATE SET thread_key = EXCLUDED.thread_key
		RETURNING ` + threadColumns

	var e threadEntity
	if err := a.db.GetContext(ctx, &e, query,
		thread.TenantID, thread.ContactID, thread.Subject, thread.ThreadKey, nullTime(thread.LastActivityAt),
	); err != nil {
		return err
	}
	*thread = *e.toDomain()
	return nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likeSubjectKey builds a LIKE pattern matching keys whose subject part is s.
func likeSubjectKey(s string) string {
	return likeEscaper.Replace(s+domain.ThreadKeySeparator) + "%"
}
