package persistence

import (
	"context"

	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// ActivityAdapter appends CRM timeline entries.
type ActivityAdapter struct {
	db *sqlx.DB
}

func NewActivityAdapter(db *sqlx.DB) *ActivityAdapter {
	return &ActivityAdapter{db: db}
}

var _ out.ActivityRepository = (*ActivityAdapter)(nil)

func (a *ActivityAdapter) Append(ctx context.Context, activity *domain.Activity) error {
	query := `
		INSERT INTO activities (tenant_id, contact_id, thread_id, message_id, kind, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id`
	return a.db.QueryRowxContext(ctx, query,
		activity.TenantID, activity.ContactID, activity.ThreadID, activity.MessageID,
		string(activity.Kind), activity.OccurredAt,
	).Scan(&activity.ID)
}
