package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// ConnectionAdapter implements out.ConnectionRepository using PostgreSQL.
// Tokens are stored as given; the token manager encrypts them.
type ConnectionAdapter struct {
	db *sqlx.DB
}

func NewConnectionAdapter(db *sqlx.DB) *ConnectionAdapter {
	return &ConnectionAdapter{db: db}
}

var _ out.ConnectionRepository = (*ConnectionAdapter)(nil)

type connectionEntity struct {
	ID                  int64          `db:"id"`
	TenantID            int64          `db:"tenant_id"`
	UserID              uuid.UUID      `db:"user_id"`
	Provider            string         `db:"provider"`
	Email               string         `db:"email"`
	AccessToken         string         `db:"access_token"`
	RefreshToken        string         `db:"refresh_token"`
	ExpiresAt           sql.NullTime   `db:"expires_at"`
	Scopes              pq.StringArray `db:"scopes"`
	LastSyncAt          sql.NullTime   `db:"last_sync_at"`
	SyncErrorCount      int            `db:"sync_error_count"`
	LastError           string         `db:"last_error"`
	IsActive            bool           `db:"is_active"`
	SyncOnlyCRMContacts bool           `db:"sync_only_crm_contacts"`
	ExcludedDomains     pq.StringArray `db:"excluded_domains"`
	ExcludedKeywords    pq.StringArray `db:"excluded_keywords"`
	AutoCreateContacts  bool           `db:"auto_create_contacts"`
	CreatedAt           time.Time      `db:"created_at"`
	UpdatedAt           time.Time      `db:"updated_at"`
}

const connectionColumns = `
	id, tenant_id, user_id, provider, email, access_token, refresh_token,
	expires_at, scopes, last_sync_at, sync_error_count, last_error, is_active,
	sync_only_crm_contacts, excluded_domains, excluded_keywords, auto_create_contacts,
	created_at, updated_at`

func (e *connectionEntity) toDomain() *domain.ProviderConnection {
	c := &domain.ProviderConnection{
		ID:                  e.ID,
		TenantID:            e.TenantID,
		UserID:              e.UserID,
		Provider:            domain.Provider(e.Provider),
		Email:               e.Email,
		AccessToken:         e.AccessToken,
		RefreshToken:        e.RefreshToken,
		Scopes:              []string(e.Scopes),
		SyncErrorCount:      e.SyncErrorCount,
		LastError:           e.LastError,
		IsActive:            e.IsActive,
		SyncOnlyCRMContacts: e.SyncOnlyCRMContacts,
		ExcludedDomains:     []string(e.ExcludedDomains),
		ExcludedKeywords:    []string(e.ExcludedKeywords),
		AutoCreateContacts:  e.AutoCreateContacts,
		CreatedAt:           e.CreatedAt,
		UpdatedAt:           e.UpdatedAt,
	}
	if e.ExpiresAt.Valid {
		c.ExpiresAt = e.ExpiresAt.Time
	}
	if e.LastSyncAt.Valid {
		t := e.LastSyncAt.Time
		c.LastSyncAt = &t
	}
	return c
}

func (a *ConnectionAdapter) GetByID(ctx context.Context, id int64) (*domain.ProviderConnection, error) {
	var e connectionEntity
	query := `SELECT ` + connectionColumns + ` FROM provider_connections WHERE id = $1`
	if err := a.db.GetContext(ctx, &e, query, id); err != nil {
		return nil, notFound(err)
	}
	return e.toDomain(), nil
}

func (a *ConnectionAdapter) GetByEmail(ctx context.Context, tenantID int64, provider domain.Provider, email string) (*domain.ProviderConnection, error) {
	var e connectionEntity
	query := `SELECT ` + connectionColumns + `
		FROM provider_connections
		WHERE tenant_id = $1 AND provider = $2 AND email = $3`
	found, err := missOK(a.db.GetContext(ctx, &e, query, tenantID, string(provider), strings.ToLower(email)))
	if !found {
		return nil, err
	}
	return e.toDomain(), nil
}

func (a *ConnectionAdapter) ListActive(ctx context.Context) ([]*domain.ProviderConnection, error) {
	var entities []connectionEntity
	query := `SELECT ` + connectionColumns + `
		FROM provider_connections
		WHERE is_active = true
		ORDER BY id`
	if err := a.db.SelectContext(ctx, &entities, query); err != nil {
		return nil, err
	}

	conns := make([]*domain.ProviderConnection, len(entities))
	for i := range entities {
		conns[i] = entities[i].toDomain()
	}
	return conns, nil
}

func (a *ConnectionAdapter) Create(ctx context.Context, conn *domain.ProviderConnection) error {
	query := `
		INSERT INTO provider_connections (
			tenant_id, user_id, provider, email, access_token, refresh_token, expires_at, scopes,
			is_active, sync_only_crm_contacts, excluded_domains, excluded_keywords, auto_create_contacts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id, created_at, updated_at`

	err := a.db.QueryRowxContext(ctx, query,
		conn.TenantID, conn.UserID, string(conn.Provider), strings.ToLower(conn.Email),
		conn.AccessToken, conn.RefreshToken, nullTime(conn.ExpiresAt), pq.Array(conn.Scopes),
		conn.IsActive, conn.SyncOnlyCRMContacts,
		pq.Array(nonNil(conn.ExcludedDomains)), pq.Array(nonNil(conn.ExcludedKeywords)),
		conn.AutoCreateContacts,
	).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("connection %s/%s: %w", conn.Provider, conn.Email, ErrDuplicate)
		}
		return err
	}
	return nil
}

func (a *ConnectionAdapter) UpdateTokens(ctx context.Context, id int64, accessToken, refreshToken string, expiresAt time.Time, scopes []string) error {
	query := `
		UPDATE provider_connections
		SET access_token = $2, refresh_token = $3, expires_at = $4,
		    scopes = CASE WHEN cardinality($5::text[]) > 0 THEN $5::text[] ELSE scopes END,
		    sync_error_count = 0, last_error = '', is_active = true, updated_at = NOW()
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query, id, accessToken, refreshToken, nullTime(expiresAt), pq.Array(nonNil(scopes)))
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (a *ConnectionAdapter) RecordFailure(ctx context.Context, id int64, lastError string, maxFailures int) (*out.FailureState, error) {
	query := `
		UPDATE provider_connections
		SET sync_error_count = sync_error_count + 1,
		    last_error = $2,
		    is_active = is_active AND sync_error_count + 1 < $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING sync_error_count, is_active`

	var state out.FailureState
	if err := a.db.QueryRowxContext(ctx, query, id, lastError, maxFailures).Scan(&state.ErrorCount, &state.IsActive); err != nil {
		return nil, notFound(err)
	}
	return &state, nil
}

func (a *ConnectionAdapter) RecordSyncSuccess(ctx context.Context, id int64, lastSyncAt time.Time) error {
	query := `
		UPDATE provider_connections
		SET last_sync_at = $2, sync_error_count = 0, last_error = '', updated_at = NOW()
		WHERE id = $1`

	res, err := a.db.ExecContext(ctx, query, id, lastSyncAt)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
