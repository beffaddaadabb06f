package persistence

import (
	"context"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"ingest_server/core/domain"
	"ingest_server/core/port/out"
)

// ContactAdapter reads and creates CRM contacts.
type ContactAdapter struct {
	db *sqlx.DB
}

func NewContactAdapter(db *sqlx.DB) *ContactAdapter {
	return &ContactAdapter{db: db}
}

var _ out.ContactRepository = (*ContactAdapter)(nil)

type contactEntity struct {
	ID        int64     `db:"id"`
	TenantID  int64     `db:"tenant_id"`
	Email     string    `db:"email"`
	FirstName string    `db:"first_name"`
	LastName  string    `db:"last_name"`
	Source    string    `db:"source"`
	CreatedAt time.Time `db:"created_at"`
}

func (e *contactEntity) toDomain() *domain.Contact {
	return &domain.Contact{
		ID:        e.ID,
		TenantID:  e.TenantID,
		Email:     e.Email,
		FirstName: e.FirstName,
		LastName:  e.LastName,
		Source:    e.Source,
		CreatedAt: e.CreatedAt,
	}
}

func (a *ContactAdapter) GetByID(ctx context.Context, id int64) (*domain.Contact, error) {
	var e contactEntity
	query := `SELECT id, tenant_id, email, first_name, last_name, source, created_at FROM contacts WHERE id = $1`
	if err := a.db.GetContext(ctx, &e, query, id); err != nil {
		return nil, notFound(err)
	}
	return e.toDomain(), nil
}

func (a *ContactAdapter) GetByEmail(ctx context.Context, tenantID int64, email string) (*domain.Contact, error) {
	var e contactEntity
	query := `
		SELECT id, tenant_id, email, first_name, last_name, source, created_at
		FROM contacts
		WHERE tenant_id = $1 AND email = $2`
	found, err := missOK(a.db.GetContext(ctx, &e, query, tenantID, strings.ToLower(strings.TrimSpace(email))))
	if !found {
		return nil, err
	}
	return e.toDomain(), nil
}

// Create inserts the contact. A concurrent insert of the same (tenant, email)
// is resolved by loading the winner's row.
func (a *ContactAdapter) Create(ctx context.Context, contact *domain.Contact) error {
	contact.Email = strings.ToLower(strings.TrimSpace(contact.Email))

	query := `
		INSERT INTO contacts (tenant_id, email, first_name, last_name, source)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, email) DO UPDATE SET email = EXCLUDED.email
		RETURNING id, tenant_id, email, first_name, last_name, source, created_at`

	var e contactEntity
	if err := a.db.GetContext(ctx, &e, query,
		contact.TenantID, contact.Email, contact.FirstName, contact.LastName, contact.Source,
	); err != nil {
		return err
	}
	*contact = *e.toDomain()
	return nil
}
