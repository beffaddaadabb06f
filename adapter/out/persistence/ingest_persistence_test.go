package persistence

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"ingest_server/core/domain"
)

func TestLikeSubjectKey(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"budget proposal", "budget proposal|%"},
		{"hi", "hi|%"},
		{"100% done", `100\% done|%`},
		{"snake_case", `snake\_case|%`},
		{`back\slash`, `back\\slash|%`},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := likeSubjectKey(tt.in); got != tt.want {
				t.Errorf("likeSubjectKey(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"unique", &pgconn.PgError{Code: "23505"}, true},
		{"wrapped unique", fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{"fk violation", &pgconn.PgError{Code: "23503"}, false},
		{"plain", errors.New("boom"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isUniqueViolation(tt.err); got != tt.want {
				t.Errorf("isUniqueViolation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMissOK(t *testing.T) {
	if found, err := missOK(sql.ErrNoRows); found || err != nil {
		t.Errorf("missOK(ErrNoRows) = %v, %v; want false, nil", found, err)
	}
	boom := errors.New("boom")
	if found, err := missOK(boom); found || err != boom {
		t.Errorf("missOK(boom) = %v, %v; want false, boom", found, err)
	}
	if found, err := missOK(nil); !found || err != nil {
		t.Errorf("missOK(nil) = %v, %v; want true, nil", found, err)
	}
	if err := notFound(sql.ErrNoRows); !errors.Is(err, ErrNotFound) {
		t.Errorf("notFound(ErrNoRows) = %v, want ErrNotFound", err)
	}
}

func TestConnectionEntity_ToDomain(t *testing.T) {
	synced := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	e := connectionEntity{
		ID:              3,
		Provider:        "microsoft",
		Email:           "sales@example.com",
		LastSyncAt:      sql.NullTime{Time: synced, Valid: true},
		ExcludedDomains: pq.StringArray{"bank.com"},
		IsActive:        true,
	}

	c := e.toDomain()
	if c.Provider != domain.ProviderMicrosoft {
		t.Errorf("Provider = %s, want microsoft", c.Provider)
	}
	if c.LastSyncAt == nil || !c.LastSyncAt.Equal(synced) {
		t.Errorf("LastSyncAt = %v, want %v", c.LastSyncAt, synced)
	}
	if !c.ExpiresAt.IsZero() {
		t.Errorf("ExpiresAt = %v, want zero for NULL", c.ExpiresAt)
	}
	if len(c.ExcludedDomains) != 1 || c.ExcludedDomains[0] != "bank.com" {
		t.Errorf("ExcludedDomains = %v", c.ExcludedDomains)
	}
	if !c.NeedsRefresh(synced) {
		t.Error("NeedsRefresh() = false for a connection without expiry")
	}
}
