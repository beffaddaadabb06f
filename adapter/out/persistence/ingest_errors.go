// Package persistence implements the repository ports on Postgres with sqlx.
package persistence

import (
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"

	"ingest_server/core/port/out"
)

// Common persistence errors
var (
	ErrNotFound  = out.ErrNotFound
	ErrDuplicate = errors.New("duplicate entry")
)

const uniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// notFound maps sql.ErrNoRows to ErrNotFound.
func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// missOK turns sql.ErrNoRows into a nil error for lookups that return nil, nil
// on miss.
func missOK(err error) (bool, error) {
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
