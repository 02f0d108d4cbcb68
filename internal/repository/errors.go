package repository

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrEmailTaken           = errors.New("email already registered")
	ErrTokenNotFound        = errors.New("token not found")
	ErrConnectionNotFound   = errors.New("email connection not found")
	ErrImportNotFound       = errors.New("import not found")
	ErrImportInProgress     = errors.New("an import is already in progress for this connection")
	ErrSubscriptionNotFound = errors.New("subscription not found")
)

const pgUniqueViolation = "23505"

// isUniqueViolation reports whether err carries a PostgreSQL unique_violation
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
