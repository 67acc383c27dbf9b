package storage

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"
	"realty_scrooper/apperr"
)

// classify tags integrity constraint violations with apperr.ErrConstraint so
// callers can tell a bad record from a broken connection.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		return fmt.Errorf("%w: %s: %w", apperr.ErrConstraint, pgErr.ConstraintName, err)
	}

	var sqErr sqlite3.Error
	if errors.As(err, &sqErr) && sqErr.Code == sqlite3.ErrConstraint {
		return fmt.Errorf("%w: %w", apperr.ErrConstraint, err)
	}

	return err
}
