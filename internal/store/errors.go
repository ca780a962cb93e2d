package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrUnavailable marks connection loss and other transient failures. Callers may retry.
	ErrUnavailable = errors.New("plan repository unavailable")
	// ErrAccessDenied is returned when no owner is bound or row-level security rejects a write.
	ErrAccessDenied    = errors.New("access denied")
	ErrNotFound        = errors.New("not found")
	ErrRecordOwnership = errors.New("record belongs to another plan")
)

// classify wraps err with op and maps driver failures onto the package sentinels.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	for _, sentinel := range []error{ErrUnavailable, ErrAccessDenied, ErrNotFound, ErrRecordOwnership} {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("%s: %w", op, err)
		}
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		code := pgErr.SQLState()
		switch {
		case code == "42501":
			return fmt.Errorf("%s: %w: %s", op, ErrAccessDenied, pgErr.Message)
		case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "53"), strings.HasPrefix(code, "57P"),
			code == "40001", code == "40P01":
			return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
		default:
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	// Anything the server did not answer (dial errors, dropped connections, deadlines) is
	// treated as transient.
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}
