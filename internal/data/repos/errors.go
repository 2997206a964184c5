package repos

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/workgraph/workgraph/internal/domain/fault"
)

// MapError maps infrastructure failures into fault codes. Transient database
// failures (deadlock, serialization, lost connection) come back retryable so
// the coordinator can re-run the operation with bounded attempts; unique
// violations on the most_recent partial indexes surface as conflicts.
func MapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return fault.Wrap(fault.CodeNotFound, op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fault.Wrap(fault.CodeTimeout, op, err)
	case errors.Is(err, context.Canceled):
		return fault.Wrap(fault.CodeRetryable, op, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch strings.TrimSpace(pgErr.Code) {
		case "23505":
			return fault.Wrap(fault.CodeConflict, op, err) // unique_violation
		case "23503":
			return fault.Wrap(fault.CodeValidation, op, err) // foreign_key_violation
		case "40001", "40P01", "55P03":
			return fault.Wrap(fault.CodeRetryable, op, err) // serialization/deadlock/lock_not_available
		}
	}

	msg := strings.ToLower(strings.TrimSpace(err.Error()))
	switch {
	case strings.Contains(msg, "duplicate key"), strings.Contains(msg, "already exists"):
		return fault.Wrap(fault.CodeConflict, op, err)
	case strings.Contains(msg, "deadlock"),
		strings.Contains(msg, "serialization"),
		strings.Contains(msg, "connection"),
		strings.Contains(msg, "temporar"):
		return fault.Wrap(fault.CodeRetryable, op, err)
	default:
		return fault.Wrap(fault.CodeInternal, op, err)
	}
}
