package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrTimeout means the statement hit its deadline and was cancelled.
	ErrTimeout = errors.New("query timed out")
	// ErrCanceled means the caller cancelled before the statement finished.
	ErrCanceled = errors.New("query canceled")
	// ErrRowCapExceededHard means a row could not be represented within the
	// configured bounds.
	ErrRowCapExceededHard = errors.New("result exceeds hard size limit")
	// ErrRejectedVerdict is returned by NewRequest for a rejected verdict.
	ErrRejectedVerdict = errors.New("cannot execute a rejected query")
)

// DBError is a failure reported by the database engine. Message is the
// engine's text, unmodified.
type DBError struct {
	Message string
	Code    string
	Detail  string
	Hint    string
}

func (e *DBError) Error() string {
	if e.Code == "" {
		return e.Message
	}
	return fmt.Sprintf("%s (SQLSTATE %s)", e.Message, e.Code)
}

// classify maps a driver error onto the executor's error set. parent is the
// caller's context; qctx is the per-statement deadline context.
func classify(parent, qctx context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCanceled, parent.Err())
	}
	if errors.Is(qctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return &DBError{
			Message: pgErr.Message,
			Code:    pgErr.Code,
			Detail:  pgErr.Detail,
			Hint:    pgErr.Hint,
		}
	}
	return &DBError{Message: err.Error()}
}
