package store

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"modernc.org/sqlite"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("not found")

// TransientError marks storage failures that are worth retrying upstream
// (connection loss, timeouts, broker-side restarts of the database).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient storage error: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IntegrityError marks constraint violations and corrupted rows. Not
// retryable.
type IntegrityError struct {
	Err error
}

func (e *IntegrityError) Error() string { return "integrity error: " + e.Err.Error() }
func (e *IntegrityError) Unwrap() error { return e.Err }

// classify wraps a raw database error into the Transient/Integrity taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if isConstraintViolation(err) {
		return &IntegrityError{Err: err}
	}
	return &TransientError{Err: err}
}

// sqliteConstraintCode is SQLITE_CONSTRAINT; extended codes keep it in the
// low byte.
const sqliteConstraintCode = 19

func isConstraintViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 23 is integrity_constraint_violation.
		return strings.HasPrefix(pgErr.Code, "23")
	}
	var sqErr *sqlite.Error
	if errors.As(err, &sqErr) {
		return sqErr.Code()&0xff == sqliteConstraintCode
	}
	return false
}
