package ledger

import (
	"errors"
	"fmt"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	apierrors "localrag/internal/errors"
)

// Error reports a failed ledger operation. It matches both apierrors.ErrLedger
// and the underlying cause with errors.Is.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("ledger %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() []error {
	return []error{apierrors.ErrLedger, e.Err}
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, apierrors.ErrRecordNotFound) {
		return fmt.Errorf("ledger %s: %w", op, err)
	}
	var le *Error
	if errors.As(err, &le) {
		return err
	}
	return &Error{Op: op, Err: err}
}

// isBusy reports whether err is a transient lock conflict worth retrying.
func isBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}
