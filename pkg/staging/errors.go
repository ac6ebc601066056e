package staging

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyBatch is returned when a batch has no rows.
	ErrEmptyBatch = errors.New("batch is empty")

	// ErrMissingKey is returned when a row lacks a required key column.
	ErrMissingKey = errors.New("required column missing or null")

	// ErrCountMismatch is returned when the re-read row count differs from the written count.
	ErrCountMismatch = errors.New("row count mismatch after write")

	// ErrAlreadyFinished is returned when Commit or Rollback is called twice.
	ErrAlreadyFinished = errors.New("pending artifact already committed or rolled back")
)

// ValidationError reports a batch that failed pre-commit checks. The
// batch is discarded and nothing becomes visible.
type ValidationError struct {
	Table string
	// Row is the zero-based offending row, or -1 when not row specific.
	Row int
	Err error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Row >= 0 {
		return fmt.Sprintf("staging %s: row %d: %v", e.Table, e.Row, e.Err)
	}
	return fmt.Sprintf("staging %s: %v", e.Table, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *ValidationError) Unwrap() error {
	return e.Err
}
