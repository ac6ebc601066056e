package publish

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSwapGuardViolation is wrapped by every GuardViolation.
	ErrSwapGuardViolation = errors.New("swap guard violation")

	// ErrLockTimeout is returned when a table lock cannot be acquired.
	ErrLockTimeout = errors.New("table lock not acquired")
)

// GuardViolation reports a snapshot swap that was refused. The live table
// is left untouched.
type GuardViolation struct {
	Result SwapGuardResult
}

// Error implements the error interface.
func (e *GuardViolation) Error() string {
	return fmt.Sprintf("%v: %s: %s (staged %d, existing %d)",
		ErrSwapGuardViolation, e.Result.Table, e.Result.Reason, e.Result.StagedRows, e.Result.ExistingRows)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *GuardViolation) Unwrap() error {
	return ErrSwapGuardViolation
}

// SchemaMismatchError reports a live table whose shape disagrees with its
// policy record, or a guard that could not be evaluated. It is fatal for
// the run.
type SchemaMismatchError struct {
	Table   string
	Missing []string
	Extra   []string
	Err     error
}

// Error implements the error interface.
func (e *SchemaMismatchError) Error() string {
	var parts []string
	if len(e.Missing) > 0 {
		parts = append(parts, "missing columns "+strings.Join(e.Missing, ","))
	}
	if len(e.Extra) > 0 {
		parts = append(parts, "unexpected columns "+strings.Join(e.Extra, ","))
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	return fmt.Sprintf("schema mismatch on %s: %s", e.Table, strings.Join(parts, "; "))
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *SchemaMismatchError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether err must halt the whole run.
func IsFatal(err error) bool {
	var sm *SchemaMismatchError
	return errors.As(err, &sm)
}
