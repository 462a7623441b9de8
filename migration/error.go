package migration

import (
	"errors"
	"fmt"
)

var (
	// ErrMigration matches every *Error.
	ErrMigration = errors.New("migration failed")
	// ErrVersionMismatch is returned for a stream or device state written
	// by an incompatible version.
	ErrVersionMismatch = errors.New("state version mismatch")
	// ErrCorrupt is returned for a stream that fails framing or digest
	// checks.
	ErrCorrupt = errors.New("corrupt migration stream")
)

// Error is a failed snapshot, restore or migration step.
type Error struct {
	Phase string
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("migration: %s: %v", e.Phase, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrMigration }

// Fail wraps err as an *Error for phase. A nil err stays nil.
func Fail(phase string, err error) error {
	if err == nil {
		return nil
	}

	var me *Error
	if errors.As(err, &me) {
		return err
	}

	return &Error{Phase: phase, Err: err}
}
