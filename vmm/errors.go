package vmm

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration matches every *ConfigError.
	ErrConfiguration = errors.New("invalid configuration")
	// ErrStateConflict matches every *StateError.
	ErrStateConflict = errors.New("operation not allowed in current state")
	// ErrPauseTimeout is returned when the vcpus did not reach the pause
	// barrier in time. The VM is shut down.
	ErrPauseTimeout = errors.New("vcpus did not pause in time")
	ErrNoDevice     = errors.New("no such device")
	ErrCanceled     = errors.New("migration canceled")
	ErrNoMigration  = errors.New("no migration in progress")
)

// ConfigError reports a configuration rejected before any vcpu ran.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Is(target error) bool { return target == ErrConfiguration }

func configErrorf(field, format string, a ...any) error {
	return &ConfigError{Field: field, Reason: fmt.Sprintf(format, a...)}
}

// StateError is returned for a request the VM cannot serve in its state.
type StateError struct {
	Op    string
	State State
	// Migrating is set when a migration holds the VM.
	Migrating bool
}

func (e *StateError) Error() string {
	if e.Migrating {
		return fmt.Sprintf("%s: not allowed while %s and migrating", e.Op, e.State)
	}

	return fmt.Sprintf("%s: not allowed while %s", e.Op, e.State)
}

func (e *StateError) Is(target error) bool { return target == ErrStateConflict }
