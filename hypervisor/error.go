package hypervisor

import (
	"errors"
	"fmt"
)

// ErrFatal matches every FatalError.
var ErrFatal = errors.New("fatal hypervisor error")

// FatalError is returned when the virtualization interface fails. The owning
// vcpu cannot continue and the VM has to be torn down.
type FatalError struct {
	Op   string
	Vcpu int
	Err  error
}

func (e *FatalError) Error() string {
	if e.Vcpu >= 0 {
		return fmt.Sprintf("hypervisor: vcpu%d: %s: %v", e.Vcpu, e.Op, e.Err)
	}

	return fmt.Sprintf("hypervisor: %s: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() error { return e.Err }

func (e *FatalError) Is(target error) bool { return target == ErrFatal }

// Fatal wraps err as a VM-level FatalError. A nil err stays nil.
func Fatal(op string, err error) error {
	if err == nil {
		return nil
	}

	return &FatalError{Op: op, Vcpu: -1, Err: err}
}

// VcpuFatal wraps err as a FatalError owned by vcpu id.
func VcpuFatal(id int, op string, err error) error {
	if err == nil {
		return nil
	}

	return &FatalError{Op: op, Vcpu: id, Err: err}
}
