package hypervisor

import "fmt"

// ExitReason says why Run returned.
type ExitReason int

const (
	ExitUnknown ExitReason = iota
	ExitIO
	ExitMMIO
	ExitHalt
	ExitShutdown
	ExitHypercall
	ExitInterrupted
	ExitDebug
	ExitFailEntry
	ExitInternalError
	ExitSystemEvent
)

func (r ExitReason) String() string {
	switch r {
	case ExitUnknown:
		return "unknown"
	case ExitIO:
		return "io"
	case ExitMMIO:
		return "mmio"
	case ExitHalt:
		return "halt"
	case ExitShutdown:
		return "shutdown"
	case ExitHypercall:
		return "hypercall"
	case ExitInterrupted:
		return "interrupted"
	case ExitDebug:
		return "debug"
	case ExitFailEntry:
		return "fail_entry"
	case ExitInternalError:
		return "internal_error"
	case ExitSystemEvent:
		return "system_event"
	}

	return fmt.Sprintf("ExitReason(%d)", int(r))
}

// Hypercall aliases the hypercall area of the backend run structure so that
// Ret is handed back to the guest on the next Run.
type Hypercall struct {
	Nr   uint64
	Args [6]uint64
	Ret  uint64
}

// Exit describes a single vcpu exit.
//
// For ExitIO, Addr is the port and Data holds Size*Count bytes. For
// ExitMMIO, Addr is the guest physical address and Data holds Size bytes.
// Data aliases backend memory and is only valid until the next Run.
type Exit struct {
	Reason ExitReason

	Addr  uint64
	Write bool
	Size  int
	Count int
	Data  []byte

	Hypercall *Hypercall

	// Raw is the backend specific exit code, kept for diagnostics.
	Raw uint64
}
