// Package hypervisor defines what the rest of the VMM needs from a hardware
// virtualization backend. Nothing outside the backend packages (kvm, hvtest)
// knows which backend is active.
package hypervisor

// Capabilities reports what the active backend supports.
type Capabilities struct {
	MaxVcpus       int
	MaxMemorySlots int
	DirtyLog       bool
	IRQChip        bool
	MSI            bool
	IOEventFD      bool
	ImmediateExit  bool
}

// Hypervisor is the entry point of a backend.
type Hypervisor interface {
	CreateVM() (VM, error)
	Capabilities() Capabilities
	Close() error
}

// MemorySlot describes guest physical memory backed by a host mapping.
type MemorySlot struct {
	Slot          uint32
	GuestPhysAddr uint64
	Size          uint64
	HostAddr      uintptr
	LogDirty      bool
	ReadOnly      bool
}

// MSIMessage is an MSI write as programmed by the guest.
type MSIMessage struct {
	Address uint64
	Data    uint32
}

// IOEvent binds an eventfd to a guest write at Addr so that a notification can
// be delivered without a userspace exit.
type IOEvent struct {
	Addr      uint64
	Len       uint32
	PIO       bool
	FD        int
	Datamatch bool
	Data      uint64
}

// VM is a virtual machine container in the backend.
type VM interface {
	CreateVcpu(id int) (Vcpu, error)

	SetMemoryRegion(MemorySlot) error
	RemoveMemoryRegion(slot MemorySlot) error

	// DirtyLog fills bitmap with the pages written by the guest since the
	// previous call and clears the backend log.
	DirtyLog(slot uint32, bitmap []uint64) error

	SetIRQLine(irq uint32, level bool) error
	SignalMSI(MSIMessage) error

	RegisterIOEvent(IOEvent) error
	UnregisterIOEvent(IOEvent) error

	SaveState() (*VMState, error)
	RestoreState(*VMState) error

	Close() error
}

// Vcpu is a single virtual CPU. Run must be called from one goroutine only;
// Kick may be called from anywhere.
type Vcpu interface {
	ID() int

	// Run enters the guest and blocks until the next exit.
	Run() (*Exit, error)

	// Kick forces the current (or next) Run to return ExitInterrupted.
	Kick()

	Regs() (Regs, error)
	SetRegs(Regs) error
	Sregs() (Sregs, error)
	SetSregs(Sregs) error

	SaveState() (*VcpuState, error)
	RestoreState(*VcpuState) error

	Close() error
}
