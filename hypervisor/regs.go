package hypervisor

const numInterrupts = 0x100

// Regs are the general purpose registers of an x86-64 vcpu. The layout
// matches struct kvm_regs.
type Regs struct {
	RAX    uint64
	RBX    uint64
	RCX    uint64
	RDX    uint64
	RSI    uint64
	RDI    uint64
	RSP    uint64
	RBP    uint64
	R8     uint64
	R9     uint64
	R10    uint64
	R11    uint64
	R12    uint64
	R13    uint64
	R14    uint64
	R15    uint64
	RIP    uint64
	RFLAGS uint64
}

// Sregs are the segment and control registers. The layout matches
// struct kvm_sregs.
type Sregs struct {
	CS              Segment
	DS              Segment
	ES              Segment
	FS              Segment
	GS              Segment
	SS              Segment
	TR              Segment
	LDT             Segment
	GDT             Descriptor
	IDT             Descriptor
	CR0             uint64
	CR2             uint64
	CR3             uint64
	CR4             uint64
	CR8             uint64
	EFER            uint64
	ApicBase        uint64
	InterruptBitmap [(numInterrupts + 63) / 64]uint64
}

// Segment is an x86 segment descriptor.
type Segment struct {
	Base     uint64
	Limit    uint32
	Selector uint16
	Typ      uint8
	Present  uint8
	DPL      uint8
	DB       uint8
	S        uint8
	L        uint8
	G        uint8
	AVL      uint8
	Unusable uint8
	Padding  uint8
}

// Descriptor is a GDT or IDT pointer.
type Descriptor struct {
	Base    uint64
	Limit   uint16
	Padding [3]uint16
}

// MSREntry is an index/value pair for a model-specific register.
type MSREntry struct {
	Index uint32
	Data  uint64
}

// VcpuState is the complete architectural state of one vcpu. Regs and Sregs
// are kept typed so callers can inspect them; everything else is an opaque
// backend blob keyed by name.
type VcpuState struct {
	ID    int
	Regs  Regs
	Sregs Sregs
	MSRs  []MSREntry
	Blobs map[string][]byte
}

// VMState is VM-wide hardware state (clocks, interrupt controllers, timers).
type VMState struct {
	Blobs map[string][]byte
}
