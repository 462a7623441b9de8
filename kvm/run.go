package kvm

// ExitType is a KVM exit reason from struct kvm_run.
type ExitType uint32

const (
	EXITUNKNOWN       ExitType = 0
	EXITEXCEPTION     ExitType = 1
	EXITIO            ExitType = 2
	EXITHYPERCALL     ExitType = 3
	EXITDEBUG         ExitType = 4
	EXITHLT           ExitType = 5
	EXITMMIO          ExitType = 6
	EXITIRQWINDOWOPEN ExitType = 7
	EXITSHUTDOWN      ExitType = 8
	EXITFAILENTRY     ExitType = 9
	EXITINTR          ExitType = 10
	EXITSETTPR        ExitType = 11
	EXITTPRACCESS     ExitType = 12
	EXITNMI           ExitType = 16
	EXITINTERNALERROR ExitType = 17
	EXITSYSTEMEVENT   ExitType = 24

	EXITIOIN  = 0
	EXITIOOUT = 1
)

// RunData is the head of struct kvm_run, shared with the kernel through
// the vcpu mmap.
type RunData struct {
	RequestInterruptWindow     uint8
	ImmediateExit              uint8
	_                          [6]uint8
	ExitReason                 uint32
	ReadyForInterruptInjection uint8
	IfFlag                     uint8
	Flags                      uint16
	CR8                        uint64
	ApicBase                   uint64
	Data                       [32]uint64
}

// runDataOffset is where the exit union starts inside struct kvm_run.
const runDataOffset = 32

// IO decodes the io member of the exit union.
func (r *RunData) IO() (direction, size, port, count, offset uint64) {
	direction = r.Data[0] & 0xFF
	size = (r.Data[0] >> 8) & 0xFF
	port = (r.Data[0] >> 16) & 0xFFFF
	count = (r.Data[0] >> 32) & 0xFFFFFFFF
	offset = r.Data[1]

	return direction, size, port, count, offset
}

// MMIO decodes the mmio member of the exit union. The data bytes live at
// runDataOffset+8 in the run page.
func (r *RunData) MMIO() (addr uint64, length uint32, isWrite bool) {
	addr = r.Data[0]
	length = uint32(r.Data[2])
	isWrite = (r.Data[2]>>32)&0xFF != 0

	return addr, length, isWrite
}
