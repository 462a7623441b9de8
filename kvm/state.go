package kvm

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/bobuhiro11/govmm/hypervisor"
	"golang.org/x/sys/unix"
)

var errStateTooSmall = errors.New("state buffer too small")

// structBytes returns a byte slice that aliases the memory of v.
func structBytes[T any](v *T) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(v)), unsafe.Sizeof(*v))
}

// copyStruct fills *dst from a byte slice produced by structBytes.
func copyStruct[T any](dst *T, b []byte) error {
	size := int(unsafe.Sizeof(*dst))
	if len(b) < size {
		return fmt.Errorf("%w: got %d want %d", errStateTooSmall, len(b), size)
	}

	copy(unsafe.Slice((*byte)(unsafe.Pointer(dst)), size), b[:size])

	return nil
}

func cloneBytes(s []byte) []byte {
	return append([]byte(nil), s...)
}

// MSRList is struct kvm_msr_list with room for maxMSRs indices.
type MSRList struct {
	NMSRs   uint32
	Indices [maxMSRs]uint32
}

const maxMSRs = 512

type msrEntry struct {
	Index    uint32
	Reserved uint32
	Data     uint64
}

// LAPICState is struct kvm_lapic_state.
type LAPICState struct {
	Regs [1024]byte
}

// VCPUEvents is struct kvm_vcpu_events kept opaque.
type VCPUEvents struct {
	Data [64]byte
}

// MPState is struct kvm_mp_state.
type MPState struct {
	State uint32
}

// DebugRegs is struct kvm_debugregs.
type DebugRegs struct {
	DB    [4]uint64
	DR6   uint64
	DR7   uint64
	Flags uint64
	_     [9]uint64
}

// XCRS is struct kvm_xcrs.
type XCRS struct {
	NrXCRS uint32
	Flags  uint32
	XCRS   [16]struct {
		XCR      uint32
		Reserved uint32
		Value    uint64
	}
	_ [16]uint64
}

// GetMSRIndexList returns the MSR indices this host lets guests use.
func GetMSRIndexList(kvmFd uintptr) ([]uint32, error) {
	list := &MSRList{NMSRs: maxMSRs}

	// The kernel only looks at nmsrs for the size check.
	_, err := Ioctl(kvmFd, IIOWR(kvmGetMSRIndexList, 4), uintptr(unsafe.Pointer(list)))
	if err != nil {
		return nil, err
	}

	return append([]uint32(nil), list.Indices[:list.NMSRs]...), nil
}

func msrBuffer(n int) ([]byte, *uint32) {
	buf := make([]byte, 8+16*n)
	nmsrs := (*uint32)(unsafe.Pointer(&buf[0]))
	*nmsrs = uint32(n)

	return buf, nmsrs
}

func msrAt(buf []byte, i int) *msrEntry {
	return (*msrEntry)(unsafe.Pointer(&buf[8+16*i]))
}

func (c *vcpu) getMSRs(indices []uint32) ([]hypervisor.MSREntry, error) {
	if len(indices) == 0 {
		return nil, nil
	}

	buf, _ := msrBuffer(len(indices))
	for i, idx := range indices {
		msrAt(buf, i).Index = idx
	}

	n, err := Ioctl(c.fd, IIOWR(kvmGetMSRs, 8), uintptr(unsafe.Pointer(&buf[0])))
	if err != nil {
		return nil, err
	}

	out := make([]hypervisor.MSREntry, 0, n)
	for i := 0; i < int(n); i++ {
		e := msrAt(buf, i)
		out = append(out, hypervisor.MSREntry{Index: e.Index, Data: e.Data})
	}

	return out, nil
}

func (c *vcpu) setMSRs(entries []hypervisor.MSREntry) error {
	if len(entries) == 0 {
		return nil
	}

	buf, _ := msrBuffer(len(entries))
	for i, e := range entries {
		msrAt(buf, i).Index = e.Index
		msrAt(buf, i).Data = e.Data
	}

	_, err := Ioctl(c.fd, IIOW(kvmSetMSRs, 8), uintptr(unsafe.Pointer(&buf[0])))

	return err
}

// blobIoctl describes one opaque piece of vcpu state.
type blobIoctl struct {
	key      string
	get, set uintptr
	new      func() []byte
}

func vcpuBlobs() []blobIoctl {
	return []blobIoctl{
		{
			"lapic",
			IIOR(kvmGetLAPIC, unsafe.Sizeof(LAPICState{})),
			IIOW(kvmSetLAPIC, unsafe.Sizeof(LAPICState{})),
			func() []byte { return structBytes(&LAPICState{}) },
		},
		{
			"events",
			IIOR(kvmGetVCPUEvents, unsafe.Sizeof(VCPUEvents{})),
			IIOW(kvmSetVCPUEvents, unsafe.Sizeof(VCPUEvents{})),
			func() []byte { return structBytes(&VCPUEvents{}) },
		},
		{
			"mpstate",
			IIOR(kvmGetMPState, unsafe.Sizeof(MPState{})),
			IIOW(kvmSetMPState, unsafe.Sizeof(MPState{})),
			func() []byte { return structBytes(&MPState{}) },
		},
		{
			"debugregs",
			IIOR(kvmGetDebugRegs, unsafe.Sizeof(DebugRegs{})),
			IIOW(kvmSetDebugRegs, unsafe.Sizeof(DebugRegs{})),
			func() []byte { return structBytes(&DebugRegs{}) },
		},
		{
			"xcrs",
			IIOR(kvmGetXCRS, unsafe.Sizeof(XCRS{})),
			IIOW(kvmSetXCRS, unsafe.Sizeof(XCRS{})),
			func() []byte { return structBytes(&XCRS{}) },
		},
	}
}

func (c *vcpu) SaveState() (*hypervisor.VcpuState, error) {
	s := &hypervisor.VcpuState{ID: c.id, Blobs: map[string][]byte{}}

	var err error

	if s.Regs, err = c.Regs(); err != nil {
		return nil, err
	}

	if s.Sregs, err = c.Sregs(); err != nil {
		return nil, err
	}

	indices, err := GetMSRIndexList(c.vm.hv.Fd())
	if err != nil {
		return nil, hypervisor.VcpuFatal(c.id, "KVM_GET_MSR_INDEX_LIST", err)
	}

	if s.MSRs, err = c.getMSRs(indices); err != nil {
		return nil, hypervisor.VcpuFatal(c.id, "KVM_GET_MSRS", err)
	}

	for _, b := range vcpuBlobs() {
		buf := b.new()
		if _, err := Ioctl(c.fd, b.get, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
			if b.key == "xcrs" && errors.Is(err, unix.EINVAL) {
				// Hosts without XSAVE.
				continue
			}

			return nil, hypervisor.VcpuFatal(c.id, "get "+b.key, err)
		}

		s.Blobs[b.key] = cloneBytes(buf)
	}

	return s, nil
}

// RestoreState applies state in the order KVM expects: sregs before regs
// and MSRs, LAPIC before events.
func (c *vcpu) RestoreState(s *hypervisor.VcpuState) error {
	if err := c.SetSregs(s.Sregs); err != nil {
		return err
	}

	if err := c.SetRegs(s.Regs); err != nil {
		return err
	}

	if err := c.setMSRs(s.MSRs); err != nil {
		return hypervisor.VcpuFatal(c.id, "KVM_SET_MSRS", err)
	}

	for _, b := range vcpuBlobs() {
		data, ok := s.Blobs[b.key]
		if !ok {
			continue
		}

		buf := b.new()
		if len(data) < len(buf) {
			return fmt.Errorf("%s: %w", b.key, errStateTooSmall)
		}

		copy(buf, data)

		if _, err := Ioctl(c.fd, b.set, uintptr(unsafe.Pointer(&buf[0]))); err != nil {
			return hypervisor.VcpuFatal(c.id, "set "+b.key, err)
		}
	}

	return nil
}
