package kvm

import (
	"sync"
	"unsafe"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

const (
	memLogDirtyPages = 1 << 0
	memReadonly      = 1 << 1

	ioeventfdDatamatch = 1 << 0
	ioeventfdPIO       = 1 << 1
	ioeventfdDeassign  = 1 << 2

	irqChipPIC0   = 0
	irqChipPIC1   = 1
	irqChipIOAPIC = 2
)

// UserspaceMemoryRegion is struct kvm_userspace_memory_region.
type UserspaceMemoryRegion struct {
	Slot          uint32
	Flags         uint32
	GuestPhysAddr uint64
	MemorySize    uint64
	UserspaceAddr uint64
}

// SetMemLogDirtyPages asks KVM to track writes to the region.
func (r *UserspaceMemoryRegion) SetMemLogDirtyPages() {
	r.Flags |= memLogDirtyPages
}

// SetMemReadonly marks a region as read only.
func (r *UserspaceMemoryRegion) SetMemReadonly() {
	r.Flags |= memReadonly
}

type dirtyLog struct {
	Slot   uint32
	_      uint32
	BitMap uint64
}

type irqLevel struct {
	IRQ   uint32
	Level uint32
}

type pitConfig struct {
	Flags uint32
	_     [15]uint32
}

type msi struct {
	AddressLo uint32
	AddressHi uint32
	Data      uint32
	Flags     uint32
	DevID     uint32
	_         [12]uint8
}

type ioeventfd struct {
	Datamatch uint64
	Addr      uint64
	Len       uint32
	FD        int32
	Flags     uint32
	_         [36]uint8
}

// ClockData is struct kvm_clock_data.
type ClockData struct {
	Clock    uint64
	Flags    uint32
	_        uint32
	Realtime uint64
	HostTSC  uint64
	_        [4]uint32
}

// IRQChip is struct kvm_irqchip; Chip is the raw PIC or IOAPIC state.
type IRQChip struct {
	ChipID uint32
	_      uint32
	Chip   [512]byte
}

// PITState2 is struct kvm_pit_state2 kept opaque.
type PITState2 struct {
	Data [112]byte
}

type vm struct {
	fd  uintptr
	hv  *Hypervisor
	log logrus.FieldLogger

	mu    sync.Mutex
	vcpus []*vcpu
}

func (v *vm) setTSSAddr() error {
	_, err := Ioctl(v.fd, IIO(kvmSetTSSAddr), tssAddr)

	return err
}

func (v *vm) setIdentityMapAddr() error {
	addr := uint64(identityMapAddr)
	_, err := Ioctl(v.fd, IIOW(kvmSetIdentityMapAddr, 8), uintptr(unsafe.Pointer(&addr)))

	return err
}

func (v *vm) createIRQChip() error {
	_, err := Ioctl(v.fd, IIO(kvmCreateIRQChip), 0)

	return err
}

func (v *vm) createPIT2() error {
	pit := pitConfig{}
	_, err := Ioctl(v.fd, IIOW(kvmCreatePIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit)))

	return err
}

func (v *vm) SetMemoryRegion(s hypervisor.MemorySlot) error {
	r := &UserspaceMemoryRegion{
		Slot:          s.Slot,
		GuestPhysAddr: s.GuestPhysAddr,
		MemorySize:    s.Size,
		UserspaceAddr: uint64(s.HostAddr),
	}

	if s.LogDirty {
		r.SetMemLogDirtyPages()
	}

	if s.ReadOnly {
		r.SetMemReadonly()
	}

	return hypervisor.Fatal("KVM_SET_USER_MEMORY_REGION", SetUserMemoryRegion(v.fd, r))
}

func (v *vm) RemoveMemoryRegion(s hypervisor.MemorySlot) error {
	r := &UserspaceMemoryRegion{
		Slot:          s.Slot,
		GuestPhysAddr: s.GuestPhysAddr,
		UserspaceAddr: uint64(s.HostAddr),
	}

	return hypervisor.Fatal("KVM_SET_USER_MEMORY_REGION", SetUserMemoryRegion(v.fd, r))
}

// SetUserMemoryRegion adds, changes or (with size 0) removes a memory slot.
func SetUserMemoryRegion(vmFd uintptr, r *UserspaceMemoryRegion) error {
	_, err := Ioctl(vmFd, IIOW(kvmSetUserMemoryRegion, unsafe.Sizeof(*r)), uintptr(unsafe.Pointer(r)))

	return err
}

func (v *vm) DirtyLog(slot uint32, bitmap []uint64) error {
	if len(bitmap) == 0 {
		return nil
	}

	dl := dirtyLog{Slot: slot, BitMap: uint64(uintptr(unsafe.Pointer(&bitmap[0])))}
	_, err := Ioctl(v.fd, IIOW(kvmGetDirtyLog, unsafe.Sizeof(dl)), uintptr(unsafe.Pointer(&dl)))

	return hypervisor.Fatal("KVM_GET_DIRTY_LOG", err)
}

func (v *vm) SetIRQLine(irq uint32, level bool) error {
	l := irqLevel{IRQ: irq}
	if level {
		l.Level = 1
	}

	_, err := Ioctl(v.fd, IIOW(kvmIRQLine, unsafe.Sizeof(l)), uintptr(unsafe.Pointer(&l)))

	return hypervisor.Fatal("KVM_IRQ_LINE", err)
}

func (v *vm) SignalMSI(m hypervisor.MSIMessage) error {
	k := msi{
		AddressLo: uint32(m.Address),
		AddressHi: uint32(m.Address >> 32),
		Data:      m.Data,
	}

	_, err := Ioctl(v.fd, IIOW(kvmSignalMSI, unsafe.Sizeof(k)), uintptr(unsafe.Pointer(&k)))

	return hypervisor.Fatal("KVM_SIGNAL_MSI", err)
}

func (v *vm) ioeventfd(e hypervisor.IOEvent, flags uint32) error {
	k := ioeventfd{
		Addr:  e.Addr,
		Len:   e.Len,
		FD:    int32(e.FD),
		Flags: flags,
	}

	if e.PIO {
		k.Flags |= ioeventfdPIO
	}

	if e.Datamatch {
		k.Flags |= ioeventfdDatamatch
		k.Datamatch = e.Data
	}

	_, err := Ioctl(v.fd, IIOW(kvmIOEventFD, unsafe.Sizeof(k)), uintptr(unsafe.Pointer(&k)))

	return hypervisor.Fatal("KVM_IOEVENTFD", err)
}

func (v *vm) RegisterIOEvent(e hypervisor.IOEvent) error { return v.ioeventfd(e, 0) }

func (v *vm) UnregisterIOEvent(e hypervisor.IOEvent) error {
	return v.ioeventfd(e, ioeventfdDeassign)
}

func (v *vm) SaveState() (*hypervisor.VMState, error) {
	s := &hypervisor.VMState{Blobs: map[string][]byte{}}

	cd := &ClockData{}
	if _, err := Ioctl(v.fd, IIOR(kvmGetClock, unsafe.Sizeof(*cd)), uintptr(unsafe.Pointer(cd))); err != nil {
		return nil, hypervisor.Fatal("KVM_GET_CLOCK", err)
	}

	s.Blobs["clock"] = cloneBytes(structBytes(cd))

	for _, id := range []uint32{irqChipPIC0, irqChipPIC1, irqChipIOAPIC} {
		chip := &IRQChip{ChipID: id}
		if _, err := Ioctl(v.fd, IIOWR(kvmGetIRQChip, unsafe.Sizeof(*chip)), uintptr(unsafe.Pointer(chip))); err != nil {
			return nil, hypervisor.Fatal("KVM_GET_IRQCHIP", err)
		}

		s.Blobs[irqChipKey(id)] = cloneBytes(structBytes(chip))
	}

	pit := &PITState2{}
	if _, err := Ioctl(v.fd, IIOR(kvmGetPIT2, unsafe.Sizeof(*pit)), uintptr(unsafe.Pointer(pit))); err != nil {
		return nil, hypervisor.Fatal("KVM_GET_PIT2", err)
	}

	s.Blobs["pit2"] = cloneBytes(structBytes(pit))

	return s, nil
}

func (v *vm) RestoreState(s *hypervisor.VMState) error {
	var cd ClockData
	if err := copyStruct(&cd, s.Blobs["clock"]); err != nil {
		return err
	}

	// KVM rejects flags it did not produce for SET_CLOCK.
	cd.Flags = 0

	if _, err := Ioctl(v.fd, IIOW(kvmSetClock, unsafe.Sizeof(cd)), uintptr(unsafe.Pointer(&cd))); err != nil {
		return hypervisor.Fatal("KVM_SET_CLOCK", err)
	}

	for _, id := range []uint32{irqChipPIC0, irqChipPIC1, irqChipIOAPIC} {
		var chip IRQChip
		if err := copyStruct(&chip, s.Blobs[irqChipKey(id)]); err != nil {
			return err
		}

		if _, err := Ioctl(v.fd, IIOR(kvmSetIRQChip, unsafe.Sizeof(chip)), uintptr(unsafe.Pointer(&chip))); err != nil {
			return hypervisor.Fatal("KVM_SET_IRQCHIP", err)
		}
	}

	var pit PITState2
	if err := copyStruct(&pit, s.Blobs["pit2"]); err != nil {
		return err
	}

	if _, err := Ioctl(v.fd, IIOW(kvmSetPIT2, unsafe.Sizeof(pit)), uintptr(unsafe.Pointer(&pit))); err != nil {
		return hypervisor.Fatal("KVM_SET_PIT2", err)
	}

	return nil
}

func irqChipKey(id uint32) string {
	switch id {
	case irqChipPIC0:
		return "irqchip.pic0"
	case irqChipPIC1:
		return "irqchip.pic1"
	default:
		return "irqchip.ioapic"
	}
}

func (v *vm) Close() error {
	v.mu.Lock()
	vcpus := v.vcpus
	v.vcpus = nil
	v.mu.Unlock()

	for _, c := range vcpus {
		_ = c.Close()
	}

	return unix.Close(int(v.fd))
}
