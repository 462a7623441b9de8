// Package hvtest is an in-memory hypervisor backend. Exits are scripted by the
// caller, guest memory writes are simulated with VM.GuestWrite and every
// interrupt is recorded, which makes it possible to drive the whole VMM in
// unit tests without /dev/kvm.
package hvtest

import (
	"errors"
	"fmt"
	"sync"
	"unsafe"

	"github.com/bobuhiro11/govmm/hypervisor"
)

const pageSize = 4096

var (
	ErrClosed       = errors.New("hvtest: closed")
	ErrNoSlot       = errors.New("hvtest: no memory slot for address")
	ErrSlotOverlaps = errors.New("hvtest: memory slot overlaps")
)

// Hypervisor implements hypervisor.Hypervisor.
type Hypervisor struct {
	mu  sync.Mutex
	vms []*VM

	Caps hypervisor.Capabilities
}

// New returns a backend with every capability enabled.
func New() *Hypervisor {
	return &Hypervisor{
		Caps: hypervisor.Capabilities{
			MaxVcpus:       64,
			MaxMemorySlots: 32,
			DirtyLog:       true,
			IRQChip:        true,
			MSI:            true,
			IOEventFD:      true,
			ImmediateExit:  true,
		},
	}
}

func (h *Hypervisor) CreateVM() (hypervisor.VM, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	vm := &VM{
		slots:   map[uint32]hypervisor.MemorySlot{},
		dirty:   map[uint32][]uint64{},
		irqLine: map[uint32]bool{},
		state:   map[string][]byte{"clock": {0, 0, 0, 0, 0, 0, 0, 0}},
	}
	h.vms = append(h.vms, vm)

	return vm, nil
}

func (h *Hypervisor) Capabilities() hypervisor.Capabilities { return h.Caps }

func (h *Hypervisor) Close() error { return nil }

// VMs returns every VM created so far, oldest first.
func (h *Hypervisor) VMs() []*VM {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]*VM(nil), h.vms...)
}

// LastVM returns the most recently created VM or nil.
func (h *Hypervisor) LastVM() *VM {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.vms) == 0 {
		return nil
	}

	return h.vms[len(h.vms)-1]
}

// VM implements hypervisor.VM.
type VM struct {
	mu       sync.Mutex
	slots    map[uint32]hypervisor.MemorySlot
	dirty    map[uint32][]uint64
	vcpus    []*Vcpu
	irqLine  map[uint32]bool
	irqs     []IRQEvent
	msis     []hypervisor.MSIMessage
	ioevents []hypervisor.IOEvent
	state    map[string][]byte
	closed   bool
}

// IRQEvent records a SetIRQLine call.
type IRQEvent struct {
	IRQ   uint32
	Level bool
}

func (v *VM) CreateVcpu(id int) (hypervisor.Vcpu, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.closed {
		return nil, ErrClosed
	}

	c := &Vcpu{
		id:    id,
		vm:    v,
		exits: make(chan *pending, 64),
		kick:  make(chan struct{}, 1),
		done:  make(chan struct{}),
		blobs: map[string][]byte{"lapic": make([]byte, 16)},
	}
	c.regs.RFLAGS = 2
	v.vcpus = append(v.vcpus, c)

	return c, nil
}

// Vcpus returns the vcpus created on this VM.
func (v *VM) Vcpus() []*Vcpu {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]*Vcpu(nil), v.vcpus...)
}

func (v *VM) SetMemoryRegion(s hypervisor.MemorySlot) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for n, o := range v.slots {
		if n == s.Slot {
			continue
		}

		if s.GuestPhysAddr < o.GuestPhysAddr+o.Size && o.GuestPhysAddr < s.GuestPhysAddr+s.Size {
			return fmt.Errorf("%w: slot %d and %d", ErrSlotOverlaps, s.Slot, n)
		}
	}

	v.slots[s.Slot] = s

	pages := (s.Size + pageSize - 1) / pageSize
	if s.LogDirty {
		if _, ok := v.dirty[s.Slot]; !ok {
			v.dirty[s.Slot] = make([]uint64, (pages+63)/64)
		}
	} else {
		delete(v.dirty, s.Slot)
	}

	return nil
}

func (v *VM) RemoveMemoryRegion(s hypervisor.MemorySlot) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.slots, s.Slot)
	delete(v.dirty, s.Slot)

	return nil
}

func (v *VM) DirtyLog(slot uint32, bitmap []uint64) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	log, ok := v.dirty[slot]
	if !ok {
		return fmt.Errorf("hvtest: dirty logging disabled on slot %d", slot)
	}

	copy(bitmap, log)

	for i := range log {
		log[i] = 0
	}

	return nil
}

// GuestWrite simulates a store performed by the guest: the bytes land in the
// host mapping and the pages are marked in the backend dirty log.
func (v *VM) GuestWrite(gpa uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for n, s := range v.slots {
		if gpa < s.GuestPhysAddr || gpa+uint64(len(data)) > s.GuestPhysAddr+s.Size {
			continue
		}

		off := gpa - s.GuestPhysAddr
		host := unsafe.Slice((*byte)(unsafe.Pointer(s.HostAddr)), s.Size) //nolint:govet
		copy(host[off:], data)

		if log, ok := v.dirty[n]; ok {
			for p := off / pageSize; p <= (off+uint64(len(data))-1)/pageSize; p++ {
				log[p/64] |= 1 << (p % 64)
			}
		}

		return nil
	}

	return fmt.Errorf("%w: %#x", ErrNoSlot, gpa)
}

// GuestRead reads guest memory the way the guest would see it.
func (v *VM) GuestRead(gpa uint64, data []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for _, s := range v.slots {
		if gpa < s.GuestPhysAddr || gpa+uint64(len(data)) > s.GuestPhysAddr+s.Size {
			continue
		}

		host := unsafe.Slice((*byte)(unsafe.Pointer(s.HostAddr)), s.Size) //nolint:govet
		copy(data, host[gpa-s.GuestPhysAddr:])

		return nil
	}

	return fmt.Errorf("%w: %#x", ErrNoSlot, gpa)
}

// Slots returns a copy of the registered memory slots.
func (v *VM) Slots() map[uint32]hypervisor.MemorySlot {
	v.mu.Lock()
	defer v.mu.Unlock()

	m := make(map[uint32]hypervisor.MemorySlot, len(v.slots))
	for k, s := range v.slots {
		m[k] = s
	}

	return m
}

func (v *VM) SetIRQLine(irq uint32, level bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.irqLine[irq] = level
	v.irqs = append(v.irqs, IRQEvent{IRQ: irq, Level: level})

	return nil
}

// IRQs returns every SetIRQLine call in order.
func (v *VM) IRQs() []IRQEvent {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]IRQEvent(nil), v.irqs...)
}

func (v *VM) SignalMSI(m hypervisor.MSIMessage) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.msis = append(v.msis, m)

	return nil
}

// MSIs returns every MSI signalled so far.
func (v *VM) MSIs() []hypervisor.MSIMessage {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]hypervisor.MSIMessage(nil), v.msis...)
}

func (v *VM) RegisterIOEvent(e hypervisor.IOEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.ioevents = append(v.ioevents, e)

	return nil
}

func (v *VM) UnregisterIOEvent(e hypervisor.IOEvent) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	for i, o := range v.ioevents {
		if o.Addr == e.Addr && o.FD == e.FD && o.PIO == e.PIO {
			v.ioevents = append(v.ioevents[:i], v.ioevents[i+1:]...)

			return nil
		}
	}

	return fmt.Errorf("hvtest: no ioevent at %#x", e.Addr)
}

// IOEvents returns the registered ioeventfds.
func (v *VM) IOEvents() []hypervisor.IOEvent {
	v.mu.Lock()
	defer v.mu.Unlock()

	return append([]hypervisor.IOEvent(nil), v.ioevents...)
}

func (v *VM) SaveState() (*hypervisor.VMState, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	return &hypervisor.VMState{Blobs: cloneBlobs(v.state)}, nil
}

func (v *VM) RestoreState(s *hypervisor.VMState) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state = cloneBlobs(s.Blobs)

	return nil
}

// SetState replaces a VM blob, standing in for guest-visible clock or
// interrupt controller changes.
func (v *VM) SetState(name string, b []byte) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.state[name] = append([]byte(nil), b...)
}

func (v *VM) Close() error {
	v.mu.Lock()
	vcpus := v.vcpus
	v.closed = true
	v.mu.Unlock()

	for _, c := range vcpus {
		_ = c.Close()
	}

	return nil
}

// Closed reports whether Close was called.
func (v *VM) Closed() bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.closed
}

func cloneBlobs(m map[string][]byte) map[string][]byte {
	c := make(map[string][]byte, len(m))
	for k, b := range m {
		c[k] = append([]byte(nil), b...)
	}

	return c
}
