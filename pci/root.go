package pci

import (
	"fmt"
	"sync"

	"github.com/bobuhiro11/govmm/device"
	"github.com/sirupsen/logrus"
)

const NumSlots = 32

// Device is a PCI function. BAR accesses arrive through the embedded
// device.Device once the owner maps the BARs on a bus.
type Device interface {
	device.Device
	ReadRegister(reg int) uint32
	WriteRegister(reg int, offset uint64, data []byte) *BarReprogram
	Bars() []Bar
}

// Relocator moves the bus mapping of a BAR the guest reprogrammed. A
// non-nil error reverts the BAR.
type Relocator interface {
	RelocateBar(slot int, d Device, r BarReprogram) error
}

// RelocatorFunc adapts a function to Relocator.
type RelocatorFunc func(slot int, d Device, r BarReprogram) error

func (f RelocatorFunc) RelocateBar(slot int, d Device, r BarReprogram) error { return f(slot, d, r) }

type barReverter interface {
	RevertBar(i int, addr uint64)
}

// Root is the root complex: bus 0, function 0 only, host bridge in slot 0.
type Root struct {
	mu    sync.RWMutex
	slots [NumSlots]Device

	relocator Relocator
	log       logrus.FieldLogger
}

// NewRoot returns a root complex with the host bridge in slot 0. reloc may
// be nil when BARs never move.
func NewRoot(reloc Relocator, log logrus.FieldLogger) *Root {
	r := &Root{relocator: reloc, log: log}
	r.slots[0] = NewBridge()

	return r
}

// Add puts d in slot, or in the lowest free slot when slot is negative.
func (r *Root) Add(d Device, slot int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot < 0 {
		for i := 1; i < NumSlots; i++ {
			if r.slots[i] == nil {
				slot = i

				break
			}
		}

		if slot < 0 {
			return 0, ErrNoSlotAvail
		}
	}

	if slot == 0 || slot >= NumSlots {
		return 0, fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}

	if r.slots[slot] != nil {
		return 0, fmt.Errorf("%w: %d", ErrSlotInUse, slot)
	}

	r.slots[slot] = d
	r.log.WithFields(logrus.Fields{"slot": slot, "device": device.Name(d)}).Debug("pci device added")

	return slot, nil
}

// Remove empties slot.
func (r *Root) Remove(slot int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if slot <= 0 || slot >= NumSlots || r.slots[slot] == nil {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}

	r.slots[slot] = nil

	return nil
}

// Device returns the function in slot.
func (r *Root) Device(slot int) (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if slot < 0 || slot >= NumSlots || r.slots[slot] == nil {
		return nil, false
	}

	return r.slots[slot], true
}

func (r *Root) lookup(bus, dev, fn uint32) (Device, bool) {
	if bus != 0 || fn != 0 {
		return nil, false
	}

	return r.Device(int(dev))
}

// ReadConfig returns a configuration register. Empty slots read as all
// ones.
func (r *Root) ReadConfig(bus, dev, fn uint32, reg int) uint32 {
	d, ok := r.lookup(bus, dev, fn)
	if !ok {
		return 0xffffffff
	}

	return d.ReadRegister(reg)
}

// WriteConfig writes a configuration register and relocates the BAR if the
// write moved one.
func (r *Root) WriteConfig(bus, dev, fn uint32, reg int, offset uint64, data []byte) {
	d, ok := r.lookup(bus, dev, fn)
	if !ok {
		return
	}

	rp := d.WriteRegister(reg, offset, data)
	if rp == nil || r.relocator == nil {
		return
	}

	log := r.log.WithFields(logrus.Fields{
		"slot": dev,
		"bar":  rp.Index,
		"old":  fmt.Sprintf("%#x", rp.Old),
		"new":  fmt.Sprintf("%#x", rp.New),
	})

	if err := r.relocator.RelocateBar(int(dev), d, *rp); err != nil {
		log.WithError(err).Warn("bar relocation failed")

		if rv, ok := d.(barReverter); ok {
			rv.RevertBar(rp.Index, rp.Old)
		}

		return
	}

	log.Debug("bar relocated")
}
