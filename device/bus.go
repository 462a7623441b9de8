package device

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/bobuhiro11/govmm/allocator"
	"github.com/bobuhiro11/govmm/metrics"
	"github.com/sirupsen/logrus"
)

var (
	ErrOverlap       = errors.New("range overlaps a registered range")
	ErrUnmapped      = errors.New("no device at address")
	ErrUnknownDevice = errors.New("unknown device index")
	ErrNotRegistered = errors.New("range not registered")
)

type entry struct {
	r   allocator.Range
	idx Index
}

// Bus maps address ranges to devices. Ranges are kept sorted by base and
// looked up with a binary search.
type Bus struct {
	name    string
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu      sync.RWMutex
	devices map[Index]Device
	entries []entry
	next    Index
}

// NewBus returns an empty bus. name shows up in logs and metrics.
func NewBus(name string, log logrus.FieldLogger, m *metrics.Metrics) *Bus {
	return &Bus{
		name:    name,
		log:     log.WithField("bus", name),
		metrics: m,
		devices: map[Index]Device{},
	}
}

// Insert adds d to the bus without mapping it.
func (b *Bus) Insert(d Device) Index {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := b.next
	b.next++
	b.devices[idx] = d

	return idx
}

// Register maps r to the device idx.
func (b *Bus) Register(r allocator.Range, idx Index) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.register(r, idx)
}

func (b *Bus) register(r allocator.Range, idx Index) error {
	if _, ok := b.devices[idx]; !ok {
		return fmt.Errorf("%w: %d", ErrUnknownDevice, idx)
	}

	if r.Size == 0 {
		return fmt.Errorf("%w: empty range", ErrOverlap)
	}

	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].r.Base >= r.Base })
	if i > 0 && b.entries[i-1].r.Overlaps(r) {
		return fmt.Errorf("%w: %s and %s", ErrOverlap, r, b.entries[i-1].r)
	}

	if i < len(b.entries) && b.entries[i].r.Overlaps(r) {
		return fmt.Errorf("%w: %s and %s", ErrOverlap, r, b.entries[i].r)
	}

	b.entries = append(b.entries, entry{})
	copy(b.entries[i+1:], b.entries[i:])
	b.entries[i] = entry{r: r, idx: idx}

	return nil
}

// Unregister removes the device idx and every range mapped to it.
func (b *Bus) Unregister(idx Index) {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.devices, idx)

	kept := b.entries[:0]
	for _, e := range b.entries {
		if e.idx != idx {
			kept = append(kept, e)
		}
	}

	b.entries = kept
}

// Move remaps the range old to new, keeping the device. It is used when the
// guest relocates a PCI BAR.
func (b *Bus) Move(old, new allocator.Range) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, e := range b.entries {
		if e.r.Base != old.Base || e.r.Size != old.Size {
			continue
		}

		b.entries = append(b.entries[:i], b.entries[i+1:]...)

		if err := b.register(new, e.idx); err != nil {
			// Put the old mapping back; it cannot conflict.
			_ = b.register(old, e.idx)

			return err
		}

		return nil
	}

	return fmt.Errorf("%w: %s", ErrNotRegistered, old)
}

// Lookup returns the device and range covering addr.
func (b *Bus) Lookup(addr uint64) (Index, allocator.Range, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.lookup(addr)

	return e.idx, e.r, ok
}

func (b *Bus) lookup(addr uint64) (entry, bool) {
	i := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].r.End() > addr })
	if i < len(b.entries) && b.entries[i].r.Contains(addr) {
		return b.entries[i], true
	}

	return entry{}, false
}

// Device returns the device idx.
func (b *Bus) Device(idx Index) (Device, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	d, ok := b.devices[idx]

	return d, ok
}

// Ranges returns the ranges mapped to idx.
func (b *Bus) Ranges(idx Index) []allocator.Range {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var rs []allocator.Range

	for _, e := range b.entries {
		if e.idx == idx {
			rs = append(rs, e.r)
		}
	}

	return rs
}

// resolve finds the device under the read lock. The device call itself
// runs without the lock so a device may reprogram the bus, as a BAR write
// through ECAM does. An access of n bytes running past the end of its
// range is not mapped.
func (b *Bus) resolve(addr uint64, n int) (Device, allocator.Range, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	e, ok := b.lookup(addr)
	if !ok || uint64(n) > e.r.End()-addr {
		return nil, allocator.Range{}, false
	}

	d, ok := b.devices[e.idx]

	return d, e.r, ok
}

// Read dispatches a guest read. Unmapped or straddling reads return all ones and
// ErrUnmapped, which callers may ignore. Device errors are logged.
func (b *Bus) Read(addr uint64, data []byte) error {
	d, r, ok := b.resolve(addr, len(data))
	if !ok {
		for i := range data {
			data[i] = 0xff
		}

		b.metrics.UnmappedAccess(b.name)

		return fmt.Errorf("%w: read %#x", ErrUnmapped, addr)
	}

	if err := d.Read(r.Base, addr-r.Base, data); err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"device": Name(d),
			"addr":   fmt.Sprintf("%#x", addr),
			"len":    len(data),
		}).Warn("device read failed")
	}

	return nil
}

// Write dispatches a guest write. Unmapped writes are dropped and return
// ErrUnmapped. Device errors are logged.
func (b *Bus) Write(addr uint64, data []byte) error {
	d, r, ok := b.resolve(addr, len(data))
	if !ok {
		b.metrics.UnmappedAccess(b.name)

		return fmt.Errorf("%w: write %#x", ErrUnmapped, addr)
	}

	if err := d.Write(r.Base, addr-r.Base, data); err != nil {
		b.log.WithError(err).WithFields(logrus.Fields{
			"device": Name(d),
			"addr":   fmt.Sprintf("%#x", addr),
			"len":    len(data),
		}).Warn("device write failed")
	}

	return nil
}
