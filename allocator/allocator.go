// Package allocator hands out guest physical MMIO and IO port ranges.
package allocator

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"
)

var (
	ErrExhausted    = errors.New("address space exhausted")
	ErrInvalidSize  = errors.New("invalid allocation size")
	ErrNotAllocated = errors.New("range not allocated")
	ErrOccupied     = errors.New("address space occupied")
)

// Kind is the address space a range lives in.
type Kind uint8

const (
	MMIO Kind = iota
	IOPort
)

func (k Kind) String() string {
	if k == IOPort {
		return "pio"
	}

	return "mmio"
}

// Range is an allocated extent of an address space.
type Range struct {
	Base uint64
	Size uint64
	Kind Kind
}

// End returns the first address past the range.
func (r Range) End() uint64 { return r.Base + r.Size }

// Contains reports whether addr is inside the range.
func (r Range) Contains(addr uint64) bool {
	return addr >= r.Base && addr-r.Base < r.Size
}

// Overlaps reports whether the two ranges share an address.
func (r Range) Overlaps(o Range) bool {
	return r.Base < o.End() && o.Base < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("%s[%#x, %#x)", r.Kind, r.Base, r.End())
}

// Allocator manages one window [base, base+size) with first fit over a
// sorted free list. Adjacent free ranges are merged on Free.
type Allocator struct {
	kind Kind
	base uint64
	size uint64

	mu        sync.Mutex
	free      []Range
	allocated map[uint64]uint64
}

// New returns an allocator for the window [base, base+size).
func New(base, size uint64, kind Kind) *Allocator {
	return &Allocator{
		kind:      kind,
		base:      base,
		size:      size,
		free:      []Range{{Base: base, Size: size, Kind: kind}},
		allocated: map[uint64]uint64{},
	}
}

// Kind returns the address space the allocator serves.
func (a *Allocator) Kind() Kind { return a.kind }

// Allocate returns the lowest free range of size bytes aligned to align.
// An align of 0 means no alignment.
func (a *Allocator) Allocate(size, align uint64) (Range, error) {
	if size == 0 {
		return Range{}, ErrInvalidSize
	}

	if align == 0 {
		align = 1
	}

	if align&(align-1) != 0 {
		return Range{}, fmt.Errorf("%w: alignment %#x", ErrInvalidSize, align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, f := range a.free {
		start := (f.Base + align - 1) &^ (align - 1)
		if start < f.Base || start >= f.End() || f.End()-start < size {
			continue
		}

		r := Range{Base: start, Size: size, Kind: a.kind}
		a.take(r)

		return r, nil
	}

	return Range{}, fmt.Errorf("%w: %d bytes aligned to %#x in %s", ErrExhausted, size, align, a.kind)
}

// AllocateBAR allocates a PCI BAR: size must be a power of two and the
// range is aligned to it.
func (a *Allocator) AllocateBAR(size uint64) (Range, error) {
	if size == 0 || bits.OnesCount64(size) != 1 {
		return Range{}, fmt.Errorf("%w: BAR size %#x", ErrInvalidSize, size)
	}

	return a.Allocate(size, size)
}

// AllocateAt claims a fixed range.
func (a *Allocator) AllocateAt(base, size uint64) (Range, error) {
	if size == 0 {
		return Range{}, ErrInvalidSize
	}

	r := Range{Base: base, Size: size, Kind: a.kind}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, f := range a.free {
		if f.Base <= base && r.End() <= f.End() && r.End() > base {
			a.take(r)

			return r, nil
		}
	}

	return Range{}, fmt.Errorf("%w: %s", ErrOccupied, r)
}

// take removes r from the free range that holds it.
func (a *Allocator) take(r Range) {
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].End() > r.Base })
	f := a.free[i]

	var repl []Range
	if f.Base < r.Base {
		repl = append(repl, Range{Base: f.Base, Size: r.Base - f.Base, Kind: a.kind})
	}

	if r.End() < f.End() {
		repl = append(repl, Range{Base: r.End(), Size: f.End() - r.End(), Kind: a.kind})
	}

	a.free = append(a.free[:i], append(repl, a.free[i+1:]...)...)
	a.allocated[r.Base] = r.Size
}

// Free returns r to the allocator.
func (a *Allocator) Free(r Range) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if r.Kind != a.kind {
		return fmt.Errorf("%w: %s", ErrNotAllocated, r)
	}

	if size, ok := a.allocated[r.Base]; !ok || size != r.Size {
		return fmt.Errorf("%w: %s", ErrNotAllocated, r)
	}

	delete(a.allocated, r.Base)

	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].Base > r.Base })
	a.free = append(a.free[:i], append([]Range{r}, a.free[i:]...)...)

	if i+1 < len(a.free) && a.free[i].End() == a.free[i+1].Base {
		a.free[i].Size += a.free[i+1].Size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}

	if i > 0 && a.free[i-1].End() == a.free[i].Base {
		a.free[i-1].Size += a.free[i].Size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}

	return nil
}

// Allocated returns the live ranges sorted by base.
func (a *Allocator) Allocated() []Range {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Range, 0, len(a.allocated))
	for b, s := range a.allocated {
		out = append(out, Range{Base: b, Size: s, Kind: a.kind})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Base < out[j].Base })

	return out
}

// AddressSpace bundles the MMIO and IO port allocators of a VM.
type AddressSpace struct {
	MMIO *Allocator
	PIO  *Allocator
}

// NewAddressSpace returns allocators for the two windows.
func NewAddressSpace(mmioBase, mmioSize, pioBase, pioSize uint64) *AddressSpace {
	return &AddressSpace{
		MMIO: New(mmioBase, mmioSize, MMIO),
		PIO:  New(pioBase, pioSize, IOPort),
	}
}

func (s *AddressSpace) allocator(k Kind) *Allocator {
	if k == IOPort {
		return s.PIO
	}

	return s.MMIO
}

// Allocate allocates from the allocator of kind k.
func (s *AddressSpace) Allocate(k Kind, size, align uint64) (Range, error) {
	return s.allocator(k).Allocate(size, align)
}

// AllocateBAR allocates a naturally aligned power of two range of kind k.
func (s *AddressSpace) AllocateBAR(k Kind, size uint64) (Range, error) {
	return s.allocator(k).AllocateBAR(size)
}

// AllocateAt claims a fixed range of kind k.
func (s *AddressSpace) AllocateAt(k Kind, base, size uint64) (Range, error) {
	return s.allocator(k).AllocateAt(base, size)
}

// Free returns r to the allocator it came from.
func (s *AddressSpace) Free(r Range) error {
	return s.allocator(r.Kind).Free(r)
}
