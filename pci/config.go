// Package pci emulates a flat PCI bus: per-device configuration space with
// BARs and capabilities, the root complex, the CF8/CFC and ECAM accessors
// and MSI-X.
package pci

import (
	"errors"
	"fmt"
	"math/bits"
	"sync"
)

// Configuration Space Access Mechanism #1
//
// refs
// https://wiki.osdev.org/PCI
// http://www2.comp.ufscar.br/~helio/boot-int/pci.html

const (
	NumBars = 6

	ConfigSize    = 256
	ExtConfigSize = 4096

	regVendorDevice = 0
	regCommand      = 1
	regClass        = 2
	regHeader       = 3
	regBar0         = 4
	regSubsystem    = 11
	regCapPtr       = 13
	regInterrupt    = 15

	statusCapList = 0x10

	// Command: IO, memory, bus master, parity, SERR, INTx disable.
	commandMask = 0x0547
	// Status bits the guest clears by writing one.
	statusW1C = 0xf900

	firstCapOffset = 0x40

	CapIDMSIX     = 0x11
	CapIDVendor   = 0x09
	ClassBridge   = 0x06
	ClassNetwork  = 0x02
	ClassStorage  = 0x01
	ClassOther    = 0xff
	SubclassHost  = 0x00
	SubclassOther = 0x80
)

var (
	ErrBarIndex     = errors.New("invalid BAR index")
	ErrBarSize      = errors.New("BAR size must be a power of two")
	ErrConfigFull   = errors.New("no room left in configuration space")
	ErrInvalidSlot  = errors.New("invalid PCI slot")
	ErrSlotInUse    = errors.New("PCI slot already in use")
	ErrNoSlotAvail  = errors.New("no PCI slot available")
	ErrMsixDisabled = errors.New("MSI-X disabled")
)

// BarKind is the address space a BAR decodes.
type BarKind uint8

const (
	BarIO BarKind = iota
	BarMem32
	BarMem64
)

func (k BarKind) String() string {
	switch k {
	case BarIO:
		return "io"
	case BarMem32:
		return "mem32"
	default:
		return "mem64"
	}
}

// Bar is one base address register as committed by the guest.
type Bar struct {
	Index        int
	Addr         uint64
	Size         uint64
	Kind         BarKind
	Prefetchable bool
}

// BarReprogram tells the owner of a device that the guest moved a BAR.
type BarReprogram struct {
	Index int
	Old   uint64
	New   uint64
	Size  uint64
	Kind  BarKind
}

// Header holds the identity fields of a type 0 configuration header.
type Header struct {
	VendorID          uint16
	DeviceID          uint16
	Revision          uint8
	ProgIF            uint8
	Subclass          uint8
	Class             uint8
	HeaderType        uint8
	SubsystemVendorID uint16
	SubsystemID       uint16
	InterruptPin      uint8
}

// ConfigSpace is the configuration space of one function. All methods are
// safe for concurrent use.
type ConfigSpace struct {
	mu sync.Mutex

	regs     []uint32
	writable []uint32
	w1c      []uint32

	bars    [NumBars]*Bar
	lastCap int
	nextCap int
}

// NewConfigSpace returns a configuration space of size bytes (ConfigSize or
// ExtConfigSize) initialised from h.
func NewConfigSpace(h Header, size int) *ConfigSpace {
	n := size / 4
	c := &ConfigSpace{
		regs:     make([]uint32, n),
		writable: make([]uint32, n),
		w1c:      make([]uint32, n),
		nextCap:  firstCapOffset,
	}

	c.regs[regVendorDevice] = uint32(h.VendorID) | uint32(h.DeviceID)<<16
	c.regs[regClass] = uint32(h.Revision) | uint32(h.ProgIF)<<8 | uint32(h.Subclass)<<16 | uint32(h.Class)<<24
	c.regs[regHeader] = uint32(h.HeaderType) << 16
	c.regs[regSubsystem] = uint32(h.SubsystemVendorID) | uint32(h.SubsystemID)<<16
	c.regs[regInterrupt] = uint32(h.InterruptPin) << 8

	c.writable[regCommand] = commandMask
	c.w1c[regCommand] = statusW1C << 16
	c.writable[regHeader] = 0xff // cache line size
	c.writable[regInterrupt] = 0xff

	return c
}

// AddBar declares BAR i. A 64-bit BAR also consumes i+1.
func (c *ConfigSpace) AddBar(i int, size uint64, kind BarKind, prefetchable bool) error {
	last := i
	if kind == BarMem64 {
		last++
	}

	if i < 0 || last >= NumBars {
		return fmt.Errorf("%w: %d", ErrBarIndex, i)
	}

	if size == 0 || bits.OnesCount64(size) != 1 || (kind == BarIO && size < 4) || (kind != BarIO && size < 16) {
		return fmt.Errorf("%w: %#x", ErrBarSize, size)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.bars[i] != nil || c.bars[last] != nil || (i > 0 && c.bars[i-1] != nil && c.bars[i-1].Kind == BarMem64) {
		return fmt.Errorf("%w: %d in use", ErrBarIndex, i)
	}

	c.bars[i] = &Bar{Index: i, Size: size, Kind: kind, Prefetchable: prefetchable}
	c.regs[regBar0+i] = c.typeBits(c.bars[i])

	return nil
}

func (c *ConfigSpace) typeBits(b *Bar) uint32 {
	switch b.Kind {
	case BarIO:
		return 0x1
	case BarMem64:
		if b.Prefetchable {
			return 0x4 | 0x8
		}

		return 0x4
	default:
		if b.Prefetchable {
			return 0x8
		}

		return 0
	}
}

// SetBarAddr commits the address of BAR i, as firmware would.
func (c *ConfigSpace) SetBarAddr(i int, addr uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < 0 || i >= NumBars || c.bars[i] == nil {
		return fmt.Errorf("%w: %d", ErrBarIndex, i)
	}

	b := c.bars[i]
	b.Addr = addr
	c.regs[regBar0+i] = uint32(addr)&SizeToBits(b.Size) | c.typeBits(b)

	if b.Kind == BarMem64 {
		c.regs[regBar0+i+1] = uint32(addr >> 32)
	}

	return nil
}

// Bar returns BAR i.
func (c *ConfigSpace) Bar(i int) (Bar, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if i < 0 || i >= NumBars || c.bars[i] == nil {
		return Bar{}, false
	}

	return *c.bars[i], true
}

// Bars returns every declared BAR.
func (c *ConfigSpace) Bars() []Bar {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Bar

	for _, b := range c.bars {
		if b != nil {
			out = append(out, *b)
		}
	}

	return out
}

// AddCapability appends a capability with the given id. body is everything
// after the id and next pointer. It returns the capability offset.
func (c *ConfigSpace) AddCapability(id uint8, body []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	size := (2 + len(body) + 3) &^ 3
	off := c.nextCap

	if off+size > ConfigSize {
		return 0, fmt.Errorf("%w: capability %#x", ErrConfigFull, id)
	}

	raw := make([]byte, size)
	raw[0] = id
	copy(raw[2:], body)

	for i := 0; i < size; i += 4 {
		c.regs[(off+i)/4] = uint32(BytesToNum(raw[i : i+4]))
	}

	if c.lastCap == 0 {
		c.regs[regCapPtr] = uint32(off)
		c.regs[regCommand] |= statusCapList << 16
	} else {
		c.regs[c.lastCap/4] |= uint32(off) << 8
	}

	c.lastCap = off
	c.nextCap = off + size

	return off, nil
}

// SetWritableMask marks the bits of register reg the guest may change.
func (c *ConfigSpace) SetWritableMask(reg int, mask uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writable[reg] = mask
}

// SetRegister overwrites a register, ignoring masks.
func (c *ConfigSpace) SetRegister(reg int, v uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.regs[reg] = v
}

// ReadRegister returns register reg. Registers past the end read as all ones.
func (c *ConfigSpace) ReadRegister(reg int) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reg < 0 || reg >= len(c.regs) {
		return 0xffffffff
	}

	return c.regs[reg]
}

// WriteRegister applies a guest write of data at byte offset within
// register reg. It returns a non-nil BarReprogram when the write moved a
// BAR.
func (c *ConfigSpace) WriteRegister(reg int, offset uint64, data []byte) *BarReprogram {
	if reg < 0 || offset+uint64(len(data)) > 4 || len(data) == 0 {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if reg >= len(c.regs) {
		return nil
	}

	if reg >= regBar0 && reg < regBar0+NumBars {
		if offset != 0 || len(data) != 4 {
			return nil
		}

		return c.writeBar(reg-regBar0, uint32(BytesToNum(data)))
	}

	var lane uint32
	if len(data) == 4 {
		lane = 0xffffffff
	} else {
		lane = (uint32(1)<<(8*len(data)) - 1) << (8 * offset)
	}

	v := uint32(BytesToNum(data)) << (8 * offset)
	old := c.regs[reg]

	nv := old&^(c.writable[reg]&lane) | v&c.writable[reg]&lane
	nv &^= v & c.w1c[reg] & lane
	c.regs[reg] = nv

	return nil
}

func (c *ConfigSpace) writeBar(i int, v uint32) *BarReprogram {
	// Upper half of a 64-bit BAR.
	if i > 0 && c.bars[i] == nil && c.bars[i-1] != nil && c.bars[i-1].Kind == BarMem64 {
		b := c.bars[i-1]
		c.regs[regBar0+i] = v & uint32(^(b.Size-1)>>32)

		if v == 0xffffffff {
			return nil
		}

		return c.commit(b, uint64(c.regs[regBar0+i-1]&^0xf)|uint64(c.regs[regBar0+i])<<32)
	}

	b := c.bars[i]
	if b == nil {
		c.regs[regBar0+i] = 0

		return nil
	}

	c.regs[regBar0+i] = v&SizeToBits(b.Size) | c.typeBits(b)

	if v == 0xffffffff || b.Kind == BarMem64 {
		// A probe, or the low half of a 64-bit BAR which is committed
		// when the high half is written.
		return nil
	}

	mask := uint32(0xf)
	if b.Kind == BarIO {
		mask = 0x3
	}

	return c.commit(b, uint64(c.regs[regBar0+i]&^mask))
}

func (c *ConfigSpace) commit(b *Bar, addr uint64) *BarReprogram {
	if addr == b.Addr || addr == 0 {
		return nil
	}

	rp := &BarReprogram{Index: b.Index, Old: b.Addr, New: addr, Size: b.Size, Kind: b.Kind}
	b.Addr = addr

	return rp
}

// RevertBar puts BAR i back to addr after a relocation failed.
func (c *ConfigSpace) RevertBar(i int, addr uint64) {
	_ = c.SetBarAddr(i, addr)
}

// ConfigState is the migratable part of a configuration space.
type ConfigState struct {
	Regs []uint32
	Bars []Bar
}

// State captures registers and BAR addresses.
func (c *ConfigSpace) State() ConfigState {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := ConfigState{Regs: append([]uint32(nil), c.regs...)}

	for _, b := range c.bars {
		if b != nil {
			s.Bars = append(s.Bars, *b)
		}
	}

	return s
}

// SetState restores registers and BAR addresses. The BAR layout must
// match the one the device was created with.
func (c *ConfigSpace) SetState(s ConfigState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(s.Regs) != len(c.regs) {
		return fmt.Errorf("%w: config space of %d registers, want %d", ErrConfigFull, len(s.Regs), len(c.regs))
	}

	for _, b := range s.Bars {
		if b.Index < 0 || b.Index >= NumBars || c.bars[b.Index] == nil || c.bars[b.Index].Size != b.Size {
			return fmt.Errorf("%w: %d", ErrBarIndex, b.Index)
		}
	}

	copy(c.regs, s.Regs)

	for _, b := range s.Bars {
		c.bars[b.Index].Addr = b.Addr
	}

	return nil
}
