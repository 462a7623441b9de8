// Package memory manages guest RAM: memfd-backed regions registered as
// hypervisor slots and the dirty page bitmaps used by live migration.
package memory

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// PageSize is the dirty tracking granularity.
const PageSize = 4096

var (
	ErrOverlap      = errors.New("memory regions overlap")
	ErrUnaligned    = errors.New("memory region not page aligned")
	ErrNoSlotsAvail = errors.New("maximal numbers of slots exhausted")
	ErrOutOfRange   = errors.New("guest address not backed by memory")
	ErrMisaligned   = errors.New("misaligned atomic access")
)

// RegionInfo describes a region without its contents.
type RegionInfo struct {
	Name string
	Base uint64
	Size uint64
}

// Memory is the set of guest RAM regions of one VM. The region list only
// changes while the VM is not running.
type Memory struct {
	vm       hypervisor.VM
	maxSlots int
	log      logrus.FieldLogger

	mu       sync.RWMutex
	regions  []*Region
	logDirty bool
	sources  []*SharedLog

	// sink, when set, also records every write made through m.
	sink atomic.Pointer[SharedLog]
}

// New returns an empty guest memory map for vm. maxSlots of 0 means no limit.
// A nil vm gives a map that is not registered with any hypervisor, as used
// by out-of-process device backends.
func New(vm hypervisor.VM, maxSlots int, log logrus.FieldLogger) *Memory {
	return &Memory{vm: vm, maxSlots: maxSlots, log: log}
}

// Add creates a region and registers it with the hypervisor.
func (m *Memory) Add(name string, base, size uint64) (*Region, error) {
	return m.add(name, base, size, func(slot uint32) (*Region, error) {
		return newRegion(name, slot, base, size)
	})
}

// Map adds a region backed by fd at offset, such as a region received from
// a VMM over a unix socket. The region takes ownership of fd.
func (m *Memory) Map(name string, base, size uint64, fd int, offset uint64) (*Region, error) {
	if size == 0 || size%PageSize != 0 || offset%PageSize != 0 {
		unix.Close(fd)

		return nil, fmt.Errorf("%w: %s offset %#x size %#x", ErrUnaligned, name, offset, size)
	}

	return m.add(name, base, size, func(slot uint32) (*Region, error) {
		return mapRegion(name, slot, base, size, fd, int64(offset))
	})
}

func (m *Memory) add(name string, base, size uint64, create func(slot uint32) (*Region, error)) (*Region, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.maxSlots > 0 && len(m.regions) >= m.maxSlots {
		return nil, ErrNoSlotsAvail
	}

	for _, o := range m.regions {
		if base < o.End() && o.Base < base+size {
			return nil, fmt.Errorf("%w: %s [%#x, %#x) and %s", ErrOverlap, name, base, base+size, o.Name)
		}
	}

	r, err := create(m.nextSlot())
	if err != nil {
		return nil, err
	}

	if m.vm != nil {
		if err := m.vm.SetMemoryRegion(m.slot(r)); err != nil {
			r.close()

			return nil, err
		}
	}

	m.regions = append(m.regions, r)
	sort.Slice(m.regions, func(i, j int) bool { return m.regions[i].Base < m.regions[j].Base })

	m.log.WithFields(logrus.Fields{
		"region": name,
		"base":   fmt.Sprintf("%#x", base),
		"size":   size,
	}).Debug("memory region added")

	return r, nil
}

func (m *Memory) nextSlot() uint32 {
	used := map[uint32]bool{}
	for _, r := range m.regions {
		used[r.Slot] = true
	}

	var s uint32
	for used[s] {
		s++
	}

	return s
}

func (m *Memory) slot(r *Region) hypervisor.MemorySlot {
	return hypervisor.MemorySlot{
		Slot:          r.Slot,
		GuestPhysAddr: r.Base,
		Size:          r.Size,
		HostAddr:      r.HostAddr(),
		LogDirty:      m.logDirty,
	}
}

// Regions returns the regions sorted by base.
func (m *Memory) Regions() []*Region {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return append([]*Region(nil), m.regions...)
}

// Layout describes every region.
func (m *Memory) Layout() []RegionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l := make([]RegionInfo, 0, len(m.regions))
	for _, r := range m.regions {
		l = append(l, RegionInfo{Name: r.Name, Base: r.Base, Size: r.Size})
	}

	return l
}

// Size returns the total amount of guest RAM.
func (m *Memory) Size() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var n uint64
	for _, r := range m.regions {
		n += r.Size
	}

	return n
}

// Find returns the region holding [gpa, gpa+n) and the offset of gpa in it.
func (m *Memory) Find(gpa, n uint64) (*Region, uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	i := sort.Search(len(m.regions), func(i int) bool { return m.regions[i].End() > gpa })
	if i < len(m.regions) && m.regions[i].Contains(gpa, n) {
		return m.regions[i], gpa - m.regions[i].Base, nil
	}

	return nil, 0, fmt.Errorf("%w: [%#x, %#x)", ErrOutOfRange, gpa, gpa+n)
}

// Contains reports whether [gpa, gpa+n) is backed by a single region.
func (m *Memory) Contains(gpa, n uint64) bool {
	_, _, err := m.Find(gpa, n)

	return err == nil
}

// Slice returns the host view of [gpa, gpa+n). Writes through it are not
// dirty tracked; use Write or MarkDirty.
func (m *Memory) Slice(gpa, n uint64) ([]byte, error) {
	r, off, err := m.Find(gpa, n)
	if err != nil {
		return nil, err
	}

	return r.buf[off : off+n : off+n], nil
}

// Read copies guest memory at gpa into data.
func (m *Memory) Read(gpa uint64, data []byte) error {
	b, err := m.Slice(gpa, uint64(len(data)))
	if err != nil {
		return err
	}

	copy(data, b)

	return nil
}

// Write copies data into guest memory, then marks the pages dirty.
func (m *Memory) Write(gpa uint64, data []byte) error {
	r, off, err := m.Find(gpa, uint64(len(data)))
	if err != nil {
		return err
	}

	copy(r.buf[off:], data)
	m.mark(r, off, uint64(len(data)))

	return nil
}

// MarkDirty records a VMM write done through Slice.
func (m *Memory) MarkDirty(gpa, n uint64) error {
	r, off, err := m.Find(gpa, n)
	if err != nil {
		return err
	}

	m.mark(r, off, n)

	return nil
}

func (m *Memory) mark(r *Region, off, n uint64) {
	r.MarkDirty(off, n)

	if l := m.sink.Load(); l != nil {
		l.Mark(r.Base+off, n)
	}
}

// LogTo makes every later write through m also mark l, as a device backend
// does for the shared log of its frontend. A nil l stops it.
func (m *Memory) LogTo(l *SharedLog) {
	m.sink.Store(l)
}

// AddLogSource merges the pages marked in l by another process into
// DirtyBitmap.
func (m *Memory) AddLogSource(l *SharedLog) {
	m.mu.Lock()
	m.sources = append(m.sources, l)
	m.mu.Unlock()
}

// RemoveLogSource stops merging l. DirtyBitmap no longer touches l once
// this returns.
func (m *Memory) RemoveLogSource(l *SharedLog) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.sources {
		if s == l {
			m.sources = append(m.sources[:i], m.sources[i+1:]...)

			return
		}
	}
}

func (m *Memory) ReadUint16(gpa uint64) (uint16, error) {
	b, err := m.Slice(gpa, 2)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint16(b), nil
}

func (m *Memory) ReadUint32(gpa uint64) (uint32, error) {
	b, err := m.Slice(gpa, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(b), nil
}

func (m *Memory) ReadUint64(gpa uint64) (uint64, error) {
	b, err := m.Slice(gpa, 8)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint64(b), nil
}

func (m *Memory) WriteUint16(gpa uint64, v uint16) error {
	var b [2]byte

	binary.LittleEndian.PutUint16(b[:], v)

	return m.Write(gpa, b[:])
}

func (m *Memory) WriteUint32(gpa uint64, v uint32) error {
	var b [4]byte

	binary.LittleEndian.PutUint32(b[:], v)

	return m.Write(gpa, b[:])
}

// LoadUint32 is an acquire load of an aligned guest word.
func (m *Memory) LoadUint32(gpa uint64) (uint32, error) {
	p, err := m.word(gpa)
	if err != nil {
		return 0, err
	}

	return atomic.LoadUint32(p), nil
}

// StoreUint32 is a release store of an aligned guest word. Every memory
// write issued before it is visible to the guest once the word is.
func (m *Memory) StoreUint32(gpa uint64, v uint32) error {
	p, err := m.word(gpa)
	if err != nil {
		return err
	}

	atomic.StoreUint32(p, v)

	return m.MarkDirty(gpa, 4)
}

func (m *Memory) word(gpa uint64) (*uint32, error) {
	if gpa%4 != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrMisaligned, gpa)
	}

	b, err := m.Slice(gpa, 4)
	if err != nil {
		return nil, err
	}

	return (*uint32)(unsafe.Pointer(&b[0])), nil
}

// StartDirtyLog turns on dirty logging for every region and drops marks
// collected so far.
func (m *Memory) StartDirtyLog() error {
	return m.setDirtyLog(true)
}

// StopDirtyLog turns dirty logging off again.
func (m *Memory) StopDirtyLog() error {
	return m.setDirtyLog(false)
}

func (m *Memory) setDirtyLog(on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.logDirty == on {
		return nil
	}

	m.logDirty = on

	for _, r := range m.regions {
		if m.vm != nil {
			if err := m.vm.SetMemoryRegion(m.slot(r)); err != nil {
				return err
			}
		}

		scratch := make([]uint64, len(r.dirty))
		r.takeDirty(scratch)

		for _, l := range m.sources {
			l.take(r.Base, r.Pages(), scratch)
		}
	}

	m.log.WithField("enabled", on).Debug("dirty logging")

	return nil
}

// DirtyLogging reports whether dirty logging is on.
func (m *Memory) DirtyLogging() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.logDirty
}

// DirtyBitmap fetches and clears the pages of r written since the last
// call, by the guest, by the VMM or by a device backend logging into a
// source. Page contents must be read after this returns.
func (m *Memory) DirtyBitmap(r *Region) ([]uint64, error) {
	bitmap := make([]uint64, bitmapWords(r.Size))

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.vm != nil && m.logDirty {
		if err := m.vm.DirtyLog(r.Slot, bitmap); err != nil {
			return nil, err
		}
	}

	r.takeDirty(bitmap)

	for _, l := range m.sources {
		l.take(r.Base, r.Pages(), bitmap)
	}

	return bitmap, nil
}

// Close unregisters and unmaps every region.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error

	for _, r := range m.regions {
		if m.vm != nil {
			if err := m.vm.RemoveMemoryRegion(m.slot(r)); err != nil {
				errs = append(errs, err)
			}
		}

		if err := r.close(); err != nil {
			errs = append(errs, err)
		}
	}

	m.regions = nil

	return errors.Join(errs...)
}
