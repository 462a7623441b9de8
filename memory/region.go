package memory

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Region is one contiguous extent of guest RAM backed by a memfd, so that it
// can be shared with out-of-process device backends.
type Region struct {
	Name string
	Base uint64
	Size uint64
	Slot uint32

	fd  int
	buf []byte

	// dirty has one bit per page written by the VMM itself. Guest writes
	// are tracked by the hypervisor.
	dirty []uint64
}

func newRegion(name string, slot uint32, base, size uint64) (*Region, error) {
	if size == 0 || size%PageSize != 0 || base%PageSize != 0 {
		return nil, fmt.Errorf("%w: %s base %#x size %#x", ErrUnaligned, name, base, size)
	}

	fd, err := unix.MemfdCreate("govmm-"+name, unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("ftruncate %s: %w", name, err)
	}

	return mapRegion(name, slot, base, size, fd, 0)
}

// mapRegion maps size bytes of fd at offset. The region owns fd, also on
// failure.
func mapRegion(name string, slot uint32, base, size uint64, fd int, offset int64) (*Region, error) {
	buf, err := unix.Mmap(fd, offset, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(fd)

		return nil, fmt.Errorf("mmap %s: %w", name, err)
	}

	return &Region{
		Name:  name,
		Base:  base,
		Size:  size,
		Slot:  slot,
		fd:    fd,
		buf:   buf,
		dirty: make([]uint64, bitmapWords(size)),
	}, nil
}

func bitmapWords(size uint64) int {
	pages := (size + PageSize - 1) / PageSize

	return int((pages + 63) / 64)
}

// Bytes returns the host mapping of the region.
func (r *Region) Bytes() []byte { return r.buf }

// FD returns the memfd backing the region.
func (r *Region) FD() int { return r.fd }

// HostAddr returns the start of the host mapping.
func (r *Region) HostAddr() uintptr { return uintptr(unsafe.Pointer(&r.buf[0])) }

// Pages returns the number of pages in the region.
func (r *Region) Pages() int { return int(r.Size / PageSize) }

// End returns the first guest physical address past the region.
func (r *Region) End() uint64 { return r.Base + r.Size }

// Contains reports whether [gpa, gpa+n) lies inside the region.
func (r *Region) Contains(gpa, n uint64) bool {
	return gpa >= r.Base && n <= r.Size && gpa-r.Base <= r.Size-n
}

// MarkDirty records a VMM write of n bytes at region offset off.
func (r *Region) MarkDirty(off, n uint64) {
	if n == 0 {
		return
	}

	for p := off / PageSize; p <= (off+n-1)/PageSize; p++ {
		w := &r.dirty[p/64]
		bit := uint64(1) << (p % 64)

		for {
			old := atomic.LoadUint64(w)
			if old&bit != 0 || atomic.CompareAndSwapUint64(w, old, old|bit) {
				break
			}
		}
	}
}

// takeDirty ORs the software bitmap into dst and clears it.
func (r *Region) takeDirty(dst []uint64) {
	for i := range r.dirty {
		dst[i] |= atomic.SwapUint64(&r.dirty[i], 0)
	}
}

func (r *Region) close() error {
	var err error

	if r.buf != nil {
		err = unix.Munmap(r.buf)
		r.buf = nil
	}

	if e := unix.Close(r.fd); e != nil && err == nil {
		err = e
	}

	return err
}

// CountDirty returns the number of set bits in a bitmap.
func CountDirty(bitmap []uint64) int {
	n := 0

	for _, w := range bitmap {
		n += bits.OnesCount64(w)
	}

	return n
}
