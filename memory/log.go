package memory

import (
	"fmt"
	"math/bits"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// SharedLog is a dirty page bitmap shared with another process: bit i of
// byte i/8 stands for the guest page at guest physical address
// i*PageSize. This is the layout of the vhost-user log. The host is
// little-endian, so the bitmap is worked on in 64-bit words.
type SharedLog struct {
	buf   []byte
	words []uint64
}

// LogSize returns the bytes of a log covering guest addresses below end,
// rounded up to whole words.
func LogSize(end uint64) uint64 {
	pages := (end + PageSize - 1) / PageSize

	return (pages + 63) / 64 * 8
}

// NewSharedLog creates a zeroed log covering guest addresses below end in a
// new memfd. The caller owns the returned fd and passes it to the process
// that marks pages.
func NewSharedLog(end uint64) (*SharedLog, int, error) {
	size := LogSize(end)

	fd, err := unix.MemfdCreate("govmm-dirty-log", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, -1, fmt.Errorf("memfd_create dirty log: %w", err)
	}

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Close(fd)

		return nil, -1, fmt.Errorf("ftruncate dirty log: %w", err)
	}

	l, err := mapLog(fd, size, 0)
	if err != nil {
		unix.Close(fd)

		return nil, -1, err
	}

	return l, fd, nil
}

// MapSharedLog maps size bytes of a log received from another process.
// fd is closed once mapped.
func MapSharedLog(fd int, size, offset uint64) (*SharedLog, error) {
	defer unix.Close(fd)

	if size == 0 || size%8 != 0 || offset%PageSize != 0 {
		return nil, fmt.Errorf("%w: dirty log offset %#x size %#x", ErrUnaligned, offset, size)
	}

	return mapLog(fd, size, offset)
}

func mapLog(fd int, size, offset uint64) (*SharedLog, error) {
	buf, err := unix.Mmap(fd, int64(offset), int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap dirty log: %w", err)
	}

	return &SharedLog{
		buf:   buf,
		words: unsafe.Slice((*uint64)(unsafe.Pointer(&buf[0])), len(buf)/8),
	}, nil
}

// Size returns the length of the log in bytes.
func (l *SharedLog) Size() uint64 { return uint64(len(l.buf)) }

// Mark records a write of n bytes at gpa. Pages past the end of the log
// are not recorded.
func (l *SharedLog) Mark(gpa, n uint64) {
	if n == 0 {
		return
	}

	for p := gpa / PageSize; p <= (gpa+n-1)/PageSize; p++ {
		if p/64 >= uint64(len(l.words)) {
			return
		}

		w := &l.words[p/64]
		bit := uint64(1) << (p % 64)

		for {
			old := atomic.LoadUint64(w)
			if old&bit != 0 || atomic.CompareAndSwapUint64(w, old, old|bit) {
				break
			}
		}
	}
}

// take ORs the marks of pages pages from guest address base into dst,
// one bit per page, and clears them in the log. Marks of other pages
// sharing a word are left alone.
func (l *SharedLog) take(base uint64, pages int, dst []uint64) {
	first := base / PageSize

	for p := uint64(0); p < uint64(pages); {
		page := first + p
		wi := page / 64

		if wi >= uint64(len(l.words)) {
			return
		}

		shift := page % 64
		span := min(64-shift, uint64(pages)-p)

		mask := ^uint64(0)
		if span < 64 {
			mask = (uint64(1)<<span - 1) << shift
		}

		w := &l.words[wi]

		var old uint64

		for {
			old = atomic.LoadUint64(w)
			if old&mask == 0 || atomic.CompareAndSwapUint64(w, old, old&^mask) {
				break
			}
		}

		for got := (old & mask) >> shift; got != 0; got &= got - 1 {
			q := p + uint64(bits.TrailingZeros64(got))
			dst[q/64] |= 1 << (q % 64)
		}

		p += span
	}
}

// Close unmaps the log.
func (l *SharedLog) Close() error {
	if l.buf == nil {
		return nil
	}

	err := unix.Munmap(l.buf)
	l.buf, l.words = nil, nil

	return err
}
