package memory_test

import (
	"testing"

	"github.com/bobuhiro11/govmm/hypervisor/hvtest"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newMemory(t *testing.T) (*memory.Memory, *hvtest.VM) {
	t.Helper()

	h := hvtest.New()

	v, err := h.CreateVM()
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	m := memory.New(v, 4, log)

	t.Cleanup(func() { m.Close() })

	return m, h.LastVM()
}

func TestAddOverlap(t *testing.T) {
	t.Parallel()

	m, vm := newMemory(t)

	_, err := m.Add("low", 0, 1<<20)
	require.NoError(t, err)

	_, err = m.Add("high", 0x100000, 1<<20)
	require.NoError(t, err)

	_, err = m.Add("bad", 0x80000, 0x100000)
	assert.ErrorIs(t, err, memory.ErrOverlap)

	_, err = m.Add("odd", 0x400000, 100)
	assert.ErrorIs(t, err, memory.ErrUnaligned)

	assert.Len(t, vm.Slots(), 2)
	assert.Equal(t, uint64(2<<20), m.Size())
	assert.Equal(t, []memory.RegionInfo{
		{Name: "low", Base: 0, Size: 1 << 20},
		{Name: "high", Base: 0x100000, Size: 1 << 20},
	}, m.Layout())
}

func TestReadWrite(t *testing.T) {
	t.Parallel()

	m, _ := newMemory(t)

	_, err := m.Add("ram", 0x10000, 0x10000)
	require.NoError(t, err)

	require.NoError(t, m.Write(0x10ffe, []byte{0xaa, 0xbb}))

	v, err := m.ReadUint16(0x10ffe)
	require.NoError(t, err)
	assert.Equal(t, uint16(0xbbaa), v)

	require.NoError(t, m.StoreUint32(0x11000, 0x12345678))

	w, err := m.LoadUint32(0x11000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x12345678), w)

	assert.ErrorIs(t, m.StoreUint32(0x11002, 1), memory.ErrMisaligned)
	assert.ErrorIs(t, m.Write(0x1ffff, []byte{1, 2}), memory.ErrOutOfRange)
	assert.ErrorIs(t, m.Read(0x0, make([]byte, 1)), memory.ErrOutOfRange)
	assert.False(t, m.Contains(0x1f000, 0x2000))
	assert.True(t, m.Contains(0x1f000, 0x1000))
}

// TestDirtyBitmap checks that guest and VMM writes mark exactly the pages
// they touched and that fetching clears the marks.
func TestDirtyBitmap(t *testing.T) {
	t.Parallel()

	m, vm := newMemory(t)

	r, err := m.Add("ram", 0, 128*memory.PageSize)
	require.NoError(t, err)

	require.NoError(t, m.Write(0, []byte{1}))
	require.NoError(t, m.StartDirtyLog())

	// Guest writes pages 3 and 70, VMM writes pages 5 and 6 with a single
	// straddling write.
	require.NoError(t, vm.GuestWrite(3*memory.PageSize+10, []byte{1, 2}))
	require.NoError(t, vm.GuestWrite(70*memory.PageSize, []byte{1}))
	require.NoError(t, m.Write(6*memory.PageSize-1, []byte{1, 2}))

	bitmap, err := m.DirtyBitmap(r)
	require.NoError(t, err)
	require.Len(t, bitmap, 2)
	assert.Equal(t, uint64(1<<3|1<<5|1<<6), bitmap[0])
	assert.Equal(t, uint64(1<<(70-64)), bitmap[1])
	assert.Equal(t, 4, memory.CountDirty(bitmap))

	bitmap, err = m.DirtyBitmap(r)
	require.NoError(t, err)
	assert.Zero(t, memory.CountDirty(bitmap))

	require.NoError(t, m.StopDirtyLog())
	assert.False(t, m.DirtyLogging())
}

func TestSlotLimit(t *testing.T) {
	t.Parallel()

	m, _ := newMemory(t)

	for i := uint64(0); i < 4; i++ {
		_, err := m.Add("r", i*memory.PageSize, memory.PageSize)
		require.NoError(t, err)
	}

	_, err := m.Add("r", 8*memory.PageSize, memory.PageSize)
	assert.ErrorIs(t, err, memory.ErrNoSlotsAvail)
}

func TestMapSharesPages(t *testing.T) {
	t.Parallel()

	m, _ := newMemory(t)

	r, err := m.Add("ram", 0x100000, 0x4000)
	require.NoError(t, err)

	fd, err := unix.Dup(r.FD())
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	peer := memory.New(nil, 0, log)
	defer peer.Close()

	// The peer maps the second half of the region at a different address.
	_, err = peer.Map("shared", 0x8000, 0x2000, fd, 0x2000)
	require.NoError(t, err)

	require.NoError(t, m.Write(0x102010, []byte("shared page")))

	got := make([]byte, 11)
	require.NoError(t, peer.Read(0x8010, got))
	assert.Equal(t, "shared page", string(got))

	require.NoError(t, peer.WriteUint32(0x9000, 0xcafe))
	v, err := m.ReadUint32(0x103000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xcafe), v)

	fd, err = unix.Dup(r.FD())
	require.NoError(t, err)

	_, err = peer.Map("odd", 0x20000, 0x1000, fd, 0x10)
	assert.ErrorIs(t, err, memory.ErrUnaligned)
}

func TestSharedLog(t *testing.T) {
	t.Parallel()

	m, _ := newMemory(t)

	low, err := m.Add("low", 0, 64*memory.PageSize)
	require.NoError(t, err)

	high, err := m.Add("high", 96*memory.PageSize, 64*memory.PageSize)
	require.NoError(t, err)

	shared, fd, err := memory.NewSharedLog(high.End())
	require.NoError(t, err)
	defer shared.Close()

	assert.Equal(t, memory.LogSize(160*memory.PageSize), shared.Size())
	assert.Equal(t, uint64(24), shared.Size())

	// A device process maps the same RAM and the log it was handed.
	log, _ := test.NewNullLogger()
	peer := memory.New(nil, 0, log)
	defer peer.Close()

	ramFD, err := unix.Dup(high.FD())
	require.NoError(t, err)

	_, err = peer.Map("high", high.Base, high.Size, ramFD, 0)
	require.NoError(t, err)

	peerLog, err := memory.MapSharedLog(fd, shared.Size(), 0)
	require.NoError(t, err)
	defer peerLog.Close()

	peer.LogTo(peerLog)

	require.NoError(t, m.StartDirtyLog())
	m.AddLogSource(shared)

	// Pages 100, 127 and 128 of the guest, the last two in one write.
	require.NoError(t, peer.Write(100*memory.PageSize, []byte{1}))
	require.NoError(t, peer.Write(128*memory.PageSize-2, []byte{1, 2, 3}))
	require.NoError(t, peer.StoreUint32(150*memory.PageSize, 7))

	bitmap, err := m.DirtyBitmap(low)
	require.NoError(t, err)
	assert.Zero(t, memory.CountDirty(bitmap))

	bitmap, err = m.DirtyBitmap(high)
	require.NoError(t, err)
	require.Len(t, bitmap, 1)
	assert.Equal(t, uint64(1<<4|1<<31|1<<32|1<<54), bitmap[0])

	bitmap, err = m.DirtyBitmap(high)
	require.NoError(t, err)
	assert.Zero(t, memory.CountDirty(bitmap))

	got := make([]byte, 3)
	require.NoError(t, m.Read(128*memory.PageSize-2, got))
	assert.Equal(t, []byte{1, 2, 3}, got)

	m.RemoveLogSource(shared)
	peer.LogTo(nil)

	require.NoError(t, peer.Write(100*memory.PageSize, []byte{2}))

	bitmap, err = m.DirtyBitmap(high)
	require.NoError(t, err)
	assert.Zero(t, memory.CountDirty(bitmap))

	_, err = memory.MapSharedLog(-1, 12, 0)
	assert.ErrorIs(t, err, memory.ErrUnaligned)
}
