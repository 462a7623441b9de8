package virtio_test

import (
	"encoding/binary"
	"testing"

	"github.com/bobuhiro11/govmm/hypervisor/hvtest"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/virtio"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"
)

const (
	fNext     = 0x1
	fWrite    = 0x2
	fIndirect = 0x4

	memSize = 1 << 20
)

func newMem(t *testing.T) (*memory.Memory, *hvtest.VM) {
	t.Helper()

	h := hvtest.New()
	v, err := h.CreateVM()
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	m := memory.New(v, 4, log)

	_, err = m.Add("ram", 0, memSize)
	require.NoError(t, err)

	t.Cleanup(func() { m.Close() })

	return m, h.LastVM()
}

// ring plays the driver side of a split virtqueue.
type ring struct {
	t     *testing.T
	mem   *memory.Memory
	size  uint16
	desc  uint64
	avail uint64
	used  uint64
	idx   uint16
}

func newRing(t *testing.T, mem *memory.Memory, size uint16, base uint64) *ring {
	t.Helper()

	return &ring{
		t:     t,
		mem:   mem,
		size:  size,
		desc:  base,
		avail: base + 0x1000,
		used:  base + 0x2000,
	}
}

// attach configures q the way a driver would through the transport.
func (r *ring) attach(q *virtio.Queue, features uint64, interrupt func() error) {
	r.t.Helper()

	require.NoError(r.t, q.SetSize(r.size))
	q.SetAddresses(r.desc, r.avail, r.used)
	q.SetReady(true)
	q.Enable(features, interrupt)
}

func (r *ring) setDesc(i uint16, addr uint64, n uint32, flags, next uint16) {
	r.t.Helper()

	writeDesc(r.t, r.mem, r.desc, i, addr, n, flags, next)
}

func writeDesc(t *testing.T, mem *memory.Memory, table uint64, i uint16, addr uint64, n uint32, flags, next uint16) {
	t.Helper()

	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:], addr)
	binary.LittleEndian.PutUint32(b[8:], n)
	binary.LittleEndian.PutUint16(b[12:], flags)
	binary.LittleEndian.PutUint16(b[14:], next)
	require.NoError(t, mem.Write(table+uint64(i)*16, b))
}

func (r *ring) push(head uint16) {
	r.t.Helper()

	require.NoError(r.t, r.mem.WriteUint16(r.avail+4+uint64(r.idx%r.size)*2, head))
	r.idx++
	require.NoError(r.t, r.mem.WriteUint16(r.avail+2, r.idx))
}

func (r *ring) setAvailFlags(flags uint16) {
	r.t.Helper()

	require.NoError(r.t, r.mem.WriteUint16(r.avail, flags))
}

func (r *ring) setUsedEvent(v uint16) {
	r.t.Helper()

	require.NoError(r.t, r.mem.WriteUint16(r.avail+4+uint64(r.size)*2, v))
}

func (r *ring) availEvent() uint16 {
	r.t.Helper()

	v, err := r.mem.ReadUint16(r.used + 4 + uint64(r.size)*8)
	require.NoError(r.t, err)

	return v
}

func (r *ring) usedIdx() uint16 {
	r.t.Helper()

	v, err := r.mem.ReadUint16(r.used + 2)
	require.NoError(r.t, err)

	return v
}

func (r *ring) usedElem(i uint16) (uint32, uint32) {
	r.t.Helper()

	id, err := r.mem.ReadUint32(r.used + 4 + uint64(i%r.size)*8)
	require.NoError(r.t, err)
	n, err := r.mem.ReadUint32(r.used + 8 + uint64(i%r.size)*8)
	require.NoError(r.t, err)

	return id, n
}
