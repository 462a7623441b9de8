package virtio_test

import (
	"io"
	"testing"

	"github.com/bobuhiro11/govmm/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetSize(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)
	q := virtio.NewQueue(0, 256, mem)

	for _, n := range []uint16{0, 3, 100, 512} {
		assert.ErrorIs(t, q.SetSize(n), virtio.ErrInvalidQueue, "size %d", n)
	}

	assert.Equal(t, uint16(256), q.Size())
	require.NoError(t, q.SetSize(64))
	assert.Equal(t, uint16(64), q.Size())
}

func TestValidate(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)

	tests := []struct {
		name              string
		desc, avail, used uint64
		ok                bool
	}{
		{"ok", 0x10000, 0x11000, 0x12000, true},
		{"misaligned desc", 0x10008, 0x11000, 0x12000, false},
		{"misaligned used", 0x10000, 0x11000, 0x12002, false},
		{"desc outside", memSize - 0x100, 0x11000, 0x12000, false},
		{"used outside", 0x10000, 0x11000, memSize - 0x10, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			q := virtio.NewQueue(0, 256, mem)
			q.SetAddresses(tt.desc, tt.avail, tt.used)

			err := q.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, virtio.ErrInvalidQueue)
			}
		})
	}
}

func TestPopNotReady(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)
	q := virtio.NewQueue(0, 256, mem)

	_, err := q.Pop()
	assert.ErrorIs(t, err, virtio.ErrQueueNotReady)
}

func TestPopEmpty(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)
	q := virtio.NewQueue(0, 256, mem)
	newRing(t, mem, 16, 0x10000).attach(q, 0, nil)

	c, err := q.Pop()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestPopAndAddUsed(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)
	q := virtio.NewQueue(0, 256, mem)
	r := newRing(t, mem, 16, 0x10000)

	interrupts := 0
	r.attach(q, 0, func() error { interrupts++; return nil })

	require.NoError(t, mem.Write(0x40000, []byte("hello ")))
	require.NoError(t, mem.Write(0x40100, []byte("world")))

	r.setDesc(3, 0x40000, 6, fNext, 7)
	r.setDesc(7, 0x40100, 5, fNext, 1)
	r.setDesc(1, 0x40200, 4, fWrite, 0)
	r.push(3)

	c, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(3), c.Head)
	assert.Len(t, c.Descs, 3)
	assert.Equal(t, uint32(11), c.ReadableLen())
	assert.Equal(t, uint32(4), c.WritableLen())

	in, err := c.ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(in))

	n, err := c.Write([]byte{1, 2})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = c.Write([]byte{3, 4, 5})
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, uint32(4), c.Written())

	out := make([]byte, 4)
	require.NoError(t, mem.Read(0x40200, out))
	assert.Equal(t, []byte{1, 2, 3, 4}, out)

	require.NoError(t, q.AddUsed(c.Head, c.Written()))
	assert.Equal(t, uint16(1), r.usedIdx())

	id, l := r.usedElem(0)
	assert.Equal(t, uint32(3), id)
	assert.Equal(t, uint32(4), l)

	require.NoError(t, q.Signal())
	assert.Equal(t, 1, interrupts)

	c, err = q.Pop()
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestPopRejectsInvalidChains(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		build func(r *ring)
	}{
		{"cycle", func(r *ring) {
			r.setDesc(0, 0x40000, 8, fNext, 1)
			r.setDesc(1, 0x40008, 8, fNext, 0)
			r.push(0)
		}},
		{"self loop", func(r *ring) {
			r.setDesc(2, 0x40000, 8, fNext, 2)
			r.push(2)
		}},
		{"next out of range", func(r *ring) {
			r.setDesc(0, 0x40000, 8, fNext, 9)
			r.push(0)
		}},
		{"head out of range", func(r *ring) {
			r.push(8)
		}},
		{"buffer outside memory", func(r *ring) {
			r.setDesc(0, memSize-4, 8, 0, 0)
			r.push(0)
		}},
		{"readable after writable", func(r *ring) {
			r.setDesc(0, 0x40000, 8, fNext|fWrite, 1)
			r.setDesc(1, 0x40008, 8, 0, 0)
			r.push(0)
		}},
		{"indirect not negotiated", func(r *ring) {
			r.setDesc(0, 0x50000, 32, fIndirect, 0)
			r.push(0)
		}},
		{"available index too far ahead", func(r *ring) {
			r.setDesc(0, 0x40000, 8, 0, 0)
			r.idx = 20
			r.push(0)
		}},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mem, _ := newMem(t)
			q := virtio.NewQueue(0, 256, mem)
			r := newRing(t, mem, 8, 0x10000)
			r.attach(q, 0, nil)

			tt.build(r)

			_, err := q.Pop()
			assert.ErrorIs(t, err, virtio.ErrInvalidChain)
		})
	}
}

func TestChainLengthBoundedByQueueSize(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)
	q := virtio.NewQueue(0, 256, mem)
	r := newRing(t, mem, 4, 0x10000)
	r.attach(q, 0, nil)

	// A chain through every descriptor is the longest legal one.
	for i := uint16(0); i < 3; i++ {
		r.setDesc(i, 0x40000+uint64(i)*8, 8, fNext, i+1)
	}

	r.setDesc(3, 0x40018, 8, fNext, 0)
	r.push(0)

	_, err := q.Pop()
	assert.ErrorIs(t, err, virtio.ErrInvalidChain)
}

func TestPopIndirect(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)
	q := virtio.NewQueue(0, 256, mem)
	r := newRing(t, mem, 8, 0x10000)
	r.attach(q, virtio.FeatureIndirectDesc, nil)

	table := uint64(0x50000)
	writeDesc(t, mem, table, 0, 0x40000, 16, fNext, 1)
	writeDesc(t, mem, table, 1, 0x40100, 512, fNext|fWrite, 2)
	writeDesc(t, mem, table, 2, 0x40400, 1, fWrite, 0)

	r.setDesc(5, table, 3*16, fIndirect, 0)
	r.push(5)

	c, err := q.Pop()
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(5), c.Head)
	assert.Len(t, c.Descs, 3)
	assert.Equal(t, uint32(513), c.WritableLen())
}

func TestPopIndirectCycle(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)
	q := virtio.NewQueue(0, 256, mem)
	r := newRing(t, mem, 8, 0x10000)
	r.attach(q, virtio.FeatureIndirectDesc, nil)

	table := uint64(0x50000)
	writeDesc(t, mem, table, 0, 0x40000, 16, fNext, 1)
	writeDesc(t, mem, table, 1, 0x40100, 16, fNext, 0)

	r.setDesc(0, table, 2*16, fIndirect, 0)
	r.push(0)

	_, err := q.Pop()
	assert.ErrorIs(t, err, virtio.ErrInvalidChain)
}

func TestNeedsNotificationFlags(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)
	q := virtio.NewQueue(0, 256, mem)
	r := newRing(t, mem, 8, 0x10000)

	interrupts := 0
	r.attach(q, 0, func() error { interrupts++; return nil })

	need, err := q.NeedsNotification()
	require.NoError(t, err)
	assert.True(t, need)

	r.setAvailFlags(1)

	need, err = q.NeedsNotification()
	require.NoError(t, err)
	assert.False(t, need)

	require.NoError(t, q.Signal())
	assert.Zero(t, interrupts)
}

func TestNeedsNotificationEventIdx(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)
	q := virtio.NewQueue(0, 256, mem)
	r := newRing(t, mem, 8, 0x10000)

	interrupts := 0
	r.attach(q, virtio.FeatureEventIdx, func() error { interrupts++; return nil })

	for i := uint16(0); i < 3; i++ {
		r.setDesc(i, 0x40000, 8, 0, 0)
		r.push(i)
	}

	// The driver wants an interrupt once the second buffer is used.
	r.setUsedEvent(1)

	for i := 0; i < 3; i++ {
		c, err := q.Pop()
		require.NoError(t, err)
		require.NoError(t, q.AddUsed(c.Head, 0))

		require.NoError(t, q.Signal())
	}

	assert.Equal(t, uint16(3), r.availEvent())
	assert.Equal(t, 1, interrupts)
}

func TestQueueStateRoundTrip(t *testing.T) {
	t.Parallel()

	mem, _ := newMem(t)
	q := virtio.NewQueue(0, 256, mem)
	r := newRing(t, mem, 8, 0x10000)
	r.attach(q, 0, nil)
	q.SetVector(2)

	r.setDesc(0, 0x40000, 8, 0, 0)
	r.push(0)
	c, err := q.Pop()
	require.NoError(t, err)
	require.NoError(t, q.AddUsed(c.Head, 0))

	s := q.State()
	assert.Equal(t, uint16(1), s.NextAvail)
	assert.Equal(t, uint16(1), s.NextUsed)

	n := virtio.NewQueue(0, 256, mem)
	require.NoError(t, n.SetState(s))
	assert.Equal(t, s, n.State())

	n.Reset()
	assert.Equal(t, uint16(256), n.Size())
	assert.False(t, n.Ready())
	assert.Equal(t, uint16(virtio.NoVector), n.Vector())
}
