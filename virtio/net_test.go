package virtio_test

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bobuhiro11/govmm/virtio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testMAC = net.HardwareAddr{0x52, 0x54, 0x00, 0x12, 0x34, 0x56}

// fakeTap is a backend whose frames are fed and collected over channels.
type fakeTap struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeTap() *fakeTap {
	return &fakeTap{
		in:     make(chan []byte),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeTap) Read(p []byte) (int, error) {
	select {
	case b := <-f.in:
		return copy(p, b), nil
	case <-f.closed:
		return 0, io.EOF
	}
}

func (f *fakeTap) Write(p []byte) (int, error) {
	f.out <- append([]byte(nil), p...)

	return len(p), nil
}

func (f *fakeTap) Close() error {
	f.once.Do(func() { close(f.closed) })

	return nil
}

type hostRecorder struct {
	failed  atomic.Int32
	changed atomic.Int32
}

func (h *hostRecorder) Fail(error)     { h.failed.Add(1) }
func (h *hostRecorder) ConfigChanged() { h.changed.Add(1) }

type netFixture struct {
	dev        *virtio.Net
	tap        *fakeTap
	rx, tx     *ring
	host       *hostRecorder
	interrupts atomic.Int32
}

func newNetFixture(t *testing.T) *netFixture {
	t.Helper()

	mem, _ := newMem(t)
	f := &netFixture{tap: newFakeTap(), host: &hostRecorder{}}

	dev, err := virtio.NewNet("net0", testMAC, f.tap, nullLog())
	require.NoError(t, err)
	t.Cleanup(func() { dev.Close() })

	f.dev = dev
	f.rx = newRing(t, mem, 16, 0x10000)
	f.tx = newRing(t, mem, 16, 0x20000)

	signal := func() error { f.interrupts.Add(1); return nil }
	rxq := virtio.NewQueue(0, virtio.MaxQueueSize, mem)
	txq := virtio.NewQueue(1, virtio.MaxQueueSize, mem)
	f.rx.attach(rxq, virtio.FeatureVersion1, signal)
	f.tx.attach(txq, virtio.FeatureVersion1, signal)

	require.NoError(t, dev.Activate(virtio.FeatureVersion1, []*virtio.Queue{rxq, txq}, f.host))

	return f
}

func TestNewNetInvalidMAC(t *testing.T) {
	t.Parallel()

	_, err := virtio.NewNet("net0", net.HardwareAddr{1, 2, 3}, nil, nullLog())
	assert.Error(t, err)
}

func TestNetConfig(t *testing.T) {
	t.Parallel()

	dev, err := virtio.NewNet("net0", testMAC, nil, nullLog())
	require.NoError(t, err)
	defer dev.Close()

	cfg := make([]byte, 12)
	dev.ReadConfig(0, cfg)

	assert.Equal(t, []byte(testMAC), cfg[:6])
	// No backend, no link.
	assert.Equal(t, uint16(0), binary.LittleEndian.Uint16(cfg[6:]))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(cfg[8:]))
	assert.Equal(t, uint16(1500), binary.LittleEndian.Uint16(cfg[10:]))

	assert.NotZero(t, dev.Features()&virtio.NetFeatureMAC)
	assert.Equal(t, 2, dev.NumQueues())
}

func TestNetTransmit(t *testing.T) {
	t.Parallel()

	f := newNetFixture(t)

	frame := []byte("an ethernet frame")
	pkt := append(make([]byte, 12), frame...)
	require.NoError(t, f.tx.mem.Write(0x40000, pkt[:8]))
	require.NoError(t, f.tx.mem.Write(0x41000, pkt[8:]))

	f.tx.setDesc(0, 0x40000, 8, fNext, 1)
	f.tx.setDesc(1, 0x41000, uint32(len(pkt)-8), 0, 0)
	f.tx.push(0)

	require.NoError(t, f.dev.Notify(1))

	select {
	case got := <-f.tap.out:
		assert.Equal(t, frame, got)
	case <-time.After(time.Second):
		t.Fatal("frame not transmitted")
	}

	id, n := f.tx.usedElem(0)
	assert.Equal(t, uint32(0), id)
	assert.Equal(t, uint32(0), n)
	assert.Equal(t, int32(1), f.interrupts.Load())
}

func TestNetTransmitWithoutHeader(t *testing.T) {
	t.Parallel()

	f := newNetFixture(t)

	f.tx.setDesc(0, 0x40000, 4, 0, 0)
	f.tx.push(0)

	assert.ErrorIs(t, f.dev.Notify(1), virtio.ErrInvalidChain)
	assert.ErrorIs(t, f.dev.Notify(2), virtio.ErrInvalidQueue)
}

func TestNetReceive(t *testing.T) {
	t.Parallel()

	f := newNetFixture(t)

	frame := make([]byte, 52)
	for i := range frame {
		frame[i] = byte(i)
	}

	// The frame waits in the backlog until a buffer is posted.
	f.tap.in <- frame

	f.rx.setDesc(0, 0x50000, 2048, fWrite, 0)
	f.rx.push(0)
	require.NoError(t, f.dev.Notify(0))

	require.Eventually(t, func() bool { return f.rx.usedIdx() == 1 }, time.Second, time.Millisecond)

	id, n := f.rx.usedElem(0)
	assert.Equal(t, uint32(0), id)
	assert.Equal(t, uint32(64), n)

	got := make([]byte, 64)
	require.NoError(t, f.rx.mem.Read(0x50000, got))
	assert.Equal(t, uint16(1), binary.LittleEndian.Uint16(got[10:]))
	assert.Equal(t, frame, got[12:])
	assert.Equal(t, int32(1), f.interrupts.Load())
}

func TestNetLinkChange(t *testing.T) {
	t.Parallel()

	f := newNetFixture(t)

	f.dev.SetLink(false)
	f.dev.SetLink(false)
	assert.Equal(t, int32(1), f.host.changed.Load())

	cfg := make([]byte, 2)
	f.dev.ReadConfig(6, cfg)
	assert.Equal(t, []byte{0, 0}, cfg)

	data, err := f.dev.SaveState()
	require.NoError(t, err)

	other, err := virtio.NewNet("net0", net.HardwareAddr{2, 0, 0, 0, 0, 1}, nil, nullLog())
	require.NoError(t, err)
	defer other.Close()

	require.NoError(t, other.RestoreState(other.StateVersion(), data))

	mac := make([]byte, 6)
	other.ReadConfig(0, mac)
	assert.Equal(t, []byte(testMAC), mac)
}

func TestNetCloseStopsLoops(t *testing.T) {
	t.Parallel()

	f := newNetFixture(t)

	require.NoError(t, f.dev.Close())
	require.NoError(t, f.dev.Close())
}
