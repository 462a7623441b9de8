package virtio_test

import (
	"encoding/binary"
	"sync"
	"testing"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/bobuhiro11/govmm/hypervisor/hvtest"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/pci"
	"github.com/bobuhiro11/govmm/virtio"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sAck       = virtio.StatusAcknowledge
	sDriver    = sAck | virtio.StatusDriver
	sFeatures  = sDriver | virtio.StatusFeaturesOK
	sDriverOK  = sFeatures | virtio.StatusDriverOK
	msixCapReg = 0x40 / 4
)

type irqLine struct {
	mu     sync.Mutex
	level  bool
	raised int
}

func (l *irqLine) set(level bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level && !l.level {
		l.raised++
	}

	l.level = level

	return nil
}

func (l *irqLine) get() (bool, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.level, l.raised
}

type fixture struct {
	t    *testing.T
	mem  *memory.Memory
	vm   *hvtest.VM
	p    *virtio.PCIDevice
	irq  *irqLine
	errs []*virtio.DeviceError
	mu   sync.Mutex
}

func newFixture(t *testing.T, dev virtio.Device) *fixture {
	t.Helper()

	mem, vm := newMem(t)
	log, _ := test.NewNullLogger()
	f := &fixture{t: t, mem: mem, vm: vm, irq: &irqLine{}}

	p, err := virtio.NewPCIDevice(dev, mem, vm, f.irq.set, log, nil)
	require.NoError(t, err)

	p.OnError(func(e *virtio.DeviceError) {
		f.mu.Lock()
		defer f.mu.Unlock()

		f.errs = append(f.errs, e)
	})

	f.p = p

	return f
}

func (f *fixture) errors() []*virtio.DeviceError {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]*virtio.DeviceError(nil), f.errs...)
}

func (f *fixture) write(off uint64, width int, v uint64) {
	f.t.Helper()

	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	require.NoError(f.t, f.p.Write(0, off, b[:width]))
}

func (f *fixture) read(off uint64, width int) uint64 {
	f.t.Helper()

	b := make([]byte, 8)
	require.NoError(f.t, f.p.Read(0, off, b[:width]))

	return binary.LittleEndian.Uint64(b)
}

func (f *fixture) status() uint8 {
	return uint8(f.read(0x14, 1))
}

func (f *fixture) negotiate(features uint64) {
	f.t.Helper()

	f.write(0x14, 1, sAck)
	f.write(0x14, 1, sDriver)
	f.write(0x08, 4, 0)
	f.write(0x0c, 4, features&0xffffffff)
	f.write(0x08, 4, 1)
	f.write(0x0c, 4, features>>32)
	f.write(0x14, 1, sFeatures)
}

func (f *fixture) setupQueue(idx uint16, r *ring, vector uint16) {
	f.t.Helper()

	f.write(0x16, 2, uint64(idx))
	f.write(0x18, 2, uint64(r.size))
	f.write(0x1a, 2, uint64(vector))
	f.write(0x20, 4, r.desc)
	f.write(0x24, 4, 0)
	f.write(0x28, 4, r.avail)
	f.write(0x2c, 4, 0)
	f.write(0x30, 4, r.used)
	f.write(0x34, 4, 0)
	f.write(0x1c, 2, 1)
}

func (f *fixture) enableMsix(vectors int) {
	f.t.Helper()

	f.p.WriteRegister(msixCapReg, 2, []byte{0x00, 0x80})

	for i := 0; i < vectors; i++ {
		base := uint64(virtio.MsixTableOffset + i*pci.MsixEntrySize)
		f.write(base, 8, 0xfee0_0000)
		f.write(base+8, 4, uint64(0x40+i))
		f.write(base+12, 4, 0)
	}
}

func TestPCIIdentity(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newTestBlock(t, 1<<20, false))
	p := f.p

	assert.Equal(t, uint32(0x1042_1af4), p.ReadRegister(0))
	assert.Equal(t, uint32(pci.ClassStorage), p.ReadRegister(2)>>24)

	bar, ok := p.Bar(0)
	require.True(t, ok)
	assert.Equal(t, uint64(virtio.BarSize), bar.Size)
	assert.Equal(t, pci.BarMem64, bar.Kind)
	assert.True(t, bar.Prefetchable)

	// MSI-X first, then common, notify, ISR and device config.
	off := int(p.ReadRegister(13))
	assert.Equal(t, 0x40, off)
	assert.Equal(t, uint32(pci.CapIDMSIX), p.ReadRegister(off/4)&0xff)

	var types []uint32

	for next := int(p.ReadRegister(off/4)>>8) & 0xff; next != 0; next = int(p.ReadRegister(next/4)>>8) & 0xff {
		reg := p.ReadRegister(next / 4)
		require.Equal(t, uint32(pci.CapIDVendor), reg&0xff)

		typ := reg >> 24
		types = append(types, typ)

		if typ == 2 {
			assert.Equal(t, uint32(virtio.NotifyOffset), p.ReadRegister(next/4+2))
			assert.Equal(t, uint32(virtio.NotifyMultiplier), p.ReadRegister(next/4+4))
		}
	}

	assert.Equal(t, []uint32{1, 2, 3, 4}, types)
	assert.Equal(t, uint64(1), f.read(0x12, 2))
}

func TestFeatureNegotiation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		features uint64
		ok       bool
	}{
		{"version 1", virtio.FeatureVersion1, true},
		{"event idx", virtio.FeatureVersion1 | virtio.FeatureEventIdx, true},
		{"legacy", virtio.FeatureEventIdx, false},
		{"not offered", virtio.FeatureVersion1 | 1<<40, false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newFixture(t, newTestBlock(t, 1<<20, false))
			f.negotiate(tt.features)

			if tt.ok {
				assert.Equal(t, uint8(sFeatures), f.status())
				assert.Equal(t, virtio.StateFeaturesOK, f.p.State())
			} else {
				assert.Equal(t, uint8(sDriver), f.status())
			}
		})
	}
}

func TestDeviceFeaturesWindow(t *testing.T) {
	t.Parallel()

	dev := newTestBlock(t, 1<<20, true)
	f := newFixture(t, dev)

	f.write(0x00, 4, 0)
	lo := f.read(0x04, 4)
	f.write(0x00, 4, 1)
	hi := f.read(0x04, 4)

	assert.Equal(t, dev.Features(), hi<<32|lo)
	assert.NotZero(t, lo&virtio.BlkFeatureRO)
}

func TestStatusOutOfOrder(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newTestBlock(t, 1<<20, false))

	f.write(0x14, 1, sAck|virtio.StatusDriverOK)
	assert.Equal(t, uint8(sAck), f.status())

	f.write(0x14, 1, sAck|virtio.StatusFeaturesOK)
	assert.Equal(t, uint8(sAck), f.status())

	// Clearing bits needs a reset.
	f.write(0x14, 1, virtio.StatusDriver)
	assert.Equal(t, uint8(sAck), f.status())
}

func TestQueueSizeRefused(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newTestBlock(t, 1<<20, false))

	f.write(0x16, 2, 0)
	assert.Equal(t, uint64(256), f.read(0x18, 2))

	f.write(0x18, 2, 100)
	assert.Equal(t, uint64(256), f.read(0x18, 2))

	f.write(0x18, 2, 1024)
	assert.Equal(t, uint64(256), f.read(0x18, 2))

	f.write(0x18, 2, 64)
	assert.Equal(t, uint64(64), f.read(0x18, 2))
}

func TestDriverOKInvalidQueueNeedsReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newTestBlock(t, 1<<20, false))
	f.negotiate(virtio.FeatureVersion1)

	r := newRing(t, f.mem, 16, memSize-0x1000)
	f.setupQueue(0, r, virtio.NoVector)

	f.write(0x14, 1, sDriverOK)

	assert.Equal(t, virtio.StateNeedsReset, f.p.State())
	assert.NotZero(t, f.status()&virtio.StatusNeedsReset)
	require.Len(t, f.errors(), 1)
	assert.ErrorIs(t, f.errors()[0], virtio.ErrDevice)
	assert.ErrorIs(t, f.errors()[0], virtio.ErrInvalidQueue)

	// Config change interrupt through the legacy line.
	level, _ := f.irq.get()
	assert.True(t, level)
	assert.Equal(t, uint64(0x2), f.read(virtio.ISROffset, 1))
	level, _ = f.irq.get()
	assert.False(t, level)

	// Only a reset is accepted now.
	f.write(0x14, 1, sAck)
	assert.Equal(t, virtio.StateNeedsReset, f.p.State())

	f.write(0x14, 1, 0)
	assert.Equal(t, virtio.StateReset, f.p.State())
	assert.Equal(t, uint8(0), f.status())
}

func TestDriverFailed(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newTestBlock(t, 1<<20, false))
	f.write(0x14, 1, sAck)
	f.write(0x14, 1, sAck|virtio.StatusFailed)

	assert.Equal(t, virtio.StateFailed, f.p.State())

	f.write(0x14, 1, sDriver)
	assert.Equal(t, virtio.StateFailed, f.p.State())

	f.write(0x14, 1, 0)
	assert.Equal(t, virtio.StateReset, f.p.State())
}

func TestNotifyWithMsix(t *testing.T) {
	t.Parallel()

	backend := newMemBackend(1 << 20)
	copy(backend.data[512:], "sector one")

	f := newFixture(t, virtio.NewBlock("vda", backend, 1<<20, false, nullLog()))
	f.enableMsix(2)
	f.negotiate(virtio.FeatureVersion1)

	r := newRing(t, f.mem, 16, 0x10000)
	f.setupQueue(0, r, 1)
	f.write(0x14, 1, sDriverOK)
	require.Equal(t, virtio.StateDriverOK, f.p.State())

	pushBlockRequest(t, r, 0, 1, 512)
	f.write(virtio.NotifyOffset, 2, 0)

	assert.Equal(t, uint16(1), r.usedIdx())
	_, n := r.usedElem(0)
	assert.Equal(t, uint32(513), n)

	data := make([]byte, 10)
	require.NoError(t, f.mem.Read(0x41000, data))
	assert.Equal(t, "sector one", string(data))

	require.Len(t, f.vm.MSIs(), 1)
	assert.Equal(t, hypervisor.MSIMessage{Address: 0xfee0_0000, Data: 0x41}, f.vm.MSIs()[0])

	_, raised := f.irq.get()
	assert.Zero(t, raised)
}

func TestNotifyWithINTx(t *testing.T) {
	t.Parallel()

	f := newFixture(t, virtio.NewBlock("vda", newMemBackend(1<<20), 1<<20, false, nullLog()))
	f.negotiate(virtio.FeatureVersion1)

	r := newRing(t, f.mem, 16, 0x10000)
	f.setupQueue(0, r, virtio.NoVector)
	f.write(0x14, 1, sDriverOK)

	pushBlockRequest(t, r, 0, 0, 512)
	f.write(virtio.NotifyOffset, 2, 0)

	level, raised := f.irq.get()
	assert.True(t, level)
	assert.Equal(t, 1, raised)

	assert.Equal(t, uint64(1), f.read(virtio.ISROffset, 1))
	assert.Equal(t, uint64(0), f.read(virtio.ISROffset, 1))

	level, _ = f.irq.get()
	assert.False(t, level)
}

func TestInvalidChainNeedsReset(t *testing.T) {
	t.Parallel()

	f := newFixture(t, virtio.NewBlock("vda", newMemBackend(1<<20), 1<<20, false, nullLog()))
	f.negotiate(virtio.FeatureVersion1)

	r := newRing(t, f.mem, 16, 0x10000)
	f.setupQueue(0, r, virtio.NoVector)
	f.write(0x14, 1, sDriverOK)

	r.setDesc(0, 0x40000, 16, fNext, 0)
	r.push(0)
	f.write(virtio.NotifyOffset, 2, 0)

	assert.Equal(t, virtio.StateNeedsReset, f.p.State())
	require.Len(t, f.errors(), 1)
	assert.ErrorIs(t, f.errors()[0], virtio.ErrInvalidChain)
	assert.Equal(t, "vda", f.errors()[0].Device)

	// Later kicks are ignored.
	f.write(virtio.NotifyOffset, 2, 0)
	assert.Len(t, f.errors(), 1)
}

func TestPCISaveRestore(t *testing.T) {
	t.Parallel()

	backend := newMemBackend(1 << 20)
	f := newFixture(t, virtio.NewBlock("vda", backend, 1<<20, false, nullLog()))
	f.enableMsix(2)
	f.negotiate(virtio.FeatureVersion1)

	r := newRing(t, f.mem, 16, 0x10000)
	f.setupQueue(0, r, 1)
	f.write(0x14, 1, sDriverOK)

	pushBlockRequest(t, r, 0, 0, 512)
	f.write(virtio.NotifyOffset, 2, 0)

	data, err := f.p.SaveState()
	require.NoError(t, err)

	// The same guest memory behind a fresh device.
	log := nullLog()
	p, err := virtio.NewPCIDevice(virtio.NewBlock("vda", backend, 1<<20, false, log), f.mem, f.vm, nil, log, nil)
	require.NoError(t, err)
	require.NoError(t, p.RestoreState(p.StateVersion(), data))

	assert.Equal(t, virtio.StateDriverOK, p.State())
	assert.Equal(t, f.p.Queues()[0].State(), p.Queues()[0].State())
	assert.Equal(t, f.p.ReadRegister(msixCapReg), p.ReadRegister(msixCapReg))
	assert.True(t, p.Msix().Enabled())

	// The restored device keeps serving the ring.
	pushBlockRequest(t, r, 4, 0, 512)
	require.NoError(t, p.Write(0, virtio.NotifyOffset, []byte{0, 0}))
	assert.Equal(t, uint16(2), r.usedIdx())

	assert.Error(t, p.RestoreState(p.StateVersion()+1, data))
}
