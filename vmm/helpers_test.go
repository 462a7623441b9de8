package vmm_test

import (
	"context"
	"encoding/binary"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/govmm/hypervisor/hvtest"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/metrics"
	"github.com/bobuhiro11/govmm/pci"
	"github.com/bobuhiro11/govmm/virtio"
	"github.com/bobuhiro11/govmm/vmm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	timeout = 2 * time.Second
	ramSize = 16 << 20

	sAck      = virtio.StatusAcknowledge
	sDriver   = sAck | virtio.StatusDriver
	sFeatures = sDriver | virtio.StatusFeaturesOK
	sDriverOK = sFeatures | virtio.StatusDriverOK

	fNext  = 0x1
	fWrite = 0x2

	msixCap = 0x40
)

// fakeTap is a net backend fed and drained over channels. Writes block
// while gate is set and open.
type fakeTap struct {
	in     chan []byte
	out    chan []byte
	closed chan struct{}
	once   sync.Once
	gate   chan struct{}
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
	if f.gate != nil {
		<-f.gate
	}

	select {
	case f.out <- append([]byte(nil), p...):
	default:
	}

	return len(p), nil
}

func (f *fakeTap) Close() error {
	f.once.Do(func() { close(f.closed) })

	return nil
}

func netConfig(vcpus int, tap *fakeTap) vmm.Config {
	return vmm.Config{
		Name:       "test",
		Vcpus:      vcpus,
		MemorySize: ramSize,
		Devices: []vmm.DeviceConfig{{
			ID:      "net0",
			Type:    vmm.DeviceNet,
			MAC:     "52:54:00:12:34:56",
			Backend: tap,
		}},
	}
}

type rig struct {
	t    *testing.T
	h    *hvtest.Hypervisor
	vm   *vmm.VM
	hook *test.Hook
	reg  *prometheus.Registry
}

func newRig(t *testing.T, cfg vmm.Config) *rig {
	t.Helper()

	h := hvtest.New()
	log, hook := test.NewNullLogger()
	reg := prometheus.NewRegistry()

	v, err := vmm.New(h, cfg, log, metrics.New(reg))
	require.NoError(t, err)

	t.Cleanup(func() { assert.NoError(t, v.Shutdown()) })

	return &rig{t: t, h: h, vm: v, hook: hook, reg: reg}
}

// counter sums the samples of a metric family carrying label=value, or
// all of them when label is empty.
func (r *rig) counter(name, label, value string) float64 {
	r.t.Helper()

	mfs, err := r.reg.Gather()
	require.NoError(r.t, err)

	sum := 0.0

	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}

		for _, m := range mf.GetMetric() {
			if label == "" {
				sum += m.GetCounter().GetValue()

				continue
			}

			for _, l := range m.GetLabel() {
				if l.GetName() == label && l.GetValue() == value {
					sum += m.GetCounter().GetValue()
				}
			}
		}
	}

	return sum
}

func (r *rig) boot() {
	r.t.Helper()

	require.NoError(r.t, r.vm.Boot(context.Background()))
	require.Equal(r.t, vmm.StateRunning, r.vm.State())
}

func (r *rig) hvm() *hvtest.VM { return r.h.LastVM() }

func (r *rig) cpu(i int) *hvtest.Vcpu { return r.hvm().Vcpus()[i] }

// driver plays a virtio-pci guest driver through MMIO exits on vcpu 0.
type driver struct {
	t    *testing.T
	cpu  *hvtest.Vcpu
	slot int
	bar  uint64
}

func (r *rig) driver(id string) *driver {
	r.t.Helper()

	d := &driver{t: r.t, cpu: r.cpu(0), slot: -1}

	for _, dev := range r.vm.Info().Devices {
		if dev.ID == id {
			d.slot = dev.Slot
		}
	}

	require.NotEqual(r.t, -1, d.slot, "device %s not plugged", id)

	d.bar = d.barAddr()

	return d
}

func (d *driver) barAddr() uint64 {
	lo := d.cfgRead(0x10)
	hi := d.cfgRead(0x14)

	return uint64(hi)<<32 | uint64(lo&^0xf)
}

func (d *driver) ecam(reg uint64) uint64 {
	return vmm.ECAMBase + uint64(d.slot)<<15 + reg
}

func (d *driver) mmioWrite(gpa uint64, width int, v uint64) {
	d.t.Helper()

	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	require.True(d.t, d.cpu.Do(hvtest.MMIOExit(gpa, true, b[:width]), timeout), "mmio write %#x", gpa)
}

func (d *driver) mmioRead(gpa uint64, width int) uint64 {
	d.t.Helper()

	b := make([]byte, 8)
	require.True(d.t, d.cpu.Do(hvtest.MMIOExit(gpa, false, b[:width]), timeout), "mmio read %#x", gpa)

	return binary.LittleEndian.Uint64(b)
}

func (d *driver) cfgRead(reg uint64) uint32 { return uint32(d.mmioRead(d.ecam(reg), 4)) }

func (d *driver) cfgWrite(reg uint64, width int, v uint64) { d.mmioWrite(d.ecam(reg), width, v) }

func (d *driver) write(off uint64, width int, v uint64) { d.mmioWrite(d.bar+off, width, v) }

func (d *driver) read(off uint64, width int) uint64 { return d.mmioRead(d.bar+off, width) }

func (d *driver) status() uint8 { return uint8(d.read(0x14, 1)) }

// init enables MSI-X with one vector per queue and negotiates features.
func (d *driver) init(features uint64, vectors int) {
	d.t.Helper()

	d.cfgWrite(0x04, 2, 0x6)
	d.cfgWrite(msixCap+2, 2, 0x8000)

	for i := 0; i < vectors; i++ {
		base := uint64(virtio.MsixTableOffset + i*pci.MsixEntrySize)
		d.write(base, 4, 0xfee0_0000)
		d.write(base+4, 4, 0)
		d.write(base+8, 4, uint64(0x40+i))
		d.write(base+12, 4, 0)
	}

	d.write(0x14, 1, sAck)
	d.write(0x14, 1, sDriver)
	d.write(0x08, 4, 0)
	d.write(0x0c, 4, features&0xffffffff)
	d.write(0x08, 4, 1)
	d.write(0x0c, 4, features>>32)
	d.write(0x14, 1, sFeatures)
}

func (d *driver) setupQueue(idx uint16, r *ring, vector uint16) {
	d.t.Helper()

	d.write(0x16, 2, uint64(idx))
	d.write(0x18, 2, uint64(r.size))
	d.write(0x1a, 2, uint64(vector))
	d.write(0x20, 4, r.desc)
	d.write(0x24, 4, 0)
	d.write(0x28, 4, r.avail)
	d.write(0x2c, 4, 0)
	d.write(0x30, 4, r.used)
	d.write(0x34, 4, 0)
	d.write(0x1c, 2, 1)
}

func (d *driver) driverOK() { d.write(0x14, 1, sDriverOK) }

func (d *driver) notify(queue uint16) {
	d.write(virtio.NotifyOffset+uint64(queue)*virtio.NotifyMultiplier, 2, uint64(queue))
}

// ring is the driver half of a split virtqueue in guest memory.
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
	return &ring{t: t, mem: mem, size: size, desc: base, avail: base + 0x1000, used: base + 0x2000}
}

func (r *ring) setDesc(i uint16, addr uint64, n uint32, flags, next uint16) {
	r.t.Helper()

	b := make([]byte, 16)
	binary.LittleEndian.PutUint64(b[0:], addr)
	binary.LittleEndian.PutUint32(b[8:], n)
	binary.LittleEndian.PutUint16(b[12:], flags)
	binary.LittleEndian.PutUint16(b[14:], next)
	require.NoError(r.t, r.mem.Write(r.desc+uint64(i)*16, b))
}

func (r *ring) push(head uint16) {
	r.t.Helper()

	require.NoError(r.t, r.mem.WriteUint16(r.avail+4+uint64(r.idx%r.size)*2, head))
	r.idx++
	require.NoError(r.t, r.mem.WriteUint16(r.avail+2, r.idx))
}

func (r *ring) usedIdx() uint16 {
	v, err := r.mem.ReadUint16(r.used + 2)
	require.NoError(r.t, err)

	return v
}

func (r *ring) usedElem(i uint16) (uint32, uint32) {
	id, err := r.mem.ReadUint32(r.used + 4 + uint64(i%r.size)*8)
	require.NoError(r.t, err)
	n, err := r.mem.ReadUint32(r.used + 8 + uint64(i%r.size)*8)
	require.NoError(r.t, err)

	return id, n
}

// activeNet brings net0 to DRIVER_OK with 256-entry queues, rx on vector
// 0 and tx on vector 1.
func activeNet(r *rig) (*driver, *ring, *ring) {
	r.t.Helper()

	d := r.driver("net0")
	mem := r.vm.Memory()

	rx := newRing(r.t, mem, virtio.MaxQueueSize, 0x100000)
	tx := newRing(r.t, mem, virtio.MaxQueueSize, 0x200000)

	d.init(virtio.FeatureVersion1, 2)
	d.setupQueue(0, rx, 0)
	d.setupQueue(1, tx, 1)
	d.driverOK()

	require.Equal(r.t, uint8(sDriverOK), d.status())

	return d, rx, tx
}
