package vmm_test

import (
	"bytes"
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/govmm/vhostuser"
	"github.com/bobuhiro11/govmm/virtio"
	"github.com/bobuhiro11/govmm/vmm"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDisk struct {
	mu   sync.Mutex
	data []byte
}

func (d *memDisk) ReadAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return copy(p, d.data[off:]), nil
}

func (d *memDisk) WriteAt(p []byte, off int64) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	return copy(d.data[off:], p), nil
}

func TestVhostUserBackendKilled(t *testing.T) {
	t.Parallel()

	log, _ := test.NewNullLogger()
	disk := &memDisk{data: make([]byte, 64<<10)}
	sock := filepath.Join(t.TempDir(), "blk.sock")

	b, err := vhostuser.Listen(sock, virtio.NewBlock("vdb", disk, uint64(len(disk.data)), false, log), log)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- b.Serve() }()

	cfg := vmm.Config{
		Vcpus:      1,
		MemorySize: ramSize,
		Devices: []vmm.DeviceConfig{{
			ID:        "vdb",
			Type:      vmm.DeviceVhostUserBlk,
			Socket:    sock,
			QueueSize: 128,
		}},
		Reconnect: vhostuser.ReconnectPolicy{
			Attempts:       2,
			InitialBackoff: 5 * time.Millisecond,
			MaxBackoff:     10 * time.Millisecond,
			RequestTimeout: time.Second,
		},
	}

	r := newRig(t, cfg)
	r.boot()

	d := r.driver("vdb")
	d.write(0x16, 2, 0)
	assert.Equal(t, uint64(128), d.read(0x18, 2), "queue size offered")

	q := newRing(t, r.vm.Memory(), 128, 0x100000)
	d.init(virtio.FeatureVersion1, 1)
	d.setupQueue(0, q, 0)
	d.driverOK()
	require.Equal(t, uint8(sDriverOK), d.status())

	require.NoError(t, b.Close())
	require.NoError(t, <-served)

	require.Eventually(t, func() bool {
		info := r.vm.Info()

		return len(info.DeviceErrors) > 0 && info.Devices[0].Status == "needs_reset"
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, vmm.StateRunning, r.vm.State())
	assert.Contains(t, r.vm.Info().DeviceErrors[0], "vdb")
	assert.NotZero(t, d.status()&virtio.StatusNeedsReset)
	assert.Equal(t, 1.0, r.counter("govmm_device_errors_total", "device", "vdb"))
}

// serveBlock runs a vhost-user block backend over disk until the test ends
// and returns its socket.
func serveBlock(t *testing.T, disk *memDisk, name string) string {
	t.Helper()

	log, _ := test.NewNullLogger()
	sock := filepath.Join(t.TempDir(), name+".sock")

	b, err := vhostuser.Listen(sock, virtio.NewBlock("vdb", disk, uint64(len(disk.data)), false, log), log)
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- b.Serve() }()

	t.Cleanup(func() {
		assert.NoError(t, b.Close())
		assert.NoError(t, <-served)
	})

	return sock
}

func vhostBlockConfig(sock string) vmm.Config {
	return vmm.Config{
		Vcpus:      1,
		MemorySize: ramSize,
		Devices: []vmm.DeviceConfig{{
			ID:        "vdb",
			Type:      vmm.DeviceVhostUserBlk,
			Socket:    sock,
			QueueSize: 128,
		}},
	}
}

func TestLiveMigrationVhostUser(t *testing.T) {
	t.Parallel()

	sector := bytes.Repeat([]byte("backend"), 4096/7+1)[:4096]
	disk := &memDisk{data: make([]byte, 64<<10)}
	copy(disk.data[8*512:], sector)

	src := newRig(t, vhostBlockConfig(serveBlock(t, disk, "src")))
	src.boot()

	d := src.driver("vdb")
	mem := src.vm.Memory()
	q := newRing(t, mem, 128, 0x100000)
	d.init(virtio.FeatureVersion1, 1)
	d.setupQueue(0, q, 0)
	d.driverOK()
	require.Equal(t, uint8(sDriverOK), d.status())

	// A read of sector 8 into its own page, status byte on the next one.
	hdr := make([]byte, 16)
	hdr[8] = 8
	require.NoError(t, mem.Write(0x300000, hdr))
	require.NoError(t, mem.Write(0x302000, []byte{0xff}))
	q.setDesc(0, 0x300000, 16, fNext, 1)
	q.setDesc(1, 0x301000, 4096, fNext|fWrite, 2)
	q.setDesc(2, 0x302000, 1, fWrite, 0)

	dst := newRig(t, vhostBlockConfig(serveBlock(t, disk, "dst")))

	a, b := pipe(t)
	conn := hold(a)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- dst.vm.Incoming(ctx, b) }()

	srcErr := make(chan error, 1)
	go func() { srcErr <- src.vm.MigrateTo(ctx, conn) }()

	conn.wait(t)

	// The backend serves the request after the full copy went out; only
	// its dirty log carries the pages to the destination.
	q.push(0)
	d.notify(0)
	require.Eventually(t, func() bool { return q.usedIdx() == 1 }, timeout, time.Millisecond)

	conn.release()
	require.NoError(t, <-srcErr)
	require.NoError(t, <-errc)

	assert.Equal(t, vmm.StatePaused, dst.vm.State())

	got := make([]byte, 4096)
	require.NoError(t, dst.vm.Memory().Read(0x301000, got))
	assert.Equal(t, sector, got)

	status := make([]byte, 1)
	require.NoError(t, dst.vm.Memory().Read(0x302000, status))
	assert.Equal(t, []byte{0}, status)

	used, err := dst.vm.Memory().ReadUint16(q.used + 2)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), used)
}
