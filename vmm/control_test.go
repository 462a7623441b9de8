package vmm_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/bobuhiro11/govmm/vmm"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, v *vmm.VM) *vmm.Client {
	t.Helper()

	path := filepath.Join(t.TempDir(), "ctl.sock")

	ln, err := net.Listen("unix", path)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	log, _ := test.NewNullLogger()

	errc := make(chan error, 1)
	go func() { errc <- vmm.ServeControl(ctx, ln, v, log) }()

	c, err := vmm.DialControl(path)
	require.NoError(t, err)

	t.Cleanup(func() {
		c.Close()
		cancel()
		assert.NoError(t, <-errc)
	})

	return c
}

func TestControl(t *testing.T) {
	t.Parallel()

	r := newRig(t, vmm.Config{Name: "ctl", Vcpus: 1, MemorySize: ramSize})
	c := serve(t, r.vm)

	info, err := c.Info()
	require.NoError(t, err)
	assert.Equal(t, "ctl", info.Name)
	assert.Equal(t, "created", info.State)

	err = c.Pause()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")

	require.NoError(t, c.Boot())
	assert.Equal(t, vmm.StateRunning, r.vm.State())

	dir := t.TempDir()
	disk := filepath.Join(dir, "disk.img")
	require.NoError(t, os.WriteFile(disk, make([]byte, 1<<20), 0o600))

	require.NoError(t, c.AddDevice(vmm.DeviceConfig{ID: "vda", Type: vmm.DeviceBlock, Path: disk}))

	info, err = c.Info()
	require.NoError(t, err)
	require.Len(t, info.Devices, 1)
	assert.Equal(t, vmm.DeviceBlock, info.Devices[0].Type)

	require.NoError(t, c.RemoveDevice("vda"))
	require.Error(t, c.RemoveDevice("vda"))

	snap := filepath.Join(dir, "vm.snap")
	require.Error(t, c.Snapshot(snap), "running VMs cannot be snapshotted")
	assert.NoFileExists(t, snap)

	require.NoError(t, c.Pause())
	require.NoError(t, c.Snapshot(snap))
	require.Error(t, c.Snapshot(snap), "existing files are not overwritten")
	require.NoError(t, c.Resume())

	require.Error(t, c.Migrate("127.0.0.1:1"))
	assert.Equal(t, vmm.StateRunning, r.vm.State())

	// Restore the snapshot into a second VM through its own socket.
	other := newRig(t, vmm.Config{Name: "restored", Vcpus: 1, MemorySize: ramSize})
	oc := serve(t, other.vm)

	require.NoError(t, oc.Restore(snap))
	assert.Equal(t, vmm.StatePaused, other.vm.State())
	require.NoError(t, oc.Resume())
	require.NoError(t, oc.Shutdown())

	require.NoError(t, c.Shutdown())

	info, err = c.Info()
	require.NoError(t, err)
	assert.Equal(t, "shutdown", info.State)
}

func TestControlDuringMigration(t *testing.T) {
	t.Parallel()

	r := newRig(t, vmm.Config{Name: "src", Vcpus: 1, MemorySize: ramSize})
	r.boot()
	c := serve(t, r.vm)

	require.Error(t, c.CancelMigration())

	a, b := pipe(t)
	conn := hold(a)
	cancelAfter(b, func() {})

	errc := make(chan error, 1)
	go func() { errc <- r.vm.MigrateTo(context.Background(), conn) }()

	conn.wait(t)

	info, err := c.Info()
	require.NoError(t, err)
	require.NotNil(t, info.Migration)
	assert.Equal(t, vmm.MigrationOutgoing, info.Migration.Direction)
	assert.Positive(t, info.Migration.Bytes)

	require.Error(t, c.Pause())
	require.NoError(t, c.CancelMigration())
	assert.ErrorIs(t, <-errc, vmm.ErrCanceled)

	info, err = c.Info()
	require.NoError(t, err)
	assert.Nil(t, info.Migration)
	assert.Equal(t, "running", info.State)
}
