package vmm_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/bobuhiro11/govmm/migration"
	"github.com/bobuhiro11/govmm/vmm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var pattern = []byte("guest memory survives the trip")

// pausedSource boots a VM with an active net device, sets recognizable
// vcpu and memory state, and pauses it.
func pausedSource(t *testing.T) *rig {
	t.Helper()

	r := newRig(t, netConfig(2, newFakeTap()))
	r.boot()
	activeNet(r)

	require.NoError(t, r.vm.Memory().Write(0x7000, pattern))
	require.NoError(t, r.vm.Pause())

	for i, c := range r.hvm().Vcpus() {
		require.NoError(t, c.SetRegs(hypervisor.Regs{RIP: 0x1000 + uint64(i), RAX: 42, RSP: 0x8000}))
		require.NoError(t, c.SetSregs(hypervisor.Sregs{CR0: 0x11, EFER: 0x500}))
		c.SetMSRs([]hypervisor.MSREntry{{Index: 0x10, Data: uint64(i) + 7}})
	}

	r.hvm().SetState("clock", []byte{1, 2, 3, 4, 5, 6, 7, 8})

	return r
}

func assertRestored(t *testing.T, src, dst *rig) {
	t.Helper()

	assert.Equal(t, vmm.StatePaused, dst.vm.State())

	for i, c := range src.hvm().Vcpus() {
		want, err := c.SaveState()
		require.NoError(t, err)

		got, err := dst.hvm().Vcpus()[i].SaveState()
		require.NoError(t, err)
		assert.Equal(t, want, got, "vcpu %d", i)
	}

	want, err := src.hvm().SaveState()
	require.NoError(t, err)
	got, err := dst.hvm().SaveState()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	mem := make([]byte, len(pattern))
	require.NoError(t, dst.vm.Memory().Read(0x7000, mem))
	assert.Equal(t, pattern, mem)

	srcDevs, dstDevs := src.vm.Info().Devices, dst.vm.Info().Devices
	require.Len(t, dstDevs, 1)
	assert.Equal(t, srcDevs, dstDevs)
	assert.Equal(t, "driver_ok", dstDevs[0].Status)
}

func TestSnapshotRestore(t *testing.T) {
	t.Parallel()

	src := pausedSource(t)

	var buf bytes.Buffer
	require.NoError(t, src.vm.Snapshot(&buf))

	dst := newRig(t, netConfig(2, newFakeTap()))
	require.NoError(t, dst.vm.Restore(context.Background(), bytes.NewReader(buf.Bytes())))

	assertRestored(t, src, dst)

	// The restored device keeps working once resumed.
	require.NoError(t, dst.vm.Resume())

	d := dst.driver("net0")
	assert.Equal(t, uint8(sDriverOK), d.status())
	assert.Equal(t, uint64(2), d.read(0x12, 2))
}

func TestRestoreCorruptStreamKeepsCreated(t *testing.T) {
	t.Parallel()

	src := pausedSource(t)

	var buf bytes.Buffer
	require.NoError(t, src.vm.Snapshot(&buf))

	data := buf.Bytes()
	data[len(data)/2] ^= 0xff

	dst := newRig(t, netConfig(2, newFakeTap()))

	err := dst.vm.Restore(context.Background(), bytes.NewReader(data))
	assert.ErrorIs(t, err, migration.ErrMigration)
	assert.ErrorIs(t, err, migration.ErrCorrupt)
	assert.Equal(t, vmm.StateCreated, dst.vm.State())
	assert.Empty(t, dst.h.VMs(), "nothing is built from a corrupt stream")
}

func TestRestoreLayoutMismatch(t *testing.T) {
	t.Parallel()

	src := pausedSource(t)

	var buf bytes.Buffer
	require.NoError(t, src.vm.Snapshot(&buf))

	tests := []struct {
		name string
		cfg  vmm.Config
	}{
		{"vcpus", netConfig(1, newFakeTap())},
		{"memory", func() vmm.Config {
			c := netConfig(2, newFakeTap())
			c.MemorySize = 2 * ramSize

			return c
		}()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := newRig(t, tt.cfg)

			err := dst.vm.Restore(context.Background(), bytes.NewReader(buf.Bytes()))
			assert.ErrorIs(t, err, vmm.ErrConfiguration)
			assert.Equal(t, vmm.StateCreated, dst.vm.State())
		})
	}
}

func TestRestoreMissingDeviceTearsDown(t *testing.T) {
	t.Parallel()

	src := pausedSource(t)

	var buf bytes.Buffer
	require.NoError(t, src.vm.Snapshot(&buf))

	// Same layout, different device set.
	cfg := netConfig(2, newFakeTap())
	cfg.Devices[0].ID = "net1"

	dst := newRig(t, cfg)

	err := dst.vm.Restore(context.Background(), bytes.NewReader(buf.Bytes()))
	assert.ErrorIs(t, err, migration.ErrMigration)
	assert.Equal(t, vmm.StateCreated, dst.vm.State())
	require.Len(t, dst.h.VMs(), 1)
	assert.True(t, dst.hvm().Closed())

	// A failed restore does not poison the VM.
	cfg.Devices[0].ID = "net0"
	cfg.Devices[0].Backend = newFakeTap()
	again := newRig(t, cfg)
	require.NoError(t, again.vm.Restore(context.Background(), bytes.NewReader(buf.Bytes())))
	assertRestored(t, src, again)
}

func TestRestoreRequiresCreated(t *testing.T) {
	t.Parallel()

	r := newRig(t, vmm.Config{Vcpus: 1, MemorySize: ramSize})
	r.boot()

	err := r.vm.Restore(context.Background(), bytes.NewReader(nil))
	assert.ErrorIs(t, err, vmm.ErrStateConflict)
}
