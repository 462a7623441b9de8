package flag_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/govmm/flag"
	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/bobuhiro11/govmm/hypervisor/hvtest"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/vmm"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSize(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		in   string
		want uint64
		err  bool
	}{
		{in: "512M", want: 512 << 20},
		{in: "1G", want: 1 << 30},
		{in: "2GiB", want: 2 << 30},
		{in: "64k", want: 64 << 10},
		{in: "4096", want: 4096},
		{in: "lots", err: true},
		{in: "", err: true},
	} {
		test := test
		t.Run(test.in, func(t *testing.T) {
			t.Parallel()

			var s flag.Size

			err := s.UnmarshalText([]byte(test.in))
			if test.err {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.want, uint64(s))
		})
	}
}

func TestDevice(t *testing.T) {
	t.Parallel()

	for _, test := range []struct {
		name string
		in   string
		want vmm.DeviceConfig
		err  bool
	}{
		{
			name: "Net",
			in:   "type=net,id=net0,tap=tap0,mac=52:54:00:12:34:56",
			want: vmm.DeviceConfig{ID: "net0", Type: vmm.DeviceNet, Tap: "tap0", MAC: "52:54:00:12:34:56"},
		},
		{
			name: "BlockDefaultID",
			in:   "type=block,path=disk.img,readonly=true,slot=4",
			want: vmm.DeviceConfig{ID: "block", Type: vmm.DeviceBlock, Path: "disk.img", ReadOnly: true, Slot: 4},
		},
		{
			name: "VhostUser",
			in:   "type=vhost-user-blk,id=vd,socket=/tmp/vd.sock,queues=1,queue-size=0x80",
			want: vmm.DeviceConfig{
				ID: "vd", Type: vmm.DeviceVhostUserBlk, Socket: "/tmp/vd.sock",
				NumQueues: 1, QueueSize: 128,
			},
		},
		{
			name: "Size",
			in:   "type=block,id=d,path=x,size=1M",
			want: vmm.DeviceConfig{ID: "d", Type: vmm.DeviceBlock, Path: "x", Size: 1 << 20},
		},
		{name: "MissingValue", in: "type=net,tap", err: true},
		{name: "UnknownKey", in: "type=net,color=red", err: true},
		{name: "BadSlot", in: "type=net,slot=x", err: true},
		{name: "QueueSizeOverflow", in: "type=vhost-user-net,queue-size=65536", err: true},
	} {
		test := test
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()

			var d flag.Device

			err := d.UnmarshalText([]byte(test.in))
			if test.err {
				assert.Error(t, err)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, test.want, vmm.DeviceConfig(d))
		})
	}
}

func parse(t *testing.T, args ...string) (*flag.CLI, *kong.Context) {
	t.Helper()

	var cli flag.CLI

	parser, err := kong.New(&cli, kong.Exit(func(int) { t.Fatal("exit") }))
	require.NoError(t, err)

	ctx, err := parser.Parse(args)
	require.NoError(t, err)

	return &cli, ctx
}

func TestParseBoot(t *testing.T) {
	t.Parallel()

	image := filepath.Join(t.TempDir(), "boot.bin")
	require.NoError(t, os.WriteFile(image, []byte{0xf4}, 0o600))

	cli, ctx := parse(t, "--log-level", "debug", "boot",
		"-c", "2", "-m", "1G", "-i", image,
		"-d", "type=net,id=net0,tap=tap0",
		"-d", "type=block,id=disk0,path=disk.img",
		"--api-socket", "/tmp/govmm.sock")

	assert.Equal(t, "boot", ctx.Command())
	assert.Equal(t, "debug", cli.LogLevel)
	assert.Equal(t, "/dev/kvm", cli.Boot.Dev)
	assert.Equal(t, 2, cli.Boot.NCPUs)
	assert.Equal(t, flag.Size(1<<30), cli.Boot.MemSize)
	assert.Equal(t, image, cli.Boot.Image)
	assert.Equal(t, flag.Address(0x7c00), cli.Boot.LoadAddr)
	assert.Equal(t, 5*time.Second, cli.Boot.PauseTimeout)
	assert.Equal(t, "/tmp/govmm.sock", cli.Boot.APISocket)

	require.Len(t, cli.Boot.Devices, 2)
	assert.Equal(t, "tap0", cli.Boot.Devices[0].Tap)
	assert.Equal(t, vmm.DeviceBlock, cli.Boot.Devices[1].Type)
}

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	cli, ctx := parse(t, "incoming", ":4444")

	assert.Equal(t, "incoming <listen>", ctx.Command())
	assert.Equal(t, ":4444", cli.Incoming.Listen)
	assert.Equal(t, flag.Size(512<<20), cli.Incoming.MemSize)
	assert.Equal(t, 1, cli.Incoming.NCPUs)
	assert.Equal(t, "info", cli.LogLevel)
}

func TestParseCtl(t *testing.T) {
	t.Parallel()

	cli, ctx := parse(t, "ctl", "-s", "/run/vm.sock", "add-device", "type=net,id=net1,tap=tap1")

	assert.Equal(t, "ctl add-device <device>", ctx.Command())
	assert.Equal(t, "/run/vm.sock", cli.Ctl.Socket)
	assert.Equal(t, "net1", cli.Ctl.AddDevice.Device.ID)

	_, ctx = parse(t, "ctl", "-s", "/run/vm.sock", "cancel-migration")
	assert.Equal(t, "ctl cancel-migration", ctx.Command())
}

func TestParseErrors(t *testing.T) {
	t.Parallel()

	for _, args := range [][]string{
		{"boot", "-m", "lots"},
		{"boot", "-d", "type=net,tap"},
		{"boot", "--load-addr", "nowhere"},
		{"--log-level", "loud", "probe"},
		{"ctl", "pause"},
	} {
		var cli flag.CLI

		parser, err := kong.New(&cli, kong.Exit(func(int) {}))
		require.NoError(t, err)

		_, err = parser.Parse(args)
		assert.Error(t, err, "%v", args)
	}
}

func TestFlatImage(t *testing.T) {
	t.Parallel()

	h := hvtest.New()

	v, err := h.CreateVM()
	require.NoError(t, err)

	log, _ := test.NewNullLogger()
	mem := memory.New(v, 4, log)

	t.Cleanup(func() { mem.Close() })

	_, err = mem.Add("ram", 0, 64<<10)
	require.NoError(t, err)

	cpu, err := v.CreateVcpu(0)
	require.NoError(t, err)

	image := filepath.Join(t.TempDir(), "boot.bin")
	require.NoError(t, os.WriteFile(image, []byte{0xb0, 0x41, 0xf4}, 0o600))

	require.NoError(t, flag.FlatImage{Path: image, Addr: 0x7c00}.Load(mem, []hypervisor.Vcpu{cpu}))

	got := make([]byte, 3)
	require.NoError(t, mem.Read(0x7c00, got))
	assert.Equal(t, []byte{0xb0, 0x41, 0xf4}, got)

	regs, err := cpu.Regs()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), regs.RIP)

	sregs, err := cpu.Sregs()
	require.NoError(t, err)
	assert.Equal(t, uint64(0x7c00), sregs.CS.Base)
	assert.Equal(t, uint16(0x7c0), sregs.CS.Selector)

	err = flag.FlatImage{Path: image, Addr: 0x7c01}.Load(mem, nil)
	assert.Error(t, err)

	err = flag.FlatImage{Path: image, Addr: 0xffff0}.Load(mem, nil)
	assert.ErrorIs(t, err, memory.ErrOutOfRange)
}

func TestCtl(t *testing.T) {
	t.Parallel()

	log, _ := test.NewNullLogger()

	v, err := vmm.New(hvtest.New(), vmm.Config{Vcpus: 1, MemorySize: 16 << 20}, log, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, v.Boot(ctx))

	socket := filepath.Join(t.TempDir(), "api.sock")

	ln, err := net.Listen("unix", socket)
	require.NoError(t, err)

	served := make(chan error, 1)

	go func() { served <- vmm.ServeControl(ctx, ln, v, log) }()

	ctl := &flag.CtlCMD{Socket: socket}

	require.NoError(t, flag.CtlPauseCMD{}.Run(ctl))
	assert.Equal(t, vmm.StatePaused, v.State())

	require.NoError(t, flag.CtlResumeCMD{}.Run(ctl))
	assert.Equal(t, vmm.StateRunning, v.State())

	err = (&flag.CtlRemoveDeviceCMD{ID: "nope"}).Run(ctl)
	assert.Error(t, err)

	err = flag.CtlCancelMigrationCMD{}.Run(ctl)
	require.Error(t, err)
	assert.Contains(t, err.Error(), vmm.ErrNoMigration.Error())

	require.NoError(t, flag.CtlShutdownCMD{}.Run(ctl))
	require.NoError(t, v.Wait())

	cancel()
	require.NoError(t, <-served)
}
