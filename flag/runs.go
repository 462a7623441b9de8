package flag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/bobuhiro11/govmm/kvm"
	"github.com/bobuhiro11/govmm/metrics"
	"github.com/bobuhiro11/govmm/probe"
	"github.com/bobuhiro11/govmm/tap"
	"github.com/bobuhiro11/govmm/term"
	"github.com/bobuhiro11/govmm/vhostuser"
	"github.com/bobuhiro11/govmm/virtio"
	"github.com/bobuhiro11/govmm/vmm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// BootCMD boots a fresh VM.
type BootCMD struct {
	VMFlags `embed:""`

	Image    string  `short:"i" type:"existingfile" help:"Flat binary loaded before the vcpus start."`
	LoadAddr Address `name:"load-addr" default:"0x7c00" help:"Guest address of the image."`
}

// IncomingCMD waits for one migration stream and runs the received VM.
type IncomingCMD struct {
	VMFlags `embed:""`

	Listen string `arg:"" help:"TCP address to accept the migration on."`
}

// RestoreCMD runs a VM from a snapshot file.
type RestoreCMD struct {
	VMFlags `embed:""`

	Path   string `arg:"" type:"existingfile" help:"Snapshot file."`
	Paused bool   `help:"Leave the VM paused after the restore."`
}

type ProbeCMD struct {
	Dev string `short:"D" default:"/dev/kvm" help:"Path of the KVM device."`
}

func (p *ProbeCMD) Run() error {
	return probe.Run(os.Stdout, p.Dev)
}

func (f *VMFlags) config() vmm.Config {
	c := vmm.Config{
		Name:         f.Name,
		Vcpus:        f.NCPUs,
		MemorySize:   uint64(f.MemSize),
		Console:      os.Stdout,
		PauseTimeout: f.PauseTimeout,
		Reconnect:    vhostuser.ReconnectPolicy{Attempts: f.ReconnectAttempts},
		Trace:        f.Trace,
	}

	for _, d := range f.Devices {
		c.Devices = append(c.Devices, vmm.DeviceConfig(d))
	}

	return c
}

// create opens the hypervisor and builds a VM in StateCreated.
func (f *VMFlags) create(c vmm.Config, log logrus.FieldLogger) (*kvm.Hypervisor, *vmm.VM, *prometheus.Registry, error) {
	hv, err := kvm.New(f.Dev, log)
	if err != nil {
		return nil, nil, nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	v, err := vmm.New(hv, c, log, metrics.New(reg))
	if err != nil {
		hv.Close()

		return nil, nil, nil, err
	}

	return hv, v, reg, nil
}

// serve runs the control API, the metrics endpoint and the console until v
// shuts down or the process is interrupted, which shuts v down.
func (f *VMFlags) serve(ctx context.Context, v *vmm.VM, reg *prometheus.Registry, log logrus.FieldLogger) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)

	if f.APISocket != "" {
		ln, err := net.Listen("unix", f.APISocket)
		if err != nil {
			return err
		}
		defer os.Remove(f.APISocket)

		g.Go(func() error { return vmm.ServeControl(ctx, ln, v, log) })
	}

	if f.MetricsAddr != "" {
		srv := &http.Server{
			Addr:              f.MetricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
		g.Go(func() error {
			<-ctx.Done()

			return srv.Close()
		})
	}

	restore := attachConsole(v, cancel, log)
	defer restore()

	g.Go(func() error {
		select {
		case <-v.Done():
		case <-ctx.Done():
			if err := v.Shutdown(); err != nil && !errors.Is(err, vmm.ErrStateConflict) {
				return err
			}
		}

		cancel()

		return v.Wait()
	})

	return g.Wait()
}

// attachConsole forwards a terminal on stdin to the serial port. Ctrl-A x
// detaches, which shuts the VM down.
func attachConsole(v *vmm.VM, detach func(), log logrus.FieldLogger) func() {
	fd := int(os.Stdin.Fd())

	if !term.IsTerminal(fd) {
		log.Info("stdin is not a terminal, console input disabled")

		return func() {}
	}

	restore, err := term.SetRawMode(fd)
	if err != nil {
		log.WithError(err).Warn("console input disabled")

		return func() {}
	}

	go func() {
		r := &term.EscapeReader{R: os.Stdin}
		buf := make([]byte, 64)

		for {
			n, err := r.Read(buf)
			if n > 0 {
				if err := v.Input(buf[:n]); err != nil {
					log.WithError(err).Debug("console input dropped")
				}
			}

			if err != nil {
				detach()

				return
			}
		}
	}()

	return restore
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
}

func (b *BootCMD) Run(log *logrus.Logger) error {
	ctx, stop := signalContext()
	defer stop()

	c := b.config()
	if b.Image != "" {
		c.Boot = FlatImage{Path: b.Image, Addr: uint64(b.LoadAddr)}
	}

	hv, v, reg, err := b.create(c, log)
	if err != nil {
		return err
	}
	defer hv.Close()

	if err := v.Boot(ctx); err != nil {
		return err
	}

	return b.serve(ctx, v, reg, log)
}

func (i *IncomingCMD) Run(log *logrus.Logger) error {
	ctx, stop := signalContext()
	defer stop()

	hv, v, reg, err := i.create(i.config(), log)
	if err != nil {
		return err
	}
	defer hv.Close()

	conn, err := acceptOne(ctx, i.Listen)
	if err != nil {
		return err
	}

	err = v.Incoming(ctx, conn)
	conn.Close()

	if err != nil {
		return err
	}

	if err := v.Resume(); err != nil {
		return err
	}

	return i.serve(ctx, v, reg, log)
}

// acceptOne returns the first connection on addr.
func acceptOne(ctx context.Context, addr string) (net.Conn, error) {
	var lc net.ListenConfig

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	defer ln.Close()

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	conn, err := ln.Accept()
	if err != nil && ctx.Err() != nil {
		return nil, ctx.Err()
	}

	return conn, err
}

func (r *RestoreCMD) Run(log *logrus.Logger) error {
	ctx, stop := signalContext()
	defer stop()

	hv, v, reg, err := r.create(r.config(), log)
	if err != nil {
		return err
	}
	defer hv.Close()

	f, err := os.Open(r.Path)
	if err != nil {
		return err
	}

	err = v.Restore(ctx, f)
	f.Close()

	if err != nil {
		return err
	}

	if !r.Paused {
		if err := v.Resume(); err != nil {
			return err
		}
	}

	return r.serve(ctx, v, reg, log)
}

// CtlCMD talks to the control API of a running govmm.
type CtlCMD struct {
	Socket string `short:"s" name:"api-socket" required:"" help:"Control socket of the VM."`

	Info         CtlInfoCMD         `cmd:"" help:"Print the VM state as JSON."`
	Pause        CtlPauseCMD        `cmd:"" help:"Pause the vcpus and devices."`
	Resume       CtlResumeCMD       `cmd:"" help:"Resume a paused VM."`
	Shutdown     CtlShutdownCMD     `cmd:"" help:"Shut the VM down."`
	AddDevice    CtlAddDeviceCMD    `cmd:"" name:"add-device" help:"Hotplug a PCI device."`
	RemoveDevice CtlRemoveDeviceCMD `cmd:"" name:"remove-device" help:"Unplug a PCI device."`
	Snapshot     CtlSnapshotCMD     `cmd:"" help:"Write a snapshot of a paused VM."`
	Restore      CtlRestoreCMD      `cmd:"" help:"Load a snapshot into a VM that was never booted."`
	Migrate      CtlMigrateCMD      `cmd:"" help:"Live migrate the VM to a govmm incoming."`

	CancelMigration CtlCancelMigrationCMD `cmd:"" name:"cancel-migration" help:"Abort the migration in flight."`
}

func (c *CtlCMD) AfterApply(ctx *kong.Context) error {
	ctx.Bind(c)

	return nil
}

func (c *CtlCMD) do(fn func(*vmm.Client) error) error {
	cl, err := vmm.DialControl(c.Socket)
	if err != nil {
		return err
	}
	defer cl.Close()

	return fn(cl)
}

type CtlInfoCMD struct{}

func (CtlInfoCMD) Run(c *CtlCMD) error {
	return c.do(func(cl *vmm.Client) error {
		info, err := cl.Info()
		if err != nil {
			return err
		}

		return printJSON(os.Stdout, info)
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	return enc.Encode(v)
}

type CtlPauseCMD struct{}

func (CtlPauseCMD) Run(c *CtlCMD) error {
	return c.do(func(cl *vmm.Client) error { return cl.Pause() })
}

type CtlResumeCMD struct{}

func (CtlResumeCMD) Run(c *CtlCMD) error {
	return c.do(func(cl *vmm.Client) error { return cl.Resume() })
}

type CtlShutdownCMD struct{}

func (CtlShutdownCMD) Run(c *CtlCMD) error {
	return c.do(func(cl *vmm.Client) error { return cl.Shutdown() })
}

type CtlAddDeviceCMD struct {
	Device Device `arg:"" help:"Device as type=...,id=..."`
}

func (a *CtlAddDeviceCMD) Run(c *CtlCMD) error {
	return c.do(func(cl *vmm.Client) error { return cl.AddDevice(vmm.DeviceConfig(a.Device)) })
}

type CtlRemoveDeviceCMD struct {
	ID string `arg:""`
}

func (r *CtlRemoveDeviceCMD) Run(c *CtlCMD) error {
	return c.do(func(cl *vmm.Client) error { return cl.RemoveDevice(r.ID) })
}

type CtlSnapshotCMD struct {
	Path string `arg:"" type:"path" help:"File to create."`
}

func (s *CtlSnapshotCMD) Run(c *CtlCMD) error {
	return c.do(func(cl *vmm.Client) error { return cl.Snapshot(s.Path) })
}

type CtlRestoreCMD struct {
	Path string `arg:"" type:"existingfile" help:"Snapshot file."`
}

func (r *CtlRestoreCMD) Run(c *CtlCMD) error {
	return c.do(func(cl *vmm.Client) error { return cl.Restore(r.Path) })
}

type CtlMigrateCMD struct {
	Addr string `arg:"" help:"host:port of the destination."`
}

func (m *CtlMigrateCMD) Run(c *CtlCMD) error {
	return c.do(func(cl *vmm.Client) error { return cl.Migrate(m.Addr) })
}

type CtlCancelMigrationCMD struct{}

func (CtlCancelMigrationCMD) Run(c *CtlCMD) error {
	return c.do(func(cl *vmm.Client) error { return cl.CancelMigration() })
}

// VhostUserNetCMD bridges a tap interface to vhost-user frontends.
type VhostUserNetCMD struct {
	Socket string `arg:"" type:"path" help:"Socket to listen on."`
	Tap    string `short:"t" default:"tap0" help:"Name of the tap interface."`
	MAC    string `default:"52:54:00:12:34:56" help:"MAC address of the guest interface."`
	Addr   string `help:"Host address of the tap interface in CIDR notation."`
	MTU    int    `help:"MTU of the tap interface."`
}

func (n *VhostUserNetCMD) Run(log *logrus.Logger) error {
	ctx, stop := signalContext()
	defer stop()

	mac, err := net.ParseMAC(n.MAC)
	if err != nil {
		return err
	}

	t, err := tap.New(n.Tap)
	if err != nil {
		return err
	}

	if err := tap.Configure(n.Tap, tap.Config{Addr: n.Addr, MTU: n.MTU}); err != nil {
		t.Close()

		return err
	}

	dev, err := virtio.NewNet(n.Tap, mac, t, log)
	if err != nil {
		t.Close()

		return err
	}
	defer dev.Close()

	b, err := vhostuser.Listen(n.Socket, dev, log)
	if err != nil {
		return err
	}
	defer os.Remove(n.Socket)

	stopServe := context.AfterFunc(ctx, func() { b.Close() })
	defer stopServe()

	log.WithFields(logrus.Fields{"socket": n.Socket, "tap": n.Tap}).Info("serving vhost-user-net")

	if err := b.Serve(); err != nil {
		return fmt.Errorf("vhost-user-net: %w", err)
	}

	return nil
}
