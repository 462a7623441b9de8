package vmm

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ControlService is the name the control methods are registered under.
const ControlService = "VM"

const migrateDialTimeout = 30 * time.Second

// Empty is the argument or reply of control calls that carry none.
type Empty struct{}

// Control exposes a VM over net/rpc. Methods follow the net/rpc calling
// convention and are not meant to be called directly.
type Control struct {
	vm  *VM
	ctx context.Context
	log logrus.FieldLogger
}

func (c *Control) Info(_ Empty, reply *Info) error {
	*reply = c.vm.Info()

	return nil
}

func (c *Control) Boot(_ Empty, _ *Empty) error { return c.vm.Boot(c.ctx) }

func (c *Control) Pause(_ Empty, _ *Empty) error { return c.vm.Pause() }

func (c *Control) Resume(_ Empty, _ *Empty) error { return c.vm.Resume() }

func (c *Control) Shutdown(_ Empty, _ *Empty) error { return c.vm.Shutdown() }

func (c *Control) AddDevice(cfg DeviceConfig, _ *Empty) error { return c.vm.AddDevice(c.ctx, cfg) }

func (c *Control) RemoveDevice(id string, _ *Empty) error { return c.vm.RemoveDevice(id) }

// Snapshot writes the state of the paused VM to a new file at path.
func (c *Control) Snapshot(path string, _ *Empty) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return err
	}

	defer func() {
		if cErr := f.Close(); err == nil {
			err = cErr
		}

		if err != nil {
			_ = os.Remove(path)
		}
	}()

	return c.vm.Snapshot(f)
}

func (c *Control) Restore(path string, _ *Empty) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	return c.vm.Restore(c.ctx, f)
}

// Migrate sends the VM to a destination listening on addr.
func (c *Control) Migrate(addr string, _ *Empty) error {
	d := net.Dialer{Timeout: migrateDialTimeout}

	conn, err := d.DialContext(c.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer conn.Close()

	return c.vm.MigrateTo(c.ctx, conn)
}

// CancelMigration aborts the migration in flight and waits for the rollback.
func (c *Control) CancelMigration(_ Empty, _ *Empty) error { return c.vm.CancelMigration() }

// ServeControl answers JSON-RPC requests for vm on ln until ctx is done.
// Every connection is closed before it returns.
func ServeControl(ctx context.Context, ln net.Listener, vm *VM, log logrus.FieldLogger) error {
	srv := rpc.NewServer()
	if err := srv.RegisterName(ControlService, &Control{vm: vm, ctx: ctx, log: log}); err != nil {
		return err
	}

	var (
		mu    sync.Mutex
		conns = map[net.Conn]struct{}{}
		wg    sync.WaitGroup
	)

	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	defer func() {
		mu.Lock()
		for c := range conns {
			c.Close()
		}
		mu.Unlock()

		wg.Wait()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			return err
		}

		log.WithField("remote", conn.RemoteAddr().String()).Debug("control connection")

		mu.Lock()
		conns[conn] = struct{}{}
		mu.Unlock()

		wg.Add(1)

		go func() {
			defer wg.Done()

			srv.ServeCodec(jsonrpc.NewServerCodec(conn))

			mu.Lock()
			delete(conns, conn)
			mu.Unlock()
		}()
	}
}

// Client talks to ServeControl.
type Client struct {
	c *rpc.Client
}

// DialControl connects to the control socket at path.
func DialControl(path string) (*Client, error) {
	conn, err := net.Dial("unix", path)
	if err != nil {
		return nil, err
	}

	return NewClient(conn), nil
}

// NewClient speaks the control protocol over conn.
func NewClient(conn net.Conn) *Client {
	return &Client{c: jsonrpc.NewClient(conn)}
}

func (c *Client) call(method string, args, reply any) error {
	if reply == nil {
		reply = &Empty{}
	}

	return c.c.Call(ControlService+"."+method, args, reply)
}

func (c *Client) Info() (Info, error) {
	var info Info
	err := c.call("Info", Empty{}, &info)

	return info, err
}

func (c *Client) Boot() error { return c.call("Boot", Empty{}, nil) }

func (c *Client) Pause() error { return c.call("Pause", Empty{}, nil) }

func (c *Client) Resume() error { return c.call("Resume", Empty{}, nil) }

func (c *Client) Shutdown() error { return c.call("Shutdown", Empty{}, nil) }

func (c *Client) AddDevice(cfg DeviceConfig) error { return c.call("AddDevice", cfg, nil) }

func (c *Client) RemoveDevice(id string) error { return c.call("RemoveDevice", id, nil) }

func (c *Client) Snapshot(path string) error { return c.call("Snapshot", path, nil) }

func (c *Client) Restore(path string) error { return c.call("Restore", path, nil) }

func (c *Client) Migrate(addr string) error { return c.call("Migrate", addr, nil) }

func (c *Client) CancelMigration() error { return c.call("CancelMigration", Empty{}, nil) }

func (c *Client) Close() error { return c.c.Close() }
