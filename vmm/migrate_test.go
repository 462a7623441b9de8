package vmm_test

import (
	"context"
	"encoding/binary"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/bobuhiro11/govmm/hypervisor/hvtest"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/migration"
	"github.com/bobuhiro11/govmm/vmm"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipe(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()

	a, b := net.Pipe()
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})

	return a, b
}

func TestLiveMigration(t *testing.T) {
	t.Parallel()

	src := newRig(t, netConfig(2, newFakeTap()))
	src.boot()
	activeNet(src)
	require.NoError(t, src.vm.Memory().Write(0x7000, pattern))

	dst := newRig(t, netConfig(2, newFakeTap()))

	a, b := pipe(t)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- dst.vm.Incoming(ctx, b) }()

	// Guest stores made before the copy starts travel with the full copy.
	require.NoError(t, src.hvm().GuestWrite(0x9000, []byte("late write")))

	require.NoError(t, src.vm.MigrateTo(ctx, a))
	require.NoError(t, <-errc)

	waitDone(t, src.vm)
	assert.NoError(t, src.vm.Wait())

	assert.Equal(t, vmm.StatePaused, dst.vm.State())

	got := make([]byte, len(pattern))
	require.NoError(t, dst.vm.Memory().Read(0x7000, got))
	assert.Equal(t, pattern, got)

	late := make([]byte, 10)
	require.NoError(t, dst.vm.Memory().Read(0x9000, late))
	assert.Equal(t, "late write", string(late))

	devs := dst.vm.Info().Devices
	require.Len(t, devs, 1)
	assert.Equal(t, "driver_ok", devs[0].Status)

	assert.Positive(t, src.counter("govmm_migration_bytes_total", "", ""))

	require.NoError(t, dst.vm.Resume())
	assert.Equal(t, vmm.StateRunning, dst.vm.State())
}

// cancelAfter plays a destination that cancels the source's context once
// the full memory copy arrived and then drains the connection.
func cancelAfter(conn net.Conn, cancel context.CancelFunc) <-chan []migration.MsgType {
	seen := make(chan []migration.MsgType, 1)

	go func() {
		var types []migration.MsgType

		r := migration.NewReceiver(conn)

		for {
			typ, _, err := r.Next()
			if err != nil {
				seen <- types

				return
			}

			types = append(types, typ)

			if typ == migration.MsgMemoryFull {
				cancel()
			}

			if typ == migration.MsgCancel {
				conn.Close()
			}
		}
	}()

	return seen
}

func TestMigrationCanceledMidTransfer(t *testing.T) {
	t.Parallel()

	src := newRig(t, netConfig(2, newFakeTap()))
	src.boot()
	activeNet(src)
	require.NoError(t, src.vm.Memory().Write(0x7000, pattern))

	a, b := pipe(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	seen := cancelAfter(b, cancel)

	err := src.vm.MigrateTo(ctx, a)
	require.Error(t, err)
	assert.ErrorIs(t, err, migration.ErrMigration)
	assert.ErrorIs(t, err, vmm.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)

	types := <-seen
	assert.Equal(t, migration.MsgHello, types[0])
	assert.Contains(t, types, migration.MsgCancel)
	assert.NotContains(t, types, migration.MsgDone)

	assert.Equal(t, vmm.StateRunning, src.vm.State())
	assert.False(t, src.vm.Memory().DirtyLogging())

	got := make([]byte, len(pattern))
	require.NoError(t, src.vm.Memory().Read(0x7000, got))
	assert.Equal(t, pattern, got)

	// Still schedulable: the vcpus answer exits.
	require.True(t, src.cpu(0).Do(hvtest.IOExit(0x80, true, []byte{1}), timeout))
	require.NoError(t, src.vm.Pause())
	require.NoError(t, src.vm.Resume())
}

// holdConn holds back the first dirty page batch the source writes until
// it is released or a deadline in the past is set on it, which is what a
// canceled migration does. The frame stream seen by the peer stays intact.
type holdConn struct {
	net.Conn
	reached  chan struct{}
	expired  chan struct{}
	released chan struct{}
	once     sync.Once
	expOnce  sync.Once
	relOnce  sync.Once
}

func hold(c net.Conn) *holdConn {
	return &holdConn{
		Conn:     c,
		reached:  make(chan struct{}),
		expired:  make(chan struct{}),
		released: make(chan struct{}),
	}
}

func (h *holdConn) Write(p []byte) (int, error) {
	if len(p) == 12 && migration.MsgType(binary.BigEndian.Uint32(p)) == migration.MsgMemoryDirty {
		h.once.Do(func() { close(h.reached) })

		select {
		case <-h.released:
		case <-h.expired:
			return 0, os.ErrDeadlineExceeded
		}
	}

	return h.Conn.Write(p)
}

// release lets the held batch and every later one through.
func (h *holdConn) release() {
	h.relOnce.Do(func() { close(h.released) })
}

func (h *holdConn) expire(t time.Time) {
	if !t.IsZero() && t.Before(time.Now()) {
		h.expOnce.Do(func() { close(h.expired) })
	}
}

func (h *holdConn) SetDeadline(t time.Time) error {
	h.expire(t)

	return h.Conn.SetDeadline(t)
}

func (h *holdConn) SetWriteDeadline(t time.Time) error {
	h.expire(t)

	return h.Conn.SetWriteDeadline(t)
}

func (h *holdConn) wait(t *testing.T) {
	t.Helper()

	select {
	case <-h.reached:
	case <-time.After(5 * time.Second):
		t.Fatal("no dirty round was sent")
	}
}

func TestMigrationCanceledDiscardsDestination(t *testing.T) {
	t.Parallel()

	src := newRig(t, netConfig(2, newFakeTap()))
	src.boot()
	activeNet(src)
	require.NoError(t, src.vm.Memory().Write(0x7000, pattern))

	dst := newRig(t, netConfig(2, newFakeTap()))

	a, b := pipe(t)
	conn := hold(a)

	errc := make(chan error, 1)
	go func() { errc <- dst.vm.Incoming(context.Background(), b) }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srcErr := make(chan error, 1)
	go func() { srcErr <- src.vm.MigrateTo(ctx, conn) }()

	conn.wait(t)

	// The destination holds the full copy and a machine of its own.
	require.Eventually(t, func() bool {
		mi := dst.vm.Info().Migration
		return mi != nil && mi.Phase == "memory"
	}, timeout, time.Millisecond)
	require.Len(t, dst.h.VMs(), 1)

	cancel()

	err := <-srcErr
	assert.ErrorIs(t, err, vmm.ErrCanceled)
	assert.ErrorIs(t, err, context.Canceled)

	derr := <-errc
	assert.ErrorIs(t, derr, migration.ErrMigration)
	assert.ErrorIs(t, derr, vmm.ErrCanceled)

	assert.Equal(t, vmm.StateCreated, dst.vm.State())
	assert.Nil(t, dst.vm.Memory())
	assert.Nil(t, dst.vm.Info().Migration)
	assert.True(t, dst.hvm().Closed(), "destination machine is torn down")

	assert.Equal(t, vmm.StateRunning, src.vm.State())
	assert.False(t, src.vm.Memory().DirtyLogging())
	assert.Nil(t, src.vm.Info().Migration)

	got := make([]byte, len(pattern))
	require.NoError(t, src.vm.Memory().Read(0x7000, got))
	assert.Equal(t, pattern, got)

	require.True(t, src.cpu(0).Do(hvtest.IOExit(0x80, true, []byte{1}), timeout))
}

func TestCancelMigration(t *testing.T) {
	t.Parallel()

	src := newRig(t, vmm.Config{Vcpus: 1, MemorySize: ramSize})
	src.boot()
	require.NoError(t, src.vm.Memory().Write(0x7000, pattern))

	assert.ErrorIs(t, src.vm.CancelMigration(), vmm.ErrNoMigration)

	a, b := pipe(t)
	conn := hold(a)
	seen := cancelAfter(b, func() {})

	srcErr := make(chan error, 1)
	go func() { srcErr <- src.vm.MigrateTo(context.Background(), conn) }()

	conn.wait(t)

	// The control surface keeps answering while the transfer is stuck.
	info := src.vm.Info()
	assert.Equal(t, "running", info.State)
	require.NotNil(t, info.Migration)
	assert.Equal(t, vmm.MigrationOutgoing, info.Migration.Direction)
	assert.Contains(t, []string{"dirty", "stop-and-copy"}, info.Migration.Phase)
	assert.GreaterOrEqual(t, info.Migration.Bytes, uint64(ramSize))

	err := src.vm.Pause()
	assert.ErrorIs(t, err, vmm.ErrStateConflict)
	assert.Contains(t, err.Error(), "migrating")
	assert.ErrorIs(t, src.vm.MigrateTo(context.Background(), conn), vmm.ErrStateConflict)

	require.NoError(t, src.vm.CancelMigration())

	err = <-srcErr
	assert.ErrorIs(t, err, migration.ErrMigration)
	assert.ErrorIs(t, err, vmm.ErrCanceled)

	assert.Contains(t, <-seen, migration.MsgCancel)
	assert.Equal(t, vmm.StateRunning, src.vm.State())
	assert.Nil(t, src.vm.Info().Migration)
	assert.False(t, src.vm.Memory().DirtyLogging())

	got := make([]byte, len(pattern))
	require.NoError(t, src.vm.Memory().Read(0x7000, got))
	assert.Equal(t, pattern, got)

	require.NoError(t, src.vm.Pause())
	require.NoError(t, src.vm.Resume())
}

func TestShutdownCancelsMigration(t *testing.T) {
	t.Parallel()

	src := newRig(t, vmm.Config{Vcpus: 1, MemorySize: ramSize})
	src.boot()

	a, b := pipe(t)
	conn := hold(a)
	cancelAfter(b, func() {})

	srcErr := make(chan error, 1)
	go func() { srcErr <- src.vm.MigrateTo(context.Background(), conn) }()

	conn.wait(t)

	require.NoError(t, src.vm.Shutdown())
	assert.ErrorIs(t, <-srcErr, vmm.ErrCanceled)
	assert.Equal(t, vmm.StateShutdown, src.vm.State())
}

func TestMigrationPeerCancels(t *testing.T) {
	t.Parallel()

	src := newRig(t, vmm.Config{Vcpus: 1, MemorySize: ramSize})
	src.boot()

	// Destination with a smaller memory rejects the hello.
	dst := newRig(t, vmm.Config{Vcpus: 1, MemorySize: ramSize / 2})

	a, b := pipe(t)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() { errc <- dst.vm.Incoming(ctx, b) }()

	err := src.vm.MigrateTo(ctx, a)
	assert.ErrorIs(t, err, vmm.ErrCanceled)
	assert.Equal(t, vmm.StateRunning, src.vm.State())

	derr := <-errc
	assert.ErrorIs(t, derr, migration.ErrMigration)
	assert.ErrorIs(t, derr, vmm.ErrConfiguration)
	assert.Equal(t, vmm.StateCreated, dst.vm.State())
	assert.Empty(t, dst.h.VMs())
}

// script plays a source that sends the given messages and reports what
// the destination answered.
func script(t *testing.T, conn net.Conn, send func(s *migration.Sender) error) <-chan migration.MsgType {
	t.Helper()

	reply := make(chan migration.MsgType, 1)

	go func() {
		defer close(reply)

		if err := send(migration.NewSender(conn)); err != nil {
			return
		}

		typ, _, err := migration.NewReceiver(conn).Next()
		if err == nil {
			reply <- typ
		}
	}()

	return reply
}

func hello(layout []memory.RegionInfo, vcpus int) *migration.Hello {
	return &migration.Hello{
		Session: uuid.New(),
		VM:      "source",
		Version: migration.FormatVersion,
		Vcpus:   vcpus,
		Layout:  layout,
	}
}

func TestIncomingRejectsBadStreams(t *testing.T) {
	t.Parallel()

	layout := []memory.RegionInfo{{Name: "ram", Base: 0, Size: ramSize}}

	tests := []struct {
		name string
		send func(s *migration.Sender) error
		want error
		vms  int
	}{
		{
			name: "version",
			send: func(s *migration.Sender) error {
				h := hello(layout, 1)
				h.Version++

				return s.SendHello(h)
			},
			want: migration.ErrVersionMismatch,
		},
		{
			name: "done before state",
			send: func(s *migration.Sender) error {
				if err := s.SendHello(hello(layout, 1)); err != nil {
					return err
				}

				return s.SendDone()
			},
			want: migration.ErrMigration,
			vms:  1,
		},
		{
			name: "page outside memory",
			send: func(s *migration.Sender) error {
				if err := s.SendHello(hello(layout, 1)); err != nil {
					return err
				}

				return s.SendMemoryFull([]migration.RegionData{{Base: ramSize, Size: memory.PageSize, Data: make([]byte, memory.PageSize)}})
			},
			want: migration.ErrMigration,
			vms:  1,
		},
		{
			name: "canceled by source",
			send: func(s *migration.Sender) error {
				if err := s.SendHello(hello(layout, 1)); err != nil {
					return err
				}

				return s.SendCancel("operator abort")
			},
			want: vmm.ErrCanceled,
			vms:  1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dst := newRig(t, vmm.Config{Vcpus: 1, MemorySize: ramSize})
			a, b := pipe(t)
			reply := script(t, a, tt.send)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			err := dst.vm.Incoming(ctx, b)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, vmm.StateCreated, dst.vm.State())
			require.Len(t, dst.h.VMs(), tt.vms)

			if tt.vms > 0 {
				assert.True(t, dst.hvm().Closed(), "destination is torn down")
			}

			if tt.want != vmm.ErrCanceled {
				assert.Equal(t, migration.MsgCancel, <-reply)
			}

			b.Close()
		})
	}
}

func TestMigrateRequiresRunning(t *testing.T) {
	t.Parallel()

	r := newRig(t, vmm.Config{Vcpus: 1, MemorySize: ramSize})
	a, _ := pipe(t)

	assert.ErrorIs(t, r.vm.MigrateTo(context.Background(), a), vmm.ErrStateConflict)

	r.boot()
	assert.ErrorIs(t, r.vm.Incoming(context.Background(), a), vmm.ErrStateConflict)
}
