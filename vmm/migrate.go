package vmm

// Live migration.
//
// Source (MigrateTo):
//  1. Send hello and enable dirty page tracking.
//  2. Send all of guest memory while the guest runs.
//  3. Up to MigrationRounds rounds of dirty pages. Stop early once a round
//     dirtied less than MigrationThreshold of guest memory.
//  4. Pause vcpus and devices, send the final dirty pages.
//  5. Send the device, vcpu and VM state and then done.
//  6. Wait for ready and shut down.
//
// Any failure or cancellation sends cancel to the peer, disables dirty
// tracking and leaves the source running.
//
// Destination (Incoming):
//  1. Validate hello and build the machine.
//  2. Apply full and dirty memory, then the state snapshot.
//  3. On done reply ready and stay Paused.

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/migration"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	errUnexpectedMessage = errors.New("unexpected message")
	errDoneBeforeState   = errors.New("done received before state")
	errPeerCanceled      = fmt.Errorf("%w by peer", ErrCanceled)
)

// aLongTimeAgo is a deadline that unblocks pending conn I/O at once.
var aLongTimeAgo = time.Unix(1, 0)

// cancelTimeout bounds the best effort cancel message on the error path.
const cancelTimeout = time.Second

// MigrateTo live-migrates a running VM to the peer on conn. On success the
// source shuts down; on failure it keeps running. conn is not closed.
//
// The transfer runs outside the VM lock: Info keeps answering and
// CancelMigration aborts it, while requests that would change the machine
// fail with a state conflict until it is over.
func (v *VM) MigrateTo(ctx context.Context, conn net.Conn) error {
	v.mu.Lock()

	if v.state != StateRunning || v.job != nil {
		defer v.mu.Unlock()

		return v.conflict("migrate")
	}

	m := v.m
	ctx, j := v.startJob(ctx, MigrationOutgoing)
	v.mu.Unlock()

	err := v.migrateOut(ctx, conn, m, j)

	v.mu.Lock()
	v.endJob(j)
	v.mu.Unlock()

	return err
}

func (v *VM) migrateOut(ctx context.Context, conn net.Conn, m *machine, j *migrationJob) error {
	log := v.log.WithField("phase", "migrate-out")

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	peer := make(chan error, 1)
	readerDone := make(chan struct{})

	go func() {
		defer close(readerDone)

		err := awaitReady(migration.NewReceiver(conn))
		if err != nil {
			// A peer that bailed stops reading; unblock our writes.
			_ = conn.SetWriteDeadline(aLongTimeAgo)
		}

		peer <- err
	}()

	s := migration.NewSender(conn)
	paused := false

	err := v.precopy(ctx, m, s, peer, j, &paused, log)
	if err == nil {
		j.phase("await-ready")

		select {
		case err = <-peer:
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	if cErr := ctx.Err(); err != nil && cErr != nil {
		err = fmt.Errorf("%w: %w", ErrCanceled, cErr)
	}

	m.stopDeviceDirtyLog()

	if dErr := m.mem.StopDirtyLog(); dErr != nil {
		log.WithError(dErr).Warn("disabling dirty log")
	}

	if err != nil {
		stop()

		_ = conn.SetReadDeadline(aLongTimeAgo)
		<-readerDone

		select {
		case pErr := <-peer:
			if errors.Is(pErr, errPeerCanceled) {
				err = pErr
			}
		default:
		}

		j.phase("rollback")
		v.rollback(conn, s, m, paused, err, log)

		return migration.Fail("send", err)
	}

	log.Info("migration complete, stopping source")
	m.requestStop(nil)

	return nil
}

// awaitReady reads the one reply the destination sends.
func awaitReady(r *migration.Receiver) error {
	t, payload, err := r.Next()
	if err != nil {
		return err
	}

	switch t {
	case migration.MsgReady:
		return nil
	case migration.MsgCancel:
		return fmt.Errorf("%w: %s", errPeerCanceled, payload)
	default:
		return fmt.Errorf("%w: %s", errUnexpectedMessage, t)
	}
}

// rollback runs once the peer reader has finished.
func (v *VM) rollback(conn net.Conn, s *migration.Sender, m *machine, paused bool, cause error,
	log logrus.FieldLogger,
) {
	log.WithError(cause).Warn("migration failed, rolling back")

	if !errors.Is(cause, errPeerCanceled) {
		_ = conn.SetDeadline(time.Now().Add(cancelTimeout))
		if err := s.SendCancel(cause.Error()); err != nil {
			log.WithError(err).Debug("sending cancel")
		}
	}

	_ = conn.SetDeadline(time.Time{})

	if errors.Is(cause, ErrPauseTimeout) {
		m.requestStop(cause)

		return
	}

	if paused {
		v.resumeMachine(m)
	}
}

func (v *VM) precopy(ctx context.Context, m *machine, s *migration.Sender, peer <-chan error,
	j *migrationJob, paused *bool, log logrus.FieldLogger,
) error {
	session, err := uuid.NewV7()
	if err != nil {
		return err
	}

	if err := s.SendHello(&migration.Hello{
		Session: session,
		VM:      v.id.String(),
		Version: migration.FormatVersion,
		Vcpus:   len(m.vcpus),
		Layout:  m.mem.Layout(),
	}); err != nil {
		return err
	}

	// Tracking starts before the full copy so writes racing it show up
	// in the first round.
	if err := m.mem.StartDirtyLog(); err != nil {
		return err
	}

	if err := m.startDeviceDirtyLog(); err != nil {
		return err
	}

	j.phase("memory")

	var full []migration.RegionData

	for _, r := range m.mem.Regions() {
		full = append(full, migration.RegionData{Base: r.Base, Size: r.Size, Data: r.Bytes()})
	}

	if err := s.SendMemoryFull(full); err != nil {
		return err
	}

	v.metrics.MigrationSent(int(m.mem.Size()))
	j.sent(m.mem.Size())
	log.WithField("bytes", m.mem.Size()).Info("full memory sent")

	j.phase("dirty")

	total := float64(m.mem.Size() / memory.PageSize)

	for round := 1; round <= v.cfg.MigrationRounds; round++ {
		if err := check(ctx, peer); err != nil {
			return err
		}

		j.round(round)

		n, err := v.sendDirty(m, s, j)
		if err != nil {
			return err
		}

		log.WithFields(logrus.Fields{"round": round, "pages": n}).Info("dirty round sent")

		if float64(n) < total*v.cfg.MigrationThreshold {
			break
		}
	}

	if err := check(ctx, peer); err != nil {
		return err
	}

	j.phase("stop-and-copy")

	if err := v.pauseMachine(m); err != nil {
		return err
	}

	*paused = true

	n, err := v.sendDirty(m, s, j)
	if err != nil {
		return err
	}

	log.WithField("pages", n).Info("final dirty round sent")

	snap, err := v.capture(m, false)
	if err != nil {
		return err
	}

	if err := s.SendSnapshot(snap); err != nil {
		return err
	}

	return s.SendDone()
}

// check returns early failures: a canceled context or a peer that bailed.
func check(ctx context.Context, peer <-chan error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	select {
	case err := <-peer:
		if err == nil {
			return fmt.Errorf("%w: ready before done", errUnexpectedMessage)
		}

		return err
	default:
		return nil
	}
}

func (v *VM) sendDirty(m *machine, s *migration.Sender, j *migrationJob) (int, error) {
	var (
		batch []migration.DirtyRegion
		pages int
	)

	for _, r := range m.mem.Regions() {
		bitmap, err := m.mem.DirtyBitmap(r)
		if err != nil {
			return 0, err
		}

		d := migration.CollectDirty(r.Base, bitmap, r.Bytes())
		if n := d.Count(); n > 0 {
			batch = append(batch, d)
			pages += n
		}
	}

	v.metrics.DirtyRound(pages)

	if err := s.SendMemoryDirty(batch); err != nil {
		return 0, err
	}

	v.metrics.MigrationSent(pages * memory.PageSize)
	j.sent(uint64(pages) * memory.PageSize)

	return pages, nil
}

// Incoming receives a VM from a peer calling MigrateTo. The VM must be in
// StateCreated; on success it is Paused, on failure it stays Created and
// nothing of the partial machine survives. conn is not closed.
func (v *VM) Incoming(ctx context.Context, conn net.Conn) error {
	v.mu.Lock()

	if v.state != StateCreated || v.job != nil {
		defer v.mu.Unlock()

		return v.conflict("incoming")
	}

	v.setState(StateBooting)
	ctx, j := v.startJob(ctx, MigrationIncoming)
	v.mu.Unlock()

	m, err := v.migrateIn(ctx, conn, j)

	v.mu.Lock()
	defer v.mu.Unlock()

	v.endJob(j)

	if err != nil {
		v.setState(StateCreated)

		return err
	}

	v.run(m, true)
	v.setState(StatePaused)
	v.log.Info("incoming migration complete")

	return nil
}

// migrateIn returns the received machine, or closes it on failure.
func (v *VM) migrateIn(ctx context.Context, conn net.Conn, j *migrationJob) (*machine, error) {
	log := v.log.WithField("phase", "migrate-in")

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(aLongTimeAgo) })
	defer stop()

	s := migration.NewSender(conn)

	m, err := v.receive(ctx, migration.NewReceiver(conn), j, log)
	if err == nil {
		err = s.SendReady()
	}

	if cErr := ctx.Err(); err != nil && cErr != nil {
		err = fmt.Errorf("%w: %w", ErrCanceled, cErr)
	}

	if err == nil {
		return m, nil
	}

	stop()

	if m != nil {
		m.close()
	}

	if !errors.Is(err, errPeerCanceled) {
		_ = conn.SetDeadline(time.Now().Add(cancelTimeout))
		_ = s.SendCancel(err.Error())
	}

	return nil, migration.Fail("receive", err)
}

func (v *VM) receive(ctx context.Context, r *migration.Receiver, j *migrationJob,
	log logrus.FieldLogger,
) (*machine, error) {
	t, payload, err := r.Next()
	if err != nil {
		return nil, err
	}

	switch t {
	case migration.MsgHello:
	case migration.MsgCancel:
		return nil, fmt.Errorf("%w: %s", errPeerCanceled, payload)
	default:
		return nil, fmt.Errorf("%w: %s before hello", errUnexpectedMessage, t)
	}

	h, err := migration.DecodeHello(payload)
	if err != nil {
		return nil, err
	}

	if h.Version != migration.FormatVersion {
		return nil, fmt.Errorf("%w: peer speaks %d, we speak %d",
			migration.ErrVersionMismatch, h.Version, migration.FormatVersion)
	}

	if err := v.compatible(h.Vcpus, h.Layout); err != nil {
		return nil, err
	}

	log = log.WithFields(logrus.Fields{"session": h.Session, "source": h.VM})
	log.Info("incoming migration")

	m, err := newMachine(ctx, v.hv, v.cfg, v.log, v.metrics)
	if err != nil {
		return nil, err
	}

	applied := false
	rounds := 0

	for {
		t, payload, err := r.Next()
		if err != nil {
			return m, err
		}

		j.sent(uint64(len(payload)))

		switch t {
		case migration.MsgMemoryFull:
			j.phase("memory")

			regions, err := migration.DecodeFull(payload)
			if err != nil {
				return m, err
			}

			for _, rd := range regions {
				dst, err := regionAt(m, rd.Base, rd.Size)
				if err != nil {
					return m, err
				}

				copy(dst, rd.Data)
			}
		case migration.MsgMemoryDirty:
			rounds++
			j.phase("dirty")
			j.round(rounds)

			regions, err := migration.DecodeDirty(payload)
			if err != nil {
				return m, err
			}

			for _, d := range regions {
				reg, off, err := m.mem.Find(d.Base, memory.PageSize)
				if err == nil && off != 0 {
					err = fmt.Errorf("%w: %#x is not a region base", migration.ErrCorrupt, d.Base)
				}

				if err != nil {
					return m, err
				}

				if err := d.Apply(reg.Bytes()); err != nil {
					return m, err
				}
			}
		case migration.MsgSnapshot:
			j.phase("state")

			snap, err := migration.DecodeSnapshot(payload)
			if err != nil {
				return m, err
			}

			if err := v.apply(m, snap); err != nil {
				return m, err
			}

			applied = true
		case migration.MsgDone:
			if !applied {
				return m, errDoneBeforeState
			}

			return m, nil
		case migration.MsgCancel:
			return m, fmt.Errorf("%w: %s", errPeerCanceled, payload)
		default:
			return m, fmt.Errorf("%w: %s", errUnexpectedMessage, t)
		}
	}
}
