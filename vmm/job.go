package vmm

import (
	"context"
	"sync"
	"time"
)

// Migration directions reported in MigrationInfo.
const (
	MigrationOutgoing = "outgoing"
	MigrationIncoming = "incoming"
)

// MigrationInfo is the progress of a migration in flight.
type MigrationInfo struct {
	Direction string
	Phase     string
	Round     int
	Bytes     uint64
	Started   time.Time
}

// migrationJob is a migration running outside v.mu. While it is set the VM
// refuses every request that would change the machine under it.
type migrationJob struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	prog MigrationInfo
}

func (j *migrationJob) info() MigrationInfo {
	j.mu.Lock()
	defer j.mu.Unlock()

	return j.prog
}

func (j *migrationJob) phase(p string) {
	j.mu.Lock()
	j.prog.Phase = p
	j.mu.Unlock()
}

func (j *migrationJob) round(n int) {
	j.mu.Lock()
	j.prog.Round = n
	j.mu.Unlock()
}

func (j *migrationJob) sent(n uint64) {
	j.mu.Lock()
	j.prog.Bytes += n
	j.mu.Unlock()
}

// startJob registers a migration. Called with v.mu held and no job set.
func (v *VM) startJob(ctx context.Context, dir string) (context.Context, *migrationJob) {
	ctx, cancel := context.WithCancel(ctx)
	j := &migrationJob{
		cancel: cancel,
		done:   make(chan struct{}),
		prog:   MigrationInfo{Direction: dir, Phase: "setup", Started: time.Now()},
	}
	v.job = j

	return ctx, j
}

// endJob unregisters j. Called with v.mu held.
func (v *VM) endJob(j *migrationJob) {
	j.cancel()

	if v.job == j {
		v.job = nil
	}

	close(j.done)
}

// awaitJobLocked cancels the migration in flight, if any, and waits for it
// to unwind. v.mu is released while waiting.
func (v *VM) awaitJobLocked() {
	for v.job != nil {
		j := v.job
		j.cancel()

		v.mu.Unlock()
		<-j.done
		v.mu.Lock()
	}
}

// CancelMigration aborts the migration in flight and returns once it has
// been rolled back: the source keeps running, the destination is back in
// StateCreated.
func (v *VM) CancelMigration() error {
	v.mu.Lock()

	j := v.job
	if j == nil {
		v.mu.Unlock()

		return ErrNoMigration
	}

	v.log.WithField("direction", j.info().Direction).Info("canceling migration")
	j.cancel()
	v.mu.Unlock()

	<-j.done

	return nil
}
