// Package vcpu runs virtual CPUs. Each Worker owns one hypervisor vcpu and
// runs it on a locked OS thread until it is stopped or fails.
package vcpu

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/bobuhiro11/govmm/device"
	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Hypercall numbers served by the VMM.
const (
	HypercallShutdown = 1
	HypercallReboot   = 2
	HypercallPing     = 3
)

// hypercallNoSys is -ENOSYS as seen by the guest.
const hypercallNoSys = ^uint64(unix.ENOSYS) + 1

var ErrUnhandledExit = errors.New("unhandled vcpu exit")

// EventKind classifies what a worker reports to the VM.
type EventKind int

const (
	// EventShutdown is a guest requested power off.
	EventShutdown EventKind = iota
	// EventReboot is a guest requested reset.
	EventReboot
	// EventFatal means the vcpu cannot continue; the VM has to go down.
	EventFatal
)

func (k EventKind) String() string {
	switch k {
	case EventShutdown:
		return "shutdown"
	case EventReboot:
		return "reboot"
	case EventFatal:
		return "fatal"
	}

	return fmt.Sprintf("EventKind(%d)", int(k))
}

// Event is sent by a worker to the orchestrator.
type Event struct {
	Vcpu int
	Kind EventKind
	Err  error
}

// State of a worker as seen from outside.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateHalted
	StateParked
	StateExited
)

func (s State) String() string {
	return [...]string{"created", "running", "halted", "parked", "exited"}[s]
}

// Config wires a worker to the rest of the VM.
type Config struct {
	Vcpu    hypervisor.Vcpu
	PIO     *device.Bus
	MMIO    *device.Bus
	Memory  *memory.Memory
	OnEvent func(Event)
	Log     logrus.FieldLogger
	Metrics *metrics.Metrics

	// Trace decodes the instruction at RIP on debug exits.
	Trace bool
}

// Worker drives one vcpu. The control methods (Pause, Resume, Stop, Wake)
// may be called from any goroutine.
type Worker struct {
	id      int
	vcpu    hypervisor.Vcpu
	pio     *device.Bus
	mmio    *device.Bus
	mem     *memory.Memory
	onEvent func(Event)
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	trace   bool

	mu       sync.Mutex
	cond     *sync.Cond
	changed  chan struct{}
	state    State
	pauseReq bool
	stopReq  bool
	wake     bool
	lastExit hypervisor.ExitReason
	done     chan struct{}
}

func New(c Config) *Worker {
	w := &Worker{
		id:      c.Vcpu.ID(),
		vcpu:    c.Vcpu,
		pio:     c.PIO,
		mmio:    c.MMIO,
		mem:     c.Memory,
		onEvent: c.OnEvent,
		log:     c.Log.WithField("vcpu", c.Vcpu.ID()),
		metrics: c.Metrics,
		trace:   c.Trace,
		changed: make(chan struct{}),
		done:    make(chan struct{}),
	}
	w.cond = sync.NewCond(&w.mu)

	return w
}

func (w *Worker) ID() int { return w.id }

// Vcpu returns the underlying vcpu. Its state may only be read or written
// while the worker is parked or not running.
func (w *Worker) Vcpu() hypervisor.Vcpu { return w.vcpu }

// Done is closed when Run returned.
func (w *Worker) Done() <-chan struct{} { return w.done }

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.state
}

// LastExit returns the reason of the most recent exit.
func (w *Worker) LastExit() hypervisor.ExitReason {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.lastExit
}

// setState must be called with w.mu held.
func (w *Worker) setState(s State) {
	w.state = s
	close(w.changed)
	w.changed = make(chan struct{})
}

// Run is the vcpu loop. It returns nil when stopped or when the guest
// powered off, and the fatal error otherwise. Both cases are also reported
// through OnEvent, except a plain Stop.
func (w *Worker) Run() error {
	// vcpu ioctls should be issued from the thread that created the vcpu.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	defer func() {
		w.mu.Lock()
		w.setState(StateExited)
		w.mu.Unlock()
		close(w.done)
	}()

	w.mu.Lock()
	w.setState(StateRunning)
	w.mu.Unlock()

	for {
		if !w.checkpoint() {
			return nil
		}

		cont, err := w.RunOnce()
		if err != nil {
			w.emit(Event{Vcpu: w.id, Kind: EventFatal, Err: err})

			return err
		}

		if !cont {
			return nil
		}
	}
}

// RunOnce enters the guest once and handles the exit. It reports whether
// the loop should go on.
func (w *Worker) RunOnce() (bool, error) {
	exit, err := w.vcpu.Run()
	if err != nil {
		return false, hypervisor.VcpuFatal(w.id, "run", err)
	}

	w.mu.Lock()
	w.lastExit = exit.Reason
	w.mu.Unlock()

	w.metrics.VcpuExit(w.id, exit.Reason.String())

	switch exit.Reason {
	case hypervisor.ExitIO:
		w.access(w.pio, exit)
	case hypervisor.ExitMMIO:
		w.access(w.mmio, exit)
	case hypervisor.ExitHalt:
		w.idle()
	case hypervisor.ExitInterrupted:
		// Pause or stop requests are picked up by the checkpoint.
	case hypervisor.ExitHypercall:
		return w.hypercall(exit.Hypercall), nil
	case hypervisor.ExitShutdown, hypervisor.ExitSystemEvent:
		w.log.WithField("exit", exit.Reason).Info("guest shut down")
		w.emit(Event{Vcpu: w.id, Kind: EventShutdown})

		return false, nil
	case hypervisor.ExitDebug:
		if w.trace {
			w.traceExit()
		}
	default:
		return false, hypervisor.VcpuFatal(w.id, "exit",
			fmt.Errorf("%w: %s (raw %#x)", ErrUnhandledExit, exit.Reason, exit.Raw))
	}

	return true, nil
}

// access dispatches an IO or MMIO exit, once per repetition.
func (w *Worker) access(bus *device.Bus, exit *hypervisor.Exit) {
	if bus == nil || exit.Size <= 0 {
		return
	}

	count := max(exit.Count, 1)

	for i := 0; i < count; i++ {
		off := i * exit.Size
		if off+exit.Size > len(exit.Data) {
			break
		}

		data := exit.Data[off : off+exit.Size]

		var err error
		if exit.Write {
			err = bus.Write(exit.Addr, data)
		} else {
			err = bus.Read(exit.Addr, data)
		}

		if err != nil && !errors.Is(err, device.ErrUnmapped) {
			w.log.WithError(err).WithField("addr", fmt.Sprintf("%#x", exit.Addr)).Debug("bus access failed")
		}
	}
}

func (w *Worker) hypercall(hc *hypervisor.Hypercall) bool {
	if hc == nil {
		return true
	}

	switch hc.Nr {
	case HypercallPing:
		hc.Ret = 0
	case HypercallShutdown:
		hc.Ret = 0
		w.emit(Event{Vcpu: w.id, Kind: EventShutdown})

		return false
	case HypercallReboot:
		hc.Ret = 0
		w.emit(Event{Vcpu: w.id, Kind: EventReboot})

		return false
	default:
		w.log.WithField("nr", hc.Nr).Debug("unknown hypercall")
		hc.Ret = hypercallNoSys
	}

	return true
}

func (w *Worker) emit(e Event) {
	if w.onEvent != nil {
		w.onEvent(e)
	}
}

// idle waits after HLT until an interrupt is injected or the worker is
// paused or stopped.
func (w *Worker) idle() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.setState(StateHalted)

	for !w.wake && !w.pauseReq && !w.stopReq {
		w.cond.Wait()
	}

	w.wake = false
	w.setState(StateRunning)
}

// checkpoint parks the worker while a pause is requested. It returns false
// once the worker has to stop.
func (w *Worker) checkpoint() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pauseReq && !w.stopReq {
		w.setState(StateParked)

		for w.pauseReq && !w.stopReq {
			w.cond.Wait()
		}

		w.setState(StateRunning)
	}

	return !w.stopReq
}

// Pause asks the worker to park. It does not wait; see WaitParked.
func (w *Worker) Pause() {
	w.mu.Lock()
	w.pauseReq = true
	w.cond.Broadcast()
	w.mu.Unlock()

	w.vcpu.Kick()
}

// WaitParked blocks until the worker is parked or has exited.
func (w *Worker) WaitParked(ctx context.Context) error {
	for {
		w.mu.Lock()
		s, ch := w.state, w.changed
		w.mu.Unlock()

		if s == StateParked || s == StateExited {
			return nil
		}

		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("vcpu%d not parked: %w", w.id, ctx.Err())
		}
	}
}

// Resume releases a parked worker.
func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pauseReq = false
	w.cond.Broadcast()
}

// Wake ends a HLT idle, as an injected interrupt would.
func (w *Worker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.wake = true
	w.cond.Broadcast()
}

// Stop makes Run return at the next checkpoint.
func (w *Worker) Stop() {
	w.mu.Lock()
	w.stopReq = true
	w.cond.Broadcast()
	w.mu.Unlock()

	w.vcpu.Kick()
}
