package hvtest

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bobuhiro11/govmm/hypervisor"
)

type pending struct {
	exit *hypervisor.Exit
	done chan struct{}
}

// Vcpu implements hypervisor.Vcpu. Run hands out exits queued with Push or
// Do and blocks when none are queued.
type Vcpu struct {
	id int
	vm *VM

	exits chan *pending
	kick  chan struct{}
	done  chan struct{}
	once  sync.Once

	// last is the exit handed out by the previous Run. It is completed when
	// Run is entered again.
	last *pending
	runs atomic.Int64

	mu    sync.Mutex
	regs  hypervisor.Regs
	sregs hypervisor.Sregs
	msrs  []hypervisor.MSREntry
	blobs map[string][]byte
}

func (c *Vcpu) ID() int { return c.id }

func (c *Vcpu) Run() (*hypervisor.Exit, error) {
	if c.last != nil {
		close(c.last.done)
		c.last = nil
	}

	c.runs.Add(1)

	select {
	case <-c.kick:
		return &hypervisor.Exit{Reason: hypervisor.ExitInterrupted}, nil
	default:
	}

	select {
	case p := <-c.exits:
		c.last = p

		return p.exit, nil
	case <-c.kick:
		return &hypervisor.Exit{Reason: hypervisor.ExitInterrupted}, nil
	case <-c.done:
		return nil, ErrClosed
	}
}

func (c *Vcpu) Kick() {
	select {
	case c.kick <- struct{}{}:
	default:
	}
}

// Runs returns how many times Run was entered.
func (c *Vcpu) Runs() int64 { return c.runs.Load() }

// Push queues an exit without waiting for it to be handled.
func (c *Vcpu) Push(e *hypervisor.Exit) {
	c.exits <- &pending{exit: e, done: make(chan struct{})}
}

// Do queues an exit and waits until the vcpu re-enters Run, i.e. until the
// VMM finished handling it. It reports false on timeout.
func (c *Vcpu) Do(e *hypervisor.Exit, timeout time.Duration) bool {
	p := &pending{exit: e, done: make(chan struct{})}

	select {
	case c.exits <- p:
	case <-time.After(timeout):
		return false
	}

	select {
	case <-p.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (c *Vcpu) Regs() (hypervisor.Regs, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.regs, nil
}

func (c *Vcpu) SetRegs(r hypervisor.Regs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.regs = r

	return nil
}

func (c *Vcpu) Sregs() (hypervisor.Sregs, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sregs, nil
}

func (c *Vcpu) SetSregs(s hypervisor.Sregs) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sregs = s

	return nil
}

func (c *Vcpu) SaveState() (*hypervisor.VcpuState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return &hypervisor.VcpuState{
		ID:    c.id,
		Regs:  c.regs,
		Sregs: c.sregs,
		MSRs:  append([]hypervisor.MSREntry(nil), c.msrs...),
		Blobs: cloneBlobs(c.blobs),
	}, nil
}

func (c *Vcpu) RestoreState(s *hypervisor.VcpuState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.regs = s.Regs
	c.sregs = s.Sregs
	c.msrs = append([]hypervisor.MSREntry(nil), s.MSRs...)
	c.blobs = cloneBlobs(s.Blobs)

	return nil
}

// SetMSRs replaces the model-specific registers.
func (c *Vcpu) SetMSRs(m []hypervisor.MSREntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msrs = append([]hypervisor.MSREntry(nil), m...)
}

func (c *Vcpu) Close() error {
	c.once.Do(func() { close(c.done) })

	return nil
}

// IOExit builds a port I/O exit. For reads, data is the buffer the VMM fills.
func IOExit(port uint16, write bool, data []byte) *hypervisor.Exit {
	return &hypervisor.Exit{
		Reason: hypervisor.ExitIO,
		Addr:   uint64(port),
		Write:  write,
		Size:   len(data),
		Count:  1,
		Data:   data,
	}
}

// MMIOExit builds an MMIO exit. For reads, data is the buffer the VMM fills.
func MMIOExit(gpa uint64, write bool, data []byte) *hypervisor.Exit {
	return &hypervisor.Exit{
		Reason: hypervisor.ExitMMIO,
		Addr:   gpa,
		Write:  write,
		Size:   len(data),
		Count:  1,
		Data:   data,
	}
}

// HypercallExit builds a hypercall exit.
func HypercallExit(nr uint64, args ...uint64) *hypervisor.Exit {
	hc := &hypervisor.Hypercall{Nr: nr}
	copy(hc.Args[:], args)

	return &hypervisor.Exit{Reason: hypervisor.ExitHypercall, Hypercall: hc}
}
