// Package vmm is the VM orchestrator. A VM is built from a Config, booted,
// paused, snapshotted, migrated and shut down through the methods of VM.
package vmm

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/metrics"
	"github.com/bobuhiro11/govmm/vcpu"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// State is the lifecycle state of a VM.
type State int

const (
	StateCreated State = iota
	StateBooting
	StateRunning
	StatePaused
	StateShuttingDown
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateBooting:
		return "booting"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	case StateShuttingDown:
		return "shutting-down"
	case StateShutdown:
		return "shutdown"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// VM is one virtual machine. All methods are safe for concurrent use.
type VM struct {
	id      uuid.UUID
	created time.Time
	cfg     Config
	hv      hypervisor.Hypervisor
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	mu     sync.Mutex
	state  State
	m      *machine
	reason error
	done   chan struct{}
	job    *migrationJob

	errMu   sync.Mutex
	devErrs []string
}

// New validates cfg and returns a VM in StateCreated. m may be nil.
func New(hv hypervisor.Hypervisor, cfg Config, log logrus.FieldLogger, m *metrics.Metrics) (*VM, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()

	if caps := hv.Capabilities(); caps.MaxVcpus > 0 && cfg.Vcpus > caps.MaxVcpus {
		return nil, configErrorf("vcpus", "%d vcpus requested, hypervisor supports %d", cfg.Vcpus, caps.MaxVcpus)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}

	return &VM{
		id:      id,
		created: time.Now(),
		cfg:     cfg,
		hv:      hv,
		log:     log.WithFields(logrus.Fields{"vm": cfg.Name, "id": id.String()}),
		metrics: m,
		done:    make(chan struct{}),
	}, nil
}

func (v *VM) ID() uuid.UUID { return v.id }

func (v *VM) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.state
}

// Done is closed once the VM reached StateShutdown.
func (v *VM) Done() <-chan struct{} { return v.done }

// Wait blocks until the VM is shut down and returns why, nil for an
// orderly shutdown.
func (v *VM) Wait() error {
	<-v.done

	v.mu.Lock()
	defer v.mu.Unlock()

	return v.reason
}

func (v *VM) setState(s State) {
	v.log.WithFields(logrus.Fields{"from": v.state, "to": s}).Debug("state change")
	v.state = s
}

func (v *VM) conflict(op string) error {
	return &StateError{Op: op, State: v.state, Migrating: v.job != nil}
}

// Boot builds the machine, runs the boot loader and starts the vcpus. A
// failed boot leaves the VM in StateCreated.
func (v *VM) Boot(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StateCreated {
		return v.conflict("boot")
	}

	v.setState(StateBooting)

	m, err := newMachine(ctx, v.hv, v.cfg, v.log, v.metrics)
	if err != nil {
		v.setState(StateCreated)

		return err
	}

	if v.cfg.Boot != nil {
		if err := v.cfg.Boot.Load(m.mem, m.vcpus); err != nil {
			m.close()
			v.setState(StateCreated)

			return fmt.Errorf("boot loader: %w", err)
		}
	}

	v.run(m, false)
	v.setState(StateRunning)
	v.log.WithField("vcpus", v.cfg.Vcpus).Info("vm running")

	return nil
}

// run starts the workers and the event loop of m. Called with v.mu held.
func (v *VM) run(m *machine, paused bool) {
	v.m = m
	m.start(paused)

	go v.loop(m)
}

func (v *VM) loop(m *machine) {
	for {
		select {
		case e := <-m.events:
			if stop, reason := v.handle(e); stop {
				v.teardown(m, reason)

				return
			}
		case <-m.stopReq:
			v.teardown(m, m.reason)

			return
		}
	}
}

// handle reports whether e ends the VM.
func (v *VM) handle(e event) (bool, error) {
	switch {
	case e.vcpu != nil:
		switch e.vcpu.Kind {
		case vcpu.EventShutdown:
			v.log.WithField("vcpu", e.vcpu.Vcpu).Info("guest requested shutdown")

			return true, nil
		case vcpu.EventReboot:
			// Reboot is handled as power off; restarting is up to the
			// management layer.
			v.log.WithField("vcpu", e.vcpu.Vcpu).Info("guest requested reboot")

			return true, nil
		case vcpu.EventFatal:
			v.log.WithError(e.vcpu.Err).WithField("vcpu", e.vcpu.Vcpu).Error("vcpu failed")

			return true, e.vcpu.Err
		}
	case e.device != nil:
		v.log.WithError(e.device).Warn("device error")

		v.errMu.Lock()
		v.devErrs = append(v.devErrs, e.device.Error())
		v.errMu.Unlock()
	case e.shutdown:
		v.log.Info("ACPI shutdown")

		return true, nil
	case e.reboot:
		v.log.Info("ACPI reboot")

		return true, nil
	}

	return false, nil
}

func (v *VM) teardown(m *machine, reason error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.awaitJobLocked()

	v.setState(StateShuttingDown)
	m.stop()
	m.close()

	v.m = nil
	v.reason = reason
	v.setState(StateShutdown)
	close(v.done)

	if reason != nil {
		v.log.WithError(reason).Error("vm stopped")
	} else {
		v.log.Info("vm stopped")
	}
}

// Shutdown stops the vcpus, releases every resource and waits for it. A
// migration in flight is canceled first.
func (v *VM) Shutdown() error {
	v.mu.Lock()
	v.awaitJobLocked()

	switch v.state {
	case StateCreated:
		v.setState(StateShutdown)
		close(v.done)
		v.mu.Unlock()

		return nil
	case StateBooting:
		defer v.mu.Unlock()

		return v.conflict("shutdown")
	case StateShutdown:
		v.mu.Unlock()

		return nil
	}

	m := v.m
	v.mu.Unlock()

	if m != nil {
		m.requestStop(nil)
	}

	<-v.done

	return nil
}

// Pause parks every vcpu and quiesces the devices. If the vcpus do not park
// within the pause timeout the VM is shut down.
func (v *VM) Pause() error {
	v.mu.Lock()

	if v.state != StateRunning || v.job != nil {
		defer v.mu.Unlock()

		return v.conflict("pause")
	}

	m := v.m

	if err := v.pauseMachine(m); err != nil {
		v.mu.Unlock()
		m.requestStop(err)

		return err
	}

	v.setState(StatePaused)
	v.mu.Unlock()

	return nil
}

func (v *VM) pauseMachine(m *machine) error {
	ctx, cancel := context.WithTimeout(context.Background(), v.cfg.PauseTimeout)
	defer cancel()

	if err := m.pauseVcpus(ctx); err != nil {
		return hypervisor.Fatal("pause", fmt.Errorf("%w: %v", ErrPauseTimeout, err))
	}

	m.pauseDevices()

	return nil
}

// Resume releases the vcpus of a paused VM.
func (v *VM) Resume() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.state != StatePaused {
		return v.conflict("resume")
	}

	v.resumeMachine(v.m)
	v.setState(StateRunning)

	return nil
}

func (v *VM) resumeMachine(m *machine) {
	m.resumeDevices()
	m.resumeVcpus()
}

// AddDevice hot-plugs a device into a running or paused VM.
func (v *VM) AddDevice(ctx context.Context, cfg DeviceConfig) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if (v.state != StateRunning && v.state != StatePaused) || v.job != nil {
		return v.conflict("add device")
	}

	if err := v.m.addDevice(ctx, cfg); err != nil {
		return err
	}

	v.cfg.Devices = append(v.cfg.Devices, cfg)

	return nil
}

// RemoveDevice unplugs the device with the given id.
func (v *VM) RemoveDevice(id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if (v.state != StateRunning && v.state != StatePaused) || v.job != nil {
		return v.conflict("remove device")
	}

	if err := v.m.removeDevice(id); err != nil {
		return err
	}

	for i, d := range v.cfg.Devices {
		if d.ID == id {
			v.cfg.Devices = append(v.cfg.Devices[:i], v.cfg.Devices[i+1:]...)

			break
		}
	}

	v.log.WithField("device", id).Info("device removed")

	return nil
}

// Input feeds console input to the serial port.
func (v *VM) Input(b []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.m == nil {
		return v.conflict("input")
	}

	v.m.serial.Input(b)

	return nil
}

// Memory returns the guest memory of a booted VM, nil otherwise.
func (v *VM) Memory() *memory.Memory {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.m == nil {
		return nil
	}

	return v.m.mem
}

// Vcpus returns the vcpus of a booted VM. Their registers may only be
// accessed while the VM is paused.
func (v *VM) Vcpus() []hypervisor.Vcpu {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.m == nil {
		return nil
	}

	return append([]hypervisor.Vcpu(nil), v.m.vcpus...)
}

// DeviceInfo describes a plugged device.
type DeviceInfo struct {
	ID     string
	Type   DeviceType
	Slot   int
	Status string
}

// Info is a point in time view of a VM.
type Info struct {
	ID           string
	Name         string
	State        string
	Vcpus        int
	Memory       []memory.RegionInfo
	Devices      []DeviceInfo
	DeviceErrors []string
	Error        string
	Migration    *MigrationInfo
}

func (v *VM) Info() Info {
	v.mu.Lock()
	defer v.mu.Unlock()

	info := Info{
		ID:    v.id.String(),
		Name:  v.cfg.Name,
		State: v.state.String(),
		Vcpus: v.cfg.Vcpus,
	}

	v.errMu.Lock()
	info.DeviceErrors = append([]string(nil), v.devErrs...)
	v.errMu.Unlock()

	if v.reason != nil {
		info.Error = v.reason.Error()
	}

	if v.job != nil {
		mi := v.job.info()
		info.Migration = &mi
	}

	if v.m == nil {
		return info
	}

	info.Memory = v.m.mem.Layout()

	v.m.devMu.RLock()
	defer v.m.devMu.RUnlock()

	for _, d := range v.m.devices {
		info.Devices = append(info.Devices, DeviceInfo{
			ID:     d.cfg.ID,
			Type:   d.cfg.Type,
			Slot:   d.slot,
			Status: d.pci.State().String(),
		})
	}

	return info
}
