package vmm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/bobuhiro11/govmm/allocator"
	"github.com/bobuhiro11/govmm/device"
	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/bobuhiro11/govmm/iodev"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/metrics"
	"github.com/bobuhiro11/govmm/migration"
	"github.com/bobuhiro11/govmm/pci"
	"github.com/bobuhiro11/govmm/serial"
	"github.com/bobuhiro11/govmm/tap"
	"github.com/bobuhiro11/govmm/vcpu"
	"github.com/bobuhiro11/govmm/vhostuser"
	"github.com/bobuhiro11/govmm/virtio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Legacy ports nobody emulates. Accesses are swallowed so that probing
// guests do not end up in the unmapped path.
var noopPorts = []struct {
	name string
	base uint64
	size uint64
}{
	{"ps2", 0x60, 0x10},
	{"cmos", 0x70, 2},
	{"dma-page", 0x81, 0x1f},
	{"com4", 0x2e8, 8},
	{"com2", 0x2f8, 8},
	{"vga-crtc", 0x3b4, 2},
	{"vga", 0x3c0, 0x1b},
	{"com3", 0x3e8, 8},
}

type event struct {
	vcpu     *vcpu.Event
	device   *virtio.DeviceError
	shutdown bool
	reboot   bool
}

type barMapping struct {
	index int
	r     allocator.Range
}

// pciDevice is a virtio device plugged into a PCI slot.
type pciDevice struct {
	cfg    DeviceConfig
	slot   int
	pci    *virtio.PCIDevice
	dev    virtio.Device
	idx    map[*device.Bus]device.Index
	bars   []barMapping
	closer io.Closer

	// notifier is nil when the hypervisor lacks ioeventfds.
	notifier *queueNotifier
}

func (d *pciDevice) tag() string { return "pci/" + d.cfg.ID }

func (d *pciDevice) innerTag() string { return "virtio/" + d.cfg.ID }

type platformDevice struct {
	tag string
	dev device.Device
}

// machine holds everything a booted VM owns.
type machine struct {
	cfg     Config
	log     logrus.FieldLogger
	metrics *metrics.Metrics

	vm       hypervisor.VM
	mem      *memory.Memory
	space    *allocator.AddressSpace
	pio      *device.Bus
	mmio     *device.Bus
	root     *pci.Root
	serial   *serial.Serial
	platform []platformDevice
	vcpus    []hypervisor.Vcpu
	workers  []*vcpu.Worker
	group    *errgroup.Group

	devMu     sync.RWMutex
	devices   []*pciDevice
	ioeventfd bool

	events   chan event
	stopReq  chan struct{}
	stopping chan struct{}
	stopOnce sync.Once
	haltOnce sync.Once
	reason   error
}

func newMachine(ctx context.Context, hv hypervisor.Hypervisor, cfg Config, log logrus.FieldLogger,
	m *metrics.Metrics,
) (mc *machine, err error) {
	mc = &machine{
		cfg:      cfg,
		log:      log,
		metrics:  m,
		space:    allocator.NewAddressSpace(PCIHoleBase, PCIHoleSize, 0, pioSize),
		pio:      device.NewBus("pio", log, m),
		mmio:     device.NewBus("mmio", log, m),
		events:   make(chan event, 16),
		stopReq:  make(chan struct{}),
		stopping: make(chan struct{}),

		ioeventfd: hv.Capabilities().IOEventFD,
	}

	defer func() {
		if err != nil {
			mc.close()
		}
	}()

	if mc.vm, err = hv.CreateVM(); err != nil {
		return nil, hypervisor.Fatal("create vm", err)
	}

	mc.mem = memory.New(mc.vm, hv.Capabilities().MaxMemorySlots, log)

	for _, r := range cfg.Memory {
		if _, err := mc.mem.Add(r.Name, r.Base, r.Size); err != nil {
			return mc, fmt.Errorf("memory %s: %w", r.Name, err)
		}
	}

	mc.root = pci.NewRoot(pci.RelocatorFunc(mc.relocate), log)

	if err := mc.addPlatform(); err != nil {
		return mc, err
	}

	for i := 0; i < cfg.Vcpus; i++ {
		c, err := mc.vm.CreateVcpu(i)
		if err != nil {
			return mc, hypervisor.VcpuFatal(i, "create vcpu", err)
		}

		mc.vcpus = append(mc.vcpus, c)
		mc.workers = append(mc.workers, vcpu.New(vcpu.Config{
			Vcpu:    c,
			PIO:     mc.pio,
			MMIO:    mc.mmio,
			Memory:  mc.mem,
			OnEvent: func(e vcpu.Event) { mc.post(event{vcpu: &e}) },
			Log:     log,
			Metrics: m,
			Trace:   cfg.Trace,
		}))
	}

	for _, d := range cfg.Devices {
		if err := mc.addDevice(ctx, d); err != nil {
			return mc, err
		}
	}

	return mc, nil
}

// mapFixed claims [base, base+size) and maps d there.
func (mc *machine) mapFixed(bus *device.Bus, kind allocator.Kind, d device.Device, base, size uint64) error {
	r, err := mc.space.AllocateAt(kind, base, size)
	if err != nil {
		return fmt.Errorf("%s at %#x: %w", device.Name(d), base, err)
	}

	return bus.Register(r, bus.Insert(d))
}

func (mc *machine) addPlatform() error {
	mc.serial = serial.New(mc.cfg.Console, mc.irqLine(serial.COM1IRQ), mc.log)
	mc.platform = append(mc.platform, platformDevice{tag: "serial", dev: mc.serial})

	shutdown := iodev.NewACPIShutDownDevice(
		func() { mc.post(event{shutdown: true}) },
		func() { mc.post(event{reboot: true}) },
		mc.log)

	fixed := []struct {
		d    device.Device
		base uint64
		size uint64
	}{
		{mc.serial, serial.COM1Addr, serial.Size},
		{shutdown, iodev.ACPIShutDownDevPort, iodev.ACPIShutDownDevSize},
		{iodev.NewPostCodeDevice(mc.log), iodev.PostCodePort, 1},
		{pci.NewConfigIO(mc.root), pci.ConfigIOPort, pci.ConfigIOSize},
	}

	for _, p := range noopPorts {
		fixed = append(fixed, struct {
			d    device.Device
			base uint64
			size uint64
		}{iodev.NewNoopDevice(p.name), p.base, p.size})
	}

	for _, f := range fixed {
		if err := mc.mapFixed(mc.pio, allocator.IOPort, f.d, f.base, f.size); err != nil {
			return err
		}
	}

	return mc.mapFixed(mc.mmio, allocator.MMIO, pci.NewConfigMMIO(mc.root), ECAMBase, pci.ECAMSize)
}

// post hands an event to the VM loop. It never blocks once the machine is
// being stopped.
func (mc *machine) post(e event) {
	select {
	case mc.events <- e:
	case <-mc.stopping:
	}
}

// requestStop asks the VM loop to tear the machine down.
func (mc *machine) requestStop(reason error) {
	mc.stopOnce.Do(func() {
		mc.reason = reason
		close(mc.stopReq)
	})
}

// wake ends the HLT idle of every vcpu after an interrupt was injected.
func (mc *machine) wake() {
	for _, w := range mc.workers {
		w.Wake()
	}
}

// SignalMSI implements pci.MSISignaler.
func (mc *machine) SignalMSI(msg hypervisor.MSIMessage) error {
	err := mc.vm.SignalMSI(msg)
	mc.wake()

	return err
}

func (mc *machine) irqLine(irq uint32) func(bool) error {
	return func(level bool) error {
		err := mc.vm.SetIRQLine(irq, level)
		if level {
			mc.wake()
		}

		return err
	}
}

// pciIRQ is the INTx line of a slot, swizzled over the PCI interrupt pins
// routed to GSI 16-19.
func pciIRQ(slot int) uint32 { return 16 + uint32(slot%4) }

func barSpace(k pci.BarKind) allocator.Kind {
	if k == pci.BarIO {
		return allocator.IOPort
	}

	return allocator.MMIO
}

func (mc *machine) busFor(k allocator.Kind) *device.Bus {
	if k == allocator.IOPort {
		return mc.pio
	}

	return mc.mmio
}

func (mc *machine) newVirtio(ctx context.Context, cfg DeviceConfig) (virtio.Device, io.Closer, error) {
	log := mc.log.WithField("device", cfg.ID)

	switch cfg.Type {
	case DeviceNet:
		backend := cfg.Backend

		if backend == nil {
			t, err := tap.New(cfg.Tap)
			if err != nil {
				return nil, nil, err
			}

			backend = t
		}

		mac, err := deviceMAC(cfg)
		if err != nil {
			backend.Close()

			return nil, nil, err
		}

		n, err := virtio.NewNet(cfg.ID, mac, backend, log)
		if err != nil {
			backend.Close()

			return nil, nil, err
		}

		return n, n, nil
	case DeviceBlock:
		disk, size, closer := cfg.Disk, cfg.Size, io.Closer(nil)

		if disk == nil {
			flags := os.O_RDWR
			if cfg.ReadOnly {
				flags = os.O_RDONLY
			}

			f, err := os.OpenFile(cfg.Path, flags, 0)
			if err != nil {
				return nil, nil, err
			}

			st, err := f.Stat()
			if err != nil {
				f.Close()

				return nil, nil, err
			}

			disk, closer = f, f

			if size == 0 {
				size = uint64(st.Size())
			}
		}

		return virtio.NewBlock(cfg.ID, disk, size, cfg.ReadOnly, log), closer, nil
	case DeviceVhostUserNet, DeviceVhostUserBlk:
		typ, queues := uint16(virtio.TypeNet), 2
		if cfg.Type == DeviceVhostUserBlk {
			typ, queues = virtio.TypeBlock, 1
		}

		if cfg.NumQueues > 0 {
			queues = cfg.NumQueues
		}

		d, err := vhostuser.New(ctx, vhostuser.Config{
			Name:      cfg.ID,
			Socket:    cfg.Socket,
			Type:      typ,
			NumQueues: queues,
			QueueSize: cfg.QueueSize,
			Policy:    mc.cfg.Reconnect,
		}, mc.mem, log)
		if err != nil {
			return nil, nil, err
		}

		return d, d, nil
	}

	return nil, nil, configErrorf("devices", "unsupported device type %q", cfg.Type)
}

// deviceMAC returns the configured MAC or a locally administered one
// derived from the device id.
func deviceMAC(cfg DeviceConfig) (net.HardwareAddr, error) {
	if cfg.MAC != "" {
		return net.ParseMAC(cfg.MAC)
	}

	var h uint32
	for _, c := range []byte(cfg.ID) {
		h = h*31 + uint32(c)
	}

	return net.HardwareAddr{0x52, 0x54, 0x00, byte(h >> 16), byte(h >> 8), byte(h)}, nil
}

func (mc *machine) device(id string) (*pciDevice, int) {
	for i, d := range mc.devices {
		if d.cfg.ID == id {
			return d, i
		}
	}

	return nil, -1
}

// addDevice creates the device, plugs it into a PCI slot and maps its
// BARs.
func (mc *machine) addDevice(ctx context.Context, cfg DeviceConfig) (err error) {
	if err := cfg.validate(); err != nil {
		return err
	}

	mc.devMu.Lock()
	defer mc.devMu.Unlock()

	if d, _ := mc.device(cfg.ID); d != nil {
		return configErrorf("devices", "duplicate device id %q", cfg.ID)
	}

	dev, closer, err := mc.newVirtio(ctx, cfg)
	if err != nil {
		return fmt.Errorf("device %s: %w", cfg.ID, err)
	}

	pd := &pciDevice{cfg: cfg, dev: dev, closer: closer, idx: map[*device.Bus]device.Index{}}

	defer func() {
		if err != nil {
			mc.unplug(pd)
		}
	}()

	var line uint32

	pd.pci, err = virtio.NewPCIDevice(dev, mc.mem, mc,
		func(level bool) error { return mc.irqLine(line)(level) }, mc.log, mc.metrics)
	if err != nil {
		return fmt.Errorf("device %s: %w", cfg.ID, err)
	}

	pd.pci.OnError(func(e *virtio.DeviceError) { mc.post(event{device: e}) })

	slot := cfg.Slot
	if slot == 0 {
		slot = -1
	}

	if pd.slot, err = mc.root.Add(pd.pci, slot); err != nil {
		return fmt.Errorf("device %s: %w", cfg.ID, err)
	}

	line = pciIRQ(pd.slot)

	for _, b := range pd.pci.Bars() {
		kind := barSpace(b.Kind)

		r, err := mc.space.AllocateBAR(kind, b.Size)
		if err != nil {
			return fmt.Errorf("device %s bar %d: %w", cfg.ID, b.Index, err)
		}

		pd.bars = append(pd.bars, barMapping{index: b.Index, r: r})

		if err := pd.pci.SetBarAddr(b.Index, r.Base); err != nil {
			return err
		}

		bus := mc.busFor(kind)

		idx, ok := pd.idx[bus]
		if !ok {
			idx = bus.Insert(pd.pci)
			pd.idx[bus] = idx
		}

		if err := bus.Register(r, idx); err != nil {
			return err
		}
	}

	mc.attachNotifier(pd)

	mc.devices = append(mc.devices, pd)
	mc.log.WithFields(logrus.Fields{"device": cfg.ID, "slot": pd.slot}).Info("device added")

	return nil
}

// attachNotifier backs the notify registers of pd with ioeventfds. Without
// them notifications still arrive as MMIO exits.
func (mc *machine) attachNotifier(pd *pciDevice) {
	if !mc.ioeventfd {
		return
	}

	for _, b := range pd.bars {
		if b.index != 0 {
			continue
		}

		n, err := newQueueNotifier(mc.vm, pd.pci, b.r.Base, mc.log.WithField("device", pd.cfg.ID))
		if err != nil {
			mc.log.WithError(err).WithField("device", pd.cfg.ID).Warn("queue ioeventfds unavailable")

			return
		}

		pd.notifier = n
	}
}

// unplug releases everything pd holds. Called with devMu held.
func (mc *machine) unplug(pd *pciDevice) error {
	var errs []error

	if pd.notifier != nil {
		pd.notifier.close()
		pd.notifier = nil
	}

	for bus, idx := range pd.idx {
		bus.Unregister(idx)
	}

	for _, b := range pd.bars {
		if err := mc.space.Free(b.r); err != nil {
			errs = append(errs, err)
		}
	}

	if pd.slot != 0 {
		if err := mc.root.Remove(pd.slot); err != nil {
			errs = append(errs, err)
		}
	}

	pd.dev.Reset()

	if pd.closer != nil {
		if err := pd.closer.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (mc *machine) removeDevice(id string) error {
	mc.devMu.Lock()
	defer mc.devMu.Unlock()

	pd, i := mc.device(id)
	if pd == nil {
		return fmt.Errorf("%w: %s", ErrNoDevice, id)
	}

	mc.devices = append(mc.devices[:i], mc.devices[i+1:]...)

	return mc.unplug(pd)
}

// relocate moves the bus mapping of a BAR the guest reprogrammed. It runs
// on the vcpu that wrote the configuration register.
func (mc *machine) relocate(slot int, _ pci.Device, rp pci.BarReprogram) error {
	mc.devMu.Lock()
	defer mc.devMu.Unlock()

	var pd *pciDevice

	for _, d := range mc.devices {
		if d.slot == slot {
			pd = d
		}
	}

	if pd == nil {
		return fmt.Errorf("%w: slot %d", ErrNoDevice, slot)
	}

	kind := barSpace(rp.Kind)
	bus := mc.busFor(kind)

	for i, b := range pd.bars {
		if b.index != rp.Index {
			continue
		}

		nr, err := mc.space.AllocateAt(kind, rp.New, rp.Size)
		if err != nil {
			return err
		}

		if err := bus.Move(b.r, nr); err != nil {
			_ = mc.space.Free(nr)

			return err
		}

		if err := mc.space.Free(b.r); err != nil {
			mc.log.WithError(err).Warn("freeing old bar range")
		}

		pd.bars[i].r = nr

		if rp.Index == 0 && pd.notifier != nil {
			if err := pd.notifier.move(nr.Base); err != nil {
				mc.log.WithError(err).WithField("device", pd.cfg.ID).Warn("moving queue ioeventfds")
			}
		}

		return nil
	}

	return fmt.Errorf("%w: bar %d of slot %d", ErrNoDevice, rp.Index, slot)
}

// syncBars moves bus mappings to where restored configuration space says
// the BARs live.
func (mc *machine) syncBars() error {
	type move struct {
		slot int
		rp   pci.BarReprogram
	}

	var moves []move

	mc.devMu.RLock()

	for _, d := range mc.devices {
		for _, b := range d.bars {
			cur, ok := d.pci.Bar(b.index)
			if !ok || cur.Addr == b.r.Base {
				continue
			}

			moves = append(moves, move{d.slot, pci.BarReprogram{
				Index: b.index,
				Old:   b.r.Base,
				New:   cur.Addr,
				Size:  cur.Size,
				Kind:  cur.Kind,
			}})
		}
	}

	mc.devMu.RUnlock()

	for _, mv := range moves {
		if err := mc.relocate(mv.slot, nil, mv.rp); err != nil {
			return fmt.Errorf("slot %d bar %d: %w", mv.slot, mv.rp.Index, err)
		}
	}

	return nil
}

// start spawns the vcpu workers. Paused workers park before entering the
// guest.
func (mc *machine) start(paused bool) {
	mc.group = new(errgroup.Group)

	for _, w := range mc.workers {
		if paused {
			w.Pause()
		}

		mc.group.Go(w.Run)
	}
}

func (mc *machine) pauseVcpus(ctx context.Context) error {
	for _, w := range mc.workers {
		w.Pause()
	}

	for _, w := range mc.workers {
		if err := w.WaitParked(ctx); err != nil {
			return err
		}
	}

	return nil
}

func (mc *machine) resumeVcpus() {
	for _, w := range mc.workers {
		w.Resume()
	}
}

// dirtyLogger is a device whose backend writes guest memory outside the
// VMM and can log those writes into the memory's dirty bitmap.
type dirtyLogger interface {
	StartDirtyLog() error
	StopDirtyLog()
}

func (mc *machine) startDeviceDirtyLog() error {
	mc.devMu.RLock()
	defer mc.devMu.RUnlock()

	for _, d := range mc.devices {
		if l, ok := d.dev.(dirtyLogger); ok {
			if err := l.StartDirtyLog(); err != nil {
				return fmt.Errorf("device %s: %w", d.cfg.ID, err)
			}
		}
	}

	return nil
}

func (mc *machine) stopDeviceDirtyLog() {
	mc.devMu.RLock()
	defer mc.devMu.RUnlock()

	for _, d := range mc.devices {
		if l, ok := d.dev.(dirtyLogger); ok {
			l.StopDirtyLog()
		}
	}
}

func (mc *machine) pauseDevices() {
	mc.devMu.RLock()
	defer mc.devMu.RUnlock()

	for _, d := range mc.devices {
		d.pci.Pause()
	}
}

func (mc *machine) resumeDevices() {
	mc.devMu.RLock()
	defer mc.devMu.RUnlock()

	for _, d := range mc.devices {
		d.pci.Resume()
	}
}

// stop ends the workers and waits for them.
func (mc *machine) stop() {
	mc.stopOnce.Do(func() { close(mc.stopReq) })
	mc.haltOnce.Do(func() { close(mc.stopping) })

	for _, w := range mc.workers {
		w.Stop()
	}

	if mc.group != nil {
		if err := mc.group.Wait(); err != nil {
			mc.log.WithError(err).Debug("vcpu exited with error")
		}
	}
}

// close releases every resource. Workers must not be running.
func (mc *machine) close() {
	mc.devMu.Lock()

	for _, d := range mc.devices {
		if err := mc.unplug(d); err != nil {
			mc.log.WithError(err).WithField("device", d.cfg.ID).Warn("closing device")
		}
	}

	mc.devices = nil
	mc.devMu.Unlock()

	for _, c := range mc.vcpus {
		c.Close()
	}

	if mc.mem != nil {
		if err := mc.mem.Close(); err != nil {
			mc.log.WithError(err).Warn("releasing guest memory")
		}
	}

	if mc.vm != nil {
		mc.vm.Close()
	}
}

// migratables lists the device state in restore order: platform devices,
// then PCI transports, then the virtio devices behind them.
func (mc *machine) migratables() []taggedState {
	var out []taggedState

	for _, p := range mc.platform {
		if m, ok := p.dev.(migration.Migratable); ok {
			out = append(out, taggedState{p.tag, m})
		}
	}

	mc.devMu.RLock()
	defer mc.devMu.RUnlock()

	for _, d := range mc.devices {
		out = append(out, taggedState{d.tag(), d.pci})
	}

	for _, d := range mc.devices {
		if m, ok := d.dev.(migration.Migratable); ok {
			out = append(out, taggedState{d.innerTag(), m})
		}
	}

	return out
}

type taggedState struct {
	tag string
	m   migration.Migratable
}
