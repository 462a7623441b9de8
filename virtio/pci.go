package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/metrics"
	"github.com/bobuhiro11/govmm/migration"
	"github.com/bobuhiro11/govmm/pci"
	"github.com/sirupsen/logrus"
)

const (
	PCIVendorID     = 0x1af4
	PCIDeviceIDBase = 0x1040

	// BAR0 layout.
	BarSize          = 0x8000
	CommonCfgOffset  = 0x0000
	ISROffset        = 0x1000
	DeviceCfgOffset  = 0x2000
	NotifyOffset     = 0x3000
	MsixTableOffset  = 0x4000
	MsixPBAOffset    = 0x5000
	NotifyMultiplier = 4

	regionSize = 0x1000

	capCommonCfg = 1
	capNotifyCfg = 2
	capISRCfg    = 3
	capDeviceCfg = 4

	isrQueue  = 0x1
	isrConfig = 0x2

	pciStateVersion = 1
)

// Common configuration registers.
const (
	commonDFSelect   = 0x00
	commonDF         = 0x04
	commonGFSelect   = 0x08
	commonGF         = 0x0c
	commonMsix       = 0x10
	commonNumQ       = 0x12
	commonStatus     = 0x14
	commonGeneration = 0x15
	commonQSelect    = 0x16
	commonQSize      = 0x18
	commonQMsix      = 0x1a
	commonQEnable    = 0x1c
	commonQNotifyOff = 0x1e
	commonQDescLo    = 0x20
	commonQDescHi    = 0x24
	commonQAvailLo   = 0x28
	commonQAvailHi   = 0x2c
	commonQUsedLo    = 0x30
	commonQUsedHi    = 0x34
	commonQNotifyDat = 0x38
	commonQReset     = 0x3a
	commonSize       = 0x3c
)

// IRQFunc drives the legacy INTx line of a device.
type IRQFunc func(level bool) error

// PCIDevice exposes a Device to the guest over the modern virtio-pci
// transport. BAR0 holds every register block.
type PCIDevice struct {
	*pci.ConfigSpace

	dev     Device
	mem     *memory.Memory
	msix    *pci.MsixConfig
	msixReg int
	irq     IRQFunc
	log     logrus.FieldLogger
	metrics *metrics.Metrics
	onError func(*DeviceError)

	mu             sync.Mutex
	status         uint8
	dfSelect       uint32
	gfSelect       uint32
	driverFeatures uint64
	configVector   uint16
	queueSel       uint16
	queues         []*Queue
	isr            uint8
	generation     uint8
	active         bool
}

// NewPCIDevice wraps dev. irq may be nil when only MSI-X is used.
func NewPCIDevice(dev Device, mem *memory.Memory, msi pci.MSISignaler, irq IRQFunc,
	log logrus.FieldLogger, m *metrics.Metrics,
) (*PCIDevice, error) {
	p := &PCIDevice{
		ConfigSpace: pci.NewConfigSpace(pci.Header{
			VendorID:          PCIVendorID,
			DeviceID:          PCIDeviceIDBase + dev.Type(),
			Revision:          1,
			Class:             classOf(dev.Type()),
			Subclass:          pci.SubclassOther,
			SubsystemVendorID: PCIVendorID,
			SubsystemID:       PCIDeviceIDBase + dev.Type(),
			InterruptPin:      1,
		}, pci.ConfigSize),
		dev:          dev,
		mem:          mem,
		irq:          irq,
		log:          log.WithField("device", dev.Name()),
		metrics:      m,
		configVector: NoVector,
	}

	for i := 0; i < dev.NumQueues(); i++ {
		p.queues = append(p.queues, NewQueue(i, dev.MaxQueueSize(), mem))
	}

	p.msix = pci.NewMsixConfig(dev.NumQueues()+1, msi, p.log)

	if err := p.AddBar(0, BarSize, pci.BarMem64, true); err != nil {
		return nil, err
	}

	reg, err := p.msix.AddTo(p.ConfigSpace, 0, MsixTableOffset, MsixPBAOffset)
	if err != nil {
		return nil, err
	}

	p.msixReg = reg

	caps := []struct {
		typ    uint8
		offset uint32
		extra  []byte
	}{
		{capCommonCfg, CommonCfgOffset, nil},
		{capNotifyCfg, NotifyOffset, binary.LittleEndian.AppendUint32(nil, NotifyMultiplier)},
		{capISRCfg, ISROffset, nil},
		{capDeviceCfg, DeviceCfgOffset, nil},
	}

	for _, c := range caps {
		if _, err := p.AddCapability(pci.CapIDVendor, vendorCap(c.typ, c.offset, c.extra)); err != nil {
			return nil, err
		}
	}

	return p, nil
}

func classOf(typ uint16) uint8 {
	switch typ {
	case TypeNet:
		return pci.ClassNetwork
	case TypeBlock:
		return pci.ClassStorage
	}

	return pci.ClassOther
}

// vendorCap is the body of a virtio_pci_cap after the id and next bytes.
func vendorCap(typ uint8, offset uint32, extra []byte) []byte {
	body := []byte{uint8(16 + len(extra)), typ, 0, 0, 0, 0}
	body = binary.LittleEndian.AppendUint32(body, offset)
	body = binary.LittleEndian.AppendUint32(body, regionSize)

	return append(body, extra...)
}

func (p *PCIDevice) Name() string { return p.dev.Name() }

// Device returns the wrapped device.
func (p *PCIDevice) Device() Device { return p.dev }

// Queues returns the queues of the device.
func (p *PCIDevice) Queues() []*Queue { return p.queues }

// Msix returns the MSI-X block.
func (p *PCIDevice) Msix() *pci.MsixConfig { return p.msix }

// OnError installs the callback receiving device faults.
func (p *PCIDevice) OnError(f func(*DeviceError)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.onError = f
}

// Status returns device_status.
func (p *PCIDevice) Status() uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.status
}

// State returns the status machine state.
func (p *PCIDevice) State() State {
	return StateOf(p.Status())
}

// DriverFeatures returns the features written by the driver.
func (p *PCIDevice) DriverFeatures() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.driverFeatures
}

// WriteRegister forwards Message Control updates to the MSI-X block.
func (p *PCIDevice) WriteRegister(reg int, offset uint64, data []byte) *pci.BarReprogram {
	rp := p.ConfigSpace.WriteRegister(reg, offset, data)

	if reg == p.msixReg {
		p.msix.SetControl(uint16(p.ReadRegister(reg) >> 16))
	}

	return rp
}

func (p *PCIDevice) Read(base, offset uint64, data []byte) error {
	switch {
	case offset < CommonCfgOffset+regionSize:
		return p.readCommon(offset-CommonCfgOffset, data)
	case offset < ISROffset+regionSize:
		p.readISR(data)
	case offset < DeviceCfgOffset+regionSize:
		p.dev.ReadConfig(offset-DeviceCfgOffset, data)
	case offset < NotifyOffset+regionSize:
		clear(data)
	case offset < MsixTableOffset+regionSize:
		p.msix.ReadTable(offset-MsixTableOffset, data)
	case offset < MsixPBAOffset+regionSize:
		p.msix.ReadPBA(offset-MsixPBAOffset, data)
	default:
		clear(data)
	}

	return nil
}

func (p *PCIDevice) Write(base, offset uint64, data []byte) error {
	switch {
	case offset < CommonCfgOffset+regionSize:
		return p.writeCommon(offset-CommonCfgOffset, data)
	case offset < ISROffset+regionSize:
	case offset < DeviceCfgOffset+regionSize:
		p.dev.WriteConfig(offset-DeviceCfgOffset, data)
	case offset < NotifyOffset+regionSize:
		p.notify(int((offset - NotifyOffset) / NotifyMultiplier))
	case offset < MsixTableOffset+regionSize:
		p.msix.WriteTable(offset-MsixTableOffset, data)
	}

	return nil
}

func (p *PCIDevice) readISR(data []byte) {
	p.mu.Lock()
	v := p.isr
	p.isr = 0
	p.mu.Unlock()

	clear(data)

	if len(data) > 0 {
		data[0] = v
	}

	if v != 0 && p.irq != nil {
		if err := p.irq(false); err != nil {
			p.log.WithError(err).Warn("lower irq line")
		}
	}
}

func (p *PCIDevice) currentQueue() *Queue {
	if int(p.queueSel) >= len(p.queues) {
		return nil
	}

	return p.queues[p.queueSel]
}

func (p *PCIDevice) readCommon(offset uint64, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var v uint64

	q := p.currentQueue()

	switch offset {
	case commonDFSelect:
		v = uint64(p.dfSelect)
	case commonDF:
		if p.dfSelect < 2 {
			v = p.dev.Features() >> (32 * p.dfSelect) & 0xffffffff
		}
	case commonGFSelect:
		v = uint64(p.gfSelect)
	case commonGF:
		if p.gfSelect < 2 {
			v = p.driverFeatures >> (32 * p.gfSelect) & 0xffffffff
		}
	case commonMsix:
		v = uint64(p.configVector)
	case commonNumQ:
		v = uint64(len(p.queues))
	case commonStatus:
		v = uint64(p.status)
	case commonGeneration:
		v = uint64(p.generation)
	case commonQSelect:
		v = uint64(p.queueSel)
	case commonQNotifyOff:
		v = uint64(p.queueSel)
	case commonQSize, commonQMsix, commonQEnable,
		commonQDescLo, commonQDescHi, commonQAvailLo, commonQAvailHi, commonQUsedLo, commonQUsedHi:
		if q != nil {
			v = readQueueField(q, offset)
		}
	case commonQNotifyDat, commonQReset:
	default:
		clear(data)

		return nil
	}

	for i := range data {
		data[i] = byte(v >> (8 * i))
	}

	return nil
}

func readQueueField(q *Queue, offset uint64) uint64 {
	st := q.State()

	switch offset {
	case commonQSize:
		return uint64(st.Size)
	case commonQMsix:
		return uint64(st.Vector)
	case commonQEnable:
		if st.Ready {
			return 1
		}
	case commonQDescLo:
		return st.Desc & 0xffffffff
	case commonQDescHi:
		return st.Desc >> 32
	case commonQAvailLo:
		return st.Avail & 0xffffffff
	case commonQAvailHi:
		return st.Avail >> 32
	case commonQUsedLo:
		return st.Used & 0xffffffff
	case commonQUsedHi:
		return st.Used >> 32
	}

	return 0
}

func setLow(old, v uint64) uint64  { return old&^0xffffffff | v&0xffffffff }
func setHigh(old, v uint64) uint64 { return old&0xffffffff | v<<32 }

func (p *PCIDevice) writeCommon(offset uint64, data []byte) error {
	if len(data) == 0 || len(data) > 8 {
		return nil
	}

	var buf [8]byte

	copy(buf[:], data)
	v := binary.LittleEndian.Uint64(buf[:])

	if offset == commonStatus {
		p.writeStatus(uint8(v))

		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	switch offset {
	case commonDFSelect:
		p.dfSelect = uint32(v)
	case commonGFSelect:
		p.gfSelect = uint32(v)
	case commonGF:
		if p.status&(StatusFeaturesOK|StatusDriverOK) != 0 || p.gfSelect >= 2 {
			p.log.Debug("driver features write ignored")

			return nil
		}

		shift := 32 * p.gfSelect
		p.driverFeatures = p.driverFeatures&^(0xffffffff<<shift) | (v&0xffffffff)<<shift
	case commonMsix:
		p.configVector = p.checkVector(uint16(v))
	case commonQSelect:
		p.queueSel = uint16(v)
	default:
		return p.writeQueueField(offset, v)
	}

	return nil
}

func (p *PCIDevice) checkVector(v uint16) uint16 {
	if v != NoVector && int(v) >= p.msix.Vectors() {
		return NoVector
	}

	return v
}

func (p *PCIDevice) writeQueueField(offset, v uint64) error {
	q := p.currentQueue()
	if q == nil {
		return nil
	}

	if p.status&StatusDriverOK != 0 {
		p.log.WithField("queue", q.Index()).Debug("queue write after DRIVER_OK ignored")

		return nil
	}

	desc, avail, used := q.Addresses()

	switch offset {
	case commonQSize:
		if err := q.SetSize(uint16(v)); err != nil {
			p.log.WithError(err).Warn("queue size refused")
		}
	case commonQMsix:
		q.SetVector(p.checkVector(uint16(v)))
	case commonQEnable:
		q.SetReady(v&1 == 1)
	case commonQDescLo:
		q.setDesc(setLow(desc, v))
	case commonQDescHi:
		q.setDesc(setHigh(desc, v))
	case commonQAvailLo:
		q.setAvail(setLow(avail, v))
	case commonQAvailHi:
		q.setAvail(setHigh(avail, v))
	case commonQUsedLo:
		q.setUsed(setLow(used, v))
	case commonQUsedHi:
		q.setUsed(setHigh(used, v))
	}

	return nil
}

// writeStatus drives the status machine. Device callbacks run without
// p.mu held because an active device may call back into the transport.
func (p *PCIDevice) writeStatus(v uint8) {
	p.mu.Lock()

	if v == 0 {
		wasActive := p.resetLocked()
		p.mu.Unlock()

		if wasActive {
			p.dev.Reset()
		}

		if p.irq != nil {
			_ = p.irq(false)
		}

		return
	}

	old := p.status
	log := p.log.WithFields(logrus.Fields{"old": fmt.Sprintf("%#x", old), "new": fmt.Sprintf("%#x", v)})

	if old&(StatusFailed|StatusNeedsReset) != 0 {
		p.mu.Unlock()
		log.Warn("status write ignored until reset")

		return
	}

	if v&StatusFailed != 0 {
		p.status |= StatusFailed
		wasActive := p.active
		p.active = false
		p.mu.Unlock()
		log.Warn("driver marked device failed")

		if wasActive {
			p.dev.Reset()
		}

		return
	}

	if v&old != old {
		p.mu.Unlock()
		log.Warn("status bits cleared without reset")

		return
	}

	activate := false

	for _, bit := range []uint8{StatusAcknowledge, StatusDriver, StatusFeaturesOK, StatusDriverOK} {
		if v&bit == 0 || p.status&bit != 0 {
			continue
		}

		if !p.prerequisite(bit) {
			log.Warn("out of order status write ignored")

			break
		}

		if bit == StatusFeaturesOK {
			if err := p.checkFeatures(); err != nil {
				log.WithError(err).Warn("features rejected")

				break
			}
		}

		if bit == StatusDriverOK {
			activate = true

			break
		}

		p.status |= bit
	}

	if !activate {
		p.mu.Unlock()

		return
	}

	features := p.driverFeatures
	queues := p.queues

	var err error

	for _, q := range queues {
		if !q.Ready() {
			continue
		}

		if err = q.Validate(); err != nil {
			break
		}

		p.activateQueue(q, features)
	}

	if err == nil {
		p.status |= StatusDriverOK
		p.active = true
	}

	p.mu.Unlock()

	if err == nil {
		err = p.dev.Activate(features, queues, p)
	}

	if err != nil {
		p.Fail(err)

		return
	}

	log.Info("device activated")
}

func (p *PCIDevice) prerequisite(bit uint8) bool {
	switch bit {
	case StatusAcknowledge:
		return true
	case StatusDriver:
		return p.status&StatusAcknowledge != 0
	case StatusFeaturesOK:
		return p.status&StatusDriver != 0
	case StatusDriverOK:
		return p.status&StatusFeaturesOK != 0
	}

	return false
}

func (p *PCIDevice) checkFeatures() error {
	offered := p.dev.Features()

	if p.driverFeatures&^offered != 0 {
		return fmt.Errorf("%w: %#x not offered", ErrFeatures, p.driverFeatures&^offered)
	}

	if p.driverFeatures&FeatureVersion1 == 0 {
		return fmt.Errorf("%w: VERSION_1 not negotiated", ErrFeatures)
	}

	return nil
}

func (p *PCIDevice) activateQueue(q *Queue, features uint64) {
	q.Enable(features, func() error { return p.signalQueue(q) })
}

// resetLocked returns the transport to its power-on state and reports
// whether the device has to be reset too. A device that failed may still
// hold resources from its activation.
func (p *PCIDevice) resetLocked() bool {
	wasActive := p.active || p.status&(StatusNeedsReset|StatusFailed) != 0

	p.status = 0
	p.active = false
	p.dfSelect, p.gfSelect = 0, 0
	p.driverFeatures = 0
	p.configVector = NoVector
	p.queueSel = 0
	p.isr = 0

	for _, q := range p.queues {
		q.Reset()
	}

	return wasActive
}

// NotifyAddr is the guest address of the notify register of queue when
// BAR0 is at base.
func NotifyAddr(base uint64, queue int) uint64 {
	return base + NotifyOffset + uint64(queue)*NotifyMultiplier
}

// NotifyQueue delivers a driver notification that bypassed the register,
// as one signaled through an ioeventfd does.
func (p *PCIDevice) NotifyQueue(queue int) { p.notify(queue) }

func (p *PCIDevice) notify(queue int) {
	p.metrics.Notification(p.dev.Name())

	p.mu.Lock()
	active := p.active
	p.mu.Unlock()

	if !active || queue >= len(p.queues) {
		return
	}

	if err := p.dev.Notify(queue); err != nil {
		p.Fail(err)
	}
}

func (p *PCIDevice) signalQueue(q *Queue) error {
	if p.msix.Enabled() {
		v := q.Vector()
		if v == NoVector {
			return nil
		}

		return p.msix.Trigger(int(v))
	}

	return p.raiseINTx(isrQueue)
}

func (p *PCIDevice) raiseINTx(bit uint8) error {
	p.mu.Lock()
	p.isr |= bit
	p.mu.Unlock()

	if p.irq == nil {
		return nil
	}

	return p.irq(true)
}

// ConfigChanged bumps config_generation and raises the config interrupt.
func (p *PCIDevice) ConfigChanged() {
	p.mu.Lock()
	p.generation++
	vector := p.configVector
	p.mu.Unlock()

	var err error

	if p.msix.Enabled() {
		if vector != NoVector {
			err = p.msix.Trigger(int(vector))
		}
	} else {
		err = p.raiseINTx(isrConfig)
	}

	if err != nil {
		p.log.WithError(err).Warn("config interrupt failed")
	}
}

// Fail moves the device to NeedsReset and reports a DeviceError. The VM
// is not affected.
func (p *PCIDevice) Fail(err error) {
	derr := &DeviceError{Device: p.dev.Name(), Err: err}

	var already *DeviceError
	if errors.As(err, &already) {
		derr = already
	}

	p.mu.Lock()

	if p.status&(StatusNeedsReset|StatusFailed) != 0 {
		p.mu.Unlock()

		return
	}

	p.status |= StatusNeedsReset
	p.active = false
	onError := p.onError
	p.mu.Unlock()

	p.log.WithError(err).Error("device needs reset")
	p.metrics.DeviceError(p.dev.Name())
	p.ConfigChanged()

	if onError != nil {
		onError(derr)
	}
}

// Pause stops device processing if the device supports it.
func (p *PCIDevice) Pause() {
	if d, ok := p.dev.(Pausable); ok {
		d.Pause()
	}
}

// Resume restarts a paused device.
func (p *PCIDevice) Resume() {
	if d, ok := p.dev.(Pausable); ok {
		d.Resume()
	}
}

type pciState struct {
	Config         pci.ConfigState
	Msix           pci.MsixState
	Status         uint8
	DFSelect       uint32
	GFSelect       uint32
	DriverFeatures uint64
	ConfigVector   uint16
	QueueSel       uint16
	ISR            uint8
	Generation     uint8
	Queues         []QueueState
	Device         []byte
	DeviceVersion  uint32
}

func (p *PCIDevice) StateVersion() uint32 { return pciStateVersion }

func (p *PCIDevice) SaveState() ([]byte, error) {
	p.mu.Lock()
	s := pciState{
		Status:         p.status,
		DFSelect:       p.dfSelect,
		GFSelect:       p.gfSelect,
		DriverFeatures: p.driverFeatures,
		ConfigVector:   p.configVector,
		QueueSel:       p.queueSel,
		ISR:            p.isr,
		Generation:     p.generation,
	}
	p.mu.Unlock()

	s.Config = p.ConfigSpace.State()
	s.Msix = p.msix.State()

	for _, q := range p.queues {
		s.Queues = append(s.Queues, q.State())
	}

	if m, ok := p.dev.(migration.Migratable); ok {
		d, err := m.SaveState()
		if err != nil {
			return nil, err
		}

		s.Device = d
		s.DeviceVersion = m.StateVersion()
	}

	return migration.EncodeGob(s)
}

// RestoreState loads the transport and device state. A device that was
// active is activated again.
func (p *PCIDevice) RestoreState(version uint32, data []byte) error {
	if err := migration.CheckVersion(p.dev.Name(), pciStateVersion, version); err != nil {
		return err
	}

	var s pciState
	if err := migration.DecodeGob(data, &s); err != nil {
		return err
	}

	if len(s.Queues) != len(p.queues) {
		return fmt.Errorf("%w: %d queues, want %d", migration.ErrCorrupt, len(s.Queues), len(p.queues))
	}

	if err := p.ConfigSpace.SetState(s.Config); err != nil {
		return err
	}

	if err := p.msix.SetState(s.Msix); err != nil {
		return err
	}

	for i, q := range p.queues {
		if err := q.SetState(s.Queues[i]); err != nil {
			return err
		}
	}

	if m, ok := p.dev.(migration.Migratable); ok && s.Device != nil {
		if err := migration.Restore(migration.State{Tag: p.dev.Name(), Version: s.DeviceVersion, Data: s.Device}, m); err != nil {
			return err
		}
	}

	p.mu.Lock()
	p.status = s.Status
	p.dfSelect, p.gfSelect = s.DFSelect, s.GFSelect
	p.driverFeatures = s.DriverFeatures
	p.configVector = s.ConfigVector
	p.queueSel = s.QueueSel
	p.isr = s.ISR
	p.generation = s.Generation
	p.active = s.Status&StatusDriverOK != 0 && s.Status&(StatusNeedsReset|StatusFailed) == 0
	active := p.active

	if active {
		for _, q := range p.queues {
			if q.Ready() {
				p.activateQueue(q, s.DriverFeatures)
			}
		}
	}
	p.mu.Unlock()

	if active {
		if err := p.dev.Activate(s.DriverFeatures, p.queues, p); err != nil {
			p.Fail(err)
		}
	}

	return nil
}
