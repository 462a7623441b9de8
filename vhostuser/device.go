package vhostuser

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/virtio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// ReconnectPolicy bounds how a device recovers from a lost backend.
type ReconnectPolicy struct {
	Attempts       int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
}

// DefaultReconnectPolicy is used for zero fields of a policy.
var DefaultReconnectPolicy = ReconnectPolicy{
	Attempts:       5,
	InitialBackoff: 100 * time.Millisecond,
	MaxBackoff:     2 * time.Second,
	RequestTimeout: 5 * time.Second,
}

func (p ReconnectPolicy) withDefaults() ReconnectPolicy {
	if p.Attempts == 0 {
		p.Attempts = DefaultReconnectPolicy.Attempts
	}

	if p.InitialBackoff == 0 {
		p.InitialBackoff = DefaultReconnectPolicy.InitialBackoff
	}

	if p.MaxBackoff == 0 {
		p.MaxBackoff = DefaultReconnectPolicy.MaxBackoff
	}

	if p.RequestTimeout == 0 {
		p.RequestTimeout = DefaultReconnectPolicy.RequestTimeout
	}

	return p
}

// Backoff returns the delay before the given attempt, counting from 1.
func (p ReconnectPolicy) Backoff(attempt int) time.Duration {
	d := p.InitialBackoff

	for i := 1; i < attempt && d < p.MaxBackoff; i++ {
		d *= 2
	}

	return min(d, p.MaxBackoff)
}

// Config describes a vhost-user device.
type Config struct {
	Name      string
	Socket    string
	Type      uint16
	NumQueues int
	QueueSize uint16

	// DeviceConfig is served to the driver when the backend does not
	// support GET_CONFIG.
	DeviceConfig []byte

	Policy ReconnectPolicy
}

// Device is a virtio device whose queues are processed by a vhost-user
// backend. It plugs into virtio.PCIDevice like any local device.
type Device struct {
	cfg Config
	mem *memory.Memory
	log logrus.FieldLogger

	mu       sync.Mutex
	front    *Frontend
	features uint64
	acked    uint64
	queues   []*virtio.Queue
	host     virtio.Host
	kick     []int
	call     []int
	active   bool

	// dirtyLog is shared with the backend while migration tracks writes.
	dirtyLog *memory.SharedLog
	logFD    int

	stop   int
	wg     sync.WaitGroup
	closed chan struct{}
}

// New connects to the backend and reads the features it offers.
func New(ctx context.Context, cfg Config, mem *memory.Memory, log logrus.FieldLogger) (*Device, error) {
	cfg.Policy = cfg.Policy.withDefaults()

	if cfg.QueueSize == 0 {
		cfg.QueueSize = virtio.MaxQueueSize
	}

	d := &Device{
		cfg:    cfg,
		mem:    mem,
		log:    log.WithField("device", cfg.Name),
		stop:   -1,
		logFD:  -1,
		closed: make(chan struct{}),
	}

	front, features, err := d.connect(ctx)
	if err != nil {
		return nil, err
	}

	d.front = front
	d.features = features

	return d, nil
}

// connect dials the backend and runs the owner and feature handshake.
func (d *Device) connect(ctx context.Context) (*Frontend, uint64, error) {
	front, err := Dial(ctx, d.cfg.Socket, d.cfg.Policy.RequestTimeout, d.log)
	if err != nil {
		return nil, 0, err
	}

	features, err := handshake(front, d.cfg.NumQueues)
	if err != nil {
		front.Close()

		return nil, 0, err
	}

	return front, features, nil
}

func handshake(f *Frontend, queues int) (uint64, error) {
	if err := f.SetOwner(); err != nil {
		return 0, err
	}

	features, err := f.GetFeatures()
	if err != nil {
		return 0, err
	}

	if features&FeatureProtocolFeatures == 0 {
		return features, nil
	}

	protocol, err := f.GetProtocolFeatures()
	if err != nil {
		return 0, err
	}

	if err := f.SetProtocolFeatures(protocol & SupportedProtocolFeatures); err != nil {
		return 0, err
	}

	if protocol&ProtocolFeatureMQ != 0 {
		n, err := f.GetQueueNum()
		if err != nil {
			return 0, err
		}

		if int(n) < queues {
			return 0, fmt.Errorf("%w: backend has %d queues, need %d", ErrRequestFailed, n, queues)
		}
	}

	return features, nil
}

func (d *Device) Type() uint16 { return d.cfg.Type }

func (d *Device) Name() string { return d.cfg.Name }

// Features are the backend's offer without the vhost-user transport bit.
func (d *Device) Features() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.features &^ (FeatureProtocolFeatures | FeatureLogAll)
}

func (d *Device) NumQueues() int { return d.cfg.NumQueues }

func (d *Device) MaxQueueSize() uint16 { return d.cfg.QueueSize }

func (d *Device) ReadConfig(offset uint64, data []byte) {
	clear(data)

	d.mu.Lock()
	front := d.front
	d.mu.Unlock()

	if front != nil && front.ProtocolFeatures()&ProtocolFeatureConfig != 0 {
		b, err := front.GetConfig(uint32(offset), uint32(len(data)))
		if err == nil {
			copy(data, b)

			return
		}

		d.log.WithError(err).Warn("GET_CONFIG failed")
	}

	if offset < uint64(len(d.cfg.DeviceConfig)) {
		copy(data, d.cfg.DeviceConfig[offset:])
	}
}

func (d *Device) WriteConfig(offset uint64, data []byte) {
	d.mu.Lock()
	front := d.front
	d.mu.Unlock()

	if front == nil || front.ProtocolFeatures()&ProtocolFeatureConfig == 0 {
		return
	}

	if err := front.SetConfig(uint32(offset), data); err != nil {
		d.log.WithError(err).Warn("SET_CONFIG failed")
	}
}

// Activate shares guest memory and starts every ready queue in the
// backend. Interrupts requested by the backend are forwarded to the queues.
func (d *Device) Activate(features uint64, queues []*virtio.Queue, host virtio.Host) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.front == nil {
		return fmt.Errorf("%w: %s", ErrDisconnected, d.cfg.Name)
	}

	d.acked = features
	d.queues = queues
	d.host = host

	if err := d.createEventFDs(); err != nil {
		return err
	}

	if err := d.setup(d.front); err != nil {
		d.closeEventFDs()

		return err
	}

	d.active = true
	d.wg.Add(1)

	go d.forward(d.front)

	d.log.Info("vhost-user device activated")

	return nil
}

func (d *Device) createEventFDs() error {
	stop, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return err
	}

	d.stop = stop
	d.kick = make([]int, len(d.queues))
	d.call = make([]int, len(d.queues))

	for i := range d.queues {
		d.kick[i], d.call[i] = -1, -1
	}

	for i := range d.queues {
		if d.kick[i], err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
			d.closeEventFDs()

			return err
		}

		if d.call[i], err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
			d.closeEventFDs()

			return err
		}
	}

	return nil
}

func (d *Device) closeEventFDs() {
	for _, fds := range [][]int{d.kick, d.call} {
		for _, fd := range fds {
			if fd >= 0 {
				unix.Close(fd)
			}
		}
	}

	if d.stop >= 0 {
		unix.Close(d.stop)
	}

	d.kick, d.call, d.stop = nil, nil, -1
}

// memTable describes guest memory in terms of the VMM's own mappings.
func (d *Device) memTable() ([]MemoryRegion, []int) {
	var (
		regions []MemoryRegion
		fds     []int
	)

	for _, r := range d.mem.Regions() {
		regions = append(regions, MemoryRegion{
			GuestAddr: r.Base,
			Size:      r.Size,
			UserAddr:  uint64(r.HostAddr()),
		})
		fds = append(fds, r.FD())
	}

	return regions, fds
}

func (d *Device) userAddr(gpa uint64) (uint64, error) {
	r, off, err := d.mem.Find(gpa, 1)
	if err != nil {
		return 0, err
	}

	return uint64(r.HostAddr()) + off, nil
}

// wireFeatures is the SET_FEATURES word: what the driver acked plus the
// transport bits in use.
func (d *Device) wireFeatures() uint64 {
	features := d.acked
	if d.features&FeatureProtocolFeatures != 0 {
		features |= FeatureProtocolFeatures
	}

	if d.dirtyLog != nil {
		features |= FeatureLogAll
	}

	return features
}

// setup sends the negotiated features, the memory table and every ready
// ring. It is replayed as is after a reconnect, dirty log included.
func (d *Device) setup(f *Frontend) error {
	if d.dirtyLog != nil {
		if err := f.SetLogBase(d.logFD, d.dirtyLog.Size()); err != nil {
			return err
		}
	}

	if err := f.SetFeatures(d.wireFeatures()); err != nil {
		return err
	}

	regions, fds := d.memTable()
	if err := f.SetMemTable(regions, fds); err != nil {
		return err
	}

	for i, q := range d.queues {
		if !q.Ready() {
			continue
		}

		if err := d.startRing(f, uint32(i), q); err != nil {
			return fmt.Errorf("ring %d: %w", i, err)
		}
	}

	return nil
}

func (d *Device) startRing(f *Frontend, index uint32, q *virtio.Queue) error {
	desc, avail, used := q.Addresses()

	var (
		a   = VringAddr{Index: index}
		err error
	)

	if a.Desc, err = d.userAddr(desc); err != nil {
		return err
	}

	if a.Avail, err = d.userAddr(avail); err != nil {
		return err
	}

	if a.Used, err = d.userAddr(used); err != nil {
		return err
	}

	// The guest visible used index is where the backend resumes.
	base, err := q.UsedIndex()
	if err != nil {
		return err
	}

	if err := f.SetVringNum(index, uint32(q.Size())); err != nil {
		return err
	}

	if err := f.SetVringAddr(a); err != nil {
		return err
	}

	if err := f.SetVringBase(index, uint32(base)); err != nil {
		return err
	}

	if err := f.SetVringKick(index, d.kick[index]); err != nil {
		return err
	}

	if err := f.SetVringCall(index, d.call[index]); err != nil {
		return err
	}

	return f.SetVringEnable(index, true)
}

// stopRings asks the backend to stop every ready ring and records where
// it stopped.
func (d *Device) stopRings(f *Frontend) {
	for i, q := range d.queues {
		if !q.Ready() {
			continue
		}

		base, err := f.GetVringBase(uint32(i))
		if err != nil {
			d.log.WithError(err).WithField("queue", i).Warn("GET_VRING_BASE failed")

			continue
		}

		q.SetNextAvail(uint16(base))
	}
}

func (d *Device) Notify(queue int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active || queue < 0 || queue >= len(d.kick) {
		return nil
	}

	_, err := unix.Write(d.kick[queue], binary.LittleEndian.AppendUint64(nil, 1))
	if errors.Is(err, unix.EAGAIN) {
		// The counter is saturated; the backend has a wakeup pending.
		return nil
	}

	return err
}

// halt stops forwarding interrupts. d.mu must not be held.
func (d *Device) halt() {
	d.mu.Lock()
	stop := d.stop
	d.mu.Unlock()

	if stop >= 0 {
		unix.Write(stop, binary.LittleEndian.AppendUint64(nil, 1))
	}

	d.wg.Wait()
}

func (d *Device) Reset() {
	d.halt()

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active {
		return
	}

	if d.front != nil {
		d.stopRings(d.front)
	}

	d.closeEventFDs()
	d.active = false
	d.queues, d.host = nil, nil
}

// Pause stops the rings in the backend so guest memory and the queue
// cursors stay stable for a snapshot.
func (d *Device) Pause() {
	d.halt()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.active && d.front != nil {
		d.stopRings(d.front)
	}
}

func (d *Device) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.active || d.front == nil {
		return
	}

	// Drain a stop request left by Pause.
	buf := make([]byte, 8)
	unix.Read(d.stop, buf)

	for i, q := range d.queues {
		if !q.Ready() {
			continue
		}

		if err := d.startRing(d.front, uint32(i), q); err != nil {
			d.log.WithError(err).Warn("ring restart failed")
		}
	}

	d.wg.Add(1)

	go d.forward(d.front)
}

// StartDirtyLog shares a dirty log with the backend and has it mark every
// page it writes. The marks show up in the DirtyBitmap of the guest memory
// until StopDirtyLog.
func (d *Device) StartDirtyLog() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dirtyLog != nil {
		return nil
	}

	if d.front == nil {
		return fmt.Errorf("%w: %s", ErrDisconnected, d.cfg.Name)
	}

	if d.features&FeatureLogAll == 0 || d.front.ProtocolFeatures()&ProtocolFeatureLogShmfd == 0 {
		return fmt.Errorf("%w: %s", ErrNoDirtyLog, d.cfg.Name)
	}

	var end uint64
	for _, r := range d.mem.Regions() {
		end = max(end, r.End())
	}

	l, fd, err := memory.NewSharedLog(end)
	if err != nil {
		return err
	}

	d.dirtyLog, d.logFD = l, fd
	d.mem.AddLogSource(l)

	if d.active {
		err = d.front.SetLogBase(fd, l.Size())
		if err == nil {
			err = d.front.SetFeatures(d.wireFeatures())
		}
	}

	if err != nil {
		d.dropLog()

		return err
	}

	d.log.WithField("size", l.Size()).Debug("dirty logging started")

	return nil
}

// StopDirtyLog has the backend stop logging and drops the log.
func (d *Device) StopDirtyLog() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.dirtyLog == nil {
		return
	}

	d.dropLog()

	if d.active && d.front != nil {
		if err := d.front.SetFeatures(d.wireFeatures()); err != nil {
			d.log.WithError(err).Warn("clearing LOG_ALL failed")
		}
	}
}

func (d *Device) dropLog() {
	d.mem.RemoveLogSource(d.dirtyLog)
	d.dirtyLog.Close()
	unix.Close(d.logFD)
	d.dirtyLog, d.logFD = nil, -1
}

// Close resets the device and drops the connection.
func (d *Device) Close() error {
	select {
	case <-d.closed:
		return nil
	default:
		close(d.closed)
	}

	d.StopDirtyLog()
	d.Reset()

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.front == nil {
		return nil
	}

	err := d.front.Close()
	d.front = nil

	return err
}

// forward runs while the device is active. It turns call eventfds into
// queue interrupts and watches the socket for a backend that went away.
func (d *Device) forward(f *Frontend) {
	defer d.wg.Done()

	for {
		lost, err := d.poll(f)
		if err != nil {
			d.log.WithError(err).Error("interrupt forwarding stopped")

			return
		}

		if !lost {
			return
		}

		d.log.Warn("vhost-user backend disconnected")

		if f = d.reconnect(); f == nil {
			return
		}
	}
}

// poll returns true when the backend hung up and false when stopped.
func (d *Device) poll(f *Frontend) (bool, error) {
	sock, err := f.pollFD()
	if err != nil {
		return true, nil
	}
	defer unix.Close(sock)

	d.mu.Lock()
	stop, call, queues := d.stop, d.call, d.queues
	d.mu.Unlock()

	fds := []unix.PollFd{
		{Fd: int32(stop), Events: unix.POLLIN},
		{Fd: int32(sock), Events: unix.POLLRDHUP},
	}

	for _, fd := range call {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	buf := make([]byte, 8)

	for {
		for i := range fds {
			fds[i].Revents = 0
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return false, err
		}

		if fds[0].Revents != 0 {
			return false, nil
		}

		for i, p := range fds[2:] {
			if p.Revents&unix.POLLIN == 0 {
				continue
			}

			unix.Read(int(p.Fd), buf)

			if err := queues[i].Interrupt(); err != nil {
				d.log.WithError(err).WithField("queue", i).Warn("interrupt failed")
			}
		}

		if fds[1].Revents&(unix.POLLRDHUP|unix.POLLHUP|unix.POLLERR) != 0 {
			return true, nil
		}
	}
}

// reconnect dials the backend again with exponential backoff and replays
// the device setup. It reports a device error to the host when every
// attempt failed.
func (d *Device) reconnect() *Frontend {
	d.mu.Lock()
	old := d.front
	d.front = nil
	d.mu.Unlock()

	if old != nil {
		old.Close()
	}

	p := d.cfg.Policy

	var err error

	for attempt := 1; attempt <= p.Attempts; attempt++ {
		select {
		case <-time.After(p.Backoff(attempt)):
		case <-d.closed:
			return nil
		}

		d.mu.Lock()
		stop := d.stop
		d.mu.Unlock()

		if stopped(stop) {
			return nil
		}

		log := d.log.WithField("attempt", attempt)

		var (
			f        *Frontend
			features uint64
		)

		f, features, err = d.connect(context.Background())
		if err != nil {
			log.WithError(err).Debug("reconnect failed")

			continue
		}

		d.mu.Lock()
		d.features = features
		err = d.setup(f)

		if err == nil {
			d.front = f
		}
		d.mu.Unlock()

		if err != nil {
			f.Close()
			log.WithError(err).Debug("state replay failed")

			continue
		}

		log.Info("vhost-user backend reconnected")

		return f
	}

	d.mu.Lock()
	host := d.host
	d.mu.Unlock()

	derr := &virtio.DeviceError{
		Device: d.cfg.Name,
		Err:    fmt.Errorf("%w after %d attempts: %w", ErrDisconnected, p.Attempts, err),
	}

	if host != nil {
		host.Fail(derr)
	}

	return nil
}

// stopped reports whether a stop request is pending on the eventfd
// without consuming it.
func stopped(fd int) bool {
	if fd < 0 {
		return true
	}

	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	n, err := unix.Poll(fds, 0)

	return err == nil && n > 0
}
