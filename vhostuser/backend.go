package vhostuser

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/virtio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// Backend serves a virtio.Device to vhost-user frontends, one connection
// at a time. The device sees guest memory through the shared regions.
type Backend struct {
	dev virtio.Device
	ln  *net.UnixListener
	log logrus.FieldLogger

	mu      sync.Mutex
	current *session
	closed  bool
}

// Listen creates the socket at path.
func Listen(path string, dev virtio.Device, log logrus.FieldLogger) (*Backend, error) {
	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		return nil, err
	}

	return &Backend{
		dev: dev,
		ln:  ln,
		log: log.WithFields(logrus.Fields{"socket": path, "device": dev.Name()}),
	}, nil
}

// Serve accepts frontends until Close.
func (b *Backend) Serve() error {
	for {
		c, err := b.ln.AcceptUnix()
		if err != nil {
			b.mu.Lock()
			closed := b.closed
			b.mu.Unlock()

			if closed {
				return nil
			}

			return err
		}

		s := &session{
			b:     b,
			c:     &conn{c},
			log:   b.log,
			rings: make([]*vring, b.dev.NumQueues()),
			stop:  -1,
		}

		for i := range s.rings {
			s.rings[i] = &vring{kick: -1, call: -1}
		}

		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			c.Close()

			return nil
		}
		b.current = s
		b.mu.Unlock()

		b.log.Info("frontend connected")
		s.serve()
		b.log.Info("frontend disconnected")

		b.mu.Lock()
		b.current = nil
		b.mu.Unlock()
	}
}

// Drop closes the current connection, if any. The frontend sees the
// backend go away and may reconnect.
func (b *Backend) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.current != nil {
		b.current.c.Close()
	}
}

// Close stops accepting and drops the current connection.
func (b *Backend) Close() error {
	b.mu.Lock()
	b.closed = true
	if b.current != nil {
		b.current.c.Close()
	}
	b.mu.Unlock()

	return b.ln.Close()
}

type vring struct {
	num     uint32
	addr    *VringAddr
	base    uint16
	kick    int
	call    int
	enabled bool
	q       *virtio.Queue
}

func (r *vring) complete() bool {
	return r.num != 0 && r.addr != nil && r.kick >= 0 && r.call >= 0 && r.enabled
}

// session is the state of one frontend connection.
type session struct {
	b   *Backend
	c   *conn
	log logrus.FieldLogger

	owner    bool
	features uint64
	protocol uint64
	mem      *memory.Memory
	table    []MemoryRegion
	rings    []*vring
	active   bool

	// logAll is set while the frontend asks for writes to be logged into
	// dirtyLog. Replaced logs stay mapped until the session ends since
	// workers may still be marking them.
	logAll   bool
	dirtyLog *memory.SharedLog
	oldLogs  []*memory.SharedLog

	stop    int
	workers *errgroup.Group
}

func (s *session) serve() {
	defer s.cleanup()

	for {
		m, err := s.c.recv()
		if err != nil {
			if errors.Is(err, ErrProtocol) {
				s.log.WithError(err).Warn("dropping frontend")
			}

			return
		}

		reply, err := s.handle(m)
		m.closeFDs()

		var perr *ProtocolError
		if errors.As(err, &perr) {
			s.log.WithError(err).Warn("dropping frontend")

			return
		}

		if err != nil {
			s.log.WithError(err).WithField("request", m.Request).Warn("request failed")
		}

		if reply == nil && m.NeedsReply() && s.protocol&ProtocolFeatureReplyAck != 0 {
			status := uint64(0)
			if err != nil {
				status = 1
			}

			reply = encodeU64(status)
		}

		if reply == nil {
			continue
		}

		r := &Message{Header: Header{Request: m.Request, Flags: FlagVersion | FlagReply}, Payload: reply}
		if err := s.c.send(r); err != nil {
			return
		}
	}
}

func (s *session) cleanup() {
	s.stopRings()

	for _, r := range s.rings {
		closeFD(&r.kick)
		closeFD(&r.call)
	}

	if s.mem != nil {
		s.mem.Close()
	}

	for _, l := range append(s.oldLogs, s.dirtyLog) {
		if l != nil {
			l.Close()
		}
	}

	s.c.Close()
}

// applyLog points the writes of the device at the dirty log while the
// frontend wants them logged.
func (s *session) applyLog() {
	if s.mem == nil {
		return
	}

	if s.logAll && s.dirtyLog != nil {
		s.mem.LogTo(s.dirtyLog)
	} else {
		s.mem.LogTo(nil)
	}
}

func (s *session) setLogBase(m *Message) error {
	if s.protocol&ProtocolFeatureLogShmfd == 0 {
		return protocolErrorf(m.Request, "LOG_SHMFD not negotiated")
	}

	var lr LogRegion
	if err := decode(m.Request, m.Payload, &lr); err != nil {
		return err
	}

	fd, err := takeFD(m)
	if err != nil {
		return err
	}

	// The frontend waits for a reply, so a log that cannot be mapped
	// drops the connection.
	l, err := memory.MapSharedLog(fd, lr.Size, lr.Offset)
	if err != nil {
		return protocolErrorf(m.Request, "%v", err)
	}

	if s.dirtyLog != nil {
		s.oldLogs = append(s.oldLogs, s.dirtyLog)
	}

	s.dirtyLog = l
	s.applyLog()
	s.log.WithField("size", lr.Size).Debug("dirty log mapped")

	return nil
}

func closeFD(fd *int) {
	if *fd >= 0 {
		unix.Close(*fd)
		*fd = -1
	}
}

// takeFD moves the single descriptor of m out of the message.
func takeFD(m *Message) (int, error) {
	if len(m.FDs) != 1 {
		return -1, protocolErrorf(m.Request, "%d fds", len(m.FDs))
	}

	fd := m.FDs[0]
	m.FDs = nil

	return fd, nil
}

func (s *session) ring(r Request, index uint32) (*vring, error) {
	if int(index) >= len(s.rings) {
		return nil, protocolErrorf(r, "ring %d of %d", index, len(s.rings))
	}

	return s.rings[index], nil
}

// handle serves one request and returns the reply payload for requests
// that have one.
func (s *session) handle(m *Message) ([]byte, error) {
	if !s.owner && m.Request != SetOwner && m.Request != GetFeatures && m.Request != GetProtocolFeatures {
		return nil, protocolErrorf(m.Request, "no owner")
	}

	switch m.Request {
	case GetFeatures:
		return encodeU64(s.b.dev.Features() | FeatureProtocolFeatures | FeatureLogAll), nil
	case SetFeatures:
		v, err := decodeU64(m.Request, m.Payload)
		if err != nil {
			return nil, err
		}

		if v&^(s.b.dev.Features()|FeatureProtocolFeatures|FeatureLogAll) != 0 {
			return nil, fmt.Errorf("features %#x not offered", v)
		}

		s.features = v &^ (FeatureProtocolFeatures | FeatureLogAll)
		s.logAll = v&FeatureLogAll != 0
		s.applyLog()
	case SetOwner:
		if s.owner {
			return nil, protocolErrorf(m.Request, "already owned")
		}

		s.owner = true
	case ResetOwner:
		s.stopRings()
		s.owner = false
	case GetProtocolFeatures:
		return encodeU64(SupportedProtocolFeatures), nil
	case SetProtocolFeatures:
		v, err := decodeU64(m.Request, m.Payload)
		if err != nil {
			return nil, err
		}

		s.protocol = v & SupportedProtocolFeatures
	case GetQueueNum:
		return encodeU64(uint64(len(s.rings))), nil
	case SetMemTable:
		return nil, s.setMemTable(m)
	case SetLogBase:
		if err := s.setLogBase(m); err != nil {
			return nil, err
		}

		return []byte{}, nil
	case SetVringNum, SetVringBase, SetVringEnable:
		var st VringState
		if err := decode(m.Request, m.Payload, &st); err != nil {
			return nil, err
		}

		r, err := s.ring(m.Request, st.Index)
		if err != nil {
			return nil, err
		}

		return nil, s.setVringState(m.Request, r, st)
	case SetVringAddr:
		var a VringAddr
		if err := decode(m.Request, m.Payload, &a); err != nil {
			return nil, err
		}

		r, err := s.ring(m.Request, a.Index)
		if err != nil {
			return nil, err
		}

		if s.active {
			return nil, protocolErrorf(m.Request, "ring %d is running", a.Index)
		}

		r.addr = &a
	case GetVringBase:
		var st VringState
		if err := decode(m.Request, m.Payload, &st); err != nil {
			return nil, err
		}

		r, err := s.ring(m.Request, st.Index)
		if err != nil {
			return nil, err
		}

		s.stopRings()
		r.enabled = false

		return encode(VringState{Index: st.Index, Num: uint32(r.base)}), nil
	case SetVringKick, SetVringCall, SetVringErr:
		return nil, s.setVringFD(m)
	case GetConfig, SetConfig:
		c, err := decodeConfig(m.Request, m.Payload)
		if err != nil {
			return nil, err
		}

		if m.Request == SetConfig {
			s.b.dev.WriteConfig(uint64(c.Offset), c.Data)

			return nil, nil
		}

		s.b.dev.ReadConfig(uint64(c.Offset), c.Data)

		return encodeConfig(c), nil
	default:
		return nil, protocolErrorf(m.Request, "unsupported request")
	}

	return nil, nil
}

func (s *session) setMemTable(m *Message) error {
	regions, err := decodeMemTable(m.Payload, len(m.FDs))
	if err != nil {
		return err
	}

	if s.active {
		return protocolErrorf(m.Request, "memory table changed while rings run")
	}

	mem := memory.New(nil, 0, s.log)

	for i, r := range regions {
		fd := m.FDs[i]
		m.FDs[i] = -1

		if _, err := mem.Map(fmt.Sprintf("region%d", i), r.GuestAddr, r.Size, fd, r.MmapOffset); err != nil {
			for _, rest := range m.FDs[i+1:] {
				unix.Close(rest)
			}

			m.FDs = nil
			mem.Close()

			return err
		}
	}

	m.FDs = nil

	if s.mem != nil {
		s.mem.Close()
	}

	s.mem, s.table = mem, regions
	s.applyLog()

	return nil
}

func (s *session) setVringState(req Request, r *vring, st VringState) error {
	switch req {
	case SetVringNum:
		if s.active {
			return protocolErrorf(req, "ring %d is running", st.Index)
		}

		r.num = st.Num
	case SetVringBase:
		if s.active {
			return protocolErrorf(req, "ring %d is running", st.Index)
		}

		r.base = uint16(st.Num)
	case SetVringEnable:
		r.enabled = st.Num == 1

		if !r.enabled {
			s.stopRings()

			return nil
		}

		return s.maybeStart()
	}

	return nil
}

func (s *session) setVringFD(m *Message) error {
	v, err := decodeU64(m.Request, m.Payload)
	if err != nil {
		return err
	}

	r, err := s.ring(m.Request, uint32(v&vringIndexMask))
	if err != nil {
		return err
	}

	fd := -1

	if v&vringNoFD == 0 {
		if fd, err = takeFD(m); err != nil {
			return err
		}
	}

	switch m.Request {
	case SetVringKick:
		s.stopRings()
		closeFD(&r.kick)
		r.kick = fd
	case SetVringCall:
		closeFD(&r.call)
		r.call = fd
	default:
		// Error reporting is not used.
		closeFD(&fd)
	}

	return nil
}

// gpa translates a frontend virtual address through the memory table.
func (s *session) gpa(ua uint64) (uint64, error) {
	for _, r := range s.table {
		if ua >= r.UserAddr && ua-r.UserAddr < r.Size {
			return r.GuestAddr + ua - r.UserAddr, nil
		}
	}

	return 0, fmt.Errorf("address %#x outside shared memory", ua)
}

// maybeStart activates the device once every ring is fully set up.
func (s *session) maybeStart() error {
	if s.active || s.mem == nil {
		return nil
	}

	for _, r := range s.rings {
		if !r.complete() {
			return nil
		}
	}

	queues := make([]*virtio.Queue, len(s.rings))

	for i, r := range s.rings {
		q, err := s.queue(i, r)
		if err != nil {
			return err
		}

		queues[i] = q
	}

	for i, r := range s.rings {
		r.q = queues[i]
	}

	stop, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return err
	}

	if err := s.b.dev.Activate(s.features, queues, s); err != nil {
		unix.Close(stop)

		return err
	}

	s.stop = stop
	s.active = true
	s.workers = &errgroup.Group{}
	s.workers.Go(s.kickLoop)

	s.log.Info("rings started")

	return nil
}

func (s *session) queue(i int, r *vring) (*virtio.Queue, error) {
	q := virtio.NewQueue(i, s.b.dev.MaxQueueSize(), s.mem)

	if err := q.SetSize(uint16(r.num)); err != nil {
		return nil, err
	}

	desc, err := s.gpa(r.addr.Desc)
	if err != nil {
		return nil, err
	}

	avail, err := s.gpa(r.addr.Avail)
	if err != nil {
		return nil, err
	}

	used, err := s.gpa(r.addr.Used)
	if err != nil {
		return nil, err
	}

	q.SetAddresses(desc, avail, used)
	q.SetNextAvail(r.base)
	q.SetReady(true)

	if err := q.Validate(); err != nil {
		return nil, err
	}

	call := r.call
	q.Enable(s.features, func() error {
		_, err := unix.Write(call, binary.LittleEndian.AppendUint64(nil, 1))
		if errors.Is(err, unix.EAGAIN) {
			return nil
		}

		return err
	})

	return q, nil
}

// stopRings deactivates the device and records where every ring stopped.
func (s *session) stopRings() {
	if !s.active {
		return
	}

	unix.Write(s.stop, binary.LittleEndian.AppendUint64(nil, 1))

	if err := s.workers.Wait(); err != nil {
		s.log.WithError(err).Warn("kick worker failed")
	}

	closeFD(&s.stop)
	s.b.dev.Reset()

	for _, r := range s.rings {
		if r.q != nil {
			r.base = r.q.NextAvail()
			r.q = nil
		}
	}

	s.active = false
	s.log.Info("rings stopped")
}

// kickLoop turns kick eventfds into device notifications.
func (s *session) kickLoop() error {
	fds := []unix.PollFd{{Fd: int32(s.stop), Events: unix.POLLIN}}
	for _, r := range s.rings {
		fds = append(fds, unix.PollFd{Fd: int32(r.kick), Events: unix.POLLIN})
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

			return err
		}

		if fds[0].Revents != 0 {
			return nil
		}

		for i, p := range fds[1:] {
			if p.Revents&unix.POLLIN == 0 {
				continue
			}

			unix.Read(int(p.Fd), buf)

			if err := s.b.dev.Notify(i); err != nil {
				s.Fail(err)
			}
		}
	}
}

// Fail drops the connection; the frontend recovers by reconnecting.
func (s *session) Fail(err error) {
	s.log.WithError(err).Error("device failed")
	s.c.Close()
}

func (s *session) ConfigChanged() {}
