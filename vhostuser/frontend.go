package vhostuser

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Frontend is the VMM end of a vhost-user connection. One request is in
// flight at a time and every request is bounded by the request timeout.
type Frontend struct {
	path    string
	timeout time.Duration
	log     logrus.FieldLogger

	mu       sync.Mutex
	c        *conn
	protocol uint64
}

// Dial connects to the backend listening on path.
func Dial(ctx context.Context, path string, timeout time.Duration, log logrus.FieldLogger) (*Frontend, error) {
	var d net.Dialer

	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrDisconnected, path, err)
	}

	return &Frontend{
		path:    path,
		timeout: timeout,
		log:     log.WithField("socket", path),
		c:       &conn{c.(*net.UnixConn)},
	}, nil
}

// Close closes the connection.
func (f *Frontend) Close() error {
	return f.c.Close()
}

// ProtocolFeatures returns the negotiated protocol features.
func (f *Frontend) ProtocolFeatures() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.protocol
}

// pollFD returns a duplicate of the socket descriptor for hangup polling.
// The caller closes it.
func (f *Frontend) pollFD() (int, error) {
	raw, err := f.c.SyscallConn()
	if err != nil {
		return -1, err
	}

	dup := -1

	var derr error

	if err := raw.Control(func(fd uintptr) {
		dup, derr = unix.Dup(int(fd))
	}); err != nil {
		return -1, err
	}

	return dup, derr
}

// call sends a request. When reply is true the backend answers with a
// payload; otherwise an acknowledgement is requested if REPLY_ACK was
// negotiated.
func (f *Frontend) call(req Request, payload []byte, fds []int, reply bool) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	ack := !reply && f.protocol&ProtocolFeatureReplyAck != 0

	m := &Message{Header: Header{Request: req, Flags: FlagVersion}, Payload: payload, FDs: fds}
	if ack {
		m.Flags |= FlagNeedReply
	}

	if f.timeout > 0 {
		if err := f.c.SetDeadline(time.Now().Add(f.timeout)); err != nil {
			return nil, err
		}

		defer f.c.SetDeadline(time.Time{})
	}

	if err := f.c.send(m); err != nil {
		return nil, fmt.Errorf("%w: send %s: %w", ErrDisconnected, req, err)
	}

	if !reply && !ack {
		return nil, nil
	}

	r, err := f.c.recv()
	if err != nil {
		var perr *ProtocolError
		if errors.As(err, &perr) {
			return nil, err
		}

		return nil, fmt.Errorf("%w: reply to %s: %w", ErrDisconnected, req, err)
	}

	r.closeFDs()

	if r.Request != req || !r.IsReply() {
		return nil, protocolErrorf(req, "unexpected reply %s flags %#x", r.Request, r.Flags)
	}

	if ack {
		status, err := decodeU64(req, r.Payload)
		if err != nil {
			return nil, err
		}

		if status != 0 {
			return nil, fmt.Errorf("%w: %s status %d", ErrRequestFailed, req, status)
		}
	}

	return r.Payload, nil
}

func (f *Frontend) getU64(req Request) (uint64, error) {
	b, err := f.call(req, nil, nil, true)
	if err != nil {
		return 0, err
	}

	return decodeU64(req, b)
}

func (f *Frontend) SetOwner() error {
	_, err := f.call(SetOwner, nil, nil, false)

	return err
}

func (f *Frontend) GetFeatures() (uint64, error) {
	return f.getU64(GetFeatures)
}

func (f *Frontend) SetFeatures(features uint64) error {
	_, err := f.call(SetFeatures, encodeU64(features), nil, false)

	return err
}

func (f *Frontend) GetProtocolFeatures() (uint64, error) {
	return f.getU64(GetProtocolFeatures)
}

// SetProtocolFeatures enables features and, from then on, uses REPLY_ACK
// when it is among them.
func (f *Frontend) SetProtocolFeatures(features uint64) error {
	if _, err := f.call(SetProtocolFeatures, encodeU64(features), nil, false); err != nil {
		return err
	}

	f.mu.Lock()
	f.protocol = features
	f.mu.Unlock()

	return nil
}

// SetLogBase hands the backend a dirty log of size bytes in the memfd fd.
// The backend acknowledges with an empty reply once it has mapped it.
func (f *Frontend) SetLogBase(fd int, size uint64) error {
	if f.ProtocolFeatures()&ProtocolFeatureLogShmfd == 0 {
		return fmt.Errorf("%w: %s without LOG_SHMFD", ErrProtocol, SetLogBase)
	}

	b, err := f.call(SetLogBase, encode(LogRegion{Size: size}), []int{fd}, true)
	if err != nil {
		return err
	}

	if len(b) != 0 {
		return protocolErrorf(SetLogBase, "reply of %d bytes", len(b))
	}

	return nil
}

func (f *Frontend) GetQueueNum() (uint64, error) {
	return f.getU64(GetQueueNum)
}

// SetMemTable shares guest memory. fds[i] backs regions[i].
func (f *Frontend) SetMemTable(regions []MemoryRegion, fds []int) error {
	if len(regions) != len(fds) || len(regions) > maxRegions {
		return fmt.Errorf("%w: %d regions with %d fds", ErrProtocol, len(regions), len(fds))
	}

	_, err := f.call(SetMemTable, encodeMemTable(regions), fds, false)

	return err
}

func (f *Frontend) SetVringNum(index, num uint32) error {
	_, err := f.call(SetVringNum, encode(VringState{Index: index, Num: num}), nil, false)

	return err
}

func (f *Frontend) SetVringAddr(a VringAddr) error {
	_, err := f.call(SetVringAddr, encode(a), nil, false)

	return err
}

func (f *Frontend) SetVringBase(index, base uint32) error {
	_, err := f.call(SetVringBase, encode(VringState{Index: index, Num: base}), nil, false)

	return err
}

// GetVringBase stops the ring and returns the next available index the
// backend would have processed.
func (f *Frontend) GetVringBase(index uint32) (uint32, error) {
	b, err := f.call(GetVringBase, encode(VringState{Index: index}), nil, true)
	if err != nil {
		return 0, err
	}

	var s VringState
	if err := decode(GetVringBase, b, &s); err != nil {
		return 0, err
	}

	if s.Index != index {
		return 0, protocolErrorf(GetVringBase, "reply for ring %d, want %d", s.Index, index)
	}

	return s.Num, nil
}

func (f *Frontend) setVringFD(req Request, index uint32, fd int) error {
	v := uint64(index & vringIndexMask)

	var fds []int
	if fd < 0 {
		v |= vringNoFD
	} else {
		fds = []int{fd}
	}

	_, err := f.call(req, encodeU64(v), fds, false)

	return err
}

// SetVringKick passes the eventfd the frontend signals on notifications.
func (f *Frontend) SetVringKick(index uint32, fd int) error {
	return f.setVringFD(SetVringKick, index, fd)
}

// SetVringCall passes the eventfd the backend signals to interrupt the
// guest.
func (f *Frontend) SetVringCall(index uint32, fd int) error {
	return f.setVringFD(SetVringCall, index, fd)
}

func (f *Frontend) SetVringEnable(index uint32, enable bool) error {
	s := VringState{Index: index}
	if enable {
		s.Num = 1
	}

	_, err := f.call(SetVringEnable, encode(s), nil, false)

	return err
}

// GetConfig reads size bytes of device configuration at offset.
func (f *Frontend) GetConfig(offset, size uint32) ([]byte, error) {
	b, err := f.call(GetConfig, encodeConfig(ConfigRequest{Offset: offset, Size: size, Data: make([]byte, size)}), nil, true)
	if err != nil {
		return nil, err
	}

	c, err := decodeConfig(GetConfig, b)
	if err != nil {
		return nil, err
	}

	return c.Data, nil
}

func (f *Frontend) SetConfig(offset uint32, data []byte) error {
	_, err := f.call(SetConfig, encodeConfig(ConfigRequest{Offset: offset, Size: uint32(len(data)), Data: data}), nil, false)

	return err
}
