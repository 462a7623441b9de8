// Package vhostuser implements the vhost-user protocol: the frontend side
// that offloads virtqueues of a virtio device to another process, and a
// backend that serves any virtio.Device over a unix socket.
package vhostuser

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/sys/unix"
)

// Request is the message type of a vhost-user message. Replies echo it.
type Request uint32

const (
	GetFeatures         Request = 1
	SetFeatures         Request = 2
	SetOwner            Request = 3
	ResetOwner          Request = 4
	SetMemTable         Request = 5
	SetLogBase          Request = 6
	SetLogFD            Request = 7
	SetVringNum         Request = 8
	SetVringAddr        Request = 9
	SetVringBase        Request = 10
	GetVringBase        Request = 11
	SetVringKick        Request = 12
	SetVringCall        Request = 13
	SetVringErr         Request = 14
	GetProtocolFeatures Request = 15
	SetProtocolFeatures Request = 16
	GetQueueNum         Request = 17
	SetVringEnable      Request = 18
	GetConfig           Request = 24
	SetConfig           Request = 25
)

var requestNames = map[Request]string{
	GetFeatures:         "GET_FEATURES",
	SetFeatures:         "SET_FEATURES",
	SetOwner:            "SET_OWNER",
	ResetOwner:          "RESET_OWNER",
	SetMemTable:         "SET_MEM_TABLE",
	SetLogBase:          "SET_LOG_BASE",
	SetLogFD:            "SET_LOG_FD",
	SetVringNum:         "SET_VRING_NUM",
	SetVringAddr:        "SET_VRING_ADDR",
	SetVringBase:        "SET_VRING_BASE",
	GetVringBase:        "GET_VRING_BASE",
	SetVringKick:        "SET_VRING_KICK",
	SetVringCall:        "SET_VRING_CALL",
	SetVringErr:         "SET_VRING_ERR",
	GetProtocolFeatures: "GET_PROTOCOL_FEATURES",
	SetProtocolFeatures: "SET_PROTOCOL_FEATURES",
	GetQueueNum:         "GET_QUEUE_NUM",
	SetVringEnable:      "SET_VRING_ENABLE",
	GetConfig:           "GET_CONFIG",
	SetConfig:           "SET_CONFIG",
}

func (r Request) String() string {
	if s, ok := requestNames[r]; ok {
		return s
	}

	return fmt.Sprintf("REQUEST(%d)", uint32(r))
}

const (
	FlagVersion   = 0x1
	FlagReply     = 0x4
	FlagNeedReply = 0x8

	flagVersionMask = 0x3

	HeaderSize = 12
	MaxPayload = 4096
	MaxFDs     = 8

	// FeatureProtocolFeatures in the virtio feature word announces
	// GET_PROTOCOL_FEATURES.
	FeatureProtocolFeatures = uint64(1) << 30

	// FeatureLogAll asks the backend to log every write to guest memory
	// into the log passed with SET_LOG_BASE.
	FeatureLogAll = uint64(1) << 26

	ProtocolFeatureMQ       = uint64(1) << 0
	ProtocolFeatureLogShmfd = uint64(1) << 1
	ProtocolFeatureReplyAck = uint64(1) << 3
	ProtocolFeatureConfig   = uint64(1) << 9

	// SupportedProtocolFeatures is what both sides of this package speak.
	SupportedProtocolFeatures = ProtocolFeatureMQ | ProtocolFeatureLogShmfd |
		ProtocolFeatureReplyAck | ProtocolFeatureConfig

	vringIndexMask = 0xff
	vringNoFD      = 0x100

	maxRegions      = 8
	memRegionSize   = 32
	configHdrSize   = 12
	maxConfigLength = 256
)

var (
	ErrProtocol      = errors.New("vhost-user protocol error")
	ErrRequestFailed = errors.New("vhost-user backend rejected request")
	ErrDisconnected  = errors.New("vhost-user backend disconnected")
	ErrNoDirtyLog    = errors.New("vhost-user backend cannot log dirty pages")
)

// ProtocolError is a malformed or out of sequence message. The connection
// that carried it is dropped.
type ProtocolError struct {
	Request Request
	Reason  string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrProtocol, e.Request, e.Reason)
}

func (e *ProtocolError) Is(target error) bool { return target == ErrProtocol }

func protocolErrorf(r Request, format string, a ...interface{}) error {
	return &ProtocolError{Request: r, Reason: fmt.Sprintf(format, a...)}
}

// Header precedes every message.
type Header struct {
	Request Request
	Flags   uint32
	Size    uint32
}

// Message is a header, its payload and the descriptors passed along.
type Message struct {
	Header
	Payload []byte
	FDs     []int
}

// IsReply reports whether the reply flag is set.
func (m *Message) IsReply() bool { return m.Flags&FlagReply != 0 }

// NeedsReply reports whether the sender asked for an acknowledgement.
func (m *Message) NeedsReply() bool { return m.Flags&FlagNeedReply != 0 }

// closeFDs closes descriptors nobody took ownership of.
func (m *Message) closeFDs() {
	for _, fd := range m.FDs {
		unix.Close(fd)
	}

	m.FDs = nil
}

// VringState is the payload of SET_VRING_NUM, SET_VRING_BASE,
// GET_VRING_BASE and SET_VRING_ENABLE.
type VringState struct {
	Index uint32
	Num   uint32
}

// VringAddr is the payload of SET_VRING_ADDR. Addresses are in the
// frontend's virtual address space.
type VringAddr struct {
	Index uint32
	Flags uint32
	Desc  uint64
	Used  uint64
	Avail uint64
	Log   uint64
}

// MemoryRegion is one entry of SET_MEM_TABLE. Its fd travels alongside.
type MemoryRegion struct {
	GuestAddr  uint64
	Size       uint64
	UserAddr   uint64
	MmapOffset uint64
}

// LogRegion is the payload of SET_LOG_BASE. The log memfd travels
// alongside.
type LogRegion struct {
	Size   uint64
	Offset uint64
}

// ConfigRequest is the payload of GET_CONFIG and SET_CONFIG.
type ConfigRequest struct {
	Offset uint32
	Size   uint32
	Flags  uint32
	Data   []byte
}

func encode(v interface{}) []byte {
	var buf bytes.Buffer

	// Writes to a bytes.Buffer of fixed size values do not fail.
	_ = binary.Write(&buf, binary.LittleEndian, v)

	return buf.Bytes()
}

func decode(r Request, payload []byte, v interface{}) error {
	if n := binary.Size(v); len(payload) != n {
		return protocolErrorf(r, "payload of %d bytes, want %d", len(payload), n)
	}

	return binary.Read(bytes.NewReader(payload), binary.LittleEndian, v)
}

func encodeU64(v uint64) []byte {
	return binary.LittleEndian.AppendUint64(nil, v)
}

func decodeU64(r Request, payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, protocolErrorf(r, "payload of %d bytes, want 8", len(payload))
	}

	return binary.LittleEndian.Uint64(payload), nil
}

func encodeMemTable(regions []MemoryRegion) []byte {
	b := binary.LittleEndian.AppendUint32(nil, uint32(len(regions)))
	b = binary.LittleEndian.AppendUint32(b, 0)

	for _, r := range regions {
		b = append(b, encode(r)...)
	}

	return b
}

func decodeMemTable(payload []byte, fds int) ([]MemoryRegion, error) {
	if len(payload) < 8 {
		return nil, protocolErrorf(SetMemTable, "short payload")
	}

	n := int(binary.LittleEndian.Uint32(payload))

	switch {
	case n == 0 || n > maxRegions:
		return nil, protocolErrorf(SetMemTable, "%d regions", n)
	case len(payload) != 8+n*memRegionSize:
		return nil, protocolErrorf(SetMemTable, "payload of %d bytes for %d regions", len(payload), n)
	case fds != n:
		return nil, protocolErrorf(SetMemTable, "%d fds for %d regions", fds, n)
	}

	regions := make([]MemoryRegion, n)

	for i := range regions {
		off := 8 + i*memRegionSize
		if err := decode(SetMemTable, payload[off:off+memRegionSize], &regions[i]); err != nil {
			return nil, err
		}
	}

	return regions, nil
}

func encodeConfig(c ConfigRequest) []byte {
	b := binary.LittleEndian.AppendUint32(nil, c.Offset)
	b = binary.LittleEndian.AppendUint32(b, c.Size)
	b = binary.LittleEndian.AppendUint32(b, c.Flags)

	return append(b, c.Data...)
}

func decodeConfig(r Request, payload []byte) (ConfigRequest, error) {
	if len(payload) < configHdrSize {
		return ConfigRequest{}, protocolErrorf(r, "short payload")
	}

	c := ConfigRequest{
		Offset: binary.LittleEndian.Uint32(payload[0:]),
		Size:   binary.LittleEndian.Uint32(payload[4:]),
		Flags:  binary.LittleEndian.Uint32(payload[8:]),
		Data:   payload[configHdrSize:],
	}

	if c.Size > maxConfigLength || int(c.Size) != len(c.Data) {
		return ConfigRequest{}, protocolErrorf(r, "config size %d with %d bytes", c.Size, len(c.Data))
	}

	return c, nil
}

// conn frames messages over a unix stream socket.
type conn struct {
	*net.UnixConn
}

func (c *conn) send(m *Message) error {
	if len(m.Payload) > MaxPayload {
		return protocolErrorf(m.Request, "payload of %d bytes", len(m.Payload))
	}

	buf := make([]byte, HeaderSize, HeaderSize+len(m.Payload))
	binary.LittleEndian.PutUint32(buf[0:], uint32(m.Request))
	binary.LittleEndian.PutUint32(buf[4:], m.Flags)
	binary.LittleEndian.PutUint32(buf[8:], uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)

	var oob []byte
	if len(m.FDs) > 0 {
		oob = unix.UnixRights(m.FDs...)
	}

	n, _, err := c.WriteMsgUnix(buf, oob, nil)
	if err != nil {
		return err
	}

	if n != len(buf) {
		return io.ErrShortWrite
	}

	return nil
}

// recv reads one message. Descriptors arrive with the header.
func (c *conn) recv() (*Message, error) {
	hdr := make([]byte, HeaderSize)
	oob := make([]byte, unix.CmsgSpace(MaxFDs*4))

	n, oobn, _, _, err := c.ReadMsgUnix(hdr, oob)
	if err != nil {
		return nil, err
	}

	if n == 0 {
		return nil, io.EOF
	}

	fds, err := parseRights(oob[:oobn])
	if err != nil {
		return nil, err
	}

	m := &Message{FDs: fds}

	if n < HeaderSize {
		if _, err := io.ReadFull(c, hdr[n:]); err != nil {
			m.closeFDs()

			return nil, err
		}
	}

	m.Request = Request(binary.LittleEndian.Uint32(hdr[0:]))
	m.Flags = binary.LittleEndian.Uint32(hdr[4:])
	m.Size = binary.LittleEndian.Uint32(hdr[8:])

	if m.Flags&flagVersionMask != FlagVersion {
		m.closeFDs()

		return nil, protocolErrorf(m.Request, "version %d", m.Flags&flagVersionMask)
	}

	if m.Size > MaxPayload {
		m.closeFDs()

		return nil, protocolErrorf(m.Request, "payload of %d bytes", m.Size)
	}

	m.Payload = make([]byte, m.Size)
	if _, err := io.ReadFull(c, m.Payload); err != nil {
		m.closeFDs()

		return nil, err
	}

	return m, nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, err
	}

	var fds []int

	for i := range msgs {
		rights, err := unix.ParseUnixRights(&msgs[i])
		if err != nil {
			continue
		}

		fds = append(fds, rights...)
	}

	return fds, nil
}
