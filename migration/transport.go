package migration

// Framed binary transport used to stream a live migration between source
// and destination.
//
// Wire format for each message:
//
//	[4-byte big-endian type][8-byte big-endian payload length][payload bytes]

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/bobuhiro11/govmm/memory"
	"github.com/google/uuid"
)

// MsgType identifies a migration protocol message.
type MsgType uint32

const (
	MsgHello       MsgType = 1 // gob-encoded Hello
	MsgMemoryFull  MsgType = 2 // every region, see EncodeFull
	MsgMemoryDirty MsgType = 3 // dirty pages, see EncodeDirty
	MsgSnapshot    MsgType = 4 // Encode stream without memory
	MsgDone        MsgType = 5 // source signals end-of-migration
	MsgReady       MsgType = 6 // destination confirms the state is applied
	MsgCancel      MsgType = 7 // either side aborts; payload is the reason
)

func (t MsgType) String() string {
	switch t {
	case MsgHello:
		return "hello"
	case MsgMemoryFull:
		return "memory-full"
	case MsgMemoryDirty:
		return "memory-dirty"
	case MsgSnapshot:
		return "snapshot"
	case MsgDone:
		return "done"
	case MsgReady:
		return "ready"
	case MsgCancel:
		return "cancel"
	}

	return fmt.Sprintf("MsgType(%d)", uint32(t))
}

// Hello opens a migration session.
type Hello struct {
	Session uuid.UUID
	VM      string
	Version uint32
	Vcpus   int
	Layout  []memory.RegionInfo
}

// Sender writes framed messages to an underlying writer (typically a TCP
// conn). It is safe for concurrent use.
type Sender struct {
	mu sync.Mutex
	w  io.Writer
}

// NewSender wraps w as a migration Sender.
func NewSender(w io.Writer) *Sender { return &Sender{w: w} }

func (s *Sender) send(t MsgType, payload []byte) error {
	hdr := make([]byte, 12)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(t))
	binary.BigEndian.PutUint64(hdr[4:12], uint64(len(payload)))

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.w.Write(hdr); err != nil {
		return fmt.Errorf("send %s header: %w", t, err)
	}

	if len(payload) > 0 {
		if _, err := s.w.Write(payload); err != nil {
			return fmt.Errorf("send %s payload: %w", t, err)
		}
	}

	return nil
}

func (s *Sender) SendHello(h *Hello) error {
	payload, err := EncodeGob(h)
	if err != nil {
		return fmt.Errorf("encode hello: %w", err)
	}

	return s.send(MsgHello, payload)
}

// SendMemoryFull sends the complete content of regions.
func (s *Sender) SendMemoryFull(regions []RegionData) error {
	return s.send(MsgMemoryFull, EncodeFull(regions))
}

// SendMemoryDirty sends one batch of dirty pages.
func (s *Sender) SendMemoryDirty(regions []DirtyRegion) error {
	return s.send(MsgMemoryDirty, EncodeDirty(regions))
}

// SendSnapshot encodes snap, which normally has no memory section.
func (s *Sender) SendSnapshot(snap *Snapshot) error {
	var buf bytes.Buffer

	if err := Encode(&buf, snap); err != nil {
		return err
	}

	return s.send(MsgSnapshot, buf.Bytes())
}

// SendDone signals the end of the migration stream.
func (s *Sender) SendDone() error { return s.send(MsgDone, nil) }

// SendReady signals that the destination holds the complete state.
func (s *Sender) SendReady() error { return s.send(MsgReady, nil) }

// SendCancel aborts the session.
func (s *Sender) SendCancel(reason string) error { return s.send(MsgCancel, []byte(reason)) }

// Receiver reads framed messages from an underlying reader.
type Receiver struct {
	r io.Reader
}

// NewReceiver wraps r as a migration Receiver.
func NewReceiver(r io.Reader) *Receiver { return &Receiver{r: r} }

// Next reads the next message header and returns the type and full payload.
func (r *Receiver) Next() (MsgType, []byte, error) {
	hdr := make([]byte, 12)
	if _, err := io.ReadFull(r.r, hdr); err != nil {
		return 0, nil, fmt.Errorf("read header: %w", err)
	}

	t := MsgType(binary.BigEndian.Uint32(hdr[0:4]))
	length := binary.BigEndian.Uint64(hdr[4:12])

	if length == 0 {
		return t, nil, nil
	}

	d := &decoder{r: r.r}

	payload := d.read(length)
	if d.err != nil {
		return 0, nil, fmt.Errorf("read payload (type=%s len=%d): %w", t, length, d.err)
	}

	return t, payload, nil
}

func DecodeHello(payload []byte) (*Hello, error) {
	h := &Hello{}
	if err := DecodeGob(payload, h); err != nil {
		return nil, fmt.Errorf("decode hello: %w", err)
	}

	return h, nil
}

// DecodeSnapshot decodes a MsgSnapshot payload.
func DecodeSnapshot(payload []byte) (*Snapshot, error) {
	return Decode(bytes.NewReader(payload))
}

// EncodeFull lays out a MsgMemoryFull payload:
//
//	[u32 regions] then per region [u64 base][u64 size][bytes]
func EncodeFull(regions []RegionData) []byte {
	n := 4
	for _, r := range regions {
		n += 16 + len(r.Data)
	}

	buf := make([]byte, 0, n)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(regions)))

	for _, r := range regions {
		buf = binary.BigEndian.AppendUint64(buf, r.Base)
		buf = binary.BigEndian.AppendUint64(buf, uint64(len(r.Data)))
		buf = append(buf, r.Data...)
	}

	return buf
}

// DecodeFull splits a MsgMemoryFull payload. Data aliases payload.
func DecodeFull(payload []byte) ([]RegionData, error) {
	if len(payload) < 4 {
		return nil, fmt.Errorf("%w: memory payload of %d bytes", ErrCorrupt, len(payload))
	}

	count := binary.BigEndian.Uint32(payload)
	payload = payload[4:]

	var regions []RegionData

	for i := uint32(0); i < count; i++ {
		if len(payload) < 16 {
			return nil, fmt.Errorf("%w: memory payload truncated", ErrCorrupt)
		}

		base := binary.BigEndian.Uint64(payload)
		size := binary.BigEndian.Uint64(payload[8:])
		payload = payload[16:]

		if uint64(len(payload)) < size {
			return nil, fmt.Errorf("%w: region %#x truncated", ErrCorrupt, base)
		}

		regions = append(regions, RegionData{Base: base, Size: size, Data: payload[:size]})
		payload = payload[size:]
	}

	if len(payload) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorrupt, len(payload))
	}

	return regions, nil
}
