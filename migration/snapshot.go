package migration

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/opencontainers/go-digest"
)

// FormatVersion is bumped on any incompatible change of the stream layout.
const FormatVersion uint32 = 1

// Magic starts every snapshot stream.
const Magic = "GOVMMSNP"

// Bounds used while decoding, so that a corrupt length fails with
// ErrCorrupt instead of a huge allocation.
const (
	maxTagLen   = 1 << 10
	maxEntries  = 1 << 16
	maxVcpus    = 1 << 10
	maxRegions  = 1 << 10
	readChunk   = 1 << 20
	maxDigestSz = 1 << 8
)

// MemoryKind says how the memory section is encoded.
type MemoryKind uint8

const (
	MemoryNone MemoryKind = iota
	MemoryFull
	MemoryDiff
)

// Header describes the VM the snapshot was taken from.
type Header struct {
	ID      string
	Created time.Time
	Vcpus   int
	Layout  []memory.RegionInfo
}

// RegionData is the content of one memory region. For MemoryFull, Data is
// the whole region; for MemoryDiff, Data holds the pages set in Bitmap.
type RegionData struct {
	Base   uint64
	Size   uint64
	Bitmap []uint64
	Data   []byte
}

type MemorySection struct {
	Kind    MemoryKind
	Regions []RegionData
}

// Snapshot is the complete state of a paused VM. Devices are kept in the
// order they have to be restored in.
type Snapshot struct {
	Header  Header
	Devices []State
	Vcpus   []*hypervisor.VcpuState
	VM      *hypervisor.VMState
	Memory  MemorySection
}

// Device returns the entry with the given tag.
func (s *Snapshot) Device(tag string) (State, bool) {
	for _, d := range s.Devices {
		if d.Tag == tag {
			return d, true
		}
	}

	return State{}, false
}

type encoder struct {
	w   io.Writer
	err error
}

func (e *encoder) write(b []byte) {
	if e.err == nil {
		_, e.err = e.w.Write(b)
	}
}

func (e *encoder) u8(v uint8) { e.write([]byte{v}) }

func (e *encoder) u16(v uint16) { e.write(binary.BigEndian.AppendUint16(nil, v)) }

func (e *encoder) u32(v uint32) { e.write(binary.BigEndian.AppendUint32(nil, v)) }

func (e *encoder) u64(v uint64) { e.write(binary.BigEndian.AppendUint64(nil, v)) }

func (e *encoder) blob(b []byte) {
	e.u64(uint64(len(b)))
	e.write(b)
}

func (e *encoder) gob(v any) {
	if e.err != nil {
		return
	}

	b, err := EncodeGob(v)
	if err != nil {
		e.err = err

		return
	}

	e.blob(b)
}

// Encode writes s as a self-describing stream ending with the digest of
// everything before it.
func Encode(w io.Writer, s *Snapshot) error {
	bw := bufio.NewWriter(w)
	digester := digest.Canonical.Digester()
	e := &encoder{w: io.MultiWriter(bw, digester.Hash())}

	e.write([]byte(Magic))
	e.u32(FormatVersion)
	e.gob(s.Header)

	e.u32(uint32(len(s.Devices)))

	for _, d := range s.Devices {
		e.u16(uint16(len(d.Tag)))
		e.write([]byte(d.Tag))
		e.u32(d.Version)
		e.blob(d.Data)
	}

	e.u32(uint32(len(s.Vcpus)))

	for _, v := range s.Vcpus {
		e.gob(v)
	}

	vm := s.VM
	if vm == nil {
		vm = &hypervisor.VMState{}
	}

	e.gob(vm)

	e.u8(uint8(s.Memory.Kind))

	if s.Memory.Kind != MemoryNone {
		e.u32(uint32(len(s.Memory.Regions)))

		for _, r := range s.Memory.Regions {
			e.u64(r.Base)
			e.u64(r.Size)

			if s.Memory.Kind == MemoryDiff {
				e.u64(uint64(len(r.Bitmap)))

				for _, word := range r.Bitmap {
					e.u64(word)
				}
			}

			e.blob(r.Data)
		}
	}

	if e.err != nil {
		return Fail("encode", e.err)
	}

	// The trailer is not part of the digest.
	dgst := digester.Digest().String()
	trailer := binary.BigEndian.AppendUint16(nil, uint16(len(dgst)))
	trailer = append(trailer, dgst...)

	if _, err := bw.Write(trailer); err != nil {
		return Fail("encode", err)
	}

	return Fail("encode", bw.Flush())
}

type decoder struct {
	r   io.Reader
	err error
}

func (d *decoder) read(n uint64) []byte {
	if d.err != nil {
		return nil
	}

	// Grow as data arrives instead of trusting n.
	var buf bytes.Buffer

	for n > 0 {
		c := min(n, readChunk)

		if _, err := io.CopyN(&buf, d.r, int64(c)); err != nil {
			d.err = fmt.Errorf("%w: %v", ErrCorrupt, err)

			return nil
		}

		n -= c
	}

	return buf.Bytes()
}

func (d *decoder) u8() uint8 {
	if b := d.read(1); b != nil {
		return b[0]
	}

	return 0
}

func (d *decoder) u16() uint16 {
	if b := d.read(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}

	return 0
}

func (d *decoder) u32() uint32 {
	if b := d.read(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}

	return 0
}

func (d *decoder) u64() uint64 {
	if b := d.read(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}

	return 0
}

func (d *decoder) blob() []byte {
	return d.read(d.u64())
}

func (d *decoder) gob(v any) {
	b := d.blob()
	if d.err != nil {
		return
	}

	d.err = DecodeGob(b, v)
}

func (d *decoder) limit(what string, n, bound uint32) bool {
	if d.err == nil && n > bound {
		d.err = fmt.Errorf("%w: %d %s", ErrCorrupt, n, what)
	}

	return d.err == nil
}

// Decode reads and fully validates a stream written by Encode. Nothing is
// returned unless the magic, version, framing and digest all check out.
func Decode(r io.Reader) (*Snapshot, error) {
	br := bufio.NewReader(r)
	digester := digest.Canonical.Digester()
	d := &decoder{r: io.TeeReader(br, digester.Hash())}

	if magic := d.read(uint64(len(Magic))); d.err == nil && string(magic) != Magic {
		return nil, Fail("decode", fmt.Errorf("%w: bad magic %q", ErrCorrupt, magic))
	}

	if v := d.u32(); d.err == nil && v != FormatVersion {
		return nil, Fail("decode", fmt.Errorf("%w: format %d, want %d", ErrVersionMismatch, v, FormatVersion))
	}

	s := &Snapshot{VM: &hypervisor.VMState{}}
	d.gob(&s.Header)

	if n := d.u32(); d.limit("devices", n, maxEntries) {
		for i := uint32(0); i < n && d.err == nil; i++ {
			tagLen := d.u16()
			if !d.limit("tag bytes", uint32(tagLen), maxTagLen) {
				break
			}

			tag := string(d.read(uint64(tagLen)))
			version := d.u32()
			data := d.blob()

			s.Devices = append(s.Devices, State{Tag: tag, Version: version, Data: data})
		}
	}

	if n := d.u32(); d.limit("vcpus", n, maxVcpus) {
		for i := uint32(0); i < n && d.err == nil; i++ {
			v := &hypervisor.VcpuState{}
			d.gob(v)
			s.Vcpus = append(s.Vcpus, v)
		}
	}

	d.gob(s.VM)

	s.Memory.Kind = MemoryKind(d.u8())

	switch {
	case d.err != nil:
	case s.Memory.Kind == MemoryNone:
	case s.Memory.Kind == MemoryFull || s.Memory.Kind == MemoryDiff:
		if n := d.u32(); d.limit("regions", n, maxRegions) {
			for i := uint32(0); i < n && d.err == nil; i++ {
				s.Memory.Regions = append(s.Memory.Regions, d.region(s.Memory.Kind))
			}
		}
	default:
		d.err = fmt.Errorf("%w: memory kind %d", ErrCorrupt, s.Memory.Kind)
	}

	if d.err != nil {
		return nil, Fail("decode", d.err)
	}

	want := digester.Digest()

	// The trailer is read past the digester.
	d.r = br

	dgstLen := d.u16()
	d.limit("digest bytes", uint32(dgstLen), maxDigestSz)
	got := string(d.read(uint64(dgstLen)))

	if d.err != nil {
		return nil, Fail("decode", d.err)
	}

	if digest.Digest(got) != want {
		return nil, Fail("decode", fmt.Errorf("%w: digest %s, want %s", ErrCorrupt, got, want))
	}

	return s, nil
}

func (d *decoder) region(kind MemoryKind) RegionData {
	r := RegionData{Base: d.u64(), Size: d.u64()}

	if kind == MemoryDiff {
		words := d.u64()
		if words > (r.Size/memory.PageSize+63)/64 {
			d.err = fmt.Errorf("%w: bitmap of %d words for region %#x", ErrCorrupt, words, r.Base)

			return r
		}

		// Sized by what the stream delivers, not by the header.
		raw := d.read(words * 8)
		if d.err != nil {
			return r
		}

		r.Bitmap = make([]uint64, words)
		for i := range r.Bitmap {
			r.Bitmap[i] = binary.BigEndian.Uint64(raw[i*8:])
		}
	}

	r.Data = d.blob()

	if d.err != nil {
		return r
	}

	want := r.Size
	if kind == MemoryDiff {
		want = uint64(memory.CountDirty(r.Bitmap)) * memory.PageSize
	}

	if uint64(len(r.Data)) != want {
		d.err = fmt.Errorf("%w: region %#x carries %d bytes, want %d", ErrCorrupt, r.Base, len(r.Data), want)
	}

	return r
}
