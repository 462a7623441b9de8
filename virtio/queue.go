package virtio

import (
	"encoding/binary"
	"fmt"
	"io"
	"math/bits"
	"sync"

	"github.com/bobuhiro11/govmm/memory"
)

const (
	descFlagNext     = 0x1
	descFlagWrite    = 0x2
	descFlagIndirect = 0x4

	availFlagNoInterrupt = 0x1

	descSize      = 16
	usedElemSize  = 8
	ringHeaderLen = 4
)

// Desc is one descriptor table entry.
type Desc struct {
	Addr  uint64
	Len   uint32
	Flags uint16
	Next  uint16
}

// Writable reports whether the device may write the buffer.
func (d Desc) Writable() bool { return d.Flags&descFlagWrite != 0 }

// Chain is a validated descriptor chain. Indirect tables are flattened
// into Descs.
type Chain struct {
	Head  uint16
	Descs []Desc

	mem     *memory.Memory
	wdesc   int
	woffset uint32
	written uint32
}

// ReadableLen is the number of bytes the driver handed to the device.
func (c *Chain) ReadableLen() uint32 {
	var n uint32

	for _, d := range c.Descs {
		if !d.Writable() {
			n += d.Len
		}
	}

	return n
}

// WritableLen is the room the device may fill.
func (c *Chain) WritableLen() uint32 {
	var n uint32

	for _, d := range c.Descs {
		if d.Writable() {
			n += d.Len
		}
	}

	return n
}

// ReadAll copies every device readable buffer.
func (c *Chain) ReadAll() ([]byte, error) {
	out := make([]byte, 0, c.ReadableLen())

	for _, d := range c.Descs {
		if d.Writable() {
			continue
		}

		b, err := c.mem.Slice(d.Addr, uint64(d.Len))
		if err != nil {
			return nil, err
		}

		out = append(out, b...)
	}

	return out, nil
}

// Write fills the device writable buffers in order, continuing where the
// previous call stopped.
func (c *Chain) Write(p []byte) (int, error) {
	n := 0

	for len(p) > 0 {
		for c.wdesc < len(c.Descs) && (!c.Descs[c.wdesc].Writable() || c.woffset == c.Descs[c.wdesc].Len) {
			c.wdesc++
			c.woffset = 0
		}

		if c.wdesc == len(c.Descs) {
			return n, io.ErrShortWrite
		}

		d := c.Descs[c.wdesc]
		k := min(uint32(len(p)), d.Len-c.woffset)

		if err := c.mem.Write(d.Addr+uint64(c.woffset), p[:k]); err != nil {
			return n, err
		}

		c.woffset += k
		c.written += k
		n += int(k)
		p = p[k:]
	}

	return n, nil
}

// Written is the number of bytes stored by Write.
func (c *Chain) Written() uint32 { return c.written }

// QueueState is the migratable state of a queue.
type QueueState struct {
	Size      uint16
	Ready     bool
	Vector    uint16
	Desc      uint64
	Avail     uint64
	Used      uint64
	NextAvail uint16
	NextUsed  uint16
}

// Queue is a split virtqueue living in guest memory.
type Queue struct {
	index   int
	maxSize uint16
	mem     *memory.Memory

	mu        sync.Mutex
	size      uint16
	ready     bool
	vector    uint16
	desc      uint64
	avail     uint64
	used      uint64
	nextAvail uint16
	nextUsed  uint16
	// used index at the last interrupt, for EVENT_IDX suppression.
	signalled uint16

	eventIdx  bool
	indirect  bool
	interrupt func() error
}

// NewQueue returns an unconfigured queue of at most maxSize entries.
func NewQueue(index int, maxSize uint16, mem *memory.Memory) *Queue {
	return &Queue{
		index:   index,
		maxSize: maxSize,
		mem:     mem,
		size:    maxSize,
		vector:  NoVector,
	}
}

func (q *Queue) Index() int { return q.index }

func (q *Queue) MaxSize() uint16 { return q.maxSize }

func (q *Queue) Size() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}

// SetSize changes the queue size. Sizes that are zero, not a power of two
// or above the maximum are refused.
func (q *Queue) SetSize(n uint16) error {
	if n == 0 || n > q.maxSize || bits.OnesCount16(n) != 1 {
		return fmt.Errorf("%w: size %d, max %d", ErrInvalidQueue, n, q.maxSize)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.size = n

	return nil
}

func (q *Queue) Ready() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.ready
}

func (q *Queue) SetReady(ready bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ready = ready
}

func (q *Queue) Vector() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.vector
}

func (q *Queue) SetVector(v uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.vector = v
}

// Addresses returns the guest addresses of the descriptor table, the
// available ring and the used ring.
func (q *Queue) Addresses() (desc, avail, used uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.desc, q.avail, q.used
}

func (q *Queue) SetAddresses(desc, avail, used uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.desc, q.avail, q.used = desc, avail, used
}

func (q *Queue) setDesc(v uint64) {
	q.mu.Lock()
	q.desc = v
	q.mu.Unlock()
}

func (q *Queue) setAvail(v uint64) {
	q.mu.Lock()
	q.avail = v
	q.mu.Unlock()
}

func (q *Queue) setUsed(v uint64) {
	q.mu.Lock()
	q.used = v
	q.mu.Unlock()
}

// NextAvail is the next available ring slot the device will consume.
func (q *Queue) NextAvail() uint16 {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.nextAvail
}

// SetNextAvail positions both ring cursors, as when resuming a queue that
// another party processed.
func (q *Queue) SetNextAvail(idx uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.nextAvail = idx
	q.nextUsed = idx
	q.signalled = idx
}

// UsedIndex reads the used index the guest currently sees.
func (q *Queue) UsedIndex() (uint16, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.mem.ReadUint16(q.used + 2)
}

// Validate checks the geometry of a ready queue.
func (q *Queue) Validate() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.validate()
}

func (q *Queue) validate() error {
	size := uint64(q.size)

	switch {
	case q.size == 0 || q.size > q.maxSize || bits.OnesCount16(q.size) != 1:
		return fmt.Errorf("%w: queue %d size %d", ErrInvalidQueue, q.index, q.size)
	case q.desc%16 != 0 || q.avail%2 != 0 || q.used%4 != 0:
		return fmt.Errorf("%w: queue %d rings misaligned", ErrInvalidQueue, q.index)
	case !q.mem.Contains(q.desc, size*descSize):
		return fmt.Errorf("%w: queue %d descriptor table outside guest memory", ErrInvalidQueue, q.index)
	case !q.mem.Contains(q.avail, ringHeaderLen+size*2+2):
		return fmt.Errorf("%w: queue %d available ring outside guest memory", ErrInvalidQueue, q.index)
	case !q.mem.Contains(q.used, ringHeaderLen+size*usedElemSize+2):
		return fmt.Errorf("%w: queue %d used ring outside guest memory", ErrInvalidQueue, q.index)
	}

	return nil
}

// Enable fixes the negotiated ring features and the interrupt path. The
// transport calls it on DRIVER_OK; a vhost-user backend calls it once the
// ring is started.
func (q *Queue) Enable(features uint64, interrupt func() error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.eventIdx = features&FeatureEventIdx != 0
	q.indirect = features&FeatureIndirectDesc != 0
	q.interrupt = interrupt
}

// Reset returns the queue to its power-on state.
func (q *Queue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.size = q.maxSize
	q.ready = false
	q.vector = NoVector
	q.desc, q.avail, q.used = 0, 0, 0
	q.nextAvail, q.nextUsed, q.signalled = 0, 0, 0
	q.eventIdx, q.indirect = false, false
	q.interrupt = nil
}

func (q *Queue) State() QueueState {
	q.mu.Lock()
	defer q.mu.Unlock()

	return QueueState{
		Size:      q.size,
		Ready:     q.ready,
		Vector:    q.vector,
		Desc:      q.desc,
		Avail:     q.avail,
		Used:      q.used,
		NextAvail: q.nextAvail,
		NextUsed:  q.nextUsed,
	}
}

func (q *Queue) SetState(s QueueState) error {
	if s.Size == 0 || s.Size > q.maxSize || bits.OnesCount16(s.Size) != 1 {
		return fmt.Errorf("%w: size %d, max %d", ErrInvalidQueue, s.Size, q.maxSize)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.size = s.Size
	q.ready = s.Ready
	q.vector = s.Vector
	q.desc, q.avail, q.used = s.Desc, s.Avail, s.Used
	q.nextAvail, q.nextUsed, q.signalled = s.NextAvail, s.NextUsed, s.NextUsed

	return nil
}

func (q *Queue) availIdx() (uint16, error) {
	if q.avail%4 == 0 {
		w, err := q.mem.LoadUint32(q.avail)

		return uint16(w >> 16), err
	}

	return q.mem.ReadUint16(q.avail + 2)
}

// Pop takes the next available chain. It returns nil when the ring is
// empty.
func (q *Queue) Pop() (*Chain, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.ready {
		return nil, ErrQueueNotReady
	}

	idx, err := q.availIdx()
	if err != nil {
		return nil, err
	}

	if idx == q.nextAvail {
		return nil, nil
	}

	if idx-q.nextAvail > q.size {
		return nil, fmt.Errorf("%w: available index %d runs %d ahead of %d", ErrInvalidChain, idx, idx-q.nextAvail, q.nextAvail)
	}

	head, err := q.mem.ReadUint16(q.avail + ringHeaderLen + uint64(q.nextAvail%q.size)*2)
	if err != nil {
		return nil, err
	}

	descs, err := q.walk(head)
	if err != nil {
		return nil, err
	}

	q.nextAvail++

	if q.eventIdx {
		// avail_event trails the used ring.
		if err := q.mem.WriteUint16(q.used+ringHeaderLen+uint64(q.size)*usedElemSize, q.nextAvail); err != nil {
			return nil, err
		}
	}

	return &Chain{Head: head, Descs: descs, mem: q.mem}, nil
}

func (q *Queue) readDesc(table uint64, i uint16) (Desc, error) {
	var b [descSize]byte

	if err := q.mem.Read(table+uint64(i)*descSize, b[:]); err != nil {
		return Desc{}, err
	}

	return Desc{
		Addr:  binary.LittleEndian.Uint64(b[0:]),
		Len:   binary.LittleEndian.Uint32(b[8:]),
		Flags: binary.LittleEndian.Uint16(b[12:]),
		Next:  binary.LittleEndian.Uint16(b[14:]),
	}, nil
}

// walk follows a chain from head. Chains longer than the table, repeated
// indices, out of range indices and buffers outside guest memory are
// rejected. Writable buffers must follow the readable ones.
func (q *Queue) walk(head uint16) ([]Desc, error) {
	var (
		out      []Desc
		seenW    bool
		table    = q.desc
		limit    = q.size
		indirect bool
	)

	visited := make([]bool, limit)
	i := head

	for {
		if i >= limit {
			return nil, fmt.Errorf("%w: descriptor index %d out of range %d", ErrInvalidChain, i, limit)
		}

		if visited[i] {
			return nil, fmt.Errorf("%w: descriptor %d repeated", ErrInvalidChain, i)
		}

		visited[i] = true

		d, err := q.readDesc(table, i)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidChain, err)
		}

		if d.Flags&descFlagIndirect != 0 {
			switch {
			case !q.indirect || indirect:
				return nil, fmt.Errorf("%w: unexpected indirect descriptor", ErrInvalidChain)
			case d.Flags&descFlagNext != 0:
				return nil, fmt.Errorf("%w: indirect descriptor with next", ErrInvalidChain)
			case d.Len == 0 || d.Len%descSize != 0 || d.Len/descSize > uint32(q.size):
				return nil, fmt.Errorf("%w: indirect table of %d bytes", ErrInvalidChain, d.Len)
			case !q.mem.Contains(d.Addr, uint64(d.Len)):
				return nil, fmt.Errorf("%w: indirect table outside guest memory", ErrInvalidChain)
			}

			indirect = true
			table = d.Addr
			limit = uint16(d.Len / descSize)
			visited = make([]bool, limit)
			i = 0

			continue
		}

		if !q.mem.Contains(d.Addr, uint64(d.Len)) {
			return nil, fmt.Errorf("%w: buffer [%#x, +%#x) outside guest memory", ErrInvalidChain, d.Addr, d.Len)
		}

		if d.Writable() {
			seenW = true
		} else if seenW {
			return nil, fmt.Errorf("%w: readable buffer after writable one", ErrInvalidChain)
		}

		out = append(out, d)

		if len(out) > int(q.size) {
			return nil, fmt.Errorf("%w: longer than queue size %d", ErrInvalidChain, q.size)
		}

		if d.Flags&descFlagNext == 0 {
			return out, nil
		}

		i = d.Next
	}
}

// AddUsed returns a chain to the driver. The element is written before
// the used index is published.
func (q *Queue) AddUsed(head uint16, n uint32) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.ready {
		return ErrQueueNotReady
	}

	var b [usedElemSize]byte

	binary.LittleEndian.PutUint32(b[0:], uint32(head))
	binary.LittleEndian.PutUint32(b[4:], n)

	if err := q.mem.Write(q.used+ringHeaderLen+uint64(q.nextUsed%q.size)*usedElemSize, b[:]); err != nil {
		return err
	}

	q.nextUsed++

	// flags stay zero: the device never asks the driver to skip kicks.
	return q.mem.StoreUint32(q.used, uint32(q.nextUsed)<<16)
}

// NeedsNotification reports whether the driver asked to be interrupted
// for the buffers used since the last interrupt.
func (q *Queue) NeedsNotification() (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.needsNotification()
}

func (q *Queue) needsNotification() (bool, error) {
	if q.eventIdx {
		ev, err := q.mem.ReadUint16(q.avail + ringHeaderLen + uint64(q.size)*2)
		if err != nil {
			return false, err
		}

		return q.nextUsed-ev-1 < q.nextUsed-q.signalled, nil
	}

	flags, err := q.mem.ReadUint16(q.avail)
	if err != nil {
		return false, err
	}

	return flags&availFlagNoInterrupt == 0, nil
}

// Signal interrupts the driver if it asked for it.
func (q *Queue) Signal() error {
	q.mu.Lock()

	need, err := q.needsNotification()
	if err != nil || !need || q.interrupt == nil {
		q.mu.Unlock()

		return err
	}

	q.signalled = q.nextUsed
	interrupt := q.interrupt
	q.mu.Unlock()

	return interrupt()
}

// Interrupt raises the queue interrupt unconditionally.
func (q *Queue) Interrupt() error {
	q.mu.Lock()
	interrupt := q.interrupt
	q.signalled = q.nextUsed
	q.mu.Unlock()

	if interrupt == nil {
		return nil
	}

	return interrupt()
}
