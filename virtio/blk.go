package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

const (
	BlkFeatureSegMax  = uint64(1) << 2
	BlkFeatureRO      = uint64(1) << 5
	BlkFeatureBlkSize = uint64(1) << 6
	BlkFeatureFlush   = uint64(1) << 9

	SectorSize = 512

	blkReqIn    = 0
	blkReqOut   = 1
	blkReqFlush = 4
	blkReqGetID = 8

	blkStatusOK     = 0
	blkStatusIOErr  = 1
	blkStatusUnsupp = 2

	blkReqHdrSize = 16
	blkIDLen      = 20
	blkSegMax     = MaxQueueSize - 2
)

// BlockBackend is the byte addressable storage behind a block device.
type BlockBackend interface {
	io.ReaderAt
	io.WriterAt
}

type syncer interface {
	Sync() error
}

// BlkReq is the request header at the start of every block chain.
type BlkReq struct {
	Type   uint32
	_      uint32
	Sector uint64
}

// Block is a virtio block device over a BlockBackend. Requests are served
// on the notifying vCPU.
type Block struct {
	name     string
	backend  BlockBackend
	size     uint64
	readOnly bool
	id       string
	log      logrus.FieldLogger

	mu     sync.Mutex
	queue  *Queue
	active bool
	paused bool
}

// NewBlock returns a block device of size bytes. size is rounded down to
// whole sectors.
func NewBlock(name string, backend BlockBackend, size uint64, readOnly bool, log logrus.FieldLogger) *Block {
	return &Block{
		name:     name,
		backend:  backend,
		size:     size &^ (SectorSize - 1),
		readOnly: readOnly,
		id:       name,
		log:      log.WithField("device", name),
	}
}

func (b *Block) Type() uint16 { return TypeBlock }

func (b *Block) Name() string { return b.name }

func (b *Block) Features() uint64 {
	f := FeatureVersion1 | FeatureEventIdx | FeatureIndirectDesc | BlkFeatureSegMax | BlkFeatureBlkSize | BlkFeatureFlush
	if b.readOnly {
		f |= BlkFeatureRO
	}

	return f
}

func (b *Block) NumQueues() int { return 1 }

func (b *Block) MaxQueueSize() uint16 { return MaxQueueSize }

// Capacity is the size in sectors.
func (b *Block) Capacity() uint64 { return b.size / SectorSize }

func (b *Block) ReadConfig(offset uint64, data []byte) {
	cfg := make([]byte, 24)
	binary.LittleEndian.PutUint64(cfg[0:], b.Capacity())
	binary.LittleEndian.PutUint32(cfg[12:], blkSegMax)
	binary.LittleEndian.PutUint32(cfg[20:], SectorSize)

	for i := range data {
		if o := offset + uint64(i); o < uint64(len(cfg)) {
			data[i] = cfg[o]
		} else {
			data[i] = 0
		}
	}
}

func (b *Block) WriteConfig(offset uint64, data []byte) {}

func (b *Block) Activate(features uint64, queues []*Queue, host Host) error {
	if len(queues) != 1 {
		return fmt.Errorf("%w: block needs 1 queue, got %d", ErrInvalidQueue, len(queues))
	}

	b.mu.Lock()
	b.queue = queues[0]
	b.active = true
	b.mu.Unlock()

	// Requests posted before a restore are still in the ring.
	return b.process()
}

func (b *Block) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.queue = nil
	b.active = false
}

func (b *Block) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.paused = true
}

func (b *Block) Resume() {
	b.mu.Lock()
	b.paused = false
	b.mu.Unlock()

	if err := b.process(); err != nil {
		b.log.WithError(err).Warn("resume processing failed")
	}
}

func (b *Block) Notify(queue int) error {
	if queue != 0 {
		return fmt.Errorf("%w: block queue %d", ErrInvalidQueue, queue)
	}

	return b.process()
}

func (b *Block) process() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.active || b.paused || b.queue == nil {
		return nil
	}

	done := 0

	for {
		c, err := b.queue.Pop()
		if err != nil {
			return err
		}

		if c == nil {
			break
		}

		if err := b.serve(c); err != nil {
			return err
		}

		if err := b.queue.AddUsed(c.Head, c.Written()); err != nil {
			return err
		}

		done++
	}

	if done == 0 {
		return nil
	}

	return b.queue.Signal()
}

// serve executes one request. A malformed chain is a device error; a
// failed request only reports an error status to the driver.
func (b *Block) serve(c *Chain) error {
	in, err := c.ReadAll()
	if err != nil {
		return err
	}

	wlen := c.WritableLen()

	if len(in) < blkReqHdrSize || wlen == 0 {
		return fmt.Errorf("%w: block request without header or status", ErrInvalidChain)
	}

	req := BlkReq{
		Type:   binary.LittleEndian.Uint32(in[0:]),
		Sector: binary.LittleEndian.Uint64(in[8:]),
	}
	payload := in[blkReqHdrSize:]
	room := wlen - 1

	var (
		status = uint8(blkStatusOK)
		out    []byte
	)

	switch req.Type {
	case blkReqIn:
		out = make([]byte, room)
		status = b.rw(req.Sector, out, false)
	case blkReqOut:
		if b.readOnly {
			status = blkStatusIOErr

			break
		}

		status = b.rw(req.Sector, payload, true)
	case blkReqFlush:
		if s, ok := b.backend.(syncer); ok {
			if err := s.Sync(); err != nil {
				b.log.WithError(err).Warn("flush failed")

				status = blkStatusIOErr
			}
		}
	case blkReqGetID:
		out = make([]byte, min(room, blkIDLen))
		copy(out, b.id)
	default:
		status = blkStatusUnsupp
	}

	if status != blkStatusOK {
		out = nil
	}

	// The status byte is the last writable byte of the chain.
	buf := make([]byte, room+1)
	copy(buf, out)
	buf[room] = status

	if _, err := c.Write(buf); err != nil {
		return err
	}

	return nil
}

func (b *Block) rw(sector uint64, buf []byte, write bool) uint8 {
	off := sector * SectorSize

	if off/SectorSize != sector || off+uint64(len(buf)) > b.size || off+uint64(len(buf)) < off {
		b.log.WithField("sector", sector).Debug("request beyond end of device")

		return blkStatusIOErr
	}

	var err error

	if write {
		_, err = b.backend.WriteAt(buf, int64(off))
	} else {
		_, err = b.backend.ReadAt(buf, int64(off))
		if errors.Is(err, io.EOF) {
			err = nil
		}
	}

	if err != nil {
		b.log.WithError(err).Warn("block io failed")

		return blkStatusIOErr
	}

	return blkStatusOK
}
