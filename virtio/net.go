package virtio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/bobuhiro11/govmm/migration"
	"github.com/sirupsen/logrus"
)

const (
	NetFeatureMTU    = uint64(1) << 3
	NetFeatureMAC    = uint64(1) << 5
	NetFeatureStatus = uint64(1) << 16

	netHdrSize   = 12
	netStatusUp  = 1
	netMTU       = 1500
	netMaxFrame  = 65562
	netRxQueue   = 0
	netTxQueue   = 1
	netBacklog   = 64
	netStateVers = 1
)

// Net is a virtio network device. Frames travel to and from a backend such
// as a tap device.
type Net struct {
	name    string
	backend io.ReadWriteCloser
	log     logrus.FieldLogger

	mu     sync.Mutex
	mac    net.HardwareAddr
	linkUp bool
	rx, tx *Queue
	host   Host
	active bool
	paused bool

	frames    chan []byte
	kick      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewNet returns a net device. Frames are read from backend until Close.
// backend may be nil for a device with no link.
func NewNet(name string, mac net.HardwareAddr, backend io.ReadWriteCloser, log logrus.FieldLogger) (*Net, error) {
	if len(mac) != 6 {
		return nil, fmt.Errorf("invalid mac address %q", mac)
	}

	n := &Net{
		name:    name,
		backend: backend,
		log:     log.WithField("device", name),
		mac:     mac,
		linkUp:  backend != nil,
		frames:  make(chan []byte, netBacklog),
		kick:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}

	if backend != nil {
		n.wg.Add(2)

		go n.readLoop()
		go n.rxLoop()
	}

	return n, nil
}

func (n *Net) Type() uint16 { return TypeNet }

func (n *Net) Name() string { return n.name }

func (n *Net) Features() uint64 {
	return FeatureVersion1 | FeatureEventIdx | FeatureIndirectDesc | NetFeatureMAC | NetFeatureStatus | NetFeatureMTU
}

func (n *Net) NumQueues() int { return 2 }

func (n *Net) MaxQueueSize() uint16 { return MaxQueueSize }

func (n *Net) config() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()

	b := make([]byte, 12)
	copy(b, n.mac)

	if n.linkUp {
		binary.LittleEndian.PutUint16(b[6:], netStatusUp)
	}

	binary.LittleEndian.PutUint16(b[8:], 1)
	binary.LittleEndian.PutUint16(b[10:], netMTU)

	return b
}

func (n *Net) ReadConfig(offset uint64, data []byte) {
	cfg := n.config()

	for i := range data {
		if o := offset + uint64(i); o < uint64(len(cfg)) {
			data[i] = cfg[o]
		} else {
			data[i] = 0
		}
	}
}

// WriteConfig ignores writes; the MAC is read only once VERSION_1 is
// negotiated.
func (n *Net) WriteConfig(offset uint64, data []byte) {}

// SetLink changes the link status reported to the driver.
func (n *Net) SetLink(up bool) {
	n.mu.Lock()
	changed := n.linkUp != up
	n.linkUp = up
	host := n.host
	n.mu.Unlock()

	if changed && host != nil {
		host.ConfigChanged()
	}
}

func (n *Net) Activate(features uint64, queues []*Queue, host Host) error {
	if len(queues) != 2 {
		return fmt.Errorf("%w: net needs 2 queues, got %d", ErrInvalidQueue, len(queues))
	}

	n.mu.Lock()
	n.rx, n.tx = queues[netRxQueue], queues[netTxQueue]
	n.host = host
	n.active = true
	n.mu.Unlock()

	n.wake()

	return nil
}

func (n *Net) Reset() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.active = false
	n.rx, n.tx, n.host = nil, nil, nil
}

func (n *Net) Pause() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.paused = true
}

func (n *Net) Resume() {
	n.mu.Lock()
	n.paused = false
	n.mu.Unlock()

	n.wake()
}

func (n *Net) Notify(queue int) error {
	switch queue {
	case netRxQueue:
		n.wake()

		return nil
	case netTxQueue:
		return n.transmit()
	}

	return fmt.Errorf("%w: net queue %d", ErrInvalidQueue, queue)
}

func (n *Net) wake() {
	select {
	case n.kick <- struct{}{}:
	default:
	}
}

// transmit sends every pending tx chain to the backend.
func (n *Net) transmit() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.active || n.paused || n.tx == nil {
		return nil
	}

	sent := 0

	for {
		c, err := n.tx.Pop()
		if err != nil {
			return err
		}

		if c == nil {
			break
		}

		pkt, err := c.ReadAll()
		if err != nil {
			return err
		}

		if len(pkt) < netHdrSize {
			return fmt.Errorf("%w: tx chain of %d bytes has no header", ErrInvalidChain, len(pkt))
		}

		if n.backend != nil {
			if _, err := n.backend.Write(pkt[netHdrSize:]); err != nil {
				n.log.WithError(err).Debug("tx frame dropped")
			}
		}

		if err := n.tx.AddUsed(c.Head, 0); err != nil {
			return err
		}

		sent++
	}

	if sent == 0 {
		return nil
	}

	return n.tx.Signal()
}

func (n *Net) readLoop() {
	defer n.wg.Done()

	buf := make([]byte, netMaxFrame)

	for {
		k, err := n.backend.Read(buf)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				select {
				case <-n.done:
				default:
					n.log.WithError(err).Warn("backend read failed")
				}
			}

			return
		}

		frame := append([]byte(nil), buf[:k]...)

		select {
		case n.frames <- frame:
		case <-n.done:
			return
		}
	}
}

func (n *Net) rxLoop() {
	defer n.wg.Done()

	var pending []byte

	for {
		if pending == nil {
			select {
			case pending = <-n.frames:
			case <-n.kick:
			case <-n.done:
				return
			}
		} else {
			select {
			case <-n.kick:
			case <-n.done:
				return
			}
		}

		if pending == nil {
			continue
		}

		done, err := n.receive(pending)
		if err != nil {
			n.fail(err)
		}

		if done || err != nil {
			pending = nil

			// More frames may be queued behind this one.
			if len(n.frames) > 0 {
				n.wake()
			}
		}
	}
}

func (n *Net) fail(err error) {
	n.mu.Lock()
	host := n.host
	n.mu.Unlock()

	if host != nil {
		host.Fail(err)
	}
}

// receive copies one frame into the rx queue. It returns false when the
// frame must wait for the driver to post buffers.
func (n *Net) receive(frame []byte) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.active || n.rx == nil {
		// No driver: the frame is lost, like on a real link.
		return true, nil
	}

	if n.paused {
		return false, nil
	}

	c, err := n.rx.Pop()
	if err != nil {
		return false, err
	}

	if c == nil {
		return false, nil
	}

	hdr := make([]byte, netHdrSize)
	binary.LittleEndian.PutUint16(hdr[10:], 1) // num_buffers

	if c.WritableLen() < uint32(netHdrSize+len(frame)) {
		n.log.WithField("len", len(frame)).Debug("rx buffer too small, frame truncated")
	}

	_, _ = c.Write(hdr)
	_, _ = c.Write(frame)

	if err := n.rx.AddUsed(c.Head, c.Written()); err != nil {
		return false, err
	}

	return true, n.rx.Signal()
}

// Close stops the backend goroutines and closes the backend.
func (n *Net) Close() error {
	var err error

	n.closeOnce.Do(func() {
		close(n.done)

		if n.backend != nil {
			err = n.backend.Close()
		}

		n.wg.Wait()
	})

	return err
}

type netState struct {
	MAC    []byte
	LinkUp bool
}

func (n *Net) StateVersion() uint32 { return netStateVers }

func (n *Net) SaveState() ([]byte, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	return migration.EncodeGob(netState{MAC: n.mac, LinkUp: n.linkUp})
}

func (n *Net) RestoreState(version uint32, data []byte) error {
	var s netState
	if err := migration.DecodeGob(data, &s); err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	n.mac = s.MAC
	n.linkUp = s.LinkUp

	return nil
}
