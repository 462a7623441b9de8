// Package virtio implements the virtio 1.x device model: the device status
// machine, split virtqueues, the modern virtio-pci transport and the net
// and block devices.
package virtio

import (
	"errors"
	"fmt"
)

// Device status bits.
const (
	StatusAcknowledge = 0x01
	StatusDriver      = 0x02
	StatusDriverOK    = 0x04
	StatusFeaturesOK  = 0x08
	StatusNeedsReset  = 0x40
	StatusFailed      = 0x80
)

// Feature bits shared by every device type.
const (
	FeatureIndirectDesc = uint64(1) << 28
	FeatureEventIdx     = uint64(1) << 29
	FeatureVersion1     = uint64(1) << 32
)

// Device types.
const (
	TypeNet   = 1
	TypeBlock = 2
)

const (
	// NoVector disables interrupts for a queue or for config changes.
	NoVector = 0xffff

	MaxQueueSize = 256
)

var (
	ErrDevice         = errors.New("virtio device error")
	ErrInvalidChain   = errors.New("invalid descriptor chain")
	ErrQueueNotReady  = errors.New("queue not ready")
	ErrInvalidQueue   = errors.New("invalid queue geometry")
	ErrNoBuffer       = errors.New("no buffer available")
	ErrFeatures       = errors.New("driver features not acceptable")
	ErrNotImplemented = errors.New("not implemented")
)

// DeviceError is a fault confined to one device. The device stops
// processing until the driver resets it; the VM keeps running.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %v", e.Device, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

func (e *DeviceError) Is(target error) bool { return target == ErrDevice }

// State is the device status as seen by the VMM.
type State int

const (
	StateReset State = iota
	StateAcknowledge
	StateDriverLoaded
	StateFeaturesOK
	StateDriverOK
	StateFailed
	StateNeedsReset
)

func (s State) String() string {
	switch s {
	case StateReset:
		return "reset"
	case StateAcknowledge:
		return "acknowledge"
	case StateDriverLoaded:
		return "driver"
	case StateFeaturesOK:
		return "features_ok"
	case StateDriverOK:
		return "driver_ok"
	case StateFailed:
		return "failed"
	case StateNeedsReset:
		return "needs_reset"
	}

	return fmt.Sprintf("State(%d)", int(s))
}

// StateOf derives the state from a device_status byte.
func StateOf(status uint8) State {
	switch {
	case status&StatusFailed != 0:
		return StateFailed
	case status&StatusNeedsReset != 0:
		return StateNeedsReset
	case status&StatusDriverOK != 0:
		return StateDriverOK
	case status&StatusFeaturesOK != 0:
		return StateFeaturesOK
	case status&StatusDriver != 0:
		return StateDriverLoaded
	case status&StatusAcknowledge != 0:
		return StateAcknowledge
	}

	return StateReset
}

// Host is the transport as seen by an active device.
type Host interface {
	// Fail reports a device fault and moves the device to NeedsReset.
	Fail(err error)
	// ConfigChanged raises a configuration change interrupt.
	ConfigChanged()
}

// Device is the type specific half of a virtio device.
type Device interface {
	Type() uint16
	Name() string
	Features() uint64
	NumQueues() int
	MaxQueueSize() uint16

	ReadConfig(offset uint64, data []byte)
	WriteConfig(offset uint64, data []byte)

	// Activate starts processing once the driver set DRIVER_OK.
	Activate(features uint64, queues []*Queue, host Host) error
	// Notify is called when the driver kicks queue.
	Notify(queue int) error
	// Reset stops processing and forgets negotiated state.
	Reset()
}

// Pausable devices stop touching guest memory between Pause and Resume.
type Pausable interface {
	Pause()
	Resume()
}
