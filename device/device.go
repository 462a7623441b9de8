// Package device defines the interface of emulated devices and the bus that
// dispatches guest port IO and MMIO accesses to them.
package device

import "errors"

// ErrDataLenInvalid is returned by devices for unsupported access widths.
var ErrDataLenInvalid = errors.New("invalid data size on port")

// Device is anything the guest reaches through port IO or MMIO. base is the
// start of the range the access hit and offset the distance from it. For a
// read, the device fills data.
type Device interface {
	Read(base, offset uint64, data []byte) error
	Write(base, offset uint64, data []byte) error
}

// Index identifies a device inserted into a Bus.
type Index int

// Named is implemented by devices that want a readable name in logs.
type Named interface {
	Name() string
}

// Name returns the device name or "unnamed".
func Name(d Device) string {
	if n, ok := d.(Named); ok {
		return n.Name()
	}

	return "unnamed"
}
