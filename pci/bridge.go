package pci

import "errors"

var ErrIONotPermit = errors.New("IO is not permitted for PCI host bridge")

const (
	hostBridgeVendor = 0x8086
	hostBridgeDevice = 0x0d57
)

// Bridge is the host bridge at 00:00.0. It has no BARs.
type Bridge struct {
	*ConfigSpace
}

// NewBridge returns the host bridge function.
func NewBridge() *Bridge {
	h := Header{
		VendorID: hostBridgeVendor,
		DeviceID: hostBridgeDevice,
		Class:    ClassBridge,
		Subclass: SubclassHost,
	}

	return &Bridge{ConfigSpace: NewConfigSpace(h, ConfigSize)}
}

func (br *Bridge) Name() string { return "pci-host-bridge" }

func (br *Bridge) Read(base, offset uint64, data []byte) error {
	return ErrIONotPermit
}

func (br *Bridge) Write(base, offset uint64, data []byte) error {
	return ErrIONotPermit
}
