package pci

import (
	"sync"
)

const (
	ConfigIOPort = 0xcf8
	ConfigIOSize = 8

	// ECAM covers one bus: 32 devices, 8 functions, 4 KiB each.
	ECAMSize = NumSlots * 8 * ExtConfigSize
)

type address uint32

func (a address) getRegisterOffset() uint32 {
	return uint32(a) & 0xfc
}

func (a address) getFunctionNumber() uint32 {
	return (uint32(a) >> 8) & 0x7
}

func (a address) getDeviceNumber() uint32 {
	return (uint32(a) >> 11) & 0x1f
}

func (a address) getBusNumber() uint32 {
	return (uint32(a) >> 16) & 0xff
}

func (a address) isEnable() bool {
	return uint32(a)>>31 == 0x1
}

// ConfigIO is configuration access mechanism #1: an address latch at 0xCF8
// and a data window at 0xCFC.
type ConfigIO struct {
	root *Root

	mu   sync.Mutex
	addr address
}

func NewConfigIO(root *Root) *ConfigIO {
	return &ConfigIO{root: root}
}

func (c *ConfigIO) Name() string { return "pci-config-io" }

func (c *ConfigIO) Read(base, offset uint64, data []byte) error {
	c.mu.Lock()
	addr := c.addr
	c.mu.Unlock()

	if offset < 4 {
		putBytes(data, uint32(addr), offset)

		return nil
	}

	if !addr.isEnable() {
		putBytes(data, 0xffffffff, 0)

		return nil
	}

	// offset can be obtained from many source as below:
	//        (address from IO port 0xcf8) & 0xfc + (IO port address for Data) - 0xCFC
	// see pci_conf1_read in linux/arch/x86/pci/direct.c for more detail.
	v := c.root.ReadConfig(addr.getBusNumber(), addr.getDeviceNumber(), addr.getFunctionNumber(),
		int(addr.getRegisterOffset()>>2))
	putBytes(data, v, offset-4)

	return nil
}

func (c *ConfigIO) Write(base, offset uint64, data []byte) error {
	if offset < 4 {
		// Only a full dword at 0xCF8 latches an address.
		if offset == 0 && len(data) == 4 {
			c.mu.Lock()
			c.addr = address(BytesToNum(data))
			c.mu.Unlock()
		}

		return nil
	}

	c.mu.Lock()
	addr := c.addr
	c.mu.Unlock()

	if !addr.isEnable() {
		return nil
	}

	c.root.WriteConfig(addr.getBusNumber(), addr.getDeviceNumber(), addr.getFunctionNumber(),
		int(addr.getRegisterOffset()>>2), offset-4, data)

	return nil
}

// ConfigMMIO is the memory mapped (ECAM) configuration window.
type ConfigMMIO struct {
	root *Root
}

func NewConfigMMIO(root *Root) *ConfigMMIO {
	return &ConfigMMIO{root: root}
}

func (c *ConfigMMIO) Name() string { return "pci-config-mmio" }

func decodeECAM(offset uint64) (bus, dev, fn uint32, reg int, lane uint64) {
	bus = uint32(offset>>20) & 0xff
	dev = uint32(offset>>15) & 0x1f
	fn = uint32(offset>>12) & 0x7
	reg = int(offset&0xfff) >> 2
	lane = offset & 0x3

	return bus, dev, fn, reg, lane
}

func (c *ConfigMMIO) Read(base, offset uint64, data []byte) error {
	bus, dev, fn, reg, lane := decodeECAM(offset)
	if lane+uint64(len(data)) > 4 {
		putBytes(data, 0xffffffff, 0)

		return nil
	}

	putBytes(data, c.root.ReadConfig(bus, dev, fn, reg), lane)

	return nil
}

func (c *ConfigMMIO) Write(base, offset uint64, data []byte) error {
	bus, dev, fn, reg, lane := decodeECAM(offset)
	if lane+uint64(len(data)) > 4 {
		return nil
	}

	c.root.WriteConfig(bus, dev, fn, reg, lane, data)

	return nil
}
