package vmm

import (
	"fmt"
	"io"
	"net"
	"time"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/vhostuser"
	"github.com/bobuhiro11/govmm/virtio"
)

// Guest physical layout. RAM has to stay below the PCI hole.
const (
	PCIHoleBase = 0xc000_0000
	PCIHoleSize = 0x3000_0000
	ECAMBase    = 0xe000_0000

	pioSize = 0x1_0000

	defaultMemory       = 512 << 20
	defaultPauseTimeout = 5 * time.Second
	defaultRounds       = 3
	defaultThreshold    = 0.01
)

// DeviceType names a device model.
type DeviceType string

const (
	DeviceNet          DeviceType = "net"
	DeviceBlock        DeviceType = "block"
	DeviceVhostUserNet DeviceType = "vhost-user-net"
	DeviceVhostUserBlk DeviceType = "vhost-user-blk"
)

// MemoryConfig is one guest RAM region.
type MemoryConfig struct {
	Name string
	Base uint64
	Size uint64
}

// DeviceConfig describes one PCI device.
type DeviceConfig struct {
	ID   string
	Type DeviceType
	// Slot is the PCI slot, 0 picks the lowest free one.
	Slot int

	// net
	MAC string
	Tap string

	// block
	Path     string
	Size     uint64
	ReadOnly bool

	// vhost-user
	Socket    string
	NumQueues int
	QueueSize uint16

	// Backend replaces the tap device of a net device.
	Backend io.ReadWriteCloser  `json:"-"`
	// Disk replaces the file of a block device.
	Disk    virtio.BlockBackend `json:"-"`
}

// BootLoader prepares memory and registers before the vcpus start, for
// instance by loading a kernel.
type BootLoader interface {
	Load(mem *memory.Memory, vcpus []hypervisor.Vcpu) error
}

// BootLoaderFunc adapts a function to BootLoader.
type BootLoaderFunc func(mem *memory.Memory, vcpus []hypervisor.Vcpu) error

func (f BootLoaderFunc) Load(mem *memory.Memory, vcpus []hypervisor.Vcpu) error { return f(mem, vcpus) }

// Config is the description of a VM.
type Config struct {
	Name  string
	Vcpus int

	// MemorySize is used when Memory is empty: one region at 0.
	MemorySize uint64
	Memory     []MemoryConfig

	Devices []DeviceConfig

	// Console receives the serial output.
	Console io.Writer  `json:"-"`
	Boot    BootLoader `json:"-"`

	PauseTimeout time.Duration
	Reconnect    vhostuser.ReconnectPolicy

	// MigrationRounds bounds the dirty page rounds sent while the VM runs.
	MigrationRounds    int
	// MigrationThreshold is the dirty page ratio below which pre-copy
	// stops.
	MigrationThreshold float64

	Trace bool
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = "vm"
	}

	if len(c.Memory) == 0 {
		size := c.MemorySize
		if size == 0 {
			size = defaultMemory
		}

		c.Memory = []MemoryConfig{{Name: "ram", Base: 0, Size: size}}
	}

	if c.Console == nil {
		c.Console = io.Discard
	}

	if c.PauseTimeout == 0 {
		c.PauseTimeout = defaultPauseTimeout
	}

	if c.MigrationRounds == 0 {
		c.MigrationRounds = defaultRounds
	}

	if c.MigrationThreshold == 0 {
		c.MigrationThreshold = defaultThreshold
	}

	c.Devices = append([]DeviceConfig(nil), c.Devices...)

	return c
}

// Validate checks c after defaults were applied.
func (c Config) Validate() error {
	c = c.withDefaults()

	if c.Vcpus <= 0 {
		return configErrorf("vcpus", "need at least one vcpu, got %d", c.Vcpus)
	}

	for i, m := range c.Memory {
		if m.Size == 0 || m.Size%memory.PageSize != 0 || m.Base%memory.PageSize != 0 {
			return configErrorf("memory", "region %q is not page aligned", m.Name)
		}

		if m.Base < PCIHoleBase+PCIHoleSize && m.Base+m.Size > PCIHoleBase {
			return configErrorf("memory", "region %q overlaps the PCI hole", m.Name)
		}

		for _, o := range c.Memory[:i] {
			if m.Base < o.Base+o.Size && o.Base < m.Base+m.Size {
				return configErrorf("memory", "regions %q and %q overlap", o.Name, m.Name)
			}
		}
	}

	seen := map[string]bool{}

	for _, d := range c.Devices {
		if err := d.validate(); err != nil {
			return err
		}

		if seen[d.ID] {
			return configErrorf("devices", "duplicate device id %q", d.ID)
		}

		seen[d.ID] = true
	}

	return nil
}

func (d DeviceConfig) validate() error {
	if d.ID == "" {
		return configErrorf("devices", "device without id")
	}

	field := fmt.Sprintf("devices[%s]", d.ID)

	if d.Slot < 0 || d.Slot >= 32 {
		return configErrorf(field, "invalid PCI slot %d", d.Slot)
	}

	switch d.Type {
	case DeviceNet:
		if d.MAC != "" {
			if _, err := net.ParseMAC(d.MAC); err != nil {
				return configErrorf(field, "%v", err)
			}
		}

		if d.Tap == "" && d.Backend == nil {
			return configErrorf(field, "net device needs a tap interface")
		}
	case DeviceBlock:
		if d.Path == "" && d.Disk == nil {
			return configErrorf(field, "block device needs a path")
		}

		if d.Disk != nil && d.Size == 0 {
			return configErrorf(field, "block backend without size")
		}
	case DeviceVhostUserNet, DeviceVhostUserBlk:
		// Guest RAM is always memfd backed, so it can be shared.
		if d.Socket == "" {
			return configErrorf(field, "vhost-user device needs a socket")
		}

		if d.QueueSize != 0 && d.QueueSize&(d.QueueSize-1) != 0 {
			return configErrorf(field, "queue size %d is not a power of two", d.QueueSize)
		}
	default:
		return configErrorf(field, "unsupported device type %q", d.Type)
	}

	return nil
}
