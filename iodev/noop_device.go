package iodev

// NoopDevice swallows accesses to ports the guest probes but nothing
// emulates, such as the PIC ELCR or the PS/2 controller.
type NoopDevice struct {
	name string
}

func NewNoopDevice(name string) *NoopDevice {
	return &NoopDevice{name: name}
}

func (n *NoopDevice) Name() string { return n.name }

func (n *NoopDevice) Read(base, offset uint64, data []byte) error {
	return nil
}

func (n *NoopDevice) Write(base, offset uint64, data []byte) error {
	return nil
}
