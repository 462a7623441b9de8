// Package kvm is the Linux KVM backend of the hypervisor abstraction.
package kvm

import (
	"errors"
	"fmt"
	"os"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/sirupsen/logrus"
)

const (
	// DefaultDevice is the usual path of the KVM device node.
	DefaultDevice = "/dev/kvm"

	apiVersion = 12

	tssAddr         = 0xfffbd000
	identityMapAddr = 0xfffbc000
)

var errAPIVersion = errors.New("unsupported KVM API version")

// Hypervisor implements hypervisor.Hypervisor on top of /dev/kvm.
type Hypervisor struct {
	dev      *os.File
	mmapSize int
	caps     hypervisor.Capabilities
	log      logrus.FieldLogger
}

// New opens the KVM device and checks that it speaks the stable API.
func New(path string, log logrus.FieldLogger) (*Hypervisor, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	h := &Hypervisor{dev: dev, log: log}

	v, err := GetAPIVersion(dev.Fd())
	if err != nil {
		dev.Close()

		return nil, hypervisor.Fatal("KVM_GET_API_VERSION", err)
	}

	if v != apiVersion {
		dev.Close()

		return nil, fmt.Errorf("%w: %d", errAPIVersion, v)
	}

	size, err := Ioctl(dev.Fd(), IIO(kvmGetVCPUMMapSize), 0)
	if err != nil {
		dev.Close()

		return nil, hypervisor.Fatal("KVM_GET_VCPU_MMAP_SIZE", err)
	}

	h.mmapSize = int(size)
	h.caps = h.probe()

	return h, nil
}

func (h *Hypervisor) probe() hypervisor.Capabilities {
	check := func(c Capability) int {
		n, err := CheckExtension(h.dev.Fd(), c)
		if err != nil {
			return 0
		}

		return n
	}

	maxVcpus := check(CapMaxVCPUs)
	if maxVcpus == 0 {
		maxVcpus = check(CapNRVCPUs)
	}

	return hypervisor.Capabilities{
		MaxVcpus:       maxVcpus,
		MaxMemorySlots: check(CapNRMemSlots),
		DirtyLog:       check(CapUserMemory) > 0,
		IRQChip:        check(CapIRQChip) > 0,
		MSI:            check(CapSignalMSI) > 0,
		IOEventFD:      check(CapIOEventFD) > 0,
		ImmediateExit:  check(CapImmediateExit) > 0,
	}
}

// Fd returns the file descriptor of the KVM device.
func (h *Hypervisor) Fd() uintptr { return h.dev.Fd() }

func (h *Hypervisor) Capabilities() hypervisor.Capabilities { return h.caps }

// CreateVM creates a VM with an in-kernel IRQ chip and PIT.
func (h *Hypervisor) CreateVM() (hypervisor.VM, error) {
	fd, err := Ioctl(h.dev.Fd(), IIO(kvmCreateVM), 0)
	if err != nil {
		return nil, hypervisor.Fatal("KVM_CREATE_VM", err)
	}

	v := &vm{fd: fd, hv: h, log: h.log}

	steps := []struct {
		op string
		fn func() error
	}{
		{"KVM_SET_TSS_ADDR", v.setTSSAddr},
		{"KVM_SET_IDENTITY_MAP_ADDR", v.setIdentityMapAddr},
		{"KVM_CREATE_IRQCHIP", v.createIRQChip},
		{"KVM_CREATE_PIT2", v.createPIT2},
	}

	for _, s := range steps {
		if err := s.fn(); err != nil {
			_ = v.Close()

			return nil, hypervisor.Fatal(s.op, err)
		}
	}

	return v, nil
}

func (h *Hypervisor) Close() error {
	return h.dev.Close()
}

// GetAPIVersion returns the KVM API version.
func GetAPIVersion(kvmFd uintptr) (int, error) {
	v, err := Ioctl(kvmFd, IIO(kvmGetAPIVersion), 0)

	return int(v), err
}
