package kvm

import (
	"errors"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/bobuhiro11/govmm/hypervisor"
	"golang.org/x/sys/unix"
)

type vcpu struct {
	id  int
	fd  uintptr
	vm  *vm
	run *RunData
	buf []byte

	// tid is the thread last seen entering KVM_RUN, 0 before the first run.
	tid       atomic.Int32
	closeOnce sync.Once
}

// CreateVcpu creates vcpu id, installs the patched CPUID table and maps
// its kvm_run page.
func (v *vm) CreateVcpu(id int) (hypervisor.Vcpu, error) {
	fd, err := Ioctl(v.fd, IIO(kvmCreateVCPU), uintptr(id))
	if err != nil {
		return nil, hypervisor.VcpuFatal(id, "KVM_CREATE_VCPU", err)
	}

	cpuid := &CPUID{Nent: maxCPUIDEntries}
	if err := GetSupportedCPUID(v.hv.Fd(), cpuid); err != nil {
		unix.Close(int(fd))

		return nil, hypervisor.VcpuFatal(id, "KVM_GET_SUPPORTED_CPUID", err)
	}

	PatchCPUID(cpuid)

	if err := SetCPUID2(fd, cpuid); err != nil {
		unix.Close(int(fd))

		return nil, hypervisor.VcpuFatal(id, "KVM_SET_CPUID2", err)
	}

	buf, err := unix.Mmap(int(fd), 0, v.hv.mmapSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Close(int(fd))

		return nil, hypervisor.VcpuFatal(id, "mmap kvm_run", err)
	}

	c := &vcpu{
		id:  id,
		fd:  fd,
		vm:  v,
		run: (*RunData)(unsafe.Pointer(&buf[0])),
		buf: buf,
	}

	v.mu.Lock()
	v.vcpus = append(v.vcpus, c)
	v.mu.Unlock()

	v.log.WithField("vcpu", id).Debug("vcpu created")

	return c, nil
}

func (c *vcpu) ID() int { return c.id }

// immediateExit aliases the first word of kvm_run, whose second byte is
// immediate_exit. request_interrupt_window in the first byte stays 0.
func (c *vcpu) immediateExit() *uint32 {
	return (*uint32)(unsafe.Pointer(c.run))
}

// Run enters the guest once. The caller must stay on one OS thread for
// Kick to reach it.
func (c *vcpu) Run() (*hypervisor.Exit, error) {
	c.tid.Store(int32(unix.Gettid()))

	if _, err := ioctlOnce(c.fd, IIO(kvmRun), 0); err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			atomic.StoreUint32(c.immediateExit(), 0)

			return &hypervisor.Exit{Reason: hypervisor.ExitInterrupted}, nil
		}

		return nil, hypervisor.VcpuFatal(c.id, "KVM_RUN", err)
	}

	return c.decode()
}

func (c *vcpu) decode() (*hypervisor.Exit, error) {
	reason := ExitType(c.run.ExitReason)

	switch reason {
	case EXITIO:
		direction, size, port, count, offset := c.run.IO()
		n := size * count

		if offset+n > uint64(len(c.buf)) {
			return nil, hypervisor.VcpuFatal(c.id, "KVM_RUN", errors.New("io data outside kvm_run"))
		}

		return &hypervisor.Exit{
			Reason: hypervisor.ExitIO,
			Addr:   port,
			Write:  direction == EXITIOOUT,
			Size:   int(size),
			Count:  int(count),
			Data:   c.buf[offset : offset+n],
		}, nil

	case EXITMMIO:
		addr, length, isWrite := c.run.MMIO()
		if length > 8 {
			length = 8
		}

		start := runDataOffset + 8

		return &hypervisor.Exit{
			Reason: hypervisor.ExitMMIO,
			Addr:   addr,
			Write:  isWrite,
			Size:   int(length),
			Count:  1,
			Data:   c.buf[start : start+int(length)],
		}, nil

	case EXITHYPERCALL:
		return &hypervisor.Exit{
			Reason:    hypervisor.ExitHypercall,
			Hypercall: (*hypervisor.Hypercall)(unsafe.Pointer(&c.run.Data[0])),
		}, nil

	case EXITHLT:
		return &hypervisor.Exit{Reason: hypervisor.ExitHalt}, nil

	case EXITSHUTDOWN:
		return &hypervisor.Exit{Reason: hypervisor.ExitShutdown}, nil

	case EXITINTR:
		return &hypervisor.Exit{Reason: hypervisor.ExitInterrupted}, nil

	case EXITDEBUG:
		return &hypervisor.Exit{Reason: hypervisor.ExitDebug}, nil

	case EXITSYSTEMEVENT:
		return &hypervisor.Exit{Reason: hypervisor.ExitSystemEvent, Raw: c.run.Data[0]}, nil

	case EXITFAILENTRY:
		return &hypervisor.Exit{Reason: hypervisor.ExitFailEntry, Raw: c.run.Data[0]}, nil

	case EXITINTERNALERROR:
		return &hypervisor.Exit{Reason: hypervisor.ExitInternalError, Raw: c.run.Data[0]}, nil

	default:
		return &hypervisor.Exit{Reason: hypervisor.ExitUnknown, Raw: uint64(reason)}, nil
	}
}

// Kick forces the vcpu out of the guest. Setting immediate_exit covers the
// window where the thread has not entered KVM_RUN yet.
func (c *vcpu) Kick() {
	atomic.StoreUint32(c.immediateExit(), 1<<8)

	if tid := c.tid.Load(); tid != 0 {
		_ = unix.Tgkill(unix.Getpid(), int(tid), unix.SIGURG)
	}
}

func (c *vcpu) Regs() (hypervisor.Regs, error) {
	var r hypervisor.Regs

	_, err := Ioctl(c.fd, IIOR(kvmGetRegs, unsafe.Sizeof(r)), uintptr(unsafe.Pointer(&r)))
	if err != nil {
		return r, hypervisor.VcpuFatal(c.id, "KVM_GET_REGS", err)
	}

	return r, nil
}

func (c *vcpu) SetRegs(r hypervisor.Regs) error {
	_, err := Ioctl(c.fd, IIOW(kvmSetRegs, unsafe.Sizeof(r)), uintptr(unsafe.Pointer(&r)))

	return hypervisor.VcpuFatal(c.id, "KVM_SET_REGS", err)
}

func (c *vcpu) Sregs() (hypervisor.Sregs, error) {
	var s hypervisor.Sregs

	_, err := Ioctl(c.fd, IIOR(kvmGetSregs, unsafe.Sizeof(s)), uintptr(unsafe.Pointer(&s)))
	if err != nil {
		return s, hypervisor.VcpuFatal(c.id, "KVM_GET_SREGS", err)
	}

	return s, nil
}

func (c *vcpu) SetSregs(s hypervisor.Sregs) error {
	_, err := Ioctl(c.fd, IIOW(kvmSetSregs, unsafe.Sizeof(s)), uintptr(unsafe.Pointer(&s)))

	return hypervisor.VcpuFatal(c.id, "KVM_SET_SREGS", err)
}

func (c *vcpu) Close() error {
	var err error

	c.closeOnce.Do(func() {
		if e := unix.Munmap(c.buf); e != nil {
			err = e
		}

		if e := unix.Close(int(c.fd)); e != nil && err == nil {
			err = e
		}
	})

	return err
}
