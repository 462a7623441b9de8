package kvm

import (
	"errors"

	"golang.org/x/sys/unix"
)

const (
	kvmio = 0xAE

	iocNone  = 0x0
	iocWrite = 0x1
	iocRead  = 0x2

	iocNRShift   = 0
	iocTypeShift = 8
	iocSizeShift = 16
	iocDirShift  = 30
)

func ioc(dir, nr, size uintptr) uintptr {
	return dir<<iocDirShift | kvmio<<iocTypeShift | nr<<iocNRShift | size<<iocSizeShift
}

// IIO is _IO(KVMIO, nr).
func IIO(nr uintptr) uintptr { return ioc(iocNone, nr, 0) }

// IIOR is _IOR(KVMIO, nr, size).
func IIOR(nr, size uintptr) uintptr { return ioc(iocRead, nr, size) }

// IIOW is _IOW(KVMIO, nr, size).
func IIOW(nr, size uintptr) uintptr { return ioc(iocWrite, nr, size) }

// IIOWR is _IOWR(KVMIO, nr, size).
func IIOWR(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }

// ioctl numbers, see include/uapi/linux/kvm.h.
const (
	kvmGetAPIVersion       = 0x00
	kvmCreateVM            = 0x01
	kvmGetMSRIndexList     = 0x02
	kvmCheckExtension      = 0x03
	kvmGetVCPUMMapSize     = 0x04
	kvmGetSupportedCPUID   = 0x05
	kvmCreateVCPU          = 0x41
	kvmGetDirtyLog         = 0x42
	kvmSetUserMemoryRegion = 0x46
	kvmSetTSSAddr          = 0x47
	kvmSetIdentityMapAddr  = 0x48
	kvmCreateIRQChip       = 0x60
	kvmIRQLine             = 0x61
	kvmGetIRQChip          = 0x62
	kvmSetIRQChip          = 0x63
	kvmCreatePIT2          = 0x77
	kvmIOEventFD           = 0x79
	kvmSetClock            = 0x7b
	kvmGetClock            = 0x7c
	kvmRun                 = 0x80
	kvmGetRegs             = 0x81
	kvmSetRegs             = 0x82
	kvmGetSregs            = 0x83
	kvmSetSregs            = 0x84
	kvmGetMSRs             = 0x88
	kvmSetMSRs             = 0x89
	kvmGetLAPIC            = 0x8e
	kvmSetLAPIC            = 0x8f
	kvmSetCPUID2           = 0x90
	kvmGetMPState          = 0x98
	kvmSetMPState          = 0x99
	kvmGetPIT2             = 0x9f
	kvmSetPIT2             = 0xa0
	kvmGetVCPUEvents       = 0x9f
	kvmSetVCPUEvents       = 0xa0
	kvmGetDebugRegs        = 0xa1
	kvmSetDebugRegs        = 0xa2
	kvmSignalMSI           = 0xa5
	kvmGetXCRS             = 0xa6
	kvmSetXCRS             = 0xa7
)

// Ioctl issues an ioctl and retries while it is interrupted by a signal.
func Ioctl(fd, op, arg uintptr) (uintptr, error) {
	for {
		res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
		if errno == 0 {
			return res, nil
		}

		if errors.Is(errno, unix.EINTR) {
			continue
		}

		return res, errno
	}
}

// ioctlOnce issues an ioctl without retrying on EINTR. KVM_RUN relies on
// EINTR to leave the guest when the vcpu is kicked.
func ioctlOnce(fd, op, arg uintptr) (uintptr, error) {
	res, _, errno := unix.Syscall(unix.SYS_IOCTL, fd, op, arg)
	if errno != 0 {
		return res, errno
	}

	return res, nil
}
