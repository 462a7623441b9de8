package kvm

import (
	"unsafe"
)

const (
	// CPUIDFuncPerMon is the architectural performance monitoring leaf.
	CPUIDFuncPerMon = 0x0A
	// CPUIDSignature is the hypervisor signature leaf.
	CPUIDSignature = 0x40000000
	// CPUIDFeatures is the KVM feature leaf, advertised as the max leaf
	// in CPUIDSignature.EAX.
	CPUIDFeatures = 0x40000001

	maxCPUIDEntries = 128
)

// CPUID is struct kvm_cpuid2 with a fixed number of entries.
type CPUID struct {
	Nent    uint32
	Padding uint32
	Entries [maxCPUIDEntries]CPUIDEntry2
}

// CPUIDEntry2 is struct kvm_cpuid_entry2.
type CPUIDEntry2 struct {
	Function uint32
	Index    uint32
	Flags    uint32
	Eax      uint32
	Ebx      uint32
	Ecx      uint32
	Edx      uint32
	Padding  [3]uint32
}

// GetSupportedCPUID fills kvmCPUID with the leaves the host supports.
// Nent must hold the capacity of Entries on input.
func GetSupportedCPUID(kvmFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(kvmFd,
		IIOWR(kvmGetSupportedCPUID, 8),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// SetCPUID2 installs entries on a vcpu.
func SetCPUID2(vcpuFd uintptr, kvmCPUID *CPUID) error {
	_, err := Ioctl(vcpuFd,
		IIOW(kvmSetCPUID2, 8),
		uintptr(unsafe.Pointer(kvmCPUID)))

	return err
}

// PatchCPUID hides the PMU and advertises the KVM signature so paravirt
// guests find kvmclock.
func PatchCPUID(c *CPUID) {
	// https://www.kernel.org/doc/html/latest/virt/kvm/cpuid.html
	for i := 0; i < int(c.Nent); i++ {
		switch c.Entries[i].Function {
		case CPUIDFuncPerMon:
			c.Entries[i].Eax = 0
		case CPUIDSignature:
			c.Entries[i].Eax = CPUIDFeatures
			c.Entries[i].Ebx = 0x4b4d564b // KVMK
			c.Entries[i].Ecx = 0x564b4d56 // VMKV
			c.Entries[i].Edx = 0x4d       // M
		}
	}
}
