package kvm

import "fmt"

// Capability is an extension number for KVM_CHECK_EXTENSION.
type Capability uint

const (
	CapIRQChip                Capability = 0
	CapHLT                    Capability = 1
	CapUserMemory             Capability = 3
	CapSetTSSAddr             Capability = 4
	CapVAPIC                  Capability = 6
	CapExtCPUID               Capability = 7
	CapNRVCPUs                Capability = 9
	CapNRMemSlots             Capability = 10
	CapPIT                    Capability = 11
	CapMPState                Capability = 14
	CapCoalescedMMIO          Capability = 15
	CapSyncMMU                Capability = 16
	CapIOMMU                  Capability = 18
	CapUserNMI                Capability = 22
	CapSetGuestDebug          Capability = 23
	CapIRQRouting             Capability = 25
	CapIRQInjectStatus        Capability = 26
	CapIRQFD                  Capability = 32
	CapPIT2                   Capability = 33
	CapPITState2              Capability = 35
	CapIOEventFD              Capability = 36
	CapSetIdentityMapAddr     Capability = 37
	CapAdjustClock            Capability = 39
	CapVCPUEvents             Capability = 41
	CapDebugRegs              Capability = 50
	CapXSave                  Capability = 55
	CapXCRS                   Capability = 56
	CapMaxVCPUs               Capability = 66
	CapKVMClockCtrl           Capability = 76
	CapSignalMSI              Capability = 77
	CapReadonlyMem            Capability = 81
	CapImmediateExit          Capability = 136
	CapManualDirtyLogProtect2 Capability = 168
)

var capabilityNames = map[Capability]string{
	CapIRQChip:                "CapIRQChip",
	CapHLT:                    "CapHLT",
	CapUserMemory:             "CapUserMemory",
	CapSetTSSAddr:             "CapSetTSSAddr",
	CapVAPIC:                  "CapVAPIC",
	CapExtCPUID:               "CapExtCPUID",
	CapNRVCPUs:                "CapNRVCPUs",
	CapNRMemSlots:             "CapNRMemSlots",
	CapPIT:                    "CapPIT",
	CapMPState:                "CapMPState",
	CapCoalescedMMIO:          "CapCoalescedMMIO",
	CapSyncMMU:                "CapSyncMMU",
	CapIOMMU:                  "CapIOMMU",
	CapUserNMI:                "CapUserNMI",
	CapSetGuestDebug:          "CapSetGuestDebug",
	CapIRQRouting:             "CapIRQRouting",
	CapIRQInjectStatus:        "CapIRQInjectStatus",
	CapIRQFD:                  "CapIRQFD",
	CapPIT2:                   "CapPIT2",
	CapPITState2:              "CapPITState2",
	CapIOEventFD:              "CapIOEventFD",
	CapSetIdentityMapAddr:     "CapSetIdentityMapAddr",
	CapAdjustClock:            "CapAdjustClock",
	CapVCPUEvents:             "CapVCPUEvents",
	CapDebugRegs:              "CapDebugRegs",
	CapXSave:                  "CapXSave",
	CapXCRS:                   "CapXCRS",
	CapMaxVCPUs:               "CapMaxVCPUs",
	CapKVMClockCtrl:           "CapKVMClockCtrl",
	CapSignalMSI:              "CapSignalMSI",
	CapReadonlyMem:            "CapReadonlyMem",
	CapImmediateExit:          "CapImmediateExit",
	CapManualDirtyLogProtect2: "CapManualDirtyLogProtect2",
}

func (c Capability) String() string {
	if s, ok := capabilityNames[c]; ok {
		return s
	}

	return fmt.Sprintf("Capability(%d)", uint(c))
}

// AllCapabilities lists the capabilities known to this package in
// ascending order.
func AllCapabilities() []Capability {
	caps := make([]Capability, 0, len(capabilityNames))
	for c := Capability(0); c <= CapManualDirtyLogProtect2; c++ {
		if _, ok := capabilityNames[c]; ok {
			caps = append(caps, c)
		}
	}

	return caps
}

// CheckExtension returns the value KVM reports for a capability. Zero means
// unsupported; positive values may carry a limit (e.g. number of slots).
func CheckExtension(fd uintptr, c Capability) (int, error) {
	r, err := Ioctl(fd, IIO(kvmCheckExtension), uintptr(c))

	return int(r), err
}
