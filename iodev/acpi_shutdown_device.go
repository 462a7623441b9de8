// Package iodev holds the small platform devices found at fixed IO ports.
package iodev

import (
	"github.com/sirupsen/logrus"
)

// This device is used by EDK2/CloudHv to let the host know about a shutdown.
// See: https://github.com/cloud-hypervisor/edk2/blob/ch/OvmfPkg/Include/IndustryStandard/CloudHv.h

const (
	ACPIShutDownDevPort = uint64(0x600)
	ACPIShutDownDevSize = uint64(0x8)

	// The ACPI DSDT table specifies the S5 sleep state (shutdown) as value 5.
	s5SleepVal       = uint8(5)
	sleepStatusENBit = uint8(5)
	sleepValBit      = uint8(2)

	resetVal = uint8(1)
)

// ACPIShutDownDevice turns guest sleep and reset requests into host events.
type ACPIShutDownDevice struct {
	OnShutdown func()
	OnReboot   func()

	log logrus.FieldLogger
}

func NewACPIShutDownDevice(onShutdown, onReboot func(), log logrus.FieldLogger) *ACPIShutDownDevice {
	return &ACPIShutDownDevice{
		OnShutdown: onShutdown,
		OnReboot:   onReboot,
		log:        log.WithField("device", "acpi-shutdown"),
	}
}

func (a *ACPIShutDownDevice) Name() string { return "acpi-shutdown" }

func (a *ACPIShutDownDevice) Read(base, offset uint64, data []byte) error {
	for i := range data {
		data[i] = 0
	}

	return nil
}

func (a *ACPIShutDownDevice) Write(base, offset uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}

	switch data[0] {
	case resetVal:
		a.log.Info("ACPI reboot signalled")

		if a.OnReboot != nil {
			a.OnReboot()
		}
	case (s5SleepVal << sleepValBit) | (1 << sleepStatusENBit):
		a.log.Info("ACPI shutdown signalled")

		if a.OnShutdown != nil {
			a.OnShutdown()
		}
	}

	return nil
}
