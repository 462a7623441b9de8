// Package flag is the command line of govmm.
package flag

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/bobuhiro11/govmm/memory"
	"github.com/bobuhiro11/govmm/vmm"
	"github.com/docker/go-units"
)

var (
	errDeviceSyntax = errors.New("expected key=value")
	errUnknownKey   = errors.New("unknown device option")
	errLoadAddr     = errors.New("load address must be 16 byte aligned and below 1MiB")
)

// Size is a byte count written as 512M, 1G, 2GiB and so on.
type Size uint64

func (s *Size) UnmarshalText(text []byte) error {
	n, err := units.RAMInBytes(string(text))
	if err != nil {
		return err
	}

	*s = Size(n)

	return nil
}

func (s Size) String() string { return units.BytesSize(float64(s)) }

// Address is a guest physical address in any base strconv accepts.
type Address uint64

func (a *Address) UnmarshalText(text []byte) error {
	v, err := strconv.ParseUint(string(text), 0, 64)
	if err != nil {
		return err
	}

	*a = Address(v)

	return nil
}

// Device is one --device flag:
//
//	type=net,id=net0,tap=tap0,mac=52:54:00:12:34:56
//	type=block,id=disk0,path=disk.img,readonly=true
//	type=vhost-user-net,id=net1,socket=/run/net1.sock,queues=2,queue-size=256
type Device vmm.DeviceConfig

func (d *Device) UnmarshalText(text []byte) error {
	c := vmm.DeviceConfig{}

	for _, kv := range strings.Split(string(text), ",") {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("%q: %w", kv, errDeviceSyntax)
		}

		if err := setDeviceOption(&c, key, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	if c.ID == "" {
		c.ID = string(c.Type)
	}

	*d = Device(c)

	return nil
}

func setDeviceOption(c *vmm.DeviceConfig, key, value string) error {
	var err error

	switch key {
	case "type":
		c.Type = vmm.DeviceType(value)
	case "id":
		c.ID = value
	case "slot":
		c.Slot, err = strconv.Atoi(value)
	case "mac":
		c.MAC = value
	case "tap":
		c.Tap = value
	case "path":
		c.Path = value
	case "size":
		var s Size
		err = s.UnmarshalText([]byte(value))
		c.Size = uint64(s)
	case "readonly":
		c.ReadOnly, err = strconv.ParseBool(value)
	case "socket":
		c.Socket = value
	case "queues":
		c.NumQueues, err = strconv.Atoi(value)
	case "queue-size":
		var n uint64
		n, err = strconv.ParseUint(value, 0, 16)
		c.QueueSize = uint16(n)
	default:
		err = errUnknownKey
	}

	return err
}

// FlatImage loads a raw binary at Addr and starts the first vcpu there in
// real mode with flat segments. It is enough for test payloads and boot
// stubs; full kernels need a loader of their own.
type FlatImage struct {
	Path string
	Addr uint64
}

func (f FlatImage) Load(mem *memory.Memory, vcpus []hypervisor.Vcpu) error {
	if f.Addr%16 != 0 || f.Addr >= 1<<20 {
		return fmt.Errorf("%w: %#x", errLoadAddr, f.Addr)
	}

	img, err := os.ReadFile(f.Path)
	if err != nil {
		return err
	}

	if err := mem.Write(f.Addr, img); err != nil {
		return fmt.Errorf("load %s at %#x: %w", f.Path, f.Addr, err)
	}

	if len(vcpus) == 0 {
		return nil
	}

	cpu := vcpus[0]

	s, err := cpu.Sregs()
	if err != nil {
		return err
	}

	for _, seg := range []*hypervisor.Segment{&s.DS, &s.ES, &s.FS, &s.GS, &s.SS} {
		seg.Base = 0
		seg.Selector = 0
	}

	// CS:IP = Addr>>4:0, so Addr has to be paragraph aligned and below 1M.
	s.CS.Base = f.Addr
	s.CS.Selector = uint16(f.Addr >> 4)

	if err := cpu.SetSregs(s); err != nil {
		return err
	}

	return cpu.SetRegs(hypervisor.Regs{RIP: 0, RFLAGS: 0x2})
}
