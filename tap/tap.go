// Package tap opens host tap interfaces used as virtio-net backends.
package tap

import (
	"errors"
	"fmt"
	"os"
	"unsafe"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const ifNameSize = unix.IFNAMSIZ

var ErrNotTap = errors.New("link is not a tap device")

// Tap is an open tap interface. Reads and writes carry one ethernet frame
// each, without packet information.
type Tap struct {
	name string
	f    *os.File
}

type ifReq struct {
	Name  [ifNameSize]byte
	Flags uint16
	_     [0x28 - ifNameSize - 2]byte
}

// New attaches to the tap interface name, creating it if needed.
func New(name string) (*Tap, error) {
	if len(name) >= ifNameSize {
		return nil, fmt.Errorf("tap name %q too long", name)
	}

	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("open /dev/net/tun: %w", err)
	}

	ifr := ifReq{Flags: unix.IFF_TAP | unix.IFF_NO_PI}
	copy(ifr.Name[:ifNameSize-1], name)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), unix.TUNSETIFF, uintptr(unsafe.Pointer(&ifr))); errno != 0 {
		unix.Close(fd)

		return nil, fmt.Errorf("TUNSETIFF %s: %w", name, errno)
	}

	// A non-blocking descriptor goes through the runtime poller, so Close
	// unblocks a pending Read.
	return &Tap{name: name, f: os.NewFile(uintptr(fd), "tap:"+name)}, nil
}

// Name returns the interface name.
func (t *Tap) Name() string { return t.name }

func (t *Tap) Read(p []byte) (int, error) { return t.f.Read(p) }

func (t *Tap) Write(p []byte) (int, error) { return t.f.Write(p) }

func (t *Tap) Close() error { return t.f.Close() }

// Config is the host side setup of a tap interface.
type Config struct {
	// Addr in CIDR notation, assigned to the host end. Optional.
	Addr string
	MTU  int
	// Bridge the interface is enslaved to. Optional.
	Bridge string
}

// Configure applies c to the interface and brings it up.
func Configure(name string, c Config) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("find %s: %w", name, err)
	}

	if _, ok := link.(*netlink.Tuntap); !ok {
		return fmt.Errorf("%w: %s", ErrNotTap, name)
	}

	if c.MTU > 0 {
		if err := netlink.LinkSetMTU(link, c.MTU); err != nil {
			return fmt.Errorf("set mtu of %s: %w", name, err)
		}
	}

	if c.Addr != "" {
		addr, err := netlink.ParseAddr(c.Addr)
		if err != nil {
			return err
		}

		if err := netlink.AddrReplace(link, addr); err != nil {
			return fmt.Errorf("assign %s to %s: %w", c.Addr, name, err)
		}
	}

	if c.Bridge != "" {
		br, err := netlink.LinkByName(c.Bridge)
		if err != nil {
			return fmt.Errorf("find bridge %s: %w", c.Bridge, err)
		}

		if err := netlink.LinkSetMaster(link, br); err != nil {
			return fmt.Errorf("attach %s to %s: %w", name, c.Bridge, err)
		}
	}

	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("bring %s up: %w", name, err)
	}

	return nil
}

// Destroy removes a persistent tap interface. A missing link is not an
// error.
func Destroy(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}

		return err
	}

	if _, ok := link.(*netlink.Tuntap); !ok {
		return fmt.Errorf("%w: %s", ErrNotTap, name)
	}

	return netlink.LinkDel(link)
}
