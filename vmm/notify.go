package vmm

import (
	"errors"
	"sync"

	"github.com/bobuhiro11/govmm/hypervisor"
	"github.com/bobuhiro11/govmm/virtio"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// queueNotifier routes the notify registers of a virtio device to
// ioeventfds, so a driver kick completes in the kernel and is delivered to
// the device here without a vcpu exit. It follows BAR0 when the guest moves
// it.
type queueNotifier struct {
	vm  hypervisor.VM
	pci *virtio.PCIDevice
	log logrus.FieldLogger

	mu   sync.Mutex
	base uint64
	fds  []int
	stop int
	wg   sync.WaitGroup
}

func newQueueNotifier(vm hypervisor.VM, p *virtio.PCIDevice, base uint64,
	log logrus.FieldLogger,
) (*queueNotifier, error) {
	n := &queueNotifier{vm: vm, pci: p, log: log, base: base, stop: -1}

	if err := n.open(len(p.Queues())); err != nil {
		n.closeFDs()

		return nil, err
	}

	if err := n.register(base); err != nil {
		n.closeFDs()

		return nil, err
	}

	n.wg.Add(1)

	go n.drain()

	return n, nil
}

func (n *queueNotifier) open(queues int) error {
	var err error

	if n.stop, err = unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK); err != nil {
		n.stop = -1

		return err
	}

	for i := 0; i < queues; i++ {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
		if err != nil {
			return err
		}

		n.fds = append(n.fds, fd)
	}

	return nil
}

func (n *queueNotifier) event(base uint64, queue int) hypervisor.IOEvent {
	return hypervisor.IOEvent{Addr: virtio.NotifyAddr(base, queue), FD: n.fds[queue]}
}

func (n *queueNotifier) register(base uint64) error {
	for q := range n.fds {
		if err := n.vm.RegisterIOEvent(n.event(base, q)); err != nil {
			n.unregister(base, q)

			return err
		}
	}

	return nil
}

// unregister drops the first count queues registered at base.
func (n *queueNotifier) unregister(base uint64, count int) {
	for q := 0; q < count; q++ {
		if err := n.vm.UnregisterIOEvent(n.event(base, q)); err != nil {
			n.log.WithError(err).WithField("queue", q).Warn("unregistering ioeventfd")
		}
	}
}

// move re-registers every queue for BAR0 at base. On failure the exits
// path keeps delivering notifications.
func (n *queueNotifier) move(base uint64) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if base == n.base {
		return nil
	}

	n.unregister(n.base, len(n.fds))
	n.base = base

	return n.register(base)
}

func (n *queueNotifier) drain() {
	defer n.wg.Done()

	fds := []unix.PollFd{{Fd: int32(n.stop), Events: unix.POLLIN}}
	for _, fd := range n.fds {
		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
	}

	buf := make([]byte, 8)

	for {
		for i := range fds {
			fds[i].Revents = 0
		}

		if _, err := unix.Poll(fds, -1); err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			n.log.WithError(err).Error("queue notifications stopped")

			return
		}

		if fds[0].Revents != 0 {
			return
		}

		for i, fd := range fds[1:] {
			if fd.Revents&unix.POLLIN == 0 {
				continue
			}

			if _, err := unix.Read(int(fd.Fd), buf); err == nil {
				n.pci.NotifyQueue(i)
			}
		}
	}
}

// close unregisters the ioeventfds and stops draining them.
func (n *queueNotifier) close() {
	n.mu.Lock()
	n.unregister(n.base, len(n.fds))
	n.mu.Unlock()

	_, _ = unix.Write(n.stop, []byte{1, 0, 0, 0, 0, 0, 0, 0})
	n.wg.Wait()

	n.closeFDs()
}

func (n *queueNotifier) closeFDs() {
	for _, fd := range n.fds {
		unix.Close(fd)
	}

	if n.stop >= 0 {
		unix.Close(n.stop)
	}

	n.fds, n.stop = nil, -1
}
