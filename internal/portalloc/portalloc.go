// Package portalloc allocates and tracks virtual USB/IP ports on the
// receiver host. It wraps an injected Binder capability rather than
// talking to the kernel directly, and it is constructed once and passed
// around explicitly instead of living as a package-level singleton.
package portalloc

import (
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"

	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
)

// Binder is the external capability that actually attaches or detaches a
// device from a virtual HCI port, e.g. by writing to a sysfs node or
// shelling out to a helper command. It is injected so the allocator itself
// never depends on kernel interfaces.
type Binder interface {
	Attach(port Port, deviceID uint32, speed usbip.Speed) error
	Detach(port Port) error
}

// Port is a virtual HCI port number.
type Port uint8

// slot tracks one port's occupancy.
type slot struct {
	inUse    bool
	deviceID uint32
	speed    usbip.Speed
}

// Allocator hands out free ports and releases them, guarding its state
// with a mutex rather than relying on any implicit single-writer
// assumption.
type Allocator struct {
	mu     sync.Mutex
	binder Binder
	slots  []slot
	logger log.Logger
}

// New constructs an allocator with numPorts ports, all initially free.
func New(numPorts int, binder Binder, logger log.Logger) *Allocator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Allocator{
		binder: binder,
		slots:  make([]slot, numPorts),
		logger: logger,
	}
}

// Allocate finds a free port, binds deviceID to it at the given speed, and
// returns the port number.
func (a *Allocator) Allocate(deviceID uint32, speed usbip.Speed) (Port, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.findFreeLocked()
	if !ok {
		return 0, errors.New("portalloc: no free port available")
	}

	if err := a.binder.Attach(port, deviceID, speed); err != nil {
		return 0, errors.Wrapf(err, "portalloc: attach device %d to port %d", deviceID, port)
	}

	a.slots[port] = slot{inUse: true, deviceID: deviceID, speed: speed}
	_ = a.logger.Log("msg", "allocated port", "port", port, "device_id", deviceID)
	return port, nil
}

func (a *Allocator) findFreeLocked() (Port, bool) {
	for i, s := range a.slots {
		if !s.inUse {
			return Port(i), true
		}
	}
	return 0, false
}

// Release detaches whatever device is bound to port and marks it free.
func (a *Allocator) Release(port Port) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if int(port) >= len(a.slots) {
		return errors.Newf("portalloc: port %d out of range", port)
	}
	if !a.slots[port].inUse {
		return nil
	}

	if err := a.binder.Detach(port); err != nil {
		return errors.Wrapf(err, "portalloc: detach port %d", port)
	}
	a.slots[port] = slot{}
	_ = a.logger.Log("msg", "released port", "port", port)
	return nil
}

// InUse reports how many ports are currently occupied.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, s := range a.slots {
		if s.inUse {
			n++
		}
	}
	return n
}

// Total reports the number of ports the allocator manages.
func (a *Allocator) Total() int {
	return len(a.slots)
}
