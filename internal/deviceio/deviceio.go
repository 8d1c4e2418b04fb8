// Package deviceio defines the device I/O capability the sender uses to
// talk to physical USB devices. It is an abstract capability rather than a
// concrete libusb binding: the host-controller driver is out of scope for
// this module, so every implementation here either mocks transfers for
// tests or is expected to be supplied by the embedding program.
package deviceio

import (
	"context"

	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
)

// Descriptor identifies a physical USB device independent of any
// particular open handle to it.
type Descriptor struct {
	BusID        string
	BusNum       uint16
	DevNum       uint16
	Path         string
	IDVendor     uint16
	IDProduct    uint16
	Class        uint8
	Subclass     uint8
	Protocol     uint8
	Speed        usbip.Speed
	Configurations []byte // raw concatenated configuration descriptors, as read from the device
}

// HotplugEvent reports a device connecting or disconnecting. It always
// names the device, even on disconnect, so a callback never has to
// correlate a bare notification back to a device some other way.
type HotplugEvent struct {
	Device    Descriptor
	Connected bool
}

// Device is a single open USB device handle.
type Device interface {
	Descriptor() Descriptor
	ClaimInterface(n int) error
	ReleaseInterface(n int) error
	ControlTransfer(ctx context.Context, setup [8]byte, data []byte) (actual int, err error)
	BulkTransfer(ctx context.Context, endpoint uint8, data []byte) (actual int, err error)
	InterruptTransfer(ctx context.Context, endpoint uint8, data []byte) (actual int, err error)
	Close() error
}

// HotplugCallback is invoked once per connect/disconnect event.
type HotplugCallback func(HotplugEvent)

// Enumerator discovers and opens physical USB devices. This package has
// two implementations: FakeEnumerator, an in-memory fake for tests, and
// HostEnumerator, which enumerates devices from sysfs but cannot open them
// or monitor hotplug.
type Enumerator interface {
	Enumerate(ctx context.Context) ([]Descriptor, error)
	MassStorageDevices(ctx context.Context) ([]Descriptor, error)
	FindByVIDPID(ctx context.Context, vendor, product uint16) (Descriptor, bool, error)
	FindByPath(ctx context.Context, path string) (Descriptor, bool, error)
	Open(ctx context.Context, d Descriptor) (Device, error)
	StartHotplugMonitoring(cb HotplugCallback) error
	StopHotplugMonitoring()
}
