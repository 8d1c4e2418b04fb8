// Package session implements the sender and receiver sides of the bridge
// protocol: device enumeration, import, URB submit/response forwarding,
// heartbeats, and the receiver's auto-reconnect behavior.
package session

import (
	"context"

	"github.com/usbip-bridge/usbip-bridge/internal/deviceio"
	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
)

// DeviceProvider exposes the sender's locally attached devices to the
// session layer, decoupling protocol handling from device enumeration.
type DeviceProvider interface {
	// ListDevices returns the currently attached devices, described in
	// USB/IP wire form.
	ListDevices(ctx context.Context) ([]usbip.Device, error)
	// Open opens the device identified by busID for exclusive use by one
	// session, returning both the open handle and its USB/IP device
	// record (needed to answer the import response).
	Open(ctx context.Context, busID string) (deviceio.Device, usbip.DeviceInfo, error)
}

// HotplugAware is optionally implemented by a DeviceProvider that can
// observe devices connecting and disconnecting from the underlying bus
// after they were enumerated or imported.
type HotplugAware interface {
	// WatchHotplug registers cb to be called once per connect/disconnect
	// event, busID naming the affected device.
	WatchHotplug(cb func(busID string, connected bool)) error
}

// enumeratorProvider adapts a deviceio.Enumerator into a DeviceProvider,
// describing each enumerated device with a single bulk-only mass-storage
// interface, the only device class this bridge forwards.
type enumeratorProvider struct {
	enum deviceio.Enumerator
}

// NewEnumeratorProvider wraps enum as a DeviceProvider.
func NewEnumeratorProvider(enum deviceio.Enumerator) DeviceProvider {
	return &enumeratorProvider{enum: enum}
}

func (p *enumeratorProvider) ListDevices(ctx context.Context) ([]usbip.Device, error) {
	descs, err := p.enum.MassStorageDevices(ctx)
	if err != nil {
		return nil, err
	}
	devices := make([]usbip.Device, 0, len(descs))
	for _, d := range descs {
		devices = append(devices, descriptorToDevice(d))
	}
	return devices, nil
}

func (p *enumeratorProvider) Open(ctx context.Context, busID string) (deviceio.Device, usbip.DeviceInfo, error) {
	desc, ok, err := p.enum.FindByPath(ctx, busID)
	if err != nil {
		return nil, usbip.DeviceInfo{}, err
	}
	if !ok {
		desc, ok, err = findByBusID(ctx, p.enum, busID)
		if err != nil {
			return nil, usbip.DeviceInfo{}, err
		}
	}
	if !ok {
		return nil, usbip.DeviceInfo{}, errNoSuchDevice(busID)
	}
	dev, err := p.enum.Open(ctx, desc)
	if err != nil {
		return nil, usbip.DeviceInfo{}, err
	}
	return dev, descriptorToDevice(desc).Info, nil
}

// WatchHotplug implements HotplugAware by forwarding the underlying
// enumerator's hotplug stream.
func (p *enumeratorProvider) WatchHotplug(cb func(busID string, connected bool)) error {
	return p.enum.StartHotplugMonitoring(func(ev deviceio.HotplugEvent) {
		cb(ev.Device.BusID, ev.Connected)
	})
}

func findByBusID(ctx context.Context, enum deviceio.Enumerator, busID string) (deviceio.Descriptor, bool, error) {
	all, err := enum.Enumerate(ctx)
	if err != nil {
		return deviceio.Descriptor{}, false, err
	}
	for _, d := range all {
		if d.BusID == busID {
			return d, true, nil
		}
	}
	return deviceio.Descriptor{}, false, nil
}

func descriptorToDevice(d deviceio.Descriptor) usbip.Device {
	var info usbip.DeviceInfo
	info.SetPath(d.Path)
	info.SetBusID(d.BusID)
	info.BusNum = uint32(d.BusNum)
	info.DevNum = uint32(d.DevNum)
	info.Speed = uint32(d.Speed)
	info.IDVendor = d.IDVendor
	info.IDProduct = d.IDProduct
	info.BDeviceClass = d.Class
	info.BDeviceSubclass = d.Subclass
	info.BDeviceProtocol = d.Protocol
	info.BNumConfigurations = 1
	info.BNumInterfaces = 1

	return usbip.Device{
		Info: info,
		Interfaces: []usbip.InterfaceInfo{
			{BInterfaceClass: d.Class, BInterfaceSubclass: d.Subclass, BInterfaceProtocol: d.Protocol},
		},
	}
}
