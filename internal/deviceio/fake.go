package deviceio

import (
	"context"
	"sync"

	"github.com/efficientgo/core/errors"
)

// TransferFunc computes the response bytes and actual length for a
// transfer against a fake device, letting tests script device behavior
// without a real bus.
type TransferFunc func(setupOrEndpoint interface{}, data []byte) (resp []byte, err error)

// FakeDevice is an in-memory Device used in tests and by callers that want
// to exercise the capture/session pipeline without real hardware.
type FakeDevice struct {
	mu         sync.Mutex
	desc       Descriptor
	claimed    map[int]bool
	OnControl  TransferFunc
	OnBulk     TransferFunc
	OnInterrupt TransferFunc
	closed     bool
}

// NewFakeDevice returns a fake device described by desc.
func NewFakeDevice(desc Descriptor) *FakeDevice {
	return &FakeDevice{desc: desc, claimed: map[int]bool{}}
}

func (f *FakeDevice) Descriptor() Descriptor { return f.desc }

func (f *FakeDevice) ClaimInterface(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claimed[n] = true
	return nil
}

func (f *FakeDevice) ReleaseInterface(n int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.claimed, n)
	return nil
}

func (f *FakeDevice) ControlTransfer(_ context.Context, setup [8]byte, data []byte) (int, error) {
	if f.OnControl == nil {
		return 0, nil
	}
	resp, err := f.OnControl(setup, data)
	if err != nil {
		return 0, err
	}
	copy(data, resp)
	return len(resp), nil
}

func (f *FakeDevice) BulkTransfer(_ context.Context, endpoint uint8, data []byte) (int, error) {
	if f.OnBulk == nil {
		return len(data), nil
	}
	resp, err := f.OnBulk(endpoint, data)
	if err != nil {
		return 0, err
	}
	copy(data, resp)
	return len(resp), nil
}

func (f *FakeDevice) InterruptTransfer(_ context.Context, endpoint uint8, data []byte) (int, error) {
	if f.OnInterrupt == nil {
		return len(data), nil
	}
	resp, err := f.OnInterrupt(endpoint, data)
	if err != nil {
		return 0, err
	}
	copy(data, resp)
	return len(resp), nil
}

func (f *FakeDevice) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// FakeEnumerator is a fixed, in-memory Enumerator used in tests. It never
// fires hotplug events on its own; tests call Plug/Unplug directly.
type FakeEnumerator struct {
	mu        sync.Mutex
	devices   map[string]*FakeDevice
	callback  HotplugCallback
	monitoring bool
}

// NewFakeEnumerator returns an enumerator seeded with devices.
func NewFakeEnumerator(devices ...*FakeDevice) *FakeEnumerator {
	e := &FakeEnumerator{devices: map[string]*FakeDevice{}}
	for _, d := range devices {
		e.devices[d.desc.BusID] = d
	}
	return e
}

func (e *FakeEnumerator) Enumerate(context.Context) ([]Descriptor, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Descriptor, 0, len(e.devices))
	for _, d := range e.devices {
		out = append(out, d.desc)
	}
	return out, nil
}

func (e *FakeEnumerator) MassStorageDevices(ctx context.Context) ([]Descriptor, error) {
	all, err := e.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(all))
	for _, d := range all {
		if d.Class == 0x08 {
			out = append(out, d)
		}
	}
	return out, nil
}

func (e *FakeEnumerator) FindByVIDPID(ctx context.Context, vendor, product uint16) (Descriptor, bool, error) {
	all, err := e.Enumerate(ctx)
	if err != nil {
		return Descriptor{}, false, err
	}
	for _, d := range all {
		if d.IDVendor == vendor && d.IDProduct == product {
			return d, true, nil
		}
	}
	return Descriptor{}, false, nil
}

func (e *FakeEnumerator) FindByPath(ctx context.Context, path string) (Descriptor, bool, error) {
	all, err := e.Enumerate(ctx)
	if err != nil {
		return Descriptor{}, false, err
	}
	for _, d := range all {
		if d.Path == path {
			return d, true, nil
		}
	}
	return Descriptor{}, false, nil
}

func (e *FakeEnumerator) Open(_ context.Context, d Descriptor) (Device, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dev, ok := e.devices[d.BusID]
	if !ok {
		return nil, errors.Newf("deviceio: no such device %s", d.BusID)
	}
	return dev, nil
}

func (e *FakeEnumerator) StartHotplugMonitoring(cb HotplugCallback) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.callback = cb
	e.monitoring = true
	return nil
}

func (e *FakeEnumerator) StopHotplugMonitoring() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.monitoring = false
	e.callback = nil
}

// Plug adds a device and, if monitoring is active, fires a connect event.
func (e *FakeEnumerator) Plug(d *FakeDevice) {
	e.mu.Lock()
	e.devices[d.desc.BusID] = d
	cb, monitoring := e.callback, e.monitoring
	e.mu.Unlock()
	if monitoring && cb != nil {
		cb(HotplugEvent{Device: d.desc, Connected: true})
	}
}

// Unplug removes a device and, if monitoring is active, fires a disconnect
// event carrying the removed device's descriptor.
func (e *FakeEnumerator) Unplug(busID string) {
	e.mu.Lock()
	d, ok := e.devices[busID]
	delete(e.devices, busID)
	cb, monitoring := e.callback, e.monitoring
	e.mu.Unlock()
	if ok && monitoring && cb != nil {
		cb(HotplugEvent{Device: d.desc, Connected: false})
	}
}
