package virtualdevice

import (
	"testing"

	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
)

func attachedDevice(t *testing.T) *Device {
	t.Helper()
	d := New(DeviceInfo{VendorID: 0x0781, ProductID: 0x5567, Class: usbip.DeviceClassMassStorage}, nil)
	if err := d.Attach(); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	return d
}

func TestProcessURBBeforeAttachFails(t *testing.T) {
	d := New(DeviceInfo{}, nil)
	_, status := d.ProcessURB(usbip.URB{Type: usbip.TransferControl})
	if status == 0 {
		t.Errorf("status = 0, want nonzero for un-attached device")
	}
}

func TestGetDeviceDescriptor(t *testing.T) {
	d := attachedDevice(t)
	var setup [8]byte
	setup[0] = 0x80 // device-to-host, standard, device
	setup[1] = 0x06 // GET_DESCRIPTOR
	setup[3] = 0x01 // DEVICE

	data, status := d.ProcessURB(usbip.URB{Type: usbip.TransferControl, Setup: setup})
	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}
	if len(data) != 18 {
		t.Fatalf("got %d bytes, want 18-byte device descriptor", len(data))
	}
	if data[1] != 0x01 {
		t.Errorf("bDescriptorType = %#x, want 0x01", data[1])
	}
}

func TestSetAndGetConfiguration(t *testing.T) {
	d := attachedDevice(t)
	var setSetup [8]byte
	setSetup[1] = 0x09 // SET_CONFIGURATION
	setSetup[2] = 3    // wValue low byte: configuration 3
	if _, status := d.ProcessURB(usbip.URB{Type: usbip.TransferControl, Setup: setSetup}); status != 0 {
		t.Fatalf("SET_CONFIGURATION status = %d, want 0", status)
	}

	var getSetup [8]byte
	getSetup[0] = 0x80
	getSetup[1] = 0x08 // GET_CONFIGURATION
	data, status := d.ProcessURB(usbip.URB{Type: usbip.TransferControl, Setup: getSetup})
	if status != 0 {
		t.Fatalf("GET_CONFIGURATION status = %d, want 0", status)
	}
	if len(data) != 1 || data[0] != 3 {
		t.Errorf("got %v, want [3]", data)
	}
}

func TestMassStorageInquiryViaBulk(t *testing.T) {
	d := attachedDevice(t)

	cbw := make([]byte, 31)
	cbw[14] = 6    // command block length
	cbw[15] = 0x12 // INQUIRY
	cbw[19] = 36   // allocation length

	data, status := d.ProcessURB(usbip.URB{
		Type:      usbip.TransferBulk,
		Direction: usbip.DirectionOut,
		Data:      cbw,
	})
	if status != 0 {
		t.Fatalf("status = %d, want 0", status)
	}
	if len(data) != 36 {
		t.Fatalf("got %d bytes, want 36-byte INQUIRY response", len(data))
	}
	if data[0] != 0x00 {
		t.Errorf("peripheral device type = %#x, want 0x00", data[0])
	}
}

func TestDetachResetsConfiguredState(t *testing.T) {
	d := attachedDevice(t)
	var setSetup [8]byte
	setSetup[1] = 0x09
	setSetup[2] = 5
	d.ProcessURB(usbip.URB{Type: usbip.TransferControl, Setup: setSetup})

	if err := d.Detach(); err != nil {
		t.Fatalf("Detach() error = %v", err)
	}
	if err := d.Attach(); err != nil {
		t.Fatalf("re-Attach() error = %v", err)
	}

	var getSetup [8]byte
	getSetup[0] = 0x80
	getSetup[1] = 0x08
	data, _ := d.ProcessURB(usbip.URB{Type: usbip.TransferControl, Setup: getSetup})
	if data[0] != 0 {
		t.Errorf("configured state survived detach/attach: got %v, want [0]", data)
	}
}
