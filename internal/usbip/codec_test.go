package usbip

import (
	"bytes"
	"testing"
)

func TestDeviceInfoRoundTrip(t *testing.T) {
	var info DeviceInfo
	info.SetPath("/sys/devices/pci0000:00/usb1/1-1")
	info.SetBusID("1-1")
	info.BusNum = 1
	info.DevNum = 2
	info.Speed = uint32(SpeedHigh)
	info.IDVendor = 0x0781
	info.IDProduct = 0x5567
	info.BDeviceClass = DeviceClassMassStorage
	info.BNumInterfaces = 1

	encoded := EncodeDeviceInfo(info)
	if len(encoded) != DeviceInfoSize {
		t.Fatalf("encoded length = %d, want %d", len(encoded), DeviceInfoSize)
	}

	decoded, err := DecodeDeviceInfo(encoded)
	if err != nil {
		t.Fatalf("DecodeDeviceInfo() error = %v", err)
	}
	if decoded.IDVendor != info.IDVendor || decoded.IDProduct != info.IDProduct {
		t.Errorf("got vendor/product %04x/%04x, want %04x/%04x", decoded.IDVendor, decoded.IDProduct, info.IDVendor, info.IDProduct)
	}
	if decoded.BDeviceClass != DeviceClassMassStorage {
		t.Errorf("BDeviceClass = %#x, want %#x", decoded.BDeviceClass, DeviceClassMassStorage)
	}
	if !bytes.HasPrefix(decoded.BusID[:], []byte("1-1")) {
		t.Errorf("BusID = %q, want prefix \"1-1\"", decoded.BusID)
	}
}

func TestDevlistResponseRoundTrip(t *testing.T) {
	var info DeviceInfo
	info.SetBusID("1-1")
	info.BNumInterfaces = 1
	devices := []Device{
		{Info: info, Interfaces: []InterfaceInfo{{BInterfaceClass: DeviceClassMassStorage}}},
	}

	encoded := EncodeDevlistResponse(devices)
	hdr, err := DecodeControlHeader(encoded[0:8])
	if err != nil {
		t.Fatalf("DecodeControlHeader() error = %v", err)
	}
	if hdr.Version != ProtocolVersion {
		t.Errorf("Version = %#x, want %#x", hdr.Version, ProtocolVersion)
	}

	decoded, err := DecodeDevlistResponse(encoded[8:])
	if err != nil {
		t.Fatalf("DecodeDevlistResponse() error = %v", err)
	}
	if len(decoded) != 1 {
		t.Fatalf("got %d devices, want 1", len(decoded))
	}
	if len(decoded[0].Interfaces) != 1 {
		t.Fatalf("got %d interfaces, want 1", len(decoded[0].Interfaces))
	}
	if decoded[0].Interfaces[0].BInterfaceClass != DeviceClassMassStorage {
		t.Errorf("BInterfaceClass = %#x, want %#x", decoded[0].Interfaces[0].BInterfaceClass, DeviceClassMassStorage)
	}
}

func TestURBSubmitRoundTrip(t *testing.T) {
	urb := URB{
		ID:        42,
		DeviceID:  0x00010002,
		Direction: DirectionOut,
		Endpoint:  2,
		Type:      TransferBulk,
		Data:      []byte{1, 2, 3, 4},
	}

	encoded := EncodeSubmit(urb)
	decoded, err := DecodeSubmit(encoded)
	if err != nil {
		t.Fatalf("DecodeSubmit() error = %v", err)
	}
	if decoded.ID != urb.ID || decoded.DeviceID != urb.DeviceID {
		t.Errorf("got id/device %d/%d, want %d/%d", decoded.ID, decoded.DeviceID, urb.ID, urb.DeviceID)
	}
	if !bytes.Equal(decoded.Data, urb.Data) {
		t.Errorf("Data = %v, want %v", decoded.Data, urb.Data)
	}
}

func TestURBResponseRoundTrip(t *testing.T) {
	urb := URB{ID: 7, DeviceID: 9, Direction: DirectionIn, Endpoint: 1}
	data := []byte{0xAA, 0xBB}

	encoded := EncodeResponse(urb, data, 0)
	id, gotData, status, err := DecodeResponse(encoded, DirectionIn)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if id != urb.ID {
		t.Errorf("id = %d, want %d", id, urb.ID)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}
	if !bytes.Equal(gotData, data) {
		t.Errorf("data = %v, want %v", gotData, data)
	}
}
