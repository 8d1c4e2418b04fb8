package usbip

import (
	"bytes"
	"testing"
)

func TestImportRequestIsRawBusID(t *testing.T) {
	encoded := EncodeImportRequest("1-2")
	if string(encoded) != "1-2" {
		t.Errorf("EncodeImportRequest() = %q, want %q", encoded, "1-2")
	}
	if got := DecodeImportRequest(encoded); got != "1-2" {
		t.Errorf("DecodeImportRequest() = %q, want %q", got, "1-2")
	}
}

func TestImportResponseSuccessBeginsWithOne(t *testing.T) {
	var info DeviceInfo
	info.SetBusID("1-2")
	info.IDVendor = 0x1234

	encoded := EncodeImportResponse(info)
	if encoded[0] != 0x01 {
		t.Fatalf("first byte = %#x, want 0x01", encoded[0])
	}

	resp, err := DecodeImportResponse(encoded)
	if err != nil {
		t.Fatalf("DecodeImportResponse() error = %v", err)
	}
	if resp.Device.IDVendor != 0x1234 {
		t.Errorf("IDVendor = %#x, want 0x1234", resp.Device.IDVendor)
	}
}

func TestDeviceInfoIDCombinesBusNumAndDevNum(t *testing.T) {
	info := DeviceInfo{BusNum: 1, DevNum: 2}
	if got, want := info.ID(), uint32(1)<<16|2; got != want {
		t.Errorf("ID() = %#x, want %#x", got, want)
	}
}

func TestImportResponseErrorCarriesMessage(t *testing.T) {
	encoded := EncodeImportError("device 9-9 not found")
	if encoded[0] != 0x00 {
		t.Fatalf("first byte = %#x, want 0x00", encoded[0])
	}
	if !bytes.Equal(encoded[1:], []byte("device 9-9 not found")) {
		t.Errorf("error text = %q, want %q", encoded[1:], "device 9-9 not found")
	}

	_, err := DecodeImportResponse(encoded)
	if err == nil {
		t.Fatal("DecodeImportResponse() succeeded on a failure response")
	}
	if got := err.Error(); !bytes.Contains([]byte(got), []byte("device 9-9 not found")) {
		t.Errorf("error = %q, want it to contain the sender's message", got)
	}
}
