package session

import (
	"context"
	"testing"
	"time"

	"github.com/usbip-bridge/usbip-bridge/internal/deviceio"
	"github.com/usbip-bridge/usbip-bridge/internal/transport"
	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
	"github.com/usbip-bridge/usbip-bridge/internal/wire"
)

func startTestSender(t *testing.T, enum *deviceio.FakeEnumerator) string {
	t.Helper()
	ln, err := transport.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	sender := NewSender(ln, NewEnumeratorProvider(enum), nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = sender.Serve(ctx) }()

	return ln.Addr().String()
}

func TestListImportAndSubmitURB(t *testing.T) {
	dev := deviceio.NewFakeDevice(deviceio.Descriptor{
		BusID: "1-1", IDVendor: 0x0781, IDProduct: 0x5567, Class: usbip.DeviceClassMassStorage,
	})
	dev.OnBulk = func(_ interface{}, _ []byte) ([]byte, error) {
		return []byte{0xDE, 0xAD, 0xBE, 0xEF}, nil
	}
	enum := deviceio.NewFakeEnumerator(dev)

	addr := startTestSender(t, enum)

	recv := NewReceiver(addr, nil, 0, 0)
	if err := recv.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = recv.Run(ctx) }()

	devices, err := recv.ListDevices()
	if err != nil {
		t.Fatalf("ListDevices() error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("got %d devices, want 1", len(devices))
	}

	info, err := recv.Import("1-1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	if info.IDVendor != 0x0781 {
		t.Errorf("IDVendor = %#x, want 0x0781", info.IDVendor)
	}

	urbCtx, urbCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer urbCancel()
	urb := usbip.URB{
		ID:           1,
		Direction:    usbip.DirectionIn,
		Endpoint:     1,
		Type:         usbip.TransferBulk,
		ActualLength: 4,
	}
	data, status, err := recv.SubmitURB(urbCtx, urb)
	if err != nil {
		t.Fatalf("SubmitURB() error = %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}
	if len(data) != 4 || data[0] != 0xDE {
		t.Errorf("data = %v, want [0xDE 0xAD 0xBE 0xEF]", data)
	}
}

func TestURBSubmitRoutesToVirtualDevice(t *testing.T) {
	ln, err := transport.Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	recv := NewReceiver(ln.Addr().String(), nil, 0, 0)

	peerCh := make(chan *transport.Conn, 1)
	go func() {
		peer, err := ln.Accept()
		if err != nil {
			return
		}
		peerCh <- peer
	}()

	if err := recv.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	peer := <-peerCh
	defer peer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = recv.Run(ctx) }()

	importDone := make(chan struct{})
	go func() {
		defer close(importDone)
		frame, err := peer.Receive()
		if err != nil || frame.Type != wire.MessageImportRequest {
			return
		}
		var info usbip.DeviceInfo
		info.SetBusID("1-1")
		info.BusNum = 1
		info.DevNum = 1
		info.IDVendor = 0x0781
		_ = peer.Send(wire.MessageImportResponse, usbip.EncodeImportResponse(info))
	}()

	info, err := recv.Import("1-1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}
	<-importDone

	setup := [8]byte{0x80, 0x06, 0, 0x01} // GET_DESCRIPTOR, DEVICE, device-to-host
	urb := usbip.URB{
		ID:        42,
		DeviceID:  info.ID(),
		Direction: usbip.DirectionIn,
		Type:      usbip.TransferControl,
		Setup:     setup,
	}
	if err := peer.Send(wire.MessageURBSubmit, usbip.EncodeSubmit(urb)); err != nil {
		t.Fatalf("Send(URBSubmit) error = %v", err)
	}

	respFrame, err := peer.Receive()
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if respFrame.Type != wire.MessageURBResponse {
		t.Fatalf("got frame type %v, want MessageURBResponse", respFrame.Type)
	}
	_, data, status, err := usbip.DecodeResponse(respFrame.Payload, usbip.DirectionIn)
	if err != nil {
		t.Fatalf("DecodeResponse() error = %v", err)
	}
	if status != 0 {
		t.Errorf("status = %d, want 0", status)
	}
	if len(data) != 18 || data[1] != 0x01 {
		t.Errorf("got %v, want an 18-byte device descriptor", data)
	}
}

func TestHotplugDisconnectRetiresVirtualDevice(t *testing.T) {
	dev := deviceio.NewFakeDevice(deviceio.Descriptor{
		BusID: "2-1", BusNum: 2, DevNum: 1, IDVendor: 0x1234, IDProduct: 0x5678, Class: usbip.DeviceClassMassStorage,
	})
	enum := deviceio.NewFakeEnumerator(dev)
	addr := startTestSender(t, enum)

	recv := NewReceiver(addr, nil, 0, 0)
	if err := recv.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = recv.Run(ctx) }()

	info, err := recv.Import("2-1")
	if err != nil {
		t.Fatalf("Import() error = %v", err)
	}

	deadline := time.After(2 * time.Second)
	for {
		recv.devMu.Lock()
		_, attached := recv.devices[info.ID()]
		recv.devMu.Unlock()
		if attached {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for virtual device to attach")
		case <-time.After(time.Millisecond):
		}
	}

	enum.Unplug("2-1")

	deadline = time.After(2 * time.Second)
	for {
		recv.devMu.Lock()
		_, stillAttached := recv.devices[info.ID()]
		recv.devMu.Unlock()
		if !stillAttached {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for disconnect to retire the virtual device")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestImportUnknownDeviceFails(t *testing.T) {
	enum := deviceio.NewFakeEnumerator()
	addr := startTestSender(t, enum)

	recv := NewReceiver(addr, nil, 0, 0)
	if err := recv.Connect(); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = recv.Run(ctx) }()

	if _, err := recv.Import("9-9"); err == nil {
		t.Fatalf("Import() of unknown device succeeded")
	}
}
