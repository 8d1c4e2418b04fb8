package transport

import (
	"net"
	"testing"

	"github.com/usbip-bridge/usbip-bridge/internal/wire"
)

func TestConnSendReceive(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	serverDone := make(chan wire.Frame, 1)
	serverErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			serverErr <- err
			return
		}
		defer conn.Close()
		frame, err := conn.Receive()
		if err != nil {
			serverErr <- err
			return
		}
		serverDone <- frame
	}()

	client, err := Dial(ln.Addr().(*net.TCPAddr).String(), nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer client.Close()

	if err := client.Send(wire.MessageHeartbeat, []byte("ping")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case err := <-serverErr:
		t.Fatalf("server error: %v", err)
	case frame := <-serverDone:
		if frame.Type != wire.MessageHeartbeat {
			t.Errorf("Type = %v, want %v", frame.Type, wire.MessageHeartbeat)
		}
		if string(frame.Payload) != "ping" {
			t.Errorf("Payload = %q, want %q", frame.Payload, "ping")
		}
	}
}
