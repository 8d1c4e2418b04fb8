package wire

import (
	"bytes"
	"testing"
)

func TestMarshalRoundTrip(t *testing.T) {
	payload := []byte("hello urb")
	encoded := Marshal(MessageURBSubmit, 7, payload)

	r := NewReader(bytes.NewReader(encoded), nil)
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if frame.Type != MessageURBSubmit {
		t.Errorf("Type = %v, want %v", frame.Type, MessageURBSubmit)
	}
	if frame.Sequence != 7 {
		t.Errorf("Sequence = %d, want 7", frame.Sequence)
	}
	if !bytes.Equal(frame.Payload, payload) {
		t.Errorf("Payload = %q, want %q", frame.Payload, payload)
	}
}

func TestReaderResyncsPastGarbage(t *testing.T) {
	good := Marshal(MessageHeartbeat, 1, nil)
	var buf bytes.Buffer
	buf.WriteString("garbage-before-frame")
	buf.Write(good)

	r := NewReader(&buf, nil)
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if frame.Type != MessageHeartbeat {
		t.Errorf("Type = %v, want %v", frame.Type, MessageHeartbeat)
	}
}

func TestReaderDropsChecksumMismatch(t *testing.T) {
	corrupt := Marshal(MessageURBSubmit, 2, []byte("payload"))
	// Flip a payload byte without updating the checksum.
	corrupt[HeaderSize] ^= 0xFF

	good := Marshal(MessageHeartbeat, 3, nil)

	var buf bytes.Buffer
	buf.Write(corrupt)
	buf.Write(good)

	r := NewReader(&buf, nil)
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if frame.Type != MessageHeartbeat || frame.Sequence != 3 {
		t.Errorf("got %+v, want the heartbeat frame that followed the corrupt one", frame)
	}
}

func TestReaderDiscardsOversizeLength(t *testing.T) {
	bad := make([]byte, HeaderSize)
	encodeHeader(bad, Header{Magic: FrameMagic, Type: MessageURBSubmit, Length: MaxPayloadSize + 1})

	good := Marshal(MessageHeartbeat, 9, nil)

	var buf bytes.Buffer
	buf.Write(bad)
	buf.Write(good)

	r := NewReader(&buf, nil)
	frame, err := r.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if frame.Sequence != 9 {
		t.Errorf("Sequence = %d, want 9", frame.Sequence)
	}
}

func TestSequenceCounterStartsAtOne(t *testing.T) {
	c := NewSequenceCounter()
	if got := c.Next(); got != 1 {
		t.Errorf("first Next() = %d, want 1", got)
	}
	if got := c.Next(); got != 2 {
		t.Errorf("second Next() = %d, want 2", got)
	}
}
