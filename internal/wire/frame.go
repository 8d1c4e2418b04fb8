// Package wire implements the framed transport protocol used to carry
// USB/IP control and data messages between a sender and a receiver host.
package wire

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// FrameMagic marks the start of every frame on the wire ("USBI" in ASCII).
const FrameMagic uint32 = 0x55534249

// HeaderSize is the size in bytes of a frame header.
const HeaderSize = 20

// MaxPayloadSize bounds a single frame's payload to guard against a
// corrupted length field turning into an unbounded allocation.
const MaxPayloadSize = 1 << 20

// MessageType identifies the kind of payload a frame carries.
type MessageType uint32

const (
	MessageDeviceListRequest MessageType = iota + 1
	MessageDeviceListResponse
	MessageImportRequest
	MessageImportResponse
	MessageURBSubmit
	MessageURBResponse
	MessageDeviceDisconnect
	MessageHeartbeat
)

func (t MessageType) String() string {
	switch t {
	case MessageDeviceListRequest:
		return "DEVICE_LIST_REQUEST"
	case MessageDeviceListResponse:
		return "DEVICE_LIST_RESPONSE"
	case MessageImportRequest:
		return "IMPORT_REQUEST"
	case MessageImportResponse:
		return "IMPORT_RESPONSE"
	case MessageURBSubmit:
		return "URB_SUBMIT"
	case MessageURBResponse:
		return "URB_RESPONSE"
	case MessageDeviceDisconnect:
		return "DEVICE_DISCONNECT"
	case MessageHeartbeat:
		return "HEARTBEAT"
	default:
		return "UNKNOWN"
	}
}

// Header is the fixed-size preamble that precedes every frame payload.
// All fields are big-endian on the wire.
type Header struct {
	Magic      uint32
	Type       MessageType
	Length     uint32
	Sequence   uint32
	Checksum   uint32
}

// Frame is a fully decoded message: a header plus its payload bytes.
type Frame struct {
	Type     MessageType
	Sequence uint32
	Payload  []byte
}

// checksum is an additive, wrapping checksum over the payload bytes. It
// only catches truncation and bit flips, not deliberate tampering; TCP
// already guards against reordering, and a stronger checksum is not
// needed on top of that.
func checksum(payload []byte) uint32 {
	var sum uint32
	for _, b := range payload {
		sum += uint32(b)
	}
	return sum
}

func encodeHeader(buf []byte, h Header) {
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.Length)
	binary.BigEndian.PutUint32(buf[12:16], h.Sequence)
	binary.BigEndian.PutUint32(buf[16:20], h.Checksum)
}

func decodeHeader(buf []byte) Header {
	return Header{
		Magic:    binary.BigEndian.Uint32(buf[0:4]),
		Type:     MessageType(binary.BigEndian.Uint32(buf[4:8])),
		Length:   binary.BigEndian.Uint32(buf[8:12]),
		Sequence: binary.BigEndian.Uint32(buf[12:16]),
		Checksum: binary.BigEndian.Uint32(buf[16:20]),
	}
}

// Marshal encodes a frame (header + payload) for writing to the wire.
func Marshal(typ MessageType, sequence uint32, payload []byte) []byte {
	out := make([]byte, HeaderSize+len(payload))
	encodeHeader(out, Header{
		Magic:    FrameMagic,
		Type:     typ,
		Length:   uint32(len(payload)),
		Sequence: sequence,
		Checksum: checksum(payload),
	})
	copy(out[HeaderSize:], payload)
	return out
}

// ErrChecksumMismatch names a frame whose payload fails its checksum. The
// stream reader does not return it: it drops such a frame and keeps
// reading, since a single corrupted frame should not tear down a session.
var ErrChecksumMismatch = errors.New("wire: checksum mismatch")
