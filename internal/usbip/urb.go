package usbip

import (
	"bytes"

	"github.com/efficientgo/core/errors"
)

// URB is a USB Request Block captured on the sender and replayed on the
// receiver, or vice versa for its response. For an IN transfer,
// ActualLength is the requested transfer length (how many bytes the
// transfer should read): EncodeSubmit writes it as the transfer buffer
// length and DecodeSubmit fills it from that field. EncodeResponse does not
// read it; the response's actual length is the length of the data passed
// in.
type URB struct {
	ID            uint32
	DeviceID      uint32
	Direction     Direction
	Endpoint      uint32
	Type          TransferType
	Flags         uint32
	Setup         [8]byte
	Data          []byte
	Status        int32
	ActualLength  uint32
}

// EncodeSubmit builds the wire bytes for a USBIP_CMD_SUBMIT message (20-byte
// header + 28-byte command body + data, data present only for OUT
// transfers).
func EncodeSubmit(u URB) []byte {
	length := uint32(len(u.Data))
	if u.Direction == DirectionIn {
		length = u.ActualLength
	}
	var buf bytes.Buffer
	buf.Write(EncodeHeader(Header{
		Command:   CmdSubmit,
		Sequence:  u.ID,
		DeviceID:  u.DeviceID,
		Direction: u.Direction,
		Endpoint:  u.Endpoint,
	}))
	buf.Write(EncodeCmdSubmitBody(CmdSubmitBody{
		TransferFlags:        u.Flags,
		TransferBufferLength: length,
		Setup:                u.Setup,
	}))
	if u.Direction == DirectionOut {
		buf.Write(u.Data)
	}
	return buf.Bytes()
}

// DecodeSubmit parses a USBIP_CMD_SUBMIT message. For an OUT transfer the
// TransferBufferLength bytes that follow the command body are copied into
// Data; for an IN transfer Data stays nil and ActualLength carries the
// requested length. The wire format has no transfer-type field, so Type is
// left at its zero value (TransferControl).
func DecodeSubmit(payload []byte) (URB, error) {
	if len(payload) < 20+28 {
		return URB{}, errors.New("usbip: short cmd_submit message")
	}
	hdr, err := DecodeHeader(payload[0:20])
	if err != nil {
		return URB{}, err
	}
	body, err := DecodeCmdSubmitBody(payload[20:48])
	if err != nil {
		return URB{}, err
	}
	urb := URB{
		ID:           hdr.Sequence,
		DeviceID:     hdr.DeviceID,
		Direction:    hdr.Direction,
		Endpoint:     hdr.Endpoint,
		Flags:        body.TransferFlags,
		Setup:        body.Setup,
		ActualLength: body.TransferBufferLength,
	}
	if hdr.Direction == DirectionOut {
		want := int(body.TransferBufferLength)
		if len(payload) < 48+want {
			return URB{}, errors.New("usbip: truncated cmd_submit data")
		}
		urb.Data = append([]byte(nil), payload[48:48+want]...)
	}
	return urb, nil
}

// EncodeResponse builds the wire bytes for a USBIP_RET_SUBMIT message in
// reply to urb, carrying data (present only when the original request was
// an IN transfer).
func EncodeResponse(urb URB, data []byte, status int32) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeHeader(Header{
		Command:   RetSubmit,
		Sequence:  urb.ID,
		DeviceID:  urb.DeviceID,
		Direction: DirectionOut,
		Endpoint:  urb.Endpoint,
	}))
	buf.Write(EncodeRetSubmitBody(RetSubmitBody{
		Status:       uint32(status),
		ActualLength: uint32(len(data)),
	}))
	if urb.Direction == DirectionIn {
		buf.Write(data)
	}
	return buf.Bytes()
}

// DecodeResponse parses a USBIP_RET_SUBMIT message, given the direction of
// the original request (needed to know whether trailing bytes are data).
func DecodeResponse(payload []byte, requestDirection Direction) (urbID uint32, data []byte, status int32, err error) {
	if len(payload) < 20+28 {
		return 0, nil, 0, errors.New("usbip: short ret_submit message")
	}
	hdr, err := DecodeHeader(payload[0:20])
	if err != nil {
		return 0, nil, 0, err
	}
	body, err := DecodeRetSubmitBody(payload[20:48])
	if err != nil {
		return 0, nil, 0, err
	}
	if requestDirection == DirectionIn {
		want := int(body.ActualLength)
		if len(payload) < 48+want {
			return 0, nil, 0, errors.New("usbip: truncated ret_submit data")
		}
		data = append([]byte(nil), payload[48:48+want]...)
	}
	return hdr.Sequence, data, int32(body.Status), nil
}
