package usbip

import (
	"bytes"
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// All USB/IP wire values are big-endian, matching the kernel's usbip
// protocol.
var order = binary.BigEndian

// EncodeControlHeader serializes an 8-byte OP_REQUEST/OP_REPLY header.
func EncodeControlHeader(h ControlHeader) []byte {
	buf := make([]byte, 8)
	order.PutUint16(buf[0:2], h.Version)
	order.PutUint16(buf[2:4], h.Command)
	order.PutUint32(buf[4:8], h.Status)
	return buf
}

// DecodeControlHeader parses an 8-byte OP_REQUEST/OP_REPLY header.
func DecodeControlHeader(buf []byte) (ControlHeader, error) {
	if len(buf) < 8 {
		return ControlHeader{}, errors.New("usbip: short control header")
	}
	return ControlHeader{
		Version: order.Uint16(buf[0:2]),
		Command: order.Uint16(buf[2:4]),
		Status:  order.Uint32(buf[4:8]),
	}, nil
}

// EncodeHeader serializes the common 20-byte USBIP_CMD_*/USBIP_RET_* header.
func EncodeHeader(h Header) []byte {
	buf := make([]byte, 20)
	order.PutUint32(buf[0:4], uint32(h.Command))
	order.PutUint32(buf[4:8], h.Sequence)
	order.PutUint32(buf[8:12], h.DeviceID)
	order.PutUint32(buf[12:16], uint32(h.Direction))
	order.PutUint32(buf[16:20], h.Endpoint)
	return buf
}

// DecodeHeader parses the common 20-byte header.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < 20 {
		return Header{}, errors.New("usbip: short command header")
	}
	return Header{
		Command:   OpCode(order.Uint32(buf[0:4])),
		Sequence:  order.Uint32(buf[4:8]),
		DeviceID:  order.Uint32(buf[8:12]),
		Direction: Direction(order.Uint32(buf[12:16])),
		Endpoint:  order.Uint32(buf[16:20]),
	}, nil
}

// EncodeDeviceInfo serializes the 312-byte device record. The Setup field
// in CmdSubmitBody aside, every other numeric field here is byte-swapped
// to the wire order; DeviceInfo has no such exception.
func EncodeDeviceInfo(d DeviceInfo) []byte {
	var buf bytes.Buffer
	buf.Write(d.Path[:])
	buf.Write(d.BusID[:])
	_ = binary.Write(&buf, order, d.BusNum)
	_ = binary.Write(&buf, order, d.DevNum)
	_ = binary.Write(&buf, order, d.Speed)
	_ = binary.Write(&buf, order, d.IDVendor)
	_ = binary.Write(&buf, order, d.IDProduct)
	_ = binary.Write(&buf, order, d.BCDDevice)
	buf.WriteByte(d.BDeviceClass)
	buf.WriteByte(d.BDeviceSubclass)
	buf.WriteByte(d.BDeviceProtocol)
	buf.WriteByte(d.BConfigurationValue)
	buf.WriteByte(d.BNumConfigurations)
	buf.WriteByte(d.BNumInterfaces)
	return buf.Bytes()
}

// DeviceInfoSize is the fixed wire size of a device record.
const DeviceInfoSize = 256 + 32 + 4 + 4 + 4 + 2 + 2 + 2 + 1 + 1 + 1 + 1 + 1 + 1

// DecodeDeviceInfo parses a 312-byte device record.
func DecodeDeviceInfo(buf []byte) (DeviceInfo, error) {
	if len(buf) < DeviceInfoSize {
		return DeviceInfo{}, errors.New("usbip: short device record")
	}
	var d DeviceInfo
	copy(d.Path[:], buf[0:256])
	copy(d.BusID[:], buf[256:288])
	r := bytes.NewReader(buf[288:])
	_ = binary.Read(r, order, &d.BusNum)
	_ = binary.Read(r, order, &d.DevNum)
	_ = binary.Read(r, order, &d.Speed)
	_ = binary.Read(r, order, &d.IDVendor)
	_ = binary.Read(r, order, &d.IDProduct)
	_ = binary.Read(r, order, &d.BCDDevice)
	var classBytes [6]byte
	_, _ = r.Read(classBytes[:])
	d.BDeviceClass = classBytes[0]
	d.BDeviceSubclass = classBytes[1]
	d.BDeviceProtocol = classBytes[2]
	d.BConfigurationValue = classBytes[3]
	d.BNumConfigurations = classBytes[4]
	d.BNumInterfaces = classBytes[5]
	return d, nil
}

// EncodeInterfaceInfo serializes a 4-byte interface record.
func EncodeInterfaceInfo(i InterfaceInfo) []byte {
	return []byte{i.BInterfaceClass, i.BInterfaceSubclass, i.BInterfaceProtocol, i.Padding}
}

// DecodeInterfaceInfo parses a 4-byte interface record.
func DecodeInterfaceInfo(buf []byte) (InterfaceInfo, error) {
	if len(buf) < 4 {
		return InterfaceInfo{}, errors.New("usbip: short interface record")
	}
	return InterfaceInfo{
		BInterfaceClass:    buf[0],
		BInterfaceSubclass: buf[1],
		BInterfaceProtocol: buf[2],
		Padding:            buf[3],
	}, nil
}

// EncodeCmdSubmitBody serializes a USBIP_CMD_SUBMIT payload. The Setup
// field is copied verbatim: it is an opaque 8-byte setup packet that is
// never byte-swapped, matching how the kernel and every USB/IP
// implementation treat it.
func EncodeCmdSubmitBody(b CmdSubmitBody) []byte {
	buf := make([]byte, 20+8)
	order.PutUint32(buf[0:4], b.TransferFlags)
	order.PutUint32(buf[4:8], b.TransferBufferLength)
	order.PutUint32(buf[8:12], b.StartFrame)
	order.PutUint32(buf[12:16], b.NumberOfPackets)
	order.PutUint32(buf[16:20], b.Interval)
	copy(buf[20:28], b.Setup[:])
	return buf
}

// DecodeCmdSubmitBody parses a USBIP_CMD_SUBMIT payload.
func DecodeCmdSubmitBody(buf []byte) (CmdSubmitBody, error) {
	if len(buf) < 28 {
		return CmdSubmitBody{}, errors.New("usbip: short cmd_submit body")
	}
	var b CmdSubmitBody
	b.TransferFlags = order.Uint32(buf[0:4])
	b.TransferBufferLength = order.Uint32(buf[4:8])
	b.StartFrame = order.Uint32(buf[8:12])
	b.NumberOfPackets = order.Uint32(buf[12:16])
	b.Interval = order.Uint32(buf[16:20])
	copy(b.Setup[:], buf[20:28])
	return b, nil
}

// EncodeRetSubmitBody serializes a USBIP_RET_SUBMIT payload.
func EncodeRetSubmitBody(b RetSubmitBody) []byte {
	buf := make([]byte, 28)
	order.PutUint32(buf[0:4], b.Status)
	order.PutUint32(buf[4:8], b.ActualLength)
	order.PutUint32(buf[8:12], b.StartFrame)
	order.PutUint32(buf[12:16], b.NumberOfPackets)
	order.PutUint32(buf[16:20], b.ErrorCount)
	order.PutUint64(buf[20:28], b.Padding)
	return buf
}

// DecodeRetSubmitBody parses a USBIP_RET_SUBMIT payload.
func DecodeRetSubmitBody(buf []byte) (RetSubmitBody, error) {
	if len(buf) < 28 {
		return RetSubmitBody{}, errors.New("usbip: short ret_submit body")
	}
	return RetSubmitBody{
		Status:          order.Uint32(buf[0:4]),
		ActualLength:    order.Uint32(buf[4:8]),
		StartFrame:      order.Uint32(buf[8:12]),
		NumberOfPackets: order.Uint32(buf[12:16]),
		ErrorCount:      order.Uint32(buf[16:20]),
		Padding:         order.Uint64(buf[20:28]),
	}, nil
}
