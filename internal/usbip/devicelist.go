package usbip

import (
	"bytes"
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

// Device pairs a device record with its interfaces, the unit exchanged in
// a devlist response.
type Device struct {
	Info       DeviceInfo
	Interfaces []InterfaceInfo
}

// EncodeDevlistRequest serializes an OP_REQ_DEVLIST message (header only).
func EncodeDevlistRequest() []byte {
	return EncodeControlHeader(ControlHeader{
		Version: ProtocolVersion,
		Command: uint16(OpRequest | OpDevlist),
		Status:  0,
	})
}

// EncodeDevlistResponse serializes an OP_REP_DEVLIST message for the given
// devices.
func EncodeDevlistResponse(devices []Device) []byte {
	var buf bytes.Buffer
	buf.Write(EncodeControlHeader(ControlHeader{
		Version: ProtocolVersion,
		Command: uint16(OpReply | OpDevlist),
		Status:  0,
	}))
	_ = binary.Write(&buf, order, uint32(len(devices)))
	for _, d := range devices {
		buf.Write(EncodeDeviceInfo(d.Info))
		for _, iface := range d.Interfaces {
			buf.Write(EncodeInterfaceInfo(iface))
		}
	}
	return buf.Bytes()
}

// DecodeDevlistResponse parses an OP_REP_DEVLIST payload (everything after
// the 8-byte control header, which the caller has already consumed).
func DecodeDevlistResponse(payload []byte) ([]Device, error) {
	if len(payload) < 4 {
		return nil, errors.New("usbip: short devlist response")
	}
	count := order.Uint32(payload[0:4])
	offset := 4
	devices := make([]Device, 0, count)
	for i := uint32(0); i < count; i++ {
		if offset+DeviceInfoSize > len(payload) {
			return nil, errors.New("usbip: truncated devlist response")
		}
		info, err := DecodeDeviceInfo(payload[offset : offset+DeviceInfoSize])
		if err != nil {
			return nil, err
		}
		offset += DeviceInfoSize

		ifaces := make([]InterfaceInfo, 0, info.BNumInterfaces)
		for j := uint8(0); j < info.BNumInterfaces; j++ {
			if offset+4 > len(payload) {
				return nil, errors.New("usbip: truncated interface list")
			}
			iface, err := DecodeInterfaceInfo(payload[offset : offset+4])
			if err != nil {
				return nil, err
			}
			ifaces = append(ifaces, iface)
			offset += 4
		}
		devices = append(devices, Device{Info: info, Interfaces: ifaces})
	}
	return devices, nil
}

// EncodeImportRequest serializes a DEVICE_IMPORT_REQUEST payload: the raw
// UTF-8 bus ID bytes, no header and no terminator.
func EncodeImportRequest(busID string) []byte {
	return []byte(busID)
}

// DecodeImportRequest recovers the bus ID from a DEVICE_IMPORT_REQUEST
// payload.
func DecodeImportRequest(payload []byte) string {
	return string(payload)
}

// ImportResponse is the result of a successful DEVICE_IMPORT_RESPONSE
// exchange.
type ImportResponse struct {
	Device DeviceInfo
}

// EncodeImportResponse serializes a successful DEVICE_IMPORT_RESPONSE: a
// 1-byte success flag (1) followed by the device record.
func EncodeImportResponse(device DeviceInfo) []byte {
	var buf bytes.Buffer
	buf.WriteByte(1)
	buf.Write(EncodeDeviceInfo(device))
	return buf.Bytes()
}

// EncodeImportError serializes a failed DEVICE_IMPORT_RESPONSE: a 1-byte
// success flag (0) followed by a UTF-8 error message.
func EncodeImportError(message string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(0)
	buf.WriteString(message)
	return buf.Bytes()
}

// DecodeImportResponse parses a DEVICE_IMPORT_RESPONSE payload. If the
// leading success flag is 0, the remaining bytes are the UTF-8 error
// message and are returned as the error.
func DecodeImportResponse(payload []byte) (ImportResponse, error) {
	if len(payload) < 1 {
		return ImportResponse{}, errors.New("usbip: empty import response")
	}
	success := payload[0]
	rest := payload[1:]
	if success == 0 {
		msg := string(rest)
		if msg == "" {
			msg = "import failed"
		}
		return ImportResponse{}, errors.Newf("usbip: import failed: %s", msg)
	}
	if len(rest) < DeviceInfoSize {
		return ImportResponse{}, errors.New("usbip: short import response")
	}
	info, err := DecodeDeviceInfo(rest[:DeviceInfoSize])
	if err != nil {
		return ImportResponse{}, err
	}
	return ImportResponse{Device: info}, nil
}
