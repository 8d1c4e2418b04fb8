// Package massstorage implements the USB Mass Storage Bulk-Only Transport
// (BOT) protocol used to talk to mass-storage devices on the sender host:
// building Command Block Wrappers, parsing Command Status Wrappers, and
// discovering device capacity over SCSI.
package massstorage

import (
	"encoding/binary"

	"github.com/efficientgo/core/errors"
)

const (
	cbwSignature = 0x43425355
	cswSignature = 0x53425355

	// CBWSize is the fixed wire size of a Command Block Wrapper.
	CBWSize = 31
	// CSWSize is the fixed wire size of a Command Status Wrapper.
	CSWSize = 13
)

// Direction of a SCSI data phase.
type Direction uint8

const (
	DirectionOut Direction = 0x00
	DirectionIn  Direction = 0x80
)

// CBW is a Command Block Wrapper, sent to the device before its data
// phase.
type CBW struct {
	Tag                   uint32
	DataTransferLength    uint32
	Flags                 Direction
	LUN                   uint8
	CommandBlock          []byte // up to 16 bytes
}

// Encode serializes a CBW to its 31-byte wire form.
func (c CBW) Encode() []byte {
	buf := make([]byte, CBWSize)
	binary.LittleEndian.PutUint32(buf[0:4], cbwSignature)
	binary.LittleEndian.PutUint32(buf[4:8], c.Tag)
	binary.LittleEndian.PutUint32(buf[8:12], c.DataTransferLength)
	buf[12] = byte(c.Flags)
	buf[13] = c.LUN
	buf[14] = byte(len(c.CommandBlock))
	copy(buf[15:31], c.CommandBlock)
	return buf
}

// CSW is a Command Status Wrapper, read back from the device after its
// data phase.
type CSW struct {
	Tag     uint32
	Residue uint32
	Status  uint8
}

// CSW status codes.
const (
	CSWStatusPassed = 0x00
	CSWStatusFailed = 0x01
	CSWStatusPhaseError = 0x02
)

// DecodeCSW parses a 13-byte Command Status Wrapper and validates it
// against the tag of the CBW it responds to.
func DecodeCSW(buf []byte, wantTag uint32) (CSW, error) {
	if len(buf) < CSWSize {
		return CSW{}, errors.New("massstorage: short CSW")
	}
	signature := binary.LittleEndian.Uint32(buf[0:4])
	if signature != cswSignature {
		return CSW{}, errors.Newf("massstorage: bad CSW signature %#x", signature)
	}
	csw := CSW{
		Tag:     binary.LittleEndian.Uint32(buf[4:8]),
		Residue: binary.LittleEndian.Uint32(buf[8:12]),
		Status:  buf[12],
	}
	if csw.Tag != wantTag {
		return CSW{}, errors.Newf("massstorage: CSW tag %d does not match CBW tag %d", csw.Tag, wantTag)
	}
	return csw, nil
}
