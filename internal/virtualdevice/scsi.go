package virtualdevice

import "encoding/binary"

// SCSI operation codes this emulator recognizes. Anything else gets a
// successful, empty response.
const (
	scsiInquiry        = 0x12
	scsiReadCapacity10 = 0x25
)

const (
	simulatedBlockSize   = 512
	simulatedTotalBlocks = 1024
)

// processSCSICommand interprets the CDB embedded in a Bulk-Only Transport
// Command Block Wrapper (bytes 15:15+cbwLen of the CBW, per the CBW wire
// layout) and returns the data phase bytes for the response.
func processSCSICommand(cbw []byte) []byte {
	if len(cbw) < 16 {
		return nil
	}
	cbLen := int(cbw[14])
	if cbLen == 0 || 15+cbLen > len(cbw) {
		return nil
	}
	cdb := cbw[15 : 15+cbLen]

	switch cdb[0] {
	case scsiInquiry:
		return inquiryResponse()
	case scsiReadCapacity10:
		return readCapacity10Response()
	default:
		return nil
	}
}

func inquiryResponse() []byte {
	resp := make([]byte, 36)
	resp[0] = 0x00 // peripheral device type: direct access block device
	resp[1] = 0x80 // removable media
	resp[2] = 0x04 // version
	resp[3] = 0x02 // response data format
	resp[4] = 31   // additional length
	copy(resp[8:16], []byte("Virtual "))
	copy(resp[16:32], []byte("Mass Storage    "))
	copy(resp[32:36], []byte("1.0 "))
	return resp
}

func readCapacity10Response() []byte {
	resp := make([]byte, 8)
	binary.BigEndian.PutUint32(resp[0:4], simulatedTotalBlocks-1)
	binary.BigEndian.PutUint32(resp[4:8], simulatedBlockSize)
	return resp
}
