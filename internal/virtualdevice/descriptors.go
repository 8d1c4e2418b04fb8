// Package virtualdevice implements the receiver-side virtual USB device
// state machine: it answers standard, class and vendor control requests
// and emulates a USB mass-storage device's bulk transfers for an imported
// device, without any real USB hardware behind it.
package virtualdevice

import "encoding/binary"

// String descriptor values presented for the virtual device. index 0 is
// reserved for the language ID list.
const (
	stringManufacturer = "USB Bridge"
	stringProduct       = "Virtual Mass Storage"
	stringSerialNumber  = "000000000001"
)

// DeviceInfo is the minimal information needed to synthesize this virtual
// device's descriptors; it is filled in from the imported device's USB/IP
// device record.
type DeviceInfo struct {
	VendorID     uint16
	ProductID    uint16
	Class        uint8
	Subclass     uint8
	Protocol     uint8
	MaxPacketSize0 uint8
}

// BuildDeviceDescriptor synthesizes the 18-byte standard device descriptor.
func BuildDeviceDescriptor(info DeviceInfo) []byte {
	buf := make([]byte, 18)
	buf[0] = 18   // bLength
	buf[1] = 0x01 // bDescriptorType: DEVICE
	binary.LittleEndian.PutUint16(buf[2:4], 0x0200)
	buf[4] = info.Class
	buf[5] = info.Subclass
	buf[6] = info.Protocol
	maxPacket := info.MaxPacketSize0
	if maxPacket == 0 {
		maxPacket = 64
	}
	buf[7] = maxPacket
	binary.LittleEndian.PutUint16(buf[8:10], info.VendorID)
	binary.LittleEndian.PutUint16(buf[10:12], info.ProductID)
	binary.LittleEndian.PutUint16(buf[12:14], 0x0100) // bcdDevice
	buf[14] = 1                                       // iManufacturer
	buf[15] = 2                                       // iProduct
	buf[16] = 3                                       // iSerialNumber
	buf[17] = 1                                       // bNumConfigurations
	return buf
}

// BuildConfigurationDescriptor synthesizes a full configuration descriptor
// for a single-interface mass-storage device: configuration + interface +
// two bulk endpoints, so a real kernel driver binding to the imported
// device has an interface and endpoints to actually find.
func BuildConfigurationDescriptor(inEndpoint, outEndpoint uint8, maxPacketSize uint16) []byte {
	iface := []byte{
		9,    // bLength
		0x04, // bDescriptorType: INTERFACE
		0,    // bInterfaceNumber
		0,    // bAlternateSetting
		2,    // bNumEndpoints
		0x08, // bInterfaceClass: mass storage
		0x06, // bInterfaceSubclass: SCSI transparent command set
		0x50, // bInterfaceProtocol: bulk-only transport
		0,    // iInterface
	}
	epIn := endpointDescriptor(inEndpoint, maxPacketSize)
	epOut := endpointDescriptor(outEndpoint, maxPacketSize)

	total := 9 + len(iface) + len(epIn) + len(epOut)
	config := make([]byte, 9)
	config[0] = 9
	config[1] = 0x02 // bDescriptorType: CONFIGURATION
	binary.LittleEndian.PutUint16(config[2:4], uint16(total))
	config[4] = 1    // bNumInterfaces
	config[5] = 1    // bConfigurationValue
	config[6] = 0    // iConfiguration
	config[7] = 0x80 // bmAttributes: bus powered
	config[8] = 50   // bMaxPower (100mA)

	out := make([]byte, 0, total)
	out = append(out, config...)
	out = append(out, iface...)
	out = append(out, epIn...)
	out = append(out, epOut...)
	return out
}

func endpointDescriptor(address uint8, maxPacketSize uint16) []byte {
	ep := make([]byte, 7)
	ep[0] = 7
	ep[1] = 0x05 // bDescriptorType: ENDPOINT
	ep[2] = address
	ep[3] = 0x02 // bmAttributes: bulk
	binary.LittleEndian.PutUint16(ep[4:6], maxPacketSize)
	ep[6] = 0 // bInterval
	return ep
}

// BuildStringDescriptor returns the string descriptor for index, or the
// language-ID descriptor for index 0.
func BuildStringDescriptor(index int) []byte {
	if index == 0 {
		return []byte{4, 0x03, 0x09, 0x04} // English (US)
	}
	var s string
	switch index {
	case 1:
		s = stringManufacturer
	case 2:
		s = stringProduct
	case 3:
		s = stringSerialNumber
	default:
		return []byte{2, 0x03}
	}
	buf := make([]byte, 2+2*len(s))
	buf[0] = byte(len(buf))
	buf[1] = 0x03
	for i, r := range s {
		buf[2+2*i] = byte(r)
		buf[2+2*i+1] = 0
	}
	return buf
}
