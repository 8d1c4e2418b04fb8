package virtualdevice

import (
	"github.com/efficientgo/core/errors"

	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
)

// State is a lifecycle state of a virtual device as seen by the receiver.
type State int

const (
	StateCreated State = iota
	StateAttached
	StateDetached
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAttached:
		return "attached"
	case StateDetached:
		return "detached"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Classifier decides the transfer type for an endpoint when it is not
// otherwise known from the URB itself. DefaultClassifier always answers
// bulk; this is a seam for a future per-endpoint classifier driven by the
// actual configuration descriptor rather than a guess.
type Classifier interface {
	ClassifyEndpoint(endpoint uint32) usbip.TransferType
}

// DefaultClassifier always reports TransferBulk.
type DefaultClassifier struct{}

// ClassifyEndpoint implements Classifier.
func (DefaultClassifier) ClassifyEndpoint(uint32) usbip.TransferType {
	return usbip.TransferBulk
}

// Device is a single virtual USB device presented to the receiver's
// kernel. It answers standard/class/vendor control requests itself and
// emulates a mass-storage device's bulk transfers, so an imported device
// is usable even before any real sender traffic arrives.
type Device struct {
	info                 DeviceInfo
	state                State
	config               []byte
	classifier           Classifier
	currentConfiguration byte
}

// New constructs a virtual device in the Created state.
func New(info DeviceInfo, classifier Classifier) *Device {
	if classifier == nil {
		classifier = DefaultClassifier{}
	}
	return &Device{
		info:       info,
		state:      StateCreated,
		classifier: classifier,
	}
}

// Attach transitions the device to Attached, the only state in which it
// answers transfers.
func (d *Device) Attach() error {
	if d.state != StateCreated && d.state != StateDetached {
		return errors.Newf("virtualdevice: cannot attach from state %s", d.state)
	}
	d.state = StateAttached
	return nil
}

// Detach transitions the device back to Detached.
func (d *Device) Detach() error {
	if d.state != StateAttached {
		return errors.Newf("virtualdevice: cannot detach from state %s", d.state)
	}
	d.state = StateDetached
	d.currentConfiguration = 0
	return nil
}

// Destroy retires the device permanently.
func (d *Device) Destroy() {
	d.state = StateDestroyed
}

// State reports the device's current lifecycle state.
func (d *Device) State() State { return d.state }

// ProcessURB dispatches a submitted URB to the appropriate handler and
// returns the response data and status, ready to be wrapped in a
// USBIP_RET_SUBMIT frame by the caller.
func (d *Device) ProcessURB(u usbip.URB) (data []byte, status int32) {
	if d.state != StateAttached {
		return nil, -1
	}

	transferType := u.Type
	if transferType == 0 && u.Endpoint != 0 {
		transferType = d.classifier.ClassifyEndpoint(u.Endpoint)
	}

	switch transferType {
	case usbip.TransferControl:
		return d.handleControl(u)
	case usbip.TransferBulk:
		return d.handleBulk(u)
	case usbip.TransferInterrupt, usbip.TransferIsochronous:
		return d.simulateResponse(u)
	default:
		return d.simulateResponse(u)
	}
}

func (d *Device) handleControl(u usbip.URB) (data []byte, status int32) {
	bmRequestType := u.Setup[0]
	bRequest := u.Setup[1]

	switch bmRequestType & 0x60 {
	case 0x00: // standard
		return d.handleStandardRequest(bmRequestType, bRequest, u.Setup)
	case 0x20: // class
		return d.handleClassRequest(bRequest)
	case 0x40: // vendor
		return nil, 0
	default:
		return nil, 0
	}
}

func (d *Device) handleStandardRequest(bmRequestType, bRequest byte, setup [8]byte) (data []byte, status int32) {
	const (
		reqGetDescriptor   = 0x06
		reqSetConfiguration = 0x09
		reqGetConfiguration = 0x08
	)

	switch bRequest {
	case reqGetDescriptor:
		descType := setup[3]
		descIndex := int(setup[2])
		switch descType {
		case 0x01: // DEVICE
			return BuildDeviceDescriptor(d.info), 0
		case 0x02: // CONFIGURATION
			if d.config == nil {
				d.config = BuildConfigurationDescriptor(0x81, 0x02, 64)
			}
			return d.config, 0
		case 0x03: // STRING
			return BuildStringDescriptor(descIndex), 0
		default:
			return nil, -1
		}
	case reqSetConfiguration:
		wValue := uint16(setup[2]) | uint16(setup[3])<<8
		d.currentConfiguration = byte(wValue & 0xFF)
		return nil, 0
	case reqGetConfiguration:
		return []byte{d.currentConfiguration}, 0
	default:
		return nil, 0
	}
}

func (d *Device) handleClassRequest(bRequest byte) (data []byte, status int32) {
	const (
		reqMassStorageReset = 0xFF
		reqGetMaxLUN        = 0xFE
	)
	switch bRequest {
	case reqMassStorageReset:
		return nil, 0
	case reqGetMaxLUN:
		return []byte{0}, 0
	default:
		return nil, 0
	}
}

func (d *Device) handleBulk(u usbip.URB) (data []byte, status int32) {
	if d.info.Class == usbip.DeviceClassMassStorage && u.Direction == usbip.DirectionOut && len(u.Data) >= 31 {
		if resp := processSCSICommand(u.Data); resp != nil {
			return resp, 0
		}
	}
	return d.simulateResponse(u)
}

// simulateResponse produces a deterministic, content-free response for
// transfer types this emulator does not give specific meaning to: empty
// for OUT, a fixed 4-byte pattern for IN.
func (d *Device) simulateResponse(u usbip.URB) (data []byte, status int32) {
	if u.Direction == usbip.DirectionOut {
		return nil, 0
	}
	return []byte{0x00, 0x01, 0x02, 0x03}, 0
}
