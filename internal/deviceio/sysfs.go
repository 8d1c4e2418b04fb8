package deviceio

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"

	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
)

// HostEnumerator discovers real USB devices by reading sysfs attribute
// files (idVendor, idProduct, busnum, devnum, bDeviceClass) under
// /sys/bus/usb/devices.
type HostEnumerator struct {
	fsys   fs.FS
	logger log.Logger
}

// NewHostEnumerator builds an Enumerator backed by the real host sysfs
// tree (/sys).
func NewHostEnumerator(logger log.Logger) *HostEnumerator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &HostEnumerator{fsys: os.DirFS("/sys"), logger: logger}
}

// NewHostEnumeratorFS builds an Enumerator over an arbitrary fs.FS rooted
// where /sys would be, for testing without a real sysfs tree.
func NewHostEnumeratorFS(fsys fs.FS, logger log.Logger) *HostEnumerator {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &HostEnumerator{fsys: fsys, logger: logger}
}

const usbDevicesDir = "bus/usb/devices"
const massStorageClass = 0x08

func (h *HostEnumerator) Enumerate(_ context.Context) ([]Descriptor, error) {
	entries, err := fs.ReadDir(h.fsys, usbDevicesDir)
	if err != nil {
		return nil, errors.Wrap(err, "deviceio: read usb devices directory")
	}

	var out []Descriptor
	for _, e := range entries {
		name := e.Name()
		// Skip interface entries (e.g. "1-1:1.0") and the root hub entries
		// ("usb1"); bus IDs look like "1-1" or "1-1.2".
		if strings.Contains(name, ":") || strings.HasPrefix(name, "usb") {
			continue
		}
		desc, err := h.describe(name)
		if err != nil {
			_ = h.logger.Log("msg", "skipping unreadable usb device", "bus_id", name, "err", err)
			continue
		}
		out = append(out, desc)
	}
	return out, nil
}

func (h *HostEnumerator) describe(busID string) (Descriptor, error) {
	sysPath := path.Join(usbDevicesDir, busID)

	vendor, err := h.readHexUint16(sysPath, "idVendor")
	if err != nil {
		return Descriptor{}, err
	}
	product, err := h.readHexUint16(sysPath, "idProduct")
	if err != nil {
		return Descriptor{}, err
	}
	busnum, err := h.readUint16(sysPath, "busnum")
	if err != nil {
		return Descriptor{}, err
	}
	devnum, err := h.readUint16(sysPath, "devnum")
	if err != nil {
		return Descriptor{}, err
	}
	class, _ := h.readHexUint8(sysPath, "bDeviceClass")
	subclass, _ := h.readHexUint8(sysPath, "bDeviceSubClass")
	protocol, _ := h.readHexUint8(sysPath, "bDeviceProtocol")
	speed, _ := h.readString(sysPath, "speed")
	configs, _ := fs.ReadFile(h.fsys, path.Join(sysPath, "descriptors"))

	return Descriptor{
		BusID:          busID,
		BusNum:         busnum,
		DevNum:         devnum,
		Path:           fmt.Sprintf("/dev/bus/usb/%03d/%03d", busnum, devnum),
		IDVendor:       vendor,
		IDProduct:      product,
		Class:          class,
		Subclass:       subclass,
		Protocol:       protocol,
		Speed:          parseSpeed(speed),
		Configurations: configs,
	}, nil
}

func (h *HostEnumerator) readString(sysPath, attr string) (string, error) {
	b, err := fs.ReadFile(h.fsys, path.Join(sysPath, attr))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func (h *HostEnumerator) readUint16(sysPath, attr string) (uint16, error) {
	s, err := h.readString(sysPath, attr)
	if err != nil {
		return 0, err
	}
	var v uint16
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return 0, errors.Wrapf(err, "deviceio: parse %s", attr)
	}
	return v, nil
}

func (h *HostEnumerator) readHexUint16(sysPath, attr string) (uint16, error) {
	s, err := h.readString(sysPath, attr)
	if err != nil {
		return 0, err
	}
	var v uint16
	if _, err := fmt.Sscanf(s, "%04x", &v); err != nil {
		return 0, errors.Wrapf(err, "deviceio: parse %s", attr)
	}
	return v, nil
}

func (h *HostEnumerator) readHexUint8(sysPath, attr string) (uint8, error) {
	s, err := h.readString(sysPath, attr)
	if err != nil {
		return 0, err
	}
	var v uint8
	if _, err := fmt.Sscanf(s, "%02x", &v); err != nil {
		return 0, errors.Wrapf(err, "deviceio: parse %s", attr)
	}
	return v, nil
}

func parseSpeed(s string) usbip.Speed {
	switch s {
	case "1.5":
		return usbip.SpeedLow
	case "12":
		return usbip.SpeedFull
	case "480":
		return usbip.SpeedHigh
	case "5000", "10000":
		return usbip.SpeedSuper
	default:
		return usbip.SpeedUnknown
	}
}

// MassStorageDevices returns only the devices advertising the mass
// storage class at the device level.
func (h *HostEnumerator) MassStorageDevices(ctx context.Context) ([]Descriptor, error) {
	all, err := h.Enumerate(ctx)
	if err != nil {
		return nil, err
	}
	var out []Descriptor
	for _, d := range all {
		if d.Class == massStorageClass {
			out = append(out, d)
		}
	}
	return out, nil
}

func (h *HostEnumerator) FindByVIDPID(ctx context.Context, vendor, product uint16) (Descriptor, bool, error) {
	all, err := h.Enumerate(ctx)
	if err != nil {
		return Descriptor{}, false, err
	}
	for _, d := range all {
		if d.IDVendor == vendor && d.IDProduct == product {
			return d, true, nil
		}
	}
	return Descriptor{}, false, nil
}

func (h *HostEnumerator) FindByPath(ctx context.Context, p string) (Descriptor, bool, error) {
	all, err := h.Enumerate(ctx)
	if err != nil {
		return Descriptor{}, false, err
	}
	for _, d := range all {
		if d.Path == p {
			return d, true, nil
		}
	}
	return Descriptor{}, false, nil
}

// Open is not implemented by HostEnumerator: claiming and transferring to
// a real kernel USB device needs cgo (libusb) or a usbfs ioctl layer,
// which this bridge's pure-Go scope leaves to a platform-specific build.
func (h *HostEnumerator) Open(_ context.Context, d Descriptor) (Device, error) {
	return nil, errors.Newf("deviceio: opening real device %s requires a platform-specific backend", d.BusID)
}

func (h *HostEnumerator) StartHotplugMonitoring(_ HotplugCallback) error {
	return errors.New("deviceio: hotplug monitoring requires a platform-specific backend")
}

func (h *HostEnumerator) StopHotplugMonitoring() {}
