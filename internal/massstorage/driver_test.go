package massstorage

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/usbip-bridge/usbip-bridge/internal/deviceio"
)

func newTestDriver(t *testing.T, bulk deviceio.TransferFunc) *Driver {
	t.Helper()
	dev := deviceio.NewFakeDevice(deviceio.Descriptor{BusID: "1-1"})
	dev.OnBulk = bulk
	return NewDriver(dev, Endpoints{In: 0x81, Out: 0x02}, nil)
}

// scriptedResponses feeds a fixed sequence of bulk-transfer responses, one
// per non-CBW transfer in order; a CBW write gets no response. CSW bytes
// are not generated and must be part of the script.
func scriptedResponses(dataResponses ...[]byte) deviceio.TransferFunc {
	i := 0
	return func(_ interface{}, req []byte) ([]byte, error) {
		if len(req) == CBWSize && binary.LittleEndian.Uint32(req[0:4]) == cbwSignature {
			// A CBW was just written; nothing to return on this leg.
			return nil, nil
		}
		if i >= len(dataResponses) {
			return nil, nil
		}
		resp := dataResponses[i]
		i++
		return resp, nil
	}
}

func cswBytes(tag uint32, status uint8) []byte {
	buf := make([]byte, CSWSize)
	binary.LittleEndian.PutUint32(buf[0:4], cswSignature)
	binary.LittleEndian.PutUint32(buf[4:8], tag)
	buf[12] = status
	return buf
}

func TestGetCapacityFallsBackToReadCapacity10(t *testing.T) {
	// READ CAPACITY(16) fails (phase error), READ CAPACITY(10) succeeds.
	rc10Data := make([]byte, 8)
	binary.BigEndian.PutUint32(rc10Data[0:4], 1023)
	binary.BigEndian.PutUint32(rc10Data[4:8], 512)

	tagsSeen := []uint32{}
	d := newTestDriver(t, func(_ interface{}, req []byte) ([]byte, error) {
		if len(req) == CBWSize && binary.LittleEndian.Uint32(req[0:4]) == cbwSignature {
			tag := binary.LittleEndian.Uint32(req[4:8])
			tagsSeen = append(tagsSeen, tag)
			return nil, nil
		}
		switch len(tagsSeen) {
		case 1:
			// data phase for RC16 attempt (32 bytes), then CSW with phase error.
			if len(req) == 32 {
				return make([]byte, 32), nil
			}
			return cswBytes(tagsSeen[0], CSWStatusPhaseError), nil
		case 2:
			if len(req) == 8 {
				return rc10Data, nil
			}
			return cswBytes(tagsSeen[1], CSWStatusPassed), nil
		}
		return nil, nil
	})

	cap, err := d.GetCapacity(context.Background())
	if err != nil {
		t.Fatalf("GetCapacity() error = %v", err)
	}
	if cap.TotalBlocks != 1024 || cap.BlockSize != 512 {
		t.Errorf("got %+v, want {TotalBlocks:1024 BlockSize:512}", cap)
	}
}

func TestFindEndpointsSkipsNonMassStorageInterfaces(t *testing.T) {
	var buf bytes.Buffer

	// Interface 0: HID, one interrupt endpoint (must be ignored).
	buf.Write([]byte{9, 0x04, 0, 0, 1, 0x03, 0, 0, 0})
	buf.Write([]byte{7, 0x05, 0x83, 0x03, 8, 0, 1})

	// Interface 1: mass storage, two bulk endpoints.
	buf.Write([]byte{9, 0x04, 1, 0, 2, 0x08, 0x06, 0x50, 0})
	buf.Write([]byte{7, 0x05, 0x81, 0x02, 64, 0, 0}) // bulk IN
	buf.Write([]byte{7, 0x05, 0x02, 0x02, 64, 0, 0}) // bulk OUT

	eps, err := FindEndpoints(buf.Bytes())
	if err != nil {
		t.Fatalf("FindEndpoints() error = %v", err)
	}
	if eps.In != 0x81 || eps.Out != 0x02 {
		t.Errorf("got %+v, want {In:0x81 Out:0x02}", eps)
	}
}

func TestGetMaxLUN(t *testing.T) {
	dev := deviceio.NewFakeDevice(deviceio.Descriptor{BusID: "1-1"})
	dev.OnControl = func(_ interface{}, _ []byte) ([]byte, error) {
		return []byte{3}, nil
	}
	d := NewDriver(dev, Endpoints{In: 0x81, Out: 0x02}, nil)

	lun, err := d.GetMaxLUN(context.Background())
	if err != nil {
		t.Fatalf("GetMaxLUN() error = %v", err)
	}
	if lun != 3 {
		t.Errorf("lun = %d, want 3", lun)
	}
}
