package massstorage

import (
	"context"
	"encoding/binary"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbip-bridge/usbip-bridge/internal/deviceio"
)

// SCSI operation codes this driver issues.
const (
	scsiInquiry        = 0x12
	scsiTestUnitReady  = 0x00
	scsiRequestSense   = 0x03
	scsiReadCapacity10 = 0x25
	scsiRead10         = 0x28
	scsiWrite10        = 0x2A
	scsiReadCapacity16 = 0x9E
	serviceActionRC16  = 0x10
)

const blockSize512 = 512

// Endpoints holds the two bulk endpoint addresses a mass-storage interface
// exposes.
type Endpoints struct {
	In  uint8
	Out uint8
}

// FindEndpoints walks the raw configuration descriptor bytes looking for
// the mass-storage interface's two bulk endpoints, split by the direction
// bit of the endpoint address (bit 7).
func FindEndpoints(configDescriptor []byte) (Endpoints, error) {
	var eps Endpoints
	var inFound, outFound bool
	inMassStorageInterface := false

	for i := 0; i+1 < len(configDescriptor); {
		length := int(configDescriptor[i])
		if length == 0 || i+length > len(configDescriptor) {
			break
		}
		descType := configDescriptor[i+1]
		switch descType {
		case 0x04: // INTERFACE
			if length >= 6 {
				class := configDescriptor[i+5]
				inMassStorageInterface = class == 0x08
			}
		case 0x05: // ENDPOINT
			if inMassStorageInterface && length >= 4 {
				addr := configDescriptor[i+2]
				attrs := configDescriptor[i+3]
				if attrs&0x03 == 0x02 { // bulk
					if addr&0x80 != 0 {
						eps.In = addr
						inFound = true
					} else {
						eps.Out = addr
						outFound = true
					}
				}
			}
		}
		i += length
	}

	if !inFound || !outFound {
		return Endpoints{}, errors.New("massstorage: mass storage bulk endpoints not found")
	}
	return eps, nil
}

// Driver drives a single mass-storage device's bulk-only transport.
type Driver struct {
	dev       deviceio.Device
	endpoints Endpoints
	logger    log.Logger
	nextTag   uint32
}

// NewDriver constructs a driver for an already-opened device.
func NewDriver(dev deviceio.Device, endpoints Endpoints, logger log.Logger) *Driver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Driver{dev: dev, endpoints: endpoints, logger: logger, nextTag: 1}
}

func (d *Driver) tag() uint32 {
	t := d.nextTag
	d.nextTag++
	return t
}

// sendCommand runs one CBW/data/CSW cycle and returns the data phase bytes
// (for IN transfers) and the CSW.
func (d *Driver) sendCommand(ctx context.Context, cdb []byte, dataLen uint32, dir Direction, outData []byte) ([]byte, CSW, error) {
	tag := d.tag()
	cbw := CBW{Tag: tag, DataTransferLength: dataLen, Flags: dir, CommandBlock: cdb}.Encode()

	if _, err := d.dev.BulkTransfer(ctx, d.endpoints.Out, cbw); err != nil {
		return nil, CSW{}, errors.Wrap(err, "massstorage: send CBW")
	}

	var data []byte
	if dataLen > 0 {
		if dir == DirectionIn {
			data = make([]byte, dataLen)
			if _, err := d.dev.BulkTransfer(ctx, d.endpoints.In, data); err != nil {
				return nil, CSW{}, errors.Wrap(err, "massstorage: read data phase")
			}
		} else {
			buf := make([]byte, len(outData))
			copy(buf, outData)
			if _, err := d.dev.BulkTransfer(ctx, d.endpoints.Out, buf); err != nil {
				return nil, CSW{}, errors.Wrap(err, "massstorage: write data phase")
			}
		}
	}

	cswBuf := make([]byte, CSWSize)
	if _, err := d.dev.BulkTransfer(ctx, d.endpoints.In, cswBuf); err != nil {
		return nil, CSW{}, errors.Wrap(err, "massstorage: read CSW")
	}
	csw, err := DecodeCSW(cswBuf, tag)
	if err != nil {
		return nil, CSW{}, err
	}
	return data, csw, nil
}

// Reset issues a mass-storage class reset request. Failure is logged and
// ignored: some devices do not implement it, and it is not needed for
// correct operation of the bulk-only transport itself.
func (d *Driver) Reset(ctx context.Context) {
	var setup [8]byte
	setup[0] = 0x21 // host-to-device, class, interface
	setup[1] = 0xFF // Bulk-Only Mass Storage Reset
	if _, err := d.dev.ControlTransfer(ctx, setup, nil); err != nil {
		_ = level.Debug(d.logger).Log("msg", "mass storage reset failed, ignoring", "err", err)
	}
}

// GetMaxLUN issues the Get Max LUN class request.
func (d *Driver) GetMaxLUN(ctx context.Context) (uint8, error) {
	var setup [8]byte
	setup[0] = 0xA1 // device-to-host, class, interface
	setup[1] = 0xFE
	resp := make([]byte, 1)
	if _, err := d.dev.ControlTransfer(ctx, setup, resp); err != nil {
		return 0, errors.Wrap(err, "massstorage: get max lun")
	}
	return resp[0], nil
}

// Capacity is the result of a READ CAPACITY command.
type Capacity struct {
	TotalBlocks uint64
	BlockSize   uint32
}

// GetCapacity tries READ CAPACITY(16) first and falls back to
// READ CAPACITY(10) if the device rejects it, matching the discovery order
// used against real mass-storage devices.
func (d *Driver) GetCapacity(ctx context.Context) (Capacity, error) {
	cdb16 := make([]byte, 16)
	cdb16[0] = scsiReadCapacity16
	cdb16[1] = serviceActionRC16
	binary.BigEndian.PutUint32(cdb16[10:14], 32)

	data, csw, err := d.sendCommand(ctx, cdb16, 32, DirectionIn, nil)
	if err == nil && csw.Status == CSWStatusPassed {
		lastBlock := binary.BigEndian.Uint64(data[0:8])
		blockSize := binary.BigEndian.Uint32(data[8:12])
		return Capacity{TotalBlocks: lastBlock + 1, BlockSize: blockSize}, nil
	}

	cdb10 := make([]byte, 10)
	cdb10[0] = scsiReadCapacity10
	data, csw, err = d.sendCommand(ctx, cdb10, 8, DirectionIn, nil)
	if err != nil {
		return Capacity{}, err
	}
	if csw.Status != CSWStatusPassed {
		return Capacity{}, errors.Newf("massstorage: READ CAPACITY(10) failed, status %d", csw.Status)
	}
	lastBlock := binary.BigEndian.Uint32(data[0:4])
	blockSize := binary.BigEndian.Uint32(data[4:8])
	return Capacity{TotalBlocks: uint64(lastBlock) + 1, BlockSize: blockSize}, nil
}

// Inquiry issues a SCSI INQUIRY and returns the raw 36-byte response.
func (d *Driver) Inquiry(ctx context.Context) ([]byte, error) {
	cdb := make([]byte, 6)
	cdb[0] = scsiInquiry
	cdb[4] = 36
	data, csw, err := d.sendCommand(ctx, cdb, 36, DirectionIn, nil)
	if err != nil {
		return nil, err
	}
	if csw.Status != CSWStatusPassed {
		return nil, errors.Newf("massstorage: INQUIRY failed, status %d", csw.Status)
	}
	return data, nil
}

// TestUnitReady issues SCSI TEST UNIT READY, returning true if the unit
// reports ready.
func (d *Driver) TestUnitReady(ctx context.Context) (bool, error) {
	cdb := make([]byte, 6)
	cdb[0] = scsiTestUnitReady
	_, csw, err := d.sendCommand(ctx, cdb, 0, DirectionIn, nil)
	if err != nil {
		return false, err
	}
	return csw.Status == CSWStatusPassed, nil
}

// ReadBlocks issues SCSI READ(10) for count blocks starting at lba.
func (d *Driver) ReadBlocks(ctx context.Context, lba uint32, count uint16, blockSize uint32) ([]byte, error) {
	cdb := make([]byte, 10)
	cdb[0] = scsiRead10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], count)

	data, csw, err := d.sendCommand(ctx, cdb, uint32(count)*blockSize, DirectionIn, nil)
	if err != nil {
		return nil, err
	}
	if csw.Status != CSWStatusPassed {
		return nil, errors.Newf("massstorage: READ(10) failed, status %d", csw.Status)
	}
	return data, nil
}

// WriteBlocks issues SCSI WRITE(10) for the blocks in data, starting at
// lba. len(data) must be an exact multiple of blockSize.
func (d *Driver) WriteBlocks(ctx context.Context, lba uint32, data []byte, blockSize uint32) error {
	if blockSize == 0 || len(data)%int(blockSize) != 0 {
		return errors.Newf("massstorage: data length %d is not a multiple of block size %d", len(data), blockSize)
	}
	count := uint16(len(data) / int(blockSize))

	cdb := make([]byte, 10)
	cdb[0] = scsiWrite10
	binary.BigEndian.PutUint32(cdb[2:6], lba)
	binary.BigEndian.PutUint16(cdb[7:9], count)

	_, csw, err := d.sendCommand(ctx, cdb, uint32(len(data)), DirectionOut, data)
	if err != nil {
		return err
	}
	if csw.Status != CSWStatusPassed {
		return errors.Newf("massstorage: WRITE(10) failed, status %d", csw.Status)
	}
	return nil
}
