package session

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbip-bridge/usbip-bridge/internal/portalloc"
	"github.com/usbip-bridge/usbip-bridge/internal/transport"
	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
	"github.com/usbip-bridge/usbip-bridge/internal/virtualdevice"
	"github.com/usbip-bridge/usbip-bridge/internal/wire"
)

// DefaultReconnectInterval is used when the caller does not specify one.
const DefaultReconnectInterval = 5 * time.Second

// DefaultHeartbeatInterval is used when the caller does not specify one.
const DefaultHeartbeatInterval = 30 * time.Second

// DefaultPortCount is the number of virtual HCI ports the receiver manages
// when no real vhci-hcd binder has been configured.
const DefaultPortCount = 8

// attachedDevice pairs the virtual device standing in for one imported
// device with the port it was allocated on.
type attachedDevice struct {
	vdev *virtualdevice.Device
	port portalloc.Port
}

// pendingReply correlates a response frame back to the goroutine waiting
// on it.
type pendingReply struct {
	frame wire.Frame
	err   error
}

// Receiver is a client-side session to a sender host: it can list and
// import devices, forward URB submissions, and reconnects automatically
// if the connection drops. All request/response calls (ListDevices,
// Import, SubmitURB) share the single reader goroutine started by Run, so
// only one goroutine ever calls Conn.Receive.
type Receiver struct {
	addr              string
	logger            log.Logger
	reconnectInterval time.Duration
	heartbeatInterval time.Duration

	mu                sync.Mutex
	conn              *transport.Conn
	pendingControl    chan pendingReply // devlist/import replies, one at a time
	pendingURB        map[uint32]chan pendingReply
	reconnectAttempts uint64

	// devMu guards the virtual devices this receiver has stood up for its
	// imported devices, kept separate from mu since attaching a device
	// never needs to touch connection state.
	devMu         sync.Mutex
	portAllocator *portalloc.Allocator
	devices       map[uint32]*attachedDevice
	busDevices    map[string]uint32
}

// NewReceiver constructs a Receiver that will dial addr. It manages virtual
// devices on an in-memory port allocator by default; call SetPortBinder to
// bind to a real vhci-hcd instead.
func NewReceiver(addr string, logger log.Logger, reconnectInterval, heartbeatInterval time.Duration) *Receiver {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	if reconnectInterval <= 0 {
		reconnectInterval = DefaultReconnectInterval
	}
	if heartbeatInterval <= 0 {
		heartbeatInterval = DefaultHeartbeatInterval
	}
	return &Receiver{
		addr:              addr,
		logger:            logger,
		reconnectInterval: reconnectInterval,
		heartbeatInterval: heartbeatInterval,
		pendingURB:        make(map[uint32]chan pendingReply),
		portAllocator:     portalloc.New(DefaultPortCount, &portalloc.StubBinder{}, logger),
		devices:           make(map[uint32]*attachedDevice),
		busDevices:        make(map[string]uint32),
	}
}

// SetPortBinder replaces the default in-memory port allocator with one
// bound to numPorts real ports via binder. Callers should invoke this
// before Run starts so every subsequent import uses the real binder.
func (r *Receiver) SetPortBinder(binder portalloc.Binder, numPorts int) {
	r.devMu.Lock()
	defer r.devMu.Unlock()
	r.portAllocator = portalloc.New(numPorts, binder, r.logger)
}

// Connect dials the sender once, without retrying.
func (r *Receiver) Connect() error {
	conn, err := transport.Dial(r.addr, r.logger)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.conn = conn
	r.mu.Unlock()
	return nil
}

// Close closes the current connection, if any.
func (r *Receiver) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ReconnectAttempts returns the number of reconnect attempts made so far.
func (r *Receiver) ReconnectAttempts() uint64 {
	return atomic.LoadUint64(&r.reconnectAttempts)
}

// Run maintains the connection until ctx is canceled, reconnecting at
// reconnectInterval on any I/O error, and is the sole reader of the
// connection: it dispatches every inbound frame to whichever call
// (ListDevices, Import, SubmitURB) is waiting for it.
func (r *Receiver) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.ensureConnected(ctx); err != nil {
			return err
		}
		if err := r.readLoop(ctx); err != nil {
			_ = level.Warn(r.logger).Log("msg", "receiver connection lost, will reconnect", "err", err)
			r.mu.Lock()
			if r.conn != nil {
				_ = r.conn.Close()
			}
			r.conn = nil
			r.mu.Unlock()
		}
	}
}

func (r *Receiver) ensureConnected(ctx context.Context) error {
	r.mu.Lock()
	connected := r.conn != nil
	r.mu.Unlock()
	if connected {
		return nil
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		atomic.AddUint64(&r.reconnectAttempts, 1)
		if err := r.Connect(); err == nil {
			return nil
		} else {
			_ = level.Debug(r.logger).Log("msg", "reconnect attempt failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.reconnectInterval):
		}
	}
}

func (r *Receiver) readLoop(ctx context.Context) error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return errors.New("session: not connected")
	}

	for {
		frame, err := conn.Receive()
		if err != nil {
			r.failPending(err)
			return err
		}
		switch frame.Type {
		case wire.MessageURBResponse:
			r.dispatchURBResponse(frame)
		case wire.MessageDeviceListResponse, wire.MessageImportResponse:
			r.dispatchControlResponse(frame)
		case wire.MessageURBSubmit:
			r.handleURBSubmit(conn, frame)
		case wire.MessageDeviceDisconnect:
			r.handleDisconnect(frame)
		case wire.MessageHeartbeat:
			// Nothing to do; receipt alone confirms liveness.
		default:
			_ = level.Debug(r.logger).Log("msg", "unexpected frame from sender", "type", frame.Type)
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

// failPending unblocks any in-flight request/response call when the
// connection dies before its reply arrived.
func (r *Receiver) failPending(err error) {
	r.mu.Lock()
	ch := r.pendingControl
	r.pendingControl = nil
	urbChans := r.pendingURB
	r.pendingURB = make(map[uint32]chan pendingReply)
	r.mu.Unlock()

	if ch != nil {
		ch <- pendingReply{err: err}
	}
	for _, urbCh := range urbChans {
		urbCh <- pendingReply{err: err}
	}
}

func (r *Receiver) dispatchControlResponse(frame wire.Frame) {
	r.mu.Lock()
	ch := r.pendingControl
	r.pendingControl = nil
	r.mu.Unlock()
	if ch != nil {
		ch <- pendingReply{frame: frame}
	}
}

func (r *Receiver) dispatchURBResponse(frame wire.Frame) {
	if len(frame.Payload) < 20 {
		_ = level.Warn(r.logger).Log("msg", "dropping short URB response")
		return
	}
	hdr, err := usbip.DecodeHeader(frame.Payload[0:20])
	if err != nil {
		_ = level.Warn(r.logger).Log("msg", "dropping malformed URB response", "err", err)
		return
	}
	id := hdr.Sequence

	r.mu.Lock()
	ch, ok := r.pendingURB[id]
	if ok {
		delete(r.pendingURB, id)
	}
	r.mu.Unlock()
	if ok {
		ch <- pendingReply{frame: frame}
	}
}

// handleURBSubmit answers a URB the sender published unsolicited (captured
// off the real device, per the imported device's traffic) against this
// device's local virtual-device state machine, and replies in kind rather
// than through the pendingURB correlation used by SubmitURB.
func (r *Receiver) handleURBSubmit(conn *transport.Conn, frame wire.Frame) {
	urb, err := usbip.DecodeSubmit(frame.Payload)
	if err != nil {
		_ = level.Warn(r.logger).Log("msg", "dropping malformed URB submit from sender", "err", err)
		return
	}

	r.devMu.Lock()
	ad := r.devices[urb.DeviceID]
	r.devMu.Unlock()
	if ad == nil {
		_ = level.Warn(r.logger).Log("msg", "URB submit for unknown virtual device", "device_id", urb.DeviceID)
		return
	}

	data, status := ad.vdev.ProcessURB(urb)
	if err := conn.Send(wire.MessageURBResponse, usbip.EncodeResponse(urb, data, status)); err != nil {
		_ = level.Warn(r.logger).Log("msg", "failed to send URB response", "device_id", urb.DeviceID, "err", err)
	}
}

// handleDisconnect retires the virtual device for a bus-id the sender
// reports has disappeared, releasing its port back to the allocator.
func (r *Receiver) handleDisconnect(frame wire.Frame) {
	busID := usbip.DecodeImportRequest(frame.Payload)

	r.devMu.Lock()
	deviceID, ok := r.busDevices[busID]
	var ad *attachedDevice
	if ok {
		ad = r.devices[deviceID]
		delete(r.busDevices, busID)
		delete(r.devices, deviceID)
	}
	r.devMu.Unlock()
	if !ok || ad == nil {
		return
	}

	_ = level.Info(r.logger).Log("msg", "device disconnected", "bus_id", busID)
	_ = ad.vdev.Detach()
	ad.vdev.Destroy()
	if err := r.portAllocator.Release(ad.port); err != nil {
		_ = level.Warn(r.logger).Log("msg", "failed to release port on disconnect", "bus_id", busID, "err", err)
	}
}

// attachVirtualDevice stands up a virtual device for a device just
// imported, so inbound URB_SUBMIT traffic for it has something to answer.
func (r *Receiver) attachVirtualDevice(busID string, info usbip.DeviceInfo) error {
	vdev := virtualdevice.New(virtualdevice.DeviceInfo{
		VendorID:  info.IDVendor,
		ProductID: info.IDProduct,
		Class:     info.BDeviceClass,
		Subclass:  info.BDeviceSubclass,
		Protocol:  info.BDeviceProtocol,
	}, nil)
	if err := vdev.Attach(); err != nil {
		return err
	}

	deviceID := info.ID()
	port, err := r.portAllocator.Allocate(deviceID, usbip.Speed(info.Speed))
	if err != nil {
		vdev.Destroy()
		return err
	}

	r.devMu.Lock()
	r.devices[deviceID] = &attachedDevice{vdev: vdev, port: port}
	r.busDevices[busID] = deviceID
	r.devMu.Unlock()
	return nil
}

func (r *Receiver) sendControlRequest(typ wire.MessageType, payload []byte) (wire.Frame, error) {
	conn, err := r.currentConn()
	if err != nil {
		return wire.Frame{}, err
	}

	replyCh := make(chan pendingReply, 1)
	r.mu.Lock()
	if r.pendingControl != nil {
		r.mu.Unlock()
		return wire.Frame{}, errors.New("session: a control request is already in flight")
	}
	r.pendingControl = replyCh
	r.mu.Unlock()

	if err := conn.Send(typ, payload); err != nil {
		r.mu.Lock()
		r.pendingControl = nil
		r.mu.Unlock()
		return wire.Frame{}, err
	}

	reply := <-replyCh
	return reply.frame, reply.err
}

// ListDevices requests the sender's device list.
func (r *Receiver) ListDevices() ([]usbip.Device, error) {
	frame, err := r.sendControlRequest(wire.MessageDeviceListRequest, usbip.EncodeDevlistRequest())
	if err != nil {
		return nil, err
	}
	if len(frame.Payload) < 8 {
		return nil, errors.New("session: short device list response")
	}
	return usbip.DecodeDevlistResponse(frame.Payload[8:])
}

// Import requests exclusive use of the device identified by busID.
func (r *Receiver) Import(busID string) (usbip.DeviceInfo, error) {
	frame, err := r.sendControlRequest(wire.MessageImportRequest, usbip.EncodeImportRequest(busID))
	if err != nil {
		return usbip.DeviceInfo{}, err
	}
	resp, err := usbip.DecodeImportResponse(frame.Payload)
	if err != nil {
		return usbip.DeviceInfo{}, errors.Wrapf(err, "session: import of %q failed", busID)
	}
	if err := r.attachVirtualDevice(busID, resp.Device); err != nil {
		_ = level.Warn(r.logger).Log("msg", "failed to attach virtual device for imported device", "bus_id", busID, "err", err)
	}
	return resp.Device, nil
}

// SubmitURB forwards a URB to the sender and blocks for its response.
func (r *Receiver) SubmitURB(ctx context.Context, urb usbip.URB) (data []byte, status int32, err error) {
	conn, err := r.currentConn()
	if err != nil {
		return nil, 0, err
	}

	replyCh := make(chan pendingReply, 1)
	r.mu.Lock()
	r.pendingURB[urb.ID] = replyCh
	r.mu.Unlock()

	if err := conn.Send(wire.MessageURBSubmit, usbip.EncodeSubmit(urb)); err != nil {
		r.mu.Lock()
		delete(r.pendingURB, urb.ID)
		r.mu.Unlock()
		return nil, 0, err
	}

	select {
	case reply := <-replyCh:
		if reply.err != nil {
			return nil, 0, reply.err
		}
		id, data, status, err := usbip.DecodeResponse(reply.frame.Payload, urb.Direction)
		if err != nil {
			return nil, 0, err
		}
		_ = id
		return data, status, nil
	case <-ctx.Done():
		r.mu.Lock()
		delete(r.pendingURB, urb.ID)
		r.mu.Unlock()
		return nil, 0, ctx.Err()
	}
}

func (r *Receiver) currentConn() (*transport.Conn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn == nil {
		return nil, errors.New("session: not connected")
	}
	return r.conn, nil
}
