package session

import (
	"context"
	"sync"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbip-bridge/usbip-bridge/internal/capture"
	"github.com/usbip-bridge/usbip-bridge/internal/deviceio"
	"github.com/usbip-bridge/usbip-bridge/internal/transport"
	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
	"github.com/usbip-bridge/usbip-bridge/internal/wire"
)

// Sender accepts incoming receiver connections and serves device listing,
// import, and URB forwarding against a DeviceProvider.
type Sender struct {
	listener *transport.Listener
	provider DeviceProvider
	logger   log.Logger

	mu    sync.Mutex
	conns map[*transport.Conn]*captureConn
}

// NewSender constructs a Sender serving connections accepted by ln.
func NewSender(ln *transport.Listener, provider DeviceProvider, logger log.Logger) *Sender {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Sender{
		listener: ln,
		provider: provider,
		logger:   logger,
		conns:    make(map[*transport.Conn]*captureConn),
	}
}

// Serve accepts connections until ctx is canceled or the listener fails.
func (s *Sender) Serve(ctx context.Context) error {
	if hp, ok := s.provider.(HotplugAware); ok {
		if err := hp.WatchHotplug(s.onHotplug); err != nil {
			_ = level.Warn(s.logger).Log("msg", "hotplug monitoring unavailable", "err", err)
		}
	}
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "session: accept")
		}
		go s.handleConn(ctx, conn)
	}
}

// captureConn pairs a connection with the capture pipeline executing
// forwarded URBs against whatever device is currently open for it.
type captureConn struct {
	conn    *transport.Conn
	capture *capture.Capture
	logger  log.Logger

	mu     sync.Mutex
	device deviceio.Device
	info   usbip.DeviceInfo
}

// HandleURB implements capture.Sink: it performs the transfer against the
// currently open device and writes the response frame back to the peer.
// This is the single consumer of this connection's capture queue, so
// devices only ever see one in-flight transfer at a time, matching the
// concurrency model's single-consumer capture worker.
func (c *captureConn) HandleURB(u usbip.URB) error {
	c.mu.Lock()
	dev := c.device
	c.mu.Unlock()

	if dev == nil {
		return c.respond(u, nil, -1)
	}

	ctx := context.Background()
	data, status := executeOnDevice(ctx, dev, u)
	return c.respond(u, data, status)
}

func (c *captureConn) respond(u usbip.URB, data []byte, status int32) error {
	payload := usbip.EncodeResponse(u, data, status)
	return c.conn.Send(wire.MessageURBResponse, payload)
}

func executeOnDevice(ctx context.Context, dev deviceio.Device, u usbip.URB) (data []byte, status int32) {
	var err error
	var actual int

	switch u.Type {
	case usbip.TransferControl:
		buf := make([]byte, u.ActualLength)
		if u.Direction == usbip.DirectionIn {
			actual, err = dev.ControlTransfer(ctx, u.Setup, buf)
			data = buf[:actual]
		} else {
			actual, err = dev.ControlTransfer(ctx, u.Setup, u.Data)
			data = nil
		}
	case usbip.TransferInterrupt:
		data, actual, err = transferBuf(ctx, dev.InterruptTransfer, u)
	default: // bulk and isochronous share the bulk pipe in this bridge
		data, actual, err = transferBuf(ctx, dev.BulkTransfer, u)
	}

	_ = actual
	if err != nil {
		return nil, -1
	}
	return data, 0
}

func transferBuf(ctx context.Context, fn func(context.Context, uint8, []byte) (int, error), u usbip.URB) ([]byte, int, error) {
	endpoint := uint8(u.Endpoint)
	if u.Direction == usbip.DirectionIn {
		endpoint |= 0x80
	}
	if u.Direction == usbip.DirectionIn {
		buf := make([]byte, u.ActualLength)
		n, err := fn(ctx, endpoint, buf)
		if err != nil {
			return nil, 0, err
		}
		return buf[:n], n, nil
	}
	n, err := fn(ctx, endpoint, u.Data)
	return nil, n, err
}

func (s *Sender) handleConn(ctx context.Context, conn *transport.Conn) {
	defer conn.Close()

	cc := &captureConn{conn: conn, logger: s.logger}
	cc.capture = capture.New(cc, s.logger)
	cc.capture.Start(ctx)
	defer cc.capture.Stop()

	s.mu.Lock()
	s.conns[conn] = cc
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	for {
		frame, err := conn.Receive()
		if err != nil {
			_ = level.Debug(s.logger).Log("msg", "connection closed", "remote", conn.RemoteAddr(), "err", err)
			return
		}

		switch frame.Type {
		case wire.MessageDeviceListRequest:
			s.handleDeviceList(ctx, conn)
		case wire.MessageImportRequest:
			s.handleImport(ctx, conn, cc, frame.Payload)
		case wire.MessageURBSubmit:
			s.handleURBSubmit(cc, frame.Payload)
		case wire.MessageHeartbeat:
			_ = conn.Send(wire.MessageHeartbeat, nil)
		default:
			_ = level.Warn(s.logger).Log("msg", "unexpected message type from receiver", "type", frame.Type)
		}
	}
}

// onHotplug notifies every connection with the affected device open that
// it has disconnected, so the receiver can retire its virtual device
// instead of leaving it stranded on an unresponsive port.
func (s *Sender) onHotplug(busID string, connected bool) {
	if connected {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for conn, cc := range s.conns {
		cc.mu.Lock()
		matches := cc.device != nil && cc.info.BusIDString() == busID
		if matches {
			cc.device = nil
		}
		cc.mu.Unlock()

		if !matches {
			continue
		}
		if err := conn.Send(wire.MessageDeviceDisconnect, usbip.EncodeImportRequest(busID)); err != nil {
			_ = level.Warn(s.logger).Log("msg", "failed to send disconnect notification", "bus_id", busID, "err", err)
		}
	}
}

func (s *Sender) handleDeviceList(ctx context.Context, conn *transport.Conn) {
	devices, err := s.provider.ListDevices(ctx)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "failed to list devices", "err", err)
		devices = nil
	}
	_ = conn.Send(wire.MessageDeviceListResponse, usbip.EncodeDevlistResponse(devices))
}

func (s *Sender) handleImport(ctx context.Context, conn *transport.Conn, cc *captureConn, payload []byte) {
	busID := usbip.DecodeImportRequest(payload)
	dev, info, err := s.provider.Open(ctx, busID)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "import failed", "bus_id", busID, "err", err)
		_ = conn.Send(wire.MessageImportResponse, usbip.EncodeImportError(err.Error()))
		return
	}

	cc.mu.Lock()
	cc.device = dev
	cc.info = info
	cc.mu.Unlock()

	_ = conn.Send(wire.MessageImportResponse, usbip.EncodeImportResponse(info))
}

func (s *Sender) handleURBSubmit(cc *captureConn, payload []byte) {
	urb, err := usbip.DecodeSubmit(payload)
	if err != nil {
		_ = level.Warn(s.logger).Log("msg", "dropping malformed URB submit", "err", err)
		return
	}
	// The wire carries no transfer type: endpoint 0 is control, any other
	// endpoint defaults to bulk.
	if urb.Endpoint != 0 {
		urb.Type = usbip.TransferBulk
	}
	cc.capture.InjectURB(urb)
}
