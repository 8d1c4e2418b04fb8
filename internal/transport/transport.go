// Package transport provides the TCP connection and listener wrappers the
// session controller uses to exchange framed messages with its peer.
package transport

import (
	"net"
	"time"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"

	"github.com/usbip-bridge/usbip-bridge/internal/wire"
)

// Conn is a single framed TCP connection. It owns the sequence counter for
// frames it sends, so two Conns never share sequence state.
type Conn struct {
	nc       net.Conn
	reader   *wire.Reader
	sequence *wire.SequenceCounter
	logger   log.Logger
}

// NewConn wraps an established net.Conn for framed I/O.
func NewConn(nc net.Conn, logger log.Logger) *Conn {
	return &Conn{
		nc:       nc,
		reader:   wire.NewReader(nc, logger),
		sequence: wire.NewSequenceCounter(),
		logger:   logger,
	}
}

// Send writes a single frame, assigning it the connection's next sequence
// number.
func (c *Conn) Send(typ wire.MessageType, payload []byte) error {
	return wire.WriteFrame(c.nc, typ, c.sequence.Next(), payload)
}

// Receive blocks for the next valid frame.
func (c *Conn) Receive() (wire.Frame, error) {
	return c.reader.ReadFrame()
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Close closes the underlying connection.
func (c *Conn) Close() error { return c.nc.Close() }

// SetDeadline forwards to the underlying connection.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

// Dial connects to addr and returns a framed connection.
func Dial(addr string, logger log.Logger) (*Conn, error) {
	nc, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: dial %s", addr)
	}
	return NewConn(nc, logger), nil
}

// Listener accepts incoming connections and wraps each as a framed Conn.
type Listener struct {
	ln     net.Listener
	logger log.Logger
}

// Listen binds addr and returns a Listener.
func Listen(addr string, logger log.Logger) (*Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: listen %s", addr)
	}
	return &Listener{ln: ln, logger: logger}, nil
}

// Accept blocks for the next incoming connection.
func (l *Listener) Accept() (*Conn, error) {
	nc, err := l.ln.Accept()
	if err != nil {
		return nil, errors.Wrap(err, "transport: accept")
	}
	return NewConn(nc, l.logger), nil
}

// Addr returns the bound address.
func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return l.ln.Close() }
