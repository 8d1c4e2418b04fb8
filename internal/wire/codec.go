package wire

import (
	"bufio"
	"io"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Reader decodes a stream of frames from an underlying io.Reader, handling
// resynchronization after garbage bytes, oversize length fields, and
// checksum failures without tearing down the connection: those conditions
// just cause the offending bytes to be discarded and parsing to resume.
type Reader struct {
	br     *bufio.Reader
	logger log.Logger
}

// NewReader wraps r with frame decoding. A nil logger is replaced with a
// no-op logger.
func NewReader(r io.Reader, logger log.Logger) *Reader {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Reader{br: bufio.NewReaderSize(r, HeaderSize+MaxPayloadSize), logger: logger}
}

// ReadFrame blocks until a complete, checksum-valid frame is available, the
// underlying reader returns an error, or ctx-independent I/O fails. Frames
// that fail validation are discarded internally and never returned to the
// caller; ReadFrame keeps reading until it has a good frame or a read error.
func (r *Reader) ReadFrame() (Frame, error) {
	for {
		if err := r.resync(); err != nil {
			return Frame{}, err
		}

		hdrBytes := make([]byte, HeaderSize)
		if _, err := io.ReadFull(r.br, hdrBytes); err != nil {
			return Frame{}, errors.Wrap(err, "wire: read header")
		}
		hdr := decodeHeader(hdrBytes)

		if hdr.Length > MaxPayloadSize {
			_ = level.Warn(r.logger).Log("msg", "discarding frame with oversize length", "length", hdr.Length)
			continue
		}

		payload := make([]byte, hdr.Length)
		if _, err := io.ReadFull(r.br, payload); err != nil {
			return Frame{}, errors.Wrap(err, "wire: read payload")
		}

		if checksum(payload) != hdr.Checksum {
			_ = level.Warn(r.logger).Log("msg", "dropping frame with checksum mismatch", "type", hdr.Type, "sequence", hdr.Sequence)
			continue
		}

		return Frame{Type: hdr.Type, Sequence: hdr.Sequence, Payload: payload}, nil
	}
}

// resync advances the stream until the next 4 bytes are the frame magic,
// consuming and discarding any garbage found along the way. It peeks one
// byte at a time rather than buffering the whole gap, since a desynced
// stream is expected to be rare and short-lived.
func (r *Reader) resync() error {
	for {
		peeked, err := r.br.Peek(4)
		if err != nil {
			if len(peeked) == 0 {
				return errors.Wrap(err, "wire: resync")
			}
			// Not enough bytes buffered yet to tell; let ReadFull below
			// surface the real error on the next header read attempt.
			return nil
		}
		magic := uint32(peeked[0])<<24 | uint32(peeked[1])<<16 | uint32(peeked[2])<<8 | uint32(peeked[3])
		if magic == FrameMagic {
			return nil
		}
		// Drop one byte and try again from the next offset.
		if _, err := r.br.Discard(1); err != nil {
			return errors.Wrap(err, "wire: resync discard")
		}
	}
}

// WriteFrame writes a single frame to w with a caller-supplied sequence
// number. Sequence is supplied by the caller rather than kept here as
// process-global state, so multiple independent streams (and tests) never
// share counters implicitly.
func WriteFrame(w io.Writer, typ MessageType, sequence uint32, payload []byte) error {
	_, err := w.Write(Marshal(typ, sequence, payload))
	return errors.Wrap(err, "wire: write frame")
}

// SequenceCounter hands out monotonically increasing frame sequence numbers
// starting at 1, scoped to a single session rather than the whole process.
type SequenceCounter struct {
	next uint32
}

// NewSequenceCounter returns a counter whose first Next() call returns 1.
func NewSequenceCounter() *SequenceCounter {
	return &SequenceCounter{next: 1}
}

// Next returns the next sequence number and advances the counter.
func (c *SequenceCounter) Next() uint32 {
	v := c.next
	c.next++
	return v
}
