// Package capture implements the sender-side URB capture pipeline: a
// single background worker that drains a queue of captured URBs, updates
// running statistics, and hands each one to a sink for transmission to the
// receiver.
package capture

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
)

// Statistics tracks cumulative capture activity. All fields are updated
// with atomic operations so GetStatistics never races with the capture
// worker.
type Statistics struct {
	TotalURBs        uint64
	ControlURBs      uint64
	BulkURBs         uint64
	InterruptURBs    uint64
	IsochronousURBs  uint64
	BytesTransferred uint64
	Errors           uint64
}

// Sink receives each captured URB in submission order.
type Sink interface {
	HandleURB(usbip.URB) error
}

// Capture is a single-consumer URB processing pipeline. Producers call
// InjectURB (or a real device-I/O callback would) to enqueue URBs;
// exactly one goroutine drains the queue and calls the sink.
type Capture struct {
	logger log.Logger
	sink   Sink

	mu       sync.Mutex
	queue    []usbip.URB
	notEmpty chan struct{}

	stats Statistics

	running int32
	stop    chan struct{}
	done    chan struct{}
}

// New constructs a Capture pipeline that delivers URBs to sink.
func New(sink Sink, logger log.Logger) *Capture {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Capture{
		logger:   logger,
		sink:     sink,
		notEmpty: make(chan struct{}, 1),
	}
}

// Start launches the processing goroutine. Calling Start twice without an
// intervening Stop is a programming error and panics, mirroring the
// invariant that there is exactly one consumer.
func (c *Capture) Start(ctx context.Context) {
	if !atomic.CompareAndSwapInt32(&c.running, 0, 1) {
		panic("capture: Start called while already running")
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.processLoop(ctx)
}

// Stop signals the processing goroutine to exit and waits for it to drain
// and finish.
func (c *Capture) Stop() {
	if !atomic.CompareAndSwapInt32(&c.running, 1, 0) {
		return
	}
	close(c.stop)
	<-c.done
}

// IsCapturing reports whether the processing goroutine is running.
func (c *Capture) IsCapturing() bool {
	return atomic.LoadInt32(&c.running) == 1
}

// InjectURB enqueues a URB for processing. Safe to call from any goroutine,
// including test code that wants to drive the pipeline without a real
// device.
func (c *Capture) InjectURB(u usbip.URB) {
	c.mu.Lock()
	c.queue = append(c.queue, u)
	c.mu.Unlock()
	select {
	case c.notEmpty <- struct{}{}:
	default:
	}
}

func (c *Capture) processLoop(ctx context.Context) {
	defer close(c.done)
	for {
		u, ok := c.dequeue()
		if ok {
			c.process(u)
			continue
		}
		select {
		case <-c.stop:
			c.drainRemaining()
			return
		case <-ctx.Done():
			c.drainRemaining()
			return
		case <-c.notEmpty:
		}
	}
}

func (c *Capture) drainRemaining() {
	for {
		u, ok := c.dequeue()
		if !ok {
			return
		}
		c.process(u)
	}
}

func (c *Capture) dequeue() (usbip.URB, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return usbip.URB{}, false
	}
	u := c.queue[0]
	c.queue = c.queue[1:]
	return u, true
}

func (c *Capture) process(u usbip.URB) {
	atomic.AddUint64(&c.stats.TotalURBs, 1)
	atomic.AddUint64(&c.stats.BytesTransferred, uint64(len(u.Data)))
	switch u.Type {
	case usbip.TransferControl:
		atomic.AddUint64(&c.stats.ControlURBs, 1)
	case usbip.TransferBulk:
		atomic.AddUint64(&c.stats.BulkURBs, 1)
	case usbip.TransferInterrupt:
		atomic.AddUint64(&c.stats.InterruptURBs, 1)
	case usbip.TransferIsochronous:
		atomic.AddUint64(&c.stats.IsochronousURBs, 1)
	}

	if u.Status != 0 {
		atomic.AddUint64(&c.stats.Errors, 1)
	}

	if err := c.sink.HandleURB(u); err != nil {
		_ = level.Warn(c.logger).Log("msg", "failed to deliver captured URB", "urb_id", u.ID, "err", err)
	}
}

// GetStatistics returns a snapshot of the running counters.
func (c *Capture) GetStatistics() Statistics {
	return Statistics{
		TotalURBs:        atomic.LoadUint64(&c.stats.TotalURBs),
		ControlURBs:      atomic.LoadUint64(&c.stats.ControlURBs),
		BulkURBs:         atomic.LoadUint64(&c.stats.BulkURBs),
		InterruptURBs:    atomic.LoadUint64(&c.stats.InterruptURBs),
		IsochronousURBs:  atomic.LoadUint64(&c.stats.IsochronousURBs),
		BytesTransferred: atomic.LoadUint64(&c.stats.BytesTransferred),
		Errors:           atomic.LoadUint64(&c.stats.Errors),
	}
}

// ResetStatistics zeroes all counters.
func (c *Capture) ResetStatistics() {
	atomic.StoreUint64(&c.stats.TotalURBs, 0)
	atomic.StoreUint64(&c.stats.ControlURBs, 0)
	atomic.StoreUint64(&c.stats.BulkURBs, 0)
	atomic.StoreUint64(&c.stats.InterruptURBs, 0)
	atomic.StoreUint64(&c.stats.IsochronousURBs, 0)
	atomic.StoreUint64(&c.stats.BytesTransferred, 0)
	atomic.StoreUint64(&c.stats.Errors, 0)
}
