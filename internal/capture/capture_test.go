package capture

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
)

type collectingSink struct {
	mu  sync.Mutex
	got []usbip.URB
}

func (s *collectingSink) HandleURB(u usbip.URB) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, u)
	return nil
}

func (s *collectingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestCaptureDeliversInOrder(t *testing.T) {
	sink := &collectingSink{}
	c := New(sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	defer c.Stop()

	for i := uint32(1); i <= 5; i++ {
		c.InjectURB(usbip.URB{ID: i, Type: usbip.TransferBulk, Data: []byte{byte(i)}})
	}

	deadline := time.After(2 * time.Second)
	for sink.len() < 5 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for delivery, got %d/5", sink.len())
		case <-time.After(time.Millisecond):
		}
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	for i, u := range sink.got {
		if u.ID != uint32(i+1) {
			t.Errorf("got[%d].ID = %d, want %d", i, u.ID, i+1)
		}
	}

	stats := c.GetStatistics()
	if stats.TotalURBs != 5 || stats.BulkURBs != 5 {
		t.Errorf("stats = %+v, want TotalURBs=5 BulkURBs=5", stats)
	}
}

func TestStopDrainsQueuedURBs(t *testing.T) {
	sink := &collectingSink{}
	c := New(sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	for i := uint32(1); i <= 3; i++ {
		c.InjectURB(usbip.URB{ID: i, Type: usbip.TransferControl})
	}
	c.Stop()

	if sink.len() != 3 {
		t.Errorf("got %d delivered URBs after Stop, want 3", sink.len())
	}
	if c.IsCapturing() {
		t.Errorf("IsCapturing() = true after Stop")
	}
}

func TestErrorsCountedByURBStatusNotSinkError(t *testing.T) {
	sink := &collectingSink{}
	c := New(sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)

	c.InjectURB(usbip.URB{ID: 1, Type: usbip.TransferBulk, Status: 0})
	c.InjectURB(usbip.URB{ID: 2, Type: usbip.TransferBulk, Status: -32})
	c.InjectURB(usbip.URB{ID: 3, Type: usbip.TransferBulk, Status: -1})
	c.Stop()

	stats := c.GetStatistics()
	if stats.Errors != 2 {
		t.Errorf("Errors = %d, want 2 (only the URBs with nonzero status)", stats.Errors)
	}
	if stats.TotalURBs != 3 {
		t.Errorf("TotalURBs = %d, want 3", stats.TotalURBs)
	}
}

func TestResetStatistics(t *testing.T) {
	sink := &collectingSink{}
	c := New(sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	c.Start(ctx)
	c.InjectURB(usbip.URB{ID: 1, Type: usbip.TransferBulk})
	c.Stop()

	c.ResetStatistics()
	stats := c.GetStatistics()
	if stats.TotalURBs != 0 {
		t.Errorf("TotalURBs = %d after reset, want 0", stats.TotalURBs)
	}
}
