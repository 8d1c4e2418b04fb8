package portalloc

import (
	"testing"

	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
)

func TestAllocateAndRelease(t *testing.T) {
	binder := &StubBinder{}
	a := New(2, binder, nil)

	p1, err := a.Allocate(1, usbip.SpeedHigh)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	p2, err := a.Allocate(2, usbip.SpeedHigh)
	if err != nil {
		t.Fatalf("Allocate() error = %v", err)
	}
	if p1 == p2 {
		t.Fatalf("got duplicate port %d for two allocations", p1)
	}
	if a.InUse() != 2 {
		t.Errorf("InUse() = %d, want 2", a.InUse())
	}

	if _, err := a.Allocate(3, usbip.SpeedHigh); err == nil {
		t.Fatalf("Allocate() succeeded with no free ports")
	}

	if err := a.Release(p1); err != nil {
		t.Fatalf("Release() error = %v", err)
	}
	if a.InUse() != 1 {
		t.Errorf("InUse() after release = %d, want 1", a.InUse())
	}

	p3, err := a.Allocate(3, usbip.SpeedHigh)
	if err != nil {
		t.Fatalf("Allocate() after release error = %v", err)
	}
	if p3 != p1 {
		t.Errorf("reallocated port = %d, want the freed port %d", p3, p1)
	}

	wantCalls := []string{"attach", "attach", "detach", "attach"}
	if len(binder.Calls) != len(wantCalls) {
		t.Fatalf("got %v, want %v", binder.Calls, wantCalls)
	}
}

func TestReleaseUnusedPortIsNoop(t *testing.T) {
	binder := &StubBinder{}
	a := New(1, binder, nil)
	if err := a.Release(0); err != nil {
		t.Fatalf("Release() on unused port error = %v", err)
	}
	if len(binder.Calls) != 0 {
		t.Errorf("got %d binder calls, want 0", len(binder.Calls))
	}
}

func TestReleaseOutOfRangePort(t *testing.T) {
	a := New(1, &StubBinder{}, nil)
	if err := a.Release(5); err == nil {
		t.Fatalf("Release() of out-of-range port succeeded")
	}
}
