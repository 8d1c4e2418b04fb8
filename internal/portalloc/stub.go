package portalloc

import "github.com/usbip-bridge/usbip-bridge/internal/usbip"

// StubBinder is a no-op Binder for tests and for running the receiver
// without a real vhci-hcd present. It records every call so tests can
// assert on attach/detach order, and returns Err from each call.
type StubBinder struct {
	Calls []string
	Err   error
}

// Attach implements Binder.
func (s *StubBinder) Attach(port Port, deviceID uint32, speed usbip.Speed) error {
	s.Calls = append(s.Calls, "attach")
	return s.Err
}

// Detach implements Binder.
func (s *StubBinder) Detach(port Port) error {
	s.Calls = append(s.Calls, "detach")
	return s.Err
}
