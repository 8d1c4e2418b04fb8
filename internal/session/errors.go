package session

import "github.com/efficientgo/core/errors"

func errNoSuchDevice(busID string) error {
	return errors.Newf("session: no such device %q", busID)
}
