package portalloc

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/efficientgo/core/errors"
	"github.com/go-kit/log"

	"github.com/usbip-bridge/usbip-bridge/internal/usbip"
)

// vhciControllerBusType and vhciControllerDeviceName name the platform
// device the vhci-hcd kernel driver exposes.
const (
	vhciControllerBusType    = "platform"
	vhciControllerDeviceName = "vhci_hcd.0"
)

// SysfsBinder implements Binder by writing to the vhci-hcd sysfs nodes,
// the same attach/detach files the kernel's own usbip client uses. The
// filesystem is injected as an fs.FS so this can be exercised against an
// in-memory filesystem in tests instead of the real /sys.
type SysfsBinder struct {
	fsys   fs.FS
	root   string // real filesystem root to write attach/detach commands to, normally "/sys"
	logger log.Logger
}

// NewSysfsBinder constructs a binder that reads device state from fsys
// (rooted at root's sysfs view) and writes attach/detach commands under
// root on the real filesystem.
func NewSysfsBinder(fsys fs.FS, root string, logger log.Logger) *SysfsBinder {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &SysfsBinder{fsys: fsys, root: root, logger: logger}
}

func hostControllerPath() string {
	return path.Join("bus", vhciControllerBusType, "devices", vhciControllerDeviceName)
}

// NumPorts reads the controller's nports attribute, the number of virtual
// ports this host's vhci-hcd instance exposes.
func (b *SysfsBinder) NumPorts() (int, error) {
	content, err := fs.ReadFile(b.fsys, path.Join(hostControllerPath(), "nports"))
	if err != nil {
		return 0, errors.Wrap(err, "portalloc: read nports")
	}
	var n int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(content)), "%d", &n); err != nil {
		return 0, errors.Wrap(err, "portalloc: parse nports")
	}
	if n <= 0 {
		return 0, errors.New("portalloc: vhci host controller reports no ports")
	}
	return n, nil
}

// Attach implements Binder by writing "port fd deviceid speed" to the
// controller's attach node. Unlike the real kernel driver, this package
// has no open file descriptor for the virtual device itself; a file
// descriptor of 0 is written for the fd field, matching how this binder is
// used purely as a port bookkeeping proxy rather than performing the
// syscall-level attach a real VHCI client performs against an actual
// connection.
func (b *SysfsBinder) Attach(port Port, deviceID uint32, speed usbip.Speed) error {
	attachPath := path.Join(hostControllerPath(), "attach")
	cmd := fmt.Sprintf("%d %d %d %d", port, 0, deviceID, speed)
	return b.writeCommand(attachPath, cmd)
}

// Detach implements Binder by writing the port number to the controller's
// detach node.
func (b *SysfsBinder) Detach(port Port) error {
	detachPath := path.Join(hostControllerPath(), "detach")
	return b.writeCommand(detachPath, fmt.Sprintf("%d", port))
}

func (b *SysfsBinder) writeCommand(relPath, content string) error {
	fullPath := filepath.Join(b.root, relPath)
	f, err := os.OpenFile(fullPath, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "portalloc: open %s for writing", fullPath)
	}
	defer func() { _ = f.Close() }()

	if _, err := f.WriteString(content); err != nil {
		return errors.Wrapf(err, "portalloc: write command to %s", fullPath)
	}
	_ = b.logger.Log("msg", "wrote port binder command", "path", relPath, "command", content)
	return nil
}
