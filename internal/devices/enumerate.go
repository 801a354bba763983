package devices

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"go.bug.st/serial/enumerator"
)

// Enumerator lists the serial ports currently present on the host.
type Enumerator interface {
	Devices(ctx context.Context) ([]Device, error)
}

// SystemEnumerator asks the OS for serial ports. On Linux the USB bus
// location is read from sysfs; elsewhere Location stays empty.
type SystemEnumerator struct {
	SysfsRoot string
}

func NewSystemEnumerator() *SystemEnumerator {
	return &SystemEnumerator{SysfsRoot: "/sys"}
}

func (e *SystemEnumerator) Devices(ctx context.Context) ([]Device, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate serial ports: %w", err)
	}

	devices := make([]Device, 0, len(ports))
	for _, p := range ports {
		d := Device{
			Path:        p.Name,
			Name:        filepath.Base(p.Name),
			Description: p.Product,
		}
		if p.IsUSB {
			d.VendorID = strings.ToLower(p.VID)
			d.ProductID = strings.ToLower(p.PID)
			d.SerialNumber = p.SerialNumber
			d.Location = usbLocation(e.SysfsRoot, d.Name)
			if d.Description == "" {
				d.Description = "USB Serial Device"
			}
		}
		devices = append(devices, d)
	}

	return devices, ctx.Err()
}

var usbInterfacePattern = regexp.MustCompile(`^\d+-[\d.]+:\d+\.\d+$`)

// usbLocation resolves /sys/class/tty/<name>/device and returns the USB
// interface element of the real path, e.g. "1-1.4:1.0".
func usbLocation(sysfsRoot, name string) string {
	if sysfsRoot == "" {
		return ""
	}
	target, err := filepath.EvalSymlinks(filepath.Join(sysfsRoot, "class", "tty", name, "device"))
	if err != nil {
		return ""
	}

	parts := strings.Split(filepath.ToSlash(target), "/")
	for i := len(parts) - 1; i >= 0; i-- {
		if usbInterfacePattern.MatchString(parts[i]) {
			return parts[i]
		}
	}
	return ""
}

// StaticEnumerator returns a fixed device list.
type StaticEnumerator []Device

func (s StaticEnumerator) Devices(ctx context.Context) ([]Device, error) {
	return append([]Device(nil), s...), nil
}
