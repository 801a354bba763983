// Package devices maps logical printer names to the serial device paths that
// currently satisfy their configured USB identity.
package devices

import (
	"fmt"
	"sort"
	"strings"

	"github.com/orrn/printfleet/internal/config"
)

// Device is one live serial port as reported by enumeration.
type Device struct {
	Path         string `json:"path"`
	Name         string `json:"name"`
	Description  string `json:"description"`
	VendorID     string `json:"vendor_id,omitempty"`
	ProductID    string `json:"product_id,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Location     string `json:"location,omitempty"`
}

const (
	mockVendorID        = "1234"
	mockProductIDPrefix = "500"
	autoDetectedPrefix  = "AutoDetected_"
)

var deviceKeywords = []string{
	"usb", "serial", "uart", "ch340", "ch341", "cp210", "ftdi",
	"pl2303", "arduino", "acm", "marlin", "prusa",
}

type Options struct {
	AllowMock bool
}

// ResolveAll returns name -> device path for every identity with a live match.
// Identities are visited most specific first, then by name, and a path is
// handed out at most once, so a broad vid/pid identity cannot take the
// device a location-pinned identity was configured for.
func ResolveAll(identities map[string]*config.PrinterIdentity, devices []Device, opts Options) map[string]string {
	resolved := make(map[string]string)
	claimed := make(map[string]bool)

	names := sortedNames(identities)
	sort.SliceStable(names, func(i, j int) bool {
		return specificity(identities[names[i]], opts) < specificity(identities[names[j]], opts)
	})

	for _, name := range names {
		id := identities[name]
		if id == nil {
			continue
		}
		for _, d := range devices {
			if claimed[d.Path] {
				continue
			}
			if Matches(id, d, opts) {
				resolved[name] = d.Path
				claimed[d.Path] = true
				break
			}
		}
	}

	return resolved
}

// specificity ranks an identity for resolution order; lower goes first.
func specificity(id *config.PrinterIdentity, opts Options) int {
	switch {
	case id == nil:
		return 5
	case opts.AllowMock && id.VendorID == mockVendorID && strings.HasPrefix(id.ProductID, mockProductIDPrefix):
		return 0
	case id.Location != "":
		return 1
	case id.VendorID != "" && id.ProductID != "" && id.SerialNumber != "":
		return 2
	case id.VendorID != "" && id.ProductID != "":
		return 3
	default:
		return 4
	}
}

// Matches applies the identity precedence: mock convention, bus location,
// vendor/product id, then serial number alone.
func Matches(id *config.PrinterIdentity, d Device, opts Options) bool {
	if opts.AllowMock && isMockMatch(id, d) {
		return true
	}

	hasIDs := id.VendorID != "" && id.ProductID != ""

	if id.Location != "" {
		if d.Location != id.Location {
			return false
		}
		if hasIDs {
			return sameIDs(id, d)
		}
		return true
	}

	if hasIDs {
		if !sameIDs(id, d) {
			return false
		}
		if id.SerialNumber != "" {
			return id.SerialNumber == d.SerialNumber
		}
		return true
	}

	if id.SerialNumber != "" && id.VendorID == "" && id.ProductID == "" {
		return id.SerialNumber == d.SerialNumber
	}

	return false
}

func isMockMatch(id *config.PrinterIdentity, d Device) bool {
	if !strings.Contains(d.Description, "Mock") {
		return false
	}
	if id.VendorID != mockVendorID || !strings.HasPrefix(id.ProductID, mockProductIDPrefix) {
		return false
	}

	fields := strings.Fields(d.Description)
	suffix := fields[len(fields)-1]
	if !isDigits(suffix) {
		return false
	}
	return id.ProductID == mockProductIDPrefix+suffix
}

func sameIDs(id *config.PrinterIdentity, d Device) bool {
	return d.VendorID != "" && d.ProductID != "" &&
		strings.EqualFold(id.VendorID, d.VendorID) &&
		strings.EqualFold(id.ProductID, d.ProductID)
}

// AutoDetect builds identities for likely printers that no identity claims.
// resolved is the current name -> path map; the returned map holds only the
// new identities, keyed by their generated names.
func AutoDetect(identities map[string]*config.PrinterIdentity, devices []Device, resolved map[string]string) map[string]*config.PrinterIdentity {
	claimed := make(map[string]bool, len(resolved))
	for _, path := range resolved {
		claimed[path] = true
	}

	signatures := make(map[string]bool)
	for _, id := range identities {
		if id == nil {
			continue
		}
		if sig := identitySignature(id); sig != "::" {
			signatures[sig] = true
		}
	}

	taken := make(map[string]bool, len(identities))
	for name := range identities {
		taken[name] = true
	}

	added := make(map[string]*config.PrinterIdentity)
	for _, d := range devices {
		sig := deviceSignature(d)
		// A port with no USB attributes could never be matched again.
		if sig == "::" || claimed[d.Path] || signatures[sig] || !LooksLikePrinter(d) {
			continue
		}

		name := uniqueName(autoDetectedPrefix+d.Name, taken)
		taken[name] = true
		claimed[d.Path] = true

		added[name] = &config.PrinterIdentity{
			DisplayName:  name,
			VendorID:     d.VendorID,
			ProductID:    d.ProductID,
			Location:     d.Location,
			SerialNumber: d.SerialNumber,
			AutoDetected: true,
		}
		signatures[sig] = true
	}

	return added
}

// LooksLikePrinter reports whether the port looks like a USB serial bridge.
func LooksLikePrinter(d Device) bool {
	haystack := strings.ToLower(d.Description + " " + d.Name)
	for _, kw := range deviceKeywords {
		if strings.Contains(haystack, kw) {
			return true
		}
	}
	return false
}

func identitySignature(id *config.PrinterIdentity) string {
	return fmt.Sprintf("%s:%s:%s", strings.ToLower(id.VendorID), strings.ToLower(id.ProductID), id.Location)
}

func deviceSignature(d Device) string {
	return fmt.Sprintf("%s:%s:%s", strings.ToLower(d.VendorID), strings.ToLower(d.ProductID), d.Location)
}

func uniqueName(base string, taken map[string]bool) string {
	name := base
	for n := 1; taken[name]; n++ {
		name = fmt.Sprintf("%s_%d", base, n)
	}
	return name
}

func sortedNames(identities map[string]*config.PrinterIdentity) []string {
	names := make([]string, 0, len(identities))
	for name := range identities {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
