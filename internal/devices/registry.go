package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/orrn/printfleet/internal/config"
)

var (
	ErrUnknownPrinter    = errors.New("printer is not configured")
	ErrDeviceUnavailable = errors.New("printer device is not connected")
)

// Registry joins the configured identities with live enumeration. Newly
// auto-detected identities are added to the config and saved to configPath.
type Registry struct {
	mu         sync.Mutex
	cfg        *config.Config
	configPath string
	enum       Enumerator
	logger     *slog.Logger
}

func NewRegistry(cfg *config.Config, configPath string, enum Enumerator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Printers == nil {
		cfg.Printers = map[string]*config.PrinterIdentity{}
	}
	return &Registry{
		cfg:        cfg,
		configPath: configPath,
		enum:       enum,
		logger:     logger,
	}
}

// Available re-enumerates devices and returns name -> device path for every
// identity that currently has a device, auto-detecting new ones if enabled.
func (r *Registry) Available(ctx context.Context) (map[string]string, error) {
	devices, err := r.enum.Devices(ctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	opts := Options{AllowMock: r.cfg.Global.AllowMockDevices}
	resolved := ResolveAll(r.cfg.Printers, devices, opts)

	if !r.cfg.Global.AutoDetectNewDevices {
		return resolved, nil
	}

	added := AutoDetect(r.cfg.Printers, devices, resolved)
	if len(added) == 0 {
		return resolved, nil
	}

	for name, id := range added {
		r.cfg.Printers[name] = id
	}
	resolved = ResolveAll(r.cfg.Printers, devices, opts)

	for name := range added {
		r.logger.Info("auto-detected new printer device", "printer", name, "path", resolved[name])
	}

	if r.configPath != "" {
		if err := r.cfg.Save(r.configPath); err != nil {
			r.logger.Error("failed to save auto-detected printers", "error", err)
		}
	}

	return resolved, nil
}

// Resolve returns the device path currently assigned to name.
func (r *Registry) Resolve(ctx context.Context, name string) (string, error) {
	available, err := r.Available(ctx)
	if err != nil {
		return "", err
	}

	if path, ok := available[name]; ok {
		return path, nil
	}

	if _, ok := r.Identity(name); !ok {
		return "", fmt.Errorf("%s: %w", name, ErrUnknownPrinter)
	}
	return "", fmt.Errorf("%s: %w", name, ErrDeviceUnavailable)
}

func (r *Registry) Identity(name string) (config.PrinterIdentity, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.cfg.Printers[name]
	if !ok || id == nil {
		return config.PrinterIdentity{}, false
	}
	return *id, true
}

// Names returns every configured printer name, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.cfg.Printers))
	for name := range r.cfg.Printers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Devices(ctx context.Context) ([]Device, error) {
	return r.enum.Devices(ctx)
}
