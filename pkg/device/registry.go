package device

import (
	"context"
	"log/slog"
	"sync"
)

// Registry wraps a platform Enumerator. It never fails: a platform error
// degrades to an empty list so callers fall back to an unconstrained stream.
type Registry struct {
	enum   Enumerator
	logger *slog.Logger

	mu       sync.RWMutex
	snapshot []VideoDevice
	active   string
}

// NewRegistry creates a registry over the given platform enumerator.
func NewRegistry(enum Enumerator, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		enum:   enum,
		logger: logger.With("component", "device.registry"),
	}
}

// ListDevices queries the platform for current video inputs.
// Duplicate ids are dropped (first one wins) and missing facing hints are
// filled from labels.
func (r *Registry) ListDevices(ctx context.Context) []VideoDevice {
	raw, err := r.enum.EnumerateDevices(ctx)
	if err != nil {
		r.logger.Warn("device enumeration failed", "error", err)
		raw = nil
	}

	seen := make(map[string]bool, len(raw))
	devices := make([]VideoDevice, 0, len(raw))
	for _, d := range raw {
		if d.ID == "" || seen[d.ID] {
			continue
		}
		seen[d.ID] = true
		if d.Facing == FacingUnknown {
			d.Facing = GuessFacing(d.Label)
		}
		devices = append(devices, d)
	}

	r.mu.Lock()
	r.snapshot = devices
	r.mu.Unlock()

	r.logger.Debug("devices enumerated", "count", len(devices))
	return cloneDevices(devices)
}

// Snapshot returns the result of the most recent ListDevices call.
func (r *Registry) Snapshot() []VideoDevice {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneDevices(r.snapshot)
}

// Select marks id as the active device. The id must be in the snapshot.
func (r *Registry) Select(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := Lookup(r.snapshot, id); !ok {
		return ErrUnknownDevice
	}
	r.active = id
	return nil
}

// Active returns the selected device id, or "" when nothing is selected.
func (r *Registry) Active() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// ClearActive drops the current selection.
func (r *Registry) ClearActive() {
	r.mu.Lock()
	r.active = ""
	r.mu.Unlock()
}

func cloneDevices(in []VideoDevice) []VideoDevice {
	out := make([]VideoDevice, len(in))
	copy(out, in)
	return out
}
