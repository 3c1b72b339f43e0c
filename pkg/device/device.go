// Package device enumerates video input devices and tracks which one is
// selected for capture.
package device

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownDevice is returned when selecting an id that is not in the
// current snapshot.
var ErrUnknownDevice = errors.New("device: unknown device")

// Facing is a best-effort hint about which way a camera points.
type Facing int

const (
	FacingUnknown Facing = iota
	FacingFront
	FacingBack
)

// String returns the lowercase name of the hint.
func (f Facing) String() string {
	switch f {
	case FacingFront:
		return "front"
	case FacingBack:
		return "back"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Facing) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// VideoDevice is a single video input as reported by the platform.
// Label may be empty until camera permission has been granted.
type VideoDevice struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Facing Facing `json:"facing"`
}

// DisplayName returns the label, or "Camera <id>" when the label is blank.
func (d VideoDevice) DisplayName() string {
	if strings.TrimSpace(d.Label) != "" {
		return d.Label
	}
	return fmt.Sprintf("Camera %s", d.ID)
}

// Enumerator is the platform boundary for device discovery.
type Enumerator interface {
	EnumerateDevices(ctx context.Context) ([]VideoDevice, error)
}

// EnumeratorFunc adapts a function to the Enumerator interface.
type EnumeratorFunc func(ctx context.Context) ([]VideoDevice, error)

// EnumerateDevices calls f.
func (f EnumeratorFunc) EnumerateDevices(ctx context.Context) ([]VideoDevice, error) {
	return f(ctx)
}

// backAliases are matched case-insensitively against device labels.
// "enviroment" is a misspelling seen in real driver labels.
var backAliases = []string{"back", "rear", "environment", "enviroment"}

// frontAliases feed the Facing hint only; they never drive selection.
var frontAliases = []string{"front", "user", "facetime", "selfie"}

// GuessFacing derives a Facing hint from a label.
func GuessFacing(label string) Facing {
	l := strings.ToLower(label)
	for _, a := range backAliases {
		if strings.Contains(l, a) {
			return FacingBack
		}
	}
	for _, a := range frontAliases {
		if strings.Contains(l, a) {
			return FacingFront
		}
	}
	return FacingUnknown
}

// PickDefault returns the first listed device, or nil for an empty list.
// List order is the platform's order, which makes the choice deterministic.
func PickDefault(devices []VideoDevice) *VideoDevice {
	if len(devices) == 0 {
		return nil
	}
	d := devices[0]
	return &d
}

// PickBackFacing scans labels for a rear camera alias and returns the first
// match. A nil result is not an error; callers fall back to PickDefault.
func PickBackFacing(devices []VideoDevice) *VideoDevice {
	for i := range devices {
		l := strings.ToLower(devices[i].Label)
		for _, a := range backAliases {
			if strings.Contains(l, a) {
				d := devices[i]
				return &d
			}
		}
	}
	return nil
}

// Lookup finds a device by id.
func Lookup(devices []VideoDevice, id string) (VideoDevice, bool) {
	for _, d := range devices {
		if d.ID == id {
			return d, true
		}
	}
	return VideoDevice{}, false
}
