// Package stream owns the lifecycle of live camera streams: opening them
// under a constraint, falling back when the constraint cannot be met, and
// guaranteeing release.
package stream

import (
	"fmt"
	"strings"
)

// FacingMode is the platform-level preference for front or rear camera.
type FacingMode string

const (
	FacingUser        FacingMode = "user"
	FacingEnvironment FacingMode = "environment"
)

// ParseFacingMode validates a facing mode string.
func ParseFacingMode(s string) (FacingMode, error) {
	switch FacingMode(strings.ToLower(strings.TrimSpace(s))) {
	case FacingUser:
		return FacingUser, nil
	case FacingEnvironment:
		return FacingEnvironment, nil
	}
	return "", fmt.Errorf("stream: invalid facing mode %q", s)
}

// Opposite returns the other facing mode.
func (m FacingMode) Opposite() FacingMode {
	if m == FacingEnvironment {
		return FacingUser
	}
	return FacingEnvironment
}

// Kind says which selector of a Constraint is active.
type Kind int

const (
	// KindAny is the unconstrained request. It is only used as the fallback
	// and when no devices could be enumerated.
	KindAny Kind = iota
	KindDevice
	KindFacing
)

var kindNames = map[Kind]string{KindAny: "any", KindDevice: "device", KindFacing: "facing"}

// String returns the lowercase kind name.
func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	for kind, name := range kindNames {
		if name == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("stream: invalid constraint kind %q", b)
}

// Constraint selects the camera for a stream: either an exact device or a
// facing-mode preference. Switching replaces the whole value.
type Constraint struct {
	Kind       Kind       `json:"kind"`
	DeviceID   string     `json:"device_id,omitempty"`
	FacingMode FacingMode `json:"facing_mode,omitempty"`
}

// Device returns an exact-device constraint.
func Device(id string) Constraint {
	return Constraint{Kind: KindDevice, DeviceID: id}
}

// Facing returns a facing-mode preference constraint.
func Facing(mode FacingMode) Constraint {
	return Constraint{Kind: KindFacing, FacingMode: mode}
}

// Any returns the unconstrained request.
func Any() Constraint {
	return Constraint{Kind: KindAny}
}

// IsAny reports whether c is the unconstrained request.
func (c Constraint) IsAny() bool {
	return c.Kind == KindAny
}

// String formats the constraint for logs.
func (c Constraint) String() string {
	switch c.Kind {
	case KindDevice:
		return "device:" + c.DeviceID
	case KindFacing:
		return "facing:" + string(c.FacingMode)
	default:
		return "any"
	}
}

// Settings are the values the platform actually negotiated for a stream.
type Settings struct {
	DeviceID   string     `json:"device_id"`
	FacingMode FacingMode `json:"facing_mode,omitempty"`
	Width      int        `json:"width"`
	Height     int        `json:"height"`
}

// HasDimensions reports whether the stream has decoded a frame yet.
func (s Settings) HasDimensions() bool {
	return s.Width > 0 && s.Height > 0
}

// Stream is an open handle to camera hardware. It is owned by exactly one
// holder and must be closed exactly once; Close on a closed stream is a
// no-op.
type Stream interface {
	ID() string
	Settings() Settings
	Close() error
}
