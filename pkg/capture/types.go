// Package capture sequences the user-facing photo flow: live preview,
// review of a captured frame, then confirm or retake.
package capture

import (
	"errors"
	"fmt"

	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/stream"
)

// Sentinel errors.
var (
	// ErrInvalidPhase is returned when an operation is not allowed in the
	// session's current phase. The session is left unchanged.
	ErrInvalidPhase = errors.New("capture: operation not allowed in current phase")

	// ErrSessionClosed is returned for calls on a finished session.
	ErrSessionClosed = errors.New("capture: session closed")

	// ErrSessionActive is returned when starting a session while another
	// one still holds the camera.
	ErrSessionActive = errors.New("capture: another session is active")
)

// Phase is the position of a session in the capture flow.
type Phase int

const (
	PhaseIdle Phase = iota
	PhaseLive
	PhaseReviewing
	PhaseClosed
)

var phaseNames = [...]string{"idle", "live", "reviewing", "closed"}

// String returns the lowercase phase name.
func (p Phase) String() string {
	if p < PhaseIdle || p > PhaseClosed {
		return "unknown"
	}
	return phaseNames[p]
}

// MarshalText implements encoding.TextMarshaler.
func (p Phase) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Phase) UnmarshalText(b []byte) error {
	for i, name := range phaseNames {
		if name == string(b) {
			*p = Phase(i)
			return nil
		}
	}
	return fmt.Errorf("capture: unknown phase %q", b)
}

// PhaseError wraps ErrInvalidPhase with the operation and phase involved.
type PhaseError struct {
	Op    string
	Phase Phase
}

// Error implements the error interface.
func (e *PhaseError) Error() string {
	return fmt.Sprintf("capture: %s not allowed while %s", e.Op, e.Phase)
}

// Unwrap returns ErrInvalidPhase.
func (e *PhaseError) Unwrap() error {
	return ErrInvalidPhase
}

// Reason says why a session ended without a confirmed frame.
type Reason string

const (
	ReasonCancelled         Reason = "cancelled"
	ReasonPermissionDenied  Reason = "permission_denied"
	ReasonDeviceUnavailable Reason = "device_unavailable"
	ReasonShutdown          Reason = "shutdown"
)

// Host receives the terminal outcome of a session. Exactly one of the two
// methods is called, exactly once, per session.
type Host interface {
	OnConfirmed(f *frame.Frame)
	OnClosed(reason Reason)
}

// HostFuncs adapts plain functions to Host. Nil fields are skipped.
type HostFuncs struct {
	Confirmed func(f *frame.Frame)
	Closed    func(reason Reason)
}

// OnConfirmed calls Confirmed.
func (h HostFuncs) OnConfirmed(f *frame.Frame) {
	if h.Confirmed != nil {
		h.Confirmed(f)
	}
}

// OnClosed calls Closed.
func (h HostFuncs) OnClosed(reason Reason) {
	if h.Closed != nil {
		h.Closed(reason)
	}
}

// Observer receives non-terminal notifications. Both hooks are optional.
type Observer struct {
	// StateChanged is called after every observable state change.
	StateChanged func(State)

	// Degraded is called when an open had to fall back to any camera.
	Degraded func(stream.OpenReport)
}

// State is an immutable snapshot of a session.
type State struct {
	SessionID  string            `json:"session_id"`
	Phase      Phase             `json:"phase"`
	Constraint stream.Constraint `json:"constraint"`
	Pending    bool              `json:"pending"`
	Stream     *stream.Settings  `json:"stream,omitempty"`
	Frame      *frame.Frame      `json:"frame,omitempty"`
	Degraded   bool              `json:"degraded"`
	Confirmed  bool              `json:"confirmed"`
	Reason     Reason            `json:"reason,omitempty"`
}

func (s State) equal(o State) bool {
	if s.Phase != o.Phase || s.Constraint != o.Constraint || s.Pending != o.Pending ||
		s.Degraded != o.Degraded || s.Confirmed != o.Confirmed || s.Reason != o.Reason {
		return false
	}
	if (s.Stream == nil) != (o.Stream == nil) || (s.Stream != nil && *s.Stream != *o.Stream) {
		return false
	}
	return s.Frame == o.Frame
}
