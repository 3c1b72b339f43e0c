package capture

import (
	"fmt"
	"time"

	"github.com/teslashibe/go-snapcam/pkg/stream"
)

// DefaultStrategy picks the first constraint of a session that has no
// preference and no remembered selection.
type DefaultStrategy string

const (
	// DefaultFirstDevice uses the first enumerated device.
	DefaultFirstDevice DefaultStrategy = "first_device"

	// DefaultBackFacing looks for a rear camera by label, then by probing
	// the environment facing mode, then uses the first device.
	DefaultBackFacing DefaultStrategy = "back_facing"

	// DefaultFacingMode asks for Policy.FacingMode.
	DefaultFacingMode DefaultStrategy = "facing_mode"
)

// Policy captures the differences between capture flows (modal overlay,
// inline full-viewport, device-first) over the same state machine.
type Policy struct {
	Name string `json:"name" yaml:"name"`

	Default DefaultStrategy `json:"default" yaml:"default"`

	// FacingMode is the initial facing for DefaultFacingMode and the
	// starting point of ToggleFacingMode.
	FacingMode stream.FacingMode `json:"facing_mode" yaml:"facing_mode"`

	// ProbeFacing pins facing-mode requests to the concrete device the
	// platform picked, using a short probe stream.
	ProbeFacing bool `json:"probe_facing" yaml:"probe_facing"`

	// Fallback allows one unconstrained open after a constrained failure.
	Fallback bool `json:"fallback" yaml:"fallback"`

	// BusyRetries retries a busy exact device before falling back.
	BusyRetries int `json:"busy_retries" yaml:"busy_retries"`

	RetryDelay time.Duration `json:"retry_delay" yaml:"retry_delay"`
}

// Preset names.
const (
	PolicyModal       = "modal"
	PolicyInline      = "inline"
	PolicyDeviceFirst = "device_first"
)

// ModalPolicy opens the first listed device, with device picking and
// fallback. This is the overlay flow.
func ModalPolicy() Policy {
	return Policy{
		Name:        PolicyModal,
		Default:     DefaultFirstDevice,
		FacingMode:  stream.FacingUser,
		Fallback:    true,
		BusyRetries: 1,
		RetryDelay:  150 * time.Millisecond,
	}
}

// InlinePolicy starts on the user-facing camera and switches by toggling
// facing mode.
func InlinePolicy() Policy {
	p := ModalPolicy()
	p.Name = PolicyInline
	p.Default = DefaultFacingMode
	return p
}

// DeviceFirstPolicy prefers the rear camera and pins facing requests to
// concrete devices so later device switches are deterministic.
func DeviceFirstPolicy() Policy {
	p := ModalPolicy()
	p.Name = PolicyDeviceFirst
	p.Default = DefaultBackFacing
	p.FacingMode = stream.FacingEnvironment
	p.ProbeFacing = true
	return p
}

// PolicyNames lists the presets.
func PolicyNames() []string {
	return []string{PolicyModal, PolicyInline, PolicyDeviceFirst}
}

// PolicyByName returns a preset.
func PolicyByName(name string) (Policy, error) {
	switch name {
	case "", PolicyModal:
		return ModalPolicy(), nil
	case PolicyInline:
		return InlinePolicy(), nil
	case PolicyDeviceFirst:
		return DeviceFirstPolicy(), nil
	}
	return Policy{}, fmt.Errorf("capture: unknown policy %q", name)
}

// Validate checks the policy fields.
func (p Policy) Validate() error {
	switch p.Default {
	case DefaultFirstDevice, DefaultBackFacing, DefaultFacingMode:
	default:
		return fmt.Errorf("capture: invalid default strategy %q", p.Default)
	}
	if _, err := stream.ParseFacingMode(string(p.FacingMode)); err != nil {
		return err
	}
	if p.BusyRetries < 0 {
		return fmt.Errorf("capture: busy_retries must be >= 0, got %d", p.BusyRetries)
	}
	if p.RetryDelay < 0 {
		return fmt.Errorf("capture: retry_delay must be >= 0, got %v", p.RetryDelay)
	}
	return nil
}

// controllerOptions maps the policy onto stream controller options.
func (p Policy) controllerOptions() []stream.Option {
	return []stream.Option{
		stream.WithFallback(p.Fallback),
		stream.WithBusyRetries(p.BusyRetries),
		stream.WithRetryDelay(p.RetryDelay),
	}
}
