package stream

import (
	"errors"
	"fmt"
)

// Platform errors. Openers wrap their failures with one of these so the
// controller can decide between retry, fallback and giving up.
var (
	// ErrDeviceNotFound means the exact device is no longer present.
	ErrDeviceNotFound = errors.New("stream: device not found")

	// ErrPermissionDenied means the platform refused camera access.
	ErrPermissionDenied = errors.New("stream: permission denied")

	// ErrDeviceBusy means the device is held by someone else right now.
	ErrDeviceBusy = errors.New("stream: device busy")

	// ErrNoDevice means there is no camera at all.
	ErrNoDevice = errors.New("stream: no video device")

	// ErrOpenInProgress is returned when Open is called while another
	// Open on the same controller has not returned yet.
	ErrOpenInProgress = errors.New("stream: open already in progress")
)

// OpenError reports a failed open after retries and fallback were exhausted.
type OpenError struct {
	// Constraint is the constraint that was originally requested.
	Constraint Constraint

	// Err is the last underlying failure, joined with a permission error
	// from an earlier attempt.
	Err error
}

// Error implements the error interface.
func (e *OpenError) Error() string {
	return fmt.Sprintf("stream: open %s: %v", e.Constraint, e.Err)
}

// Unwrap returns the underlying error.
func (e *OpenError) Unwrap() error {
	return e.Err
}

// IsPermissionDenied reports whether err is, or wraps, ErrPermissionDenied.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}
