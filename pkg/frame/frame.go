// Package frame samples still images from live streams.
package frame

import (
	"encoding/base64"
	"errors"
	"image"
	"time"
)

// FormatJPEG is the only encoding produced today.
const FormatJPEG = "image/jpeg"

// ErrNotReady is returned by grabbers when the stream has not decoded a
// frame yet. The capturer turns it into an absent result.
var ErrNotReady = errors.New("frame: stream not ready")

// Frame is an immutable encoded still image. A later capture produces a new
// Frame; it never modifies an earlier one.
type Frame struct {
	ID         string    `json:"id"`
	Format     string    `json:"format"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	DeviceID   string    `json:"device_id,omitempty"`
	CapturedAt time.Time `json:"captured_at"`

	data []byte
}

// New builds a Frame that owns a private copy of data.
func New(id string, data []byte, width, height int, deviceID string, at time.Time) *Frame {
	buf := make([]byte, len(data))
	copy(buf, data)
	return &Frame{
		ID:         id,
		Format:     FormatJPEG,
		Width:      width,
		Height:     height,
		DeviceID:   deviceID,
		CapturedAt: at,
		data:       buf,
	}
}

// Bytes returns a copy of the encoded image.
func (f *Frame) Bytes() []byte {
	out := make([]byte, len(f.data))
	copy(out, f.data)
	return out
}

// Size returns the encoded length in bytes.
func (f *Frame) Size() int {
	return len(f.data)
}

// Base64 returns the encoded image as standard base64.
func (f *Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.data)
}

// DataURI returns the image as a data: URI, the form web clients hand
// around for screenshots.
func (f *Frame) DataURI() string {
	return "data:" + f.Format + ";base64," + f.Base64()
}

// Grabber is implemented by platform streams that can sample the current
// decoded frame.
type Grabber interface {
	Grab() (image.Image, error)
}

// JPEGGrabber is an optional fast path for platforms that encode natively.
type JPEGGrabber interface {
	GrabJPEG(quality int) (data []byte, width, height int, err error)
}
