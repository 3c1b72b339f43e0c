package frame

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-snapcam/pkg/stream"
)

// ErrUnsupported is returned when a stream cannot be sampled at all.
var ErrUnsupported = errors.New("frame: stream does not support grabbing")

// DefaultQuality is the JPEG quality used when none is configured.
const DefaultQuality = 92

// Capturer turns the current picture of a live stream into a Frame.
type Capturer struct {
	quality        func() int
	previewQuality func() int
	now            func() time.Time
	newID          func() string
	logger         *slog.Logger
}

// CapturerOption configures a Capturer.
type CapturerOption func(*Capturer)

// WithQuality fixes the JPEG quality (1-100).
func WithQuality(q int) CapturerOption {
	return func(c *Capturer) { c.quality = func() int { return q } }
}

// WithQualityFunc reads the JPEG quality at capture time, so runtime
// camera settings apply to the next capture.
func WithQualityFunc(f func() int) CapturerOption {
	return func(c *Capturer) {
		if f != nil {
			c.quality = f
		}
	}
}

// WithPreviewQualityFunc reads the JPEG quality used for live preview
// frames. Without it previews use the capture quality.
func WithPreviewQualityFunc(f func() int) CapturerOption {
	return func(c *Capturer) { c.previewQuality = f }
}

// WithClock overrides the capture timestamp source.
func WithClock(now func() time.Time) CapturerOption {
	return func(c *Capturer) { c.now = now }
}

// WithIDFunc overrides frame id generation.
func WithIDFunc(f func() string) CapturerOption {
	return func(c *Capturer) { c.newID = f }
}

// WithCapturerLogger sets the structured logger.
func WithCapturerLogger(l *slog.Logger) CapturerOption {
	return func(c *Capturer) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewCapturer creates a capturer with JPEG output.
func NewCapturer(opts ...CapturerOption) *Capturer {
	c := &Capturer{
		quality: func() int { return DefaultQuality },
		now:     time.Now,
		newID:   func() string { return uuid.New().String() },
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "frame.capturer")
	return c
}

// Capture samples s once. It returns (nil, nil) when the stream has no
// decoded dimensions yet; that is "not ready", not a failure, and callers
// must leave their state alone. There is no retry.
func (c *Capturer) Capture(s stream.Stream) (*Frame, error) {
	data, w, h, err := c.sample(s, c.quality())
	if err != nil || data == nil {
		return nil, err
	}
	settings := s.Settings()
	f := New(c.newID(), data, w, h, settings.DeviceID, c.now())
	c.logger.Debug("frame captured", "frame", f.ID, "bytes", f.Size(), "width", w, "height", h)
	return f, nil
}

// Preview samples s for a live preview. Same readiness rules as Capture.
func (c *Capturer) Preview(s stream.Stream) ([]byte, error) {
	q := c.quality
	if c.previewQuality != nil {
		q = c.previewQuality
	}
	data, _, _, err := c.sample(s, q())
	return data, err
}

func (c *Capturer) sample(s stream.Stream, quality int) ([]byte, int, int, error) {
	if s == nil {
		return nil, 0, 0, nil
	}
	if !s.Settings().HasDimensions() {
		return nil, 0, 0, nil
	}

	q := clampQuality(quality)
	switch g := stream.Underlying(s).(type) {
	case JPEGGrabber:
		data, w, h, err := g.GrabJPEG(q)
		if errors.Is(err, ErrNotReady) || (err == nil && len(data) == 0) {
			return nil, 0, 0, nil
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("frame: grab jpeg: %w", err)
		}
		return data, w, h, nil
	case Grabber:
		img, err := g.Grab()
		if errors.Is(err, ErrNotReady) || (err == nil && img == nil) {
			return nil, 0, 0, nil
		}
		if err != nil {
			return nil, 0, 0, fmt.Errorf("frame: grab: %w", err)
		}
		b := img.Bounds()
		if b.Empty() {
			return nil, 0, 0, nil
		}
		data, err := EncodeJPEG(img, q)
		if err != nil {
			return nil, 0, 0, err
		}
		return data, b.Dx(), b.Dy(), nil
	default:
		return nil, 0, 0, ErrUnsupported
	}
}

// EncodeJPEG encodes img at the given quality.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: clampQuality(quality)}); err != nil {
		return nil, fmt.Errorf("frame: encode jpeg: %w", err)
	}
	return buf.Bytes(), nil
}

func clampQuality(q int) int {
	if q < 1 {
		return DefaultQuality
	}
	if q > 100 {
		return 100
	}
	return q
}
