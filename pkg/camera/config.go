// Package camera holds the runtime-tunable capture settings: stream
// resolution, JPEG quality and the live preview rate.
package camera

import "fmt"

// Config holds the capture settings. They can be changed at runtime via the
// camera API; new values apply to the next opened stream and the next
// capture.
type Config struct {
	// === Stream ===
	Width     int `json:"width" yaml:"width"`         // Requested frame width in pixels
	Height    int `json:"height" yaml:"height"`       // Requested frame height in pixels
	Framerate int `json:"framerate" yaml:"framerate"` // Requested FPS

	// === Still capture ===
	// Quality is the JPEG quality of captured frames (1-100).
	Quality int `json:"quality" yaml:"quality"`

	// Mirror tells preview clients to flip user-facing video horizontally.
	// Captured frames are never mirrored.
	Mirror bool `json:"mirror" yaml:"mirror"`

	// === Live preview ===
	PreviewFPS     int `json:"preview_fps" yaml:"preview_fps"`         // Preview frames pushed per second, 0 disables
	PreviewQuality int `json:"preview_quality" yaml:"preview_quality"` // JPEG quality of preview frames
}

// Limits accepted by Validate.
const (
	MinWidth      = 160
	MinHeight     = 120
	MaxWidth      = 3840
	MaxHeight     = 2160
	MaxFramerate  = 60
	MaxPreviewFPS = 30
)

// DefaultConfig returns VGA at 4:3 with high JPEG quality, which is what
// document-style captures are tuned for.
func DefaultConfig() Config {
	return Config{
		Width:     640,
		Height:    480,
		Framerate: 30,
		Quality:   92,

		PreviewFPS:     10,
		PreviewQuality: 70,
	}
}

// Aspect returns the reduced aspect ratio, e.g. "4:3".
func (c Config) Aspect() string {
	if c.Width <= 0 || c.Height <= 0 {
		return ""
	}
	g := gcd(c.Width, c.Height)
	return fmt.Sprintf("%d:%d", c.Width/g, c.Height/g)
}

func gcd(a, b int) int {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Validate checks if the config values are within valid ranges.
// Returns a list of validation errors, or nil if valid.
func (c *Config) Validate() []string {
	var errs []string

	if c.Width < MinWidth || c.Width > MaxWidth {
		errs = append(errs, fmt.Sprintf("width must be between %d and %d", MinWidth, MaxWidth))
	}
	if c.Height < MinHeight || c.Height > MaxHeight {
		errs = append(errs, fmt.Sprintf("height must be between %d and %d", MinHeight, MaxHeight))
	}
	if c.Framerate < 1 || c.Framerate > MaxFramerate {
		errs = append(errs, fmt.Sprintf("framerate must be between 1 and %d", MaxFramerate))
	}
	if c.Quality < 1 || c.Quality > 100 {
		errs = append(errs, "quality must be between 1 and 100")
	}
	if c.PreviewFPS < 0 || c.PreviewFPS > MaxPreviewFPS {
		errs = append(errs, fmt.Sprintf("preview_fps must be between 0 and %d", MaxPreviewFPS))
	}
	if c.PreviewQuality < 1 || c.PreviewQuality > 100 {
		errs = append(errs, "preview_quality must be between 1 and 100")
	}

	return errs
}

// Capabilities describes the accepted ranges for API clients.
func Capabilities() map[string]interface{} {
	return map[string]interface{}{
		"min_width":       MinWidth,
		"min_height":      MinHeight,
		"max_width":       MaxWidth,
		"max_height":      MaxHeight,
		"max_framerate":   MaxFramerate,
		"max_preview_fps": MaxPreviewFPS,
		"formats":         []string{"image/jpeg"},
		"presets":         PresetNames(),
	}
}
