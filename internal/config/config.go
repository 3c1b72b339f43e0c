// Package config loads go-snapcam settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/teslashibe/go-snapcam/internal/log"
	"github.com/teslashibe/go-snapcam/pkg/camera"
	"github.com/teslashibe/go-snapcam/pkg/capture"
)

// Defaults.
const (
	DefaultPort       = 8090
	DefaultLogLevel   = "info"
	DefaultDevDir     = "/dev"
	DefaultSysDir     = "/sys/class/video4linux"
	DefaultOCRTimeout = 20 * time.Second
)

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port         int      `yaml:"port"`
	AllowOrigins string   `yaml:"allow_origins"` // CORS origins, "*" for any
	ICEServers   []string `yaml:"ice_servers"`   // STUN/TURN URLs for WebRTC preview
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
	JSON  bool   `yaml:"json"`
}

// CameraConfig selects the platform and the capture settings. When Preset
// is set it replaces the inline settings.
type CameraConfig struct {
	Mock   bool   `yaml:"mock"`    // in-memory cameras instead of /dev/video*
	DevDir string `yaml:"dev_dir"` // where videoN nodes live
	SysDir string `yaml:"sys_dir"` // video4linux sysfs class directory
	Preset string `yaml:"preset"`

	camera.Config `yaml:",inline"`
}

// CaptureConfig selects the capture flow.
type CaptureConfig struct {
	Policy string `yaml:"policy"` // modal, inline, device_first
}

// OCRConfig configures the downstream OCR endpoint. Empty URL disables it.
type OCRConfig struct {
	URL       string `yaml:"url"`
	APIKey    string `yaml:"api_key"`
	Lang      string `yaml:"lang"`
	DPI       string `yaml:"dpi"`
	TimeoutMs int    `yaml:"timeout_ms"`
	Inline    bool   `yaml:"inline"` // include the data URI in confirmed events
}

// Config aggregates the service configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Log     LogConfig     `yaml:"log"`
	Camera  CameraConfig  `yaml:"camera"`
	Capture CaptureConfig `yaml:"capture"`
	OCR     OCRConfig     `yaml:"ocr"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server: ServerConfig{Port: DefaultPort, AllowOrigins: "*"},
		Log:    LogConfig{Level: DefaultLogLevel},
		Camera: CameraConfig{
			DevDir: DefaultDevDir,
			SysDir: DefaultSysDir,
			Config: camera.DefaultConfig(),
		},
		Capture: CaptureConfig{Policy: capture.PolicyModal},
		OCR:     OCRConfig{TimeoutMs: int(DefaultOCRTimeout / time.Millisecond)},
	}
}

// Load reads path (optional), applies environment overrides and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("unmarshal yaml: %w", err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Finalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from non-empty environment variables:
//
//	SNAPCAM_PORT, LOG_LEVEL, SNAPCAM_MOCK_CAMERA, SNAPCAM_POLICY,
//	SNAPCAM_PRESET, OCR_URL, OCR_API_KEY
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SNAPCAM_PORT"); ok && v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SNAPCAM_PORT: %w", err)
		}
		c.Server.Port = port
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Log.Level = v
	}
	if v, ok := lookup("SNAPCAM_MOCK_CAMERA"); ok && v != "" {
		mock, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("SNAPCAM_MOCK_CAMERA: %w", err)
		}
		c.Camera.Mock = mock
	}
	if v, ok := lookup("SNAPCAM_POLICY"); ok && v != "" {
		c.Capture.Policy = v
	}
	if v, ok := lookup("SNAPCAM_PRESET"); ok && v != "" {
		c.Camera.Preset = v
	}
	if v, ok := lookup("OCR_URL"); ok && v != "" {
		c.OCR.URL = v
	}
	if v, ok := lookup("OCR_API_KEY"); ok && v != "" {
		c.OCR.APIKey = v
	}
	return nil
}

// Finalize resolves the camera preset and validates every section.
func (c *Config) Finalize() error {
	if c.Camera.Preset != "" {
		preset := camera.GetPreset(c.Camera.Preset)
		if preset == nil {
			return fmt.Errorf("camera.preset: unknown preset %q", c.Camera.Preset)
		}
		c.Camera.Config = *preset
	}
	return c.Validate()
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	for _, msg := range c.Camera.Config.Validate() {
		errs = append(errs, fmt.Errorf("camera: %s", msg))
	}
	if _, err := capture.PolicyByName(c.Capture.Policy); err != nil {
		errs = append(errs, fmt.Errorf("capture.policy: %w", err))
	}
	if c.OCR.TimeoutMs < 0 {
		errs = append(errs, fmt.Errorf("ocr.timeout_ms must be >= 0, got %d", c.OCR.TimeoutMs))
	}
	return errors.Join(errs...)
}

// Policy returns the configured capture policy.
func (c *Config) Policy() capture.Policy {
	p, err := capture.PolicyByName(c.Capture.Policy)
	if err != nil {
		log.Warn("unknown capture policy, using modal", "policy", c.Capture.Policy)
		return capture.ModalPolicy()
	}
	return p
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// OCRTimeout returns the OCR request timeout.
func (c *Config) OCRTimeout() time.Duration {
	return time.Duration(c.OCR.TimeoutMs) * time.Millisecond
}
