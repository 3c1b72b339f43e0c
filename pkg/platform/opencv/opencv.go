// Package opencv is the camera platform for Linux hosts: V4L2 discovery
// under /dev and streams backed by OpenCV's VideoCapture.
package opencv

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-snapcam/pkg/camera"
	"github.com/teslashibe/go-snapcam/pkg/device"
	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/stream"
	"gocv.io/x/gocv"
)

// Platform implements device.Enumerator and stream.Opener on top of gocv.
type Platform struct {
	devDir        string
	sysDir        string
	requireDevice bool
	closeTimeout  time.Duration
	logger        *slog.Logger

	mu        sync.Mutex
	width     int
	height    int
	framerate int
	open      map[string]*Stream
}

// Option configures a Platform.
type Option func(*Platform)

// WithResolution sets the requested capture size.
func WithResolution(width, height int) Option {
	return func(p *Platform) {
		p.width, p.height = width, height
	}
}

// WithFramerate sets the requested capture rate.
func WithFramerate(fps int) Option {
	return func(p *Platform) { p.framerate = fps }
}

// WithDirs overrides /dev and /sys/class/video4linux.
func WithDirs(devDir, sysDir string) Option {
	return func(p *Platform) {
		p.devDir, p.sysDir = devDir, sysDir
	}
}

// WithCloseTimeout bounds how long Close waits for a blocked read. After
// that the device is released in the background.
func WithCloseTimeout(d time.Duration) Option {
	return func(p *Platform) {
		if d > 0 {
			p.closeTimeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Platform) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates an OpenCV platform.
func New(opts ...Option) *Platform {
	p := &Platform{
		devDir:        "/dev",
		sysDir:        "/sys/class/video4linux",
		requireDevice: true,
		closeTimeout:  time.Second,
		logger:        slog.Default(),
		width:         640,
		height:        480,
		framerate:     30,
		open:          make(map[string]*Stream),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "platform.opencv")
	return p
}

// ApplyConfig updates the requested size and rate for streams opened from
// now on. It matches camera.Manager.OnConfigChange.
func (p *Platform) ApplyConfig(cfg camera.Config) error {
	p.mu.Lock()
	p.width, p.height, p.framerate = cfg.Width, cfg.Height, cfg.Framerate
	p.mu.Unlock()
	p.logger.Info("capture settings updated", "width", cfg.Width, "height", cfg.Height, "framerate", cfg.Framerate)
	return nil
}

// EnumerateDevices implements device.Enumerator.
func (p *Platform) EnumerateDevices(ctx context.Context) ([]device.VideoDevice, error) {
	return discover(ctx, p.devDir, p.sysDir, p.requireDevice)
}

// Open implements stream.Opener. Facing modes are a hint: the first device
// whose label matches is used, otherwise the first device.
func (p *Platform) Open(ctx context.Context, c stream.Constraint) (stream.Stream, error) {
	d, err := p.pick(ctx, c)
	if err != nil {
		return nil, err
	}
	index, _ := nodeIndex(d.ID)

	if err := checkAccess(filepath.Join(p.devDir, d.ID)); err != nil {
		return nil, err
	}

	p.mu.Lock()
	if _, busy := p.open[d.ID]; busy {
		p.mu.Unlock()
		return nil, fmt.Errorf("opencv: %s: %w", d.ID, stream.ErrDeviceBusy)
	}
	p.open[d.ID] = nil
	width, height, fps := p.width, p.height, p.framerate
	p.mu.Unlock()

	vc, err := gocv.OpenVideoCapture(index)
	if err == nil && !vc.IsOpened() {
		_ = vc.Close()
		err = errors.New("device did not open")
	}
	if err != nil {
		p.mu.Lock()
		delete(p.open, d.ID)
		p.mu.Unlock()
		return nil, fmt.Errorf("opencv: open %s: %v: %w", d.ID, err, stream.ErrDeviceBusy)
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(width))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(height))
	vc.Set(gocv.VideoCaptureFPS, float64(fps))

	s := newStream(p, uuid.New().String(), d, vc)
	p.mu.Lock()
	p.open[d.ID] = s
	p.mu.Unlock()

	go s.readLoop()
	p.logger.Debug("video capture opened", "device", d.ID, "label", d.Label, "width", width, "height", height)
	return s, nil
}

func (p *Platform) pick(ctx context.Context, c stream.Constraint) (device.VideoDevice, error) {
	if c.Kind == stream.KindDevice {
		if _, ok := nodeIndex(c.DeviceID); !ok {
			return device.VideoDevice{}, fmt.Errorf("opencv: %q: %w", c.DeviceID, stream.ErrDeviceNotFound)
		}
		if _, err := os.Stat(filepath.Join(p.devDir, c.DeviceID)); err != nil {
			return device.VideoDevice{}, fmt.Errorf("opencv: %s: %w", c.DeviceID, stream.ErrDeviceNotFound)
		}
		label := readTrimmed(filepath.Join(p.sysDir, c.DeviceID, "name"))
		return device.VideoDevice{ID: c.DeviceID, Label: label, Facing: device.GuessFacing(label)}, nil
	}

	devices, err := p.EnumerateDevices(ctx)
	if err != nil {
		return device.VideoDevice{}, err
	}
	if len(devices) == 0 {
		return device.VideoDevice{}, stream.ErrNoDevice
	}
	if c.Kind == stream.KindFacing {
		want := device.FacingFront
		if c.FacingMode == stream.FacingEnvironment {
			want = device.FacingBack
		}
		for _, d := range devices {
			if d.Facing == want {
				return d, nil
			}
		}
	}
	return devices[0], nil
}

func (p *Platform) release(s *Stream) {
	p.mu.Lock()
	if p.open[s.device.ID] == s {
		delete(p.open, s.device.ID)
	}
	p.mu.Unlock()
}

// checkAccess maps filesystem errors on the device node to stream errors.
func checkAccess(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	switch {
	case err == nil:
		return f.Close()
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("opencv: %s: %w", path, stream.ErrPermissionDenied)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("opencv: %s: %w", path, stream.ErrDeviceNotFound)
	}
	return fmt.Errorf("opencv: %s: %v: %w", path, err, stream.ErrDeviceBusy)
}

// source is the part of gocv.VideoCapture a Stream reads from.
type source interface {
	Read(m *gocv.Mat) bool
	Close() error
}

// Stream is a live VideoCapture. A background loop keeps the newest decoded
// frame; dimensions are reported once the first frame arrives.
type Stream struct {
	platform *Platform
	id       string
	device   device.VideoDevice
	vc       source

	mu     sync.Mutex
	latest gocv.Mat
	width  int
	height int

	stop     chan struct{}
	stopped  chan struct{}
	closeErr error
	once     sync.Once
}

func newStream(p *Platform, id string, d device.VideoDevice, vc source) *Stream {
	return &Stream{
		platform: p,
		id:       id,
		device:   d,
		vc:       vc,
		latest:   gocv.NewMat(),
		stop:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

func (s *Stream) readLoop() {
	defer close(s.stopped)
	mat := gocv.NewMat()
	defer mat.Close()

	failures := 0
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		if !s.vc.Read(&mat) || mat.Empty() {
			failures++
			if failures == 30 {
				s.platform.logger.Warn("camera produced no frames", "device", s.device.ID)
			}
			time.Sleep(10 * time.Millisecond)
			continue
		}
		failures = 0
		s.mu.Lock()
		mat.CopyTo(&s.latest)
		s.width, s.height = mat.Cols(), mat.Rows()
		s.mu.Unlock()
	}
}

// ID implements stream.Stream.
func (s *Stream) ID() string { return s.id }

// Settings implements stream.Stream.
func (s *Stream) Settings() stream.Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	settings := stream.Settings{DeviceID: s.device.ID, Width: s.width, Height: s.height}
	switch s.device.Facing {
	case device.FacingFront:
		settings.FacingMode = stream.FacingUser
	case device.FacingBack:
		settings.FacingMode = stream.FacingEnvironment
	}
	return settings
}

// GrabJPEG implements frame.JPEGGrabber.
func (s *Stream) GrabJPEG(quality int) ([]byte, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest.Empty() {
		return nil, 0, 0, frame.ErrNotReady
	}
	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, s.latest, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return nil, 0, 0, fmt.Errorf("opencv: encode: %w", err)
	}
	defer buf.Close()
	raw := buf.GetBytes()
	data := make([]byte, len(raw))
	copy(data, raw)
	return data, s.width, s.height, nil
}

// Grab implements frame.Grabber.
func (s *Stream) Grab() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest.Empty() {
		return nil, frame.ErrNotReady
	}
	return s.latest.ToImage()
}

// Close stops the read loop and releases the device. Safe to call twice.
// A read stuck in the driver does not hold Close up: the device is then
// released once the read returns, and stays busy for this platform until
// then.
func (s *Stream) Close() error {
	s.once.Do(func() {
		close(s.stop)
		select {
		case <-s.stopped:
			s.closeErr = s.teardown()
		case <-time.After(s.platform.closeTimeout):
			s.platform.logger.Warn("camera read still blocked, releasing in background", "device", s.device.ID)
			go func() {
				<-s.stopped
				if err := s.teardown(); err != nil {
					s.platform.logger.Debug("closing video capture", "device", s.device.ID, "error", err)
				}
			}()
		}
	})
	return s.closeErr
}

func (s *Stream) teardown() error {
	err := s.vc.Close()
	s.mu.Lock()
	s.latest.Close()
	s.mu.Unlock()
	s.platform.release(s)
	s.platform.logger.Debug("video capture closed", "device", s.device.ID)
	return err
}
