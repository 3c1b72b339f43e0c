// Package mock provides an in-memory camera platform for tests and for
// running the service without hardware.
package mock

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/teslashibe/go-snapcam/pkg/camera"
	"github.com/teslashibe/go-snapcam/pkg/device"
	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/stream"
)

// Call records a platform invocation.
type Call struct {
	Method     string
	Constraint stream.Constraint
	Time       time.Time
}

// Platform is a fake camera platform. It implements device.Enumerator and
// stream.Opener and records every call.
type Platform struct {
	mu sync.Mutex

	devices      []device.VideoDevice
	enumErr      error
	deviceErrs   map[string][]error
	facingErr    error
	anyErr       error
	closeErr     error
	gate         chan struct{}
	notReady     bool
	width        int
	height       int
	ignoreFacing bool

	open    map[string]*Stream
	maxOpen int
	opened  int
	closed  int
	calls   []Call
}

// New creates a platform with the given devices, streaming 640x480.
func New(devices ...device.VideoDevice) *Platform {
	return &Platform{
		devices:    devices,
		deviceErrs: make(map[string][]error),
		open:       make(map[string]*Stream),
		width:      640,
		height:     480,
	}
}

// SetDevices replaces the device list.
func (p *Platform) SetDevices(devices ...device.VideoDevice) {
	p.mu.Lock()
	p.devices = devices
	p.mu.Unlock()
}

// FailEnumerate makes EnumerateDevices return err.
func (p *Platform) FailEnumerate(err error) {
	p.mu.Lock()
	p.enumErr = err
	p.mu.Unlock()
}

// FailDevice queues errors returned by successive opens of an exact device.
// Once the queue is drained, opens succeed again.
func (p *Platform) FailDevice(id string, errs ...error) {
	p.mu.Lock()
	p.deviceErrs[id] = append(p.deviceErrs[id], errs...)
	p.mu.Unlock()
}

// FailFacing makes every facing-mode open return err.
func (p *Platform) FailFacing(err error) {
	p.mu.Lock()
	p.facingErr = err
	p.mu.Unlock()
}

// FailAny makes every unconstrained open return err.
func (p *Platform) FailAny(err error) {
	p.mu.Lock()
	p.anyErr = err
	p.mu.Unlock()
}

// FailClose makes stream Close return err (the stream is still released).
func (p *Platform) FailClose(err error) {
	p.mu.Lock()
	p.closeErr = err
	p.mu.Unlock()
}

// IgnoreFacing makes facing-mode opens pick the first device regardless of
// its facing, like a platform that treats facing as a weak hint.
func (p *Platform) IgnoreFacing(ignore bool) {
	p.mu.Lock()
	p.ignoreFacing = ignore
	p.mu.Unlock()
}

// ApplyConfig sets the size of streams opened from now on. It matches
// the camera settings hook of real platforms.
func (p *Platform) ApplyConfig(cfg camera.Config) error {
	p.mu.Lock()
	p.width, p.height = cfg.Width, cfg.Height
	p.mu.Unlock()
	return nil
}

// SetNotReady makes newly opened streams report zero dimensions until
// MarkReady is called on them.
func (p *Platform) SetNotReady(notReady bool) {
	p.mu.Lock()
	p.notReady = notReady
	p.mu.Unlock()
}

// Hold makes every subsequent Open block until the returned release
// function is called (or the open's context ends).
func (p *Platform) Hold() (release func()) {
	gate := make(chan struct{})
	p.mu.Lock()
	p.gate = gate
	p.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			if p.gate == gate {
				p.gate = nil
			}
			p.mu.Unlock()
			close(gate)
		})
	}
}

// EnumerateDevices implements device.Enumerator.
func (p *Platform) EnumerateDevices(ctx context.Context) ([]device.VideoDevice, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("EnumerateDevices", stream.Constraint{})
	if p.enumErr != nil {
		return nil, p.enumErr
	}
	out := make([]device.VideoDevice, len(p.devices))
	copy(out, p.devices)
	return out, nil
}

// Open implements stream.Opener.
func (p *Platform) Open(ctx context.Context, c stream.Constraint) (stream.Stream, error) {
	p.mu.Lock()
	p.record("Open", c)
	gate := p.gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	d, err := p.resolve(c)
	if err != nil {
		return nil, err
	}
	for _, s := range p.open {
		if s.settings.DeviceID == d.ID {
			return nil, fmt.Errorf("mock: %s already open: %w", d.ID, stream.ErrDeviceBusy)
		}
	}

	s := &Stream{
		platform: p,
		id:       uuid.New().String(),
		settings: stream.Settings{
			DeviceID:   d.ID,
			FacingMode: facingModeOf(d),
		},
		color: colorFor(d.ID),
	}
	if !p.notReady {
		s.settings.Width, s.settings.Height = p.width, p.height
	}
	p.open[s.id] = s
	p.opened++
	if len(p.open) > p.maxOpen {
		p.maxOpen = len(p.open)
	}
	return s, nil
}

func (p *Platform) resolve(c stream.Constraint) (device.VideoDevice, error) {
	switch c.Kind {
	case stream.KindDevice:
		if q := p.deviceErrs[c.DeviceID]; len(q) > 0 {
			p.deviceErrs[c.DeviceID] = q[1:]
			return device.VideoDevice{}, q[0]
		}
		if d, ok := device.Lookup(p.devices, c.DeviceID); ok {
			return d, nil
		}
		return device.VideoDevice{}, fmt.Errorf("mock: %s: %w", c.DeviceID, stream.ErrDeviceNotFound)
	case stream.KindFacing:
		if p.facingErr != nil {
			return device.VideoDevice{}, p.facingErr
		}
		if len(p.devices) == 0 {
			return device.VideoDevice{}, stream.ErrNoDevice
		}
		if !p.ignoreFacing {
			want := device.FacingFront
			if c.FacingMode == stream.FacingEnvironment {
				want = device.FacingBack
			}
			for _, d := range p.devices {
				if d.Facing == want || device.GuessFacing(d.Label) == want {
					return d, nil
				}
			}
		}
		return p.devices[0], nil
	default:
		if p.anyErr != nil {
			return device.VideoDevice{}, p.anyErr
		}
		if len(p.devices) == 0 {
			return device.VideoDevice{}, stream.ErrNoDevice
		}
		return p.devices[0], nil
	}
}

func (p *Platform) record(method string, c stream.Constraint) {
	p.calls = append(p.calls, Call{Method: method, Constraint: c, Time: time.Now()})
}

// OpenCount returns how many streams are currently open.
func (p *Platform) OpenCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.open)
}

// MaxOpen returns the highest number of simultaneously open streams seen.
func (p *Platform) MaxOpen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxOpen
}

// Opened returns the total number of successful opens.
func (p *Platform) Opened() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened
}

// Closed returns the total number of stream closes.
func (p *Platform) Closed() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// OpenStreams returns the currently open streams.
func (p *Platform) OpenStreams() []*Stream {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Stream, 0, len(p.open))
	for _, s := range p.open {
		out = append(out, s)
	}
	return out
}

// Calls returns the recorded platform calls.
func (p *Platform) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// OpenConstraints returns the constraint of every Open call, in order.
func (p *Platform) OpenConstraints() []stream.Constraint {
	var out []stream.Constraint
	for _, c := range p.Calls() {
		if c.Method == "Open" {
			out = append(out, c.Constraint)
		}
	}
	return out
}

// Stream is a fake live stream producing a solid-colour picture.
type Stream struct {
	platform *Platform
	id       string
	settings stream.Settings
	color    color.RGBA
	closed   bool
}

// ID implements stream.Stream.
func (s *Stream) ID() string { return s.id }

// Settings implements stream.Stream.
func (s *Stream) Settings() stream.Settings {
	s.platform.mu.Lock()
	defer s.platform.mu.Unlock()
	return s.settings
}

// MarkReady gives a not-ready stream its dimensions.
func (s *Stream) MarkReady() {
	s.platform.mu.Lock()
	s.settings.Width, s.settings.Height = s.platform.width, s.platform.height
	s.platform.mu.Unlock()
}

// Closed reports whether Close has been called.
func (s *Stream) Closed() bool {
	s.platform.mu.Lock()
	defer s.platform.mu.Unlock()
	return s.closed
}

// Grab implements frame.Grabber.
func (s *Stream) Grab() (image.Image, error) {
	s.platform.mu.Lock()
	settings, closed := s.settings, s.closed
	s.platform.mu.Unlock()

	if closed {
		return nil, fmt.Errorf("mock: grab on closed stream %s", s.id)
	}
	if !settings.HasDimensions() {
		return nil, frame.ErrNotReady
	}
	img := image.NewRGBA(image.Rect(0, 0, settings.Width, settings.Height))
	for y := 0; y < settings.Height; y++ {
		for x := 0; x < settings.Width; x++ {
			img.SetRGBA(x, y, s.color)
		}
	}
	return img, nil
}

// Close implements stream.Stream. The device is released even when a close
// error has been injected.
func (s *Stream) Close() error {
	p := s.platform
	p.mu.Lock()
	defer p.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	delete(p.open, s.id)
	p.closed++
	return p.closeErr
}

func facingModeOf(d device.VideoDevice) stream.FacingMode {
	switch d.Facing {
	case device.FacingBack:
		return stream.FacingEnvironment
	case device.FacingFront:
		return stream.FacingUser
	}
	switch device.GuessFacing(d.Label) {
	case device.FacingBack:
		return stream.FacingEnvironment
	case device.FacingFront:
		return stream.FacingUser
	}
	return ""
}

func colorFor(id string) color.RGBA {
	var h uint32 = 2166136261
	for i := 0; i < len(id); i++ {
		h ^= uint32(id[i])
		h *= 16777619
	}
	return color.RGBA{R: uint8(h), G: uint8(h >> 8), B: uint8(h >> 16), A: 255}
}
