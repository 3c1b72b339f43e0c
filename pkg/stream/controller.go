package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Opener is the platform boundary for stream acquisition.
type Opener interface {
	Open(ctx context.Context, c Constraint) (Stream, error)
}

// OpenReport describes how an Open was satisfied. Fallback is true when the
// requested constraint could not be met and the unconstrained request was
// used instead; callers should surface that as a degraded-mode notice.
type OpenReport struct {
	Requested Constraint `json:"requested"`
	Effective Constraint `json:"effective"`
	Fallback  bool       `json:"fallback"`
	Retries   int        `json:"retries"`
	Cause     error      `json:"-"`
}

// Controller opens and closes streams against one Opener. It holds at most
// one stream at a time and never issues concurrent opens of its own.
type Controller struct {
	opener Opener
	config *Config
	logger *slog.Logger

	mu      sync.Mutex
	current Stream
	opening bool
}

// NewController creates a controller over the given platform opener.
func NewController(opener Opener, opts ...Option) *Controller {
	cfg := DefaultConfig()
	cfg.Apply(opts...)
	return &Controller{
		opener: opener,
		config: cfg,
		logger: cfg.Logger.With("component", "stream.controller"),
	}
}

// Config returns a copy of the controller configuration.
func (c *Controller) Config() Config {
	return *c.config
}

// Current returns the stream the controller holds, or nil.
func (c *Controller) Current() Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// begin claims the single open slot and detaches the held stream so it
// can be released before anything new is acquired.
func (c *Controller) begin() (Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.opening {
		return nil, ErrOpenInProgress
	}
	c.opening = true
	prev := c.current
	c.current = nil
	return prev, nil
}

func (c *Controller) end(s Stream) {
	c.mu.Lock()
	c.opening = false
	if s != nil {
		c.current = s
	}
	c.mu.Unlock()
}

// Open releases any held stream, then acquires a new one under want.
//
// An exact device that reports busy is retried BusyRetries times. If the
// constrained request still fails and fallback is enabled, one unconstrained
// request is made and the report says so. A permission error from the first
// attempt is kept when the fallback fails for another reason. A stream
// acquired after ctx is done is closed before returning.
func (c *Controller) Open(ctx context.Context, want Constraint) (Stream, OpenReport, error) {
	report := OpenReport{Requested: want}

	prev, err := c.begin()
	if err != nil {
		return nil, report, err
	}
	var held Stream
	defer func() { c.end(held) }()

	c.Close(prev)

	s, retries, err := c.try(ctx, want)
	report.Retries = retries
	if err == nil {
		report.Effective = want
		held = s
		return s, report, nil
	}

	if !c.config.Fallback || want.IsAny() || ctx.Err() != nil {
		return nil, report, &OpenError{Constraint: want, Err: err}
	}

	c.logger.Warn("constrained open failed, falling back to any camera",
		"constraint", want.String(), "error", err)
	report.Fallback = true
	report.Cause = err

	s, err = c.acquire(ctx, Any())
	if err != nil {
		if IsPermissionDenied(report.Cause) && !IsPermissionDenied(err) {
			err = errors.Join(report.Cause, err)
		}
		return nil, report, &OpenError{Constraint: want, Err: err}
	}
	report.Effective = Any()
	held = s
	return s, report, nil
}

// try opens want, retrying busy exact devices.
func (c *Controller) try(ctx context.Context, want Constraint) (Stream, int, error) {
	retries := 0
	for {
		s, err := c.acquire(ctx, want)
		if err == nil {
			return s, retries, nil
		}
		if want.Kind != KindDevice || !errors.Is(err, ErrDeviceBusy) || retries >= c.config.BusyRetries {
			return nil, retries, err
		}
		retries++
		c.logger.Debug("device busy, retrying", "constraint", want.String(), "attempt", retries)
		select {
		case <-ctx.Done():
			return nil, retries, ctx.Err()
		case <-time.After(c.config.RetryDelay):
		}
	}
}

// acquire performs one platform open and wraps the result so that Close is
// idempotent. A stream that arrives after cancellation is released.
func (c *Controller) acquire(ctx context.Context, want Constraint) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	raw, err := c.opener.Open(ctx, want)
	if err != nil {
		return nil, err
	}
	s := newOwned(raw)
	if err := ctx.Err(); err != nil {
		c.Close(s)
		return nil, err
	}
	c.logger.Debug("stream opened", "constraint", want.String(), "stream", s.ID())
	return s, nil
}

// Close stops every track of s. Nil and already-closed streams are a no-op.
// Teardown failures are logged and otherwise ignored.
func (c *Controller) Close(s Stream) {
	if s == nil {
		return
	}
	c.mu.Lock()
	if c.current == s {
		c.current = nil
	}
	c.mu.Unlock()

	if err := s.Close(); err != nil {
		c.logger.Warn("stream teardown failed", "stream", s.ID(), "error", err)
		return
	}
	c.logger.Debug("stream closed", "stream", s.ID())
}

// Release closes the held stream, if any.
func (c *Controller) Release() {
	c.Close(c.Current())
}

// ResolveFacing pins a facing-mode preference to a concrete device.
//
// It opens a short-lived probe under Facing(mode), reads the device the
// platform actually chose and closes the probe. If the negotiated device is
// among devices (and did not report the opposite facing), Device(id) is
// returned; otherwise Facing(mode) is returned unchanged. The probe is
// always closed, including on error.
func (c *Controller) ResolveFacing(ctx context.Context, mode FacingMode, devices []string) (Constraint, bool) {
	fallback := Facing(mode)

	prev, err := c.begin()
	if err != nil {
		return fallback, false
	}
	defer c.end(nil)
	c.Close(prev)

	probe, err := c.acquire(ctx, fallback)
	if err != nil {
		c.logger.Warn("facing probe failed", "facing_mode", string(mode), "error", err)
		return fallback, false
	}
	defer c.Close(probe)

	settings := probe.Settings()
	if settings.DeviceID == "" {
		return fallback, false
	}
	if settings.FacingMode != "" && settings.FacingMode != mode {
		c.logger.Debug("platform ignored facing preference",
			"requested", string(mode), "negotiated", string(settings.FacingMode))
		return fallback, false
	}
	if len(devices) > 0 && !contains(devices, settings.DeviceID) {
		return fallback, false
	}
	c.logger.Debug("facing mode pinned", "facing_mode", string(mode), "device", settings.DeviceID)
	return Device(settings.DeviceID), true
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// owned makes Close idempotent for any platform stream.
type owned struct {
	Stream
	once sync.Once
}

func newOwned(s Stream) *owned {
	if o, ok := s.(*owned); ok {
		return o
	}
	return &owned{Stream: s}
}

func (o *owned) Close() error {
	var err error
	o.once.Do(func() {
		err = o.Stream.Close()
	})
	return err
}

// Unwrap returns the platform stream.
func (o *owned) Unwrap() Stream {
	return o.Stream
}

// Underlying strips controller wrappers from s so callers can reach
// platform-specific capabilities such as frame grabbing.
func Underlying(s Stream) Stream {
	for {
		u, ok := s.(interface{ Unwrap() Stream })
		if !ok {
			return s
		}
		s = u.Unwrap()
	}
}
