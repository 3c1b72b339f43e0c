package capture

import (
	"context"
	"log/slog"
	"sync"

	"github.com/teslashibe/go-snapcam/pkg/device"
	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/stream"
)

// Session is one run of the capture flow, from opening the camera to a
// confirmed frame or a close.
//
// All session state is owned by a single event-loop goroutine. Public
// methods hand closures to the loop and wait for them. Stream opens and
// closes run off the loop, one operation at a time, and post their result
// back; a switch requested while an open is in flight supersedes it, and a
// stream that resolves after the session closed is released.
type Session struct {
	id       string
	policy   Policy
	registry *device.Registry
	streams  *stream.Controller
	capturer *frame.Capturer
	host     Host
	observer Observer
	logger   *slog.Logger
	onExit   func(*Session)

	ctx    context.Context
	cancel context.CancelFunc

	cmds     chan command
	results  chan opResult
	stopped  chan struct{}
	released chan struct{}
	events   *notifier

	// loop-owned
	phase      Phase
	constraint stream.Constraint
	facing     stream.FacingMode
	live       stream.Stream
	frame      *frame.Frame
	want       *stream.Constraint
	resolve    bool
	toClose    []stream.Stream
	inflight   bool
	switched   bool
	degraded   bool
	confirmed  bool
	reason     Reason
	ended      bool
	outcome    func()

	mu    sync.RWMutex
	state State
}

// operation is one unit of off-loop stream work: release streams, then
// optionally open one.
type operation struct {
	close   []stream.Stream
	open    *stream.Constraint
	resolve bool
	facing  stream.FacingMode
}

// command is a closure run on the loop. done is closed once the state it
// produced has been published.
type command struct {
	fn   func()
	done chan struct{}
}

type opResult struct {
	opened     bool
	constraint stream.Constraint
	stream     stream.Stream
	report     stream.OpenReport
	err        error
}

type sessionConfig struct {
	id        string
	policy    Policy
	registry  *device.Registry
	streams   *stream.Controller
	capturer  *frame.Capturer
	host      Host
	observer  Observer
	logger    *slog.Logger
	preferred *stream.Constraint
	onExit    func(*Session)
}

// startSession moves a new session from Idle to Live and starts its loop.
func startSession(ctx context.Context, cfg sessionConfig) *Session {
	if cfg.host == nil {
		cfg.host = HostFuncs{}
	}
	sctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Session{
		id:       cfg.id,
		policy:   cfg.policy,
		registry: cfg.registry,
		streams:  cfg.streams,
		capturer: cfg.capturer,
		host:     cfg.host,
		observer: cfg.observer,
		logger:   cfg.logger.With("session", cfg.id),
		onExit:   cfg.onExit,
		ctx:      sctx,
		cancel:   cancel,
		cmds:     make(chan command),
		results:  make(chan opResult),
		stopped:  make(chan struct{}),
		released: make(chan struct{}),
		events:   newNotifier(),
		phase:    PhaseIdle,
		facing:   cfg.policy.FacingMode,
	}
	if s.facing == "" {
		s.facing = stream.FacingUser
	}

	s.phase = PhaseLive
	if cfg.preferred != nil {
		c := *cfg.preferred
		s.constraint = c
		s.want = &c
		if c.Kind == stream.KindFacing {
			s.facing = c.FacingMode
		}
	} else {
		s.resolve = true
	}
	s.state = s.snapshot()
	s.logger.Info("capture session started", "policy", s.policy.Name, "constraint", s.constraint.String())

	go s.events.run()
	go s.run()
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// State returns the latest snapshot.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Done is closed once the session has ended, every stream it opened is
// released and the host has been notified.
func (s *Session) Done() <-chan struct{} {
	return s.events.done
}

// Released is closed once every stream the session opened is released and
// the manager has dropped it. Host callbacks may still be pending.
func (s *Session) Released() <-chan struct{} {
	return s.released
}

// Capture samples the live stream. On success the session moves to
// Reviewing and the stream is released. A nil frame with a nil error means
// the stream was not ready and nothing changed.
func (s *Session) Capture() (*frame.Frame, error) {
	var (
		f   *frame.Frame
		err error
	)
	if e := s.do(func() { f, err = s.capture() }); e != nil {
		return nil, e
	}
	return f, err
}

// Retake discards the captured frame and reopens the last-used constraint.
func (s *Session) Retake() error {
	var err error
	if e := s.do(func() { err = s.retake() }); e != nil {
		return e
	}
	return err
}

// Confirm hands the captured frame to the host and closes the session.
func (s *Session) Confirm() error {
	var err error
	if e := s.do(func() { err = s.confirm() }); e != nil {
		return e
	}
	return err
}

// Cancel closes the session from any phase. The host gets OnClosed with
// ReasonCancelled unless the session had already ended.
func (s *Session) Cancel() error {
	return s.end(ReasonCancelled)
}

func (s *Session) end(reason Reason) error {
	return s.do(func() { s.finish(nil, reason) })
}

// SwitchDevice closes the live stream and opens the given device.
func (s *Session) SwitchDevice(id string) error {
	var err error
	if e := s.do(func() { err = s.switchDevice(id) }); e != nil {
		return e
	}
	return err
}

// SwitchFacingMode closes the live stream and opens the given facing mode.
func (s *Session) SwitchFacingMode(mode stream.FacingMode) error {
	var err error
	if e := s.do(func() { err = s.switchFacing(mode) }); e != nil {
		return e
	}
	return err
}

// ToggleFacingMode switches to the facing mode opposite the current one
// and returns it.
func (s *Session) ToggleFacingMode() (stream.FacingMode, error) {
	var (
		mode stream.FacingMode
		err  error
	)
	if e := s.do(func() {
		mode = s.facing.Opposite()
		err = s.switchFacing(mode)
	}); e != nil {
		return "", e
	}
	return mode, err
}

// Preview returns a JPEG of the live picture, or nil when there is no
// ready live stream.
func (s *Session) Preview() ([]byte, error) {
	var (
		data []byte
		err  error
	)
	if e := s.do(func() {
		if s.phase != PhaseLive || s.live == nil {
			return
		}
		data, err = s.capturer.Preview(s.live)
	}); e != nil {
		return nil, e
	}
	return data, err
}

// do runs fn on the event loop and waits for it.
func (s *Session) do(fn func()) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case s.cmds <- cmd:
	case <-s.stopped:
		return ErrSessionClosed
	}
	<-cmd.done
	return nil
}

func (s *Session) run() {
	defer func() {
		close(s.stopped)
		s.cancel()
		if s.onExit != nil {
			s.onExit(s)
		}
		close(s.released)
		s.events.close()
		s.logger.Debug("capture session loop exited")
	}()

	s.kick()
	s.publish()
	for !s.finished() {
		var reply chan struct{}
		select {
		case cmd := <-s.cmds:
			cmd.fn()
			reply = cmd.done
		case r := <-s.results:
			s.handle(r)
		}
		s.kick()
		s.publish()
		if reply != nil {
			close(reply)
		}
	}
}

func (s *Session) finished() bool {
	return s.phase == PhaseClosed && !s.inflight && len(s.toClose) == 0
}

// kick starts the next stream operation if one is due and none is running.
func (s *Session) kick() {
	if s.inflight {
		return
	}
	if s.phase == PhaseClosed {
		s.want, s.resolve = nil, false
	}
	if len(s.toClose) == 0 && s.want == nil && !s.resolve {
		return
	}
	op := operation{close: s.toClose, open: s.want, resolve: s.resolve, facing: s.facing}
	s.toClose, s.want, s.resolve = nil, nil, false
	s.inflight = true
	go func() { s.results <- s.execute(op) }()
}

func (s *Session) execute(op operation) opResult {
	for _, st := range op.close {
		s.streams.Close(st)
	}
	if op.open == nil && !op.resolve {
		return opResult{}
	}

	var c stream.Constraint
	if op.resolve {
		c = s.resolveDefault(op.facing)
	} else {
		c = *op.open
	}
	if c.Kind == stream.KindFacing && s.policy.ProbeFacing {
		c = s.pinFacing(c.FacingMode, s.registry.Snapshot())
	}

	st, report, err := s.streams.Open(s.ctx, c)
	return opResult{opened: true, constraint: c, stream: st, report: report, err: err}
}

// resolveDefault picks the constraint for a session without a preference.
func (s *Session) resolveDefault(facing stream.FacingMode) stream.Constraint {
	devices := s.registry.ListDevices(s.ctx)

	switch s.policy.Default {
	case DefaultBackFacing:
		if d := device.PickBackFacing(devices); d != nil {
			return stream.Device(d.ID)
		}
		if s.policy.ProbeFacing && len(devices) > 1 {
			if c := s.pinFacing(stream.FacingEnvironment, devices); c.Kind == stream.KindDevice {
				return c
			}
		}
	case DefaultFacingMode:
		return stream.Facing(facing)
	}

	if d := device.PickDefault(devices); d != nil {
		return stream.Device(d.ID)
	}
	return stream.Any()
}

func (s *Session) pinFacing(mode stream.FacingMode, devices []device.VideoDevice) stream.Constraint {
	ids := make([]string, 0, len(devices))
	for _, d := range devices {
		ids = append(ids, d.ID)
	}
	c, _ := s.streams.ResolveFacing(s.ctx, mode, ids)
	return c
}

// handle applies the result of a stream operation.
func (s *Session) handle(r opResult) {
	s.inflight = false
	if !r.opened {
		return
	}
	superseded := s.want != nil || s.resolve

	if r.err != nil {
		if s.phase == PhaseClosed || superseded {
			return
		}
		reason := ReasonDeviceUnavailable
		if stream.IsPermissionDenied(r.err) {
			reason = ReasonPermissionDenied
		}
		s.logger.Warn("camera open failed", "constraint", r.constraint.String(), "error", r.err)
		s.finish(nil, reason)
		return
	}

	if s.phase != PhaseLive || superseded {
		s.toClose = append(s.toClose, r.stream)
		return
	}

	s.live = r.stream
	s.constraint = r.constraint
	settings := r.stream.Settings()
	switch {
	case settings.FacingMode != "":
		s.facing = settings.FacingMode
	case r.constraint.Kind == stream.KindFacing:
		s.facing = r.constraint.FacingMode
	}
	if settings.DeviceID != "" {
		_ = s.registry.Select(settings.DeviceID)
	}

	s.degraded = r.report.Fallback
	if r.report.Fallback {
		s.logger.Warn("camera running in degraded mode",
			"requested", r.report.Requested.String(), "cause", r.report.Cause)
		if fn := s.observer.Degraded; fn != nil {
			report := r.report
			s.events.push(func() { fn(report) })
		}
	}
	s.logger.Debug("live stream ready", "device", settings.DeviceID, "constraint", r.constraint.String())
}

func (s *Session) capture() (*frame.Frame, error) {
	if s.phase != PhaseLive {
		return nil, &PhaseError{Op: "capture", Phase: s.phase}
	}
	f, err := s.capturer.Capture(s.live)
	if err != nil {
		s.logger.Warn("capture failed", "error", err)
		return nil, err
	}
	if f == nil {
		return nil, nil
	}
	s.frame = f
	s.toClose = append(s.toClose, s.live)
	s.live = nil
	s.phase = PhaseReviewing
	s.logger.Info("frame captured", "frame", f.ID, "bytes", f.Size())
	return f, nil
}

func (s *Session) retake() error {
	if s.phase != PhaseReviewing {
		return &PhaseError{Op: "retake", Phase: s.phase}
	}
	s.frame = nil
	s.phase = PhaseLive
	c := s.constraint
	s.want = &c
	return nil
}

func (s *Session) confirm() error {
	if s.phase != PhaseReviewing || s.frame == nil {
		return &PhaseError{Op: "confirm", Phase: s.phase}
	}
	f := s.frame
	s.frame = nil
	s.confirmed = true
	s.finish(f, "")
	return nil
}

func (s *Session) switchDevice(id string) error {
	if s.phase != PhaseLive {
		return &PhaseError{Op: "switch device", Phase: s.phase}
	}
	if known := s.registry.Snapshot(); len(known) > 0 {
		if _, ok := device.Lookup(known, id); !ok {
			return device.ErrUnknownDevice
		}
	}
	s.retarget(stream.Device(id))
	return nil
}

func (s *Session) switchFacing(mode stream.FacingMode) error {
	if s.phase != PhaseLive {
		return &PhaseError{Op: "switch facing mode", Phase: s.phase}
	}
	mode, err := stream.ParseFacingMode(string(mode))
	if err != nil {
		return err
	}
	s.facing = mode
	s.retarget(stream.Facing(mode))
	return nil
}

// retarget releases the live stream and schedules an open under c. The
// newest request wins over any open still in flight. A degraded stream is
// reopened even for the same constraint so the failed camera gets another
// try.
func (s *Session) retarget(c stream.Constraint) {
	s.switched = true
	if s.live != nil && s.constraint == c && !s.degraded {
		return
	}
	if s.live != nil {
		s.toClose = append(s.toClose, s.live)
		s.live = nil
	}
	s.constraint = c
	s.degraded = false
	s.want = &c
	s.resolve = false
	s.logger.Info("switching camera", "constraint", c.String())
}

// finish moves to Closed and notifies the host once. Streams still held or
// still opening are released by the loop before it exits.
func (s *Session) finish(confirmed *frame.Frame, reason Reason) {
	if s.ended {
		return
	}
	s.ended = true
	s.phase = PhaseClosed
	s.reason = reason
	if s.live != nil {
		s.toClose = append(s.toClose, s.live)
		s.live = nil
	}
	s.frame = nil
	s.want, s.resolve = nil, false
	s.cancel()

	host := s.host
	if confirmed != nil {
		s.logger.Info("capture confirmed", "frame", confirmed.ID)
		s.outcome = func() { host.OnConfirmed(confirmed) }
		return
	}
	s.logger.Info("capture session closed", "reason", string(reason))
	s.outcome = func() { host.OnClosed(reason) }
}

func (s *Session) snapshot() State {
	st := State{
		SessionID:  s.id,
		Phase:      s.phase,
		Constraint: s.constraint,
		Pending:    s.phase == PhaseLive && s.live == nil,
		Frame:      s.frame,
		Degraded:   s.degraded,
		Confirmed:  s.confirmed,
		Reason:     s.reason,
	}
	if s.live != nil {
		settings := s.live.Settings()
		st.Stream = &settings
	}
	return st
}

func (s *Session) publish() {
	st := s.snapshot()
	s.mu.Lock()
	changed := !st.equal(s.state)
	s.state = st
	s.mu.Unlock()
	if changed && s.observer.StateChanged != nil {
		fn := s.observer.StateChanged
		s.events.push(func() { fn(st) })
	}
	// the host hears the outcome only once Closed is visible through State
	if s.outcome != nil {
		s.events.push(s.outcome)
		s.outcome = nil
	}
}
