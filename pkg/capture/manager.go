package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/teslashibe/go-snapcam/pkg/device"
	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/stream"
)

// Manager owns the camera for the whole process. It allows one active
// session at a time and remembers the device or facing mode the user last
// switched to, so the next session starts there.
type Manager struct {
	opener   stream.Opener
	registry *device.Registry
	capturer *frame.Capturer
	logger   *slog.Logger

	mu       sync.Mutex
	policy   Policy
	streams  *stream.Controller
	observer Observer
	active   *Session
	last     *stream.Constraint
}

// Option configures a Manager.
type Option func(*Manager)

// WithPolicy sets the capture policy.
func WithPolicy(p Policy) Option {
	return func(m *Manager) { m.policy = p }
}

// WithCapturer sets the frame capturer.
func WithCapturer(c *frame.Capturer) Option {
	return func(m *Manager) {
		if c != nil {
			m.capturer = c
		}
	}
}

// WithObserver sets the default observer for new sessions.
func WithObserver(o Observer) Option {
	return func(m *Manager) { m.observer = o }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager over a platform's enumerator and opener.
func NewManager(enum device.Enumerator, opener stream.Opener, opts ...Option) *Manager {
	m := &Manager{
		opener: opener,
		policy: ModalPolicy(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.capturer == nil {
		m.capturer = frame.NewCapturer(frame.WithCapturerLogger(m.logger))
	}
	m.registry = device.NewRegistry(enum, m.logger)
	m.streams = m.newController(m.policy)
	m.logger = m.logger.With("component", "capture.manager")
	return m
}

func (m *Manager) newController(p Policy) *stream.Controller {
	opts := append(p.controllerOptions(), stream.WithLogger(m.logger))
	return stream.NewController(m.opener, opts...)
}

// Registry returns the device registry.
func (m *Manager) Registry() *device.Registry {
	return m.registry
}

// Policy returns the current policy.
func (m *Manager) Policy() Policy {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.policy
}

// SetPolicy replaces the policy. It fails with ErrSessionActive while a
// session holds the camera.
func (m *Manager) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return ErrSessionActive
	}
	m.policy = p
	m.streams = m.newController(p)
	m.logger.Info("capture policy changed", "policy", p.Name)
	return nil
}

// LastConstraint returns the remembered selection, if any.
func (m *Manager) LastConstraint() (stream.Constraint, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.last == nil {
		return stream.Constraint{}, false
	}
	return *m.last, true
}

// ForgetSelection drops the remembered selection.
func (m *Manager) ForgetSelection() {
	m.mu.Lock()
	m.last = nil
	m.mu.Unlock()
}

// Active returns the active session, or nil.
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// StartOption configures a single session.
type StartOption func(*sessionConfig)

// Prefer opens c first instead of the remembered or default selection.
func Prefer(c stream.Constraint) StartOption {
	return func(cfg *sessionConfig) { cfg.preferred = &c }
}

// Observe overrides the manager's observer for this session.
func Observe(o Observer) StartOption {
	return func(cfg *sessionConfig) { cfg.observer = o }
}

// Start begins a new session. If the previous session has closed but is
// still releasing its streams, Start waits for it; a session that is still
// open yields ErrSessionActive. Start may be called from a Host callback.
func (m *Manager) Start(ctx context.Context, host Host, opts ...StartOption) (*Session, error) {
	for {
		m.mu.Lock()
		prev := m.active
		if prev == nil {
			break
		}
		m.mu.Unlock()
		if prev.State().Phase != PhaseClosed {
			return nil, ErrSessionActive
		}
		select {
		case <-prev.Released():
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	defer m.mu.Unlock()

	cfg := sessionConfig{
		id:       uuid.New().String(),
		policy:   m.policy,
		registry: m.registry,
		streams:  m.streams,
		capturer: m.capturer,
		host:     host,
		observer: m.observer,
		logger:   m.logger,
		onExit:   m.release,
	}
	if m.last != nil {
		c := *m.last
		cfg.preferred = &c
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	m.active = startSession(ctx, cfg)
	return m.active, nil
}

// release runs on the session's loop once all its streams are closed.
func (m *Manager) release(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.switched {
		c := s.constraint
		m.last = &c
	}
	if m.active == s {
		m.active = nil
	}
	m.registry.ClearActive()
}

// Shutdown closes the active session with ReasonShutdown and waits for its
// streams to be released.
func (m *Manager) Shutdown(ctx context.Context) error {
	s := m.Active()
	if s == nil {
		return nil
	}
	if err := s.end(ReasonShutdown); err != nil && !errors.Is(err, ErrSessionClosed) {
		return err
	}
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
