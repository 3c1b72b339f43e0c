package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/teslashibe/go-snapcam/pkg/device"
	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/platform/mock"
	"github.com/teslashibe/go-snapcam/pkg/stream"
)

func TestManagerSingleActiveSession(t *testing.T) {
	p := mock.New(frontCam, backCam)
	m := newManager(p)

	s, err := m.Start(context.Background(), &recordingHost{})
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	waitLive(t, s)

	if _, err := m.Start(context.Background(), &recordingHost{}); !errors.Is(err, ErrSessionActive) {
		t.Errorf("expected ErrSessionActive, got %v", err)
	}
	if err := m.SetPolicy(InlinePolicy()); !errors.Is(err, ErrSessionActive) {
		t.Errorf("policy change while active: %v", err)
	}
	if m.Active() != s {
		t.Error("active session mismatch")
	}

	_ = s.Cancel()
	next, err := m.Start(context.Background(), &recordingHost{})
	if err != nil {
		t.Fatalf("start after cancel failed: %v", err)
	}
	waitLive(t, next)
	if p.MaxOpen() != 1 {
		t.Errorf("sessions overlapped, max open = %d", p.MaxOpen())
	}
	_ = next.Cancel()
	waitDone(t, next)
}

func TestManagerStartFromHostCallback(t *testing.T) {
	p := mock.New(frontCam, backCam)
	m := newManager(p)

	type started struct {
		s   *Session
		err error
	}
	next := make(chan started, 2)
	restart := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s, err := m.Start(ctx, &recordingHost{})
		next <- started{s, err}
	}

	tests := []struct {
		name string
		end  func(*Session) error
		host func() Host
	}{
		{
			name: "closed",
			end:  (*Session).Cancel,
			host: func() Host { return HostFuncs{Closed: func(Reason) { restart() }} },
		},
		{
			name: "confirmed",
			end: func(s *Session) error {
				if _, err := s.Capture(); err != nil {
					return err
				}
				return s.Confirm()
			},
			host: func() Host { return HostFuncs{Confirmed: func(*frame.Frame) { restart() }} },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, err := m.Start(context.Background(), tt.host())
			if err != nil {
				t.Fatalf("start failed: %v", err)
			}
			waitLive(t, first)
			if err := tt.end(first); err != nil {
				t.Fatalf("ending first session: %v", err)
			}

			var got started
			select {
			case got = <-next:
			case <-time.After(3 * time.Second):
				t.Fatal("Start from the host callback never returned")
			}
			if got.err != nil {
				t.Fatalf("restart failed: %v", got.err)
			}
			waitDone(t, first)
			waitLive(t, got.s)
			if p.MaxOpen() != 1 {
				t.Errorf("sessions overlapped, max open = %d", p.MaxOpen())
			}

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := m.Shutdown(ctx); err != nil {
				t.Fatalf("shutdown failed: %v", err)
			}
		})
	}
}

func TestManagerRemembersSwitchedDevice(t *testing.T) {
	p := mock.New(frontCam, backCam)
	m := newManager(p)

	s, _ := m.Start(context.Background(), &recordingHost{})
	waitLive(t, s)
	if _, ok := m.LastConstraint(); ok {
		t.Error("nothing should be remembered yet")
	}
	if err := s.SwitchDevice("cam2"); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	waitFor(t, "cam2 live", func() bool {
		st := s.State()
		return st.Stream != nil && st.Stream.DeviceID == "cam2"
	})
	_ = s.Cancel()
	waitDone(t, s)

	c, ok := m.LastConstraint()
	if !ok || c != stream.Device("cam2") {
		t.Fatalf("remembered = %v %v", c, ok)
	}

	s, _ = m.Start(context.Background(), &recordingHost{})
	st := waitLive(t, s)
	if st.Stream.DeviceID != "cam2" {
		t.Errorf("second session should start on cam2, got %s", st.Stream.DeviceID)
	}
	_ = s.Cancel()
	waitDone(t, s)

	m.ForgetSelection()
	s, _ = m.Start(context.Background(), &recordingHost{})
	if st := waitLive(t, s); st.Stream.DeviceID != "cam1" {
		t.Errorf("after forget should use cam1, got %s", st.Stream.DeviceID)
	}
	_ = s.Cancel()
	waitDone(t, s)
}

func TestManagerShutdown(t *testing.T) {
	p := mock.New(frontCam)
	m := newManager(p)
	host := &recordingHost{}

	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown without session: %v", err)
	}

	s, _ := m.Start(context.Background(), host)
	waitLive(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := m.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if _, closed := host.calls(); len(closed) != 1 || closed[0] != ReasonShutdown {
		t.Errorf("expected shutdown close, got %v", closed)
	}
	if p.OpenCount() != 0 {
		t.Errorf("leaked %d streams", p.OpenCount())
	}
}

func TestDeviceFirstPolicy(t *testing.T) {
	t.Run("label match", func(t *testing.T) {
		p := mock.New(
			device.VideoDevice{ID: "cam1", Label: "Integrated Webcam"},
			device.VideoDevice{ID: "cam2", Label: "Rear Camera"},
		)
		m := newManager(p, WithPolicy(DeviceFirstPolicy()))

		s, _ := m.Start(context.Background(), &recordingHost{})
		st := waitLive(t, s)
		if st.Constraint != stream.Device("cam2") {
			t.Errorf("expected Device(cam2), got %s", st.Constraint)
		}
		_ = s.Cancel()
		waitDone(t, s)
	})

	t.Run("probe pins facing", func(t *testing.T) {
		p := mock.New(
			device.VideoDevice{ID: "cam1", Label: "USB Camera A", Facing: device.FacingFront},
			device.VideoDevice{ID: "cam2", Label: "USB Camera B", Facing: device.FacingBack},
		)
		m := newManager(p, WithPolicy(DeviceFirstPolicy()))

		s, _ := m.Start(context.Background(), &recordingHost{})
		st := waitLive(t, s)
		if st.Constraint != stream.Device("cam2") {
			t.Errorf("expected pinned Device(cam2), got %s", st.Constraint)
		}
		opens := p.OpenConstraints()
		if len(opens) != 2 || opens[0] != stream.Facing(stream.FacingEnvironment) {
			t.Errorf("expected probe then open, got %v", opens)
		}
		if p.MaxOpen() != 1 {
			t.Errorf("probe overlapped the real stream, max open = %d", p.MaxOpen())
		}
		_ = s.Cancel()
		waitDone(t, s)
	})

	t.Run("probe ignored by platform", func(t *testing.T) {
		p := mock.New(
			device.VideoDevice{ID: "cam1", Label: "USB Camera A", Facing: device.FacingFront},
			device.VideoDevice{ID: "cam2", Label: "USB Camera B", Facing: device.FacingBack},
		)
		p.IgnoreFacing(true)
		m := newManager(p, WithPolicy(DeviceFirstPolicy()))

		s, _ := m.Start(context.Background(), &recordingHost{})
		if st := waitLive(t, s); st.Constraint != stream.Device("cam1") {
			t.Errorf("expected first device, got %s", st.Constraint)
		}
		_ = s.Cancel()
		waitDone(t, s)
	})
}

func TestInlinePolicyStartsOnUserFacing(t *testing.T) {
	p := mock.New(backCam, frontCam)
	m := newManager(p)
	if err := m.SetPolicy(InlinePolicy()); err != nil {
		t.Fatalf("set policy: %v", err)
	}

	s, _ := m.Start(context.Background(), &recordingHost{})
	st := waitLive(t, s)
	if st.Constraint != stream.Facing(stream.FacingUser) {
		t.Errorf("constraint = %s", st.Constraint)
	}
	if st.Stream.DeviceID != "cam1" {
		t.Errorf("expected front camera, got %s", st.Stream.DeviceID)
	}
	_ = s.Cancel()
	waitDone(t, s)
}

func TestPolicyByName(t *testing.T) {
	for _, name := range PolicyNames() {
		p, err := PolicyByName(name)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if p.Name != name {
			t.Errorf("name = %q, want %q", p.Name, name)
		}
		if err := p.Validate(); err != nil {
			t.Errorf("%s invalid: %v", name, err)
		}
	}

	if p, err := PolicyByName(""); err != nil || p.Name != PolicyModal {
		t.Errorf("empty name should be modal, got %v %v", p.Name, err)
	}
	if _, err := PolicyByName("fisheye"); err == nil {
		t.Error("expected error for unknown policy")
	}
}

func TestPolicyValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"bad default", func(p *Policy) { p.Default = "random" }},
		{"bad facing", func(p *Policy) { p.FacingMode = "sideways" }},
		{"negative retries", func(p *Policy) { p.BusyRetries = -1 }},
		{"negative delay", func(p *Policy) { p.RetryDelay = -time.Second }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ModalPolicy()
			tt.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
