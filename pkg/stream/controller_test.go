package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/teslashibe/go-snapcam/internal/log"
)

// fakeOpener hands out fakeStreams and records every request.
type fakeOpener struct {
	mu       sync.Mutex
	errs     map[Kind][]error
	settings func(Constraint) Settings
	hook     func(Constraint)
	gate     chan struct{}
	started  chan struct{}

	requests []Constraint
	open     int
	maxOpen  int
	seq      int
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		errs: make(map[Kind][]error),
		settings: func(c Constraint) Settings {
			return Settings{DeviceID: c.DeviceID, Width: 640, Height: 480}
		},
	}
}

func (f *fakeOpener) fail(k Kind, errs ...error) {
	f.mu.Lock()
	f.errs[k] = append(f.errs[k], errs...)
	f.mu.Unlock()
}

func (f *fakeOpener) Open(ctx context.Context, c Constraint) (Stream, error) {
	f.mu.Lock()
	f.requests = append(f.requests, c)
	gate, started, hook := f.gate, f.started, f.hook
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if gate != nil {
		<-gate
	}
	if hook != nil {
		hook(c)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if q := f.errs[c.Kind]; len(q) > 0 {
		f.errs[c.Kind] = q[1:]
		return nil, q[0]
	}
	f.seq++
	f.open++
	if f.open > f.maxOpen {
		f.maxOpen = f.open
	}
	return &fakeStream{opener: f, id: fmt.Sprintf("s%d", f.seq), settings: f.settings(c)}, nil
}

func (f *fakeOpener) counts() (open, maxOpen int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open, f.maxOpen
}

func (f *fakeOpener) kinds() []Kind {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Kind, len(f.requests))
	for i, c := range f.requests {
		out[i] = c.Kind
	}
	return out
}

type fakeStream struct {
	opener   *fakeOpener
	id       string
	settings Settings
	closeErr error
	closes   int
}

func (s *fakeStream) ID() string         { return s.id }
func (s *fakeStream) Settings() Settings { return s.settings }

func (s *fakeStream) Close() error {
	s.opener.mu.Lock()
	defer s.opener.mu.Unlock()
	s.closes++
	if s.closes == 1 {
		s.opener.open--
	}
	return s.closeErr
}

func newTestController(o Opener, opts ...Option) *Controller {
	opts = append([]Option{WithLogger(log.Discard()), WithRetryDelay(time.Millisecond)}, opts...)
	return NewController(o, opts...)
}

func TestOpenExactDevice(t *testing.T) {
	o := newFakeOpener()
	c := newTestController(o)

	s, report, err := c.Open(context.Background(), Device("cam1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.Settings().DeviceID != "cam1" {
		t.Errorf("device = %q, want cam1", s.Settings().DeviceID)
	}
	if report.Fallback || report.Effective != Device("cam1") || report.Retries != 0 {
		t.Errorf("unexpected report %+v", report)
	}
	if c.Current() != s {
		t.Error("controller does not hold the opened stream")
	}
}

func TestOpenReleasesPreviousFirst(t *testing.T) {
	o := newFakeOpener()
	c := newTestController(o)

	first, _, err := c.Open(context.Background(), Device("cam1"))
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := c.Open(context.Background(), Device("cam2")); err != nil {
		t.Fatal(err)
	}

	open, maxOpen := o.counts()
	if open != 1 || maxOpen != 1 {
		t.Errorf("open=%d maxOpen=%d, want 1/1", open, maxOpen)
	}
	if Underlying(first).(*fakeStream).closes != 1 {
		t.Error("previous stream not closed exactly once")
	}
}

func TestOpenRetriesBusyDevice(t *testing.T) {
	o := newFakeOpener()
	o.fail(KindDevice, ErrDeviceBusy)
	c := newTestController(o, WithBusyRetries(1))

	_, report, err := c.Open(context.Background(), Device("cam1"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if report.Retries != 1 || report.Fallback {
		t.Errorf("report = %+v, want one retry and no fallback", report)
	}
}

func TestOpenFallsBackToAny(t *testing.T) {
	tests := []struct {
		name    string
		want    Constraint
		fail    Kind
		err     error
		retries int
	}{
		{"missing device", Device("gone"), KindDevice, ErrDeviceNotFound, 0},
		{"busy device", Device("cam1"), KindDevice, ErrDeviceBusy, 1},
		{"facing unsupported", Facing(FacingEnvironment), KindFacing, errors.New("overconstrained"), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newFakeOpener()
			o.fail(tt.fail, tt.err, tt.err)
			c := newTestController(o, WithBusyRetries(1))

			s, report, err := c.Open(context.Background(), tt.want)
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			if s == nil || !report.Fallback || !report.Effective.IsAny() {
				t.Fatalf("report = %+v, want fallback to any", report)
			}
			if report.Requested != tt.want || !errors.Is(report.Cause, tt.err) {
				t.Errorf("report = %+v", report)
			}
			if report.Retries != tt.retries {
				t.Errorf("retries = %d, want %d", report.Retries, tt.retries)
			}
			kinds := o.kinds()
			if kinds[len(kinds)-1] != KindAny {
				t.Errorf("last request = %v, want any", kinds[len(kinds)-1])
			}
		})
	}
}

func TestOpenFailureWithoutFallback(t *testing.T) {
	o := newFakeOpener()
	o.fail(KindDevice, ErrPermissionDenied)
	c := newTestController(o, WithFallback(false))

	s, _, err := c.Open(context.Background(), Device("cam1"))
	if s != nil || err == nil {
		t.Fatalf("Open = %v, %v; want error", s, err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Constraint != Device("cam1") {
		t.Errorf("err = %v, want OpenError for cam1", err)
	}
	if !IsPermissionDenied(err) {
		t.Error("permission error not preserved")
	}
	if len(o.kinds()) != 1 {
		t.Errorf("made %d requests, want 1", len(o.kinds()))
	}
}

func TestOpenBothAttemptsFail(t *testing.T) {
	o := newFakeOpener()
	o.fail(KindFacing, errors.New("no rear camera"))
	o.fail(KindAny, ErrNoDevice)
	c := newTestController(o)

	_, report, err := c.Open(context.Background(), Facing(FacingEnvironment))
	if !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err = %v, want ErrNoDevice", err)
	}
	if !report.Fallback {
		t.Error("report should record the fallback attempt")
	}
	if c.Current() != nil {
		t.Error("controller holds a stream after failure")
	}
}

func TestOpenKeepsPermissionDenied(t *testing.T) {
	o := newFakeOpener()
	o.fail(KindDevice, ErrPermissionDenied)
	o.fail(KindAny, ErrNoDevice)
	c := newTestController(o)

	_, report, err := c.Open(context.Background(), Device("cam1"))
	if !IsPermissionDenied(err) {
		t.Fatalf("err = %v, want permission denied", err)
	}
	if !errors.Is(err, ErrNoDevice) {
		t.Errorf("err = %v, should still carry the fallback failure", err)
	}
	var oe *OpenError
	if !errors.As(err, &oe) || oe.Constraint != Device("cam1") {
		t.Errorf("expected OpenError for cam1, got %v", err)
	}
	if !report.Fallback {
		t.Error("report should record the fallback attempt")
	}
}

func TestOpenAnyDoesNotFallBackAgain(t *testing.T) {
	o := newFakeOpener()
	o.fail(KindAny, ErrNoDevice)
	c := newTestController(o)

	if _, _, err := c.Open(context.Background(), Any()); !errors.Is(err, ErrNoDevice) {
		t.Fatalf("err = %v", err)
	}
	if n := len(o.kinds()); n != 1 {
		t.Errorf("made %d requests, want 1", n)
	}
}

func TestOpenCancelledReleasesLateStream(t *testing.T) {
	o := newFakeOpener()
	ctx, cancel := context.WithCancel(context.Background())
	o.hook = func(Constraint) { cancel() }
	c := newTestController(o)

	s, _, err := c.Open(ctx, Device("cam1"))
	if s != nil || !errors.Is(err, context.Canceled) {
		t.Fatalf("Open = %v, %v; want context.Canceled", s, err)
	}
	if open, _ := o.counts(); open != 0 {
		t.Errorf("%d streams left open", open)
	}
	if n := len(o.kinds()); n != 1 {
		t.Errorf("made %d requests after cancellation, want 1", n)
	}
}

func TestOpenInProgress(t *testing.T) {
	o := newFakeOpener()
	o.gate = make(chan struct{})
	o.started = make(chan struct{})
	c := newTestController(o)

	done := make(chan error, 1)
	go func() {
		_, _, err := c.Open(context.Background(), Device("cam1"))
		done <- err
	}()
	<-o.started

	if _, _, err := c.Open(context.Background(), Device("cam2")); !errors.Is(err, ErrOpenInProgress) {
		t.Errorf("concurrent Open = %v, want ErrOpenInProgress", err)
	}
	if _, ok := c.ResolveFacing(context.Background(), FacingUser, nil); ok {
		t.Error("ResolveFacing should not probe during an open")
	}

	close(o.gate)
	if err := <-done; err != nil {
		t.Fatalf("first Open: %v", err)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	o := newFakeOpener()
	c := newTestController(o)

	s, _, err := c.Open(context.Background(), Any())
	if err != nil {
		t.Fatal(err)
	}
	raw := Underlying(s).(*fakeStream)
	raw.closeErr = errors.New("track already ended")

	c.Close(s)
	c.Close(s)
	c.Release()
	c.Close(nil)

	if raw.closes != 1 {
		t.Errorf("platform Close called %d times, want 1", raw.closes)
	}
	if c.Current() != nil {
		t.Error("controller still holds a closed stream")
	}
}

func TestResolveFacing(t *testing.T) {
	tests := []struct {
		name       string
		negotiated Settings
		devices    []string
		want       Constraint
		pinned     bool
	}{
		{
			name:       "pins listed device",
			negotiated: Settings{DeviceID: "back", FacingMode: FacingEnvironment},
			devices:    []string{"front", "back"},
			want:       Device("back"),
			pinned:     true,
		},
		{
			name:       "facing not reported",
			negotiated: Settings{DeviceID: "back"},
			devices:    []string{"back"},
			want:       Device("back"),
			pinned:     true,
		},
		{
			name:       "platform ignored preference",
			negotiated: Settings{DeviceID: "front", FacingMode: FacingUser},
			devices:    []string{"front"},
			want:       Facing(FacingEnvironment),
		},
		{
			name:       "device not enumerated",
			negotiated: Settings{DeviceID: "other", FacingMode: FacingEnvironment},
			devices:    []string{"front"},
			want:       Facing(FacingEnvironment),
		},
		{
			name:       "no device id",
			negotiated: Settings{FacingMode: FacingEnvironment},
			want:       Facing(FacingEnvironment),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newFakeOpener()
			o.settings = func(Constraint) Settings { return tt.negotiated }
			c := newTestController(o)

			got, pinned := c.ResolveFacing(context.Background(), FacingEnvironment, tt.devices)
			if got != tt.want || pinned != tt.pinned {
				t.Errorf("ResolveFacing = %v, %v; want %v, %v", got, pinned, tt.want, tt.pinned)
			}
			if open, _ := o.counts(); open != 0 {
				t.Errorf("probe left %d streams open", open)
			}
		})
	}
}

func TestResolveFacingProbeFails(t *testing.T) {
	o := newFakeOpener()
	o.fail(KindFacing, ErrPermissionDenied)
	c := newTestController(o)

	got, pinned := c.ResolveFacing(context.Background(), FacingUser, nil)
	if pinned || got != Facing(FacingUser) {
		t.Errorf("ResolveFacing = %v, %v", got, pinned)
	}
}

func TestResolveFacingReleasesHeldStream(t *testing.T) {
	o := newFakeOpener()
	c := newTestController(o)
	if _, _, err := c.Open(context.Background(), Device("cam1")); err != nil {
		t.Fatal(err)
	}

	c.ResolveFacing(context.Background(), FacingUser, nil)

	if _, maxOpen := o.counts(); maxOpen != 1 {
		t.Errorf("maxOpen = %d, probe overlapped the held stream", maxOpen)
	}
	if c.Current() != nil {
		t.Error("held stream survived the probe")
	}
}

func TestParseFacingMode(t *testing.T) {
	for in, want := range map[string]FacingMode{
		"user":          FacingUser,
		" Environment ": FacingEnvironment,
	} {
		got, err := ParseFacingMode(in)
		if err != nil || got != want {
			t.Errorf("ParseFacingMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseFacingMode("left"); err == nil {
		t.Error("expected error for invalid mode")
	}
	if FacingUser.Opposite() != FacingEnvironment || FacingEnvironment.Opposite() != FacingUser {
		t.Error("Opposite is not symmetric")
	}
}

func TestConstraintText(t *testing.T) {
	if s := Device("cam1").String(); s != "device:cam1" {
		t.Errorf("String = %q", s)
	}
	if s := Facing(FacingUser).String(); s != "facing:user" {
		t.Errorf("String = %q", s)
	}
	if s := Any().String(); s != "any" {
		t.Errorf("String = %q", s)
	}

	var k Kind
	if err := k.UnmarshalText([]byte("facing")); err != nil || k != KindFacing {
		t.Errorf("UnmarshalText = %v, %v", k, err)
	}
	if err := k.UnmarshalText([]byte("nope")); err == nil {
		t.Error("expected error for unknown kind")
	}
}
