package web

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/teslashibe/go-snapcam/pkg/capture"
	"github.com/teslashibe/go-snapcam/pkg/device"
	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/protocol"
	"github.com/teslashibe/go-snapcam/pkg/stream"
	"github.com/teslashibe/go-snapcam/pkg/video"
)

var (
	// errNoSession is returned by session commands when nothing is open.
	errNoSession = errors.New("web: no active session")

	errBadRequest = errors.New("web: bad request")
)

// CaptureResult is the reply to a capture command. Captured is false when
// the stream had no picture yet; the session is then unchanged.
type CaptureResult struct {
	Captured bool                `json:"captured"`
	Frame    *protocol.FrameInfo `json:"frame,omitempty"`
	State    protocol.StateData  `json:"state"`
}

// sessionHost receives the outcome of one session and routes it to a slot
// and to event clients.
type sessionHost struct {
	server *Server
	slot   string
	id     string
	ready  chan struct{}
}

// OnConfirmed stores the frame in the session's slot.
func (h *sessionHost) OnConfirmed(f *frame.Frame) {
	<-h.ready
	s := h.server
	forward := s.ocr.Enabled()
	s.slots.Put(h.slot, f, forward)
	s.logger.Info("frame confirmed", "session", h.id, "slot", h.slot, "frame", f.ID, "bytes", f.Size())
	s.broadcast(protocol.NewConfirmedMessage(h.id, h.slot, f, s.inline))
	if forward {
		s.extract(h.slot, f)
	}
}

// OnClosed leaves the slot untouched.
func (h *sessionHost) OnClosed(reason capture.Reason) {
	<-h.ready
	h.server.logger.Info("capture closed", "session", h.id, "slot", h.slot, "reason", reason)
	h.server.broadcast(protocol.NewClosedMessage(h.id, h.slot, reason))
}

func (h *sessionHost) observer() capture.Observer {
	return capture.Observer{
		StateChanged: func(st capture.State) {
			h.server.broadcast(protocol.NewStateMessage(st, h.slot))
		},
		Degraded: func(r stream.OpenReport) {
			<-h.ready
			h.server.logger.Warn("camera fallback in use",
				"session", h.id,
				"requested", r.Requested.String(),
				"cause", r.Cause,
			)
			h.server.broadcast(protocol.NewDegradedMessage(h.id, r))
		},
	}
}

// extract forwards f to the OCR endpoint in the background.
func (s *Server) extract(slot string, f *frame.Frame) {
	s.ocrJobs.Add(1)
	go func() {
		defer s.ocrJobs.Done()
		res, err := s.ocr.ExtractThaiID(s.baseContext(), f)
		if err != nil {
			s.logger.Warn("ocr failed", "slot", slot, "frame", f.ID, "error", err)
		}
		if s.slots.SetOCR(slot, f.ID, res, err) {
			s.broadcast(protocol.NewOCRMessage(slot, f.ID, res, err))
		}
	}()
}

// active returns the open session and the slot it fills.
func (s *Server) active() (*capture.Session, string, error) {
	sess := s.capture.Active()
	if sess == nil {
		return nil, "", errNoSession
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	slot := ""
	if s.current != nil && s.current.id == sess.ID() {
		slot = s.current.slot
	}
	return sess, slot, nil
}

func stateData(sess *capture.Session, slot string) protocol.StateData {
	return protocol.StateData{State: sess.State(), Slot: slot}
}

// startSession opens the camera for a slot.
func (s *Server) startSession(ctx context.Context, cmd protocol.StartCommand) (protocol.StateData, error) {
	slot, err := ParseSlot(cmd.Slot)
	if err != nil {
		return protocol.StateData{}, err
	}

	var opts []capture.StartOption
	switch {
	case cmd.DeviceID != "":
		opts = append(opts, capture.Prefer(stream.Device(cmd.DeviceID)))
	case cmd.FacingMode != "":
		mode, err := stream.ParseFacingMode(cmd.FacingMode)
		if err != nil {
			return protocol.StateData{}, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		opts = append(opts, capture.Prefer(stream.Facing(mode)))
	}

	h := &sessionHost{server: s, slot: slot, ready: make(chan struct{})}
	opts = append(opts, capture.Observe(h.observer()))

	sess, err := s.capture.Start(ctx, h, opts...)
	if err != nil {
		close(h.ready)
		return protocol.StateData{}, err
	}
	h.id = sess.ID()
	close(h.ready)

	s.mu.Lock()
	s.current = h
	s.mu.Unlock()

	s.logger.Info("capture started", "session", h.id, "slot", slot)
	return stateData(sess, slot), nil
}

func (s *Server) sessionState() (protocol.StateData, error) {
	sess, slot, err := s.active()
	if err != nil {
		return protocol.StateData{}, err
	}
	return stateData(sess, slot), nil
}

func (s *Server) captureFrame() (CaptureResult, error) {
	sess, slot, err := s.active()
	if err != nil {
		return CaptureResult{}, err
	}
	f, err := sess.Capture()
	if err != nil {
		return CaptureResult{}, err
	}
	res := CaptureResult{State: stateData(sess, slot)}
	if f != nil {
		fi := protocol.NewFrameInfo(f, s.inline)
		res.Captured = true
		res.Frame = &fi
	}
	return res, nil
}

// sessionOp runs a state-changing call on the active session and returns
// the resulting state.
func (s *Server) sessionOp(op func(*capture.Session) error) (protocol.StateData, error) {
	sess, slot, err := s.active()
	if err != nil {
		return protocol.StateData{}, err
	}
	if err := op(sess); err != nil {
		return protocol.StateData{}, err
	}
	return stateData(sess, slot), nil
}

func (s *Server) retake() (protocol.StateData, error) {
	return s.sessionOp((*capture.Session).Retake)
}

func (s *Server) confirm() (protocol.StateData, error) {
	return s.sessionOp((*capture.Session).Confirm)
}

func (s *Server) cancel() (protocol.StateData, error) {
	return s.sessionOp((*capture.Session).Cancel)
}

func (s *Server) switchDevice(cmd protocol.SwitchDeviceCommand) (protocol.StateData, error) {
	if cmd.DeviceID == "" {
		return protocol.StateData{}, fmt.Errorf("%w: device_id is required", errBadRequest)
	}
	return s.sessionOp(func(sess *capture.Session) error {
		return sess.SwitchDevice(cmd.DeviceID)
	})
}

func (s *Server) switchFacing(cmd protocol.SwitchFacingCommand) (protocol.StateData, error) {
	if cmd.Toggle {
		return s.sessionOp(func(sess *capture.Session) error {
			_, err := sess.ToggleFacingMode()
			return err
		})
	}
	mode, err := stream.ParseFacingMode(cmd.FacingMode)
	if err != nil {
		return protocol.StateData{}, fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return s.sessionOp(func(sess *capture.Session) error {
		return sess.SwitchFacingMode(mode)
	})
}

func (s *Server) listDevices(ctx context.Context) protocol.DevicesData {
	reg := s.capture.Registry()
	devices := reg.ListDevices(ctx)
	return protocol.DevicesData{Devices: protocol.DeviceInfos(devices, reg.Active())}
}

// errorCode maps an error to an HTTP status and a protocol error code.
func errorCode(err error) (int, string) {
	switch {
	case errors.Is(err, errBadRequest), errors.Is(err, video.ErrBadOffer):
		return fiber.StatusBadRequest, "bad_request"
	case errors.Is(err, errNoSession):
		return fiber.StatusNotFound, "no_session"
	case errors.Is(err, ErrUnknownSlot):
		return fiber.StatusNotFound, "unknown_slot"
	case errors.Is(err, device.ErrUnknownDevice):
		return fiber.StatusNotFound, "unknown_device"
	case errors.Is(err, video.ErrUnknownPeer):
		return fiber.StatusNotFound, "unknown_peer"
	case errors.Is(err, capture.ErrSessionActive):
		return fiber.StatusConflict, "session_active"
	case errors.Is(err, capture.ErrInvalidPhase):
		return fiber.StatusConflict, "invalid_phase"
	case errors.Is(err, capture.ErrSessionClosed):
		return fiber.StatusGone, "session_closed"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, video.ErrClosed):
		return fiber.StatusServiceUnavailable, "unavailable"
	default:
		return fiber.StatusInternalServerError, "internal"
	}
}
