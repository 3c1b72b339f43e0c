package web

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/pion/webrtc/v3"
	"github.com/teslashibe/go-snapcam/pkg/camera"
	"github.com/teslashibe/go-snapcam/pkg/capture"
	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/hub"
	"github.com/teslashibe/go-snapcam/pkg/protocol"
)

// fail writes err as a JSON error body with the matching status.
func fail(c *fiber.Ctx, err error) error {
	status, code := errorCode(err)
	return c.Status(status).JSON(protocol.ErrorData{Code: code, Message: err.Error()})
}

// reply writes v, or the error if err is set.
func reply(c *fiber.Ctx, v interface{}, err error) error {
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(v)
}

// StatusResponse summarizes the service for dashboards.
type StatusResponse struct {
	Session        *protocol.StateData `json:"session,omitempty"`
	Policy         string              `json:"policy"`
	OCREnabled     bool                `json:"ocr_enabled"`
	EventClients   int                 `json:"event_clients"`
	PreviewClients int                 `json:"preview_clients"`
	PreviewPeers   int                 `json:"preview_peers"`
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	resp := StatusResponse{
		Policy:         s.capture.Policy().Name,
		OCREnabled:     s.ocr.Enabled(),
		EventClients:   s.events.ClientCount(),
		PreviewClients: s.preview.ClientCount(),
		PreviewPeers:   s.rtc.PeerCount(),
	}
	if st, err := s.sessionState(); err == nil {
		resp.Session = &st
	}
	return c.JSON(resp)
}

func (s *Server) handleListDevices(c *fiber.Ctx) error {
	return c.JSON(s.listDevices(c.UserContext()))
}

func (s *Server) handleForgetSelection(c *fiber.Ctx) error {
	s.capture.ForgetSelection()
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleStartSession(c *fiber.Ctx) error {
	var cmd protocol.StartCommand
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&cmd); err != nil {
			return fail(c, errBadRequest)
		}
	}
	st, err := s.startSession(c.UserContext(), cmd)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(st)
}

func (s *Server) handleGetSession(c *fiber.Ctx) error {
	st, err := s.sessionState()
	return reply(c, st, err)
}

// handlePreview returns one JPEG of the live stream, or 204 when there is
// no picture yet.
func (s *Server) handlePreview(c *fiber.Ctx) error {
	sess, _, err := s.active()
	if err != nil {
		return fail(c, err)
	}
	data, err := sess.Preview()
	if err != nil {
		return fail(c, err)
	}
	if data == nil {
		return c.SendStatus(fiber.StatusNoContent)
	}
	c.Set(fiber.HeaderContentType, frame.FormatJPEG)
	c.Set(fiber.HeaderCacheControl, "no-store")
	return c.Send(data)
}

func (s *Server) handleCapture(c *fiber.Ctx) error {
	res, err := s.captureFrame()
	return reply(c, res, err)
}

func (s *Server) handleRetake(c *fiber.Ctx) error {
	st, err := s.retake()
	return reply(c, st, err)
}

func (s *Server) handleConfirm(c *fiber.Ctx) error {
	st, err := s.confirm()
	return reply(c, st, err)
}

func (s *Server) handleCancel(c *fiber.Ctx) error {
	st, err := s.cancel()
	return reply(c, st, err)
}

func (s *Server) handleSwitchDevice(c *fiber.Ctx) error {
	var cmd protocol.SwitchDeviceCommand
	if err := c.BodyParser(&cmd); err != nil {
		return fail(c, errBadRequest)
	}
	st, err := s.switchDevice(cmd)
	return reply(c, st, err)
}

func (s *Server) handleSwitchFacing(c *fiber.Ctx) error {
	var cmd protocol.SwitchFacingCommand
	if err := c.BodyParser(&cmd); err != nil {
		return fail(c, errBadRequest)
	}
	st, err := s.switchFacing(cmd)
	return reply(c, st, err)
}

// PreviewAnswer is the reply to a WebRTC preview offer.
type PreviewAnswer struct {
	PeerID string                     `json:"peer_id"`
	Answer *webrtc.SessionDescription `json:"answer"`
}

// handlePreviewOffer takes {"type":"offer","sdp":"..."} from a browser that
// created a "preview" data channel.
func (s *Server) handlePreviewOffer(c *fiber.Ctx) error {
	var offer webrtc.SessionDescription
	if err := c.BodyParser(&offer); err != nil {
		return fail(c, errBadRequest)
	}
	ctx, cancel := context.WithTimeout(c.UserContext(), 10*time.Second)
	defer cancel()
	id, answer, err := s.rtc.Answer(ctx, offer)
	if err != nil {
		return fail(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(PreviewAnswer{PeerID: id, Answer: answer})
}

func (s *Server) handleRemovePeer(c *fiber.Ctx) error {
	if err := s.rtc.Remove(c.Params("id")); err != nil {
		return fail(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleListSlots(c *fiber.Ctx) error {
	return c.JSON(s.slots.List(c.QueryBool("inline")))
}

// handleGetSlot returns the slot's image as image/jpeg.
func (s *Server) handleGetSlot(c *fiber.Ctx) error {
	slot, err := ParseSlot(c.Params("slot"))
	if err != nil {
		return fail(c, err)
	}
	f, ok := s.slots.Get(slot)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(protocol.ErrorData{Code: "empty_slot", Message: "slot is empty"})
	}
	c.Set(fiber.HeaderContentType, f.Format)
	return c.Send(f.Bytes())
}

func (s *Server) handleSlotInfo(c *fiber.Ctx) error {
	slot, err := ParseSlot(c.Params("slot"))
	if err != nil {
		return fail(c, err)
	}
	return c.JSON(s.slots.Info(slot, c.QueryBool("inline")))
}

func (s *Server) handleClearSlot(c *fiber.Ctx) error {
	slot, err := ParseSlot(c.Params("slot"))
	if err != nil {
		return fail(c, err)
	}
	s.slots.Clear(slot)
	return c.SendStatus(fiber.StatusNoContent)
}

func (s *Server) handleGetCamera(c *fiber.Ctx) error {
	return c.JSON(s.camera.GetConfigJSON())
}

// handleUpdateCamera applies a partial update, e.g. {"preset":"document"}
// or {"quality":85}.
func (s *Server) handleUpdateCamera(c *fiber.Ctx) error {
	var params map[string]interface{}
	if err := c.BodyParser(&params); err != nil {
		return fail(c, errBadRequest)
	}
	if err := s.camera.UpdateConfig(params); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(protocol.ErrorData{Code: "invalid_config", Message: err.Error()})
	}
	s.logger.Info("camera config updated", "params", params)
	return c.JSON(s.camera.GetConfigJSON())
}

func (s *Server) handleCameraPresets(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"presets":      camera.PresetNames(),
		"capabilities": camera.Capabilities(),
	})
}

func (s *Server) handleGetPolicy(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"policy":  s.capture.Policy(),
		"presets": capture.PolicyNames(),
	})
}

// SetPolicyRequest selects a policy preset by name.
type SetPolicyRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleSetPolicy(c *fiber.Ctx) error {
	var req SetPolicyRequest
	if err := c.BodyParser(&req); err != nil {
		return fail(c, errBadRequest)
	}
	p, err := capture.PolicyByName(req.Name)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(protocol.ErrorData{Code: "unknown_policy", Message: err.Error()})
	}
	if err := s.capture.SetPolicy(p); err != nil {
		return fail(c, err)
	}
	return c.JSON(p)
}

// handleEventsWS streams session events. New clients first get the
// device list and the current session state.
func (s *Server) handleEventsWS(c *websocket.Conn) {
	var greeting []hub.Message
	if msg, err := protocol.NewDevicesMessage(s.capture.Registry().Snapshot(), s.capture.Registry().Active()); err == nil {
		if data, err := msg.Bytes(); err == nil {
			greeting = append(greeting, hub.NewJSONMessage(data))
		}
	}
	if st, err := s.sessionState(); err == nil {
		if msg, err := protocol.NewStateMessage(st.State, st.Slot); err == nil {
			if data, err := msg.Bytes(); err == nil {
				greeting = append(greeting, hub.NewJSONMessage(data))
			}
		}
	}
	s.events.Serve(c, greeting...)
}

// handlePreviewWS streams binary JPEG preview frames.
func (s *Server) handlePreviewWS(c *websocket.Conn) {
	s.preview.Serve(c)
}
