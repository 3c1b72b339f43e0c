package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/teslashibe/go-snapcam/internal/log"
	"github.com/teslashibe/go-snapcam/pkg/capture"
	"github.com/teslashibe/go-snapcam/pkg/device"
	"github.com/teslashibe/go-snapcam/pkg/ocr"
	"github.com/teslashibe/go-snapcam/pkg/platform/mock"
	"github.com/teslashibe/go-snapcam/pkg/protocol"
)

var (
	frontCam = device.VideoDevice{ID: "cam1", Label: "Front Camera", Facing: device.FacingFront}
	backCam  = device.VideoDevice{ID: "cam2", Label: "Back Camera", Facing: device.FacingBack}
)

func newTestServer(t *testing.T, opts ...Option) (*Server, *mock.Platform) {
	t.Helper()
	p := mock.New(frontCam, backCam)
	policy := capture.ModalPolicy()
	policy.RetryDelay = time.Millisecond
	mgr := capture.NewManager(p, p, capture.WithPolicy(policy), capture.WithLogger(log.Discard()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = mgr.Shutdown(ctx)
	})
	opts = append([]Option{WithLogger(log.Discard())}, opts...)
	return NewServer(mgr, opts...), p
}

func request(t *testing.T, s *Server, method, path string, body interface{}) (*http.Response, []byte) {
	t.Helper()
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, 2000)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	return resp, data
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitLive(t *testing.T, s *Server) {
	t.Helper()
	eventually(t, "live stream", func() bool {
		st, err := s.sessionState()
		return err == nil && st.Phase == capture.PhaseLive && st.Stream != nil
	})
}

func startSession(t *testing.T, s *Server, cmd protocol.StartCommand) protocol.StateData {
	t.Helper()
	resp, body := request(t, s, http.MethodPost, "/api/session", cmd)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("start: status %d: %s", resp.StatusCode, body)
	}
	var st protocol.StateData
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	waitLive(t, s)
	return st
}

func TestCaptureConfirmFillsSlot(t *testing.T) {
	s, _ := newTestServer(t)

	st := startSession(t, s, protocol.StartCommand{Slot: SlotSecond})
	if st.Slot != SlotSecond || st.SessionID == "" {
		t.Errorf("unexpected start state: %+v", st)
	}

	resp, body := request(t, s, http.MethodPost, "/api/session/capture", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("capture: status %d: %s", resp.StatusCode, body)
	}
	var res CaptureResult
	_ = json.Unmarshal(body, &res)
	if !res.Captured || res.Frame == nil || res.State.Phase != capture.PhaseReviewing {
		t.Fatalf("unexpected capture result: %s", body)
	}

	resp, body = request(t, s, http.MethodPost, "/api/session/confirm", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm: status %d: %s", resp.StatusCode, body)
	}

	eventually(t, "slot filled", func() bool {
		_, ok := s.Slots().Get(SlotSecond)
		return ok
	})
	if _, ok := s.Slots().Get(SlotFirst); ok {
		t.Error("first slot should still be empty")
	}

	resp, body = request(t, s, http.MethodGet, "/api/slots/second", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "image/jpeg" {
		t.Fatalf("slot image: status %d, type %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	if len(body) < 2 || body[0] != 0xFF || body[1] != 0xD8 {
		t.Error("slot image should be a JPEG")
	}

	resp, _ = request(t, s, http.MethodDelete, "/api/slots/second", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("clear: status %d", resp.StatusCode)
	}
	resp, _ = request(t, s, http.MethodGet, "/api/slots/second", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("cleared slot: status %d", resp.StatusCode)
	}
}

func TestCancelLeavesSlotUnchanged(t *testing.T) {
	s, p := newTestServer(t)

	startSession(t, s, protocol.StartCommand{})
	request(t, s, http.MethodPost, "/api/session/capture", nil)
	request(t, s, http.MethodPost, "/api/session/confirm", nil)
	eventually(t, "slot filled", func() bool {
		_, ok := s.Slots().Get(SlotFirst)
		return ok
	})
	before, _ := s.Slots().Get(SlotFirst)
	eventually(t, "session released", func() bool { return s.capture.Active() == nil })

	startSession(t, s, protocol.StartCommand{Slot: SlotFirst})
	resp, body := request(t, s, http.MethodPost, "/api/session/cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: status %d: %s", resp.StatusCode, body)
	}
	eventually(t, "session released", func() bool { return s.capture.Active() == nil })

	after, _ := s.Slots().Get(SlotFirst)
	if after != before {
		t.Error("cancel must not change the slot")
	}
	if n := len(p.OpenStreams()); n != 0 {
		t.Errorf("%d streams left open", n)
	}
}

func TestSessionErrors(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := request(t, s, http.MethodGet, "/api/session", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("no session: status %d", resp.StatusCode)
	}
	var e protocol.ErrorData
	_ = json.Unmarshal(body, &e)
	if e.Code != "no_session" {
		t.Errorf("code = %q", e.Code)
	}

	resp, _ = request(t, s, http.MethodPost, "/api/session", protocol.StartCommand{Slot: "third"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown slot: status %d", resp.StatusCode)
	}
	resp, _ = request(t, s, http.MethodPost, "/api/session", protocol.StartCommand{FacingMode: "sideways"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad facing mode: status %d", resp.StatusCode)
	}

	startSession(t, s, protocol.StartCommand{})

	resp, _ = request(t, s, http.MethodPost, "/api/session", protocol.StartCommand{})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("second session: status %d", resp.StatusCode)
	}
	resp, body = request(t, s, http.MethodPost, "/api/session/confirm", nil)
	_ = json.Unmarshal(body, &e)
	if resp.StatusCode != http.StatusConflict || e.Code != "invalid_phase" {
		t.Errorf("confirm while live: status %d code %q", resp.StatusCode, e.Code)
	}
	resp, _ = request(t, s, http.MethodPost, "/api/session/device", protocol.SwitchDeviceCommand{DeviceID: "cam9"})
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unknown device: status %d", resp.StatusCode)
	}
	resp, _ = request(t, s, http.MethodPost, "/api/session/device", protocol.SwitchDeviceCommand{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("missing device: status %d", resp.StatusCode)
	}
}

func TestSwitchCamera(t *testing.T) {
	s, _ := newTestServer(t)
	startSession(t, s, protocol.StartCommand{DeviceID: "cam1"})

	resp, body := request(t, s, http.MethodPost, "/api/session/device", protocol.SwitchDeviceCommand{DeviceID: "cam2"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("switch device: status %d: %s", resp.StatusCode, body)
	}
	eventually(t, "cam2 live", func() bool {
		st, err := s.sessionState()
		return err == nil && st.Stream != nil && st.Stream.DeviceID == "cam2"
	})

	resp, body = request(t, s, http.MethodPost, "/api/session/facing", protocol.SwitchFacingCommand{FacingMode: "user"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("switch facing: status %d: %s", resp.StatusCode, body)
	}
	eventually(t, "user facing live", func() bool {
		st, err := s.sessionState()
		return err == nil && st.Stream != nil && st.Stream.DeviceID == "cam1"
	})

	resp, _ = request(t, s, http.MethodPost, "/api/session/facing", protocol.SwitchFacingCommand{Toggle: true})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("toggle: status %d", resp.StatusCode)
	}
	eventually(t, "environment facing live", func() bool {
		st, err := s.sessionState()
		return err == nil && st.Stream != nil && st.Stream.DeviceID == "cam2"
	})
}

func TestDevicesAndPreview(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := request(t, s, http.MethodGet, "/api/devices", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("devices: status %d", resp.StatusCode)
	}
	var devices protocol.DevicesData
	_ = json.Unmarshal(body, &devices)
	if len(devices.Devices) != 2 || devices.Devices[1].Label != "Back Camera" {
		t.Errorf("unexpected devices: %s", body)
	}

	resp, _ = request(t, s, http.MethodGet, "/api/session/preview", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("preview without session: status %d", resp.StatusCode)
	}

	startSession(t, s, protocol.StartCommand{})
	resp, body = request(t, s, http.MethodGet, "/api/session/preview", nil)
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		t.Errorf("preview: status %d, %d bytes", resp.StatusCode, len(body))
	}

	resp, body = request(t, s, http.MethodGet, "/api/devices", nil)
	_ = json.Unmarshal(body, &devices)
	if !devices.Devices[0].Active {
		t.Errorf("open device should be active: %s", body)
	}
}

func TestCameraConfigAPI(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := request(t, s, http.MethodPatch, "/api/camera", map[string]interface{}{"preset": "document"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("patch: status %d: %s", resp.StatusCode, body)
	}
	var cfg map[string]interface{}
	_ = json.Unmarshal(body, &cfg)
	if cfg["width"] != float64(1280) || cfg["aspect"] != "4:3" {
		t.Errorf("unexpected config: %s", body)
	}

	resp, _ = request(t, s, http.MethodPatch, "/api/camera", map[string]interface{}{"quality": 0})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("invalid quality: status %d", resp.StatusCode)
	}

	resp, _ = request(t, s, http.MethodGet, "/api/camera/presets", nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("presets: status %d", resp.StatusCode)
	}
}

func TestPolicyAPI(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := request(t, s, http.MethodPut, "/api/policy", SetPolicyRequest{Name: capture.PolicyInline})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("set policy: status %d: %s", resp.StatusCode, body)
	}
	if s.capture.Policy().Name != capture.PolicyInline {
		t.Errorf("policy = %s", s.capture.Policy().Name)
	}

	resp, _ = request(t, s, http.MethodPut, "/api/policy", SetPolicyRequest{Name: "carousel"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown policy: status %d", resp.StatusCode)
	}

	startSession(t, s, protocol.StartCommand{})
	resp, _ = request(t, s, http.MethodPut, "/api/policy", SetPolicyRequest{Name: capture.PolicyModal})
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("policy change during session: status %d", resp.StatusCode)
	}
}

func TestConfirmedFrameIsSentToOCR(t *testing.T) {
	ocrServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ocr.Request
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Base64ImageStr == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(`{"idCardNo":"1101700203451"}`))
	}))
	defer ocrServer.Close()

	client := ocr.NewClient(ocr.WithURL(ocrServer.URL), ocr.WithLogger(log.Discard()))
	s, _ := newTestServer(t, WithOCR(client))

	startSession(t, s, protocol.StartCommand{})
	request(t, s, http.MethodPost, "/api/session/capture", nil)
	request(t, s, http.MethodPost, "/api/session/confirm", nil)

	eventually(t, "ocr result", func() bool {
		info := s.Slots().Info(SlotFirst, false)
		return info.OCR != nil
	})
	resp, body := request(t, s, http.MethodGet, "/api/slots/first/info", nil)
	var info SlotInfo
	_ = json.Unmarshal(body, &info)
	if resp.StatusCode != http.StatusOK || info.OCR == nil || *info.OCR.IDCardNo != "1101700203451" || info.OCRPending {
		t.Errorf("unexpected slot info: %s", body)
	}
}

func serve(t *testing.T, s *Server) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return "ws://" + ln.Addr().String()
}

func sendCommand(t *testing.T, ws *websocket.Conn, typ protocol.MessageType, id string, data interface{}) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewCommand(typ, id, data)
	if err != nil {
		t.Fatal(err)
	}
	raw, _ := msg.Bytes()
	if err := ws.WriteMessage(websocket.TextMessage, raw); err != nil {
		t.Fatalf("write: %v", err)
	}
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	out, err := protocol.ParseMessage(reply)
	if err != nil {
		t.Fatalf("parse reply: %v", err)
	}
	if out.ID != id {
		t.Errorf("reply id = %q, want %q", out.ID, id)
	}
	return out
}

func TestControlChannel(t *testing.T) {
	s, _ := newTestServer(t)
	base := serve(t, s)

	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws/control", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	reply := sendCommand(t, ws, protocol.TypeStart, "1", protocol.StartCommand{Slot: SlotSecond})
	if reply.Type != protocol.TypeResult {
		t.Fatalf("start: unexpected reply %+v", reply)
	}
	waitLive(t, s)

	reply = sendCommand(t, ws, protocol.TypeConfirm, "2", nil)
	e, _ := reply.GetErrorData()
	if reply.Type != protocol.TypeError || e.Code != "invalid_phase" {
		t.Errorf("confirm while live: %+v", e)
	}

	reply = sendCommand(t, ws, protocol.TypeCapture, "3", nil)
	var res CaptureResult
	_ = reply.ParseData(&res)
	if reply.Type != protocol.TypeResult || !res.Captured {
		t.Fatalf("capture: unexpected reply %s", reply.Data)
	}

	reply = sendCommand(t, ws, protocol.TypeConfirm, "4", nil)
	if reply.Type != protocol.TypeResult {
		t.Errorf("confirm: unexpected reply %s", reply.Data)
	}
	eventually(t, "slot filled", func() bool {
		_, ok := s.Slots().Get(SlotSecond)
		return ok
	})

	reply = sendCommand(t, ws, protocol.TypePing, "5", protocol.PingData{ID: "p", Timestamp: 1})
	if reply.Type != protocol.TypePong {
		t.Errorf("ping: unexpected reply %+v", reply)
	}

	reply = sendCommand(t, ws, protocol.TypeState, "6", nil)
	e, _ = reply.GetErrorData()
	if reply.Type != protocol.TypeError || e.Code != "unknown_command" {
		t.Errorf("event sent as command: %+v", e)
	}
}

func TestEventsChannel(t *testing.T) {
	s, _ := newTestServer(t)
	base := serve(t, s)

	ws, _, err := websocket.DefaultDialer.Dial(base+"/ws/events", nil)
	if err != nil {
		t.Fatalf("dial failed: %v", err)
	}
	defer ws.Close()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read greeting: %v", err)
	}
	greeting, _ := protocol.ParseMessage(data)
	if greeting == nil || greeting.Type != protocol.TypeDevices {
		t.Fatalf("expected devices greeting, got %s", data)
	}

	eventually(t, "events client", func() bool { return s.events.ClientCount() == 1 })
	startSession(t, s, protocol.StartCommand{})
	request(t, s, http.MethodPost, "/api/session/cancel", nil)

	seen := map[protocol.MessageType]bool{}
	for !seen[protocol.TypeClosed] {
		_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := ws.ReadMessage()
		if err != nil {
			t.Fatalf("read event: %v (seen %v)", err, seen)
		}
		msg, err := protocol.ParseMessage(data)
		if err != nil {
			t.Fatal(err)
		}
		seen[msg.Type] = true
		if msg.Type == protocol.TypeClosed {
			var closed protocol.ClosedData
			_ = msg.ParseData(&closed)
			if closed.Reason != string(capture.ReasonCancelled) || closed.Slot != SlotFirst {
				t.Errorf("unexpected closed event: %s", msg.Data)
			}
		}
	}
	if !seen[protocol.TypeState] {
		t.Error("expected state events before closed")
	}
}

func TestPreviewOfferErrors(t *testing.T) {
	s, _ := newTestServer(t)

	resp, body := request(t, s, http.MethodPost, "/api/preview/offer", map[string]string{"type": "answer", "sdp": "v=0"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("answer posted as offer: status %d, body %s", resp.StatusCode, body)
	}

	resp, _ = request(t, s, http.MethodDelete, "/api/preview/peers/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("remove unknown peer: status %d", resp.StatusCode)
	}

	resp, body = request(t, s, http.MethodGet, "/api/status", nil)
	var st StatusResponse
	_ = json.Unmarshal(body, &st)
	if resp.StatusCode != http.StatusOK || st.PreviewPeers != 0 {
		t.Errorf("status: %d %s", resp.StatusCode, body)
	}
}
