package web

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/teslashibe/go-snapcam/pkg/protocol"
)

// controlConn is one client on /ws/control. Replies are written from the
// read loop; the mutex guards against concurrent writers all the same.
type controlConn struct {
	id   string
	conn *websocket.Conn
	mu   sync.Mutex
}

func (cc *controlConn) send(msg *protocol.Message) error {
	data, err := msg.Bytes()
	if err != nil {
		return err
	}
	cc.mu.Lock()
	defer cc.mu.Unlock()
	_ = cc.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return cc.conn.WriteMessage(websocket.TextMessage, data)
}

// handleControlWS reads command messages and answers each with a result or
// an error carrying the command's id.
func (s *Server) handleControlWS(c *websocket.Conn) {
	cc := &controlConn{id: c.RemoteAddr().String(), conn: c}
	logger := s.logger.With("control", cc.id)
	logger.Debug("control client connected")
	defer logger.Debug("control client disconnected")

	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			return
		}
		if err := cc.send(s.dispatch(context.Background(), data)); err != nil {
			logger.Debug("control write failed", "error", err)
			return
		}
	}
}

// dispatch parses one command and runs it.
func (s *Server) dispatch(ctx context.Context, data []byte) *protocol.Message {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return errorReply("", "bad_request", err.Error())
	}
	if !msg.Type.IsCommand() {
		return errorReply(msg.ID, "unknown_command", fmt.Sprintf("unknown command %q", msg.Type))
	}

	if msg.Type == protocol.TypePing {
		ping, err := msg.GetPingData()
		if err != nil {
			return errorReply(msg.ID, "bad_request", err.Error())
		}
		sent := ping.Timestamp
		if sent == 0 {
			sent = msg.Timestamp
		}
		pong, err := protocol.NewPongMessage(ping.ID, sent, time.Now().UnixMilli())
		if err != nil {
			return errorReply(msg.ID, "internal", err.Error())
		}
		pong.ID = msg.ID
		return pong
	}

	result, err := s.execute(ctx, msg)
	if err != nil {
		_, code := errorCode(err)
		return errorReply(msg.ID, code, err.Error())
	}
	res, err := protocol.NewResultMessage(msg.ID, result)
	if err != nil {
		return errorReply(msg.ID, "internal", err.Error())
	}
	return res
}

func (s *Server) execute(ctx context.Context, msg *protocol.Message) (interface{}, error) {
	switch msg.Type {
	case protocol.TypeStart:
		cmd, err := msg.GetStartCommand()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return s.startSession(ctx, *cmd)
	case protocol.TypeCapture:
		return s.captureFrame()
	case protocol.TypeRetake:
		return s.retake()
	case protocol.TypeConfirm:
		return s.confirm()
	case protocol.TypeCancel:
		return s.cancel()
	case protocol.TypeSwitchDevice:
		cmd, err := msg.GetSwitchDeviceCommand()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return s.switchDevice(*cmd)
	case protocol.TypeSwitchFacing:
		cmd, err := msg.GetSwitchFacingCommand()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", errBadRequest, err)
		}
		return s.switchFacing(*cmd)
	case protocol.TypeListDevices:
		return s.listDevices(ctx), nil
	}
	return nil, fmt.Errorf("%w: unhandled command %q", errBadRequest, msg.Type)
}

func errorReply(id, code, message string) *protocol.Message {
	msg, err := protocol.NewErrorMessage(id, code, message)
	if err != nil {
		return &protocol.Message{Type: protocol.TypeError, ID: id}
	}
	return msg
}
