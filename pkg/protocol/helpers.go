package protocol

import (
	"time"

	"github.com/teslashibe/go-snapcam/pkg/capture"
	"github.com/teslashibe/go-snapcam/pkg/device"
	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/ocr"
	"github.com/teslashibe/go-snapcam/pkg/stream"
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewStateMessage creates a state message
func NewStateMessage(st capture.State, slot string) (*Message, error) {
	return NewMessage(TypeState, StateData{State: st, Slot: slot})
}

// NewDegradedMessage creates a degraded-mode notice from an open report
func NewDegradedMessage(sessionID string, r stream.OpenReport) (*Message, error) {
	data := DegradedData{
		SessionID: sessionID,
		Requested: r.Requested.String(),
		Effective: r.Effective.String(),
	}
	if r.Cause != nil {
		data.Cause = r.Cause.Error()
	}
	return NewMessage(TypeDegraded, data)
}

// NewConfirmedMessage creates a confirmed message. The image is inlined as
// a data URI when inline is set.
func NewConfirmedMessage(sessionID, slot string, f *frame.Frame, inline bool) (*Message, error) {
	return NewMessage(TypeConfirmed, ConfirmedData{
		SessionID: sessionID,
		Slot:      slot,
		Frame:     NewFrameInfo(f, inline),
	})
}

// NewClosedMessage creates a closed message
func NewClosedMessage(sessionID, slot string, reason capture.Reason) (*Message, error) {
	return NewMessage(TypeClosed, ClosedData{
		SessionID: sessionID,
		Slot:      slot,
		Reason:    string(reason),
	})
}

// NewOCRMessage creates an OCR result message. err takes precedence over res.
func NewOCRMessage(slot, frameID string, res *ocr.ThaiIDResult, err error) (*Message, error) {
	data := OCRData{Slot: slot, FrameID: frameID}
	if err != nil {
		data.Error = err.Error()
	} else {
		data.Result = res
	}
	return NewMessage(TypeOCR, data)
}

// NewDevicesMessage creates a device list message
func NewDevicesMessage(devices []device.VideoDevice, active string) (*Message, error) {
	return NewMessage(TypeDevices, DevicesData{Devices: DeviceInfos(devices, active)})
}

// NewErrorMessage creates an error reply to the command with the given id
func NewErrorMessage(id, code, message string) (*Message, error) {
	msg, err := NewMessage(TypeError, ErrorData{Code: code, Message: message})
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewResultMessage creates a successful reply to the command with the
// given id
func NewResultMessage(id string, data interface{}) (*Message, error) {
	msg, err := NewMessage(TypeResult, data)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewCommand creates a client command message
func NewCommand(msgType MessageType, id string, data interface{}) (*Message, error) {
	msg, err := NewMessage(msgType, data)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	return msg, nil
}

// NewPingMessage creates a ping message
func NewPingMessage(id string) (*Message, error) {
	return NewMessage(TypePing, PingData{
		ID:        id,
		Timestamp: time.Now().UnixMilli(),
	})
}

// NewPongMessage creates a pong response message
func NewPongMessage(id string, pingTS, pongTS int64) (*Message, error) {
	return NewMessage(TypePong, PongData{
		ID:        id,
		PingTS:    pingTS,
		PongTS:    pongTS,
		LatencyMs: pongTS - pingTS,
	})
}

// NewFrameInfo describes f for the wire.
func NewFrameInfo(f *frame.Frame, inline bool) FrameInfo {
	info := FrameInfo{
		ID:         f.ID,
		Format:     f.Format,
		Width:      f.Width,
		Height:     f.Height,
		Size:       f.Size(),
		DeviceID:   f.DeviceID,
		CapturedAt: f.CapturedAt,
	}
	if inline {
		info.DataURI = f.DataURI()
	}
	return info
}

// DeviceInfos converts devices for the picker, using display names for
// unlabeled cameras.
func DeviceInfos(devices []device.VideoDevice, active string) []DeviceInfo {
	out := make([]DeviceInfo, 0, len(devices))
	for _, d := range devices {
		out = append(out, DeviceInfo{
			ID:     d.ID,
			Label:  d.DisplayName(),
			Facing: d.Facing.String(),
			Active: d.ID == active,
		})
	}
	return out
}

// =============================================================================
// Helper functions for parsing messages
// =============================================================================

// GetStartCommand extracts a start command from a message
func (m *Message) GetStartCommand() (*StartCommand, error) {
	var data StartCommand
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetSwitchDeviceCommand extracts a device switch from a message
func (m *Message) GetSwitchDeviceCommand() (*SwitchDeviceCommand, error) {
	var data SwitchDeviceCommand
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetSwitchFacingCommand extracts a facing switch from a message
func (m *Message) GetSwitchFacingCommand() (*SwitchFacingCommand, error) {
	var data SwitchFacingCommand
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetStateData extracts state data from a message
func (m *Message) GetStateData() (*StateData, error) {
	var data StateData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetErrorData extracts error data from a message
func (m *Message) GetErrorData() (*ErrorData, error) {
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetPingData extracts ping data from a message
func (m *Message) GetPingData() (*PingData, error) {
	var data PingData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}
