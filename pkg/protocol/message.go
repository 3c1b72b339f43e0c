// Package protocol defines the WebSocket message types exchanged between
// the capture service and its browser or device clients.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/teslashibe/go-snapcam/pkg/capture"
	"github.com/teslashibe/go-snapcam/pkg/ocr"
)

// MessageType identifies the type of WebSocket message
type MessageType string

const (
	// Service → Client events
	TypeState     MessageType = "state"     // Session snapshot
	TypeDegraded  MessageType = "degraded"  // Fallback to any camera
	TypeConfirmed MessageType = "confirmed" // Frame confirmed into a slot
	TypeClosed    MessageType = "closed"    // Session ended without a frame
	TypeDevices   MessageType = "devices"   // Device list
	TypeResult    MessageType = "result"    // Reply to a command
	TypeError     MessageType = "error"     // Command failed
	TypeOCR       MessageType = "ocr"       // OCR result for a slot

	// Client → Service commands
	TypeStart        MessageType = "start"
	TypeCapture      MessageType = "capture"
	TypeRetake       MessageType = "retake"
	TypeConfirm      MessageType = "confirm"
	TypeCancel       MessageType = "cancel"
	TypeSwitchDevice MessageType = "switch_device"
	TypeSwitchFacing MessageType = "switch_facing"
	TypeListDevices  MessageType = "list_devices"

	// Bidirectional
	TypePing MessageType = "ping" // Health check
	TypePong MessageType = "pong" // Health check response
)

// Message is the base wrapper for all WebSocket messages. ID correlates a
// command with its result or error.
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp int64           `json:"ts,omitempty"` // Unix milliseconds
	Data      json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new message with the current timestamp
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal message data: %w", err)
		}
	}

	return &Message{
		Type:      msgType,
		Timestamp: time.Now().UnixMilli(),
		Data:      rawData,
	}, nil
}

// ParseData unmarshals the message data into the provided struct
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded message
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if msg.Type == "" {
		return nil, fmt.Errorf("failed to parse message: missing type")
	}
	return &msg, nil
}

// IsCommand reports whether t is a client command.
func (t MessageType) IsCommand() bool {
	switch t {
	case TypeStart, TypeCapture, TypeRetake, TypeConfirm, TypeCancel,
		TypeSwitchDevice, TypeSwitchFacing, TypeListDevices, TypePing:
		return true
	}
	return false
}

// =============================================================================
// Service → Client Message Types
// =============================================================================

// StateData is a session snapshot plus the slot the session fills.
type StateData struct {
	capture.State
	Slot string `json:"slot,omitempty"`
}

// DegradedData tells the client the requested camera could not be opened
// and another one is live instead.
type DegradedData struct {
	SessionID string `json:"session_id"`
	Requested string `json:"requested"`
	Effective string `json:"effective"`
	Cause     string `json:"cause,omitempty"`
}

// FrameInfo describes a confirmed frame. DataURI is only set when the
// receiver asked for inline images.
type FrameInfo struct {
	ID         string    `json:"id"`
	Format     string    `json:"format"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Size       int       `json:"size"`
	DeviceID   string    `json:"device_id,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	DataURI    string    `json:"data_uri,omitempty"`
}

// ConfirmedData is sent when a frame lands in a slot.
type ConfirmedData struct {
	SessionID string    `json:"session_id"`
	Slot      string    `json:"slot,omitempty"`
	Frame     FrameInfo `json:"frame"`
}

// ClosedData is sent when a session ends without a frame.
type ClosedData struct {
	SessionID string `json:"session_id"`
	Slot      string `json:"slot,omitempty"`
	Reason    string `json:"reason"`
}

// DeviceInfo is one entry of the device picker.
type DeviceInfo struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Facing string `json:"facing"`
	Active bool   `json:"active"`
}

// DevicesData lists the cameras.
type DevicesData struct {
	Devices []DeviceInfo `json:"devices"`
}

// ErrorData describes a failed command.
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// OCRData carries the OCR outcome for the frame in a slot. Exactly one of
// Result and Error is set.
type OCRData struct {
	Slot    string            `json:"slot"`
	FrameID string            `json:"frame_id"`
	Result  *ocr.ThaiIDResult `json:"result,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// =============================================================================
// Client → Service Message Types
// =============================================================================

// StartCommand opens a capture session, optionally for a slot and with an
// explicit device or facing mode.
type StartCommand struct {
	Slot       string `json:"slot,omitempty"`
	DeviceID   string `json:"device_id,omitempty"`
	FacingMode string `json:"facing_mode,omitempty"`
}

// SwitchDeviceCommand selects a device by id.
type SwitchDeviceCommand struct {
	DeviceID string `json:"device_id"`
}

// SwitchFacingCommand selects a facing mode, or flips it when Toggle is set.
type SwitchFacingCommand struct {
	FacingMode string `json:"facing_mode,omitempty"`
	Toggle     bool   `json:"toggle,omitempty"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// PingData contains ping information
type PingData struct {
	ID        string `json:"id"`
	Timestamp int64  `json:"ts"`
}

// PongData contains pong response
type PongData struct {
	ID        string `json:"id"`
	PingTS    int64  `json:"ping_ts"`
	PongTS    int64  `json:"pong_ts"`
	LatencyMs int64  `json:"latency_ms"`
}
