package web

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/teslashibe/go-snapcam/pkg/frame"
	"github.com/teslashibe/go-snapcam/pkg/ocr"
	"github.com/teslashibe/go-snapcam/pkg/protocol"
)

// Slot names. A capture session fills exactly one slot.
const (
	SlotFirst  = "first"
	SlotSecond = "second"
)

// ErrUnknownSlot is returned for slot names other than first and second.
var ErrUnknownSlot = errors.New("web: unknown slot")

// ParseSlot validates a slot name. Empty means SlotFirst.
func ParseSlot(name string) (string, error) {
	switch name {
	case "", SlotFirst:
		return SlotFirst, nil
	case SlotSecond:
		return SlotSecond, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownSlot, name)
}

// SlotInfo describes a slot for API clients.
type SlotInfo struct {
	Slot       string              `json:"slot"`
	Frame      *protocol.FrameInfo `json:"frame,omitempty"`
	UpdatedAt  *time.Time          `json:"updated_at,omitempty"`
	OCR        *ocr.ThaiIDResult   `json:"ocr,omitempty"`
	OCRError   string              `json:"ocr_error,omitempty"`
	OCRPending bool                `json:"ocr_pending,omitempty"`
}

type slotEntry struct {
	frame      *frame.Frame
	updatedAt  time.Time
	ocr        *ocr.ThaiIDResult
	ocrErr     string
	ocrPending bool
}

// Slots holds the confirmed frame of each slot. Closing a session without
// confirming never touches a slot.
type Slots struct {
	mu      sync.RWMutex
	entries map[string]*slotEntry
}

// NewSlots creates empty slots.
func NewSlots() *Slots {
	return &Slots{entries: make(map[string]*slotEntry)}
}

// Put stores f in slot, replacing the previous frame and its OCR result.
func (s *Slots) Put(slot string, f *frame.Frame, ocrPending bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[slot] = &slotEntry{frame: f, updatedAt: time.Now(), ocrPending: ocrPending}
}

// Get returns the frame in slot.
func (s *Slots) Get(slot string) (*frame.Frame, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[slot]
	if !ok {
		return nil, false
	}
	return e.frame, true
}

// Clear empties slot and reports whether it held a frame.
func (s *Slots) Clear(slot string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[slot]
	delete(s.entries, slot)
	return ok
}

// SetOCR records the OCR outcome for frameID. It is dropped when the slot
// has since been cleared or refilled.
func (s *Slots) SetOCR(slot, frameID string, res *ocr.ThaiIDResult, err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[slot]
	if !ok || e.frame.ID != frameID {
		return false
	}
	e.ocrPending = false
	e.ocr, e.ocrErr = res, ""
	if err != nil {
		e.ocr, e.ocrErr = nil, err.Error()
	}
	return true
}

// Info describes slot.
func (s *Slots) Info(slot string, inline bool) SlotInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	info := SlotInfo{Slot: slot}
	e, ok := s.entries[slot]
	if !ok {
		return info
	}
	fi := protocol.NewFrameInfo(e.frame, inline)
	at := e.updatedAt
	info.Frame = &fi
	info.UpdatedAt = &at
	info.OCR = e.ocr
	info.OCRError = e.ocrErr
	info.OCRPending = e.ocrPending
	return info
}

// List describes every slot in order.
func (s *Slots) List(inline bool) []SlotInfo {
	return []SlotInfo{s.Info(SlotFirst, inline), s.Info(SlotSecond, inline)}
}
