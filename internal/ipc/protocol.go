// Package ipc carries control traffic between the daemon and its
// clients over a Unix socket.
//
// The protocol is a fixed 16-byte big-endian header followed by a
// JSON payload. Requests and responses correlate by request id;
// every request gets exactly one response. There is no
// authentication layer: the socket lives in the user's runtime
// directory with owner-only permissions, which is the access control
// a per-user input daemon needs.
package ipc

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"time"
)

const (
	ProtocolVersion = 1
	ProtocolMagic   = 0x4b4e524d // "KNRM"
)

// MessageType identifies the type of IPC message.
type MessageType uint16

const (
	// Control messages (0x00xx)
	MsgPing         MessageType = 0x0001
	MsgPong         MessageType = 0x0002
	MsgError        MessageType = 0x0005
	MsgShutdown     MessageType = 0x0006
	MsgShutdownResp MessageType = 0x0007

	// Status (0x01xx)
	MsgStatusRequest  MessageType = 0x0100
	MsgStatusResponse MessageType = 0x0101

	// Capture control (0x02xx)
	MsgSuspend     MessageType = 0x0200
	MsgSuspendResp MessageType = 0x0201
	MsgResume      MessageType = 0x0202
	MsgResumeResp  MessageType = 0x0203

	// Calibration (0x03xx)
	MsgReloadCalibration     MessageType = 0x0300
	MsgReloadCalibrationResp MessageType = 0x0301

	// Statistics (0x04xx)
	MsgStatsRequest  MessageType = 0x0400
	MsgStatsResponse MessageType = 0x0401

	// Journal (0x05xx)
	MsgSessionsRequest  MessageType = 0x0500
	MsgSessionsResponse MessageType = 0x0501
)

// Header is the fixed-size message header (16 bytes).
type Header struct {
	Magic     uint32
	Version   uint8
	Flags     uint8
	Type      MessageType
	RequestID uint32
	Length    uint32 // payload length, header excluded
}

// HeaderSize is the size of the header in bytes.
const HeaderSize = 16

// maxPayload bounds a single message. Status and session listings
// are small; anything past this is a framing bug, not data.
const maxPayload = 1 << 20

// Message wraps a header and payload.
type Message struct {
	Header  Header
	Payload []byte
}

// NewMessage creates a message with the given type and payload.
func NewMessage(msgType MessageType, requestID uint32, payload []byte) *Message {
	return &Message{
		Header: Header{
			Magic:     ProtocolMagic,
			Version:   ProtocolVersion,
			Type:      msgType,
			RequestID: requestID,
			Length:    uint32(len(payload)),
		},
		Payload: payload,
	}
}

// Write writes the header to w.
func (h *Header) Write(w io.Writer) error {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.Flags
	binary.BigEndian.PutUint16(buf[6:8], uint16(h.Type))
	binary.BigEndian.PutUint32(buf[8:12], h.RequestID)
	binary.BigEndian.PutUint32(buf[12:16], h.Length)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates a header from r.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	h := &Header{
		Magic:     binary.BigEndian.Uint32(buf[0:4]),
		Version:   buf[4],
		Flags:     buf[5],
		Type:      MessageType(binary.BigEndian.Uint16(buf[6:8])),
		RequestID: binary.BigEndian.Uint32(buf[8:12]),
		Length:    binary.BigEndian.Uint32(buf[12:16]),
	}

	if h.Magic != ProtocolMagic {
		return nil, fmt.Errorf("invalid magic number: %#x", h.Magic)
	}
	if h.Version > ProtocolVersion {
		return nil, fmt.Errorf("unsupported protocol version: %d", h.Version)
	}
	return h, nil
}

// Write writes the complete message to w.
func (m *Message) Write(w io.Writer) error {
	if err := m.Header.Write(w); err != nil {
		return err
	}
	if len(m.Payload) > 0 {
		_, err := w.Write(m.Payload)
		return err
	}
	return nil
}

// ReadMessage reads a complete message from r.
func ReadMessage(r io.Reader) (*Message, error) {
	h, err := ReadHeader(r)
	if err != nil {
		return nil, err
	}

	m := &Message{Header: *h}
	if h.Length > 0 {
		if h.Length > maxPayload {
			return nil, fmt.Errorf("payload too large: %d bytes", h.Length)
		}
		m.Payload = make([]byte, h.Length)
		if _, err := io.ReadFull(r, m.Payload); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Error codes carried in ErrorResponse.
const (
	ErrUnknown        = 1
	ErrInvalidRequest = 2
	ErrNotFound       = 3
	ErrInternalError  = 5
	ErrSuspended      = 8
	ErrNotSuspended   = 9
)

// ErrorResponse is sent when an operation fails.
type ErrorResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// StatusResponse describes the daemon's current state.
type StatusResponse struct {
	Version   string        `json:"version"`
	StartedAt time.Time     `json:"started_at"`
	Uptime    time.Duration `json:"uptime"`

	DevicePath string `json:"device_path"`
	DeviceName string `json:"device_name"`
	Grabbed    bool   `json:"grabbed"`
	Suspended  bool   `json:"suspended"`

	EmitterName string `json:"emitter_name"`

	CalibrationEntries int    `json:"calibration_entries"`
	CalibrationDevice  string `json:"calibration_device,omitempty"`

	SessionID int64 `json:"session_id,omitempty"`

	Stats StatsPayload `json:"stats"`
}

// StatsPayload mirrors the normalizer counters.
type StatsPayload struct {
	Transitions  uint64 `json:"transitions"`
	Actions      uint64 `json:"actions"`
	StickyArms   uint64 `json:"sticky_arms"`
	StickyShifts uint64 `json:"sticky_shifts"`
	DoubleTaps   uint64 `json:"double_taps"`
	Escalations  uint64 `json:"escalations"`
	HoldReleases uint64 `json:"hold_releases"`
	Resets       uint64 `json:"resets"`
}

// SuspendResponse acknowledges a suspend.
type SuspendResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ResumeResponse acknowledges a resume. Drained counts the stale
// transitions discarded before the grab was retaken.
type ResumeResponse struct {
	Success bool   `json:"success"`
	Drained int    `json:"drained"`
	Error   string `json:"error,omitempty"`
}

// ReloadCalibrationResponse acknowledges a calibration reload.
type ReloadCalibrationResponse struct {
	Success bool   `json:"success"`
	Entries int    `json:"entries"`
	Error   string `json:"error,omitempty"`
}

// StatsResponse carries the live counters and, when a journal is
// enabled, the per-kind firing totals for the current session.
type StatsResponse struct {
	Stats        StatsPayload     `json:"stats"`
	SessionID    int64            `json:"session_id,omitempty"`
	FiringCounts map[string]int64 `json:"firing_counts,omitempty"`
}

// SessionsRequest asks for recent journal sessions.
type SessionsRequest struct {
	Limit int `json:"limit,omitempty"`
}

// SessionSummary is one journal session.
type SessionSummary struct {
	ID         int64     `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	EndedAt    time.Time `json:"ended_at,omitempty"`
	DevicePath string    `json:"device_path"`
	DeviceName string    `json:"device_name"`

	Transitions  uint64 `json:"transitions"`
	Actions      uint64 `json:"actions"`
	StickyShifts uint64 `json:"sticky_shifts"`
	DoubleTaps   uint64 `json:"double_taps"`
	Escalations  uint64 `json:"escalations"`
	HoldReleases uint64 `json:"hold_releases"`
}

// SessionsResponse lists recent sessions, newest first.
type SessionsResponse struct {
	Sessions []SessionSummary `json:"sessions"`
}

// ShutdownResponse acknowledges a shutdown request; the daemon exits
// after sending it.
type ShutdownResponse struct {
	Success bool `json:"success"`
}

// Encode encodes a payload to JSON bytes.
func Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode decodes JSON bytes into v.
func Decode(data []byte, v any) error {
	return json.Unmarshal(data, v)
}

// NewErrorMessage creates an error response message.
func NewErrorMessage(requestID uint32, code int, message string) *Message {
	payload, _ := Encode(&ErrorResponse{Code: code, Message: message})
	return NewMessage(MsgError, requestID, payload)
}

// NewResponse creates a response message with an encoded payload.
func NewResponse(msgType MessageType, requestID uint32, v any) (*Message, error) {
	payload, err := Encode(v)
	if err != nil {
		return nil, err
	}
	return NewMessage(msgType, requestID, payload), nil
}
