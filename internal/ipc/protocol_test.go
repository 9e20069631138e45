package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"
)

func TestHeaderRoundTrip(t *testing.T) {
	original := Header{
		Magic:     ProtocolMagic,
		Version:   ProtocolVersion,
		Flags:     0x02,
		Type:      MsgStatusRequest,
		RequestID: 42,
		Length:    128,
	}

	var buf bytes.Buffer
	if err := original.Write(&buf); err != nil {
		t.Fatalf("write header failed: %v", err)
	}
	if buf.Len() != HeaderSize {
		t.Fatalf("expected %d header bytes, got %d", HeaderSize, buf.Len())
	}

	decoded, err := ReadHeader(&buf)
	if err != nil {
		t.Fatalf("read header failed: %v", err)
	}
	if *decoded != original {
		t.Errorf("expected %+v, got %+v", original, *decoded)
	}
}

func TestReadHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], 0xdeadbeef)
	buf[4] = ProtocolVersion

	_, err := ReadHeader(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected error for bad magic, got nil")
	}
}

func TestReadHeaderRejectsFutureVersion(t *testing.T) {
	buf := make([]byte, HeaderSize)
	binary.BigEndian.PutUint32(buf[0:4], ProtocolMagic)
	buf[4] = ProtocolVersion + 1

	_, err := ReadHeader(bytes.NewReader(buf))
	if err == nil {
		t.Fatal("expected error for future version, got nil")
	}
}

func TestMessageRoundTrip(t *testing.T) {
	payload := []byte(`{"success":true}`)
	original := NewMessage(MsgSuspendResp, 7, payload)

	var buf bytes.Buffer
	if err := original.Write(&buf); err != nil {
		t.Fatalf("write message failed: %v", err)
	}

	decoded, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}
	if decoded.Header.Type != MsgSuspendResp {
		t.Errorf("expected type %#04x, got %#04x", uint16(MsgSuspendResp), uint16(decoded.Header.Type))
	}
	if decoded.Header.RequestID != 7 {
		t.Errorf("expected request id 7, got %d", decoded.Header.RequestID)
	}
	if !bytes.Equal(decoded.Payload, payload) {
		t.Errorf("expected payload %q, got %q", payload, decoded.Payload)
	}
}

func TestMessageRoundTripEmptyPayload(t *testing.T) {
	original := NewMessage(MsgPing, 1, nil)

	var buf bytes.Buffer
	if err := original.Write(&buf); err != nil {
		t.Fatalf("write message failed: %v", err)
	}

	decoded, err := ReadMessage(&buf)
	if err != nil {
		t.Fatalf("read message failed: %v", err)
	}
	if decoded.Header.Length != 0 {
		t.Errorf("expected zero length, got %d", decoded.Header.Length)
	}
	if len(decoded.Payload) != 0 {
		t.Errorf("expected empty payload, got %d bytes", len(decoded.Payload))
	}
}

func TestReadMessageRejectsOversizedPayload(t *testing.T) {
	h := Header{
		Magic:   ProtocolMagic,
		Version: ProtocolVersion,
		Type:    MsgStatusResponse,
		Length:  maxPayload + 1,
	}

	var buf bytes.Buffer
	if err := h.Write(&buf); err != nil {
		t.Fatalf("write header failed: %v", err)
	}

	_, err := ReadMessage(&buf)
	if err == nil {
		t.Fatal("expected error for oversized payload, got nil")
	}
}

func TestReadMessageTruncatedPayload(t *testing.T) {
	msg := NewMessage(MsgStatsRequest, 3, []byte("{}"))
	msg.Header.Length = 64

	var buf bytes.Buffer
	if err := msg.Write(&buf); err != nil {
		t.Fatalf("write message failed: %v", err)
	}

	_, err := ReadMessage(&buf)
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("expected unexpected EOF, got %v", err)
	}
}

func TestNewErrorMessage(t *testing.T) {
	msg := NewErrorMessage(9, ErrInvalidRequest, "bad limit")

	if msg.Header.Type != MsgError {
		t.Fatalf("expected error type, got %#04x", uint16(msg.Header.Type))
	}
	if msg.Header.RequestID != 9 {
		t.Errorf("expected request id 9, got %d", msg.Header.RequestID)
	}

	var e ErrorResponse
	if err := Decode(msg.Payload, &e); err != nil {
		t.Fatalf("decode error payload failed: %v", err)
	}
	if e.Code != ErrInvalidRequest {
		t.Errorf("expected code %d, got %d", ErrInvalidRequest, e.Code)
	}
	if e.Message != "bad limit" {
		t.Errorf("expected message %q, got %q", "bad limit", e.Message)
	}
}

func TestNewResponse(t *testing.T) {
	status := StatusResponse{
		Version:    "1.0.0",
		DevicePath: "/dev/input/event3",
		Grabbed:    true,
		Stats:      StatsPayload{Transitions: 12, Actions: 12},
	}

	msg, err := NewResponse(MsgStatusResponse, 5, &status)
	if err != nil {
		t.Fatalf("new response failed: %v", err)
	}

	var decoded StatusResponse
	if err := Decode(msg.Payload, &decoded); err != nil {
		t.Fatalf("decode response failed: %v", err)
	}
	if decoded.DevicePath != status.DevicePath {
		t.Errorf("expected device %q, got %q", status.DevicePath, decoded.DevicePath)
	}
	if !decoded.Grabbed {
		t.Error("expected grabbed to survive the round trip")
	}
	if decoded.Stats.Transitions != 12 {
		t.Errorf("expected 12 transitions, got %d", decoded.Stats.Transitions)
	}
}
