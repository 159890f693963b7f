package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Message types exchanged with the engine.
const (
	MsgTypeDispatch = "dispatch"
	MsgTypeAck      = "ack"
	MsgTypeProgress = "progress"
	MsgTypeResult   = "result"
	MsgTypePing     = "ping"
	MsgTypePong     = "pong"
)

// Result status values reported by the engine.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// ErrorBody describes an engine-side failure.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Message is the envelope for every frame in either direction.
// Host→engine frames are dispatch and ping. Engine→host frames are ack,
// progress, result and pong.
type Message struct {
	Type      string          `json:"type"`
	ID        string          `json:"id,omitempty"`
	TaskID    string          `json:"task_id,omitempty"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Status    string          `json:"status,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *ErrorBody      `json:"error,omitempty"`
	Line      string          `json:"line,omitempty"`
	Timestamp string          `json:"timestamp,omitempty"`
}

// failure returns the failure reason carried by a result message, or "" when
// the message reports success.
func (m *Message) failure() string {
	if m.Error != nil {
		if m.Error.Message != "" {
			return m.Error.Message
		}
		if m.Error.Code != "" {
			return m.Error.Code
		}
	}
	if m.Status == ResultError {
		return "engine reported an error"
	}
	return ""
}

// WriteFrame writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// Prefix and payload go out in one write so concurrent readers never see
	// a torn frame boundary.
	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[4:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads a length-prefixed JSON message from r and decodes it into v.
func ReadFrame(r io.Reader, v any) error {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return fmt.Errorf("read payload: %w", err)
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}

	return nil
}
