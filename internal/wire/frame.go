// Package wire defines the JSON frames exchanged between livewire clients
// and the hub. Each frame is a JSON object with a type discriminator, an
// optional request id and an optional payload object.
package wire

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/livewire/pkg/models"
)

// ProtocolVersion is announced in the welcome frame.
const ProtocolVersion = 1

// MaxFrameBytes bounds a single encoded frame.
const MaxFrameBytes = 1 << 20

// Frame types.
const (
	TypeWelcome           = "welcome"
	TypeResponse          = "response"
	TypeChatJoin          = "chat_join"
	TypeChatMessage       = "chat_message"
	TypeTypingIndicator   = "typing_indicator"
	TypeChatRead          = "chat_read"
	TypePresenceTrack     = "presence_track"
	TypePresenceHeartbeat = "presence_heartbeat"
	TypePresenceUntrack   = "presence_untrack"
	TypePresenceState     = "presence_state"
	TypePresenceDiff      = "presence_diff"
	TypeChangesSubscribe  = "changes_subscribe"
	TypeChange            = "change"
)

var (
	// ErrMalformedFrame is returned for data that is not a frame object.
	ErrMalformedFrame = errors.New("wire: malformed frame")
	// ErrFrameTooLarge is returned when an encoded frame exceeds MaxFrameBytes.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// Frame is one protocol message.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// NewFrame builds a frame, marshaling payload when it is non-nil.
func NewFrame(frameType, id string, payload any) (Frame, error) {
	frame := Frame{Type: frameType, ID: id}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Frame{}, fmt.Errorf("encode %s payload: %w", frameType, err)
		}
		frame.Payload = raw
	}
	return frame, nil
}

// Encode marshals a frame.
func Encode(frame Frame) ([]byte, error) {
	if frame.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxFrameBytes {
		return nil, ErrFrameTooLarge
	}
	return data, nil
}

// Decode parses a single frame. It never panics; any problem is reported
// as an error wrapping ErrMalformedFrame.
func Decode(data []byte) (Frame, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return Frame{}, fmt.Errorf("%w: empty", ErrMalformedFrame)
	}
	if len(data) > MaxFrameBytes {
		return Frame{}, ErrFrameTooLarge
	}
	var frame Frame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	if frame.Type == "" {
		return Frame{}, fmt.Errorf("%w: missing type", ErrMalformedFrame)
	}
	return frame, nil
}

// DecodePayload unmarshals the frame payload into v.
func (f Frame) DecodePayload(v any) error {
	if len(f.Payload) == 0 || bytes.Equal(f.Payload, []byte("null")) {
		return fmt.Errorf("%w: %s frame has no payload", ErrMalformedFrame, f.Type)
	}
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// SplitLines returns the non-blank lines of a message that may carry several
// newline-delimited frames.
func SplitLines(data []byte) [][]byte {
	var out [][]byte
	for _, line := range bytes.Split(data, []byte{'\n'}) {
		line = bytes.TrimSpace(line)
		if len(line) > 0 {
			out = append(out, line)
		}
	}
	return out
}

// Welcome is sent by the hub immediately after a connection is accepted.
type Welcome struct {
	ClientID   string    `json:"client_id"`
	ServerTime time.Time `json:"server_time"`
	Protocol   int       `json:"protocol"`
}

// Response acknowledges a client frame that carried an id.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ChatJoin subscribes a connection to a chat session.
type ChatJoin struct {
	SessionID     string `json:"session_id"`
	ParticipantID string `json:"participant_id"`
}

// TypingIndicator is a transient "is typing" signal.
type TypingIndicator struct {
	SessionID  string `json:"session_id"`
	SenderID   string `json:"sender_id"`
	SenderName string `json:"sender_name,omitempty"`
	Typing     bool   `json:"typing"`
}

// ChatRead marks messages in a session as read by a participant.
type ChatRead struct {
	SessionID  string   `json:"session_id"`
	ReaderID   string   `json:"reader_id"`
	MessageIDs []string `json:"message_ids"`
}

// PresenceUntrack removes a participant from the roster.
type PresenceUntrack struct {
	ParticipantID string `json:"participant_id"`
}

// PresenceState is a full roster snapshot; each one is a sync cycle.
type PresenceState struct {
	Records []models.PresenceRecord `json:"records"`
}

// PresenceDiff carries incremental roster changes between snapshots.
type PresenceDiff struct {
	Joins  []models.PresenceRecord `json:"joins,omitempty"`
	Leaves []models.PresenceRecord `json:"leaves,omitempty"`
}

// ChangesSubscribe asks the hub to forward change events. An empty list
// selects every resource class.
type ChangesSubscribe struct {
	ResourceClasses []string `json:"resource_classes,omitempty"`
}
