package hub

import (
	"testing"

	"github.com/haasonsaas/livewire/internal/wire"
)

func TestInitFrameSchemas(t *testing.T) {
	if err := initFrameSchemas(); err != nil {
		t.Errorf("initFrameSchemas() error = %v", err)
	}
	// Should be idempotent
	if err := initFrameSchemas(); err != nil {
		t.Errorf("initFrameSchemas() second call error = %v", err)
	}
}

func TestValidateInboundFrame(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantError bool
	}{
		{
			name: "valid chat message",
			raw: `{"type":"chat_message","id":"1","payload":{
				"id":"m1","session_id":"s1","sender_id":"u1","sender_role":"customer",
				"body":"hi","created_at":"2025-03-01T09:00:00Z"}}`,
		},
		{
			name:      "chat message with unknown role",
			raw:       `{"type":"chat_message","payload":{"id":"m1","session_id":"s1","sender_id":"u1","sender_role":"teller","body":"hi","created_at":"2025-03-01T09:00:00Z"}}`,
			wantError: true,
		},
		{
			name:      "chat message with empty body",
			raw:       `{"type":"chat_message","payload":{"id":"m1","session_id":"s1","sender_id":"u1","sender_role":"agent","body":"","created_at":"2025-03-01T09:00:00Z"}}`,
			wantError: true,
		},
		{
			name: "valid join",
			raw:  `{"type":"chat_join","payload":{"session_id":"s1","participant_id":"u1"}}`,
		},
		{
			name:      "join without payload",
			raw:       `{"type":"chat_join","id":"2"}`,
			wantError: true,
		},
		{
			name: "typing indicator",
			raw:  `{"type":"typing_indicator","payload":{"session_id":"s1","sender_id":"u1","typing":false}}`,
		},
		{
			name:      "typing indicator with string flag",
			raw:       `{"type":"typing_indicator","payload":{"session_id":"s1","sender_id":"u1","typing":"yes"}}`,
			wantError: true,
		},
		{
			name: "chat read",
			raw:  `{"type":"chat_read","payload":{"session_id":"s1","reader_id":"u2","message_ids":["m1","m2"]}}`,
		},
		{
			name: "presence heartbeat",
			raw:  `{"type":"presence_heartbeat","payload":{"participant_id":"u1","display_name":"Dana"}}`,
		},
		{
			name:      "presence track without participant",
			raw:       `{"type":"presence_track","payload":{"display_name":"Dana"}}`,
			wantError: true,
		},
		{
			name: "changes subscribe without payload",
			raw:  `{"type":"changes_subscribe","id":"3"}`,
		},
		{
			name:      "changes subscribe to unknown class",
			raw:       `{"type":"changes_subscribe","payload":{"resource_classes":["accounts"]}}`,
			wantError: true,
		},
		{
			name:      "server frame type",
			raw:       `{"type":"presence_state","payload":{"records":[]}}`,
			wantError: true,
		},
		{
			name:      "extra envelope field",
			raw:       `{"type":"chat_join","method":"x","payload":{"session_id":"s1","participant_id":"u1"}}`,
			wantError: true,
		},
		{
			name:      "payload is not an object",
			raw:       `{"type":"chat_join","payload":["s1"]}`,
			wantError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := wire.Decode([]byte(tt.raw))
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			err = validateInboundFrame([]byte(tt.raw), frame)
			if (err != nil) != tt.wantError {
				t.Errorf("validateInboundFrame() error = %v, wantError %v", err, tt.wantError)
			}
		})
	}
}
