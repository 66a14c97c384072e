package hub

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/haasonsaas/livewire/internal/wire"
)

type frameSchemaRegistry struct {
	once     sync.Once
	initErr  error
	frame    *jsonschema.Schema
	payloads map[string]*jsonschema.Schema
}

var frameSchemas frameSchemaRegistry

func initFrameSchemas() error {
	frameSchemas.once.Do(func() {
		frame, err := jsonschema.CompileString("frame", inboundFrameSchema)
		if err != nil {
			frameSchemas.initErr = err
			return
		}
		frameSchemas.frame = frame

		payloads := map[string]string{
			wire.TypeChatJoin:          chatJoinSchema,
			wire.TypeChatMessage:       chatMessageSchema,
			wire.TypeTypingIndicator:   typingIndicatorSchema,
			wire.TypeChatRead:          chatReadSchema,
			wire.TypePresenceTrack:     presenceRecordSchema,
			wire.TypePresenceHeartbeat: presenceRecordSchema,
			wire.TypePresenceUntrack:   presenceUntrackSchema,
			wire.TypeChangesSubscribe:  changesSubscribeSchema,
		}
		frameSchemas.payloads = make(map[string]*jsonschema.Schema, len(payloads))
		for name, schema := range payloads {
			compiled, err := jsonschema.CompileString("payload_"+name, schema)
			if err != nil {
				frameSchemas.initErr = err
				return
			}
			frameSchemas.payloads[name] = compiled
		}
	})
	return frameSchemas.initErr
}

// validateInboundFrame checks raw against the envelope schema and the
// payload schema of its type.
func validateInboundFrame(raw []byte, frame wire.Frame) error {
	if err := initFrameSchemas(); err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return err
	}
	if err := frameSchemas.frame.Validate(doc); err != nil {
		return err
	}
	schema := frameSchemas.payloads[frame.Type]
	if schema == nil {
		return fmt.Errorf("unsupported frame type %q", frame.Type)
	}
	var payload any = map[string]any{}
	if len(frame.Payload) > 0 {
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			return err
		}
	}
	return schema.Validate(payload)
}

const inboundFrameSchema = `{
  "type": "object",
  "required": ["type"],
  "properties": {
    "type": {
      "enum": [
        "chat_join", "chat_message", "typing_indicator", "chat_read",
        "presence_track", "presence_heartbeat", "presence_untrack",
        "changes_subscribe"
      ]
    },
    "id": { "type": "string" },
    "payload": { "type": "object" }
  },
  "additionalProperties": false
}`

const chatJoinSchema = `{
  "type": "object",
  "required": ["session_id", "participant_id"],
  "properties": {
    "session_id": { "type": "string", "minLength": 1 },
    "participant_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const chatMessageSchema = `{
  "type": "object",
  "required": ["id", "session_id", "sender_id", "sender_role", "body", "created_at"],
  "properties": {
    "id": { "type": "string", "minLength": 1 },
    "session_id": { "type": "string", "minLength": 1 },
    "sender_id": { "type": "string", "minLength": 1 },
    "sender_name": { "type": "string" },
    "sender_role": { "enum": ["customer", "agent"] },
    "body": { "type": "string", "minLength": 1, "maxLength": 8000 },
    "created_at": { "type": "string", "format": "date-time" },
    "read": { "type": "boolean" },
    "delivery": { "type": "string" }
  },
  "additionalProperties": true
}`

const typingIndicatorSchema = `{
  "type": "object",
  "required": ["session_id", "sender_id", "typing"],
  "properties": {
    "session_id": { "type": "string", "minLength": 1 },
    "sender_id": { "type": "string", "minLength": 1 },
    "sender_name": { "type": "string" },
    "typing": { "type": "boolean" }
  },
  "additionalProperties": true
}`

const chatReadSchema = `{
  "type": "object",
  "required": ["session_id", "reader_id", "message_ids"],
  "properties": {
    "session_id": { "type": "string", "minLength": 1 },
    "reader_id": { "type": "string", "minLength": 1 },
    "message_ids": {
      "type": "array",
      "maxItems": 500,
      "items": { "type": "string", "minLength": 1 }
    }
  },
  "additionalProperties": true
}`

const presenceRecordSchema = `{
  "type": "object",
  "required": ["participant_id"],
  "properties": {
    "participant_id": { "type": "string", "minLength": 1 },
    "display_name": { "type": "string" },
    "last_seen": { "type": "string" }
  },
  "additionalProperties": true
}`

const presenceUntrackSchema = `{
  "type": "object",
  "required": ["participant_id"],
  "properties": {
    "participant_id": { "type": "string", "minLength": 1 }
  },
  "additionalProperties": true
}`

const changesSubscribeSchema = `{
  "type": "object",
  "properties": {
    "resource_classes": {
      "type": "array",
      "items": { "enum": ["chat_messages", "alerts", "presence"] }
    }
  },
  "additionalProperties": true
}`
