package hub

import (
	"context"
	"errors"
	"fmt"

	"github.com/haasonsaas/livewire/internal/wire"
	"github.com/haasonsaas/livewire/pkg/models"
)

var errNotJoined = errors.New("not joined to session")

func (h *Hub) dispatch(ctx context.Context, c *client, frame wire.Frame) error {
	switch frame.Type {
	case wire.TypeChatJoin:
		var join wire.ChatJoin
		if err := frame.DecodePayload(&join); err != nil {
			return err
		}
		h.join(c, join.SessionID, join.ParticipantID)
		return nil
	case wire.TypeChatMessage:
		var msg models.ChatMessage
		if err := frame.DecodePayload(&msg); err != nil {
			return err
		}
		return h.relayMessage(ctx, c, msg)
	case wire.TypeTypingIndicator:
		var ind wire.TypingIndicator
		if err := frame.DecodePayload(&ind); err != nil {
			return err
		}
		return h.relayTyping(c, ind)
	case wire.TypeChatRead:
		var read wire.ChatRead
		if err := frame.DecodePayload(&read); err != nil {
			return err
		}
		return h.markRead(ctx, read)
	case wire.TypePresenceTrack, wire.TypePresenceHeartbeat:
		var rec models.PresenceRecord
		if err := frame.DecodePayload(&rec); err != nil {
			return err
		}
		h.track(ctx, c, rec)
		return nil
	case wire.TypePresenceUntrack:
		var untrack wire.PresenceUntrack
		if err := frame.DecodePayload(&untrack); err != nil {
			return err
		}
		return h.untrack(c, untrack.ParticipantID)
	case wire.TypeChangesSubscribe:
		var sub wire.ChangesSubscribe
		if len(frame.Payload) > 0 {
			if err := frame.DecodePayload(&sub); err != nil {
				return err
			}
		}
		h.subscribeChanges(c, sub.ResourceClasses)
		return nil
	default:
		return fmt.Errorf("unsupported frame type %q", frame.Type)
	}
}

func (h *Hub) join(c *client, sessionID, participantID string) {
	h.mu.Lock()
	c.sessions[sessionID] = participantID
	h.mu.Unlock()
	h.logger.DebugContext(c.ctx, "client joined session", "session_id", sessionID, "participant_id", participantID)
}

// relayMessage persists msg and echoes the stored copy to every client in
// the session, the sender included. A resent message that is already stored
// is echoed again so that the sender can confirm it.
func (h *Hub) relayMessage(ctx context.Context, c *client, msg models.ChatMessage) error {
	msg.Delivery = ""
	msg.Read = false
	if err := msg.Validate(); err != nil {
		return err
	}

	h.mu.Lock()
	if _, ok := c.sessions[msg.SessionID]; !ok {
		c.sessions[msg.SessionID] = msg.SenderID
	}
	h.mu.Unlock()

	inserted, err := h.store.InsertMessage(ctx, msg)
	if err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	stored := msg
	if inserted {
		h.publishChange(models.ResourceChatMessages, models.OperationCreated, msg, nil)
	} else if stored, err = h.store.GetMessage(ctx, msg.ID); err != nil {
		return fmt.Errorf("load stored message: %w", err)
	}
	stored.Delivery = ""

	h.mu.Lock()
	defer h.mu.Unlock()
	h.sendToSessionLocked(stored.SessionID, nil, wire.TypeChatMessage, stored)
	return nil
}

func (h *Hub) relayTyping(c *client, ind wire.TypingIndicator) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := c.sessions[ind.SessionID]; !ok {
		return errNotJoined
	}
	h.sendToSessionLocked(ind.SessionID, c, wire.TypeTypingIndicator, ind)
	return nil
}

func (h *Hub) markRead(ctx context.Context, read wire.ChatRead) error {
	changed, err := h.store.MarkMessagesRead(ctx, read.SessionID, read.ReaderID, read.MessageIDs)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	for _, id := range changed {
		h.publishChange(models.ResourceChatMessages, models.OperationUpdated, map[string]any{
			"id":         id,
			"session_id": read.SessionID,
			"read":       true,
		}, nil)
	}
	return nil
}

// sendToSessionLocked delivers a frame to every client joined to sessionID
// except skip. h.mu must be held.
func (h *Hub) sendToSessionLocked(sessionID string, skip *client, frameType string, payload any) {
	data, err := encodeFrame(frameType, payload)
	if err != nil {
		h.logger.Error("encode frame", "frame_type", frameType, "error", err)
		return
	}
	for _, c := range h.clients {
		if c == skip {
			continue
		}
		if _, ok := c.sessions[sessionID]; ok {
			c.enqueue(frameType, data)
		}
	}
}

func encodeFrame(frameType string, payload any) ([]byte, error) {
	frame, err := wire.NewFrame(frameType, "", payload)
	if err != nil {
		return nil, err
	}
	return wire.Encode(frame)
}
