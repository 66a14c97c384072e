package models

import (
	"errors"
	"strings"
	"time"
)

// Role indicates which side of a support conversation authored a message.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleAgent    Role = "agent"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleCustomer || r == RoleAgent
}

// DeliveryState tracks an optimistic message through confirmation.
type DeliveryState string

const (
	// DeliveryPending means the message was handed to an open transport
	// but the server echo has not arrived yet.
	DeliveryPending DeliveryState = "pending"
	// DeliveryQueued means the transport was not open; the message waits in
	// the outbox and is resent on the next connection.
	DeliveryQueued DeliveryState = "queued"
	// DeliveryConfirmed means the server echoed the message back.
	DeliveryConfirmed DeliveryState = "confirmed"
)

// ChatMessage is a single message in a live chat session.
type ChatMessage struct {
	ID         string        `json:"id"`
	SessionID  string        `json:"session_id"`
	SenderID   string        `json:"sender_id"`
	SenderName string        `json:"sender_name"`
	SenderRole Role          `json:"sender_role"`
	Body       string        `json:"body"`
	CreatedAt  time.Time     `json:"created_at"`
	Read       bool          `json:"read"`
	Delivery   DeliveryState `json:"delivery,omitempty"`
}

// Validate checks the fields every stored or relayed message must carry.
func (m ChatMessage) Validate() error {
	switch {
	case strings.TrimSpace(m.ID) == "":
		return errors.New("message id is required")
	case strings.TrimSpace(m.SessionID) == "":
		return errors.New("message session_id is required")
	case strings.TrimSpace(m.SenderID) == "":
		return errors.New("message sender_id is required")
	case !m.SenderRole.Valid():
		return errors.New("message sender_role must be customer or agent")
	case strings.TrimSpace(m.Body) == "":
		return errors.New("message body is required")
	case m.CreatedAt.IsZero():
		return errors.New("message created_at is required")
	}
	return nil
}

// CompareMessages orders messages by creation time, breaking ties by id so
// the order is total.
func CompareMessages(a, b ChatMessage) int {
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}
