package models

import "time"

// Operation is the kind of row change carried by a ChangeEvent.
type Operation string

const (
	OperationCreated Operation = "created"
	OperationUpdated Operation = "updated"
	OperationDeleted Operation = "deleted"
)

// Valid reports whether o is a known operation.
func (o Operation) Valid() bool {
	return o == OperationCreated || o == OperationUpdated || o == OperationDeleted
}

// Resource classes published on the change feed.
const (
	ResourceChatMessages = "chat_messages"
	ResourceAlerts       = "alerts"
	ResourcePresence     = "presence"
)

// ChangeEvent is an upstream notification that a row changed.
type ChangeEvent struct {
	ResourceClass string         `json:"resource_class"`
	Operation     Operation      `json:"operation"`
	Payload       map[string]any `json:"payload,omitempty"`
	Old           map[string]any `json:"old,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

// Row returns the row a filter should be evaluated against: the new row,
// or the previous row for deletes that carry no new row.
func (e ChangeEvent) Row() map[string]any {
	if len(e.Payload) == 0 && e.Operation == OperationDeleted {
		return e.Old
	}
	return e.Payload
}
