package models

import "time"

// ConnectionStatus is the coarse connectivity state shown to users.
type ConnectionStatus string

const (
	ConnectionStatusConnecting   ConnectionStatus = "connecting"
	ConnectionStatusConnected    ConnectionStatus = "connected"
	ConnectionStatusDisconnected ConnectionStatus = "disconnected"
	// ConnectionStatusFailed means automatic reconnection gave up.
	ConnectionStatusFailed ConnectionStatus = "failed"
)

// PresenceRecord is one participant's entry in a shared roster.
type PresenceRecord struct {
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	LastSeen      time.Time `json:"last_seen"`
}
