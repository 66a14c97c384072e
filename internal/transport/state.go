package transport

import (
	"fmt"
	"time"

	"github.com/haasonsaas/livewire/pkg/models"
)

// State is the lifecycle state of a Transport.
type State int

const (
	StateInit State = iota
	StateConnecting
	StateOpen
	// StateClosedClean follows Close or a normal peer closure. No reconnect.
	StateClosedClean
	// StateClosedUnclean follows a lost or refused connection. A reconnect
	// is scheduled unless the retry budget is spent.
	StateClosedUnclean
	// StateFailed is terminal until Connect is called again.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosedClean:
		return "closed_clean"
	case StateClosedUnclean:
		return "closed_unclean"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Status maps a lifecycle state to the coarse status shown to users.
func (s State) Status() models.ConnectionStatus {
	switch s {
	case StateConnecting:
		return models.ConnectionStatusConnecting
	case StateOpen:
		return models.ConnectionStatusConnected
	case StateFailed:
		return models.ConnectionStatusFailed
	default:
		return models.ConnectionStatusDisconnected
	}
}

// CloseEvent describes the end of a connection attempt or session.
type CloseEvent struct {
	// Clean is true for Close and for normal peer closures.
	Clean bool
	// Err is the error that ended the connection, nil for Close.
	Err error
	// WasOpen is false when the connection never reached StateOpen.
	WasOpen bool
	// WillRetry reports whether a reconnect will be scheduled.
	WillRetry bool
}

// Handler receives transport lifecycle callbacks. Every callback runs on
// the event loop. Nil fields are skipped.
//
// When an open connection is lost the order is OnError, OnStateChange
// (closed_unclean), OnClose, then either OnReconnectScheduled or
// OnStateChange (failed) followed by OnRetryExhausted.
type Handler struct {
	OnOpen               func()
	OnMessage            func(data []byte)
	OnError              func(err error)
	OnClose              func(CloseEvent)
	OnStateChange        func(State)
	OnReconnectScheduled func(attempt int, delay time.Duration)
	OnRetryExhausted     func(attempts int, lastErr error)
}
