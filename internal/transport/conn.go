package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// CloseNormal is the websocket close code for a normal closure.
const CloseNormal = 1000

// Conn is one established duplex connection. ReadFrame is called from a
// single goroutine; WriteFrame from another. Close may be called at any time
// and must unblock a pending ReadFrame.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens connections to an address.
type Dialer interface {
	Dial(ctx context.Context, addr string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, addr string) (Conn, error)

// Dial calls f.
func (f DialerFunc) Dial(ctx context.Context, addr string) (Conn, error) {
	return f(ctx, addr)
}

// CloseError reports that the peer closed the connection with a code.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("connection closed by peer (code %d)", e.Code)
	}
	return fmt.Sprintf("connection closed by peer (code %d): %s", e.Code, e.Reason)
}

// IsCleanClose reports whether err is a normal peer closure.
func IsCleanClose(err error) bool {
	var closeErr *CloseError
	return errors.As(err, &closeErr) && closeErr.Code == CloseNormal
}

// DialerFor picks a dialer from the address scheme: ws:// and wss:// use
// websockets, tcp:// uses newline-delimited JSON over TCP.
func DialerFor(addr string) (Dialer, error) {
	switch {
	case strings.HasPrefix(addr, "ws://"), strings.HasPrefix(addr, "wss://"):
		return &WebSocketDialer{}, nil
	case strings.HasPrefix(addr, "tcp://"):
		return &LineDialer{}, nil
	default:
		return nil, fmt.Errorf("%w: unsupported address %q", ErrInvalidConfig, addr)
	}
}
