package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/livewire/internal/wire"
)

const (
	wsHandshakeTimeout = 10 * time.Second
	wsPingInterval     = 15 * time.Second
	wsPongWait         = 45 * time.Second
	wsWriteWait        = 10 * time.Second
)

// WebSocketDialer dials websocket endpoints. A single websocket message may
// carry several newline-delimited frames; ReadFrame returns them one by one.
type WebSocketDialer struct {
	// Header is sent with the upgrade request.
	Header http.Header
	// HandshakeTimeout defaults to 10s.
	HandshakeTimeout time.Duration
	// PingInterval is the keepalive period. Defaults to 15s; negative disables pings.
	PingInterval time.Duration
	// PongWait is the read deadline extended by every pong. Defaults to 45s.
	PongWait time.Duration
}

// Dial opens a websocket connection to addr.
func (d *WebSocketDialer) Dial(ctx context.Context, addr string) (Conn, error) {
	handshake := d.HandshakeTimeout
	if handshake <= 0 {
		handshake = wsHandshakeTimeout
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshake,
	}
	conn, resp, err := dialer.DialContext(ctx, addr, d.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close() //nolint:errcheck
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(wire.MaxFrameBytes)

	pongWait := d.PongWait
	if pongWait <= 0 {
		pongWait = wsPongWait
	}
	ping := d.PingInterval
	if ping == 0 {
		ping = wsPingInterval
	}

	c := &wsConn{conn: conn, done: make(chan struct{})}
	if ping > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		go c.keepalive(ping)
	}
	return c, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	pending   [][]byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) ReadFrame() ([]byte, error) {
	for len(c.pending) == 0 {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return nil, &CloseError{Code: closeErr.Code, Reason: closeErr.Text}
			}
			return nil, err
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		c.pending = wire.SplitLines(data)
	}
	frame := c.pending[0]
	c.pending = c.pending[1:]
	return frame, nil
}

func (c *wsConn) WriteFrame(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait)) //nolint:errcheck
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a normal closure frame and closes the socket.
func (c *wsConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)) //nolint:errcheck
		err = c.conn.Close()
	})
	return err
}

func (c *wsConn) keepalive(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
