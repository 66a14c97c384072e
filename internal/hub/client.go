package hub

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/internal/wire"
)

var errRateLimited = errors.New("rate limited")

type client struct {
	hub     *Hub
	id      string
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc
	limiter *rate.Limiter

	// Guarded by hub.mu.
	sessions   map[string]string
	changes    map[string]bool
	changesAll bool
}

// ServeWS upgrades the request and serves the connection until it closes.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", "error", err, "remote_addr", r.RemoteAddr)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &client{
		hub:      h,
		id:       uuid.NewString(),
		conn:     conn,
		send:     make(chan []byte, h.cfg.SendBuffer),
		cancel:   cancel,
		limiter:  rate.NewLimiter(rate.Limit(h.cfg.FrameRate), h.cfg.FrameBurst),
		sessions: make(map[string]string),
	}
	c.ctx = observability.WithClientID(ctx, c.id)
	if !h.register(c) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "hub shutting down"),
			time.Now().Add(h.cfg.WriteWait))
		_ = conn.Close()
		cancel()
		return
	}
	h.logger.DebugContext(c.ctx, "client connected", "remote_addr", r.RemoteAddr)

	c.enqueueFrame(wire.TypeWelcome, "", wire.Welcome{
		ClientID:   c.id,
		ServerTime: h.cfg.Now().UTC(),
		Protocol:   wire.ProtocolVersion,
	})
	go c.writePump()
	c.readPump()
}

// close asks the write pump to send a close frame and tear down the
// connection, which in turn ends the read pump.
func (c *client) close() {
	c.cancel()
}

func (c *client) readPump() {
	defer func() {
		c.hub.unregister(c)
		c.close()
	}()

	c.conn.SetReadLimit(wire.MaxFrameBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(c.hub.cfg.PongWait))
	})

	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.hub.logger.DebugContext(c.ctx, "client read failed", "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		for _, line := range wire.SplitLines(data) {
			c.handleRaw(line)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.cancel()
		_ = c.conn.Close()
	}()

	for {
		select {
		case <-c.ctx.Done():
			// 1001 rather than 1000 so clients treat it as a loss and reconnect.
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(c.hub.cfg.WriteWait))
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.hub.cfg.WriteWait)); err != nil {
				return
			}
		}
	}
}

// handleRaw validates, rate limits and dispatches one inbound frame, then
// acknowledges it when the client supplied an id.
func (c *client) handleRaw(raw []byte) {
	h := c.hub
	frame, err := wire.Decode(raw)
	if err == nil {
		err = validateInboundFrame(raw, frame)
	}
	if err != nil {
		h.metrics.FrameMalformed("hub")
		h.logger.DebugContext(c.ctx, "rejecting frame", "error", err)
		if frame.ID != "" {
			c.respond(frame.ID, err)
		}
		return
	}
	h.metrics.FrameReceived("hub", frame.Type)

	if !c.limiter.Allow() {
		h.logger.WarnContext(c.ctx, "client rate limited", "frame_type", frame.Type)
		if frame.ID != "" {
			c.respond(frame.ID, errRateLimited)
		}
		return
	}

	ctx, span := h.tracer.TraceFrame(c.ctx, frame.Type, c.id)
	err = h.dispatch(ctx, c, frame)
	if err != nil {
		h.tracer.RecordError(span, err)
		h.logger.WarnContext(ctx, "frame failed", "frame_type", frame.Type, "error", err)
	}
	span.End()
	if frame.ID != "" {
		c.respond(frame.ID, err)
	}
}

func (c *client) respond(id string, err error) {
	resp := wire.Response{OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	c.enqueueFrame(wire.TypeResponse, id, resp)
}

func (c *client) enqueueFrame(frameType, id string, payload any) bool {
	frame, err := wire.NewFrame(frameType, id, payload)
	if err != nil {
		c.hub.logger.Error("encode frame", "frame_type", frameType, "error", err)
		return false
	}
	data, err := wire.Encode(frame)
	if err != nil {
		c.hub.logger.Error("encode frame", "frame_type", frameType, "error", err)
		return false
	}
	return c.enqueue(frameType, data)
}

// enqueue never blocks. A client whose buffer is full is disconnected; it
// will reconnect and resynchronise.
func (c *client) enqueue(frameType string, data []byte) bool {
	select {
	case <-c.ctx.Done():
		return false
	default:
	}
	select {
	case c.send <- data:
		c.hub.metrics.FrameSent("hub", frameType)
		return true
	default:
		c.hub.logger.WarnContext(c.ctx, "client send buffer full, disconnecting")
		c.close()
		return false
	}
}
