// Package transport implements a reconnecting duplex connection driven by
// an event loop.
//
// A Transport owns at most one live connection. Unintended closures are
// retried with exponential backoff until the retry budget is spent, at
// which point the transport enters StateFailed and reports exhaustion.
// Close cancels any pending reconnect; a timer that already fired is
// discarded on the loop before it can dial.
//
// All methods are loop-confined: call them from loop callbacks or through
// eventloop.Loop.Do.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/haasonsaas/livewire/internal/backoff"
	"github.com/haasonsaas/livewire/internal/eventloop"
	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/internal/wire"
)

var (
	// ErrInvalidConfig is returned by New for unusable configuration.
	ErrInvalidConfig = errors.New("transport: invalid config")
	// ErrNotOpen is reported when a frame is sent while the transport is not open.
	ErrNotOpen = errors.New("transport: not open")
)

const (
	defaultSendBuffer  = 64
	defaultDialTimeout = 10 * time.Second
)

// Config configures a Transport.
type Config struct {
	// Name labels logs and metrics.
	Name string
	// Address is the server endpoint.
	Address string
	// Dialer opens connections. Defaults to DialerFor(Address).
	Dialer Dialer
	// Policy controls reconnect delays and the retry budget.
	Policy backoff.Policy
	// SendBuffer is the number of outbound frames buffered per connection.
	SendBuffer int
	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Transport is a reconnecting connection. See the package documentation.
type Transport struct {
	loop    *eventloop.Loop
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	state       State
	retries     int
	intentional bool
	gen         uint64
	lastErr     error
	sess        *session
	dialCancel  context.CancelFunc
	retryTimer  *eventloop.Timer
	handlers    []*handlerEntry
}

type handlerEntry struct {
	h       Handler
	removed bool
}

// session is one established connection with its pump goroutines.
type session struct {
	conn      Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		go func() { _ = s.conn.Close() }() //nolint:errcheck
	})
}

// New validates cfg and returns a transport in StateInit.
func New(loop *eventloop.Loop, cfg Config) (*Transport, error) {
	if loop == nil {
		return nil, fmt.Errorf("%w: event loop is required", ErrInvalidConfig)
	}
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.Policy = cfg.Policy.Normalize()
	if cfg.Dialer == nil {
		dialer, err := DialerFor(cfg.Address)
		if err != nil {
			return nil, err
		}
		cfg.Dialer = dialer
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = defaultDialTimeout
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		loop:    loop,
		cfg:     cfg,
		logger:  logger.With("component", "transport", "transport", cfg.Name),
		metrics: cfg.Metrics,
	}, nil
}

// Name returns the configured transport name.
func (t *Transport) Name() string { return t.cfg.Name }

// State returns the current lifecycle state.
func (t *Transport) State() State { return t.state }

// Retries returns the number of consecutive retries since the last open.
func (t *Transport) Retries() int { return t.retries }

// Listen registers callbacks and returns an idempotent function that
// removes them. Once it returns, none of h's callbacks fire again.
func (t *Transport) Listen(h Handler) func() {
	entry := &handlerEntry{h: h}
	t.handlers = append(t.handlers, entry)
	return func() {
		if entry.removed {
			return
		}
		entry.removed = true
		for i, e := range t.handlers {
			if e == entry {
				t.handlers = append(t.handlers[:i:i], t.handlers[i+1:]...)
				break
			}
		}
	}
}

// Connect opens the connection. It is a no-op while connecting or open.
// Calling it after Close, or after the transport failed, starts over with
// a fresh retry budget. Calling it while a reconnect is pending dials now.
func (t *Transport) Connect() {
	switch t.state {
	case StateConnecting, StateOpen:
		return
	case StateInit, StateClosedClean, StateFailed:
		t.retries = 0
	}
	t.intentional = false
	t.stopRetryTimer()
	t.dial()
}

// Close tears down the connection and cancels any pending reconnect. No
// automatic reconnect happens until Connect is called again.
func (t *Transport) Close() {
	t.intentional = true
	t.gen++
	t.stopRetryTimer()
	if t.dialCancel != nil {
		t.dialCancel()
		t.dialCancel = nil
	}

	prev := t.state
	wasOpen := t.sess != nil
	if t.sess != nil {
		t.sess.shutdown()
		t.sess = nil
	}
	if prev == StateClosedClean {
		return
	}
	t.setState(StateClosedClean)
	if prev == StateConnecting || prev == StateOpen {
		t.logger.Info("transport closed")
		t.emit(func(h Handler) {
			if h.OnClose != nil {
				h.OnClose(CloseEvent{Clean: true, WasOpen: wasOpen})
			}
		})
	}
}

// Send enqueues data on the open connection. It reports false without
// side effects when the transport is not open or the send buffer is full.
func (t *Transport) Send(data []byte) bool {
	if t.state != StateOpen || t.sess == nil {
		return false
	}
	select {
	case t.sess.send <- data:
		return true
	default:
		t.logger.Warn("send buffer full, dropping frame")
		return false
	}
}

// SendFrame encodes and sends a frame. It returns ErrNotOpen when the
// frame could not be enqueued.
func (t *Transport) SendFrame(frame wire.Frame) error {
	data, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	if !t.Send(data) {
		return ErrNotOpen
	}
	t.metrics.FrameSent(t.cfg.Name, frame.Type)
	return nil
}

func (t *Transport) dial() {
	t.gen++
	gen := t.gen
	t.setState(StateConnecting)

	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.DialTimeout)
	t.dialCancel = cancel
	dialer := t.cfg.Dialer
	addr := t.cfg.Address
	t.logger.Debug("dialing", "address", addr, "attempt", t.retries)

	go func() {
		conn, err := dialer.Dial(ctx, addr)
		cancel()
		if !t.loop.Post(func() { t.handleDial(gen, conn, err) }) && conn != nil {
			_ = conn.Close() //nolint:errcheck
		}
	}()
}

func (t *Transport) handleDial(gen uint64, conn Conn, err error) {
	if gen != t.gen {
		if conn != nil {
			_ = conn.Close() //nolint:errcheck
		}
		return
	}
	t.dialCancel = nil
	if err != nil {
		t.logger.Warn("connect failed", "address", t.cfg.Address, "error", err)
		t.lost(err, false)
		return
	}

	s := &session{
		conn: conn,
		send: make(chan []byte, t.cfg.SendBuffer),
		done: make(chan struct{}),
	}
	t.sess = s
	t.retries = 0
	t.lastErr = nil
	go t.readPump(s)
	go t.writePump(s)

	t.setState(StateOpen)
	t.logger.Info("transport open", "address", t.cfg.Address)
	t.emit(func(h Handler) {
		if h.OnOpen != nil {
			h.OnOpen()
		}
	})
}

func (t *Transport) readPump(s *session) {
	for {
		data, err := s.conn.ReadFrame()
		if err != nil {
			t.loop.Post(func() { t.handleSessionEnd(s, err) })
			return
		}
		if !t.loop.Post(func() { t.handleData(s, data) }) {
			return
		}
	}
}

func (t *Transport) writePump(s *session) {
	for {
		select {
		case <-s.done:
			return
		case data := <-s.send:
			if err := s.conn.WriteFrame(data); err != nil {
				t.loop.Post(func() { t.handleSessionEnd(s, err) })
				return
			}
		}
	}
}

func (t *Transport) handleData(s *session, data []byte) {
	if s != t.sess {
		return
	}
	t.emit(func(h Handler) {
		if h.OnMessage != nil {
			h.OnMessage(data)
		}
	})
}

func (t *Transport) handleSessionEnd(s *session, err error) {
	if s != t.sess {
		return
	}
	t.sess = nil
	s.shutdown()

	if IsCleanClose(err) {
		t.logger.Info("transport closed by peer")
		t.setState(StateClosedClean)
		t.emit(func(h Handler) {
			if h.OnClose != nil {
				h.OnClose(CloseEvent{Clean: true, Err: err, WasOpen: true})
			}
		})
		return
	}
	t.logger.Warn("connection lost", "error", err)
	t.lost(err, true)
}

// lost handles an unclean end of a connection or attempt.
func (t *Transport) lost(err error, wasOpen bool) {
	t.lastErr = err
	gen := t.gen
	t.emit(func(h Handler) {
		if h.OnError != nil {
			h.OnError(err)
		}
	})
	if gen != t.gen {
		// OnError closed or reconnected the transport.
		return
	}
	t.setState(StateClosedUnclean)
	willRetry := !t.intentional && !t.cfg.Policy.Exhausted(t.retries)
	t.emit(func(h Handler) {
		if h.OnClose != nil {
			h.OnClose(CloseEvent{Err: err, WasOpen: wasOpen, WillRetry: willRetry})
		}
	})
	t.scheduleReconnect()
}

func (t *Transport) scheduleReconnect() {
	// A callback may have closed or reconnected the transport.
	if t.intentional || t.state != StateClosedUnclean {
		return
	}
	if t.cfg.Policy.Exhausted(t.retries) {
		attempts := t.retries
		lastErr := t.lastErr
		t.logger.Error("reconnect retries exhausted", "retries", attempts, "error", lastErr)
		t.metrics.TransportFailed(t.cfg.Name)
		t.setState(StateFailed)
		t.emit(func(h Handler) {
			if h.OnRetryExhausted != nil {
				h.OnRetryExhausted(attempts, lastErr)
			}
		})
		return
	}

	delay := t.cfg.Policy.Delay(t.retries)
	t.retries++
	attempt := t.retries
	gen := t.gen
	t.retryTimer = t.loop.AfterFunc(delay, func() {
		t.retryTimer = nil
		if gen != t.gen || t.intentional {
			return
		}
		t.dial()
	})
	t.metrics.ReconnectScheduled(t.cfg.Name)
	t.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	t.emit(func(h Handler) {
		if h.OnReconnectScheduled != nil {
			h.OnReconnectScheduled(attempt, delay)
		}
	})
}

func (t *Transport) stopRetryTimer() {
	if t.retryTimer != nil {
		t.retryTimer.Stop()
		t.retryTimer = nil
	}
}

func (t *Transport) setState(s State) {
	if t.state == s {
		return
	}
	t.state = s
	t.metrics.TransportState(t.cfg.Name, s.String())
	t.emit(func(h Handler) {
		if h.OnStateChange != nil {
			h.OnStateChange(s)
		}
	})
}

// emit calls fn for every registered handler. Handlers removed while the
// dispatch is in progress are skipped.
func (t *Transport) emit(fn func(Handler)) {
	if len(t.handlers) == 0 {
		return
	}
	snapshot := make([]*handlerEntry, len(t.handlers))
	copy(snapshot, t.handlers)
	for _, entry := range snapshot {
		if entry.removed {
			continue
		}
		fn(entry.h)
	}
}
