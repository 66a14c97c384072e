// Package transporttest provides an in-memory dialer for exercising
// transports and the components built on them without a network.
package transporttest

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/haasonsaas/livewire/internal/transport"
	"github.com/haasonsaas/livewire/internal/wire"
)

// ErrRefused is returned by dials configured to fail.
var ErrRefused = errors.New("transporttest: connection refused")

// Dialer hands out in-memory connections. The zero value is not usable;
// call NewDialer.
type Dialer struct {
	mu       sync.Mutex
	failNext int
	failAll  bool
	hold     chan struct{}
	dials    int
	conns    chan *Conn
}

// NewDialer creates a dialer that accepts every dial.
func NewDialer() *Dialer {
	return &Dialer{conns: make(chan *Conn, 64)}
}

// FailNext makes the next n dials fail with ErrRefused.
func (d *Dialer) FailNext(n int) {
	d.mu.Lock()
	d.failNext = n
	d.mu.Unlock()
}

// FailAll makes every dial fail until called with false.
func (d *Dialer) FailAll(fail bool) {
	d.mu.Lock()
	d.failAll = fail
	d.mu.Unlock()
}

// Hold blocks subsequent dials until the returned release function is
// called or the dial context ends.
func (d *Dialer) Hold() (release func()) {
	ch := make(chan struct{})
	d.mu.Lock()
	d.hold = ch
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.hold == ch {
				d.hold = nil
			}
			d.mu.Unlock()
			close(ch)
		})
	}
}

// Dials returns the number of dial attempts so far.
func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

// Dial implements transport.Dialer.
func (d *Dialer) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	d.mu.Lock()
	d.dials++
	hold := d.hold
	fail := d.failAll || d.failNext > 0
	if d.failNext > 0 {
		d.failNext--
	}
	d.mu.Unlock()

	if hold != nil {
		select {
		case <-hold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if fail {
		return nil, ErrRefused
	}
	conn := newConn()
	d.conns <- conn
	return conn, nil
}

// Next waits for the next established connection.
func (d *Dialer) Next(timeout time.Duration) (*Conn, bool) {
	select {
	case conn := <-d.conns:
		return conn, true
	case <-time.After(timeout):
		return nil, false
	}
}

// Conn is the client side of an in-memory connection. Tests act as the
// server through Deliver, Written and Drop.
type Conn struct {
	inbound  chan []byte
	outbound chan []byte
	closed   chan struct{}

	mu       sync.Mutex
	closeErr error
	local    bool
	once     sync.Once
}

func newConn() *Conn {
	return &Conn{
		inbound:  make(chan []byte, 256),
		outbound: make(chan []byte, 256),
		closed:   make(chan struct{}),
	}
}

// ReadFrame implements transport.Conn.
func (c *Conn) ReadFrame() ([]byte, error) {
	select {
	case data := <-c.inbound:
		return data, nil
	case <-c.closed:
		c.mu.Lock()
		defer c.mu.Unlock()
		return nil, c.closeErr
	}
}

// WriteFrame implements transport.Conn.
func (c *Conn) WriteFrame(data []byte) error {
	select {
	case <-c.closed:
		return net.ErrClosed
	case c.outbound <- data:
		return nil
	}
}

// Close implements transport.Conn.
func (c *Conn) Close() error {
	c.shutdown(net.ErrClosed, true)
	return nil
}

// Deliver sends raw data to the client.
func (c *Conn) Deliver(data []byte) {
	c.inbound <- data
}

// DeliverFrame encodes and sends a frame to the client.
func (c *Conn) DeliverFrame(frameType string, payload any) {
	frame, err := wire.NewFrame(frameType, "", payload)
	if err != nil {
		panic(err)
	}
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	c.Deliver(data)
}

// Drop ends the connection from the server side with err.
func (c *Conn) Drop(err error) {
	c.shutdown(err, false)
}

// Written waits for the next frame the client wrote.
func (c *Conn) Written(timeout time.Duration) (wire.Frame, bool) {
	select {
	case data := <-c.outbound:
		frame, err := wire.Decode(data)
		return frame, err == nil
	case <-time.After(timeout):
		return wire.Frame{}, false
	}
}

// ClosedLocally reports whether the client closed the connection.
func (c *Conn) ClosedLocally() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

// Done is closed when the connection ends.
func (c *Conn) Done() <-chan struct{} {
	return c.closed
}

func (c *Conn) shutdown(err error, local bool) {
	c.once.Do(func() {
		c.mu.Lock()
		c.closeErr = err
		c.local = local
		c.mu.Unlock()
		close(c.closed)
	})
}
