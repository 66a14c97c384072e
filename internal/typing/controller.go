// Package typing provides an outbound typing indicator controller.
package typing

import (
	"time"

	"github.com/haasonsaas/livewire/internal/eventloop"
)

// DefaultInterval is the default period between typing=true refreshes.
const DefaultInterval = 3 * time.Second

// DefaultTTL is how long typing stays on without new keystrokes.
const DefaultTTL = 10 * time.Second

// SendFunc emits a typing indicator.
type SendFunc func(typing bool)

// Config configures a Controller.
type Config struct {
	// Send is called with true when typing starts or is refreshed and with
	// false when it stops.
	Send SendFunc

	// Interval is the refresh period while typing. Default: 3 seconds
	Interval time.Duration

	// TTL stops typing after this long without a Start call.
	// Default: 10 seconds
	TTL time.Duration
}

// Controller manages the local participant's typing state.
//
// Start is called on every keystroke; it emits typing=true once, keeps it
// fresh on Interval for peers whose indicators expire, and arms a TTL that
// stops typing if the participant goes quiet. Stop emits typing=false.
//
// The controller uses a "sealed" state so that once Close is called no
// late keystroke can restart typing. It is loop-confined.
type Controller struct {
	loop   *eventloop.Loop
	config Config

	active bool
	sealed bool

	refresh *eventloop.Timer
	ttl     *eventloop.Timer
}

// NewController creates a controller. Zero config values use defaults.
func NewController(loop *eventloop.Loop, config Config) *Controller {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &Controller{loop: loop, config: config}
}

// Start marks the participant as typing and refreshes the TTL.
func (c *Controller) Start() {
	if c.sealed {
		return
	}
	c.ttl.Stop()
	c.ttl = c.loop.AfterFunc(c.config.TTL, c.Stop)

	if c.active {
		return
	}
	c.active = true
	c.send(true)
	c.refresh = c.loop.Every(c.config.Interval, func() {
		if c.active {
			c.send(true)
		}
	})
}

// Stop ends typing. It is a no-op when not typing.
func (c *Controller) Stop() {
	c.ttl.Stop()
	c.ttl = nil
	if !c.active {
		return
	}
	c.active = false
	c.refresh.Stop()
	c.refresh = nil
	c.send(false)
}

// Close stops typing and seals the controller.
func (c *Controller) Close() {
	c.Stop()
	c.sealed = true
}

// Active reports whether typing is on.
func (c *Controller) Active() bool { return c.active }

// Sealed reports whether Close has been called.
func (c *Controller) Sealed() bool { return c.sealed }

func (c *Controller) send(typing bool) {
	if c.config.Send != nil {
		c.config.Send(typing)
	}
}
