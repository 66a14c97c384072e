// Package multiplex shares one upstream change stream among any number of
// consumers.
//
// Consumers register a callback under a (resource class, filter) key. The
// upstream Source is started lazily on the first registration and stays up
// until Cleanup, regardless of how many keys come and go. Every change
// event is dispatched synchronously to the callbacks whose key matches,
// and a dispatch completes before the next event is processed.
//
// Filters are enforced: a callback with a filter only sees events whose row
// matches it. Deletes are matched against the previous row.
//
// A Multiplexer is loop-confined.
package multiplex

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/haasonsaas/livewire/internal/eventloop"
	"github.com/haasonsaas/livewire/internal/observability"
	"github.com/haasonsaas/livewire/pkg/models"
)

// ErrInvalidSubscription is returned for a missing resource class or callback.
var ErrInvalidSubscription = errors.New("multiplex: invalid subscription")

// Callback receives change events.
type Callback func(models.ChangeEvent)

// Source is an upstream change feed. Start is called on the event loop and
// must not block; deliver may be called from any goroutine. Stop ends the
// feed; events delivered afterwards are discarded.
type Source interface {
	Start(deliver func(models.ChangeEvent)) error
	Stop() error
}

// Key identifies one consumer interest.
type Key struct {
	ResourceClass string
	Filter        string
}

// Options configures a Multiplexer.
type Options struct {
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Multiplexer fans a single Source out to registered callbacks.
type Multiplexer struct {
	loop    *eventloop.Loop
	source  Source
	logger  *slog.Logger
	metrics *observability.Metrics

	started bool
	gen     uint64
	keys    map[Key]*keyEntry
	order   []Key
}

type keyEntry struct {
	filter *Filter
	subs   []*subscription
}

type subscription struct {
	cb     Callback
	active bool
}

// New creates a multiplexer over source. The source is not started until
// the first Subscribe.
func New(loop *eventloop.Loop, source Source, opts Options) *Multiplexer {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Multiplexer{
		loop:    loop,
		source:  source,
		logger:  logger.With("component", "multiplex"),
		metrics: opts.Metrics,
		keys:    make(map[Key]*keyEntry),
	}
}

// Subscribe registers cb for events of resourceClass that match filter
// (nil matches all). The returned function removes only this callback. It
// is idempotent, and once it returns the callback never fires again.
func (m *Multiplexer) Subscribe(resourceClass string, filter *Filter, cb Callback) (func(), error) {
	if resourceClass == "" || cb == nil {
		return nil, fmt.Errorf("%w: resource class and callback are required", ErrInvalidSubscription)
	}
	if err := m.ensureStarted(); err != nil {
		return nil, err
	}

	key := Key{ResourceClass: resourceClass, Filter: filter.String()}
	entry, ok := m.keys[key]
	if !ok {
		entry = &keyEntry{filter: filter}
		m.keys[key] = entry
		m.order = append(m.order, key)
	}
	sub := &subscription{cb: cb, active: true}
	entry.subs = append(entry.subs, sub)
	m.metrics.SubscriptionDelta(resourceClass, 1)
	m.logger.Debug("subscribed", "resource_class", resourceClass, "filter", key.Filter)

	return func() { m.unsubscribe(key, sub) }, nil
}

func (m *Multiplexer) unsubscribe(key Key, sub *subscription) {
	if !sub.active {
		return
	}
	sub.active = false
	m.metrics.SubscriptionDelta(key.ResourceClass, -1)

	entry, ok := m.keys[key]
	if !ok {
		return
	}
	for i, s := range entry.subs {
		if s == sub {
			entry.subs = append(entry.subs[:i:i], entry.subs[i+1:]...)
			break
		}
	}
	if len(entry.subs) == 0 {
		delete(m.keys, key)
		for i, k := range m.order {
			if k == key {
				m.order = append(m.order[:i:i], m.order[i+1:]...)
				break
			}
		}
	}
}

func (m *Multiplexer) ensureStarted() error {
	if m.started {
		return nil
	}
	m.gen++
	gen := m.gen
	deliver := func(ev models.ChangeEvent) {
		m.loop.Post(func() {
			if gen != m.gen {
				return
			}
			m.Dispatch(ev)
		})
	}
	if err := m.source.Start(deliver); err != nil {
		return fmt.Errorf("start change stream: %w", err)
	}
	m.started = true
	m.logger.Info("change stream started")
	return nil
}

// Dispatch delivers ev to every matching callback. Sources normally reach it
// through their deliver function; calling it directly is useful for
// in-process publishers that already run on the loop.
func (m *Multiplexer) Dispatch(ev models.ChangeEvent) {
	row := ev.Row()
	var targets []*subscription
	for _, key := range m.order {
		if key.ResourceClass != ev.ResourceClass {
			continue
		}
		entry := m.keys[key]
		if !entry.filter.Matches(row) {
			continue
		}
		targets = append(targets, entry.subs...)
	}
	for _, sub := range targets {
		if !sub.active {
			continue
		}
		m.metrics.Dispatched(ev.ResourceClass)
		sub.cb(ev)
	}
}

// Cleanup stops the upstream stream and drops every registration. Existing
// unsubscribe functions become no-ops. A later Subscribe starts a new stream.
func (m *Multiplexer) Cleanup() error {
	for key, entry := range m.keys {
		for _, sub := range entry.subs {
			sub.active = false
		}
		m.metrics.SubscriptionDelta(key.ResourceClass, -float64(len(entry.subs)))
	}
	m.keys = make(map[Key]*keyEntry)
	m.order = nil

	if !m.started {
		return nil
	}
	m.started = false
	m.gen++
	m.logger.Info("change stream stopped")
	if err := m.source.Stop(); err != nil {
		return fmt.Errorf("stop change stream: %w", err)
	}
	return nil
}

// Started reports whether the upstream stream is running.
func (m *Multiplexer) Started() bool { return m.started }

// Keys returns the registered keys in registration order.
func (m *Multiplexer) Keys() []Key {
	out := make([]Key, len(m.order))
	copy(out, m.order)
	return out
}

// Subscribers returns the number of live callbacks for resourceClass.
func (m *Multiplexer) Subscribers(resourceClass string) int {
	n := 0
	for key, entry := range m.keys {
		if key.ResourceClass == resourceClass {
			n += len(entry.subs)
		}
	}
	return n
}
