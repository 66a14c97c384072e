// Package eventloop provides a single-goroutine cooperative scheduler.
//
// Every task posted to a Loop runs to completion before the next one starts,
// so state that is only touched from loop tasks needs no further locking.
// Components built on top of the loop (transport, multiplexer, presence, chat)
// are loop-confined: their mutating methods must be called from a loop task,
// either directly from a callback or by wrapping the call in Do.
package eventloop

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// ErrStopped is returned when work is submitted to a loop that has exited.
var ErrStopped = errors.New("eventloop: stopped")

// Loop serializes task execution on one goroutine.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	running bool
	done    chan struct{}
}

// New creates a loop. Call Run to start processing tasks.
// If logger is nil, slog.Default() is used.
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Run processes tasks until ctx is canceled. Tasks still queued at that point
// are discarded. Run may only be called once.
func (l *Loop) Run(ctx context.Context) error {
	l.mu.Lock()
	if l.running || l.stopped {
		l.mu.Unlock()
		return errors.New("eventloop: already started")
	}
	l.running = true
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		l.stopped = true
		l.queue = nil
		l.mu.Unlock()
		close(l.done)
	}()

	for {
		task, ok := l.next()
		if ok {
			l.execute(task)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Done is closed once Run has returned.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post enqueues fn for execution on the loop. It never blocks and is safe to
// call from any goroutine, including loop tasks. It reports false when the
// loop has stopped and fn will never run.
func (l *Loop) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. It must not be called
// from a loop task: the loop would wait on itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		// The task may have run right before the loop exited.
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loop) next() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.queue) == 0 {
		return nil, false
	}
	task := l.queue[0]
	l.queue[0] = nil
	l.queue = l.queue[1:]
	return task, true
}

func (l *Loop) execute(task func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	task()
}

// Timer is a cancelable one-shot or periodic callback scheduled on a Loop.
// Its methods are loop-confined.
type Timer struct {
	loop     *Loop
	timer    *time.Timer
	interval time.Duration
	fn       func()
	canceled bool
	fired    bool
}

// AfterFunc schedules fn to run on the loop after d elapses.
func (l *Loop) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{loop: l, fn: fn}
	t.arm(d)
	return t
}

// Every schedules fn to run on the loop every d until the timer is stopped.
// The next tick is armed after fn returns, so slow callbacks never overlap.
func (l *Loop) Every(d time.Duration, fn func()) *Timer {
	if d <= 0 {
		d = time.Millisecond
	}
	t := &Timer{loop: l, fn: fn, interval: d}
	t.arm(d)
	return t
}

func (t *Timer) arm(d time.Duration) {
	t.timer = time.AfterFunc(d, func() {
		t.loop.Post(t.fire)
	})
}

func (t *Timer) fire() {
	if t.canceled {
		return
	}
	if t.interval == 0 {
		t.fired = true
	}
	t.fn()
	if t.interval > 0 && !t.canceled {
		t.arm(t.interval)
	}
}

// Stop cancels the timer. Once Stop returns, the callback will not run again,
// even if the underlying timer already expired and its task is queued.
// It reports whether the call prevented a pending execution.
func (t *Timer) Stop() bool {
	if t == nil || t.canceled {
		return false
	}
	t.canceled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	return !t.fired
}

// Active reports whether the timer can still fire.
func (t *Timer) Active() bool {
	return t != nil && !t.canceled && !t.fired
}
