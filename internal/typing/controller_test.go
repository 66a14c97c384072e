package typing

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/livewire/internal/eventloop"
)

type sendLog struct {
	mu     sync.Mutex
	values []bool
}

func (l *sendLog) send(v bool) {
	l.mu.Lock()
	l.values = append(l.values, v)
	l.mu.Unlock()
}

func (l *sendLog) snapshot() []bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]bool(nil), l.values...)
}

func startLoop(t *testing.T) *eventloop.Loop {
	t.Helper()
	loop := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func do(t *testing.T, loop *eventloop.Loop, fn func()) {
	t.Helper()
	if err := loop.Do(context.Background(), fn); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
}

func TestNewController_Defaults(t *testing.T) {
	c := NewController(eventloop.New(nil), Config{})
	if c.config.Interval != DefaultInterval {
		t.Errorf("Interval = %v, want %v", c.config.Interval, DefaultInterval)
	}
	if c.config.TTL != DefaultTTL {
		t.Errorf("TTL = %v, want %v", c.config.TTL, DefaultTTL)
	}
}

func TestController_StartStop(t *testing.T) {
	loop := startLoop(t)
	log := &sendLog{}
	c := NewController(loop, Config{Send: log.send, Interval: time.Hour, TTL: time.Hour})

	do(t, loop, func() {
		c.Start()
		c.Start()
		c.Start()
	})
	if got := log.snapshot(); len(got) != 1 || !got[0] {
		t.Fatalf("sends after repeated Start = %v, want [true]", got)
	}

	do(t, loop, func() {
		c.Stop()
		c.Stop()
	})
	if got := log.snapshot(); len(got) != 2 || got[1] {
		t.Fatalf("sends after Stop = %v, want [true false]", got)
	}
}

func TestController_RefreshesWhileActive(t *testing.T) {
	loop := startLoop(t)
	log := &sendLog{}
	c := NewController(loop, Config{Send: log.send, Interval: 5 * time.Millisecond, TTL: time.Hour})

	do(t, loop, c.Start)
	time.Sleep(40 * time.Millisecond)
	do(t, loop, c.Stop)

	got := log.snapshot()
	if len(got) < 3 {
		t.Fatalf("sends = %v, want refreshes", got)
	}
	if got[len(got)-1] {
		t.Fatal("last send should be false")
	}
}

func TestController_TTLStopsTyping(t *testing.T) {
	loop := startLoop(t)
	log := &sendLog{}
	c := NewController(loop, Config{Send: log.send, Interval: time.Hour, TTL: 10 * time.Millisecond})

	do(t, loop, c.Start)
	time.Sleep(50 * time.Millisecond)

	var active bool
	do(t, loop, func() { active = c.Active() })
	if active {
		t.Fatal("TTL should stop typing")
	}
	if got := log.snapshot(); len(got) != 2 || got[1] {
		t.Fatalf("sends = %v, want [true false]", got)
	}
}

func TestController_CloseSeals(t *testing.T) {
	loop := startLoop(t)
	log := &sendLog{}
	c := NewController(loop, Config{Send: log.send, Interval: time.Hour, TTL: time.Hour})

	do(t, loop, func() {
		c.Start()
		c.Close()
		c.Start()
	})
	var sealed, active bool
	do(t, loop, func() { sealed, active = c.Sealed(), c.Active() })
	if !sealed || active {
		t.Fatalf("sealed=%v active=%v", sealed, active)
	}
	if got := log.snapshot(); len(got) != 2 {
		t.Fatalf("sends = %v, want Start after Close to be ignored", got)
	}
}
