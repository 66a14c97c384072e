package transporttest

import (
	"context"
	"testing"

	"github.com/haasonsaas/livewire/internal/eventloop"
)

// StartLoop runs an event loop for the duration of the test.
func StartLoop(tb testing.TB) *eventloop.Loop {
	tb.Helper()
	loop := eventloop.New(nil)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = loop.Run(ctx) }() //nolint:errcheck
	tb.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

// Do runs fn on the loop and fails the test if the loop has stopped.
func Do(tb testing.TB, loop *eventloop.Loop, fn func()) {
	tb.Helper()
	if err := loop.Do(context.Background(), fn); err != nil {
		tb.Fatalf("loop.Do: %v", err)
	}
}
