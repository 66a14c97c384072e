package eventloop

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func startLoop(t *testing.T) *Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := New(nil)
	go func() { _ = loop.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-loop.Done()
	})
	return loop
}

func TestLoop_RunsTasksInOrder(t *testing.T) {
	loop := startLoop(t)

	var got []int
	for i := 0; i < 100; i++ {
		i := i
		loop.Post(func() { got = append(got, i) })
	}
	if err := loop.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if len(got) != 100 {
		t.Fatalf("ran %d tasks, want 100", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran at position %d", v, i)
		}
	}
}

func TestLoop_PostFromTask(t *testing.T) {
	loop := startLoop(t)

	done := make(chan struct{})
	loop.Post(func() {
		loop.Post(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("nested post never ran")
	}
}

func TestLoop_RecoversPanics(t *testing.T) {
	loop := startLoop(t)

	loop.Post(func() { panic("boom") })
	ran := false
	if err := loop.Do(context.Background(), func() { ran = true }); err != nil {
		t.Fatalf("Do() error = %v", err)
	}
	if !ran {
		t.Fatal("task after panic did not run")
	}
}

func TestLoop_DoAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	loop := New(nil)
	go func() { _ = loop.Run(ctx) }()
	cancel()
	<-loop.Done()

	if err := loop.Do(context.Background(), func() {}); !errors.Is(err, ErrStopped) {
		t.Fatalf("Do() error = %v, want ErrStopped", err)
	}
	if loop.Post(func() {}) {
		t.Fatal("Post() on stopped loop returned true")
	}
}

func TestLoop_RunTwice(t *testing.T) {
	loop := startLoop(t)
	// Let the first Run mark itself as running.
	_ = loop.Do(context.Background(), func() {})
	if err := loop.Run(context.Background()); err == nil {
		t.Fatal("second Run() should fail")
	}
}

func TestTimer_Fires(t *testing.T) {
	loop := startLoop(t)

	fired := make(chan struct{})
	_ = loop.Do(context.Background(), func() {
		loop.AfterFunc(5*time.Millisecond, func() { close(fired) })
	})
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
}

func TestTimer_StopPreventsQueuedExecution(t *testing.T) {
	loop := startLoop(t)

	var calls int32
	block := make(chan struct{})
	var timer *Timer
	_ = loop.Do(context.Background(), func() {
		timer = loop.AfterFunc(time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	})

	// Hold the loop busy until the OS timer has certainly expired and queued its task.
	loop.Post(func() {
		<-block
		timer.Stop()
	})
	time.Sleep(20 * time.Millisecond)
	close(block)

	_ = loop.Do(context.Background(), func() {})
	time.Sleep(10 * time.Millisecond)
	_ = loop.Do(context.Background(), func() {})

	if n := atomic.LoadInt32(&calls); n != 0 {
		t.Fatalf("stopped timer ran %d times", n)
	}
}

func TestTimer_Every(t *testing.T) {
	loop := startLoop(t)

	var calls int32
	var timer *Timer
	_ = loop.Do(context.Background(), func() {
		timer = loop.Every(5*time.Millisecond, func() { atomic.AddInt32(&calls, 1) })
	})
	time.Sleep(60 * time.Millisecond)
	_ = loop.Do(context.Background(), func() { timer.Stop() })
	after := atomic.LoadInt32(&calls)
	if after < 3 {
		t.Fatalf("periodic timer ran %d times, want at least 3", after)
	}
	time.Sleep(30 * time.Millisecond)
	if n := atomic.LoadInt32(&calls); n != after {
		t.Fatalf("periodic timer kept running after Stop: %d -> %d", after, n)
	}
}

func TestTimer_StopNil(t *testing.T) {
	var timer *Timer
	if timer.Stop() {
		t.Fatal("Stop() on nil timer returned true")
	}
	if timer.Active() {
		t.Fatal("nil timer reported active")
	}
}
