package poller

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestLoop_TriggerRequiresStart(t *testing.T) {
	calls := 0
	l := New(Config{Name: "t", Interval: time.Second, Clock: clock.NewMock()}, func(context.Context) { calls++ })

	if l.Trigger(context.Background()) {
		t.Fatalf("expected trigger on stopped loop to be refused")
	}
	if !l.Start(context.Background()) {
		t.Fatalf("expected start")
	}
	defer l.Stop()
	if l.Start(context.Background()) {
		t.Fatalf("expected second start to be refused")
	}
	if !l.Trigger(context.Background()) || calls != 1 {
		t.Fatalf("expected one tick, got %d", calls)
	}
}

func TestLoop_DropsTickWhileInFlight(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	l := New(Config{Name: "t", Interval: time.Second, Clock: clock.NewMock()}, func(context.Context) {
		entered <- struct{}{}
		<-release
	})
	l.Start(context.Background())
	defer l.Stop()

	done := make(chan bool)
	go func() { done <- l.Trigger(context.Background()) }()
	<-entered

	if l.Trigger(context.Background()) {
		t.Fatalf("expected overlapping tick to be dropped")
	}
	if !l.InFlight() || l.Dropped() != 1 {
		t.Fatalf("expected one in-flight tick and one drop, dropped=%d", l.Dropped())
	}
	close(release)
	if !<-done {
		t.Fatalf("expected first tick to run")
	}
	if l.Ticks() != 1 {
		t.Fatalf("expected 1 tick, got %d", l.Ticks())
	}
}

func TestLoop_StopIsIdempotentAndRestartable(t *testing.T) {
	l := New(Config{Name: "t", Interval: time.Second, Clock: clock.NewMock()}, func(context.Context) {})
	l.Start(context.Background())
	l.Stop()
	l.Stop()
	if l.Active() {
		t.Fatalf("expected inactive after stop")
	}
	if !l.Start(context.Background()) {
		t.Fatalf("expected restart after stop")
	}
	l.Stop()
}

func TestLoop_StopsWithContext(t *testing.T) {
	l := New(Config{Name: "t", Interval: time.Second, Clock: clock.NewMock()}, func(context.Context) {})
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	cancel()

	deadline := time.Now().Add(2 * time.Second)
	for l.Active() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if l.Active() {
		t.Fatalf("expected loop to stop when context is cancelled")
	}
}
