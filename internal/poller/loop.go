// Package poller runs one fixed-interval polling loop.
//
// A Loop never queues ticks: a tick that finds its predecessor still in flight is
// dropped, so each loop has at most one outstanding request. Stop clears the timer
// but does not abort an in-flight tick; tick functions check Active before acting
// on a result.
package poller

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
)

type TickFunc func(ctx context.Context)

type Config struct {
	Name     string
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger

	// Immediate runs the first tick on Start instead of one interval later.
	Immediate bool
}

type Loop struct {
	cfg Config
	fn  TickFunc

	mu     sync.Mutex
	stopCh chan struct{}

	active   atomic.Bool
	inFlight atomic.Bool

	ticks   atomic.Int64
	dropped atomic.Int64
}

func New(cfg Config, fn TickFunc) *Loop {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Second
	}
	return &Loop{cfg: cfg, fn: fn}
}

// Start begins ticking. It returns false if the loop is already running.
// The loop also stops when ctx is done.
func (l *Loop) Start(ctx context.Context) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopCh != nil {
		return false
	}
	stop := make(chan struct{})
	l.stopCh = stop
	l.active.Store(true)

	ticker := l.cfg.Clock.Ticker(l.cfg.Interval)
	go l.run(ctx, ticker, stop)
	if l.cfg.Immediate {
		go l.Trigger(ctx)
	}
	l.cfg.Logger.Debug("loop started", "loop", l.cfg.Name, "interval", l.cfg.Interval.String())
	return true
}

func (l *Loop) run(ctx context.Context, ticker *clock.Ticker, stop chan struct{}) {
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			l.Stop()
			return
		case <-ticker.C:
			go l.Trigger(ctx)
		}
	}
}

// Trigger runs one tick now. It returns false when the loop is stopped or a
// previous tick is still in flight.
func (l *Loop) Trigger(ctx context.Context) bool {
	if !l.active.Load() {
		return false
	}
	if !l.inFlight.CompareAndSwap(false, true) {
		l.dropped.Add(1)
		l.cfg.Logger.Debug("tick dropped, previous still in flight", "loop", l.cfg.Name)
		return false
	}
	defer l.inFlight.Store(false)
	l.ticks.Add(1)
	l.fn(ctx)
	return true
}

// Stop is idempotent.
func (l *Loop) Stop() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopCh == nil {
		return
	}
	l.active.Store(false)
	close(l.stopCh)
	l.stopCh = nil
	l.cfg.Logger.Debug("loop stopped", "loop", l.cfg.Name)
}

func (l *Loop) Active() bool { return l.active.Load() }

// InFlight reports whether a tick is currently running.
func (l *Loop) InFlight() bool { return l.inFlight.Load() }

// Ticks is the number of ticks that ran.
func (l *Loop) Ticks() int64 { return l.ticks.Load() }

// Dropped is the number of ticks skipped because one was in flight.
func (l *Loop) Dropped() int64 { return l.dropped.Load() }

func (l *Loop) Name() string { return l.cfg.Name }
