// Package presence keeps the backend's view of "who is available" fresh by
// emitting a liveness record for the current user on a fixed interval.
package presence

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callsync/internal/callerr"
	"callsync/internal/calls"
	"callsync/internal/poller"

	"github.com/benbjohnson/clock"
)

const DefaultInterval = 20 * time.Second

var ErrNoUser = errors.New("presence: user id required")

// Backend is the subset of the backend API the reporter uses.
type Backend interface {
	ReportPresence(ctx context.Context, userID string, activity calls.Activity, room string) error
}

type Config struct {
	Interval time.Duration
	Clock    clock.Clock
	Logger   *slog.Logger

	// AuthFailed is called when an emission is rejected as unauthenticated.
	AuthFailed func(err error)
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Reporter is best-effort: a failed emission is logged and the next tick heals it.
// It never returns emission errors to its caller, and it does not retry.
type Reporter struct {
	api Backend
	cfg Config
	log *slog.Logger

	mu       sync.Mutex
	userID   string
	activity calls.Activity
	room     string
	last     calls.PresenceRecord
	sent     bool
	failures int

	// sending is set while an emission is outstanding; again asks the sender
	// for one follow-up carrying the latest intent.
	sending bool
	again   bool

	loop *poller.Loop
}

func NewReporter(api Backend, cfg Config) *Reporter {
	cfg = cfg.withDefaults()
	r := &Reporter{
		api:      api,
		cfg:      cfg,
		log:      cfg.Logger.With("component", "presence"),
		activity: calls.ActivityBrowsing,
	}
	r.loop = poller.New(poller.Config{
		Name:      "presence",
		Interval:  cfg.Interval,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
		Immediate: true,
	}, r.tick)
	return r
}

// Start begins emitting for userID until Stop. The first record is sent right away.
// Starting a running reporter only replaces the user id.
func (r *Reporter) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrNoUser
	}
	r.mu.Lock()
	r.userID = userID
	r.mu.Unlock()
	r.loop.Start(ctx)
	return nil
}

func (r *Reporter) Stop() { r.loop.Stop() }

func (r *Reporter) Active() bool { return r.loop.Active() }

// SetActivity changes the intent described by the following emissions.
// The room is kept only for in_call.
func (r *Reporter) SetActivity(activity calls.Activity, room string) {
	if activity != calls.ActivityInCall {
		room = ""
	}
	r.mu.Lock()
	r.activity = activity
	r.room = room
	r.mu.Unlock()
}

// Intent returns the activity and room the next emission will carry.
func (r *Reporter) Intent() (calls.Activity, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activity, r.room
}

// Last returns the most recent successfully emitted record.
func (r *Reporter) Last() (calls.PresenceRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last, r.sent
}

// EmitNow sends one record outside the regular schedule. When an emission is
// already outstanding it is not overlapped: the sender follows up once with the
// latest intent and EmitNow returns false. Otherwise it reports whether the
// backend accepted the record.
func (r *Reporter) EmitNow(ctx context.Context) bool {
	return r.send(ctx)
}

func (r *Reporter) tick(ctx context.Context) {
	r.send(ctx)
}

// send keeps at most one ReportPresence outstanding, so writes reach the backend
// in intent order and the last one carries the current intent.
func (r *Reporter) send(ctx context.Context) bool {
	r.mu.Lock()
	if r.sending {
		r.again = true
		r.mu.Unlock()
		return false
	}
	r.sending = true
	r.mu.Unlock()

	for {
		ok := r.emit(ctx)
		r.mu.Lock()
		if !r.again || ctx.Err() != nil {
			r.sending, r.again = false, false
			r.mu.Unlock()
			return ok
		}
		r.again = false
		r.mu.Unlock()
	}
}

func (r *Reporter) emit(ctx context.Context) bool {
	r.mu.Lock()
	rec := calls.PresenceRecord{UserID: r.userID, Activity: r.activity, Room: r.room}
	r.mu.Unlock()
	if rec.UserID == "" {
		return false
	}

	err := r.api.ReportPresence(ctx, rec.UserID, rec.Activity, rec.Room)
	if err != nil {
		r.mu.Lock()
		r.failures++
		n := r.failures
		r.mu.Unlock()
		r.log.Warn("presence emission failed", "user_id", rec.UserID, "activity", rec.Activity, "consecutive_failures", n, "err", err)
		if callerr.IsAuth(err) && r.cfg.AuthFailed != nil {
			r.cfg.AuthFailed(err)
		}
		return false
	}

	rec.Timestamp = r.cfg.Clock.Now()
	r.mu.Lock()
	r.failures = 0
	r.last = rec
	r.sent = true
	r.mu.Unlock()
	r.log.Debug("presence emitted", "user_id", rec.UserID, "activity", rec.Activity, "room", rec.Room)
	return true
}
