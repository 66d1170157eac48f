package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"callsync/internal/audit"
	"callsync/internal/backend"
	"callsync/internal/callerr"
	"callsync/internal/calls"
	"callsync/internal/events"
	"callsync/internal/poller"

	"github.com/benbjohnson/clock"
)

const (
	DefaultInterval    = 12 * time.Second
	DefaultMinGap      = 10 * time.Second
	DefaultMaxFailures = 3
)

// Backend is the subset of the backend API the reconciler uses.
type Backend interface {
	GetGlobalSessionStatus(ctx context.Context, userID string) (backend.GlobalStatus, error)
	GetRoomParticipants(ctx context.Context, roomName string) (backend.RoomParticipants, error)
	ForceSessionCleanup(ctx context.Context, userID, reason string) (int, error)
}

// Owner is the session context the reconciler guards.
type Owner interface {
	// ClearCall drops the local call after the backend terminated it.
	ClearCall(reason calls.TerminationReason)
	// Resync re-emits one presence record for room.
	Resync(ctx context.Context, room string)
}

// Recorder persists corrective actions. *audit.Service satisfies it.
type Recorder interface {
	Record(ctx context.Context, userID string, typ audit.EventType, callID, room string, kinds []string, message string) error
}

type Config struct {
	Interval time.Duration
	// MinGap is the least time between two successful passes. It applies to
	// ForceSync as well as scheduled ticks.
	MinGap      time.Duration
	MaxFailures int

	Clock  clock.Clock
	Logger *slog.Logger
	Events events.Publisher
	Audit  Recorder

	AuthFailed func(err error)
}

func (c Config) withDefaults() Config {
	out := c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.MinGap <= 0 {
		out.MinGap = DefaultMinGap
	}
	if out.MaxFailures <= 0 {
		out.MaxFailures = DefaultMaxFailures
	}
	if out.Clock == nil {
		out.Clock = clock.New()
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Events == nil {
		out.Events = events.Discard{}
	}
	return out
}

// Reconciler runs while a call is in a guarded state. It stops itself after a
// redirect, after MaxFailures consecutive fetch failures, and on auth failure.
type Reconciler struct {
	api   Backend
	local *calls.Local
	owner Owner
	cfg   Config
	log   *slog.Logger

	mu          sync.Mutex
	failures    int
	lastSuccess time.Time
	lastCleanup string
	last        []Inconsistency

	loop *poller.Loop
}

func New(api Backend, local *calls.Local, owner Owner, cfg Config) *Reconciler {
	cfg = cfg.withDefaults()
	r := &Reconciler{
		api:   api,
		local: local,
		owner: owner,
		cfg:   cfg,
		log:   cfg.Logger.With("component", "reconcile", "user_id", local.UserID()),
	}
	r.loop = poller.New(poller.Config{
		Name:     "reconcile",
		Interval: cfg.Interval,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	}, r.tick)
	return r
}

// Start begins guarding the current call with fresh counters.
func (r *Reconciler) Start(ctx context.Context) bool {
	r.mu.Lock()
	r.failures = 0
	r.lastSuccess = time.Time{}
	r.lastCleanup = ""
	r.last = nil
	r.mu.Unlock()
	return r.loop.Start(ctx)
}

func (r *Reconciler) Stop()        { r.loop.Stop() }
func (r *Reconciler) Active() bool { return r.loop.Active() }

// ForceSync runs one pass now. It is a no-op once the reconciler has stopped.
func (r *Reconciler) ForceSync(ctx context.Context) bool { return r.loop.Trigger(ctx) }

// Failures is the current consecutive fetch failure count.
func (r *Reconciler) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// LastFindings returns what the most recent successful pass classified.
func (r *Reconciler) LastFindings() []Inconsistency {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Inconsistency, len(r.last))
	copy(out, r.last)
	return out
}

func (r *Reconciler) tick(ctx context.Context) {
	r.mu.Lock()
	if !r.lastSuccess.IsZero() && r.cfg.Clock.Since(r.lastSuccess) < r.cfg.MinGap {
		r.mu.Unlock()
		r.log.Debug("reconcile skipped, previous pass too recent")
		return
	}
	r.mu.Unlock()

	view := r.local.View()
	global, err := r.api.GetGlobalSessionStatus(ctx, view.UserID)
	if !r.loop.Active() {
		return
	}
	if err != nil {
		r.fail(ctx, view, "getGlobalSessionStatus", err)
		return
	}

	snap := Snapshot{Global: global}
	if view.RoomName != "" {
		room, err := r.api.GetRoomParticipants(ctx, view.RoomName)
		if !r.loop.Active() {
			return
		}
		if err != nil {
			r.fail(ctx, view, "getRoomParticipants", err)
			return
		}
		snap.Room = &room
	}

	found := Classify(view, snap)

	r.mu.Lock()
	r.failures = 0
	r.lastSuccess = r.cfg.Clock.Now()
	r.last = found
	if !has(found, KindMultipleActiveSessions) {
		r.lastCleanup = ""
	}
	r.mu.Unlock()

	if len(found) == 0 {
		return
	}
	r.log.Info("session inconsistencies", "kinds", kindNames(found), "room", view.RoomName)
	r.dispatch(ctx, view, found)
}

// dispatch runs one corrective action per kind. Redirect kinds collapse into one
// redirect, after which nothing else runs.
func (r *Reconciler) dispatch(ctx context.Context, view calls.View, found []Inconsistency) {
	var redirect []Inconsistency
	var resync bool
	for _, f := range found {
		switch f.Kind.Action() {
		case ActionForceCleanup:
			r.forceCleanup(ctx, view, f)
		case ActionRedirect:
			redirect = append(redirect, f)
		case ActionResync:
			resync = true
		}
	}
	if !r.loop.Active() {
		return
	}
	if len(redirect) > 0 {
		r.redirect(ctx, view, redirect)
		return
	}
	if resync {
		if r.owner != nil {
			r.owner.Resync(ctx, view.RoomName)
		}
		r.record(ctx, view, audit.EventTypeResync, []string{string(KindHeartbeatRoomMismatch)}, "presence resynced")
	}
}

func (r *Reconciler) forceCleanup(ctx context.Context, view calls.View, f Inconsistency) {
	fp := fingerprint(f.Evidence.Sessions)
	r.mu.Lock()
	if fp == r.lastCleanup {
		r.mu.Unlock()
		r.log.Debug("cleanup already issued for this session set", "sessions", fp)
		return
	}
	r.mu.Unlock()

	n, err := r.api.ForceSessionCleanup(ctx, view.UserID, string(KindMultipleActiveSessions))
	if !r.loop.Active() {
		return
	}
	if err != nil {
		if callerr.IsAuth(err) {
			r.authFailed(err)
			return
		}
		r.log.Warn("force cleanup failed", "err", err)
		return
	}

	r.mu.Lock()
	r.lastCleanup = fp
	r.mu.Unlock()

	survivor, _ := MostRecent(f.Evidence.Sessions)
	r.log.Warn("forced session cleanup", "terminated", n, "kept_call_id", survivor.ID)
	r.record(ctx, view, audit.EventTypeForceCleanup, []string{string(f.Kind)}, fmt.Sprintf("terminated %d, kept %s", n, survivor.ID))

	// Cleanup terminated every live session except the survivor. The local call
	// is kept only when it is that survivor.
	if view.InCall && survivor.ID != view.CallID && r.owner != nil {
		r.owner.ClearCall(calls.ReasonConnectionError)
	}
}

func (r *Reconciler) redirect(ctx context.Context, view calls.View, found []Inconsistency) {
	r.loop.Stop()
	r.log.Warn("session reset required", "kinds", kindNames(found), "call_id", view.CallID)
	r.record(ctx, view, audit.EventTypeRedirect, kindNames(found), calls.RedirectMessage)
	r.cfg.Events.Publish(events.Event{Kind: events.RedirectRequired, Message: calls.RedirectMessage})
}

func (r *Reconciler) fail(ctx context.Context, view calls.View, op string, err error) {
	if callerr.IsAuth(err) {
		r.authFailed(err)
		return
	}

	r.mu.Lock()
	r.failures++
	n := r.failures
	r.mu.Unlock()

	r.log.Warn("reconcile fetch failed", "op", op, "consecutive", n, "err", err)
	if n < r.cfg.MaxFailures {
		return
	}

	r.loop.Stop()
	cerr := callerr.Consistency("reconcile", fmt.Errorf("%d consecutive fetch failures: %w", n, err))
	r.log.Error("reconciler giving up", "err", cerr)
	r.record(ctx, view, audit.EventTypeSyncFailed, nil, cerr.Error())
	r.cfg.Events.Publish(events.Event{Kind: events.SyncFailed, Err: cerr})
}

func (r *Reconciler) authFailed(err error) {
	r.loop.Stop()
	r.log.Error("reconcile unauthorized", "err", err)
	if r.cfg.AuthFailed != nil {
		r.cfg.AuthFailed(err)
	}
}

func (r *Reconciler) record(ctx context.Context, view calls.View, typ audit.EventType, kinds []string, msg string) {
	if r.cfg.Audit == nil {
		return
	}
	if err := r.cfg.Audit.Record(ctx, view.UserID, typ, view.CallID, view.RoomName, kinds, msg); err != nil {
		r.log.Warn("audit append failed", "type", typ, "err", err)
	}
}

func has(found []Inconsistency, k Kind) bool {
	for _, f := range found {
		if f.Kind == k {
			return true
		}
	}
	return false
}
