// Package session owns the call lifecycle of one signed-in user: it wires the
// presence reporter, call controller, incoming watcher and reconciler around a
// shared local state and exposes the commands and events a view layer uses.
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callsync/internal/backend"
	"callsync/internal/calls"
	"callsync/internal/events"
	"callsync/internal/incoming"
	"callsync/internal/outgoing"
	"callsync/internal/presence"
	"callsync/internal/reconcile"

	"github.com/benbjohnson/clock"
)

var (
	ErrNotStarted = errors.New("session: not started")
	ErrStopped    = errors.New("session: stopped")
	ErrNoUser     = errors.New("session: user id required")
	ErrBadRole    = errors.New("session: invalid role")
)

// cancelTimeout bounds the best-effort cancel sent when a ringing call is torn down.
const cancelTimeout = 5 * time.Second

type Config struct {
	UserID string
	Role   calls.Role

	Presence  presence.Config
	Outgoing  outgoing.Config
	Incoming  incoming.Config
	Reconcile reconcile.Config

	// Clock and Logger are passed to every component that does not set its own.
	Clock  clock.Clock
	Logger *slog.Logger
	Audit  reconcile.Recorder
}

// Context is one user's call-session context. All of its loops stop together.
type Context struct {
	api   backend.API
	local *calls.Local
	bus   *events.Bus
	log   *slog.Logger

	presence   *presence.Reporter
	outgoing   *outgoing.Controller
	incoming   *incoming.Watcher
	reconciler *reconcile.Reconciler

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	stopped bool
}

func New(api backend.API, cfg Config) (*Context, error) {
	if cfg.UserID == "" {
		return nil, ErrNoUser
	}
	if !cfg.Role.Valid() {
		return nil, ErrBadRole
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	s := &Context{
		api:   api,
		local: calls.NewLocal(cfg.UserID, cfg.Role),
		bus:   events.NewBus(),
		log:   cfg.Logger.With("component", "session", "user_id", cfg.UserID),
	}

	pc := cfg.Presence
	pc.Clock, pc.Logger = pick(pc.Clock, cfg.Clock), pickLog(pc.Logger, cfg.Logger)
	pc.AuthFailed = s.authFailed
	s.presence = presence.NewReporter(api, pc)

	oc := cfg.Outgoing
	oc.Clock, oc.Logger = pick(oc.Clock, cfg.Clock), pickLog(oc.Logger, cfg.Logger)
	oc.Events = s.bus
	oc.AuthFailed = s.authFailed
	s.outgoing = outgoing.NewController(api, s.local, oc)

	ic := cfg.Incoming
	ic.Clock, ic.Logger = pick(ic.Clock, cfg.Clock), pickLog(ic.Logger, cfg.Logger)
	ic.Events = s.bus
	ic.AuthFailed = s.authFailed
	s.incoming = incoming.NewWatcher(api, s.local, ic)

	rc := cfg.Reconcile
	rc.Clock, rc.Logger = pick(rc.Clock, cfg.Clock), pickLog(rc.Logger, cfg.Logger)
	rc.Events = s.bus
	rc.AuthFailed = s.authFailed
	if rc.Audit == nil {
		rc.Audit = cfg.Audit
	}
	s.reconciler = reconcile.New(api, s.local, guard{s}, rc)

	// Registered first so internal bookkeeping runs before any view handler.
	s.bus.Subscribe(s.handle)
	return s, nil
}

func pick(c, def clock.Clock) clock.Clock {
	if c != nil {
		return c
	}
	return def
}

func pickLog(l, def *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return def
}

// Start begins presence reporting and incoming-call watching. The context stops
// when ctx is done or StopAll is called.
func (s *Context) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if s.ctx != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.presence.Start(s.ctx, s.local.UserID()); err != nil {
		s.cancel()
		s.ctx = nil
		return err
	}
	s.incoming.Start(s.ctx)
	go func(ctx context.Context) {
		<-ctx.Done()
		s.StopAll()
	}(s.ctx)
	s.log.Info("session started", "role", s.local.Role())
	return nil
}

// Subscribe registers a view-layer handler. Handlers run synchronously on the
// loop that raised the event and must not block.
func (s *Context) Subscribe(fn events.Handler) (unsubscribe func()) {
	return s.bus.Subscribe(fn)
}

// View is the current local call state.
func (s *Context) View() calls.View { return s.local.View() }

// OutgoingState is the call controller's current state.
func (s *Context) OutgoingState() outgoing.State { return s.outgoing.State() }

// PendingIncoming returns the incoming call awaiting an answer, if any.
func (s *Context) PendingIncoming() (calls.Session, bool) { return s.incoming.Pending() }

// ReconcilerActive reports whether the current call is being guarded.
func (s *Context) ReconcilerActive() bool { return s.reconciler.Active() }

func (s *Context) runCtx() (context.Context, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	if s.ctx == nil {
		return nil, ErrNotStarted
	}
	return s.ctx, nil
}

// StartCall places a call to receiverID.
func (s *Context) StartCall(ctx context.Context, receiverID string) (calls.Session, error) {
	run, err := s.runCtx()
	if err != nil {
		return calls.Session{}, err
	}
	if err := ctx.Err(); err != nil {
		return calls.Session{}, err
	}
	// The poll loop lives as long as the session, not the request.
	return s.outgoing.Start(run, receiverID)
}

// CancelCall hangs up the ringing outgoing call.
func (s *Context) CancelCall(ctx context.Context) error {
	if _, err := s.runCtx(); err != nil {
		return err
	}
	return s.outgoing.Cancel(ctx)
}

// AnswerIncoming answers the pending incoming call.
func (s *Context) AnswerIncoming(ctx context.Context, accept bool) (incoming.JoinParams, error) {
	if _, err := s.runCtx(); err != nil {
		return incoming.JoinParams{}, err
	}
	pending, ok := s.incoming.Pending()
	if !ok {
		return incoming.JoinParams{}, incoming.ErrNoIncoming
	}
	return s.incoming.Answer(ctx, pending.ID, accept)
}

// ForceSync runs a reconciliation pass now, subject to the reconciler's floor.
// It reports false when no pass ran.
func (s *Context) ForceSync(ctx context.Context) bool {
	if _, err := s.runCtx(); err != nil {
		return false
	}
	return s.reconciler.ForceSync(ctx)
}

// StopAll tears the context down. A ringing outgoing call is cancelled best-effort.
// It is idempotent.
func (s *Context) StopAll() { s.stop(true) }

// stop reports whether this call did the teardown.
func (s *Context) stop(cancelRinging bool) bool {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return false
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancelRinging && s.outgoing.State() == outgoing.StateCalling {
		ctx, done := context.WithTimeout(context.Background(), cancelTimeout)
		_ = s.outgoing.Cancel(ctx)
		done()
	}
	s.reconciler.Stop()
	s.outgoing.Stop()
	s.incoming.Stop()
	s.presence.Stop()
	s.local.Clear("")
	if cancel != nil {
		cancel()
	}
	s.log.Info("session stopped")
	return true
}

func (s *Context) authFailed(err error) {
	live := s.local.Busy()
	if !s.stop(false) {
		return
	}
	s.log.Error("authentication rejected, session stopped", "err", err)
	s.bus.Publish(events.Event{Kind: events.AuthFailed, Err: err})
	if live {
		s.bus.Publish(events.Event{Kind: events.CallTerminated, Reason: calls.ReasonConnectionError})
	}
}

// handle keeps presence and the reconciler in step with the call lifecycle.
func (s *Context) handle(e events.Event) {
	switch e.Kind {
	case events.CallActive:
		s.presence.SetActivity(calls.ActivityInCall, e.Session.RoomName)
		run, err := s.runCtx()
		if err != nil {
			return
		}
		go s.presence.EmitNow(run)
		s.reconciler.Start(run)
		s.log.Info("call active", "call_id", e.Session.ID, "room", e.Session.RoomName)
	case events.CallTerminated, events.RedirectRequired:
		s.reconciler.Stop()
		if e.Kind == events.RedirectRequired {
			s.outgoing.Stop()
		}
		s.local.Clear("")
		s.presence.SetActivity(calls.ActivityBrowsing, "")
		if run, err := s.runCtx(); err == nil {
			go s.presence.EmitNow(run)
		}
		s.log.Info("call ended", "event", e.Kind, "reason", e.Reason)
	}
}

// guard is the reconciler's handle on this context.
type guard struct{ s *Context }

func (g guard) ClearCall(reason calls.TerminationReason) {
	g.s.local.Clear("")
	g.s.bus.Publish(events.Event{Kind: events.CallTerminated, Reason: reason})
}

func (g guard) Resync(ctx context.Context, room string) {
	g.s.presence.SetActivity(calls.ActivityInCall, room)
	g.s.presence.EmitNow(ctx)
}
