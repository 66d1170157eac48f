// Package incoming watches for calls addressed to the current user.
package incoming

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"callsync/internal/backend"
	"callsync/internal/callerr"
	"callsync/internal/calls"
	"callsync/internal/events"
	"callsync/internal/poller"

	"github.com/benbjohnson/clock"
)

const DefaultPollInterval = 3 * time.Second

var ErrNoIncoming = callerr.Validation("answerCall", callerr.CodeNotFound, errors.New("no incoming call to answer"))

type Backend interface {
	CheckIncomingCall(ctx context.Context, userID string) (*calls.Session, error)
	AnswerCall(ctx context.Context, callID string, accept bool) (backend.AnswerResult, error)
}

type Config struct {
	PollInterval time.Duration
	Clock        clock.Clock
	Logger       *slog.Logger
	Events       events.Publisher

	AuthFailed func(err error)
}

func (c Config) withDefaults() Config {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
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

// JoinParams tells the caller what to join after answering.
type JoinParams struct {
	CallID   string
	RoomName string
	Accepted bool
	// NoOp is set when the call had already been answered.
	NoOp bool
}

// Watcher raises IncomingCall once per call id and clears it silently when the
// backend stops reporting it.
type Watcher struct {
	api   Backend
	cfg   Config
	local *calls.Local
	log   *slog.Logger

	mu       sync.Mutex
	pending  *calls.Session
	answered map[string]struct{}

	loop *poller.Loop
}

func NewWatcher(api Backend, local *calls.Local, cfg Config) *Watcher {
	cfg = cfg.withDefaults()
	w := &Watcher{
		api:      api,
		cfg:      cfg,
		local:    local,
		log:      cfg.Logger.With("component", "incoming", "user_id", local.UserID()),
		answered: make(map[string]struct{}),
	}
	w.loop = poller.New(poller.Config{
		Name:      "incoming",
		Interval:  cfg.PollInterval,
		Clock:     cfg.Clock,
		Logger:    cfg.Logger,
		Immediate: true,
	}, w.poll)
	return w
}

func (w *Watcher) Start(ctx context.Context) bool { return w.loop.Start(ctx) }
func (w *Watcher) Stop()                          { w.loop.Stop() }
func (w *Watcher) Active() bool                   { return w.loop.Active() }

// Poll runs one check outside the regular schedule.
func (w *Watcher) Poll(ctx context.Context) bool { return w.loop.Trigger(ctx) }

// Pending returns the call currently signalled, if any.
func (w *Watcher) Pending() (calls.Session, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.pending == nil {
		return calls.Session{}, false
	}
	return *w.pending, true
}

func (w *Watcher) poll(ctx context.Context) {
	userID := w.local.UserID()
	call, err := w.api.CheckIncomingCall(ctx, userID)
	if !w.loop.Active() {
		return
	}
	if err != nil {
		w.log.Warn("incoming call check failed", "err", err)
		if callerr.IsAuth(err) && w.cfg.AuthFailed != nil {
			w.cfg.AuthFailed(err)
		}
		return
	}

	w.mu.Lock()
	if call == nil || call.ID == "" {
		if w.pending == nil {
			w.mu.Unlock()
			return
		}
		gone := *w.pending
		w.pending = nil
		w.mu.Unlock()
		w.log.Info("incoming call withdrawn", "call_id", gone.ID)
		w.cfg.Events.Publish(events.Event{Kind: events.IncomingCleared, Session: gone})
		return
	}

	v := w.local.View()
	switch {
	case call.ID == v.OutgoingID || call.CallerID == userID:
		// Our own outgoing call.
		w.mu.Unlock()
		return
	case v.InCall:
		w.mu.Unlock()
		return
	}
	if _, done := w.answered[call.ID]; done {
		w.mu.Unlock()
		return
	}
	if w.pending != nil && w.pending.ID == call.ID {
		w.mu.Unlock()
		return
	}
	c := *call
	w.pending = &c
	w.mu.Unlock()

	w.log.Info("incoming call", "call_id", c.ID, "caller_id", c.CallerID)
	w.cfg.Events.Publish(events.Event{Kind: events.IncomingCall, Session: c})
}

// Answer sends the decision for the signalled call. Each call id is answered at
// most once; a repeated answer, from here or from the backend's point of view,
// is a no-op.
func (w *Watcher) Answer(ctx context.Context, callID string, accept bool) (JoinParams, error) {
	w.mu.Lock()
	if _, done := w.answered[callID]; done {
		w.mu.Unlock()
		return JoinParams{CallID: callID, NoOp: true}, nil
	}
	if w.pending == nil || (callID != "" && w.pending.ID != callID) {
		w.mu.Unlock()
		return JoinParams{}, ErrNoIncoming
	}
	call := *w.pending
	w.answered[call.ID] = struct{}{}
	w.pending = nil
	w.mu.Unlock()

	res, err := w.api.AnswerCall(ctx, call.ID, accept)
	if err != nil {
		if callerr.HasCode(err, callerr.CodeAlreadyAnswered) {
			w.log.Info("call already answered", "call_id", call.ID)
			return JoinParams{CallID: call.ID, NoOp: true}, nil
		}
		if callerr.IsAuth(err) && w.cfg.AuthFailed != nil {
			w.cfg.AuthFailed(err)
		}
		w.log.Warn("answer failed", "call_id", call.ID, "accept", accept, "err", err)
		return JoinParams{}, err
	}

	if !accept {
		w.log.Info("incoming call rejected", "call_id", call.ID)
		return JoinParams{CallID: call.ID}, nil
	}

	call.Status = calls.StatusActive
	if res.RoomName != "" {
		call.RoomName = res.RoomName
	}
	w.local.Activate(call, false)
	w.log.Info("incoming call accepted", "call_id", call.ID, "room", call.RoomName)
	w.cfg.Events.Publish(events.Event{Kind: events.CallActive, Session: call})
	return JoinParams{CallID: call.ID, RoomName: call.RoomName, Accepted: true}, nil
}
