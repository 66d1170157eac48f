// Package outgoing drives a call this user places: create it, poll until the
// receiver answers, cancel it, or give up after a timeout.
package outgoing

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

const (
	DefaultPollInterval = 2 * time.Second
	DefaultTimeout      = 35 * time.Second
)

var (
	ErrCallInProgress = callerr.Validation("startCall", callerr.CodeCallInProgress, errors.New("another call is already ringing or active"))
	ErrNotCalling     = callerr.Validation("cancelCall", callerr.CodeNotCalling, errors.New("no outgoing call is ringing"))
	ErrNoReceiver     = callerr.Validation("startCall", callerr.CodeInvalidArgument, errors.New("receiver id required"))
	ErrStopped        = errors.New("outgoing: controller stopped during call creation")
)

// Backend is the subset of the backend API the controller uses.
type Backend interface {
	CreateCall(ctx context.Context, receiverID string, callType calls.CallType) (backend.CreateCallResult, error)
	GetCallStatus(ctx context.Context, callID string) (backend.CallStatusResult, error)
	CancelCall(ctx context.Context, callID string) error
}

type State string

const (
	StateIdle       State = "idle"
	StateInitiating State = "initiating"
	StateCalling    State = "calling"
	StateActive     State = "active"
	StateRejected   State = "rejected"
	StateCancelled  State = "cancelled"
	StateExpired    State = "expired"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transition can happen for the current call.
func (s State) Terminal() bool {
	switch s {
	case StateActive, StateRejected, StateCancelled, StateExpired, StateFailed:
		return true
	default:
		return false
	}
}

type Config struct {
	PollInterval time.Duration
	// Timeout is how long a call may ring before the controller gives up.
	Timeout  time.Duration
	CallType calls.CallType

	Clock  clock.Clock
	Logger *slog.Logger
	Events events.Publisher

	AuthFailed func(err error)
}

func (c Config) withDefaults() Config {
	out := c
	if out.PollInterval <= 0 {
		out.PollInterval = DefaultPollInterval
	}
	if out.Timeout <= 0 {
		out.Timeout = DefaultTimeout
	}
	if out.CallType == "" {
		out.CallType = calls.CallTypeVideo
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

// Controller owns the outgoing-call state machine of one user.
type Controller struct {
	api   Backend
	cfg   Config
	local *calls.Local
	log   *slog.Logger

	mu        sync.Mutex
	state     State
	session   calls.Session
	startedAt time.Time
	expiry    *clock.Timer

	loop *poller.Loop
}

func NewController(api Backend, local *calls.Local, cfg Config) *Controller {
	cfg = cfg.withDefaults()
	c := &Controller{
		api:   api,
		cfg:   cfg,
		local: local,
		log:   cfg.Logger.With("component", "outgoing", "user_id", local.UserID()),
		state: StateIdle,
	}
	c.loop = poller.New(poller.Config{
		Name:     "outgoing",
		Interval: cfg.PollInterval,
		Clock:    cfg.Clock,
		Logger:   cfg.Logger,
	}, c.poll)
	return c
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Session returns the call this controller created most recently.
func (c *Controller) Session() calls.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Polling reports whether the status poll loop is running.
func (c *Controller) Polling() bool { return c.loop.Active() }

// Start places a call to receiverID and begins polling its status.
func (c *Controller) Start(ctx context.Context, receiverID string) (calls.Session, error) {
	if receiverID == "" {
		return calls.Session{}, ErrNoReceiver
	}

	c.mu.Lock()
	if c.state == StateInitiating || c.state == StateCalling || c.local.Busy() {
		c.mu.Unlock()
		return calls.Session{}, ErrCallInProgress
	}
	c.state = StateInitiating
	c.session = calls.Session{CallerID: c.local.UserID(), ReceiverID: receiverID, Type: c.cfg.CallType, Status: calls.StatusInitiating}
	c.mu.Unlock()

	res, err := c.api.CreateCall(ctx, receiverID, c.cfg.CallType)

	c.mu.Lock()
	if c.state != StateInitiating {
		c.mu.Unlock()
		if err == nil {
			c.sendCancel(ctx, res.CallID)
		}
		return calls.Session{}, ErrStopped
	}
	if err != nil {
		c.state = StateFailed
		c.mu.Unlock()
		c.log.Warn("call creation failed", "receiver_id", receiverID, "err", err)
		if callerr.IsAuth(err) {
			c.authFailed(err)
		}
		if callerr.HasCode(err, callerr.CodeBlocked) {
			c.cfg.Events.Publish(events.Event{Kind: events.CallTerminated, Reason: calls.ReasonBlocked})
		}
		return calls.Session{}, err
	}

	now := c.cfg.Clock.Now()
	c.session.ID = res.CallID
	c.session.RoomName = res.RoomName
	c.session.Status = calls.StatusCalling
	c.session.CreatedAt = now
	c.startedAt = now
	c.state = StateCalling
	id := res.CallID
	c.expiry = c.cfg.Clock.AfterFunc(c.cfg.Timeout, func() { c.expire(ctx, id) })
	s := c.session
	c.mu.Unlock()

	c.local.SetOutgoing(s)
	c.loop.Start(ctx)
	c.log.Info("call ringing", "call_id", s.ID, "receiver_id", receiverID, "room", s.RoomName)
	return s, nil
}

// Cancel hangs up a ringing call. The local state becomes cancelled even when the
// backend request fails. A second Cancel is a no-op.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	switch c.state {
	case StateCancelled:
		c.mu.Unlock()
		return nil
	case StateCalling:
	default:
		c.mu.Unlock()
		return ErrNotCalling
	}
	c.finishLocked(StateCancelled, calls.StatusCancelled)
	id := c.session.ID
	c.mu.Unlock()

	c.local.Clear(id)
	c.sendCancel(ctx, id)
	c.log.Info("call cancelled by caller", "call_id", id)
	c.cfg.Events.Publish(events.Event{Kind: events.CallTerminated, Reason: calls.ReasonCancelled})
	return nil
}

// Poll runs one status check outside the regular schedule.
func (c *Controller) Poll(ctx context.Context) bool { return c.loop.Trigger(ctx) }

// Stop halts polling. Responses that arrive afterwards are discarded.
func (c *Controller) Stop() {
	c.loop.Stop()
	c.mu.Lock()
	if c.state == StateInitiating {
		c.state = StateIdle
	}
	c.stopExpiryLocked()
	c.mu.Unlock()
}

// expire ends call id once the ring timeout elapses, whether or not a status
// poll is still outstanding. A poll result arriving later finds the call
// terminal and is dropped.
func (c *Controller) expire(ctx context.Context, id string) {
	c.mu.Lock()
	if c.state != StateCalling || c.session.ID != id {
		c.mu.Unlock()
		return
	}
	c.finishLocked(StateExpired, calls.StatusExpired)
	c.mu.Unlock()
	c.local.Clear(id)
	c.log.Info("call expired without answer", "call_id", id, "timeout", c.cfg.Timeout.String())
	c.sendCancel(ctx, id)
	c.cfg.Events.Publish(events.Event{Kind: events.CallTerminated, Reason: calls.ReasonExpired})
}

func (c *Controller) poll(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateCalling {
		c.mu.Unlock()
		return
	}
	id := c.session.ID
	if c.cfg.Clock.Since(c.startedAt) >= c.cfg.Timeout {
		c.mu.Unlock()
		c.expire(ctx, id)
		return
	}
	c.mu.Unlock()

	res, err := c.api.GetCallStatus(ctx, id)
	if !c.loop.Active() {
		return
	}

	c.mu.Lock()
	if c.state != StateCalling || c.session.ID != id {
		c.mu.Unlock()
		return
	}

	if err != nil {
		switch {
		case callerr.IsAuth(err):
			c.finishLocked(StateFailed, c.session.Status)
			c.mu.Unlock()
			c.local.Clear(id)
			c.log.Error("call status poll unauthorized", "call_id", id, "err", err)
			c.cfg.Events.Publish(events.Event{Kind: events.CallTerminated, Reason: calls.ReasonConnectionError})
			c.authFailed(err)
		case callerr.HasCode(err, callerr.CodeNotFound):
			c.finishLocked(StateFailed, c.session.Status)
			c.mu.Unlock()
			c.local.Clear(id)
			c.log.Warn("call vanished from backend", "call_id", id)
			c.cfg.Events.Publish(events.Event{Kind: events.CallTerminated, Reason: calls.ReasonConnectionError})
		default:
			c.mu.Unlock()
			c.log.Warn("call status poll failed", "call_id", id, "err", err)
		}
		return
	}

	switch res.Status {
	case calls.StatusActive:
		c.finishLocked(StateActive, calls.StatusActive)
		if res.RoomName != "" {
			c.session.RoomName = res.RoomName
		}
		s := c.session
		c.mu.Unlock()
		c.local.Activate(s, true)
		c.log.Info("call answered", "call_id", id, "room", s.RoomName)
		c.cfg.Events.Publish(events.Event{Kind: events.CallActive, Session: s})
	case calls.StatusRejected, calls.StatusCancelled, calls.StatusExpired:
		next := StateRejected
		if res.Status == calls.StatusCancelled {
			next = StateCancelled
		} else if res.Status == calls.StatusExpired {
			next = StateExpired
		}
		c.finishLocked(next, res.Status)
		c.mu.Unlock()
		c.local.Clear(id)
		c.log.Info("call ended before answer", "call_id", id, "status", res.Status)
		c.cfg.Events.Publish(events.Event{Kind: events.CallTerminated, Reason: calls.ReasonForStatus(res.Status)})
	default:
		c.mu.Unlock()
	}
}

// finishLocked moves to a terminal state and stops polling and the ring timer.
// c.mu must be held.
func (c *Controller) finishLocked(next State, status calls.Status) {
	c.state = next
	c.session.Status = status
	c.loop.Stop()
	c.stopExpiryLocked()
}

func (c *Controller) stopExpiryLocked() {
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
}

func (c *Controller) sendCancel(ctx context.Context, callID string) {
	if callID == "" {
		return
	}
	if err := c.api.CancelCall(ctx, callID); err != nil {
		c.log.Warn("cancel request failed", "call_id", callID, "err", err)
	}
}

func (c *Controller) authFailed(err error) {
	if c.cfg.AuthFailed != nil {
		c.cfg.AuthFailed(err)
	}
}
