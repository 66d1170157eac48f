// Package callsvc holds the backend rules for call sessions and presence: one
// live session per user, compare-and-set transitions, lazy ring expiry and the
// room view the reconciler checks against.
package callsvc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"callsync/internal/backend"
	"callsync/internal/callerr"
	"callsync/internal/calls"
	"callsync/internal/store"
	"callsync/pkg/logger"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

const DefaultRingTimeout = 60 * time.Second

var ringing = []calls.Status{calls.StatusInitiating, calls.StatusCalling}

type Config struct {
	// RingTimeout is how long a call may ring before it reads as expired.
	RingTimeout time.Duration
	Clock       clock.Clock
	Logger      *slog.Logger
}

type Service struct {
	sessions store.Sessions
	presence store.Presence
	ring     time.Duration
	clock    clock.Clock
	log      *slog.Logger
}

func NewService(sessions store.Sessions, presence store.Presence, cfg Config) *Service {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		sessions: sessions,
		presence: presence,
		ring:     cfg.RingTimeout,
		clock:    cfg.Clock,
		log:      cfg.Logger.With("component", "callsvc"),
	}
}

// CreateCall rings receiverID on behalf of callerID.
func (s *Service) CreateCall(ctx context.Context, callerID, receiverID string, typ calls.CallType) (calls.Session, error) {
	const op = "createCall"
	if receiverID == "" || receiverID == callerID {
		return calls.Session{}, callerr.Validationf(op, callerr.CodeInvalidArgument, "receiver_id must name another user")
	}
	switch typ {
	case "":
		typ = calls.CallTypeVideo
	case calls.CallTypeVideo, calls.CallTypeAudio:
	default:
		return calls.Session{}, callerr.Validationf(op, callerr.CodeInvalidArgument, "unknown call type %q", typ)
	}

	blocked, err := s.sessions.Blocked(ctx, callerID, receiverID)
	if err != nil {
		return calls.Session{}, err
	}
	if blocked {
		return calls.Session{}, callerr.Validationf(op, callerr.CodeBlocked, "call not permitted")
	}

	busy, err := s.live(ctx, callerID)
	if err != nil {
		return calls.Session{}, err
	}
	if len(busy) > 0 {
		return calls.Session{}, callerr.Validationf(op, callerr.CodeCallInProgress, "caller already in a call")
	}
	busy, err = s.live(ctx, receiverID)
	if err != nil {
		return calls.Session{}, err
	}
	if len(busy) > 0 {
		return calls.Session{}, callerr.Validationf(op, callerr.CodeUnavailable, "receiver is busy")
	}
	if rec, ok, err := s.presence.Get(ctx, receiverID); err != nil {
		return calls.Session{}, err
	} else if ok && rec.Activity == calls.ActivityInCall {
		return calls.Session{}, callerr.Validationf(op, callerr.CodeUnavailable, "receiver is busy")
	}

	now := s.clock.Now().UTC()
	sess := calls.Session{
		ID:         uuid.NewString(),
		CallerID:   callerID,
		ReceiverID: receiverID,
		RoomName:   "room-" + uuid.NewString(),
		Type:       typ,
		Status:     calls.StatusCalling,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := s.sessions.Insert(ctx, sess); err != nil {
		if errors.Is(err, store.ErrConflict) {
			// Lost a race with another create for one of the two users.
			return calls.Session{}, callerr.Validation(op, callerr.CodeCallInProgress, err)
		}
		return calls.Session{}, err
	}
	s.logFor(ctx).Info("call created", "call_id", sess.ID, "caller_id", callerID, "receiver_id", receiverID)
	return sess, nil
}

// GetStatus returns the call as seen by one of its parties.
func (s *Service) GetStatus(ctx context.Context, userID, callID string) (calls.Session, error) {
	return s.party(ctx, "getCallStatus", userID, callID)
}

// Cancel hangs up a ringing call. Cancelling a call that already ended returns
// its final state so a retried cancel is harmless.
func (s *Service) Cancel(ctx context.Context, userID, callID string) (calls.Session, error) {
	const op = "cancelCall"
	sess, err := s.party(ctx, op, userID, callID)
	if err != nil {
		return calls.Session{}, err
	}
	if sess.CallerID != userID {
		return calls.Session{}, callerr.Validationf(op, callerr.CodeNotCalling, "only the caller can cancel")
	}
	if sess.Status.Terminal() {
		return sess, nil
	}

	out, err := s.sessions.Transition(ctx, callID, ringing, calls.StatusCancelled, s.clock.Now().UTC())
	switch {
	case errors.Is(err, store.ErrStale):
		if out.Status.Terminal() {
			return out, nil
		}
		return calls.Session{}, callerr.Validationf(op, callerr.CodeNotCalling, "call is %s", out.Status)
	case err != nil:
		return calls.Session{}, err
	}
	s.logFor(ctx).Info("call cancelled", "call_id", callID)
	return out, nil
}

// Answer accepts or rejects a ringing call. Only the receiver may answer, once.
func (s *Service) Answer(ctx context.Context, userID, callID string, accept bool) (calls.Session, error) {
	const op = "answerCall"
	sess, err := s.party(ctx, op, userID, callID)
	if err != nil {
		return calls.Session{}, err
	}
	if sess.ReceiverID != userID {
		return calls.Session{}, callerr.Validationf(op, callerr.CodeNotFound, "no such incoming call")
	}
	if sess.Status != calls.StatusCalling {
		return calls.Session{}, callerr.Validationf(op, callerr.CodeAlreadyAnswered, "call is %s", sess.Status)
	}

	to := calls.StatusRejected
	if accept {
		to = calls.StatusActive
	}
	out, err := s.sessions.Transition(ctx, callID, []calls.Status{calls.StatusCalling}, to, s.clock.Now().UTC())
	switch {
	case errors.Is(err, store.ErrStale):
		return calls.Session{}, callerr.Validationf(op, callerr.CodeAlreadyAnswered, "call is %s", out.Status)
	case err != nil:
		return calls.Session{}, err
	}
	s.logFor(ctx).Info("call answered", "call_id", callID, "status", out.Status)
	return out, nil
}

// Incoming returns the call ringing for userID, or nil.
func (s *Service) Incoming(ctx context.Context, userID string) (*calls.Session, error) {
	live, err := s.live(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, sess := range live {
		if sess.ReceiverID == userID && sess.Status == calls.StatusCalling {
			out := sess
			return &out, nil
		}
	}
	return nil, nil
}

// ReportPresence overwrites the user's presence record.
func (s *Service) ReportPresence(ctx context.Context, userID string, role calls.Role, activity calls.Activity, room string) error {
	const op = "reportPresence"
	if !activity.Valid() {
		return callerr.Validationf(op, callerr.CodeInvalidArgument, "unknown activity %q", activity)
	}
	if activity == calls.ActivityInCall && room == "" {
		return callerr.Validationf(op, callerr.CodeInvalidArgument, "room required while in_call")
	}
	if activity != calls.ActivityInCall {
		room = ""
	}
	return s.presence.Put(ctx, calls.PresenceRecord{
		UserID:    userID,
		Role:      role,
		Activity:  activity,
		Room:      room,
		Timestamp: s.clock.Now().UTC(),
	})
}

// GlobalStatus is every live session attributed to userID plus their latest presence.
func (s *Service) GlobalStatus(ctx context.Context, userID string) (backend.GlobalStatus, error) {
	live, err := s.live(ctx, userID)
	if err != nil {
		return backend.GlobalStatus{}, err
	}
	out := backend.GlobalStatus{Sessions: live, CurrentActivity: calls.ActivityIdle}
	if out.Sessions == nil {
		out.Sessions = []calls.Session{}
	}
	rec, ok, err := s.presence.Get(ctx, userID)
	if err != nil {
		return backend.GlobalStatus{}, err
	}
	if ok {
		out.CurrentActivity = rec.Activity
		out.CurrentRoom = rec.Room
	}
	return out, nil
}

// RoomParticipants is the lifecycle of room and the parties whose fresh presence
// places them in it. Only a party of the call may read it.
func (s *Service) RoomParticipants(ctx context.Context, userID, room string) (backend.RoomParticipants, error) {
	const op = "getRoomParticipants"
	sess, err := s.sessions.GetByRoom(ctx, room)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !sess.Involves(userID)) {
		return backend.RoomParticipants{}, callerr.Validationf(op, callerr.CodeNotFound, "no such room")
	}
	if err != nil {
		return backend.RoomParticipants{}, err
	}
	if sess, err = s.expire(ctx, sess); err != nil {
		return backend.RoomParticipants{}, err
	}

	out := backend.RoomParticipants{SessionStatus: calls.RoomStatusFor(sess.Status), Participants: []calls.Participant{}}
	if out.SessionStatus == calls.RoomEnded {
		return out, nil
	}
	recs, err := s.presence.InRoom(ctx, room)
	if err != nil {
		return backend.RoomParticipants{}, err
	}
	for _, rec := range recs {
		if sess.Involves(rec.UserID) {
			out.Participants = append(out.Participants, calls.Participant{UserID: rec.UserID, Role: rec.Role})
		}
	}
	return out, nil
}

// Cleanup keeps the most recent live session of userID and cancels the rest.
func (s *Service) Cleanup(ctx context.Context, userID, reason string) (int, error) {
	live, err := s.live(ctx, userID)
	if err != nil {
		return 0, err
	}
	if len(live) < 2 {
		return 0, nil
	}

	now := s.clock.Now().UTC()
	n := 0
	// live is oldest first; the last entry survives.
	for _, sess := range live[:len(live)-1] {
		_, err := s.sessions.Transition(ctx, sess.ID, []calls.Status{calls.StatusInitiating, calls.StatusCalling, calls.StatusActive}, calls.StatusCancelled, now)
		if errors.Is(err, store.ErrStale) {
			continue
		}
		if err != nil {
			return n, err
		}
		n++
	}
	s.logFor(ctx).Warn("sessions force-cleaned", "user_id", userID, "reason", reason, "terminated", n, "kept_call_id", live[len(live)-1].ID)
	return n, nil
}

// Block stops calls between the two users in either direction.
func (s *Service) Block(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == "" || blockedID == "" || blockerID == blockedID {
		return callerr.Validationf("block", callerr.CodeInvalidArgument, "two distinct users required")
	}
	return s.sessions.Block(ctx, blockerID, blockedID)
}

// party loads callID for one of its parties, applying ring expiry. Calls of
// other users read as not found.
func (s *Service) party(ctx context.Context, op, userID, callID string) (calls.Session, error) {
	sess, err := s.sessions.Get(ctx, callID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !sess.Involves(userID)) {
		return calls.Session{}, callerr.Validationf(op, callerr.CodeNotFound, "no such call")
	}
	if err != nil {
		return calls.Session{}, err
	}
	return s.expire(ctx, sess)
}

// live returns userID's live sessions after expiring overdue ones, oldest first.
func (s *Service) live(ctx context.Context, userID string) ([]calls.Session, error) {
	cur, err := s.sessions.LiveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := cur[:0]
	for _, sess := range cur {
		got, err := s.expire(ctx, sess)
		if err != nil {
			return nil, err
		}
		if got.Status.Live() {
			out = append(out, got)
		}
	}
	return out, nil
}

// expire moves a ringing session past the ring timeout to expired.
func (s *Service) expire(ctx context.Context, sess calls.Session) (calls.Session, error) {
	if sess.Status != calls.StatusCalling && sess.Status != calls.StatusInitiating {
		return sess, nil
	}
	now := s.clock.Now()
	if now.Sub(sess.CreatedAt) < s.ring {
		return sess, nil
	}
	out, err := s.sessions.Transition(ctx, sess.ID, ringing, calls.StatusExpired, now.UTC())
	if errors.Is(err, store.ErrStale) {
		return out, nil
	}
	if err != nil {
		return calls.Session{}, fmt.Errorf("callsvc: expire %s: %w", sess.ID, err)
	}
	s.logFor(ctx).Info("call expired", "call_id", sess.ID)
	return out, nil
}

// logFor prefers the request-scoped logger carried by ctx.
func (s *Service) logFor(ctx context.Context) *slog.Logger {
	if l, ok := logger.Lookup(ctx); ok {
		return l.With("component", "callsvc")
	}
	return s.log
}
