// Package reconcile detects and repairs divergence between what a client
// believes about its call session and what the backend knows.
package reconcile

import (
	"slices"
	"strings"

	"callsync/internal/backend"
	"callsync/internal/calls"
)

type Kind string

// Kinds in classification precedence order.
const (
	KindMultipleActiveSessions Kind = "multiple_active_sessions"
	KindSessionMismatch        Kind = "session_mismatch"
	KindUserNotInRoom          Kind = "user_not_in_room"
	KindSessionEndedExternally Kind = "session_ended_externally"
	KindHeartbeatRoomMismatch  Kind = "heartbeat_room_mismatch"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Action is the corrective action dispatched for one kind.
type Action string

const (
	ActionForceCleanup Action = "force_cleanup"
	ActionRedirect     Action = "redirect"
	ActionResync       Action = "resync"
)

func (k Kind) Severity() Severity {
	switch k {
	case KindMultipleActiveSessions, KindUserNotInRoom, KindSessionEndedExternally:
		return SeverityHigh
	case KindSessionMismatch, KindHeartbeatRoomMismatch:
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func (k Kind) Action() Action {
	switch k {
	case KindMultipleActiveSessions:
		return ActionForceCleanup
	case KindHeartbeatRoomMismatch:
		return ActionResync
	default:
		return ActionRedirect
	}
}

// Snapshot is what one reconciliation pass fetched from the backend.
type Snapshot struct {
	Global backend.GlobalStatus
	// Room is nil when the client believes it is in no room.
	Room *backend.RoomParticipants
}

// Evidence is the conflicting data behind an inconsistency.
type Evidence struct {
	Sessions     []calls.Session
	LocalRoom    string
	RoomStatus   calls.RoomStatus
	Participants []calls.Participant
	ReportedRoom string
}

type Inconsistency struct {
	Kind     Kind
	Severity Severity
	Evidence Evidence
}

// Classify compares a snapshot against the local view. Every category is checked
// independently; the result is ordered by precedence and holds at most one entry
// per kind. Classify is pure: the same inputs always give the same result.
func Classify(view calls.View, snap Snapshot) []Inconsistency {
	var out []Inconsistency
	add := func(k Kind, ev Evidence) {
		out = append(out, Inconsistency{Kind: k, Severity: k.Severity(), Evidence: ev})
	}

	if live := LiveSessions(snap.Global.Sessions); len(live) > 1 {
		add(KindMultipleActiveSessions, Evidence{Sessions: live, LocalRoom: view.RoomName})
	}

	if snap.Room != nil && view.RoomName != "" {
		room := *snap.Room
		roomLive := room.SessionStatus == calls.RoomWaiting || room.SessionStatus == calls.RoomActive
		ev := Evidence{LocalRoom: view.RoomName, RoomStatus: room.SessionStatus}

		if roomLive && !knowsRoom(snap.Global.Sessions, view.RoomName) {
			e := ev
			e.Sessions = slices.Clone(snap.Global.Sessions)
			add(KindSessionMismatch, e)
		}
		if roomLive && !inRoster(room.Participants, view) {
			e := ev
			e.Participants = slices.Clone(room.Participants)
			add(KindUserNotInRoom, e)
		}
		if room.SessionStatus == calls.RoomEnded {
			add(KindSessionEndedExternally, ev)
		}
	}

	if view.RoomName != "" && snap.Global.CurrentActivity == calls.ActivityInCall && snap.Global.CurrentRoom != view.RoomName {
		add(KindHeartbeatRoomMismatch, Evidence{LocalRoom: view.RoomName, ReportedRoom: snap.Global.CurrentRoom})
	}
	return out
}

// LiveSessions returns the sessions in a non-terminal state.
func LiveSessions(sessions []calls.Session) []calls.Session {
	var out []calls.Session
	for _, s := range sessions {
		if s.Status.Live() {
			out = append(out, s)
		}
	}
	return out
}

// MostRecent returns the live session created last; ties go to the later entry.
func MostRecent(sessions []calls.Session) (calls.Session, bool) {
	var best calls.Session
	found := false
	for _, s := range sessions {
		if !s.Status.Live() {
			continue
		}
		if !found || !s.CreatedAt.Before(best.CreatedAt) {
			best = s
			found = true
		}
	}
	return best, found
}

func knowsRoom(sessions []calls.Session, room string) bool {
	for _, s := range sessions {
		if s.RoomName == room {
			return true
		}
	}
	return false
}

// inRoster matches on role; an entry that names a user must name this one.
func inRoster(roster []calls.Participant, view calls.View) bool {
	for _, p := range roster {
		if p.Role != view.Role {
			continue
		}
		if p.UserID == "" || p.UserID == view.UserID {
			return true
		}
	}
	return false
}

// fingerprint identifies a set of sessions independent of order.
func fingerprint(sessions []calls.Session) string {
	ids := make([]string, 0, len(sessions))
	for _, s := range sessions {
		ids = append(ids, s.ID)
	}
	slices.Sort(ids)
	return strings.Join(ids, ",")
}

func kindNames(found []Inconsistency) []string {
	out := make([]string, 0, len(found))
	for _, f := range found {
		out = append(out, string(f.Kind))
	}
	return out
}
