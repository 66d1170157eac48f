package calls

import "time"

// Activity is what a user is doing right now, as seen by matchmaking.
type Activity string

const (
	ActivityIdle     Activity = "idle"
	ActivityBrowsing Activity = "browsing"
	ActivityInCall   Activity = "in_call"
)

func (a Activity) Valid() bool {
	switch a {
	case ActivityIdle, ActivityBrowsing, ActivityInCall:
		return true
	default:
		return false
	}
}

// PresenceRecord is the latest liveness signal of one user. It is overwritten on
// every presence tick.
type PresenceRecord struct {
	UserID   string   `json:"user_id"`
	Role     Role     `json:"role,omitempty"`
	Activity Activity `json:"activity_type"`
	// Room is empty unless Activity is in_call.
	Room      string    `json:"room,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Fresh reports whether the record was written within ttl of now.
func (p PresenceRecord) Fresh(now time.Time, ttl time.Duration) bool {
	return !p.Timestamp.IsZero() && now.Sub(p.Timestamp) <= ttl
}

// RoomStatus is the lifecycle of a media room as reported by the backend.
type RoomStatus string

const (
	RoomWaiting RoomStatus = "waiting"
	RoomActive  RoomStatus = "active"
	RoomEnded   RoomStatus = "ended"
)

// RoomStatusFor derives the room lifecycle from the status of the call that owns it.
func RoomStatusFor(s Status) RoomStatus {
	switch s {
	case StatusActive:
		return RoomActive
	case StatusInitiating, StatusCalling:
		return RoomWaiting
	default:
		return RoomEnded
	}
}

// Participant is one roster entry of a media room.
type Participant struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}
