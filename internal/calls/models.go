package calls

import "time"

// Session represents one call attempt between a caller and a receiver.
//
// Invariant: at most one Session with a live status (initiating, calling, active)
// exists per user at any time. The backend enforces it; the reconciler detects
// client-side violations.
type Session struct {
	ID         string `json:"call_id" db:"id"`
	CallerID   string `json:"caller_id" db:"caller_id"`
	ReceiverID string `json:"receiver_id" db:"receiver_id"`

	// RoomName identifies the media room both parties join once the call is active.
	RoomName string `json:"room_name" db:"room_name"`

	Type   CallType `json:"type,omitempty" db:"call_type"`
	Status Status   `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at,omitempty" db:"updated_at"`
}

// Involves reports whether userID is one of the two parties.
func (s Session) Involves(userID string) bool {
	return userID != "" && (s.CallerID == userID || s.ReceiverID == userID)
}

// Peer returns the other party from userID's point of view.
func (s Session) Peer(userID string) string {
	if s.CallerID == userID {
		return s.ReceiverID
	}
	return s.CallerID
}

type Status string

const (
	StatusInitiating Status = "initiating"
	StatusCalling    Status = "calling"
	StatusActive     Status = "active"
	StatusRejected   Status = "rejected"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// Live reports whether the status still counts against the one-session-per-user rule.
func (s Status) Live() bool {
	switch s {
	case StatusInitiating, StatusCalling, StatusActive:
		return true
	default:
		return false
	}
}

func (s Status) Terminal() bool { return !s.Live() }

func (s Status) Valid() bool {
	switch s {
	case StatusInitiating, StatusCalling, StatusActive, StatusRejected, StatusCancelled, StatusExpired:
		return true
	default:
		return false
	}
}

type CallType string

const (
	CallTypeVideo CallType = "video"
	CallTypeAudio CallType = "audio"
)

// Role is the kind of account a participant holds on the platform.
type Role string

const (
	RoleModel  Role = "model"
	RoleClient Role = "client"
)

func (r Role) Valid() bool { return r == RoleModel || r == RoleClient }

// TerminationReason is the single human-readable outcome surfaced for a finished call.
type TerminationReason string

const (
	ReasonRejected        TerminationReason = "rejected"
	ReasonExpired         TerminationReason = "expired"
	ReasonCancelled       TerminationReason = "cancelled"
	ReasonBlocked         TerminationReason = "blocked"
	ReasonConnectionError TerminationReason = "connection_error"
)

// ReasonForStatus maps a terminal server status to the reason shown to users.
func ReasonForStatus(s Status) TerminationReason {
	switch s {
	case StatusRejected:
		return ReasonRejected
	case StatusCancelled:
		return ReasonCancelled
	case StatusExpired:
		return ReasonExpired
	default:
		return ReasonConnectionError
	}
}

// RedirectMessage is the generic outcome shown when the reconciler resets a session.
// Reconciliation detail is never surfaced to end users.
const RedirectMessage = "session was reset, please search again"
