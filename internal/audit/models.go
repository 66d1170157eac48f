package audit

import "time"

// Event is an immutable, append-only record of a corrective action taken on a
// user's call session.
//
// Invariants:
// - Events are never updated or deleted.
// - user_id is required.
// - Recording is best-effort; a failed append never blocks the action it describes.
type Event struct {
	ID     string `json:"id" db:"id"`
	UserID string `json:"user_id" db:"user_id"`

	Type EventType `json:"type" db:"type"`

	CallID string `json:"call_id,omitempty" db:"call_id"`
	Room   string `json:"room,omitempty" db:"room"`

	// Kinds lists the inconsistency kinds that triggered the action.
	Kinds []string `json:"kinds,omitempty" db:"kinds"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeForceCleanup EventType = "force_cleanup"
	EventTypeRedirect     EventType = "redirect"
	EventTypeResync       EventType = "resync"
	EventTypeSyncFailed   EventType = "sync_failed"
)

func (t EventType) Valid() bool {
	switch t {
	case EventTypeForceCleanup, EventTypeRedirect, EventTypeResync, EventTypeSyncFailed:
		return true
	default:
		return false
	}
}
