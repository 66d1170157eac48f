// Package store persists call sessions and presence for the reference backend.
package store

import (
	"context"
	"errors"
	"time"

	"callsync/internal/calls"
)

var (
	ErrNotFound = errors.New("store: not found")
	// ErrConflict means a participant already holds a live session.
	ErrConflict = errors.New("store: participant already in a live session")
	// ErrStale means a compare-and-set transition found an unexpected status.
	ErrStale = errors.New("store: session status changed")
)

// Sessions persists call sessions. Insert and Transition are atomic with
// respect to each other for the users involved.
type Sessions interface {
	// Insert stores s unless its caller or receiver holds a live session.
	Insert(ctx context.Context, s calls.Session) error
	Get(ctx context.Context, id string) (calls.Session, error)
	GetByRoom(ctx context.Context, room string) (calls.Session, error)
	// Transition moves session id to status to if its current status is one of
	// from. On ErrStale the returned session holds the current state.
	Transition(ctx context.Context, id string, from []calls.Status, to calls.Status, at time.Time) (calls.Session, error)
	// LiveForUser returns the user's non-terminal sessions, oldest first.
	LiveForUser(ctx context.Context, userID string) ([]calls.Session, error)
	// ListForUser returns every session of the user created in [from, to).
	ListForUser(ctx context.Context, userID string, from, to time.Time) ([]calls.Session, error)

	Block(ctx context.Context, blockerID, blockedID string) error
	// Blocked reports whether either user blocked the other.
	Blocked(ctx context.Context, a, b string) (bool, error)
}

// Presence keeps the latest presence record per user. Records older than the
// store's TTL are not returned.
type Presence interface {
	Put(ctx context.Context, rec calls.PresenceRecord) error
	Get(ctx context.Context, userID string) (calls.PresenceRecord, bool, error)
	// InRoom returns fresh in_call records for room.
	InRoom(ctx context.Context, room string) ([]calls.PresenceRecord, error)
}
