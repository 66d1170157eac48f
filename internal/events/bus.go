// Package events is the typed publish/subscribe surface between the call engine
// and whatever view layer drives it.
package events

import (
	"slices"
	"sync"

	"callsync/internal/calls"
)

type Kind string

const (
	CallActive       Kind = "call_active"
	CallTerminated   Kind = "call_terminated"
	IncomingCall     Kind = "incoming_call"
	IncomingCleared  Kind = "incoming_cleared"
	RedirectRequired Kind = "redirect_required"
	SyncFailed       Kind = "sync_failed"
	AuthFailed       Kind = "auth_failed"
)

// Event carries one notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind Kind

	// Session is set for CallActive, IncomingCall and IncomingCleared.
	Session calls.Session

	// Reason is set for CallTerminated.
	Reason calls.TerminationReason

	// Message is the user-facing text for RedirectRequired.
	Message string

	// Err is set for SyncFailed and AuthFailed.
	Err error
}

type Handler func(Event)

// Bus delivers events synchronously, in publish order, to every subscriber.
// Handlers must not block; they run on the publishing loop's goroutine.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]Handler)}
}

// Subscribe registers fn and returns a function that removes it.
func (b *Bus) Subscribe(fn Handler) (unsubscribe func()) {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// On subscribes fn to a single kind.
func (b *Bus) On(kind Kind, fn Handler) (unsubscribe func()) {
	return b.Subscribe(func(e Event) {
		if e.Kind == kind {
			fn(e)
		}
	})
}

func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		handlers = append(handlers, b.subs[id])
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(e)
	}
}

// Publisher is what components need from a Bus.
type Publisher interface {
	Publish(e Event)
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(Event) {}
