package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"callsync/internal/calls"
)

// MemorySessions is an in-process Sessions used for local runs and tests.
type MemorySessions struct {
	mu       sync.Mutex
	sessions map[string]calls.Session
	blocks   map[[2]string]struct{}
}

var _ Sessions = (*MemorySessions)(nil)

func NewMemorySessions() *MemorySessions {
	return &MemorySessions{
		sessions: make(map[string]calls.Session),
		blocks:   make(map[[2]string]struct{}),
	}
}

func (m *MemorySessions) Insert(ctx context.Context, s calls.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cur := range m.sessions {
		if !cur.Status.Live() {
			continue
		}
		if cur.Involves(s.CallerID) || cur.Involves(s.ReceiverID) {
			return ErrConflict
		}
	}
	m.sessions[s.ID] = s
	return nil
}

func (m *MemorySessions) Get(ctx context.Context, id string) (calls.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return calls.Session{}, ErrNotFound
	}
	return s, nil
}

func (m *MemorySessions) GetByRoom(ctx context.Context, room string) (calls.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.RoomName == room {
			return s, nil
		}
	}
	return calls.Session{}, ErrNotFound
}

func (m *MemorySessions) Transition(ctx context.Context, id string, from []calls.Status, to calls.Status, at time.Time) (calls.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return calls.Session{}, ErrNotFound
	}
	if !slices.Contains(from, s.Status) {
		return s, ErrStale
	}
	s.Status = to
	s.UpdatedAt = at
	m.sessions[id] = s
	return s, nil
}

func (m *MemorySessions) LiveForUser(ctx context.Context, userID string) ([]calls.Session, error) {
	return m.filter(func(s calls.Session) bool { return s.Involves(userID) && s.Status.Live() }), nil
}

func (m *MemorySessions) ListForUser(ctx context.Context, userID string, from, to time.Time) ([]calls.Session, error) {
	return m.filter(func(s calls.Session) bool {
		return s.Involves(userID) && !s.CreatedAt.Before(from) && s.CreatedAt.Before(to)
	}), nil
}

func (m *MemorySessions) filter(keep func(calls.Session) bool) []calls.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []calls.Session
	for _, s := range m.sessions {
		if keep(s) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (m *MemorySessions) Block(ctx context.Context, blockerID, blockedID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocks[[2]string{blockerID, blockedID}] = struct{}{}
	return nil
}

func (m *MemorySessions) Blocked(ctx context.Context, a, b string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ab := m.blocks[[2]string{a, b}]
	_, ba := m.blocks[[2]string{b, a}]
	return ab || ba, nil
}

// Seed stores s without the live-session check. It exists to load fixtures.
func (m *MemorySessions) Seed(s calls.Session) {
	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()
}
