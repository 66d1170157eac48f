package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"callsync/internal/calls"

	"github.com/benbjohnson/clock"
)

// MemoryPresence keeps presence in process. Staleness is evaluated on read.
type MemoryPresence struct {
	ttl   time.Duration
	clock clock.Clock

	mu      sync.Mutex
	records map[string]calls.PresenceRecord
}

var _ Presence = (*MemoryPresence)(nil)

func NewMemoryPresence(ttl time.Duration, clk clock.Clock) *MemoryPresence {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryPresence{ttl: ttl, clock: clk, records: make(map[string]calls.PresenceRecord)}
}

func (m *MemoryPresence) Put(ctx context.Context, rec calls.PresenceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserID] = rec
	return nil
}

func (m *MemoryPresence) Get(ctx context.Context, userID string) (calls.PresenceRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[userID]
	if !ok || !rec.Fresh(m.clock.Now(), m.ttl) {
		return calls.PresenceRecord{}, false, nil
	}
	return rec, true, nil
}

func (m *MemoryPresence) InRoom(ctx context.Context, room string) ([]calls.PresenceRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	var out []calls.PresenceRecord
	for _, rec := range m.records {
		if rec.Activity == calls.ActivityInCall && rec.Room == room && rec.Fresh(now, m.ttl) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}
