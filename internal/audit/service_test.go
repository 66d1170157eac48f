package audit

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestService_AppendRequiresUserAndType(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)

	if err := svc.Append(context.Background(), Event{Type: EventTypeRedirect}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent without user, got %v", err)
	}
	if err := svc.Append(context.Background(), Event{UserID: "u", Type: "bogus"}); !errors.Is(err, ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent for unknown type, got %v", err)
	}
	if len(repo.Events()) != 0 {
		t.Fatalf("expected nothing stored")
	}
}

func TestService_RecordFillsIDAndTime(t *testing.T) {
	repo := NewMemoryRepo()
	now := time.Unix(1700000000, 0)
	svc := NewService(repo).WithClock(func() time.Time { return now })

	kinds := []string{"multiple_active_sessions"}
	if err := svc.Record(context.Background(), "u1", EventTypeForceCleanup, "call-1", "room-1", kinds, "terminated 1"); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	kinds[0] = "mutated"

	evs := repo.Events()
	if len(evs) != 1 {
		t.Fatalf("expected 1 event")
	}
	if evs[0].ID == "" || !evs[0].CreatedAt.Equal(now) {
		t.Fatalf("expected id and timestamp filled, got %+v", evs[0])
	}
	if evs[0].Kinds[0] != "multiple_active_sessions" {
		t.Fatalf("expected stored kinds to be a copy")
	}
	if repo.Count(EventTypeForceCleanup) != 1 || repo.Count(EventTypeResync) != 0 {
		t.Fatalf("unexpected counts")
	}
}

func TestService_NilRepository(t *testing.T) {
	var svc *Service
	if err := svc.Append(context.Background(), Event{UserID: "u", Type: EventTypeResync}); !errors.Is(err, ErrNoRepository) {
		t.Fatalf("expected ErrNoRepository, got %v", err)
	}
}
