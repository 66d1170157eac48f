package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"callsync/internal/callerr"
	"callsync/internal/calls"

	"github.com/benbjohnson/clock"
)

type sent struct {
	userID   string
	activity calls.Activity
	room     string
}

type fakeBackend struct {
	mu   sync.Mutex
	sent []sent
	err  error
}

func (f *fakeBackend) ReportPresence(ctx context.Context, userID string, activity calls.Activity, room string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{userID, activity, room})
	return f.err
}

func (f *fakeBackend) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func (f *fakeBackend) lastSent() sent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestReporter_StartEmitsImmediately(t *testing.T) {
	be := &fakeBackend{}
	mock := clock.NewMock()
	r := NewReporter(be, Config{Clock: mock})

	if err := r.Start(context.Background(), "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	waitFor(t, func() bool { return be.count() >= 1 })
	got := be.lastSent()
	if got.userID != "u1" || got.activity != calls.ActivityBrowsing || got.room != "" {
		t.Fatalf("unexpected first emission: %+v", got)
	}
	waitFor(t, func() bool { _, ok := r.Last(); return ok })
}

func TestReporter_RequiresUser(t *testing.T) {
	r := NewReporter(&fakeBackend{}, Config{Clock: clock.NewMock()})
	if err := r.Start(context.Background(), ""); !errors.Is(err, ErrNoUser) {
		t.Fatalf("expected ErrNoUser, got %v", err)
	}
}

func TestReporter_InCallCarriesRoom(t *testing.T) {
	be := &fakeBackend{}
	r := NewReporter(be, Config{Clock: clock.NewMock()})
	r.mu.Lock()
	r.userID = "u1"
	r.mu.Unlock()

	r.SetActivity(calls.ActivityInCall, "room-9")
	if !r.EmitNow(context.Background()) {
		t.Fatalf("expected emission to succeed")
	}
	got := be.lastSent()
	if got.activity != calls.ActivityInCall || got.room != "room-9" {
		t.Fatalf("unexpected emission: %+v", got)
	}

	r.SetActivity(calls.ActivityIdle, "room-9")
	if act, room := r.Intent(); act != calls.ActivityIdle || room != "" {
		t.Fatalf("expected room dropped outside a call, got %q %q", act, room)
	}
}

func TestReporter_FailureIsSwallowed(t *testing.T) {
	be := &fakeBackend{err: callerr.Transport("reportPresence", errors.New("timeout"))}
	var authCalls int
	r := NewReporter(be, Config{Clock: clock.NewMock(), AuthFailed: func(error) { authCalls++ }})
	r.mu.Lock()
	r.userID = "u1"
	r.mu.Unlock()

	if r.EmitNow(context.Background()) {
		t.Fatalf("expected failed emission")
	}
	if _, ok := r.Last(); ok {
		t.Fatalf("expected no successful record")
	}
	if authCalls != 0 {
		t.Fatalf("transport failure must not be reported as auth failure")
	}

	be.mu.Lock()
	be.err = callerr.Auth("reportPresence", errors.New("expired"))
	be.mu.Unlock()
	r.EmitNow(context.Background())
	if authCalls != 1 {
		t.Fatalf("expected auth hook once, got %d", authCalls)
	}
}

// gatedBackend holds every ReportPresence until released and tracks overlap.
type gatedBackend struct {
	mu          sync.Mutex
	outstanding int
	peak        int
	order       []calls.Activity
	entered     chan struct{}
	release     chan struct{}
}

func (g *gatedBackend) ReportPresence(ctx context.Context, userID string, activity calls.Activity, room string) error {
	g.mu.Lock()
	g.outstanding++
	if g.outstanding > g.peak {
		g.peak = g.outstanding
	}
	g.mu.Unlock()

	g.entered <- struct{}{}
	<-g.release

	g.mu.Lock()
	g.outstanding--
	g.order = append(g.order, activity)
	g.mu.Unlock()
	return nil
}

func TestReporter_EmitNowDoesNotOverlapAndLastWriteWins(t *testing.T) {
	be := &gatedBackend{entered: make(chan struct{}, 4), release: make(chan struct{})}
	r := NewReporter(be, Config{Clock: clock.NewMock()})
	if err := r.Start(context.Background(), "u1"); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer r.Stop()

	// The immediate browsing emission is now held open.
	<-be.entered

	r.SetActivity(calls.ActivityInCall, "room-1")
	if r.EmitNow(context.Background()) {
		t.Fatalf("expected EmitNow to fold into the outstanding emission")
	}

	be.release <- struct{}{}
	<-be.entered
	be.release <- struct{}{}

	waitFor(t, func() bool {
		rec, ok := r.Last()
		return ok && rec.Activity == calls.ActivityInCall
	})

	be.mu.Lock()
	defer be.mu.Unlock()
	if be.peak != 1 {
		t.Fatalf("expected at most one outstanding emission, got %d", be.peak)
	}
	if len(be.order) != 2 || be.order[0] != calls.ActivityBrowsing || be.order[1] != calls.ActivityInCall {
		t.Fatalf("expected browsing then in_call, got %v", be.order)
	}
}
