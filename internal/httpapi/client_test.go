package httpapi

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"callsync/internal/auth"
	"callsync/internal/backend"
	"callsync/internal/callerr"
	"callsync/internal/calls"
	"callsync/internal/events"
	"callsync/internal/incoming"
	"callsync/internal/outgoing"
	"callsync/internal/reconcile"
	"callsync/internal/session"
)

func newClient(t *testing.T, srv *httptest.Server, m *auth.Manager, user, role string) *backend.Client {
	t.Helper()
	c, err := backend.NewClient(srv.URL, auth.NewMintingSource(m, user, role), backend.ClientOptions{Timeout: 2 * time.Second})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	return c
}

func TestClient_CallLifecycle(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	ctx := context.Background()

	caller := newClient(t, srv, s.auth, "client-1", "client")
	callee := newClient(t, srv, s.auth, "model-1", "model")

	created, err := caller.CreateCall(ctx, "model-1", calls.CallTypeVideo)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := caller.CreateCall(ctx, "model-2", calls.CallTypeVideo); !callerr.HasCode(err, callerr.CodeCallInProgress) {
		t.Fatalf("expected call_in_progress, got %v", err)
	}

	in, err := callee.CheckIncomingCall(ctx, "model-1")
	if err != nil || in == nil || in.ID != created.CallID {
		t.Fatalf("expected incoming call, got %+v %v", in, err)
	}

	ans, err := callee.AnswerCall(ctx, created.CallID, true)
	if err != nil || ans.Status != calls.StatusActive || ans.RoomName != created.RoomName {
		t.Fatalf("answer: %+v %v", ans, err)
	}
	if _, err := callee.AnswerCall(ctx, created.CallID, true); !callerr.HasCode(err, callerr.CodeAlreadyAnswered) {
		t.Fatalf("expected already_answered, got %v", err)
	}

	st, err := caller.GetCallStatus(ctx, created.CallID)
	if err != nil || st.Status != calls.StatusActive {
		t.Fatalf("status: %+v %v", st, err)
	}

	for _, c := range []struct {
		cl   *backend.Client
		user string
	}{{caller, "client-1"}, {callee, "model-1"}} {
		if err := c.cl.ReportPresence(ctx, c.user, calls.ActivityInCall, created.RoomName); err != nil {
			t.Fatalf("presence: %v", err)
		}
	}
	room, err := caller.GetRoomParticipants(ctx, created.RoomName)
	if err != nil || room.SessionStatus != calls.RoomActive || len(room.Participants) != 2 {
		t.Fatalf("room: %+v %v", room, err)
	}

	gs, err := caller.GetGlobalSessionStatus(ctx, "client-1")
	if err != nil || len(gs.Sessions) != 1 || gs.CurrentRoom != created.RoomName {
		t.Fatalf("global: %+v %v", gs, err)
	}
	if n, err := caller.ForceSessionCleanup(ctx, "client-1", "test"); err != nil || n != 0 {
		t.Fatalf("cleanup: %d %v", n, err)
	}
}

func TestClient_ErrorClassification(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	ctx := context.Background()

	c := newClient(t, srv, s.auth, "client-1", "client")
	if _, err := c.GetGlobalSessionStatus(ctx, "client-2"); !callerr.IsAuth(err) {
		t.Fatalf("expected auth error for another user, got %v", err)
	}
	if _, err := c.GetCallStatus(ctx, "missing"); !callerr.IsValidation(err) || !callerr.HasCode(err, callerr.CodeNotFound) {
		t.Fatalf("expected not_found, got %v", err)
	}

	bad, err := backend.NewClient(srv.URL, backend.StaticToken("garbage"), backend.ClientOptions{})
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	if _, err := bad.CheckIncomingCall(ctx, "client-1"); !callerr.IsAuth(err) {
		t.Fatalf("expected auth error for bad token, got %v", err)
	}

	srv.Close()
	if _, err := c.CheckIncomingCall(ctx, "client-1"); !callerr.IsTransport(err) {
		t.Fatalf("expected transport error when server is gone, got %v", err)
	}
}

type eventLog struct {
	mu  sync.Mutex
	evs []events.Event
}

func (l *eventLog) handle(e events.Event) {
	l.mu.Lock()
	l.evs = append(l.evs, e)
	l.mu.Unlock()
}

func (l *eventLog) count(k events.Kind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.evs {
		if e.Kind == k {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func startSession(t *testing.T, api backend.API, user string, role calls.Role) (*session.Context, *eventLog) {
	t.Helper()
	sc, err := session.New(api, session.Config{
		UserID:    user,
		Role:      role,
		Outgoing:  outgoing.Config{PollInterval: 20 * time.Millisecond},
		Incoming:  incoming.Config{PollInterval: 20 * time.Millisecond},
		Reconcile: reconcile.Config{Interval: time.Hour},
	})
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	log := &eventLog{}
	sc.Subscribe(log.handle)
	if err := sc.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(sc.StopAll)
	return sc, log
}

func TestSessions_EndToEnd(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()
	ctx := context.Background()

	clientAPI := newClient(t, srv, s.auth, "client-1", "client")
	modelAPI := newClient(t, srv, s.auth, "model-1", "model")
	client, clientEvents := startSession(t, clientAPI, "client-1", calls.RoleClient)
	model, modelEvents := startSession(t, modelAPI, "model-1", calls.RoleModel)

	call, err := client.StartCall(ctx, "model-1")
	if err != nil {
		t.Fatalf("start call: %v", err)
	}

	waitFor(t, "incoming call", func() bool { return modelEvents.count(events.IncomingCall) == 1 })
	if _, err := model.AnswerIncoming(ctx, true); err != nil {
		t.Fatalf("answer: %v", err)
	}

	waitFor(t, "caller active", func() bool { return clientEvents.count(events.CallActive) == 1 })
	waitFor(t, "both parties in room", func() bool {
		room, err := clientAPI.GetRoomParticipants(ctx, call.RoomName)
		return err == nil && len(room.Participants) == 2
	})

	if !client.ForceSync(ctx) || !model.ForceSync(ctx) {
		t.Fatalf("expected reconciliation passes to run")
	}
	if clientEvents.count(events.RedirectRequired) != 0 || modelEvents.count(events.RedirectRequired) != 0 {
		t.Fatalf("healthy call must not redirect")
	}
	if !client.View().InCall || !model.View().InCall {
		t.Fatalf("expected both sides in call")
	}

	client.StopAll()
	if _, err := client.StartCall(ctx, "model-1"); !errors.Is(err, session.ErrStopped) {
		t.Fatalf("expected ErrStopped, got %v", err)
	}
}
