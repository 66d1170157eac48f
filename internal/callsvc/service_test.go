package callsvc

import (
	"context"
	"testing"
	"time"

	"callsync/internal/callerr"
	"callsync/internal/calls"
	"callsync/internal/store"

	"github.com/benbjohnson/clock"
)

func newService(t *testing.T) (*Service, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	svc := NewService(store.NewMemorySessions(), store.NewMemoryPresence(time.Minute, mock), Config{RingTimeout: 30 * time.Second, Clock: mock})
	return svc, mock
}

func expectCode(t *testing.T, err error, code string) {
	t.Helper()
	if !callerr.IsValidation(err) || !callerr.HasCode(err, code) {
		t.Fatalf("expected validation %q, got %v", code, err)
	}
}

func TestCreateCall_OneLiveSessionPerUser(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	sess, err := svc.CreateCall(ctx, "client-1", "model-1", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if sess.Status != calls.StatusCalling || sess.RoomName == "" || sess.Type != calls.CallTypeVideo {
		t.Fatalf("unexpected session %+v", sess)
	}

	_, err = svc.CreateCall(ctx, "client-1", "model-2", calls.CallTypeAudio)
	expectCode(t, err, callerr.CodeCallInProgress)

	_, err = svc.CreateCall(ctx, "client-2", "model-1", "")
	expectCode(t, err, callerr.CodeUnavailable)

	_, err = svc.CreateCall(ctx, "client-1", "client-1", "")
	expectCode(t, err, callerr.CodeInvalidArgument)
}

func TestCreateCall_ReceiverInCallIsUnavailable(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if err := svc.ReportPresence(ctx, "model-1", calls.RoleModel, calls.ActivityInCall, "room-x"); err != nil {
		t.Fatalf("presence: %v", err)
	}
	_, err := svc.CreateCall(ctx, "client-1", "model-1", "")
	expectCode(t, err, callerr.CodeUnavailable)
}

func TestCreateCall_Blocked(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	if err := svc.Block(ctx, "model-1", "client-1"); err != nil {
		t.Fatalf("block: %v", err)
	}
	_, err := svc.CreateCall(ctx, "client-1", "model-1", "")
	expectCode(t, err, callerr.CodeBlocked)
}

func TestAnswer_OnlyOnce(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	sess, _ := svc.CreateCall(ctx, "client-1", "model-1", "")

	if _, err := svc.Answer(ctx, "client-1", sess.ID, true); !callerr.HasCode(err, callerr.CodeNotFound) {
		t.Fatalf("expected caller answer to be refused, got %v", err)
	}

	out, err := svc.Answer(ctx, "model-1", sess.ID, true)
	if err != nil || out.Status != calls.StatusActive {
		t.Fatalf("answer: %+v %v", out, err)
	}
	_, err = svc.Answer(ctx, "model-1", sess.ID, false)
	expectCode(t, err, callerr.CodeAlreadyAnswered)
}

func TestCancel_IsRetrySafe(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	sess, _ := svc.CreateCall(ctx, "client-1", "model-1", "")

	_, err := svc.Cancel(ctx, "model-1", sess.ID)
	expectCode(t, err, callerr.CodeNotCalling)

	for i := 0; i < 2; i++ {
		out, err := svc.Cancel(ctx, "client-1", sess.ID)
		if err != nil || out.Status != calls.StatusCancelled {
			t.Fatalf("cancel %d: %+v %v", i, out, err)
		}
	}
}

func TestCancel_ActiveCallIsNotCalling(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	sess, _ := svc.CreateCall(ctx, "client-1", "model-1", "")
	_, _ = svc.Answer(ctx, "model-1", sess.ID, true)

	_, err := svc.Cancel(ctx, "client-1", sess.ID)
	expectCode(t, err, callerr.CodeNotCalling)
}

func TestRingTimeoutExpiresLazily(t *testing.T) {
	svc, mock := newService(t)
	ctx := context.Background()
	sess, _ := svc.CreateCall(ctx, "client-1", "model-1", "")

	if in, _ := svc.Incoming(ctx, "model-1"); in == nil || in.ID != sess.ID {
		t.Fatalf("expected ringing call, got %+v", in)
	}

	mock.Add(31 * time.Second)
	got, err := svc.GetStatus(ctx, "client-1", sess.ID)
	if err != nil || got.Status != calls.StatusExpired {
		t.Fatalf("expected expired, got %+v %v", got, err)
	}
	if in, _ := svc.Incoming(ctx, "model-1"); in != nil {
		t.Fatalf("expected no incoming call after expiry")
	}
	if _, err := svc.CreateCall(ctx, "client-1", "model-1", ""); err != nil {
		t.Fatalf("expected a new call after expiry, got %v", err)
	}
}

func TestGetStatus_HidesOtherUsersCalls(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	sess, _ := svc.CreateCall(ctx, "client-1", "model-1", "")
	_, err := svc.GetStatus(ctx, "client-9", sess.ID)
	expectCode(t, err, callerr.CodeNotFound)
}

func TestRoomParticipants(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	sess, _ := svc.CreateCall(ctx, "client-1", "model-1", "")

	room, err := svc.RoomParticipants(ctx, "client-1", sess.RoomName)
	if err != nil || room.SessionStatus != calls.RoomWaiting || len(room.Participants) != 0 {
		t.Fatalf("expected waiting empty room, got %+v %v", room, err)
	}

	_, _ = svc.Answer(ctx, "model-1", sess.ID, true)
	_ = svc.ReportPresence(ctx, "client-1", calls.RoleClient, calls.ActivityInCall, sess.RoomName)
	_ = svc.ReportPresence(ctx, "model-1", calls.RoleModel, calls.ActivityInCall, sess.RoomName)
	_ = svc.ReportPresence(ctx, "intruder", calls.RoleClient, calls.ActivityInCall, sess.RoomName)

	room, err = svc.RoomParticipants(ctx, "model-1", sess.RoomName)
	if err != nil || room.SessionStatus != calls.RoomActive || len(room.Participants) != 2 {
		t.Fatalf("expected both parties in active room, got %+v %v", room, err)
	}

	if _, err := svc.RoomParticipants(ctx, "intruder", sess.RoomName); !callerr.HasCode(err, callerr.CodeNotFound) {
		t.Fatalf("expected outsiders to be refused, got %v", err)
	}
}

func TestGlobalStatus_ReflectsPresence(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	gs, err := svc.GlobalStatus(ctx, "client-1")
	if err != nil || gs.CurrentActivity != calls.ActivityIdle || len(gs.Sessions) != 0 {
		t.Fatalf("expected idle with no sessions, got %+v %v", gs, err)
	}

	_ = svc.ReportPresence(ctx, "client-1", calls.RoleClient, calls.ActivityBrowsing, "ignored")
	gs, _ = svc.GlobalStatus(ctx, "client-1")
	if gs.CurrentActivity != calls.ActivityBrowsing || gs.CurrentRoom != "" {
		t.Fatalf("expected browsing without room, got %+v", gs)
	}

	err = svc.ReportPresence(ctx, "client-1", calls.RoleClient, calls.ActivityInCall, "")
	expectCode(t, err, callerr.CodeInvalidArgument)
}

func TestCleanup_KeepsMostRecent(t *testing.T) {
	mock := clock.NewMock()
	mock.Set(time.Unix(1700000000, 0))
	sessions := store.NewMemorySessions()
	svc := NewService(sessions, store.NewMemoryPresence(time.Minute, mock), Config{Clock: mock})
	ctx := context.Background()

	// Duplicates the insert rule would refuse.
	base := mock.Now()
	sessions.Seed(calls.Session{ID: "old", CallerID: "client-1", ReceiverID: "model-1", RoomName: "room-old", Status: calls.StatusActive, CreatedAt: base})
	sessions.Seed(calls.Session{ID: "newest", CallerID: "model-2", ReceiverID: "client-1", RoomName: "room-newest", Status: calls.StatusActive, CreatedAt: base.Add(time.Minute)})

	n, err := svc.Cleanup(ctx, "client-1", "multiple_active_sessions")
	if err != nil || n != 1 {
		t.Fatalf("expected one terminated, got %d %v", n, err)
	}
	gs, _ := svc.GlobalStatus(ctx, "client-1")
	if len(gs.Sessions) != 1 || gs.Sessions[0].ID != "newest" {
		t.Fatalf("expected newest to survive, got %+v", gs.Sessions)
	}
	if old, _ := sessions.Get(ctx, "old"); old.Status != calls.StatusCancelled {
		t.Fatalf("expected old session cancelled, got %s", old.Status)
	}

	if n, _ := svc.Cleanup(ctx, "client-1", "again"); n != 0 {
		t.Fatalf("expected nothing left to clean, got %d", n)
	}
}
