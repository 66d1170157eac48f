package reconcile

import (
	"testing"
	"time"

	"callsync/internal/backend"
	"callsync/internal/calls"
)

func inCallView() calls.View {
	return calls.View{UserID: "client-1", Role: calls.RoleClient, CallID: "A", RoomName: "room-a", InCall: true, Initiator: true}
}

func healthySnapshot() Snapshot {
	return Snapshot{
		Global: backend.GlobalStatus{
			Sessions:        []calls.Session{{ID: "A", RoomName: "room-a", Status: calls.StatusActive}},
			CurrentActivity: calls.ActivityInCall,
			CurrentRoom:     "room-a",
		},
		Room: &backend.RoomParticipants{
			Participants: []calls.Participant{
				{UserID: "client-1", Role: calls.RoleClient},
				{UserID: "model-1", Role: calls.RoleModel},
			},
			SessionStatus: calls.RoomActive,
		},
	}
}

func kindsOf(found []Inconsistency) []Kind {
	out := make([]Kind, 0, len(found))
	for _, f := range found {
		out = append(out, f.Kind)
	}
	return out
}

func TestClassify_Healthy(t *testing.T) {
	if found := Classify(inCallView(), healthySnapshot()); len(found) != 0 {
		t.Fatalf("expected no inconsistencies, got %v", kindsOf(found))
	}
}

func TestClassify_Cases(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Snapshot)
		want   []Kind
	}{
		{
			name: "two live sessions",
			mutate: func(s *Snapshot) {
				s.Global.Sessions = append(s.Global.Sessions, calls.Session{ID: "B", RoomName: "room-b", Status: calls.StatusCalling})
			},
			want: []Kind{KindMultipleActiveSessions},
		},
		{
			name: "terminal extra session is ignored",
			mutate: func(s *Snapshot) {
				s.Global.Sessions = append(s.Global.Sessions, calls.Session{ID: "B", RoomName: "room-b", Status: calls.StatusExpired})
			},
		},
		{
			name: "room unknown to server but live",
			mutate: func(s *Snapshot) {
				s.Global.Sessions = []calls.Session{{ID: "C", RoomName: "room-c", Status: calls.StatusActive}}
			},
			want: []Kind{KindSessionMismatch},
		},
		{
			name: "missing from roster",
			mutate: func(s *Snapshot) {
				s.Room.Participants = []calls.Participant{{UserID: "model-1", Role: calls.RoleModel}}
			},
			want: []Kind{KindUserNotInRoom},
		},
		{
			name: "room ended",
			mutate: func(s *Snapshot) {
				s.Room.SessionStatus = calls.RoomEnded
				s.Room.Participants = nil
			},
			want: []Kind{KindSessionEndedExternally},
		},
		{
			name: "heartbeat lags",
			mutate: func(s *Snapshot) {
				s.Global.CurrentRoom = "room-old"
			},
			want: []Kind{KindHeartbeatRoomMismatch},
		},
		{
			name: "heartbeat not in call is not a mismatch",
			mutate: func(s *Snapshot) {
				s.Global.CurrentActivity = calls.ActivityBrowsing
				s.Global.CurrentRoom = ""
			},
		},
		{
			name: "several at once keep precedence order",
			mutate: func(s *Snapshot) {
				s.Global.Sessions = []calls.Session{
					{ID: "B", RoomName: "room-b", Status: calls.StatusActive},
					{ID: "C", RoomName: "room-c", Status: calls.StatusCalling},
				}
				s.Room.Participants = nil
				s.Global.CurrentRoom = "room-b"
			},
			want: []Kind{KindMultipleActiveSessions, KindSessionMismatch, KindUserNotInRoom, KindHeartbeatRoomMismatch},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := healthySnapshot()
			tt.mutate(&snap)
			got := kindsOf(Classify(inCallView(), snap))
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, got)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("expected %v, got %v", tt.want, got)
				}
			}
		})
	}
}

func TestClassify_Severities(t *testing.T) {
	if KindMultipleActiveSessions.Severity() != SeverityHigh || KindSessionMismatch.Severity() != SeverityMedium {
		t.Fatalf("unexpected severities")
	}
	if KindHeartbeatRoomMismatch.Action() != ActionResync || KindUserNotInRoom.Action() != ActionRedirect {
		t.Fatalf("unexpected actions")
	}
}

func TestClassify_RosterEntryWithoutUserMatchesRole(t *testing.T) {
	snap := healthySnapshot()
	snap.Room.Participants = []calls.Participant{{Role: calls.RoleClient}}
	if found := Classify(inCallView(), snap); len(found) != 0 {
		t.Fatalf("expected role-only entry to match, got %v", kindsOf(found))
	}

	snap.Room.Participants = []calls.Participant{{UserID: "client-2", Role: calls.RoleClient}}
	if got := kindsOf(Classify(inCallView(), snap)); len(got) != 1 || got[0] != KindUserNotInRoom {
		t.Fatalf("expected another user's entry not to match, got %v", got)
	}
}

func TestClassify_NoRoomSkipsRoomChecks(t *testing.T) {
	v := calls.View{UserID: "client-1", Role: calls.RoleClient}
	snap := healthySnapshot()
	snap.Room = nil
	if found := Classify(v, snap); len(found) != 0 {
		t.Fatalf("expected nothing without a local room, got %v", kindsOf(found))
	}
}

func TestMostRecent(t *testing.T) {
	base := time.Unix(1700000000, 0)
	got, ok := MostRecent([]calls.Session{
		{ID: "old", Status: calls.StatusActive, CreatedAt: base},
		{ID: "new", Status: calls.StatusCalling, CreatedAt: base.Add(time.Minute)},
		{ID: "newest-but-over", Status: calls.StatusCancelled, CreatedAt: base.Add(time.Hour)},
	})
	if !ok || got.ID != "new" {
		t.Fatalf("expected new, got %q", got.ID)
	}
	if _, ok := MostRecent(nil); ok {
		t.Fatalf("expected no survivor for empty set")
	}
}
