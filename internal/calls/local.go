package calls

import "sync"

// Local is the client's own belief about its call session. It is the only mutable
// state shared between the loops of one session context: the call controller and
// the incoming watcher write it, the reconciler reads it.
type Local struct {
	userID string
	role   Role

	mu        sync.RWMutex
	outgoing  *Session
	active    *Session
	initiator bool
}

func NewLocal(userID string, role Role) *Local {
	return &Local{userID: userID, role: role}
}

// View is a point-in-time copy of Local.
type View struct {
	UserID string
	Role   Role

	// CallID and RoomName describe the active call; empty when not in a call.
	CallID   string
	RoomName string
	InCall   bool

	// Initiator is true when this user created the active call.
	Initiator bool

	// OutgoingID is the id of a call this user created that is still ringing.
	OutgoingID string
}

func (l *Local) UserID() string { return l.userID }
func (l *Local) Role() Role       { return l.role }

func (l *Local) View() View {
	l.mu.RLock()
	defer l.mu.RUnlock()
	v := View{UserID: l.userID, Role: l.role, Initiator: l.initiator}
	if l.active != nil {
		v.CallID = l.active.ID
		v.RoomName = l.active.RoomName
		v.InCall = true
	}
	if l.outgoing != nil {
		v.OutgoingID = l.outgoing.ID
	}
	return v
}

// InCall reports whether a call is active.
func (l *Local) InCall() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active != nil
}

// Busy reports whether a call is ringing outward or active.
func (l *Local) Busy() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.active != nil || l.outgoing != nil
}

func (l *Local) OutgoingID() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.outgoing == nil {
		return ""
	}
	return l.outgoing.ID
}

// SetOutgoing records a call this user created that has not been answered yet.
func (l *Local) SetOutgoing(s Session) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.outgoing = &s
}

// Activate marks s as the active call.
func (l *Local) Activate(s Session, initiator bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.outgoing != nil && l.outgoing.ID == s.ID {
		l.outgoing = nil
	}
	l.active = &s
	l.initiator = initiator
}

// Clear forgets the call with the given id, ringing or active. An empty id clears
// everything. It reports whether anything was forgotten.
func (l *Local) Clear(callID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	cleared := false
	if l.outgoing != nil && (callID == "" || l.outgoing.ID == callID) {
		l.outgoing = nil
		cleared = true
	}
	if l.active != nil && (callID == "" || l.active.ID == callID) {
		l.active = nil
		l.initiator = false
		cleared = true
	}
	return cleared
}
