// Package backend describes the remote operations the call engine consumes and
// provides an authenticated HTTP implementation of them.
package backend

import (
	"context"

	"callsync/internal/calls"
)

// API is the full set of backend operations. Components declare the subset they use.
type API interface {
	CreateCall(ctx context.Context, receiverID string, callType calls.CallType) (CreateCallResult, error)
	GetCallStatus(ctx context.Context, callID string) (CallStatusResult, error)
	CancelCall(ctx context.Context, callID string) error
	AnswerCall(ctx context.Context, callID string, accept bool) (AnswerResult, error)

	// CheckIncomingCall returns nil when no call is ringing for userID.
	CheckIncomingCall(ctx context.Context, userID string) (*calls.Session, error)

	ReportPresence(ctx context.Context, userID string, activity calls.Activity, room string) error

	GetGlobalSessionStatus(ctx context.Context, userID string) (GlobalStatus, error)
	GetRoomParticipants(ctx context.Context, roomName string) (RoomParticipants, error)

	// ForceSessionCleanup terminates all but the most recent live session of userID
	// and returns how many were terminated.
	ForceSessionCleanup(ctx context.Context, userID, reason string) (int, error)
}

type CreateCallResult struct {
	CallID   string       `json:"call_id"`
	RoomName string       `json:"room_name"`
	Status   calls.Status `json:"status"`
}

type CallStatusResult struct {
	Status   calls.Status `json:"status"`
	RoomName string       `json:"room_name"`
}

type AnswerResult struct {
	Status   calls.Status `json:"status"`
	RoomName string       `json:"room_name,omitempty"`
}

// GlobalStatus is everything the backend attributes to one user.
type GlobalStatus struct {
	Sessions        []calls.Session `json:"sessions"`
	CurrentActivity calls.Activity  `json:"current_activity"`
	CurrentRoom     string          `json:"current_room,omitempty"`
}

// RoomParticipants is the roster and lifecycle of one media room.
type RoomParticipants struct {
	Participants  []calls.Participant `json:"participants"`
	SessionStatus calls.RoomStatus    `json:"session_status"`
}
