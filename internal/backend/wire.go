package backend

import "callsync/internal/calls"

// Request and response bodies shared by the HTTP client and the reference server.

type CreateCallRequest struct {
	ReceiverID string         `json:"receiver_id"`
	Type       calls.CallType `json:"type,omitempty"`
}

type AnswerCallRequest struct {
	Accept bool `json:"accept"`
}

type IncomingCallResponse struct {
	Call *calls.Session `json:"call"`
}

type PresenceRequest struct {
	UserID   string         `json:"user_id"`
	Activity calls.Activity `json:"activity_type"`
	Room     string         `json:"room,omitempty"`
}

type CleanupRequest struct {
	UserID string `json:"user_id"`
	Reason string `json:"reason"`
}

type CleanupResponse struct {
	Terminated int `json:"terminated"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// API paths.
const (
	PathCalls        = "/v1/calls"
	PathIncoming     = "/v1/calls/incoming"
	PathCallsSummary = "/v1/calls/summary"
	PathPresence     = "/v1/presence"
	PathGlobalStatus = "/v1/sessions/status"
	PathCleanup      = "/v1/sessions/cleanup"
	PathRooms        = "/v1/rooms"
	PathBlocks       = "/v1/blocks"
)
