// Package httpapi exposes the call backend over JSON HTTP.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"callsync/internal/auth"
	"callsync/internal/backend"
	"callsync/internal/calls"
	"callsync/internal/callsvc"
	"callsync/internal/reporting"
	"callsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	Calls     *callsvc.Service
	Reporting *reporting.Service
	// Health reports store reachability for /healthz. Nil means always healthy.
	Health func(ctx context.Context) error
}

type blockRequest struct {
	BlockedID string `json:"blocked_id"`
}

func (h Handlers) Healthz(c *gin.Context) {
	if h.Health != nil {
		if err := h.Health(c.Request.Context()); err != nil {
			logger.FromGin(c).Warn("health check failed", "err", err)
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// --- Calls ---

func (h Handlers) CreateCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	var req backend.CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if req.ReceiverID == "" {
		badRequest(c, "receiver_id required")
		return
	}
	sess, err := h.Calls.CreateCall(c.Request.Context(), userID, req.ReceiverID, req.Type)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, backend.CreateCallResult{CallID: sess.ID, RoomName: sess.RoomName, Status: sess.Status})
}

func (h Handlers) GetCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	sess, err := h.Calls.GetStatus(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, backend.CallStatusResult{Status: sess.Status, RoomName: sess.RoomName})
}

func (h Handlers) CancelCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	sess, err := h.Calls.Cancel(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": sess.Status})
}

func (h Handlers) AnswerCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	var req backend.AnswerCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	sess, err := h.Calls.Answer(c.Request.Context(), userID, c.Param("id"), req.Accept)
	if err != nil {
		writeError(c, err)
		return
	}
	out := backend.AnswerResult{Status: sess.Status}
	if sess.Status == calls.StatusActive {
		out.RoomName = sess.RoomName
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) IncomingCall(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok || !sameUser(c, userID, c.Query("user_id")) {
		return
	}
	sess, err := h.Calls.Incoming(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, backend.IncomingCallResponse{Call: sess})
}

func (h Handlers) CallsSummary(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok || !sameUser(c, userID, c.Query("user_id")) {
		return
	}
	if h.Reporting == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, backend.ErrorResponse{Error: "reporting not configured"})
		return
	}
	to := time.Now().UTC()
	from := to.Add(-24 * time.Hour)
	var err error
	if v := c.Query("from"); v != "" {
		if from, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(c, "from must be RFC3339")
			return
		}
	}
	if v := c.Query("to"); v != "" {
		if to, err = time.Parse(time.RFC3339, v); err != nil {
			badRequest(c, "to must be RFC3339")
			return
		}
	}
	out, err := h.Reporting.CallsSummary(c.Request.Context(), reporting.CallsSummaryRequest{
		UserID: userID,
		Range:  reporting.TimeRange{From: from, To: to},
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// --- Presence and sessions ---

func (h Handlers) ReportPresence(c *gin.Context) {
	userID, role, ok := identity(c)
	if !ok {
		return
	}
	var req backend.PresenceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if !sameUser(c, userID, req.UserID) {
		return
	}
	if err := h.Calls.ReportPresence(c.Request.Context(), userID, role, req.Activity, req.Room); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h Handlers) GlobalStatus(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok || !sameUser(c, userID, c.Query("user_id")) {
		return
	}
	out, err := h.Calls.GlobalStatus(c.Request.Context(), userID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) RoomParticipants(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	out, err := h.Calls.RoomParticipants(c.Request.Context(), userID, c.Param("room"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h Handlers) Cleanup(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	var req backend.CleanupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if !sameUser(c, userID, req.UserID) {
		return
	}
	n, err := h.Calls.Cleanup(c.Request.Context(), userID, req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, backend.CleanupResponse{Terminated: n})
}

func (h Handlers) Block(c *gin.Context) {
	userID, _, ok := identity(c)
	if !ok {
		return
	}
	var req blockRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid json")
		return
	}
	if err := h.Calls.Block(c.Request.Context(), userID, req.BlockedID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// identity reads the caller from the verified token. It aborts when absent.
func identity(c *gin.Context) (string, calls.Role, bool) {
	uid, err := auth.UserID(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, backend.ErrorResponse{Error: "user_id required", Code: "unauthorized"})
		return "", "", false
	}
	role, _ := auth.Role(c.Request.Context())
	return uid, calls.Role(role), true
}

// sameUser refuses requests that name a user other than the token's.
func sameUser(c *gin.Context, userID, claimed string) bool {
	if claimed == "" || claimed == userID {
		return true
	}
	c.AbortWithStatusJSON(http.StatusForbidden, backend.ErrorResponse{Error: "user_id does not match token", Code: "forbidden"})
	return false
}
