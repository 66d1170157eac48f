package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"callsync/internal/auth"
	"callsync/internal/backend"
	"callsync/internal/callerr"
	"callsync/internal/callsvc"
	"callsync/internal/config"
	"callsync/internal/reporting"
	"callsync/internal/store"
	"callsync/pkg/logger"

	"github.com/gin-gonic/gin"
)

type testServer struct {
	router *gin.Engine
	auth   *auth.Manager
	calls  *callsvc.Service
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	m, err := auth.NewManager(config.AuthConfig{JWTSecret: "secret", JWTIssuer: "callsync", AccessTokenTTL: 15 * time.Minute})
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	sessions := store.NewMemorySessions()
	svc := callsvc.NewService(sessions, store.NewMemoryPresence(time.Minute, nil), callsvc.Config{})

	log := logger.Discard()
	r := gin.New()
	r.Use(logger.Middleware(log))
	Register(r, Handlers{Calls: svc, Reporting: reporting.NewService(sessions)}, auth.RequireAccessToken(m))
	return &testServer{router: r, auth: m, calls: svc}
}

func (s *testServer) do(t *testing.T, user, role, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rd = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rd)
	if user != "" {
		tok, err := s.auth.IssueAccess(time.Now(), user, role)
		if err != nil {
			t.Fatalf("token: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestHealthzIsPublic(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, "", "", http.MethodGet, "/healthz", nil); w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestRequiresToken(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, "", "", http.MethodGet, backend.PathGlobalStatus, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestCreateCallAndConflicts(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, "client-1", "client", http.MethodPost, backend.PathCalls, backend.CreateCallRequest{ReceiverID: "model-1"})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	created := decode[backend.CreateCallResult](t, w)
	if created.CallID == "" || created.RoomName == "" {
		t.Fatalf("unexpected create result %+v", created)
	}

	w = s.do(t, "client-2", "client", http.MethodPost, backend.PathCalls, backend.CreateCallRequest{ReceiverID: "model-1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", w.Code)
	}
	if er := decode[backend.ErrorResponse](t, w); er.Code != callerr.CodeUnavailable {
		t.Fatalf("expected unavailable, got %+v", er)
	}

	w = s.do(t, "client-1", "client", http.MethodPost, backend.PathCalls, map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without receiver, got %d", w.Code)
	}
}

func TestUnknownCallIsNotFound(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "client-1", "client", http.MethodGet, backend.PathCalls+"/nope", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestUserIDMustMatchToken(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "client-1", "client", http.MethodGet, backend.PathGlobalStatus+"?user_id=client-2", nil)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	w = s.do(t, "client-1", "client", http.MethodPost, backend.PathPresence, backend.PresenceRequest{UserID: "client-2", Activity: "browsing"})
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for presence, got %d", w.Code)
	}
}

func TestPresenceNoContent(t *testing.T) {
	s := newTestServer(t)
	w := s.do(t, "client-1", "client", http.MethodPost, backend.PathPresence, backend.PresenceRequest{UserID: "client-1", Activity: "browsing"})
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w = s.do(t, "client-1", "client", http.MethodPost, backend.PathPresence, backend.PresenceRequest{Activity: "dancing"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown activity, got %d", w.Code)
	}
}

func TestBlockedCallIsRefused(t *testing.T) {
	s := newTestServer(t)
	if w := s.do(t, "model-1", "model", http.MethodPost, backend.PathBlocks, blockRequest{BlockedID: "client-1"}); w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", w.Code)
	}
	w := s.do(t, "client-1", "client", http.MethodPost, backend.PathCalls, backend.CreateCallRequest{ReceiverID: "model-1"})
	if er := decode[backend.ErrorResponse](t, w); w.Code != http.StatusConflict || er.Code != callerr.CodeBlocked {
		t.Fatalf("expected blocked conflict, got %d %+v", w.Code, er)
	}
}

func TestCallsSummary(t *testing.T) {
	s := newTestServer(t)
	created := decode[backend.CreateCallResult](t, s.do(t, "client-1", "client", http.MethodPost, backend.PathCalls, backend.CreateCallRequest{ReceiverID: "model-1"}))
	s.do(t, "model-1", "model", http.MethodPost, backend.PathCalls+"/"+created.CallID+"/answer", backend.AnswerCallRequest{Accept: false})

	w := s.do(t, "client-1", "client", http.MethodGet, backend.PathCallsSummary, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	sum := decode[reporting.CallsSummary](t, w)
	if sum.TotalCalls != 1 || sum.Rejected != 1 {
		t.Fatalf("unexpected summary %+v", sum)
	}

	if w := s.do(t, "client-1", "client", http.MethodGet, backend.PathCallsSummary+"?from=yesterday", nil); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad range, got %d", w.Code)
	}
}

func TestHealthzReportsStoreFailure(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	Register(r, Handlers{Health: func(context.Context) error { return io.ErrUnexpectedEOF }}, func(c *gin.Context) { c.Next() })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", w.Code)
	}
}
