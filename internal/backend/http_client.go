package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"callsync/internal/callerr"
	"callsync/internal/calls"

	"github.com/google/uuid"
)

const headerRequestID = "X-Request-Id"

// TokenSource supplies the bearer token for each request. Implementations must not
// be mutated by the engine; the identity is read-only from its point of view.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

type ClientOptions struct {
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     *slog.Logger
}

// Client implements API over authenticated JSON HTTP.
type Client struct {
	base   *url.URL
	http   *http.Client
	tokens TokenSource
	log    *slog.Logger
}

var _ API = (*Client)(nil)

func NewClient(baseURL string, tokens TokenSource, opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("backend: base url is required")
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("backend: invalid base url: %w", err)
	}
	if tokens == nil {
		return nil, errors.New("backend: token source is required")
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Client{base: u, http: hc, tokens: tokens, log: log.With("component", "backend_client")}, nil
}

func (c *Client) CreateCall(ctx context.Context, receiverID string, callType calls.CallType) (CreateCallResult, error) {
	var out CreateCallResult
	err := c.do(ctx, "createCall", http.MethodPost, PathCalls, nil, CreateCallRequest{ReceiverID: receiverID, Type: callType}, &out)
	return out, err
}

func (c *Client) GetCallStatus(ctx context.Context, callID string) (CallStatusResult, error) {
	var out CallStatusResult
	err := c.do(ctx, "getCallStatus", http.MethodGet, PathCalls+"/"+callID, nil, nil, &out)
	return out, err
}

func (c *Client) CancelCall(ctx context.Context, callID string) error {
	return c.do(ctx, "cancelCall", http.MethodPost, PathCalls+"/"+callID+"/cancel", nil, struct{}{}, nil)
}

func (c *Client) AnswerCall(ctx context.Context, callID string, accept bool) (AnswerResult, error) {
	var out AnswerResult
	err := c.do(ctx, "answerCall", http.MethodPost, PathCalls+"/"+callID+"/answer", nil, AnswerCallRequest{Accept: accept}, &out)
	return out, err
}

func (c *Client) CheckIncomingCall(ctx context.Context, userID string) (*calls.Session, error) {
	var out IncomingCallResponse
	q := url.Values{"user_id": {userID}}
	if err := c.do(ctx, "checkIncomingCall", http.MethodGet, PathIncoming, q, nil, &out); err != nil {
		return nil, err
	}
	return out.Call, nil
}

func (c *Client) ReportPresence(ctx context.Context, userID string, activity calls.Activity, room string) error {
	return c.do(ctx, "reportPresence", http.MethodPost, PathPresence, nil, PresenceRequest{UserID: userID, Activity: activity, Room: room}, nil)
}

func (c *Client) GetGlobalSessionStatus(ctx context.Context, userID string) (GlobalStatus, error) {
	var out GlobalStatus
	q := url.Values{"user_id": {userID}}
	err := c.do(ctx, "getGlobalSessionStatus", http.MethodGet, PathGlobalStatus, q, nil, &out)
	return out, err
}

func (c *Client) GetRoomParticipants(ctx context.Context, roomName string) (RoomParticipants, error) {
	var out RoomParticipants
	err := c.do(ctx, "getRoomParticipants", http.MethodGet, PathRooms+"/"+roomName+"/participants", nil, nil, &out)
	return out, err
}

func (c *Client) ForceSessionCleanup(ctx context.Context, userID, reason string) (int, error) {
	var out CleanupResponse
	err := c.do(ctx, "forceSessionCleanup", http.MethodPost, PathCleanup, nil, CleanupRequest{UserID: userID, Reason: reason}, &out)
	return out.Terminated, err
}

func (c *Client) do(ctx context.Context, op, method, path string, query url.Values, in, out any) error {
	tok, err := c.tokens.Token(ctx)
	if err != nil {
		return callerr.Auth(op, err)
	}

	u := *c.base
	u.Path = c.base.Path + path
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return callerr.Validation(op, callerr.CodeInvalidArgument, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return callerr.Validation(op, callerr.CodeInvalidArgument, err)
	}
	rid := uuid.NewString()
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Accept", "application/json")
	req.Header.Set(headerRequestID, rid)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return callerr.Transport(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return callerr.Transport(op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.log.Debug("backend request failed", "op", op, "status", resp.StatusCode, "request_id", rid)
		return classifyStatus(op, resp.StatusCode, raw)
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return callerr.Transport(op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func classifyStatus(op string, status int, raw []byte) error {
	var er ErrorResponse
	_ = json.Unmarshal(raw, &er)
	msg := er.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	cause := errors.New(msg)

	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &callerr.Error{Kind: callerr.KindAuth, Op: op, Code: er.Code, Status: status, Err: cause}
	case status == http.StatusTooManyRequests || status >= 500:
		return &callerr.Error{Kind: callerr.KindTransport, Op: op, Status: status, Err: cause}
	default:
		code := er.Code
		if code == "" && status == http.StatusNotFound {
			code = callerr.CodeNotFound
		}
		return &callerr.Error{Kind: callerr.KindValidation, Op: op, Code: code, Status: status, Err: cause}
	}
}

// StaticToken is a TokenSource for a pre-issued access token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("backend: empty access token")
	}
	return string(t), nil
}
