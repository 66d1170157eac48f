package auth

import (
	"context"
	"sync"
	"time"
)

// MintingSource issues access tokens locally for one identity and reuses each
// token until it is close to expiry. It is meant for development agents that
// share the backend's signing secret.
type MintingSource struct {
	m      *Manager
	userID string
	role   string
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func NewMintingSource(m *Manager, userID, role string) *MintingSource {
	return &MintingSource{m: m, userID: userID, role: role, now: time.Now}
}

func (s *MintingSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.token != "" && now.Before(s.expires.Add(-s.m.accessTTL/5)) {
		return s.token, nil
	}
	tok, err := s.m.IssueAccess(now, s.userID, s.role)
	if err != nil {
		return "", err
	}
	s.token = tok
	s.expires = now.Add(s.m.accessTTL)
	return tok, nil
}
