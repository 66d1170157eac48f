// Package reporting aggregates call outcomes for a user.
package reporting

import (
	"context"
	"errors"
	"time"

	"callsync/internal/calls"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository lists a user's sessions created in [from, to). store.Sessions satisfies it.
type Repository interface {
	ListForUser(ctx context.Context, userID string, from, to time.Time) ([]calls.Session, error)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.UserID == "" {
		return CallsSummary{}, ErrInvalidRequest
	}
	if req.Range.From.IsZero() || req.Range.To.IsZero() || !req.Range.To.After(req.Range.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListForUser(ctx, req.UserID, req.Range.From, req.Range.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{UserID: req.UserID, Range: req.Range}
	for _, c := range rows {
		out.TotalCalls++
		if c.CallerID == req.UserID {
			out.Placed++
		} else {
			out.Received++
		}
		switch c.Status {
		case calls.StatusActive:
			out.Answered++
		case calls.StatusRejected:
			out.Rejected++
		case calls.StatusCancelled:
			// A cancelled call that was answered first no longer shows it; the
			// session keeps only the last status.
			out.Cancelled++
		case calls.StatusExpired:
			out.Expired++
		case calls.StatusInitiating, calls.StatusCalling:
			out.InProgress++
		}
	}
	if settled := out.TotalCalls - out.InProgress; settled > 0 {
		out.AnsweredRate = float64(out.Answered) / float64(settled)
	}
	return out, nil
}
