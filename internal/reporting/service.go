package reporting

import (
	"context"
	"errors"
	"time"

	"callflow/internal/call"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting.
// Implementations should query immutable sources (terminal sessions only).
type Repository interface {
	ListFinished(ctx context.Context, from, to time.Time) ([]*call.Session, error)
}

// StoreRepo reads finished sessions straight from the call store.
type StoreRepo struct {
	Store call.Store
}

func (r StoreRepo) ListFinished(ctx context.Context, from, to time.Time) ([]*call.Session, error) {
	return r.Store.SessionsEndedBetween(ctx, from, to)
}

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service { return &Service{repo: repo} }

// CallsSummaryRequest requests aggregated metrics over finished sessions.
type CallsSummaryRequest struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

type CallsSummary struct {
	TotalCalls int `json:"total_calls"`

	// Counts by end reason.
	HangupCalls         int `json:"hangup_calls"`
	DeclinedCalls       int `json:"declined_calls"`
	MissedCalls         int `json:"missed_calls"`
	CancelledCalls      int `json:"cancelled_calls"`
	TimeoutCalls        int `json:"timeout_calls"`
	NetworkFailureCalls int `json:"network_failure_calls"`

	// AnsweredCalls counts sessions that reached accepted before ending.
	AnsweredCalls int     `json:"answered_calls"`
	AnswerRate    float64 `json:"answer_rate"`

	TotalConnectedSeconds   int `json:"total_connected_seconds"`
	AverageConnectedSeconds int `json:"average_connected_seconds"`
}

func (s *Service) CallsSummary(ctx context.Context, req CallsSummaryRequest) (CallsSummary, error) {
	if req.From.IsZero() || req.To.IsZero() || !req.To.After(req.From) {
		return CallsSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return CallsSummary{}, errors.New("reporting: repository not configured")
	}

	rows, err := s.repo.ListFinished(ctx, req.From, req.To)
	if err != nil {
		return CallsSummary{}, err
	}

	out := CallsSummary{}
	for _, sess := range rows {
		out.TotalCalls++
		switch sess.EndReason {
		case call.ReasonUserHangup:
			out.HangupCalls++
		case call.ReasonDeclined:
			out.DeclinedCalls++
		case call.ReasonMissed:
			out.MissedCalls++
		case call.ReasonCancelled:
			out.CancelledCalls++
		case call.ReasonTimeout:
			out.TimeoutCalls++
		case call.ReasonNetworkFailure:
			out.NetworkFailureCalls++
		}
		if sess.AcceptedAt != nil {
			out.AnsweredCalls++
			if sess.EndedAt != nil {
				out.TotalConnectedSeconds += int(sess.EndedAt.Sub(*sess.AcceptedAt) / time.Second)
			}
		}
	}
	if out.TotalCalls > 0 {
		out.AnswerRate = float64(out.AnsweredCalls) / float64(out.TotalCalls)
	}
	if out.AnsweredCalls > 0 {
		out.AverageConnectedSeconds = out.TotalConnectedSeconds / out.AnsweredCalls
	}
	return out, nil
}
