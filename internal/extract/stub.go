package extract

import (
	"context"
	"fmt"

	"escrowline/internal/domain"
)

// Stub is a deterministic TermsExtractor for tests and offline use. It
// replays scripted results in order, falling back to a regex-free
// "whole input is the scope" completion the way the collaborator's
// legacy fallback behaves.
type Stub struct {
	Script []Result
	calls  int
}

func (s *Stub) Extract(_ context.Context, _ []domain.Exchange, input string) (Result, error) {
	if s.calls < len(s.Script) {
		r := s.Script[s.calls]
		s.calls++
		return r, nil
	}
	return Result{
		Status: StatusComplete,
		Terms: domain.Terms{
			Scope:        input,
			BudgetCents:  0,
			Currency:     "USD",
			TimelineDays: 7,
		},
	}, nil
}

// StubSummarizer renders a fixed-format summary without any network call.
type StubSummarizer struct{}

func (StubSummarizer) Summarize(_ context.Context, p domain.Project, log []domain.ConversationMessage) (string, error) {
	pending := 0
	for _, m := range p.Milestones {
		if m.Status == domain.MilestonePending {
			pending++
		}
	}
	return fmt.Sprintf("Project %s: status %s, %d pending milestone(s), %d message(s) exchanged.",
		p.ID, p.Status, pending, len(log)), nil
}
