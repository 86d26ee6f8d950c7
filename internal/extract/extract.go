// Package extract talks to the external text-understanding collaborator
// that turns free-form project descriptions into structured terms. The
// core treats it as opaque: incomplete results carry a follow-up
// question, complete results carry the terms.
package extract

import (
	"context"

	"escrowline/internal/domain"
)

// Statuses of an extraction round.
const (
	StatusIncomplete = "incomplete"
	StatusComplete   = "complete"
)

// Result is one extraction outcome.
type Result struct {
	Status   string
	FollowUp string
	Terms    domain.Terms
	Addenda  string
}

// TermsExtractor resolves conversation history plus the latest input into
// either finalized terms or a follow-up question.
type TermsExtractor interface {
	Extract(ctx context.Context, history []domain.Exchange, input string) (Result, error)
}

// Summarizer produces a read-only status summary of a project and its
// conversation log.
type Summarizer interface {
	Summarize(ctx context.Context, project domain.Project, log []domain.ConversationMessage) (string, error)
}
