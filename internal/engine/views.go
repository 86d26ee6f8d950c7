package engine

import (
	"context"
	"errors"
	"fmt"

	"escrowline/internal/domain"
	"escrowline/internal/repo"
)

// Read-only queries. These never take the scope lock: they read a
// committed snapshot and a slightly stale answer is fine.

// Project returns the shared record, restricted to its two parties.
func (e *Engine) Project(ctx context.Context, projectID, partyID string) (domain.Project, error) {
	p, err := e.Repo.GetProject(ctx, projectID)
	if err != nil {
		return domain.Project{}, err
	}
	if p.PartyRole(partyID) == "" {
		return domain.Project{}, repo.ErrNotFound
	}
	return p, nil
}

// Projects lists the projects the party belongs to, on either side.
func (e *Engine) Projects(ctx context.Context, partyID string) ([]domain.Project, error) {
	all, err := e.Repo.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var mine []domain.Project
	for _, p := range all {
		if p.PartyRole(partyID) != "" {
			mine = append(mine, p)
		}
	}
	return mine, nil
}

// Session returns the party's own workflow position.
func (e *Engine) Session(ctx context.Context, partyID string) (domain.Session, error) {
	return e.Repo.GetSession(ctx, partyID)
}

// Timeline returns the project's full ledger, party-restricted.
func (e *Engine) Timeline(ctx context.Context, projectID, partyID string) ([]domain.LedgerEntry, error) {
	if _, err := e.Project(ctx, projectID, partyID); err != nil {
		return nil, err
	}
	return e.Ledger.Entries(ctx, projectID)
}

// VerifyTimeline recomputes the project's hash chain.
func (e *Engine) VerifyTimeline(ctx context.Context, projectID, partyID string) (bool, error) {
	if _, err := e.Project(ctx, projectID, partyID); err != nil {
		return false, err
	}
	return e.Ledger.Verify(ctx, projectID)
}

// Proof renders the human-readable chain-of-custody document.
func (e *Engine) Proof(ctx context.Context, projectID, partyID string) (string, error) {
	if _, err := e.Project(ctx, projectID, partyID); err != nil {
		return "", err
	}
	return e.Ledger.Proof(ctx, projectID)
}

// Summary produces a narrative status of the party's current project.
func (e *Engine) Summary(ctx context.Context, partyID string) (string, error) {
	sess, err := e.Repo.GetSession(ctx, partyID)
	if err != nil {
		return "", err
	}
	if sess.ProjectID == "" {
		return "", &ValidationError{Constraint: "summary", Msg: "no project in progress"}
	}
	p, err := e.Repo.GetProject(ctx, sess.ProjectID)
	if err != nil {
		return "", err
	}
	out, err := e.Summarizer.Summarize(ctx, p, p.Conversation)
	if err != nil {
		return "", &CollaboratorError{Op: "summary", Err: err}
	}
	return out, nil
}

// Invitation returns a pending invitation by token, for the redemption
// preview shown before accept/decline.
func (e *Engine) Invitation(ctx context.Context, token string) (domain.Invitation, domain.Project, error) {
	inv, err := e.Repo.GetInvitation(ctx, token)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.Invitation{}, domain.Project{}, &ValidationError{Constraint: "invitation", Msg: "unknown invitation token"}
	} else if err != nil {
		return domain.Invitation{}, domain.Project{}, err
	}
	p, err := e.Repo.GetProject(ctx, inv.ProjectID)
	if err != nil {
		return domain.Invitation{}, domain.Project{}, fmt.Errorf("invitation %s references missing project: %w", token, err)
	}
	return inv, p, nil
}
