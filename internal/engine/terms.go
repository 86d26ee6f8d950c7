package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"escrowline/internal/domain"
	"escrowline/internal/extract"
	"escrowline/internal/notify"
	"escrowline/internal/repo"
)

func (e *Engine) handleRoleClient(tc *txnCtx) error {
	tc.sess.Role = domain.RoleClient
	tc.sess.State = StateCapturingTerms
	tc.sess.History = nil
	tc.sess.DraftTerms = nil
	tc.reply = "Describe the project: what needs to be done, the budget, and the timeline."
	return nil
}

func (e *Engine) handleRoleFreelancer(tc *txnCtx) error {
	tc.sess.Role = domain.RoleFreelancer
	tc.sess.State = StateIdle
	tc.reply = "You're set up as a freelancer. You'll be notified when a client invites you to a project."
	return nil
}

// handleTermsInput runs one extraction round. Incomplete results loop
// with a follow-up question; complete results move to confirmation.
func (e *Engine) handleTermsInput(tc *txnCtx) error {
	input := strings.TrimSpace(tc.event.Text)
	if input == "" {
		return &ValidationError{Constraint: "terms-input", Msg: "describe the project in a sentence or two"}
	}

	res, err := e.Extractor.Extract(tc.ctx, tc.sess.History, input)
	if err != nil {
		return &CollaboratorError{Op: "terms extraction", Err: err}
	}

	tc.sess.History = append(tc.sess.History, domain.Exchange{Role: "user", Text: input})

	if res.Status != extract.StatusComplete {
		followUp := res.FollowUp
		if followUp == "" {
			followUp = "Could you add the budget and timeline?"
		}
		tc.sess.History = append(tc.sess.History, domain.Exchange{Role: "assistant", Text: followUp})
		tc.sess.History = boundHistory(tc.sess.History, e.Config.MaxHistoryTurns())
		tc.reply = followUp
		return nil
	}

	terms := res.Terms
	if res.Addenda != "" {
		terms.Addenda = res.Addenda
	}
	if terms.Scope == "" || terms.BudgetCents <= 0 {
		return &ValidationError{Constraint: "terms", Msg: "extracted terms are missing a scope or a positive budget"}
	}
	if terms.Currency == "" {
		terms.Currency = "USD"
	}

	tc.sess.DraftTerms = &terms
	tc.sess.History = nil
	tc.sess.State = StateConfirmingTerms
	tc.reply = fmt.Sprintf(
		"Here's what I have:\n  Scope: %s\n  Budget: %s %s\n  Timeline: %d days\nConfirm these terms, or choose edit to revise.",
		terms.Scope, formatAmount(terms.BudgetCents), terms.Currency, terms.TimelineDays,
	)
	return nil
}

// handleConfirmTerms creates the project record and opens its ledger
// chain with a PROJECT_DEFINED entry.
func (e *Engine) handleConfirmTerms(tc *txnCtx) error {
	terms := tc.sess.DraftTerms
	if terms == nil {
		return &ValidationError{Constraint: "terms", Msg: "no draft terms to confirm"}
	}

	p := domain.Project{
		ID:     uuid.NewString(),
		Client: domain.Party{ID: tc.sess.PartyID, Handle: tc.sess.Handle, Role: domain.RoleClient},
		Terms:  *terms,
		Status: domain.ProjectPendingInvitation,
	}
	tc.project = &p
	tc.projectNew = true

	tc.sess.ProjectID = p.ID
	tc.sess.DraftTerms = nil
	tc.sess.State = StateAwaitingCounterparty

	tc.append(domain.EventProjectDefined, map[string]any{
		"scope":         terms.Scope,
		"budget_cents":  terms.BudgetCents,
		"currency":      terms.Currency,
		"timeline_days": terms.TimelineDays,
	})
	tc.reply = "Terms locked in. Who is the freelancer? Send their handle (e.g. @taylor)."
	return nil
}

func (e *Engine) handleEditTerms(tc *txnCtx) error {
	tc.sess.State = StateCapturingTerms
	tc.sess.History = nil
	tc.reply = "No problem. Describe the project again with any corrections."
	return nil
}

// handleCounterpartyHandle resolves the named freelancer. A resolvable
// handle gets a direct in-band invitation; an unknown one falls back to
// a durable single-use token the client can share out of band.
func (e *Engine) handleCounterpartyHandle(tc *txnCtx) error {
	handle := strings.TrimPrefix(strings.TrimSpace(tc.event.Text), "@")
	if handle == "" {
		return &ValidationError{Constraint: "handle", Msg: "send the freelancer's handle"}
	}
	if strings.EqualFold(handle, tc.sess.Handle) {
		return &ValidationError{Constraint: "handle", Msg: "you cannot invite yourself"}
	}

	tc.sess.State = StateAwaitingAcceptance

	partyID, err := e.Delivery.Resolve(handle)
	if err != nil {
		if !errors.Is(err, notify.ErrUndeliverable) {
			return &CollaboratorError{Op: "handle resolution", Err: err}
		}
		return e.mintInvitation(tc, handle)
	}
	if partyID == tc.sess.PartyID {
		tc.sess.State = StateAwaitingCounterparty
		return &ValidationError{Constraint: "handle", Msg: "you cannot invite yourself"}
	}

	// Direct path: put the freelancer's session into the acceptance
	// decision and notify them in band.
	tc.project.Freelancer = domain.Party{ID: partyID, Handle: handle, Role: domain.RoleFreelancer}

	cs, err := e.Repo.GetSession(tc.ctx, partyID)
	if errors.Is(err, repo.ErrNotFound) {
		cs = domain.Session{PartyID: partyID, Handle: handle}
	} else if err != nil {
		return err
	}
	if lockedStates[cs.State] {
		tc.sess.State = StateAwaitingCounterparty
		return &ValidationError{Constraint: "handle", Msg: fmt.Sprintf("@%s is already engaged on another project", handle)}
	}
	cs.Role = domain.RoleFreelancer
	cs.State = StateAwaitingAcceptance
	cs.ProjectID = tc.project.ID
	tc.counterSess = &cs

	tc.notifyParty(partyID, fmt.Sprintf(
		"@%s invited you to a project:\n  Scope: %s\n  Budget: %s %s\n  Timeline: %d days\nAccept or decline?",
		tc.sess.Handle, tc.project.Terms.Scope, formatAmount(tc.project.Terms.BudgetCents),
		tc.project.Terms.Currency, tc.project.Terms.TimelineDays,
	))
	tc.reply = fmt.Sprintf("Invitation sent to @%s. You'll hear back as soon as they respond.", handle)
	return nil
}

// mintInvitation creates the token-fallback invitation for a handle
// that could not be resolved to an addressable party.
func (e *Engine) mintInvitation(tc *txnCtx, handle string) error {
	now := e.timestamp()
	inv := domain.Invitation{
		Token:     uuid.NewString(),
		ProjectID: tc.project.ID,
		InviterID: tc.sess.PartyID,
		Status:    domain.InvitationPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	tc.invitation = &inv

	tc.append(domain.EventInvitationSent, map[string]any{
		"handle": handle,
		"token":  inv.Token,
	})
	tc.reply = fmt.Sprintf(
		"@%s isn't reachable here yet. Share this one-time invite link with them:\n  esl://invite/%s\nIt can be used exactly once.", handle, inv.Token)
	return nil
}

// handleAccept binds the freelancer to the project and moves the client
// on to payment setup.
func (e *Engine) handleAccept(tc *txnCtx) error {
	if tc.project == nil {
		return &ValidationError{Constraint: "invitation", Msg: "no pending invitation"}
	}
	if tc.project.Status != domain.ProjectPendingInvitation {
		return &ValidationError{Constraint: "invitation", Msg: "this invitation is no longer open"}
	}

	tc.project.Status = domain.ProjectAccepted
	if tc.project.Freelancer.ID == "" {
		tc.project.Freelancer = domain.Party{ID: tc.sess.PartyID, Handle: tc.sess.Handle, Role: domain.RoleFreelancer}
	}
	tc.sess.State = StateIdle

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return err
	}
	cs.State = StateSelectingPaymentType

	tc.append(domain.EventFreelancerAccepted, map[string]any{
		"freelancer": tc.sess.Handle,
	})
	tc.notifyParty(cs.PartyID, fmt.Sprintf(
		"@%s accepted! How do you want to pay: one-time on completion, or in milestones?", tc.sess.Handle))
	tc.reply = "Accepted. The client is setting up payment; you'll be notified once escrow is funded."
	return nil
}

// handleDecline closes the project and frees both parties.
func (e *Engine) handleDecline(tc *txnCtx) error {
	if tc.project == nil {
		return &ValidationError{Constraint: "invitation", Msg: "no pending invitation"}
	}
	if tc.project.Status != domain.ProjectPendingInvitation {
		return &ValidationError{Constraint: "invitation", Msg: "this invitation is no longer open"}
	}

	tc.project.Status = domain.ProjectDeclined
	tc.sess.State = StateIdle
	tc.sess.ProjectID = ""

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return err
	}
	cs.State = StateIdle
	cs.ProjectID = ""

	tc.notifyParty(cs.PartyID, fmt.Sprintf("@%s declined the project invitation.", tc.sess.Handle))
	tc.reply = "Declined. The client has been notified."
	return nil
}

// RedeemInvitation consumes a single-use invitation token as the
// redeeming party. The pending-status guard in the redemption update is
// what makes concurrent redemption attempts resolve to exactly one
// winner.
func (e *Engine) RedeemInvitation(ctx context.Context, token, partyID, handle string, accept bool) (Outcome, error) {
	inv, err := e.Repo.GetInvitation(ctx, token)
	if errors.Is(err, repo.ErrNotFound) {
		return Outcome{}, &ValidationError{Constraint: "invitation", Msg: "unknown invitation token"}
	} else if err != nil {
		return Outcome{}, err
	}
	if inv.InviterID == partyID {
		return Outcome{}, &ValidationError{Constraint: "invitation", Msg: "you cannot redeem your own invitation"}
	}

	if _, err := e.ensureSession(ctx, partyID, handle); err != nil {
		return Outcome{}, err
	}

	mu := e.lockFor("project:" + inv.ProjectID)
	mu.Lock()
	defer mu.Unlock()

	// Reload under the lock so the redemption commits against the
	// current session row.
	sess, err := e.Repo.GetSession(ctx, partyID)
	if err != nil {
		return Outcome{}, err
	}
	if lockedStates[sess.State] {
		return Outcome{}, e.activeProjectError(ctx, sess)
	}

	p, err := e.Repo.GetProject(ctx, inv.ProjectID)
	if err != nil {
		return Outcome{}, err
	}

	status := domain.InvitationDeclined
	if accept {
		status = domain.InvitationAccepted
	}

	sess.Role = domain.RoleFreelancer
	sess.State = StateAwaitingAcceptance
	sess.ProjectID = p.ID
	tc := &txnCtx{ctx: ctx, sess: &sess, project: &p, redeemToken: token, redeemStatus: status}
	var handlerErr error
	if accept {
		handlerErr = e.handleAccept(tc)
	} else {
		handlerErr = e.handleDecline(tc)
	}
	if handlerErr != nil {
		return Outcome{}, handlerErr
	}
	// The pending-status guard runs inside this commit, so redemption,
	// session and project land atomically or not at all.
	if err := e.commit(tc); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Outcome{}, &ValidationError{Constraint: "invitation", Msg: "this invitation was already used"}
		}
		return Outcome{}, err
	}
	e.dispatch(tc.notes)
	return Outcome{State: tc.sess.State, Reply: tc.reply, Notifications: tc.notes}, nil
}

// boundHistory keeps the most recent turns within the configured cap.
func boundHistory(h []domain.Exchange, maxTurns int) []domain.Exchange {
	max := maxTurns * 2 // one turn is a user/assistant pair
	if len(h) <= max {
		return h
	}
	return h[len(h)-max:]
}
