package engine

import (
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

func (e *Engine) handleSendMessage(tc *txnCtx) error {
	tc.sess.State = StateSendingDirectMessage
	tc.reply = "Type your message; it will be relayed and kept on the project record."
	return nil
}

// handleDirectMessage relays one message and appends it to the
// project's conversation log, the single shared source of truth.
func (e *Engine) handleDirectMessage(tc *txnCtx) error {
	text := strings.TrimSpace(tc.event.Text)
	if text == "" {
		return &ValidationError{Constraint: "message", Msg: "the message is empty"}
	}

	tc.project.Conversation = append(tc.project.Conversation, domain.ConversationMessage{
		Role:   tc.sess.Role,
		Handle: tc.sess.Handle,
		Text:   text,
		TS:     e.timestamp(),
	})
	tc.sess.State = StateWorking

	other := tc.project.Counterparty(tc.sess.PartyID)
	tc.notifyParty(other.ID, fmt.Sprintf("@%s: %s", tc.sess.Handle, text))
	tc.reply = "Message sent."
	return nil
}

func (e *Engine) handleSubmitWork(tc *txnCtx) error {
	tc.sess.State = StateSubmittingWork
	tc.sess.SubmissionParts = nil
	tc.reply = "Send your deliverables one message at a time (links, notes), then submit when done."
	return nil
}

// handleSubmissionPart stages one deliverable on the freelancer's
// session. Nothing reaches the client until the final submit.
func (e *Engine) handleSubmissionPart(tc *txnCtx) error {
	part := strings.TrimSpace(tc.event.Text)
	if part == "" {
		return &ValidationError{Constraint: "submission", Msg: "the deliverable is empty"}
	}
	tc.sess.SubmissionParts = append(tc.sess.SubmissionParts, part)
	tc.reply = fmt.Sprintf("Got it (%d staged). Send more, or submit when done.", len(tc.sess.SubmissionParts))
	return nil
}

// handleSubmitFinal delivers the staged work to the client and records
// the submission in the ledger.
func (e *Engine) handleSubmitFinal(tc *txnCtx) error {
	parts := tc.sess.SubmissionParts
	if len(parts) == 0 {
		return &ValidationError{Constraint: "submission", Msg: "stage at least one deliverable before submitting"}
	}

	tc.sess.State = StateAwaitingApproval
	tc.sess.SubmissionParts = nil

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return err
	}
	cs.State = StateReviewingWork

	tc.append(domain.EventWorkSubmitted, map[string]any{
		"parts": parts,
	})
	tc.notifyParty(cs.PartyID, fmt.Sprintf(
		"@%s submitted work:\n%s\nApprove, or request changes?",
		tc.sess.Handle, renderParts(parts)))
	tc.reply = "Submitted. You'll be notified when the client reviews it."
	return nil
}

// handleApproveWork accepts the submission and hands the payout-method
// decision to the freelancer. Approval itself moves no money, so it is
// not a ledger event; the release is.
func (e *Engine) handleApproveWork(tc *txnCtx) error {
	if amount, _ := tc.project.PendingReleaseAmount(); amount == 0 {
		return &ValidationError{Constraint: "release", Msg: "nothing is pending release"}
	}

	tc.sess.State = StateWorking

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return err
	}
	cs.State = StateSelectingPayoutMethod

	tc.notifyParty(cs.PartyID,
		"Your work was approved. How do you want to be paid: direct crypto, or fiat via off-ramp?")
	tc.reply = "Approved. The freelancer is choosing a payout method; you'll confirm the release next."
	return nil
}

func (e *Engine) handleRequestChanges(tc *txnCtx) error {
	tc.sess.State = StateRequestingChanges
	tc.reply = "What needs to change? Your reason will be relayed to the freelancer."
	return nil
}

// handleChangeReason relays the rejection reason and puts both parties
// back to work. The staged submission is gone; the freelancer
// resubmits from scratch.
func (e *Engine) handleChangeReason(tc *txnCtx) error {
	reason := strings.TrimSpace(tc.event.Text)
	if reason == "" {
		return &ValidationError{Constraint: "change-reason", Msg: "give the freelancer a reason"}
	}

	tc.sess.State = StateWorking

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return err
	}
	cs.State = StateWorking
	cs.SubmissionParts = nil

	tc.notifyParty(cs.PartyID, fmt.Sprintf("@%s requested changes: %s", tc.sess.Handle, reason))
	tc.reply = "Change request sent."
	return nil
}

func renderParts(parts []string) string {
	var b strings.Builder
	for i, p := range parts {
		fmt.Fprintf(&b, "  %d. %s", i+1, p)
		if i < len(parts)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}
