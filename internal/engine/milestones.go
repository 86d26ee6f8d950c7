package engine

import (
	"fmt"
	"strings"

	"escrowline/internal/domain"
)

func (e *Engine) handlePaymentOneTime(tc *txnCtx) error {
	tc.project.PaymentMode = domain.PaymentOneTime
	tc.sess.State = StateAwaitingFunding
	tc.reply = fmt.Sprintf(
		"One-time payment of %s %s on completion. Fund the escrow with crypto or fiat?",
		formatAmount(tc.project.Terms.BudgetCents), tc.project.Terms.Currency)
	return nil
}

func (e *Engine) handlePaymentMilestone(tc *txnCtx) error {
	tc.project.PaymentMode = domain.PaymentMilestone
	tc.project.Milestones = nil
	tc.sess.State = StateDefiningMilestones
	tc.reply = fmt.Sprintf(
		"Define milestones one per message as \"Description - Amount\" until the full budget of %s %s is allocated.",
		formatAmount(tc.project.Terms.BudgetCents), tc.project.Terms.Currency)
	return nil
}

// handleMilestoneInput parses one "Description - Amount" line and adds
// it to the project's milestone list. A milestone can never push the
// total past the budget; when the running total reaches it exactly, the
// flow moves to confirmation.
func (e *Engine) handleMilestoneInput(tc *txnCtx) error {
	m, err := parseMilestoneLine(tc.event.Text)
	if err != nil {
		return err
	}

	remaining := tc.project.Terms.BudgetCents - tc.project.MilestoneSum()
	if m.AmountCents > remaining {
		return &ValidationError{
			Constraint: "milestone-budget",
			Msg: fmt.Sprintf("that exceeds the remaining budget; %s %s left to allocate",
				formatAmount(remaining), tc.project.Terms.Currency),
		}
	}

	tc.project.Milestones = append(tc.project.Milestones, m)
	remaining -= m.AmountCents

	if remaining == 0 {
		tc.sess.State = StateConfirmingMilestones
		tc.reply = fmt.Sprintf(
			"Budget fully allocated:\n%s\nConfirm these milestones, or reset to start over.",
			renderMilestones(tc.project.Milestones, tc.project.Terms.Currency))
		return nil
	}
	tc.reply = fmt.Sprintf("Added %q (%s %s). %s %s left to allocate.",
		m.Description, formatAmount(m.AmountCents), tc.project.Terms.Currency,
		formatAmount(remaining), tc.project.Terms.Currency)
	return nil
}

// handleConfirmMilestones is the final sum check before funding. The
// loop above enforces the invariant already; this guards the record
// against anything that slipped past it.
func (e *Engine) handleConfirmMilestones(tc *txnCtx) error {
	if len(tc.project.Milestones) == 0 {
		return &ValidationError{Constraint: "milestone-sum", Msg: "no milestones defined"}
	}
	if sum := tc.project.MilestoneSum(); sum != tc.project.Terms.BudgetCents {
		return &ValidationError{
			Constraint: "milestone-sum",
			Msg: fmt.Sprintf("milestones total %s but the budget is %s",
				formatAmount(sum), formatAmount(tc.project.Terms.BudgetCents)),
		}
	}
	tc.sess.State = StateAwaitingFunding
	tc.reply = "Milestones confirmed. Fund the escrow with crypto or fiat?"
	return nil
}

func (e *Engine) handleResetMilestones(tc *txnCtx) error {
	tc.project.Milestones = nil
	tc.sess.State = StateDefiningMilestones
	tc.reply = fmt.Sprintf("Milestones cleared. Start again: %s %s to allocate.",
		formatAmount(tc.project.Terms.BudgetCents), tc.project.Terms.Currency)
	return nil
}

// handleEditMilestones opens a post-funding renegotiation. Only one
// proposal may be in flight per project.
func (e *Engine) handleEditMilestones(tc *txnCtx) error {
	if tc.project.PaymentMode != domain.PaymentMilestone {
		return &ValidationError{Constraint: "payment-mode", Msg: "this project is not paid in milestones"}
	}
	if len(tc.project.StagedMilestones) > 0 {
		return &ValidationError{Constraint: "milestone-edit", Msg: "a milestone proposal is already awaiting the freelancer's decision"}
	}
	tc.sess.State = StateEditingMilestones
	tc.sess.StagedMilestones = nil
	tc.reply = fmt.Sprintf(
		"Propose the new milestone set, one per message as \"Description - Amount\", totalling %s %s. The current set stays in force until the freelancer approves.",
		formatAmount(tc.project.Terms.BudgetCents), tc.project.Terms.Currency)
	return nil
}

// handleStagedMilestoneInput builds the proposal on the client's
// session; the project's live milestones are untouched until approval.
func (e *Engine) handleStagedMilestoneInput(tc *txnCtx) error {
	m, err := parseMilestoneLine(tc.event.Text)
	if err != nil {
		return err
	}

	var staged int64
	for _, s := range tc.sess.StagedMilestones {
		staged += s.AmountCents
	}
	remaining := tc.project.Terms.BudgetCents - staged
	if m.AmountCents > remaining {
		return &ValidationError{
			Constraint: "milestone-budget",
			Msg: fmt.Sprintf("that exceeds the remaining budget; %s %s left to allocate",
				formatAmount(remaining), tc.project.Terms.Currency),
		}
	}

	tc.sess.StagedMilestones = append(tc.sess.StagedMilestones, m)
	remaining -= m.AmountCents

	if remaining == 0 {
		tc.reply = fmt.Sprintf(
			"Proposal complete:\n%s\nSend it for the freelancer's approval, or reset to start over.",
			renderMilestones(tc.sess.StagedMilestones, tc.project.Terms.Currency))
		return nil
	}
	tc.reply = fmt.Sprintf("Staged %q (%s %s). %s %s left to allocate.",
		m.Description, formatAmount(m.AmountCents), tc.project.Terms.Currency,
		formatAmount(remaining), tc.project.Terms.Currency)
	return nil
}

func (e *Engine) handleResetStagedMilestones(tc *txnCtx) error {
	tc.sess.StagedMilestones = nil
	tc.reply = fmt.Sprintf("Proposal cleared. Start again: %s %s to allocate.",
		formatAmount(tc.project.Terms.BudgetCents), tc.project.Terms.Currency)
	return nil
}

// handleSendForApproval moves the proposal onto the project record and
// hands the decision to the freelancer.
func (e *Engine) handleSendForApproval(tc *txnCtx) error {
	staged := tc.sess.StagedMilestones
	var sum int64
	for _, s := range staged {
		sum += s.AmountCents
	}
	if len(staged) == 0 || sum != tc.project.Terms.BudgetCents {
		return &ValidationError{
			Constraint: "milestone-sum",
			Msg: fmt.Sprintf("the proposal must allocate the full budget of %s %s",
				formatAmount(tc.project.Terms.BudgetCents), tc.project.Terms.Currency),
		}
	}
	if len(tc.project.StagedMilestones) > 0 {
		return &ValidationError{Constraint: "milestone-edit", Msg: "a milestone proposal is already awaiting the freelancer's decision"}
	}

	tc.project.StagedMilestones = staged
	tc.sess.StagedMilestones = nil
	tc.sess.State = StateWorking

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return err
	}
	cs.State = StateAwaitingMilestoneApproval

	tc.notifyParty(cs.PartyID, fmt.Sprintf(
		"@%s proposed new milestones:\n%s\nApprove or reject?",
		tc.sess.Handle, renderMilestones(staged, tc.project.Terms.Currency)))
	tc.reply = "Proposal sent. The current milestones stay in force until the freelancer approves."
	return nil
}

// handleApproveMilestones applies the staged set atomically. Paid
// status carries over only for exact matches, so released money can
// never be re-released under a renamed milestone.
func (e *Engine) handleApproveMilestones(tc *txnCtx) error {
	if len(tc.project.StagedMilestones) == 0 {
		return &ValidationError{Constraint: "milestone-edit", Msg: "no proposal to approve"}
	}

	tc.project.ApplyStagedMilestones()
	tc.sess.State = StateWorking

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return err
	}
	cs.State = StateWorking

	details := map[string]any{"milestones": milestoneDetails(tc.project.Milestones)}
	tc.append(domain.EventMilestonesUpdated, details)
	tc.notifyParty(cs.PartyID, fmt.Sprintf("@%s approved the new milestones.", tc.sess.Handle))
	tc.reply = "Milestones updated."
	return nil
}

// handleRejectMilestones discards the proposal. The live set never
// changed, so nothing is recorded in the ledger.
func (e *Engine) handleRejectMilestones(tc *txnCtx) error {
	if len(tc.project.StagedMilestones) == 0 {
		return &ValidationError{Constraint: "milestone-edit", Msg: "no proposal to reject"}
	}

	tc.project.StagedMilestones = nil
	tc.sess.State = StateWorking

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return err
	}
	cs.State = StateWorking

	tc.notifyParty(cs.PartyID, fmt.Sprintf("@%s rejected the milestone proposal; the original milestones stand.", tc.sess.Handle))
	tc.reply = "Proposal rejected. The original milestones stand."
	return nil
}

// parseMilestoneLine splits "Description - Amount" on the last dash so
// descriptions may themselves contain dashes.
func parseMilestoneLine(line string) (domain.Milestone, error) {
	line = strings.TrimSpace(line)
	i := strings.LastIndex(line, "-")
	if i <= 0 {
		return domain.Milestone{}, &ValidationError{Constraint: "milestone-format", Msg: `use "Description - Amount"`}
	}
	desc := strings.TrimSpace(line[:i])
	amountStr := strings.TrimSpace(line[i+1:])
	if desc == "" {
		return domain.Milestone{}, &ValidationError{Constraint: "milestone-format", Msg: "the milestone needs a description"}
	}
	cents, err := parseAmount(amountStr)
	if err != nil || cents <= 0 {
		return domain.Milestone{}, &ValidationError{Constraint: "milestone-amount", Msg: "the amount must be a positive number"}
	}
	return domain.Milestone{Description: desc, AmountCents: cents, Status: domain.MilestonePending}, nil
}

func renderMilestones(ms []domain.Milestone, currency string) string {
	var b strings.Builder
	for i, m := range ms {
		fmt.Fprintf(&b, "  %d. %s - %s %s", i+1, m.Description, formatAmount(m.AmountCents), currency)
		if m.Status == domain.MilestonePaid {
			b.WriteString(" (paid)")
		}
		if i < len(ms)-1 {
			b.WriteByte('\n')
		}
	}
	return b.String()
}

func milestoneDetails(ms []domain.Milestone) []map[string]any {
	out := make([]map[string]any, len(ms))
	for i, m := range ms {
		out[i] = map[string]any{
			"description":  m.Description,
			"amount_cents": m.AmountCents,
			"status":       m.Status,
		}
	}
	return out
}
