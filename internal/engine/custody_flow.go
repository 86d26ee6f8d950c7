package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"escrowline/internal/custody"
	"escrowline/internal/domain"
	"escrowline/internal/repo"
)

// Custody-backed transitions (fund, release, dispute) run in three
// phases: prepare validates and persists an in-progress marker under
// the scope lock, the external call runs with the lock released, and
// the finish phase re-acquires the lock, re-validates the record and
// commits the outcome. The ledger entry for a money movement is only
// ever written in the finish phase, after the call succeeded.

const (
	opFund    = "fund"
	opRelease = "release"
	opDispute = "dispute"
)

type custodyOp struct {
	kind      string
	partyID   string
	handle    string
	projectID string

	amountCents   int64
	milestoneIdx  int
	custodyRef    string
	recipient     string
	agreementHash string
}

// prepareCustody validates the operation and persists any marker it
// needs. A nil op with no error means the operation was an idempotent
// no-op; tc.reply carries the explanation.
func (e *Engine) prepareCustody(tc *txnCtx) (*custodyOp, error) {
	if tc.project == nil {
		return nil, fmt.Errorf("custody action without a project in scope")
	}
	switch tc.event.Kind {
	case ActionFund:
		return e.prepareFund(tc)
	case ActionConfirmRelease:
		return e.prepareRelease(tc)
	case ActionDispute:
		return e.prepareDispute(tc)
	}
	return nil, &TransitionError{State: tc.sess.State, Kind: tc.event.Kind}
}

func (e *Engine) prepareFund(tc *txnCtx) (*custodyOp, error) {
	p := tc.project
	if p.Disputed {
		return nil, &ValidationError{Constraint: "dispute", Msg: "the project is disputed; escrow actions are frozen"}
	}
	if p.CustodyRef != "" {
		// Already funded: duplicate request is a no-op.
		tc.reply = "The escrow is already funded."
		return nil, nil
	}
	if p.Status != domain.ProjectAccepted {
		return nil, &ValidationError{Constraint: "funding", Msg: "the project is not ready for funding"}
	}
	if p.FundingMethod == "" {
		p.FundingMethod = domain.FundingCrypto
	}

	// A broken chain halts automated money movement.
	ok, err := e.Ledger.Verify(tc.ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &IntegrityError{ProjectID: p.ID}
	}

	if _, busy := e.inflight.LoadOrStore(p.ID, struct{}{}); busy {
		return nil, &ValidationError{Constraint: "funding", Msg: "a funding attempt is already in progress"}
	}

	// Persist the chosen method before the call so a crash mid-flight
	// leaves a coherent record.
	if err := e.commit(tc); err != nil {
		e.inflight.Delete(p.ID)
		return nil, err
	}

	return &custodyOp{
		kind:          opFund,
		partyID:       tc.sess.PartyID,
		handle:        tc.sess.Handle,
		projectID:     p.ID,
		amountCents:   p.Terms.BudgetCents,
		recipient:     p.PayoutAddress,
		agreementHash: custody.HashAgreement(p.Terms, p.Client.ID, p.Freelancer.ID),
	}, nil
}

func (e *Engine) prepareRelease(tc *txnCtx) (*custodyOp, error) {
	p := tc.project
	if p.Disputed {
		return nil, &ValidationError{Constraint: "dispute", Msg: "the project is disputed; escrow actions are frozen"}
	}
	if p.CustodyRef == "" {
		return nil, &ValidationError{Constraint: "release", Msg: "the escrow is not funded"}
	}
	if p.ReleasingIndex != nil {
		return nil, &ValidationError{Constraint: "release", Msg: "a release is already in progress"}
	}
	if p.PayoutAddress == "" {
		return nil, &ValidationError{Constraint: "release", Msg: "no payout address on record"}
	}

	amount, idx := p.PendingReleaseAmount()
	if amount == 0 {
		tc.reply = "Nothing is pending release."
		return nil, nil
	}

	// A broken chain halts automated money movement.
	ok, err := e.Ledger.Verify(tc.ctx, p.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &IntegrityError{ProjectID: p.ID}
	}

	if _, busy := e.inflight.LoadOrStore(p.ID, struct{}{}); busy {
		return nil, &ValidationError{Constraint: "release", Msg: "a release is already in progress"}
	}

	// The durable marker makes the in-progress release survive a crash:
	// a restarted process sees it and refuses a second call.
	marker := idx
	p.ReleasingIndex = &marker
	if err := e.commit(tc); err != nil {
		e.inflight.Delete(p.ID)
		return nil, err
	}

	return &custodyOp{
		kind:         opRelease,
		partyID:      tc.sess.PartyID,
		handle:       tc.sess.Handle,
		projectID:    p.ID,
		amountCents:  amount,
		milestoneIdx: idx,
		custodyRef:   p.CustodyRef,
		recipient:    p.PayoutAddress,
	}, nil
}

func (e *Engine) prepareDispute(tc *txnCtx) (*custodyOp, error) {
	p := tc.project
	if p.CustodyRef == "" {
		return nil, &ValidationError{Constraint: "dispute", Msg: "only a funded project can be disputed"}
	}
	if p.Disputed {
		tc.reply = "The project is already disputed."
		return nil, nil
	}
	if _, busy := e.inflight.LoadOrStore(p.ID, struct{}{}); busy {
		return nil, &ValidationError{Constraint: "dispute", Msg: "another escrow action is in progress"}
	}
	return &custodyOp{
		kind:       opDispute,
		partyID:    tc.sess.PartyID,
		handle:     tc.sess.Handle,
		projectID:  p.ID,
		custodyRef: p.CustodyRef,
	}, nil
}

// finishCustody runs the external call and commits the outcome under a
// freshly acquired lock against a freshly loaded record.
func (e *Engine) finishCustody(ctx context.Context, mu *sync.Mutex, op *custodyOp) (Outcome, error) {
	defer e.inflight.Delete(op.projectID)

	switch op.kind {
	case opFund:
		res, callErr := e.Custody.Fund(ctx, op.amountCents, op.recipient, op.agreementHash)
		return e.finalizeFund(ctx, mu, op, res, callErr)
	case opRelease:
		res, callErr := e.Custody.Release(ctx, op.custodyRef, op.recipient)
		return e.finalizeRelease(ctx, mu, op, res, callErr)
	case opDispute:
		callErr := e.Custody.Dispute(ctx, op.custodyRef)
		return e.finalizeDispute(ctx, mu, op, callErr)
	}
	return Outcome{}, fmt.Errorf("unknown custody op %q", op.kind)
}

func (e *Engine) finalizeFund(ctx context.Context, mu *sync.Mutex, op *custodyOp, res custody.FundResult, callErr error) (Outcome, error) {
	mu.Lock()
	defer mu.Unlock()

	tc, err := e.reload(ctx, op)
	if err != nil {
		return Outcome{}, err
	}
	if callErr != nil {
		return Outcome{}, &CollaboratorError{Op: "escrow funding", Err: callErr}
	}
	p := tc.project
	if p.CustodyRef != "" {
		return Outcome{State: tc.sess.State, Reply: "The escrow is already funded."}, nil
	}

	p.CustodyRef = res.CustodyRef
	p.AgreementHash = res.AgreementHash
	if p.AgreementHash == "" {
		p.AgreementHash = op.agreementHash
	}
	p.Status = domain.ProjectActive
	tc.sess.State = StateWorking

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return Outcome{}, err
	}
	cs.State = StateWorking

	details := map[string]any{
		"amount_cents":   p.Terms.BudgetCents,
		"currency":       p.Terms.Currency,
		"method":         p.FundingMethod,
		"custody_ref":    p.CustodyRef,
		"tx_ref":         res.TxRef,
		"agreement_hash": p.AgreementHash,
	}
	if p.OffRampOrderID != "" {
		details["offramp_order_id"] = p.OffRampOrderID
	}
	tc.append(domain.EventEscrowFunded, details)

	tc.notifyParty(cs.PartyID, fmt.Sprintf(
		"Escrow funded with %s %s. The project is live; time to get to work.",
		formatAmount(p.Terms.BudgetCents), p.Terms.Currency))
	tc.reply = fmt.Sprintf("Escrow funded (%s). The project is now active.", p.CustodyRef)

	if err := e.finalizeCommit(tc, op); err != nil {
		return Outcome{}, err
	}
	e.dispatch(tc.notes)
	return Outcome{State: tc.sess.State, Reply: tc.reply, Notifications: tc.notes}, nil
}

func (e *Engine) finalizeRelease(ctx context.Context, mu *sync.Mutex, op *custodyOp, res custody.ReleaseResult, callErr error) (Outcome, error) {
	mu.Lock()
	defer mu.Unlock()

	tc, err := e.reload(ctx, op)
	if err != nil {
		return Outcome{}, err
	}
	p := tc.project

	if callErr != nil {
		// Failed call: clear the marker so the client can retry; the
		// milestone stays pending and nothing is ledgered.
		p.ReleasingIndex = nil
		if err := e.finalizeCommit(tc, op); err != nil {
			return Outcome{}, err
		}
		return Outcome{}, &CollaboratorError{Op: "escrow release", Err: callErr}
	}
	if p.ReleasingIndex == nil || *p.ReleasingIndex != op.milestoneIdx {
		return Outcome{}, fmt.Errorf("release marker for project %s changed mid-flight", p.ID)
	}

	var payoutOrderID string
	if p.PayoutMethod == domain.PayoutFiatOffRamp {
		order, err := e.OffRamp.CreatePayout(ctx, op.amountCents, p.Freelancer.ID)
		if err != nil {
			// Funds left custody but the fiat order failed; record the
			// release and surface the payout problem for manual follow-up.
			e.Logger.Printf("engine: fiat payout order for project %s failed: %v", p.ID, err)
		} else {
			payoutOrderID = order.ID
		}
	}

	if op.milestoneIdx >= 0 {
		p.Milestones[op.milestoneIdx].Status = domain.MilestonePaid
	}
	p.ReleasingIndex = nil

	completed := true
	if p.PaymentMode == domain.PaymentMilestone {
		for _, m := range p.Milestones {
			if m.Status != domain.MilestonePaid {
				completed = false
				break
			}
		}
	}

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return Outcome{}, err
	}

	details := map[string]any{
		"amount_cents": op.amountCents,
		"currency":     p.Terms.Currency,
		"method":       p.PayoutMethod,
		"recipient":    op.recipient,
		"tx_ref":       res.TxRef,
	}
	if op.milestoneIdx >= 0 {
		details["milestone_index"] = op.milestoneIdx
		details["milestone"] = p.Milestones[op.milestoneIdx].Description
	}
	if payoutOrderID != "" {
		details["payout_order_id"] = payoutOrderID
	}
	tc.append(domain.EventPaymentReleased, details)

	if completed {
		p.Status = domain.ProjectCompleted
		tc.sess.State = StateIdle
		cs.State = StateIdle
		tc.notifyParty(cs.PartyID, fmt.Sprintf(
			"Payment of %s %s released. The project is complete; great work.",
			formatAmount(op.amountCents), p.Terms.Currency))
		tc.reply = "Payment released. The project is complete."
	} else {
		tc.sess.State = StateWorking
		cs.State = StateWorking
		tc.notifyParty(cs.PartyID, fmt.Sprintf(
			"Milestone payment of %s %s released. On to the next one.",
			formatAmount(op.amountCents), p.Terms.Currency))
		tc.reply = fmt.Sprintf("Milestone payment of %s %s released.",
			formatAmount(op.amountCents), p.Terms.Currency)
	}

	if err := e.finalizeCommit(tc, op); err != nil {
		return Outcome{}, err
	}
	e.dispatch(tc.notes)
	return Outcome{State: tc.sess.State, Reply: tc.reply, Notifications: tc.notes}, nil
}

func (e *Engine) finalizeDispute(ctx context.Context, mu *sync.Mutex, op *custodyOp, callErr error) (Outcome, error) {
	mu.Lock()
	defer mu.Unlock()

	tc, err := e.reload(ctx, op)
	if err != nil {
		return Outcome{}, err
	}
	if callErr != nil {
		return Outcome{}, &CollaboratorError{Op: "dispute", Err: callErr}
	}
	p := tc.project
	if p.Disputed {
		return Outcome{State: tc.sess.State, Reply: "The project is already disputed."}, nil
	}

	p.Disputed = true

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return Outcome{}, err
	}

	tc.append(domain.EventDisputeRaised, map[string]any{
		"raised_by": tc.sess.Role,
	})
	tc.notifyParty(cs.PartyID, fmt.Sprintf(
		"@%s raised a dispute. Escrow is frozen pending resolution.", tc.sess.Handle))
	tc.reply = "Dispute raised. Escrow is frozen pending resolution."

	if err := e.finalizeCommit(tc, op); err != nil {
		return Outcome{}, err
	}
	e.dispatch(tc.notes)
	return Outcome{State: tc.sess.State, Reply: tc.reply, Notifications: tc.notes}, nil
}

// finalizeCommit persists a finish-phase outcome. A stale session here
// means a write slipped past the project lock; surface it as a plain
// error so the event is never replayed after the external call already
// ran.
func (e *Engine) finalizeCommit(tc *txnCtx, op *custodyOp) error {
	if err := e.commit(tc); err != nil {
		if errors.Is(err, repo.ErrStaleSession) {
			return fmt.Errorf("finalize %s for project %s: %v", op.kind, op.projectID, err)
		}
		return err
	}
	return nil
}

// reload builds a fresh txnCtx from the store for the finish phase.
func (e *Engine) reload(ctx context.Context, op *custodyOp) (*txnCtx, error) {
	sess, err := e.Repo.GetSession(ctx, op.partyID)
	if err != nil {
		return nil, err
	}
	p, err := e.Repo.GetProject(ctx, op.projectID)
	if err != nil {
		return nil, err
	}
	return &txnCtx{ctx: ctx, sess: &sess, project: &p}, nil
}
