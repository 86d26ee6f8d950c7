package engine

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"escrowline/internal/config"
	"escrowline/internal/domain"
)

// Funding method selection. Both paths end in the same Fund action;
// the method only determines how the money reaches the escrow.

func (e *Engine) handleFundCrypto(tc *txnCtx) error {
	tc.project.FundingMethod = domain.FundingCrypto
	tc.reply = fmt.Sprintf(
		"Funding %s %s from your wallet. Send 'fund' to lock it in escrow.",
		formatAmount(tc.project.Terms.BudgetCents), tc.project.Terms.Currency)
	return nil
}

// handleFundFiat routes funding through the hosted on-ramp widget. The
// order id ties the widget payment back to this project.
func (e *Engine) handleFundFiat(tc *txnCtx) error {
	tc.project.FundingMethod = domain.FundingFiat
	if tc.project.OffRampOrderID == "" {
		tc.project.OffRampOrderID = uuid.NewString()
	}
	url := e.OffRamp.PaymentURL(tc.project.Terms.BudgetCents, tc.project.OffRampOrderID)
	tc.reply = fmt.Sprintf(
		"Pay %s %s by card or bank here:\n  %s\nThen send 'fund' to lock the escrow.",
		formatAmount(tc.project.Terms.BudgetCents), tc.project.Terms.Currency, url)
	return nil
}

// Payout method selection, the freelancer's half of the release
// handshake. Either path ends with the client in confirming-release.

func (e *Engine) handlePayoutCrypto(tc *txnCtx) error {
	tc.project.PayoutMethod = domain.PayoutDirectCrypto
	tc.sess.State = StateAwaitingPayoutAddress
	tc.reply = "Send the wallet address to receive the funds (0x...)."
	return nil
}

// handlePayoutFiat settles through the off-ramp: custody releases to
// the provider's receiving address and the provider pays out fiat.
func (e *Engine) handlePayoutFiat(tc *txnCtx) error {
	addr := e.OffRamp.ReceivingAddress()
	if !config.ValidEVMAddress(addr) {
		return &CollaboratorError{Op: "off-ramp", Err: fmt.Errorf("provider receiving address %q is invalid", addr)}
	}
	tc.project.PayoutMethod = domain.PayoutFiatOffRamp
	tc.project.PayoutAddress = addr
	tc.sess.State = StateWorking

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return err
	}
	cs.State = StateConfirmingRelease

	amount, _ := tc.project.PendingReleaseAmount()
	tc.notifyParty(cs.PartyID, fmt.Sprintf(
		"@%s chose a fiat payout. Confirm the release of %s %s?",
		tc.sess.Handle, formatAmount(amount), tc.project.Terms.Currency))
	tc.reply = "Fiat payout selected. The client will confirm the release."
	return nil
}

// handlePayoutAddress validates and records the freelancer's wallet.
func (e *Engine) handlePayoutAddress(tc *txnCtx) error {
	addr := strings.TrimSpace(tc.event.Text)
	if !config.ValidEVMAddress(addr) {
		return &ValidationError{Constraint: "payout-address", Msg: "that doesn't look like a wallet address (0x followed by 40 hex characters)"}
	}
	tc.project.PayoutAddress = addr
	tc.sess.State = StateWorking

	cs, err := e.loadCounterparty(tc)
	if err != nil {
		return err
	}
	cs.State = StateConfirmingRelease

	amount, _ := tc.project.PendingReleaseAmount()
	tc.notifyParty(cs.PartyID, fmt.Sprintf(
		"@%s chose a direct crypto payout to %s. Confirm the release of %s %s?",
		tc.sess.Handle, addr, formatAmount(amount), tc.project.Terms.Currency))
	tc.reply = "Address recorded. The client will confirm the release."
	return nil
}
