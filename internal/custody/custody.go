// Package custody is the boundary to the external escrow-contract
// collaborator that actually holds funds. Calls are slow and can fail;
// callers treat failures as retryable and never mark anything paid until
// a call reports success.
package custody

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"escrowline/internal/domain"
)

// FundResult is the outcome of locking funds in escrow.
type FundResult struct {
	CustodyRef    string
	TxRef         string
	AgreementHash string
}

// ReleaseResult is the outcome of releasing held funds.
type ReleaseResult struct {
	TxRef string
}

// Client is the escrow-contract collaborator interface.
type Client interface {
	Fund(ctx context.Context, amountCents int64, payeeAddress, agreementHash string) (FundResult, error)
	Release(ctx context.Context, custodyRef, recipientAddress string) (ReleaseResult, error)
	Dispute(ctx context.Context, custodyRef string) error
}

// agreementDigest is the canonical off-chain agreement fingerprint. Only
// the digest leaves the process; the terms stay local.
type agreementDigest struct {
	Scope        string `json:"scope"`
	BudgetCents  int64  `json:"budget_cents"`
	Currency     string `json:"currency"`
	TimelineDays int    `json:"timeline_days"`
	ClientID     string `json:"client_id"`
	FreelancerID string `json:"freelancer_id"`
}

// HashAgreement returns the 0x-prefixed SHA-256 digest of the agreed
// terms bound to both party identities.
func HashAgreement(terms domain.Terms, clientID, freelancerID string) string {
	b, _ := json.Marshal(agreementDigest{
		Scope:        terms.Scope,
		BudgetCents:  terms.BudgetCents,
		Currency:     terms.Currency,
		TimelineDays: terms.TimelineDays,
		ClientID:     clientID,
		FreelancerID: freelancerID,
	})
	sum := sha256.Sum256(b)
	return "0x" + hex.EncodeToString(sum[:])
}

// Error wraps a collaborator failure so the workflow can report it as
// retryable without inspecting transport details.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("custody %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }
