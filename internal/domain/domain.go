package domain

import "strconv"

// Roles a party can hold within a project.
const (
	RoleClient     = "client"
	RoleFreelancer = "freelancer"
)

// Project lifecycle statuses.
const (
	ProjectPendingInvitation = "pending-invitation"
	ProjectAccepted          = "accepted"
	ProjectDeclined          = "declined"
	ProjectActive            = "active"
	ProjectCompleted         = "completed"
	ProjectCancelled         = "cancelled"
)

// Payment modes.
const (
	PaymentOneTime   = "one-time"
	PaymentMilestone = "milestone"
)

// Milestone statuses.
const (
	MilestonePending = "pending"
	MilestonePaid    = "paid"
)

// Payout methods a freelancer can select.
const (
	PayoutDirectCrypto = "direct-crypto"
	PayoutFiatOffRamp  = "fiat-off-ramp"
)

// Funding methods a client can select.
const (
	FundingCrypto = "crypto"
	FundingFiat   = "fiat"
)

type Party struct {
	ID     string `json:"id"`
	Handle string `json:"handle,omitempty"`
	Role   string `json:"role,omitempty" enum:"client,freelancer"`
}

// Terms are the negotiated scope of a project. Budget and milestone
// amounts are integer minor units (cents) so sum checks are exact.
type Terms struct {
	Scope        string `json:"scope"`
	BudgetCents  int64  `json:"budget_cents"`
	Currency     string `json:"currency"`
	TimelineDays int    `json:"timeline_days"`
	Addenda      string `json:"addenda,omitempty"`
}

type Milestone struct {
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status" enum:"pending,paid"`
}

// ConversationMessage is one direct message between the parties,
// stored on the project record as the single source of truth.
type ConversationMessage struct {
	Role   string `json:"role"`
	Handle string `json:"handle,omitempty"`
	Text   string `json:"text"`
	TS     string `json:"ts" format:"date-time"`
}

// Project is the shared record both parties reference. The copy in the
// store is authoritative; sessions hold only the project id.
type Project struct {
	ID               string                `json:"id"`
	Client           Party                 `json:"client"`
	Freelancer       Party                 `json:"freelancer"`
	Terms            Terms                 `json:"terms"`
	PaymentMode      string                `json:"payment_mode,omitempty" enum:"one-time,milestone"`
	Milestones       []Milestone           `json:"milestones,omitempty"`
	StagedMilestones []Milestone           `json:"staged_milestones,omitempty"`
	Status           string                `json:"status" enum:"pending-invitation,accepted,declined,active,completed,cancelled"`
	CustodyRef       string                `json:"custody_ref,omitempty"`
	AgreementHash    string                `json:"agreement_hash,omitempty"`
	FundingMethod    string                `json:"funding_method,omitempty" enum:"crypto,fiat"`
	OffRampOrderID   string                `json:"offramp_order_id,omitempty"`
	PayoutMethod     string                `json:"payout_method,omitempty" enum:"direct-crypto,fiat-off-ramp"`
	PayoutAddress    string                `json:"payout_address,omitempty"`
	ReleasingIndex   *int                  `json:"releasing_index,omitempty"`
	Disputed         bool                  `json:"disputed,omitempty"`
	Conversation     []ConversationMessage `json:"conversation,omitempty"`
	CreatedAt        string                `json:"created_at" format:"date-time"`
	UpdatedAt        string                `json:"updated_at" format:"date-time"`
}

// PendingReleaseAmount returns the amount the next release would move:
// the first pending milestone in milestone mode, else the full budget.
// Second result is the milestone index, or -1 for a one-time payment.
func (p Project) PendingReleaseAmount() (int64, int) {
	if p.PaymentMode != PaymentMilestone {
		return p.Terms.BudgetCents, -1
	}
	for i, m := range p.Milestones {
		if m.Status == MilestonePending {
			return m.AmountCents, i
		}
	}
	return 0, -1
}

// MilestoneSum is the total of all current milestone amounts.
func (p Project) MilestoneSum() int64 {
	var sum int64
	for _, m := range p.Milestones {
		sum += m.AmountCents
	}
	return sum
}

// PartyRole returns the role the given party holds on this project,
// or "" if the party is not on it.
func (p Project) PartyRole(partyID string) string {
	switch partyID {
	case p.Client.ID:
		return RoleClient
	case p.Freelancer.ID:
		return RoleFreelancer
	}
	return ""
}

// Counterparty returns the other party relative to partyID.
func (p Project) Counterparty(partyID string) Party {
	if partyID == p.Client.ID {
		return p.Freelancer
	}
	return p.Client
}

// ApplyStagedMilestones replaces the milestone list with the staged
// proposal. Paid status survives the replacement only for staged entries
// that exactly match a previously paid (description, amount) pair, so a
// renegotiation can never un-pay released money.
func (p *Project) ApplyStagedMilestones() {
	paid := make(map[string]int, len(p.Milestones))
	for _, m := range p.Milestones {
		if m.Status == MilestonePaid {
			paid[milestoneKey(m)]++
		}
	}
	next := make([]Milestone, len(p.StagedMilestones))
	for i, m := range p.StagedMilestones {
		m.Status = MilestonePending
		if k := milestoneKey(m); paid[k] > 0 {
			paid[k]--
			m.Status = MilestonePaid
		}
		next[i] = m
	}
	p.Milestones = next
	p.StagedMilestones = nil
}

func milestoneKey(m Milestone) string {
	return m.Description + "\x00" + strconv.FormatInt(m.AmountCents, 10)
}

// Invitation is a durable, single-use redemption token minted when a
// counterparty handle cannot be resolved to an addressable party.
type Invitation struct {
	Token     string `json:"token"`
	ProjectID string `json:"project_id"`
	InviterID string `json:"inviter_id"`
	Status    string `json:"status" enum:"pending,accepted,declined"`
	CreatedAt string `json:"created_at" format:"date-time"`
	UpdatedAt string `json:"updated_at" format:"date-time"`
}

// Invitation statuses.
const (
	InvitationPending  = "pending"
	InvitationAccepted = "accepted"
	InvitationDeclined = "declined"
)

// Session is one party's workflow position. Created lazily at first
// contact, reset to idle on explicit restart, never deleted.
type Session struct {
	PartyID          string      `json:"party_id"`
	Handle           string      `json:"handle,omitempty"`
	Role             string      `json:"role,omitempty" enum:"client,freelancer"`
	State            string      `json:"state"`
	ProjectID        string      `json:"project_id,omitempty"`
	DraftTerms       *Terms      `json:"draft_terms,omitempty"`
	History          []Exchange  `json:"history,omitempty"`
	SubmissionParts  []string    `json:"submission_parts,omitempty"`
	StagedMilestones []Milestone `json:"staged_milestones,omitempty"`
	CreatedAt        string      `json:"created_at" format:"date-time"`
	UpdatedAt        string      `json:"updated_at" format:"date-time"`

	// Rev is the persistence revision; it never travels over the API.
	Rev int64 `json:"-"`
}

// Exchange is one turn of the bounded terms-capture conversation.
type Exchange struct {
	Role string `json:"role" enum:"user,assistant"`
	Text string `json:"text"`
}

// LedgerEntry is one immutable, hash-chained audit record.
type LedgerEntry struct {
	Seq          int64          `json:"seq"`
	ProjectID    string         `json:"project_id"`
	EventType    string         `json:"event_type"`
	Details      map[string]any `json:"details"`
	ActorID      string         `json:"actor_id"`
	TS           string         `json:"ts" format:"date-time"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

// Ledger event types. Only accepted outcomes are recorded.
const (
	EventProjectDefined     = "PROJECT_DEFINED"
	EventInvitationSent     = "INVITATION_SENT"
	EventFreelancerAccepted = "FREELANCER_ACCEPTED"
	EventEscrowFunded       = "ESCROW_FUNDED"
	EventWorkSubmitted      = "WORK_SUBMITTED"
	EventMilestonesUpdated  = "MILESTONES_UPDATED"
	EventPaymentReleased    = "PAYMENT_RELEASED"
	EventDisputeRaised      = "DISPUTE_RAISED"
)
