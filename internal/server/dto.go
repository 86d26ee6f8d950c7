package server

import (
	"escrowline/internal/domain"
	"escrowline/internal/engine"
	"escrowline/internal/notify"
)

// EventRequest is one party input: an action selection or free text.
type EventRequest struct {
	Kind string `json:"kind" example:"text" doc:"Event kind: start, reset, text or an action name"`
	Text string `json:"text,omitempty" doc:"Free text payload, required for kind=text"`
}

// OutcomeResponse reports the applied event's result.
type OutcomeResponse struct {
	State         string                `json:"state"`
	Reply         string                `json:"reply,omitempty"`
	Notifications []NotificationMessage `json:"notifications,omitempty"`
}

type NotificationMessage struct {
	PartyID string `json:"party_id"`
	Text    string `json:"text"`
}

type PartyResponse struct {
	ID     string `json:"id"`
	Handle string `json:"handle,omitempty"`
	Role   string `json:"role,omitempty"`
}

type TermsResponse struct {
	Scope        string `json:"scope"`
	BudgetCents  int64  `json:"budget_cents"`
	Currency     string `json:"currency"`
	TimelineDays int    `json:"timeline_days"`
	Addenda      string `json:"addenda,omitempty"`
}

type MilestoneResponse struct {
	Description string `json:"description"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
}

type ProjectResponse struct {
	ID               string              `json:"id"`
	Client           PartyResponse       `json:"client"`
	Freelancer       PartyResponse       `json:"freelancer"`
	Terms            TermsResponse       `json:"terms"`
	PaymentMode      string              `json:"payment_mode,omitempty"`
	Milestones       []MilestoneResponse `json:"milestones,omitempty"`
	StagedMilestones []MilestoneResponse `json:"staged_milestones,omitempty"`
	Status           string              `json:"status"`
	CustodyRef       string              `json:"custody_ref,omitempty"`
	AgreementHash    string              `json:"agreement_hash,omitempty"`
	FundingMethod    string              `json:"funding_method,omitempty"`
	PayoutMethod     string              `json:"payout_method,omitempty"`
	PayoutAddress    string              `json:"payout_address,omitempty"`
	Disputed         bool                `json:"disputed,omitempty"`
	CreatedAt        string              `json:"created_at"`
	UpdatedAt        string              `json:"updated_at"`
}

type SessionResponse struct {
	PartyID   string `json:"party_id"`
	Handle    string `json:"handle,omitempty"`
	Role      string `json:"role,omitempty"`
	State     string `json:"state"`
	ProjectID string `json:"project_id,omitempty"`
}

type LedgerEntryResponse struct {
	Seq          int64          `json:"seq"`
	EventType    string         `json:"event_type"`
	Details      map[string]any `json:"details,omitempty"`
	ActorID      string         `json:"actor_id"`
	TS           string         `json:"ts"`
	PreviousHash string         `json:"previous_hash"`
	Hash         string         `json:"hash"`
}

type InvitationResponse struct {
	Token     string        `json:"token"`
	Status    string        `json:"status"`
	Inviter   PartyResponse `json:"inviter"`
	Terms     TermsResponse `json:"terms"`
	CreatedAt string        `json:"created_at"`
}

func outcomeResponse(out engine.Outcome) OutcomeResponse {
	return OutcomeResponse{
		State:         out.State,
		Reply:         out.Reply,
		Notifications: mapNotifications(out.Notifications),
	}
}

func mapNotifications(msgs []notify.Message) []NotificationMessage {
	if len(msgs) == 0 {
		return nil
	}
	out := make([]NotificationMessage, len(msgs))
	for i, m := range msgs {
		out[i] = NotificationMessage{PartyID: m.PartyID, Text: m.Text}
	}
	return out
}

func partyResponse(p domain.Party) PartyResponse {
	return PartyResponse{ID: p.ID, Handle: p.Handle, Role: p.Role}
}

func termsResponse(t domain.Terms) TermsResponse {
	return TermsResponse{
		Scope:        t.Scope,
		BudgetCents:  t.BudgetCents,
		Currency:     t.Currency,
		TimelineDays: t.TimelineDays,
		Addenda:      t.Addenda,
	}
}

func mapMilestones(ms []domain.Milestone) []MilestoneResponse {
	if len(ms) == 0 {
		return nil
	}
	out := make([]MilestoneResponse, len(ms))
	for i, m := range ms {
		out[i] = MilestoneResponse{Description: m.Description, AmountCents: m.AmountCents, Status: m.Status}
	}
	return out
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:               p.ID,
		Client:           partyResponse(p.Client),
		Freelancer:       partyResponse(p.Freelancer),
		Terms:            termsResponse(p.Terms),
		PaymentMode:      p.PaymentMode,
		Milestones:       mapMilestones(p.Milestones),
		StagedMilestones: mapMilestones(p.StagedMilestones),
		Status:           p.Status,
		CustodyRef:       p.CustodyRef,
		AgreementHash:    p.AgreementHash,
		FundingMethod:    p.FundingMethod,
		PayoutMethod:     p.PayoutMethod,
		PayoutAddress:    p.PayoutAddress,
		Disputed:         p.Disputed,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, len(items))
	for i, p := range items {
		out[i] = projectResponse(p)
	}
	return out
}

func sessionResponse(s domain.Session) SessionResponse {
	return SessionResponse{
		PartyID:   s.PartyID,
		Handle:    s.Handle,
		Role:      s.Role,
		State:     s.State,
		ProjectID: s.ProjectID,
	}
}

func mapEntries(items []domain.LedgerEntry) []LedgerEntryResponse {
	out := make([]LedgerEntryResponse, len(items))
	for i, e := range items {
		out[i] = LedgerEntryResponse{
			Seq:          e.Seq,
			EventType:    e.EventType,
			Details:      e.Details,
			ActorID:      e.ActorID,
			TS:           e.TS,
			PreviousHash: e.PreviousHash,
			Hash:         e.Hash,
		}
	}
	return out
}

func invitationResponse(inv domain.Invitation, p domain.Project) InvitationResponse {
	return InvitationResponse{
		Token:     inv.Token,
		Status:    inv.Status,
		Inviter:   partyResponse(p.Client),
		Terms:     termsResponse(p.Terms),
		CreatedAt: inv.CreatedAt,
	}
}
