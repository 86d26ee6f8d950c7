package domain_test

import (
	"testing"

	"escrowline/internal/domain"
)

func TestPendingReleaseAmount(t *testing.T) {
	p := domain.Project{
		Terms:       domain.Terms{BudgetCents: 100000},
		PaymentMode: domain.PaymentMilestone,
		Milestones: []domain.Milestone{
			{Description: "Design", AmountCents: 60000, Status: domain.MilestonePaid},
			{Description: "Build", AmountCents: 40000, Status: domain.MilestonePending},
		},
	}
	amount, idx := p.PendingReleaseAmount()
	if amount != 40000 || idx != 1 {
		t.Fatalf("pending = %d at %d, want 40000 at 1", amount, idx)
	}

	p.Milestones[1].Status = domain.MilestonePaid
	amount, idx = p.PendingReleaseAmount()
	if amount != 0 || idx != -1 {
		t.Fatalf("exhausted project: pending = %d at %d, want 0 at -1", amount, idx)
	}

	oneTime := domain.Project{Terms: domain.Terms{BudgetCents: 25000}, PaymentMode: domain.PaymentOneTime}
	amount, idx = oneTime.PendingReleaseAmount()
	if amount != 25000 || idx != -1 {
		t.Fatalf("one-time: pending = %d at %d, want full budget at -1", amount, idx)
	}
}

func TestApplyStagedMilestonesPreservesExactPaidMatches(t *testing.T) {
	p := domain.Project{
		Milestones: []domain.Milestone{
			{Description: "Design", AmountCents: 60000, Status: domain.MilestonePaid},
			{Description: "Build", AmountCents: 40000, Status: domain.MilestonePending},
		},
		StagedMilestones: []domain.Milestone{
			{Description: "Design", AmountCents: 60000},
			{Description: "Build", AmountCents: 25000},
			{Description: "Ship", AmountCents: 15000},
		},
	}
	p.ApplyStagedMilestones()

	if len(p.Milestones) != 3 || p.StagedMilestones != nil {
		t.Fatalf("after apply: %+v", p)
	}
	if p.Milestones[0].Status != domain.MilestonePaid {
		t.Fatal("exact (description, amount) match must stay paid")
	}
	// Same description, different amount: not the milestone that was paid.
	if p.Milestones[1].Status != domain.MilestonePending {
		t.Fatal("changed amount must reset to pending")
	}
	if p.Milestones[2].Status != domain.MilestonePending {
		t.Fatal("new milestone must be pending")
	}
}

func TestApplyStagedMilestonesDuplicatePaidConsumedOnce(t *testing.T) {
	p := domain.Project{
		Milestones: []domain.Milestone{
			{Description: "Sprint", AmountCents: 50000, Status: domain.MilestonePaid},
		},
		StagedMilestones: []domain.Milestone{
			{Description: "Sprint", AmountCents: 50000},
			{Description: "Sprint", AmountCents: 50000},
		},
	}
	p.ApplyStagedMilestones()

	paid := 0
	for _, m := range p.Milestones {
		if m.Status == domain.MilestonePaid {
			paid++
		}
	}
	if paid != 1 {
		t.Fatalf("paid carried to %d staged entries, want exactly 1", paid)
	}
}

func TestPartyRoleAndCounterparty(t *testing.T) {
	p := domain.Project{
		Client:     domain.Party{ID: "c1", Handle: "alice"},
		Freelancer: domain.Party{ID: "f1", Handle: "bob"},
	}
	if p.PartyRole("c1") != domain.RoleClient || p.PartyRole("f1") != domain.RoleFreelancer {
		t.Fatal("party roles misassigned")
	}
	if p.PartyRole("stranger") != "" {
		t.Fatal("stranger has no role")
	}
	if p.Counterparty("c1").ID != "f1" || p.Counterparty("f1").ID != "c1" {
		t.Fatal("counterparty lookup broken")
	}
}

func TestMilestoneSum(t *testing.T) {
	p := domain.Project{Milestones: []domain.Milestone{
		{AmountCents: 60000}, {AmountCents: 40000},
	}}
	if p.MilestoneSum() != 100000 {
		t.Fatalf("sum = %d, want 100000", p.MilestoneSum())
	}
}
