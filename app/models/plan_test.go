package models

import (
	"testing"
	"time"
)

func TestPlanTypeRank(t *testing.T) {
	order := []string{PlanTypeFree, PlanTypeTrial, PlanTypeBasic, PlanTypeStandard, PlanTypePremium}
	for i := 1; i < len(order); i++ {
		if PlanTypeRank(order[i-1]) >= PlanTypeRank(order[i]) {
			t.Fatalf("expected %s to outrank %s", order[i], order[i-1])
		}
	}
	if PlanTypeRank("unknown") != 0 {
		t.Fatalf("unknown plan type should rank as free")
	}
}

func TestPlanIsPaid(t *testing.T) {
	tests := []struct {
		planType string
		want     bool
	}{
		{PlanTypeFree, false},
		{PlanTypeTrial, false},
		{PlanTypeBasic, true},
		{PlanTypeStandard, true},
		{PlanTypePremium, true},
	}
	for _, tt := range tests {
		p := Plan{Type: tt.planType}
		if got := p.IsPaid(); got != tt.want {
			t.Fatalf("Plan{Type: %q}.IsPaid() = %v, want %v", tt.planType, got, tt.want)
		}
	}
}

func TestPeriodDuration(t *testing.T) {
	tests := []struct {
		period string
		want   time.Duration
	}{
		{BillingPeriodMonth, 30 * 24 * time.Hour},
		{BillingPeriodYear, 365 * 24 * time.Hour},
		{BillingPeriodWeek, 7 * 24 * time.Hour},
		{BillingPeriodNone, 0},
		{"", 30 * 24 * time.Hour},
		{"lifetime", 30 * 24 * time.Hour},
	}
	for _, tt := range tests {
		ps := PlanSnapshot{BillingPeriod: tt.period}
		if got := ps.PeriodDuration(); got != tt.want {
			t.Fatalf("PeriodDuration(%q) = %v, want %v", tt.period, got, tt.want)
		}
	}
}

func TestSnapshotCapturesTerms(t *testing.T) {
	plan := Plan{
		ID: 7, Name: "Standard", Type: PlanTypeStandard,
		Price: 19.99, Currency: "USD",
		TotalCredits: 1500, ImageGenerationCredits: 1200, PromptGenerationCredits: 300,
		BillingPeriod: BillingPeriodMonth, Version: 3,
	}
	snap := plan.Snapshot()
	if snap.PlanID != 7 || snap.Version != 3 || snap.TotalCredits != 1500 {
		t.Fatalf("snapshot lost terms: %+v", snap)
	}

	// Later catalog edits must not leak into the snapshot.
	plan.Price = 24.99
	plan.Version = 4
	if snap.Price != 19.99 || snap.Version != 3 {
		t.Fatalf("snapshot mutated with plan: %+v", snap)
	}
}
