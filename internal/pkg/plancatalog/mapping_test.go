package plancatalog

import (
	"testing"

	"github.com/pixmuse/PixMuse/app/models"
)

func TestInferPlanType(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "pixmuse.premium.monthly", want: models.PlanTypePremium},
		{in: "pixmuse.standard.yearly", want: models.PlanTypeStandard},
		{in: "pixmuse.basic.monthly", want: models.PlanTypeBasic},
		{in: "pixmuse.trial", want: models.PlanTypeTrial},
		{in: "PIXMUSE.PREMIUM.ANNUAL", want: models.PlanTypePremium},
		{in: "some.unknown.product", want: models.PlanTypeBasic},
	}

	for _, tt := range tests {
		if got := InferPlanType(tt.in); got != tt.want {
			t.Fatalf("InferPlanType(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestCreditsForType(t *testing.T) {
	tests := []struct {
		in     string
		total  int
		image  int
		prompt int
	}{
		{in: models.PlanTypeTrial, total: 120, image: 96, prompt: 24},
		{in: models.PlanTypeBasic, total: 600, image: 480, prompt: 120},
		{in: models.PlanTypeStandard, total: 1500, image: 1200, prompt: 300},
		{in: models.PlanTypePremium, total: 3000, image: 2400, prompt: 600},
		{in: "unknown", total: 600, image: 480, prompt: 120},
	}

	for _, tt := range tests {
		total, image, prompt := CreditsForType(tt.in)
		if total != tt.total || image != tt.image || prompt != tt.prompt {
			t.Fatalf("CreditsForType(%q) = (%d, %d, %d), want (%d, %d, %d)",
				tt.in, total, image, prompt, tt.total, tt.image, tt.prompt)
		}
	}
}

func TestCreditsSplitAddsUp(t *testing.T) {
	for planType := range creditTable {
		total, image, prompt := CreditsForType(planType)
		if image+prompt != total {
			t.Fatalf("credit split for %q does not add up: %d + %d != %d", planType, image, prompt, total)
		}
	}
}
