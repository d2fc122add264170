package plancatalog

import (
	"strings"

	"github.com/pixmuse/PixMuse/app/models"
)

// creditAllowance is the fixed credit grant for one plan tier.
type creditAllowance struct {
	Total  int
	Image  int
	Prompt int
}

// creditTable holds the credit amounts per plan tier. Provider product
// metadata carries no credit information; tiers are the source of truth.
var creditTable = map[string]creditAllowance{
	models.PlanTypeTrial:    {Total: 120, Image: 96, Prompt: 24},
	models.PlanTypeBasic:    {Total: 600, Image: 480, Prompt: 120},
	models.PlanTypeStandard: {Total: 1500, Image: 1200, Prompt: 300},
	models.PlanTypePremium:  {Total: 3000, Image: 2400, Prompt: 600},
}

// CreditsForType returns the credit allowance for a plan tier. Unknown
// tiers get the basic allowance.
func CreditsForType(planType string) (total, image, prompt int) {
	a, ok := creditTable[strings.ToLower(strings.TrimSpace(planType))]
	if !ok {
		a = creditTable[models.PlanTypeBasic]
	}
	return a.Total, a.Image, a.Prompt
}

// InferPlanType derives the plan tier from a provider product id by
// substring match, the naming convention shared by both stores.
func InferPlanType(productID string) string {
	id := strings.ToLower(strings.TrimSpace(productID))
	switch {
	case strings.Contains(id, "premium"):
		return models.PlanTypePremium
	case strings.Contains(id, "standard"):
		return models.PlanTypeStandard
	case strings.Contains(id, "trial"):
		return models.PlanTypeTrial
	case strings.Contains(id, "basic"):
		return models.PlanTypeBasic
	default:
		return models.PlanTypeBasic
	}
}

// featuresForType lists the user-visible features per tier shown by
// subscription endpoints.
func featuresForType(planType string) models.StringSlice {
	switch planType {
	case models.PlanTypePremium:
		return models.StringSlice{"image_generation", "prompt_generation", "no_watermark", "priority_queue", "hd_upscale"}
	case models.PlanTypeStandard:
		return models.StringSlice{"image_generation", "prompt_generation", "no_watermark", "priority_queue"}
	case models.PlanTypeBasic:
		return models.StringSlice{"image_generation", "prompt_generation", "no_watermark"}
	case models.PlanTypeTrial:
		return models.StringSlice{"image_generation", "prompt_generation"}
	default:
		return models.StringSlice{"prompt_generation"}
	}
}
