package credits

import "github.com/pixmuse/PixMuse/internal/pkg/env"

// GenerationType selects which credit pool a generation request draws
// from.
type GenerationType string

const (
	GenerationImage  GenerationType = "image"
	GenerationPrompt GenerationType = "prompt"
)

// Default credit costs. Image generation costs substantially more than
// prompt generation, reflecting real compute cost. Exact values are
// product configuration and overridable via environment.
const (
	defaultImageCost        = 24
	defaultPromptCost       = 2
	defaultFreeDailyCredits = 10
)

// Costs holds the effective credit-cost configuration.
type Costs struct {
	Image            int
	Prompt           int
	FreeDailyCredits int
}

// LoadCosts reads cost configuration from the environment with defaults.
func LoadCosts() Costs {
	return Costs{
		Image:            env.GetEnvInt("CREDIT_COST_IMAGE", defaultImageCost),
		Prompt:           env.GetEnvInt("CREDIT_COST_PROMPT", defaultPromptCost),
		FreeDailyCredits: env.GetEnvInt("CREDIT_FREE_DAILY", defaultFreeDailyCredits),
	}
}

// CostFor returns the per-unit credit cost for a generation type.
func (c Costs) CostFor(genType GenerationType) int {
	if genType == GenerationImage {
		return c.Image
	}
	return c.Prompt
}
