package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"strings"
	"time"
)

// Plan types ordered from least to most entitled.
const (
	PlanTypeFree     = "free"
	PlanTypeTrial    = "trial"
	PlanTypeBasic    = "basic"
	PlanTypeStandard = "standard"
	PlanTypePremium  = "premium"
)

// Billing providers a plan can originate from.
const (
	ProviderGooglePlay = "google_play"
	ProviderApple      = "apple"
	ProviderInternal   = "internal"
)

const (
	BillingPeriodMonth = "month"
	BillingPeriodYear  = "year"
	BillingPeriodWeek  = "week"
	BillingPeriodNone  = "none"
)

// StringSlice stores a list of strings as a JSON text column.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if len(s) == 0 {
		return "[]", nil
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, s)
	case string:
		return json.Unmarshal([]byte(v), s)
	default:
		return errors.New("unsupported type for StringSlice")
	}
}

// Plan is a normalized, versioned catalog entry mapped from provider
// product metadata. Plans are never deleted, only deactivated, so that
// historical snapshots stay resolvable.
type Plan struct {
	ID                      uint        `gorm:"primaryKey" json:"id"`
	Name                    string      `gorm:"type:varchar(100);not null" json:"name"`
	Provider                string      `gorm:"type:varchar(20);not null;default:'internal';index:ux_plans_provider_product,unique,priority:1" json:"provider"`
	ProviderProductID       string      `gorm:"type:varchar(191);not null;default:'';index:ux_plans_provider_product,unique,priority:2" json:"provider_product_id"`
	BasePlanID              string      `gorm:"type:varchar(191);default:''" json:"base_plan_id"`
	Type                    string      `gorm:"type:varchar(20);not null;default:'free';index" json:"type"`
	Price                   float64     `gorm:"type:decimal(10,2);default:0" json:"price"`
	Currency                string      `gorm:"type:varchar(8);default:'USD'" json:"currency"`
	TotalCredits            int         `gorm:"default:0" json:"total_credits"`
	ImageGenerationCredits  int         `gorm:"default:0" json:"image_generation_credits"`
	PromptGenerationCredits int         `gorm:"default:0" json:"prompt_generation_credits"`
	Features                StringSlice `gorm:"type:text" json:"features"`
	BillingPeriod           string      `gorm:"type:varchar(16);not null;default:'month'" json:"billing_period"`
	IsActive                bool        `gorm:"index" json:"is_active"`
	Version                 int         `gorm:"not null;default:1" json:"version"`
	CreatedAt               time.Time   `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time   `gorm:"autoUpdateTime" json:"updated_at"`
}

// PlanSnapshot is a value-type copy of plan terms captured at purchase
// time. It is embedded in Subscription and PaymentRecord rows so that
// later catalog edits never change what a user bought.
type PlanSnapshot struct {
	PlanID                  uint    `json:"plan_id"`
	Name                    string  `json:"name"`
	Type                    string  `json:"type"`
	Price                   float64 `json:"price"`
	Currency                string  `json:"currency"`
	TotalCredits            int     `json:"total_credits"`
	ImageGenerationCredits  int     `json:"image_generation_credits"`
	PromptGenerationCredits int     `json:"prompt_generation_credits"`
	BillingPeriod           string  `json:"billing_period"`
	Version                 int     `json:"version"`
}

func (ps PlanSnapshot) Value() (driver.Value, error) {
	b, err := json.Marshal(ps)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func (ps *PlanSnapshot) Scan(value interface{}) error {
	if value == nil {
		*ps = PlanSnapshot{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, ps)
	case string:
		return json.Unmarshal([]byte(v), ps)
	default:
		return errors.New("unsupported type for PlanSnapshot")
	}
}

// Snapshot captures the plan's current terms as an immutable copy.
func (p *Plan) Snapshot() PlanSnapshot {
	return PlanSnapshot{
		PlanID:                  p.ID,
		Name:                    p.Name,
		Type:                    p.Type,
		Price:                   p.Price,
		Currency:                p.Currency,
		TotalCredits:            p.TotalCredits,
		ImageGenerationCredits:  p.ImageGenerationCredits,
		PromptGenerationCredits: p.PromptGenerationCredits,
		BillingPeriod:           p.BillingPeriod,
		Version:                 p.Version,
	}
}

// IsPaid reports whether the plan is a paid tier.
func (p *Plan) IsPaid() bool {
	switch p.Type {
	case PlanTypeFree, PlanTypeTrial:
		return false
	default:
		return true
	}
}

// PeriodDuration returns the length of one billing period.
func (ps PlanSnapshot) PeriodDuration() time.Duration {
	switch strings.ToLower(ps.BillingPeriod) {
	case BillingPeriodYear:
		return 365 * 24 * time.Hour
	case BillingPeriodWeek:
		return 7 * 24 * time.Hour
	case BillingPeriodNone:
		return 0
	default:
		return 30 * 24 * time.Hour
	}
}

// PlanTypeRank orders plan types from free (0) upwards so upgrade logic
// can compare tiers.
func PlanTypeRank(planType string) int {
	switch strings.ToLower(strings.TrimSpace(planType)) {
	case PlanTypePremium:
		return 4
	case PlanTypeStandard:
		return 3
	case PlanTypeBasic:
		return 2
	case PlanTypeTrial:
		return 1
	default:
		return 0
	}
}
