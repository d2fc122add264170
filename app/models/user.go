package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// User carries the entitlement-relevant account state. Credit counters
// and subscription fields are mutated exclusively by the credit ledger
// and the entitlement state machine, never by direct client writes.
type User struct {
	ID        uint   `gorm:"primaryKey" json:"id"`
	Name      string `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email     string `gorm:"uniqueIndex;type:varchar(200)" json:"email" validate:"required,email,min=5,max=200"`
	Role      string `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status    string `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	AvatarURL string `gorm:"type:varchar(255);default:null" json:"avatar_url" validate:"max=255"`

	// Subscription state (denormalized from the active subscription).
	CurrentSubscriptionID *uint  `gorm:"index" json:"current_subscription_id,omitempty"`
	SubscriptionStatus    string `gorm:"type:varchar(32);default:'none'" json:"subscription_status"`
	PlanName              string `gorm:"type:varchar(100);default:'Free'" json:"plan_name"`
	PlanType              string `gorm:"type:varchar(20);default:'free';index" json:"plan_type"`
	IsSubscribed          bool   `gorm:"default:false;index" json:"is_subscribed"`

	// Credit accounting.
	TotalCredits            int        `gorm:"default:0" json:"total_credits"`
	ImageGenerationCredits  int        `gorm:"default:0" json:"image_generation_credits"`
	PromptGenerationCredits int        `gorm:"default:0" json:"prompt_generation_credits"`
	UsedImageCredits        int        `gorm:"default:0" json:"used_image_credits"`
	UsedPromptCredits       int        `gorm:"default:0" json:"used_prompt_credits"`
	DailyCredits            int        `gorm:"default:10" json:"daily_credits"`
	LastCreditReset         *time.Time `gorm:"type:timestamp;default:null" json:"last_credit_reset,omitempty"`

	WatermarkEnabled bool `gorm:"default:true" json:"watermark_enabled"`

	LastLoginAt *time.Time     `gorm:"type:timestamp;default:null" json:"last_login_at"`
	CreatedAt   time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// RemainingImageCredits returns unused image generation credits for
// subscribed users, never negative.
func (u *User) RemainingImageCredits() int {
	r := u.ImageGenerationCredits - u.UsedImageCredits
	if r < 0 {
		return 0
	}
	return r
}

// RemainingPromptCredits returns unused prompt generation credits for
// subscribed users, never negative.
func (u *User) RemainingPromptCredits() int {
	r := u.PromptGenerationCredits - u.UsedPromptCredits
	if r < 0 {
		return 0
	}
	return r
}
