package models

import (
	"time"

	"gorm.io/gorm"
)

// Subscription statuses.
const (
	SubscriptionStatusActive              = "active"
	SubscriptionStatusGracePeriod         = "grace_period"
	SubscriptionStatusCancelled           = "cancelled"
	SubscriptionStatusPendingCancellation = "pending_cancellation"
	SubscriptionStatusExpired             = "expired"
)

// Payment methods form a closed set; verification and entitlement logic
// dispatch over these values via a single lookup.
const (
	PaymentMethodGooglePlay = "google_play"
	PaymentMethodApple      = "apple"
	PaymentMethodStripe     = "stripe"
	PaymentMethodFree       = "free"
)

// IsKnownPaymentMethod reports whether m is one of the supported payment
// methods for paid subscriptions.
func IsKnownPaymentMethod(m string) bool {
	switch m {
	case PaymentMethodGooglePlay, PaymentMethodApple, PaymentMethodStripe:
		return true
	default:
		return false
	}
}

// Subscription is one purchase lineage for a user. Rows are never hard
// deleted; expired or replaced subscriptions stay for audit history.
type Subscription struct {
	ID            uint           `gorm:"primaryKey" json:"id"`
	UserID        uint           `gorm:"not null;index:idx_subscriptions_user_active,priority:1" json:"user_id"`
	PlanID        uint           `gorm:"not null;index" json:"plan_id"`
	StartDate     time.Time      `gorm:"type:timestamp;not null" json:"start_date"`
	EndDate       time.Time      `gorm:"type:timestamp;not null;index" json:"end_date"`
	IsTrial       bool           `gorm:"default:false" json:"is_trial"`
	IsActive      bool           `gorm:"index:idx_subscriptions_user_active,priority:2" json:"is_active"`
	Status        string         `gorm:"type:varchar(32);not null;default:'active';index" json:"status"`
	PaymentMethod string         `gorm:"type:varchar(20);not null" json:"payment_method"`
	AutoRenew     bool           `json:"auto_renew"`
	CancelledAt   *time.Time     `gorm:"type:timestamp;default:null" json:"cancelled_at,omitempty"`
	// ReminderSentAt records the expiry reminder for the current period
	// so repeated sweeps do not notify again. Cleared on renewal.
	ReminderSentAt *time.Time `gorm:"type:timestamp;default:null" json:"reminder_sent_at,omitempty"`
	PlanSnapshot  PlanSnapshot   `gorm:"type:text" json:"plan_snapshot"`
	CreatedAt     time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt     gorm.DeletedAt `gorm:"index" json:"-"`
}

// IsEntitling reports whether the subscription currently grants paid
// entitlement. Grace period and pending cancellation keep entitlement
// until the provider confirms hard expiry.
func (s *Subscription) IsEntitling() bool {
	if !s.IsActive {
		return false
	}
	switch s.Status {
	case SubscriptionStatusActive, SubscriptionStatusGracePeriod, SubscriptionStatusPendingCancellation:
		return true
	default:
		return false
	}
}

// HasExpired reports whether the subscription's end date lies in the past.
func (s *Subscription) HasExpired(now time.Time) bool {
	return !s.EndDate.After(now)
}
