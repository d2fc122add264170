package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/pixmuse/PixMuse/internal/pkg/payments"
)

var (
	// ErrUserNotFound signals an unknown user.
	ErrUserNotFound = errors.New("user not found")
	// ErrPlanNotFound signals an unknown or inactive plan.
	ErrPlanNotFound = errors.New("plan not found")
	// ErrSubscriptionNotFound signals that the user holds no active
	// subscription.
	ErrSubscriptionNotFound = errors.New("no active subscription found")
	// ErrTrialAlreadyUsed signals that the user has consumed their one
	// free trial.
	ErrTrialAlreadyUsed = errors.New("free trial has already been used")
	// ErrActiveSubscriptionExists rejects a trial start while any
	// subscription is active.
	ErrActiveSubscriptionExists = errors.New("an active subscription already exists")
	// ErrAccountDeletionBlocked is returned while a non-free
	// subscription is active; the user must cancel first.
	ErrAccountDeletionBlocked = errors.New("account deletion is blocked while a subscription is active: cancel the subscription first")
)

// ExternalStatus is the normalized provider-reported subscription state
// fed into Reconcile.
type ExternalStatus string

const (
	ExternalActive      ExternalStatus = "active"
	ExternalGracePeriod ExternalStatus = "grace_period"
	// ExternalCancelled means the user cancelled but entitlement runs
	// until the paid period ends.
	ExternalCancelled ExternalStatus = "cancelled"
	// ExternalExpired means the provider confirmed hard expiry (or a
	// refund/revocation); entitlement ends now.
	ExternalExpired ExternalStatus = "expired"
)

// ExternalReport is one provider-side observation about a subscription.
type ExternalReport struct {
	Status       ExternalStatus
	ExpiryTime   *time.Time
	AutoRenewing bool
	Reason       string
}

// PurchaseVerifier validates purchase proofs with the owning provider.
// Implemented by payments.Verifier.
type PurchaseVerifier interface {
	Verify(ctx context.Context, paymentMethod string, data payments.VerificationData) (*payments.VerificationResult, error)
}

// HistoryRecorder receives subscription transition events for the audit
// history collaborator.
type HistoryRecorder interface {
	RecordTransition(ctx context.Context, userID, subscriptionID uint, event, detail string)
}

// Notifier receives entitlement lifecycle notifications for the push
// notification collaborator.
type Notifier interface {
	SubscriptionExpiringSoon(ctx context.Context, userID uint, endDate time.Time)
	SubscriptionExpired(ctx context.Context, userID uint)
}

// NopHistoryRecorder discards transition events.
type NopHistoryRecorder struct{}

func (NopHistoryRecorder) RecordTransition(context.Context, uint, uint, string, string) {}

// NopNotifier discards notifications.
type NopNotifier struct{}

func (NopNotifier) SubscriptionExpiringSoon(context.Context, uint, time.Time) {}
func (NopNotifier) SubscriptionExpired(context.Context, uint)                 {}
