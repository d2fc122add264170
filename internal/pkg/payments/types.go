package payments

import "time"

// VerificationResult is the provider-agnostic outcome of a purchase
// verification. Success is only reported on positive provider
// confirmation; anything ambiguous is treated as not verified.
type VerificationResult struct {
	Success               bool
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	ExpiresDate           *time.Time
	IsTest                bool
}

// ProviderProduct is a normalized subscription product as reported by an
// app-store billing backend, consumed by the plan catalog sync.
type ProviderProduct struct {
	ProductID     string
	BasePlanID    string
	Name          string
	Price         float64
	Currency      string
	BillingPeriod string
}

// ProviderSubscriptionState is the normalized provider-side state of a
// purchased subscription, consumed by the reconciler.
type ProviderSubscriptionState struct {
	Active        bool
	AutoRenewing  bool
	ExpiryTime    *time.Time
	Cancelled     bool
	Revoked       bool
	InGracePeriod bool
	PaymentFailed bool
}
