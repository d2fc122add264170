package models

import "time"

// Payment record statuses.
const (
	PaymentStatusPending       = "pending"
	PaymentStatusCompleted     = "completed"
	PaymentStatusRefunded      = "refunded"
	PaymentStatusRefundPending = "refund_pending"
	PaymentStatusFailed        = "failed"
)

// PaymentRecord is the append-only audit trail of purchase events. The
// unique transaction id makes duplicate verification attempts idempotent:
// a retried client request resolves to the existing row instead of
// creating a second subscription.
type PaymentRecord struct {
	ID                    uint         `gorm:"primaryKey" json:"id"`
	UserID                uint         `gorm:"not null;index" json:"user_id"`
	PlanID                uint         `gorm:"not null;index" json:"plan_id"`
	SubscriptionID        uint         `gorm:"index" json:"subscription_id"`
	PaymentMethod         string       `gorm:"type:varchar(20);not null" json:"payment_method"`
	TransactionID         string       `gorm:"type:varchar(191);not null;uniqueIndex" json:"transaction_id"`
	OriginalTransactionID string       `gorm:"type:varchar(191);default:'';index" json:"original_transaction_id"`
	Amount                float64      `gorm:"type:decimal(10,2);default:0" json:"amount"`
	Currency              string       `gorm:"type:varchar(8);default:'USD'" json:"currency"`
	Platform              string       `gorm:"type:varchar(20);not null;index" json:"platform"`
	ReceiptData           string       `gorm:"type:longtext" json:"-"`
	Status                string       `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	PlanSnapshot          PlanSnapshot `gorm:"type:text" json:"plan_snapshot"`
	CreatedAt             time.Time    `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt             time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}
