package entitlement

import (
	"context"
	"errors"
	"time"

	"github.com/pixmuse/PixMuse/app/models"
	"gorm.io/gorm"
)

// Repository provides DB operations used by the entitlement state
// machine.
type Repository interface {
	GetUser(ctx context.Context, userID uint) (*models.User, error)
	SaveUser(ctx context.Context, user *models.User) error

	GetPlan(ctx context.Context, planID uint) (*models.Plan, error)
	GetDefaultPlan(ctx context.Context, planType string) (*models.Plan, error)

	GetSubscription(ctx context.Context, id uint) (*models.Subscription, error)
	GetActiveSubscription(ctx context.Context, userID uint) (*models.Subscription, error)
	HasTrialHistory(ctx context.Context, userID uint) (bool, error)
	CreateSubscription(ctx context.Context, sub *models.Subscription) error
	SaveSubscription(ctx context.Context, sub *models.Subscription) error
	DeactivateOtherSubscriptions(ctx context.Context, userID, keepID uint) error
	ListDueSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error)
	ListExpiringSoon(ctx context.Context, from, until time.Time) ([]models.Subscription, error)

	FindPaymentRecord(ctx context.Context, transactionID string) (*models.PaymentRecord, error)
	CreatePaymentRecord(ctx context.Context, record *models.PaymentRecord) error
	GetLatestCompletedPayment(ctx context.Context, subscriptionID uint) (*models.PaymentRecord, error)
	ListPayments(ctx context.Context, userID uint) ([]models.PaymentRecord, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates an entitlement repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := r.db.WithContext(ctx).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *gormRepository) SaveUser(ctx context.Context, user *models.User) error {
	return r.db.WithContext(ctx).Save(user).Error
}

func (r *gormRepository) GetPlan(ctx context.Context, planID uint) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).First(&plan, planID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) GetDefaultPlan(ctx context.Context, planType string) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).
		Where("type = ? AND is_active = ?", planType, true).
		Order("version DESC").
		First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) GetSubscription(ctx context.Context, id uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).First(&sub, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) GetActiveSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	var sub models.Subscription
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND is_active = ? AND status IN ?", userID, true,
			[]string{models.SubscriptionStatusActive, models.SubscriptionStatusGracePeriod, models.SubscriptionStatusPendingCancellation}).
		Order("created_at DESC").
		First(&sub).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (r *gormRepository) HasTrialHistory(ctx context.Context, userID uint) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND is_trial = ?", userID, true).
		Count(&count).Error
	return count > 0, err
}

func (r *gormRepository) CreateSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Create(sub).Error
}

func (r *gormRepository) SaveSubscription(ctx context.Context, sub *models.Subscription) error {
	return r.db.WithContext(ctx).Save(sub).Error
}

func (r *gormRepository) DeactivateOtherSubscriptions(ctx context.Context, userID, keepID uint) error {
	return r.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("user_id = ? AND id <> ? AND is_active = ?", userID, keepID, true).
		Updates(map[string]interface{}{
			"is_active": false,
			"status":    models.SubscriptionStatusExpired,
		}).Error
}

func (r *gormRepository) ListDueSubscriptions(ctx context.Context, now time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND end_date <= ?", true, now).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) ListExpiringSoon(ctx context.Context, from, until time.Time) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).
		Where("is_active = ? AND status IN ? AND end_date > ? AND end_date <= ?",
			true, []string{models.SubscriptionStatusActive, models.SubscriptionStatusPendingCancellation}, from, until).
		Find(&subs).Error
	return subs, err
}

func (r *gormRepository) FindPaymentRecord(ctx context.Context, transactionID string) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *gormRepository) CreatePaymentRecord(ctx context.Context, record *models.PaymentRecord) error {
	return r.db.WithContext(ctx).Create(record).Error
}

func (r *gormRepository) GetLatestCompletedPayment(ctx context.Context, subscriptionID uint) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("subscription_id = ? AND status = ?", subscriptionID, models.PaymentStatusCompleted).
		Order("created_at DESC").
		First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *gormRepository) ListPayments(ctx context.Context, userID uint) ([]models.PaymentRecord, error) {
	var records []models.PaymentRecord
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&records).Error
	return records, err
}
