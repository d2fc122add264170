package credits

import (
	"context"
	"errors"
	"time"

	"github.com/pixmuse/PixMuse/app/models"
	"gorm.io/gorm"
)

// Repository provides the DB operations used by the credit ledger. Debit
// operations are atomic conditional updates: the limit check lives in
// the WHERE clause, so two concurrent generation calls can never push
// usage past the plan limit.
type Repository interface {
	GetUser(ctx context.Context, userID uint) (*models.User, error)
	// DebitImageCredits adds amount to used_image_credits iff the plan
	// limit is not exceeded. Returns false when the guard rejected the
	// update.
	DebitImageCredits(ctx context.Context, userID uint, amount int) (bool, error)
	// DebitPromptCredits adds amount to used_prompt_credits iff the plan
	// limit is not exceeded.
	DebitPromptCredits(ctx context.Context, userID uint, amount int) (bool, error)
	// DebitDailyCredits subtracts amount from daily_credits iff enough
	// remain.
	DebitDailyCredits(ctx context.Context, userID uint, amount int) (bool, error)
	// ResetFreeUsers resets credit counters for free users whose last
	// reset predates startOfDay. Returns the number of users reset.
	ResetFreeUsers(ctx context.Context, startOfDay time.Time, now time.Time, dailyCredits int) (int64, error)
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a credit ledger repository backed by GORM.
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

func (r *gormRepository) DebitImageCredits(ctx context.Context, userID uint, amount int) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND is_subscribed = ? AND used_image_credits + ? <= image_generation_credits", userID, true, amount).
		UpdateColumn("used_image_credits", gorm.Expr("used_image_credits + ?", amount))
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) DebitPromptCredits(ctx context.Context, userID uint, amount int) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND is_subscribed = ? AND used_prompt_credits + ? <= prompt_generation_credits", userID, true, amount).
		UpdateColumn("used_prompt_credits", gorm.Expr("used_prompt_credits + ?", amount))
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) DebitDailyCredits(ctx context.Context, userID uint, amount int) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND is_subscribed = ? AND daily_credits >= ?", userID, false, amount).
		UpdateColumn("daily_credits", gorm.Expr("daily_credits - ?", amount))
	return tx.RowsAffected > 0, tx.Error
}

func (r *gormRepository) ResetFreeUsers(ctx context.Context, startOfDay, now time.Time, dailyCredits int) (int64, error) {
	tx := r.db.WithContext(ctx).Model(&models.User{}).
		Where("is_subscribed = ? AND (last_credit_reset IS NULL OR last_credit_reset < ?)", false, startOfDay).
		Updates(map[string]interface{}{
			"daily_credits":       dailyCredits,
			"used_image_credits":  0,
			"used_prompt_credits": 0,
			"last_credit_reset":   now,
		})
	return tx.RowsAffected, tx.Error
}
