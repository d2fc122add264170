package plancatalog

import (
	"context"
	"errors"

	"github.com/pixmuse/PixMuse/app/models"
	"gorm.io/gorm"
)

// ErrPlanNotFound is returned when no matching plan exists.
var ErrPlanNotFound = errors.New("plan not found")

// Repository provides DB operations used by the plan catalog.
type Repository interface {
	GetByProviderProduct(ctx context.Context, provider, productID string) (*models.Plan, error)
	GetByID(ctx context.Context, id uint) (*models.Plan, error)
	GetDefaultPlan(ctx context.Context, planType string) (*models.Plan, error)
	ListByProvider(ctx context.Context, provider string) ([]models.Plan, error)
	ListActive(ctx context.Context) ([]models.Plan, error)
	Create(ctx context.Context, plan *models.Plan) error
	Save(ctx context.Context, plan *models.Plan) error
	Deactivate(ctx context.Context, id uint) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a plan catalog repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetByProviderProduct(ctx context.Context, provider, productID string) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).Where("provider = ? AND provider_product_id = ?", provider, productID).First(&plan).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrPlanNotFound
	}
	if err != nil {
		return nil, err
	}
	return &plan, nil
}

func (r *gormRepository) GetByID(ctx context.Context, id uint) (*models.Plan, error) {
	var plan models.Plan
	err := r.db.WithContext(ctx).First(&plan, id).Error
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

func (r *gormRepository) ListByProvider(ctx context.Context, provider string) ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.WithContext(ctx).Where("provider = ?", provider).Find(&plans).Error
	return plans, err
}

func (r *gormRepository) ListActive(ctx context.Context) ([]models.Plan, error) {
	var plans []models.Plan
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("id ASC").Find(&plans).Error
	return plans, err
}

func (r *gormRepository) Create(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Create(plan).Error
}

func (r *gormRepository) Save(ctx context.Context, plan *models.Plan) error {
	return r.db.WithContext(ctx).Save(plan).Error
}

func (r *gormRepository) Deactivate(ctx context.Context, id uint) error {
	return r.db.WithContext(ctx).Model(&models.Plan{}).Where("id = ?", id).Update("is_active", false).Error
}
