package plancatalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/pixmuse/PixMuse/app/models"
	"github.com/pixmuse/PixMuse/internal/pkg/payments"
)

const (
	activePlansCacheKey = "plans:active"
	activePlansCacheTTL = 5 * time.Minute
)

// ProductLister fetches the current subscription product list from one
// app-store billing backend.
type ProductLister interface {
	ListSubscriptionProducts(ctx context.Context) ([]payments.ProviderProduct, error)
}

// Cache is the subset of cache operations the catalog uses. A nil cache
// disables caching.
type Cache interface {
	Get(key string) (string, error)
	Set(key string, value interface{}, expiration time.Duration) error
	Delete(key string) error
}

// Service synchronizes provider product metadata into normalized,
// versioned Plan records.
type Service struct {
	repo    Repository
	listers map[string]ProductLister
	cache   Cache
}

// NewService creates a plan catalog service. The listers map is keyed by
// provider (models.ProviderGooglePlay / models.ProviderApple).
func NewService(repo Repository, listers map[string]ProductLister, cache Cache) *Service {
	if listers == nil {
		listers = map[string]ProductLister{}
	}
	return &Service{repo: repo, listers: listers, cache: cache}
}

// NewServiceFromDB creates a plan catalog service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, listers map[string]ProductLister, cache Cache) *Service {
	return NewService(NewRepository(db), listers, cache)
}

// GetPlan resolves a plan by id.
func (s *Service) GetPlan(ctx context.Context, id uint) (*models.Plan, error) {
	return s.repo.GetByID(ctx, id)
}

// GetDefaultPlan resolves the canonical plan for a tier (used for free
// and trial assignment).
func (s *Service) GetDefaultPlan(ctx context.Context, planType string) (*models.Plan, error) {
	return s.repo.GetDefaultPlan(ctx, planType)
}

// ListActivePlans returns all active plans, served from cache when
// available.
func (s *Service) ListActivePlans(ctx context.Context) ([]models.Plan, error) {
	if s.cache != nil {
		if raw, err := s.cache.Get(activePlansCacheKey); err == nil && raw != "" {
			var plans []models.Plan
			if err := json.Unmarshal([]byte(raw), &plans); err == nil {
				return plans, nil
			}
		}
	}

	plans, err := s.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(plans); err == nil {
			if err := s.cache.Set(activePlansCacheKey, string(raw), activePlansCacheTTL); err != nil {
				log.Debugf("[PlanCatalog] Cache write failed: %v", err)
			}
		}
	}
	return plans, nil
}

// SyncFromProvider fetches the provider's current product list, upserts
// normalized plans (bumping the version on every upsert) and deactivates
// plans whose product id the provider no longer reports. Partial success
// is acceptable: applied upserts are not rolled back on a later failure.
func (s *Service) SyncFromProvider(ctx context.Context, provider string) error {
	p := strings.ToLower(strings.TrimSpace(provider))
	lister, ok := s.listers[p]
	if !ok {
		return fmt.Errorf("no product lister configured for provider %s", provider)
	}

	products, err := lister.ListSubscriptionProducts(ctx)
	if err != nil {
		return fmt.Errorf("list %s products: %w", p, err)
	}

	seen := make(map[string]struct{}, len(products))
	for _, product := range products {
		if strings.TrimSpace(product.ProductID) == "" {
			continue
		}
		seen[product.ProductID] = struct{}{}
		if err := s.upsertProduct(ctx, p, product); err != nil {
			return fmt.Errorf("upsert %s product %s: %w", p, product.ProductID, err)
		}
	}

	existing, err := s.repo.ListByProvider(ctx, p)
	if err != nil {
		return err
	}
	for i := range existing {
		plan := &existing[i]
		if _, ok := seen[plan.ProviderProductID]; ok {
			continue
		}
		if !plan.IsActive || !plan.IsPaid() {
			// Free/trial defaults are never provider-owned; leave them.
			continue
		}
		if err := s.repo.Deactivate(ctx, plan.ID); err != nil {
			return err
		}
		log.Infof("[PlanCatalog] Deactivated plan %s (%s): no longer reported by %s", plan.Name, plan.ProviderProductID, p)
	}

	s.invalidateCache()
	log.Infof("[PlanCatalog] Synced %d products from %s", len(products), p)
	return nil
}

// upsertProduct maps one provider product to a plan row. Every upsert
// bumps the version relative to the stored value so snapshots can pin
// the exact terms a user purchased under.
func (s *Service) upsertProduct(ctx context.Context, provider string, product payments.ProviderProduct) error {
	planType := InferPlanType(product.ProductID)
	total, image, prompt := CreditsForType(planType)

	name := strings.TrimSpace(product.Name)
	if name == "" {
		name = strings.ToUpper(planType[:1]) + planType[1:]
	}

	existing, err := s.repo.GetByProviderProduct(ctx, provider, product.ProductID)
	if err != nil && !errors.Is(err, ErrPlanNotFound) {
		return err
	}

	if existing == nil {
		plan := &models.Plan{
			Name:                    name,
			Provider:                provider,
			ProviderProductID:       product.ProductID,
			BasePlanID:              product.BasePlanID,
			Type:                    planType,
			Price:                   product.Price,
			Currency:                currencyOrDefault(product.Currency),
			TotalCredits:            total,
			ImageGenerationCredits:  image,
			PromptGenerationCredits: prompt,
			Features:                featuresForType(planType),
			BillingPeriod:           billingPeriodOrDefault(product.BillingPeriod),
			IsActive:                true,
			Version:                 1,
		}
		return s.repo.Create(ctx, plan)
	}

	existing.Name = name
	existing.BasePlanID = product.BasePlanID
	existing.Type = planType
	existing.Price = product.Price
	existing.Currency = currencyOrDefault(product.Currency)
	existing.TotalCredits = total
	existing.ImageGenerationCredits = image
	existing.PromptGenerationCredits = prompt
	existing.Features = featuresForType(planType)
	existing.BillingPeriod = billingPeriodOrDefault(product.BillingPeriod)
	existing.IsActive = true
	existing.Version++
	return s.repo.Save(ctx, existing)
}

// EnsureDefaultPlans seeds the canonical free and trial plans if they do
// not exist yet. Exactly one active plan per default tier is canonical.
func (s *Service) EnsureDefaultPlans(ctx context.Context) error {
	defaults := []models.Plan{
		{
			Name:          "Free",
			Provider:      models.ProviderInternal,
			Type:          models.PlanTypeFree,
			Features:      featuresForType(models.PlanTypeFree),
			BillingPeriod: models.BillingPeriodNone,
			IsActive:      true,
			Version:       1,
		},
		{
			Name:          "Trial",
			Provider:      models.ProviderInternal,
			Type:          models.PlanTypeTrial,
			Features:      featuresForType(models.PlanTypeTrial),
			BillingPeriod: models.BillingPeriodWeek,
			IsActive:      true,
			Version:       1,
		},
	}

	for i := range defaults {
		plan := &defaults[i]
		if plan.Type == models.PlanTypeTrial {
			plan.TotalCredits, plan.ImageGenerationCredits, plan.PromptGenerationCredits = CreditsForType(models.PlanTypeTrial)
		}
		plan.ProviderProductID = "pixmuse." + plan.Type

		if _, err := s.repo.GetDefaultPlan(ctx, plan.Type); err == nil {
			continue
		} else if !errors.Is(err, ErrPlanNotFound) {
			return err
		}
		if err := s.repo.Create(ctx, plan); err != nil {
			return err
		}
		log.Infof("[PlanCatalog] Seeded default %s plan", plan.Type)
	}
	return nil
}

func (s *Service) invalidateCache() {
	if s.cache == nil {
		return
	}
	if err := s.cache.Delete(activePlansCacheKey); err != nil {
		log.Debugf("[PlanCatalog] Cache invalidation failed: %v", err)
	}
}

func currencyOrDefault(currency string) string {
	c := strings.ToUpper(strings.TrimSpace(currency))
	if c == "" {
		return "USD"
	}
	return c
}

func billingPeriodOrDefault(period string) string {
	switch strings.ToLower(strings.TrimSpace(period)) {
	case models.BillingPeriodYear:
		return models.BillingPeriodYear
	case models.BillingPeriodWeek:
		return models.BillingPeriodWeek
	default:
		return models.BillingPeriodMonth
	}
}
