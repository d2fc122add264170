package credits

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
)

// Error taxonomy surfaced to callers; controllers map these to distinct
// HTTP outcomes.
var (
	// ErrUserNotFound signals an unknown user (not found outcome).
	ErrUserNotFound = errors.New("user not found")
	// ErrSubscriptionRequired signals a premium-only feature requested
	// without a subscription (forbidden outcome).
	ErrSubscriptionRequired = errors.New("an active subscription is required for image generation")
	// ErrNoSubscriptionState signals that the user's entitlement state
	// could not be determined.
	ErrNoSubscriptionState = errors.New("subscription state could not be determined")
)

// LimitError reports a hit credit cap including current usage figures so
// clients can render upgrade prompts.
type LimitError struct {
	GenerationType GenerationType
	Used           int
	Max            int
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s generation limit reached (%d/%d credits used)", e.GenerationType, e.Used, e.Max)
}

// IsLimitError reports whether err is a credit limit error.
func IsLimitError(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

// LimitCheck is the outcome of a generation limit check.
type LimitCheck struct {
	Allowed      bool `json:"allowed"`
	CreditsUsed  int  `json:"credits_used"`
	Remaining    int  `json:"remaining"`
	IsSubscribed bool `json:"is_subscribed"`
}

// Cache is the subset of cache operations the reset marker uses.
type Cache interface {
	Get(key string) (string, error)
	Set(key string, value interface{}, expiration time.Duration) error
}

const resetMarkerKey = "credits:last_reset_day"

// Service is the credit ledger: it gates generation requests against the
// user's entitlement and records usage atomically.
type Service struct {
	repo   Repository
	costs  Costs
	marker Cache
}

// UseResetMarker installs a cache that short-circuits repeated daily
// reset sweeps within the same calendar day.
func (s *Service) UseResetMarker(c Cache) {
	s.marker = c
}

// NewService creates a credit ledger service.
func NewService(repo Repository, costs Costs) *Service {
	return &Service{repo: repo, costs: costs}
}

// NewServiceFromDB creates a credit ledger service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB) *Service {
	return NewService(NewRepository(db), LoadCosts())
}

// CheckGenerationLimits reports whether the user may run one generation
// of the given type. No state is changed; a not-allowed outcome is
// reported before any debit occurs.
func (s *Service) CheckGenerationLimits(ctx context.Context, userID uint, genType GenerationType) (*LimitCheck, error) {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	cost := s.costs.CostFor(genType)

	if !user.IsSubscribed {
		if genType == GenerationImage {
			// Image generation is premium-only.
			return nil, ErrSubscriptionRequired
		}
		if user.DailyCredits < cost {
			return nil, &LimitError{GenerationType: genType, Used: s.costs.FreeDailyCredits - user.DailyCredits, Max: s.costs.FreeDailyCredits}
		}
		return &LimitCheck{
			Allowed:      true,
			CreditsUsed:  s.costs.FreeDailyCredits - user.DailyCredits,
			Remaining:    user.DailyCredits - cost,
			IsSubscribed: false,
		}, nil
	}

	var used, limit int
	switch genType {
	case GenerationImage:
		used, limit = user.UsedImageCredits, user.ImageGenerationCredits
	case GenerationPrompt:
		used, limit = user.UsedPromptCredits, user.PromptGenerationCredits
	default:
		return nil, fmt.Errorf("unknown generation type: %s", genType)
	}
	if limit == 0 {
		return nil, ErrNoSubscriptionState
	}
	if used+cost > limit {
		return nil, &LimitError{GenerationType: genType, Used: used, Max: limit}
	}

	return &LimitCheck{
		Allowed:      true,
		CreditsUsed:  used,
		Remaining:    limit - used - cost,
		IsSubscribed: true,
	}, nil
}

// RecordGenerationUsage debits credits for count generations of the
// given type. The debit is an atomic conditional update; when the guard
// rejects it the limit error carries the current usage figures.
func (s *Service) RecordGenerationUsage(ctx context.Context, userID uint, genType GenerationType, count int) error {
	if count <= 0 {
		return errors.New("generation count must be positive")
	}
	amount := s.costs.CostFor(genType) * count

	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	var applied bool
	if !user.IsSubscribed {
		if genType == GenerationImage {
			return ErrSubscriptionRequired
		}
		applied, err = s.repo.DebitDailyCredits(ctx, userID, amount)
	} else {
		switch genType {
		case GenerationImage:
			applied, err = s.repo.DebitImageCredits(ctx, userID, amount)
		case GenerationPrompt:
			applied, err = s.repo.DebitPromptCredits(ctx, userID, amount)
		default:
			return fmt.Errorf("unknown generation type: %s", genType)
		}
	}
	if err != nil {
		return err
	}
	if applied {
		return nil
	}

	// Guard rejected the update: reload to report accurate figures.
	user, err = s.repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	if !user.IsSubscribed {
		return &LimitError{GenerationType: genType, Used: s.costs.FreeDailyCredits - user.DailyCredits, Max: s.costs.FreeDailyCredits}
	}
	if genType == GenerationImage {
		return &LimitError{GenerationType: genType, Used: user.UsedImageCredits, Max: user.ImageGenerationCredits}
	}
	return &LimitError{GenerationType: genType, Used: user.UsedPromptCredits, Max: user.PromptGenerationCredits}
}

// ResetDailyCredits resets daily credits and usage counters for every
// free user whose last reset predates today. Idempotent: re-running
// within the same calendar day is a no-op per user.
func (s *Service) ResetDailyCredits(ctx context.Context) error {
	now := time.Now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	day := startOfDay.Format("2006-01-02")

	if s.marker != nil {
		if last, err := s.marker.Get(resetMarkerKey); err == nil && last == day {
			return nil
		}
	}

	reset, err := s.repo.ResetFreeUsers(ctx, startOfDay, now, s.costs.FreeDailyCredits)
	if err != nil {
		return err
	}
	if reset > 0 {
		log.Infof("[CreditLedger] Reset daily credits for %d free users", reset)
	}

	if s.marker != nil {
		if err := s.marker.Set(resetMarkerKey, day, 26*time.Hour); err != nil {
			log.Debugf("[CreditLedger] Reset marker write failed: %v", err)
		}
	}
	return nil
}
