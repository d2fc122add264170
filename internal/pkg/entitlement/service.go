package entitlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/pixmuse/PixMuse/app/models"
	"github.com/pixmuse/PixMuse/internal/pkg/credits"
	"github.com/pixmuse/PixMuse/internal/pkg/payments"
)

// expiryReminderLead is how far ahead of end_date the expiry reminder
// fires.
const expiryReminderLead = 3 * 24 * time.Hour

// Service is the subscription lifecycle state machine. All entitlement
// mutations on the User row go through here or the credit ledger.
type Service struct {
	repo     Repository
	verifier PurchaseVerifier
	history  HistoryRecorder
	notifier Notifier
	costs    credits.Costs
}

// NewService creates an entitlement service. verifier may be nil, in
// which case automatic renewals always fail over to downgrade.
func NewService(repo Repository, verifier PurchaseVerifier, history HistoryRecorder, notifier Notifier) *Service {
	if history == nil {
		history = NopHistoryRecorder{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &Service{
		repo:     repo,
		verifier: verifier,
		history:  history,
		notifier: notifier,
		costs:    credits.LoadCosts(),
	}
}

// NewServiceFromDB creates an entitlement service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, verifier PurchaseVerifier) *Service {
	return NewService(NewRepository(db), verifier, nil, nil)
}

// CreateSubscriptionInput carries a verified purchase into the state
// machine.
type CreateSubscriptionInput struct {
	UserID                uint
	PlanID                uint
	PaymentMethod         string
	IsTrial               bool
	TransactionID         string
	OriginalTransactionID string
	Amount                float64
	Currency              string
	Platform              string
	ReceiptData           string
	ExpiresDate           *time.Time
}

// CreateSubscription creates or upgrades the user's subscription from a
// verified purchase. Duplicate transaction ids resolve idempotently to
// the existing subscription; credits are never granted twice. An
// existing active paid subscription is upgraded in place, enforcing the
// one-active-paid-subscription invariant.
func (s *Service) CreateSubscription(ctx context.Context, in CreateSubscriptionInput) (*models.Subscription, error) {
	if in.PaymentMethod != models.PaymentMethodFree && !models.IsKnownPaymentMethod(in.PaymentMethod) {
		return nil, fmt.Errorf("unsupported payment method: %s", in.PaymentMethod)
	}

	// Duplicate purchase attempts must be detected before any state is
	// created.
	if in.TransactionID != "" {
		existing, err := s.repo.FindPaymentRecord(ctx, in.TransactionID)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			log.Infof("[Entitlement] Duplicate transaction %s for plan %d, returning existing subscription", in.TransactionID, in.PlanID)
			return s.repo.GetSubscription(ctx, existing.SubscriptionID)
		}
	}

	plan, err := s.repo.GetPlan(ctx, in.PlanID)
	if err != nil {
		return nil, err
	}
	user, err := s.repo.GetUser(ctx, in.UserID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	snapshot := plan.Snapshot()
	endDate := now.Add(snapshot.PeriodDuration())
	if in.ExpiresDate != nil && in.ExpiresDate.After(now) {
		endDate = *in.ExpiresDate
	}

	carryImage, carryPrompt := 0, 0
	current, err := s.repo.GetActiveSubscription(ctx, in.UserID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}

	var sub *models.Subscription
	switch {
	case current != nil && !current.IsTrial && plan.IsPaid():
		// Upgrade in place: same row, new plan terms, unused credits
		// carried over.
		if user.IsSubscribed {
			carryImage = user.RemainingImageCredits()
			carryPrompt = user.RemainingPromptCredits()
		}
		current.PlanID = plan.ID
		current.StartDate = now
		current.EndDate = endDate
		current.Status = models.SubscriptionStatusActive
		current.PaymentMethod = in.PaymentMethod
		current.AutoRenew = true
		current.IsTrial = false
		current.CancelledAt = nil
		current.ReminderSentAt = nil
		current.PlanSnapshot = snapshot
		if err := s.repo.SaveSubscription(ctx, current); err != nil {
			return nil, err
		}
		sub = current
		s.history.RecordTransition(ctx, user.ID, sub.ID, "upgraded", plan.Type)
	default:
		if current != nil {
			// A trial converts by superseding the trial row.
			current.IsActive = false
			current.Status = models.SubscriptionStatusExpired
			if err := s.repo.SaveSubscription(ctx, current); err != nil {
				return nil, err
			}
		}
		sub = &models.Subscription{
			UserID:        in.UserID,
			PlanID:        plan.ID,
			StartDate:     now,
			EndDate:       endDate,
			IsTrial:       in.IsTrial,
			IsActive:      true,
			Status:        models.SubscriptionStatusActive,
			PaymentMethod: in.PaymentMethod,
			AutoRenew:     !in.IsTrial,
			PlanSnapshot:  snapshot,
		}
		if err := s.repo.CreateSubscription(ctx, sub); err != nil {
			return nil, err
		}
		s.history.RecordTransition(ctx, user.ID, sub.ID, "created", plan.Type)
	}

	if err := s.repo.DeactivateOtherSubscriptions(ctx, in.UserID, sub.ID); err != nil {
		return nil, err
	}

	if in.TransactionID != "" {
		record := &models.PaymentRecord{
			UserID:                in.UserID,
			PlanID:                plan.ID,
			SubscriptionID:        sub.ID,
			PaymentMethod:         in.PaymentMethod,
			TransactionID:         in.TransactionID,
			OriginalTransactionID: in.OriginalTransactionID,
			Amount:                in.Amount,
			Currency:              in.Currency,
			Platform:              in.Platform,
			ReceiptData:           in.ReceiptData,
			Status:                models.PaymentStatusCompleted,
			PlanSnapshot:          snapshot,
		}
		if err := s.repo.CreatePaymentRecord(ctx, record); err != nil {
			// A concurrent request may have recorded the same
			// transaction between the duplicate check and here; the
			// unique index rejects the second insert. Resolve to the
			// winner's subscription.
			winner, findErr := s.repo.FindPaymentRecord(ctx, in.TransactionID)
			if findErr == nil && winner != nil {
				log.Infof("[Entitlement] Transaction %s recorded concurrently, returning existing subscription", in.TransactionID)
				return s.repo.GetSubscription(ctx, winner.SubscriptionID)
			}
			return nil, err
		}
	}

	s.applyPlanToUser(user, plan, sub, carryImage, carryPrompt)
	if err := s.repo.SaveUser(ctx, user); err != nil {
		return nil, err
	}
	return sub, nil
}

// applyPlanToUser writes the plan's entitlement onto the user row.
// Carried-over credits extend the new plan's allowance.
func (s *Service) applyPlanToUser(user *models.User, plan *models.Plan, sub *models.Subscription, carryImage, carryPrompt int) {
	user.CurrentSubscriptionID = &sub.ID
	user.SubscriptionStatus = sub.Status
	user.PlanName = plan.Name
	user.PlanType = plan.Type
	user.IsSubscribed = true
	user.TotalCredits = plan.TotalCredits + carryImage + carryPrompt
	user.ImageGenerationCredits = plan.ImageGenerationCredits + carryImage
	user.PromptGenerationCredits = plan.PromptGenerationCredits + carryPrompt
	user.UsedImageCredits = 0
	user.UsedPromptCredits = 0
	user.WatermarkEnabled = !planDisablesWatermark(plan)
}

func planDisablesWatermark(plan *models.Plan) bool {
	for _, f := range plan.Features {
		if f == "no_watermark" {
			return true
		}
	}
	return false
}

// StartFreeTrial starts the user's one free trial.
func (s *Service) StartFreeTrial(ctx context.Context, userID uint) (*models.Subscription, error) {
	if _, err := s.repo.GetActiveSubscription(ctx, userID); err == nil {
		return nil, ErrActiveSubscriptionExists
	} else if !errors.Is(err, ErrSubscriptionNotFound) {
		return nil, err
	}
	used, err := s.repo.HasTrialHistory(ctx, userID)
	if err != nil {
		return nil, err
	}
	if used {
		return nil, ErrTrialAlreadyUsed
	}

	plan, err := s.repo.GetDefaultPlan(ctx, models.PlanTypeTrial)
	if err != nil {
		return nil, err
	}

	return s.CreateSubscription(ctx, CreateSubscriptionInput{
		UserID:        userID,
		PlanID:        plan.ID,
		PaymentMethod: models.PaymentMethodFree,
		IsTrial:       true,
		TransactionID: "trial-" + uuid.NewString(),
		Platform:      models.ProviderInternal,
	})
}

// CancelSubscription cancels the user's active subscription. With
// immediate=true the user is downgraded to the free plan right away;
// otherwise auto-renew is disabled and the subscription runs until its
// end date, where the expiry sweep performs the downgrade.
func (s *Service) CancelSubscription(ctx context.Context, userID uint, immediate bool) error {
	sub, err := s.repo.GetActiveSubscription(ctx, userID)
	if err != nil {
		return err
	}

	now := time.Now()
	sub.AutoRenew = false
	sub.CancelledAt = &now

	if !immediate {
		sub.Status = models.SubscriptionStatusPendingCancellation
		if err := s.repo.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		s.history.RecordTransition(ctx, userID, sub.ID, "cancellation_scheduled", "effective "+sub.EndDate.Format(time.RFC3339))
		return nil
	}

	sub.Status = models.SubscriptionStatusCancelled
	sub.IsActive = false
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	s.history.RecordTransition(ctx, userID, sub.ID, "cancelled", "immediate")
	return s.downgradeToFree(ctx, userID, sub.ID, models.SubscriptionStatusCancelled, "cancelled immediately")
}

// Reconcile applies a provider-reported status to a subscription. A
// report matching the current local state is a no-op.
func (s *Service) Reconcile(ctx context.Context, subscriptionID uint, report ExternalReport) error {
	sub, err := s.repo.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return err
	}

	switch report.Status {
	case ExternalActive:
		changed := false
		if sub.Status != models.SubscriptionStatusActive || !sub.IsActive {
			sub.Status = models.SubscriptionStatusActive
			sub.IsActive = true
			changed = true
		}
		if report.ExpiryTime != nil && report.ExpiryTime.After(sub.EndDate) {
			sub.EndDate = *report.ExpiryTime
			sub.ReminderSentAt = nil
			changed = true
		}
		if sub.AutoRenew != report.AutoRenewing {
			sub.AutoRenew = report.AutoRenewing
			changed = true
		}
		if !changed {
			return nil
		}
		if err := s.repo.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		s.history.RecordTransition(ctx, sub.UserID, sub.ID, "reconciled_active", report.Reason)
		return s.refreshUserStatus(ctx, sub)

	case ExternalGracePeriod:
		if sub.Status == models.SubscriptionStatusGracePeriod {
			return nil
		}
		sub.Status = models.SubscriptionStatusGracePeriod
		if report.ExpiryTime != nil && report.ExpiryTime.After(sub.EndDate) {
			sub.EndDate = *report.ExpiryTime
		}
		if err := s.repo.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		s.history.RecordTransition(ctx, sub.UserID, sub.ID, "entered_grace_period", report.Reason)
		return s.refreshUserStatus(ctx, sub)

	case ExternalCancelled:
		if sub.Status == models.SubscriptionStatusPendingCancellation && !sub.AutoRenew {
			return nil
		}
		sub.Status = models.SubscriptionStatusPendingCancellation
		sub.AutoRenew = false
		if sub.CancelledAt == nil {
			now := time.Now()
			sub.CancelledAt = &now
		}
		if err := s.repo.SaveSubscription(ctx, sub); err != nil {
			return err
		}
		s.history.RecordTransition(ctx, sub.UserID, sub.ID, "reconciled_cancelled", report.Reason)
		return s.refreshUserStatus(ctx, sub)

	case ExternalExpired:
		if !sub.IsActive && sub.Status == models.SubscriptionStatusExpired {
			return nil
		}
		return s.expireSubscription(ctx, sub, report.Reason)

	default:
		return fmt.Errorf("unknown external status: %s", report.Status)
	}
}

// refreshUserStatus mirrors the subscription status onto the user row.
func (s *Service) refreshUserStatus(ctx context.Context, sub *models.Subscription) error {
	user, err := s.repo.GetUser(ctx, sub.UserID)
	if err != nil {
		return err
	}
	user.SubscriptionStatus = sub.Status
	return s.repo.SaveUser(ctx, user)
}

// expireSubscription is the terminal transition: the subscription row is
// closed out and the user downgraded to free.
func (s *Service) expireSubscription(ctx context.Context, sub *models.Subscription, reason string) error {
	sub.IsActive = false
	sub.Status = models.SubscriptionStatusExpired
	sub.AutoRenew = false
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	s.history.RecordTransition(ctx, sub.UserID, sub.ID, "expired", reason)
	s.notifier.SubscriptionExpired(ctx, sub.UserID)
	return s.downgradeToFree(ctx, sub.UserID, sub.ID, models.SubscriptionStatusExpired, reason)
}

// downgradeToFree is the single terminal action shared by cancellation,
// expiry and reconciled-cancellation: free-tier credits, watermark back
// on, subscription flags cleared.
func (s *Service) downgradeToFree(ctx context.Context, userID, subscriptionID uint, status, reason string) error {
	user, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return err
	}

	user.CurrentSubscriptionID = nil
	user.SubscriptionStatus = status
	user.PlanName = "Free"
	user.PlanType = models.PlanTypeFree
	user.IsSubscribed = false
	user.TotalCredits = 0
	user.ImageGenerationCredits = 0
	user.PromptGenerationCredits = 0
	user.UsedImageCredits = 0
	user.UsedPromptCredits = 0
	user.DailyCredits = s.costs.FreeDailyCredits
	user.WatermarkEnabled = true

	if err := s.repo.SaveUser(ctx, user); err != nil {
		return err
	}
	s.history.RecordTransition(ctx, userID, subscriptionID, "downgraded_to_free", reason)
	log.Infof("[Entitlement] User %d downgraded to free plan (%s)", userID, reason)
	return nil
}

// AssignFreePlan puts a user on the free plan with baseline credits,
// independent of any prior plan. Used at signup.
func (s *Service) AssignFreePlan(ctx context.Context, userID uint) error {
	return s.downgradeToFree(ctx, userID, 0, "none", "free plan assigned")
}

// GetUserActiveSubscription returns the user's active subscription, or
// ErrSubscriptionNotFound.
func (s *Service) GetUserActiveSubscription(ctx context.Context, userID uint) (*models.Subscription, error) {
	return s.repo.GetActiveSubscription(ctx, userID)
}

// GetPaymentHistory returns the user's payment records, newest first.
func (s *Service) GetPaymentHistory(ctx context.Context, userID uint) ([]models.PaymentRecord, error) {
	return s.repo.ListPayments(ctx, userID)
}

// CanDeleteAccount reports whether the user's account may be deleted.
// Deletion is blocked while a non-free subscription is active.
func (s *Service) CanDeleteAccount(ctx context.Context, userID uint) error {
	sub, err := s.repo.GetActiveSubscription(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if sub.IsTrial {
		return nil
	}
	return ErrAccountDeletionBlocked
}

// ProcessExpiredSubscriptions drives the scheduled expiry sweep:
// reminders for subscriptions expiring within the lead window, renewal
// attempts for auto-renewing subscriptions past their end date, and
// downgrades for everything else. Per-item failures are logged and do
// not abort the sweep.
func (s *Service) ProcessExpiredSubscriptions(ctx context.Context) error {
	now := time.Now()

	reminders, err := s.repo.ListExpiringSoon(ctx, now, now.Add(expiryReminderLead))
	if err != nil {
		return err
	}
	for i := range reminders {
		sub := &reminders[i]
		if sub.AutoRenew || sub.ReminderSentAt != nil {
			continue
		}
		sentAt := now
		sub.ReminderSentAt = &sentAt
		if err := s.repo.SaveSubscription(ctx, sub); err != nil {
			log.Errorf("[Entitlement] Reminder marker save failed for subscription %d: %v", sub.ID, err)
			continue
		}
		s.notifier.SubscriptionExpiringSoon(ctx, sub.UserID, sub.EndDate)
	}

	due, err := s.repo.ListDueSubscriptions(ctx, now)
	if err != nil {
		return err
	}
	for i := range due {
		sub := &due[i]
		if err := s.processDueSubscription(ctx, sub); err != nil {
			log.Errorf("[Entitlement] Expiry processing failed for subscription %d: %v", sub.ID, err)
		}
	}
	return nil
}

func (s *Service) processDueSubscription(ctx context.Context, sub *models.Subscription) error {
	if !sub.AutoRenew || sub.IsTrial {
		return s.expireSubscription(ctx, sub, "end date reached")
	}

	if err := s.renewSubscription(ctx, sub); err != nil {
		log.Infof("[Entitlement] Renewal failed for subscription %d, cancelling: %v", sub.ID, err)
		sub.Status = models.SubscriptionStatusCancelled
		sub.IsActive = false
		sub.AutoRenew = false
		if saveErr := s.repo.SaveSubscription(ctx, sub); saveErr != nil {
			return saveErr
		}
		s.history.RecordTransition(ctx, sub.UserID, sub.ID, "renewal_failed", err.Error())
		return s.downgradeToFree(ctx, sub.UserID, sub.ID, models.SubscriptionStatusCancelled, "renewal failed")
	}
	return nil
}

// renewSubscription re-verifies the stored purchase proof and extends
// the subscription by one billing period on success.
func (s *Service) renewSubscription(ctx context.Context, sub *models.Subscription) error {
	if s.verifier == nil {
		return errors.New("no payment verifier configured")
	}
	record, err := s.repo.GetLatestCompletedPayment(ctx, sub.ID)
	if err != nil {
		return err
	}
	if record == nil {
		return errors.New("no completed payment on record")
	}

	result, err := s.verifier.Verify(ctx, sub.PaymentMethod, payments.VerificationData{
		PurchaseToken:   record.ReceiptData,
		ReceiptData:     record.ReceiptData,
		PaymentIntentID: record.TransactionID,
	})
	if err != nil {
		return err
	}

	period := sub.PlanSnapshot.PeriodDuration()
	newEnd := sub.EndDate.Add(period)
	if result.ExpiresDate != nil && result.ExpiresDate.After(newEnd) {
		newEnd = *result.ExpiresDate
	}
	sub.EndDate = newEnd
	sub.ReminderSentAt = nil
	sub.Status = models.SubscriptionStatusActive
	if err := s.repo.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	s.history.RecordTransition(ctx, sub.UserID, sub.ID, "renewed", "until "+newEnd.Format(time.RFC3339))
	return s.refreshUserStatus(ctx, sub)
}
