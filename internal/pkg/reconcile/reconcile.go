package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/pixmuse/PixMuse/app/models"
	"github.com/pixmuse/PixMuse/internal/pkg/entitlement"
	"github.com/pixmuse/PixMuse/internal/pkg/payments"
)

// gracePeriodWindow is how long after a lapsed expiry a payment-failed
// subscription keeps its entitlement before the reconciler expires it.
const gracePeriodWindow = 7 * 24 * time.Hour

// providerCallDelay throttles back-to-back provider API calls during a
// sweep.
const providerCallDelay = 200 * time.Millisecond

// StateSource fetches the provider-side state of one subscription. The
// token is the provider's handle for the purchase: the purchase token
// for Google Play, the original transaction id for Apple.
type StateSource interface {
	SubscriptionState(ctx context.Context, token string) (*payments.ProviderSubscriptionState, error)
}

// GoogleSource adapts the Play Developer API client to StateSource.
type GoogleSource struct {
	Client *payments.GooglePlayClient
}

func (g GoogleSource) SubscriptionState(ctx context.Context, token string) (*payments.ProviderSubscriptionState, error) {
	purchase, err := g.Client.GetSubscriptionPurchase(ctx, token)
	if err != nil {
		return nil, err
	}
	state := purchase.ToProviderState()
	return &state, nil
}

// AppleSource adapts the App Store Server API client to StateSource.
type AppleSource struct {
	Client *payments.AppleClient
}

func (a AppleSource) SubscriptionState(ctx context.Context, token string) (*payments.ProviderSubscriptionState, error) {
	return a.Client.GetSubscriptionState(ctx, token)
}

// Repository is the data access the reconciler needs.
type Repository interface {
	ListActiveExternalSubscriptions(ctx context.Context) ([]models.Subscription, error)
	GetLatestCompletedPayment(ctx context.Context, subscriptionID uint) (*models.PaymentRecord, error)
	MarkPaymentRefunded(ctx context.Context, recordID uint) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a GORM-backed reconcile repository.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) ListActiveExternalSubscriptions(ctx context.Context) ([]models.Subscription, error) {
	var subs []models.Subscription
	err := r.db.WithContext(ctx).Where("is_active = ? AND payment_method IN ?", true,
		[]string{models.PaymentMethodGooglePlay, models.PaymentMethodApple}).
		Find(&subs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list external subscriptions: %w", err)
	}
	return subs, nil
}

func (r *gormRepository) GetLatestCompletedPayment(ctx context.Context, subscriptionID uint) (*models.PaymentRecord, error) {
	var record models.PaymentRecord
	err := r.db.WithContext(ctx).Where("subscription_id = ? AND status = ?", subscriptionID, models.PaymentStatusCompleted).
		Order("created_at DESC").First(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func (r *gormRepository) MarkPaymentRefunded(ctx context.Context, recordID uint) error {
	return r.db.WithContext(ctx).Model(&models.PaymentRecord{}).Where("id = ?", recordID).
		UpdateColumn("status", models.PaymentStatusRefunded).Error
}

// EntitlementReconciler is the entitlement-side half of reconciliation.
// Implemented by entitlement.Service.
type EntitlementReconciler interface {
	Reconcile(ctx context.Context, subscriptionID uint, report entitlement.ExternalReport) error
}

// Reconciler periodically compares locally stored subscriptions against
// the billing providers and pushes corrections through the entitlement
// state machine.
type Reconciler struct {
	repo        Repository
	entitlement EntitlementReconciler
	sources     map[string]StateSource
	delay       time.Duration
}

// NewReconciler creates a reconciler. Sources maps payment methods to
// their provider state clients; subscriptions whose method has no
// source are skipped.
func NewReconciler(repo Repository, ent EntitlementReconciler, sources map[string]StateSource) *Reconciler {
	return &Reconciler{
		repo:        repo,
		entitlement: ent,
		sources:     sources,
		delay:       providerCallDelay,
	}
}

// NewReconcilerFromDB creates a reconciler from a GORM handle.
func NewReconcilerFromDB(db *gorm.DB, ent EntitlementReconciler, sources map[string]StateSource) *Reconciler {
	return NewReconciler(NewRepository(db), ent, sources)
}

// SyncAll reconciles every active externally billed subscription. A
// failure on one record is logged and the sweep moves on.
func (r *Reconciler) SyncAll(ctx context.Context) error {
	subs, err := r.repo.ListActiveExternalSubscriptions(ctx)
	if err != nil {
		return err
	}
	if len(subs) == 0 {
		return nil
	}
	log.Infof("[Reconcile] Checking %d external subscriptions", len(subs))

	for i := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if i > 0 {
			select {
			case <-time.After(r.delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := r.reconcileOne(ctx, &subs[i]); err != nil {
			log.Errorf("[Reconcile] Subscription %d failed: %v", subs[i].ID, err)
		}
	}
	return nil
}

func (r *Reconciler) reconcileOne(ctx context.Context, sub *models.Subscription) error {
	source, ok := r.sources[sub.PaymentMethod]
	if !ok {
		return nil
	}

	record, err := r.repo.GetLatestCompletedPayment(ctx, sub.ID)
	if err != nil {
		return err
	}
	if record == nil {
		return fmt.Errorf("no completed payment on record")
	}

	token := record.ReceiptData
	if sub.PaymentMethod == models.PaymentMethodApple {
		token = record.OriginalTransactionID
		if token == "" {
			token = record.TransactionID
		}
	}
	if token == "" {
		return fmt.Errorf("no provider token on payment record %d", record.ID)
	}

	state, err := source.SubscriptionState(ctx, token)
	if err != nil {
		return fmt.Errorf("provider state lookup failed: %w", err)
	}

	report := Classify(state, time.Now())
	if state.Revoked {
		if err := r.repo.MarkPaymentRefunded(ctx, record.ID); err != nil {
			log.Errorf("[Reconcile] Failed to mark payment %d refunded: %v", record.ID, err)
		}
	}
	return r.entitlement.Reconcile(ctx, sub.ID, report)
}

// Classify maps a provider-reported state to the entitlement transition
// it implies. A lapsed subscription with a payment problem keeps its
// entitlement for the grace window before it is expired.
func Classify(state *payments.ProviderSubscriptionState, now time.Time) entitlement.ExternalReport {
	if state.Revoked {
		return entitlement.ExternalReport{
			Status: entitlement.ExternalExpired,
			Reason: "revoked by provider",
		}
	}

	expired := state.ExpiryTime != nil && !state.ExpiryTime.After(now)

	if state.InGracePeriod || (expired && state.PaymentFailed) {
		if state.ExpiryTime != nil && now.Sub(*state.ExpiryTime) > gracePeriodWindow {
			return entitlement.ExternalReport{
				Status: entitlement.ExternalExpired,
				Reason: "grace period exhausted",
			}
		}
		return entitlement.ExternalReport{
			Status:     entitlement.ExternalGracePeriod,
			ExpiryTime: state.ExpiryTime,
			Reason:     "payment pending with provider",
		}
	}

	if expired || (!state.Active && state.ExpiryTime == nil) {
		return entitlement.ExternalReport{
			Status: entitlement.ExternalExpired,
			Reason: "expired at provider",
		}
	}

	if state.Cancelled || !state.AutoRenewing {
		return entitlement.ExternalReport{
			Status:     entitlement.ExternalCancelled,
			ExpiryTime: state.ExpiryTime,
			Reason:     "auto-renew disabled at provider",
		}
	}

	return entitlement.ExternalReport{
		Status:       entitlement.ExternalActive,
		ExpiryTime:   state.ExpiryTime,
		AutoRenewing: state.AutoRenewing,
		Reason:       "active at provider",
	}
}
