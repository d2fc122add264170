package controllers

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/pixmuse/PixMuse/app/models"
	"github.com/pixmuse/PixMuse/internal/pkg/credits"
	"github.com/pixmuse/PixMuse/internal/pkg/database"
	"github.com/pixmuse/PixMuse/internal/pkg/entitlement"
	"github.com/pixmuse/PixMuse/internal/pkg/payments"
	"github.com/pixmuse/PixMuse/internal/pkg/plancatalog"
	"github.com/pixmuse/PixMuse/internal/pkg/reconcile"
)

var validate = validator.New()

var (
	verifierOnce sync.Once
	verifier     *payments.Verifier
	stripeClient *payments.StripeClient
)

// purchaseVerifier builds the provider verifier once from the
// environment. Providers without configuration stay registered; their
// calls fail at the provider API, which is the desired behavior for
// misconfiguration.
func purchaseVerifier() *payments.Verifier {
	verifierOnce.Do(func() {
		stripeClient = payments.NewStripeClientFromEnv()
		verifier = payments.NewVerifier(
			payments.NewGooglePlayClientFromEnv(),
			payments.NewAppleClientFromEnv(),
			stripeClient,
		)
	})
	return verifier
}

// requireUserID reads the authenticated user id. Authentication happens
// upstream; the gateway forwards the resolved id in the X-User-ID
// header.
func requireUserID(c *fiber.Ctx) (uint, error) {
	raw := c.Get("X-User-ID")
	if raw == "" {
		if v, ok := c.Locals("user_id").(uint); ok && v > 0 {
			return v, nil
		}
		return 0, errors.New("missing user identity")
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, errors.New("invalid user identity")
	}
	return uint(id), nil
}

func unauthorized(c *fiber.Ctx, err error) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"error":   "unauthorized",
		"message": err.Error(),
	})
}

// entitlementError maps domain errors onto HTTP statuses with a stable
// error code for clients.
func entitlementError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, entitlement.ErrUserNotFound), errors.Is(err, credits.ErrUserNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "user_not_found", "message": err.Error()})
	case errors.Is(err, entitlement.ErrPlanNotFound), errors.Is(err, plancatalog.ErrPlanNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "plan_not_found", "message": err.Error()})
	case errors.Is(err, entitlement.ErrSubscriptionNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "subscription_not_found", "message": err.Error()})
	case errors.Is(err, entitlement.ErrTrialAlreadyUsed):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "trial_already_used", "message": err.Error()})
	case errors.Is(err, entitlement.ErrActiveSubscriptionExists):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "subscription_exists", "message": err.Error()})
	case errors.Is(err, entitlement.ErrAccountDeletionBlocked):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "deletion_blocked", "message": err.Error()})
	case errors.Is(err, payments.ErrVerificationFailed):
		return c.Status(fiber.StatusPaymentRequired).JSON(fiber.Map{"error": "verification_failed", "message": err.Error()})
	case errors.Is(err, payments.ErrUnknownPaymentMethod):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "unknown_payment_method", "message": err.Error()})
	case errors.Is(err, credits.ErrSubscriptionRequired):
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "subscription_required", "message": err.Error()})
	case credits.IsLimitError(err):
		var le *credits.LimitError
		errors.As(err, &le)
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error":   "limit_reached",
			"message": err.Error(),
			"used":    le.Used,
			"max":     le.Max,
		})
	default:
		log.Errorf("[Subscription Controller] Internal error: %v", err)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_error", "message": "something went wrong"})
	}
}

// HandleListPlans returns the active plan catalog.
func HandleListPlans(c *fiber.Ctx) error {
	svc := plancatalog.NewServiceFromDB(database.GetDB(), nil, nil)
	plans, err := svc.ListActivePlans(c.UserContext())
	if err != nil {
		return entitlementError(c, err)
	}
	return c.JSON(fiber.Map{"plans": plans})
}

// SubscribeRequest is the body for POST /subscription.
type SubscribeRequest struct {
	PlanID          uint    `json:"plan_id"`
	ProductID       string  `json:"product_id"`
	PaymentMethod   string  `json:"payment_method" validate:"required,oneof=google_play apple stripe"`
	PurchaseToken   string  `json:"purchase_token"`
	ReceiptData     string  `json:"receipt_data"`
	PaymentIntentID string  `json:"payment_intent_id"`
	Amount          float64 `json:"amount"`
	Currency        string  `json:"currency"`
}

// HandleSubscribe verifies a purchase with its provider and activates
// the subscription.
func HandleSubscribe(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return unauthorized(c, err)
	}

	var req SubscribeRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid request body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}

	db := database.GetDB()
	plan, err := resolvePlan(c.UserContext(), &req)
	if err != nil {
		return entitlementError(c, err)
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), 30*time.Second)
	defer cancel()

	result, err := purchaseVerifier().Verify(ctx, req.PaymentMethod, payments.VerificationData{
		PurchaseToken:   req.PurchaseToken,
		ReceiptData:     req.ReceiptData,
		PaymentIntentID: req.PaymentIntentID,
		ProductID:       plan.ProviderProductID,
	})
	if err != nil {
		log.Infof("[Subscription Controller] Purchase verification failed for user %d: %v", userID, err)
		return entitlementError(c, err)
	}

	receipt := req.PurchaseToken
	if req.PaymentMethod == models.PaymentMethodApple {
		receipt = req.ReceiptData
	}

	svc := entitlement.NewServiceFromDB(db, purchaseVerifier())
	sub, err := svc.CreateSubscription(ctx, entitlement.CreateSubscriptionInput{
		UserID:                userID,
		PlanID:                plan.ID,
		PaymentMethod:         req.PaymentMethod,
		TransactionID:         result.TransactionID,
		OriginalTransactionID: result.OriginalTransactionID,
		Amount:                req.Amount,
		Currency:              req.Currency,
		Platform:              plan.Provider,
		ReceiptData:           receipt,
		ExpiresDate:           result.ExpiresDate,
	})
	if err != nil {
		return entitlementError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"subscription": sub})
}

// resolvePlan finds the plan either by id or by the provider product id
// embedded in the store purchase.
func resolvePlan(ctx context.Context, req *SubscribeRequest) (*models.Plan, error) {
	repo := plancatalog.NewRepository(database.GetDB())
	if req.PlanID > 0 {
		return repo.GetByID(ctx, req.PlanID)
	}
	if req.ProductID == "" {
		return nil, plancatalog.ErrPlanNotFound
	}
	provider := models.ProviderGooglePlay
	if req.PaymentMethod == models.PaymentMethodApple {
		provider = models.ProviderApple
	}
	return repo.GetByProviderProduct(ctx, provider, req.ProductID)
}

// HandleStartTrial starts the user's one free trial.
func HandleStartTrial(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return unauthorized(c, err)
	}
	svc := entitlement.NewServiceFromDB(database.GetDB(), purchaseVerifier())
	sub, err := svc.StartFreeTrial(c.UserContext(), userID)
	if err != nil {
		return entitlementError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"subscription": sub})
}

// CancelRequest is the body for POST /subscription/cancel.
type CancelRequest struct {
	Immediate bool `json:"immediate"`
	Refund    bool `json:"refund"`
}

// HandleCancelSubscription cancels the active subscription. Stripe
// purchases may additionally be refunded when cancelled immediately.
func HandleCancelSubscription(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return unauthorized(c, err)
	}

	var req CancelRequest
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid request body"})
		}
	}

	db := database.GetDB()
	svc := entitlement.NewServiceFromDB(db, purchaseVerifier())

	sub, err := svc.GetUserActiveSubscription(c.UserContext(), userID)
	if err != nil {
		return entitlementError(c, err)
	}

	if err := svc.CancelSubscription(c.UserContext(), userID, req.Immediate); err != nil {
		return entitlementError(c, err)
	}

	refunded := false
	if req.Immediate && req.Refund && sub.PaymentMethod == models.PaymentMethodStripe {
		refunded = refundStripePayment(c.UserContext(), sub.ID)
	}

	return c.JSON(fiber.Map{"cancelled": true, "immediate": req.Immediate, "refunded": refunded})
}

func refundStripePayment(ctx context.Context, subscriptionID uint) bool {
	purchaseVerifier()
	repo := reconcile.NewRepository(database.GetDB())
	record, err := repo.GetLatestCompletedPayment(ctx, subscriptionID)
	if err != nil || record == nil {
		log.Errorf("[Subscription Controller] No payment to refund for subscription %d: %v", subscriptionID, err)
		return false
	}
	if err := stripeClient.CreateRefund(ctx, record.TransactionID, "requested_by_customer"); err != nil {
		log.Errorf("[Subscription Controller] Stripe refund failed for payment %d: %v", record.ID, err)
		return false
	}
	if err := repo.MarkPaymentRefunded(ctx, record.ID); err != nil {
		log.Errorf("[Subscription Controller] Failed to mark payment %d refunded: %v", record.ID, err)
	}
	return true
}

// HandleSubscriptionStatus returns the user's entitlement snapshot.
func HandleSubscriptionStatus(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return unauthorized(c, err)
	}

	db := database.GetDB()
	var user models.User
	if err := db.First(&user, userID).Error; err != nil {
		return entitlementError(c, entitlement.ErrUserNotFound)
	}

	resp := fiber.Map{
		"plan_name":           user.PlanName,
		"plan_type":           user.PlanType,
		"status":              user.SubscriptionStatus,
		"is_subscribed":       user.IsSubscribed,
		"watermark_enabled":   user.WatermarkEnabled,
		"total_credits":       user.TotalCredits,
		"image_credits_left":  user.RemainingImageCredits(),
		"prompt_credits_left": user.RemainingPromptCredits(),
		"daily_credits":       user.DailyCredits,
	}

	svc := entitlement.NewServiceFromDB(db, purchaseVerifier())
	if sub, err := svc.GetUserActiveSubscription(c.UserContext(), userID); err == nil {
		resp["subscription"] = sub
	}
	return c.JSON(resp)
}

// HandlePaymentHistory returns the user's payment records, newest first.
func HandlePaymentHistory(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return unauthorized(c, err)
	}

	svc := entitlement.NewServiceFromDB(database.GetDB(), purchaseVerifier())
	records, err := svc.GetPaymentHistory(c.UserContext(), userID)
	if err != nil {
		return entitlementError(c, err)
	}
	return c.JSON(fiber.Map{"payments": records})
}

// HandleCheckLimits reports whether the user may run one generation of
// the requested type without changing state.
func HandleCheckLimits(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return unauthorized(c, err)
	}

	genType := credits.GenerationType(c.Query("type", string(credits.GenerationImage)))
	if genType != credits.GenerationImage && genType != credits.GenerationPrompt {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "type must be image or prompt"})
	}

	svc := credits.NewServiceFromDB(database.GetDB())
	check, err := svc.CheckGenerationLimits(c.UserContext(), userID, genType)
	if err != nil {
		return entitlementError(c, err)
	}
	return c.JSON(check)
}

// UsageRequest is the body for POST /credits/usage.
type UsageRequest struct {
	Type  string `json:"type" validate:"required,oneof=image prompt"`
	Count int    `json:"count"`
}

// HandleRecordUsage debits credits for completed generations.
func HandleRecordUsage(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return unauthorized(c, err)
	}

	var req UsageRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "invalid request body"})
	}
	if err := validate.Struct(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": err.Error()})
	}
	if req.Count <= 0 {
		req.Count = 1
	}

	svc := credits.NewServiceFromDB(database.GetDB())
	if err := svc.RecordGenerationUsage(c.UserContext(), userID, credits.GenerationType(req.Type), req.Count); err != nil {
		return entitlementError(c, err)
	}
	return c.JSON(fiber.Map{"recorded": true})
}

// HandleCanDeleteAccount reports whether account deletion is currently
// allowed.
func HandleCanDeleteAccount(c *fiber.Ctx) error {
	userID, err := requireUserID(c)
	if err != nil {
		return unauthorized(c, err)
	}
	svc := entitlement.NewServiceFromDB(database.GetDB(), purchaseVerifier())
	if err := svc.CanDeleteAccount(c.UserContext(), userID); err != nil {
		if errors.Is(err, entitlement.ErrAccountDeletionBlocked) {
			return c.JSON(fiber.Map{"can_delete": false, "reason": "active paid subscription"})
		}
		return entitlementError(c, err)
	}
	return c.JSON(fiber.Map{"can_delete": true})
}
