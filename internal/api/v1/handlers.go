package apiv1

import (
	"github.com/gofiber/fiber/v2"

	// Delegate to controllers to keep behavior consistent across surfaces
	"github.com/pixmuse/PixMuse/app/controllers"
)

// APIServer exposes the subscription and credit endpoints.
type APIServer struct{}

// NewAPIServer creates a new API server instance
func NewAPIServer() *APIServer {
	return &APIServer{}
}

// GetPing handles the ping endpoint
func (s *APIServer) GetPing(c *fiber.Ctx) error {
	return c.Status(fiber.StatusOK).JSON(fiber.Map{"ping": "pong"})
}

// GetPlans lists the active plan catalog.
func (s *APIServer) GetPlans(c *fiber.Ctx) error {
	return controllers.HandleListPlans(c)
}

// PostSubscription verifies a store purchase and activates the plan.
func (s *APIServer) PostSubscription(c *fiber.Ctx) error {
	return controllers.HandleSubscribe(c)
}

// PostTrial starts the one free trial.
func (s *APIServer) PostTrial(c *fiber.Ctx) error {
	return controllers.HandleStartTrial(c)
}

// PostCancel cancels the active subscription.
func (s *APIServer) PostCancel(c *fiber.Ctx) error {
	return controllers.HandleCancelSubscription(c)
}

// GetSubscriptionStatus returns the entitlement snapshot for the user.
func (s *APIServer) GetSubscriptionStatus(c *fiber.Ctx) error {
	return controllers.HandleSubscriptionStatus(c)
}

// GetPaymentHistory lists the user's payment records.
func (s *APIServer) GetPaymentHistory(c *fiber.Ctx) error {
	return controllers.HandlePaymentHistory(c)
}

// GetCreditLimits checks whether a generation is currently allowed.
func (s *APIServer) GetCreditLimits(c *fiber.Ctx) error {
	return controllers.HandleCheckLimits(c)
}

// PostCreditUsage records completed generations against the ledger.
func (s *APIServer) PostCreditUsage(c *fiber.Ctx) error {
	return controllers.HandleRecordUsage(c)
}

// GetAccountDeletable reports whether the account may be deleted.
func (s *APIServer) GetAccountDeletable(c *fiber.Ctx) error {
	return controllers.HandleCanDeleteAccount(c)
}

// RegisterHandlers attaches the v1 routes to the given router group.
func RegisterHandlers(r fiber.Router, s *APIServer) {
	r.Get("/ping", s.GetPing)
	r.Get("/plans", s.GetPlans)
	r.Get("/subscription", s.GetSubscriptionStatus)
	r.Post("/subscription", s.PostSubscription)
	r.Post("/subscription/trial", s.PostTrial)
	r.Post("/subscription/cancel", s.PostCancel)
	r.Get("/subscription/payments", s.GetPaymentHistory)
	r.Get("/credits/limits", s.GetCreditLimits)
	r.Post("/credits/usage", s.PostCreditUsage)
	r.Get("/account/deletable", s.GetAccountDeletable)
}
