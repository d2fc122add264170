package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pixmuse/PixMuse/internal/pkg/env"
)

const defaultStripeBaseURL = "https://api.stripe.com"

// StripeClient talks to the Stripe API for payment intent retrieval and
// refund creation.
type StripeClient struct {
	SecretKey string
	BaseURL   string

	HTTPClient *http.Client
}

// NewStripeClientFromEnv builds a client from environment configuration.
func NewStripeClientFromEnv() *StripeClient {
	return &StripeClient{
		SecretKey: strings.TrimSpace(env.GetEnv("STRIPE_SECRET_KEY", "")),
		BaseURL:   strings.TrimRight(env.GetEnv("STRIPE_API_BASE_URL", defaultStripeBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// PaymentIntent is the subset of a Stripe payment intent needed here.
type PaymentIntent struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
	Livemode bool   `json:"livemode"`
}

func (c *StripeClient) doRequest(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	if c.SecretKey == "" {
		return nil, errors.New("STRIPE_SECRET_KEY is not configured")
	}

	var body io.Reader
	if form != nil {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.SecretKey)
	req.Header.Set("Accept", "application/json")
	if form != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("stripe request failed: status=%d body=%s", resp.StatusCode, string(payload))
	}
	return payload, nil
}

// GetPaymentIntent retrieves a payment intent by id.
func (c *StripeClient) GetPaymentIntent(ctx context.Context, id string) (*PaymentIntent, error) {
	intentID := strings.TrimSpace(id)
	if intentID == "" {
		return nil, errors.New("payment intent id is required")
	}

	payload, err := c.doRequest(ctx, http.MethodGet, "/v1/payment_intents/"+url.PathEscape(intentID), nil)
	if err != nil {
		return nil, err
	}

	var intent PaymentIntent
	if err := json.Unmarshal(payload, &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// CreateRefund refunds a payment intent.
func (c *StripeClient) CreateRefund(ctx context.Context, paymentIntentID, reason string) error {
	if strings.TrimSpace(paymentIntentID) == "" {
		return errors.New("payment intent id is required")
	}

	form := url.Values{}
	form.Set("payment_intent", strings.TrimSpace(paymentIntentID))
	if reason != "" {
		form.Set("reason", reason)
	}

	_, err := c.doRequest(ctx, http.MethodPost, "/v1/refunds", form)
	return err
}

// VerifyPurchase implements MethodVerifier for Stripe: a purchase is
// confirmed iff its payment intent has succeeded.
func (c *StripeClient) VerifyPurchase(ctx context.Context, data VerificationData) (*VerificationResult, error) {
	intent, err := c.GetPaymentIntent(ctx, data.PaymentIntentID)
	if err != nil {
		return nil, err
	}
	if intent.Status != "succeeded" {
		return nil, fmt.Errorf("%w: payment intent status %s", ErrVerificationFailed, intent.Status)
	}
	return &VerificationResult{
		Success:       true,
		TransactionID: intent.ID,
		ProductID:     data.ProductID,
		IsTest:        !intent.Livemode,
	}, nil
}
