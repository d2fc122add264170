package payments

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/pixmuse/PixMuse/internal/pkg/env"
)

const (
	defaultAndroidPublisherBaseURL = "https://androidpublisher.googleapis.com"
	androidPublisherScope          = "https://www.googleapis.com/auth/androidpublisher"
)

// Google Play subscriptionsv2 states relevant to entitlement decisions.
const (
	GoogleSubStateActive        = "SUBSCRIPTION_STATE_ACTIVE"
	GoogleSubStateCanceled      = "SUBSCRIPTION_STATE_CANCELED"
	GoogleSubStateInGracePeriod = "SUBSCRIPTION_STATE_IN_GRACE_PERIOD"
	GoogleSubStateOnHold        = "SUBSCRIPTION_STATE_ON_HOLD"
	GoogleSubStatePaused        = "SUBSCRIPTION_STATE_PAUSED"
	GoogleSubStateExpired       = "SUBSCRIPTION_STATE_EXPIRED"
	GoogleSubStatePending       = "SUBSCRIPTION_STATE_PENDING"

	googleAckStatePending = "ACKNOWLEDGEMENT_STATE_PENDING"
)

// GooglePlayClient talks to the Google Play Developer API for one app
// package. Requests are authorized with a service-account token source.
type GooglePlayClient struct {
	PackageName string
	BaseURL     string

	HTTPClient  *http.Client
	TokenSource oauth2.TokenSource
}

// NewGooglePlayClientFromEnv builds a client from environment
// configuration. The service account key is read either inline
// (GOOGLE_SERVICE_ACCOUNT_JSON, optionally base64) or from a file path
// (GOOGLE_SERVICE_ACCOUNT_FILE). A missing key leaves the client
// unauthenticated, which only works against test servers.
func NewGooglePlayClientFromEnv() *GooglePlayClient {
	c := &GooglePlayClient{
		PackageName: strings.TrimSpace(env.GetEnv("GOOGLE_PLAY_PACKAGE_NAME", "")),
		BaseURL:     strings.TrimRight(env.GetEnv("GOOGLE_PLAY_API_BASE_URL", defaultAndroidPublisherBaseURL), "/"),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}

	keyJSON := loadGoogleServiceAccountKey()
	if len(keyJSON) > 0 {
		cfg, err := google.JWTConfigFromJSON(keyJSON, androidPublisherScope)
		if err == nil {
			c.TokenSource = cfg.TokenSource(context.Background())
		}
	}
	return c
}

func loadGoogleServiceAccountKey() []byte {
	if raw := strings.TrimSpace(env.GetEnv("GOOGLE_SERVICE_ACCOUNT_JSON", "")); raw != "" {
		if strings.HasPrefix(raw, "{") {
			return []byte(raw)
		}
		if decoded, err := base64.StdEncoding.DecodeString(raw); err == nil {
			return decoded
		}
		return []byte(raw)
	}
	if path := strings.TrimSpace(env.GetEnv("GOOGLE_SERVICE_ACCOUNT_FILE", "")); path != "" {
		if data, err := os.ReadFile(path); err == nil {
			return data
		}
	}
	return nil
}

// SubscriptionPurchaseV2 is the subset of the subscriptionsv2.get
// response needed to drive entitlement decisions.
type SubscriptionPurchaseV2 struct {
	SubscriptionState    string    `json:"subscriptionState"`
	LatestOrderID        string    `json:"latestOrderId"`
	AcknowledgementState string    `json:"acknowledgementState"`
	TestPurchase         *struct{} `json:"testPurchase,omitempty"`
	CanceledStateContext *struct {
		UserInitiatedCancellation *struct {
			CancelTime time.Time `json:"cancelTime"`
		} `json:"userInitiatedCancellation,omitempty"`
	} `json:"canceledStateContext,omitempty"`
	LineItems []struct {
		ProductID        string    `json:"productId"`
		ExpiryTime       time.Time `json:"expiryTime"`
		AutoRenewingPlan *struct {
			AutoRenewEnabled bool `json:"autoRenewEnabled"`
		} `json:"autoRenewingPlan,omitempty"`
	} `json:"lineItems"`
}

// IsPaid reports whether the purchase carries a settled order. Test
// purchases never produce an order id.
func (p *SubscriptionPurchaseV2) IsPaid() bool {
	return strings.TrimSpace(p.LatestOrderID) != "" && p.SubscriptionState != GoogleSubStatePending
}

// ExpiryTime returns the latest line-item expiry, or nil when absent.
func (p *SubscriptionPurchaseV2) ExpiryTime() *time.Time {
	var latest *time.Time
	for i := range p.LineItems {
		t := p.LineItems[i].ExpiryTime
		if t.IsZero() {
			continue
		}
		if latest == nil || t.After(*latest) {
			latest = &t
		}
	}
	return latest
}

// AutoRenewing reports whether any line item still auto-renews.
func (p *SubscriptionPurchaseV2) AutoRenewing() bool {
	for _, li := range p.LineItems {
		if li.AutoRenewingPlan != nil && li.AutoRenewingPlan.AutoRenewEnabled {
			return true
		}
	}
	return false
}

// ToProviderState normalizes the purchase into the reconciler's shape.
func (p *SubscriptionPurchaseV2) ToProviderState() ProviderSubscriptionState {
	state := ProviderSubscriptionState{
		AutoRenewing: p.AutoRenewing(),
		ExpiryTime:   p.ExpiryTime(),
	}
	switch p.SubscriptionState {
	case GoogleSubStateActive:
		state.Active = true
	case GoogleSubStateInGracePeriod:
		state.Active = true
		state.InGracePeriod = true
		state.PaymentFailed = true
	case GoogleSubStateOnHold, GoogleSubStatePaused:
		state.PaymentFailed = true
	case GoogleSubStateCanceled:
		state.Cancelled = true
		// Cancelled subscriptions stay entitled until expiry.
		if exp := p.ExpiryTime(); exp != nil && exp.After(time.Now()) {
			state.Active = true
		}
	case GoogleSubStateExpired:
		state.Cancelled = true
	}
	return state
}

func (c *GooglePlayClient) doRequest(ctx context.Context, method, requestURL string, body io.Reader) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, requestURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.TokenSource != nil {
		token, err := c.TokenSource.Token()
		if err != nil {
			return nil, fmt.Errorf("google play token: %w", err)
		}
		token.SetAuthHeader(req)
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("google play request failed: status=%d body=%s", resp.StatusCode, string(payload))
	}
	return payload, nil
}

// GetSubscriptionPurchase fetches current subscription state for a
// purchase token via subscriptionsv2.get.
func (c *GooglePlayClient) GetSubscriptionPurchase(ctx context.Context, purchaseToken string) (*SubscriptionPurchaseV2, error) {
	token := strings.TrimSpace(purchaseToken)
	if token == "" {
		return nil, errors.New("purchase token is required")
	}
	requestURL := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/purchases/subscriptionsv2/tokens/%s",
		c.BaseURL, url.PathEscape(c.PackageName), url.PathEscape(token))

	payload, err := c.doRequest(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}

	var out SubscriptionPurchaseV2
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// AcknowledgeSubscription acknowledges a purchase. Google auto-refunds
// unacknowledged purchases after a provider-defined window, so this must
// run for every verified purchase still pending acknowledgement.
func (c *GooglePlayClient) AcknowledgeSubscription(ctx context.Context, productID, purchaseToken string) error {
	if strings.TrimSpace(productID) == "" || strings.TrimSpace(purchaseToken) == "" {
		return errors.New("product id and purchase token are required")
	}
	requestURL := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/purchases/subscriptions/%s/tokens/%s:acknowledge",
		c.BaseURL, url.PathEscape(c.PackageName), url.PathEscape(productID), url.PathEscape(purchaseToken))

	_, err := c.doRequest(ctx, http.MethodPost, requestURL, bytes.NewReader([]byte(`{}`)))
	return err
}

// VerifyPurchase implements MethodVerifier for Google Play.
func (c *GooglePlayClient) VerifyPurchase(ctx context.Context, data VerificationData) (*VerificationResult, error) {
	purchase, err := c.GetSubscriptionPurchase(ctx, data.PurchaseToken)
	if err != nil {
		return nil, err
	}

	if purchase.SubscriptionState != GoogleSubStateActive {
		return nil, fmt.Errorf("%w: subscription state %s", ErrVerificationFailed, purchase.SubscriptionState)
	}
	isTest := purchase.TestPurchase != nil
	if !isTest && !purchase.IsPaid() {
		return nil, fmt.Errorf("%w: purchase not paid", ErrVerificationFailed)
	}

	productID := ""
	for _, li := range purchase.LineItems {
		if data.ProductID == "" || li.ProductID == data.ProductID {
			productID = li.ProductID
			break
		}
	}
	if productID == "" {
		if data.ProductID != "" {
			return nil, fmt.Errorf("%w: product mismatch", ErrVerificationFailed)
		}
		return nil, fmt.Errorf("%w: purchase has no line items", ErrVerificationFailed)
	}

	if purchase.AcknowledgementState == googleAckStatePending {
		if err := c.AcknowledgeSubscription(ctx, productID, data.PurchaseToken); err != nil {
			return nil, fmt.Errorf("acknowledge purchase: %w", err)
		}
	}

	transactionID := purchase.LatestOrderID
	if transactionID == "" {
		// Test purchases carry no order id; fall back to the token.
		transactionID = data.PurchaseToken
	}

	return &VerificationResult{
		Success:       true,
		TransactionID: transactionID,
		ProductID:     productID,
		ExpiresDate:   purchase.ExpiryTime(),
		IsTest:        isTest,
	}, nil
}

// ListSubscriptionProducts fetches the app's subscription products and
// normalizes them for the plan catalog.
func (c *GooglePlayClient) ListSubscriptionProducts(ctx context.Context) ([]ProviderProduct, error) {
	requestURL := fmt.Sprintf("%s/androidpublisher/v3/applications/%s/subscriptions",
		c.BaseURL, url.PathEscape(c.PackageName))

	payload, err := c.doRequest(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, err
	}

	var raw struct {
		Subscriptions []struct {
			ProductID string `json:"productId"`
			Listings  []struct {
				Title string `json:"title"`
			} `json:"listings"`
			BasePlans []struct {
				BasePlanID            string `json:"basePlanId"`
				AutoRenewingBasePlan  *struct {
					BillingPeriodDuration string `json:"billingPeriodDuration"`
				} `json:"autoRenewingBasePlanType,omitempty"`
				RegionalConfigs []struct {
					Price *struct {
						CurrencyCode string `json:"currencyCode"`
						Units        int64  `json:"units,string"`
						Nanos        int64  `json:"nanos"`
					} `json:"price,omitempty"`
				} `json:"regionalConfigs"`
			} `json:"basePlans"`
		} `json:"subscriptions"`
	}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, err
	}

	products := make([]ProviderProduct, 0, len(raw.Subscriptions))
	for _, sub := range raw.Subscriptions {
		p := ProviderProduct{
			ProductID:     sub.ProductID,
			BillingPeriod: "month",
		}
		if len(sub.Listings) > 0 {
			p.Name = sub.Listings[0].Title
		}
		if len(sub.BasePlans) > 0 {
			bp := sub.BasePlans[0]
			p.BasePlanID = bp.BasePlanID
			if bp.AutoRenewingBasePlan != nil {
				p.BillingPeriod = iso8601PeriodToBilling(bp.AutoRenewingBasePlan.BillingPeriodDuration)
			}
			for _, rc := range bp.RegionalConfigs {
				if rc.Price != nil {
					p.Price = float64(rc.Price.Units) + float64(rc.Price.Nanos)/1e9
					p.Currency = rc.Price.CurrencyCode
					break
				}
			}
		}
		products = append(products, p)
	}
	return products, nil
}

func iso8601PeriodToBilling(period string) string {
	switch strings.ToUpper(strings.TrimSpace(period)) {
	case "P1Y", "P12M":
		return "year"
	case "P1W", "P7D":
		return "week"
	default:
		return "month"
	}
}
