package payments

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pixmuse/PixMuse/internal/pkg/env"
)

const (
	appleVerifyReceiptProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	appleVerifyReceiptSandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"
	appleAPIProductionBaseURL       = "https://api.storekit.itunes.apple.com"
	appleAPISandboxBaseURL          = "https://api.storekit-sandbox.itunes.apple.com"
	appleConnectBaseURL             = "https://api.appstoreconnect.apple.com"

	// App Store Connect tokens must not outlive 20 minutes.
	appleTokenLifetime = 19 * time.Minute
)

// App Store Server API subscription status codes.
const (
	AppleSubStatusActive             = 1
	AppleSubStatusExpired            = 2
	AppleSubStatusBillingRetry       = 3
	AppleSubStatusBillingGracePeriod = 4
	AppleSubStatusRevoked            = 5
)

// AppleClient verifies App Store purchases. Signed StoreKit transactions
// are decoded locally; legacy base64 receipts go through the
// verifyReceipt endpoint. Server API calls are authorized with
// short-lived ES256 tokens.
type AppleClient struct {
	BundleID     string
	AppAppleID   string
	SharedSecret string
	Sandbox      bool

	VerifyReceiptURL string
	APIBaseURL       string
	ConnectBaseURL   string

	IssuerID   string
	KeyID      string
	PrivateKey *ecdsa.PrivateKey

	HTTPClient *http.Client
}

// NewAppleClientFromEnv builds a client from environment configuration.
func NewAppleClientFromEnv() *AppleClient {
	sandbox := env.GetEnvBool("APPLE_SANDBOX", false)

	verifyURL := appleVerifyReceiptProductionURL
	apiBase := appleAPIProductionBaseURL
	if sandbox {
		verifyURL = appleVerifyReceiptSandboxURL
		apiBase = appleAPISandboxBaseURL
	}

	c := &AppleClient{
		BundleID:         strings.TrimSpace(env.GetEnv("APPLE_BUNDLE_ID", "")),
		AppAppleID:       strings.TrimSpace(env.GetEnv("APPLE_APP_ID", "")),
		SharedSecret:     strings.TrimSpace(env.GetEnv("APPLE_SHARED_SECRET", "")),
		Sandbox:          sandbox,
		VerifyReceiptURL: strings.TrimSpace(env.GetEnv("APPLE_VERIFY_RECEIPT_URL", verifyURL)),
		APIBaseURL:       strings.TrimRight(env.GetEnv("APPLE_API_BASE_URL", apiBase), "/"),
		ConnectBaseURL:   strings.TrimRight(env.GetEnv("APPLE_CONNECT_BASE_URL", appleConnectBaseURL), "/"),
		IssuerID:         strings.TrimSpace(env.GetEnv("APPLE_ISSUER_ID", "")),
		KeyID:            strings.TrimSpace(env.GetEnv("APPLE_KEY_ID", "")),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}

	if pem := env.GetEnv("APPLE_PRIVATE_KEY", ""); strings.TrimSpace(pem) != "" {
		if key, err := jwt.ParseECPrivateKeyFromPEM([]byte(pem)); err == nil {
			c.PrivateKey = key
		}
	}
	return c
}

// AppleTransactionClaims is the payload of a signed StoreKit transaction.
type AppleTransactionClaims struct {
	jwt.RegisteredClaims
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	BundleID              string `json:"bundleId"`
	ExpiresDateMillis     int64  `json:"expiresDate"`
	RevocationDateMillis  int64  `json:"revocationDate"`
	Environment           string `json:"environment"`
}

// IsJWSTransaction reports whether the receipt data looks like a signed
// StoreKit transaction: three dot-separated segments with the base64url
// JSON header prefix.
func IsJWSTransaction(receiptData string) bool {
	data := strings.TrimSpace(receiptData)
	return strings.HasPrefix(data, "eyJ") && strings.Count(data, ".") == 2
}

// DecodeJWSTransaction decodes a signed transaction payload locally
// without a network call. Signature verification against Apple's
// certificate chain is delegated to the caller's trust in the App Store
// origin of the payload; the claims are parsed unverified.
func DecodeJWSTransaction(signedTransaction string) (*AppleTransactionClaims, error) {
	claims := &AppleTransactionClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(strings.TrimSpace(signedTransaction), claims); err != nil {
		return nil, fmt.Errorf("decode signed transaction: %w", err)
	}
	if claims.TransactionID == "" {
		return nil, errors.New("signed transaction payload missing transactionId")
	}
	return claims, nil
}

func (c *AppleTransactionClaims) expiresAt() *time.Time {
	if c.ExpiresDateMillis <= 0 {
		return nil
	}
	t := time.UnixMilli(c.ExpiresDateMillis)
	return &t
}

func (c *AppleTransactionClaims) isRevoked() bool {
	return c.RevocationDateMillis > 0
}

// VerifyPurchase implements MethodVerifier for Apple. Both receipt
// formats are supported: a signed transaction decoded locally, or a
// legacy base64 receipt validated via the verifyReceipt endpoint.
func (c *AppleClient) VerifyPurchase(ctx context.Context, data VerificationData) (*VerificationResult, error) {
	receipt := strings.TrimSpace(data.ReceiptData)
	if receipt == "" {
		return nil, errors.New("receipt data is required")
	}
	if IsJWSTransaction(receipt) {
		return c.verifySignedTransaction(receipt, data.ProductID)
	}
	return c.verifyLegacyReceipt(ctx, receipt, data.ProductID)
}

func (c *AppleClient) verifySignedTransaction(signedTransaction, expectedProductID string) (*VerificationResult, error) {
	claims, err := DecodeJWSTransaction(signedTransaction)
	if err != nil {
		return nil, err
	}

	if expectedProductID != "" && claims.ProductID != expectedProductID {
		return nil, fmt.Errorf("%w: product mismatch (got %s)", ErrVerificationFailed, claims.ProductID)
	}
	if claims.isRevoked() {
		return nil, fmt.Errorf("%w: transaction revoked", ErrVerificationFailed)
	}
	exp := claims.expiresAt()
	if exp != nil && !exp.After(time.Now()) {
		return nil, fmt.Errorf("%w: transaction expired at %s", ErrVerificationFailed, exp.Format(time.RFC3339))
	}

	return &VerificationResult{
		Success:               true,
		TransactionID:         claims.TransactionID,
		OriginalTransactionID: claims.OriginalTransactionID,
		ProductID:             claims.ProductID,
		ExpiresDate:           exp,
		IsTest:                strings.EqualFold(claims.Environment, "Sandbox"),
	}, nil
}

// appleReceiptInfo is one transaction entry in a verifyReceipt response.
type appleReceiptInfo struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	ExpiresDateMS         string `json:"expires_date_ms"`
	CancellationDateMS    string `json:"cancellation_date_ms"`
}

func (ri *appleReceiptInfo) expiresAt() *time.Time {
	ms := strings.TrimSpace(ri.ExpiresDateMS)
	if ms == "" {
		return nil
	}
	var v int64
	if _, err := fmt.Sscanf(ms, "%d", &v); err != nil || v <= 0 {
		return nil
	}
	t := time.UnixMilli(v)
	return &t
}

func (c *AppleClient) verifyLegacyReceipt(ctx context.Context, receiptData, expectedProductID string) (*VerificationResult, error) {
	reqBody, err := json.Marshal(map[string]interface{}{
		"receipt-data":             receiptData,
		"password":                 c.SharedSecret,
		"exclude-old-transactions": true,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.VerifyReceiptURL, bytes.NewReader(reqBody))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("verifyReceipt request failed: status=%d body=%s", resp.StatusCode, string(payload))
	}

	var out struct {
		Status            int                `json:"status"`
		Environment       string             `json:"environment"`
		LatestReceiptInfo []appleReceiptInfo `json:"latest_receipt_info"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}
	if out.Status != 0 {
		return nil, fmt.Errorf("%w: verifyReceipt status %d", ErrVerificationFailed, out.Status)
	}

	now := time.Now()
	for i := range out.LatestReceiptInfo {
		ri := &out.LatestReceiptInfo[i]
		if expectedProductID != "" && ri.ProductID != expectedProductID {
			continue
		}
		if strings.TrimSpace(ri.CancellationDateMS) != "" {
			continue
		}
		exp := ri.expiresAt()
		if exp == nil || !exp.After(now) {
			continue
		}
		return &VerificationResult{
			Success:               true,
			TransactionID:         ri.TransactionID,
			OriginalTransactionID: ri.OriginalTransactionID,
			ProductID:             ri.ProductID,
			ExpiresDate:           exp,
			IsTest:                strings.EqualFold(out.Environment, "Sandbox"),
		}, nil
	}
	return nil, fmt.Errorf("%w: no matching non-expired transaction in receipt", ErrVerificationFailed)
}

// mintToken creates a short-lived ES256 token for the App Store Connect
// and App Store Server APIs.
func (c *AppleClient) mintToken() (string, error) {
	if c.PrivateKey == nil || c.IssuerID == "" || c.KeyID == "" {
		return "", errors.New("apple api credentials are not configured")
	}
	now := time.Now()
	claims := jwt.MapClaims{
		"iss": c.IssuerID,
		"iat": now.Unix(),
		"exp": now.Add(appleTokenLifetime).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": c.BundleID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["kid"] = c.KeyID
	return token.SignedString(c.PrivateKey)
}

func (c *AppleClient) doAuthorizedRequest(ctx context.Context, method, requestURL string) ([]byte, error) {
	bearer, err := c.mintToken()
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, requestURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("apple api request failed: status=%d body=%s", resp.StatusCode, string(payload))
	}
	return payload, nil
}

// GetSubscriptionState fetches the current provider-side state for an
// original transaction id via the App Store Server API and normalizes it
// for the reconciler.
func (c *AppleClient) GetSubscriptionState(ctx context.Context, originalTransactionID string) (*ProviderSubscriptionState, error) {
	id := strings.TrimSpace(originalTransactionID)
	if id == "" {
		return nil, errors.New("original transaction id is required")
	}
	requestURL := fmt.Sprintf("%s/inApps/v1/subscriptions/%s", c.APIBaseURL, url.PathEscape(id))

	payload, err := c.doAuthorizedRequest(ctx, http.MethodGet, requestURL)
	if err != nil {
		return nil, err
	}

	var out struct {
		Data []struct {
			LastTransactions []struct {
				Status                int    `json:"status"`
				SignedTransactionInfo string `json:"signedTransactionInfo"`
			} `json:"lastTransactions"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}

	for _, group := range out.Data {
		for _, lt := range group.LastTransactions {
			state := appleStatusToProviderState(lt.Status)
			if lt.SignedTransactionInfo != "" {
				if claims, err := DecodeJWSTransaction(lt.SignedTransactionInfo); err == nil {
					state.ExpiryTime = claims.expiresAt()
					if claims.isRevoked() {
						state.Revoked = true
						state.Active = false
					}
				}
			}
			return &state, nil
		}
	}
	return nil, fmt.Errorf("no subscription status reported for transaction %s", id)
}

func appleStatusToProviderState(status int) ProviderSubscriptionState {
	switch status {
	case AppleSubStatusActive:
		return ProviderSubscriptionState{Active: true, AutoRenewing: true}
	case AppleSubStatusBillingGracePeriod:
		return ProviderSubscriptionState{Active: true, AutoRenewing: true, InGracePeriod: true, PaymentFailed: true}
	case AppleSubStatusBillingRetry:
		// Billing retry keeps provisional entitlement while Apple
		// retries the charge.
		return ProviderSubscriptionState{InGracePeriod: true, PaymentFailed: true}
	case AppleSubStatusRevoked:
		return ProviderSubscriptionState{Revoked: true, Cancelled: true}
	default:
		return ProviderSubscriptionState{Cancelled: true}
	}
}

// ListSubscriptionProducts fetches the app's subscription products from
// the App Store Connect API and normalizes them for the plan catalog.
func (c *AppleClient) ListSubscriptionProducts(ctx context.Context) ([]ProviderProduct, error) {
	if strings.TrimSpace(c.AppAppleID) == "" {
		return nil, errors.New("APPLE_APP_ID is not configured")
	}
	requestURL := fmt.Sprintf("%s/v1/apps/%s/subscriptionGroups?include=subscriptions&limit=200",
		c.ConnectBaseURL, url.PathEscape(c.AppAppleID))

	payload, err := c.doAuthorizedRequest(ctx, http.MethodGet, requestURL)
	if err != nil {
		return nil, err
	}

	var out struct {
		Included []struct {
			Type       string `json:"type"`
			Attributes struct {
				Name               string `json:"name"`
				ProductID          string `json:"productId"`
				SubscriptionPeriod string `json:"subscriptionPeriod"`
				State              string `json:"state"`
			} `json:"attributes"`
		} `json:"included"`
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, err
	}

	var products []ProviderProduct
	for _, inc := range out.Included {
		if inc.Type != "subscriptions" {
			continue
		}
		if inc.Attributes.ProductID == "" {
			continue
		}
		products = append(products, ProviderProduct{
			ProductID:     inc.Attributes.ProductID,
			Name:          inc.Attributes.Name,
			BillingPeriod: appleSubscriptionPeriodToBilling(inc.Attributes.SubscriptionPeriod),
		})
	}
	return products, nil
}

func appleSubscriptionPeriodToBilling(period string) string {
	switch strings.ToUpper(strings.TrimSpace(period)) {
	case "ONE_YEAR":
		return "year"
	case "ONE_WEEK":
		return "week"
	default:
		return "month"
	}
}
