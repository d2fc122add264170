package payments

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"
)

func newTestAppleClient(verifyURL string) *AppleClient {
	return &AppleClient{
		BundleID:         "com.pixmuse.app",
		SharedSecret:     "shared-secret",
		VerifyReceiptURL: verifyURL,
		HTTPClient:       &http.Client{Timeout: 5 * time.Second},
	}
}

// buildJWS assembles an unsigned JWS transaction the way StoreKit lays
// it out: header.payload.signature, base64url without padding.
func buildJWS(t *testing.T, claims map[string]interface{}) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"ES256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}
	body := base64.RawURLEncoding.EncodeToString(payload)
	sig := base64.RawURLEncoding.EncodeToString([]byte("sig"))
	return fmt.Sprintf("%s.%s.%s", header, body, sig)
}

func TestIsJWSTransaction(t *testing.T) {
	jws := buildJWS(t, map[string]interface{}{"transactionId": "1"})
	if !IsJWSTransaction(jws) {
		t.Fatal("expected JWS transaction to be recognized")
	}
	if IsJWSTransaction("MIIbase64legacyreceipt==") {
		t.Fatal("legacy receipt misclassified as JWS")
	}
	if IsJWSTransaction("") {
		t.Fatal("empty string misclassified as JWS")
	}
}

func TestAppleVerifyPurchase_SignedTransaction(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour)
	jws := buildJWS(t, map[string]interface{}{
		"transactionId":         "2000000123",
		"originalTransactionId": "2000000100",
		"productId":             "pixmuse.standard.monthly",
		"bundleId":              "com.pixmuse.app",
		"expiresDate":           expiry.UnixMilli(),
		"environment":           "Production",
	})

	client := newTestAppleClient("")
	result, err := client.VerifyPurchase(context.Background(), VerificationData{
		ReceiptData: jws,
		ProductID:   "pixmuse.standard.monthly",
	})
	if err != nil {
		t.Fatalf("VerifyPurchase failed: %v", err)
	}
	if result.TransactionID != "2000000123" || result.OriginalTransactionID != "2000000100" {
		t.Fatalf("unexpected transaction ids: %+v", result)
	}
	if result.IsTest {
		t.Fatal("production transaction flagged as test")
	}
	if result.ExpiresDate == nil || result.ExpiresDate.Sub(expiry).Abs() > time.Second {
		t.Fatalf("unexpected expiry %v", result.ExpiresDate)
	}
}

func TestAppleVerifyPurchase_SignedTransactionRevoked(t *testing.T) {
	jws := buildJWS(t, map[string]interface{}{
		"transactionId":  "2000000124",
		"productId":      "pixmuse.standard.monthly",
		"expiresDate":    time.Now().Add(time.Hour).UnixMilli(),
		"revocationDate": time.Now().UnixMilli(),
	})

	client := newTestAppleClient("")
	_, err := client.VerifyPurchase(context.Background(), VerificationData{ReceiptData: jws})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestAppleVerifyPurchase_SignedTransactionExpired(t *testing.T) {
	jws := buildJWS(t, map[string]interface{}{
		"transactionId": "2000000125",
		"productId":     "pixmuse.standard.monthly",
		"expiresDate":   time.Now().Add(-time.Hour).UnixMilli(),
	})

	client := newTestAppleClient("")
	_, err := client.VerifyPurchase(context.Background(), VerificationData{ReceiptData: jws})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestAppleVerifyPurchase_LegacyReceipt(t *testing.T) {
	expiryMS := time.Now().Add(30 * 24 * time.Hour).UnixMilli()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]interface{}
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req["password"] != "shared-secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":      0,
			"environment": "Production",
			"latest_receipt_info": []map[string]string{
				{
					"product_id":              "pixmuse.basic.monthly",
					"transaction_id":          "1000000200",
					"original_transaction_id": "1000000100",
					"expires_date_ms":         strconv.FormatInt(expiryMS, 10),
				},
			},
		})
	}))
	defer server.Close()

	client := newTestAppleClient(server.URL)
	result, err := client.VerifyPurchase(context.Background(), VerificationData{
		ReceiptData: "MIIlegacyreceiptdata==",
		ProductID:   "pixmuse.basic.monthly",
	})
	if err != nil {
		t.Fatalf("VerifyPurchase failed: %v", err)
	}
	if result.TransactionID != "1000000200" {
		t.Fatalf("unexpected transaction id %q", result.TransactionID)
	}
	if result.OriginalTransactionID != "1000000100" {
		t.Fatalf("unexpected original transaction id %q", result.OriginalTransactionID)
	}
}

func TestAppleVerifyPurchase_LegacyReceiptBadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"status": 21007})
	}))
	defer server.Close()

	client := newTestAppleClient(server.URL)
	_, err := client.VerifyPurchase(context.Background(), VerificationData{ReceiptData: "MIIlegacy=="})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestAppleVerifyPurchase_LegacyReceiptCancelledTransactionSkipped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status": 0,
			"latest_receipt_info": []map[string]string{
				{
					"product_id":           "pixmuse.basic.monthly",
					"transaction_id":       "1000000300",
					"expires_date_ms":      strconv.FormatInt(time.Now().Add(time.Hour).UnixMilli(), 10),
					"cancellation_date_ms": strconv.FormatInt(time.Now().UnixMilli(), 10),
				},
			},
		})
	}))
	defer server.Close()

	client := newTestAppleClient(server.URL)
	_, err := client.VerifyPurchase(context.Background(), VerificationData{ReceiptData: "MIIlegacy=="})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed for refunded transaction, got %v", err)
	}
}

func TestDecodeJWSTransaction(t *testing.T) {
	jws := buildJWS(t, map[string]interface{}{
		"transactionId":         "42",
		"originalTransactionId": "41",
		"productId":             "pixmuse.premium.monthly",
		"environment":           "Sandbox",
	})

	claims, err := DecodeJWSTransaction(jws)
	if err != nil {
		t.Fatalf("DecodeJWSTransaction failed: %v", err)
	}
	if claims.TransactionID != "42" || claims.OriginalTransactionID != "41" {
		t.Fatalf("unexpected claims: %+v", claims)
	}
	if claims.ProductID != "pixmuse.premium.monthly" {
		t.Fatalf("unexpected product id %q", claims.ProductID)
	}
}

func TestAppleStatusToProviderState(t *testing.T) {
	tests := []struct {
		status  int
		active  bool
		revoked bool
		grace   bool
	}{
		{status: AppleSubStatusActive, active: true},
		{status: AppleSubStatusExpired},
		{status: AppleSubStatusBillingRetry, grace: true},
		{status: AppleSubStatusBillingGracePeriod, active: true, grace: true},
		{status: AppleSubStatusRevoked, revoked: true},
	}

	for _, tt := range tests {
		got := appleStatusToProviderState(tt.status)
		if got.Active != tt.active || got.Revoked != tt.revoked || got.InGracePeriod != tt.grace {
			t.Fatalf("status %d: got %+v", tt.status, got)
		}
	}
}
