package payments

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestStripeClient(serverURL string) *StripeClient {
	return &StripeClient{
		SecretKey:  "sk_test_123",
		BaseURL:    serverURL,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func TestStripeVerifyPurchase_Succeeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer sk_test_123" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(PaymentIntent{
			ID: "pi_abc", Status: "succeeded", Amount: 999, Currency: "usd", Livemode: true,
		})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	result, err := client.VerifyPurchase(context.Background(), VerificationData{PaymentIntentID: "pi_abc"})
	if err != nil {
		t.Fatalf("VerifyPurchase failed: %v", err)
	}
	if result.TransactionID != "pi_abc" {
		t.Fatalf("unexpected transaction id %q", result.TransactionID)
	}
	if result.IsTest {
		t.Fatal("livemode intent flagged as test")
	}
}

func TestStripeVerifyPurchase_NotSucceeded(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PaymentIntent{ID: "pi_pending", Status: "requires_payment_method"})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	_, err := client.VerifyPurchase(context.Background(), VerificationData{PaymentIntentID: "pi_pending"})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestStripeCreateRefund(t *testing.T) {
	var gotIntent, gotReason string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/refunds" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = r.ParseForm()
		gotIntent = r.PostFormValue("payment_intent")
		gotReason = r.PostFormValue("reason")
		_ = json.NewEncoder(w).Encode(map[string]string{"id": "re_1", "status": "succeeded"})
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	if err := client.CreateRefund(context.Background(), "pi_abc", "requested_by_customer"); err != nil {
		t.Fatalf("CreateRefund failed: %v", err)
	}
	if gotIntent != "pi_abc" || gotReason != "requested_by_customer" {
		t.Fatalf("unexpected refund form: intent=%q reason=%q", gotIntent, gotReason)
	}
}

func TestStripeRequestError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
	}))
	defer server.Close()

	client := newTestStripeClient(server.URL)
	if _, err := client.GetPaymentIntent(context.Background(), "pi_err"); err == nil {
		t.Fatal("expected error on upstream failure")
	}
}
