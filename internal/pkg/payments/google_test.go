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

func newTestGoogleClient(serverURL string) *GooglePlayClient {
	return &GooglePlayClient{
		PackageName: "com.pixmuse.app",
		BaseURL:     serverURL,
		HTTPClient:  &http.Client{Timeout: 5 * time.Second},
	}
}

func googlePurchaseResponse(state, orderID, ackState, productID string, expiry time.Time, autoRenew bool) map[string]interface{} {
	return map[string]interface{}{
		"subscriptionState":    state,
		"latestOrderId":        orderID,
		"acknowledgementState": ackState,
		"lineItems": []map[string]interface{}{
			{
				"productId":  productID,
				"expiryTime": expiry.Format(time.RFC3339),
				"autoRenewingPlan": map[string]interface{}{
					"autoRenewEnabled": autoRenew,
				},
			},
		},
	}
}

func TestGoogleVerifyPurchase_ActiveAcknowledged(t *testing.T) {
	expiry := time.Now().Add(30 * 24 * time.Hour)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(googlePurchaseResponse(
			GoogleSubStateActive, "GPA.1111-2222", "ACKNOWLEDGEMENT_STATE_ACKNOWLEDGED",
			"pixmuse.basic.monthly", expiry, true))
	}))
	defer server.Close()

	client := newTestGoogleClient(server.URL)
	result, err := client.VerifyPurchase(context.Background(), VerificationData{
		PurchaseToken: "token-1",
		ProductID:     "pixmuse.basic.monthly",
	})
	if err != nil {
		t.Fatalf("VerifyPurchase failed: %v", err)
	}
	if !result.Success {
		t.Fatal("expected success")
	}
	if result.TransactionID != "GPA.1111-2222" {
		t.Fatalf("unexpected transaction id %q", result.TransactionID)
	}
	if result.ExpiresDate == nil || result.ExpiresDate.Sub(expiry).Abs() > time.Second {
		t.Fatalf("unexpected expiry %v", result.ExpiresDate)
	}
}

func TestGoogleVerifyPurchase_AcknowledgesPendingPurchase(t *testing.T) {
	acknowledged := false
	expiry := time.Now().Add(30 * 24 * time.Hour)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			acknowledged = true
			w.WriteHeader(http.StatusOK)
			return
		}
		_ = json.NewEncoder(w).Encode(googlePurchaseResponse(
			GoogleSubStateActive, "GPA.3333-4444", googleAckStatePending,
			"pixmuse.basic.monthly", expiry, true))
	}))
	defer server.Close()

	client := newTestGoogleClient(server.URL)
	_, err := client.VerifyPurchase(context.Background(), VerificationData{
		PurchaseToken: "token-2",
		ProductID:     "pixmuse.basic.monthly",
	})
	if err != nil {
		t.Fatalf("VerifyPurchase failed: %v", err)
	}
	if !acknowledged {
		t.Fatal("expected pending purchase to be acknowledged")
	}
}

func TestGoogleVerifyPurchase_RejectsInactiveStates(t *testing.T) {
	for _, state := range []string{GoogleSubStateExpired, GoogleSubStateCanceled, GoogleSubStatePending, GoogleSubStateOnHold} {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(googlePurchaseResponse(
				state, "GPA.5555-6666", "ACKNOWLEDGEMENT_STATE_ACKNOWLEDGED",
				"pixmuse.basic.monthly", time.Now().Add(time.Hour), false))
		}))

		client := newTestGoogleClient(server.URL)
		_, err := client.VerifyPurchase(context.Background(), VerificationData{PurchaseToken: "token-3"})
		server.Close()
		if !errors.Is(err, ErrVerificationFailed) {
			t.Fatalf("state %s: expected ErrVerificationFailed, got %v", state, err)
		}
	}
}

func TestGoogleVerifyPurchase_ProductMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(googlePurchaseResponse(
			GoogleSubStateActive, "GPA.7777-8888", "ACKNOWLEDGEMENT_STATE_ACKNOWLEDGED",
			"pixmuse.premium.monthly", time.Now().Add(time.Hour), true))
	}))
	defer server.Close()

	client := newTestGoogleClient(server.URL)
	_, err := client.VerifyPurchase(context.Background(), VerificationData{
		PurchaseToken: "token-4",
		ProductID:     "pixmuse.basic.monthly",
	})
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("expected ErrVerificationFailed, got %v", err)
	}
}

func TestGoogleVerifyPurchase_UpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer server.Close()

	client := newTestGoogleClient(server.URL)
	_, err := client.VerifyPurchase(context.Background(), VerificationData{PurchaseToken: "token-5"})
	if err == nil {
		t.Fatal("expected error on upstream failure")
	}
}

func TestToProviderState(t *testing.T) {
	future := time.Now().Add(time.Hour)
	tests := []struct {
		name    string
		state   string
		active  bool
		grace   bool
		cancel  bool
		failure bool
	}{
		{name: "active", state: GoogleSubStateActive, active: true},
		{name: "grace period", state: GoogleSubStateInGracePeriod, active: true, grace: true, failure: true},
		{name: "on hold", state: GoogleSubStateOnHold, failure: true},
		{name: "cancelled with time left", state: GoogleSubStateCanceled, active: true, cancel: true},
		{name: "expired", state: GoogleSubStateExpired, cancel: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(googlePurchaseResponse(
				tt.state, "GPA.0000-0000", "ACKNOWLEDGEMENT_STATE_ACKNOWLEDGED",
				"pixmuse.basic.monthly", future, false))
			if err != nil {
				t.Fatalf("marshal fixture: %v", err)
			}
			var p SubscriptionPurchaseV2
			if err := json.Unmarshal(raw, &p); err != nil {
				t.Fatalf("unmarshal fixture: %v", err)
			}

			got := p.ToProviderState()
			if got.Active != tt.active || got.InGracePeriod != tt.grace || got.Cancelled != tt.cancel || got.PaymentFailed != tt.failure {
				t.Fatalf("%s: got %+v", tt.name, got)
			}
		})
	}
}
