package models

import (
	"testing"
	"time"
)

func TestIsEntitling(t *testing.T) {
	tests := []struct {
		status   string
		isActive bool
		want     bool
	}{
		{SubscriptionStatusActive, true, true},
		{SubscriptionStatusGracePeriod, true, true},
		{SubscriptionStatusPendingCancellation, true, true},
		{SubscriptionStatusCancelled, false, false},
		{SubscriptionStatusExpired, false, false},
		{SubscriptionStatusActive, false, false},
	}
	for _, tt := range tests {
		s := Subscription{Status: tt.status, IsActive: tt.isActive}
		if got := s.IsEntitling(); got != tt.want {
			t.Fatalf("Subscription{Status: %q, IsActive: %v}.IsEntitling() = %v, want %v",
				tt.status, tt.isActive, got, tt.want)
		}
	}
}

func TestHasExpired(t *testing.T) {
	now := time.Now()
	future := Subscription{EndDate: now.Add(time.Hour)}
	if future.HasExpired(now) {
		t.Fatal("subscription with future end date reported expired")
	}
	past := Subscription{EndDate: now.Add(-time.Hour)}
	if !past.HasExpired(now) {
		t.Fatal("subscription with past end date not reported expired")
	}
}

func TestIsKnownPaymentMethod(t *testing.T) {
	for _, m := range []string{PaymentMethodGooglePlay, PaymentMethodApple, PaymentMethodStripe} {
		if !IsKnownPaymentMethod(m) {
			t.Fatalf("expected %q to be a known payment method", m)
		}
	}
	for _, m := range []string{"paypal", "", PaymentMethodFree} {
		if IsKnownPaymentMethod(m) {
			t.Fatalf("expected %q to be rejected", m)
		}
	}
}
