package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/pixmuse/PixMuse/app/models"
)

// ErrVerificationFailed is returned when a provider rejects or cannot
// confirm a purchase. Absence of positive confirmation never grants
// entitlement.
var ErrVerificationFailed = errors.New("purchase could not be verified")

// ErrUnknownPaymentMethod is returned for payment methods outside the
// supported set.
var ErrUnknownPaymentMethod = errors.New("unknown payment method")

// VerificationData carries the raw client-supplied proof of purchase for
// one provider.
type VerificationData struct {
	// PurchaseToken is the Google Play purchase token.
	PurchaseToken string
	// ReceiptData is either an Apple signed transaction (JWS) or a
	// legacy base64 receipt.
	ReceiptData string
	// PaymentIntentID is the Stripe payment intent id.
	PaymentIntentID string
	// ProductID is the expected provider product id.
	ProductID string
}

// MethodVerifier validates a purchase for a single payment method.
type MethodVerifier interface {
	VerifyPurchase(ctx context.Context, data VerificationData) (*VerificationResult, error)
}

// Verifier dispatches purchase verification over the closed payment
// method set with a single lookup.
type Verifier struct {
	methods map[string]MethodVerifier
}

// NewVerifier creates a verifier from per-method implementations. Nil
// entries are allowed and yield ErrUnknownPaymentMethod at call time.
func NewVerifier(google, apple, stripe MethodVerifier) *Verifier {
	methods := make(map[string]MethodVerifier, 3)
	if google != nil {
		methods[models.PaymentMethodGooglePlay] = google
	}
	if apple != nil {
		methods[models.PaymentMethodApple] = apple
	}
	if stripe != nil {
		methods[models.PaymentMethodStripe] = stripe
	}
	return &Verifier{methods: methods}
}

// Verify validates the purchase against the owning provider and returns
// a normalized result. A non-nil result with Success=false never occurs;
// failures are reported as errors so callers cannot mistake them for
// entitlement.
func (v *Verifier) Verify(ctx context.Context, paymentMethod string, data VerificationData) (*VerificationResult, error) {
	mv, ok := v.methods[paymentMethod]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPaymentMethod, paymentMethod)
	}
	res, err := mv.VerifyPurchase(ctx, data)
	if err != nil {
		return nil, err
	}
	if res == nil || !res.Success {
		return nil, ErrVerificationFailed
	}
	return res, nil
}
