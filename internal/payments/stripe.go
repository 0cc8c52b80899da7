package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// RewardEscrow wraps stripe-go for the reward flow: the reward is held
// when a deal is accepted, captured when the pickup completes, and
// released if the request is abandoned. Escrow is advisory; negotiation
// proceeds even when it is unavailable.
type RewardEscrow struct{}

// NewRewardEscrow initializes the stripe client with the STRIPE_API_KEY env var.
func NewRewardEscrow() *RewardEscrow {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &RewardEscrow{}
}

// Hold creates a manual-capture PaymentIntent for the reward, in the
// smallest currency unit. It returns the PaymentIntent ID on success.
func (e *RewardEscrow) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture finalizes a previously-held reward.
func (e *RewardEscrow) Capture(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Capture(paymentIntentID, nil)
	return err
}

// Cancel releases the hold on an abandoned request.
func (e *RewardEscrow) Cancel(ctx context.Context, paymentIntentID string) error {
	_, err := paymentintent.Cancel(paymentIntentID, nil)
	return err
}
