package payments

import (
	"context"
	"fmt"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"
)

// StripeProcessor implements Processor on top of the Stripe API.
//
// Capture creates and confirms a PaymentIntent against the landlord's payment
// method, Transfer moves funds to the contractor's connected account, and
// Refund reverses a PaymentIntent. Idempotency keys are passed through so
// Stripe deduplicates retried calls.
type StripeProcessor struct {
	sc *client.API
}

// NewStripeProcessor creates a Stripe-backed processor.
func NewStripeProcessor(secretKey string) *StripeProcessor {
	sc := &client.API{}
	sc.Init(secretKey, nil)
	return &StripeProcessor{sc: sc}
}

func (p *StripeProcessor) Capture(ctx context.Context, amountCents int64, currency, sourceRef, idempotencyKey string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(amountCents),
		Currency:      stripe.String(currency),
		PaymentMethod: stripe.String(sourceRef),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	pi, err := p.sc.PaymentIntents.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return "", fmt.Errorf("%w: payment intent status %s", ErrCaptureFailed, pi.Status)
	}
	return pi.ID, nil
}

func (p *StripeProcessor) Transfer(ctx context.Context, amountCents int64, currency, destRef, idempotencyKey string) (string, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amountCents),
		Currency:    stripe.String(currency),
		Destination: stripe.String(destRef),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	tr, err := p.sc.Transfers.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return tr.ID, nil
}

func (p *StripeProcessor) Refund(ctx context.Context, amountCents int64, transactionID, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(transactionID),
		Amount:        stripe.Int64(amountCents),
	}
	params.Context = ctx
	params.SetIdempotencyKey(idempotencyKey)

	rf, err := p.sc.Refunds.New(params)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrRefundFailed, err)
	}
	return rf.ID, nil
}
