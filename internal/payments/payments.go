// Package payments abstracts the external payment processor.
//
// The engine only needs three operations: capture funds from the paying party,
// transfer held funds out to the payee, and refund a prior capture. Every call
// takes an idempotency key derived from the entity ids that triggered it, so a
// retried call after a timeout cannot double-move money.
package payments

import (
	"context"
	"errors"
)

var (
	ErrCaptureFailed  = errors.New("payments: capture failed")
	ErrTransferFailed = errors.New("payments: transfer failed")
	ErrRefundFailed   = errors.New("payments: refund failed")
)

// Processor is the engine's view of the payment provider.
// All amounts are in minor currency units.
type Processor interface {
	// Capture charges sourceRef and returns an opaque transaction id.
	Capture(ctx context.Context, amountCents int64, currency, sourceRef, idempotencyKey string) (string, error)
	// Transfer sends funds to destRef and returns an opaque transfer id.
	Transfer(ctx context.Context, amountCents int64, currency, destRef, idempotencyKey string) (string, error)
	// Refund reverses part or all of a prior capture and returns a refund id.
	Refund(ctx context.Context, amountCents int64, transactionID, idempotencyKey string) (string, error)
}
