// Package fees computes the platform fee breakdown for an escrowed job payment.
//
// Fees are computed exactly once, at escrow account creation, and stored on the
// account. They are never recomputed: a later fee-schedule change must not
// retroactively alter a party's expected payout.
package fees

import "errors"

// ErrInvalidAmount is returned when the amount is not positive.
var ErrInvalidAmount = errors.New("fees: amount must be greater than zero")

// Default fee schedule, in basis points and fixed minor units.
const (
	DefaultPlatformFeeBPS       = 500 // 5%
	DefaultProcessingFeeBPS     = 290 // 2.9%
	DefaultProcessingFixedCents = 30
)

// Breakdown is the frozen fee split for an escrow amount.
type Breakdown struct {
	PlatformFeeCents     int64 `json:"platformFeeCents"`
	ProcessingFeeCents   int64 `json:"processingFeeCents"`
	NetToContractorCents int64 `json:"netToContractorCents"`
}

// Schedule holds the fee rates used by Calculate.
type Schedule struct {
	PlatformFeeBPS       int64
	ProcessingFeeBPS     int64
	ProcessingFixedCents int64
}

// DefaultSchedule returns the platform's standard fee schedule.
func DefaultSchedule() Schedule {
	return Schedule{
		PlatformFeeBPS:       DefaultPlatformFeeBPS,
		ProcessingFeeBPS:     DefaultProcessingFeeBPS,
		ProcessingFixedCents: DefaultProcessingFixedCents,
	}
}

// Calculate returns the fee breakdown for amountCents using the default schedule.
func Calculate(amountCents int64) (Breakdown, error) {
	return DefaultSchedule().Calculate(amountCents)
}

// Calculate returns the fee breakdown for amountCents.
// Basis-point fees round down; the contractor receives the remainder.
func (s Schedule) Calculate(amountCents int64) (Breakdown, error) {
	if amountCents <= 0 {
		return Breakdown{}, ErrInvalidAmount
	}

	platform := amountCents * s.PlatformFeeBPS / 10000
	processing := amountCents*s.ProcessingFeeBPS/10000 + s.ProcessingFixedCents

	net := amountCents - platform - processing
	if net < 0 {
		net = 0
	}

	return Breakdown{
		PlatformFeeCents:     platform,
		ProcessingFeeCents:   processing,
		NetToContractorCents: net,
	}, nil
}
