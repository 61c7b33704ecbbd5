// Package escrow owns the held-funds ledger for job payments.
//
// Flow:
//  1. Landlord creates an account for a job → fees frozen, status created
//  2. Fund captures the landlord's payment → status funded, hold clock starts
//  3. Approved release requests move funds to the contractor → partially_released/released
//  4. Refunds return held funds to the landlord → refunded
//  5. An open dispute overlays the account → all fund movement is locked
//
// The ledger is the only writer of account state and the only caller of the
// payment processor. It does not evaluate release approvals; the release
// workflow does that and calls Release with an already-approved request id.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/tradesafe/tradesafe/internal/clock"
	"github.com/tradesafe/tradesafe/internal/fees"
	"github.com/tradesafe/tradesafe/internal/idgen"
	"github.com/tradesafe/tradesafe/internal/metrics"
	"github.com/tradesafe/tradesafe/internal/payments"
	"github.com/tradesafe/tradesafe/internal/syncutil"
	"github.com/tradesafe/tradesafe/internal/traces"
)

var (
	ErrAccountNotFound       = errors.New("escrow: account not found")
	ErrMilestoneNotFound     = errors.New("escrow: milestone not found")
	ErrInvalidStatus         = errors.New("escrow: invalid account status for this operation")
	ErrInvalidAmount         = errors.New("escrow: invalid amount")
	ErrInsufficientHeld      = errors.New("escrow: amount exceeds held funds")
	ErrAccountLocked         = errors.New("escrow: account locked by open dispute")
	ErrMilestoneNotCompleted = errors.New("escrow: milestone not completed")
	ErrMilestoneReleased     = errors.New("escrow: milestone already released")
	ErrSameParty             = errors.New("escrow: landlord and contractor must differ")
	ErrMissingParty          = errors.New("escrow: landlord and contractor ids are required")
	ErrBadMilestoneSplit     = errors.New("escrow: milestone percentages must sum to 100")
	ErrVersionConflict       = errors.New("escrow: concurrent update, retry")
	ErrMilestoneTransition   = errors.New("escrow: milestone status can only move forward")
)

// Status represents the state of an escrow account.
type Status string

const (
	StatusCreated           Status = "created"            // Account exists, nothing captured
	StatusFunded            Status = "funded"             // Payment captured, hold clock running
	StatusPartiallyReleased Status = "partially_released" // Some milestones paid out
	StatusReleased          Status = "released"           // 100% of funds left the account
	StatusRefunded          Status = "refunded"           // Held funds returned to landlord
	StatusDisputed          Status = "disputed"           // Overlay: fund movement locked
	StatusCancelled         Status = "cancelled"          // Cancelled before capture
)

// Role identifies which side of the escrow an actor is on.
type Role string

const (
	RoleLandlord   Role = "landlord"
	RoleContractor Role = "contractor"
	RoleSystem     Role = "system"
)

// MilestoneStatus represents the work state of a milestone.
type MilestoneStatus string

const (
	MilestonePending    MilestoneStatus = "pending"
	MilestoneInProgress MilestoneStatus = "in_progress"
	MilestoneCompleted  MilestoneStatus = "completed"
)

// EvidenceKind enumerates the supported evidence variants.
type EvidenceKind string

const (
	EvidencePhoto       EvidenceKind = "photo"
	EvidenceDocument    EvidenceKind = "document"
	EvidenceDescription EvidenceKind = "description"
)

// Evidence is a tagged attachment on a milestone or release request.
// Kind decides which fields are meaningful: URL+Caption for photo/document,
// Text for description.
type Evidence struct {
	Kind    EvidenceKind `json:"kind"`
	URL     string       `json:"url,omitempty"`
	Caption string       `json:"caption,omitempty"`
	Text    string       `json:"text,omitempty"`
	AddedBy string       `json:"addedBy,omitempty"`
	AddedAt time.Time    `json:"addedAt"`
}

// ReleaseConditions is the immutable release policy decided at creation.
type ReleaseConditions struct {
	RequiresLandlordApproval       bool `json:"requiresLandlordApproval"`
	RequiresContractorConfirmation bool `json:"requiresContractorConfirmation"`
	AutoReleaseAfterDays           int  `json:"autoReleaseAfterDays"`
	MilestoneBasedRelease          bool `json:"milestoneBasedRelease"`
}

// Milestone is a partial-completion checkpoint that releases a percentage of
// the escrowed amount once approved.
type Milestone struct {
	ID               string          `json:"id"`
	Title            string          `json:"title"`
	Description      string          `json:"description,omitempty"`
	AmountCents      int64           `json:"amountCents"`
	Percentage       int             `json:"percentage"`
	Status           MilestoneStatus `json:"status"`
	DueDate          *time.Time      `json:"dueDate,omitempty"`
	ApprovalRequired bool            `json:"approvalRequired"`
	Evidence         []Evidence      `json:"evidence,omitempty"`
	ReleasedAt       *time.Time      `json:"releasedAt,omitempty"`
}

// Account is a held-funds record for one job.
type Account struct {
	ID             string `json:"id"`
	JobID          string `json:"jobId"`
	PropertyID     string `json:"propertyId,omitempty"`
	LandlordID     string `json:"landlordId"`
	LandlordName   string `json:"landlordName,omitempty"`
	ContractorID   string `json:"contractorId"`
	ContractorName string `json:"contractorName,omitempty"`

	AmountCents int64          `json:"amountCents"`
	Fees        fees.Breakdown `json:"fees"` // frozen at creation
	Currency    string         `json:"currency"`

	Status      Status `json:"status"`
	PriorStatus Status `json:"-"` // restored when the dispute overlay clears
	DisputeID   string `json:"disputeId,omitempty"`

	HoldStartDate     *time.Time        `json:"holdStartDate,omitempty"`
	ReleaseConditions ReleaseConditions `json:"releaseConditions"`
	Milestones        []Milestone       `json:"milestones,omitempty"`

	ReleasedCents       int64 `json:"releasedCents"`
	RefundedCents       int64 `json:"refundedCents"`
	NetTransferredCents int64 `json:"netTransferredCents"`

	CaptureID string `json:"-"` // processor transaction id from Fund
	PayoutRef string `json:"-"` // contractor's external payout account

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HeldCents returns the funds still held by the account.
// Invariant: released + refunded + held == amount.
func (a *Account) HeldCents() int64 {
	return a.AmountCents - a.ReleasedCents - a.RefundedCents
}

// IsTerminal returns true if the account is in a final state.
func (a *Account) IsTerminal() bool {
	switch a.Status {
	case StatusReleased, StatusRefunded, StatusCancelled:
		return true
	}
	return false
}

// Milestone returns the milestone with the given id.
func (a *Account) Milestone(id string) *Milestone {
	for i := range a.Milestones {
		if a.Milestones[i].ID == id {
			return &a.Milestones[i]
		}
	}
	return nil
}

// Store persists escrow accounts with optimistic concurrency.
type Store interface {
	Create(ctx context.Context, acct *Account) error
	Get(ctx context.Context, id string) (*Account, error)
	// Update is a conditional write keyed on Version. It fails with
	// ErrVersionConflict when another writer got there first, and increments
	// Version on success.
	Update(ctx context.Context, acct *Account) error
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Account, error)
	// ListAutoReleasable returns funded/partially_released accounts whose
	// auto-release hold window has fully elapsed at the given instant and
	// whose policy does not require landlord approval.
	ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Account, error)
}

// Notifier receives fire-and-forget lifecycle events.
type Notifier interface {
	Emit(ctx context.Context, eventType string, payload map[string]any)
}

// CreateAccountRequest contains the parameters for creating an account.
type CreateAccountRequest struct {
	JobID          string            `json:"jobId" binding:"required"`
	PropertyID     string            `json:"propertyId"`
	LandlordID     string            `json:"landlordId" binding:"required"`
	LandlordName   string            `json:"landlordName"`
	ContractorID   string            `json:"contractorId" binding:"required"`
	ContractorName string            `json:"contractorName"`
	AmountCents    int64             `json:"amountCents" binding:"required"`
	PayoutRef      string            `json:"payoutRef"`
	Conditions     ReleaseConditions `json:"releaseConditions"`
	Milestones     []MilestoneInput  `json:"milestones"`
}

// MilestoneInput describes one milestone at account creation.
type MilestoneInput struct {
	Title            string     `json:"title" binding:"required"`
	Description      string     `json:"description"`
	Percentage       int        `json:"percentage" binding:"required"`
	DueDate          *time.Time `json:"dueDate"`
	ApprovalRequired bool       `json:"approvalRequired"`
}

// MilestonePatch mutates a milestone's work state.
type MilestonePatch struct {
	Status   MilestoneStatus `json:"status,omitempty"`
	Evidence []Evidence      `json:"evidence,omitempty"`
}

// Service implements the escrow ledger.
type Service struct {
	store     Store
	processor payments.Processor
	clk       clock.Clock
	schedule  fees.Schedule
	currency  string
	notifier  Notifier
	logger    *slog.Logger
	locks     syncutil.ShardedMutex // per-account locks to serialize state transitions
}

// NewService creates a new escrow ledger service.
func NewService(store Store, processor payments.Processor, clk clock.Clock) *Service {
	return &Service{
		store:     store,
		processor: processor,
		clk:       clk,
		schedule:  fees.DefaultSchedule(),
		currency:  "usd",
		logger:    slog.Default(),
	}
}

// WithLogger sets a structured logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// WithNotifier adds a lifecycle event sink.
func (s *Service) WithNotifier(n Notifier) *Service {
	s.notifier = n
	return s
}

// WithSchedule overrides the default fee schedule.
func (s *Service) WithSchedule(sched fees.Schedule) *Service {
	s.schedule = sched
	return s
}

// WithCurrency overrides the default currency.
func (s *Service) WithCurrency(currency string) *Service {
	s.currency = currency
	return s
}

func (s *Service) emit(ctx context.Context, eventType string, payload map[string]any) {
	if s.notifier != nil {
		s.notifier.Emit(ctx, eventType, payload)
	}
}

// CreateAccount validates the request, freezes the fee breakdown, and stores a
// new account in status created. No money moves.
func (s *Service) CreateAccount(ctx context.Context, req CreateAccountRequest) (*Account, error) {
	if req.AmountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if req.LandlordID == "" || req.ContractorID == "" {
		return nil, ErrMissingParty
	}
	if req.LandlordID == req.ContractorID {
		return nil, ErrSameParty
	}

	breakdown, err := s.schedule.Calculate(req.AmountCents)
	if err != nil {
		return nil, err
	}

	now := s.clk.Now()
	acct := &Account{
		ID:                idgen.WithPrefix("acc_"),
		JobID:             req.JobID,
		PropertyID:        req.PropertyID,
		LandlordID:        req.LandlordID,
		LandlordName:      req.LandlordName,
		ContractorID:      req.ContractorID,
		ContractorName:    req.ContractorName,
		AmountCents:       req.AmountCents,
		Fees:              breakdown,
		Currency:          s.currency,
		Status:            StatusCreated,
		PayoutRef:         req.PayoutRef,
		ReleaseConditions: req.Conditions,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	if req.Conditions.MilestoneBasedRelease {
		milestones, err := buildMilestones(req.AmountCents, req.Milestones)
		if err != nil {
			return nil, err
		}
		acct.Milestones = milestones
	} else if len(req.Milestones) > 0 {
		return nil, fmt.Errorf("%w: milestones given but milestoneBasedRelease is false", ErrBadMilestoneSplit)
	}

	if err := s.store.Create(ctx, acct); err != nil {
		return nil, fmt.Errorf("failed to create escrow account: %w", err)
	}

	s.emit(ctx, "escrow.created", map[string]any{
		"accountId": acct.ID, "jobId": acct.JobID, "amountCents": acct.AmountCents,
	})
	return acct, nil
}

// buildMilestones converts milestone inputs into milestones with amounts.
// Percentages must sum to exactly 100; rounding dust lands on the last one so
// milestone amounts always sum to the account total.
func buildMilestones(amountCents int64, inputs []MilestoneInput) ([]Milestone, error) {
	if len(inputs) == 0 {
		return nil, fmt.Errorf("%w: milestone-based release needs at least one milestone", ErrBadMilestoneSplit)
	}
	total := 0
	for _, in := range inputs {
		if in.Percentage <= 0 {
			return nil, fmt.Errorf("%w: percentage must be positive", ErrBadMilestoneSplit)
		}
		total += in.Percentage
	}
	if total != 100 {
		return nil, ErrBadMilestoneSplit
	}

	milestones := make([]Milestone, len(inputs))
	var allocated int64
	for i, in := range inputs {
		amt := amountCents * int64(in.Percentage) / 100
		if i == len(inputs)-1 {
			amt = amountCents - allocated
		}
		allocated += amt
		milestones[i] = Milestone{
			ID:               idgen.WithPrefix("mst_"),
			Title:            in.Title,
			Description:      in.Description,
			AmountCents:      amt,
			Percentage:       in.Percentage,
			Status:           MilestonePending,
			DueDate:          in.DueDate,
			ApprovalRequired: in.ApprovalRequired,
		}
	}
	return milestones, nil
}

// Fund captures the landlord's payment and starts the hold clock.
// On processor failure the account stays in created, untouched.
func (s *Service) Fund(ctx context.Context, id, paymentRef string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Fund", traces.AccountID(id))
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if acct.Status != StatusCreated {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, acct.Status)
	}

	captureID, err := s.processor.Capture(ctx, acct.AmountCents, acct.Currency, paymentRef, "cap:"+acct.ID)
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("fund", "failure").Inc()
		return nil, err
	}

	now := s.clk.Now()
	acct.Status = StatusFunded
	acct.HoldStartDate = &now
	acct.CaptureID = captureID
	acct.UpdatedAt = now

	if err := s.store.Update(ctx, acct); err != nil {
		// Funds captured but the record still says created. Retry once before
		// surfacing; a stuck capture needs operator attention, not a blind refund.
		if retryErr := s.store.Update(ctx, acct); retryErr != nil {
			s.logger.Error("CRITICAL: payment captured but funding update failed",
				"account_id", acct.ID, "capture_id", captureID, "error", retryErr)
			return nil, fmt.Errorf("failed to persist funded state (requires manual resolution): %w", retryErr)
		}
	}

	metrics.EscrowOperationsTotal.WithLabelValues("fund", "success").Inc()
	metrics.EscrowHeldCents.Add(float64(acct.AmountCents))

	s.emit(ctx, "escrow.funded", map[string]any{
		"accountId": acct.ID, "amountCents": acct.AmountCents, "captureId": captureID,
	})
	return acct, nil
}

// UpdateMilestone transitions a milestone's work state or appends evidence.
// Only the contractor moves milestones forward; no money moves here.
func (s *Service) UpdateMilestone(ctx context.Context, id, milestoneID, actorID string, role Role, patch MilestonePatch) (*Account, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if acct.Status == StatusDisputed {
		return nil, ErrAccountLocked
	}

	m := acct.Milestone(milestoneID)
	if m == nil {
		return nil, ErrMilestoneNotFound
	}

	if patch.Status != "" && patch.Status != m.Status {
		if role != RoleContractor {
			return nil, fmt.Errorf("escrow: only the contractor may move milestone status")
		}
		if !validMilestoneTransition(m.Status, patch.Status) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrMilestoneTransition, m.Status, patch.Status)
		}
		m.Status = patch.Status
	}

	now := s.clk.Now()
	for _, ev := range patch.Evidence {
		ev.AddedBy = actorID
		ev.AddedAt = now
		m.Evidence = append(m.Evidence, ev)
	}
	acct.UpdatedAt = now

	if err := s.store.Update(ctx, acct); err != nil {
		return nil, err
	}

	if patch.Status == MilestoneCompleted {
		s.emit(ctx, "milestone.completed", map[string]any{
			"accountId": acct.ID, "milestoneId": m.ID, "amountCents": m.AmountCents,
		})
	}
	return acct, nil
}

func validMilestoneTransition(from, to MilestoneStatus) bool {
	switch from {
	case MilestonePending:
		return to == MilestoneInProgress || to == MilestoneCompleted
	case MilestoneInProgress:
		return to == MilestoneCompleted
	}
	return false
}

// Release moves held funds to the contractor. requestID identifies the approved
// release request and anchors the transfer's idempotency key.
//
// The transfer amount is the gross amount minus the proportional share of the
// frozen fees; the final release pays out whatever remains of the net so the
// contractor receives exactly Fees.NetToContractorCents across all releases.
// Account state is written only after the transfer succeeds.
func (s *Service) Release(ctx context.Context, id string, amountCents int64, milestoneID, requestID string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Release",
		traces.AccountID(id),
		attribute.Int64("amount_cents", amountCents),
	)
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if acct.Status == StatusDisputed {
		return nil, ErrAccountLocked
	}
	if acct.Status != StatusFunded && acct.Status != StatusPartiallyReleased {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, acct.Status)
	}
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if amountCents > acct.HeldCents() {
		return nil, ErrInsufficientHeld
	}

	var milestone *Milestone
	if milestoneID != "" {
		milestone = acct.Milestone(milestoneID)
		if milestone == nil {
			return nil, ErrMilestoneNotFound
		}
		if milestone.Status != MilestoneCompleted {
			return nil, ErrMilestoneNotCompleted
		}
		if milestone.ReleasedAt != nil {
			return nil, ErrMilestoneReleased
		}
	}

	netAmount := s.transferAmount(acct, amountCents)
	idemKey := fmt.Sprintf("rel:%s:%s", acct.ID, requestID)
	transferID, err := s.processor.Transfer(ctx, netAmount, acct.Currency, acct.PayoutRef, idemKey)
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("release", "failure").Inc()
		return nil, err
	}

	now := s.clk.Now()
	acct.ReleasedCents += amountCents
	acct.NetTransferredCents += netAmount
	if milestone != nil {
		milestone.ReleasedAt = &now
	}
	if acct.HeldCents() == 0 {
		acct.Status = StatusReleased
	} else {
		acct.Status = StatusPartiallyReleased
	}
	acct.UpdatedAt = now

	if err := s.store.Update(ctx, acct); err != nil {
		// Retry once; funds already moved, we must persist the state change.
		if retryErr := s.store.Update(ctx, acct); retryErr != nil {
			s.logger.Error("CRITICAL: funds transferred but release update failed",
				"account_id", acct.ID, "transfer_id", transferID, "amount_cents", amountCents, "error", retryErr)
			return nil, fmt.Errorf("failed to persist release (requires manual resolution): %w", retryErr)
		}
	}

	metrics.EscrowOperationsTotal.WithLabelValues("release", "success").Inc()
	metrics.EscrowHeldCents.Sub(float64(amountCents))
	if acct.Status == StatusReleased && acct.HoldStartDate != nil {
		metrics.EscrowDuration.Observe(now.Sub(*acct.HoldStartDate).Seconds())
	}

	s.emit(ctx, "escrow.released", map[string]any{
		"accountId": acct.ID, "amountCents": amountCents, "netCents": netAmount,
		"transferId": transferID, "status": string(acct.Status),
	})
	return acct, nil
}

// transferAmount converts a gross release amount into the contractor's net
// share of the frozen fee breakdown. The last release absorbs rounding dust.
func (s *Service) transferAmount(acct *Account, amountCents int64) int64 {
	net := amountCents * acct.Fees.NetToContractorCents / acct.AmountCents
	if amountCents == acct.HeldCents() && acct.RefundedCents == 0 {
		// Final release with no refunds: pay out the exact remaining net so
		// rounding never shorts the contractor.
		net = acct.Fees.NetToContractorCents - acct.NetTransferredCents
	}
	if net < 0 {
		net = 0
	}
	return net
}

// Refund returns held funds to the landlord. Valid from funded,
// partially_released, or disputed (dispute resolutions refund through here).
func (s *Service) Refund(ctx context.Context, id string, amountCents int64, reason string) (*Account, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Refund",
		traces.AccountID(id),
		attribute.Int64("amount_cents", amountCents),
	)
	defer span.End()

	unlock := s.locks.Lock(id)
	defer unlock()

	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	switch acct.Status {
	case StatusFunded, StatusPartiallyReleased, StatusDisputed:
	default:
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, acct.Status)
	}
	if amountCents <= 0 {
		return nil, ErrInvalidAmount
	}
	if amountCents > acct.HeldCents() {
		return nil, ErrInsufficientHeld
	}

	idemKey := fmt.Sprintf("ref:%s:%d", acct.ID, acct.RefundedCents)
	refundID, err := s.processor.Refund(ctx, amountCents, acct.CaptureID, idemKey)
	if err != nil {
		metrics.EscrowOperationsTotal.WithLabelValues("refund", "failure").Inc()
		return nil, err
	}

	now := s.clk.Now()
	acct.RefundedCents += amountCents
	if acct.HeldCents() == 0 {
		acct.Status = StatusRefunded
		acct.PriorStatus = ""
		acct.DisputeID = ""
	}
	acct.UpdatedAt = now

	if err := s.store.Update(ctx, acct); err != nil {
		if retryErr := s.store.Update(ctx, acct); retryErr != nil {
			s.logger.Error("CRITICAL: refund issued but account update failed",
				"account_id", acct.ID, "refund_id", refundID, "amount_cents", amountCents, "error", retryErr)
			return nil, fmt.Errorf("failed to persist refund (requires manual resolution): %w", retryErr)
		}
	}

	metrics.EscrowOperationsTotal.WithLabelValues("refund", "success").Inc()
	metrics.EscrowHeldCents.Sub(float64(amountCents))

	s.emit(ctx, "escrow.refunded", map[string]any{
		"accountId": acct.ID, "amountCents": amountCents, "refundId": refundID, "reason": reason,
	})
	return acct, nil
}

// Cancel voids an account before any payment was captured.
func (s *Service) Cancel(ctx context.Context, id, reason string) (*Account, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if acct.Status != StatusCreated {
		return nil, fmt.Errorf("%w: status is %s, only unfunded accounts cancel", ErrInvalidStatus, acct.Status)
	}

	acct.Status = StatusCancelled
	acct.UpdatedAt = s.clk.Now()

	if err := s.store.Update(ctx, acct); err != nil {
		return nil, err
	}

	s.emit(ctx, "escrow.cancelled", map[string]any{"accountId": acct.ID, "reason": reason})
	return acct, nil
}

// MarkDisputed applies the dispute overlay. While disputed, Release and Refund
// (except dispute-driven refunds) and new release requests are rejected.
func (s *Service) MarkDisputed(ctx context.Context, id, disputeID string) (*Account, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if acct.Status == StatusDisputed {
		if acct.DisputeID == disputeID {
			return acct, nil // idempotent
		}
		return nil, fmt.Errorf("%w: already disputed by %s", ErrInvalidStatus, acct.DisputeID)
	}

	switch acct.Status {
	case StatusFunded, StatusPartiallyReleased, StatusReleased:
	default:
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, acct.Status)
	}

	acct.PriorStatus = acct.Status
	acct.Status = StatusDisputed
	acct.DisputeID = disputeID
	acct.UpdatedAt = s.clk.Now()

	if err := s.store.Update(ctx, acct); err != nil {
		return nil, err
	}

	s.emit(ctx, "escrow.disputed", map[string]any{"accountId": acct.ID, "disputeId": disputeID})
	return acct, nil
}

// ClearDisputed removes the dispute overlay and restores the prior status.
func (s *Service) ClearDisputed(ctx context.Context, id string) (*Account, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	acct, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if acct.Status != StatusDisputed {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, acct.Status)
	}

	prior := acct.PriorStatus
	if prior == "" {
		prior = StatusFunded
	}
	acct.Status = prior
	acct.PriorStatus = ""
	acct.DisputeID = ""
	acct.UpdatedAt = s.clk.Now()

	if err := s.store.Update(ctx, acct); err != nil {
		return nil, err
	}

	s.emit(ctx, "escrow.dispute_cleared", map[string]any{"accountId": acct.ID})
	return acct, nil
}

// Get returns an account by ID.
func (s *Service) Get(ctx context.Context, id string) (*Account, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns accounts where the party is landlord or contractor.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int) ([]*Account, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyID, limit)
}

// ListAutoReleasable exposes sweep candidates to the release workflow.
func (s *Service) ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*Account, error) {
	return s.store.ListAutoReleasable(ctx, now, limit)
}
