// Package release owns the approval workflow that gates escrow fund movement.
//
// Flow:
//  1. One party proposes a release (full or per-milestone) → request pending
//  2. The counter-party approves or rejects; self-approval is refused
//  3. On approval the ledger's Release runs inline; failure keeps the request pending
//  4. Unanswered requests auto-approve at automaticReleaseAt when policy allows
//  5. The sweeper synthesizes system requests for accounts past their hold window
//
// At most one pending request exists per account at any time; the store
// enforces that atomically, which also serializes concurrent sweepers.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tradesafe/tradesafe/internal/clock"
	"github.com/tradesafe/tradesafe/internal/escrow"
	"github.com/tradesafe/tradesafe/internal/idgen"
	"github.com/tradesafe/tradesafe/internal/metrics"
	"github.com/tradesafe/tradesafe/internal/traces"
)

var (
	ErrRequestNotFound  = errors.New("release: request not found")
	ErrPendingExists    = errors.New("release: account already has a pending request")
	ErrSelfApproval     = errors.New("release: requester cannot approve their own request")
	ErrInvalidStatus    = errors.New("release: request is not pending")
	ErrBadRole          = errors.New("release: role must be landlord or contractor")
	ErrBadDecision      = errors.New("release: decision must be approve or reject")
	ErrMilestoneNeeded  = errors.New("release: milestone requests need a milestoneId")
	ErrNothingToRelease = errors.New("release: no releasable funds or milestone")
)

// RequestType distinguishes full releases from per-milestone ones.
type RequestType string

const (
	TypeFullRelease RequestType = "full_release"
	TypeMilestone   RequestType = "milestone"
)

// RequestStatus represents the state of a release request.
type RequestStatus string

const (
	StatusPending  RequestStatus = "pending"
	StatusApproved RequestStatus = "approved"
	StatusRejected RequestStatus = "rejected"
	StatusExpired  RequestStatus = "expired"
)

// Decision is a party's answer to a pending request.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// Request is a proposal to move some or all of an account's held funds.
type Request struct {
	ID              string            `json:"id"`
	EscrowAccountID string            `json:"escrowAccountId"`
	RequestedBy     string            `json:"requestedBy"`
	RequestedByRole escrow.Role       `json:"requestedByRole"`
	Type            RequestType       `json:"type"`
	AmountCents     int64             `json:"amountCents"`
	MilestoneID     string            `json:"milestoneId,omitempty"`
	Reason          string            `json:"reason,omitempty"`
	Evidence        []escrow.Evidence `json:"evidence,omitempty"`
	Status          RequestStatus     `json:"status"`
	Approvals       map[string]string `json:"approvals,omitempty"` // role -> decision
	Note            string            `json:"note,omitempty"`
	// AutomaticReleaseAt is the advisory deadline after which the request
	// auto-approves; evaluated by the sweeper, never by an internal timer.
	AutomaticReleaseAt *time.Time `json:"automaticReleaseAt,omitempty"`
	ResolvedAt         *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`
}

// Store persists release requests.
type Store interface {
	// CreatePending stores a new pending request, failing with
	// ErrPendingExists when the account already has one. The check and the
	// insert are a single atomic operation.
	CreatePending(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	Update(ctx context.Context, req *Request) error
	GetPendingByAccount(ctx context.Context, accountID string) (*Request, error)
	ListByAccount(ctx context.Context, accountID string, limit int) ([]*Request, error)
	// ListAutoApprovable returns pending requests whose automaticReleaseAt
	// deadline has passed.
	ListAutoApprovable(ctx context.Context, before time.Time, limit int) ([]*Request, error)
}

// Ledger is the slice of the escrow service the workflow needs.
type Ledger interface {
	Get(ctx context.Context, id string) (*escrow.Account, error)
	Release(ctx context.Context, id string, amountCents int64, milestoneID, requestID string) (*escrow.Account, error)
	ListAutoReleasable(ctx context.Context, now time.Time, limit int) ([]*escrow.Account, error)
}

// Notifier receives fire-and-forget lifecycle events.
type Notifier interface {
	Emit(ctx context.Context, eventType string, payload map[string]any)
}

// CreateRequestInput contains the parameters for proposing a release.
type CreateRequestInput struct {
	AccountID   string            `json:"accountId" binding:"required"`
	RequestedBy string            `json:"requestedBy"`
	Role        escrow.Role       `json:"role"`
	Type        RequestType       `json:"type" binding:"required"`
	AmountCents int64             `json:"amountCents"`
	MilestoneID string            `json:"milestoneId"`
	Reason      string            `json:"reason"`
	Evidence    []escrow.Evidence `json:"evidence"`
}

// Service implements the release workflow.
type Service struct {
	store    Store
	ledger   Ledger
	clk      clock.Clock
	grace    time.Duration
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates a new release workflow service.
func NewService(store Store, ledger Ledger, clk clock.Clock, grace time.Duration) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		clk:    clk,
		grace:  grace,
		logger: slog.Default(),
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

func (s *Service) emit(ctx context.Context, eventType string, payload map[string]any) {
	if s.notifier != nil {
		s.notifier.Emit(ctx, eventType, payload)
	}
}

// CreateRequest proposes a release against an account. Exactly one pending
// request may exist per account; a second attempt fails with ErrPendingExists.
func (s *Service) CreateRequest(ctx context.Context, in CreateRequestInput) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "release.CreateRequest", traces.AccountID(in.AccountID))
	defer span.End()

	switch in.Role {
	case escrow.RoleLandlord, escrow.RoleContractor, escrow.RoleSystem:
	default:
		return nil, ErrBadRole
	}

	acct, err := s.ledger.Get(ctx, in.AccountID)
	if err != nil {
		return nil, err
	}

	if acct.Status == escrow.StatusDisputed {
		return nil, escrow.ErrAccountLocked
	}
	if acct.Status != escrow.StatusFunded && acct.Status != escrow.StatusPartiallyReleased {
		return nil, fmt.Errorf("%w: account status is %s", escrow.ErrInvalidStatus, acct.Status)
	}

	amount := in.AmountCents
	switch in.Type {
	case TypeFullRelease:
		if amount == 0 {
			amount = acct.HeldCents()
		}
	case TypeMilestone:
		if in.MilestoneID == "" {
			return nil, ErrMilestoneNeeded
		}
		m := acct.Milestone(in.MilestoneID)
		if m == nil {
			return nil, escrow.ErrMilestoneNotFound
		}
		if m.Status != escrow.MilestoneCompleted {
			return nil, escrow.ErrMilestoneNotCompleted
		}
		if m.ReleasedAt != nil {
			return nil, escrow.ErrMilestoneReleased
		}
		if amount == 0 {
			amount = m.AmountCents
		}
	default:
		return nil, fmt.Errorf("release: unknown request type %q", in.Type)
	}

	if amount <= 0 || amount > acct.HeldCents() {
		return nil, escrow.ErrInvalidAmount
	}

	now := s.clk.Now()
	evidence := make([]escrow.Evidence, len(in.Evidence))
	for i, ev := range in.Evidence {
		ev.AddedBy = in.RequestedBy
		ev.AddedAt = now
		evidence[i] = ev
	}

	req := &Request{
		ID:              idgen.WithPrefix("rel_"),
		EscrowAccountID: acct.ID,
		RequestedBy:     in.RequestedBy,
		RequestedByRole: in.Role,
		Type:            in.Type,
		AmountCents:     amount,
		MilestoneID:     in.MilestoneID,
		Reason:          in.Reason,
		Evidence:        evidence,
		Status:          StatusPending,
		Approvals:       map[string]string{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	// Accounts that don't demand explicit landlord sign-off still get a grace
	// window before the release happens on its own.
	if !acct.ReleaseConditions.RequiresLandlordApproval && s.grace > 0 {
		at := now.Add(s.grace)
		req.AutomaticReleaseAt = &at
	}

	if err := s.store.CreatePending(ctx, req); err != nil {
		return nil, err
	}

	s.emit(ctx, "release.requested", map[string]any{
		"requestId": req.ID, "accountId": acct.ID, "amountCents": amount,
		"type": string(in.Type), "requestedByRole": string(in.Role),
	})
	return req, nil
}

// Respond records the counter-party's decision. Approval triggers the ledger
// release inline; if that fails the request stays pending and the error is
// surfaced, never swallowed.
func (s *Service) Respond(ctx context.Context, requestID, actorID string, actorRole escrow.Role, decision Decision, note string) (*Request, error) {
	ctx, span := traces.StartSpan(ctx, "release.Respond", traces.RequestID(requestID))
	defer span.End()

	if actorRole != escrow.RoleLandlord && actorRole != escrow.RoleContractor {
		return nil, ErrBadRole
	}
	if decision != DecisionApprove && decision != DecisionReject {
		return nil, ErrBadDecision
	}

	req, err := s.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, req.Status)
	}
	if actorRole == req.RequestedByRole {
		return nil, ErrSelfApproval
	}

	if decision == DecisionReject {
		now := s.clk.Now()
		req.Status = StatusRejected
		req.Approvals[string(actorRole)] = "rejected"
		req.Note = note
		req.ResolvedAt = &now
		req.UpdatedAt = now
		if err := s.store.Update(ctx, req); err != nil {
			return nil, err
		}
		metrics.ReleasesTotal.WithLabelValues("rejected").Inc()
		s.emit(ctx, "release.rejected", map[string]any{
			"requestId": req.ID, "accountId": req.EscrowAccountID, "by": string(actorRole),
		})
		return req, nil
	}

	return s.approve(ctx, req, string(actorRole), note)
}

// approve moves the money and then marks the request consumed.
func (s *Service) approve(ctx context.Context, req *Request, byRole, note string) (*Request, error) {
	if _, err := s.ledger.Release(ctx, req.EscrowAccountID, req.AmountCents, req.MilestoneID, req.ID); err != nil {
		return nil, err
	}

	now := s.clk.Now()
	req.Status = StatusApproved
	req.Approvals[byRole] = "approved"
	req.Note = note
	req.ResolvedAt = &now
	req.UpdatedAt = now

	if err := s.store.Update(ctx, req); err != nil {
		// Retry once; funds already moved, we must persist the state change.
		if retryErr := s.store.Update(ctx, req); retryErr != nil {
			s.logger.Error("CRITICAL: funds released but request update failed",
				"request_id", req.ID, "account_id", req.EscrowAccountID, "error", retryErr)
			return nil, fmt.Errorf("failed to persist approval (requires manual resolution): %w", retryErr)
		}
	}

	if byRole == string(escrow.RoleSystem) {
		metrics.ReleasesTotal.WithLabelValues("auto").Inc()
	} else {
		metrics.ReleasesTotal.WithLabelValues("approved").Inc()
	}
	s.emit(ctx, "release.approved", map[string]any{
		"requestId": req.ID, "accountId": req.EscrowAccountID,
		"amountCents": req.AmountCents, "by": byRole,
	})
	return req, nil
}

// Get returns a request by ID.
func (s *Service) Get(ctx context.Context, id string) (*Request, error) {
	return s.store.Get(ctx, id)
}

// ListByAccount returns an account's request history.
func (s *Service) ListByAccount(ctx context.Context, accountID string, limit int) ([]*Request, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByAccount(ctx, accountID, limit)
}
