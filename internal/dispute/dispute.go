// Package dispute implements formal disagreements between escrow parties.
//
// Flow:
//  1. Either party opens a dispute → referenced escrow account is locked
//  2. Both sides exchange messages and evidence (append-only, timestamped)
//  3. Either party may request mediation; settlement offers go back and forth
//  4. An accepted offer (or a direct resolution) resolves the dispute,
//     unlocks the account, and performs any agreed fund movement
//  5. Unresolvable disputes escalate to external arbitration
//
// The dispute record never shrinks: evidence, messages, and the timeline are
// append-only, and a written resolution freezes the dispute for good.
package dispute

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
	"github.com/tradesafe/tradesafe/internal/syncutil"
	"github.com/tradesafe/tradesafe/internal/traces"
)

var (
	ErrDisputeNotFound = errors.New("dispute: not found")
	ErrOfferNotFound   = errors.New("dispute: offer not found")
	ErrInvalidStatus   = errors.New("dispute: invalid status for this operation")
	ErrSameParty       = errors.New("dispute: initiator and respondent must differ")
	ErrEmptyTitle      = errors.New("dispute: title is required")
	ErrUnknownType     = errors.New("dispute: unrecognized dispute type")
	ErrSelfResponse    = errors.New("dispute: cannot respond to your own offer")
	ErrOfferExpired    = errors.New("dispute: offer has expired")
	ErrOfferMismatch   = errors.New("dispute: offer does not belong to this dispute")
	ErrBadOffer        = errors.New("dispute: offer terms are incomplete")
	ErrVersionConflict = errors.New("dispute: concurrent update, retry")
)

// Type categorizes what the dispute is about.
type Type string

const (
	TypeJobQuality Type = "job_quality"
	TypePayment    Type = "payment"
	TypeOther      Type = "other"
)

// Status represents the state of a dispute.
type Status string

const (
	StatusOpen        Status = "open"
	StatusInMediation Status = "in_mediation"
	StatusResolved    Status = "resolved"
	StatusEscalated   Status = "escalated" // handed to external arbitration
	StatusClosed      Status = "closed"
)

// Priority orders the mediation queue.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// TimelineEvent is one immutable audit entry.
type TimelineEvent struct {
	At     time.Time `json:"at"`
	Actor  string    `json:"actor"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
}

// Message is one communication between the parties.
type Message struct {
	ID         string      `json:"id"`
	AuthorID   string      `json:"authorId"`
	AuthorRole escrow.Role `json:"authorRole"`
	Body       string      `json:"body"`
	SentAt     time.Time   `json:"sentAt"`
}

// Dispute is a formal disagreement between the two escrow parties.
type Dispute struct {
	ID       string   `json:"id"`
	Type     Type     `json:"type"`
	Status   Status   `json:"status"`
	Priority Priority `json:"priority"`

	InitiatedBy    string      `json:"initiatedBy"`
	InitiatorRole  escrow.Role `json:"initiatorRole"`
	InitiatorName  string      `json:"initiatorName,omitempty"`
	RespondentID   string      `json:"respondentId"`
	RespondentRole escrow.Role `json:"respondentRole"`
	RespondentName string      `json:"respondentName,omitempty"`

	JobID           string `json:"jobId,omitempty"`
	EscrowAccountID string `json:"escrowAccountId,omitempty"`

	Title                string `json:"title"`
	Description          string `json:"description,omitempty"`
	Category             string `json:"category,omitempty"`
	AmountInDisputeCents int64  `json:"amountInDisputeCents,omitempty"`
	DesiredOutcome       string `json:"desiredOutcome,omitempty"`

	Evidence       []escrow.Evidence `json:"evidence,omitempty"`
	Timeline       []TimelineEvent   `json:"timeline"`
	Communications []Message         `json:"communications,omitempty"`
	Tags           []string          `json:"tags,omitempty"`

	IsEscalated bool        `json:"isEscalated"`
	AutoCloseAt *time.Time  `json:"autoCloseAt,omitempty"`
	Resolution  *Resolution `json:"resolution,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsTerminal returns true once no further negotiation may happen.
func (d *Dispute) IsTerminal() bool {
	switch d.Status {
	case StatusResolved, StatusEscalated, StatusClosed:
		return true
	}
	return false
}

// OfferType enumerates the settlement paths a party can propose.
type OfferType string

const (
	OfferWorkCompletion OfferType = "work_completion"
	OfferRefund         OfferType = "refund"
	OfferPartialRefund  OfferType = "partial_refund"
	OfferOther          OfferType = "other"
)

// OfferStatus represents the state of a settlement offer.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferAccepted OfferStatus = "accepted"
	OfferRejected OfferStatus = "rejected"
	OfferExpired  OfferStatus = "expired"
)

// WorkOffer describes a proposal to finish or redo work.
type WorkOffer struct {
	Description  string `json:"description"`
	TimelineDays int    `json:"timelineDays,omitempty"`
	Materials    string `json:"materials,omitempty"`
	NoCharge     bool   `json:"noCharge"`
}

// Offer is a structured settlement proposal from one party to the other.
type Offer struct {
	ID            string      `json:"id"`
	DisputeID     string      `json:"disputeId"`
	OfferedBy     string      `json:"offeredBy"`
	OfferedByRole escrow.Role `json:"offeredByRole"`
	OfferedByName string      `json:"offeredByName,omitempty"`
	OfferType     OfferType   `json:"offerType"`
	WorkOffer     *WorkOffer  `json:"workOffer,omitempty"`
	RefundCents   int64       `json:"refundCents,omitempty"`
	Conditions    []string    `json:"conditions,omitempty"`
	ExpiresAt     *time.Time  `json:"expiresAt,omitempty"`
	Status        OfferStatus `json:"status"`
	Note          string      `json:"note,omitempty"`
	RespondedAt   *time.Time  `json:"respondedAt,omitempty"`
	CreatedAt     time.Time   `json:"createdAt"`
	UpdatedAt     time.Time   `json:"updatedAt"`
}

// ResolutionType records how the dispute ended.
type ResolutionType string

const (
	ResolutionSettlement  ResolutionType = "settlement"
	ResolutionArbitration ResolutionType = "arbitration"
	ResolutionWithdrawal  ResolutionType = "withdrawal"
)

// AgreedBy records which parties consented to the resolution.
type AgreedBy struct {
	Landlord   bool `json:"landlord"`
	Contractor bool `json:"contractor"`
}

// Resolution is the binding terminal artifact of a dispute.
type Resolution struct {
	Type                ResolutionType `json:"type"`
	Outcome             string         `json:"outcome"`
	WorkAdjustment      string         `json:"workAdjustment,omitempty"`
	AgreedBy            AgreedBy       `json:"agreedBy"`
	Binding             bool           `json:"binding"`
	EnforcementDeadline *time.Time     `json:"enforcementDeadline,omitempty"`
	Notes               string         `json:"notes,omitempty"`
	RefundCents         int64          `json:"refundCents,omitempty"`
	ResolvedBy          string         `json:"resolvedBy,omitempty"`
	ResolvedAt          time.Time      `json:"resolvedAt"`
}

// Store persists disputes and settlement offers.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	// Update is a conditional write keyed on Version.
	Update(ctx context.Context, d *Dispute) error
	ListByParty(ctx context.Context, partyID string, limit int) ([]*Dispute, error)

	CreateOffer(ctx context.Context, o *Offer) error
	GetOffer(ctx context.Context, id string) (*Offer, error)
	UpdateOffer(ctx context.Context, o *Offer) error
	ListOffersByDispute(ctx context.Context, disputeID string, limit int) ([]*Offer, error)
}

// Ledger is the slice of the escrow service the dispute engine needs.
type Ledger interface {
	MarkDisputed(ctx context.Context, id, disputeID string) (*escrow.Account, error)
	ClearDisputed(ctx context.Context, id string) (*escrow.Account, error)
	Refund(ctx context.Context, id string, amountCents int64, reason string) (*escrow.Account, error)
}

// Notifier receives fire-and-forget lifecycle events.
type Notifier interface {
	Emit(ctx context.Context, eventType string, payload map[string]any)
}

// CreateDisputeInput contains the parameters for opening a dispute.
type CreateDisputeInput struct {
	Type                 Type        `json:"type" binding:"required"`
	Priority             Priority    `json:"priority"`
	InitiatedBy          string      `json:"initiatedBy"`
	InitiatorRole        escrow.Role `json:"initiatorRole"`
	InitiatorName        string      `json:"initiatorName"`
	RespondentID         string      `json:"respondentId" binding:"required"`
	RespondentRole       escrow.Role `json:"respondentRole"`
	RespondentName       string      `json:"respondentName"`
	JobID                string      `json:"jobId"`
	EscrowAccountID      string      `json:"escrowAccountId"`
	Title                string      `json:"title" binding:"required"`
	Description          string      `json:"description"`
	Category             string      `json:"category"`
	AmountInDisputeCents int64       `json:"amountInDisputeCents"`
	DesiredOutcome       string      `json:"desiredOutcome"`
	Tags                 []string    `json:"tags"`
}

// CreateOfferInput contains the parameters for a settlement offer.
type CreateOfferInput struct {
	DisputeID     string      `json:"disputeId" binding:"required"`
	OfferedBy     string      `json:"offeredBy"`
	OfferedByRole escrow.Role `json:"offeredByRole"`
	OfferedByName string      `json:"offeredByName"`
	OfferType     OfferType   `json:"offerType" binding:"required"`
	WorkOffer     *WorkOffer  `json:"workOffer"`
	RefundCents   int64       `json:"refundCents"`
	Conditions    []string    `json:"conditions"`
	ExpiresAt     *time.Time  `json:"expiresAt"`
	Note          string      `json:"note"`
}

// Service implements the dispute and mediation engine.
type Service struct {
	store    Store
	ledger   Ledger
	clk      clock.Clock
	notifier Notifier
	logger   *slog.Logger
	locks    syncutil.ShardedMutex // per-dispute locks; dispute lock is always taken before escrow locks
}

// NewService creates a new dispute service.
func NewService(store Store, ledger Ledger, clk clock.Clock) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		clk:    clk,
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

func validType(t Type) bool {
	switch t {
	case TypeJobQuality, TypePayment, TypeOther:
		return true
	}
	return false
}

// CreateDispute opens a dispute and locks the referenced escrow account.
func (s *Service) CreateDispute(ctx context.Context, in CreateDisputeInput) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Create", traces.AccountID(in.EscrowAccountID))
	defer span.End()

	if in.Title == "" {
		return nil, ErrEmptyTitle
	}
	if !validType(in.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, in.Type)
	}
	if in.InitiatedBy == "" || in.InitiatedBy == in.RespondentID {
		return nil, ErrSameParty
	}

	now := s.clk.Now()
	priority := in.Priority
	if priority == "" {
		priority = PriorityNormal
	}

	d := &Dispute{
		ID:                   idgen.WithPrefix("dsp_"),
		Type:                 in.Type,
		Status:               StatusOpen,
		Priority:             priority,
		InitiatedBy:          in.InitiatedBy,
		InitiatorRole:        in.InitiatorRole,
		InitiatorName:        in.InitiatorName,
		RespondentID:         in.RespondentID,
		RespondentRole:       in.RespondentRole,
		RespondentName:       in.RespondentName,
		JobID:                in.JobID,
		EscrowAccountID:      in.EscrowAccountID,
		Title:                in.Title,
		Description:          in.Description,
		Category:             in.Category,
		AmountInDisputeCents: in.AmountInDisputeCents,
		DesiredOutcome:       in.DesiredOutcome,
		Tags:                 in.Tags,
		Timeline: []TimelineEvent{{
			At: now, Actor: in.InitiatedBy, Action: "dispute_opened", Detail: in.Title,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}

	// Lock the escrow account first: if the account can't be locked (wrong
	// state, unknown id), the dispute must not exist either.
	if d.EscrowAccountID != "" {
		if _, err := s.ledger.MarkDisputed(ctx, d.EscrowAccountID, d.ID); err != nil {
			return nil, fmt.Errorf("failed to lock escrow account: %w", err)
		}
	}

	if err := s.store.Create(ctx, d); err != nil {
		if d.EscrowAccountID != "" {
			// Best-effort unlock if the record could not be stored.
			if _, clearErr := s.ledger.ClearDisputed(ctx, d.EscrowAccountID); clearErr != nil {
				s.logger.Error("CRITICAL: escrow locked but dispute create failed and unlock failed",
					"dispute_id", d.ID, "account_id", d.EscrowAccountID, "error", clearErr)
			}
		}
		return nil, fmt.Errorf("failed to create dispute: %w", err)
	}

	metrics.DisputesTotal.WithLabelValues("opened").Inc()
	s.emit(ctx, "dispute.opened", map[string]any{
		"disputeId": d.ID, "accountId": d.EscrowAccountID, "type": string(d.Type),
		"initiatedBy": d.InitiatedBy,
	})
	return d, nil
}

// AddEvidence appends evidence to a non-terminal dispute.
func (s *Service) AddEvidence(ctx context.Context, disputeID, actorID string, role escrow.Role, ev escrow.Evidence) (*Dispute, error) {
	return s.appendEntry(ctx, disputeID, func(d *Dispute, now time.Time) {
		ev.AddedBy = actorID
		ev.AddedAt = now
		d.Evidence = append(d.Evidence, ev)
		d.Timeline = append(d.Timeline, TimelineEvent{
			At: now, Actor: actorID, Action: "evidence_added", Detail: string(ev.Kind),
		})
	})
}

// AddMessage appends a communication to a non-terminal dispute.
func (s *Service) AddMessage(ctx context.Context, disputeID, actorID string, role escrow.Role, body string) (*Dispute, error) {
	return s.appendEntry(ctx, disputeID, func(d *Dispute, now time.Time) {
		d.Communications = append(d.Communications, Message{
			ID: idgen.WithPrefix("msg_"), AuthorID: actorID, AuthorRole: role,
			Body: body, SentAt: now,
		})
		d.Timeline = append(d.Timeline, TimelineEvent{
			At: now, Actor: actorID, Action: "message_added",
		})
	})
}

func (s *Service) appendEntry(ctx context.Context, disputeID string, apply func(*Dispute, time.Time)) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.IsTerminal() {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, d.Status)
	}

	now := s.clk.Now()
	apply(d, now)
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

// RequestMediation moves a dispute into mediation. Idempotent when already there.
func (s *Service) RequestMediation(ctx context.Context, disputeID, actorID, reason string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}

	if d.Status == StatusInMediation {
		return d, nil
	}
	if d.Status != StatusOpen {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, d.Status)
	}

	now := s.clk.Now()
	d.Status = StatusInMediation
	d.Timeline = append(d.Timeline, TimelineEvent{
		At: now, Actor: actorID, Action: "mediation_requested", Detail: reason,
	})
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.emit(ctx, "dispute.mediation_requested", map[string]any{"disputeId": d.ID, "by": actorID})
	return d, nil
}

// CreateOffer records a settlement proposal. A newer pending offer from the
// same party supersedes any earlier one, which auto-expires.
func (s *Service) CreateOffer(ctx context.Context, in CreateOfferInput) (*Offer, error) {
	unlock := s.locks.Lock(in.DisputeID)
	defer unlock()

	d, err := s.store.Get(ctx, in.DisputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen && d.Status != StatusInMediation {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, d.Status)
	}

	switch in.OfferType {
	case OfferWorkCompletion:
		if in.WorkOffer == nil || in.WorkOffer.Description == "" {
			return nil, fmt.Errorf("%w: work offers need a description", ErrBadOffer)
		}
	case OfferRefund, OfferPartialRefund:
		if in.RefundCents <= 0 {
			return nil, fmt.Errorf("%w: refund offers need a positive amount", ErrBadOffer)
		}
	case OfferOther:
	default:
		return nil, fmt.Errorf("%w: unknown offer type %q", ErrBadOffer, in.OfferType)
	}

	now := s.clk.Now()

	// Void any earlier pending offer from the same party.
	existing, err := s.store.ListOffersByDispute(ctx, d.ID, 100)
	if err != nil {
		return nil, err
	}
	for _, prev := range existing {
		if prev.Status == OfferPending && prev.OfferedBy == in.OfferedBy {
			prev.Status = OfferExpired
			prev.UpdatedAt = now
			if err := s.store.UpdateOffer(ctx, prev); err != nil {
				return nil, fmt.Errorf("failed to supersede offer %s: %w", prev.ID, err)
			}
		}
	}

	o := &Offer{
		ID:            idgen.WithPrefix("off_"),
		DisputeID:     d.ID,
		OfferedBy:     in.OfferedBy,
		OfferedByRole: in.OfferedByRole,
		OfferedByName: in.OfferedByName,
		OfferType:     in.OfferType,
		WorkOffer:     in.WorkOffer,
		RefundCents:   in.RefundCents,
		Conditions:    in.Conditions,
		ExpiresAt:     in.ExpiresAt,
		Status:        OfferPending,
		Note:          in.Note,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := s.store.CreateOffer(ctx, o); err != nil {
		return nil, err
	}

	d.Timeline = append(d.Timeline, TimelineEvent{
		At: now, Actor: in.OfferedBy, Action: "offer_created", Detail: string(in.OfferType),
	})
	d.UpdatedAt = now
	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	s.emit(ctx, "dispute.offer_created", map[string]any{
		"disputeId": d.ID, "offerId": o.ID, "offerType": string(o.OfferType),
	})
	return o, nil
}

// RespondToOffer accepts or rejects a pending settlement offer. Acceptance
// synthesizes a Resolution, resolves the dispute, unlocks the escrow account,
// and performs the agreed fund movement. Rejection leaves the dispute open
// for further negotiation.
func (s *Service) RespondToOffer(ctx context.Context, offerID, disputeID, actorID string, role escrow.Role, accept bool, note string) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.RespondToOffer", traces.DisputeID(disputeID))
	defer span.End()

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen && d.Status != StatusInMediation {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, d.Status)
	}

	o, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if o.DisputeID != d.ID {
		return nil, ErrOfferMismatch
	}
	if o.Status != OfferPending {
		return nil, fmt.Errorf("%w: offer status is %s", ErrInvalidStatus, o.Status)
	}
	if o.OfferedBy == actorID || (role != "" && role == o.OfferedByRole) {
		return nil, ErrSelfResponse
	}

	now := s.clk.Now()

	// Expiry is evaluated on read; there is no background timer for offers.
	if o.ExpiresAt != nil && now.After(*o.ExpiresAt) {
		o.Status = OfferExpired
		o.UpdatedAt = now
		if err := s.store.UpdateOffer(ctx, o); err != nil {
			return nil, err
		}
		return nil, ErrOfferExpired
	}

	if !accept {
		o.Status = OfferRejected
		o.Note = note
		o.RespondedAt = &now
		o.UpdatedAt = now
		if err := s.store.UpdateOffer(ctx, o); err != nil {
			return nil, err
		}
		d.Timeline = append(d.Timeline, TimelineEvent{
			At: now, Actor: actorID, Action: "offer_rejected", Detail: o.ID,
		})
		d.UpdatedAt = now
		if err := s.store.Update(ctx, d); err != nil {
			return nil, err
		}
		s.emit(ctx, "dispute.offer_rejected", map[string]any{"disputeId": d.ID, "offerId": o.ID})
		return d, nil
	}

	o.Status = OfferAccepted
	o.Note = note
	o.RespondedAt = &now
	o.UpdatedAt = now
	if err := s.store.UpdateOffer(ctx, o); err != nil {
		return nil, err
	}

	res := resolutionFromOffer(o, now)
	return s.applyResolution(ctx, d, res, actorID, "offer_accepted")
}

// ResolveDispute is the direct resolution path for outcomes not mediated
// through an offer (e.g. unilateral withdrawal). Same post-conditions as
// offer acceptance.
func (s *Service) ResolveDispute(ctx context.Context, disputeID string, res Resolution, resolvedBy string, role escrow.Role) (*Dispute, error) {
	ctx, span := traces.StartSpan(ctx, "dispute.Resolve", traces.DisputeID(disputeID))
	defer span.End()

	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen && d.Status != StatusInMediation {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, d.Status)
	}

	switch res.Type {
	case ResolutionSettlement, ResolutionArbitration, ResolutionWithdrawal:
	default:
		return nil, fmt.Errorf("dispute: unknown resolution type %q", res.Type)
	}

	now := s.clk.Now()
	res.ResolvedBy = resolvedBy
	res.ResolvedAt = now
	return s.applyResolution(ctx, d, &res, resolvedBy, "dispute_resolved")
}

// applyResolution writes the terminal artifact, then unlocks the escrow
// account and performs any fund movement the resolution specifies. The caller
// holds the dispute lock; escrow locks are taken afterwards by the ledger,
// never the other way round.
func (s *Service) applyResolution(ctx context.Context, d *Dispute, res *Resolution, actorID, action string) (*Dispute, error) {
	now := res.ResolvedAt
	d.Status = StatusResolved
	d.Resolution = res
	d.Timeline = append(d.Timeline, TimelineEvent{
		At: now, Actor: actorID, Action: action, Detail: string(res.Type),
	})
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	if d.EscrowAccountID != "" {
		if _, err := s.ledger.ClearDisputed(ctx, d.EscrowAccountID); err != nil {
			s.logger.Error("CRITICAL: dispute resolved but escrow unlock failed",
				"dispute_id", d.ID, "account_id", d.EscrowAccountID, "error", err)
			return nil, fmt.Errorf("dispute resolved but escrow unlock failed: %w", err)
		}
		if res.RefundCents > 0 {
			if _, err := s.ledger.Refund(ctx, d.EscrowAccountID, res.RefundCents, "dispute settlement "+d.ID); err != nil {
				s.logger.Error("CRITICAL: dispute resolved but settlement refund failed",
					"dispute_id", d.ID, "account_id", d.EscrowAccountID,
					"refund_cents", res.RefundCents, "error", err)
				return nil, fmt.Errorf("dispute resolved but settlement refund failed: %w", err)
			}
		}
	}

	metrics.DisputesTotal.WithLabelValues("resolved").Inc()
	s.emit(ctx, "dispute.resolved", map[string]any{
		"disputeId": d.ID, "accountId": d.EscrowAccountID,
		"resolutionType": string(res.Type), "refundCents": res.RefundCents,
	})
	return d, nil
}

// resolutionFromOffer derives the binding resolution from an accepted offer.
// Acceptance means both parties agreed.
func resolutionFromOffer(o *Offer, now time.Time) *Resolution {
	res := &Resolution{
		Type:       ResolutionSettlement,
		AgreedBy:   AgreedBy{Landlord: true, Contractor: true},
		Binding:    true,
		ResolvedBy: o.OfferedBy,
		ResolvedAt: now,
	}

	switch o.OfferType {
	case OfferWorkCompletion:
		res.Outcome = "work completion accepted"
		if o.WorkOffer != nil {
			res.WorkAdjustment = o.WorkOffer.Description
			if o.WorkOffer.TimelineDays > 0 {
				deadline := now.Add(time.Duration(o.WorkOffer.TimelineDays) * 24 * time.Hour)
				res.EnforcementDeadline = &deadline
			}
		}
		// A no-charge work offer moves no money; funds stay where they were.
	case OfferRefund, OfferPartialRefund:
		res.Outcome = "refund accepted"
		res.RefundCents = o.RefundCents
	default:
		res.Outcome = "settlement accepted"
	}
	return res
}

// Escalate hands the dispute to external arbitration.
func (s *Service) Escalate(ctx context.Context, disputeID, actorID, reason string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusOpen && d.Status != StatusInMediation {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, d.Status)
	}

	now := s.clk.Now()
	d.Status = StatusEscalated
	d.IsEscalated = true
	d.Timeline = append(d.Timeline, TimelineEvent{
		At: now, Actor: actorID, Action: "escalated", Detail: reason,
	})
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("escalated").Inc()
	s.emit(ctx, "dispute.escalated", map[string]any{"disputeId": d.ID, "reason": reason})
	return d, nil
}

// Close finishes a resolved or escalated dispute after its cooldown.
func (s *Service) Close(ctx context.Context, disputeID, actorID string) (*Dispute, error) {
	unlock := s.locks.Lock(disputeID)
	defer unlock()

	d, err := s.store.Get(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != StatusResolved && d.Status != StatusEscalated {
		return nil, fmt.Errorf("%w: status is %s", ErrInvalidStatus, d.Status)
	}

	now := s.clk.Now()
	d.Status = StatusClosed
	d.Timeline = append(d.Timeline, TimelineEvent{At: now, Actor: actorID, Action: "closed"})
	d.UpdatedAt = now

	if err := s.store.Update(ctx, d); err != nil {
		return nil, err
	}

	metrics.DisputesTotal.WithLabelValues("closed").Inc()
	s.emit(ctx, "dispute.closed", map[string]any{"disputeId": d.ID})
	return d, nil
}

// Get returns a dispute by ID.
func (s *Service) Get(ctx context.Context, id string) (*Dispute, error) {
	return s.store.Get(ctx, id)
}

// ListByParty returns disputes where the party is initiator or respondent.
func (s *Service) ListByParty(ctx context.Context, partyID string, limit int) ([]*Dispute, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListByParty(ctx, partyID, limit)
}

// ListOffers returns a dispute's settlement offers.
func (s *Service) ListOffers(ctx context.Context, disputeID string, limit int) ([]*Offer, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListOffersByDispute(ctx, disputeID, limit)
}
