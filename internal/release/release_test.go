package release

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tradesafe/tradesafe/internal/clock"
	"github.com/tradesafe/tradesafe/internal/escrow"
	"github.com/tradesafe/tradesafe/internal/payments"
)

type fixture struct {
	escrow  *escrow.Service
	release *Service
	clk     *clock.Fixed
}

func newFixture(t *testing.T, grace time.Duration) *fixture {
	t.Helper()
	clk := &clock.Fixed{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	ledger := escrow.NewService(escrow.NewMemoryStore(), payments.NewMemoryProcessor(), clk)
	return &fixture{
		escrow:  ledger,
		release: NewService(NewMemoryStore(), ledger, clk, grace),
		clk:     clk,
	}
}

func (f *fixture) fundedAccount(t *testing.T, cond escrow.ReleaseConditions, milestones []escrow.MilestoneInput) *escrow.Account {
	t.Helper()
	ctx := context.Background()
	acct, err := f.escrow.CreateAccount(ctx, escrow.CreateAccountRequest{
		JobID:        "job-1",
		LandlordID:   "landlord-1",
		ContractorID: "contractor-1",
		AmountCents:  100000,
		PayoutRef:    "acct_contractor",
		Conditions:   cond,
		Milestones:   milestones,
	})
	if err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	acct, err = f.escrow.Fund(ctx, acct.ID, "card_123")
	if err != nil {
		t.Fatalf("Fund: %v", err)
	}
	return acct
}

func TestCreateRequestDefaultsToHeldAmount(t *testing.T) {
	f := newFixture(t, 72*time.Hour)
	ctx := context.Background()
	acct := f.fundedAccount(t, escrow.ReleaseConditions{}, nil)

	req, err := f.release.CreateRequest(ctx, CreateRequestInput{
		AccountID:   acct.ID,
		RequestedBy: "contractor-1",
		Role:        escrow.RoleContractor,
		Type:        TypeFullRelease,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if req.AmountCents != 100000 {
		t.Errorf("amount = %d, want held amount 100000", req.AmountCents)
	}
	if req.Status != StatusPending {
		t.Errorf("status = %s, want pending", req.Status)
	}
	if req.AutomaticReleaseAt == nil {
		t.Fatal("expected automatic release deadline when landlord approval not required")
	}
	if want := f.clk.Now().Add(72 * time.Hour); !req.AutomaticReleaseAt.Equal(want) {
		t.Errorf("automaticReleaseAt = %v, want %v", req.AutomaticReleaseAt, want)
	}
}

func TestCreateRequestStampsEvidence(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	acct := f.fundedAccount(t, escrow.ReleaseConditions{}, nil)

	req, err := f.release.CreateRequest(ctx, CreateRequestInput{
		AccountID:   acct.ID,
		RequestedBy: "contractor-1",
		Role:        escrow.RoleContractor,
		Type:        TypeFullRelease,
		Evidence: []escrow.Evidence{
			{Kind: escrow.EvidencePhoto, URL: "https://cdn.example/after.jpg", Caption: "finished bathroom"},
			{Kind: escrow.EvidenceDescription, Text: "walkthrough done with tenant"},
		},
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if len(req.Evidence) != 2 {
		t.Fatalf("evidence count = %d, want 2", len(req.Evidence))
	}
	for i, ev := range req.Evidence {
		if ev.AddedBy != "contractor-1" {
			t.Errorf("evidence[%d].AddedBy = %q, want contractor-1", i, ev.AddedBy)
		}
		if !ev.AddedAt.Equal(f.clk.Now()) {
			t.Errorf("evidence[%d].AddedAt = %v, want %v", i, ev.AddedAt, f.clk.Now())
		}
	}
}

func TestCreateRequestNoDeadlineWhenApprovalRequired(t *testing.T) {
	f := newFixture(t, 72*time.Hour)
	ctx := context.Background()
	acct := f.fundedAccount(t, escrow.ReleaseConditions{RequiresLandlordApproval: true}, nil)

	req, err := f.release.CreateRequest(ctx, CreateRequestInput{
		AccountID:   acct.ID,
		RequestedBy: "contractor-1",
		Role:        escrow.RoleContractor,
		Type:        TypeFullRelease,
	})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if req.AutomaticReleaseAt != nil {
		t.Error("approval-gated request must not auto-release")
	}
}

func TestOnePendingRequestPerAccount(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	acct := f.fundedAccount(t, escrow.ReleaseConditions{}, nil)

	in := CreateRequestInput{
		AccountID:   acct.ID,
		RequestedBy: "contractor-1",
		Role:        escrow.RoleContractor,
		Type:        TypeFullRelease,
		AmountCents: 50000,
	}
	if _, err := f.release.CreateRequest(ctx, in); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := f.release.CreateRequest(ctx, in); !errors.Is(err, ErrPendingExists) {
		t.Fatalf("second request: got %v, want ErrPendingExists", err)
	}
}

func TestRespondApproveMovesFunds(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	acct := f.fundedAccount(t, escrow.ReleaseConditions{}, nil)

	req, _ := f.release.CreateRequest(ctx, CreateRequestInput{
		AccountID:   acct.ID,
		RequestedBy: "contractor-1",
		Role:        escrow.RoleContractor,
		Type:        TypeFullRelease,
	})

	req, err := f.release.Respond(ctx, req.ID, "landlord-1", escrow.RoleLandlord, DecisionApprove, "looks good")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if req.Status != StatusApproved {
		t.Errorf("status = %s, want approved", req.Status)
	}
	if req.Approvals["landlord"] != "approved" {
		t.Errorf("approvals = %v, want landlord approved", req.Approvals)
	}
	if req.ResolvedAt == nil {
		t.Error("expected resolvedAt on approval")
	}

	got, _ := f.escrow.Get(ctx, acct.ID)
	if got.Status != escrow.StatusReleased {
		t.Errorf("account status = %s, want released", got.Status)
	}

	// The pending slot frees up only after resolution; a new request on a
	// released account is rejected by status, not by the slot.
	if _, err := f.release.CreateRequest(ctx, CreateRequestInput{
		AccountID: acct.ID, RequestedBy: "contractor-1", Role: escrow.RoleContractor, Type: TypeFullRelease,
	}); !errors.Is(err, escrow.ErrInvalidStatus) {
		t.Errorf("got %v, want ErrInvalidStatus", err)
	}
}

func TestRespondRejectFreesSlot(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	acct := f.fundedAccount(t, escrow.ReleaseConditions{}, nil)

	req, _ := f.release.CreateRequest(ctx, CreateRequestInput{
		AccountID:   acct.ID,
		RequestedBy: "contractor-1",
		Role:        escrow.RoleContractor,
		Type:        TypeFullRelease,
	})

	req, err := f.release.Respond(ctx, req.ID, "landlord-1", escrow.RoleLandlord, DecisionReject, "work incomplete")
	if err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if req.Status != StatusRejected {
		t.Errorf("status = %s, want rejected", req.Status)
	}
	if req.Note != "work incomplete" {
		t.Errorf("note = %q", req.Note)
	}

	got, _ := f.escrow.Get(ctx, acct.ID)
	if got.Status != escrow.StatusFunded {
		t.Errorf("account status = %s, want funded", got.Status)
	}

	// Rejection frees the pending slot for a fresh proposal.
	if _, err := f.release.CreateRequest(ctx, CreateRequestInput{
		AccountID: acct.ID, RequestedBy: "contractor-1", Role: escrow.RoleContractor, Type: TypeFullRelease,
	}); err != nil {
		t.Errorf("new request after rejection: %v", err)
	}
}

func TestSelfApprovalRefused(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	acct := f.fundedAccount(t, escrow.ReleaseConditions{}, nil)

	req, _ := f.release.CreateRequest(ctx, CreateRequestInput{
		AccountID:   acct.ID,
		RequestedBy: "contractor-1",
		Role:        escrow.RoleContractor,
		Type:        TypeFullRelease,
	})

	if _, err := f.release.Respond(ctx, req.ID, "contractor-2", escrow.RoleContractor, DecisionApprove, ""); !errors.Is(err, ErrSelfApproval) {
		t.Errorf("got %v, want ErrSelfApproval (same role as requester)", err)
	}
}

func TestRespondValidation(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	acct := f.fundedAccount(t, escrow.ReleaseConditions{}, nil)

	req, _ := f.release.CreateRequest(ctx, CreateRequestInput{
		AccountID:   acct.ID,
		RequestedBy: "contractor-1",
		Role:        escrow.RoleContractor,
		Type:        TypeFullRelease,
	})

	if _, err := f.release.Respond(ctx, req.ID, "l", escrow.RoleSystem, DecisionApprove, ""); !errors.Is(err, ErrBadRole) {
		t.Errorf("system role: got %v, want ErrBadRole", err)
	}
	if _, err := f.release.Respond(ctx, req.ID, "l", escrow.RoleLandlord, Decision("maybe"), ""); !errors.Is(err, ErrBadDecision) {
		t.Errorf("bad decision: got %v, want ErrBadDecision", err)
	}
	if _, err := f.release.Respond(ctx, "rel_missing", "l", escrow.RoleLandlord, DecisionApprove, ""); !errors.Is(err, ErrRequestNotFound) {
		t.Errorf("missing request: got %v, want ErrRequestNotFound", err)
	}

	// Already-resolved requests reject further decisions.
	f.release.Respond(ctx, req.ID, "landlord-1", escrow.RoleLandlord, DecisionReject, "")
	if _, err := f.release.Respond(ctx, req.ID, "landlord-1", escrow.RoleLandlord, DecisionApprove, ""); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("resolved request: got %v, want ErrInvalidStatus", err)
	}
}

func TestMilestoneRequestPreconditions(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	acct := f.fundedAccount(t,
		escrow.ReleaseConditions{MilestoneBasedRelease: true},
		[]escrow.MilestoneInput{
			{Title: "demo", Percentage: 50},
			{Title: "finish", Percentage: 50},
		})
	mID := acct.Milestones[0].ID

	in := CreateRequestInput{
		AccountID:   acct.ID,
		RequestedBy: "contractor-1",
		Role:        escrow.RoleContractor,
		Type:        TypeMilestone,
	}

	if _, err := f.release.CreateRequest(ctx, in); !errors.Is(err, ErrMilestoneNeeded) {
		t.Errorf("missing milestone id: got %v, want ErrMilestoneNeeded", err)
	}

	in.MilestoneID = "mst_missing"
	if _, err := f.release.CreateRequest(ctx, in); !errors.Is(err, escrow.ErrMilestoneNotFound) {
		t.Errorf("unknown milestone: got %v, want ErrMilestoneNotFound", err)
	}

	in.MilestoneID = mID
	if _, err := f.release.CreateRequest(ctx, in); !errors.Is(err, escrow.ErrMilestoneNotCompleted) {
		t.Errorf("pending milestone: got %v, want ErrMilestoneNotCompleted", err)
	}

	// Complete the milestone; the request then defaults to its amount.
	if _, err := f.escrow.UpdateMilestone(ctx, acct.ID, mID, "contractor-1", escrow.RoleContractor,
		escrow.MilestonePatch{Status: escrow.MilestoneCompleted}); err != nil {
		t.Fatalf("UpdateMilestone: %v", err)
	}
	req, err := f.release.CreateRequest(ctx, in)
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if req.AmountCents != 50000 {
		t.Errorf("amount = %d, want milestone amount 50000", req.AmountCents)
	}
}

func TestCreateRequestRejectedWhileDisputed(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	acct := f.fundedAccount(t, escrow.ReleaseConditions{}, nil)

	if _, err := f.escrow.MarkDisputed(ctx, acct.ID, "dsp_1"); err != nil {
		t.Fatalf("MarkDisputed: %v", err)
	}
	if _, err := f.release.CreateRequest(ctx, CreateRequestInput{
		AccountID: acct.ID, RequestedBy: "contractor-1", Role: escrow.RoleContractor, Type: TypeFullRelease,
	}); !errors.Is(err, escrow.ErrAccountLocked) {
		t.Errorf("got %v, want ErrAccountLocked", err)
	}
}
