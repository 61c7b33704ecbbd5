package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/tradesafe/tradesafe/internal/escrow"
	"github.com/tradesafe/tradesafe/internal/metrics"
)

// Sweeper periodically releases accounts whose hold window has elapsed and
// approves pending requests past their automatic-release deadline.
//
// It is stateless and idempotent: every tick re-derives eligibility from the
// store, and the one-pending-request invariant means a concurrent sweeper
// instance losing the race just sees ErrPendingExists and moves on.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a new auto-release sweeper.
func NewSweeper(service *Service, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is actively running.
func (w *Sweeper) Running() bool {
	return w.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (w *Sweeper) Start(ctx context.Context) {
	w.running.Store(true)
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			w.safeSweep(ctx)
		}
	}
}

// Stop signals the sweeper to stop.
func (w *Sweeper) Stop() {
	select {
	case w.stop <- struct{}{}:
	default:
	}
}

func (w *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("panic in release sweeper", "panic", fmt.Sprint(r))
		}
	}()
	w.Sweep(ctx)
}

// Sweep runs one pass. Exported so an external cron trigger can drive it.
func (w *Sweeper) Sweep(ctx context.Context) {
	metrics.SweeperRunsTotal.Inc()
	now := w.service.clk.Now()

	// 1. Approve pending requests whose automatic-release deadline passed.
	overdue, err := w.service.store.ListAutoApprovable(ctx, now, 100)
	if err != nil {
		w.logger.Warn("failed to list auto-approvable requests", "error", err)
	} else {
		for _, req := range overdue {
			if _, err := w.service.approve(ctx, req, string(escrow.RoleSystem), "auto-approved after grace window"); err != nil {
				if errors.Is(err, escrow.ErrAccountLocked) || errors.Is(err, escrow.ErrVersionConflict) {
					w.logger.Debug("skipping overdue request", "request_id", req.ID, "reason", err)
					continue
				}
				w.logger.Warn("failed to auto-approve request", "request_id", req.ID, "error", err)
				continue
			}
			w.logger.Info("auto-approved release request",
				"request_id", req.ID, "account_id", req.EscrowAccountID, "amount_cents", req.AmountCents)
		}
	}

	// 2. Release accounts whose hold window has fully elapsed.
	accounts, err := w.service.ledger.ListAutoReleasable(ctx, now, 100)
	if err != nil {
		w.logger.Warn("failed to list auto-releasable accounts", "error", err)
		return
	}

	for _, acct := range accounts {
		if err := w.sweepAccount(ctx, acct); err != nil {
			// A concurrent winner already holds the pending slot: not an error.
			if errors.Is(err, ErrPendingExists) || errors.Is(err, escrow.ErrVersionConflict) {
				w.logger.Debug("account already being handled", "account_id", acct.ID)
				continue
			}
			if errors.Is(err, ErrNothingToRelease) {
				continue
			}
			w.logger.Warn("failed to auto-release account", "account_id", acct.ID, "error", err)
			continue
		}
		metrics.SweeperReleasedTotal.Inc()
		w.logger.Info("auto-released account",
			"account_id", acct.ID, "contractor_id", acct.ContractorID)
	}
}

// sweepAccount synthesizes a system release request for one eligible account
// and approves it through the normal path.
func (w *Sweeper) sweepAccount(ctx context.Context, acct *escrow.Account) error {
	in := CreateRequestInput{
		AccountID:   acct.ID,
		RequestedBy: "system",
		Role:        escrow.RoleSystem,
		Reason:      "automatic release after hold period",
	}

	if acct.ReleaseConditions.MilestoneBasedRelease {
		m := nextReleasableMilestone(acct)
		if m == nil {
			return ErrNothingToRelease
		}
		in.Type = TypeMilestone
		in.MilestoneID = m.ID
	} else {
		in.Type = TypeFullRelease
	}

	req, err := w.service.CreateRequest(ctx, in)
	if err != nil {
		return err
	}

	_, err = w.service.approve(ctx, req, string(escrow.RoleSystem), "auto-released after hold period")
	return err
}

func nextReleasableMilestone(acct *escrow.Account) *escrow.Milestone {
	for i := range acct.Milestones {
		m := &acct.Milestones[i]
		if m.Status == escrow.MilestoneCompleted && m.ReleasedAt == nil {
			return m
		}
	}
	return nil
}
