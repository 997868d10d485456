// Package release — the release coordinator: guard evaluation, custody
// transfer, state commit, and audit, in that order.
//
// The central failure-handling asymmetry lives here: the custody transfer
// is never retried (retrying could move the same money twice), while the
// state commit after a successful transfer must be retried (the money has
// already moved; the store must eventually say so).
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/payflow/escrow-engine/internal/custody"
	"github.com/payflow/escrow-engine/internal/events"
	"github.com/payflow/escrow-engine/internal/lifecycle"
	"github.com/payflow/escrow-engine/internal/metrics"
	"github.com/payflow/escrow-engine/internal/model"
	"github.com/payflow/escrow-engine/internal/store"
)

var (
	// ErrTransferFailed is a custody transfer that definitively did not
	// move funds. The escrow is rolled back to its pre-release status.
	ErrTransferFailed = errors.New("release: custody transfer failed")
)

// ReconciliationError means funds may have moved (or have moved) but the
// engine could not confirm the full picture. The caller sees a "pending
// reconciliation" status, never a silent failure.
type ReconciliationError struct {
	EscrowID    string
	MilestoneID string
	Err         error
}

func (e *ReconciliationError) Error() string {
	return fmt.Sprintf("release: escrow %s pending reconciliation: %v", e.EscrowID, e.Err)
}

func (e *ReconciliationError) Unwrap() error { return e.Err }

// Result is the outcome of a committed release.
type Result struct {
	Success               bool            `json:"success"`
	TxHash                string          `json:"tx_hash"`
	AmountSent            decimal.Decimal `json:"amount_sent"`
	AllMilestonesReleased bool            `json:"all_milestones_released"`
}

// Coordinator sequences validation → transfer → commit → audit for release
// requests. All attempts for one escrow (and therefore for any milestone in
// it) are serialized through a per-escrow mutex held from guard evaluation
// through the state commit; the store's conditional writes back this up for
// multi-instance deployments.
type Coordinator struct {
	store           store.Store
	signer          custody.Signer
	transferTimeout time.Duration
	commitRetries   int
	hub             *Hub              // optional WebSocket hub
	publisher       *events.Publisher // optional Kafka sink

	mu    sync.Mutex
	locks map[string]*sync.Mutex // escrowID → serialization lock
}

// NewCoordinator creates a release coordinator. Pass nil for hub and
// publisher if those sinks are not wired.
func NewCoordinator(st store.Store, signer custody.Signer, transferTimeout time.Duration, hub *Hub, publisher *events.Publisher) *Coordinator {
	if transferTimeout <= 0 {
		transferTimeout = 30 * time.Second
	}
	return &Coordinator{
		store:           st,
		signer:          signer,
		transferTimeout: transferTimeout,
		commitRetries:   3,
		hub:             hub,
		publisher:       publisher,
		locks:           make(map[string]*sync.Mutex),
	}
}

// lock returns the serialization mutex for one escrow.
func (c *Coordinator) lock(escrowID string) *sync.Mutex {
	c.mu.Lock()
	defer c.mu.Unlock()

	l, ok := c.locks[escrowID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[escrowID] = l
	}
	return l
}

// Release processes one release request end to end. Cancellation via ctx is
// honored only until the guard passes; once the transfer has been issued
// the request runs to completion regardless of the caller.
func (c *Coordinator) Release(ctx context.Context, req model.ReleaseRequest) (*Result, error) {
	l := c.lock(req.EscrowID)
	l.Lock()
	defer l.Unlock()

	start := time.Now()

	e, err := c.store.GetEscrow(ctx, req.EscrowID)
	if err != nil {
		return nil, err
	}

	// Last point where caller cancellation is honored.
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	plan, err := lifecycle.AuthorizeRelease(e, req)
	if err != nil {
		if ge, ok := lifecycle.AsGuard(err); ok {
			metrics.GuardViolations.WithLabelValues(ge.Code).Inc()
		}
		return nil, err
	}

	// Claim the escrow (or milestone) via conditional write before any
	// money moves, so a concurrent instance loses the CAS instead of
	// double-transferring.
	kind := model.TypeMilestone
	if plan.MilestoneID == "" {
		kind = model.TypeSingle
		if err := c.store.UpdateEscrowStatus(ctx, e.ID, model.EscrowFunded, model.EscrowReleasing); err != nil {
			return nil, err
		}
	} else {
		err := c.store.UpdateMilestoneStatus(ctx, e.ID, plan.MilestoneID,
			model.MilestoneCompleted, model.MilestoneReleasing, "")
		if err != nil {
			return nil, err
		}
	}

	// Snapshot the custody balance so a timed-out transfer can be
	// reconciled against observable state.
	balanceBefore, balErr := c.signer.GetBalance(ctx, e.CustodyWalletRef)

	// The transfer runs under its own deadline, independent of caller
	// cancellation.
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.transferTimeout)
	txHash, err := c.signer.Transfer(tctx, e.CustodyWalletRef, plan.Recipient, plan.Amount)
	cancel()

	if err != nil {
		if ferr := c.transferFailed(e, plan, kind, err, balanceBefore, balErr); ferr != nil {
			return nil, ferr
		}
		// Timed-out transfer reconciled as landed and committed. No tx
		// hash was observed.
		c.audit(e, plan, req.ActorAddress, "")
		metrics.ReleasesTotal.WithLabelValues(kind).Inc()
		metrics.ReleaseLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
		if plan.FinalRelease {
			metrics.ActiveEscrows.Dec()
		}
		return &Result{
			Success:               true,
			AmountSent:            plan.Amount,
			AllMilestonesReleased: plan.FinalRelease,
		}, nil
	}

	if err := c.commit(e, plan, txHash); err != nil {
		// Money has moved. The commit is the retryable step; when even the
		// retries fail the caller gets a reconciliation status and an audit
		// trail, never a rollback.
		c.logActivity(e.ID, model.ActivityReconcile, req.ActorAddress,
			fmt.Sprintf("transfer %s succeeded but state commit failed: %v", txHash, err),
			map[string]string{"tx_hash": txHash, "amount": plan.Amount.String()})
		return nil, &ReconciliationError{EscrowID: e.ID, MilestoneID: plan.MilestoneID, Err: err}
	}

	c.audit(e, plan, req.ActorAddress, txHash)
	metrics.ReleasesTotal.WithLabelValues(kind).Inc()
	metrics.ReleaseLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	if plan.FinalRelease {
		metrics.ActiveEscrows.Dec()
	}

	slog.Info("release committed",
		"escrow", e.ID,
		"milestone", plan.MilestoneID,
		"amount", plan.Amount.String(),
		"tx_hash", txHash,
		"final", plan.FinalRelease,
	)

	return &Result{
		Success:               true,
		TxHash:                txHash,
		AmountSent:            plan.Amount,
		AllMilestonesReleased: plan.FinalRelease,
	}, nil
}

// transferFailed decides what a failed transfer call means. A timeout is an
// unknown outcome: the custody balance is re-checked before deciding, to
// avoid double-spending on one side and false failures on the other.
func (c *Coordinator) transferFailed(e *model.Escrow, plan *lifecycle.ReleasePlan, kind string, terr error, balanceBefore decimal.Decimal, balErr error) error {
	if errors.Is(terr, context.DeadlineExceeded) {
		metrics.TransferTimeouts.Inc()

		if balErr == nil {
			rctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			balanceAfter, err := c.signer.GetBalance(rctx, e.CustodyWalletRef)
			cancel()

			if err == nil && balanceBefore.Sub(balanceAfter).GreaterThanOrEqual(plan.Amount) {
				// The funds left custody: the transfer landed even though the
				// call timed out. Commit; do not retry the transfer.
				if err := c.commit(e, plan, ""); err != nil {
					c.logActivity(e.ID, model.ActivityReconcile, "",
						fmt.Sprintf("timed-out transfer moved funds but state commit failed: %v", err),
						map[string]string{"amount": plan.Amount.String()})
					return &ReconciliationError{EscrowID: e.ID, MilestoneID: plan.MilestoneID, Err: err}
				}
				slog.Warn("timed-out transfer reconciled as landed",
					"escrow", e.ID, "milestone", plan.MilestoneID, "amount", plan.Amount.String())
				return nil
			}
			if err == nil && balanceBefore.Equal(balanceAfter) {
				// Observable state says nothing moved; safe to roll back.
				c.rollbackReleasing(e, plan, kind)
				return fmt.Errorf("%w: %v", ErrTransferFailed, terr)
			}
		}

		// Could not establish what happened. Leave the claim in place
		// (the escrow or milestone stays in releasing, blocking further
		// attempts) and surface the ambiguity.
		c.logActivity(e.ID, model.ActivityReconcile, "",
			"custody transfer timed out with unknown outcome",
			map[string]string{"amount": plan.Amount.String()})
		return &ReconciliationError{EscrowID: e.ID, MilestoneID: plan.MilestoneID, Err: terr}
	}

	// Definite failure: nothing moved.
	c.rollbackReleasing(e, plan, kind)
	return fmt.Errorf("%w: %v", ErrTransferFailed, terr)
}

// rollbackReleasing releases the pre-transfer claim after a transfer that
// definitively moved nothing.
func (c *Coordinator) rollbackReleasing(e *model.Escrow, plan *lifecycle.ReleasePlan, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if kind == model.TypeSingle {
		if err := c.store.UpdateEscrowStatus(ctx, e.ID, model.EscrowReleasing, model.EscrowFunded); err != nil {
			slog.Error("rollback to funded failed", "escrow", e.ID, "err", err)
		}
		return
	}
	err := c.store.UpdateMilestoneStatus(ctx, e.ID, plan.MilestoneID,
		model.MilestoneReleasing, model.MilestoneCompleted, "")
	if err != nil {
		slog.Error("milestone rollback to completed failed",
			"escrow", e.ID, "milestone", plan.MilestoneID, "err", err)
	}
}

// commit applies the state transition for a completed transfer, retrying
// with backoff. Runs detached from the caller's context: the funds are
// gone from custody and the store must reflect that.
func (c *Coordinator) commit(e *model.Escrow, plan *lifecycle.ReleasePlan, txHash string) error {
	var lastErr error
	for attempt := 0; attempt < c.commitRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * 200 * time.Millisecond)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		lastErr = c.commitOnce(ctx, e, plan, txHash)
		cancel()

		if lastErr == nil {
			return nil
		}
		// A conflict means another writer moved the row — with per-escrow
		// serialization that only happens when a prior attempt of this
		// very commit half-landed, so the remaining steps proceed.
		slog.Warn("state commit attempt failed",
			"escrow", e.ID, "attempt", attempt+1, "err", lastErr)
	}
	return lastErr
}

func (c *Coordinator) commitOnce(ctx context.Context, e *model.Escrow, plan *lifecycle.ReleasePlan, txHash string) error {
	if plan.MilestoneID != "" {
		err := c.store.UpdateMilestoneStatus(ctx, e.ID, plan.MilestoneID,
			model.MilestoneReleasing, model.MilestoneReleased, txHash)
		if err != nil && !errors.Is(err, store.ErrStatusConflict) {
			return err
		}
		if plan.FinalRelease {
			err := c.store.UpdateEscrowStatus(ctx, e.ID, model.EscrowFunded, model.EscrowReleased)
			if err != nil && !errors.Is(err, store.ErrStatusConflict) {
				return err
			}
		}
	} else {
		err := c.store.UpdateEscrowStatus(ctx, e.ID, model.EscrowReleasing, model.EscrowReleased)
		if err != nil && !errors.Is(err, store.ErrStatusConflict) {
			return err
		}
	}
	return c.store.AddReleasedAmount(ctx, e.ID, plan.Amount)
}

func (c *Coordinator) audit(e *model.Escrow, plan *lifecycle.ReleasePlan, actor, txHash string) {
	activityType := model.ActivityReleased
	message := fmt.Sprintf("released %s %s to %s", plan.Amount, e.Currency, plan.Recipient)
	if plan.MilestoneID != "" {
		activityType = model.ActivityMilestoneReleased
		message = fmt.Sprintf("milestone %s released: %s %s to %s",
			plan.MilestoneID, plan.Amount, e.Currency, plan.Recipient)
	}

	c.logActivity(e.ID, activityType, actor, message, map[string]string{
		"tx_hash":   txHash,
		"amount":    plan.Amount.String(),
		"milestone": plan.MilestoneID,
	})

	if c.hub != nil {
		c.hub.Broadcast(Message{
			Type:        activityType,
			EscrowID:    e.ID,
			MilestoneID: plan.MilestoneID,
			Amount:      plan.Amount.String(),
			TxHash:      txHash,
			Final:       plan.FinalRelease,
		})
	}

	status := string(model.EscrowFunded)
	if plan.FinalRelease {
		status = string(model.EscrowReleased)
	}
	c.publisher.Publish(context.Background(), events.EscrowEvent{
		EscrowID:    e.ID,
		MilestoneID: plan.MilestoneID,
		Type:        activityType,
		Actor:       actor,
		Status:      status,
		Amount:      plan.Amount.String(),
		Currency:    e.Currency,
		TxHash:      txHash,
	})
}

// Refund moves custody funds back to the buyer for a cancel or a refund
// resolution, then commits the refunded status. Pending escrows hold no
// funds, so only the status moves.
func (c *Coordinator) Refund(ctx context.Context, escrowID, actor string) error {
	l := c.lock(escrowID)
	l.Lock()
	defer l.Unlock()

	e, err := c.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return err
	}
	if err := lifecycle.CanCancel(e, actor); err != nil {
		if ge, ok := lifecycle.AsGuard(err); ok {
			metrics.GuardViolations.WithLabelValues(ge.Code).Inc()
		}
		return err
	}

	// Custody holds only what has not been released yet; milestones paid
	// out before the cancel stay with the seller.
	remaining := e.TotalAmount.Sub(e.ReleasedAmount)

	from := e.Status
	txHash := ""
	if from == model.EscrowFunded {
		if remaining.IsPositive() {
			tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.transferTimeout)
			txHash, err = c.signer.Transfer(tctx, e.CustodyWalletRef, e.Buyer, remaining)
			cancel()
			if err != nil {
				return fmt.Errorf("%w: %v", ErrTransferFailed, err)
			}
		}
		metrics.ActiveEscrows.Dec()
	}

	if err := c.store.UpdateEscrowStatus(ctx, escrowID, from, model.EscrowRefunded); err != nil {
		if txHash != "" {
			c.logActivity(escrowID, model.ActivityReconcile, actor,
				fmt.Sprintf("refund transfer %s succeeded but state commit failed: %v", txHash, err), nil)
			return &ReconciliationError{EscrowID: escrowID, Err: err}
		}
		return err
	}

	c.logActivity(escrowID, model.ActivityRefunded, actor,
		fmt.Sprintf("escrow cancelled, %s %s returned to buyer", remaining, e.Currency),
		map[string]string{"tx_hash": txHash})

	if c.hub != nil {
		c.hub.Broadcast(Message{Type: model.ActivityRefunded, EscrowID: escrowID, TxHash: txHash})
	}
	c.publisher.Publish(context.Background(), events.EscrowEvent{
		EscrowID: escrowID,
		Type:     model.ActivityRefunded,
		Actor:    actor,
		Status:   string(model.EscrowRefunded),
		Amount:   remaining.String(),
		Currency: e.Currency,
		TxHash:   txHash,
	})
	return nil
}

// Resolve applies an out-of-band dispute resolution: release pays the
// seller the unreleased remainder, refund returns it to the buyer.
func (c *Coordinator) Resolve(ctx context.Context, escrowID, resolution, actor string) (*Result, error) {
	l := c.lock(escrowID)
	l.Lock()
	defer l.Unlock()

	e, err := c.store.GetEscrow(ctx, escrowID)
	if err != nil {
		return nil, err
	}

	target, err := lifecycle.ResolveDispute(e, resolution)
	if err != nil {
		if ge, ok := lifecycle.AsGuard(err); ok {
			metrics.GuardViolations.WithLabelValues(ge.Code).Inc()
		}
		return nil, err
	}

	recipient := e.Buyer
	if target == model.EscrowReleased {
		recipient = e.Seller
	}

	// Only the unreleased remainder is still in custody; milestones paid
	// out before the dispute are settled and never move again.
	remaining := e.TotalAmount.Sub(e.ReleasedAmount)

	txHash := ""
	if remaining.IsPositive() {
		tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.transferTimeout)
		txHash, err = c.signer.Transfer(tctx, e.CustodyWalletRef, recipient, remaining)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTransferFailed, err)
		}
	}

	if err := c.store.UpdateEscrowStatus(ctx, escrowID, model.EscrowDisputed, target); err != nil {
		c.logActivity(escrowID, model.ActivityReconcile, actor,
			fmt.Sprintf("resolution transfer %s succeeded but state commit failed: %v", txHash, err), nil)
		return nil, &ReconciliationError{EscrowID: escrowID, Err: err}
	}
	if err := c.store.AddReleasedAmount(ctx, escrowID, remaining); err != nil {
		slog.Error("released amount update failed", "escrow", escrowID, "err", err)
	}
	metrics.ActiveEscrows.Dec()

	c.logActivity(escrowID, model.ActivityResolved, actor,
		fmt.Sprintf("dispute resolved as %s, %s %s to %s", resolution, remaining, e.Currency, recipient),
		map[string]string{"tx_hash": txHash, "resolution": resolution})

	if c.hub != nil {
		c.hub.Broadcast(Message{Type: model.ActivityResolved, EscrowID: escrowID, TxHash: txHash})
	}
	c.publisher.Publish(context.Background(), events.EscrowEvent{
		EscrowID: escrowID,
		Type:     model.ActivityResolved,
		Actor:    actor,
		Status:   string(target),
		Amount:   remaining.String(),
		Currency: e.Currency,
		TxHash:   txHash,
	})

	return &Result{Success: true, TxHash: txHash, AmountSent: remaining}, nil
}

func (c *Coordinator) logActivity(escrowID, activityType, actor, message string, metadata map[string]string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.store.LogActivity(ctx, &model.Activity{
		ID:        uuid.NewString(),
		EscrowID:  escrowID,
		Type:      activityType,
		Actor:     actor,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		slog.Error("activity log failed", "escrow", escrowID, "type", activityType, "err", err)
	}
}
