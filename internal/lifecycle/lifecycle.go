// Package lifecycle is the escrow release state machine. It decides which
// transitions are legal, who may trigger them, and exactly how much money a
// release moves. Pure: it inspects escrow state and returns decisions; the
// release coordinator applies them through the store.
//
// The single most important property here is the single-release invariant:
// a milestone already released, or an escrow already released or refunded,
// fails any further release attempt with AlreadyReleased before anything
// else is considered. Funds move at most once.
package lifecycle

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payflow/escrow-engine/internal/model"
)

// Guard violation codes. Guard violations are fatal for the request and
// never retried automatically.
const (
	CodeWrongActor        = "WrongActor"
	CodeWrongStatus       = "WrongStatus"
	CodeAlreadyReleased   = "AlreadyReleased"
	CodeUnknownMilestone  = "UnknownMilestone"
	CodeMilestoneRequired = "MilestoneRequired"
	CodeInsufficientFunds = "InsufficientFunds"
	CodeDeadlineNotPassed = "DeadlineNotPassed"
)

// GuardError is a rejected transition: the precondition on actor identity or
// current state did not hold.
type GuardError struct {
	Code    string
	Message string
}

func (e *GuardError) Error() string {
	return fmt.Sprintf("guard violation [%s]: %s", e.Code, e.Message)
}

func guard(code, format string, args ...any) *GuardError {
	return &GuardError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsGuard unwraps a GuardError from err if there is one.
func AsGuard(err error) (*GuardError, bool) {
	var ge *GuardError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsAlreadyReleased reports whether err is a single-release violation.
func IsAlreadyReleased(err error) bool {
	ge, ok := AsGuard(err)
	return ok && ge.Code == CodeAlreadyReleased
}

// ReleasePlan is an authorized release: the exact amount to move and the
// state commit to perform once the transfer lands.
type ReleasePlan struct {
	EscrowID    string
	MilestoneID string // empty for single-release escrows
	Recipient   string // seller address
	Amount      decimal.Decimal
	// FinalRelease means the escrow itself transitions to released after
	// this commit (single escrow, or the last outstanding milestone).
	FinalRelease bool
}

// CanFund guards the pending → funded transition. The custody balance must
// cover the escrow total.
func CanFund(e *model.Escrow, balance decimal.Decimal) error {
	if e.Status != model.EscrowPending {
		return guard(CodeWrongStatus, "escrow %s is %s, only pending escrows can be funded", e.ID, e.Status)
	}
	if balance.LessThan(e.TotalAmount) {
		return guard(CodeInsufficientFunds,
			"custody balance %s below escrow total %s", balance, e.TotalAmount)
	}
	return nil
}

// CanCompleteMilestone guards the seller marking work done:
// escrow funded, actor is the seller, milestone still pending.
func CanCompleteMilestone(e *model.Escrow, milestoneID, actor string) error {
	m := e.Milestone(milestoneID)
	if m == nil {
		return guard(CodeUnknownMilestone, "escrow %s has no milestone %s", e.ID, milestoneID)
	}
	switch m.Status {
	case model.MilestoneReleased:
		return guard(CodeAlreadyReleased, "milestone %s is already released", milestoneID)
	case model.MilestoneCompleted:
		return guard(CodeWrongStatus, "milestone %s is already completed", milestoneID)
	}
	if e.Status != model.EscrowFunded {
		return guard(CodeWrongStatus, "escrow %s is %s, milestones require a funded escrow", e.ID, e.Status)
	}
	if actor != e.Seller {
		return guard(CodeWrongActor, "only the seller may complete a milestone")
	}
	return nil
}

// AuthorizeRelease evaluates a release request against the state machine
// and, when legal, returns the plan: the exact amount to move and whether
// this release finishes the escrow.
//
// The amount for a milestone release is the amount fixed at creation, never
// re-derived from the remaining balance, so sequential releases cannot
// compound rounding drift.
func AuthorizeRelease(e *model.Escrow, req model.ReleaseRequest) (*ReleasePlan, error) {
	// Single-release invariant first, before actor or anything else.
	switch e.Status {
	case model.EscrowReleased, model.EscrowRefunded:
		return nil, guard(CodeAlreadyReleased, "escrow %s is already %s", e.ID, e.Status)
	}

	if req.MilestoneID == "" {
		return authorizeSingleRelease(e, req)
	}
	return authorizeMilestoneRelease(e, req)
}

func authorizeSingleRelease(e *model.Escrow, req model.ReleaseRequest) (*ReleasePlan, error) {
	if e.EscrowType == model.TypeMilestone {
		return nil, guard(CodeMilestoneRequired,
			"escrow %s is a milestone escrow, a milestone id is required", e.ID)
	}
	if e.Status != model.EscrowFunded {
		return nil, guard(CodeWrongStatus, "escrow %s is %s, release requires funded", e.ID, e.Status)
	}
	if req.ActorAddress != e.Buyer {
		return nil, guard(CodeWrongActor, "only the buyer may release escrow funds")
	}
	return &ReleasePlan{
		EscrowID:     e.ID,
		Recipient:    e.Seller,
		Amount:       e.TotalAmount,
		FinalRelease: true,
	}, nil
}

func authorizeMilestoneRelease(e *model.Escrow, req model.ReleaseRequest) (*ReleasePlan, error) {
	m := e.Milestone(req.MilestoneID)
	if m == nil {
		return nil, guard(CodeUnknownMilestone, "escrow %s has no milestone %s", e.ID, req.MilestoneID)
	}
	if m.Status == model.MilestoneReleased {
		return nil, guard(CodeAlreadyReleased, "milestone %s is already released", m.ID)
	}
	if m.Status == model.MilestoneReleasing {
		return nil, guard(CodeWrongStatus, "milestone %s has a release in progress", m.ID)
	}
	if e.Status != model.EscrowFunded {
		return nil, guard(CodeWrongStatus, "escrow %s is %s, release requires funded", e.ID, e.Status)
	}
	if m.Status != model.MilestoneCompleted {
		return nil, guard(CodeWrongStatus,
			"milestone %s is %s, the seller must complete it before release", m.ID, m.Status)
	}
	if req.ActorAddress != e.Buyer {
		return nil, guard(CodeWrongActor, "only the buyer may release milestone funds")
	}

	// Final when every other milestone is already released.
	final := true
	for i := range e.Milestones {
		other := &e.Milestones[i]
		if other.ID == m.ID {
			continue
		}
		if other.Status != model.MilestoneReleased {
			final = false
			break
		}
	}

	return &ReleasePlan{
		EscrowID:     e.ID,
		MilestoneID:  m.ID,
		Recipient:    e.Seller,
		Amount:       m.Amount,
		FinalRelease: final,
	}, nil
}

// CanDispute guards the funded → disputed side branch. Either party may
// raise a dispute.
func CanDispute(e *model.Escrow, actor string) error {
	if e.Status != model.EscrowFunded {
		return guard(CodeWrongStatus, "escrow %s is %s, disputes require funded", e.ID, e.Status)
	}
	if actor != e.Buyer && actor != e.Seller {
		return guard(CodeWrongActor, "only the buyer or seller may open a dispute")
	}
	return nil
}

// Dispute resolutions, decided out of band.
const (
	ResolutionRelease = "release"
	ResolutionRefund  = "refund"
)

// ResolveDispute maps an out-of-band resolution onto the terminal status it
// produces. Only disputed escrows can be resolved.
func ResolveDispute(e *model.Escrow, resolution string) (model.EscrowStatus, error) {
	if e.Status != model.EscrowDisputed {
		return "", guard(CodeWrongStatus, "escrow %s is %s, only disputed escrows can be resolved", e.ID, e.Status)
	}
	switch resolution {
	case ResolutionRelease:
		return model.EscrowReleased, nil
	case ResolutionRefund:
		return model.EscrowRefunded, nil
	default:
		return "", guard(CodeWrongStatus, "unknown resolution %q", resolution)
	}
}

// CanCancel guards the buyer cancelling before completion: pending or
// funded only, buyer only. Cancelling refunds the deposit.
func CanCancel(e *model.Escrow, actor string) error {
	switch e.Status {
	case model.EscrowReleased, model.EscrowRefunded:
		return guard(CodeAlreadyReleased, "escrow %s is already %s", e.ID, e.Status)
	case model.EscrowPending, model.EscrowFunded:
		// cancellable
	default:
		return guard(CodeWrongStatus, "escrow %s is %s, cancel requires pending or funded", e.ID, e.Status)
	}
	if actor != e.Buyer {
		return guard(CodeWrongActor, "only the buyer may cancel an escrow")
	}
	return nil
}

// CanExpire guards the deadline transition: any non-terminal escrow whose
// deadline has passed.
func CanExpire(e *model.Escrow, now time.Time) error {
	if e.Status.Terminal() {
		return guard(CodeWrongStatus, "escrow %s is already terminal (%s)", e.ID, e.Status)
	}
	if e.Deadline.IsZero() || now.Before(e.Deadline) {
		return guard(CodeDeadlineNotPassed, "escrow %s deadline has not passed", e.ID)
	}
	return nil
}
