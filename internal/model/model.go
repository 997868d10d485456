// Package model defines the core domain types shared across the escrow engine.
// All monetary values use shopspring/decimal; float64 is never used for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EscrowStatus is the lifecycle state of an escrow.
type EscrowStatus string

const (
	EscrowPending   EscrowStatus = "pending"   // created, awaiting deposit
	EscrowFunded    EscrowStatus = "funded"    // custody balance confirmed
	EscrowReleasing EscrowStatus = "releasing" // transfer in flight
	EscrowReleased  EscrowStatus = "released"  // terminal
	EscrowDisputed  EscrowStatus = "disputed"  // side branch from funded
	EscrowRefunded  EscrowStatus = "refunded"  // terminal
	EscrowExpired   EscrowStatus = "expired"   // terminal, deadline passed
)

// Terminal reports whether the status permits no further transitions.
func (s EscrowStatus) Terminal() bool {
	return s == EscrowReleased || s == EscrowRefunded || s == EscrowExpired
}

// MilestoneStatus is the lifecycle state of a single milestone.
// Transitions are monotonic: pending → completed → releasing → released.
// The releasing state claims the milestone for an in-flight custody
// transfer; a failed transfer moves it back to completed.
type MilestoneStatus string

const (
	MilestonePending   MilestoneStatus = "pending"
	MilestoneCompleted MilestoneStatus = "completed"
	MilestoneReleasing MilestoneStatus = "releasing"
	MilestoneReleased  MilestoneStatus = "released"
)

// Escrow type discriminator.
const (
	TypeSingle    = "single"
	TypeMilestone = "milestone"
)

// Escrow is a custodial hold of buyer funds, released to the seller when
// conditions are met. The platform owns the custody wallet; buyer and seller
// are external addresses.
type Escrow struct {
	ID               string          `json:"id" db:"id"`
	Buyer            string          `json:"buyer" db:"buyer"`
	Seller           string          `json:"seller" db:"seller"`
	TotalAmount      decimal.Decimal `json:"total_amount" db:"total_amount"`
	ReleasedAmount   decimal.Decimal `json:"released_amount" db:"released_amount"`
	Currency         string          `json:"currency" db:"currency"`
	Status           EscrowStatus    `json:"status" db:"status"`
	EscrowType       string          `json:"escrow_type" db:"escrow_type"` // "single" or "milestone"
	CustodyWalletRef string          `json:"custody_wallet_ref" db:"custody_wallet_ref"`
	Milestones       []Milestone     `json:"milestones,omitempty"`
	Deadline         time.Time       `json:"deadline" db:"deadline"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at" db:"updated_at"`
}

// Milestone finds a milestone by ID. Returns nil if absent.
func (e *Escrow) Milestone(id string) *Milestone {
	for i := range e.Milestones {
		if e.Milestones[i].ID == id {
			return &e.Milestones[i]
		}
	}
	return nil
}

// AllMilestonesReleased reports whether every milestone has been released.
// False for escrows without milestones.
func (e *Escrow) AllMilestonesReleased() bool {
	if len(e.Milestones) == 0 {
		return false
	}
	for i := range e.Milestones {
		if e.Milestones[i].Status != MilestoneReleased {
			return false
		}
	}
	return true
}

// Milestone is a percentage-weighted portion of an escrow, released
// independently. Amount is fixed at creation from the milestone percentage
// (never re-derived from the remaining balance) so sequential releases
// cannot accumulate rounding drift.
type Milestone struct {
	ID         string          `json:"id" db:"id"`
	EscrowID   string          `json:"escrow_id" db:"escrow_id"`
	Title      string          `json:"title" db:"title"`
	Percentage decimal.Decimal `json:"percentage" db:"percentage"`
	Amount     decimal.Decimal `json:"amount" db:"amount"`
	Status     MilestoneStatus `json:"status" db:"status"`
	TxHash     string          `json:"tx_hash,omitempty" db:"tx_hash"`
	ReleasedAt time.Time       `json:"released_at" db:"released_at"`
}

// Share is one recipient's slice of a payment distribution. Percentage-mode
// shares divide what is left after fixed-amount shares are honored.
type Share struct {
	ID            string          `json:"id"`
	Recipient     string          `json:"recipient"` // external address
	Percentage    decimal.Decimal `json:"percentage"`
	FixedAmount   decimal.Decimal `json:"fixed_amount"`
	IsFixedAmount bool            `json:"is_fixed_amount"`
}

// Allocation is a computed per-recipient amount within a distribution.
type Allocation struct {
	ShareID   string          `json:"share_id"`
	Recipient string          `json:"recipient"`
	Amount    decimal.Decimal `json:"amount"`
}

// ReleaseRequest is one caller's attempt to trigger a release transition.
// Ephemeral, never persisted.
type ReleaseRequest struct {
	EscrowID     string `json:"escrow_id"`
	MilestoneID  string `json:"milestone_id,omitempty"` // empty for single-release escrows
	ActorAddress string `json:"actor_address"`
}

// Activity is an immutable audit record of one escrow event.
// Once created, these are never modified or deleted.
type Activity struct {
	ID        string            `json:"id" db:"id"`
	EscrowID  string            `json:"escrow_id" db:"escrow_id"`
	Type      string            `json:"type" db:"type"`
	Actor     string            `json:"actor" db:"actor"`
	Message   string            `json:"message" db:"message"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp" db:"timestamp"`
}

// Activity types recorded by the coordinator and HTTP layer.
const (
	ActivityCreated            = "escrow_created"
	ActivityFunded             = "escrow_funded"
	ActivityMilestoneCompleted = "milestone_completed"
	ActivityMilestoneReleased  = "milestone_released"
	ActivityReleased           = "escrow_released"
	ActivityDisputed           = "escrow_disputed"
	ActivityResolved           = "dispute_resolved"
	ActivityRefunded           = "escrow_refunded"
	ActivityExpired            = "escrow_expired"
	ActivityReconcile          = "pending_reconciliation"
)
