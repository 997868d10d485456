// Package store defines the persistence interface for the escrow engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Status updates are conditional writes: the caller names the status it
// read, and the write fails with ErrStatusConflict if the row has moved on.
// This is the compare-and-swap the release coordinator's serialization
// contract relies on.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/payflow/escrow-engine/internal/model"
)

var (
	// ErrNotFound is returned when an escrow or milestone does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrStatusConflict is returned by a conditional status update whose
	// expected current status no longer matches the row.
	ErrStatusConflict = errors.New("store: status conflict")

	// ErrDuplicate is returned when creating an escrow whose ID exists.
	ErrDuplicate = errors.New("store: duplicate escrow")
)

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Escrow rows ---

	// CreateEscrow persists a new escrow with its milestones.
	CreateEscrow(ctx context.Context, e *model.Escrow) error

	// GetEscrow retrieves an escrow with its milestones.
	GetEscrow(ctx context.Context, id string) (*model.Escrow, error)

	// ListEscrows returns all escrows (milestones included).
	ListEscrows(ctx context.Context) ([]model.Escrow, error)

	// UpdateEscrowStatus moves an escrow from one status to another,
	// failing with ErrStatusConflict unless the current status is from.
	UpdateEscrowStatus(ctx context.Context, id string, from, to model.EscrowStatus) error

	// UpdateMilestoneStatus moves a milestone from one status to another
	// under the same conditional-write contract. txHash is recorded when
	// the transition is a release (may be empty otherwise).
	UpdateMilestoneStatus(ctx context.Context, escrowID, milestoneID string, from, to model.MilestoneStatus, txHash string) error

	// AddReleasedAmount accumulates the amount moved out of custody.
	AddReleasedAmount(ctx context.Context, escrowID string, amount decimal.Decimal) error

	// --- Immutable audit log ---

	// LogActivity appends an immutable audit record.
	LogActivity(ctx context.Context, a *model.Activity) error

	// ListActivity returns all audit records for an escrow, oldest first.
	ListActivity(ctx context.Context, escrowID string) ([]model.Activity, error)
}
