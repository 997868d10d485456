package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/payflow/escrow-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing and
// development. Conditional updates run under the store mutex, which gives
// the same atomic read-then-conditional-write the SQL implementation gets
// from a conditional UPDATE.
type MemoryStore struct {
	mu       sync.RWMutex
	escrows  map[string]*model.Escrow
	activity []model.Activity
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		escrows: make(map[string]*model.Escrow),
	}
}

func copyEscrow(e *model.Escrow) *model.Escrow {
	cp := *e
	cp.Milestones = make([]model.Milestone, len(e.Milestones))
	copy(cp.Milestones, e.Milestones)
	return &cp
}

func (s *MemoryStore) CreateEscrow(_ context.Context, e *model.Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.escrows[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, e.ID)
	}
	s.escrows[e.ID] = copyEscrow(e)
	return nil
}

func (s *MemoryStore) GetEscrow(_ context.Context, id string) (*model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.escrows[id]
	if !ok {
		return nil, fmt.Errorf("%w: escrow %s", ErrNotFound, id)
	}
	return copyEscrow(e), nil
}

func (s *MemoryStore) ListEscrows(_ context.Context) ([]model.Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	escrows := make([]model.Escrow, 0, len(s.escrows))
	for _, e := range s.escrows {
		escrows = append(escrows, *copyEscrow(e))
	}
	return escrows, nil
}

func (s *MemoryStore) UpdateEscrowStatus(_ context.Context, id string, from, to model.EscrowStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[id]
	if !ok {
		return fmt.Errorf("%w: escrow %s", ErrNotFound, id)
	}
	if e.Status != from {
		return fmt.Errorf("%w: escrow %s is %s, expected %s", ErrStatusConflict, id, e.Status, from)
	}
	e.Status = to
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) UpdateMilestoneStatus(_ context.Context, escrowID, milestoneID string, from, to model.MilestoneStatus, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[escrowID]
	if !ok {
		return fmt.Errorf("%w: escrow %s", ErrNotFound, escrowID)
	}
	m := e.Milestone(milestoneID)
	if m == nil {
		return fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
	}
	if m.Status != from {
		return fmt.Errorf("%w: milestone %s is %s, expected %s", ErrStatusConflict, milestoneID, m.Status, from)
	}
	m.Status = to
	if txHash != "" {
		m.TxHash = txHash
	}
	if to == model.MilestoneReleased {
		m.ReleasedAt = time.Now().UTC()
	}
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) AddReleasedAmount(_ context.Context, escrowID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.escrows[escrowID]
	if !ok {
		return fmt.Errorf("%w: escrow %s", ErrNotFound, escrowID)
	}
	e.ReleasedAmount = e.ReleasedAmount.Add(amount)
	e.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) LogActivity(_ context.Context, a *model.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.activity = append(s.activity, *a)
	return nil
}

func (s *MemoryStore) ListActivity(_ context.Context, escrowID string) ([]model.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Activity
	for _, a := range s.activity {
		if a.EscrowID == escrowID {
			result = append(result, a)
		}
	}
	return result, nil
}
