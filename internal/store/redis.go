package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/payflow/escrow-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for escrow reads. All writes go to the primary store and invalidate
// the cache, so a conditional status update never races a stale cache entry:
// the CAS always evaluates against the primary.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) CreateEscrow(ctx context.Context, e *model.Escrow) error {
	if err := s.primary.CreateEscrow(ctx, e); err != nil {
		return err
	}
	s.cacheEscrow(ctx, e)
	return nil
}

func (s *CachedStore) UpdateEscrowStatus(ctx context.Context, id string, from, to model.EscrowStatus) error {
	if err := s.primary.UpdateEscrowStatus(ctx, id, from, to); err != nil {
		return err
	}
	s.rdb.Del(ctx, escrowKey(id))
	return nil
}

func (s *CachedStore) UpdateMilestoneStatus(ctx context.Context, escrowID, milestoneID string, from, to model.MilestoneStatus, txHash string) error {
	if err := s.primary.UpdateMilestoneStatus(ctx, escrowID, milestoneID, from, to, txHash); err != nil {
		return err
	}
	s.rdb.Del(ctx, escrowKey(escrowID))
	return nil
}

func (s *CachedStore) AddReleasedAmount(ctx context.Context, escrowID string, amount decimal.Decimal) error {
	if err := s.primary.AddReleasedAmount(ctx, escrowID, amount); err != nil {
		return err
	}
	s.rdb.Del(ctx, escrowKey(escrowID))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	data, err := s.rdb.Get(ctx, escrowKey(id)).Bytes()
	if err == nil {
		var e model.Escrow
		if json.Unmarshal(data, &e) == nil {
			return &e, nil
		}
	}

	// Cache miss: read from primary.
	e, err := s.primary.GetEscrow(ctx, id)
	if err != nil {
		return nil, err
	}

	s.cacheEscrow(ctx, e)
	return e, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListEscrows(ctx context.Context) ([]model.Escrow, error) {
	return s.primary.ListEscrows(ctx)
}

func (s *CachedStore) LogActivity(ctx context.Context, a *model.Activity) error {
	return s.primary.LogActivity(ctx, a)
}

func (s *CachedStore) ListActivity(ctx context.Context, escrowID string) ([]model.Activity, error) {
	return s.primary.ListActivity(ctx, escrowID)
}

// --- Cache helpers ---

func (s *CachedStore) cacheEscrow(ctx context.Context, e *model.Escrow) {
	if data, err := json.Marshal(e); err == nil {
		s.rdb.Set(ctx, escrowKey(e.ID), data, s.ttl)
	}
}

func escrowKey(id string) string { return fmt.Sprintf("escrow:%s", id) }
