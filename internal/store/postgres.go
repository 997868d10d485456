package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/payflow/escrow-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
// Conditional status updates are single UPDATE statements guarded by the
// expected current status, so concurrent writers race on the row, not in
// application memory.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) CreateEscrow(ctx context.Context, e *model.Escrow) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create escrow: %w", err)
	}
	defer tx.Rollback(ctx)

	var deadline *time.Time
	if !e.Deadline.IsZero() {
		deadline = &e.Deadline
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO escrows (id, buyer, seller, total_amount, released_amount, currency,
		                      status, escrow_type, custody_wallet_ref, deadline, created_at, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6, $7, $8, $9, $10, $11, $12)`,
		e.ID, e.Buyer, e.Seller,
		e.TotalAmount.String(), e.ReleasedAmount.String(),
		e.Currency, string(e.Status), e.EscrowType, e.CustodyWalletRef,
		deadline, e.CreatedAt, e.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert escrow %s: %w", e.ID, err)
	}

	for i, m := range e.Milestones {
		_, err = tx.Exec(ctx,
			`INSERT INTO milestones (id, escrow_id, position, title, percentage, amount, status)
			 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7)`,
			m.ID, e.ID, i, m.Title, m.Percentage.String(), m.Amount.String(), string(m.Status),
		)
		if err != nil {
			return fmt.Errorf("insert milestone %s: %w", m.ID, err)
		}
	}

	return tx.Commit(ctx)
}

func (s *PostgresStore) GetEscrow(ctx context.Context, id string) (*model.Escrow, error) {
	var e model.Escrow
	var totalAmount, releasedAmount string
	var deadline *time.Time

	err := s.pool.QueryRow(ctx,
		`SELECT id, buyer, seller, total_amount::TEXT, released_amount::TEXT,
		        currency, status, escrow_type, custody_wallet_ref, deadline,
		        created_at, updated_at
		 FROM escrows WHERE id = $1`, id).
		Scan(&e.ID, &e.Buyer, &e.Seller, &totalAmount, &releasedAmount,
			&e.Currency, &e.Status, &e.EscrowType, &e.CustodyWalletRef, &deadline,
			&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: escrow %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get escrow %s: %w", id, err)
	}

	e.TotalAmount, _ = decimal.NewFromString(totalAmount)
	e.ReleasedAmount, _ = decimal.NewFromString(releasedAmount)
	if deadline != nil {
		e.Deadline = *deadline
	}

	if e.Milestones, err = s.milestones(ctx, id); err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *PostgresStore) milestones(ctx context.Context, escrowID string) ([]model.Milestone, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, escrow_id, title, percentage::TEXT, amount::TEXT, status,
		        COALESCE(tx_hash, ''), released_at
		 FROM milestones WHERE escrow_id = $1 ORDER BY position`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list milestones for %s: %w", escrowID, err)
	}
	defer rows.Close()

	var out []model.Milestone
	for rows.Next() {
		var m model.Milestone
		var percentage, amount string
		var releasedAt *time.Time
		if err := rows.Scan(&m.ID, &m.EscrowID, &m.Title, &percentage, &amount,
			&m.Status, &m.TxHash, &releasedAt); err != nil {
			return nil, fmt.Errorf("scan milestone: %w", err)
		}
		m.Percentage, _ = decimal.NewFromString(percentage)
		m.Amount, _ = decimal.NewFromString(amount)
		if releasedAt != nil {
			m.ReleasedAt = *releasedAt
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListEscrows(ctx context.Context) ([]model.Escrow, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM escrows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list escrows: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	escrows := make([]model.Escrow, 0, len(ids))
	for _, id := range ids {
		e, err := s.GetEscrow(ctx, id)
		if err != nil {
			return nil, err
		}
		escrows = append(escrows, *e)
	}
	return escrows, nil
}

func (s *PostgresStore) UpdateEscrowStatus(ctx context.Context, id string, from, to model.EscrowStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE escrows SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status = $3`,
		string(to), id, string(from),
	)
	if err != nil {
		return fmt.Errorf("update escrow %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.statusConflict(ctx, id, from)
	}
	return nil
}

// statusConflict distinguishes a missing row from a lost race.
func (s *PostgresStore) statusConflict(ctx context.Context, id string, expected model.EscrowStatus) error {
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM escrows WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: escrow %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("check escrow %s status: %w", id, err)
	}
	return fmt.Errorf("%w: escrow %s is %s, expected %s", ErrStatusConflict, id, current, expected)
}

func (s *PostgresStore) UpdateMilestoneStatus(ctx context.Context, escrowID, milestoneID string, from, to model.MilestoneStatus, txHash string) error {
	var releasedAt *time.Time
	if to == model.MilestoneReleased {
		now := time.Now().UTC()
		releasedAt = &now
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE milestones
		 SET status = $1, tx_hash = COALESCE(NULLIF($2, ''), tx_hash), released_at = COALESCE($3, released_at)
		 WHERE id = $4 AND escrow_id = $5 AND status = $6`,
		string(to), txHash, releasedAt, milestoneID, escrowID, string(from),
	)
	if err != nil {
		return fmt.Errorf("update milestone %s status: %w", milestoneID, err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx,
			`SELECT status FROM milestones WHERE id = $1 AND escrow_id = $2`,
			milestoneID, escrowID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: milestone %s", ErrNotFound, milestoneID)
		}
		if err != nil {
			return fmt.Errorf("check milestone %s status: %w", milestoneID, err)
		}
		return fmt.Errorf("%w: milestone %s is %s, expected %s", ErrStatusConflict, milestoneID, current, from)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE escrows SET updated_at = NOW() WHERE id = $1`, escrowID)
	return err
}

func (s *PostgresStore) AddReleasedAmount(ctx context.Context, escrowID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE escrows
		 SET released_amount = released_amount + $1::NUMERIC, updated_at = NOW()
		 WHERE id = $2`,
		amount.String(), escrowID,
	)
	if err != nil {
		return fmt.Errorf("add released amount for %s: %w", escrowID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: escrow %s", ErrNotFound, escrowID)
	}
	return nil
}

func (s *PostgresStore) LogActivity(ctx context.Context, a *model.Activity) error {
	var metadata []byte
	if len(a.Metadata) > 0 {
		metadata, _ = json.Marshal(a.Metadata)
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO escrow_activity (id, escrow_id, type, actor, message, metadata, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		a.ID, a.EscrowID, a.Type, a.Actor, a.Message, metadata, a.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("log activity for %s: %w", a.EscrowID, err)
	}
	return nil
}

func (s *PostgresStore) ListActivity(ctx context.Context, escrowID string) ([]model.Activity, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, escrow_id, type, actor, message, COALESCE(metadata, 'null'::JSONB), timestamp
		 FROM escrow_activity WHERE escrow_id = $1 ORDER BY timestamp`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("list activity for %s: %w", escrowID, err)
	}
	defer rows.Close()

	var out []model.Activity
	for rows.Next() {
		var a model.Activity
		var metadata []byte
		if err := rows.Scan(&a.ID, &a.EscrowID, &a.Type, &a.Actor, &a.Message, &metadata, &a.Timestamp); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(metadata) > 0 {
			json.Unmarshal(metadata, &a.Metadata)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
