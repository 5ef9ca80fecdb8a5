package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/elephantbot/internal/domain"
)

var _ domain.CycleStore = (*CycleStore)(nil)

// CycleStore implements domain.CycleStore using PostgreSQL.
type CycleStore struct {
	pool *pgxpool.Pool
}

// NewCycleStore creates a CycleStore backed by pool.
func NewCycleStore(pool *pgxpool.Pool) *CycleStore {
	return &CycleStore{pool: pool}
}

const cycleSelectCols = `id, symbol, elephant_side, outcome, reason,
	elephant_price, buy_price, buy_qty, sell_price, sell_qty, matched_qty,
	gross_pnl, fees, net_pnl, started_at, completed_at`

func scanCycleRows(rows pgx.Rows) ([]domain.CycleRecord, error) {
	var out []domain.CycleRecord
	for rows.Next() {
		var r domain.CycleRecord
		if err := rows.Scan(
			&r.ID, &r.Symbol, &r.Side, &r.Outcome, &r.Reason,
			&r.ElephantPx, &r.BuyPrice, &r.BuyQty, &r.SellPrice, &r.SellQty, &r.MatchedQty,
			&r.GrossPnL, &r.Fees, &r.NetPnL, &r.StartedAt, &r.CompletedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Insert writes a finished cycle. Re-inserting the same id is a no-op.
func (s *CycleStore) Insert(ctx context.Context, r domain.CycleRecord) error {
	const query = `
		INSERT INTO cycles (` + cycleSelectCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING`
	_, err := s.pool.Exec(ctx, query,
		r.ID, r.Symbol, r.Side, r.Outcome, r.Reason,
		r.ElephantPx, r.BuyPrice, r.BuyQty, r.SellPrice, r.SellQty, r.MatchedQty,
		r.GrossPnL, r.Fees, r.NetPnL, r.StartedAt, r.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert cycle %s: %w", r.ID, err)
	}
	return nil
}

// GetByID returns domain.ErrNotFound when no cycle has id.
func (s *CycleStore) GetByID(ctx context.Context, id string) (domain.CycleRecord, error) {
	var r domain.CycleRecord
	err := s.pool.QueryRow(ctx, `SELECT `+cycleSelectCols+` FROM cycles WHERE id = $1`, id).Scan(
		&r.ID, &r.Symbol, &r.Side, &r.Outcome, &r.Reason,
		&r.ElephantPx, &r.BuyPrice, &r.BuyQty, &r.SellPrice, &r.SellQty, &r.MatchedQty,
		&r.GrossPnL, &r.Fees, &r.NetPnL, &r.StartedAt, &r.CompletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.CycleRecord{}, fmt.Errorf("postgres: cycle %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.CycleRecord{}, fmt.Errorf("postgres: get cycle %s: %w", id, err)
	}
	return r, nil
}

// List returns cycles newest first, filtered on completed_at.
func (s *CycleStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.CycleRecord, error) {
	query, args := listQuery(`SELECT `+cycleSelectCols+` FROM cycles`, "completed_at", opts)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycles: %w", err)
	}
	defer rows.Close()

	recs, err := scanCycleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan cycles: %w", err)
	}
	return recs, nil
}

// ListBetween returns the cycles completed in [from, to), oldest first.
func (s *CycleStore) ListBetween(ctx context.Context, from, to time.Time) ([]domain.CycleRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+cycleSelectCols+` FROM cycles
		WHERE completed_at >= $1 AND completed_at < $2
		ORDER BY completed_at ASC`, from, to)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycles between: %w", err)
	}
	defer rows.Close()

	recs, err := scanCycleRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan cycles: %w", err)
	}
	return recs, nil
}

// DeleteBefore removes cycles completed before the cutoff.
func (s *CycleStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM cycles WHERE completed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete cycles before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}
