package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

// Create inserts a new position.
func (s *PositionStore) Create(ctx context.Context, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			id, owner_id, token_mint, venue,
			entry_price, current_price, amount,
			unrealized_pnl, realized_pnl, status,
			opened_at, closed_at, exit_price, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		p.ID, p.OwnerID, p.TokenMint, string(p.Venue),
		p.EntryPrice, p.CurrentPrice, int64(p.Amount),
		p.UnrealizedPnL, p.RealizedPnL, string(p.Status),
		p.OpenedAt, p.ClosedAt, p.ExitPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: create position %s: %w", p.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of a position.
func (s *PositionStore) Update(ctx context.Context, p domain.Position) error {
	const query = `
		UPDATE positions SET
			current_price = $2, unrealized_pnl = $3, realized_pnl = $4,
			status = $5, closed_at = $6, exit_price = $7, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		p.ID, p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL,
		string(p.Status), p.ClosedAt, p.ExitPrice,
	)
	if err != nil {
		return fmt.Errorf("postgres: update position %s: %w", p.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Close marks a position closed at the exit price, realizing its P&L in one
// statement so concurrent closes cannot double-count.
func (s *PositionStore) Close(ctx context.Context, id string, exitPrice float64) error {
	const query = `
		UPDATE positions SET
			status = $2,
			exit_price = $3,
			realized_pnl = ($3 - entry_price) * amount,
			unrealized_pnl = 0,
			closed_at = NOW(),
			updated_at = NOW()
		WHERE id = $1 AND status = $4`

	tag, err := s.pool.Exec(ctx, query,
		id, string(domain.PositionStatusClosed), exitPrice, string(domain.PositionStatusOpen),
	)
	if err != nil {
		return fmt.Errorf("postgres: close position %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const positionSelectCols = `id, owner_id, token_mint, venue,
	entry_price, current_price, amount,
	unrealized_pnl, realized_pnl, status,
	opened_at, closed_at, exit_price`

func scanPosition(scanner interface{ Scan(dest ...any) error }) (domain.Position, error) {
	var p domain.Position
	var venue, status string
	var amount int64

	err := scanner.Scan(
		&p.ID, &p.OwnerID, &p.TokenMint, &venue,
		&p.EntryPrice, &p.CurrentPrice, &amount,
		&p.UnrealizedPnL, &p.RealizedPnL, &status,
		&p.OpenedAt, &p.ClosedAt, &p.ExitPrice,
	)
	if err != nil {
		return domain.Position{}, err
	}
	p.Venue = domain.Venue(venue)
	p.Status = domain.PositionStatus(status)
	p.Amount = uint64(amount)
	return p, nil
}

// GetByID fetches a single position.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE id = $1`
	p, err := scanPosition(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", id, err)
	}
	return p, nil
}

// ListOpen returns open positions, optionally filtered by owner.
func (s *PositionStore) ListOpen(ctx context.Context, ownerID string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE status = $1`
	args := []any{string(domain.PositionStatusOpen)}
	if ownerID != "" {
		query += ` AND owner_id = $2`
		args = append(args, ownerID)
	}
	query += ` ORDER BY opened_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate positions: %w", err)
	}
	return out, nil
}
