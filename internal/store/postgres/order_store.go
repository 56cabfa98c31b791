package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// OrderStore implements domain.OrderStore using PostgreSQL.
type OrderStore struct {
	pool *pgxpool.Pool
}

// NewOrderStore creates a new OrderStore backed by the given connection pool.
func NewOrderStore(pool *pgxpool.Pool) *OrderStore {
	return &OrderStore{pool: pool}
}

// Create inserts a new order into the database.
func (s *OrderStore) Create(ctx context.Context, o domain.Order) error {
	targetPrice, targetPercent, targetRelative := o.Params.Target.Raw()

	const query = `
		INSERT INTO orders (
			id, owner_id, token_mint, side, amount_units,
			target_price, target_percent, target_relative, entry_price,
			slippage_pct, take_profit_pct, stop_loss_pct,
			position_id, parent_id, protected,
			status, venue, current_price,
			filled_price, filled_amount, tx_signature,
			created_at, filled_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9,
			$10, $11, $12,
			$13, $14, $15,
			$16, $17, $18,
			$19, $20, $21,
			$22, $23, NOW()
		)`

	_, err := s.pool.Exec(ctx, query,
		o.ID, o.Params.OwnerID, o.Params.TokenMint, string(o.Params.Side), int64(o.Params.AmountUnits),
		targetPrice, targetPercent, targetRelative, o.EntryPrice,
		o.Params.SlippagePct, o.Params.TakeProfitPct, o.Params.StopLossPct,
		o.Params.PositionID, o.Params.ParentID, o.Params.Protected,
		string(o.Status), string(o.Venue), o.CurrentPrice,
		o.FilledPrice, int64(o.FilledAmount), o.TxSignature,
		o.CreatedAt, o.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: create order %s: %w", o.ID, err)
	}
	return nil
}

// Update rewrites the mutable fields of an existing order.
func (s *OrderStore) Update(ctx context.Context, o domain.Order) error {
	const query = `
		UPDATE orders SET
			status = $2, current_price = $3,
			filled_price = $4, filled_amount = $5, tx_signature = $6,
			filled_at = $7, updated_at = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		o.ID, string(o.Status), o.CurrentPrice,
		o.FilledPrice, int64(o.FilledAmount), o.TxSignature,
		o.FilledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order %s: %w", o.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// UpdateStatus changes the status of an existing order and stamps filled_at
// when the order fills.
func (s *OrderStore) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) error {
	var query string
	if status == domain.OrderStatusFilled {
		query = `UPDATE orders SET status = $1, filled_at = NOW(), updated_at = NOW() WHERE id = $2`
	} else {
		query = `UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2`
	}

	tag, err := s.pool.Exec(ctx, query, string(status), id)
	if err != nil {
		return fmt.Errorf("postgres: update order status %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const orderSelectCols = `id, owner_id, token_mint, side, amount_units,
	target_price, target_percent, target_relative, entry_price,
	slippage_pct, take_profit_pct, stop_loss_pct,
	position_id, parent_id, protected,
	status, venue, current_price,
	filled_price, filled_amount, tx_signature,
	created_at, filled_at`

func scanOrder(scanner interface{ Scan(dest ...any) error }) (domain.Order, error) {
	var o domain.Order
	var side, status, venue string
	var amountUnits, filledAmount int64
	var targetPrice, targetPercent float64
	var targetRelative bool

	err := scanner.Scan(
		&o.ID, &o.Params.OwnerID, &o.Params.TokenMint, &side, &amountUnits,
		&targetPrice, &targetPercent, &targetRelative, &o.EntryPrice,
		&o.Params.SlippagePct, &o.Params.TakeProfitPct, &o.Params.StopLossPct,
		&o.Params.PositionID, &o.Params.ParentID, &o.Params.Protected,
		&status, &venue, &o.CurrentPrice,
		&o.FilledPrice, &filledAmount, &o.TxSignature,
		&o.CreatedAt, &o.FilledAt,
	)
	if err != nil {
		return domain.Order{}, err
	}

	o.Params.Side = domain.OrderSide(side)
	o.Params.AmountUnits = uint64(amountUnits)
	o.Params.Target = domain.TargetFromRaw(targetPrice, targetPercent, targetRelative)
	o.Status = domain.OrderStatus(status)
	o.Venue = domain.Venue(venue)
	o.FilledAmount = uint64(filledAmount)
	return o, nil
}

// GetByID fetches a single order.
func (s *OrderStore) GetByID(ctx context.Context, id string) (domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE id = $1`
	o, err := scanOrder(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, domain.ErrNotFound
		}
		return domain.Order{}, fmt.Errorf("postgres: get order %s: %w", id, err)
	}
	return o, nil
}

// ListPending returns pending orders, optionally filtered by owner. An empty
// ownerID returns every owner's pending orders.
func (s *OrderStore) ListPending(ctx context.Context, ownerID string) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE status = $1`
	args := []any{string(domain.OrderStatusPending)}
	if ownerID != "" {
		query += ` AND owner_id = $2`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pending orders: %w", err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

// ListChildren returns the TP/SL orders spawned by the given parent.
func (s *OrderStore) ListChildren(ctx context.Context, parentID string) ([]domain.Order, error) {
	query := `SELECT ` + orderSelectCols + ` FROM orders WHERE parent_id = $1 ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, parentID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list children of %s: %w", parentID, err)
	}
	defer rows.Close()

	return collectOrders(rows)
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	var out []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan order: %w", err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: iterate orders: %w", err)
	}
	return out, nil
}
