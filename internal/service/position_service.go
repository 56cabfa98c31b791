package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// PositionService manages holdings: opening on buy fills, marking to the live
// price, and realizing P&L when the position is sold down.
type PositionService struct {
	positions domain.PositionStore
	prices    domain.PriceCache
	bus       domain.SignalBus
	audit     domain.AuditStore
	logger    *slog.Logger
}

// NewPositionService creates a PositionService with all required dependencies.
func NewPositionService(
	positions domain.PositionStore,
	prices domain.PriceCache,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		positions: positions,
		prices:    prices,
		bus:       bus,
		audit:     audit,
		logger:    logger,
	}
}

// HandleFill is the monitor's fill callback. A buy fill without a parent opens
// a position; a sell fill linked to a position closes it at the realized
// price.
func (s *PositionService) HandleFill(ctx context.Context, order domain.Order) {
	switch {
	case order.Params.Side == domain.OrderSideBuy && order.Params.ParentID == "":
		if _, err := s.OpenPosition(ctx, order); err != nil {
			s.logger.ErrorContext(ctx, "position_service: open from fill failed",
				slog.String("order_id", order.ID),
				slog.String("error", err.Error()),
			)
		}
	case order.Params.Side == domain.OrderSideSell && order.Params.PositionID != "":
		if err := s.ClosePosition(ctx, order.Params.PositionID, order.FilledPrice); err != nil {
			s.logger.ErrorContext(ctx, "position_service: close from fill failed",
				slog.String("order_id", order.ID),
				slog.String("position_id", order.Params.PositionID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// OpenPosition creates a position from a filled buy order.
func (s *PositionService) OpenPosition(ctx context.Context, order domain.Order) (domain.Position, error) {
	if order.Status != domain.OrderStatusFilled {
		return domain.Position{}, fmt.Errorf("position_service: order %q is not filled", order.ID)
	}

	pos := domain.Position{
		ID:           order.ID, // use order ID as position ID
		OwnerID:      order.Params.OwnerID,
		TokenMint:    order.Params.TokenMint,
		Venue:        order.Venue,
		EntryPrice:   order.FilledPrice,
		CurrentPrice: order.FilledPrice,
		Amount:       order.FilledAmount,
		Status:       domain.PositionStatusOpen,
		OpenedAt:     time.Now().UTC(),
	}

	if err := s.positions.Create(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: create position: %w", err)
	}

	// Publish position opened event.
	evt, _ := json.Marshal(map[string]any{
		"event":       "position_opened",
		"position_id": pos.ID,
		"token":       pos.TokenMint,
		"entry_price": pos.EntryPrice,
		"amount":      pos.Amount,
	})
	if pubErr := s.bus.Publish(ctx, "positions", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "position_service: publish event failed",
			slog.String("position_id", pos.ID),
			slog.String("error", pubErr.Error()),
		)
	}

	if auditErr := s.audit.Log(ctx, "position_opened", map[string]any{
		"position_id": pos.ID,
		"owner":       pos.OwnerID,
		"token":       pos.TokenMint,
		"entry_price": pos.EntryPrice,
		"amount":      pos.Amount,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "position_service: audit log failed",
			slog.String("position_id", pos.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "position_service: position opened",
		slog.String("position_id", pos.ID),
		slog.String("token", pos.TokenMint),
		slog.Float64("entry_price", pos.EntryPrice),
		slog.Uint64("amount", pos.Amount),
	)

	return pos, nil
}

// UpdatePrice marks a position to the given price and recomputes unrealized
// P&L.
func (s *PositionService) UpdatePrice(ctx context.Context, posID string, currentPrice float64) error {
	pos, err := s.positions.GetByID(ctx, posID)
	if err != nil {
		return fmt.Errorf("position_service: get position %q: %w", posID, err)
	}
	if pos.Status != domain.PositionStatusOpen {
		return nil
	}

	pos.CurrentPrice = currentPrice
	pos.UnrealizedPnL = (currentPrice - pos.EntryPrice) * float64(pos.Amount)

	if err := s.positions.Update(ctx, pos); err != nil {
		return fmt.Errorf("position_service: update position %q: %w", posID, err)
	}
	return nil
}

// RefreshAll marks every open position of the owner to the cached live price.
// Positions without a fresh price are skipped.
func (s *PositionService) RefreshAll(ctx context.Context, ownerID string) error {
	open, err := s.positions.ListOpen(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("position_service: list open positions: %w", err)
	}
	for _, pos := range open {
		price, _, err := s.prices.GetPrice(ctx, pos.TokenMint)
		if err != nil {
			if !errors.Is(err, domain.ErrNotFound) {
				s.logger.WarnContext(ctx, "position_service: price lookup failed",
					slog.String("position_id", pos.ID),
					slog.String("error", err.Error()),
				)
			}
			continue
		}
		if err := s.UpdatePrice(ctx, pos.ID, price); err != nil {
			s.logger.WarnContext(ctx, "position_service: refresh failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// ClosePosition realizes P&L at the exit price and marks the position closed.
func (s *PositionService) ClosePosition(ctx context.Context, posID string, exitPrice float64) error {
	pos, err := s.positions.GetByID(ctx, posID)
	if err != nil {
		return fmt.Errorf("position_service: get position %q: %w", posID, err)
	}
	if pos.Status != domain.PositionStatusOpen {
		return fmt.Errorf("position_service: position %q already closed", posID)
	}

	realized := (exitPrice - pos.EntryPrice) * float64(pos.Amount)
	if err := s.positions.Close(ctx, posID, exitPrice); err != nil {
		return fmt.Errorf("position_service: close position %q: %w", posID, err)
	}

	evt, _ := json.Marshal(map[string]any{
		"event":        "position_closed",
		"position_id":  posID,
		"exit_price":   exitPrice,
		"realized_pnl": realized,
	})
	if pubErr := s.bus.Publish(ctx, "positions", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "position_service: publish event failed",
			slog.String("position_id", posID),
			slog.String("error", pubErr.Error()),
		)
	}
	if auditErr := s.audit.Log(ctx, "position_closed", map[string]any{
		"position_id":  posID,
		"exit_price":   exitPrice,
		"realized_pnl": realized,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "position_service: audit log failed",
			slog.String("position_id", posID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "position_service: position closed",
		slog.String("position_id", posID),
		slog.Float64("exit_price", exitPrice),
		slog.Float64("realized_pnl", realized),
	)
	return nil
}

// ListOpen returns the owner's open positions.
func (s *PositionService) ListOpen(ctx context.Context, ownerID string) ([]domain.Position, error) {
	return s.positions.ListOpen(ctx, ownerID)
}
