package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/solbot/internal/domain"
)

const (
	maxSlippagePct    = 10.0
	placeRateLimit    = 10
	placeRateWindow   = time.Second
	marketRateLimit   = 5
	marketRateWindow  = time.Second
	defaultOrderTopic = "orders"

	// anchorMaxAge bounds how stale a cached price may be when it anchors a
	// relative target at placement.
	anchorMaxAge = 30 * time.Second
)

// MarketExecutor runs an immediate swap; implemented by the executor.
type MarketExecutor interface {
	ExecuteMarketOrder(ctx context.Context, params domain.OrderParams) domain.ExecutionResult
}

// OrderMonitor is the limit-order lifecycle surface the service drives.
type OrderMonitor interface {
	Watch(ctx context.Context, order domain.Order)
	Cancel(ctx context.Context, orderID string) error
	OnOrderFilled(fn func(domain.Order))
}

// VenueResolver finds the liquidity venue a token currently trades on.
type VenueResolver interface {
	ResolveVenue(ctx context.Context, tokenMint string) (domain.Venue, error)
}

// OrderService is the placement boundary: it validates, rate-limits, persists,
// and hands orders to the monitor or the executor.
type OrderService struct {
	orders   domain.OrderStore
	monitor  OrderMonitor
	executor MarketExecutor
	venues   VenueResolver
	prices   domain.PriceCache
	limiter  domain.RateLimiter
	bus      domain.SignalBus
	audit    domain.AuditStore
	logger   *slog.Logger
}

// NewOrderService creates an OrderService with all required dependencies.
func NewOrderService(
	orders domain.OrderStore,
	monitor OrderMonitor,
	executor MarketExecutor,
	venues VenueResolver,
	prices domain.PriceCache,
	limiter domain.RateLimiter,
	bus domain.SignalBus,
	audit domain.AuditStore,
	logger *slog.Logger,
) *OrderService {
	return &OrderService{
		orders:   orders,
		monitor:  monitor,
		executor: executor,
		venues:   venues,
		prices:   prices,
		limiter:  limiter,
		bus:      bus,
		audit:    audit,
		logger:   logger,
	}
}

// OnOrderFilled registers the single fill callback, invoked once per order
// that reaches FILLED.
func (s *OrderService) OnOrderFilled(fn func(domain.Order)) {
	s.monitor.OnOrderFilled(fn)
}

// PlaceOrder validates and persists a limit order and starts watching it.
// It returns the new order id.
func (s *OrderService) PlaceOrder(ctx context.Context, params domain.OrderParams) (string, error) {
	if err := validateOrderParams(params, true); err != nil {
		return "", err
	}

	// Rate limit check.
	allowed, err := s.limiter.Allow(ctx, "orders:"+params.OwnerID, placeRateLimit, placeRateWindow)
	if err != nil {
		return "", fmt.Errorf("order_service: rate limiter: %w", err)
	}
	if !allowed {
		return "", domain.NewTradeError(domain.KindValidation, "too many orders, slow down", domain.ErrRateLimited)
	}

	venue, err := s.venues.ResolveVenue(ctx, params.TokenMint)
	if err != nil {
		return "", domain.NewTradeError(domain.KindValidation, "token has no tradable venue", err)
	}

	// A relative target is meaningless without an entry to offset from, so
	// it is anchored to the live price at placement. No fresh price, no
	// order.
	var entryPrice float64
	if params.Target.Relative() {
		price, ts, priceErr := s.prices.GetPrice(ctx, params.TokenMint)
		if priceErr != nil || price <= 0 || time.Since(ts) > anchorMaxAge {
			return "", domain.NewTradeError(domain.KindValidation,
				"relative target needs a live price to anchor to", domain.ErrPriceUnknown)
		}
		entryPrice = price
	}

	order := domain.Order{
		ID:         uuid.New().String(),
		Params:     params,
		Status:     domain.OrderStatusPending,
		Venue:      venue,
		EntryPrice: entryPrice,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return "", fmt.Errorf("order_service: create order: %w", err)
	}

	s.monitor.Watch(ctx, order)

	// Publish order placed event.
	evt, _ := json.Marshal(map[string]string{
		"event":    "order_placed",
		"order_id": order.ID,
		"token":    params.TokenMint,
		"side":     string(params.Side),
		"venue":    string(venue),
	})
	if pubErr := s.bus.Publish(ctx, defaultOrderTopic, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "order_service: publish event failed",
			slog.String("order_id", order.ID),
			slog.String("error", pubErr.Error()),
		)
	}

	// Audit log.
	if auditErr := s.audit.Log(ctx, "order_placed", map[string]any{
		"order_id": order.ID,
		"owner":    params.OwnerID,
		"token":    params.TokenMint,
		"side":     string(params.Side),
		"amount":   params.AmountUnits,
		"target":   order.TargetPrice(),
		"venue":    string(venue),
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "order_service: audit log failed",
			slog.String("order_id", order.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "order_service: order placed",
		slog.String("order_id", order.ID),
		slog.String("token", params.TokenMint),
		slog.String("side", string(params.Side)),
		slog.String("venue", string(venue)),
	)

	return order.ID, nil
}

// CancelOrder cancels a pending order and its TP/SL children.
func (s *OrderService) CancelOrder(ctx context.Context, orderID string) error {
	if err := s.monitor.Cancel(ctx, orderID); err != nil {
		return err
	}

	evt, _ := json.Marshal(map[string]string{
		"event":    "order_cancelled",
		"order_id": orderID,
	})
	if pubErr := s.bus.Publish(ctx, defaultOrderTopic, evt); pubErr != nil {
		s.logger.WarnContext(ctx, "order_service: publish event failed",
			slog.String("order_id", orderID),
			slog.String("error", pubErr.Error()),
		)
	}
	if auditErr := s.audit.Log(ctx, "order_cancelled", map[string]any{
		"order_id": orderID,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "order_service: audit log failed",
			slog.String("order_id", orderID),
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "order_service: order cancelled",
		slog.String("order_id", orderID),
	)
	return nil
}

// GetOrder returns a stored order.
func (s *OrderService) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	return s.orders.GetByID(ctx, orderID)
}

// ListPending returns the owner's pending orders.
func (s *OrderService) ListPending(ctx context.Context, ownerID string) ([]domain.Order, error) {
	return s.orders.ListPending(ctx, ownerID)
}

// ExecuteMarketOrder runs an immediate swap and records the outcome. The
// target price is ignored for market orders.
func (s *OrderService) ExecuteMarketOrder(ctx context.Context, params domain.OrderParams) (domain.ExecutionResult, error) {
	if err := validateOrderParams(params, false); err != nil {
		return domain.ExecutionResult{ErrKind: domain.ErrKind(err), Message: err.Error()}, err
	}

	allowed, err := s.limiter.Allow(ctx, "market:"+params.OwnerID, marketRateLimit, marketRateWindow)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("order_service: rate limiter: %w", err)
	}
	if !allowed {
		err := domain.NewTradeError(domain.KindValidation, "too many trades, slow down", domain.ErrRateLimited)
		return domain.ExecutionResult{ErrKind: err.Kind, Message: err.Message}, err
	}

	res := s.executor.ExecuteMarketOrder(ctx, params)

	outcome := "success"
	if !res.Success {
		outcome = res.ErrKind
	}
	if auditErr := s.audit.Log(ctx, "market_order", map[string]any{
		"owner":     params.OwnerID,
		"token":     params.TokenMint,
		"side":      string(params.Side),
		"amount":    params.AmountUnits,
		"outcome":   outcome,
		"signature": res.Signature,
		"tip":       res.TipPaid,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "order_service: audit log failed",
			slog.String("error", auditErr.Error()),
		)
	}

	s.logger.InfoContext(ctx, "order_service: market order executed",
		slog.String("token", params.TokenMint),
		slog.String("side", string(params.Side)),
		slog.String("outcome", outcome),
		slog.String("signature", res.Signature),
	)
	return res, nil
}

// validateOrderParams rejects bad input before any network or storage work.
// requireTarget is set for limit orders; market orders carry no trigger.
func validateOrderParams(p domain.OrderParams, requireTarget bool) error {
	switch {
	case p.OwnerID == "":
		return domain.NewTradeError(domain.KindValidation, "owner id is required", nil)
	case p.TokenMint == "":
		return domain.NewTradeError(domain.KindValidation, "token mint is required", nil)
	case p.Side != domain.OrderSideBuy && p.Side != domain.OrderSideSell:
		return domain.NewTradeError(domain.KindValidation, "side must be buy or sell", nil)
	case p.AmountUnits == 0:
		return domain.NewTradeError(domain.KindValidation, "amount must be positive", nil)
	case p.SlippagePct < 0 || p.SlippagePct > maxSlippagePct:
		return domain.NewTradeError(domain.KindValidation,
			fmt.Sprintf("slippage must be within [0, %.0f]%%", maxSlippagePct), nil)
	case p.TakeProfitPct < 0 || p.StopLossPct < 0:
		return domain.NewTradeError(domain.KindValidation, "take-profit and stop-loss percentages must not be negative", nil)
	case p.StopLossPct >= 100:
		return domain.NewTradeError(domain.KindValidation, "stop-loss of 100% or more is meaningless", nil)
	}
	if requireTarget {
		if p.Target.IsZero() {
			return domain.NewTradeError(domain.KindValidation, "target price is required", nil)
		}
		if p.Target.Resolve(1) <= 0 {
			return domain.NewTradeError(domain.KindValidation, "target price must be positive", nil)
		}
	}
	return nil
}
