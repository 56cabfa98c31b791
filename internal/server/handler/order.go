package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// OrderService defines the methods that the order handler requires from the
// service layer.
type OrderService interface {
	PlaceOrder(ctx context.Context, params domain.OrderParams) (string, error)
	CancelOrder(ctx context.Context, orderID string) error
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
	ListPending(ctx context.Context, ownerID string) ([]domain.Order, error)
	ExecuteMarketOrder(ctx context.Context, params domain.OrderParams) (domain.ExecutionResult, error)
}

// OrderHandler serves order-related HTTP endpoints.
type OrderHandler struct {
	orders OrderService
	logger *slog.Logger
}

// NewOrderHandler creates an OrderHandler with the given service and logger.
func NewOrderHandler(orders OrderService, logger *slog.Logger) *OrderHandler {
	return &OrderHandler{orders: orders, logger: logger}
}

// placeOrderRequest is the JSON body for placing a limit order.
type placeOrderRequest struct {
	OwnerID       string  `json:"owner_id"`
	TokenMint     string  `json:"token_mint"`
	Side          string  `json:"side"`
	AmountUnits   uint64  `json:"amount_units"`
	TargetPrice   float64 `json:"target_price"`
	TargetPercent float64 `json:"target_percent"`
	SlippagePct   float64 `json:"slippage_pct"`
	TakeProfitPct float64 `json:"take_profit_pct"`
	StopLossPct   float64 `json:"stop_loss_pct"`
	Protected     bool    `json:"protected"`
}

func (req placeOrderRequest) params() domain.OrderParams {
	target := domain.AbsoluteTarget(req.TargetPrice)
	if req.TargetPercent != 0 {
		target = domain.RelativeTarget(req.TargetPercent)
	}
	return domain.OrderParams{
		OwnerID:       req.OwnerID,
		TokenMint:     req.TokenMint,
		Side:          domain.OrderSide(req.Side),
		AmountUnits:   req.AmountUnits,
		Target:        target,
		SlippagePct:   req.SlippagePct,
		TakeProfitPct: req.TakeProfitPct,
		StopLossPct:   req.StopLossPct,
		Protected:     req.Protected,
	}
}

// ListOrders returns pending orders for an owner.
// GET /api/orders?owner_id=...
func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	ownerID := r.URL.Query().Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id query parameter required")
		return
	}

	orders, err := h.orders.ListPending(r.Context(), ownerID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list orders failed",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list orders")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"orders": viewOrders(orders)})
}

// GetOrder returns a single order by id.
// GET /api/orders/{id}
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	order, err := h.orders.GetOrder(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get order")
		return
	}

	writeJSON(w, http.StatusOK, viewOrder(order))
}

// PlaceOrder creates a new limit order from a JSON body.
// POST /api/orders
func (h *OrderHandler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	id, err := h.orders.PlaceOrder(r.Context(), req.params())
	if err != nil {
		writeServiceError(w, r, h.logger, "place order", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"order_id": id,
		"status":   string(domain.OrderStatusPending),
	})
}

// CancelOrder cancels a pending order and its pending children.
// DELETE /api/orders/{id}
func (h *OrderHandler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing order id")
		return
	}

	if err := h.orders.CancelOrder(r.Context(), id); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		if errors.Is(err, domain.ErrOrderTerminal) {
			writeError(w, http.StatusConflict, "order already terminal")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: cancel order failed",
			slog.String("order_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel order")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":   "cancelled",
		"order_id": id,
	})
}

// ExecuteMarket runs an immediate swap from a JSON body. The slippage and
// protection flags apply; the target fields are ignored.
// POST /api/orders/market
func (h *OrderHandler) ExecuteMarket(w http.ResponseWriter, r *http.Request) {
	var req placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	result, err := h.orders.ExecuteMarketOrder(r.Context(), req.params())
	if err != nil {
		writeServiceError(w, r, h.logger, "market order", err)
		return
	}

	status := http.StatusOK
	if !result.Success {
		// The attempt ran but the swap did not land; surface the kind.
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]any{
		"success":       result.Success,
		"signature":     result.Signature,
		"filled_price":  result.FilledPrice,
		"filled_amount": result.FilledAmount,
		"tip_paid":      result.TipPaid,
		"err_kind":      result.ErrKind,
		"message":       result.Message,
	})
}

// writeServiceError maps service-layer failures onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, op string, err error) {
	if errors.Is(err, domain.ErrRateLimited) {
		writeError(w, http.StatusTooManyRequests, "rate limited")
		return
	}
	var terr *domain.TradeError
	if errors.As(err, &terr) && terr.Kind == domain.KindValidation {
		writeError(w, http.StatusBadRequest, terr.Message)
		return
	}
	logger.ErrorContext(r.Context(), "handler: "+op+" failed",
		slog.String("error", err.Error()),
	)
	writeError(w, http.StatusInternalServerError, "failed to "+op)
}
