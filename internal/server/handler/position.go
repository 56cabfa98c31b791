package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// PositionService defines the methods that the position handler requires.
type PositionService interface {
	ListOpen(ctx context.Context, ownerID string) ([]domain.Position, error)
	RefreshAll(ctx context.Context, ownerID string) error
}

// PositionHandler serves position-related HTTP endpoints.
type PositionHandler struct {
	positions PositionService
	logger    *slog.Logger
}

// NewPositionHandler creates a PositionHandler with the given service and logger.
func NewPositionHandler(positions PositionService, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, logger: logger}
}

// ListPositions returns open positions for an owner, refreshing unrealized
// P&L from the price cache first when refresh=true.
// GET /api/positions?owner_id=...&refresh=true
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	ownerID := q.Get("owner_id")
	if ownerID == "" {
		writeError(w, http.StatusBadRequest, "owner_id query parameter required")
		return
	}

	if q.Get("refresh") == "true" {
		if err := h.positions.RefreshAll(r.Context(), ownerID); err != nil {
			h.logger.WarnContext(r.Context(), "handler: position refresh failed",
				slog.String("owner_id", ownerID),
				slog.String("error", err.Error()),
			)
		}
	}

	positions, err := h.positions.ListOpen(r.Context(), ownerID)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list positions failed",
			slog.String("owner_id", ownerID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}

	out := make([]positionView, 0, len(positions))
	for _, p := range positions {
		out = append(out, viewPosition(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"positions": out})
}
