package handler

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// writeJSON marshals v as JSON and writes it to the response with the given
// HTTP status code. If marshaling fails, it falls back to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// writeError sends a JSON-formatted error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts extracts standard pagination parameters from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{Limit: limit, Offset: offset}
}

// orderView is the JSON shape of an order. The domain order keeps its trigger
// target opaque, so the view flattens it back into price/percent fields.
type orderView struct {
	ID            string  `json:"id"`
	OwnerID       string  `json:"owner_id"`
	TokenMint     string  `json:"token_mint"`
	Side          string  `json:"side"`
	AmountUnits   uint64  `json:"amount_units"`
	TargetPrice   float64 `json:"target_price,omitempty"`
	TargetPercent float64 `json:"target_percent,omitempty"`
	EntryPrice    float64 `json:"entry_price,omitempty"`
	SlippagePct   float64 `json:"slippage_pct"`
	TakeProfitPct float64 `json:"take_profit_pct,omitempty"`
	StopLossPct   float64 `json:"stop_loss_pct,omitempty"`
	PositionID    string  `json:"position_id,omitempty"`
	ParentID      string  `json:"parent_id,omitempty"`
	Protected     bool    `json:"protected"`
	Status        string  `json:"status"`
	Venue         string  `json:"venue,omitempty"`
	FilledPrice   float64 `json:"filled_price,omitempty"`
	FilledAmount  uint64  `json:"filled_amount,omitempty"`
	TxSignature   string  `json:"tx_signature,omitempty"`
	CreatedAt     string  `json:"created_at"`
	FilledAt      string  `json:"filled_at,omitempty"`
}

func viewOrder(o domain.Order) orderView {
	price, percent, relative := o.Params.Target.Raw()
	v := orderView{
		ID:            o.ID,
		OwnerID:       o.Params.OwnerID,
		TokenMint:     o.Params.TokenMint,
		Side:          string(o.Params.Side),
		SlippagePct:   o.Params.SlippagePct,
		AmountUnits:   o.Params.AmountUnits,
		TakeProfitPct: o.Params.TakeProfitPct,
		StopLossPct:   o.Params.StopLossPct,
		PositionID:    o.Params.PositionID,
		ParentID:      o.Params.ParentID,
		Protected:     o.Params.Protected,
		Status:        string(o.Status),
		Venue:         string(o.Venue),
		FilledPrice:   o.FilledPrice,
		FilledAmount:  o.FilledAmount,
		TxSignature:   o.TxSignature,
		CreatedAt:     o.CreatedAt.UTC().Format(time.RFC3339),
	}
	if relative {
		v.TargetPercent = percent
		v.EntryPrice = o.EntryPrice
		// The concrete trigger, once the anchor is known.
		v.TargetPrice = o.TargetPrice()
	} else {
		v.TargetPrice = price
	}
	if o.FilledAt != nil {
		v.FilledAt = o.FilledAt.UTC().Format(time.RFC3339)
	}
	return v
}

func viewOrders(orders []domain.Order) []orderView {
	out := make([]orderView, 0, len(orders))
	for _, o := range orders {
		out = append(out, viewOrder(o))
	}
	return out
}

// positionView is the JSON shape of a position.
type positionView struct {
	ID            string   `json:"id"`
	OwnerID       string   `json:"owner_id"`
	TokenMint     string   `json:"token_mint"`
	Venue         string   `json:"venue"`
	EntryPrice    float64  `json:"entry_price"`
	CurrentPrice  float64  `json:"current_price"`
	Amount        uint64   `json:"amount"`
	UnrealizedPnL float64  `json:"unrealized_pnl"`
	RealizedPnL   float64  `json:"realized_pnl"`
	Status        string   `json:"status"`
	OpenedAt      string   `json:"opened_at"`
	ClosedAt      string   `json:"closed_at,omitempty"`
	ExitPrice     *float64 `json:"exit_price,omitempty"`
}

func viewPosition(p domain.Position) positionView {
	v := positionView{
		ID:            p.ID,
		OwnerID:       p.OwnerID,
		TokenMint:     p.TokenMint,
		Venue:         string(p.Venue),
		EntryPrice:    p.EntryPrice,
		CurrentPrice:  p.CurrentPrice,
		Amount:        p.Amount,
		UnrealizedPnL: p.UnrealizedPnL,
		RealizedPnL:   p.RealizedPnL,
		Status:        string(p.Status),
		OpenedAt:      p.OpenedAt.UTC().Format(time.RFC3339),
		ExitPrice:     p.ExitPrice,
	}
	if p.ClosedAt != nil {
		v.ClosedAt = p.ClosedAt.UTC().Format(time.RFC3339)
	}
	return v
}
