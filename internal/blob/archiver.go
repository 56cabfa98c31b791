// Package blob archives filled orders as JSON documents in object storage,
// partitioned by fill date for cheap downstream analytics.
package blob

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// executionDoc is the archived record of one fill.
type executionDoc struct {
	OrderID      string    `json:"order_id"`
	OwnerID      string    `json:"owner_id"`
	TokenMint    string    `json:"token_mint"`
	Side         string    `json:"side"`
	Venue        string    `json:"venue"`
	AmountUnits  uint64    `json:"amount_units"`
	FilledPrice  float64   `json:"filled_price"`
	FilledAmount uint64    `json:"filled_amount"`
	TxSignature  string    `json:"tx_signature"`
	ParentID     string    `json:"parent_id,omitempty"`
	FilledAt     time.Time `json:"filled_at"`
}

// ExecutionArchiver writes one JSON object per fill.
type ExecutionArchiver struct {
	writer domain.BlobWriter
	prefix string
	logger *slog.Logger
}

// NewExecutionArchiver creates an archiver that stores objects under the
// given key prefix (e.g. "executions").
func NewExecutionArchiver(writer domain.BlobWriter, prefix string, logger *slog.Logger) *ExecutionArchiver {
	if prefix == "" {
		prefix = "executions"
	}
	return &ExecutionArchiver{
		writer: writer,
		prefix: prefix,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// ArchiveFill stores a filled order at
// {prefix}/{yyyy}/{mm}/{dd}/{order-id}.json.
func (a *ExecutionArchiver) ArchiveFill(ctx context.Context, order domain.Order) error {
	filledAt := time.Now().UTC()
	if order.FilledAt != nil {
		filledAt = order.FilledAt.UTC()
	}

	doc := executionDoc{
		OrderID:      order.ID,
		OwnerID:      order.Params.OwnerID,
		TokenMint:    order.Params.TokenMint,
		Side:         string(order.Params.Side),
		Venue:        string(order.Venue),
		AmountUnits:  order.Params.AmountUnits,
		FilledPrice:  order.FilledPrice,
		FilledAmount: order.FilledAmount,
		TxSignature:  order.TxSignature,
		ParentID:     order.Params.ParentID,
		FilledAt:     filledAt,
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("blob: marshal execution %s: %w", order.ID, err)
	}

	key := fmt.Sprintf("%s/%s/%s.json", a.prefix, filledAt.Format("2006/01/02"), order.ID)
	if err := a.writer.Write(ctx, key, data, "application/json"); err != nil {
		return fmt.Errorf("blob: archive execution %s: %w", order.ID, err)
	}

	a.logger.DebugContext(ctx, "execution archived",
		slog.String("order_id", order.ID),
		slog.String("key", key),
	)
	return nil
}
