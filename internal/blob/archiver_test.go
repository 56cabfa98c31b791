package blob

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alanyoungcy/solbot/internal/domain"
)

type captureWriter struct {
	key         string
	data        []byte
	contentType string
	calls       int
}

func (c *captureWriter) Write(_ context.Context, key string, data []byte, contentType string) error {
	c.calls++
	c.key = key
	c.data = data
	c.contentType = contentType
	return nil
}

func TestArchiveFillLayout(t *testing.T) {
	w := &captureWriter{}
	a := NewExecutionArchiver(w, "executions", slog.Default())

	filledAt := time.Date(2026, 3, 7, 12, 30, 0, 0, time.UTC)
	order := domain.Order{
		ID: "o-1",
		Params: domain.OrderParams{
			OwnerID:     "user-1",
			TokenMint:   "MintAAA",
			Side:        domain.OrderSideBuy,
			AmountUnits: 1_000_000,
		},
		Venue:        domain.VenueCurve,
		FilledPrice:  0.0005,
		FilledAmount: 2_000_000,
		TxSignature:  "sig-1",
		FilledAt:     &filledAt,
	}

	if err := a.ArchiveFill(context.Background(), order); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if w.key != "executions/2026/03/07/o-1.json" {
		t.Fatalf("key = %q", w.key)
	}
	if w.contentType != "application/json" {
		t.Fatalf("content type = %q", w.contentType)
	}

	var doc map[string]any
	if err := json.Unmarshal(w.data, &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc["order_id"] != "o-1" || doc["tx_signature"] != "sig-1" {
		t.Fatalf("doc = %v", doc)
	}
	if doc["filled_price"] != 0.0005 {
		t.Fatalf("filled_price = %v", doc["filled_price"])
	}
	// Children carry their parent for lineage queries; top-level fills omit it.
	if _, ok := doc["parent_id"]; ok {
		t.Fatal("empty parent_id serialized")
	}
}

func TestArchiveFillDefaultsPrefixAndTime(t *testing.T) {
	w := &captureWriter{}
	a := NewExecutionArchiver(w, "", slog.Default())

	order := domain.Order{
		ID:     "o-2",
		Params: domain.OrderParams{OwnerID: "u", TokenMint: "m", Side: domain.OrderSideSell},
	}
	if err := a.ArchiveFill(context.Background(), order); err != nil {
		t.Fatalf("archive: %v", err)
	}
	if !strings.HasPrefix(w.key, "executions/") || !strings.HasSuffix(w.key, "/o-2.json") {
		t.Fatalf("key = %q", w.key)
	}
}
