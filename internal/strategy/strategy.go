// Package strategy defines the venue-specific trading strategies. A strategy
// knows how to quote a swap and build the unsigned transaction for one
// liquidity venue; the executor selects by venue through the registry.
package strategy

import (
	"context"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// Params are the inputs to a quote or transaction build.
type Params struct {
	OwnerPubkey string
	TokenMint   string
	Side        domain.OrderSide
	AmountUnits uint64 // lamports in for buys, token units in for sells
	SlippagePct float64
}

// Quote is a strategy's estimate for a swap.
type Quote struct {
	InAmount       uint64
	OutAmount      uint64
	Price          float64 // quote price per token base unit
	PriceImpactPct float64 // slippage the trade itself causes
	FeeLamports    uint64  // venue fee
}

// Strategy is the contract for one liquidity venue.
type Strategy interface {
	Name() string
	Venue() domain.Venue
	// CanExecute reports whether the token currently trades on this venue.
	CanExecute(ctx context.Context, tokenMint string) (bool, error)
	// GetQuote estimates the swap without touching state.
	GetQuote(ctx context.Context, p Params) (Quote, error)
	// BuildTransaction produces the unsigned swap transaction. The payload
	// encoding is owned by the venue program.
	BuildTransaction(ctx context.Context, p Params, q Quote) (*domain.Transaction, error)
}

// AccountReader fetches raw on-chain account data; implemented by the rpc
// client.
type AccountReader interface {
	GetAccountInfo(ctx context.Context, address string) ([]byte, error)
}
