package strategy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/alanyoungcy/solbot/internal/domain"
)

const (
	// ammFeeBps is the pooled venue's swap fee.
	ammFeeBps = 30
	// ammAccountLen is the pool state layout size: base reserve, quote
	// reserve.
	ammAccountLen = 8 + 8
)

// AMMStrategy trades tokens that have graduated to a pooled-liquidity venue.
type AMMStrategy struct {
	reader AccountReader
}

// NewAMMStrategy creates an AMMStrategy reading pool state through reader.
func NewAMMStrategy(reader AccountReader) *AMMStrategy {
	return &AMMStrategy{reader: reader}
}

func (s *AMMStrategy) Name() string        { return "amm" }
func (s *AMMStrategy) Venue() domain.Venue { return domain.VenueAMM }

func poolAccount(mint string) string { return "pool:" + mint }

func (s *AMMStrategy) loadReserves(ctx context.Context, mint string) (base, quote uint64, err error) {
	data, err := s.reader.GetAccountInfo(ctx, poolAccount(mint))
	if err != nil {
		return 0, 0, err
	}
	if len(data) < ammAccountLen {
		return 0, 0, fmt.Errorf("strategy/amm: short pool data for %s: %d bytes", mint, len(data))
	}
	return binary.LittleEndian.Uint64(data[0:8]), binary.LittleEndian.Uint64(data[8:16]), nil
}

// CanExecute reports whether a pool exists for the token.
func (s *AMMStrategy) CanExecute(ctx context.Context, tokenMint string) (bool, error) {
	_, _, err := s.loadReserves(ctx, tokenMint)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// GetQuote prices the swap against the pool reserves.
func (s *AMMStrategy) GetQuote(ctx context.Context, p Params) (Quote, error) {
	base, quote, err := s.loadReserves(ctx, p.TokenMint)
	if err != nil {
		return Quote{}, fmt.Errorf("strategy/amm: quote %s: %w", p.TokenMint, err)
	}
	return constantProductQuote(base, quote, p, ammFeeBps)
}

// BuildTransaction encodes the pool program's swap instruction.
func (s *AMMStrategy) BuildTransaction(ctx context.Context, p Params, q Quote) (*domain.Transaction, error) {
	minOut := applySlippage(q.OutAmount, p.SlippagePct)
	payload := encodeSwap(0x03, p, minOut)
	return &domain.Transaction{Payload: payload}, nil
}

var _ Strategy = (*AMMStrategy)(nil)
