package strategy

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/alanyoungcy/solbot/internal/domain"
)

const (
	// curveFeeBps is the bonding-curve program's swap fee.
	curveFeeBps = 100
	// curveAccountLen is the curve state account layout size: base reserve,
	// quote reserve, graduated flag.
	curveAccountLen = 8 + 8 + 1
)

// curveState is the decoded bonding-curve account.
type curveState struct {
	BaseReserve  uint64 // token units remaining on the curve
	QuoteReserve uint64 // lamports deposited
	Graduated    bool   // curve complete, token moved to a pool
}

// CurveStrategy trades tokens still on their bonding curve.
type CurveStrategy struct {
	reader AccountReader
}

// NewCurveStrategy creates a CurveStrategy reading curve state through reader.
func NewCurveStrategy(reader AccountReader) *CurveStrategy {
	return &CurveStrategy{reader: reader}
}

func (s *CurveStrategy) Name() string        { return "curve" }
func (s *CurveStrategy) Venue() domain.Venue { return domain.VenueCurve }

func curveAccount(mint string) string { return "curve:" + mint }

func (s *CurveStrategy) loadState(ctx context.Context, mint string) (curveState, error) {
	data, err := s.reader.GetAccountInfo(ctx, curveAccount(mint))
	if err != nil {
		return curveState{}, err
	}
	if len(data) < curveAccountLen {
		return curveState{}, fmt.Errorf("strategy/curve: short account data for %s: %d bytes", mint, len(data))
	}
	return curveState{
		BaseReserve:  binary.LittleEndian.Uint64(data[0:8]),
		QuoteReserve: binary.LittleEndian.Uint64(data[8:16]),
		Graduated:    data[16] != 0,
	}, nil
}

// CanExecute reports whether the token is still trading on its curve.
func (s *CurveStrategy) CanExecute(ctx context.Context, tokenMint string) (bool, error) {
	st, err := s.loadState(ctx, tokenMint)
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return !st.Graduated, nil
}

// GetQuote prices the swap against the constant-product curve.
func (s *CurveStrategy) GetQuote(ctx context.Context, p Params) (Quote, error) {
	st, err := s.loadState(ctx, p.TokenMint)
	if err != nil {
		return Quote{}, fmt.Errorf("strategy/curve: quote %s: %w", p.TokenMint, err)
	}
	if st.Graduated {
		return Quote{}, fmt.Errorf("strategy/curve: %s has graduated off the curve", p.TokenMint)
	}
	return constantProductQuote(st.BaseReserve, st.QuoteReserve, p, curveFeeBps)
}

// BuildTransaction encodes the curve program's swap instruction.
func (s *CurveStrategy) BuildTransaction(ctx context.Context, p Params, q Quote) (*domain.Transaction, error) {
	minOut := applySlippage(q.OutAmount, p.SlippagePct)
	payload := encodeSwap(0x01, p, minOut)
	return &domain.Transaction{Payload: payload}, nil
}

var _ Strategy = (*CurveStrategy)(nil)

// constantProductQuote computes out = y*in/(x+in) against reserves and
// derives the price impact from the spot-price move.
func constantProductQuote(baseReserve, quoteReserve uint64, p Params, feeBps uint64) (Quote, error) {
	if baseReserve == 0 || quoteReserve == 0 {
		return Quote{}, errors.New("strategy: empty reserves")
	}
	if p.AmountUnits == 0 {
		return Quote{}, errors.New("strategy: zero amount")
	}

	fee := p.AmountUnits * feeBps / 10_000
	in := p.AmountUnits - fee

	var x, y float64
	switch p.Side {
	case domain.OrderSideBuy:
		x, y = float64(quoteReserve), float64(baseReserve)
	case domain.OrderSideSell:
		x, y = float64(baseReserve), float64(quoteReserve)
	default:
		return Quote{}, fmt.Errorf("strategy: unknown side %q", p.Side)
	}

	out := y * float64(in) / (x + float64(in))
	spotBefore := x / y
	spotAfter := (x + float64(in)) / (y - out)
	impact := math.Abs(spotAfter-spotBefore) / spotBefore * 100

	price := float64(quoteReserve) / float64(baseReserve)

	return Quote{
		InAmount:       p.AmountUnits,
		OutAmount:      uint64(out),
		Price:          price,
		PriceImpactPct: impact,
		FeeLamports:    fee,
	}, nil
}

// applySlippage returns the minimum acceptable output after the allowed
// slippage.
func applySlippage(out uint64, slippagePct float64) uint64 {
	return uint64(float64(out) * (1 - slippagePct/100))
}

// encodeSwap serializes a swap instruction: program tag, side, mint, amount,
// minimum out, owner.
func encodeSwap(programTag byte, p Params, minOut uint64) []byte {
	side := byte(0)
	if p.Side == domain.OrderSideSell {
		side = 1
	}
	buf := make([]byte, 0, 2+len(p.TokenMint)+16+len(p.OwnerPubkey))
	buf = append(buf, programTag, side)
	buf = append(buf, []byte(p.TokenMint)...)
	buf = binary.LittleEndian.AppendUint64(buf, p.AmountUnits)
	buf = binary.LittleEndian.AppendUint64(buf, minOut)
	buf = append(buf, []byte(p.OwnerPubkey)...)
	return buf
}
