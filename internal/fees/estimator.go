// Package fees computes priority fees and protection tips from trade size,
// urgency tier, venue, and observed network congestion.
package fees

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/solbot/internal/domain"
)

// Tier selects the urgency multiplier applied to the computed fee.
type Tier string

const (
	TierLow      Tier = "low"
	TierNormal   Tier = "normal"
	TierHigh     Tier = "high"
	TierVeryHigh Tier = "very_high"
)

const (
	// baseFeeLamports is the floor below which the dynamic fee never matters.
	baseFeeLamports = 100_000
	// dynamicFeeRate is the fraction of trade size charged as dynamic fee (0.05%).
	dynamicFeeRate = "0.0005"
	// curveVenueMultiplier applies to bonding-curve venues, where inclusion
	// latency costs more.
	curveVenueMultiplier = "1.5"
	// volatilityMultiplier applies on top when high volatility is detected.
	volatilityMultiplier = "1.2"
	// congestionTTL bounds how often the fee sampler is consulted.
	congestionTTL = 30 * time.Second
	// referenceFeeLamports is the congestion baseline; a median above it
	// scales the dynamic fee proportionally.
	referenceFeeLamports = 10_000
)

var tierMultipliers = map[Tier]decimal.Decimal{
	TierLow:      decimal.RequireFromString("0.5"),
	TierNormal:   decimal.RequireFromString("1.0"),
	TierHigh:     decimal.RequireFromString("2.0"),
	TierVeryHigh: decimal.RequireFromString("5.0"),
}

// Sampler provides recent network fee observations, typically the node's
// prioritization fee endpoint.
type Sampler interface {
	RecentFees(ctx context.Context) ([]uint64, error)
}

// Estimator computes fees. It is safe for concurrent use; the congestion
// median is cached under a mutex.
type Estimator struct {
	sampler Sampler
	logger  *slog.Logger

	mu          sync.Mutex
	cachedRatio decimal.Decimal
	cachedAt    time.Time
}

// NewEstimator creates an Estimator. sampler may be nil, in which case the
// congestion-aware variant degrades to the plain estimate.
func NewEstimator(sampler Sampler, logger *slog.Logger) *Estimator {
	return &Estimator{
		sampler:     sampler,
		logger:      logger.With(slog.String("component", "fees")),
		cachedRatio: decimal.NewFromInt(1),
	}
}

// Estimate returns the fee in lamports for a trade of the given size under
// the given tier multiplier. The result is non-negative, zero when the
// multiplier is zero, and non-decreasing in both arguments.
func (e *Estimator) Estimate(tradeSizeUnits uint64, multiplier float64) uint64 {
	if multiplier <= 0 {
		return 0
	}
	return e.estimate(tradeSizeUnits, decimal.NewFromFloat(multiplier), decimal.NewFromInt(1))
}

// EstimateTier is Estimate with a named urgency tier. Unknown tiers fall back
// to normal.
func (e *Estimator) EstimateTier(tradeSizeUnits uint64, tier Tier) uint64 {
	mult, ok := tierMultipliers[tier]
	if !ok {
		mult = tierMultipliers[TierNormal]
	}
	return e.estimate(tradeSizeUnits, mult, decimal.NewFromInt(1))
}

// EstimateForVenue applies venue-aware multipliers: bonding-curve venues get
// curveVenueMultiplier, and detected volatility adds volatilityMultiplier.
func (e *Estimator) EstimateForVenue(tradeSizeUnits uint64, tier Tier, venue domain.Venue, highVolatility bool) uint64 {
	mult, ok := tierMultipliers[tier]
	if !ok {
		mult = tierMultipliers[TierNormal]
	}
	if venue == domain.VenueCurve {
		mult = mult.Mul(decimal.RequireFromString(curveVenueMultiplier))
	}
	if highVolatility {
		mult = mult.Mul(decimal.RequireFromString(volatilityMultiplier))
	}
	return e.estimate(tradeSizeUnits, mult, decimal.NewFromInt(1))
}

// EstimateCongested scales the dynamic fee by the ratio of the recent median
// network fee to the reference fee (never below 1). Sampling failures degrade
// to the plain estimate and are never surfaced to the caller.
func (e *Estimator) EstimateCongested(ctx context.Context, tradeSizeUnits uint64, tier Tier) uint64 {
	mult, ok := tierMultipliers[tier]
	if !ok {
		mult = tierMultipliers[TierNormal]
	}
	return e.estimate(tradeSizeUnits, mult, e.congestionRatio(ctx))
}

func (e *Estimator) estimate(tradeSizeUnits uint64, multiplier, congestion decimal.Decimal) uint64 {
	if multiplier.Sign() <= 0 {
		return 0
	}

	base := decimal.NewFromInt(baseFeeLamports)
	dynamic := decimal.NewFromUint64(tradeSizeUnits).
		Mul(decimal.RequireFromString(dynamicFeeRate)).
		Mul(congestion)

	fee := decimal.Max(base, dynamic).Mul(multiplier).Round(0)
	if fee.Sign() < 0 {
		return 0
	}
	return fee.BigInt().Uint64()
}

// congestionRatio returns max(1, median/reference), cached for congestionTTL.
func (e *Estimator) congestionRatio(ctx context.Context) decimal.Decimal {
	e.mu.Lock()
	if time.Since(e.cachedAt) < congestionTTL {
		ratio := e.cachedRatio
		e.mu.Unlock()
		return ratio
	}
	e.mu.Unlock()

	ratio := decimal.NewFromInt(1)
	if e.sampler != nil {
		samples, err := e.sampler.RecentFees(ctx)
		if err != nil || len(samples) == 0 {
			if err != nil {
				e.logger.DebugContext(ctx, "fee sampling failed, using flat congestion",
					slog.String("error", err.Error()),
				)
			}
		} else {
			med := median(samples)
			r := decimal.NewFromUint64(med).Div(decimal.NewFromInt(referenceFeeLamports))
			if r.GreaterThan(ratio) {
				ratio = r
			}
		}
	}

	e.mu.Lock()
	e.cachedRatio = ratio
	e.cachedAt = time.Now()
	e.mu.Unlock()
	return ratio
}

func median(samples []uint64) uint64 {
	s := make([]uint64, len(samples))
	copy(s, samples)
	sort.Slice(s, func(i, j int) bool { return s[i] < s[j] })
	mid := len(s) / 2
	if len(s)%2 == 0 {
		return (s[mid-1] + s[mid]) / 2
	}
	return s[mid]
}
