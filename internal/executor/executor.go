// Package executor orchestrates a single order execution: re-validate the
// trigger, quote, build, simulate, submit, confirm, and read back the fill.
// Every execution runs under the order's lock, so an order is executed at
// most once no matter how many monitor ticks or callers race.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/solbot/internal/domain"
	"github.com/alanyoungcy/solbot/internal/fees"
	"github.com/alanyoungcy/solbot/internal/locker"
	"github.com/alanyoungcy/solbot/internal/metrics"
	"github.com/alanyoungcy/solbot/internal/strategy"
	"github.com/alanyoungcy/solbot/internal/wallet"
)

const (
	// priceTriggerTolerance absorbs feed jitter when re-checking the trigger
	// at execution time (0.01%).
	priceTriggerTolerance = 0.0001
	// maxPriceImpactPct is the quote-stage rejection ceiling.
	maxPriceImpactPct = 10.0
	// lockTimeout bounds queueing for an order's lock.
	lockTimeout = 10 * time.Second
	// priceMaxAge is how stale a cached price may be before it counts as
	// unavailable.
	priceMaxAge = 30 * time.Second
)

// Submitter is the transaction-submission contract the executor depends on.
type Submitter interface {
	Simulate(ctx context.Context, tx *domain.Transaction) (domain.SimulationResult, error)
	Submit(ctx context.Context, tx *domain.Transaction, tipLamports uint64, signer wallet.Signer) (string, uint64, error)
	SubmitPlain(ctx context.Context, tx *domain.Transaction, signer wallet.Signer) (string, error)
	Record(ctx context.Context, sig string) (domain.TransactionRecord, error)
}

// TipEstimator computes the protection tip; implemented by fees.Estimator.
type TipEstimator interface {
	EstimateForVenue(tradeSizeUnits uint64, tier fees.Tier, venue domain.Venue, highVolatility bool) uint64
}

// Executor runs order executions. One instance serves the whole process.
type Executor struct {
	locks    *locker.Manager
	registry *strategy.Registry
	sub      Submitter
	tips     TipEstimator
	prices   domain.PriceCache
	signer   wallet.Signer
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// New creates an Executor. metrics may be nil.
func New(
	locks *locker.Manager,
	registry *strategy.Registry,
	sub Submitter,
	tips TipEstimator,
	prices domain.PriceCache,
	signer wallet.Signer,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Executor {
	return &Executor{
		locks:    locks,
		registry: registry,
		sub:      sub,
		tips:     tips,
		prices:   prices,
		signer:   signer,
		metrics:  m,
		logger:   logger.With(slog.String("component", "executor")),
	}
}

// ExecuteOrder executes a triggered limit order on the given venue. The
// order's lock is held for the whole pipeline; concurrent calls for the same
// order id serialize, and whichever runs second sees the terminal status and
// fails the trigger re-check without touching the network.
func (e *Executor) ExecuteOrder(ctx context.Context, order *domain.Order, venue domain.Venue) domain.ExecutionResult {
	var result domain.ExecutionResult
	err := e.locks.WithLock(ctx, "order:"+order.ID, locker.Options{Timeout: lockTimeout}, func(ctx context.Context) error {
		result = e.executeLocked(ctx, order, venue, true)
		return nil
	})
	if err != nil {
		return failure(err)
	}
	return result
}

// ExecuteMarketOrder executes an immediate swap without a trigger condition.
// The lock key is per owner and token, so a user cannot double-fire the same
// market trade concurrently.
func (e *Executor) ExecuteMarketOrder(ctx context.Context, params domain.OrderParams) domain.ExecutionResult {
	venue, err := e.registry.ResolveVenue(ctx, params.TokenMint)
	if err != nil {
		return failure(domain.NewTradeError(domain.KindValidation, "token has no tradable venue", err))
	}

	order := &domain.Order{
		ID:        uuid.New().String(),
		Params:    params,
		Status:    domain.OrderStatusPending,
		Venue:     venue,
		CreatedAt: time.Now().UTC(),
	}

	var result domain.ExecutionResult
	key := "market:" + params.OwnerID + ":" + params.TokenMint
	lockErr := e.locks.WithLock(ctx, key, locker.Options{Timeout: lockTimeout}, func(ctx context.Context) error {
		result = e.executeLocked(ctx, order, venue, false)
		return nil
	})
	if lockErr != nil {
		return failure(lockErr)
	}
	return result
}

// executeLocked is the pipeline body; the caller must hold the order's lock.
func (e *Executor) executeLocked(ctx context.Context, order *domain.Order, venue domain.Venue, checkTrigger bool) domain.ExecutionResult {
	log := e.logger.With(
		slog.String("order_id", order.ID),
		slog.String("token", order.Params.TokenMint),
		slog.String("side", string(order.Params.Side)),
		slog.String("venue", string(venue)),
	)

	if order.Status.Terminal() {
		return failure(domain.NewTradeError(domain.KindValidation, "order already finished", domain.ErrOrderTerminal))
	}

	// 1. Re-validate the trigger against a fresh price.
	if checkTrigger {
		price, ts, err := e.prices.GetPrice(ctx, order.Params.TokenMint)
		if err != nil || time.Since(ts) > priceMaxAge {
			return e.fail(order, log, domain.NewTradeError(domain.KindPriceMovedAway, "no fresh price available", err))
		}
		order.CurrentPrice = price
		if !order.Triggered(price, priceTriggerTolerance) {
			return e.fail(order, log, domain.NewTradeError(domain.KindPriceMovedAway,
				fmt.Sprintf("price %.12f no longer satisfies target %.12f", price, order.TargetPrice()), nil))
		}
	}

	strat, err := e.registry.ForVenue(venue)
	if err != nil {
		return e.fail(order, log, domain.NewTradeError(domain.KindValidation, "no strategy for venue", err))
	}

	params := strategy.Params{
		OwnerPubkey: e.signer.PublicKey(),
		TokenMint:   order.Params.TokenMint,
		Side:        order.Params.Side,
		AmountUnits: order.Params.AmountUnits,
		SlippagePct: order.Params.SlippagePct,
	}

	// 2. Quote and reject excessive impact.
	quote, err := strat.GetQuote(ctx, params)
	if err != nil {
		return e.fail(order, log, domain.NewTradeError(domain.KindSubmissionFailed, "quote failed", err))
	}
	if quote.PriceImpactPct > maxPriceImpactPct {
		return e.fail(order, log, domain.NewTradeError(domain.KindPriceImpactTooHigh,
			fmt.Sprintf("price impact %.2f%% exceeds %.0f%% ceiling", quote.PriceImpactPct, maxPriceImpactPct), nil))
	}

	// 3. Build and simulate before any network spend.
	tx, err := strat.BuildTransaction(ctx, params, quote)
	if err != nil {
		return e.fail(order, log, domain.NewTradeError(domain.KindSubmissionFailed, "transaction build failed", err))
	}
	sim, err := e.sub.Simulate(ctx, tx)
	if err != nil {
		return e.fail(order, log, domain.NewTradeError(domain.KindSimulationFailed, "simulation call failed", err))
	}
	if !sim.Success {
		return e.fail(order, log, domain.NewTradeError(domain.KindSimulationFailed,
			"simulation rejected the transaction: "+sim.Err, nil))
	}

	// 4. Submit: protected with fallback, or plain when protection is off.
	var sig string
	var tipPaid uint64
	if order.Params.Protected {
		tip := e.tips.EstimateForVenue(order.Params.AmountUnits, fees.TierNormal, venue, false)
		sig, tipPaid, err = e.sub.Submit(ctx, tx, tip, e.signer)
	} else {
		sig, err = e.sub.SubmitPlain(ctx, tx, e.signer)
	}
	if err != nil {
		// 5. The result reports once; retrying is the caller's decision.
		res := e.fail(order, log, err)
		res.Signature = sig
		return res
	}

	// 6. Read the actually-received amount back from the chain record.
	fillPrice, fillAmount := e.readBackFill(ctx, sig, order, quote)

	// Mark the fill while still holding the lock so a queued duplicate sees
	// the terminal status instead of submitting twice.
	now := time.Now().UTC()
	order.Status = domain.OrderStatusFilled
	order.FilledPrice = fillPrice
	order.FilledAmount = fillAmount
	order.TxSignature = sig
	order.FilledAt = &now

	e.metrics.ObserveExecution(string(order.Params.Side), "success")
	log.InfoContext(ctx, "order executed",
		slog.String("signature", sig),
		slog.Float64("fill_price", fillPrice),
		slog.Uint64("fill_amount", fillAmount),
		slog.Uint64("tip_lamports", tipPaid),
	)

	return domain.ExecutionResult{
		Success:      true,
		Signature:    sig,
		FilledPrice:  fillPrice,
		FilledAmount: fillAmount,
		TipPaid:      tipPaid,
	}
}

// readBackFill computes the realized fill from the on-chain record, falling
// back to the quote when the record is not yet queryable.
func (e *Executor) readBackFill(ctx context.Context, sig string, order *domain.Order, quote strategy.Quote) (float64, uint64) {
	rec, err := e.sub.Record(ctx, sig)
	if err != nil || rec.ReceivedAmount == 0 {
		if err != nil {
			e.logger.WarnContext(ctx, "fill read-back failed, using quote",
				slog.String("signature", sig),
				slog.String("error", err.Error()),
			)
		}
		return quote.Price, quote.OutAmount
	}

	in := float64(order.Params.AmountUnits)
	received := float64(rec.ReceivedAmount)
	if order.Params.Side == domain.OrderSideBuy {
		// Buy: lamports in, tokens out.
		return in / received, rec.ReceivedAmount
	}
	// Sell: tokens in, lamports out.
	return received / in, rec.ReceivedAmount
}

func (e *Executor) fail(order *domain.Order, log *slog.Logger, err error) domain.ExecutionResult {
	e.metrics.ObserveExecution(string(order.Params.Side), domain.ErrKind(err))
	log.Warn("order execution failed",
		slog.String("kind", domain.ErrKind(err)),
		slog.String("error", err.Error()),
	)
	return failure(err)
}

func failure(err error) domain.ExecutionResult {
	res := domain.ExecutionResult{ErrKind: domain.ErrKind(err)}
	var te *domain.TradeError
	if errors.As(err, &te) {
		res.Message = te.Message
	} else {
		res.Message = err.Error()
	}
	return res
}
