// Package monitor runs the limit-order state machine. Every open order gets a
// polling task that watches the live price, fires the executor when the
// trigger condition holds, and drives the PENDING -> FILLED / EXPIRED / ERROR
// transitions. Filled orders with take-profit or stop-loss percentages spawn
// child limit orders on the opposite side.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/solbot/internal/domain"
	"github.com/alanyoungcy/solbot/internal/locker"
)

const (
	// triggerTolerance mirrors the executor's re-check band so the monitor
	// does not fire executions the executor will immediately reject.
	triggerTolerance = 0.0001
	// priceMaxAge is how stale a cached price may be before a tick skips.
	priceMaxAge = 30 * time.Second

	defaultPollInterval = 2 * time.Second
)

// Executor is the execution entrypoint the monitor drives.
type Executor interface {
	ExecuteOrder(ctx context.Context, order *domain.Order, venue domain.Venue) domain.ExecutionResult
}

// Config tunes the monitor.
type Config struct {
	// PollInterval is the price-check cadence per watched order.
	PollInterval time.Duration
	// MaxOrderAge expires PENDING orders older than this. Zero disables
	// expiry.
	MaxOrderAge time.Duration
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	return c
}

// Monitor owns the per-order polling tasks.
type Monitor struct {
	cfg    Config
	exec   Executor
	store  domain.OrderStore
	prices domain.PriceCache
	locks  *locker.Manager
	logger *slog.Logger

	mu       sync.Mutex
	tasks    map[string]context.CancelFunc
	onFilled func(domain.Order)
	onFailed func(domain.Order, domain.ExecutionResult)
	wg       sync.WaitGroup
}

// New creates a Monitor. Nothing is watched until Watch or WatchPending is
// called.
func New(cfg Config, exec Executor, store domain.OrderStore, prices domain.PriceCache, locks *locker.Manager, logger *slog.Logger) *Monitor {
	return &Monitor{
		cfg:    cfg.withDefaults(),
		exec:   exec,
		store:  store,
		prices: prices,
		locks:  locks,
		logger: logger.With(slog.String("component", "monitor")),
		tasks:  make(map[string]context.CancelFunc),
	}
}

// OnOrderFilled registers the single fill handler. It is invoked synchronously
// from the watching task, exactly once per order that reaches FILLED, before
// any TP/SL children start being watched. Registering again replaces the
// previous handler.
func (m *Monitor) OnOrderFilled(fn func(domain.Order)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFilled = fn
}

// OnOrderFailed registers the handler invoked when an order fails terminally
// and is marked ERROR. Deferred (retryable) failures do not fire it.
func (m *Monitor) OnOrderFailed(fn func(domain.Order, domain.ExecutionResult)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onFailed = fn
}

// Watch starts a polling task for the order. Terminal orders and orders
// already being watched are ignored.
func (m *Monitor) Watch(ctx context.Context, order domain.Order) {
	if order.Status.Terminal() {
		return
	}
	m.mu.Lock()
	if _, ok := m.tasks[order.ID]; ok {
		m.mu.Unlock()
		return
	}
	taskCtx, cancel := context.WithCancel(ctx)
	m.tasks[order.ID] = cancel
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("watching order",
		slog.String("order_id", order.ID),
		slog.String("token", order.Params.TokenMint),
		slog.String("side", string(order.Params.Side)),
	)

	// ctx (not taskCtx) is carried through so TP/SL children spawned by this
	// task outlive the parent task's cancellation.
	go m.run(taskCtx, ctx, order.ID)
}

// WatchPending loads every pending order for the owner from the store and
// watches it. An empty ownerID loads all owners; used on startup to resume
// monitoring after a restart.
func (m *Monitor) WatchPending(ctx context.Context, ownerID string) error {
	orders, err := m.store.ListPending(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("list pending orders: %w", err)
	}
	for _, o := range orders {
		m.Watch(ctx, o)
	}
	return nil
}

// Cancel cancels a PENDING order and cascades to any TP/SL children it
// spawned. Cancelling a terminal order fails with ErrOrderTerminal. The
// parent and child keys are taken together through the lock manager's sorted
// multi-acquire, so a concurrent cancel of a child cannot deadlock against
// the cascade.
func (m *Monitor) Cancel(ctx context.Context, orderID string) error {
	children, err := m.store.ListChildren(ctx, orderID)
	if err != nil {
		return fmt.Errorf("list children of %s: %w", orderID, err)
	}

	keys := make([]string, 0, len(children)+1)
	keys = append(keys, "order:"+orderID)
	for _, child := range children {
		keys = append(keys, "order:"+child.ID)
	}

	return m.locks.WithMultipleLocks(ctx, keys, func(ctx context.Context) error {
		if err := m.cancelOne(ctx, orderID); err != nil {
			return err
		}
		for _, child := range children {
			err := m.cancelOne(ctx, child.ID)
			if err != nil && !errors.Is(err, domain.ErrOrderTerminal) {
				m.logger.Warn("child cancel failed",
					slog.String("order_id", child.ID),
					slog.String("error", err.Error()),
				)
			}
		}
		return nil
	})
}

// cancelOne transitions a single order to CANCELLED and stops its task. The
// caller holds the order's lock.
func (m *Monitor) cancelOne(ctx context.Context, orderID string) error {
	order, err := m.store.GetByID(ctx, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusPending {
		return domain.NewTradeError(domain.KindValidation,
			"only pending orders can be cancelled", domain.ErrOrderTerminal)
	}
	if err := m.store.UpdateStatus(ctx, orderID, domain.OrderStatusCancelled); err != nil {
		return err
	}
	m.stopTask(orderID)
	m.logger.Info("order cancelled", slog.String("order_id", orderID))
	return nil
}

// Stop cancels every watching task and waits for them to drain.
func (m *Monitor) Stop() {
	m.mu.Lock()
	for id, cancel := range m.tasks {
		cancel()
		delete(m.tasks, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// Watching reports how many orders currently have a polling task.
func (m *Monitor) Watching() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

func (m *Monitor) run(ctx, parentCtx context.Context, orderID string) {
	defer m.wg.Done()
	defer m.stopTask(orderID)

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if done := m.tick(ctx, parentCtx, orderID); done {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// tick runs one monitoring pass; it returns true when the task should stop.
func (m *Monitor) tick(ctx, parentCtx context.Context, orderID string) bool {
	order, err := m.store.GetByID(ctx, orderID)
	if err != nil {
		m.logger.Warn("order load failed",
			slog.String("order_id", orderID),
			slog.String("error", err.Error()),
		)
		return false
	}
	if order.Status.Terminal() {
		return true
	}

	if m.cfg.MaxOrderAge > 0 && time.Since(order.CreatedAt) > m.cfg.MaxOrderAge {
		if err := m.store.UpdateStatus(ctx, orderID, domain.OrderStatusExpired); err != nil {
			m.logger.Warn("expiry update failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
			return false
		}
		m.logger.Info("order expired", slog.String("order_id", orderID))
		return true
	}

	price, ts, err := m.prices.GetPrice(ctx, order.Params.TokenMint)
	if err != nil || time.Since(ts) > priceMaxAge {
		return false
	}
	if !order.Triggered(price, triggerTolerance) {
		return false
	}

	res := m.exec.ExecuteOrder(ctx, &order, order.Venue)
	if !res.Success {
		if retryLater(res.ErrKind) {
			m.logger.Info("execution deferred",
				slog.String("order_id", orderID),
				slog.String("kind", res.ErrKind),
			)
			return false
		}
		if err := m.store.UpdateStatus(ctx, orderID, domain.OrderStatusError); err != nil {
			m.logger.Warn("error-status update failed",
				slog.String("order_id", orderID),
				slog.String("error", err.Error()),
			)
		}
		m.logger.Warn("order failed",
			slog.String("order_id", orderID),
			slog.String("kind", res.ErrKind),
			slog.String("message", res.Message),
		)
		m.mu.Lock()
		failHandler := m.onFailed
		m.mu.Unlock()
		if failHandler != nil {
			failHandler(order, res)
		}
		return true
	}

	// The executor marked the fill in memory; make it durable before any
	// downstream bookkeeping sees it.
	if err := m.store.Update(ctx, order); err != nil {
		m.logger.Error("fill persist failed",
			slog.String("order_id", orderID),
			slog.String("signature", res.Signature),
			slog.String("error", err.Error()),
		)
	}
	m.logger.Info("order filled",
		slog.String("order_id", orderID),
		slog.String("signature", res.Signature),
		slog.Float64("fill_price", res.FilledPrice),
	)

	m.mu.Lock()
	handler := m.onFilled
	m.mu.Unlock()
	if handler != nil {
		handler(order)
	}

	m.spawnChildren(ctx, parentCtx, order)
	return true
}

// spawnChildren synthesizes TP/SL child orders for a filled parent. A child
// trades the opposite side with an absolute target derived from the realized
// fill price.
func (m *Monitor) spawnChildren(ctx, parentCtx context.Context, parent domain.Order) {
	type childSpec struct {
		label  string
		target float64
	}
	var specs []childSpec

	entry := parent.FilledPrice
	buySign := 1.0
	if parent.Params.Side == domain.OrderSideSell {
		// A sell parent buys back: profit is a lower price, loss a higher one.
		buySign = -1.0
	}
	if pct := parent.Params.TakeProfitPct; pct > 0 {
		specs = append(specs, childSpec{"take_profit", entry * (1 + buySign*pct/100)})
	}
	if pct := parent.Params.StopLossPct; pct > 0 {
		specs = append(specs, childSpec{"stop_loss", entry * (1 - buySign*pct/100)})
	}

	for _, spec := range specs {
		child := domain.Order{
			ID: uuid.New().String(),
			Params: domain.OrderParams{
				OwnerID:     parent.Params.OwnerID,
				TokenMint:   parent.Params.TokenMint,
				Side:        parent.Params.Side.Opposite(),
				AmountUnits: parent.FilledAmount,
				Target:      domain.AbsoluteTarget(spec.target),
				SlippagePct: parent.Params.SlippagePct,
				PositionID:  parent.Params.PositionID,
				ParentID:    parent.ID,
				Protected:   parent.Params.Protected,
			},
			Status:    domain.OrderStatusPending,
			Venue:     parent.Venue,
			CreatedAt: time.Now().UTC(),
		}
		if err := m.store.Create(ctx, child); err != nil {
			m.logger.Error("child order create failed",
				slog.String("parent_id", parent.ID),
				slog.String("kind", spec.label),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.logger.Info("child order created",
			slog.String("order_id", child.ID),
			slog.String("parent_id", parent.ID),
			slog.String("kind", spec.label),
			slog.Float64("target_price", spec.target),
		)
		m.Watch(parentCtx, child)
	}
}

func (m *Monitor) stopTask(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.tasks[orderID]; ok {
		cancel()
		delete(m.tasks, orderID)
	}
}

// retryLater reports whether a failed execution should leave the order
// PENDING. Market-condition and contention failures clear on their own;
// validation and pre-flight rejections will not, and a confirmation timeout
// must never be retried because the original transaction may still land.
func retryLater(kind string) bool {
	switch kind {
	case domain.KindPriceMovedAway, domain.KindPriceImpactTooHigh,
		domain.KindSubmissionFailed, domain.KindLockTimeout, domain.KindCircuitOpen:
		return true
	default:
		return false
	}
}
