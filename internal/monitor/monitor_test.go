package monitor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/solbot/internal/domain"
	"github.com/alanyoungcy/solbot/internal/locker"
)

type memStore struct {
	mu     sync.Mutex
	orders map[string]domain.Order
}

func newMemStore() *memStore {
	return &memStore{orders: make(map[string]domain.Order)}
}

func (s *memStore) Create(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; ok {
		return domain.ErrAlreadyExists
	}
	s.orders[order.ID] = order
	return nil
}

func (s *memStore) Update(_ context.Context, order domain.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.ID]; !ok {
		return domain.ErrNotFound
	}
	s.orders[order.ID] = order
	return nil
}

func (s *memStore) UpdateStatus(_ context.Context, id string, status domain.OrderStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.ErrNotFound
	}
	o.Status = status
	s.orders[id] = o
	return nil
}

func (s *memStore) GetByID(_ context.Context, id string) (domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return domain.Order{}, domain.ErrNotFound
	}
	return o, nil
}

func (s *memStore) ListPending(_ context.Context, ownerID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Status != domain.OrderStatusPending {
			continue
		}
		if ownerID != "" && o.Params.OwnerID != ownerID {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *memStore) ListChildren(_ context.Context, parentID string) ([]domain.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Order
	for _, o := range s.orders {
		if o.Params.ParentID == parentID {
			out = append(out, o)
		}
	}
	return out, nil
}

type memPrices struct {
	mu     sync.Mutex
	prices map[string]float64
	at     map[string]time.Time
}

func newMemPrices() *memPrices {
	return &memPrices{prices: map[string]float64{}, at: map[string]time.Time{}}
}

func (m *memPrices) SetPrice(_ context.Context, mint string, price float64, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prices[mint] = price
	m.at[mint] = ts
	return nil
}

func (m *memPrices) GetPrice(_ context.Context, mint string) (float64, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.prices[mint]
	if !ok {
		return 0, time.Time{}, domain.ErrNotFound
	}
	return p, m.at[mint], nil
}

// fakeExecutor mimics the real executor's contract: on success it marks the
// order filled in memory before returning.
type fakeExecutor struct {
	mu      sync.Mutex
	results []domain.ExecutionResult
	calls   int
}

func (f *fakeExecutor) ExecuteOrder(_ context.Context, order *domain.Order, _ domain.Venue) domain.ExecutionResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	res := f.results[len(f.results)-1]
	if f.calls < len(f.results) {
		res = f.results[f.calls]
	}
	f.calls++
	if res.Success {
		now := time.Now().UTC()
		order.Status = domain.OrderStatusFilled
		order.FilledPrice = res.FilledPrice
		order.FilledAmount = res.FilledAmount
		order.TxSignature = res.Signature
		order.FilledAt = &now
	}
	return res
}

func (f *fakeExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestMonitor(exec Executor, store *memStore, prices *memPrices, cfg Config) *Monitor {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 5 * time.Millisecond
	}
	return New(cfg, exec, store, prices, locker.NewManager(slog.Default()), slog.Default())
}

func pendingOrder(id string, side domain.OrderSide, target float64) domain.Order {
	return domain.Order{
		ID: id,
		Params: domain.OrderParams{
			OwnerID:     "user-1",
			TokenMint:   "MintAAA",
			Side:        side,
			AmountUnits: 1_000_000,
			Target:      domain.AbsoluteTarget(target),
			SlippagePct: 1,
		},
		Status:    domain.OrderStatusPending,
		Venue:     domain.VenueCurve,
		CreatedAt: time.Now().UTC(),
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestMonitorFillsTriggeredOrder(t *testing.T) {
	store := newMemStore()
	prices := newMemPrices()
	exec := &fakeExecutor{results: []domain.ExecutionResult{{
		Success: true, Signature: "sig-1", FilledPrice: 0.0000095, FilledAmount: 105_000_000,
	}}}
	m := newTestMonitor(exec, store, prices, Config{})
	defer m.Stop()

	order := pendingOrder("o-1", domain.OrderSideBuy, 0.00001)
	store.Create(context.Background(), order)
	prices.SetPrice(context.Background(), "MintAAA", 0.000009, time.Now())

	var fillMu sync.Mutex
	var filled []domain.Order
	m.OnOrderFilled(func(o domain.Order) {
		fillMu.Lock()
		defer fillMu.Unlock()
		filled = append(filled, o)
	})

	m.Watch(context.Background(), order)

	waitFor(t, 2*time.Second, func() bool {
		o, _ := store.GetByID(context.Background(), "o-1")
		return o.Status == domain.OrderStatusFilled
	})

	o, _ := store.GetByID(context.Background(), "o-1")
	if o.TxSignature != "sig-1" || o.FilledPrice != 0.0000095 {
		t.Fatalf("persisted fill = sig %q price %v", o.TxSignature, o.FilledPrice)
	}
	waitFor(t, time.Second, func() bool {
		fillMu.Lock()
		defer fillMu.Unlock()
		return len(filled) == 1
	})
	fillMu.Lock()
	if filled[0].ID != "o-1" || filled[0].Status != domain.OrderStatusFilled {
		t.Fatalf("handler got %+v", filled[0])
	}
	fillMu.Unlock()
	if n := exec.callCount(); n != 1 {
		t.Fatalf("executor called %d times, want 1", n)
	}
}

func TestMonitorSkipsWhenNotTriggered(t *testing.T) {
	store := newMemStore()
	prices := newMemPrices()
	exec := &fakeExecutor{results: []domain.ExecutionResult{{Success: true}}}
	m := newTestMonitor(exec, store, prices, Config{})
	defer m.Stop()

	// Buy at 0.00001 while the market sits well above: never triggers.
	order := pendingOrder("o-2", domain.OrderSideBuy, 0.00001)
	store.Create(context.Background(), order)
	prices.SetPrice(context.Background(), "MintAAA", 0.00002, time.Now())

	m.Watch(context.Background(), order)
	time.Sleep(50 * time.Millisecond)

	if n := exec.callCount(); n != 0 {
		t.Fatalf("executor called %d times for untriggered order", n)
	}
	o, _ := store.GetByID(context.Background(), "o-2")
	if o.Status != domain.OrderStatusPending {
		t.Fatalf("status = %s, want pending", o.Status)
	}
}

func TestMonitorSynthesizesTakeProfitChild(t *testing.T) {
	store := newMemStore()
	prices := newMemPrices()
	exec := &fakeExecutor{results: []domain.ExecutionResult{{
		Success: true, Signature: "sig-tp", FilledPrice: 0.0005, FilledAmount: 2_000_000,
	}}}
	m := newTestMonitor(exec, store, prices, Config{})
	defer m.Stop()

	order := pendingOrder("o-3", domain.OrderSideBuy, 0.0006)
	order.Params.TakeProfitPct = 50
	store.Create(context.Background(), order)
	prices.SetPrice(context.Background(), "MintAAA", 0.0005, time.Now())

	m.Watch(context.Background(), order)

	var children []domain.Order
	waitFor(t, 2*time.Second, func() bool {
		children, _ = store.ListChildren(context.Background(), "o-3")
		return len(children) == 1
	})

	child := children[0]
	if child.Params.Side != domain.OrderSideSell {
		t.Fatalf("child side = %s, want sell", child.Params.Side)
	}
	// 50% take-profit on a 0.0005 fill sells at 0.00075.
	if got := child.Params.Target.Resolve(0); got != 0.00075 {
		t.Fatalf("child target = %v, want 0.00075", got)
	}
	if child.Params.AmountUnits != 2_000_000 {
		t.Fatalf("child amount = %d, want the parent's filled amount", child.Params.AmountUnits)
	}
	if child.Params.ParentID != "o-3" {
		t.Fatalf("child parent = %q", child.Params.ParentID)
	}
	waitFor(t, time.Second, func() bool { return m.Watching() == 1 })
}

func TestMonitorSynthesizesBothChildren(t *testing.T) {
	store := newMemStore()
	prices := newMemPrices()
	exec := &fakeExecutor{results: []domain.ExecutionResult{{
		Success: true, FilledPrice: 0.001, FilledAmount: 500,
	}}}
	m := newTestMonitor(exec, store, prices, Config{})
	defer m.Stop()

	order := pendingOrder("o-4", domain.OrderSideBuy, 0.002)
	order.Params.TakeProfitPct = 100
	order.Params.StopLossPct = 30
	store.Create(context.Background(), order)
	prices.SetPrice(context.Background(), "MintAAA", 0.001, time.Now())

	m.Watch(context.Background(), order)

	var children []domain.Order
	waitFor(t, 2*time.Second, func() bool {
		children, _ = store.ListChildren(context.Background(), "o-4")
		return len(children) == 2
	})

	targets := map[float64]bool{}
	for _, c := range children {
		targets[c.Params.Target.Resolve(0)] = true
		if c.Params.Side != domain.OrderSideSell {
			t.Fatalf("child side = %s", c.Params.Side)
		}
	}
	if !targets[0.002] || !targets[0.0007] {
		t.Fatalf("child targets = %v, want 0.002 and 0.0007", targets)
	}
}

func TestMonitorRetryableFailureLeavesPending(t *testing.T) {
	store := newMemStore()
	prices := newMemPrices()
	exec := &fakeExecutor{results: []domain.ExecutionResult{
		{ErrKind: domain.KindPriceMovedAway, Message: "moved"},
	}}
	m := newTestMonitor(exec, store, prices, Config{})
	defer m.Stop()

	order := pendingOrder("o-5", domain.OrderSideBuy, 0.00001)
	store.Create(context.Background(), order)
	prices.SetPrice(context.Background(), "MintAAA", 0.000009, time.Now())

	m.Watch(context.Background(), order)
	waitFor(t, 2*time.Second, func() bool { return exec.callCount() >= 2 })

	o, _ := store.GetByID(context.Background(), "o-5")
	if o.Status != domain.OrderStatusPending {
		t.Fatalf("status = %s, want pending after retryable failure", o.Status)
	}
	if m.Watching() != 1 {
		t.Fatalf("watching = %d, task must keep polling", m.Watching())
	}
}

func TestMonitorNonRetryableFailureMarksError(t *testing.T) {
	store := newMemStore()
	prices := newMemPrices()
	exec := &fakeExecutor{results: []domain.ExecutionResult{
		{ErrKind: domain.KindSimulationFailed, Message: "program error"},
	}}
	m := newTestMonitor(exec, store, prices, Config{})
	defer m.Stop()

	var mu sync.Mutex
	var failedKinds []string
	m.OnOrderFailed(func(o domain.Order, res domain.ExecutionResult) {
		mu.Lock()
		failedKinds = append(failedKinds, o.ID+":"+res.ErrKind)
		mu.Unlock()
	})

	order := pendingOrder("o-6", domain.OrderSideBuy, 0.00001)
	store.Create(context.Background(), order)
	prices.SetPrice(context.Background(), "MintAAA", 0.000009, time.Now())

	m.Watch(context.Background(), order)
	waitFor(t, 2*time.Second, func() bool {
		o, _ := store.GetByID(context.Background(), "o-6")
		return o.Status == domain.OrderStatusError
	})
	waitFor(t, time.Second, func() bool { return m.Watching() == 0 })
	if n := exec.callCount(); n != 1 {
		t.Fatalf("executor called %d times after terminal failure", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failedKinds) != 1 || failedKinds[0] != "o-6:"+domain.KindSimulationFailed {
		t.Fatalf("failure hook saw %v", failedKinds)
	}
}

func TestMonitorExpiresOldOrders(t *testing.T) {
	store := newMemStore()
	prices := newMemPrices()
	exec := &fakeExecutor{results: []domain.ExecutionResult{{Success: true}}}
	m := newTestMonitor(exec, store, prices, Config{MaxOrderAge: time.Minute})
	defer m.Stop()

	order := pendingOrder("o-7", domain.OrderSideBuy, 0.00001)
	order.CreatedAt = time.Now().Add(-2 * time.Minute)
	store.Create(context.Background(), order)
	prices.SetPrice(context.Background(), "MintAAA", 0.000009, time.Now())

	m.Watch(context.Background(), order)
	waitFor(t, 2*time.Second, func() bool {
		o, _ := store.GetByID(context.Background(), "o-7")
		return o.Status == domain.OrderStatusExpired
	})
	if n := exec.callCount(); n != 0 {
		t.Fatalf("expired order was executed %d times", n)
	}
}

func TestCancelPendingCascadesToChildren(t *testing.T) {
	store := newMemStore()
	prices := newMemPrices()
	m := newTestMonitor(&fakeExecutor{results: []domain.ExecutionResult{{}}}, store, prices, Config{})
	defer m.Stop()

	parent := pendingOrder("p-1", domain.OrderSideBuy, 0.00001)
	child := pendingOrder("c-1", domain.OrderSideSell, 0.00002)
	child.Params.ParentID = "p-1"
	store.Create(context.Background(), parent)
	store.Create(context.Background(), child)

	if err := m.Cancel(context.Background(), "p-1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	p, _ := store.GetByID(context.Background(), "p-1")
	c, _ := store.GetByID(context.Background(), "c-1")
	if p.Status != domain.OrderStatusCancelled || c.Status != domain.OrderStatusCancelled {
		t.Fatalf("statuses = parent %s, child %s; want both cancelled", p.Status, c.Status)
	}
}

func TestCancelRejectsTerminalOrder(t *testing.T) {
	store := newMemStore()
	m := newTestMonitor(&fakeExecutor{results: []domain.ExecutionResult{{}}}, store, newMemPrices(), Config{})
	defer m.Stop()

	order := pendingOrder("f-1", domain.OrderSideBuy, 0.00001)
	order.Status = domain.OrderStatusFilled
	store.Create(context.Background(), order)

	err := m.Cancel(context.Background(), "f-1")
	if err == nil {
		t.Fatal("expected error cancelling a filled order")
	}
	if !errors.Is(err, domain.ErrOrderTerminal) {
		t.Fatalf("error = %v, want ErrOrderTerminal in chain", err)
	}
	o, _ := store.GetByID(context.Background(), "f-1")
	if o.Status != domain.OrderStatusFilled {
		t.Fatalf("status changed to %s", o.Status)
	}
}

func TestWatchIgnoresTerminalAndDuplicates(t *testing.T) {
	store := newMemStore()
	m := newTestMonitor(&fakeExecutor{results: []domain.ExecutionResult{{}}}, store, newMemPrices(), Config{PollInterval: time.Hour})
	defer m.Stop()

	filled := pendingOrder("t-1", domain.OrderSideBuy, 0.00001)
	filled.Status = domain.OrderStatusFilled
	m.Watch(context.Background(), filled)
	if m.Watching() != 0 {
		t.Fatalf("terminal order watched")
	}

	order := pendingOrder("t-2", domain.OrderSideBuy, 0.00001)
	store.Create(context.Background(), order)
	m.Watch(context.Background(), order)
	m.Watch(context.Background(), order)
	if m.Watching() != 1 {
		t.Fatalf("watching = %d, want 1 after duplicate Watch", m.Watching())
	}
}

func TestWatchPendingResumesFromStore(t *testing.T) {
	store := newMemStore()
	prices := newMemPrices()
	m := newTestMonitor(&fakeExecutor{results: []domain.ExecutionResult{{}}}, store, prices, Config{PollInterval: time.Hour})
	defer m.Stop()

	store.Create(context.Background(), pendingOrder("r-1", domain.OrderSideBuy, 0.00001))
	store.Create(context.Background(), pendingOrder("r-2", domain.OrderSideSell, 0.00005))
	done := pendingOrder("r-3", domain.OrderSideBuy, 0.00001)
	done.Status = domain.OrderStatusCancelled
	store.Create(context.Background(), done)

	if err := m.WatchPending(context.Background(), ""); err != nil {
		t.Fatalf("watch pending: %v", err)
	}
	if m.Watching() != 2 {
		t.Fatalf("watching = %d, want 2", m.Watching())
	}
}

func TestMonitorFillsAnchoredRelativeOrder(t *testing.T) {
	store := newMemStore()
	prices := newMemPrices()
	exec := &fakeExecutor{results: []domain.ExecutionResult{{
		Success: true, Signature: "sig-r", FilledPrice: 0.76, FilledAmount: 900_000,
	}}}
	m := newTestMonitor(exec, store, prices, Config{})
	defer m.Stop()

	// Sell 50% above the 0.5 entry captured at placement: fires at 0.75.
	order := pendingOrder("o-r", domain.OrderSideSell, 0)
	order.Params.Target = domain.RelativeTarget(50)
	order.EntryPrice = 0.5
	store.Create(context.Background(), order)

	prices.SetPrice(context.Background(), "MintAAA", 0.7, time.Now())
	m.Watch(context.Background(), order)
	time.Sleep(30 * time.Millisecond)
	if n := exec.callCount(); n != 0 {
		t.Fatalf("executor called %d times below target", n)
	}

	prices.SetPrice(context.Background(), "MintAAA", 0.76, time.Now())
	waitFor(t, 2*time.Second, func() bool {
		o, _ := store.GetByID(context.Background(), "o-r")
		return o.Status == domain.OrderStatusFilled
	})
}

func TestConcurrentCancelsDoNotDeadlock(t *testing.T) {
	store := newMemStore()
	m := newTestMonitor(&fakeExecutor{results: []domain.ExecutionResult{{}}}, store, newMemPrices(), Config{})
	defer m.Stop()

	parent := pendingOrder("p-2", domain.OrderSideBuy, 0.00001)
	child := pendingOrder("c-2", domain.OrderSideSell, 0.00002)
	child.Params.ParentID = "p-2"
	store.Create(context.Background(), parent)
	store.Create(context.Background(), child)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = m.Cancel(ctx, "p-2")
	}()
	go func() {
		defer wg.Done()
		_ = m.Cancel(ctx, "c-2")
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("cancels did not complete")
	}

	p, _ := store.GetByID(context.Background(), "p-2")
	c, _ := store.GetByID(context.Background(), "c-2")
	if p.Status != domain.OrderStatusCancelled || c.Status != domain.OrderStatusCancelled {
		t.Fatalf("statuses = parent %s, child %s; want both cancelled", p.Status, c.Status)
	}
}
