package executor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alanyoungcy/solbot/internal/domain"
	"github.com/alanyoungcy/solbot/internal/fees"
	"github.com/alanyoungcy/solbot/internal/locker"
	"github.com/alanyoungcy/solbot/internal/strategy"
	"github.com/alanyoungcy/solbot/internal/wallet"
)

type fakeStrategy struct {
	venue      domain.Venue
	executable bool
	quote      strategy.Quote
	quoteErr   error
	buildErr   error
	quoteCalls int
	buildCalls int
}

func (f *fakeStrategy) Name() string        { return "fake-" + string(f.venue) }
func (f *fakeStrategy) Venue() domain.Venue { return f.venue }

func (f *fakeStrategy) CanExecute(context.Context, string) (bool, error) {
	return f.executable, nil
}

func (f *fakeStrategy) GetQuote(context.Context, strategy.Params) (strategy.Quote, error) {
	f.quoteCalls++
	if f.quoteErr != nil {
		return strategy.Quote{}, f.quoteErr
	}
	return f.quote, nil
}

func (f *fakeStrategy) BuildTransaction(_ context.Context, p strategy.Params, q strategy.Quote) (*domain.Transaction, error) {
	f.buildCalls++
	if f.buildErr != nil {
		return nil, f.buildErr
	}
	return &domain.Transaction{Payload: []byte("swap:" + p.TokenMint)}, nil
}

type fakeSubmitter struct {
	mu sync.Mutex

	simResult domain.SimulationResult
	simErr    error

	submitSig string
	submitTip uint64
	submitErr error

	plainSig string
	plainErr error

	record    domain.TransactionRecord
	recordErr error

	submitCalls int
	plainCalls  int
	lastTipIn   uint64
}

func (f *fakeSubmitter) Simulate(context.Context, *domain.Transaction) (domain.SimulationResult, error) {
	return f.simResult, f.simErr
}

func (f *fakeSubmitter) Submit(_ context.Context, _ *domain.Transaction, tip uint64, _ wallet.Signer) (string, uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitCalls++
	f.lastTipIn = tip
	if f.submitErr != nil {
		return "", 0, f.submitErr
	}
	paid := f.submitTip
	if paid == 0 {
		paid = tip
	}
	return f.submitSig, paid, nil
}

func (f *fakeSubmitter) SubmitPlain(context.Context, *domain.Transaction, wallet.Signer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.plainCalls++
	return f.plainSig, f.plainErr
}

func (f *fakeSubmitter) Record(context.Context, string) (domain.TransactionRecord, error) {
	return f.record, f.recordErr
}

func (f *fakeSubmitter) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submitCalls, f.plainCalls
}

type fakeTips struct {
	tip uint64
}

func (f *fakeTips) EstimateForVenue(uint64, fees.Tier, domain.Venue, bool) uint64 {
	return f.tip
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

type staticSigner struct{}

func (staticSigner) PublicKey() string { return "owner-pubkey" }

func (staticSigner) SignTransaction(tx *domain.Transaction, bh domain.Blockhash) error {
	tx.Blockhash = bh.Hash
	tx.Signatures = []string{"sig"}
	return nil
}

func testLogger() *slog.Logger {
	return slog.Default()
}

func buildExecutor(t *testing.T, strat *fakeStrategy, sub *fakeSubmitter, tips *fakeTips, prices *memPrices) *Executor {
	t.Helper()
	reg := strategy.NewRegistry()
	reg.Register(strat)
	return New(
		locker.NewManager(testLogger()),
		reg,
		sub,
		tips,
		prices,
		staticSigner{},
		nil,
		testLogger(),
	)
}

func pendingBuyOrder(target float64) *domain.Order {
	return &domain.Order{
		ID: "order-1",
		Params: domain.OrderParams{
			OwnerID:     "user-1",
			TokenMint:   "MintAAA",
			Side:        domain.OrderSideBuy,
			AmountUnits: 1_000_000_000,
			Target:      domain.AbsoluteTarget(target),
			SlippagePct: 1,
			Protected:   true,
		},
		Status:    domain.OrderStatusPending,
		Venue:     domain.VenueCurve,
		CreatedAt: time.Now().UTC(),
	}
}

func TestExecuteOrderProtectedSuccess(t *testing.T) {
	strat := &fakeStrategy{
		venue:      domain.VenueCurve,
		executable: true,
		quote:      strategy.Quote{InAmount: 1_000_000_000, OutAmount: 2_000_000, Price: 0.0005, PriceImpactPct: 1.2},
	}
	sub := &fakeSubmitter{
		simResult: domain.SimulationResult{Success: true},
		submitSig: "sig-protected",
		submitTip: 750_000,
		record:    domain.TransactionRecord{Signature: "sig-protected", ReceivedAmount: 1_990_000},
	}
	prices := newMemPrices()
	prices.SetPrice(context.Background(), "MintAAA", 0.00049, time.Now())

	exec := buildExecutor(t, strat, sub, &fakeTips{tip: 500_000}, prices)
	order := pendingBuyOrder(0.0005)

	res := exec.ExecuteOrder(context.Background(), order, domain.VenueCurve)
	if !res.Success {
		t.Fatalf("expected success, got kind=%q message=%q", res.ErrKind, res.Message)
	}
	if res.Signature != "sig-protected" {
		t.Fatalf("signature = %q", res.Signature)
	}
	if res.TipPaid != 750_000 {
		t.Fatalf("tip paid = %d, want 750000", res.TipPaid)
	}
	if subCalls, plainCalls := sub.calls(); subCalls != 1 || plainCalls != 0 {
		t.Fatalf("calls = (%d protected, %d plain), want (1, 0)", subCalls, plainCalls)
	}
	if sub.lastTipIn != 500_000 {
		t.Fatalf("tip passed to submitter = %d, want estimator output 500000", sub.lastTipIn)
	}
	// Realized fill from the chain record: 1e9 lamports in, 1.99e6 tokens out.
	if res.FilledAmount != 1_990_000 {
		t.Fatalf("filled amount = %d", res.FilledAmount)
	}
	wantPrice := float64(1_000_000_000) / float64(1_990_000)
	if res.FilledPrice != wantPrice {
		t.Fatalf("filled price = %v, want %v", res.FilledPrice, wantPrice)
	}
	if order.Status != domain.OrderStatusFilled || order.TxSignature != "sig-protected" {
		t.Fatalf("order not marked filled: status=%s sig=%q", order.Status, order.TxSignature)
	}
}

func TestExecuteOrderUnprotectedUsesPlainPathWithoutTip(t *testing.T) {
	strat := &fakeStrategy{
		venue:      domain.VenueCurve,
		executable: true,
		quote:      strategy.Quote{InAmount: 1_000_000_000, OutAmount: 2_000_000, Price: 0.0005, PriceImpactPct: 0.8},
	}
	sub := &fakeSubmitter{
		simResult: domain.SimulationResult{Success: true},
		plainSig:  "sig-plain",
		record:    domain.TransactionRecord{Signature: "sig-plain", ReceivedAmount: 2_000_000},
	}
	prices := newMemPrices()
	prices.SetPrice(context.Background(), "MintAAA", 0.00048, time.Now())

	exec := buildExecutor(t, strat, sub, &fakeTips{tip: 500_000}, prices)
	order := pendingBuyOrder(0.0005)
	order.Params.Protected = false

	res := exec.ExecuteOrder(context.Background(), order, domain.VenueCurve)
	if !res.Success {
		t.Fatalf("expected success, got kind=%q message=%q", res.ErrKind, res.Message)
	}
	if res.TipPaid != 0 {
		t.Fatalf("unprotected execution paid tip %d", res.TipPaid)
	}
	if subCalls, plainCalls := sub.calls(); subCalls != 0 || plainCalls != 1 {
		t.Fatalf("calls = (%d protected, %d plain), want (0, 1)", subCalls, plainCalls)
	}
}

func TestExecuteOrderRejectsExcessivePriceImpact(t *testing.T) {
	strat := &fakeStrategy{
		venue:      domain.VenueCurve,
		executable: true,
		quote:      strategy.Quote{InAmount: 1_000_000_000, OutAmount: 2_000_000, Price: 0.0005, PriceImpactPct: 15},
	}
	sub := &fakeSubmitter{simResult: domain.SimulationResult{Success: true}}
	prices := newMemPrices()
	prices.SetPrice(context.Background(), "MintAAA", 0.00049, time.Now())

	exec := buildExecutor(t, strat, sub, &fakeTips{tip: 500_000}, prices)
	order := pendingBuyOrder(0.0005)

	res := exec.ExecuteOrder(context.Background(), order, domain.VenueCurve)
	if res.Success {
		t.Fatal("expected rejection")
	}
	if res.ErrKind != domain.KindPriceImpactTooHigh {
		t.Fatalf("kind = %q, want %q", res.ErrKind, domain.KindPriceImpactTooHigh)
	}
	if subCalls, plainCalls := sub.calls(); subCalls != 0 || plainCalls != 0 {
		t.Fatalf("trade was submitted despite impact rejection: (%d, %d)", subCalls, plainCalls)
	}
	if strat.buildCalls != 0 {
		t.Fatalf("transaction built despite impact rejection")
	}
	if order.Status.Terminal() {
		t.Fatalf("impact rejection must leave the order retryable, got %s", order.Status)
	}
}

func TestExecuteOrderPriceMovedAway(t *testing.T) {
	strat := &fakeStrategy{
		venue:      domain.VenueCurve,
		executable: true,
		quote:      strategy.Quote{Price: 0.0005, PriceImpactPct: 1},
	}
	sub := &fakeSubmitter{simResult: domain.SimulationResult{Success: true}}
	prices := newMemPrices()
	// Buy target 0.0005 but the market ran to 0.0009: no longer triggered.
	prices.SetPrice(context.Background(), "MintAAA", 0.0009, time.Now())

	exec := buildExecutor(t, strat, sub, &fakeTips{tip: 500_000}, prices)
	order := pendingBuyOrder(0.0005)

	res := exec.ExecuteOrder(context.Background(), order, domain.VenueCurve)
	if res.Success || res.ErrKind != domain.KindPriceMovedAway {
		t.Fatalf("kind = %q, want %q", res.ErrKind, domain.KindPriceMovedAway)
	}
	if strat.quoteCalls != 0 {
		t.Fatal("quoted despite failed trigger re-check")
	}
}

func TestExecuteOrderToleranceAdmitsBoundaryPrice(t *testing.T) {
	strat := &fakeStrategy{
		venue:      domain.VenueCurve,
		executable: true,
		quote:      strategy.Quote{InAmount: 1, OutAmount: 1, Price: 0.0005, PriceImpactPct: 0.1},
	}
	sub := &fakeSubmitter{
		simResult: domain.SimulationResult{Success: true},
		submitSig: "sig-x",
		record:    domain.TransactionRecord{ReceivedAmount: 1},
	}
	prices := newMemPrices()
	// 0.005% above target, inside the 0.01% tolerance band.
	prices.SetPrice(context.Background(), "MintAAA", 0.0005*1.00005, time.Now())

	exec := buildExecutor(t, strat, sub, &fakeTips{tip: 1}, prices)
	order := pendingBuyOrder(0.0005)

	res := exec.ExecuteOrder(context.Background(), order, domain.VenueCurve)
	if !res.Success {
		t.Fatalf("boundary price rejected: kind=%q message=%q", res.ErrKind, res.Message)
	}
}

func TestExecuteOrderStalePriceFails(t *testing.T) {
	strat := &fakeStrategy{venue: domain.VenueCurve, executable: true}
	sub := &fakeSubmitter{}
	prices := newMemPrices()
	prices.SetPrice(context.Background(), "MintAAA", 0.0004, time.Now().Add(-2*time.Minute))

	exec := buildExecutor(t, strat, sub, &fakeTips{}, prices)
	order := pendingBuyOrder(0.0005)

	res := exec.ExecuteOrder(context.Background(), order, domain.VenueCurve)
	if res.Success || res.ErrKind != domain.KindPriceMovedAway {
		t.Fatalf("kind = %q, want %q for stale price", res.ErrKind, domain.KindPriceMovedAway)
	}
}

func TestExecuteOrderSimulationFailure(t *testing.T) {
	strat := &fakeStrategy{
		venue:      domain.VenueCurve,
		executable: true,
		quote:      strategy.Quote{Price: 0.0005, PriceImpactPct: 1},
	}
	sub := &fakeSubmitter{
		simResult: domain.SimulationResult{Success: false, Err: "custom program error: 0x1"},
	}
	prices := newMemPrices()
	prices.SetPrice(context.Background(), "MintAAA", 0.00049, time.Now())

	exec := buildExecutor(t, strat, sub, &fakeTips{tip: 1}, prices)
	order := pendingBuyOrder(0.0005)

	res := exec.ExecuteOrder(context.Background(), order, domain.VenueCurve)
	if res.Success || res.ErrKind != domain.KindSimulationFailed {
		t.Fatalf("kind = %q, want %q", res.ErrKind, domain.KindSimulationFailed)
	}
	if subCalls, plainCalls := sub.calls(); subCalls != 0 || plainCalls != 0 {
		t.Fatal("submitted despite simulation failure")
	}
}

func TestExecuteOrderSubmissionFailureCarriesKind(t *testing.T) {
	strat := &fakeStrategy{
		venue:      domain.VenueCurve,
		executable: true,
		quote:      strategy.Quote{Price: 0.0005, PriceImpactPct: 1},
	}
	sub := &fakeSubmitter{
		simResult: domain.SimulationResult{Success: true},
		submitErr: domain.NewTradeError(domain.KindSubmissionFailed, "bundle rejected", errors.New("boom")),
	}
	prices := newMemPrices()
	prices.SetPrice(context.Background(), "MintAAA", 0.00049, time.Now())

	exec := buildExecutor(t, strat, sub, &fakeTips{tip: 1}, prices)
	order := pendingBuyOrder(0.0005)

	res := exec.ExecuteOrder(context.Background(), order, domain.VenueCurve)
	if res.Success {
		t.Fatal("expected failure")
	}
	if res.ErrKind != domain.KindSubmissionFailed {
		t.Fatalf("kind = %q", res.ErrKind)
	}
	if res.Message != "bundle rejected" {
		t.Fatalf("message = %q", res.Message)
	}
	if order.Status.Terminal() {
		t.Fatalf("submission failure must not finalize the order in the executor, got %s", order.Status)
	}
}

func TestExecuteOrderIdempotentUnderConcurrency(t *testing.T) {
	strat := &fakeStrategy{
		venue:      domain.VenueCurve,
		executable: true,
		quote:      strategy.Quote{InAmount: 100, OutAmount: 100, Price: 0.0005, PriceImpactPct: 0.5},
	}
	sub := &fakeSubmitter{
		simResult: domain.SimulationResult{Success: true},
		submitSig: "sig-once",
		record:    domain.TransactionRecord{ReceivedAmount: 100},
	}
	prices := newMemPrices()
	prices.SetPrice(context.Background(), "MintAAA", 0.00049, time.Now())

	exec := buildExecutor(t, strat, sub, &fakeTips{tip: 1}, prices)
	order := pendingBuyOrder(0.0005)

	results := make(chan domain.ExecutionResult, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- exec.ExecuteOrder(context.Background(), order, domain.VenueCurve)
		}()
	}
	wg.Wait()
	close(results)

	var successes, terminalRejections int
	for res := range results {
		if res.Success {
			successes++
		} else if res.ErrKind == domain.KindValidation {
			terminalRejections++
		}
	}
	if successes != 1 || terminalRejections != 1 {
		t.Fatalf("got %d successes, %d terminal rejections; want exactly one of each", successes, terminalRejections)
	}
	if subCalls, _ := sub.calls(); subCalls != 1 {
		t.Fatalf("submitted %d times, want 1", subCalls)
	}
}

func TestExecuteMarketOrderResolvesVenue(t *testing.T) {
	strat := &fakeStrategy{
		venue:      domain.VenueAMM,
		executable: true,
		quote:      strategy.Quote{InAmount: 100, OutAmount: 200, Price: 0.5, PriceImpactPct: 0.3},
	}
	sub := &fakeSubmitter{
		simResult: domain.SimulationResult{Success: true},
		plainSig:  "sig-market",
		record:    domain.TransactionRecord{ReceivedAmount: 200},
	}
	exec := buildExecutor(t, strat, sub, &fakeTips{tip: 1}, newMemPrices())

	res := exec.ExecuteMarketOrder(context.Background(), domain.OrderParams{
		OwnerID:     "user-1",
		TokenMint:   "MintBBB",
		Side:        domain.OrderSideBuy,
		AmountUnits: 100,
		SlippagePct: 1,
	})
	if !res.Success {
		t.Fatalf("market order failed: kind=%q message=%q", res.ErrKind, res.Message)
	}
	if res.Signature != "sig-market" {
		t.Fatalf("signature = %q", res.Signature)
	}
	// Market orders skip the trigger check entirely: no price was ever cached.
	if _, plainCalls := sub.calls(); plainCalls != 1 {
		t.Fatalf("plain calls = %d, want 1", plainCalls)
	}
}

func TestExecuteMarketOrderNoVenue(t *testing.T) {
	strat := &fakeStrategy{venue: domain.VenueAMM, executable: false}
	exec := buildExecutor(t, strat, &fakeSubmitter{}, &fakeTips{}, newMemPrices())

	res := exec.ExecuteMarketOrder(context.Background(), domain.OrderParams{
		OwnerID:     "user-1",
		TokenMint:   "MintDead",
		Side:        domain.OrderSideBuy,
		AmountUnits: 100,
	})
	if res.Success || res.ErrKind != domain.KindValidation {
		t.Fatalf("kind = %q, want %q", res.ErrKind, domain.KindValidation)
	}
}
