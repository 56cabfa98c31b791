package breaker

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func newTestBreaker(t *testing.T, clock *time.Time) *Breaker {
	t.Helper()
	b := New(Config{
		Name:             "test",
		FailureThreshold: 3,
		Timeout:          time.Minute,
		SuccessThreshold: 1,
	}, slog.Default())
	b.now = func() time.Time { return *clock }
	return b
}

func fail(ctx context.Context) error    { return errBoom }
func succeed(ctx context.Context) error { return nil }

func TestOpensAfterThresholdFailures(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: expected errBoom, got %v", i, err)
		}
		if b.State() != StateClosed {
			t.Fatalf("attempt %d: expected closed, got %s", i, b.State())
		}
	}

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}
}

func TestFastFailBeforeTimeout(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	var oe *OpenError
	if !errors.As(err, &oe) {
		t.Fatalf("expected OpenError, got %v", err)
	}
	if oe.RetryAfter <= 0 || oe.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry-after %s", oe.RetryAfter)
	}
	if invoked {
		t.Fatal("wrapped function must not run while open")
	}
}

func TestHalfOpenTrialClosesOnSuccess(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	clock = clock.Add(time.Minute + time.Second)

	if err := b.Execute(ctx, succeed); err != nil {
		t.Fatalf("trial call failed: %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("expected closed after trial success, got %s", b.State())
	}
	if got := b.Snapshot().Failures; got != 0 {
		t.Fatalf("expected failure count reset, got %d", got)
	}
}

func TestHalfOpenTrialReopensOnFailure(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock = clock.Add(time.Minute + time.Second)

	if err := b.Execute(ctx, fail); !errors.Is(err, errBoom) {
		t.Fatalf("expected errBoom, got %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("expected reopen after trial failure, got %s", b.State())
	}
}

func TestSuccessResetsFailureCount(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, succeed)
	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)

	if b.State() != StateClosed {
		t.Fatalf("expected closed, got %s", b.State())
	}
}

func TestExecuteWithFallbackOnError(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	fallbackRan := false
	err := b.ExecuteWithFallback(ctx, fail, func(ctx context.Context) error {
		fallbackRan = true
		return nil
	})
	if err != nil {
		t.Fatalf("expected fallback result, got %v", err)
	}
	if !fallbackRan {
		t.Fatal("fallback did not run")
	}
	if got := b.Snapshot().Failures; got != 1 {
		t.Fatalf("expected failure counted despite fallback, got %d", got)
	}
}

func TestExecuteWithFallbackOnShortCircuit(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	primaryRan := false
	fallbackRan := false
	err := b.ExecuteWithFallback(ctx,
		func(ctx context.Context) error { primaryRan = true; return nil },
		func(ctx context.Context) error { fallbackRan = true; return nil },
	)
	if err != nil {
		t.Fatalf("fallback should have succeeded: %v", err)
	}
	if primaryRan {
		t.Fatal("primary must not run while open")
	}
	if !fallbackRan {
		t.Fatal("fallback did not run")
	}
}

func TestResetAndStats(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	_ = b.Execute(ctx, succeed) // short-circuited

	st := b.Snapshot()
	if st.State != StateOpen || st.TotalCalls != 4 || st.TotalFailures != 3 || st.TotalShortCircs != 1 {
		t.Fatalf("unexpected stats: %+v", st)
	}

	b.Reset()
	st = b.Snapshot()
	if st.State != StateClosed || st.Failures != 0 {
		t.Fatalf("reset did not close the breaker: %+v", st)
	}
	if st.TotalFailures != 3 {
		t.Fatalf("reset must keep lifetime totals, got %+v", st)
	}
}

func TestTransitionHook(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	var transitions [][2]State
	b.OnTransition(func(from, to State) {
		transitions = append(transitions, [2]State{from, to})
	})

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}
	clock = clock.Add(2 * time.Minute)
	_ = b.Execute(ctx, succeed)

	want := [][2]State{
		{StateClosed, StateOpen},
		{StateOpen, StateHalfOpen},
		{StateHalfOpen, StateClosed},
	}
	if len(transitions) != len(want) {
		t.Fatalf("expected %d transitions, got %v", len(want), transitions)
	}
	for i, tr := range want {
		if transitions[i] != tr {
			t.Fatalf("transition %d: expected %v, got %v", i, tr, transitions[i])
		}
	}
}

func TestTransitionHooksAccumulate(t *testing.T) {
	clock := time.Now()
	b := newTestBreaker(t, &clock)
	ctx := context.Background()

	// Two independent observers; registering the second must not displace
	// the first.
	var first, second int
	b.OnTransition(func(from, to State) { first++ })
	b.OnTransition(func(from, to State) { second++ })

	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, fail)
	}

	if first != 1 || second != 1 {
		t.Fatalf("hook calls = %d and %d, want both to see the closed->open transition", first, second)
	}
}
