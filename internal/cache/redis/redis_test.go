package redis

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/alanyoungcy/solbot/internal/domain"
)

func setup(t *testing.T) *Client {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPriceCacheRoundTrip(t *testing.T) {
	c := setup(t)
	pc := NewPriceCache(c)
	ctx := context.Background()

	ts := time.Now().Truncate(time.Nanosecond)
	if err := pc.SetPrice(ctx, "MintAAA", 0.00042, ts); err != nil {
		t.Fatalf("set: %v", err)
	}

	price, got, err := pc.GetPrice(ctx, "MintAAA")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if price != 0.00042 {
		t.Fatalf("price = %v", price)
	}
	if !got.Equal(ts) {
		t.Fatalf("ts = %v, want %v", got, ts)
	}
}

func TestPriceCacheMissing(t *testing.T) {
	c := setup(t)
	pc := NewPriceCache(c)

	_, _, err := pc.GetPrice(context.Background(), "MintUnknown")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRateLimiterAllowsUpToLimit(t *testing.T) {
	c := setup(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		allowed, err := rl.Allow(ctx, "user-1", 3, time.Minute)
		if err != nil {
			t.Fatalf("allow %d: %v", i, err)
		}
		if !allowed {
			t.Fatalf("request %d rejected below limit", i)
		}
	}

	allowed, err := rl.Allow(ctx, "user-1", 3, time.Minute)
	if err != nil {
		t.Fatalf("allow: %v", err)
	}
	if allowed {
		t.Fatal("request above limit was allowed")
	}

	// A different key has its own budget.
	allowed, err = rl.Allow(ctx, "user-2", 3, time.Minute)
	if err != nil || !allowed {
		t.Fatalf("other key rejected: allowed=%v err=%v", allowed, err)
	}
}

func TestRateLimiterWindowSlides(t *testing.T) {
	c := setup(t)
	rl := NewRateLimiter(c)
	ctx := context.Background()

	if allowed, _ := rl.Allow(ctx, "user-3", 1, 50*time.Millisecond); !allowed {
		t.Fatal("first request rejected")
	}
	if allowed, _ := rl.Allow(ctx, "user-3", 1, 50*time.Millisecond); allowed {
		t.Fatal("second request inside window allowed")
	}

	time.Sleep(60 * time.Millisecond)

	allowed, err := rl.Allow(ctx, "user-3", 1, 50*time.Millisecond)
	if err != nil {
		t.Fatalf("allow after window: %v", err)
	}
	if !allowed {
		t.Fatal("request after window slid was rejected")
	}
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	c := setup(t)
	bus := NewSignalBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "orders")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if err := bus.Publish(ctx, "orders", []byte(`{"event":"order_placed"}`)); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case payload := <-ch:
		if string(payload) != `{"event":"order_placed"}` {
			t.Fatalf("payload = %s", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("channel delivered after cancel instead of closing")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}
