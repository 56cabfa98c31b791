package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/solbot/internal/breaker"
	"github.com/alanyoungcy/solbot/internal/domain"
	"github.com/alanyoungcy/solbot/internal/executor"
	"github.com/alanyoungcy/solbot/internal/feed"
	"github.com/alanyoungcy/solbot/internal/fees"
	"github.com/alanyoungcy/solbot/internal/monitor"
	"github.com/alanyoungcy/solbot/internal/platform/bundler"
	"github.com/alanyoungcy/solbot/internal/platform/rpc"
	"github.com/alanyoungcy/solbot/internal/server"
	"github.com/alanyoungcy/solbot/internal/server/handler"
	"github.com/alanyoungcy/solbot/internal/service"
	"github.com/alanyoungcy/solbot/internal/strategy"
	"github.com/alanyoungcy/solbot/internal/submitter"
	"github.com/alanyoungcy/solbot/internal/wallet"
)

// hookTimeout bounds the background work done per fill or failure callback.
const hookTimeout = 10 * time.Second

// engine bundles the trading pipeline built for wallet-bearing modes.
type engine struct {
	orders    *service.OrderService
	positions *service.PositionService
	mon       *monitor.Monitor
	brk       *breaker.Breaker
}

// buildEngine constructs the full execution pipeline: wallet, network
// clients, breaker, submitter, fee estimator, strategies, executor, monitor,
// and the service layer, with the fill and failure hooks attached.
func (a *App) buildEngine(deps *Dependencies) (*engine, error) {
	logger := slog.Default()
	cfg := a.cfg

	key, err := wallet.LoadKey(wallet.KeyConfig{
		RawPrivateKey:    cfg.Wallet.PrivateKey,
		EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
		KeyPassword:      cfg.Wallet.KeyPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("load wallet key: %w", err)
	}
	w, err := wallet.New(key)
	if err != nil {
		return nil, fmt.Errorf("init wallet: %w", err)
	}

	node := rpc.New(cfg.RPC.Endpoint)
	bund := bundler.New(cfg.Bundler.Endpoint, cfg.Bundler.TipAccount)

	brk := breaker.New(breaker.Config{
		Name:             "bundler",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		Timeout:          cfg.Breaker.Timeout.Duration,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
	}, logger)
	// Metrics for transitions are observed by the submitter's own hook; this
	// one only notifies.
	brk.OnTransition(func(from, to breaker.State) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
			defer cancel()
			_ = deps.Notifier.NotifyBreaker(ctx, "bundler", string(from), string(to))
		}()
	})

	sub := submitter.New(node, bund, brk, deps.Metrics, logger)
	est := fees.NewEstimator(node, logger)

	reg := strategy.NewRegistry()
	reg.Register(strategy.NewCurveStrategy(node))
	reg.Register(strategy.NewAMMStrategy(node))

	exec := executor.New(deps.Locks, reg, sub, est, deps.PriceCache, w, deps.Metrics, logger)

	mon := monitor.New(monitor.Config{
		PollInterval: cfg.Monitor.PollInterval.Duration,
		MaxOrderAge:  cfg.Monitor.MaxOrderAge.Duration,
	}, exec, deps.Orders, deps.PriceCache, deps.Locks, logger)

	positionSvc := a.buildPositionService(deps)
	orderSvc := service.NewOrderService(
		deps.Orders, mon, exec, reg, deps.PriceCache,
		deps.RateLimiter, deps.SignalBus, deps.Audit, logger,
	)

	// Fill pipeline: position bookkeeping, notification, archive. Runs on a
	// detached context so a shutting-down watcher still completes the
	// bookkeeping for a fill that already landed on chain.
	mon.OnOrderFilled(func(order domain.Order) {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		positionSvc.HandleFill(ctx, order)
		_ = deps.Notifier.NotifyFill(ctx, order)
		if deps.Archiver != nil {
			if err := deps.Archiver.ArchiveFill(ctx, order); err != nil {
				logger.WarnContext(ctx, "app: archive fill failed",
					slog.String("order_id", order.ID),
					slog.String("error", err.Error()),
				)
			}
		}
	})
	mon.OnOrderFailed(func(order domain.Order, res domain.ExecutionResult) {
		ctx, cancel := context.WithTimeout(context.Background(), hookTimeout)
		defer cancel()
		_ = deps.Notifier.NotifyFailure(ctx, order, res)
	})

	return &engine{
		orders:    orderSvc,
		positions: positionSvc,
		mon:       mon,
		brk:       brk,
	}, nil
}

func (a *App) buildPositionService(deps *Dependencies) *service.PositionService {
	return service.NewPositionService(
		deps.Positions, deps.PriceCache, deps.SignalBus, deps.Audit, slog.Default(),
	)
}

// startPriceFeed connects the websocket feed and subscribes to the configured
// mints plus every mint with a pending order. No-op when no feed URL is set.
func (a *App) startPriceFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies) error {
	if a.cfg.Feed.WsURL == "" {
		a.logger.InfoContext(ctx, "no price feed configured")
		return nil
	}

	ws := feed.NewWSClient(a.cfg.Feed.WsURL, deps.PriceCache, slog.Default())

	mints := make(map[string]bool, len(a.cfg.Feed.Mints))
	for _, m := range a.cfg.Feed.Mints {
		mints[m] = true
	}
	pending, err := deps.Orders.ListPending(ctx, "")
	if err != nil {
		return fmt.Errorf("list pending for feed: %w", err)
	}
	for _, o := range pending {
		mints[o.Params.TokenMint] = true
	}
	all := make([]string, 0, len(mints))
	for m := range mints {
		all = append(all, m)
	}

	if err := ws.Connect(ctx); err != nil {
		return fmt.Errorf("connect feed: %w", err)
	}
	if len(all) > 0 {
		if err := ws.Subscribe(all); err != nil {
			return fmt.Errorf("subscribe feed: %w", err)
		}
	}

	g.Go(func() error {
		<-ctx.Done()
		_ = ws.Close()
		return ctx.Err()
	})
	return nil
}

// startHTTPServer registers the admin server on the run group. e may be nil
// for read-only modes; order routes and engine status are then absent.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, e *engine) {
	if !a.cfg.Server.Enabled {
		return
	}
	logger := slog.Default()

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(map[string]handler.Pinger{
			"postgres": deps.PingPostgres,
			"redis":    deps.PingRedis,
		}, logger),
		Audit:   handler.NewAuditHandler(deps.Audit, logger),
		Metrics: promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}
	if e != nil {
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, e.brk, e.mon)
		handlers.Orders = handler.NewOrderHandler(e.orders, logger)
		handlers.Positions = handler.NewPositionHandler(e.positions, logger)
	} else {
		handlers.Status = handler.NewStatusHandler(a.cfg.Mode, nil, nil)
		handlers.Positions = handler.NewPositionHandler(a.buildPositionService(deps), logger)
	}

	srv := server.NewServer(server.Config{
		Port:   a.cfg.Server.Port,
		APIKey: a.cfg.Server.APIKey,
	}, handlers, logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	})
}

// runEngine is the shared body of the trading modes: price feed, resumed
// watchers, and optionally the admin server.
func (a *App) runEngine(ctx context.Context, deps *Dependencies, withServer bool) error {
	g, ctx := errgroup.WithContext(ctx)

	e, err := a.buildEngine(deps)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	if err := a.startPriceFeed(ctx, g, deps); err != nil {
		return err
	}

	// Resume watching every pending order left over from the previous run.
	if err := e.mon.WatchPending(ctx, ""); err != nil {
		return fmt.Errorf("resume pending orders: %w", err)
	}

	if withServer {
		a.startHTTPServer(ctx, g, deps, e)
	}

	g.Go(func() error {
		<-ctx.Done()
		e.mon.Stop()
		return ctx.Err()
	})

	return g.Wait()
}

// TradeMode runs the execution engine without the admin server.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode")
	return a.runEngine(ctx, deps, false)
}

// FullMode runs the execution engine plus the admin server.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.runEngine(ctx, deps, true)
}

// MonitorMode runs read-only: the price feed keeps the cache warm, open
// positions are marked to the live price on a fixed cadence, and the admin
// server exposes positions and health. Nothing is signed or submitted.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	if err := a.startPriceFeed(ctx, g, deps); err != nil {
		return err
	}

	positionSvc := a.buildPositionService(deps)
	g.Go(func() error {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				if err := positionSvc.RefreshAll(ctx, ""); err != nil {
					a.logger.WarnContext(ctx, "position refresh failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	})

	a.startHTTPServer(ctx, g, deps, nil)

	return g.Wait()
}

// ServerMode runs only the admin server over the stores.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil)
	return g.Wait()
}
