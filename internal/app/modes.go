package app

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	s3blob "github.com/alanyoungcy/preauthlend/internal/blob/s3"
	"github.com/alanyoungcy/preauthlend/internal/notify"
	"github.com/alanyoungcy/preauthlend/internal/reconcile"
	"github.com/alanyoungcy/preauthlend/internal/server"
	"github.com/alanyoungcy/preauthlend/internal/server/handler"
	"github.com/alanyoungcy/preauthlend/internal/server/ws"
	"github.com/alanyoungcy/preauthlend/internal/service"
)

// runOpts selects which optional subsystems a mode starts.
type runOpts struct {
	liquidationWatcher bool
	archiver           bool
	noHTTP             bool
}

// ServerMode serves the HTTP/WebSocket API backed by Postgres and Redis,
// with the reconciler keeping position snapshots fresh. The liquidation
// watcher is left to a dedicated reconcile- or full-mode replica.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")
	return a.run(ctx, deps, runOpts{archiver: a.cfg.Archive.Enabled})
}

// DemoMode runs the whole engine against memory stores, the no-op hold
// gateway, and the synthetic chain reader. No processor, database, or chain
// endpoint is contacted.
func (a *App) DemoMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting demo mode")
	return a.run(ctx, deps, runOpts{liquidationWatcher: true})
}

// ReconcileMode runs the reconciler and liquidation watcher as a headless
// worker replica. No HTTP server is started even when one is configured.
func (a *App) ReconcileMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting reconcile mode")
	return a.run(ctx, deps, runOpts{liquidationWatcher: true, noHTTP: true})
}

// FullMode starts every subsystem: API, reconciler, liquidation watcher,
// notifications, and the archiver when enabled.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")
	return a.run(ctx, deps, runOpts{
		liquidationWatcher: true,
		archiver:           a.cfg.Archive.Enabled,
	})
}

// run wires the services and starts the goroutines shared by all modes.
func (a *App) run(ctx context.Context, deps *Dependencies, opts runOpts) error {
	g, ctx := errgroup.WithContext(ctx)

	loanSvc := service.NewLoanService(
		deps.LoanStore, deps.Gateway, deps.SignalBus, deps.AuditStore, a.logger,
	)

	reconciler := reconcile.New(
		deps.Positions,
		deps.SnapshotCache,
		deps.SignalBus,
		reconcile.Config{
			PollInterval:   a.cfg.Reconcile.PollInterval.Duration,
			MinFetchGap:    a.cfg.Reconcile.MinFetchGap.Duration,
			SwitchDebounce: a.cfg.Reconcile.SwitchDebounce.Duration,
		},
		a.logger,
	)
	defer reconciler.Close()

	// WebSocket hub bridging the bus to clients.
	hub := ws.NewHub(deps.SignalBus, a.cfg.Mode, a.logger)
	g.Go(func() error {
		return hub.Run(ctx)
	})

	// Lifecycle event notifications.
	bridge := notify.NewBridge(deps.SignalBus, deps.Notifier, service.LoanEventsChannel, a.logger)
	g.Go(func() error {
		return bridge.Run(ctx)
	})

	// Liquidation watcher: charge open loans when a position disappears.
	if opts.liquidationWatcher {
		watcher := service.NewLiquidationWatcher(
			loanSvc, deps.LoanStore, deps.SignalBus, deps.LockManager,
			reconcile.PositionEventsChannel, a.logger,
		)
		g.Go(func() error {
			return watcher.Run(ctx)
		})
	}

	// Cold-storage archiver.
	if opts.archiver {
		if deps.BlobWriter == nil {
			a.logger.WarnContext(ctx, "archive enabled but blob storage not wired; archiver disabled")
		} else {
			archiver := s3blob.NewArchiver(
				deps.BlobWriter, deps.LoanStore, deps.AuditStore,
				a.cfg.Archive.Interval.Duration, a.cfg.Archive.MinAge.Duration,
				a.logger,
			)
			g.Go(func() error {
				return archiver.Run(ctx)
			})
		}
	}

	// HTTP server.
	if a.cfg.Server.Enabled && !opts.noHTTP {
		srv := server.NewServer(
			server.Config{
				Port:            a.cfg.Server.Port,
				CORSOrigins:     a.cfg.Server.CORSOrigins,
				APIKey:          a.cfg.Server.APIKey,
				RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
			},
			server.Handlers{
				Health:    handler.NewHealthHandler(a.cfg.Mode, a.logger),
				Loans:     handler.NewLoanHandler(loanSvc, reconciler, a.logger),
				Positions: handler.NewPositionHandler(reconciler, deps.SnapshotCache, a.logger),
				Audit:     handler.NewAuditHandler(deps.AuditStore, a.logger),
			},
			hub,
			deps.RateLimiter,
			a.logger,
		)
		g.Go(func() error {
			return srv.Start()
		})
		g.Go(func() error {
			<-ctx.Done()
			shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutCtx)
		})
	} else {
		a.logger.InfoContext(ctx, "http server disabled",
			slog.Bool("enabled", a.cfg.Server.Enabled),
		)
	}

	return g.Wait()
}
