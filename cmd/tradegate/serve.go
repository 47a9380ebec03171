package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"

	dbmigrations "github.com/coachpo/tradegate/db/migrations"
	"github.com/coachpo/tradegate/internal/app/desk"
	"github.com/coachpo/tradegate/internal/app/execution"
	"github.com/coachpo/tradegate/internal/app/governor"
	"github.com/coachpo/tradegate/internal/app/ledger"
	"github.com/coachpo/tradegate/internal/domain/ledgerstore"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/bus/eventbus"
	"github.com/coachpo/tradegate/internal/infra/config"
	"github.com/coachpo/tradegate/internal/infra/notify"
	"github.com/coachpo/tradegate/internal/infra/persistence"
	"github.com/coachpo/tradegate/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/tradegate/internal/infra/persistence/postgres"
	"github.com/coachpo/tradegate/internal/infra/quotes"
	httpserver "github.com/coachpo/tradegate/internal/infra/server/http"
	"github.com/coachpo/tradegate/internal/infra/telemetry"
	"github.com/coachpo/tradegate/internal/observability"
)

const (
	readHeaderTimeout      = 5 * time.Second
	lifecycleStopTimeout   = 10 * time.Second
	notifyDrainTimeout     = 5 * time.Second
	snapshotFlushTimeout   = 10 * time.Second
	telemetryStopTimeout   = 5 * time.Second
	storeLoadTimeout       = 15 * time.Second
	quoteStreamStopTimeout = 2 * time.Second
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the execution desk and its HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			cfg, err := config.Load(ctx, resolveConfigPath(opts.configPath))
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			logger, err := observability.NewZapLogger(cfg.Logging.Level, string(cfg.Environment))
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			observability.SetLogger(logger)
			defer func() { _ = logger.Sync() }()

			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.AppConfig) error {
	svc, err := buildApp(ctx, cfg)
	if err != nil {
		return err
	}

	var lifecycle conc.WaitGroup
	server := &http.Server{
		Addr:              cfg.APIServer.Addr,
		Handler:           svc.handler,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	server.RegisterOnShutdown(svc.bus.Close)
	serveErr := make(chan error, 1)
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	})
	observability.Log().Info("tradegate started",
		observability.F("addr", cfg.APIServer.Addr),
		observability.F("environment", string(cfg.Environment)),
		observability.F("quotes", cfg.Quotes.Source),
		observability.F("persistence", cfg.Persistence.Backend))

	var runErr error
	select {
	case <-ctx.Done():
		observability.Log().Info("shutdown signal received")
	case runErr = <-serveErr:
		observability.Log().Error("api server failed", observability.F("error", runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.APIServer.ShutdownTimeout+snapshotFlushTimeout)
	defer cancel()
	start := time.Now()
	err = svc.shutdown(shutdownCtx, server, &lifecycle, cfg.APIServer.ShutdownTimeout)
	observability.Log().Info("shutdown completed", observability.F("elapsed", time.Since(start).String()))
	return errors.Join(runErr, err)
}

// app is the wired object graph behind one tradegate process.
type app struct {
	engine   *execution.Engine
	governor *governor.Governor
	desk     *desk.Desk
	handler  http.Handler

	telemetry  *telemetry.Provider
	stream     *quotes.Stream
	pool       *pgxpool.Pool
	saver      *persistence.Saver
	dispatcher *notify.Dispatcher
	bus        *eventbus.MemoryBus
}

func buildApp(ctx context.Context, cfg config.AppConfig) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.release(context.Background())
		}
	}()

	a.telemetry, err = telemetry.NewProvider(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	source, err := a.quoteSource(ctx, cfg.Quotes)
	if err != nil {
		return nil, err
	}

	if cfg.UsesDatabase() {
		a.pool, err = a.connectDatabase(ctx, cfg.Database)
		if err != nil {
			return nil, err
		}
	}

	store, err := a.snapshotStore(cfg.Persistence)
	if err != nil {
		return nil, err
	}
	a.saver, err = persistence.NewSaver(store, persistence.WithMaxAttempts(cfg.Persistence.MaxAttempts))
	if err != nil {
		return nil, err
	}

	a.bus = eventbus.NewMemoryBus(cfg.Eventbus.Memory())
	sinks := []notify.Sink{notify.NewBusSink(a.bus)}
	if cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink(nil))
	}
	if cfg.Persistence.Journal && a.pool != nil {
		sinks = append(sinks, notify.NewJournalSink(pgstore.NewJournalStore(a.pool)))
	}
	a.dispatcher, err = notify.NewDispatcher(notify.Config{
		Workers: cfg.Notify.Workers.Resolve(notify.DefaultConfig().Workers),
		Queue:   cfg.Notify.Queue,
	}, sinks...)
	if err != nil {
		return nil, err
	}

	engineOpts := []execution.Option{
		execution.WithLedger(ledger.New(cfg.Accounts.Balances(),
			ledger.WithHistoryCapacity(cfg.Execution.HistoryCapacity),
			ledger.WithFundsBuffer(cfg.Execution.FundsBuffer))),
		execution.WithNotifier(a.dispatcher),
		execution.WithPersister(a.saver),
		execution.WithMeter(a.telemetry.Meter("execution")),
	}
	for _, currency := range []schema.Currency{schema.CurrencyUSD, schema.CurrencyTRY} {
		model, err := cfg.Execution.ModelFor(currency)
		if err != nil {
			return nil, fmt.Errorf("execution model %s: %w", currency, err)
		}
		engineOpts = append(engineOpts, execution.WithModel(currency, model))
	}
	a.engine, err = execution.NewEngine(source, engineOpts...)
	if err != nil {
		return nil, err
	}

	clusters, err := cfg.Clusters.Resolve()
	if err != nil {
		return nil, fmt.Errorf("load clusters: %w", err)
	}
	a.governor, err = governor.New(cfg.Governor, governor.WithClusters(clusters))
	if err != nil {
		return nil, err
	}

	if err := a.restore(ctx, store); err != nil {
		return nil, err
	}
	a.saver.Start(ctx)

	a.desk = desk.New(a.engine, a.governor,
		desk.WithWorkers(cfg.Execution.BatchWorkers.Resolve(0)))
	a.handler = httpserver.NewHandler(cfg.Environment, a.desk, a.engine, a.governor, httpserver.WithEvents(a.bus))
	return a, nil
}

func (a *app) quoteSource(ctx context.Context, cfg config.QuotesConfig) (execution.QuoteSource, error) {
	var source quotes.Source
	switch cfg.Source {
	case config.QuoteSourceStream:
		a.stream = quotes.NewStream(cfg.StreamURL,
			quotes.WithSymbols(cfg.Symbols...),
			quotes.WithMaxAge(cfg.MaxAge))
		if err := a.stream.Start(ctx); err != nil {
			return nil, fmt.Errorf("start quote stream: %w", err)
		}
		source = a.stream
	default:
		source = quotes.NewSynthetic(quotes.WithSpread(cfg.Spread))
	}
	if cfg.RatePerSecond > 0 {
		return quotes.NewThrottled(source, cfg.RatePerSecond, cfg.Burst), nil
	}
	return source, nil
}

func (a *app) connectDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := migrations.ApplyEmbedded(ctx, cfg.DSN, dbmigrations.Files, observability.Log()); err != nil {
			return nil, fmt.Errorf("apply migrations: %w", err)
		}
	}
	pool, err := pgstore.Connect(ctx, pgstore.PoolConfig{
		DSN:               cfg.DSN,
		MaxConns:          cfg.MaxConns,
		MinConns:          cfg.MinConns,
		MaxConnLifetime:   cfg.MaxConnLifetime,
		MaxConnIdleTime:   cfg.MaxConnIdleTime,
		HealthCheckPeriod: cfg.HealthCheckPeriod,
		ConnectTimeout:    cfg.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	return pool, nil
}

func (a *app) snapshotStore(cfg config.PersistenceConfig) (ledgerstore.Store, error) {
	switch cfg.Backend {
	case config.BackendFile:
		return ledgerstore.NewFileStore(cfg.Path), nil
	case config.BackendPostgres:
		if a.pool == nil {
			return nil, fmt.Errorf("postgres persistence requires a database connection")
		}
		return pgstore.NewSnapshotStore(a.pool, cfg.Account), nil
	default:
		return ledgerstore.NewMemoryStore(), nil
	}
}

// restore loads the last saved account and rebuilds governor memory from its trades.
func (a *app) restore(ctx context.Context, store ledgerstore.Store) error {
	loadCtx, cancel := context.WithTimeout(ctx, storeLoadTimeout)
	defer cancel()
	snapshot, ok, err := store.Load(loadCtx)
	if err != nil {
		return fmt.Errorf("load account snapshot: %w", err)
	}
	if !ok {
		observability.Log().Info("no saved account; starting fresh")
		return nil
	}
	if err := a.engine.Restore(snapshot); err != nil {
		return err
	}
	a.governor.Rehydrate(a.engine.TradeHistory(0))
	observability.Log().Info("account restored",
		observability.F("saved_at", snapshot.SavedAt),
		observability.F("positions", len(snapshot.Positions)),
		observability.F("trades", len(snapshot.Trades)))
	return nil
}

func (a *app) shutdown(ctx context.Context, server *http.Server, lifecycle *conc.WaitGroup, serverTimeout time.Duration) error {
	step := func(name string, timeout time.Duration, fn func(context.Context) error) error {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		observability.Log().Info("shutdown: " + name)
		if err := fn(stepCtx); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		return nil
	}

	var stepErrs []error
	if server != nil {
		stepErrs = append(stepErrs, step("stopping api server", serverTimeout, server.Shutdown))
	}
	if lifecycle != nil {
		stepErrs = append(stepErrs, step("waiting for lifecycle goroutines", lifecycleStopTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		}))
	}
	stepErrs = append(stepErrs, a.release(ctx))
	return observability.AggregateErrors("shutdown", stepErrs...)
}

// release stops everything buildApp started, in reverse dependency order.
func (a *app) release(ctx context.Context) error {
	step := func(timeout time.Duration, fn func(context.Context) error) error {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		return fn(stepCtx)
	}

	var out []error
	if a.dispatcher != nil {
		out = append(out, step(notifyDrainTimeout, a.dispatcher.Close))
	}
	if a.saver != nil {
		out = append(out, step(snapshotFlushTimeout, a.saver.Close))
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.stream != nil {
		out = append(out, step(quoteStreamStopTimeout, func(context.Context) error { return a.stream.Close() }))
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.telemetry != nil {
		out = append(out, step(telemetryStopTimeout, a.telemetry.Shutdown))
	}
	return errors.Join(out...)
}
