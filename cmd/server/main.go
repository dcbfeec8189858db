package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/atmx/hedge-engine/internal/api"
	"github.com/atmx/hedge-engine/internal/config"
	"github.com/atmx/hedge-engine/internal/exit"
	"github.com/atmx/hedge-engine/internal/ledger"
	"github.com/atmx/hedge-engine/internal/margin"
	"github.com/atmx/hedge-engine/internal/metrics"
	"github.com/atmx/hedge-engine/internal/monitor"
	"github.com/atmx/hedge-engine/internal/position"
	"github.com/atmx/hedge-engine/internal/rebalance"
	"github.com/atmx/hedge-engine/internal/risk"
	"github.com/atmx/hedge-engine/internal/store"
	"github.com/atmx/hedge-engine/internal/venue"
)

func main() {
	if err := run(); err != nil {
		slog.Error("hedge-engine exited", "err", err)
		os.Exit(1)
	}
	fmt.Println("hedge-engine stopped")
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	closeLog, err := setupLogging(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Initialize store ---
	st, closeStore, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Venue ---
	sim, err := margin.NewSimulator(cfg.Margin)
	if err != nil {
		return fmt.Errorf("margin simulator: %w", err)
	}
	paper := venue.NewPaper(sim, cfg.Ledger.Quote, venue.WithLatency(cfg.Paper.Latency))
	for asset, px := range cfg.Paper.Spot {
		paper.SetSpot(asset, px)
	}
	for instrument, px := range cfg.Paper.Marks {
		paper.SetMark(instrument, px)
	}
	for instrument, fr := range cfg.Paper.Rates() {
		paper.SetFunding(instrument, fr)
	}
	paper.SetWallet(cfg.Paper.Wallet)
	submitter := venue.NewRetryingSubmitter(paper, cfg.Retry)

	// --- Ledger and risk ---
	vault := ledger.New(st, cfg.Ledger.Vault())
	if cfg.Ledger.SeedFromLive {
		if err := seedFromLive(ctx, vault, paper, cfg); err != nil {
			return fmt.Errorf("seed from live wallet: %w", err)
		}
	}

	var policy risk.ResetPolicy = risk.FixedCapital{}
	if cfg.Ledger.ResetPolicy == config.PolicyWeighted {
		policy = risk.DefaultScenarios(cfg.Ledger.ResetSeed)
	}
	hub := api.NewSignalHub()
	gov := risk.NewGovernor(cfg.Risk, vault, st, risk.WithResetPolicy(policy), risk.WithSink(hub))

	// --- Position lifecycle and background loops ---
	mgr := position.New(cfg.Position, position.Deps{
		Vault:      vault,
		Governor:   gov,
		Simulator:  sim,
		Quotes:     paper,
		Submitter:  submitter,
		Reconciler: paper,
		Exits:      exit.NewEvaluator(cfg.Exit),
		Planner:    rebalance.NewPlanner(cfg.Rebalance),
		Store:      st,
		Sink:       hub,
	})
	sched := rebalance.NewScheduler(cfg.Rebalance, mgr, paper, cfg.Ledger.Quote, hub)
	sup := monitor.New(cfg.Monitor, mgr, gov, paper, sched)

	// --- HTTP server ---
	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      newRouter(cfg.Server, api.NewService(mgr, vault, gov), hub),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error {
		slog.Info("hedge-engine listening", "port", cfg.Server.Port, "live", cfg.Position.Live)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down hedge-engine...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// setupLogging installs a JSON slog handler writing to stdout and, when a
// log file is configured, to a rotated file as well.
func setupLogging(cfg config.LogConfig) (func(), error) {
	level, err := config.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	var out io.Writer = os.Stdout
	closer := func() {}
	if cfg.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		out = io.MultiWriter(os.Stdout, rotator)
		closer = func() { rotator.Close() }
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})))
	return closer, nil
}

// openStore picks PostgreSQL (optionally behind Redis) or the in-memory
// store when no database is configured.
func openStore(ctx context.Context, cfg config.StorageConfig) (store.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store (data will not persist)")
		return store.NewMemoryStore(), func() {}, nil
	}

	var cleanup []func()
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("database connection failed: %w", err)
	}
	cleanup = append(cleanup, pool.Close)
	pg := store.NewPostgresStore(pool)
	if err := pg.Migrate(ctx); err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	var st store.Store = pg
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = store.NewCachedStore(st, rdb, cfg.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", cfg.CacheTTL)
	}
	return st, closeAll, nil
}

// seedFromLive splits the venue wallet across the allocated tenants. It is
// a no-op once any earlier start has seeded the store.
func seedFromLive(ctx context.Context, vault *ledger.Vault, wallet venue.WalletReader, cfg config.Config) error {
	live, err := wallet.WalletBalances(ctx)
	if err != nil {
		return err
	}
	tenants := make([]string, 0, len(cfg.Risk.Allocations))
	for tenant := range cfg.Risk.Allocations {
		tenants = append(tenants, tenant)
	}
	sort.Strings(tenants)
	_, err = vault.SeedFromLive(ctx, live, cfg.Paper.Spot, tenants)
	return err
}

func newRouter(cfg config.ServerConfig, svc *api.Service, hub *api.SignalHub) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(metrics.Middleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"hedge-engine"}`))
	})

	// Prometheus metrics endpoint.
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		// The stream is long-lived, so it sits outside the request timeout.
		r.Get("/signals/ws", hub.HandleWS)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			svc.Routes(r)
		})
	})
	return r
}
