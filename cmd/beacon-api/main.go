package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"

	"example.com/beacon/internal/config"
	"example.com/beacon/internal/ingest"
	"example.com/beacon/internal/metrics"
	"example.com/beacon/internal/ratelimit"
	"example.com/beacon/internal/reconcile"
	"example.com/beacon/internal/storage"
	"example.com/beacon/internal/storage/memstore"
	spg "example.com/beacon/internal/storage/postgres"
	transport "example.com/beacon/internal/transport/http"
)

func main() {
	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type appSeeder interface {
	InsertApp(ctx context.Context, id uuid.UUID, name string, apiKey, testAPIKey uuid.UUID) error
}

func run() error {
	cfg, err := config.Parse(os.Args[1:])
	if err != nil {
		return err
	}

	logger := slog.Make(sloghuman.Sink(os.Stderr))
	if cfg.Verbose {
		logger = logger.Leveled(slog.LevelDebug)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		store  storage.Store
		seeder appSeeder
	)
	switch cfg.Store {
	case config.StoreMemory:
		mem := memstore.New()
		store, seeder = mem, mem
		logger.Warn(ctx, "using in-memory store, events are lost on exit")
	case config.StorePostgres:
		db, err := spg.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return xerrors.Errorf("db connect: %w", err)
		}
		defer db.Close()
		if err := db.RunMigrations(ctx); err != nil {
			return xerrors.Errorf("migrations: %w", err)
		}
		logger.Info(ctx, "database ready")
		pg := spg.NewStore(db)
		store, seeder = pg, pg
	default:
		return xerrors.Errorf("unknown store %q", cfg.Store)
	}

	if err := seedApp(ctx, seeder, cfg); err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New()
	m.Register(reg)

	clock := quartz.NewReal()
	reconciler := reconcile.New(store, reconcile.Options{
		Workers:   cfg.ReconcileWorkers,
		QueueSize: cfg.ReconcileQueueSize,
		Timeout:   cfg.ReconcileTimeout,
		Logger:    logger.Named("reconcile"),
		Metrics:   m,
	})
	reconciler.Start(ctx)

	svc := ingest.NewService(ingest.Options{
		Store:              store,
		Limiter:            ratelimit.New(store, clock, cfg.RateLimitPerWindow, cfg.RateLimitWindow),
		Reconciler:         reconciler,
		Clock:              clock,
		Logger:             logger.Named("ingest"),
		Metrics:            m,
		MaxPropertiesChars: cfg.MaxPropertiesChars,
	})

	deps := &transport.ServerDeps{
		Cfg:      cfg,
		Ingest:   svc,
		DB:       store,
		Logger:   logger.Named("http"),
		Gatherer: reg,
		Now:      func() time.Time { return clock.Now() },
	}
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           deps.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		logger.Info(egCtx, "listening", slog.F("addr", srv.Addr), slog.F("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return xerrors.Errorf("http server: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		<-egCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	err = eg.Wait()
	cancel()
	reconciler.Wait()
	logger.Info(context.Background(), "stopped")
	return err
}

// seedApp registers the development app from the seed keys. The app id is
// derived from the production key so restarts register the same app.
func seedApp(ctx context.Context, seeder appSeeder, cfg config.Config) error {
	if cfg.SeedAPIKey == "" || cfg.SeedTestAPIKey == "" {
		return nil
	}
	apiKey, err := uuid.Parse(cfg.SeedAPIKey)
	if err != nil {
		return xerrors.Errorf("seed api key: %w", err)
	}
	testKey, err := uuid.Parse(cfg.SeedTestAPIKey)
	if err != nil {
		return xerrors.Errorf("seed test api key: %w", err)
	}
	id := uuid.NewSHA1(uuid.NameSpaceOID, apiKey[:])
	if err := seeder.InsertApp(ctx, id, "development", apiKey, testKey); err != nil {
		return xerrors.Errorf("seed app: %w", err)
	}
	return nil
}
