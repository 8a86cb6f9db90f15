// File: cmd/app/main.go
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	_ "go.uber.org/automaxprocs"

	"vibephoto/internal/config"
	"vibephoto/internal/domain/ports/adapter"
	"vibephoto/internal/infra/adapters/provider"
	"vibephoto/internal/infra/adapters/storage"
	"vibephoto/internal/infra/adapters/telegram"
	"vibephoto/internal/infra/api"
	pg "vibephoto/internal/infra/db/postgres"
	"vibephoto/internal/infra/logging"
	"vibephoto/internal/infra/metrics"
	"vibephoto/internal/infra/realtime"
	red "vibephoto/internal/infra/redis"
	"vibephoto/internal/infra/sched"
	"vibephoto/internal/infra/worker"
	"vibephoto/internal/usecase"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("config")
	}
	logger := logging.New(cfg.Log, cfg.Runtime.Dev)
	if cfg.Runtime.Dev {
		logger.Info().Msg("[DEV MODE] Enabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Sentry ----
	if cfg.Sentry.DSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			SampleRate:  cfg.Sentry.SampleRate,
		}); err != nil {
			logger.Warn().Err(err).Msg("sentry init failed")
		}
		defer sentry.Flush(2 * time.Second)
	}

	// ---- Metrics ----
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// ---- Postgres ----
	if cfg.Database.Migrate {
		if err := pg.RunMigrations(cfg.Database.URL); err != nil {
			logger.Fatal().Err(err).Msg("migrations")
		}
	}
	pool, err := pg.Connect(ctx, cfg.Database)
	if err != nil {
		logger.Fatal().Err(err).Msg("postgres")
	}
	defer pool.Close()
	go pg.ReportPoolStats(ctx, pool, m, 15*time.Second, logger)

	// ---- Redis ----
	rdb, err := red.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Fatal().Err(err).Msg("redis")
	}
	defer rdb.Close()
	leaser := red.NewLeaser(rdb, "vibephoto:lease:")
	limiter := red.NewRateLimiter(rdb)
	var relay realtime.Publisher
	if cfg.Redis.RelayChannel != "" {
		relay = red.NewRelay(rdb, cfg.Redis.RelayChannel, logger)
	}

	// ---- Repositories ----
	tm := pg.NewTxManager(pool)
	accounts := pg.NewAccountRepoCacheDecorator(pg.NewAccountRepo(pool), rdb, cfg.Redis.TTL, m, logger)
	packages := pg.NewCreditPackageRepo(pool)
	history := pg.NewCreditTransactionRepo(pool)
	jobs := pg.NewJobRepo(pool)

	// ---- Background pool (realtime sinks, webhook reconciliation) ----
	bg := worker.NewPool(cfg.Realtime.Workers, cfg.Realtime.QueueSize, logger)
	bg.OnError(func(err error) { logger.Warn().Err(err).Msg("background task failed") })
	bg.Start(ctx)
	defer bg.Stop()

	// ---- Realtime ----
	var notifier adapter.AdminNotifier = telegram.NewNoopBot(logger)
	if cfg.Telegram.Token != "" {
		bot, err := telegram.NewAdminBot(cfg.Telegram, logger)
		if err != nil {
			logger.Error().Err(err).Msg("telegram admin bot unavailable, alerts will only be logged")
		} else {
			notifier = bot
		}
	}
	hub := realtime.NewHub(cfg.Realtime.BufferSize, m)
	defer hub.Close()
	broadcaster := realtime.NewBroadcaster(hub, relay, bg, logger, realtime.AdminSink(notifier))
	go func() {
		if err := broadcaster.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error().Err(err).Msg("broadcaster stopped")
		}
	}()

	// ---- Providers ----
	router := provider.NewRouter(buildProviders(ctx, cfg, logger)...)
	if len(router.Names()) == 0 {
		logger.Warn().Msg("no AI provider configured; every job will be rejected")
	}
	var tokens usecase.TokenCounter
	if tc, err := provider.NewTokenCounter(cfg.Limits.TokenizerEncoding); err == nil {
		tokens = tc
	} else {
		logger.Warn().Err(err).Msg("tokenizer unavailable, estimating prompt tokens from words")
	}

	// ---- Result storage ----
	var store adapter.ObjectStore
	mediaDir := ""
	switch cfg.Storage.Driver {
	case "s3":
		store = storage.NewS3Store(cfg.Storage.S3, logger)
	default:
		local, err := storage.NewLocalStore(cfg.Storage.Local.Dir, cfg.Storage.Local.BaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("local storage")
		}
		store = local
		mediaDir = local.Dir()
	}
	persister := storage.NewPersister(store, cfg.Storage, logger)

	// ---- Use cases ----
	ledger := usecase.NewLedgerUseCase(tm, accounts, packages, history, accounts, broadcaster, m, logger, usecase.LedgerOptions{
		RefundRestoresPackages: cfg.Ledger.RefundRestoresPackages,
	})
	reconciler := usecase.NewReconcileUseCase(tm, jobs, ledger, persister, broadcaster, m, logger)
	poller := sched.NewJobPoller(cfg.Poller, router, jobs, reconciler, leaser, m, logger)
	dispatcher := usecase.NewDispatchUseCase(
		tm, jobs, ledger, reconciler, router, poller,
		usecase.NewJobValidator(usecase.Limits{
			MaxInputBytes:   cfg.Limits.MaxInputBytes,
			MaxPromptTokens: cfg.Limits.MaxPromptTokens,
		}, tokens),
		usecase.Pricing{
			GenerationPerImage: cfg.Pricing.GenerationPerImage,
			Training:           cfg.Pricing.Training,
			Edit:               cfg.Pricing.Edit,
			Upscale2x:          cfg.Pricing.Upscale2x,
			Upscale4x:          cfg.Pricing.Upscale4x,
		},
		broadcaster, m, logger,
		usecase.DispatchOptions{
			CallbackBase: cfg.Server.PublicURL,
			MaxRetries:   cfg.Providers.MaxRetries,
			RetryBackoff: cfg.Providers.RetryBackoff,
		},
	)

	// ---- Workers ----
	sweeper := sched.NewStaleSweeper(cfg.Sweeper, jobs, poller, reconciler, logger)
	expiry := sched.NewExpiryWorker(cfg.Cron.PackageExpiry, ledger, leaser, logger)
	for name, run := range map[string]func(context.Context) error{
		"poller":  poller.Run,
		"sweeper": sweeper.Run,
		"expiry":  expiry.Run,
	} {
		go func(name string, run func(context.Context) error) {
			if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error().Err(err).Str("worker", name).Msg("worker stopped")
			}
		}(name, run)
	}

	// ---- HTTP ----
	srv := api.NewServer(cfg, api.Deps{
		Dispatch:  dispatcher,
		Reconcile: reconciler,
		Ledger:    ledger,
		Providers: router,
		Auth:      api.NewAuthManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Limiter:   limiter,
		Hub:       hub,
		Gatherer:  reg,
		Metrics:   m,
		MediaDir:  mediaDir,
		Async:     func(task func(context.Context) error) error { return bg.Submit(task) },
		Checks: map[string]func(context.Context) error{
			"postgres": pool.Ping,
			"redis":    rdb.Ping,
		},
	}, logger)
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Strs("providers", router.Names()).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server error")
			stop()
		}
	}()

	// ---- Graceful shutdown ----
	<-ctx.Done()
	logger.Info().Msg("shutdown requested")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown")
	}
}

// buildProviders returns the configured providers in routing preference
// order, each capped at the configured concurrency.
func buildProviders(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) []adapter.Provider {
	pc := cfg.Providers
	var out []adapter.Provider
	if pc.Astria.APIKey != "" {
		out = append(out, provider.Limit(provider.NewAstria(pc.Astria), pc.ConcurrentLimit))
	}
	if pc.Replicate.APIKey != "" {
		out = append(out, provider.Limit(provider.NewReplicate(pc.Replicate), pc.ConcurrentLimit))
	}
	if pc.Gemini.APIKey != "" {
		g, err := provider.NewGemini(ctx, pc.Gemini, cfg.Limits.MaxInputBytes)
		if err != nil {
			logger.Error().Err(err).Msg("gemini adapter")
		} else {
			out = append(out, provider.Limit(g, pc.ConcurrentLimit))
		}
	}
	if pc.OpenAI.APIKey != "" {
		o, err := provider.NewOpenAI(pc.OpenAI)
		if err != nil {
			logger.Error().Err(err).Msg("openai adapter")
		} else {
			out = append(out, provider.Limit(o, pc.ConcurrentLimit))
		}
	}
	return out
}
