package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"retailpulse/backend/internal/cache"
	"retailpulse/backend/internal/churn"
	"retailpulse/backend/internal/config"
	"retailpulse/backend/internal/httpapi"
	"retailpulse/backend/internal/ingest"
	"retailpulse/backend/internal/logging"
	"retailpulse/backend/internal/metrics"
	"retailpulse/backend/internal/notify"
	"retailpulse/backend/internal/ocr"
	"retailpulse/backend/internal/service"
	"retailpulse/backend/internal/store"
	"retailpulse/backend/internal/store/memory"
	pgstore "retailpulse/backend/internal/store/postgres"
	"retailpulse/backend/internal/worker"
)

func main() {
	cfg := config.Load()
	logger := logging.Setup(cfg.LogLevel, cfg.LogPretty)
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := buildApp(ctx, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           app.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.Address()).Msg("retailpulse backend listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("http shutdown error")
	}
	app.shutdown(shutdownCtx)
	logger.Info().Msg("server stopped")
}

type app struct {
	handler   http.Handler
	pool      *worker.Pool
	scheduler *churn.Scheduler
	closers   []func() error
	log       zerolog.Logger
}

// buildApp wires the repository, cache, pipeline, churn scheduler and worker
// pool behind the HTTP API. Background workers are already running when it
// returns.
func buildApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{log: logger}

	repo, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if closer, ok := repo.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	reportCache := openCache(ctx, cfg, logger)
	if closer, ok := reportCache.(interface{ Close() error }); ok {
		a.closers = append(a.closers, closer.Close)
	}

	m := metrics.New()

	churnSvc := churn.NewService(repo, reportCache, cfg.ReportCacheTTL(), logger, churn.WithObserver(m))
	notifier := notify.New(logger, notify.NewForecastHook(logger), churnSvc.Hook()).WithObserver(m)

	pipeline := ingest.New(repo, logger,
		ingest.WithNotifier(notifier),
		ingest.WithCache(reportCache),
		ingest.WithExtractor(newExtractor(cfg)),
		ingest.WithRecorder(m),
	)

	a.pool = worker.New(worker.Config{Concurrency: cfg.WorkerConcurrency, QueueSize: cfg.WorkerQueueSize}, logger)
	a.pool.SetObserver(m)
	a.pool.Start()

	if cfg.ChurnSchedule != "" {
		scheduler, err := churn.NewScheduler(churnSvc, cfg.ChurnSchedule, logger)
		if err != nil {
			a.shutdown(ctx)
			return nil, err
		}
		scheduler.Start()
		a.scheduler = scheduler
	} else {
		logger.Info().Msg("churn scheduler disabled")
	}

	svc := service.New(repo, pipeline, churnSvc, a.pool, logger, service.WithCache(reportCache, cfg.ReportCacheTTL()))
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api := httpapi.New(svc, auth, m, httpapi.Config{AllowedOrigin: cfg.AllowedOrigin, MaxUploadBytes: cfg.MaxUploadBytes}, logger)
	a.handler = api.Handler()
	return a, nil
}

// shutdown stops the scheduler, drains queued uploads and closes the stores
// in that order.
func (a *app) shutdown(ctx context.Context) {
	if a.scheduler != nil {
		a.scheduler.Stop(ctx)
	}
	if a.pool != nil {
		if err := a.pool.Shutdown(ctx); err != nil {
			a.log.Error().Err(err).Msg("worker pool did not drain")
		}
	}
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.log.Error().Err(err).Msg("close error")
		}
	}
	a.closers = nil
}

func openRepository(ctx context.Context, cfg config.Config, logger zerolog.Logger) (store.Repository, error) {
	if cfg.DatabaseURL == "" {
		logger.Info().Msg("repository: in-memory")
		return memory.NewSeeded(), nil
	}
	pg, err := pgstore.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if cfg.MigrateOnStart {
		if err := pg.Migrate(); err != nil {
			_ = pg.Close()
			return nil, err
		}
	}
	logger.Info().Msg("repository: postgres")
	return pg, nil
}

func openCache(ctx context.Context, cfg config.Config, logger zerolog.Logger) cache.ReportCache {
	if cfg.RedisAddr == "" {
		logger.Info().Msg("cache: in-process")
		return cache.NewMemoryReportCache()
	}
	redisCache := cache.NewRedisReportCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err := redisCache.Ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable, using noop cache")
		_ = redisCache.Close()
		return cache.NoopReportCache{}
	}
	logger.Info().Msg("cache: redis")
	return redisCache
}

func newExtractor(cfg config.Config) ocr.Extractor {
	if cfg.OCRProvider == "openai" {
		return ocr.NewOpenAIExtractor(cfg.OpenAIAPIKey, cfg.OpenAIModel)
	}
	return ocr.MockExtractor{}
}
