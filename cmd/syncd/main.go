package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"hearthsync/internal/config"
	"hearthsync/internal/database"
	"hearthsync/internal/domain"
	"hearthsync/internal/events"
	"hearthsync/internal/logging"
	"hearthsync/internal/metrics"
	"hearthsync/internal/ratelimit"
	"hearthsync/internal/repository"
	"hearthsync/internal/transport"
	"hearthsync/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, logger, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, redisClient, err := openStore(ctx, cfg, &logger)
	if err != nil {
		return err
	}
	defer store.Close()
	if redisClient != nil && cfg.Store.Driver != config.StoreRedis {
		defer (func() { _ = repository.Close(redisClient) })()
	}

	client := transport.NewClient(cfg.Transport, &logger)
	if redisClient != nil {
		client.UseRedisCache(redisClient, cfg.Checkpoint.TTL)
	}

	bus := events.NewEventBus()
	bus.OnError(func(e *events.Event, err error) {
		logger.Warn().Err(err).Str("event", e.Type).Msg("event handler failed")
	})
	bus.Subscribe(events.EventWriteFailed, func(e *events.Event) error {
		var p events.WritePayload
		if err := e.Decode(&p); err != nil {
			return err
		}
		logger.Warn().
			Str("user_id", p.UserID).
			Str("operation_id", p.OperationID).
			Str("entity_type", p.EntityType).
			Msg("write needs attention")
		return nil
	})

	workers, err := startWorkers(ctx, cfg, store, client, redisClient, bus, &logger)
	if err != nil {
		return err
	}

	startMetrics(ctx, cfg, &logger)

	logger.Info().Int("accounts", len(workers)).Msg("sync daemon started")
	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *worker.SyncWorker) {
			defer wg.Done()
			if err := w.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Str("account", w.Scope().String()).Msg("worker shutdown")
			}
		}(w)
	}
	wg.Wait()

	logger.Info().Msg("sync daemon stopped")
	return nil
}

func loadConfigAndLogger() (*config.Config, zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, zerolog.Logger{}, nil, fmt.Errorf("init logger: %w", err)
	}
	logger := baseLogger.With().Str("component", "syncd-main").Logger()

	return cfg, logger, closer, nil
}

// openStore builds the configured record store. The redis client is also
// returned for the outcome cache and dead letter list, and is nil when no
// redis is reachable.
func openStore(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (domain.RecordStore, *redis.Client, error) {
	switch cfg.Store.Driver {
	case config.StoreRedis:
		client := repository.NewRedisClient(cfg.Store.Redis)
		if err := repository.Ping(ctx, client); err != nil {
			_ = client.Close()
			logger.Error().Err(err).Str("addr", cfg.Store.Redis.Address).Msg("redis store unavailable")
			return nil, nil, err
		}
		logger.Info().Str("addr", cfg.Store.Redis.Address).Msg("redis store connected")
		return repository.NewRedisRecordStore(client), client, nil

	case config.StoreMemory:
		logger.Warn().Msg("memory store selected, queue will not survive a restart")
		return repository.NewMemoryRecordStore(), initRedis(ctx, cfg, logger), nil

	default:
		db, err := database.NewDB(cfg.Store.Path, logger)
		if err != nil {
			logger.Error().Err(err).Str("db_path", cfg.Store.Path).Msg("init database")
			return nil, nil, err
		}
		backup := database.NewBackupService(db, cfg.Backup, logger)
		go backup.Start(ctx)
		return db, initRedis(ctx, cfg, logger), nil
	}
}

// initRedis connects the optional redis used next to a local store.
func initRedis(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Store.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Store.Redis)
	if err := repository.Ping(ctx, client); err != nil {
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Store.Redis.Address).Msg("redis connected")
	return client
}

func startWorkers(
	ctx context.Context,
	cfg *config.Config,
	store domain.RecordStore,
	client *transport.Client,
	redisClient *redis.Client,
	bus *events.EventBus,
	logger *zerolog.Logger,
) ([]*worker.SyncWorker, error) {
	limiter := ratelimit.NewUploadLimiter(cfg.RateLimit)
	wcfg := worker.ConfigFrom(cfg)

	opts := []worker.Option{worker.WithLimiter(limiter), worker.WithEvents(bus)}
	if cfg.Checkpoint.QueryOutcome {
		opts = append(opts, worker.WithQuerier(client))
	}
	if redisClient != nil {
		opts = append(opts, worker.WithDeadLetter(redisClient, ""))
	}

	workers := make([]*worker.SyncWorker, 0, len(cfg.Accounts))
	for _, scope := range cfg.Accounts {
		w := worker.New(store, scope, client, wcfg, logger, opts...)
		report, err := w.Init(ctx)
		if err != nil {
			return nil, fmt.Errorf("init worker %s: %w", scope, err)
		}
		if report.Checkpoints > 0 {
			logger.Info().
				Str("account", scope.String()).
				Int("checkpoints", report.Checkpoints).
				Int("retried", report.Retried).
				Msg("recovered interrupted batches")
		}
		go w.Start(ctx)
		workers = append(workers, w)
	}
	return workers, nil
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	port := cfg.Monitoring.PrometheusPort
	if port == 0 {
		port = 9090
	}
	go startMetricsServer(ctx, port, logger)
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
