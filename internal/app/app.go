package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"

	memorystore "github.com/zenamanage/writepath/internal/adapter/counterstore/memory"
	redisstore "github.com/zenamanage/writepath/internal/adapter/counterstore/redis"
	kafkapub "github.com/zenamanage/writepath/internal/adapter/publisher/kafka"
	"github.com/zenamanage/writepath/internal/adapter/repository/postgres"
	"github.com/zenamanage/writepath/internal/api"
	"github.com/zenamanage/writepath/internal/auth"
	"github.com/zenamanage/writepath/internal/config"
	idemDomain "github.com/zenamanage/writepath/internal/domain/idempotency"
	outboxDomain "github.com/zenamanage/writepath/internal/domain/outbox"
	"github.com/zenamanage/writepath/internal/idempotency"
	"github.com/zenamanage/writepath/internal/outbox"
	"github.com/zenamanage/writepath/internal/ratelimit"
	"github.com/zenamanage/writepath/pkg/db"
	zaplog "github.com/zenamanage/writepath/pkg/log"
	"github.com/zenamanage/writepath/pkg/snowflake"
	"github.com/zenamanage/writepath/sql/migrations"
)

// RunServer starts the HTTP server and the outbox dispatcher.
func RunServer() {
	app := fx.New(
		fx.Provide(
			// Config
			config.Load,

			// Infrastructure (Adapters)
			newCounterStore,
			newPublisher,
			fx.Annotate(
				postgres.NewIdempotencyRepository,
				fx.As(new(idemDomain.Repository)),
			),
			fx.Annotate(
				postgres.NewOutboxRepository,
				fx.As(new(outboxDomain.Repository)),
			),

			// Pipeline components
			newLimiter,
			newGuard,
			outbox.NewLedger,
			newOutboxMetrics,
			newDispatcher,

			// Auth & API
			auth.NewMiddleware,
			api.NewRouter,
		),
		db.Module,        // Database Module
		snowflake.Module, // Snowflake ID Module
		zaplog.Module,    // Logger Module
		fx.Invoke(registerHooks),
	)

	app.Run()
}

// RunMigrations executes database migrations (up or down).
func RunMigrations(command string) error {
	if command == "" {
		command = "up"
	}

	cfg := config.Load()
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	logger.Info("Starting database migration...", zap.String("command", command))

	dbURL := fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		cfg.DBUser,
		cfg.DBPassword,
		cfg.DBHost,
		cfg.DBPort,
		cfg.DBName,
		cfg.DBSSLMode,
	)

	d, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("load migration files: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", d, dbURL)
	if err != nil {
		return fmt.Errorf("create migrate instance: %w", err)
	}

	switch command {
	case "up":
		if err := m.Up(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration up failed: %w", err)
		}
		logger.Info("Migration up applied successfully")
	case "down":
		if err := m.Down(); err != nil && err != migrate.ErrNoChange {
			return fmt.Errorf("migration down failed: %w", err)
		}
		logger.Info("Migration down applied successfully")
	default:
		return fmt.Errorf("unknown migration command: %s", command)
	}

	return nil
}

func registerHooks(lc fx.Lifecycle, router *api.Router, dispatcher *outbox.Dispatcher, cfg *config.Config, logger *zap.Logger) {
	var dispatcherCancel context.CancelFunc

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("Starting HTTP server", zap.String("port", cfg.Port))

			dispatcherCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
			dispatcherCancel = cancel
			go dispatcher.Run(dispatcherCtx)

			go func() {
				if err := router.Run(); err != nil && err != http.ErrServerClosed {
					logger.Fatal("Server failed to start", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			logger.Info("Shutting down HTTP server gracefully...")

			if dispatcherCancel != nil {
				dispatcherCancel()
			}

			shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()

			if err := router.Shutdown(shutdownCtx); err != nil {
				logger.Error("Server forced to shutdown", zap.Error(err))
				return err
			}

			logger.Info("HTTP server stopped gracefully")
			return nil
		},
	})
}

// newCounterStore prefers Redis when configured so limits hold across
// instances; otherwise counters live in process memory.
func newCounterStore(cfg *config.Config, logger *zap.Logger) ratelimit.Store {
	if cfg.RateLimitRedisAddr == "" {
		logger.Warn("rate_limit_store_in_memory",
			zap.String("reason", "RATE_LIMIT_REDIS_ADDR not configured"),
		)
		return memorystore.New()
	}
	return redisstore.New(redisstore.Options{
		Addr:     cfg.RateLimitRedisAddr,
		Password: cfg.RateLimitRedisPassword,
		DB:       cfg.RateLimitRedisDB,
	})
}

func newPublisher(cfg *config.Config, logger *zap.Logger) outbox.Publisher {
	return kafkapub.New(kafkapub.Config{
		Brokers:           cfg.KafkaBrokers,
		Topic:             cfg.KafkaTopic,
		PublishRatePerSec: cfg.KafkaPublishRatePerSec,
		PublishBurst:      cfg.KafkaPublishBurst,
	}, logger)
}

func newLimiter(store ratelimit.Store, logger *zap.Logger) (*ratelimit.Limiter, error) {
	return ratelimit.New(store, ratelimit.DefaultConfig(), logger)
}

func newGuard(repo idemDomain.Repository, cfg *config.Config, logger *zap.Logger) *idempotency.Guard {
	return idempotency.NewGuard(repo, idempotency.Config{
		ReplayWindow: cfg.IdempotencyReplayWindow,
	}, logger)
}

func newOutboxMetrics() *outbox.Metrics {
	return outbox.NewMetrics(prometheus.DefaultRegisterer)
}

func newDispatcher(
	repo outboxDomain.Repository,
	publisher outbox.Publisher,
	metrics *outbox.Metrics,
	guard *idempotency.Guard,
	cfg *config.Config,
	logger *zap.Logger,
) *outbox.Dispatcher {
	d := outbox.NewDispatcher(repo, publisher, outbox.DispatcherConfig{
		PollInterval:  cfg.OutboxPollInterval,
		BatchSize:     cfg.OutboxBatchSize,
		MaxRetries:    cfg.OutboxMaxRetries,
		StaleClaimAge: cfg.OutboxStaleClaimAge,
	}, metrics, logger)

	// Expired idempotency records ride the dispatcher's maintenance tick.
	d.Maintenance = func(ctx context.Context) {
		if n, err := guard.PruneExpired(ctx); err != nil {
			logger.Warn("idempotency_prune_failed", zap.Error(err))
		} else if n > 0 {
			logger.Debug("idempotency_records_pruned", zap.Int64("count", n))
		}
	}
	return d
}
