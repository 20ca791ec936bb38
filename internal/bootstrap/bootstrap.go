/**
 * @description
 * Wires the billing-service runtime from configuration: the store, the lock
 * service, the job queue, the event publisher and the application service.
 * Both the HTTP server and the billingctl CLI build on it.
 *
 * Every external dependency degrades to an in-process implementation when it
 * is not configured, so the service can run locally without infrastructure.
 */
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/escolar/billing-service/internal/app"
	"github.com/escolar/billing-service/internal/config"
	"github.com/escolar/billing-service/internal/lock"
	"github.com/escolar/billing-service/internal/metrics"
	"github.com/escolar/billing-service/internal/queue"
	"github.com/escolar/billing-service/internal/store"
	"github.com/escolar/billing-service/pkg/asaasclient"
	"github.com/escolar/billing-service/pkg/rabbitmq"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Runtime holds the wired components and the resources to release on Close.
type Runtime struct {
	Config   config.Config
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
	Store    store.Store
	Locker   lock.Locker
	Registry *queue.Registry
	Service  *app.Service

	queue    queue.Enqueuer
	memQueue *queue.MemoryQueue
	amqp     *queue.AMQPQueue
	closers  []func()
}

// NewLogger builds the JSON logger at the configured level.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

// Build connects every dependency and registers the job handlers.
// The caller must Close the runtime.
func Build(ctx context.Context, cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	rt := &Runtime{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(),
	}

	if err := rt.connectStore(ctx); err != nil {
		rt.Close()
		return nil, err
	}
	rt.connectLocker(ctx)

	rt.Registry = queue.NewRegistry(logger, rt.Metrics)
	publisher := rt.connectQueue()

	gateway := asaasclient.NewClient(cfg.AsaasAPIBaseURL, cfg.AsaasAPIKey, logger)
	if cfg.AsaasAPIKey == "" {
		logger.Warn("asaas api key not configured; stale charges cannot be cancelled", "component", "bootstrap")
	}

	rt.Service = app.NewService(rt.Store, rt.Locker, rt.queue, publisher, gateway, rt.Metrics, logger, app.OptionsFromConfig(cfg))
	if err := rt.Service.RegisterJobs(rt.Registry); err != nil {
		rt.Close()
		return nil, fmt.Errorf("register jobs: %w", err)
	}
	return rt, nil
}

func (rt *Runtime) connectStore(ctx context.Context) error {
	cfg := rt.Config
	if cfg.DatabaseURL == "" {
		rt.Logger.Warn("database url not configured; using in-memory store", "component", "bootstrap")
		rt.Store = store.NewMemoryStore()
		return nil
	}

	if cfg.RunMigrations {
		if err := store.Migrate(cfg.DatabaseURL); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		rt.Logger.Info("database migrations applied", "component", "bootstrap")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = 50
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	rt.closers = append(rt.closers, dbpool.Close)
	rt.Store = store.NewPostgresStore(dbpool)
	rt.Logger.Info("database connection established", "component", "bootstrap")
	return nil
}

func (rt *Runtime) connectLocker(ctx context.Context) {
	cfg := rt.Config
	if cfg.RedisURL == "" {
		rt.Logger.Warn("redis url missing; locks are process-local", "component", "bootstrap", "env", "REDIS_URL")
		rt.Locker = lock.NewMemoryLocker(rt.Metrics.LockContended)
		return
	}

	redisOptions, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		rt.Logger.Warn("redis url parse failed; locks are process-local", "component", "bootstrap", "error", err)
		rt.Locker = lock.NewMemoryLocker(rt.Metrics.LockContended)
		return
	}
	client := redis.NewClient(redisOptions)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		rt.Logger.Warn("redis ping failed; locks are process-local", "component", "bootstrap", "error", err)
		client.Close()
		rt.Locker = lock.NewMemoryLocker(rt.Metrics.LockContended)
		return
	}
	rt.closers = append(rt.closers, func() { client.Close() })
	rt.Locker = lock.NewRedisLocker(client, cfg.RedisLockPrefix, rt.Metrics.LockContended)
	rt.Logger.Info("redis connected", "component", "bootstrap")
}

// connectQueue selects RabbitMQ when it is reachable, otherwise the in-memory
// queue. The returned publisher is used for domain events.
func (rt *Runtime) connectQueue() app.EventPublisher {
	cfg := rt.Config
	fallback := &rabbitmq.EventProducerFallback{Logger: rt.Logger}

	useMemory := func(reason string, err error) app.EventPublisher {
		rt.Logger.Warn("rabbitmq unavailable; using in-memory job queue", "component", "bootstrap", "reason", reason, "error", err)
		rt.memQueue = queue.NewMemoryQueue(rt.Registry, rt.Logger, cfg.MemoryQueueWorkers, cfg.DeadLetterMaxLength)
		rt.queue = rt.memQueue
		return fallback
	}

	if cfg.RabbitMQURL == "" {
		return useMemory("not configured", nil)
	}
	producer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL, rt.Logger)
	if err != nil {
		return useMemory("producer", err)
	}
	consumer, err := rabbitmq.NewConsumer(cfg.RabbitMQURL, cfg.JobPrefetch, rt.Logger)
	if err != nil {
		producer.Close()
		return useMemory("consumer", err)
	}
	rt.closers = append(rt.closers, producer.Close, consumer.Close)

	topology := queue.AMQPTopology{
		Exchange:      cfg.JobsExchange,
		WorkQueue:     cfg.JobsWorkQueue,
		RetryExchange: cfg.JobsRetryQueue,
		RetryQueue:    cfg.JobsRetryQueue,
		DeadQueue:     cfg.JobsDeadQueue,
		DeadMaxLength: cfg.DeadLetterMaxLength,
	}
	rt.amqp = queue.NewAMQPQueue(rt.Registry, producer, consumer, topology, rt.Logger)
	rt.queue = rt.amqp
	rt.Logger.Info("rabbitmq connected", "component", "bootstrap")
	return producer
}

// StartWorkers begins consuming jobs.
func (rt *Runtime) StartWorkers(ctx context.Context) error {
	if rt.amqp != nil {
		return rt.amqp.Start(ctx)
	}
	rt.memQueue.Start(ctx)
	return nil
}

// Drain waits for in-process jobs to settle. Jobs handed to RabbitMQ are
// processed by the server's consumers instead.
func (rt *Runtime) Drain(ctx context.Context) error {
	if rt.memQueue == nil {
		return nil
	}
	return rt.memQueue.Wait(ctx)
}

// Close stops the in-memory workers and releases connections in reverse order.
func (rt *Runtime) Close() {
	if rt.memQueue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := rt.memQueue.Shutdown(ctx); err != nil {
			rt.Logger.Warn("in-memory queue shutdown incomplete", "component", "bootstrap", "error", err)
		}
		cancel()
	}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		rt.closers[i]()
	}
	rt.closers = nil
}
