// Command server runs the multi-tenant personal AI-agent platform's
// coordination core: the HTTP surface, the Agent Bus, the transactional
// outbox publish loop, leader election, and the background maintenance
// services, all wired against one PostgreSQL pool the way the teacher's
// cmd/examples wire a single storage.Store against every collaborator.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/agentcore/platform/internal/approval"
	"github.com/agentcore/platform/internal/bus"
	"github.com/agentcore/platform/internal/cache"
	"github.com/agentcore/platform/internal/config"
	"github.com/agentcore/platform/internal/embeddings"
	"github.com/agentcore/platform/internal/leadership"
	"github.com/agentcore/platform/internal/llm"
	"github.com/agentcore/platform/internal/logging"
	"github.com/agentcore/platform/internal/httpapi"
	"github.com/agentcore/platform/internal/maintenance"
	"github.com/agentcore/platform/internal/metrics"
	"github.com/agentcore/platform/internal/outbox"
	"github.com/agentcore/platform/internal/store"
	"github.com/agentcore/platform/internal/stream"
	"github.com/agentcore/platform/internal/tenant"
	"github.com/agentcore/platform/internal/tool"
	"github.com/agentcore/platform/internal/vectorstore"
	"github.com/agentcore/platform/internal/workerspace"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file (optional; env vars and defaults otherwise)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	logger := logging.New(cfg.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	poolConfig, err := pgxpool.ParseConfig(cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	poolConfig.MaxConns = cfg.Postgres.MaxConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return err
	}
	defer pool.Close()

	st := store.New(pool)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()
	agentCache := cache.NewRedis(redisClient, cfg.Cache.AgentMaxEntries, logger)

	embedder := embeddings.NewHashEmbedder()
	vstore := vectorstore.New(pool, embedder, cfg.LLM.CircuitMaxFailures, cfg.LLM.CircuitOpenTimeout)
	llmClient := llm.New(cfg.LLM.APIKey, cfg.LLM.CircuitMaxFailures, cfg.LLM.CircuitOpenTimeout)

	approvals := approval.New(st, logger)

	validator, err := tool.NewValidator(cfg.Tool.WorkspaceRoot, cfg.Tool.ReadBytes, cfg.Tool.OutputBytes, int(cfg.Tool.CommandTimeout.Seconds()))
	if err != nil {
		return err
	}
	tools := tool.New(st, validator, approvals, logger)

	agentBus := bus.New(bus.Config{
		QueueCapacity:          cfg.Bus.DefaultQueueCapacity,
		MaxConcurrencyPerAgent: int64(cfg.Bus.MaxConcurrencyPerAgent),
		DirectTimeout:          cfg.Bus.DirectTimeout,
		HardTimeout:            cfg.Bus.HardTimeout,
		RetryMaxAttempts:       cfg.Bus.RetryMaxAttempts,
		RetryBase:              cfg.Bus.RetryBase,
		RetryCap:               cfg.Bus.RetryCap,
	}, workerspace.NewDispatcher(llmClient, tools), logger)
	defer agentBus.Stop()

	registry := workerspace.New(workerspace.Config{
		AgentCacheTTL:        cfg.Cache.AgentTTL,
		AgentCacheMaxEntries: cfg.Cache.AgentMaxEntries,
		CleanupDrainWindow:   10 * time.Second,
	}, st, agentBus, vstore, embedder, agentCache, logger)
	defer registry.CleanupAll(context.Background())

	streams := stream.New(stream.Config{
		BufferSize:      cfg.Stream.BufferSize,
		BufferTTL:       cfg.Stream.BufferTTL,
		ReaderQueueSize: cfg.Stream.ReaderQueueSize,
		Heartbeat:       cfg.Stream.Heartbeat,
	}, logger)
	defer streams.Stop()

	metricsRegistry := metrics.New()

	publisher := newStreamPublisher(streams, metricsRegistry)
	outboxLoop := outbox.New(st, publisher, outbox.Config{
		BatchSize:         cfg.Outbox.BatchSize,
		Tick:              cfg.Outbox.Tick,
		MaxRetries:        cfg.Outbox.MaxRetries,
		BackoffScheduleMS: cfg.Outbox.BackoffScheduleMS,
	}, logger)
	outboxLoop.Start(ctx)
	defer outboxLoop.Stop()

	if err := st.RegisterInstance(ctx, cfg.Postgres.InstanceID, cfg.Postgres.InstanceName); err != nil {
		return err
	}
	defer func() {
		if err := st.DeregisterInstance(context.Background(), cfg.Postgres.InstanceID); err != nil {
			logger.Warn("failed to deregister instance on shutdown", "error", err)
		}
	}()

	heartbeat := maintenance.NewHeartbeat(st, cfg.Postgres.InstanceID, maintenance.HeartbeatConfig{
		Interval: cfg.Maint.HeartbeatInterval,
		OnError: func(err error) {
			logger.Warn("instance heartbeat failed", "error", err)
		},
	}, logger)
	if err := heartbeat.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = heartbeat.Stop(context.Background()) }()

	cleanup := maintenance.NewCleanup(st, maintenance.CleanupConfig{
		Interval:              cfg.Maint.CleanupInterval,
		StuckExecutionTimeout: cfg.Maint.StuckExecutionTimeout,
		StaleInstanceTimeout:  cfg.Maint.StaleInstanceTimeout,
		OnStaleInstanceCleanup: func(count int) {
			logger.Info("maintenance: deregistered stale instances", "count", count)
		},
		OnStuckExecutionCleanup: func(count int) {
			logger.Info("maintenance: timed out stuck tool executions", "count", count)
		},
		OnError: func(err error) {
			logger.Warn("maintenance: cleanup sweep error", "error", err)
		},
	}, logger)

	elector := leadership.NewElector(st, cfg.Postgres.InstanceID, cfg.Leader, leadership.Callbacks{
		OnBecameLeader: func(ctx context.Context) {
			logger.Info("acquired leadership; starting cleanup sweep")
			if err := cleanup.Start(ctx); err != nil && !errors.Is(err, maintenance.ErrAlreadyStarted) {
				logger.Error("failed to start cleanup sweep", "error", err)
			}
		},
		OnLostLeadership: func(ctx context.Context) {
			logger.Info("lost leadership; stopping cleanup sweep")
			if err := cleanup.Stop(context.Background()); err != nil && !errors.Is(err, maintenance.ErrNotStarted) {
				logger.Warn("failed to stop cleanup sweep cleanly", "error", err)
			}
		},
	}, logger)
	if err := elector.Start(ctx); err != nil {
		return err
	}
	defer func() { _ = elector.Stop(context.Background()) }()

	tenantValidator := tenant.NewValidator(cfg.Tenant.JWTSigningKey, logger)

	apiServer := &httpapi.Server{
		Registry:  registry,
		Approvals: approvals,
		Tools:     tools,
		Streams:   streams,
		Store:     st,
		Metrics:   metricsRegistry,
		Logger:    logger,
		Validator: tenantValidator,
	}

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: apiServer.Routes(),
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http server shutdown did not complete cleanly", "error", err)
	}

	return nil
}
