// Command engine runs the MentatLab run engine: the control plane API,
// the DAG scheduler and the event fan-out.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/engine-go/internal/api"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/config"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/driver"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/eventlog"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/fanout"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/k8s"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runmanager"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/runstore"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/scheduler"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/tracing"
	"github.com/flexinfer/mentatlab/services/engine-go/internal/validator"
	"github.com/flexinfer/mentatlab/services/engine-go/pkg/types"
)

func main() {
	if err := run(); err != nil {
		slog.Error("engine exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)
	logger.Info("starting engine",
		slog.String("runstore", string(cfg.Engine.RunStore)),
		slog.Int("port", cfg.Server.Port))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Init(ctx, &tracing.Config{
		Enabled:  cfg.Tracing.Enabled,
		Endpoint: cfg.Tracing.Endpoint,
		Service:  cfg.Tracing.Service,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracing(ctx)
	}()

	log := eventlog.New(&eventlog.Config{
		MaxEvents: cfg.Engine.EventRetentionEvents,
		MaxAge:    time.Duration(cfg.Engine.EventRetentionSeconds) * time.Second,
	})

	var kubeClient *k8s.Client
	if cfg.Engine.RunStore == types.ModeK8s || cfg.K8s.InCluster {
		kubeClient, err = k8s.NewClient(&k8s.Config{
			InCluster:  cfg.K8s.InCluster,
			Kubeconfig: cfg.K8s.Kubeconfig,
			Namespace:  cfg.K8s.Namespace,
		})
		if err != nil {
			return fmt.Errorf("k8s client: %w", err)
		}
	}

	store, redisClient, err := buildStore(cfg, kubeClient, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sink := driver.NewLogSink(log, logger)
	drivers := driver.NewSelector()
	drivers.Register(types.ModeMemory, driver.NewLocalDriver(sink))
	if redisClient != nil {
		drivers.Register(types.ModeRedis, driver.NewRedisQueueDriver(redisClient, sink))
	}
	if kubeClient != nil {
		jobCfg := k8s.DefaultJobConfig()
		jobCfg.Namespace = cfg.K8s.Namespace
		jobCfg.DefaultImage = cfg.K8s.JobImage
		drivers.Register(types.ModeK8s, driver.NewK8sDriver(kubeClient, k8s.NewJobBuilder(jobCfg), sink, logger))
	}

	sched := scheduler.New(store, log, drivers, &scheduler.Config{
		MaxConcurrentNodes: cfg.Engine.MaxConcurrentNodesPerRun,
		NodeTimeout:        time.Duration(cfg.Engine.NodeTimeoutSeconds) * time.Second,
	}, logger)

	val, err := validator.New()
	if err != nil {
		return fmt.Errorf("compile plan schema: %w", err)
	}

	manager := runmanager.New(store, log, sched, val, &runmanager.Config{
		MaxConcurrentRuns: cfg.Engine.MaxConcurrentRuns,
		DefaultMode:       cfg.Engine.RunStore,
	}, logger)

	sse := fanout.NewSSEHandler(log, store, logger)
	sse.Heartbeat = time.Duration(cfg.Engine.SSEHeartbeatSeconds) * time.Second
	hub := fanout.NewHub(log, store, logger, nil)

	server := api.NewServer(manager, store, log, drivers, sse, hub, logger)
	httpServer := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.Router(&api.Options{
			AllowedOrigins: cfg.CORS.AllowedOrigins,
			RateLimitRPS:   cfg.Rate.RequestsPerSecond,
			RateLimitBurst: cfg.Rate.Burst,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Close()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", slog.Any("error", err))
	}
	if err := manager.Close(shutdownCtx); err != nil {
		logger.Warn("runs did not settle before shutdown", slog.Any("error", err))
	}
	logger.Info("bye")
	return nil
}

// buildStore creates the configured RunStore; the Redis client is shared
// with the queue driver when present.
func buildStore(cfg *config.Config, kubeClient *k8s.Client, logger *slog.Logger) (runstore.Store, *redis.Client, error) {
	switch cfg.Engine.RunStore {
	case types.ModeRedis:
		store, err := runstore.NewRedisStore(&runstore.RedisConfig{URL: cfg.Redis.URL})
		if err != nil {
			return nil, nil, fmt.Errorf("redis store: %w", err)
		}
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("parse redis url: %w", err)
		}
		return store, redis.NewClient(opts), nil
	case types.ModeK8s:
		// Authoritative state lives in memory; Jobs are the execution
		// record, layered underneath as a read-only cluster view.
		logger.Info("k8s mode: engine state in memory, nodes as Jobs")
		return runstore.NewLayeredStore(runstore.NewMemoryStore(), runstore.NewK8sStore(kubeClient)), nil, nil
	default:
		return runstore.NewMemoryStore(), nil, nil
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
