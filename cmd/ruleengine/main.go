// Command ruleengine runs the event-driven rule engine: event ingestion with
// backpressure, the durable Redis-backed job queue, the worker pool, the cron
// schedule manager, the notification bridge, and the HTTP admin and health
// surface.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/sensorgrid/ruleengine/backpressure"
	"github.com/sensorgrid/ruleengine/bus"
	"github.com/sensorgrid/ruleengine/collector"
	"github.com/sensorgrid/ruleengine/core"
	"github.com/sensorgrid/ruleengine/engine"
	"github.com/sensorgrid/ruleengine/health"
	"github.com/sensorgrid/ruleengine/index"
	"github.com/sensorgrid/ruleengine/notify"
	"github.com/sensorgrid/ruleengine/queue"
	"github.com/sensorgrid/ruleengine/resilience"
	"github.com/sensorgrid/ruleengine/schedule"
	"github.com/sensorgrid/ruleengine/store"
	"github.com/sensorgrid/ruleengine/telemetry"
)

const (
	queueMaintenanceInterval = 5 * time.Second
	httpShutdownTimeout      = 10 * time.Second
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	cfg, err := core.LoadConfig()
	if err != nil {
		core.NewProductionLogger("rule-engine").Error("Configuration invalid", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		return err
	}
	logger := core.NewProductionLogger(cfg.ServiceName)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := initTracing(ctx, cfg.ServiceName)
	if err != nil {
		logger.Error("Tracing init failed", map[string]interface{}{
			"operation": "startup",
			"error":     err.Error(),
		})
		return err
	}

	rc, err := core.NewRedisClient(core.RedisClientOptions{
		RedisURL:  cfg.RedisURL,
		Namespace: cfg.RedisNamespace,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	defer rc.Close()

	st, err := store.Open(cfg.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	registry := telemetry.NewRegistry(telemetry.Config{
		ServiceName: cfg.ServiceName,
		Logger:      logger,
	})
	defer registry.Stop()

	gate := backpressure.NewGate(backpressure.Config{
		Warning:  cfg.QueueWarningThreshold,
		Critical: cfg.QueueCriticalThreshold,
		Recovery: cfg.QueueRecoveryThreshold,
		Enabled:  cfg.EnableBackpressure,
		Logger:   logger,
		Metrics:  &telemetry.GateMetrics{R: registry},
	})

	q := queue.New(rc, queue.Config{
		Name:             cfg.QueueName,
		DefaultAttempts:  cfg.JobAttempts,
		BackoffBase:      cfg.BackoffBaseDelay,
		RemoveOnComplete: cfg.RemoveOnComplete,
		RemoveOnFail:     cfg.RemoveOnFail,
		LeaseDuration:    cfg.LeaseDuration,
		MaxStalls:        cfg.MaxStalls,
		Logger:           logger,
	})
	maintCtx, maintCancel := context.WithCancel(context.Background())
	defer maintCancel()
	go q.RunMaintenance(maintCtx, queueMaintenanceInterval)
	go telemetry.NewQueueDepthPoller(q, registry, 15*time.Second, logger).Run(maintCtx)

	idx := index.New(rc, st, index.Config{
		TTL:     cfg.IndexTTL,
		Logger:  logger,
		Metrics: &telemetry.IndexMetrics{R: registry},
	})

	filterCfg := engine.DefaultTypeFilterConfig()
	filterCfg.Logger = logger
	filterCfg.Metrics = &telemetry.FilterMetrics{R: registry}
	filter := engine.NewTypeFilter(st, filterCfg)

	eventBus := bus.New(q, gate, q, idx, filter, bus.Config{
		Logger:  logger,
		Metrics: &telemetry.BusMetrics{R: registry},
	})

	snapshots := collector.New(st, collector.Config{
		CacheTTL:  cfg.CollectorCacheTTL,
		CacheSize: cfg.CollectorCacheSize,
		Logger:    logger,
		Metrics:   &telemetry.CollectorMetrics{R: registry},
	})

	bridge := notify.New(rc, st, notify.Config{
		Logger:  logger,
		Metrics: &telemetry.NotifyMetrics{R: registry},
	})
	defer bridge.Close()

	breakers := resilience.NewBreakerSet(resilience.BreakerConfig{
		Name:             "rule-chain",
		FailureThreshold: cfg.ChainFailureThreshold,
		RecoveryTimeout:  cfg.ChainRecoveryTimeout,
		Metrics:          &telemetry.BreakerMetrics{R: registry},
	})

	pool := engine.NewPool(q, st, snapshots, bridge, st, filter, breakers, engine.PoolConfig{
		Concurrency:           cfg.WorkerConcurrency,
		DataCollectionTimeout: cfg.DataCollectionTimeout,
		RuleChainTimeout:      cfg.RuleChainTimeout,
		ExternalActionTimeout: cfg.ExternalActionTimeout,
		JobTimeout:            cfg.WorkerTimeout,
		Lookup:                idx,
		Logger:                logger,
		Metrics:               &telemetry.PoolMetrics{R: registry},
		Tracer:                tp.Tracer("ruleengine"),
	})
	if err := pool.Start(ctx); err != nil {
		return err
	}

	schedules := schedule.New(st, eventBus, schedule.Config{
		SyncInterval: cfg.ScheduleSyncInterval,
		Logger:       logger,
		Metrics:      &telemetry.ScheduleMetrics{R: registry},
	})
	if err := schedules.Start(ctx); err != nil {
		pool.Stop()
		return err
	}

	httpServer := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: health.New(health.Config{
			Gate:           gate,
			Counts:         q,
			Store:          st,
			Cache:          rc,
			Queue:          q,
			Workers:        q,
			Trigger:        schedules,
			Schedule:       schedules,
			Warning:        cfg.QueueWarningThreshold,
			Critical:       cfg.QueueCriticalThreshold,
			MetricsHandler: registry.Handler(),
			Logger:         logger,
			Metrics:        &telemetry.HTTPMetrics{R: registry},
		}).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	logger.Info("Rule engine started", map[string]interface{}{
		"operation":   "startup",
		"http_addr":   cfg.HTTPAddr,
		"queue":       cfg.QueueName,
		"concurrency": cfg.WorkerConcurrency,
	})

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		logger.Error("HTTP server failed", map[string]interface{}{
			"operation": "serve",
			"error":     err.Error(),
		})
		stop()
	}

	// Shutdown order: stop accepting HTTP traffic, drain schedules so no new
	// jobs enqueue, drain workers, then stop queue maintenance. The deferred
	// closes release the bridge, registry, store, and Redis handle last.
	logger.Info("Shutting down", map[string]interface{}{"operation": "shutdown"})
	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP shutdown incomplete", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}
	schedules.Stop()
	pool.Stop()
	maintCancel()
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Trace flush incomplete", map[string]interface{}{
			"operation": "shutdown",
			"error":     err.Error(),
		})
	}

	logger.Info("Rule engine stopped", map[string]interface{}{"operation": "shutdown"})
	return nil
}

// initTracing installs a stdout trace exporter. Deployments that ship spans
// elsewhere swap the exporter; the engine only depends on the tracer API.
func initTracing(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp, nil
}
