// Command worker runs the evaluation dispatch plane: the priority-queue
// consumers, the delayed-retry mover, the running-index subscriber, the
// reconciler and the DLQ monitor.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/archiver"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/blob"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/dlq"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/events"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/executor"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/executorpool"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/runningindex"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/config"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()

	// Sidecar metrics listener; the worker has no API port of its own.
	metricsSrv := observability.NewMetricsServer(cfg.MetricsPort)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("starting worker", slog.String("env", cfg.AppEnv))

	// Database connection
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("database connection failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Redis: queues, executor pool, running index, events, DLQ
	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(ropts)
	defer func() { _ = rdb.Close() }()

	evalRepo := postgres.NewEvaluationRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)
	queue := redisq.New(rdb)
	running := runningindex.New(rdb)
	deadLetters := dlq.New(rdb, dlq.WithRetention(time.Duration(cfg.DLQRetentionDays)*24*time.Hour))
	execClient := executor.New(executor.WithHealthTimeout(cfg.HealthProbeTimeout))

	// Executor registry. Initialize replaces the fleet; only one process
	// should own that, and it is the worker.
	registry := executorpool.New(rdb)
	endpoints := cfg.ExecutorEndpoints()
	if len(endpoints) == 0 {
		slog.Error("no executor endpoints configured")
		os.Exit(1)
	}
	if err := registry.Initialize(ctx, endpoints); err != nil {
		slog.Error("executor pool init failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("executor pool initialized", slog.Int("executors", len(endpoints)))

	var publisher domain.EventPublisher = events.NewPublisher(rdb)
	if len(cfg.KafkaBrokers) > 0 {
		arch, aerr := archiver.New(cfg.KafkaBrokers, "evaluator-worker-archiver", archiver.WithTopic(cfg.EventTopic))
		if aerr != nil {
			slog.Error("event archiver init failed", slog.Any("error", aerr))
			os.Exit(1)
		}
		defer func() { _ = arch.Close() }()
		publisher = events.Multi{publisher, arch}
		slog.Info("event archiver enabled", slog.String("topic", cfg.EventTopic))
	}

	blobs, err := blob.NewStore(cfg.BlobDir)
	if err != nil {
		slog.Error("blob store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	dispatch := usecase.DispatchService{
		Repo:        evalRepo,
		EventLog:    eventRepo,
		Pool:        registry,
		Client:      execClient,
		Running:     running,
		Events:      publisher,
		DLQ:         deadLetters,
		Blobs:       blobs,
		Policy:      domain.RetryPolicyByName(cfg.RetryPolicy),
		Lease:       cfg.LeaseFor,
		ExecTimeout: cfg.ExecuteDeadline,
		PreviewCap:  cfg.PreviewCapBytes,
	}

	dispatcher := redisq.NewDispatcher(rdb, queue, dispatch, cfg.WorkerConcurrency, cfg.QueuePollTimeout)
	scheduler := redisq.NewScheduler(rdb, queue, cfg.SchedulerInterval)
	subscriber := runningindex.NewSubscriber(rdb, running)
	reconciler := &usecase.Reconciler{
		Repo:          evalRepo,
		Running:       running,
		Pool:          registry,
		Events:        publisher,
		EventLog:      eventRepo,
		Interval:      cfg.ReconcileInterval,
		SweepInterval: cfg.StuckSweepInterval,
		LeaseSlack:    cfg.LeaseSlack,
	}
	monitor := &usecase.DLQMonitor{
		DLQ:            deadLetters,
		Interval:       cfg.DLQMonitorInterval,
		AlertSize:      cfg.DLQAlertSize,
		AlertClassSize: cfg.DLQAlertClassSize,
	}

	var wg sync.WaitGroup
	run := func(name string, fn func(domain.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
			slog.Info("loop exited", slog.String("loop", name))
		}()
	}
	run("dispatcher", dispatcher.Run)
	run("scheduler", scheduler.Run)
	run("running-index-subscriber", subscriber.Run)
	run("reconciler", reconciler.Run)
	run("dlq-monitor", monitor.Run)

	<-ctx.Done()
	slog.Info("shutdown signal received; draining in-flight evaluations")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsSrv.Shutdown(shutdownCtx)
	slog.Info("worker stopped")
}
