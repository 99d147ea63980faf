// Command server starts the evaluation platform HTTP API: submission,
// status, cancellation, listing, statistics and DLQ administration.
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

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/archiver"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/dlq"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/events"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/executor"
	httpserver "github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/httpserver"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/queue/redisq"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/runningindex"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/app"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/config"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	// Register all Prometheus metrics once per process so that /metrics
	// exposes HTTP, queue and pool instrumentation.
	observability.InitMetrics()

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

	// Infra: DB schema, then pool. The server owns migrations; workers
	// assume the schema is already in place.
	if err := postgres.Migrate(ctx, cfg.DBURL); err != nil {
		slog.Error("db migrate failed", slog.Any("error", err))
		os.Exit(1)
	}
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		slog.Error("db connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	// Infra: Redis (queues, pool state, running index, events, DLQ)
	ropts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("redis url parse failed", slog.Any("error", err))
		os.Exit(1)
	}
	rdb := redis.NewClient(ropts)
	defer func() { _ = rdb.Close() }()

	// Repositories and brokers
	evalRepo := postgres.NewEvaluationRepo(pool)
	eventRepo := postgres.NewEventRepo(pool)
	queue := redisq.New(rdb)
	running := runningindex.New(rdb)
	deadLetters := dlq.New(rdb, dlq.WithRetention(time.Duration(cfg.DLQRetentionDays)*24*time.Hour))
	execClient := executor.New(executor.WithHealthTimeout(cfg.HealthProbeTimeout))

	// Lifecycle events go to Redis pub/sub; the Kafka archiver mirrors them
	// for analytics when brokers are configured.
	var publisher domain.EventPublisher = events.NewPublisher(rdb)
	if len(cfg.KafkaBrokers) > 0 {
		arch, aerr := archiver.New(cfg.KafkaBrokers, "evaluator-server-archiver", archiver.WithTopic(cfg.EventTopic))
		if aerr != nil {
			slog.Error("event archiver init failed", slog.Any("error", aerr))
			os.Exit(1)
		}
		defer func() { _ = arch.Close() }()
		publisher = events.Multi{publisher, arch}
		slog.Info("event archiver enabled", slog.String("topic", cfg.EventTopic))
	}

	// Usecases
	lifecycle := usecase.LifecycleService{
		Repo:           evalRepo,
		EventLog:       eventRepo,
		Queue:          queue,
		Running:        running,
		Events:         publisher,
		Client:         execClient,
		DLQ:            deadLetters,
		MaxCodeBytes:   cfg.MaxCodeBytes,
		MaxTimeoutSecs: cfg.MaxTimeoutSecs,
		MaxQueueDepth:  cfg.MaxQueueDepth,
	}
	dlqAdmin := usecase.DLQAdminService{
		DLQ:      deadLetters,
		Repo:     evalRepo,
		Queue:    queue,
		EventLog: eventRepo,
		Events:   publisher,
	}

	// Retention cleanup for terminal evaluations
	if cfg.DataRetentionDays > 0 {
		cleanupSvc := postgres.NewCleanupService(evalRepo, cfg.DataRetentionDays)
		go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
		slog.Info("cleanup service started",
			slog.Int("retention_days", cfg.DataRetentionDays),
			slog.Duration("interval", cfg.CleanupInterval))
	}

	// Readiness checks
	dbCheck, redisCheck, executorCheck := app.BuildReadinessChecks(cfg, pool, rdb, execClient)

	// HTTP server
	srv := httpserver.NewServer(cfg, lifecycle, dlqAdmin, dbCheck, redisCheck, executorCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
