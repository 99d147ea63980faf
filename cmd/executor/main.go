// Command executor runs one sandbox-backed executor service: POST /execute
// runs submissions in isolated Docker containers, POST /cancel force-stops
// a workload, GET /health reports daemon reachability. The container reaper
// runs alongside the HTTP surface.
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

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/execserver"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/reaper"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/sandbox"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/config"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
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

	metricsSrv := observability.NewMetricsServer(cfg.MetricsPort)
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("executor metrics server error", slog.Any("error", err))
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

	manifest := sandbox.DefaultManifest()
	if cfg.SandboxLanguagesFile != "" {
		manifest, err = sandbox.LoadManifest(cfg.SandboxLanguagesFile)
		if err != nil {
			slog.Error("language manifest load failed",
				slog.String("path", cfg.SandboxLanguagesFile), slog.Any("error", err))
			os.Exit(1)
		}
	}
	slog.Info("sandbox languages loaded", slog.Any("languages", manifest.Supported()))

	box, err := sandbox.NewDocker(manifest, sandbox.Limits{
		MemoryMB:  cfg.SandboxMemoryMB,
		CPUQuota:  cfg.SandboxCPUQuota,
		PidsLimit: cfg.SandboxPidsLimit,
	})
	if err != nil {
		slog.Error("sandbox init failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := box.Ping(ctx); err != nil {
		slog.Error("docker daemon unreachable", slog.Any("error", err))
		os.Exit(1)
	}

	executorID := cfg.ExecutorID
	if executorID == "" {
		if host, herr := os.Hostname(); herr == nil {
			executorID = host
		} else {
			executorID = "executor"
		}
	}

	// Reap terminal evaluation containers; debug/preserve-labelled ones
	// are left alone.
	reap, err := reaper.New(reaper.Options{
		MinAge:      cfg.ReaperMinAge,
		GracePeriod: cfg.ReaperGracePeriod,
	})
	if err != nil {
		slog.Error("reaper init failed", slog.Any("error", err))
		os.Exit(1)
	}
	go reap.Run(ctx)

	srv := execserver.NewServer(executorID, box)
	srvHTTP := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.ExecutorPort),
		Handler:     srv.Router(),
		ReadTimeout: cfg.HTTPReadTimeout,
		// Execute responses are held open for the full run; the write
		// deadline must outlast the largest permitted evaluation timeout.
		WriteTimeout:      time.Duration(cfg.MaxTimeoutSecs)*time.Second + cfg.ExecuteMargin + 10*time.Second,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("executor service starting",
			slog.String("executor_id", executorID), slog.Int("port", cfg.ExecutorPort))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("executor server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	_ = metricsSrv.Shutdown(shutdownCtx)
}
