package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// maxLogBytes bounds how much merged output one run may return. The
// storage layer applies the preview cap later; this is the transport
// ceiling.
const maxLogBytes = 10 << 20

// dockerAPI is the slice of the Docker client the driver uses; narrow so
// tests can fake it.
type dockerAPI interface {
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	Ping(ctx context.Context) (types.Ping, error)
}

// Limits are the per-container resource bounds.
type Limits struct {
	MemoryMB  int64
	CPUQuota  float64 // fraction of one CPU, e.g. 0.5
	PidsLimit int64
}

// Docker implements domain.Sandbox on the local Docker daemon. Containers
// run with networking disabled and hard resource limits; terminal
// containers are left in place for the reaper, which owns deletion.
type Docker struct {
	cli      dockerAPI
	manifest Manifest
	limits   Limits
}

// NewDocker connects to the daemon from the environment.
func NewDocker(manifest Manifest, limits Limits) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=sandbox new: %w", err)
	}
	return &Docker{cli: cli, manifest: manifest, limits: limits}, nil
}

func newWithClient(cli dockerAPI, manifest Manifest, limits Limits) *Docker {
	return &Docker{cli: cli, manifest: manifest, limits: limits}
}

// Run executes one submission to its terminal state. Logs are read only
// after the container stops, so a fast-failing program still yields its
// full output.
func (d *Docker) Run(ctx domain.Context, spec domain.RunSpec) (domain.RunResult, error) {
	ctx, span := otel.Tracer("adapter.sandbox").Start(ctx, "sandbox.Run")
	defer span.End()
	lg := observability.LoggerFromContext(ctx)

	lang, err := d.manifest.Lookup(spec.Language)
	if err != nil {
		return domain.RunResult{}, err
	}

	labels := map[string]string{
		"app":     "evaluation",
		"eval_id": spec.EvalID,
	}
	if spec.PriorityClass != "" {
		labels["priority-class"] = spec.PriorityClass
	}

	pids := d.limits.PidsLimit
	created, err := d.cli.ContainerCreate(ctx,
		&container.Config{
			Image:           lang.Image,
			Cmd:             lang.Command(spec.Code),
			Labels:          labels,
			NetworkDisabled: true,
		},
		&container.HostConfig{
			NetworkMode: network.NetworkNone,
			Resources: container.Resources{
				Memory:    d.limits.MemoryMB << 20,
				NanoCPUs:  int64(d.limits.CPUQuota * 1e9),
				PidsLimit: &pids,
			},
		},
		nil, nil, "")
	if err != nil {
		return domain.RunResult{}, fmt.Errorf("op=sandbox create: %w", err)
	}
	id := created.ID

	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		d.removeQuietly(id)
		return domain.RunResult{}, fmt.Errorf("op=sandbox start: %w", err)
	}
	started := time.Now()

	res := domain.RunResult{ContainerID: id}
	waitCh, errCh := d.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case w := <-waitCh:
		res.ExitCode = int(w.StatusCode)
		if w.StatusCode == 0 {
			res.Status = domain.StatusCompleted
		} else {
			res.Status = domain.StatusFailed
		}
	case err := <-errCh:
		d.killQuietly(id)
		observability.SandboxRunsTotal.WithLabelValues("wait_error").Inc()
		return domain.RunResult{}, fmt.Errorf("op=sandbox wait: %w", err)
	case <-time.After(time.Duration(spec.TimeoutSecs) * time.Second):
		lg.Warn("sandbox run exceeded timeout; killing",
			"eval_id", spec.EvalID, "container_id", shortID(id), "timeout_secs", spec.TimeoutSecs)
		d.killQuietly(id)
		res.Status = domain.StatusTimeout
		res.ExitCode = -1
	case <-ctx.Done():
		d.killQuietly(id)
		observability.SandboxRunsTotal.WithLabelValues("cancelled").Inc()
		return domain.RunResult{}, ctx.Err()
	}
	res.RuntimeMS = time.Since(started).Milliseconds()

	out, err := d.collectLogs(ctx, id)
	if err != nil {
		lg.Error("sandbox log collection failed", "eval_id", spec.EvalID, "error", err)
	}
	res.Output = out

	observability.SandboxRunsTotal.WithLabelValues(string(res.Status)).Inc()
	lg.Info("sandbox run finished",
		slog.String("eval_id", spec.EvalID),
		slog.String("status", string(res.Status)),
		slog.Int("exit_code", res.ExitCode),
		slog.Int64("runtime_ms", res.RuntimeMS))
	return res, nil
}

// collectLogs reads the merged stdout+stderr stream of a stopped
// container, interleaved in frame order.
func (d *Docker) collectLogs(ctx domain.Context, id string) (string, error) {
	rc, err := d.cli.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("op=sandbox logs: %w", err)
	}
	defer func() { _ = rc.Close() }()

	var merged bytes.Buffer
	if _, err := stdcopy.StdCopy(&merged, &merged, io.LimitReader(rc, maxLogBytes)); err != nil {
		return merged.String(), fmt.Errorf("op=sandbox logs demux: %w", err)
	}
	return merged.String(), nil
}

// Stop force-kills every container labelled with evalID. Finding none is
// not an error.
func (d *Docker) Stop(ctx domain.Context, evalID string) error {
	ctx, span := otel.Tracer("adapter.sandbox").Start(ctx, "sandbox.Stop")
	defer span.End()

	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All: true,
		Filters: filters.NewArgs(
			filters.Arg("label", "app=evaluation"),
			filters.Arg("label", "eval_id="+evalID),
		),
	})
	if err != nil {
		return fmt.Errorf("op=sandbox stop list: %w", err)
	}
	zero := 0
	for _, c := range list {
		if err := d.cli.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &zero}); err != nil {
			return fmt.Errorf("op=sandbox stop %s: %w", shortID(c.ID), err)
		}
	}
	return nil
}

// Ping reports daemon liveness; the health endpoint bounds it with its
// own deadline.
func (d *Docker) Ping(ctx domain.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("op=sandbox ping: %w", err)
	}
	return nil
}

// killQuietly stops a container with a fresh short context so cleanup
// still happens when the caller's context is already gone.
func (d *Docker) killQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	zero := 0
	_ = d.cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &zero})
}

func (d *Docker) removeQuietly(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = d.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
