// Package reaper deletes terminal evaluation containers so executor hosts
// do not accumulate exited workloads. It watches the Docker event stream
// for die events on evaluation-labelled containers, the moral equivalent
// of watching pod phase transitions in one namespace.
package reaper

import (
	"context"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// dockerAPI is the slice of the Docker client the reaper needs.
type dockerAPI interface {
	Events(ctx context.Context, options events.ListOptions) (<-chan events.Message, <-chan error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]container.Summary, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

const streamRestartDelay = 5 * time.Second

// Options tune reaping behavior.
type Options struct {
	// MinAge keeps very fresh containers around long enough for log
	// collection to catch up.
	MinAge time.Duration
	// GracePeriod delays deletion after the terminal event.
	GracePeriod time.Duration
}

// Reaper watches for terminal containers and removes them.
type Reaper struct {
	cli  dockerAPI
	opts Options

	now func() time.Time
}

// New connects to the daemon from the environment.
func New(opts Options) (*Reaper, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return newWithClient(cli, opts), nil
}

func newWithClient(cli dockerAPI, opts Options) *Reaper {
	if opts.MinAge <= 0 {
		opts.MinAge = 10 * time.Second
	}
	return &Reaper{cli: cli, opts: opts, now: time.Now}
}

// Run watches until ctx is done, restarting the stream after transient
// errors.
func (r *Reaper) Run(ctx domain.Context) {
	lg := observability.LoggerFromContext(ctx)
	bo := backoff.NewConstantBackOff(streamRestartDelay)

	for {
		if ctx.Err() != nil {
			return
		}
		err := r.watch(ctx)
		if ctx.Err() != nil {
			lg.Info("reaper stopping")
			return
		}
		wait := bo.NextBackOff()
		lg.Warn("reaper event stream broke; restarting", "error", err, "backoff", wait.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (r *Reaper) watch(ctx domain.Context) error {
	msgs, errs := r.cli.Events(ctx, events.ListOptions{
		Filters: filters.NewArgs(
			filters.Arg("type", "container"),
			filters.Arg("event", "die"),
			filters.Arg("label", "app=evaluation"),
		),
	})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			return err
		case m, ok := <-msgs:
			if !ok {
				return context.Canceled
			}
			r.handle(ctx, m)
		}
	}
}

// handle decides one container's fate. All skips are silent except the
// final removal, which is logged.
func (r *Reaper) handle(ctx domain.Context, m events.Message) {
	lg := observability.LoggerFromContext(ctx)
	attrs := m.Actor.Attributes
	id := m.Actor.ID

	if attrs["debug"] == "true" || attrs["preserve"] == "true" {
		lg.Debug("reaper skipping flagged container",
			"container_id", shortID(id), "eval_id", attrs["eval_id"])
		return
	}

	exitCode, _ := strconv.Atoi(attrs["exitCode"])
	phase := "failed"
	if exitCode == 0 {
		phase = "succeeded"
		if attrs["app"] != "evaluation" {
			return
		}
	}

	if age, ok := r.containerAge(ctx, id); ok && age < r.opts.MinAge {
		lg.Debug("reaper skipping young container",
			"container_id", shortID(id), "age", age.String())
		return
	}

	if r.opts.GracePeriod > 0 {
		// The wait runs off the event loop so a burst of die events does
		// not serialize into stacked grace periods.
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.GracePeriod):
			}
			r.remove(ctx, id, phase, exitCode, attrs["eval_id"])
		}()
		return
	}
	r.remove(ctx, id, phase, exitCode, attrs["eval_id"])
}

func (r *Reaper) remove(ctx domain.Context, id, phase string, exitCode int, evalID string) {
	lg := observability.LoggerFromContext(ctx)
	err := r.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	if err != nil {
		if client.IsErrNotFound(err) {
			return // already gone
		}
		lg.Error("reaper failed to remove container",
			"container_id", shortID(id), "error", err)
		return
	}
	observability.ReapedWorkloadsTotal.WithLabelValues(phase).Inc()
	lg.Info("reaped terminal container",
		"container_id", shortID(id), "eval_id", evalID,
		"phase", phase, "exit_code", exitCode)
}

// containerAge looks the container up by id; a vanished container reports
// ok=false and the caller proceeds to the (idempotent) removal.
func (r *Reaper) containerAge(ctx domain.Context, id string) (time.Duration, bool) {
	list, err := r.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("id", id)),
	})
	if err != nil || len(list) == 0 {
		return 0, false
	}
	created := time.Unix(list[0].Created, 0)
	return r.now().Sub(created), true
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
