// Package executor implements the HTTP client side of the executor
// protocol: POST /execute, POST /cancel and GET /health against a single
// executor service, plus a health-probing router over a fleet of them.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

const (
	defaultHealthTimeout = 2 * time.Second
	defaultStopTimeout   = 5 * time.Second
	maxErrorBodyBytes    = 512
)

// Client implements domain.ExecutorClient over plain HTTP. Execute carries
// no client-side timeout of its own: the caller bounds it through ctx so
// the deadline can track each evaluation's own timeout.
type Client struct {
	hc            *http.Client
	healthTimeout time.Duration
	stopTimeout   time.Duration
}

// Option tweaks client behavior; defaults suit production.
type Option func(*Client)

// WithHealthTimeout overrides the per-probe deadline.
func WithHealthTimeout(d time.Duration) Option {
	return func(c *Client) { c.healthTimeout = d }
}

// WithStopTimeout overrides the cancel-request deadline.
func WithStopTimeout(d time.Duration) Option {
	return func(c *Client) { c.stopTimeout = d }
}

// New constructs an executor client with traced transport.
func New(opts ...Option) *Client {
	c := &Client{
		hc: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		healthTimeout: defaultHealthTimeout,
		stopTimeout:   defaultStopTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Execute submits one evaluation to the executor at url and blocks until
// the executor answers or ctx expires. Non-2xx responses surface as
// *domain.UpstreamStatusError so the dispatcher can classify them.
func (c *Client) Execute(ctx domain.Context, url string, req domain.ExecRequest) (domain.ExecResult, error) {
	var out domain.ExecResult
	body, err := json.Marshal(req)
	if err != nil {
		return out, fmt.Errorf("op=execute marshal: %w", err)
	}

	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/execute", bytes.NewReader(body))
	if err != nil {
		return out, fmt.Errorf("op=execute request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(r)
	if err != nil {
		observability.ExecutorCallDuration.WithLabelValues("transport_error").Observe(time.Since(start).Seconds())
		return out, fmt.Errorf("op=execute do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	observability.ExecutorCallDuration.WithLabelValues(strconv.Itoa(resp.StatusCode)).Observe(time.Since(start).Seconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, &domain.UpstreamStatusError{
			Code: resp.StatusCode,
			Body: readSnippet(resp.Body, maxErrorBodyBytes),
		}
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("op=execute decode: %w", err)
	}
	return out, nil
}

// Stop asks the executor at url to kill the workload for evalID. Bounded
// and best-effort: a 404 means the workload is already gone and is not an
// error.
func (c *Client) Stop(ctx domain.Context, url, evalID string) error {
	ctx, cancel := contextWithTimeout(ctx, c.stopTimeout)
	defer cancel()

	body, _ := json.Marshal(map[string]string{"eval_id": evalID})
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, url+"/cancel", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("op=stop request: %w", err)
	}
	r.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("op=stop do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.UpstreamStatusError{
			Code: resp.StatusCode,
			Body: readSnippet(resp.Body, maxErrorBodyBytes),
		}
	}
	return nil
}

// Healthy probes GET /health with a short deadline; nil means the
// executor answered 2xx in time.
func (c *Client) Healthy(ctx domain.Context, url string) error {
	ctx, cancel := contextWithTimeout(ctx, c.healthTimeout)
	defer cancel()

	r, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return fmt.Errorf("op=health request: %w", err)
	}
	resp, err := c.hc.Do(r)
	if err != nil {
		return fmt.Errorf("op=health do: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &domain.UpstreamStatusError{Code: resp.StatusCode}
	}
	return nil
}

func contextWithTimeout(ctx domain.Context, d time.Duration) (domain.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func readSnippet(r io.Reader, n int) string {
	b, _ := io.ReadAll(io.LimitReader(r, int64(n)))
	return string(b)
}
