package executor

import (
	"fmt"
	"math/rand"
	"sync"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

// prober is the slice of the client the router needs; *Client satisfies it.
type prober interface {
	Healthy(ctx domain.Context, url string) error
}

// Router picks a healthy executor out of a fixed fleet. Selection is
// randomized so probe load and work spread evenly when several executors
// are up.
type Router struct {
	urls   []string
	client prober

	mu  sync.Mutex
	rng *rand.Rand
}

// NewRouter builds a router over the configured executor URLs.
func NewRouter(urls []string, client prober, seed int64) *Router {
	return &Router{
		urls:   urls,
		client: client,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Route probes the fleet in random order and returns the first executor
// answering its health check. When every probe fails it returns
// domain.ErrNoHealthyExecutor.
func (r *Router) Route(ctx domain.Context) (string, error) {
	if len(r.urls) == 0 {
		return "", fmt.Errorf("op=route: no executors configured: %w", domain.ErrNoHealthyExecutor)
	}

	order := make([]string, len(r.urls))
	copy(order, r.urls)
	r.mu.Lock()
	r.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	r.mu.Unlock()

	lg := observability.LoggerFromContext(ctx)
	for _, url := range order {
		if err := r.client.Healthy(ctx, url); err != nil {
			lg.Debug("executor probe failed", "url", url, "error", err)
			continue
		}
		return url, nil
	}
	return "", fmt.Errorf("op=route: all %d executors unhealthy: %w", len(order), domain.ErrNoHealthyExecutor)
}
