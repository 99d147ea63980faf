package config

import (
	"fmt"
	"time"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
)

// ExecutorEndpoints returns the configured executor base URLs with the
// health-exclude list filtered out. Explicit EXECUTOR_URLS takes precedence
// over the EXECUTOR_COUNT + EXECUTOR_URL_PATTERN convention (indexes from 1).
func (c Config) ExecutorEndpoints() []string {
	urls := c.ExecutorURLs
	if len(urls) == 0 {
		for i := 1; i <= c.ExecutorCount; i++ {
			urls = append(urls, fmt.Sprintf(c.ExecutorURLPattern, i))
		}
	}
	if len(c.HealthExclude) == 0 {
		return urls
	}
	excluded := make(map[string]struct{}, len(c.HealthExclude))
	for _, u := range c.HealthExclude {
		excluded[u] = struct{}{}
	}
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, skip := excluded[u]; !skip {
			out = append(out, u)
		}
	}
	return out
}

// LeaseFor computes the executor lease for one evaluation from the
// configured slack. The worker hands this to the dispatcher so the lease
// math lives in one place.
func (c Config) LeaseFor(timeoutSecs int) time.Duration {
	return domain.LeaseFor(timeoutSecs, c.LeaseSlack)
}

// ExecuteDeadline is the per-call deadline for POST /execute.
func (c Config) ExecuteDeadline(timeoutSecs int) time.Duration {
	return domain.ExecuteDeadline(timeoutSecs, c.ExecuteMargin)
}
