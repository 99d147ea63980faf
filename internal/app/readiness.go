// Package app wires application components and startup helpers.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/adapter/executor"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/config"
)

// Pinger is the minimal interface for a database pool capable of Ping.
type Pinger interface{ Ping(ctx context.Context) error }

// RedisPinger is the slice of a Redis client readiness needs.
type RedisPinger interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// ExecutorProber probes one executor base URL.
type ExecutorProber interface {
	Healthy(ctx context.Context, url string) error
}

// BuildReadinessChecks returns the three checks /readyz runs: database,
// Redis, and executor fleet. The fleet check passes when at least one
// configured executor answers its health probe; a fully dark fleet means
// submissions would queue with no hope of dispatch.
func BuildReadinessChecks(cfg config.Config, pool Pinger, rdb RedisPinger, probe ExecutorProber) (
	func(ctx context.Context) error,
	func(ctx context.Context) error,
	func(ctx context.Context) error,
) {
	dbCheck := func(ctx context.Context) error {
		if pool == nil {
			return fmt.Errorf("db not configured")
		}
		return pool.Ping(ctx)
	}
	redisCheck := func(ctx context.Context) error {
		if rdb == nil {
			return fmt.Errorf("redis not configured")
		}
		return rdb.Ping(ctx).Err()
	}
	// The router randomizes probe order so repeated readiness polls spread
	// their load across the fleet.
	router := executor.NewRouter(cfg.ExecutorEndpoints(), probe, time.Now().UnixNano())
	executorCheck := func(ctx context.Context) error {
		if probe == nil {
			return fmt.Errorf("executor probe not configured")
		}
		_, err := router.Route(ctx)
		return err
	}
	return dbCheck, redisCheck, executorCheck
}
