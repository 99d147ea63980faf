// Package executorpool allocates executors to evaluations with atomic
// claim/release semantics on Redis. Every URL is in exactly one of the
// available list or the busy set; leases expire so a crashed dispatcher
// cannot hold an executor forever.
package executorpool

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/fairyhunter13/code-sandbox-evaluator/internal/domain"
	"github.com/fairyhunter13/code-sandbox-evaluator/internal/observability"
)

var tracer = otel.Tracer("adapter.executorpool")

// Key layout under the prefix (default "pool:"):
//
//	available          list of claimable URLs (FIFO)
//	busy               set of leased URLs
//	all                set of every registered URL (recovery universe)
//	lease:<url>        eval_id holding the URL, PX = lease TTL
//	released:<url>     short-lived marker for double-release detection
//	release_log        bounded ring of "<unix_ms>|<url>|<status>" entries
//
// Per-URL keys are composed from an ARGV prefix inside the scripts, which
// assumes a non-clustered Redis.
const (
	defaultPrefix = "pool:"

	releaseLogMax    = 100
	releaseLogTTL    = 24 * time.Hour
	doubleReleaseWin = time.Second
)

// claimScript pops one URL and leases it in a single atomic step. If the
// lease cannot be written the URL goes back to the head of the list.
const claimScript = `
local url = redis.call("LPOP", KEYS[1])
if not url then
  return false
end
local ok = redis.call("SET", ARGV[3] .. url, ARGV[1], "PX", ARGV[2])
if not ok then
  redis.call("LPUSH", KEYS[1], url)
  return false
end
redis.call("SADD", KEYS[2], url)
return url
`

// releaseScript implements idempotent release: delete the lease, scan the
// available list, and only push the URL back when the lease existed and the
// URL is absent. Appends to the release ring and flags releases that land
// within the double-release window.
const releaseScript = `
local url = ARGV[1]
local existed = redis.call("DEL", ARGV[2] .. url)
redis.call("SREM", KEYS[2], url)

local present = false
local items = redis.call("LRANGE", KEYS[1], 0, -1)
for _, v in ipairs(items) do
  if v == url then
    present = true
    break
  end
end

local status
if present then
  status = "already_in_pool"
elseif existed == 1 then
  redis.call("RPUSH", KEYS[1], url)
  status = "released"
else
  status = "not_busy"
end

local dup = redis.call("EXISTS", ARGV[3] .. url)
redis.call("SET", ARGV[3] .. url, "1", "PX", tonumber(ARGV[5]))

redis.call("LPUSH", KEYS[3], ARGV[4] .. "|" .. url .. "|" .. status)
redis.call("LTRIM", KEYS[3], 0, tonumber(ARGV[6]))
redis.call("PEXPIRE", KEYS[3], tonumber(ARGV[7]))

return { status, dup }
`

// recoverScript walks the registered universe and re-adds URLs whose lease
// expired but which never made it back to the available list.
const recoverScript = `
local recovered = 0
local urls = redis.call("SMEMBERS", KEYS[3])
for _, url in ipairs(urls) do
  if redis.call("EXISTS", ARGV[1] .. url) == 0 then
    redis.call("SREM", KEYS[2], url)
    local present = false
    local items = redis.call("LRANGE", KEYS[1], 0, -1)
    for _, v in ipairs(items) do
      if v == url then
        present = true
        break
      end
    end
    if not present then
      redis.call("RPUSH", KEYS[1], url)
      recovered = recovered + 1
    end
  end
end
return recovered
`

// Pool is the Redis-backed executor registry.
type Pool struct {
	rdb     *redis.Client
	prefix  string
	obs     domain.PoolObserver
	claim   *redis.Script
	release *redis.Script
	recover *redis.Script
}

// Option configures a Pool.
type Option func(*Pool)

// WithPrefix namespaces all pool keys.
func WithPrefix(prefix string) Option {
	return func(p *Pool) { p.prefix = prefix }
}

// WithObserver injects the mutation observer (tests, external metrics).
func WithObserver(obs domain.PoolObserver) Option {
	return func(p *Pool) { p.obs = obs }
}

// New builds a Pool. The default observer feeds the Prometheus counters.
func New(rdb *redis.Client, opts ...Option) *Pool {
	p := &Pool{
		rdb:     rdb,
		prefix:  defaultPrefix,
		obs:     metricsObserver{},
		claim:   redis.NewScript(claimScript),
		release: redis.NewScript(releaseScript),
		recover: redis.NewScript(recoverScript),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Pool) availableKey() string { return p.prefix + "available" }
func (p *Pool) busyKey() string      { return p.prefix + "busy" }
func (p *Pool) allKey() string       { return p.prefix + "all" }
func (p *Pool) leasePrefix() string  { return p.prefix + "lease:" }
func (p *Pool) dupPrefix() string    { return p.prefix + "released:" }
func (p *Pool) logKey() string       { return p.prefix + "release_log" }

// Initialize atomically replaces the available list with urls and clears all
// busy markers, including leases held by a previously registered fleet.
func (p *Pool) Initialize(ctx domain.Context, urls []string) error {
	ctx, span := tracer.Start(ctx, "pool.initialize", trace.WithAttributes(attribute.Int("urls", len(urls))))
	defer span.End()

	previous, err := p.rdb.SMembers(ctx, p.allKey()).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("op=executorpool.Initialize: %w", err)
	}

	pipe := p.rdb.TxPipeline()
	pipe.Del(ctx, p.availableKey(), p.busyKey(), p.allKey())
	for _, u := range previous {
		pipe.Del(ctx, p.leasePrefix()+u)
	}
	for _, u := range urls {
		pipe.Del(ctx, p.leasePrefix()+u)
	}
	if len(urls) > 0 {
		vals := make([]interface{}, len(urls))
		for i, u := range urls {
			vals[i] = u
		}
		pipe.RPush(ctx, p.availableKey(), vals...)
		pipe.SAdd(ctx, p.allKey(), vals...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=executorpool.Initialize: %w", err)
	}
	return nil
}

// Claim atomically pops an available URL and leases it to evalID for lease.
// Returns domain.ErrNoCapacity when the available list is empty.
func (p *Pool) Claim(ctx domain.Context, evalID string, lease time.Duration) (string, error) {
	ctx, span := tracer.Start(ctx, "pool.claim", trace.WithAttributes(attribute.String("eval_id", evalID)))
	defer span.End()

	res, err := p.claim.Run(ctx, p.rdb,
		[]string{p.availableKey(), p.busyKey()},
		evalID, lease.Milliseconds(), p.leasePrefix(),
	).Result()
	if err == redis.Nil || res == nil {
		observability.PoolClaimsTotal.WithLabelValues("empty").Inc()
		return "", domain.ErrNoCapacity
	}
	if err != nil {
		return "", fmt.Errorf("op=executorpool.Claim: %w", err)
	}
	url, ok := res.(string)
	if !ok || url == "" {
		observability.PoolClaimsTotal.WithLabelValues("empty").Inc()
		return "", domain.ErrNoCapacity
	}
	observability.PoolClaimsTotal.WithLabelValues("claimed").Inc()
	if p.obs != nil {
		p.obs.ExecutorClaimed(url, evalID)
	}
	return url, nil
}

// Release is idempotent; duplicate releases never duplicate the URL in the
// available list. Two releases for the same URL inside one second log a
// double-release warning.
func (p *Pool) Release(ctx domain.Context, url string) (domain.ReleaseStatus, error) {
	ctx, span := tracer.Start(ctx, "pool.release", trace.WithAttributes(attribute.String("url", url)))
	defer span.End()

	now := time.Now().UnixMilli()
	res, err := p.release.Run(ctx, p.rdb,
		[]string{p.availableKey(), p.busyKey(), p.logKey()},
		url, p.leasePrefix(), p.dupPrefix(),
		strconv.FormatInt(now, 10), doubleReleaseWin.Milliseconds(),
		releaseLogMax-1, releaseLogTTL.Milliseconds(),
	).Result()
	if err != nil {
		return "", fmt.Errorf("op=executorpool.Release: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return "", fmt.Errorf("op=executorpool.Release: unexpected script result %v: %w", res, domain.ErrInternal)
	}
	status := domain.ReleaseStatus(toString(vals[0]))
	if toInt64(vals[1]) == 1 {
		observability.LoggerFromContext(ctx).Warn("double release detected",
			"url", url, "status", string(status))
	}
	observability.PoolReleasesTotal.WithLabelValues(string(status)).Inc()
	if p.obs != nil {
		p.obs.ExecutorReleased(url, status)
	}
	return status, nil
}

// Status reports the allocation snapshot including residual lease TTLs.
func (p *Pool) Status(ctx domain.Context) (domain.PoolStatus, error) {
	ctx, span := tracer.Start(ctx, "pool.status")
	defer span.End()

	available, err := p.rdb.LRange(ctx, p.availableKey(), 0, -1).Result()
	if err != nil {
		return domain.PoolStatus{}, fmt.Errorf("op=executorpool.Status: %w", err)
	}
	busyURLs, err := p.rdb.SMembers(ctx, p.busyKey()).Result()
	if err != nil {
		return domain.PoolStatus{}, fmt.Errorf("op=executorpool.Status: %w", err)
	}

	st := domain.PoolStatus{Available: available}
	for _, u := range busyURLs {
		evalID, err := p.rdb.Get(ctx, p.leasePrefix()+u).Result()
		if err == redis.Nil {
			continue // lease expired between SMEMBERS and GET
		}
		if err != nil {
			return domain.PoolStatus{}, fmt.Errorf("op=executorpool.Status: %w", err)
		}
		ttl, err := p.rdb.PTTL(ctx, p.leasePrefix()+u).Result()
		if err != nil {
			return domain.PoolStatus{}, fmt.Errorf("op=executorpool.Status: %w", err)
		}
		st.Busy = append(st.Busy, domain.BusyExecutor{URL: u, EvalID: evalID, LeaseLeft: ttl})
	}
	observability.PoolAvailable.Set(float64(len(st.Available)))
	observability.PoolBusy.Set(float64(len(st.Busy)))
	return st, nil
}

// RecoverStale returns executors whose lease expired to the available list.
func (p *Pool) RecoverStale(ctx domain.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "pool.recover_stale")
	defer span.End()

	res, err := p.recover.Run(ctx, p.rdb,
		[]string{p.availableKey(), p.busyKey(), p.allKey()},
		p.leasePrefix(),
	).Result()
	if err != nil {
		return 0, fmt.Errorf("op=executorpool.RecoverStale: %w", err)
	}
	n := int(toInt64(res))
	if n > 0 {
		observability.LoggerFromContext(ctx).Warn("recovered stale executors", "count", n)
	}
	return n, nil
}

// ReleaseRecord is one parsed entry of the release metrics ring.
type ReleaseRecord struct {
	At     time.Time
	URL    string
	Status domain.ReleaseStatus
}

// ReleaseLog returns up to n most recent release records, newest first.
func (p *Pool) ReleaseLog(ctx domain.Context, n int) ([]ReleaseRecord, error) {
	if n <= 0 || n > releaseLogMax {
		n = releaseLogMax
	}
	raw, err := p.rdb.LRange(ctx, p.logKey(), 0, int64(n-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=executorpool.ReleaseLog: %w", err)
	}
	out := make([]ReleaseRecord, 0, len(raw))
	for _, line := range raw {
		parts := strings.SplitN(line, "|", 3)
		if len(parts) != 3 {
			continue
		}
		ms, err := strconv.ParseInt(parts[0], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, ReleaseRecord{
			At:     time.UnixMilli(ms),
			URL:    parts[1],
			Status: domain.ReleaseStatus(parts[2]),
		})
	}
	return out, nil
}

// metricsObserver is the default observer; the Pool already maintains the
// claim/release counters, so this only keeps the seam occupied.
type metricsObserver struct{}

func (metricsObserver) ExecutorClaimed(string, string)                {}
func (metricsObserver) ExecutorReleased(string, domain.ReleaseStatus) {}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	default:
		return 0
	}
}

func toString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}
