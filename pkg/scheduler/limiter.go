// Rate limiting for effect dispatch: bounds how fast the scheduler drains
// the effect queue per origin module, independent of the deterministic tick
// order above.
//
// Grounded on the teacher's Redis token-bucket limiter
// (pkg/kernel/limiter_redis.go): same atomic Lua-script token bucket keyed
// by actor id, refilling at a configured rate up to a burst capacity.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// BackpressurePolicy configures a token bucket: RPM tokens refill per
// minute, up to Burst tokens held at once.
type BackpressurePolicy struct {
	RPM   int
	Burst int
}

// Limiter decides whether an actor (an origin module id) may dispatch
// another unit of work right now.
type Limiter interface {
	Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error)
}

var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    local added = elapsed * rate
    tokens = tokens + added
    if tokens > capacity then
        tokens = capacity
    end
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HMSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter implements Limiter against a shared Redis instance, for
// multi-process kernel deployments where backpressure must be coordinated
// across processes.
type RedisLimiter struct {
	client *redis.Client
}

// NewRedisLimiter wraps an already-configured Redis client.
func NewRedisLimiter(client *redis.Client) *RedisLimiter {
	return &RedisLimiter{client: client}
}

func (l *RedisLimiter) Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error) {
	key := fmt.Sprintf("agentkernel:limiter:%s", actorID)

	r := float64(policy.RPM) / 60.0
	if r <= 0 {
		r = 1.0
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := tokenBucketScript.Run(ctx, l.client, []string{key}, r, policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("scheduler: redis limiter: %w", err)
	}
	results, ok := res.([]any)
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("scheduler: unexpected limiter script response")
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// LocalLimiter implements Limiter with an in-process token bucket per actor,
// for single-process deployments that don't need cross-process coordination.
type LocalLimiter struct {
	limiters map[string]*rate.Limiter
	newFor   func(BackpressurePolicy) *rate.Limiter
}

// NewLocalLimiter creates a process-local limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{
		limiters: make(map[string]*rate.Limiter),
		newFor: func(p BackpressurePolicy) *rate.Limiter {
			return rate.NewLimiter(rate.Limit(float64(p.RPM)/60.0), p.Burst)
		},
	}
}

func (l *LocalLimiter) Allow(ctx context.Context, actorID string, policy BackpressurePolicy, cost int) (bool, error) {
	lim, ok := l.limiters[actorID]
	if !ok {
		lim = l.newFor(policy)
		l.limiters[actorID] = lim
	}
	return lim.AllowN(time.Now(), cost), nil
}
