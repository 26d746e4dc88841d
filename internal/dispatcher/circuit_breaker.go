package dispatcher

import (
	"context"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/local/printcost/internal/metrics"
)

// CircuitBreaker manages per-target breaker state in Redis so every worker
// process sees the same cooldown.
type CircuitBreaker struct {
	redis       *redis.Client
	baseBackoff time.Duration
	maxBackoff  time.Duration
	now         func() time.Time
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(redisClient *redis.Client, baseBackoff, maxBackoff time.Duration) *CircuitBreaker {
	if baseBackoff <= 0 {
		baseBackoff = 30 * time.Second
	}
	if maxBackoff < baseBackoff {
		maxBackoff = baseBackoff
	}
	return &CircuitBreaker{
		redis:       redisClient,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
		now:         time.Now,
	}
}

func breakerKey(target string) string { return "cb:notify:" + target }

// Backoff returns the cooldown after the given number of consecutive failures.
func (cb *CircuitBreaker) Backoff(failures int) time.Duration {
	backoff := cb.baseBackoff
	for i := 1; i < failures; i++ {
		backoff *= 2
		if backoff >= cb.maxBackoff {
			return cb.maxBackoff
		}
	}
	return backoff
}

// Open opens the breaker for target and returns the cooldown.
func (cb *CircuitBreaker) Open(ctx context.Context, target string) time.Duration {
	key := breakerKey(target)

	failures, _ := cb.redis.HIncrBy(ctx, key, "failures", 1).Result()
	backoff := cb.Backoff(int(failures))
	now := cb.now()
	retryAt := now.Add(backoff)

	cb.redis.HSet(ctx, key, map[string]interface{}{
		"state":     "open",
		"retry_at":  retryAt.Unix(),
		"opened_at": now.Unix(),
	})
	cb.redis.Expire(ctx, key, cb.maxBackoff+10*time.Minute)

	metrics.BreakerOpened(target)
	log.Warn().
		Str("target", target).
		Dur("cooldown", backoff).
		Int64("failures", failures).
		Time("retry_at", retryAt).
		Msg("circuit breaker OPENED")
	return backoff
}

// IsOpen reports whether target is cooling down. Once the cooldown passes the
// breaker goes half-open and lets one probe through.
func (cb *CircuitBreaker) IsOpen(ctx context.Context, target string) bool {
	key := breakerKey(target)

	vals, err := cb.redis.HMGet(ctx, key, "state", "retry_at").Result()
	if err != nil || len(vals) < 2 {
		return false
	}
	state, _ := vals[0].(string)
	if state != "open" {
		return false
	}
	retryAtStr, _ := vals[1].(string)
	retryAt, _ := strconv.ParseInt(retryAtStr, 10, 64)

	if cb.now().Unix() >= retryAt {
		cb.redis.HSet(ctx, key, "state", "half_open")
		log.Info().Str("target", target).Msg("circuit breaker moved to HALF-OPEN")
		return false
	}
	return true
}

// Close resets the breaker for target after a success.
func (cb *CircuitBreaker) Close(ctx context.Context, target string) {
	key := breakerKey(target)

	state, _ := cb.redis.HGet(ctx, key, "state").Result()
	if state == "" || state == "closed" {
		return
	}
	cb.redis.Del(ctx, key)

	metrics.BreakerClosed(target)
	log.Info().Str("target", target).Msg("circuit breaker CLOSED (reset)")
}
