package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/thearchitectit/guardrail-mcp/internal/circuitbreaker"
	"github.com/thearchitectit/guardrail-mcp/internal/metrics"
	"github.com/thearchitectit/guardrail-mcp/internal/valtypes"
)

// RedisProvider is the distributed quota provider, grounded on the
// teacher's cache.Client: a pooled redis/v8 client, fixed-window
// counters via INCR+EXPIRE, and the shared circuit breaker manager
// wrapping every round trip so a degraded Redis fails open rather than
// blocking the pipeline. clockSkew extends each bucket's Redis TTL
// beyond its nominal window, the same tolerance MemoryProvider adds to
// its windowStart comparison, so a counter does not reset early just
// because the caller's clock runs slightly ahead.
type RedisProvider struct {
	client    *redis.Client
	breaker   *circuitbreaker.Manager
	prefix    string
	clockSkew time.Duration
}

// NewRedisProvider dials addr and verifies connectivity before
// returning, matching cache.New's ping-on-construction behavior.
// breaker may be nil, in which case counter round trips run unprotected.
func NewRedisProvider(addr, password string, db int, breaker *circuitbreaker.Manager, clockSkew time.Duration) (*RedisProvider, error) {
	if clockSkew < 0 {
		clockSkew = 0
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		PoolSize:     20,
		MinIdleConns: 5,
		MaxRetries:   3,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("quota: failed to connect to redis: %w", err)
	}

	slog.Info("quota: redis provider connected", "addr", addr)
	return &RedisProvider{client: client, breaker: breaker, prefix: "secmw:quota:", clockSkew: clockSkew}, nil
}

// IncrementAndCheck increments the minute and hour counters for key via
// two fixed-window Redis buckets. A breaker trip or any Redis error
// fails open (passed=true) — quota enforcement is a courtesy the
// pipeline should not halt on when the backing store is unavailable.
func (p *RedisProvider) IncrementAndCheck(key string, limits valtypes.QuotaLimits, now time.Time) (bool, string) {
	if limits.Minute > 0 {
		passed, count, err := p.incrementWindow(key, "m", now.Truncate(time.Minute), time.Minute, limits.Minute)
		if err != nil {
			slog.Warn("quota: redis unavailable, failing open", "error", err)
			metrics.RecordCacheError("quota_redis")
			return true, ""
		}
		if !passed {
			return false, fmt.Sprintf("Per-minute quota exceeded for %s: %d/%d", key, count, limits.Minute)
		}
	}
	if limits.Hour > 0 {
		passed, count, err := p.incrementWindow(key, "h", now.Truncate(time.Hour), time.Hour, limits.Hour)
		if err != nil {
			slog.Warn("quota: redis unavailable, failing open", "error", err)
			metrics.RecordCacheError("quota_redis")
			return true, ""
		}
		if !passed {
			return false, fmt.Sprintf("Per-hour quota exceeded for %s: %d/%d", key, count, limits.Hour)
		}
	}
	return true, ""
}

func (p *RedisProvider) incrementWindow(key, granularity string, bucketStart time.Time, window time.Duration, limit int) (bool, int64, error) {
	redisKey := fmt.Sprintf("%s%s:%s:%d", p.prefix, granularity, key, bucketStart.Unix())

	var count int64
	op := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		pipe := p.client.TxPipeline()
		incr := pipe.Incr(ctx, redisKey)
		pipe.Expire(ctx, redisKey, window+p.clockSkew)
		_, err := pipe.Exec(ctx)
		if err != nil {
			return err
		}
		count = incr.Val()
		return nil
	}

	var err error
	if p.breaker == nil {
		err = op()
	} else {
		err = p.breaker.ExecuteRedis(context.Background(), op)
	}
	if err != nil {
		return false, 0, err
	}
	return count <= int64(limit), count, nil
}

// Sweep is a no-op: Redis key expiry (set via Expire above) reclaims
// stale counters without a background pass.
func (p *RedisProvider) Sweep(time.Time) {}

// Close releases the underlying connection pool.
func (p *RedisProvider) Close() error {
	return p.client.Close()
}
