package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
	PoolSize int
	Timeout  time.Duration
}

var (
	redisDegradedGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "redis_degraded_mode",
		Help: "Whether Redis is in degraded mode (1 = degraded, 0 = healthy)",
	})
	redisHealthChecksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "redis_health_check_total",
		Help: "Total number of Redis health checks performed",
	})
)

// RedisClient wraps the go-redis client with degraded-mode tracking.
// Presence and real-time fan-out are best-effort features; when Redis is
// down the rest of the service keeps working, so operations short-circuit
// with an error instead of piling up timeouts.
type RedisClient struct {
	Client *redis.Client

	degradedMu    sync.RWMutex
	degraded      bool
	healthCheckMu sync.Mutex
}

// NewRedisDB creates a client from config.
func NewRedisDB(cfg *RedisConfig) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
		DialTimeout:  cfg.Timeout,
	})
	return &RedisClient{Client: client}, nil
}

func (r *RedisClient) Close() {
	r.Client.Close()
}

// StartHealthCheck pings Redis on a timer and flips degraded mode
// accordingly until ctx is done.
func (r *RedisClient) StartHealthCheck(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.HealthCheck(context.Background())
			}
		}
	}()
}

// IsDegraded reports whether Redis is currently unreachable.
func (r *RedisClient) IsDegraded() bool {
	r.degradedMu.RLock()
	defer r.degradedMu.RUnlock()
	return r.degraded
}

func (r *RedisClient) setDegraded(degraded bool) {
	r.degradedMu.Lock()
	defer r.degradedMu.Unlock()

	if r.degraded != degraded {
		r.degraded = degraded
		if degraded {
			redisDegradedGauge.Set(1)
		} else {
			redisDegradedGauge.Set(0)
		}
	}
}

// HealthCheck pings Redis once and updates degraded state. Serialized so
// concurrent callers don't stack pings on an unhealthy server.
func (r *RedisClient) HealthCheck(ctx context.Context) error {
	r.healthCheckMu.Lock()
	defer r.healthCheckMu.Unlock()

	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	redisHealthChecksTotal.Inc()
	if err := r.Client.Ping(healthCtx).Err(); err != nil {
		r.setDegraded(true)
		return fmt.Errorf("redis health check failed: %w", err)
	}

	r.setDegraded(false)
	return nil
}

func errDegraded(op string) error {
	return fmt.Errorf("redis is in degraded mode, %s skipped", op)
}

// SafePing pings unless degraded.
func (r *RedisClient) SafePing(ctx context.Context) error {
	if r.IsDegraded() {
		return errDegraded("ping")
	}
	return r.Client.Ping(ctx).Err()
}

func (r *RedisClient) SafeGet(ctx context.Context, key string) *redis.StringCmd {
	if r.IsDegraded() {
		return redis.NewStringResult("", errDegraded("get"))
	}
	return r.Client.Get(ctx, key)
}

func (r *RedisClient) SafeSet(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if r.IsDegraded() {
		return redis.NewStatusResult("", errDegraded("set"))
	}
	return r.Client.Set(ctx, key, value, expiration)
}

func (r *RedisClient) SafeDel(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded("del"))
	}
	return r.Client.Del(ctx, keys...)
}

func (r *RedisClient) SafeExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd {
	if r.IsDegraded() {
		return redis.NewBoolResult(false, errDegraded("expire"))
	}
	return r.Client.Expire(ctx, key, expiration)
}

func (r *RedisClient) SafeIncr(ctx context.Context, key string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded("incr"))
	}
	return r.Client.Incr(ctx, key)
}

func (r *RedisClient) SafeTTL(ctx context.Context, key string) *redis.DurationCmd {
	if r.IsDegraded() {
		return redis.NewDurationResult(0, errDegraded("ttl"))
	}
	return r.Client.TTL(ctx, key)
}

func (r *RedisClient) SafeSAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded("sadd"))
	}
	return r.Client.SAdd(ctx, key, members...)
}

func (r *RedisClient) SafeSRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded("srem"))
	}
	return r.Client.SRem(ctx, key, members...)
}

func (r *RedisClient) SafeSMembers(ctx context.Context, key string) *redis.StringSliceCmd {
	if r.IsDegraded() {
		return redis.NewStringSliceResult(nil, errDegraded("smembers"))
	}
	return r.Client.SMembers(ctx, key)
}

func (r *RedisClient) SafeSCard(ctx context.Context, key string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded("scard"))
	}
	return r.Client.SCard(ctx, key)
}

func (r *RedisClient) SafeExists(ctx context.Context, keys ...string) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded("exists"))
	}
	return r.Client.Exists(ctx, keys...)
}

func (r *RedisClient) SafePublish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	if r.IsDegraded() {
		return redis.NewIntResult(0, errDegraded("publish"))
	}
	return r.Client.Publish(ctx, channel, message)
}

// SafeSubscribe always opens the subscription; go-redis reconnects it once
// Redis comes back, which is the behavior wanted even while degraded.
func (r *RedisClient) SafeSubscribe(ctx context.Context, channels ...string) *redis.PubSub {
	return r.Client.Subscribe(ctx, channels...)
}
