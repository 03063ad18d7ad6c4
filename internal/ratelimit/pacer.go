package ratelimit

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/chatforge/wa-gateway/internal/adapter"
	"github.com/chatforge/wa-gateway/internal/domain"
	"github.com/chatforge/wa-gateway/internal/logger"
)

// Config holds the outbound send pacing settings
type Config struct {
	// SendsPerSecond caps each tenant's outbound message throughput
	SendsPerSecond int
	// Burst is the instantaneous allowance above the sustained rate
	Burst int
	// MaxWait bounds how long a send may wait for a pacing token
	MaxWait time.Duration
	// RedisKeyPrefix namespaces the per-tenant limiter keys
	RedisKeyPrefix string
	// EnableLocalFallback keeps pacing alive in-process when Redis is down
	EnableLocalFallback bool
	// LocalFallbackMultiplier scales the per-process rate during fallback,
	// since every gateway process then paces independently
	LocalFallbackMultiplier float64
}

// Pacer smooths each tenant's outbound sends to stay under the platform's
// per-number throughput ceiling. Pacing is distributed through Redis so all
// gateway processes share one budget per tenant; when Redis is unreachable
// each process falls back to a scaled-down local limiter.
type Pacer interface {
	// Acquire blocks until the tenant may send, the context ends, or the
	// configured maximum wait is exceeded
	Acquire(ctx context.Context, tenantID domain.TenantID) error

	// Close stops the health monitor
	Close() error
}

type pacer struct {
	config      Config
	redis       adapter.RedisClient
	distributed adapter.RedisRateLimiter

	mu    sync.Mutex
	local map[domain.TenantID]*rate.Limiter

	redisAvailable atomic.Bool
	closed         atomic.Bool
	closeOnce      sync.Once
	done           chan struct{}
}

// NewPacer creates a send pacer backed by the given Redis client
func NewPacer(cfg Config, rc adapter.RedisClient) (Pacer, error) {
	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	redisAvailable := true
	if err := rc.Ping(ctx); err != nil {
		redisAvailable = false
		if !cfg.EnableLocalFallback {
			return nil, fmt.Errorf("redis unavailable and fallback disabled: %w", err)
		}
		logger.Warn("Redis unavailable, send pacing falls back to local limiters", zap.Error(err))
	}

	p := &pacer{
		config:      cfg,
		redis:       rc,
		distributed: rc.NewRateLimiter(),
		local:       make(map[domain.TenantID]*rate.Limiter),
		done:        make(chan struct{}),
	}
	p.redisAvailable.Store(redisAvailable)

	go p.monitorRedisHealth()

	logger.Info("send pacer initialized",
		zap.Int("sends_per_second", cfg.SendsPerSecond),
		zap.Int("burst", cfg.Burst),
		zap.Bool("local_fallback", cfg.EnableLocalFallback),
	)
	return p, nil
}

// Acquire blocks until the tenant may send. The wait is bounded by MaxWait
// and by ctx; exceeding either surfaces as transient upstream trouble so the
// caller's retry semantics apply.
func (p *pacer) Acquire(ctx context.Context, tenantID domain.TenantID) error {
	if p.closed.Load() {
		return fmt.Errorf("pacer is closed")
	}

	waitCtx, cancel := context.WithTimeout(ctx, p.config.MaxWait)
	defer cancel()

	for {
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("%w: send pacing wait exceeded for tenant %s", domain.ErrUpstreamUnavailable, tenantID)
		default:
		}

		if p.redisAvailable.Load() {
			allowed, retryAfter, err := p.tryDistributed(waitCtx, tenantID)
			if err != nil {
				if waitCtx.Err() != nil {
					return fmt.Errorf("%w: send pacing wait exceeded for tenant %s", domain.ErrUpstreamUnavailable, tenantID)
				}

				p.redisAvailable.Store(false)
				if !p.config.EnableLocalFallback {
					return fmt.Errorf("%w: pacing limiter unavailable: %v", domain.ErrUpstreamUnavailable, err)
				}
				logger.Warn("distributed pacing error, falling back to local",
					zap.String("tenant_id", string(tenantID)),
					zap.Error(err),
				)
				// Fall through to the local limiter
			} else if allowed {
				return nil
			} else if retryAfter > 0 {
				// Jitter spreads concurrent senders apart (50-150% of retryAfter)
				jitter := time.Duration(float64(retryAfter) * (0.5 + rand.Float64())) //nolint:gosec,G404
				select {
				case <-waitCtx.Done():
					return fmt.Errorf("%w: send pacing wait exceeded for tenant %s", domain.ErrUpstreamUnavailable, tenantID)
				case <-time.After(jitter):
					continue
				}
			}
		}

		if !p.redisAvailable.Load() && p.config.EnableLocalFallback {
			if err := p.localLimiter(tenantID).Wait(waitCtx); err != nil {
				return fmt.Errorf("%w: send pacing wait exceeded for tenant %s", domain.ErrUpstreamUnavailable, tenantID)
			}
			return nil
		}

		select {
		case <-waitCtx.Done():
			return fmt.Errorf("%w: send pacing wait exceeded for tenant %s", domain.ErrUpstreamUnavailable, tenantID)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

// tryDistributed attempts to take a token from the shared per-tenant budget.
// Returns (allowed, retryAfter, error).
func (p *pacer) tryDistributed(ctx context.Context, tenantID domain.TenantID) (bool, time.Duration, error) {
	key := p.config.RedisKeyPrefix + string(tenantID)

	res, err := p.distributed.Allow(ctx, key, redis_rate.Limit{
		Rate:   p.config.SendsPerSecond,
		Burst:  p.config.Burst,
		Period: time.Second,
	})
	if err != nil {
		return false, 0, err
	}

	if res.Allowed == 0 {
		logger.Debug("send pacing token unavailable, waiting",
			zap.String("tenant_id", string(tenantID)),
			zap.Duration("retry_after", res.RetryAfter),
			zap.Int("remaining", res.Remaining),
		)
		return false, res.RetryAfter, nil
	}
	return true, 0, nil
}

// localLimiter returns the tenant's in-process fallback limiter, creating it
// on first use. Tenants come and go at runtime, so the map grows lazily.
func (p *pacer) localLimiter(tenantID domain.TenantID) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	limiter, ok := p.local[tenantID]
	if !ok {
		localRate := max(float64(p.config.SendsPerSecond)*p.config.LocalFallbackMultiplier, 1.0)
		limiter = rate.NewLimiter(rate.Limit(localRate), p.config.Burst)
		p.local[tenantID] = limiter
	}
	return limiter
}

// monitorRedisHealth periodically checks Redis health and updates availability
func (p *pacer) monitorRedisHealth() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := p.redis.Ping(ctx)
		cancel()

		redisAvailable := err == nil
		wasAvailable := p.redisAvailable.Load()
		p.redisAvailable.Store(redisAvailable)

		if !wasAvailable && redisAvailable {
			logger.Info("Redis connection restored, distributed pacing resumed")
		}
	}
}

// Close stops the health monitor. The Redis client is shared and stays open.
func (p *pacer) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
	return nil
}

// validateConfig validates and sets defaults for the configuration
func validateConfig(cfg *Config) error {
	if cfg.SendsPerSecond <= 0 {
		return fmt.Errorf("sends_per_second must be positive")
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.SendsPerSecond
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = 10 * time.Second
	}
	if cfg.RedisKeyPrefix == "" {
		cfg.RedisKeyPrefix = "wa:gateway:pace:"
	}
	if cfg.LocalFallbackMultiplier <= 0 {
		cfg.LocalFallbackMultiplier = 0.5
	}
	return nil
}
