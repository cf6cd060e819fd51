// Package ratelimit implements sliding-window request admission over the
// shared substrate. Counters are two adjacent fixed sub-windows per window
// class with a fractional blend of the previous sub-window, so memory per
// tenant is bounded at two integers per class.
package ratelimit

import (
	"context"
	"math"
	"time"

	"github.com/api-lens/api-lens/pkg/cache"
	"github.com/api-lens/api-lens/pkg/models"
	"github.com/api-lens/api-lens/pkg/observability"
)

// Precision is the number of sub-windows per window span
const Precision = 10

// enforcedClasses in evaluation order, most granular first
var enforcedClasses = []models.WindowClass{
	models.WindowMinute,
	models.WindowHour,
	models.WindowDay,
	models.WindowMonth,
}

// Limiter admits or rejects requests against per-tenant sliding windows.
// Substrate failures fail open: an unavailable counter never blocks traffic.
type Limiter struct {
	substrate cache.Substrate
	keys      *cache.Keys
	logger    observability.Logger
	metrics   observability.MetricsClient
	failOpen  bool
	now       func() time.Time
}

// NewLimiter creates a rate limiter
func NewLimiter(substrate cache.Substrate, keys *cache.Keys, logger observability.Logger, metrics observability.MetricsClient, failOpen bool) *Limiter {
	return &Limiter{
		substrate: substrate,
		keys:      keys,
		logger:    logger,
		metrics:   metrics,
		failOpen:  failOpen,
		now:       time.Now,
	}
}

// subWindow returns the current sub-window index and the elapsed fraction of
// it for a window span at time t.
func subWindow(t time.Time, span time.Duration) (int64, float64) {
	step := span / Precision
	stepSec := int64(step / time.Second)
	unix := t.Unix()
	idx := unix / stepSec
	frac := float64(unix%stepSec) / float64(stepSec)
	return idx, frac
}

// slidingCount reads the blended count for one window class:
// count(w0) + count(w-1) * (1 - frac), rounded to nearest.
func (l *Limiter) slidingCount(ctx context.Context, tenantID string, class models.WindowClass, t time.Time) (int64, error) {
	idx, frac := subWindow(t, class.Span())

	cur, err := l.substrate.GetInt(ctx, l.keys.RateLimit(tenantID, class, idx))
	if err != nil {
		return 0, err
	}
	prev, err := l.substrate.GetInt(ctx, l.keys.RateLimit(tenantID, class, idx-1))
	if err != nil {
		return 0, err
	}
	return int64(math.Round(float64(cur) + float64(prev)*(1-frac))), nil
}

// windowReset returns the start of the next full window for a class
func windowReset(t time.Time, class models.WindowClass) time.Time {
	spanSec := int64(class.Span() / time.Second)
	next := (t.Unix()/spanSec + 1) * spanSec
	return time.Unix(next, 0).UTC()
}

// Check runs the admission decision for the tenant. The increment happens
// after the decision, so concurrent checks may briefly under-count; admitted
// traffic never exceeds limit + burst + peak concurrency in any trailing
// window.
func (l *Limiter) Check(ctx context.Context, tenant *models.TenantContext) models.RateLimitDecision {
	cfg := &tenant.RateLimits
	now := l.now()

	if cfg.Bypass {
		l.count("bypassed")
		return models.RateLimitDecision{
			Admitted:       true,
			Status:         models.AdmissionBypassed,
			EffectiveLimit: math.MaxInt64,
		}
	}

	for _, class := range enforcedClasses {
		limit := cfg.LimitFor(class)
		if limit <= 0 {
			continue
		}

		n, err := l.slidingCount(ctx, tenant.TenantID, class, now)
		if err != nil {
			return l.failDecision(tenant.TenantID, class, err)
		}

		if n < limit {
			continue
		}

		// Primary window exhausted; consult the burst pool
		if cfg.BurstSize > 0 {
			used, err := l.burstUsage(ctx, tenant.TenantID, now)
			if err != nil {
				return l.failDecision(tenant.TenantID, class, err)
			}
			if used < cfg.BurstSize {
				l.incrementBurst(ctx, tenant.TenantID, now)
				l.count("burst_used")
				return models.RateLimitDecision{
					Admitted:       true,
					Status:         models.AdmissionBurstUsed,
					Class:          class,
					EffectiveLimit: limit,
					CurrentCount:   n,
					Remaining:      0,
					ResetAt:        windowReset(now, class),
				}
			}
		}

		resetAt := windowReset(now, class)
		retry := resetAt.Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		l.count("rate_limited")
		return models.RateLimitDecision{
			Admitted:       false,
			Status:         models.AdmissionRateLimited,
			Class:          class,
			EffectiveLimit: limit,
			CurrentCount:   n,
			Remaining:      0,
			ResetAt:        resetAt,
			RetryAfter:     retry,
		}
	}

	decision := models.RateLimitDecision{
		Admitted: true,
		Status:   models.AdmissionAllowed,
	}

	// Report against the tightest enforced class
	for _, class := range enforcedClasses {
		if limit := cfg.LimitFor(class); limit > 0 {
			n, err := l.slidingCount(ctx, tenant.TenantID, class, now)
			if err == nil {
				decision.Class = class
				decision.EffectiveLimit = limit
				decision.CurrentCount = n
				decision.Remaining = limit - n - 1
				if decision.Remaining < 0 {
					decision.Remaining = 0
				}
				decision.ResetAt = windowReset(now, class)
			}
			break
		}
	}

	// Increment errors are logged, never block admission
	if err := l.increment(ctx, tenant.TenantID, cfg, now); err != nil {
		l.logger.Warn("Rate-limit increment failed", map[string]interface{}{
			"tenant_id": tenant.TenantID,
			"error":     err.Error(),
		})
	}
	l.count("allowed")
	return decision
}

// increment bumps the current sub-window counter for every enforced class in
// one pipelined round trip. TTL is twice the window span so stale sub-windows
// evict themselves.
func (l *Limiter) increment(ctx context.Context, tenantID string, cfg *models.RateLimitConfig, now time.Time) error {
	var incrs []cache.CounterIncr
	for _, class := range enforcedClasses {
		if cfg.LimitFor(class) <= 0 {
			continue
		}
		idx, _ := subWindow(now, class.Span())
		incrs = append(incrs, cache.CounterIncr{
			Key:   l.keys.RateLimit(tenantID, class, idx),
			Delta: 1,
			TTL:   2 * class.Span(),
		})
	}
	if len(incrs) == 0 {
		return nil
	}
	return l.substrate.IncrMulti(ctx, incrs)
}

func (l *Limiter) burstUsage(ctx context.Context, tenantID string, now time.Time) (int64, error) {
	return l.substrate.GetInt(ctx, l.keys.Burst(tenantID, now.Unix()/models.SpanBurst))
}

func (l *Limiter) incrementBurst(ctx context.Context, tenantID string, now time.Time) {
	if _, err := l.substrate.IncrBy(ctx, l.keys.Burst(tenantID, now.Unix()/models.SpanBurst), 1, models.SpanBurst*time.Second); err != nil {
		l.logger.Warn("Burst increment failed", map[string]interface{}{
			"tenant_id": tenantID,
			"error":     err.Error(),
		})
	}
}

// failDecision maps a substrate failure to the configured policy. Fail-open
// admits with status error; fail-closed rejects.
func (l *Limiter) failDecision(tenantID string, class models.WindowClass, err error) models.RateLimitDecision {
	l.logger.Warn("Rate-limit check degraded", map[string]interface{}{
		"tenant_id": tenantID,
		"class":     class,
		"error":     err.Error(),
	})
	l.count("error")
	return models.RateLimitDecision{
		Admitted: l.failOpen,
		Status:   models.AdmissionError,
		Class:    class,
	}
}

func (l *Limiter) count(outcome string) {
	if l.metrics != nil {
		l.metrics.IncrementCounterWithLabels("ratelimit_decisions_total", 1, map[string]string{
			"outcome": outcome,
		})
	}
}
