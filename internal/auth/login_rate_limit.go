package auth

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/getsentry/sentry-go"
	"golang.org/x/time/rate"

	"entity-registry/internal/observability"
)

// IPAllower is a shared per-IP attempt counter, typically backed by the
// database so limits hold across instances.
type IPAllower interface {
	AllowLoginIP(ctx context.Context, ip string, maxHits int, window time.Duration, now time.Time) (bool, time.Duration, error)
}

type LoginRateLimiter struct {
	store   IPAllower
	logger  *observability.Logger
	maxHits int
	window  time.Duration
	now     func() time.Time

	mu        sync.Mutex
	limiters  map[string]*ipLimiter
	maxMemory int
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewLoginRateLimiter allows maxHits login attempts per window and IP. When
// store is nil, or the store fails, an in-process token bucket is used.
func NewLoginRateLimiter(store IPAllower, logger *observability.Logger, maxHits int, window time.Duration) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}
	if logger == nil {
		logger = observability.NopLogger()
	}

	return &LoginRateLimiter{
		store:     store,
		logger:    logger,
		maxHits:   maxHits,
		window:    window,
		now:       time.Now,
		limiters:  make(map[string]*ipLimiter),
		maxMemory: 5000,
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := observability.ClientIP(r)

		allowed, retryAfter := l.Allow(r.Context(), ip)
		if !allowed {
			seconds := int(retryAfter.Seconds())
			if seconds < 1 {
				seconds = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(seconds))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Allow records one attempt from ip and reports whether it may proceed.
func (l *LoginRateLimiter) Allow(ctx context.Context, ip string) (bool, time.Duration) {
	now := l.now().UTC()

	if l.store != nil {
		allowed, retryAfter, err := l.store.AllowLoginIP(ctx, ip, l.maxHits, l.window, now)
		if err == nil {
			return allowed, retryAfter
		}
		sentry.CaptureException(err)
		l.logger.LogError("login_rate_limit_store_failed", err, map[string]any{"ip": ip})
	}

	return l.allowLocal(ip, now)
}

func (l *LoginRateLimiter) allowLocal(ip string, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.limiters[ip]
	if !ok {
		every := l.window / time.Duration(l.maxHits)
		entry = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), l.maxHits)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, l.window
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		if delay < time.Second {
			delay = time.Second
		}
		return false, delay
	}

	if len(l.limiters) > l.maxMemory {
		threshold := now.Add(-l.window)
		for key, value := range l.limiters {
			if value.lastSeen.Before(threshold) {
				delete(l.limiters, key)
			}
		}
	}

	return true, 0
}
