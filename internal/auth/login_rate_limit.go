package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"patient-records-auth/internal/observability"
)

const limiterMaxKeys = 5000

// LoginRateLimiter caps login requests per client IP in a sliding window. It
// runs ahead of credential lookup, so it also throttles guessing across many
// accounts, which the per-account lockout does not cover. Clients are keyed by
// peer address unless trustProxy is set; see observability.ClientIP.
type LoginRateLimiter struct {
	mu         sync.Mutex
	maxHits    int
	window     time.Duration
	trustProxy bool
	hits       map[string][]time.Time
	now        func() time.Time
}

func NewLoginRateLimiter(maxHits int, window time.Duration, trustProxy bool) *LoginRateLimiter {
	if maxHits <= 0 {
		maxHits = 10
	}
	if window <= 0 {
		window = time.Minute
	}

	return &LoginRateLimiter{
		maxHits:    maxHits,
		window:     window,
		trustProxy: trustProxy,
		hits:       make(map[string][]time.Time),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (l *LoginRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter := l.allow(observability.ClientIP(r, l.trustProxy), l.now())
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())))
			writeError(w, http.StatusTooManyRequests, "too many login attempts")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (l *LoginRateLimiter) allow(key string, now time.Time) (bool, time.Duration) {
	threshold := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	recent := l.hits[key][:0:0]
	for _, hit := range l.hits[key] {
		if hit.After(threshold) {
			recent = append(recent, hit)
		}
	}

	if len(recent) >= l.maxHits {
		retryAfter := recent[0].Add(l.window).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		l.hits[key] = recent
		return false, retryAfter
	}

	l.hits[key] = append(recent, now)

	if len(l.hits) > limiterMaxKeys {
		for k, v := range l.hits {
			if len(v) == 0 || v[len(v)-1].Before(threshold) {
				delete(l.hits, k)
			}
		}
	}

	return true, 0
}
