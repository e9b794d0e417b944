// ABOUTME: Per-caller token-bucket limiting for message appends using golang.org/x/time/rate.
// ABOUTME: Limiters live in an expiring cache keyed by session token or staff subject.

package gateway

import (
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/civic-desk/internal/auth"
	"github.com/2389/civic-desk/internal/dedupe"
)

const limiterIdleTTL = 15 * time.Minute

type sessionLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *dedupe.Cache[*rate.Limiter]
}

func newSessionLimiter(perSecond float64, burst int) *sessionLimiter {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &sessionLimiter{
		limit:    limit,
		burst:    burst,
		limiters: dedupe.New[*rate.Limiter](limiterIdleTTL, 100_000, time.Minute),
	}
}

// Allow reports whether key may send one more message now.
func (l *sessionLimiter) Allow(key string) bool {
	lim, _ := l.limiters.LoadOrStore(key, rate.NewLimiter(l.limit, l.burst))
	return lim.Allow()
}

func (l *sessionLimiter) Close() {
	l.limiters.Close()
}

// limiterKey identifies the caller; privileged callers are not limited.
func limiterKey(id *auth.Identity) (string, bool) {
	switch {
	case id == nil || id.IsPrivileged():
		return "", false
	case id.Role == auth.RoleCitizen:
		return "session:" + id.SessionToken, true
	default:
		return "staff:" + id.Subject, true
	}
}

// limitMessages rejects message appends beyond the configured rate with 429.
func (g *Gateway) limitMessages(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, ok := limiterKey(auth.FromContext(r.Context()))
		if ok && !g.limiter.Allow(key) {
			w.Header().Set("Retry-After", "1")
			g.sendJSONError(w, http.StatusTooManyRequests, "too many messages")
			return
		}
		next(w, r)
	}
}
