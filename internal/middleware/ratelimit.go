package middleware

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/aiox-platform/meter/internal/governance/ratelimit"
)

// PrincipalFunc returns the authenticated user ID in ctx, or "" if none.
type PrincipalFunc func(ctx context.Context) string

// KeyFunc derives a rate-limit identity from a request. An empty result
// falls back to the principal or client address.
type KeyFunc func(r *http.Request) string

// RateLimiter adapts a ratelimit.Limiter to HTTP middleware, one class per
// mount point.
type RateLimiter struct {
	limiter   *ratelimit.Limiter
	principal PrincipalFunc
	addr      ratelimit.AddrConfig
	keys      map[ratelimit.Class]KeyFunc
}

// NewRateLimiter creates rate-limit middleware. principal may be nil, in
// which case every request is keyed by client address.
func NewRateLimiter(limiter *ratelimit.Limiter, principal PrincipalFunc, addr ratelimit.AddrConfig) *RateLimiter {
	return &RateLimiter{
		limiter:   limiter,
		principal: principal,
		addr:      addr,
		keys:      make(map[ratelimit.Class]KeyFunc),
	}
}

// KeyBy overrides how requests in class are identified. It must be called
// before the middleware serves traffic.
func (rl *RateLimiter) KeyBy(class ratelimit.Class, fn KeyFunc) {
	rl.keys[class] = fn
}

func (rl *RateLimiter) identity(r *http.Request, class ratelimit.Class) string {
	if fn, ok := rl.keys[class]; ok {
		if id := fn(r); id != "" {
			return id
		}
	}
	var principal string
	if rl.principal != nil {
		principal = rl.principal(r.Context())
	}
	return ratelimit.Identity(r, principal, rl.addr)
}

// Limit returns middleware that admits requests against class. Rejected
// requests get 429 with Retry-After; every response carries X-RateLimit-*.
func (rl *RateLimiter) Limit(class ratelimit.Class) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity := rl.identity(r, class)

			d := rl.limiter.Admit(identity, class)

			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))

			if !d.Allowed {
				slog.Warn("rate limit exceeded",
					"class", class,
					"identity", identity,
					"path", r.URL.Path,
					"method", r.Method,
				)
				w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]any{
					"error":       "too many requests",
					"retry_after": d.RetryAfter,
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
