package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/render"
	"golang.org/x/time/rate"

	"lmsbridge/internal/config"
	bridgeErrors "lmsbridge/internal/errors"
)

// RateLimit applies a per-client token bucket to the admin API. Limiters
// are keyed by remote address and pruned after an hour idle.
func RateLimit(cfg config.RateLimitConfig) func(next http.Handler) http.Handler {
	if !cfg.Enabled {
		return func(next http.Handler) http.Handler { return next }
	}

	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	// Prune idle visitors so the map does not grow with every client ever seen.
	go func() {
		for range time.Tick(10 * time.Minute) {
			mu.Lock()
			for addr, v := range visitors {
				if time.Since(v.lastSeen) > time.Hour {
					delete(visitors, addr)
				}
			}
			mu.Unlock()
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			v, ok := visitors[r.RemoteAddr]
			if !ok {
				v = &visitor{limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)}
				visitors[r.RemoteAddr] = v
			}
			v.lastSeen = time.Now()
			mu.Unlock()

			if !v.limiter.Allow() {
				render.Render(w, r, bridgeErrors.ErrRateLimitExceeded)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
