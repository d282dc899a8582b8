package dashboard

import (
	"encoding/json"
	"log"
	"net"
	"net/http"

	"github.com/vnmchuo/cost-dashboard/pkg/ratelimit"
)

// Throttle rate limits the API per client address. Every series request
// can fan out to the metered billing API, so an unthrottled client could
// burn the whole call budget by itself.
func Throttle(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			allowed, err := limiter.Allow(r.Context(), "http:"+clientKey(r))
			if err != nil {
				// A broken limiter backend must not take the dashboard
				// down; the outbound call budget still caps CE spend.
				log.Printf("dashboard: throttle check failed, allowing request: %v", err)
			} else if !allowed {
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "60")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":       "rate limit exceeded",
					"retry_after": "60s",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
