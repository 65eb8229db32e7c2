package middleware

import (
	"encoding/json"
	"net"
	"net/http"
	"strconv"

	"github.com/znz-systems/mailroom/internal/ratelimit"
)

// RateLimit returns middleware that rate-limits requests per acting user,
// falling back to the client IP for anonymous requests. When the rate limit
// is exceeded, it responds with a 429 Too Many Requests status and a JSON
// error body.
func RateLimit(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if limiter == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := ""
			if userID := UserIDFromContext(r.Context()); userID > 0 {
				key = "user:" + strconv.FormatInt(userID, 10)
			} else {
				ip, _, err := net.SplitHostPort(r.RemoteAddr)
				if err != nil {
					// If RemoteAddr has no port, use it as-is.
					ip = r.RemoteAddr
				}
				key = "ip:" + ip
			}

			if !limiter.Allow(key) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				json.NewEncoder(w).Encode(map[string]string{
					"error": "rate limit exceeded",
				})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
