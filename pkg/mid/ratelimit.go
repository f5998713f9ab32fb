package mid

import (
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

var rateLimited = []byte(`{"error":"rate limit exceeded"}` + "\n")

// RateLimit rejects requests with 429 once the token bucket is empty.
// A non-positive rps disables limiting.
func RateLimit(rps float64, burst int) Middleware {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)
	retryAfter := strconv.Itoa(int(max(time.Second, time.Duration(float64(time.Second)/rps)).Seconds()))

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", retryAfter)
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write(rateLimited)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
