package mid

import (
	"net/http"
	"strconv"
	"time"

	"github.com/WessleyAI/notesync/pkg/metrics"
)

// Metrics records request count and duration per route pattern. Requests
// that matched no pattern are grouped under "unmatched".
func Metrics(m *metrics.Registry) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := wrap(w)
			next.ServeHTTP(sw, r)

			path := r.Pattern
			if path == "" {
				path = "unmatched"
			}
			m.HTTPRequests.WithLabelValues(r.Method, path, strconv.Itoa(sw.status)).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}
