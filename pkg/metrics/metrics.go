// Package metrics holds the Prometheus collectors for the change feed, the
// indexing and query pipelines and the HTTP surface, all registered on one
// registry that is exposed at /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "notesync"

// Registry owns a private Prometheus registry and the service collectors.
type Registry struct {
	reg *prometheus.Registry

	// Change feed.
	Notifications   prometheus.Counter
	ParseFailures   prometheus.Counter
	HandlerFailures prometheus.Counter
	Reconnects      prometheus.Counter
	IdleTicks       prometheus.Counter
	ListenerState   prometheus.Gauge

	// Indexing.
	IndexEvents   *prometheus.CounterVec   // operation, status
	StageDuration *prometheus.HistogramVec // stage

	// Queries.
	Queries       *prometheus.CounterVec // status
	QueryDuration prometheus.Histogram
	BreakerState  *prometheus.GaugeVec // name

	// Dead letters.
	DeadLetters *prometheus.CounterVec // result

	// HTTP.
	HTTPRequests *prometheus.CounterVec   // method, path, status
	HTTPDuration *prometheus.HistogramVec // method, path
}

// New creates a registry with all collectors plus the Go and process collectors.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		Notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "changefeed", Name: "notifications_total",
			Help: "Notifications received on the change channel.",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "changefeed", Name: "parse_failures_total",
			Help: "Notification payloads that could not be decoded.",
		}),
		HandlerFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "changefeed", Name: "handler_failures_total",
			Help: "Change events the handler failed to process.",
		}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "changefeed", Name: "reconnects_total",
			Help: "Reconnection attempts after a lost connection.",
		}),
		IdleTicks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "changefeed", Name: "idle_ticks_total",
			Help: "Wait intervals that elapsed without a notification.",
		}),
		ListenerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "changefeed", Name: "state",
			Help: "Listener state (0 disconnected, 1 connected, 2 listening, 3 closing).",
		}),

		IndexEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "indexing", Name: "events_total",
			Help: "Change events processed by the indexing pipeline.",
		}, []string{"operation", "status"}),
		StageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "indexing", Name: "stage_duration_seconds",
			Help:    "Duration of each indexing stage.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"stage"}),

		Queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "rag", Name: "queries_total",
			Help: "Retrieval-augmented queries by outcome.",
		}, []string{"status"}),
		QueryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "rag", Name: "query_duration_seconds",
			Help:    "End-to-end query latency.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "rag", Name: "breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open).",
		}, []string{"name"}),

		DeadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "deadletter", Name: "published_total",
			Help: "Dead-letter publishes by result.",
		}, []string{"result"}),

		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status.",
		}, []string{"method", "path", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"method", "path"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.Notifications, r.ParseFailures, r.HandlerFailures, r.Reconnects, r.IdleTicks, r.ListenerState,
		r.IndexEvents, r.StageDuration,
		r.Queries, r.QueryDuration, r.BreakerState,
		r.DeadLetters,
		r.HTTPRequests, r.HTTPDuration,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler returns an HTTP handler serving the registry in the Prometheus
// text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}
