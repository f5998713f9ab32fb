package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCountersIncrement(t *testing.T) {
	r := New()
	r.Notifications.Inc()
	r.Notifications.Inc()
	r.IndexEvents.WithLabelValues("INSERT", "success").Inc()

	if got := testutil.ToFloat64(r.Notifications); got != 2 {
		t.Fatalf("notifications = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.IndexEvents.WithLabelValues("INSERT", "success")); got != 1 {
		t.Fatalf("index events = %v, want 1", got)
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.Reconnects.Inc()
	if got := testutil.ToFloat64(b.Reconnects); got != 0 {
		t.Fatalf("registries share state: %v", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	r := New()
	r.ParseFailures.Inc()
	r.ListenerState.Set(2)
	r.QueryDuration.Observe(0.3)

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		"notesync_changefeed_parse_failures_total 1",
		"notesync_changefeed_state 2",
		"notesync_rag_query_duration_seconds_count 1",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("missing %q in exposition", want)
		}
	}
}
