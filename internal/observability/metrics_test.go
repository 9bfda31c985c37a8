package observability

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"tgrelay/internal/relay"
	"tgrelay/internal/transport"
)

func TestMetricsRelayCollectors(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	m.Enqueued()
	m.Enqueued()
	m.Deduped()
	m.Flushed("threshold", relay.Result{Outcome: relay.Sent, Count: 20}, 80*time.Millisecond)
	m.Flushed("manual", relay.Result{Outcome: relay.NoOp}, 0)
	m.Flushed("schedule", relay.Result{Outcome: relay.Failed, Count: 3, Err: transport.Rejected(400, "400 Bad Request", "")}, time.Millisecond)
	m.Flushed("schedule", relay.Result{Outcome: relay.Failed, Count: 2, Err: transport.Rejected(503, "503 Service Unavailable", "")}, time.Millisecond)
	m.Flushed("manual", relay.Result{Outcome: relay.Failed, Count: 1, Err: errors.New("plain")}, time.Millisecond)
	m.SetPending(7)

	if got := testutil.ToFloat64(m.enqueuedTotal); got != 2 {
		t.Fatalf("enqueued_total = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.dedupedTotal); got != 1 {
		t.Fatalf("deduped_total = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.sentTotal); got != 20 {
		t.Fatalf("messages_sent_total = %v, want 20", got)
	}
	if got := testutil.ToFloat64(m.flushesTotal.WithLabelValues("manual", "noop")); got != 1 {
		t.Fatalf("flushes_total{manual,noop} = %v, want 1", got)
	}
	for reason, want := range map[string]float64{"rejected": 3, "rejected_temporary": 2, "unknown": 1} {
		if got := testutil.ToFloat64(m.droppedTotal.WithLabelValues(reason)); got != want {
			t.Fatalf("messages_dropped_total{%s} = %v, want %v", reason, got, want)
		}
	}
	if got := testutil.ToFloat64(m.pendingMessages); got != 7 {
		t.Fatalf("pending_messages = %v, want 7", got)
	}
}

func TestMetricsHandlerAndMiddleware(t *testing.T) {
	t.Parallel()

	m := NewMetrics()
	h := m.Middleware("/healthz", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if got := testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("/healthz", "418")); got != 1 {
		t.Fatalf("http_requests_total = %v, want 1", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tgrelay_http_requests_total") {
		t.Fatalf("metrics output missing relay collectors:\n%s", rec.Body.String())
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Enqueued()
	m.Flushed("manual", relay.Result{Outcome: relay.Sent, Count: 1}, 0)
	m.SetPending(1)
	if m.Middleware("/x", http.NotFoundHandler()) == nil {
		t.Fatal("nil Metrics middleware returned nil handler")
	}
}
