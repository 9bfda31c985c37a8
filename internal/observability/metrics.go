package observability

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tgrelay/internal/relay"
	"tgrelay/internal/transport"
)

const namespace = "tgrelay"

// Metrics stores Prometheus collectors for the relay and the HTTP surface.
// A nil *Metrics is a valid no-op recorder.
type Metrics struct {
	registry *prometheus.Registry

	enqueuedTotal   prometheus.Counter
	dedupedTotal    prometheus.Counter
	flushesTotal    *prometheus.CounterVec
	sentTotal       prometheus.Counter
	droppedTotal    *prometheus.CounterVec
	flushDuration   prometheus.Histogram
	pendingMessages prometheus.Gauge

	httpRequestsTotal *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		enqueuedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "enqueued_total",
			Help:      "Messages accepted into the buffer.",
		}),
		dedupedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deduped_total",
			Help:      "Messages suppressed by the dedup window.",
		}),
		flushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flushes_total",
			Help:      "Flushes by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		sentTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages delivered in accepted batches.",
		}),
		droppedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Messages dropped with a failed batch, by failure kind.",
		}, []string{"reason"}),
		flushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "flush_duration_seconds",
			Help:      "Sink call duration for non-empty flushes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		pendingMessages: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_messages",
			Help:      "Messages queued and not yet flushed.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by path and status.",
		}, []string{"path", "status"}),
	}

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.enqueuedTotal,
		m.dedupedTotal,
		m.flushesTotal,
		m.sentTotal,
		m.droppedTotal,
		m.flushDuration,
		m.pendingMessages,
		m.httpRequestsTotal,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Enqueued() {
	if m == nil {
		return
	}
	m.enqueuedTotal.Inc()
}

func (m *Metrics) Deduped() {
	if m == nil {
		return
	}
	m.dedupedTotal.Inc()
}

func (m *Metrics) Flushed(trigger string, res relay.Result, took time.Duration) {
	if m == nil {
		return
	}
	if trigger == "" {
		trigger = "unknown"
	}
	m.flushesTotal.WithLabelValues(trigger, res.Outcome.String()).Inc()
	switch res.Outcome {
	case relay.Sent:
		m.sentTotal.Add(float64(res.Count))
	case relay.Failed:
		m.droppedTotal.WithLabelValues(dropReason(res.Err)).Add(float64(res.Count))
	default:
		return
	}
	m.flushDuration.Observe(max(took.Seconds(), 0))
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingMessages.Set(float64(n))
}

// dropReason is the failure kind, with "_temporary" appended for 429/5xx and timeouts.
func dropReason(err error) string {
	kind := transport.KindOf(err).String()
	var se *transport.SinkError
	if errors.As(err, &se) && se.Temporary() {
		return kind + "_temporary"
	}
	return kind
}

// Middleware counts requests by registered path.
func (m *Metrics) Middleware(path string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		m.httpRequestsTotal.WithLabelValues(path, strconv.Itoa(sw.status)).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming handlers (pprof trace/profile) working through the wrapper.
func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
