package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "presencebot"

// Metrics holds every collector the bot exports. A nil *Metrics is valid
// and records nothing, which keeps tests free of registry setup.
type Metrics struct {
	registry *prometheus.Registry

	pollCycles      *prometheus.CounterVec
	pollDuration    prometheus.Histogram
	accountChecks   *prometheus.CounterVec
	transitions     prometheus.Counter
	tokenRefreshes  *prometheus.CounterVec
	deliveries      *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestTotal    *prometheus.CounterVec
}

// New constructs and registers the collectors on a private registry.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pollCycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycles_total",
			Help:      "Poll cycle firings by result (started, skipped).",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed poll cycles.",
			Buckets:   prometheus.DefBuckets,
		}),
		accountChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "poller",
			Name:      "account_checks_total",
			Help:      "Per-account poll outcomes.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "transitions_total",
			Help:      "Material transitions detected.",
		}),
		tokenRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "token_refreshes_total",
			Help:      "Access token refresh attempts by result.",
		}, []string{"result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notifier",
			Name:      "deliveries_total",
			Help:      "Per-subscriber notification deliveries by result.",
		}, []string{"result"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Latency distribution for inbound HTTP requests.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of inbound HTTP requests.",
		}, []string{"method", "path", "status"}),
	}

	for _, c := range []prometheus.Collector{
		m.pollCycles, m.pollDuration, m.accountChecks, m.transitions,
		m.tokenRefreshes, m.deliveries, m.requestDuration, m.requestTotal,
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) CycleStarted() {
	if m != nil {
		m.pollCycles.WithLabelValues("started").Inc()
	}
}

func (m *Metrics) CycleSkipped() {
	if m != nil {
		m.pollCycles.WithLabelValues("skipped").Inc()
	}
}

func (m *Metrics) CycleFinished(d time.Duration) {
	if m != nil {
		m.pollDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) AccountChecked(outcome string) {
	if m != nil {
		m.accountChecks.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Transition() {
	if m != nil {
		m.transitions.Inc()
	}
}

func (m *Metrics) TokenRefreshed(result string) {
	if m != nil {
		m.tokenRefreshes.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) Delivered(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.deliveries.WithLabelValues("sent").Inc()
		return
	}
	m.deliveries.WithLabelValues("failed").Inc()
}

// InstrumentHandler wraps the provided handler to record HTTP metrics.
func (m *Metrics) InstrumentHandler(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(rw, r)

		status := strconv.Itoa(rw.status)
		m.requestTotal.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		m.requestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
