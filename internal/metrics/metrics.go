// Package metrics owns the Prometheus registry for the API and admin servers.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/slidegate/internal/version"
)

type ServerMetrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	inflight       prometheus.Gauge
	reqTotal       *prometheus.CounterVec
	reqDur         *prometheus.HistogramVec
	respBytes      *prometheus.HistogramVec
	errorsTotal    *prometheus.CounterVec
	httpPanicTotal prometheus.Counter
	buildInfo      *prometheus.GaugeVec

	decisionsTotal *prometheus.CounterVec
	sweptTotal     prometheus.Counter
	sweepPanics    prometheus.Counter
	trackOnce      sync.Once

	fetchAttempts *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec

	profilingActive prometheus.Gauge
}

// New returns a fresh registry with go/process collectors and the service
// metrics. Labels are bounded: route patterns, never raw paths or identities.
func New() *ServerMetrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &ServerMetrics{
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_inflight_requests",
			Help: "Current number of in-flight HTTP requests",
		}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Request latency by method and route",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		}, []string{"method", "route"}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx responses by method and route",
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered handler panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Admission decisions by result (allowed, denied)",
		}, []string{"result"}),
		sweptTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_swept_identities_total",
			Help: "Idle identities evicted by the sweeper",
		}),
		sweepPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ratelimit_sweep_panics_total",
			Help: "Sweep passes that panicked and were recovered",
		}),
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "upstream_fetch_attempts_total",
			Help: "Upstream fetch attempts by source and result (ok, retry, failed)",
		}, []string{"source", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "upstream_fetch_duration_seconds",
			Help:    "Total time per document fetch including retries",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source", "outcome"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.errorsTotal,
		m.httpPanicTotal,
		m.buildInfo,
		m.decisionsTotal,
		m.sweptTotal,
		m.sweepPanics,
		m.fetchAttempts,
		m.fetchDuration,
		m.profilingActive,
	)
	// pre-create both results so rate() works from the first scrape
	m.decisionsTotal.WithLabelValues("allowed")
	m.decisionsTotal.WithLabelValues("denied")

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

func (m *ServerMetrics) Registry() *prometheus.Registry {
	return m.reg
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi *version.Info) {
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   vi.Dirty(),
	}).Set(1)
}

func (m *ServerMetrics) ObserveDecision(allowed bool) {
	if allowed {
		m.decisionsTotal.WithLabelValues("allowed").Inc()
		return
	}
	m.decisionsTotal.WithLabelValues("denied").Inc()
}

// TrackIdentities exports count() as ratelimit_tracked_identities. Only the
// first call registers.
func (m *ServerMetrics) TrackIdentities(count func() int) {
	m.trackOnce.Do(func() {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "ratelimit_tracked_identities",
			Help: "Identities currently holding an admission log",
		}, func() float64 { return float64(count()) }))
	})
}

func (m *ServerMetrics) AddSwept(n int) {
	if n > 0 {
		m.sweptTotal.Add(float64(n))
	}
}

func (m *ServerMetrics) IncSweepPanic() {
	m.sweepPanics.Inc()
}

func (m *ServerMetrics) IncFetchAttempt(source, result string) {
	m.fetchAttempts.WithLabelValues(source, result).Inc()
}

func (m *ServerMetrics) ObserveFetch(source string, d time.Duration, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.fetchDuration.WithLabelValues(source, outcome).Observe(d.Seconds())
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}
