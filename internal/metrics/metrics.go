package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/keithlinneman/transit-web/internal/version"
)

type ServerMetrics struct {
	reg                    *prometheus.Registry
	handler                http.Handler
	inflight               prometheus.Gauge
	reqTotal               *prometheus.CounterVec
	reqDur                 *prometheus.HistogramVec
	respBytes              *prometheus.HistogramVec
	httpPanicTotal         prometheus.Counter
	buildInfo              *prometheus.GaugeVec
	ratelimitDeniedTotal   prometheus.Counter
	ratelimitCapacityTotal prometheus.Counter

	errorsTotal   *prometheus.CounterVec
	routeOutcomes *prometheus.CounterVec

	profilingActive prometheus.Gauge

	// latency log
	slowlogWritten prometheus.Counter
	slowlogDropped prometheus.Counter
	slowlogErrors  prometheus.Counter

	// admin-triggered refresh jobs
	refreshRuns     *prometheus.CounterVec
	refreshDuration *prometheus.HistogramVec
	refreshDocs     *prometheus.GaugeVec
}

// New returns a fresh registry + standard collectors + HTTP metrics
// safe labels only (method, route, code) to avoid path/cardinality explosions
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
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),
		respBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_response_size_bytes",
			Help:    "Response size by method and route",
			Buckets: []float64{256, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
		}, []string{"method", "route"}),
		httpPanicTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_panic_total",
			Help: "Total number of recovered httpserver panics",
		}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "build_info",
			Help: "Build metadata (value is always 1)",
		}, []string{"app", "component", "version", "commit", "commit_date", "build_id", "build_date", "vcs_dirty", "go_version"}),
		ratelimitDeniedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_total",
			Help: "Total requests rejected by rate limiter",
		}),
		ratelimitCapacityTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "http_requests_rate_limited_capacity_total",
			Help: "Total number of times rate limiter capacity reached",
		}),
		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_errors_total",
			Help: "Total 5xx HTTP server errors by method and route (SLI)",
		}, []string{"method", "route"}),
		routeOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "route_table_responses_total",
			Help: "Responses by route table entry and outcome (served, no_route, failure)",
		}, []string{"entry", "outcome"}),
		profilingActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "profiling_active",
			Help: "Whether continuous profiling is active (1) or disabled/failed (0)",
		}),
		slowlogWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slowlog_entries_written_total",
			Help: "Slow request lines appended to the latency log",
		}),
		slowlogDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slowlog_entries_dropped_total",
			Help: "Slow request lines dropped because the queue was full",
		}),
		slowlogErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "slowlog_write_errors_total",
			Help: "Failed appends to the latency log",
		}),
		refreshRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "refresh_runs_total",
			Help: "Admin-triggered refresh job runs by job and result",
		}, []string{"job", "result"}),
		refreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "refresh_duration_seconds",
			Help:    "Refresh job duration by job",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}, []string{"job"}),
		refreshDocs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "refresh_documents",
			Help: "Documents written per collection by the last successful refresh",
		}, []string{"collection"}),
	}
	reg.MustRegister(
		m.inflight,
		m.reqTotal,
		m.reqDur,
		m.respBytes,
		m.httpPanicTotal,
		m.buildInfo,
		m.ratelimitDeniedTotal,
		m.ratelimitCapacityTotal,
		m.errorsTotal,
		m.routeOutcomes,
		m.profilingActive,
		m.slowlogWritten,
		m.slowlogDropped,
		m.slowlogErrors,
		m.refreshRuns,
		m.refreshDuration,
		m.refreshDocs,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

func (m *ServerMetrics) IncHttpPanic() {
	m.httpPanicTotal.Inc()
}

func (m *ServerMetrics) Handler() http.Handler {
	return m.handler
}

// set once at startup.
func (m *ServerMetrics) SetBuildInfoFromVersion(app, component string, vi version.Info) {
	dirty := "unknown"
	if vi.VCSDirty != nil {
		dirty = strconv.FormatBool(*vi.VCSDirty)
	}
	m.buildInfo.With(prometheus.Labels{
		"app":         app,
		"component":   component,
		"version":     vi.Version,
		"commit":      vi.Commit,
		"commit_date": vi.CommitDate,
		"build_id":    vi.BuildId,
		"build_date":  vi.BuildDate,
		"go_version":  vi.GoVersion,
		"vcs_dirty":   dirty,
	}).Set(1)
}

func (m *ServerMetrics) IncRateLimitDenied() {
	m.ratelimitDeniedTotal.Inc()
}

func (m *ServerMetrics) IncRateLimitCapacity() {
	m.ratelimitCapacityTotal.Inc()
}

func (m *ServerMetrics) SetProfilingActive(active bool) {
	if active {
		m.profilingActive.Set(1)
	} else {
		m.profilingActive.Set(0)
	}
}

func (m *ServerMetrics) IncSlowLogWritten() { m.slowlogWritten.Inc() }
func (m *ServerMetrics) IncSlowLogDropped() { m.slowlogDropped.Inc() }
func (m *ServerMetrics) IncSlowLogError()   { m.slowlogErrors.Inc() }

// ObserveRefresh records one job run; result is "ok" or "error"
func (m *ServerMetrics) ObserveRefresh(job, result string, seconds float64) {
	m.refreshRuns.WithLabelValues(job, result).Inc()
	m.refreshDuration.WithLabelValues(job).Observe(seconds)
}

func (m *ServerMetrics) SetRefreshDocuments(collection string, n int) {
	m.refreshDocs.WithLabelValues(collection).Set(float64(n))
}

// PoolStats reports store connection pool usage
type PoolStats interface {
	Stats() (total, idle, acquired int32)
}

// RegisterStorePool exposes pool gauges read at scrape time
func (m *ServerMetrics) RegisterStorePool(p PoolStats) {
	gauge := func(name, help string, pick func(total, idle, acquired int32) int32) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(pick(p.Stats()))
		})
	}
	m.reg.MustRegister(
		gauge("store_pool_connections", "Open store connections",
			func(t, _, _ int32) int32 { return t }),
		gauge("store_pool_idle_connections", "Idle store connections",
			func(_, i, _ int32) int32 { return i }),
		gauge("store_pool_acquired_connections", "Store connections in use",
			func(_, _, a int32) int32 { return a }),
	)
}
