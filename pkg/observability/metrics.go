package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments.
type Metrics struct {
	registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	ScriptRunsTotal     *prometheus.CounterVec
	ScriptRunDuration   *prometheus.HistogramVec
	ScriptTimeoutsTotal *prometheus.CounterVec

	StoreOperationDuration *prometheus.HistogramVec

	EventsEmittedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the instruments on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anvil_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		ScriptRunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_script_runs_total",
				Help: "Total number of event script invocations",
			},
			[]string{"collection", "phase", "status"},
		),
		ScriptRunDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anvil_script_run_duration_seconds",
				Help:    "Event script execution time in seconds",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"collection", "phase"},
		),
		ScriptTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_script_timeouts_total",
				Help: "Event scripts killed by the execution deadline",
			},
			[]string{"collection", "phase"},
		),

		StoreOperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "anvil_store_operation_duration_seconds",
				Help:    "Storage operation duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation", "collection"},
		),

		EventsEmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "anvil_events_emitted_total",
				Help: "Realtime events emitted after committed writes",
			},
			[]string{"collection", "action"},
		),
	}

	m.registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ScriptRunsTotal,
		m.ScriptRunDuration,
		m.ScriptTimeoutsTotal,
		m.StoreOperationDuration,
		m.EventsEmittedTotal,
	)

	return m
}

// RegisterHubGauges exposes live connection and room counts. The counts
// are read lazily at scrape time.
func (m *Metrics) RegisterHubGauges(connections, rooms func() int) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "anvil_realtime_connections",
			Help: "Open WebSocket connections",
		}, func() float64 { return float64(connections()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "anvil_realtime_rooms",
			Help: "Active realtime rooms",
		}, func() float64 { return float64(rooms()) }),
	)
}

// Handler serves the registry for scraping.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// responseWriter captures the status code for metric labels.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware instruments requests. The route label uses the mux
// route template so document ids do not blow up cardinality.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(rw, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tpl, err := cur.GetPathTemplate(); err == nil {
				route = tpl
			}
		}

		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
