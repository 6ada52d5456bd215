package monitor

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"battle-sync/internal/domain"
)

type Metrics struct {
	Refreshes       *prometheus.CounterVec
	RefreshFailures *prometheus.CounterVec
	RefreshDropped  *prometheus.CounterVec
	RefreshLatency  *prometheus.HistogramVec
	RealtimeEvents  *prometheus.CounterVec
	Transitions     *prometheus.CounterVec
	VisibleBattles  prometheus.Gauge
	ActiveWatchers  prometheus.Gauge
	HTTPRequests    *prometheus.CounterVec
	HTTPLatency     *prometheus.HistogramVec
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		Refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refreshes_total",
			Help:      "Completed refreshes by scope and whether the view changed",
		}, []string{"scope", "changed"}),
		RefreshFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_failures_total",
			Help:      "Failed refreshes by scope",
		}, []string{"scope"}),
		RefreshDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refresh_dropped_total",
			Help:      "Refresh completions dropped because a newer one was applied",
		}, []string{"scope"}),
		RefreshLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "refresh_latency_seconds",
			Help:      "Refresh fetch latency",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
		}, []string{"scope"}),
		RealtimeEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "realtime_events_total",
			Help:      "Realtime change notifications received by table",
		}, []string{"table"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "battle_transitions_total",
			Help:      "Battle status transitions delivered",
		}, []string{"kind"}),
		VisibleBattles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "visible_battles",
			Help:      "Number of battles in the reconciled list",
		}),
		ActiveWatchers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_watchers",
			Help:      "Number of open battle event streams",
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		HTTPLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) all() []prometheus.Collector {
	return []prometheus.Collector{
		m.Refreshes,
		m.RefreshFailures,
		m.RefreshDropped,
		m.RefreshLatency,
		m.RealtimeEvents,
		m.Transitions,
		m.VisibleBattles,
		m.ActiveWatchers,
		m.HTTPRequests,
		m.HTTPLatency,
	}
}

// Monitor records reconciler and HTTP metrics into its own registry
type Monitor struct {
	metrics  *Metrics
	registry *prometheus.Registry
}

func NewMonitor(namespace string) (*Monitor, error) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(namespace)

	for _, c := range append(metrics.all(),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	) {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return &Monitor{metrics: metrics, registry: registry}, nil
}

// Handler serves the registry in the Prometheus exposition format
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Monitor) RefreshSucceeded(scope string, duration time.Duration, changed bool) {
	m.metrics.Refreshes.WithLabelValues(scope, strconv.FormatBool(changed)).Inc()
	m.metrics.RefreshLatency.WithLabelValues(scope).Observe(duration.Seconds())
}

func (m *Monitor) RefreshFailed(scope string) {
	m.metrics.RefreshFailures.WithLabelValues(scope).Inc()
}

func (m *Monitor) RefreshDropped(scope string) {
	m.metrics.RefreshDropped.WithLabelValues(scope).Inc()
}

func (m *Monitor) RealtimeEvent(table string) {
	m.metrics.RealtimeEvents.WithLabelValues(table).Inc()
}

func (m *Monitor) Transition(kind domain.Transition) {
	m.metrics.Transitions.WithLabelValues(string(kind)).Inc()
}

func (m *Monitor) VisibleBattles(count int) {
	m.metrics.VisibleBattles.Set(float64(count))
}

func (m *Monitor) WatcherOpened() {
	m.metrics.ActiveWatchers.Inc()
}

func (m *Monitor) WatcherClosed() {
	m.metrics.ActiveWatchers.Dec()
}

// Middleware records request count and latency labelled by the matched chi route pattern
func (m *Monitor) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.metrics.HTTPRequests.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.metrics.HTTPLatency.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}
