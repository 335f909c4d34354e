package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Path      string `yaml:"path" mapstructure:"path"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
}

type MetricsManager struct {
	config   MetricsConfig
	registry *prometheus.Registry

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	entityOperations        *prometheus.CounterVec
	entityOperationDuration *prometheus.HistogramVec

	eventsConsumed *prometheus.CounterVec
	eventsDropped  prometheus.Counter

	temporalQueries       *prometheus.CounterVec
	temporalQueryDuration *prometheus.HistogramVec
	instancesAppended     prometheus.Counter
}

func NewMetricsManager(config MetricsConfig) *MetricsManager {
	if !config.Enabled {
		return &MetricsManager{config: config}
	}

	registry := prometheus.NewRegistry()

	namespace := config.Namespace
	if namespace == "" {
		namespace = "contextd"
	}

	mm := &MetricsManager{
		config:   config,
		registry: registry,
	}

	mm.httpRequestsTotal = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status_code"},
	)

	mm.httpRequestDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	mm.entityOperations = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "entity",
			Name:      "operations_total",
			Help:      "Total number of entity operations",
		},
		[]string{"operation", "status"},
	)

	mm.entityOperationDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "entity",
			Name:      "operation_duration_seconds",
			Help:      "Entity operation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	mm.eventsConsumed = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_consumed_total",
			Help:      "Total number of entity change events consumed",
		},
		[]string{"operation_type", "status"},
	)

	mm.eventsDropped = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "events_dropped_total",
			Help:      "Total number of malformed events dropped",
		},
	)

	mm.temporalQueries = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "temporal",
			Name:      "queries_total",
			Help:      "Total number of temporal queries",
		},
		[]string{"timerel", "aggregated"},
	)

	mm.temporalQueryDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "temporal",
			Name:      "query_duration_seconds",
			Help:      "Temporal query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"timerel"},
	)

	mm.instancesAppended = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "temporal",
			Name:      "instances_appended_total",
			Help:      "Total number of attribute instances appended",
		},
	)

	return mm
}

func (mm *MetricsManager) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if mm.registry == nil {
		return
	}
	mm.httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	mm.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func (mm *MetricsManager) RecordEntityOperation(operation, status string, duration time.Duration) {
	if mm.registry == nil {
		return
	}
	mm.entityOperations.WithLabelValues(operation, status).Inc()
	mm.entityOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func (mm *MetricsManager) RecordEventConsumed(operationType, status string) {
	if mm.registry == nil {
		return
	}
	mm.eventsConsumed.WithLabelValues(operationType, status).Inc()
}

func (mm *MetricsManager) RecordEventDropped() {
	if mm.registry == nil {
		return
	}
	mm.eventsDropped.Inc()
}

func (mm *MetricsManager) RecordTemporalQuery(timerel string, aggregated bool, duration time.Duration) {
	if mm.registry == nil {
		return
	}
	mm.temporalQueries.WithLabelValues(timerel, strconv.FormatBool(aggregated)).Inc()
	mm.temporalQueryDuration.WithLabelValues(timerel).Observe(duration.Seconds())
}

func (mm *MetricsManager) RecordInstanceAppended() {
	if mm.registry == nil {
		return
	}
	mm.instancesAppended.Inc()
}

// Handler exposes the metrics registry for the /metrics route.
func (mm *MetricsManager) Handler() http.Handler {
	if mm.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(mm.registry, promhttp.HandlerOpts{})
}

// MetricsMiddleware records request counters and latency per route pattern.
func (mm *MetricsManager) MetricsMiddleware() func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if mm.registry == nil {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			wrapped := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)
			mm.RecordHTTPRequest(r.Method, r.URL.Path, wrapped.statusCode, time.Since(start))
		})
	}
}
