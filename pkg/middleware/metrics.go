package middleware

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/livecomponent/runtime/pkg/dispatch"
	"github.com/livecomponent/runtime/pkg/protocol"
)

// MetricsConfig configures the Prometheus metrics middleware.
type MetricsConfig struct {
	// Namespace is the metrics namespace (default: "livecomponent").
	Namespace string

	// Subsystem is the metrics subsystem (default: "dispatch").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for update duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to register against.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// MetricsOption configures the Prometheus metrics middleware.
type MetricsOption func(*MetricsConfig)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) MetricsOption {
	return func(c *MetricsConfig) { c.Namespace = namespace }
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) MetricsOption {
	return func(c *MetricsConfig) { c.Subsystem = subsystem }
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) MetricsOption {
	return func(c *MetricsConfig) { c.ConstLabels = labels }
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) MetricsOption {
	return func(c *MetricsConfig) { c.Buckets = buckets }
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) MetricsOption {
	return func(c *MetricsConfig) { c.Registry = registry }
}

func defaultMetricsConfig() MetricsConfig {
	return MetricsConfig{
		Namespace: "livecomponent",
		Subsystem: "dispatch",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// dispatchMetrics holds the Prometheus metrics for the dispatch middleware.
type dispatchMetrics struct {
	updatesTotal   *prometheus.CounterVec
	updateDuration *prometheus.HistogramVec
	updateErrors   *prometheus.CounterVec
}

var (
	globalMetrics     *dispatchMetrics
	globalMetricsOnce sync.Once
	globalMetricsMu   sync.Mutex
)

func initMetrics(config MetricsConfig) *dispatchMetrics {
	factory := promauto.With(config.Registry)

	return &dispatchMetrics{
		updatesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "updates_total",
			Help:        "Total updates dispatched, by update type and outcome.",
			ConstLabels: config.ConstLabels,
		}, []string{"update_type", "status"}),

		updateDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "update_duration_seconds",
			Help:        "Update dispatch duration in seconds, by update type.",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"update_type"}),

		updateErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "update_errors_total",
			Help:        "Total update dispatch failures, by update type and protocol error code.",
			ConstLabels: config.ConstLabels,
		}, []string{"update_type", "code"}),
	}
}

// Prometheus wraps a Handler with a middleware that records Prometheus
// metrics for every dispatched update.
//
// Metrics collected:
//   - livecomponent_dispatch_updates_total: counter by update type and outcome
//   - livecomponent_dispatch_update_duration_seconds: histogram by update type
//   - livecomponent_dispatch_update_errors_total: counter by update type and protocol error code
func Prometheus(opts ...MetricsOption) Middleware {
	config := defaultMetricsConfig()
	for _, opt := range opts {
		opt(&config)
	}

	globalMetricsMu.Lock()
	if globalMetrics == nil {
		globalMetrics = initMetrics(config)
	}
	m := globalMetrics
	globalMetricsMu.Unlock()

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, conn dispatch.Connection, limiter *rate.Limiter, update protocol.Update) error {
			updateType := string(update.Kind())

			start := time.Now()
			err := next.Handle(ctx, conn, limiter, update)
			m.updateDuration.WithLabelValues(updateType).Observe(time.Since(start).Seconds())

			status := "success"
			if err != nil {
				status = "error"
				m.updateErrors.WithLabelValues(updateType, errorCode(err)).Inc()
			}
			m.updatesTotal.WithLabelValues(updateType, status).Inc()

			return err
		})
	}
}

// errorCode extracts the protocol error code from err, or "unknown" if err
// did not originate from pkg/protocol.
func errorCode(err error) string {
	if perr, ok := err.(*protocol.Error); ok {
		return strings.ToLower(string(perr.Code))
	}
	return "unknown"
}
