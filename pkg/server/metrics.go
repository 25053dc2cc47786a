package server

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsConfig configures the Prometheus metrics registered by NewMetrics.
type MetricsConfig struct {
	// Namespace is the metrics namespace. Default: "livecomponent".
	Namespace string

	// Registry is the Prometheus registerer to register metrics against.
	// Default: prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

func (c MetricsConfig) withDefaults() MetricsConfig {
	if c.Namespace == "" {
		c.Namespace = "livecomponent"
	}
	if c.Registry == nil {
		c.Registry = prometheus.DefaultRegisterer
	}
	return c
}

// Metrics holds the Prometheus instruments the server updates as
// connections and component method calls flow through it.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	InstancesActive   prometheus.Gauge

	FramesReceived prometheus.Counter
	FramesSent     prometheus.Counter

	MethodCallDuration *prometheus.HistogramVec
	MethodCallErrors   *prometheus.CounterVec

	UploadBytesTotal prometheus.Counter
	UploadsFailed    prometheus.Counter

	BackpressureCloses prometheus.Counter
}

var (
	globalMetrics     *Metrics
	globalMetricsOnce sync.Once
	globalMetricsMu   sync.Mutex
)

// NewMetrics registers and returns a fresh set of instruments. Most callers
// should use GlobalMetrics instead, unless running more than one server in
// the same process against isolated registries (as tests do).
func NewMetrics(cfg MetricsConfig) *Metrics {
	cfg = cfg.withDefaults()
	factory := promauto.With(cfg.Registry)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "connections_active",
			Help:      "Number of currently registered WebSocket connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "connections_total",
			Help:      "Total WebSocket connections accepted.",
		}),
		InstancesActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "instances_active",
			Help:      "Number of currently mounted component instances.",
		}),
		FramesReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "frames_received_total",
			Help:      "Total inbound WebSocket frames decoded.",
		}),
		FramesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "frames_sent_total",
			Help:      "Total outbound WebSocket frames queued for writing.",
		}),
		MethodCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "method_call_duration_seconds",
			Help:      "callMethod handler duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"component", "method"}),
		MethodCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "method_call_errors_total",
			Help:      "callMethod failures by protocol error code.",
		}, []string{"code"}),
		UploadBytesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "upload_bytes_total",
			Help:      "Total bytes accepted across all finalized uploads.",
		}),
		UploadsFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "uploads_failed_total",
			Help:      "Total uploads that ended in failed or aborted.",
		}),
		BackpressureCloses: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "backpressure_closes_total",
			Help:      "Total connections closed for exceeding their send queue budget.",
		}),
	}
}

// GlobalMetrics returns the process-wide Metrics singleton, registered
// against prometheus.DefaultRegisterer on first use.
func GlobalMetrics() *Metrics {
	globalMetricsMu.Lock()
	defer globalMetricsMu.Unlock()
	globalMetricsOnce.Do(func() {
		globalMetrics = NewMetrics(MetricsConfig{})
	})
	return globalMetrics
}

// ObserveMethodCall records one callMethod invocation's duration.
func (m *Metrics) ObserveMethodCall(component, method string, start time.Time) {
	if m == nil {
		return
	}
	m.MethodCallDuration.WithLabelValues(component, method).Observe(time.Since(start).Seconds())
}

// ObserveMethodCallError records one callMethod invocation's failure by
// protocol error code.
func (m *Metrics) ObserveMethodCallError(code string) {
	if m == nil {
		return
	}
	m.MethodCallErrors.WithLabelValues(code).Inc()
}

// AddUploadBytes implements upload.MetricsSink.
func (m *Metrics) AddUploadBytes(n int64) {
	if m == nil {
		return
	}
	m.UploadBytesTotal.Add(float64(n))
}

// IncUploadFailed implements upload.MetricsSink.
func (m *Metrics) IncUploadFailed() {
	if m == nil {
		return
	}
	m.UploadsFailed.Inc()
}
