package monitoring

import "github.com/prometheus/client_golang/prometheus"

// Metrics bundles every counter/gauge the gateway registers. They are
// not served over HTTP.
type Metrics struct {
	SubscriberCount   prometheus.Gauge
	BroadcastTotal    *prometheus.CounterVec
	SourceStatus      *prometheus.GaugeVec
	DecodeErrorsTotal *prometheus.CounterVec
	ProjectionCache   *prometheus.CounterVec
	SnapshotVersion   prometheus.Gauge
}

// NewMetrics constructs and registers every gateway metric against reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SubscriberCount: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "racecaster",
			Subsystem: "hub",
			Name:      "subscribers",
			Help:      "Current number of connected push-channel subscribers.",
		}),
		BroadcastTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "racecaster",
			Subsystem: "hub",
			Name:      "broadcasts_total",
			Help:      "Envelopes broadcast, labeled by message type.",
		}, []string{"type"}),
		SourceStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "racecaster",
			Subsystem: "source",
			Name:      "status",
			Help:      "1 if the named source is connected, else 0.",
		}, []string{"source"}),
		DecodeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "racecaster",
			Subsystem: "decoder",
			Name:      "errors_total",
			Help:      "Decode failures, labeled by cause.",
		}, []string{"cause"}),
		ProjectionCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "racecaster",
			Subsystem: "xmldb",
			Name:      "cache_total",
			Help:      "Projection cache hits/misses.",
		}, []string{"result"}),
		SnapshotVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "racecaster",
			Subsystem: "aggregator",
			Name:      "snapshot_version",
			Help:      "Current monotonic snapshot version.",
		}),
	}

	reg.MustRegister(
		m.SubscriberCount,
		m.BroadcastTotal,
		m.SourceStatus,
		m.DecodeErrorsTotal,
		m.ProjectionCache,
		m.SnapshotVersion,
	)
	return m
}
