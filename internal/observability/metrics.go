package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the pipeline's own Prometheus instrumentation. These are
// self-metrics about the pipeline process, not the product metrics it stores.
type Metrics struct {
	EventsEmitted   prometheus.Counter
	EventsDropped   prometheus.Counter
	EventsProcessed prometheus.Counter
	BatchesFlushed  prometheus.Counter
	FlushDuration   prometheus.Histogram
	QueueDepth      prometheus.Gauge
	StoreErrors     *prometheus.CounterVec
	RollupsTotal    prometheus.Counter
	RollupErrors    prometheus.Counter
}

// NewMetrics creates and registers all pipeline self-metrics.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		EventsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metricsd_events_emitted_total",
			Help: "Total number of events accepted into the queue",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metricsd_events_dropped_total",
			Help: "Total number of events dropped because the queue was full",
		}),
		EventsProcessed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metricsd_events_processed_total",
			Help: "Total number of events handed to the collector",
		}),
		BatchesFlushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metricsd_batches_flushed_total",
			Help: "Total number of batch flushes",
		}),
		FlushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "metricsd_flush_duration_seconds",
			Help:    "Batch flush duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "metricsd_queue_depth",
			Help: "Current number of events waiting in the queue",
		}),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "metricsd_store_errors_total",
				Help: "Total number of store operation failures",
			},
			[]string{"operation"},
		),
		RollupsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metricsd_rollups_total",
			Help: "Total number of daily rollup cycles",
		}),
		RollupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "metricsd_rollup_errors_total",
			Help: "Total number of failed daily rollup cycles",
		}),
	}

	registry.MustRegister(
		m.EventsEmitted,
		m.EventsDropped,
		m.EventsProcessed,
		m.BatchesFlushed,
		m.FlushDuration,
		m.QueueDepth,
		m.StoreErrors,
		m.RollupsTotal,
		m.RollupErrors,
	)

	return m
}
