package partscan

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/grafana/partscan/pkg/partscan/counters"
)

// Metrics is a container of metrics shared by every [Coordinator] of a
// process.
type Metrics struct {
	// registry to collect metrics as a unit.
	reg *prometheus.Registry

	scansActive       prometheus.Gauge
	acquireRetries    prometheus.Counter
	filterWaitsTotal  *prometheus.CounterVec
	filterWaitSeconds prometheus.Histogram

	// Stats exports finalized scan statistics.
	Stats *counters.PrometheusMetrics
}

// NewMetrics creates a new set of metrics. Call [Metrics.Register] to export
// them.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	return &Metrics{
		reg: reg,

		scansActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "partscan_scans_active",
			Help: "Number of scans that have been prepared and not yet closed",
		}),
		acquireRetries: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "partscan_table_acquire_retries_total",
			Help: "Total number of retried attempts to acquire a table handle",
		}),
		filterWaitsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "partscan_runtime_filter_waits_total",
			Help: "Total number of runtime filter waits by outcome",
		}, []string{"outcome"}),
		filterWaitSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "partscan_runtime_filter_wait_seconds",
			Help: "Number of seconds scans waited for runtime filters",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),

		Stats: counters.NewPrometheusMetrics(),
	}
}

// Register registers metrics to report to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	if err := reg.Register(m.reg); err != nil {
		return err
	}
	if err := m.Stats.Register(reg); err != nil {
		reg.Unregister(m.reg)
		return err
	}
	return nil
}

// Unregister unregisters metrics from the provided Registerer.
func (m *Metrics) Unregister(reg prometheus.Registerer) {
	reg.Unregister(m.reg)
	m.Stats.Unregister(reg)
}
