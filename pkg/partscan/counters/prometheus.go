package counters

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusMetrics exports finalized scan statistics as Prometheus metrics.
// A single PrometheusMetrics is shared by every scan of a process; use
// [PrometheusMetrics.Reporter] to obtain a reporter for one table.
type PrometheusMetrics struct {
	// registry to collect metrics as a unit.
	reg *prometheus.Registry

	scansTotal          *prometheus.CounterVec
	roundTripsTotal     *prometheus.CounterVec
	remoteTokensTotal   *prometheus.CounterVec
	tokensTotal         *prometheus.CounterVec
	rowsReadTotal       *prometheus.CounterVec
	rowsFilteredTotal   *prometheus.CounterVec
	bytesReadTotal      *prometheus.CounterVec
	activeSecondsTotal  *prometheus.CounterVec
	scanElapsedSeconds  prometheus.Histogram
	maxTokenExecSeconds prometheus.Histogram
}

// NewPrometheusMetrics creates a new set of metrics. Call
// [PrometheusMetrics.Register] to export them.
func NewPrometheusMetrics() *PrometheusMetrics {
	reg := prometheus.NewRegistry()

	return &PrometheusMetrics{
		reg: reg,

		scansTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "partscan_scans_finalized_total",
			Help: "Total number of scans whose statistics were finalized",
		}, []string{"table"}),
		roundTripsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "partscan_remote_round_trips_total",
			Help: "Total number of requests made to remote tables",
		}, []string{"table"}),
		remoteTokensTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "partscan_remote_tokens_total",
			Help: "Total number of scan tokens whose data was not local to the scanning host",
		}, []string{"table"}),
		tokensTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "partscan_tokens_scanned_total",
			Help: "Total number of scan tokens scanned",
		}, []string{"table"}),
		rowsReadTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "partscan_rows_read_total",
			Help: "Total number of rows read from remote tables",
		}, []string{"table"}),
		rowsFilteredTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "partscan_rows_filtered_total",
			Help: "Total number of rows dropped by runtime filters",
		}, []string{"table"}),
		bytesReadTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "partscan_bytes_read_total",
			Help: "Total number of bytes read from remote tables",
		}, []string{"table"}),
		activeSecondsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "partscan_scanner_active_seconds_total",
			Help: "Total number of seconds scanner threads spent scanning tokens",
		}, []string{"table"}),

		scanElapsedSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "partscan_scan_elapsed_seconds",
			Help: "Number of seconds between a scan starting and its statistics being finalized",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
		maxTokenExecSeconds: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name: "partscan_scan_max_token_seconds",
			Help: "Number of seconds spent on the slowest token of each scan",

			NativeHistogramBucketFactor:     1.1,
			NativeHistogramMaxBucketNumber:  100,
			NativeHistogramMinResetDuration: time.Hour,
		}),
	}
}

// Register registers metrics to report to reg.
func (m *PrometheusMetrics) Register(reg prometheus.Registerer) error { return reg.Register(m.reg) }

// Unregister unregisters metrics from the provided Registerer.
func (m *PrometheusMetrics) Unregister(reg prometheus.Registerer) { reg.Unregister(m.reg) }

// Reporter returns a [Reporter] adding finalized statistics of scans over
// table to m.
func (m *PrometheusMetrics) Reporter(table string) Reporter {
	return ReporterFunc(func(s Snapshot) {
		m.scansTotal.WithLabelValues(table).Inc()
		m.roundTripsTotal.WithLabelValues(table).Add(float64(s.Get(StatRoundTrips)))
		m.remoteTokensTotal.WithLabelValues(table).Add(float64(s.Get(StatRemoteTokens)))
		m.tokensTotal.WithLabelValues(table).Add(float64(s.Get(StatTokensScanned)))
		m.rowsReadTotal.WithLabelValues(table).Add(float64(s.Get(StatRowsRead)))
		m.rowsFilteredTotal.WithLabelValues(table).Add(float64(s.Get(StatRowsFiltered)))
		m.bytesReadTotal.WithLabelValues(table).Add(float64(s.Get(StatBytesRead)))
		m.activeSecondsTotal.WithLabelValues(table).Add(time.Duration(s.Get(StatActiveDuration)).Seconds())

		if v, ok := s.Lookup(StatNodeElapsed.Name); ok {
			m.scanElapsedSeconds.Observe(time.Duration(v).Seconds())
		}
		if v, ok := s.Lookup(StatMaxTokenDuration.Name); ok {
			m.maxTokenExecSeconds.Observe(time.Duration(v).Seconds())
		}
	})
}
