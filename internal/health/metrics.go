package health

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fleetwatch/telemetry/internal/model"
)

var (
	partitionSizeMB = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_partition_size_mb",
			Help: "Current size in MiB of each position-history partition.",
		},
		[]string{"partition"},
	)

	partitionRowCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_partition_row_count",
			Help: "Current row count of each position-history partition.",
		},
		[]string{"partition"},
	)

	partitionStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "telemetry_partition_status",
			Help: "Classified health status per partition (0=healthy, 1=warning, 2=critical).",
		},
		[]string{"partition"},
	)

	alertsFiredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "telemetry_partition_alerts_fired_total",
			Help: "Total number of alert-engine state transitions fired, by resulting severity.",
		},
		[]string{"partition", "severity"},
	)

	dbFootprintMB = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_database_footprint_mb",
			Help: "Total on-disk size in MiB of the telemetry database.",
		},
	)

	sentinelQueryLatencyMS = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "telemetry_sentinel_query_latency_milliseconds",
			Help:    "Latency of the last-24h sentinel count query used as a liveness probe.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 5000},
		},
	)

	dbConnectionUp = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "telemetry_database_connection_up",
			Help: "Whether the last connection liveness ping succeeded (1) or failed (0).",
		},
	)
)

func statusGaugeValue(s model.HealthStatus) float64 {
	switch s {
	case model.HealthWarning:
		return 1
	case model.HealthCritical:
		return 2
	default:
		return 0
	}
}

func recordPartitionGauges(name string, sizeMB float64, rows int64) {
	partitionSizeMB.WithLabelValues(name).Set(sizeMB)
	partitionRowCount.WithLabelValues(name).Set(float64(rows))
}

func recordPartitionStatus(name string, status model.HealthStatus) {
	partitionStatus.WithLabelValues(name).Set(statusGaugeValue(status))
}

func recordAlertFired(name string, severity model.HealthStatus) {
	alertsFiredTotal.WithLabelValues(name, string(severity)).Inc()
}

func recordFootprint(mb float64) {
	dbFootprintMB.Set(mb)
}

func recordSentinelLatency(ms float64) {
	sentinelQueryLatencyMS.Observe(ms)
}

func recordConnectionUp(up bool) {
	value := 0.0
	if up {
		value = 1.0
	}
	dbConnectionUp.Set(value)
}
