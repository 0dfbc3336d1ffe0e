// Package metrics holds the Prometheus instrumentation for both binaries.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Server aggregates all server-side metrics.
type Server struct {
	// Ingestion
	IngestBatches  *prometheus.CounterVec // labels: data_type, result
	IngestRecords  *prometheus.CounterVec // labels: data_type
	IngestDuration *prometheus.HistogramVec
	ClockSkew      prometheus.Histogram

	// Bus
	BusPublished *prometheus.CounterVec // labels: type
	BusDropped   prometheus.Counter

	// Analysis
	AlertsEmitted   *prometheus.CounterVec // labels: rule, severity
	DedupSuppressed *prometheus.CounterVec // labels: rule
	DedupRaces      prometheus.Counter
	RuleErrors      *prometheus.CounterVec // labels: rule
	TickDuration    *prometheus.HistogramVec

	// ML
	MLScores        prometheus.Histogram
	MLSkippedSparse prometheus.Counter
	MLErrors        prometheus.Counter

	// Liveness & retention
	DevicesOnline    prometheus.Gauge
	OfflineFlips     prometheus.Counter
	RetentionDropped *prometheus.CounterVec // labels: table
}

// NewServer registers and returns the server metric set.
func NewServer() *Server {
	return &Server{
		IngestBatches: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_ingest_batches_total",
			Help: "Ingest batches processed, by telemetry kind and outcome",
		}, []string{"data_type", "result"}),
		IngestRecords: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_ingest_records_total",
			Help: "Telemetry records persisted",
		}, []string{"data_type"}),
		IngestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "argus_ingest_duration_seconds",
			Help:    "End-to-end ingest handler latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"data_type"}),
		ClockSkew: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "argus_ingest_clock_skew_seconds",
			Help:    "Absolute skew between record timestamps and server clock",
			Buckets: []float64{1, 5, 30, 60, 300, 900, 3600, 86400},
		}),
		BusPublished: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_bus_published_total",
			Help: "Events published to the real-time bus",
		}, []string{"type"}),
		BusDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: "argus_bus_dropped_total",
			Help: "Events dropped because a subscriber queue was full",
		}),
		AlertsEmitted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_alerts_emitted_total",
			Help: "Alerts emitted by the analysis loops",
		}, []string{"rule", "severity"}),
		DedupSuppressed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_alerts_deduplicated_total",
			Help: "Candidate alerts suppressed by fingerprint dedup",
		}, []string{"rule"}),
		DedupRaces: promauto.NewCounter(prometheus.CounterOpts{
			Name: "argus_dedup_races_total",
			Help: "Duplicate alerts inserted by a concurrent writer and cleaned up",
		}),
		RuleErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_rule_errors_total",
			Help: "Rule evaluations that errored and were skipped",
		}, []string{"rule"}),
		TickDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "argus_analysis_tick_seconds",
			Help:    "Analysis loop tick duration",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"loop"}),
		MLScores: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "argus_ml_scores",
			Help:    "Isolation-forest sample scores",
			Buckets: []float64{-0.8, -0.7, -0.6, -0.5, -0.4, -0.3, -0.2, -0.1, 0},
		}),
		MLSkippedSparse: promauto.NewCounter(prometheus.CounterOpts{
			Name: "argus_ml_skipped_sparse_total",
			Help: "Devices skipped by the ML tick for insufficient data",
		}),
		MLErrors: promauto.NewCounter(prometheus.CounterOpts{
			Name: "argus_ml_errors_total",
			Help: "Per-device scoring failures",
		}),
		DevicesOnline: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "argus_devices_online",
			Help: "Devices currently marked online",
		}),
		OfflineFlips: promauto.NewCounter(prometheus.CounterOpts{
			Name: "argus_liveness_offline_flips_total",
			Help: "Devices flipped offline by the liveness sweep",
		}),
		RetentionDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_retention_dropped_total",
			Help: "Partitions or rows removed by the retention janitor",
		}, []string{"table"}),
	}
}

// Agent aggregates all agent-side metrics.
type Agent struct {
	RecordsCollected *prometheus.CounterVec // labels: kind
	SpoolBytes       *prometheus.GaugeVec   // labels: kind
	SpoolDropped     *prometheus.CounterVec // labels: kind
	BatchesSent      *prometheus.CounterVec // labels: kind, result
	ForwardRetries   *prometheus.CounterVec // labels: kind
	PressureActive   prometheus.Gauge
}

// NewAgent registers and returns the agent metric set.
func NewAgent() *Agent {
	return &Agent{
		RecordsCollected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_agent_records_collected_total",
			Help: "Records produced by collectors",
		}, []string{"kind"}),
		SpoolBytes: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "argus_agent_spool_bytes",
			Help: "Bytes currently buffered on disk per telemetry kind",
		}, []string{"kind"}),
		SpoolDropped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_agent_spool_dropped_total",
			Help: "Spool segments dropped after exceeding the retention cap",
		}, []string{"kind"}),
		BatchesSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_agent_batches_sent_total",
			Help: "Forwarded batches by kind and outcome",
		}, []string{"kind", "result"}),
		ForwardRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "argus_agent_forward_retries_total",
			Help: "Batch submissions retried after a transient failure",
		}, []string{"kind"}),
		PressureActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "argus_agent_pressure_active",
			Help: "1 while collectors run at reduced frequency due to spool pressure",
		}),
	}
}
