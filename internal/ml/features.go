package ml

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/argus-siem/argus/internal/store"
)

// FeatureNames is the fixed 15-feature order shared with the training
// pipeline. A model whose config disagrees is rejected at load.
var FeatureNames = []string{
	"hour", "day_of_week", "is_weekend",
	"cpu_percent", "memory_percent", "disk_percent",
	"network_mb_sent", "network_mb_recv",
	"process_count", "max_process_cpu", "max_process_memory",
	"command_count", "sudo_count", "log_count", "error_count",
}

// featureWindow is the telemetry span one vector summarizes.
const featureWindow = time.Hour

// ErrInsufficientData marks a device without enough telemetry in the window
// to build a meaningful vector; the tick skips it with a metric.
var ErrInsufficientData = errors.New("ml: insufficient telemetry in window")

// TelemetrySource is the slice of the persistence layer feature extraction
// reads from.
type TelemetrySource interface {
	RecentMetrics(ctx context.Context, since, until time.Time, deviceID string) ([]store.MetricSample, error)
	RecentProcesses(ctx context.Context, since, until time.Time, deviceID string) ([]store.ProcessRecord, error)
	RecentCommands(ctx context.Context, since, until time.Time, deviceID string, f store.CommandFilter) ([]store.CommandRecord, error)
	RecentLogs(ctx context.Context, since, until time.Time, deviceID string) ([]store.LogRecord, error)
}

// ExtractFeatures builds the raw (unscaled) vector for one device over the
// hour ending at until. Metric samples are mandatory; a window without any
// returns ErrInsufficientData.
func ExtractFeatures(ctx context.Context, src TelemetrySource, deviceID string, until time.Time) ([]float64, error) {
	since := until.Add(-featureWindow)

	metricsSamples, err := src.RecentMetrics(ctx, since, until, deviceID)
	if err != nil {
		return nil, err
	}
	if len(metricsSamples) == 0 {
		return nil, ErrInsufficientData
	}
	processes, err := src.RecentProcesses(ctx, since, until, deviceID)
	if err != nil {
		return nil, err
	}
	commands, err := src.RecentCommands(ctx, since, until, deviceID, store.CommandFilter{})
	if err != nil {
		return nil, err
	}
	logs, err := src.RecentLogs(ctx, since, until, deviceID)
	if err != nil {
		return nil, err
	}

	// Calendar features from the window end.
	end := until.UTC()
	hour := float64(end.Hour())
	dow := float64(int(end.Weekday()))
	isWeekend := 0.0
	if end.Weekday() == time.Saturday || end.Weekday() == time.Sunday {
		isWeekend = 1.0
	}

	// Resource averages over the window.
	var cpuSum, memSum, diskSum float64
	for _, m := range metricsSamples {
		cpuSum += m.CPU.Percent
		memSum += m.Memory.Percent
		diskSum += m.Disk.Percent
	}
	n := float64(len(metricsSamples))

	// Network totals: sum of positive deltas of the cumulative counters.
	var sentBytes, recvBytes float64
	for i := 1; i < len(metricsSamples); i++ {
		prev, cur := metricsSamples[i-1], metricsSamples[i]
		if cur.Network.BytesSent >= prev.Network.BytesSent {
			sentBytes += float64(cur.Network.BytesSent - prev.Network.BytesSent)
		}
		if cur.Network.BytesRecv >= prev.Network.BytesRecv {
			recvBytes += float64(cur.Network.BytesRecv - prev.Network.BytesRecv)
		}
	}

	procStats := store.AggregateProcesses(processes)

	sudoCount := 0
	for _, c := range commands {
		if strings.HasPrefix(strings.TrimSpace(c.Command), "sudo ") {
			sudoCount++
		}
	}

	errorCount := 0
	for _, l := range logs {
		if l.Severity <= 3 { // syslog err and worse
			errorCount++
		}
	}

	return []float64{
		hour, dow, isWeekend,
		cpuSum / n, memSum / n, diskSum / n,
		sentBytes / 1024 / 1024, recvBytes / 1024 / 1024,
		float64(procStats.MaxProcessCount),
		procStats.MaxCPUPercent,
		procStats.MaxMemPercent,
		float64(len(commands)),
		float64(sudoCount),
		float64(len(logs)),
		float64(errorCount),
	}, nil
}
