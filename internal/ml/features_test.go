package ml

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-siem/argus/internal/store"
)

type fakeSource struct {
	metrics   []store.MetricSample
	processes []store.ProcessRecord
	commands  []store.CommandRecord
	logs      []store.LogRecord
}

func (f *fakeSource) RecentMetrics(ctx context.Context, since, until time.Time, deviceID string) ([]store.MetricSample, error) {
	return f.metrics, nil
}
func (f *fakeSource) RecentProcesses(ctx context.Context, since, until time.Time, deviceID string) ([]store.ProcessRecord, error) {
	return f.processes, nil
}
func (f *fakeSource) RecentCommands(ctx context.Context, since, until time.Time, deviceID string, _ store.CommandFilter) ([]store.CommandRecord, error) {
	return f.commands, nil
}
func (f *fakeSource) RecentLogs(ctx context.Context, since, until time.Time, deviceID string) ([]store.LogRecord, error) {
	return f.logs, nil
}

func TestExtractFeaturesSkipsWithoutMetrics(t *testing.T) {
	_, err := ExtractFeatures(context.Background(), &fakeSource{}, "dev", time.Now())
	require.ErrorIs(t, err, ErrInsufficientData)
}

func TestExtractFeatures(t *testing.T) {
	// Saturday 14:00 UTC.
	until := time.Date(2025, 6, 14, 14, 0, 0, 0, time.UTC)
	base := until.Add(-30 * time.Minute)

	src := &fakeSource{
		metrics: []store.MetricSample{
			{
				Timestamp: base,
				CPU:       store.CPUStats{Percent: 20},
				Memory:    store.MemoryStats{Percent: 40},
				Disk:      store.DiskStats{Percent: 60},
				Network:   store.NetworkStats{BytesSent: 1 << 20, BytesRecv: 2 << 20},
			},
			{
				Timestamp: base.Add(time.Minute),
				CPU:       store.CPUStats{Percent: 40},
				Memory:    store.MemoryStats{Percent: 60},
				Disk:      store.DiskStats{Percent: 60},
				Network:   store.NetworkStats{BytesSent: 3 << 20, BytesRecv: 2 << 20},
			},
		},
		processes: []store.ProcessRecord{
			{CollectedAt: base, PID: 1, Name: "init", CPUPercent: 5, MemPercent: 1},
			{CollectedAt: base, PID: 2, Name: "miner", CPUPercent: 180, MemPercent: 12},
		},
		commands: []store.CommandRecord{
			{Command: "ls -la"},
			{Command: "sudo systemctl restart nginx"},
			{Command: "  sudo cat /etc/shadow"},
		},
		logs: []store.LogRecord{
			{Severity: 6}, // info
			{Severity: 3}, // err
			{Severity: 2}, // crit
		},
	}

	v, err := ExtractFeatures(context.Background(), src, "dev", until)
	require.NoError(t, err)
	require.Len(t, v, len(FeatureNames))

	assert.Equal(t, 14.0, v[0], "hour")
	assert.Equal(t, 6.0, v[1], "day_of_week")
	assert.Equal(t, 1.0, v[2], "is_weekend")
	assert.Equal(t, 30.0, v[3], "cpu avg")
	assert.Equal(t, 50.0, v[4], "memory avg")
	assert.Equal(t, 60.0, v[5], "disk avg")
	assert.Equal(t, 2.0, v[6], "sent MB from counter delta")
	assert.Equal(t, 0.0, v[7], "recv MB")
	assert.Equal(t, 2.0, v[8], "process count")
	assert.Equal(t, 180.0, v[9], "max process cpu")
	assert.Equal(t, 12.0, v[10], "max process memory")
	assert.Equal(t, 3.0, v[11], "command count")
	assert.Equal(t, 2.0, v[12], "sudo count")
	assert.Equal(t, 3.0, v[13], "log count")
	assert.Equal(t, 2.0, v[14], "error count")
}

func TestExtractFeaturesCounterReset(t *testing.T) {
	until := time.Date(2025, 6, 16, 9, 0, 0, 0, time.UTC)
	src := &fakeSource{
		metrics: []store.MetricSample{
			{Timestamp: until.Add(-2 * time.Minute), Network: store.NetworkStats{BytesSent: 500 << 20}},
			// Reboot resets the counters; the negative delta is ignored.
			{Timestamp: until.Add(-time.Minute), Network: store.NetworkStats{BytesSent: 1 << 20}},
		},
	}
	v, err := ExtractFeatures(context.Background(), src, "dev", until)
	require.NoError(t, err)
	assert.Equal(t, 0.0, v[6])
	assert.Equal(t, 0.0, v[2], "monday is not a weekend")
}
