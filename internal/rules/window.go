// Package rules is the correlation engine: a periodic loop that scans recent
// telemetry windows per active device, evaluates the detection rule catalog,
// deduplicates candidate alerts by fingerprint, and groups related alerts
// into incidents.
package rules

import (
	"context"
	"time"

	"github.com/argus-siem/argus/internal/store"
)

// Backend is the slice of the persistence layer the engine consumes.
// *store.Store satisfies it; tests substitute fakes.
type Backend interface {
	ActiveDevices(ctx context.Context, window time.Duration) ([]store.Device, error)
	RecentLogs(ctx context.Context, since, until time.Time, deviceID string) ([]store.LogRecord, error)
	RecentMetrics(ctx context.Context, since, until time.Time, deviceID string) ([]store.MetricSample, error)
	RecentProcesses(ctx context.Context, since, until time.Time, deviceID string) ([]store.ProcessRecord, error)
	RecentCommands(ctx context.Context, since, until time.Time, deviceID string, f store.CommandFilter) ([]store.CommandRecord, error)
	HasRecentFingerprint(ctx context.Context, fingerprint string, window time.Duration) (bool, error)
	InsertAlert(ctx context.Context, a *store.Alert) error
	FindOpenIncident(ctx context.Context, correlationKey string) (*store.Incident, error)
	CreateIncident(ctx context.Context, title, severity, correlationKey string) (*store.Incident, error)
	AttachAlert(ctx context.Context, incidentID, alertID int64, severity string) error
}

// Metrics and processes look back five minutes to smooth the sampling
// cadence. Logs share that lookback: the ssh brute-force rule counts
// failures over five minutes, and a window as short as one analysis period
// would miss sequences that straddle a tick boundary. Fingerprint dedup
// keeps the overlapping ticks from double-alerting. Commands look back one
// analysis period so each tick sees exactly the events that arrived since
// the last one.
const (
	metricWindow = 5 * time.Minute
	logWindow    = 5 * time.Minute
)

// DeviceWindow is the bounded slice of telemetry one rule evaluation sees.
type DeviceWindow struct {
	Device         store.Device
	Now            time.Time
	Logs           []store.LogRecord
	Commands       []store.CommandRecord
	Metrics        []store.MetricSample
	ProcessRecords []store.ProcessRecord
	Processes      *store.ProcessWindowStats
	Thresholds     Thresholds
}

// loadWindow gathers the telemetry for one device.
func loadWindow(ctx context.Context, b Backend, device store.Device, now time.Time, eventWindow time.Duration, th Thresholds) (*DeviceWindow, error) {
	w := &DeviceWindow{Device: device, Now: now, Thresholds: th}

	var err error
	if w.Logs, err = b.RecentLogs(ctx, now.Add(-logWindow), now, device.ID); err != nil {
		return nil, err
	}
	if w.Commands, err = b.RecentCommands(ctx, now.Add(-eventWindow), now, device.ID, store.CommandFilter{}); err != nil {
		return nil, err
	}
	if w.Metrics, err = b.RecentMetrics(ctx, now.Add(-metricWindow), now, device.ID); err != nil {
		return nil, err
	}
	if w.ProcessRecords, err = b.RecentProcesses(ctx, now.Add(-metricWindow), now, device.ID); err != nil {
		return nil, err
	}
	w.Processes = store.AggregateProcesses(w.ProcessRecords)
	return w, nil
}
