package rules

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/argus-siem/argus/internal/bus"
	"github.com/argus-siem/argus/internal/metrics"
	"github.com/argus-siem/argus/internal/store"
)

func fingerprintHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// incidentBucket is the time grain of the correlation key.
const incidentBucket = 5 * time.Minute

// Engine runs the correlation loop.
type Engine struct {
	backend    Backend
	bus        bus.Bus
	met        *metrics.Server
	catalog    []Rule
	thresholds Thresholds

	period         time.Duration
	dedupWindow    time.Duration
	livenessWindow time.Duration

	// In-memory dedup cache fingerprint → last emit. The store is consulted
	// as well so restarts do not double-alert.
	dedupMu sync.Mutex
	dedup   map[string]time.Time
}

// NewEngine builds the rule engine. met may be nil in tests.
func NewEngine(backend Backend, b bus.Bus, met *metrics.Server, th Thresholds,
	period, dedupWindow, livenessWindow time.Duration) *Engine {
	return &Engine{
		backend:        backend,
		bus:            b,
		met:            met,
		catalog:        Catalog(),
		thresholds:     th,
		period:         period,
		dedupWindow:    dedupWindow,
		livenessWindow: livenessWindow,
		dedup:          make(map[string]time.Time),
	}
}

// Run loops until ctx is cancelled. A tick-level failure aborts only that
// tick; the next proceeds normally.
func (e *Engine) Run(ctx context.Context) {
	slog.Info("[Rules] correlation engine started", "period", e.period)
	ticker := time.NewTicker(e.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[Rules] correlation engine stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if err := e.Tick(ctx); err != nil {
				slog.Warn("[Rules] tick aborted", "error", err)
			}
			if e.met != nil {
				e.met.TickDuration.WithLabelValues("rules").Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Tick runs one full analysis pass over all active devices.
func (e *Engine) Tick(ctx context.Context) error {
	now := time.Now().UTC()
	devices, err := e.backend.ActiveDevices(ctx, e.livenessWindow)
	if err != nil {
		return fmt.Errorf("active devices: %w", err)
	}

	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		window, err := loadWindow(ctx, e.backend, device, now, e.period, e.thresholds)
		if err != nil {
			slog.Warn("[Rules] window load failed, skipping device", "device", device.ID, "error", err)
			continue
		}
		e.evaluateDevice(ctx, window)
	}
	return nil
}

// evaluateDevice runs the catalog over one window and persists what survives
// dedup. A panicking or failing rule is logged and skipped; the remaining
// rules still run.
func (e *Engine) evaluateDevice(ctx context.Context, w *DeviceWindow) {
	for _, rule := range e.catalog {
		candidates := e.evalSafe(rule, w)
		for _, c := range candidates {
			if err := e.emit(ctx, w.Device.ID, c); err != nil {
				slog.Warn("[Rules] emit failed", "rule", c.Rule, "device", w.Device.ID, "error", err)
			}
		}
	}
}

func (e *Engine) evalSafe(rule Rule, w *DeviceWindow) (out []Candidate) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("[Rules] rule panicked, skipped", "rule", rule.Name, "panic", r)
			if e.met != nil {
				e.met.RuleErrors.WithLabelValues(rule.Name).Inc()
			}
			out = nil
		}
	}()
	return rule.Eval(w)
}

// emit deduplicates one candidate, persists it, aggregates it into an
// incident, and publishes bus events.
func (e *Engine) emit(ctx context.Context, deviceID string, c Candidate) error {
	fp := Fingerprint(c.Rule, deviceID, c.Stable)

	if e.seenRecently(ctx, fp) {
		if e.met != nil {
			e.met.DedupSuppressed.WithLabelValues(c.Rule).Inc()
		}
		return nil
	}

	alert := &store.Alert{
		RuleName:    c.Rule,
		Severity:    c.Severity,
		DeviceID:    &deviceID,
		Details:     c.Details,
		Fingerprint: fp,
	}
	if err := e.backend.InsertAlert(ctx, alert); err != nil {
		return err
	}
	e.markSeen(fp)
	if e.met != nil {
		e.met.AlertsEmitted.WithLabelValues(c.Rule, c.Severity).Inc()
	}

	incident, created, err := e.aggregate(ctx, deviceID, alert)
	if err != nil {
		slog.Warn("[Rules] incident aggregation failed", "alert", alert.ID, "error", err)
	}

	_ = e.bus.Publish(ctx, bus.NewEvent(bus.TypeNewAlert, map[string]interface{}{
		"alert_id":  alert.ID,
		"rule_name": alert.RuleName,
		"severity":  alert.Severity,
		"device_id": deviceID,
		"details":   alert.Details,
	}))
	if created && incident != nil {
		_ = e.bus.Publish(ctx, bus.NewEvent(bus.TypeNewIncident, map[string]interface{}{
			"incident_id": incident.ID,
			"title":       incident.Title,
			"severity":    incident.Severity,
		}))
	}
	return nil
}

// Submit routes an externally produced candidate through the same dedup and
// incident aggregation path as catalog rules. Used by the anomaly detector.
func (e *Engine) Submit(ctx context.Context, deviceID string, c Candidate) error {
	return e.emit(ctx, deviceID, c)
}

// seenRecently consults the in-memory cache first, then the store.
func (e *Engine) seenRecently(ctx context.Context, fp string) bool {
	e.dedupMu.Lock()
	last, ok := e.dedup[fp]
	if ok && time.Since(last) <= e.dedupWindow {
		e.dedupMu.Unlock()
		return true
	}
	// Expire stale cache entries while holding the lock.
	for k, t := range e.dedup {
		if time.Since(t) > e.dedupWindow {
			delete(e.dedup, k)
		}
	}
	e.dedupMu.Unlock()

	seen, err := e.backend.HasRecentFingerprint(ctx, fp, e.dedupWindow)
	if err != nil {
		slog.Warn("[Rules] fingerprint lookup failed, emitting anyway", "error", err)
		return false
	}
	return seen
}

func (e *Engine) markSeen(fp string) {
	e.dedupMu.Lock()
	e.dedup[fp] = time.Now()
	e.dedupMu.Unlock()
}

// CorrelationKey buckets alert creation time to five minutes per device.
func CorrelationKey(deviceID string, t time.Time) string {
	bucket := t.UTC().Truncate(incidentBucket)
	return fmt.Sprintf("%s|%d", deviceID, bucket.Unix())
}

// aggregate appends the alert to the open incident with its correlation key,
// creating one when none exists. Returns the incident and whether it was
// newly created.
func (e *Engine) aggregate(ctx context.Context, deviceID string, alert *store.Alert) (*store.Incident, bool, error) {
	key := CorrelationKey(deviceID, alert.CreatedAt)

	incident, err := e.backend.FindOpenIncident(ctx, key)
	created := false
	switch {
	case err == nil:
	case errors.Is(err, store.ErrNotFound):
		short := deviceID
		if len(short) > 8 {
			short = short[:8]
		}
		title := fmt.Sprintf("%s on device %s", alert.RuleName, short)
		incident, err = e.backend.CreateIncident(ctx, title, alert.Severity, key)
		if err != nil {
			return nil, false, err
		}
		created = true
	default:
		return nil, false, err
	}

	if err := e.backend.AttachAlert(ctx, incident.ID, alert.ID, alert.Severity); err != nil {
		return incident, created, err
	}
	return incident, created, nil
}
