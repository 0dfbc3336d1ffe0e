package ml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"github.com/argus-siem/argus/internal/metrics"
	"github.com/argus-siem/argus/internal/rules"
	"github.com/argus-siem/argus/internal/store"
)

// RuleName is the rule label carried by anomaly alerts, shared with the
// catalog's namespace so dashboards filter both the same way.
const RuleName = "ml_anomaly"

// contributionLimit caps how many features an alert explains.
const contributionLimit = 5

// Backend is what the detector needs from the persistence layer.
type Backend interface {
	TelemetrySource
	ActiveDevices(ctx context.Context, window time.Duration) ([]store.Device, error)
}

// Bands holds the score cutoffs. Scores are negative; a lower score is more
// anomalous. A score at or above Low produces no alert.
type Bands struct {
	High   float64
	Medium float64
	Low    float64
}

// Severity maps a score to an alert severity, or "" when the score is
// within normal range.
func (b Bands) Severity(score float64) string {
	switch {
	case score < b.High:
		return store.SeverityHigh
	case score < b.Medium:
		return store.SeverityMedium
	case score < b.Low:
		return store.SeverityLow
	default:
		return ""
	}
}

// Contribution explains one feature's share of an anomalous score.
type Contribution struct {
	Feature      string  `json:"feature"`
	Contribution float64 `json:"contribution"`
	Value        float64 `json:"value"`
	Baseline     float64 `json:"baseline"`
}

// Status is the detector's health view served by the API.
type Status struct {
	Enabled      bool       `json:"enabled"`
	ModelHash    string     `json:"model_hash,omitempty"`
	TrainedAt    *time.Time `json:"trained_at,omitempty"`
	NEstimators  int        `json:"n_estimators,omitempty"`
	FeatureCount int        `json:"feature_count,omitempty"`
	LastRun      *time.Time `json:"last_run,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

// Detector runs the anomaly loop. It stays constructed even when no model
// artifacts exist; Enabled flips true on a successful load or Reload.
type Detector struct {
	backend Backend
	engine  *rules.Engine
	met     *metrics.Server

	modelDir       string
	period         time.Duration
	bands          Bands
	livenessWindow time.Duration

	artifacts atomic.Pointer[Artifacts]
	lastRun   atomic.Pointer[time.Time]
	lastErr   atomic.Pointer[string]
}

// NewDetector builds the detector and attempts an initial model load. A
// missing model directory is not an error: the detector runs disabled and
// reports that through Status.
func NewDetector(backend Backend, engine *rules.Engine, met *metrics.Server,
	modelDir string, period time.Duration, bands Bands, livenessWindow time.Duration) *Detector {
	d := &Detector{
		backend:        backend,
		engine:         engine,
		met:            met,
		modelDir:       modelDir,
		period:         period,
		bands:          bands,
		livenessWindow: livenessWindow,
	}
	if err := d.Reload(); err != nil {
		slog.Warn("[ML] model unavailable, anomaly detection disabled", "dir", modelDir, "error", err)
	}
	return d
}

// Reload re-reads the artifact set from disk and swaps it in atomically.
// In-flight ticks finish on the generation they started with.
func (d *Detector) Reload() error {
	a, err := LoadArtifacts(d.modelDir)
	if err != nil {
		msg := err.Error()
		d.lastErr.Store(&msg)
		return err
	}
	d.artifacts.Store(a)
	d.lastErr.Store(nil)
	slog.Info("[ML] model loaded", "hash", a.Hash[:12], "trained_at", a.Config.TrainedAt, "trees", len(a.Forest.Trees))
	return nil
}

// Enabled reports whether a valid model is loaded.
func (d *Detector) Enabled() bool {
	return d.artifacts.Load() != nil
}

// Status returns the health view for the API.
func (d *Detector) Status() Status {
	s := Status{Enabled: false}
	if a := d.artifacts.Load(); a != nil {
		s.Enabled = true
		s.ModelHash = a.Hash
		t := a.Config.TrainedAt
		s.TrainedAt = &t
		s.NEstimators = len(a.Forest.Trees)
		s.FeatureCount = a.Forest.NumFeatures
	}
	s.LastRun = d.lastRun.Load()
	if e := d.lastErr.Load(); e != nil {
		s.LastError = *e
	}
	return s
}

// Run loops until ctx is cancelled. Disabled ticks are free.
func (d *Detector) Run(ctx context.Context) {
	slog.Info("[ML] anomaly detector started", "period", d.period, "enabled", d.Enabled())
	ticker := time.NewTicker(d.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("[ML] anomaly detector stopped")
			return
		case <-ticker.C:
			start := time.Now()
			if err := d.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("[ML] tick aborted", "error", err)
			}
			if d.met != nil {
				d.met.TickDuration.WithLabelValues("ml").Observe(time.Since(start).Seconds())
			}
		}
	}
}

// Tick scores every active device once. A per-device failure skips that
// device only.
func (d *Detector) Tick(ctx context.Context) error {
	a := d.artifacts.Load()
	if a == nil {
		return nil
	}
	now := time.Now().UTC()
	d.lastRun.Store(&now)

	devices, err := d.backend.ActiveDevices(ctx, d.livenessWindow)
	if err != nil {
		return fmt.Errorf("active devices: %w", err)
	}
	for _, device := range devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.scoreDevice(ctx, a, device.ID, now); err != nil {
			if errors.Is(err, ErrInsufficientData) {
				if d.met != nil {
					d.met.MLSkippedSparse.Inc()
				}
				continue
			}
			if d.met != nil {
				d.met.MLErrors.Inc()
			}
			slog.Warn("[ML] scoring failed, skipping device", "device", device.ID, "error", err)
		}
	}
	return nil
}

func (d *Detector) scoreDevice(ctx context.Context, a *Artifacts, deviceID string, now time.Time) error {
	raw, err := ExtractFeatures(ctx, d.backend, deviceID, now)
	if err != nil {
		return err
	}
	scaled, err := a.Scaler.Transform(raw)
	if err != nil {
		return err
	}
	score, err := a.Forest.ScoreSamples(scaled)
	if err != nil {
		return err
	}
	if d.met != nil {
		d.met.MLScores.Observe(score)
	}

	severity := d.bands.Severity(score)
	if severity == "" {
		return nil
	}

	contribs := d.contributions(a, raw, scaled)
	details := store.Details{
		"score":         score,
		"severity_band": severity,
		"model_hash":    a.Hash,
		"contributions": contribs,
	}
	return d.engine.Submit(ctx, deviceID, rules.Candidate{
		Rule:     RuleName,
		Severity: severity,
		Details:  details,
		Stable:   []string{severity},
	})
}

// contributions ranks features by importance-weighted scaled deviation,
// normalized so the reported shares sum to 1, and keeps the top few.
func (d *Detector) contributions(a *Artifacts, raw, scaled []float64) []Contribution {
	weights := a.Config.FeatureImportances
	scores := make([]Contribution, len(scaled))
	var total float64
	for i := range scaled {
		w := 1.0
		if i < len(weights) {
			w = weights[i]
		}
		c := w * math.Abs(scaled[i])
		total += c
		scores[i] = Contribution{
			Feature:      FeatureNames[i],
			Contribution: c,
			Value:        raw[i],
			Baseline:     a.Scaler.Mean[i],
		}
	}
	sort.Slice(scores, func(i, j int) bool { return scores[i].Contribution > scores[j].Contribution })
	if len(scores) > contributionLimit {
		scores = scores[:contributionLimit]
	}
	if total > 0 {
		for i := range scores {
			scores[i].Contribution /= total
		}
	}
	return scores
}
