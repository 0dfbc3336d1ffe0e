package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/argus-siem/argus/internal/metrics"
)

// RetentionPolicy is the per-table retention horizon in days.
type RetentionPolicy struct {
	LogsDays      int
	MetricsDays   int
	ProcessesDays int
	AlertsDays    int
}

// Horizon returns the oldest acceptable event time for a telemetry kind.
func (p RetentionPolicy) Horizon(kind string, now time.Time) time.Time {
	days := p.LogsDays
	switch kind {
	case KindMetrics:
		days = p.MetricsDays
	case KindProcesses:
		days = p.ProcessesDays
	}
	return now.UTC().AddDate(0, 0, -days)
}

// Janitor applies retention by dropping telemetry partitions wholly past the
// horizon and deleting aged alert/incident rows.
type Janitor struct {
	store  *Store
	policy RetentionPolicy
	period time.Duration
	met    *metrics.Server
}

// NewJanitor builds the hourly retention janitor.
func NewJanitor(s *Store, policy RetentionPolicy, met *metrics.Server) *Janitor {
	return &Janitor{store: s, policy: policy, period: time.Hour, met: met}
}

// Run loops until ctx is cancelled. A failing pass is logged and retried on
// the next tick; the loop never terminates on a single error.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.sweep(ctx); err != nil {
				slog.Warn("[Janitor] retention sweep failed", "error", err)
			}
		}
	}
}

func (j *Janitor) sweep(ctx context.Context) error {
	now := time.Now().UTC()
	tableDays := map[string]int{
		"logs":      j.policy.LogsDays,
		"metrics":   j.policy.MetricsDays,
		"processes": j.policy.ProcessesDays,
		"commands":  j.policy.LogsDays,
	}
	for table, days := range tableDays {
		if err := j.dropAgedPartitions(ctx, table, now.AddDate(0, 0, -days)); err != nil {
			return err
		}
	}

	res, err := j.store.db.ExecContext(ctx,
		`DELETE FROM alerts WHERE created_at < $1 AND incident_id IS NULL`,
		now.AddDate(0, 0, -j.policy.AlertsDays))
	if err != nil {
		return fmt.Errorf("alert retention: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 && j.met != nil {
		j.met.RetentionDropped.WithLabelValues("alerts").Add(float64(n))
	}
	return nil
}

// dropAgedPartitions removes monthly children whose entire range predates the
// horizon. Partition names encode their month (table_YYYY_MM).
func (j *Janitor) dropAgedPartitions(ctx context.Context, table string, horizon time.Time) error {
	var names []string
	err := j.store.db.SelectContext(ctx, &names,
		`SELECT c.relname FROM pg_inherits i
		 JOIN pg_class c ON c.oid = i.inhrelid
		 JOIN pg_class p ON p.oid = i.inhparent
		 WHERE p.relname = $1`, table)
	if err != nil {
		return fmt.Errorf("list partitions of %s: %w", table, err)
	}
	for _, name := range names {
		var y int
		var m time.Month
		if _, err := fmt.Sscanf(name, table+"_%d_%d", &y, &m); err != nil {
			continue
		}
		// Partition is droppable only when its exclusive upper bound is
		// at or before the horizon.
		end := time.Date(y, m, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
		if end.After(horizon) {
			continue
		}
		if _, err := j.store.db.ExecContext(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, name)); err != nil {
			return fmt.Errorf("drop partition %s: %w", name, err)
		}
		partMu.Lock()
		delete(knownPartitions, name)
		partMu.Unlock()
		if j.met != nil {
			j.met.RetentionDropped.WithLabelValues(table).Inc()
		}
		slog.Info("[Janitor] dropped aged partition", "partition", name)
	}
	return nil
}
