package store

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DDL for the parent tables. Telemetry parents are partitioned by range on
// the event timestamp; children are created per month on demand.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id            BIGSERIAL PRIMARY KEY,
		email         TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role          TEXT NOT NULL,
		active        BOOLEAN NOT NULL DEFAULT TRUE,
		created_by    BIGINT REFERENCES users(id),
		last_login_at TIMESTAMPTZ,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS devices (
		id            UUID PRIMARY KEY,
		hostname      TEXT NOT NULL,
		os            TEXT NOT NULL,
		status        TEXT NOT NULL DEFAULT 'offline',
		last_seen     TIMESTAMPTZ NOT NULL DEFAULT now(),
		owner_user_id BIGINT REFERENCES users(id),
		disabled      BOOLEAN NOT NULL DEFAULT FALSE,
		registered_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS invitations (
		id          BIGSERIAL PRIMARY KEY,
		token_hash  TEXT NOT NULL UNIQUE,
		created_by  BIGINT NOT NULL REFERENCES users(id),
		expires_at  TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ,
		device_id   UUID,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS logs (
		id        BIGSERIAL,
		device_id UUID NOT NULL,
		ts        TIMESTAMPTZ NOT NULL,
		hostname  TEXT NOT NULL DEFAULT '',
		severity  INT NOT NULL,
		facility  INT NOT NULL DEFAULT 0,
		process   TEXT NOT NULL DEFAULT '',
		message   TEXT NOT NULL,
		raw       TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (id, ts)
	) PARTITION BY RANGE (ts)`,
	`CREATE TABLE IF NOT EXISTS metrics (
		id             BIGSERIAL,
		device_id      UUID NOT NULL,
		ts             TIMESTAMPTZ NOT NULL,
		cpu_percent    DOUBLE PRECISION NOT NULL,
		cpu_per_core   JSONB NOT NULL DEFAULT '[]',
		load_1         DOUBLE PRECISION NOT NULL DEFAULT 0,
		load_5         DOUBLE PRECISION NOT NULL DEFAULT 0,
		load_15        DOUBLE PRECISION NOT NULL DEFAULT 0,
		memory_percent DOUBLE PRECISION NOT NULL,
		memory_used    BIGINT NOT NULL DEFAULT 0,
		memory_total   BIGINT NOT NULL DEFAULT 0,
		disk_percent   DOUBLE PRECISION NOT NULL,
		disk_free      BIGINT NOT NULL DEFAULT 0,
		disk_total     BIGINT NOT NULL DEFAULT 0,
		net_sent       BIGINT NOT NULL DEFAULT 0,
		net_recv       BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (id, ts)
	) PARTITION BY RANGE (ts)`,
	`CREATE TABLE IF NOT EXISTS processes (
		id           BIGSERIAL,
		device_id    UUID NOT NULL,
		collected_at TIMESTAMPTZ NOT NULL,
		pid          INT NOT NULL,
		ppid         INT NOT NULL DEFAULT 0,
		name         TEXT NOT NULL,
		exe          TEXT NOT NULL DEFAULT '',
		cmdline      TEXT NOT NULL DEFAULT '',
		username     TEXT NOT NULL DEFAULT '',
		status       TEXT NOT NULL DEFAULT '',
		create_time  TIMESTAMPTZ NOT NULL DEFAULT now(),
		cpu_percent  DOUBLE PRECISION NOT NULL DEFAULT 0,
		mem_percent  DOUBLE PRECISION NOT NULL DEFAULT 0,
		rss          BIGINT NOT NULL DEFAULT 0,
		vms          BIGINT NOT NULL DEFAULT 0,
		threads      INT NOT NULL DEFAULT 0,
		fds          INT NOT NULL DEFAULT 0,
		connections  INT NOT NULL DEFAULT 0,
		PRIMARY KEY (id, collected_at)
	) PARTITION BY RANGE (collected_at)`,
	`CREATE TABLE IF NOT EXISTS commands (
		id        BIGSERIAL,
		device_id UUID NOT NULL,
		ts        TIMESTAMPTZ NOT NULL,
		command   TEXT NOT NULL,
		username  TEXT NOT NULL DEFAULT '',
		shell     TEXT NOT NULL DEFAULT '',
		source    TEXT NOT NULL DEFAULT '',
		cwd       TEXT NOT NULL DEFAULT '',
		exit_code INT,
		PRIMARY KEY (id, ts)
	) PARTITION BY RANGE (ts)`,
	`CREATE TABLE IF NOT EXISTS alerts (
		id                BIGSERIAL PRIMARY KEY,
		rule_name         TEXT NOT NULL,
		severity          TEXT NOT NULL,
		device_id         UUID,
		details           JSONB NOT NULL DEFAULT '{}',
		fingerprint       TEXT NOT NULL,
		assignment_status TEXT NOT NULL DEFAULT 'unassigned',
		assignee_id       BIGINT REFERENCES users(id),
		resolution_notes  TEXT,
		resolved_at       TIMESTAMPTZ,
		incident_id       BIGINT,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS incidents (
		id              BIGSERIAL PRIMARY KEY,
		title           TEXT NOT NULL,
		severity        TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'open',
		correlation_key TEXT NOT NULL,
		created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS incident_alerts (
		incident_id BIGINT NOT NULL REFERENCES incidents(id),
		alert_id    BIGINT NOT NULL REFERENCES alerts(id),
		PRIMARY KEY (incident_id, alert_id)
	)`,
	// Recent-window queries must never full-scan: composite (device_id, ts DESC)
	// on every telemetry table.
	`CREATE INDEX IF NOT EXISTS idx_logs_device_ts ON logs (device_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_metrics_device_ts ON metrics (device_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_processes_device_ts ON processes (device_id, collected_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_commands_device_ts ON commands (device_id, ts DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_severity ON alerts (severity)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_status ON alerts (assignment_status)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_rule ON alerts (rule_name)`,
	`CREATE INDEX IF NOT EXISTS idx_alerts_fingerprint ON alerts (fingerprint, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_incidents_key ON incidents (correlation_key, status)`,
}

var partitionedTables = map[string]string{
	"logs":      "ts",
	"metrics":   "ts",
	"processes": "collected_at",
	"commands":  "ts",
}

// EnsureSchema creates all tables, indexes, and the partitions covering the
// current and next month.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	now := time.Now().UTC()
	for table := range partitionedTables {
		for _, t := range []time.Time{now, now.AddDate(0, 1, 0)} {
			if err := s.ensurePartition(ctx, table, t); err != nil {
				return err
			}
		}
	}
	return nil
}

var partMu sync.Mutex
var knownPartitions = map[string]bool{}

// ensurePartition creates the monthly child covering t if it does not exist.
// Cached so the hot ingest path does not issue DDL per batch.
func (s *Store) ensurePartition(ctx context.Context, table string, t time.Time) error {
	start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	name := fmt.Sprintf("%s_%s", table, start.Format("2006_01"))

	partMu.Lock()
	if knownPartitions[name] {
		partMu.Unlock()
		return nil
	}
	partMu.Unlock()

	end := start.AddDate(0, 1, 0)
	stmt := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		name, table, start.Format("2006-01-02"), end.Format("2006-01-02"),
	)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("create partition %s: %w", name, err)
	}

	partMu.Lock()
	knownPartitions[name] = true
	partMu.Unlock()
	return nil
}

// partitionName reports the monthly child holding timestamp t.
func partitionName(table string, t time.Time) string {
	return fmt.Sprintf("%s_%s", table, time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC).Format("2006_01"))
}
