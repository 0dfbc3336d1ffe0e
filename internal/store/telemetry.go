package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Batch insert sizing: Postgres caps bind parameters at 65535, stay well under.
const insertChunk = 500

// InsertLogBatch writes the batch atomically. Records inside the batch keep
// agent-submit order (single transaction, sequential inserts).
func (s *Store) InsertLogBatch(ctx context.Context, records []LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := s.ensurePartitionsFor(ctx, "logs", logTimes(records)); err != nil {
		return err
	}
	return withRetry(ctx, 3, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		for start := 0; start < len(records); start += insertChunk {
			chunk := records[start:min(start+insertChunk, len(records))]
			sb := strings.Builder{}
			sb.WriteString(`INSERT INTO logs (device_id, ts, hostname, severity, facility, process, message, raw) VALUES `)
			args := make([]interface{}, 0, len(chunk)*8)
			for i, r := range chunk {
				if i > 0 {
					sb.WriteByte(',')
				}
				base := i * 8
				fmt.Fprintf(&sb, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
					base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8)
				args = append(args, r.DeviceID, r.Timestamp.UTC(), r.Hostname, r.Severity,
					r.Facility, r.Process, r.Message, r.Raw)
			}
			if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// InsertMetricBatch writes metric samples atomically, flattening the nested
// groups into columns.
func (s *Store) InsertMetricBatch(ctx context.Context, samples []MetricSample) error {
	if len(samples) == 0 {
		return nil
	}
	times := make([]time.Time, len(samples))
	for i, m := range samples {
		times[i] = m.Timestamp
	}
	if err := s.ensurePartitionsFor(ctx, "metrics", times); err != nil {
		return err
	}
	return withRetry(ctx, 3, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		const cols = 15
		sb := strings.Builder{}
		sb.WriteString(`INSERT INTO metrics (device_id, ts, cpu_percent, cpu_per_core,
			load_1, load_5, load_15, memory_percent, memory_used, memory_total,
			disk_percent, disk_free, disk_total, net_sent, net_recv) VALUES `)
		args := make([]interface{}, 0, len(samples)*cols)
		for i, m := range samples {
			if i > 0 {
				sb.WriteByte(',')
			}
			base := i * cols
			placeholders := make([]string, cols)
			for j := range placeholders {
				placeholders[j] = fmt.Sprintf("$%d", base+j+1)
			}
			sb.WriteString("(" + strings.Join(placeholders, ",") + ")")
			perCore, _ := json.Marshal(m.CPU.PerCore)
			args = append(args, m.DeviceID, m.Timestamp.UTC(),
				m.CPU.Percent, perCore, m.CPU.Load1, m.CPU.Load5, m.CPU.Load15,
				m.Memory.Percent, int64(m.Memory.UsedBytes), int64(m.Memory.TotalBytes),
				m.Disk.Percent, int64(m.Disk.FreeBytes), int64(m.Disk.TotalBytes),
				int64(m.Network.BytesSent), int64(m.Network.BytesRecv))
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// InsertProcessBatch writes process snapshot records atomically.
func (s *Store) InsertProcessBatch(ctx context.Context, records []ProcessRecord) error {
	if len(records) == 0 {
		return nil
	}
	times := make([]time.Time, len(records))
	for i, r := range records {
		times[i] = r.CollectedAt
	}
	if err := s.ensurePartitionsFor(ctx, "processes", times); err != nil {
		return err
	}
	return withRetry(ctx, 3, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		const cols = 17
		for start := 0; start < len(records); start += insertChunk {
			chunk := records[start:min(start+insertChunk, len(records))]
			sb := strings.Builder{}
			sb.WriteString(`INSERT INTO processes (device_id, collected_at, pid, ppid, name, exe,
				cmdline, username, status, create_time, cpu_percent, mem_percent, rss, vms,
				threads, fds, connections) VALUES `)
			args := make([]interface{}, 0, len(chunk)*cols)
			for i, r := range chunk {
				if i > 0 {
					sb.WriteByte(',')
				}
				base := i * cols
				placeholders := make([]string, cols)
				for j := range placeholders {
					placeholders[j] = fmt.Sprintf("$%d", base+j+1)
				}
				sb.WriteString("(" + strings.Join(placeholders, ",") + ")")
				args = append(args, r.DeviceID, r.CollectedAt.UTC(), r.PID, r.PPID, r.Name, r.Exe,
					r.Cmdline, r.Username, r.Status, r.CreateTime.UTC(), r.CPUPercent, r.MemPercent,
					int64(r.RSS), int64(r.VMS), r.Threads, r.FDs, r.Connections)
			}
			if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// InsertCommandBatch writes shell-history entries atomically.
func (s *Store) InsertCommandBatch(ctx context.Context, records []CommandRecord) error {
	if len(records) == 0 {
		return nil
	}
	times := make([]time.Time, len(records))
	for i, r := range records {
		times[i] = r.Timestamp
	}
	if err := s.ensurePartitionsFor(ctx, "commands", times); err != nil {
		return err
	}
	return withRetry(ctx, 3, func() error {
		tx, err := s.db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		defer tx.Rollback()

		const cols = 8
		sb := strings.Builder{}
		sb.WriteString(`INSERT INTO commands (device_id, ts, command, username, shell, source, cwd, exit_code) VALUES `)
		args := make([]interface{}, 0, len(records)*cols)
		for i, r := range records {
			if i > 0 {
				sb.WriteByte(',')
			}
			base := i * cols
			placeholders := make([]string, cols)
			for j := range placeholders {
				placeholders[j] = fmt.Sprintf("$%d", base+j+1)
			}
			sb.WriteString("(" + strings.Join(placeholders, ",") + ")")
			args = append(args, r.DeviceID, r.Timestamp.UTC(), r.Command, r.Username,
				r.Shell, r.Source, r.Cwd, r.ExitCode)
		}
		if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func (s *Store) ensurePartitionsFor(ctx context.Context, table string, times []time.Time) error {
	seen := map[string]time.Time{}
	for _, t := range times {
		seen[partitionName(table, t)] = t
	}
	for _, t := range seen {
		if err := s.ensurePartition(ctx, table, t); err != nil {
			return err
		}
	}
	return nil
}

func logTimes(records []LogRecord) []time.Time {
	times := make([]time.Time, len(records))
	for i, r := range records {
		times[i] = r.Timestamp
	}
	return times
}

// ============================================================================
// RECENT-WINDOW QUERIES (used by the rule engine and the ML detector)
// ============================================================================

// RecentLogs returns log records in [since, until], optionally scoped to one
// device, ordered by event timestamp.
func (s *Store) RecentLogs(ctx context.Context, since, until time.Time, deviceID string) ([]LogRecord, error) {
	q := `SELECT id, device_id, ts, hostname, severity, facility, process, message, raw
		FROM logs WHERE ts >= $1 AND ts <= $2`
	args := []interface{}{since.UTC(), until.UTC()}
	if deviceID != "" {
		q += ` AND device_id = $3`
		args = append(args, deviceID)
	}
	q += ` ORDER BY ts`

	var out []LogRecord
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("recent logs: %w", err)
	}
	return out, nil
}

// metricRow is the flat column shape read back from the metrics table.
type metricRow struct {
	ID         int64     `db:"id"`
	DeviceID   string    `db:"device_id"`
	TS         time.Time `db:"ts"`
	CPUPercent float64   `db:"cpu_percent"`
	CPUPerCore []byte    `db:"cpu_per_core"`
	Load1      float64   `db:"load_1"`
	Load5      float64   `db:"load_5"`
	Load15     float64   `db:"load_15"`
	MemPercent float64   `db:"memory_percent"`
	MemUsed    int64     `db:"memory_used"`
	MemTotal   int64     `db:"memory_total"`
	DiskPct    float64   `db:"disk_percent"`
	DiskFree   int64     `db:"disk_free"`
	DiskTotal  int64     `db:"disk_total"`
	NetSent    int64     `db:"net_sent"`
	NetRecv    int64     `db:"net_recv"`
}

func (r metricRow) sample() MetricSample {
	var perCore []float64
	_ = json.Unmarshal(r.CPUPerCore, &perCore)
	return MetricSample{
		ID:        r.ID,
		DeviceID:  r.DeviceID,
		Timestamp: r.TS,
		CPU:       CPUStats{Percent: r.CPUPercent, PerCore: perCore, Load1: r.Load1, Load5: r.Load5, Load15: r.Load15},
		Memory:    MemoryStats{Percent: r.MemPercent, UsedBytes: uint64(r.MemUsed), TotalBytes: uint64(r.MemTotal)},
		Disk:      DiskStats{Percent: r.DiskPct, FreeBytes: uint64(r.DiskFree), TotalBytes: uint64(r.DiskTotal)},
		Network:   NetworkStats{BytesSent: uint64(r.NetSent), BytesRecv: uint64(r.NetRecv)},
	}
}

// RecentMetrics returns metric samples in [since, until], optionally scoped
// to one device, ordered by event timestamp.
func (s *Store) RecentMetrics(ctx context.Context, since, until time.Time, deviceID string) ([]MetricSample, error) {
	q := `SELECT id, device_id, ts, cpu_percent, cpu_per_core, load_1, load_5, load_15,
		memory_percent, memory_used, memory_total, disk_percent, disk_free, disk_total,
		net_sent, net_recv FROM metrics WHERE ts >= $1 AND ts <= $2`
	args := []interface{}{since.UTC(), until.UTC()}
	if deviceID != "" {
		q += ` AND device_id = $3`
		args = append(args, deviceID)
	}
	q += ` ORDER BY ts`

	var rows []metricRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, fmt.Errorf("recent metrics: %w", err)
	}
	out := make([]MetricSample, len(rows))
	for i, r := range rows {
		out[i] = r.sample()
	}
	return out, nil
}

// Metric field selectors accepted by RecentMetricValues. These mirror the
// nested JSON paths at the API boundary (cpu.cpu_percent and so on) while
// reading flat columns.
var metricFieldColumns = map[string]string{
	"cpu.cpu_percent":       "cpu_percent",
	"memory.memory_percent": "memory_percent",
	"disk.disk_percent":     "disk_percent",
	"network.bytes_sent":    "net_sent",
	"network.bytes_recv":    "net_recv",
}

// RecentMetricValues extracts one numeric field per sample in the window,
// ordered by timestamp. Unknown fields are an error, not an empty result.
func (s *Store) RecentMetricValues(ctx context.Context, since, until time.Time, deviceID, field string) ([]float64, error) {
	col, ok := metricFieldColumns[field]
	if !ok {
		return nil, fmt.Errorf("unknown metric field %q", field)
	}
	q := fmt.Sprintf(`SELECT %s FROM metrics WHERE ts >= $1 AND ts <= $2 AND device_id = $3 ORDER BY ts`, col)
	var out []float64
	if err := s.db.SelectContext(ctx, &out, q, since.UTC(), until.UTC(), deviceID); err != nil {
		return nil, fmt.Errorf("recent metric values: %w", err)
	}
	return out, nil
}

// RecentProcesses returns raw process records for one device in the window.
func (s *Store) RecentProcesses(ctx context.Context, since, until time.Time, deviceID string) ([]ProcessRecord, error) {
	q := `SELECT id, device_id, collected_at, pid, ppid, name, exe, cmdline, username, status,
		create_time, cpu_percent, mem_percent, rss, vms, threads, fds, connections
		FROM processes WHERE collected_at >= $1 AND collected_at <= $2 AND device_id = $3
		ORDER BY collected_at, pid`
	var out []ProcessRecord
	if err := s.db.SelectContext(ctx, &out, q, since.UTC(), until.UTC(), deviceID); err != nil {
		return nil, fmt.Errorf("recent processes: %w", err)
	}
	return out, nil
}

// AggregateProcesses computes the snapshot-level view the rules consume.
func AggregateProcesses(records []ProcessRecord) *ProcessWindowStats {
	stats := &ProcessWindowStats{SnapshotCounts: map[time.Time]int{}}
	names := map[string]bool{}
	for _, r := range records {
		if r.CPUPercent > stats.MaxCPUPercent {
			stats.MaxCPUPercent = r.CPUPercent
		}
		if r.MemPercent > stats.MaxMemPercent {
			stats.MaxMemPercent = r.MemPercent
		}
		names[r.Name] = true
		stats.SnapshotCounts[r.CollectedAt]++
	}
	for _, n := range stats.SnapshotCounts {
		if n > stats.MaxProcessCount {
			stats.MaxProcessCount = n
		}
	}
	stats.UniqueNames = len(names)
	return stats
}

// CommandFilter narrows RecentCommands. Zero values mean no filter.
type CommandFilter struct {
	Prefix    string
	Substring string
	Username  string
}

// RecentCommands returns command records for one device in the window with
// optional text and user filters, ordered by event timestamp.
func (s *Store) RecentCommands(ctx context.Context, since, until time.Time, deviceID string, f CommandFilter) ([]CommandRecord, error) {
	q := `SELECT id, device_id, ts, command, username, shell, source, cwd, exit_code
		FROM commands WHERE ts >= $1 AND ts <= $2 AND device_id = $3`
	args := []interface{}{since.UTC(), until.UTC(), deviceID}
	if f.Prefix != "" {
		args = append(args, f.Prefix+"%")
		q += fmt.Sprintf(` AND command LIKE $%d`, len(args))
	}
	if f.Substring != "" {
		args = append(args, "%"+f.Substring+"%")
		q += fmt.Sprintf(` AND command LIKE $%d`, len(args))
	}
	if f.Username != "" {
		args = append(args, f.Username)
		q += fmt.Sprintf(` AND username = $%d`, len(args))
	}
	q += ` ORDER BY ts`

	var out []CommandRecord
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("recent commands: %w", err)
	}
	return out, nil
}
