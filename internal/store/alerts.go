package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// InsertAlert persists one alert and returns it with its assigned ID.
func (s *Store) InsertAlert(ctx context.Context, a *Alert) error {
	if err := a.EncodeDetails(); err != nil {
		return fmt.Errorf("encode details: %w", err)
	}
	now := time.Now().UTC()
	a.CreatedAt = now
	a.UpdatedAt = now
	if a.AssignmentStatus == "" {
		a.AssignmentStatus = AlertUnassigned
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO alerts (rule_name, severity, device_id, details, fingerprint,
			assignment_status, incident_id, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9) RETURNING id`,
		a.RuleName, a.Severity, a.DeviceID, a.DetailsRaw, a.Fingerprint,
		a.AssignmentStatus, a.IncidentID, a.CreatedAt, a.UpdatedAt).Scan(&a.ID)
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// HasRecentFingerprint reports whether an alert with the fingerprint exists
// inside the dedup window. Consulted in addition to the in-memory cache so a
// restarted server does not double-alert.
func (s *Store) HasRecentFingerprint(ctx context.Context, fingerprint string, window time.Duration) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n,
		`SELECT count(*) FROM alerts WHERE fingerprint = $1 AND created_at >= $2`,
		fingerprint, time.Now().UTC().Add(-window))
	if err != nil {
		return false, fmt.Errorf("fingerprint check: %w", err)
	}
	return n > 0, nil
}

// DeleteAlert removes a duplicate inserted by a concurrent writer. Invariant
// cleanup only; triage never deletes.
func (s *Store) DeleteAlert(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM alerts WHERE id = $1`, id)
	return err
}

// AlertFilter narrows ListAlerts.
type AlertFilter struct {
	Severity         string
	AssignmentStatus string
	DeviceID         string
	RuleName         string
	Limit            int
	Offset           int
}

// ListAlerts returns alerts newest first with optional filters and paging.
func (s *Store) ListAlerts(ctx context.Context, f AlertFilter) ([]Alert, error) {
	q := `SELECT id, rule_name, severity, device_id, details, fingerprint, assignment_status,
		assignee_id, resolution_notes, resolved_at, incident_id, created_at, updated_at
		FROM alerts WHERE 1=1`
	args := []interface{}{}
	if f.Severity != "" {
		args = append(args, f.Severity)
		q += fmt.Sprintf(` AND severity = $%d`, len(args))
	}
	if f.AssignmentStatus != "" {
		args = append(args, f.AssignmentStatus)
		q += fmt.Sprintf(` AND assignment_status = $%d`, len(args))
	}
	if f.DeviceID != "" {
		args = append(args, f.DeviceID)
		q += fmt.Sprintf(` AND device_id = $%d`, len(args))
	}
	if f.RuleName != "" {
		args = append(args, f.RuleName)
		q += fmt.Sprintf(` AND rule_name = $%d`, len(args))
	}
	q += ` ORDER BY created_at DESC`
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	args = append(args, f.Limit)
	q += fmt.Sprintf(` LIMIT $%d`, len(args))
	args = append(args, f.Offset)
	q += fmt.Sprintf(` OFFSET $%d`, len(args))

	var out []Alert
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("list alerts: %w", err)
	}
	for i := range out {
		if err := out[i].DecodeDetails(); err != nil {
			return nil, fmt.Errorf("decode alert %d details: %w", out[i].ID, err)
		}
	}
	return out, nil
}

// RecentAlerts returns alerts created inside [since, until] with optional
// device and rule filters; used by dedup and incident aggregation.
func (s *Store) RecentAlerts(ctx context.Context, since, until time.Time, deviceID, ruleName string) ([]Alert, error) {
	q := `SELECT id, rule_name, severity, device_id, details, fingerprint, assignment_status,
		assignee_id, resolution_notes, resolved_at, incident_id, created_at, updated_at
		FROM alerts WHERE created_at >= $1 AND created_at <= $2`
	args := []interface{}{since.UTC(), until.UTC()}
	if deviceID != "" {
		args = append(args, deviceID)
		q += fmt.Sprintf(` AND device_id = $%d`, len(args))
	}
	if ruleName != "" {
		args = append(args, ruleName)
		q += fmt.Sprintf(` AND rule_name = $%d`, len(args))
	}
	q += ` ORDER BY created_at`

	var out []Alert
	if err := s.db.SelectContext(ctx, &out, q, args...); err != nil {
		return nil, fmt.Errorf("recent alerts: %w", err)
	}
	for i := range out {
		if err := out[i].DecodeDetails(); err != nil {
			return nil, fmt.Errorf("decode alert %d details: %w", out[i].ID, err)
		}
	}
	return out, nil
}

// GetAlert fetches one alert.
func (s *Store) GetAlert(ctx context.Context, id int64) (*Alert, error) {
	var a Alert
	err := s.db.GetContext(ctx, &a,
		`SELECT id, rule_name, severity, device_id, details, fingerprint, assignment_status,
			assignee_id, resolution_notes, resolved_at, incident_id, created_at, updated_at
		 FROM alerts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get alert: %w", err)
	}
	if err := a.DecodeDetails(); err != nil {
		return nil, err
	}
	return &a, nil
}

// AssignAlert sets the assignee under optimistic concurrency: the update only
// lands if updated_at still equals expected.
func (s *Store) AssignAlert(ctx context.Context, id, assigneeID int64, expected time.Time) (*Alert, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET assignment_status = $1, assignee_id = $2, updated_at = now()
		 WHERE id = $3 AND updated_at = $4`,
		AlertAssigned, assigneeID, id, expected.UTC())
	if err != nil {
		return nil, fmt.Errorf("assign alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrStaleUpdate
	}
	return s.GetAlert(ctx, id)
}

// ResolveAlert records resolution notes; resolved implies resolved_at.
func (s *Store) ResolveAlert(ctx context.Context, id int64, notes string, expected time.Time) (*Alert, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE alerts SET assignment_status = $1, resolution_notes = $2, resolved_at = now(), updated_at = now()
		 WHERE id = $3 AND updated_at = $4`,
		AlertResolved, notes, id, expected.UTC())
	if err != nil {
		return nil, fmt.Errorf("resolve alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrStaleUpdate
	}
	return s.GetAlert(ctx, id)
}

// ============================================================================
// INCIDENTS
// ============================================================================

// FindOpenIncident returns the open incident with the correlation key, if any.
func (s *Store) FindOpenIncident(ctx context.Context, correlationKey string) (*Incident, error) {
	var inc Incident
	err := s.db.GetContext(ctx, &inc,
		`SELECT id, title, severity, status, correlation_key, created_at, updated_at
		 FROM incidents WHERE correlation_key = $1 AND status = $2`,
		correlationKey, IncidentOpen)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find incident: %w", err)
	}
	return &inc, nil
}

// CreateIncident opens a new incident.
func (s *Store) CreateIncident(ctx context.Context, title, severity, correlationKey string) (*Incident, error) {
	inc := &Incident{
		Title:          title,
		Severity:       severity,
		Status:         IncidentOpen,
		CorrelationKey: correlationKey,
		CreatedAt:      time.Now().UTC(),
		UpdatedAt:      time.Now().UTC(),
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO incidents (title, severity, status, correlation_key, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		inc.Title, inc.Severity, inc.Status, inc.CorrelationKey, inc.CreatedAt, inc.UpdatedAt).Scan(&inc.ID)
	if err != nil {
		return nil, fmt.Errorf("create incident: %w", err)
	}
	return inc, nil
}

// AttachAlert links an alert to an incident and raises the incident severity
// to the max of its members.
func (s *Store) AttachAlert(ctx context.Context, incidentID, alertID int64, severity string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO incident_alerts (incident_id, alert_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		incidentID, alertID); err != nil {
		return fmt.Errorf("attach alert: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE alerts SET incident_id = $1, updated_at = now() WHERE id = $2`,
		incidentID, alertID); err != nil {
		return fmt.Errorf("backlink alert: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE incidents SET severity = CASE
			WHEN $1 = 'critical' THEN 'critical'
			WHEN $1 = 'high' AND severity NOT IN ('critical') THEN 'high'
			WHEN $1 = 'medium' AND severity NOT IN ('critical','high') THEN 'medium'
			ELSE severity END,
		 updated_at = now() WHERE id = $2`,
		severity, incidentID); err != nil {
		return fmt.Errorf("raise incident severity: %w", err)
	}
	return tx.Commit()
}

// ListIncidents returns incidents newest first, with member device IDs.
// Membership is resolved with one query over the whole page rather than a
// query per incident.
func (s *Store) ListIncidents(ctx context.Context, limit, offset int) ([]Incident, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	var out []Incident
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, title, severity, status, correlation_key, created_at, updated_at
		 FROM incidents ORDER BY created_at DESC LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	if len(out) == 0 {
		return out, nil
	}

	ids := make([]int64, len(out))
	byID := make(map[int64]*Incident, len(out))
	for i := range out {
		ids[i] = out[i].ID
		byID[out[i].ID] = &out[i]
	}
	var members []struct {
		IncidentID int64  `db:"incident_id"`
		DeviceID   string `db:"device_id"`
	}
	err = s.db.SelectContext(ctx, &members,
		`SELECT DISTINCT ia.incident_id, a.device_id::text AS device_id
		 FROM alerts a
		 JOIN incident_alerts ia ON ia.alert_id = a.id
		 WHERE ia.incident_id = ANY($1) AND a.device_id IS NOT NULL`, pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("incident devices: %w", err)
	}
	for _, m := range members {
		if inc := byID[m.IncidentID]; inc != nil {
			inc.DeviceIDs = append(inc.DeviceIDs, m.DeviceID)
		}
	}
	return out, nil
}

// SetIncidentStatus transitions an incident under optimistic concurrency.
func (s *Store) SetIncidentStatus(ctx context.Context, id int64, status string, expected time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE incidents SET status = $1, updated_at = now() WHERE id = $2 AND updated_at = $3`,
		status, id, expected.UTC())
	if err != nil {
		return fmt.Errorf("set incident status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStaleUpdate
	}
	return nil
}
