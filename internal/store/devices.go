package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// CreateDevice registers a new device and returns its server-assigned ID.
func (s *Store) CreateDevice(ctx context.Context, hostname, os string, ownerUserID *int64) (*Device, error) {
	d := &Device{
		ID:           uuid.NewString(),
		Hostname:     hostname,
		OS:           os,
		Status:       DeviceOffline,
		LastSeen:     time.Now().UTC(),
		OwnerUserID:  ownerUserID,
		RegisteredAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (id, hostname, os, status, last_seen, owner_user_id, registered_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		d.ID, d.Hostname, d.OS, d.Status, d.LastSeen, d.OwnerUserID, d.RegisteredAt)
	if err != nil {
		return nil, fmt.Errorf("create device: %w", err)
	}
	return d, nil
}

// GetDevice fetches one device by ID.
func (s *Store) GetDevice(ctx context.Context, id string) (*Device, error) {
	var d Device
	err := s.db.GetContext(ctx, &d,
		`SELECT id, hostname, os, status, last_seen, owner_user_id, disabled, registered_at
		 FROM devices WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// ListDevices returns all devices, most recently seen first.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	var out []Device
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, hostname, os, status, last_seen, owner_user_id, disabled, registered_at
		 FROM devices ORDER BY last_seen DESC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	return out, nil
}

// ActiveDevices returns devices seen within the liveness window.
func (s *Store) ActiveDevices(ctx context.Context, window time.Duration) ([]Device, error) {
	var out []Device
	err := s.db.SelectContext(ctx, &out,
		`SELECT id, hostname, os, status, last_seen, owner_user_id, disabled, registered_at
		 FROM devices WHERE NOT disabled AND last_seen >= $1 ORDER BY id`,
		time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("active devices: %w", err)
	}
	return out, nil
}

// TouchDevices bumps last_seen to now and flips the devices online. Called by
// the last-seen cache flush; batch arrival and heartbeat are the only events
// that refresh liveness, never payload-record timestamps.
func (s *Store) TouchDevices(ctx context.Context, ids []string, seenAt time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE devices SET last_seen = $1, status = $2 WHERE id = ANY($3)`,
		seenAt.UTC(), DeviceOnline, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("touch devices: %w", err)
	}
	return nil
}

// SweepOffline marks devices silent for longer than window as offline and
// returns the IDs that flipped.
func (s *Store) SweepOffline(ctx context.Context, window time.Duration) ([]string, error) {
	var flipped []string
	err := s.db.SelectContext(ctx, &flipped,
		`UPDATE devices SET status = $1
		 WHERE status = $2 AND last_seen < $3
		 RETURNING id`,
		DeviceOffline, DeviceOnline, time.Now().UTC().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("sweep offline: %w", err)
	}
	return flipped, nil
}

// SetDeviceDisabled soft-disables a device. The core never deletes devices.
func (s *Store) SetDeviceDisabled(ctx context.Context, id string, disabled bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET disabled = $1 WHERE id = $2`, disabled, id)
	if err != nil {
		return fmt.Errorf("disable device: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
