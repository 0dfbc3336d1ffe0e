package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// CreateUser inserts a new account. Email uniqueness is enforced by the
// database; violations surface as ErrDuplicateEmail.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash, role string, createdBy *int64) (*User, error) {
	u := &User{
		Email:        strings.ToLower(email),
		PasswordHash: passwordHash,
		Role:         role,
		Active:       true,
		CreatedBy:    createdBy,
		CreatedAt:    time.Now().UTC(),
	}
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO users (email, password_hash, role, active, created_by, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6) RETURNING id`,
		u.Email, u.PasswordHash, u.Role, u.Active, u.CreatedBy, u.CreatedAt).Scan(&u.ID)
	if err != nil {
		if strings.Contains(err.Error(), "unique") || strings.Contains(err.Error(), "duplicate") {
			return nil, ErrDuplicateEmail
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// GetUserByEmail fetches one account by email, case-insensitively.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT id, email, password_hash, role, active, created_by, last_login_at, created_at
		 FROM users WHERE email = $1`, strings.ToLower(email))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUser fetches one account by ID.
func (s *Store) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := s.db.GetContext(ctx, &u,
		`SELECT id, email, password_hash, role, active, created_by, last_login_at, created_at
		 FROM users WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// CountUsers reports the number of accounts; used by the bootstrap check.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM users`); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// RecordLogin stamps last_login_at.
func (s *Store) RecordLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at = $1 WHERE id = $2`,
		time.Now().UTC(), userID)
	return err
}

// SetUserRole changes an account's role. Only the API layer's owner check
// may call this.
func (s *Store) SetUserRole(ctx context.Context, userID int64, role string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE users SET role = $1 WHERE id = $2`, role, userID)
	if err != nil {
		return fmt.Errorf("set role: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ============================================================================
// INVITATIONS
// ============================================================================

// CreateInvitation stores the hash of a one-shot registration token.
func (s *Store) CreateInvitation(ctx context.Context, tokenHash string, createdBy int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO invitations (token_hash, created_by, expires_at, created_at)
		 VALUES ($1,$2,$3,$4)`,
		tokenHash, createdBy, expiresAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("create invitation: %w", err)
	}
	return nil
}

// GetInvitation fetches an invitation by token hash.
func (s *Store) GetInvitation(ctx context.Context, tokenHash string) (*Invitation, error) {
	var inv Invitation
	err := s.db.GetContext(ctx, &inv,
		`SELECT id, token_hash, created_by, expires_at, consumed_at, device_id, created_at
		 FROM invitations WHERE token_hash = $1`, tokenHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get invitation: %w", err)
	}
	return &inv, nil
}

// ConsumeInvitation marks the invitation consumed and binds it to the device
// it created. The WHERE consumed_at IS NULL guard makes first-use exclusive
// under concurrent redemptions.
func (s *Store) ConsumeInvitation(ctx context.Context, id int64, deviceID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE invitations SET consumed_at = $1, device_id = $2
		 WHERE id = $3 AND consumed_at IS NULL`,
		time.Now().UTC(), deviceID, id)
	if err != nil {
		return false, fmt.Errorf("consume invitation: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
