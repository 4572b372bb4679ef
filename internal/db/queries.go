package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"
)

func nowUnix() int64 { return time.Now().Unix() }

// GetConfig fetches a single config key from the database.
// The boolean indicates whether the key exists.
func (d *DB) GetConfig(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, "SELECT value FROM config WHERE key = ?", key).Scan(&v)
	if err == nil {
		return v, true, nil
	}
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	return "", false, err
}

// SetConfig upserts a config key/value pair and updates its timestamp.
func (d *DB) SetConfig(ctx context.Context, key, value string) error {
	if key == "" {
		return errors.New("config key is required")
	}
	_, err := d.sql.ExecContext(ctx, `
INSERT INTO config(key, value, updated_at) VALUES(?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at
`, key, value, nowUnix())
	return err
}

// InsertUser creates a new user row. email is stored lowercased.
func (d *DB) InsertUser(ctx context.Context, id, email, passwordHash string, role Role) error {
	if id == "" || email == "" || passwordHash == "" {
		return errors.New("id, email, and password hash are required")
	}
	now := nowUnix()
	return withRetry(func() error {
		_, err := d.sql.ExecContext(ctx, `
INSERT INTO users(id, email, password_hash, role, is_active, created_at, updated_at)
VALUES(?, ?, ?, ?, 1, ?, ?)
`, id, strings.ToLower(email), passwordHash, string(role), now, now)
		return err
	})
}

// FindUserByEmail looks up a user by lowercased email.
func (d *DB) FindUserByEmail(ctx context.Context, email string) (*User, bool, error) {
	return d.scanUserRow(ctx, "SELECT id, email, password_hash, role, is_active, created_at, updated_at FROM users WHERE email = ?", strings.ToLower(email))
}

// FindUserByID looks up a user by id.
func (d *DB) FindUserByID(ctx context.Context, id string) (*User, bool, error) {
	return d.scanUserRow(ctx, "SELECT id, email, password_hash, role, is_active, created_at, updated_at FROM users WHERE id = ?", id)
}

func (d *DB) scanUserRow(ctx context.Context, query string, arg any) (*User, bool, error) {
	var u User
	var role string
	var active int
	err := d.sql.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &active, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	u.Role = Role(role)
	u.IsActive = active != 0
	return &u, true, nil
}

// CountAdmins returns the number of users with role admin.
func (d *DB) CountAdmins(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM users WHERE role = ?", string(RoleAdmin)).Scan(&n)
	return n, err
}

// ListUsers returns all users ordered by email.
func (d *DB) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := d.sql.QueryContext(ctx, "SELECT id, email, password_hash, role, is_active, created_at, updated_at FROM users ORDER BY email ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var u User
		var role string
		var active int
		if err := rows.Scan(&u.ID, &u.Email, &u.PasswordHash, &role, &active, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, err
		}
		u.Role = Role(role)
		u.IsActive = active != 0
		out = append(out, u)
	}
	return out, rows.Err()
}

// SetUserActive toggles a user's is_active flag (soft deactivation; core
// never hard-deletes users).
func (d *DB) SetUserActive(ctx context.Context, id string, active bool) error {
	if id == "" {
		return errors.New("id is required")
	}
	v := 0
	if active {
		v = 1
	}
	_, err := d.sql.ExecContext(ctx, "UPDATE users SET is_active = ?, updated_at = ? WHERE id = ?", v, nowUnix(), id)
	return err
}

// SetUserPasswordHash updates a user's password hash.
func (d *DB) SetUserPasswordHash(ctx context.Context, id, hash string) error {
	if id == "" || hash == "" {
		return errors.New("id and hash are required")
	}
	_, err := d.sql.ExecContext(ctx, "UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?", hash, nowUnix(), id)
	return err
}

// IsTokenRevoked reports whether jti has a revocation record.
func (d *DB) IsTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var v string
	err := d.sql.QueryRowContext(ctx, "SELECT jti FROM revoked_tokens WHERE jti = ?", jti).Scan(&v)
	if err == nil {
		return true, nil
	}
	if err == sql.ErrNoRows {
		return false, nil
	}
	return false, err
}

// RevokeToken idempotently inserts a revocation record.
func (d *DB) RevokeToken(ctx context.Context, jti, userID string) error {
	if jti == "" {
		return errors.New("jti is required")
	}
	return withRetry(func() error {
		_, err := d.sql.ExecContext(ctx, `
INSERT INTO revoked_tokens(jti, user_id, revoked_at) VALUES(?, ?, ?)
ON CONFLICT(jti) DO NOTHING
`, jti, userID, nowUnix())
		return err
	})
}

// RevokeAllForUser revokes every live session currently on record for a
// user, e.g. after a password change.
func (d *DB) RevokeAllForUser(ctx context.Context, userID string) error {
	rows, err := d.sql.QueryContext(ctx, "SELECT jti FROM sessions WHERE user_id = ?", userID)
	if err != nil {
		return err
	}
	var jtis []string
	for rows.Next() {
		var jti string
		if err := rows.Scan(&jti); err != nil {
			rows.Close()
			return err
		}
		jtis = append(jtis, jti)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	now := nowUnix()
	for _, jti := range jtis {
		if _, err := d.sql.ExecContext(ctx, `
INSERT INTO revoked_tokens(jti, user_id, revoked_at) VALUES(?, ?, ?)
ON CONFLICT(jti) DO NOTHING
`, jti, userID, now); err != nil {
			return err
		}
	}
	return nil
}

// SweepExpiredRevocations deletes revocation records for tokens whose
// expiry is at or before the given Unix-time cutoff, then deletes those
// sessions rows too. revoked_tokens does not itself store exp, so the
// expiry is taken from the sessions table; a revocation with no matching
// session row is never swept. It returns the number of revocation records
// deleted.
func (d *DB) SweepExpiredRevocations(ctx context.Context, before int64) (int64, error) {
	res, err := d.sql.ExecContext(ctx, `
DELETE FROM revoked_tokens WHERE jti IN (
  SELECT jti FROM sessions WHERE expires_at <= ?
)
`, before)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if _, err := d.sql.ExecContext(ctx, "DELETE FROM sessions WHERE expires_at <= ?", before); err != nil {
		return n, err
	}
	return n, nil
}

// CreateSession records a token at issuance time.
func (d *DB) CreateSession(ctx context.Context, jti, userID string, issuedAt, expiresAt int64) error {
	if jti == "" || userID == "" {
		return errors.New("jti and user id are required")
	}
	return withRetry(func() error {
		_, err := d.sql.ExecContext(ctx, `
INSERT INTO sessions(jti, user_id, issued_at, expires_at) VALUES(?, ?, ?, ?)
`, jti, userID, issuedAt, expiresAt)
		return err
	})
}

// ListSessionsForUser returns all recorded sessions for a user, newest first.
func (d *DB) ListSessionsForUser(ctx context.Context, userID string) ([]Session, error) {
	rows, err := d.sql.QueryContext(ctx, `
SELECT jti, user_id, issued_at, expires_at FROM sessions WHERE user_id = ? ORDER BY issued_at DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.JTI, &s.UserID, &s.IssuedAt, &s.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
