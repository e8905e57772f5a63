package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"farmtrack/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

func scanCredential(row *sql.Row) (domain.Credential, error) {
	var (
		c       domain.Credential
		role    string
		created string
		expires sql.NullString
	)
	err := row.Scan(&c.SessionID, &c.Token, &c.User.ID, &c.User.Username, &role, &created, &expires)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.User.Role = domain.Role(role)
	c.CreatedAt, _ = time.Parse(time.RFC3339, created)
	if expires.Valid {
		c.ExpiresAt, _ = time.Parse(time.RFC3339, expires.String)
	}
	return c, nil
}

// SaveCredential inserts or replaces the credential held by a session.
func (r Repo) SaveCredential(ctx context.Context, c domain.Credential) error {
	if strings.TrimSpace(c.SessionID) == "" {
		return errors.New("session id required")
	}
	if c.Token == "" {
		return errors.New("token required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO sessions(id,token,user_id,username,role,created_at,expires_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET token=excluded.token, user_id=excluded.user_id, username=excluded.username, role=excluded.role, created_at=excluded.created_at, expires_at=excluded.expires_at`,
		c.SessionID, c.Token, c.User.ID, c.User.Username, string(c.User.Role), formatTime(c.CreatedAt), nullableTime(c.ExpiresAt))
	return err
}

func (r Repo) GetCredential(ctx context.Context, sessionID string) (domain.Credential, error) {
	return scanCredential(r.DB.QueryRowContext(ctx, `SELECT id,token,user_id,username,role,created_at,expires_at FROM sessions WHERE id=?`, sessionID))
}

// DeleteCredential removes a session's credential. Deleting a missing row is
// not an error.
func (r Repo) DeleteCredential(ctx context.Context, sessionID string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE id=?`, sessionID)
	return err
}

// PurgeExpired deletes credentials whose expiry is at or before now and
// returns how many were removed.
func (r Repo) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at IS NOT NULL AND expires_at <= ?`, formatTime(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountCredentials returns the number of stored sessions.
func (r Repo) CountCredentials(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions`).Scan(&n)
	return n, err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return formatTime(t)
}
