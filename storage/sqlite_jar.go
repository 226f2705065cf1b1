package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SQLiteJar persists cookies in a SQLite database so a tracker running outside a browser keeps
// the same profile across process restarts.
type SQLiteJar struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteJar creates the cookies table if needed.
func NewSQLiteJar(ctx context.Context, db *sql.DB) (*SQLiteJar, error) {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS cookies (
			name       TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at INTEGER NOT NULL DEFAULT 0
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to create cookies table: %w", err)
	}
	return &SQLiteJar{db: db, now: time.Now}, nil
}

func (j *SQLiteJar) Get(name string) (string, bool) {
	var (
		value     string
		expiresAt int64
	)
	err := j.db.QueryRow(`SELECT value, expires_at FROM cookies WHERE name = ?`, name).Scan(&value, &expiresAt)
	if err != nil {
		return "", false
	}
	if expiresAt != 0 && j.now().UnixMilli() >= expiresAt {
		return "", false
	}
	return value, true
}

func (j *SQLiteJar) Set(name, value string, ttl time.Duration) error {
	if name == "" {
		return ErrInvalidName
	}
	var expiresAt int64
	if ttl > 0 {
		expiresAt = j.now().Add(ttl).UnixMilli()
	}

	_, err := j.db.Exec(`
		INSERT INTO cookies (name, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at
	`, name, value, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to write cookie %q: %w", name, err)
	}
	return nil
}

func (j *SQLiteJar) Delete(name string) error {
	_, err := j.db.Exec(`DELETE FROM cookies WHERE name = ?`, name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to delete cookie %q: %w", name, err)
	}
	return nil
}

// Purge removes expired cookies and reports how many were dropped.
func (j *SQLiteJar) Purge(ctx context.Context) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM cookies WHERE expires_at != 0 AND expires_at <= ?`, j.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("failed to purge cookies: %w", err)
	}
	return res.RowsAffected()
}
