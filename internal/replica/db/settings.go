package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
)

// Well-known settings keys.
const (
	SettingLastPullAt = "last_pull_at"
)

// GetSetting returns the value stored under key and whether it exists.
func (q *Queries) GetSetting(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := q.q.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read setting %s: %w", key, err)
	}
	return value, true, nil
}

// SetSetting stores value under key.
func (q *Queries) SetSetting(ctx context.Context, key, value string) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

// DeleteSetting removes key. Missing keys are ignored.
func (q *Queries) DeleteSetting(ctx context.Context, key string) error {
	if _, err := q.q.ExecContext(ctx, `DELETE FROM settings WHERE key = ?`, key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// LastPullAt returns the server time of the last completed pull, or 0.
func (q *Queries) LastPullAt(ctx context.Context) (int64, error) {
	v, ok, err := q.GetSetting(ctx, SettingLastPullAt)
	if err != nil || !ok {
		return 0, err
	}
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s setting %q: %w", SettingLastPullAt, v, err)
	}
	return ms, nil
}

// SetLastPullAt records the server time of a completed pull.
func (q *Queries) SetLastPullAt(ctx context.Context, ms int64) error {
	return q.SetSetting(ctx, SettingLastPullAt, strconv.FormatInt(ms, 10))
}
