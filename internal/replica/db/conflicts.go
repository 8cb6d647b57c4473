package db

import (
	"context"
	"fmt"

	"github.com/mapsync/mapsync/internal/replica/schema"
)

// SaveConflict stores a conflict, replacing an older one for the same record.
func (q *Queries) SaveConflict(ctx context.Context, c schema.Conflict) error {
	_, err := q.q.ExecContext(ctx, `
	INSERT INTO sync_conflicts (
		table_name, record_id,
		local_title, local_version, local_updated_at,
		remote_title, remote_version, remote_updated_at,
		detected_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(table_name, record_id) DO UPDATE SET
		local_title = excluded.local_title,
		local_version = excluded.local_version,
		local_updated_at = excluded.local_updated_at,
		remote_title = excluded.remote_title,
		remote_version = excluded.remote_version,
		remote_updated_at = excluded.remote_updated_at,
		detected_at = excluded.detected_at`,
		string(c.Table), c.RecordID,
		c.Local.Title, c.Local.Version, c.Local.UpdatedAt,
		c.Remote.Title, c.Remote.Version, c.Remote.UpdatedAt,
		c.DetectedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save conflict %s/%s: %w", c.Table, c.RecordID, err)
	}
	return nil
}

// DeleteConflict removes the conflict of one record, if any.
func (q *Queries) DeleteConflict(ctx context.Context, table schema.Table, id string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM sync_conflicts WHERE table_name = ? AND record_id = ?`, string(table), id)
	if err != nil {
		return fmt.Errorf("failed to delete conflict %s/%s: %w", table, id, err)
	}
	return nil
}

// ListConflicts returns unresolved conflicts, oldest first.
func (q *Queries) ListConflicts(ctx context.Context) ([]schema.Conflict, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT table_name, record_id,
		       local_title, local_version, local_updated_at,
		       remote_title, remote_version, remote_updated_at,
		       detected_at
		FROM sync_conflicts
		ORDER BY detected_at, table_name, record_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query conflicts: %w", err)
	}
	defer rows.Close()

	var out []schema.Conflict
	for rows.Next() {
		var c schema.Conflict
		var table string
		if err := rows.Scan(&table, &c.RecordID,
			&c.Local.Title, &c.Local.Version, &c.Local.UpdatedAt,
			&c.Remote.Title, &c.Remote.Version, &c.Remote.UpdatedAt,
			&c.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan conflict: %w", err)
		}
		c.Table = schema.Table(table)
		c.Local.ID = c.RecordID
		c.Remote.ID = c.RecordID
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate conflicts: %w", err)
	}
	return out, nil
}
