package db

import (
	"context"
	"fmt"

	"github.com/mapsync/mapsync/internal/replica/schema"
)

// QueueRefetch asks the next sync to overwrite a row with its remote copy.
func (q *Queries) QueueRefetch(ctx context.Context, table schema.Table, id string, at int64) error {
	_, err := q.q.ExecContext(ctx, `
		INSERT INTO sync_refetch (table_name, record_id, requested_at) VALUES (?, ?, ?)
		ON CONFLICT(table_name, record_id) DO UPDATE SET requested_at = excluded.requested_at`,
		string(table), id, at)
	if err != nil {
		return fmt.Errorf("failed to queue refetch of %s/%s: %w", table, id, err)
	}
	return nil
}

// ListRefetch returns the queued refetch requests, oldest first.
func (q *Queries) ListRefetch(ctx context.Context) ([]schema.RecordKey, error) {
	rows, err := q.q.QueryContext(ctx, `SELECT table_name, record_id FROM sync_refetch ORDER BY requested_at, table_name, record_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to query refetch queue: %w", err)
	}
	defer rows.Close()

	var out []schema.RecordKey
	for rows.Next() {
		var table, id string
		if err := rows.Scan(&table, &id); err != nil {
			return nil, fmt.Errorf("failed to scan refetch request: %w", err)
		}
		out = append(out, schema.RecordKey{Table: schema.Table(table), ID: id})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate refetch queue: %w", err)
	}
	return out, nil
}

// DeleteRefetch removes a served refetch request.
func (q *Queries) DeleteRefetch(ctx context.Context, table schema.Table, id string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM sync_refetch WHERE table_name = ? AND record_id = ?`, string(table), id)
	if err != nil {
		return fmt.Errorf("failed to delete refetch of %s/%s: %w", table, id, err)
	}
	return nil
}
