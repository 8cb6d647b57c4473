package db

import (
	"context"
	"fmt"

	"github.com/mapsync/mapsync/internal/replica/schema"
)

// AppendChange writes one change record and returns its log id.
func (q *Queries) AppendChange(ctx context.Context, table schema.Table, id string, op schema.Operation, changedAt int64) (int64, error) {
	res, err := q.q.ExecContext(ctx,
		`INSERT INTO change_log (table_name, record_id, operation, changed_at) VALUES (?, ?, ?, ?)`,
		string(table), id, string(op), changedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to record %s of %s/%s: %w", op, table, id, err)
	}
	logID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read change log id: %w", err)
	}
	return logID, nil
}

// ListChanges returns the whole change log, oldest first.
func (q *Queries) ListChanges(ctx context.Context) ([]schema.ChangeRecord, error) {
	rows, err := q.q.QueryContext(ctx, `
		SELECT log_id, table_name, record_id, operation, changed_at
		FROM change_log
		ORDER BY changed_at ASC, log_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query change log: %w", err)
	}
	defer rows.Close()

	var out []schema.ChangeRecord
	for rows.Next() {
		var rec schema.ChangeRecord
		var table, op string
		if err := rows.Scan(&rec.LogID, &table, &rec.RecordID, &op, &rec.ChangedAt); err != nil {
			return nil, fmt.Errorf("failed to scan change record: %w", err)
		}
		rec.Table = schema.Table(table)
		rec.Operation = schema.Operation(op)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate change log: %w", err)
	}
	return out, nil
}

// DeleteChanges removes consumed change records by log id. Records appended
// after the caller read the log are left alone.
func (q *Queries) DeleteChanges(ctx context.Context, logIDs []int64) error {
	if len(logIDs) == 0 {
		return nil
	}
	args := make([]any, len(logIDs))
	for i, id := range logIDs {
		args[i] = id
	}
	query := `DELETE FROM change_log WHERE log_id IN (` + placeholders(len(logIDs)) + `)`
	if _, err := q.q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete %d change records: %w", len(logIDs), err)
	}
	return nil
}

// DeleteChangesFor drops every pending change record of one row.
func (q *Queries) DeleteChangesFor(ctx context.Context, table schema.Table, id string) error {
	_, err := q.q.ExecContext(ctx, `DELETE FROM change_log WHERE table_name = ? AND record_id = ?`, string(table), id)
	if err != nil {
		return fmt.Errorf("failed to drop changes of %s/%s: %w", table, id, err)
	}
	return nil
}

// HasChange reports whether a row has at least one pending change record.
func (q *Queries) HasChange(ctx context.Context, table schema.Table, id string) (bool, error) {
	var n int
	err := q.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM change_log WHERE table_name = ? AND record_id = ?`, string(table), id).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check changes of %s/%s: %w", table, id, err)
	}
	return n > 0, nil
}

// CountChanges returns the number of pending change records.
func (q *Queries) CountChanges(ctx context.Context) (int, error) {
	var count int
	if err := q.q.QueryRowContext(ctx, "SELECT COUNT(*) FROM change_log").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count change log: %w", err)
	}
	return count, nil
}
