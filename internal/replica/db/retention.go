package db

import (
	"context"
	"fmt"
	"time"
)

// DefaultRetention is how long a synced soft-deleted row is kept.
const DefaultRetention = 30 * 24 * time.Hour

// PurgeStats counts rows removed by PurgeDeleted.
type PurgeStats struct {
	Maps  int64 `json:"maps"`
	Nodes int64 `json:"nodes"`
	Edges int64 `json:"edges"`
}

// Total returns the number of purged rows.
func (s PurgeStats) Total() int64 {
	return s.Maps + s.Nodes + s.Edges
}

// PurgeDeleted hard-deletes rows that were soft-deleted before cutoff (ms)
// and are already synced. Unsynced deletions are kept until push confirms
// them. Runs in one transaction.
func (db *DB) PurgeDeleted(ctx context.Context, cutoff int64) (PurgeStats, error) {
	var stats PurgeStats
	err := db.WithTx(ctx, func(tx *Queries) error {
		for _, t := range []struct {
			name string
			n    *int64
		}{
			{"edges", &stats.Edges},
			{"nodes", &stats.Nodes},
			{"maps", &stats.Maps},
		} {
			res, err := tx.q.ExecContext(ctx,
				`DELETE FROM `+t.name+` WHERE deleted_at IS NOT NULL AND deleted_at < ? AND is_synced = 1`, cutoff)
			if err != nil {
				return fmt.Errorf("failed to purge %s: %w", t.name, err)
			}
			*t.n, _ = res.RowsAffected()
		}
		return nil
	})
	if err != nil {
		return PurgeStats{}, err
	}
	return stats, nil
}
