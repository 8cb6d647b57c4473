// Package repo is the write path of a mapsync replica.
//
// Every mutating method runs in one transaction that changes the row, bumps
// its version, clears its synced flag, stamps updated_at and calls
// recordChange exactly once per affected row. Writes that leave every
// tracked column unchanged are no-ops and record nothing, and sync metadata
// written by the sync engine never goes through this package, so the change
// log only ever holds user-visible mutations.
//
// Referencing a missing or already-deleted id in Update or SoftDelete is a
// no-op, never an error: offline retries must stay idempotent.
package repo

import (
	"context"
	"errors"

	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/schema"
)

// ErrInvalidReference is returned when a create references a map or node
// that does not exist or is deleted.
var ErrInvalidReference = errors.New("invalid reference")

// Repository groups the per-entity repositories of one replica.
type Repository struct {
	Maps  *Maps
	Nodes *Nodes
	Edges *Edges

	store *db.DB
	clock *schema.Clock
}

// New creates a repository over store. A nil clock reads wall time.
func New(store *db.DB, clock *schema.Clock) *Repository {
	if clock == nil {
		clock = schema.NewClock(nil)
	}
	r := &Repository{store: store, clock: clock}
	r.Maps = &Maps{r: r}
	r.Nodes = &Nodes{r: r}
	r.Edges = &Edges{r: r}
	return r
}

// PendingCount returns the number of change records awaiting push.
func (r *Repository) PendingCount(ctx context.Context) (int, error) {
	return r.store.CountChanges(ctx)
}

// recordChange appends the change record for one tracked mutation.
func (r *Repository) recordChange(ctx context.Context, tx *db.Queries, table schema.Table, id string, op schema.Operation, at int64) error {
	_, err := tx.AppendChange(ctx, table, id, op, at)
	return err
}

// touch applies the metadata side of a tracked mutation. updated_at never
// moves backwards, even when the row carries a stamp from a remote clock
// ahead of ours.
func touch(m *schema.Meta, now int64) {
	m.Version++
	m.IsSynced = false
	m.UpdatedAt = max(now, m.UpdatedAt+1)
}

// markDeleted soft-deletes a row as part of a tracked mutation.
func markDeleted(m *schema.Meta, now int64) {
	touch(m, now)
	m.DeletedAt = &now
}

func newMeta(now int64) schema.Meta {
	return schema.Meta{Version: 1, CreatedAt: now, UpdatedAt: now}
}

func setString(dst *string, v *string) bool {
	if v == nil || *dst == *v {
		return false
	}
	*dst = *v
	return true
}

func setFloat(dst *float64, v *float64) bool {
	if v == nil || *dst == *v {
		return false
	}
	*dst = *v
	return true
}
