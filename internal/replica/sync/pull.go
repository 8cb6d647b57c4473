package sync

import (
	"context"
	"errors"
	"fmt"

	"github.com/mapsync/mapsync/internal/remote"
	"github.com/mapsync/mapsync/internal/replica/conflict"
	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/schema"
)

// verdict is what pull does with one incoming record.
type verdict int

const (
	verdictInsert verdict = iota
	verdictMarkSynced
	verdictConflict
	verdictOverwrite
	verdictKeep
)

func (v verdict) String() string {
	switch v {
	case verdictInsert:
		return "insert"
	case verdictMarkSynced:
		return "mark-synced"
	case verdictConflict:
		return "conflict"
	case verdictOverwrite:
		return "overwrite"
	case verdictKeep:
		return "keep"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// decide classifies an incoming remote row against its local counterpart.
// local is nil when the row does not exist locally.
//
// Both sides changed since the last sync when the local row is unsynced,
// was edited after its last reconciliation, and the remote row either
// carries a different version or was written after that reconciliation.
// A remote row no newer than the reconciliation with a lower version is the
// echo of a push that has since been superseded locally, not a competing
// edit. Without a conflict the later updated_at wins; equal timestamps
// prefer the remote side.
func decide(local, in *schema.Meta) verdict {
	if local == nil {
		return verdictInsert
	}
	if local.Version == in.Version && local.UpdatedAt == in.UpdatedAt {
		return verdictMarkSynced
	}
	if !local.IsSynced && local.DivergedSinceSync() {
		if local.LastSyncedAt == nil {
			return verdictConflict
		}
		synced := *local.LastSyncedAt
		if in.UpdatedAt <= synced && in.Version < local.Version {
			return verdictKeep
		}
		if local.Version != in.Version || in.UpdatedAt > synced {
			return verdictConflict
		}
	}
	if in.UpdatedAt >= local.UpdatedAt {
		return verdictOverwrite
	}
	return verdictKeep
}

func (e *Engine) pull(ctx context.Context, res *Result) error {
	if err := e.refetch(ctx, res); err != nil {
		return err
	}

	since, err := e.store.LastPullAt(ctx)
	if err != nil {
		return local(err)
	}
	delta, err := e.remote.ListSince(ctx, since)
	if err != nil {
		return err
	}

	var found []schema.Conflict
	high := since
	for _, d := range delta.Maps {
		conflicts, err := e.applyDelta(ctx, d)
		if err != nil {
			return err
		}
		found = append(found, conflicts...)
		high = max(high, deltaHigh(d))
	}

	for _, c := range found {
		res.Conflicts++
		if err := e.conflicts.Add(ctx, c); err != nil {
			return local(err)
		}
	}

	next := delta.ServerTime
	if next == 0 {
		next = high
	}
	if err := e.store.SetLastPullAt(ctx, next); err != nil {
		return local(err)
	}
	e.logger.Printf("Pulled %d map deltas since %d", len(delta.Maps), since)
	return nil
}

// applyDelta reconciles one map's rows in one transaction. Conflicts found
// under the manual policy are returned for the caller to surface once the
// transaction committed.
func (e *Engine) applyDelta(ctx context.Context, d remote.MapDelta) ([]schema.Conflict, error) {
	var found []schema.Conflict
	now := e.clock.Now()
	err := e.store.WithTx(ctx, func(tx *db.Queries) error {
		found = found[:0]
		apply := func(key schema.RecordKey, in any, meta *schema.Meta) error {
			c, err := e.applyRecord(ctx, tx, key, in, meta, now)
			if err != nil {
				return err
			}
			if c != nil {
				found = append(found, *c)
			}
			return nil
		}

		if d.Map != nil {
			if err := apply(schema.RecordKey{Table: schema.TableMaps, ID: d.Map.ID}, d.Map, &d.Map.Meta); err != nil {
				return err
			}
		}
		for _, n := range d.Nodes {
			if err := apply(schema.RecordKey{Table: schema.TableNodes, ID: n.ID}, n, &n.Meta); err != nil {
				return err
			}
		}
		for _, ed := range d.Edges {
			if err := apply(schema.RecordKey{Table: schema.TableEdges, ID: ed.ID}, ed, &ed.Meta); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, local(fmt.Errorf("failed to apply delta of map %s: %w", d.MapID, err))
	}
	return found, nil
}

func (e *Engine) applyRecord(ctx context.Context, tx *db.Queries, key schema.RecordKey, in any, meta *schema.Meta, now int64) (*schema.Conflict, error) {
	if e.conflicts.Has(key) {
		// A person is deciding this one.
		return nil, nil
	}
	current, localMeta, err := loadRecord(ctx, tx, key)
	if err != nil {
		return nil, err
	}

	v := decide(localMeta, meta)
	if v == verdictConflict {
		incoming := snapshotOf(in)
		if e.cfg.Policy != PolicyLastWriteWins {
			return &schema.Conflict{
				Table:      key.Table,
				RecordID:   key.ID,
				Local:      snapshotOf(current),
				Remote:     incoming,
				DetectedAt: now,
			}, nil
		}
		if incoming.UpdatedAt >= localMeta.UpdatedAt {
			v = verdictOverwrite
		} else {
			e.logger.Printf("Keeping local %s over remote v%d", key, meta.Version)
			return nil, conflict.KeepLocalTx(ctx, tx, key, incoming, now)
		}
	}

	switch v {
	case verdictInsert, verdictOverwrite:
		meta.IsSynced = true
		meta.LastSyncedAt = &now
		if err := saveRecord(ctx, tx, in); err != nil {
			return nil, err
		}
		return nil, tx.DeleteChangesFor(ctx, key.Table, key.ID)
	case verdictMarkSynced:
		if _, err := tx.MarkSynced(ctx, key.Table, key.ID, meta.Version, now); err != nil {
			return nil, err
		}
		return nil, tx.DeleteChangesFor(ctx, key.Table, key.ID)
	}
	return nil, nil
}

// refetch overwrites the records queued by a use-remote resolution with
// their current remote state.
func (e *Engine) refetch(ctx context.Context, res *Result) error {
	keys, err := e.store.ListRefetch(ctx)
	if err != nil {
		return local(err)
	}
	for _, key := range keys {
		rec, err := e.fetch(ctx, key)
		gone := errors.Is(err, remote.ErrNotFound)
		if err != nil && !gone {
			return fmt.Errorf("failed to refetch %s: %w", key, err)
		}

		now := e.clock.Now()
		err = e.store.WithTx(ctx, func(tx *db.Queries) error {
			if gone {
				if err := tombstone(ctx, tx, key, now); err != nil {
					return err
				}
			} else {
				meta := metaOf(rec)
				meta.IsSynced = true
				meta.LastSyncedAt = &now
				if err := saveRecord(ctx, tx, rec); err != nil {
					return err
				}
			}
			if err := tx.DeleteChangesFor(ctx, key.Table, key.ID); err != nil {
				return err
			}
			return tx.DeleteRefetch(ctx, key.Table, key.ID)
		})
		if err != nil {
			return local(err)
		}
		res.Synced++
	}
	return nil
}

func (e *Engine) fetch(ctx context.Context, key schema.RecordKey) (any, error) {
	switch key.Table {
	case schema.TableMaps:
		return e.remote.GetMap(ctx, key.ID)
	case schema.TableNodes:
		return e.remote.GetNode(ctx, key.ID)
	case schema.TableEdges:
		return e.remote.GetEdge(ctx, key.ID)
	}
	return nil, fmt.Errorf("unknown table %q", key.Table)
}

// tombstone marks a local row deleted and synced after the remote side
// dropped it.
func tombstone(ctx context.Context, tx *db.Queries, key schema.RecordKey, now int64) error {
	rec, meta, err := loadRecord(ctx, tx, key)
	if err != nil || rec == nil {
		return err
	}
	if meta.DeletedAt == nil {
		meta.DeletedAt = &now
	}
	meta.IsSynced = true
	meta.LastSyncedAt = &now
	return saveRecord(ctx, tx, rec)
}

func deltaHigh(d remote.MapDelta) int64 {
	var high int64
	if d.Map != nil {
		high = d.Map.UpdatedAt
	}
	for _, n := range d.Nodes {
		high = max(high, n.UpdatedAt)
	}
	for _, ed := range d.Edges {
		high = max(high, ed.UpdatedAt)
	}
	return high
}
