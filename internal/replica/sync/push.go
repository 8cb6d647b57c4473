package sync

import (
	"context"
	"errors"

	"github.com/mapsync/mapsync/internal/remote"
	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/schema"
)

// pendingRecord is the queued log entries of one record.
type pendingRecord struct {
	key     schema.RecordKey
	logIDs  []int64
	deleted bool
}

// pushed is a record the remote side accepted.
type pushed struct {
	key       schema.RecordKey
	logIDs    []int64
	version   int64
	updatedAt int64
	exists    bool
}

type pushOutcome struct {
	retrying int
	aborted  bool
}

// groupChanges collapses the log into one entry per record, keeping the
// order of first appearance within each table.
func groupChanges(changes []schema.ChangeRecord) map[schema.Table][]*pendingRecord {
	groups := make(map[schema.Table][]*pendingRecord)
	index := make(map[schema.RecordKey]*pendingRecord)
	for _, c := range changes {
		key := schema.RecordKey{Table: c.Table, ID: c.RecordID}
		p, ok := index[key]
		if !ok {
			p = &pendingRecord{key: key}
			index[key] = p
			groups[c.Table] = append(groups[c.Table], p)
		}
		p.logIDs = append(p.logIDs, c.LogID)
		if c.Operation == schema.OpDelete {
			p.deleted = true
		}
	}
	return groups
}

func (e *Engine) push(ctx context.Context, res *Result) (pushOutcome, error) {
	var out pushOutcome

	changes, err := e.store.ListChanges(ctx)
	if err != nil {
		return out, local(err)
	}
	if len(changes) == 0 {
		return out, nil
	}
	e.logger.Printf("Pushing %d change records", len(changes))
	groups := groupChanges(changes)

	for _, table := range []schema.Table{schema.TableMaps, schema.TableNodes} {
		var done []pushed
		for _, p := range groups[table] {
			if e.conflicts.Has(p.key) {
				continue
			}
			ok, err := e.pushRecord(ctx, p, res, &out, &done)
			if err != nil {
				return out, err
			}
			if !ok {
				break
			}
		}
		if err := e.commitPushed(ctx, done); err != nil {
			return out, err
		}
		res.Synced += len(done)
		if out.aborted {
			return out, nil
		}
	}

	if err := e.pushEdges(ctx, groups[schema.TableEdges], res, &out); err != nil {
		return out, err
	}
	return out, nil
}

// pushRecord sends one map or node. It returns false when the push must stop.
func (e *Engine) pushRecord(ctx context.Context, p *pendingRecord, res *Result, out *pushOutcome, done *[]pushed) (bool, error) {
	record, meta, err := loadRecord(ctx, e.store.Queries, p.key)
	if err != nil {
		return false, local(err)
	}

	if p.deleted || meta == nil || meta.Deleted() {
		err = e.remote.Delete(ctx, p.key.Table, p.key.ID)
	} else {
		err = e.remote.Upsert(ctx, p.key.Table, p.key.ID, record)
	}

	if err == nil {
		e.clearRetries(p.key)
		pr := pushed{key: p.key, logIDs: p.logIDs, exists: meta != nil}
		if meta != nil {
			pr.version, pr.updatedAt = meta.Version, meta.UpdatedAt
		}
		*done = append(*done, pr)
		return true, nil
	}
	return e.handlePushError(ctx, p.key, record, err, res, out)
}

func (e *Engine) handlePushError(ctx context.Context, key schema.RecordKey, record any, err error, res *Result, out *pushOutcome) (bool, error) {
	var cerr *remote.ConflictError
	switch {
	case errors.As(err, &cerr):
		res.Conflicts++
		e.clearRetries(key)
		if err := e.raiseConflict(ctx, key, snapshotOf(record), cerr.Remote); err != nil {
			return false, err
		}
		return true, nil
	case errors.Is(err, remote.ErrUnauthorized):
		return false, err
	}

	e.logger.Printf("WARNING: failed to push %s: %v", key, err)
	if e.noteFailure(key) {
		res.Failed++
	} else {
		out.retrying++
	}
	if remote.IsTransport(err) {
		out.aborted = true
		return false, nil
	}
	return true, nil
}

// pushEdges sends pending edges as one bundle per map.
func (e *Engine) pushEdges(ctx context.Context, pending []*pendingRecord, res *Result, out *pushOutcome) error {
	type bundle struct {
		mapID   string
		edges   []*schema.Edge
		records []*pendingRecord
	}
	var order []string
	bundles := make(map[string]*bundle)
	var orphaned []pushed

	for _, p := range pending {
		if e.conflicts.Has(p.key) {
			continue
		}
		edge, err := e.store.GetEdge(ctx, p.key.ID)
		if err != nil {
			return local(err)
		}
		if edge == nil {
			// Purged locally; nothing left to send.
			orphaned = append(orphaned, pushed{key: p.key, logIDs: p.logIDs})
			continue
		}
		b, ok := bundles[edge.MapID]
		if !ok {
			b = &bundle{mapID: edge.MapID}
			bundles[edge.MapID] = b
			order = append(order, edge.MapID)
		}
		b.edges = append(b.edges, edge)
		b.records = append(b.records, p)
	}
	if err := e.commitPushed(ctx, orphaned); err != nil {
		return err
	}

	for _, mapID := range order {
		b := bundles[mapID]
		result, err := e.remote.PutEdges(ctx, mapID, b.edges)
		if errors.Is(err, remote.ErrNotFound) && allDeleted(b.edges) {
			// The map never reached the remote side; its deleted edges are moot.
			err = nil
		}

		if err == nil {
			// Edges refused by the version rule are conflicts like a 409 on
			// a single record; the rest of the bundle was stored.
			var done []pushed
			for i, edge := range b.edges {
				p := b.records[i]
				e.clearRetries(p.key)
				if lost, stale := result.IsStale(edge.ID); stale {
					res.Conflicts++
					if err := e.raiseConflict(ctx, p.key, edge.Snapshot(), lost); err != nil {
						return err
					}
					continue
				}
				done = append(done, pushed{
					key:       p.key,
					logIDs:    p.logIDs,
					version:   edge.Version,
					updatedAt: edge.UpdatedAt,
					exists:    true,
				})
			}
			if err := e.commitPushed(ctx, done); err != nil {
				return err
			}
			continue
		}

		if errors.Is(err, remote.ErrUnauthorized) {
			return err
		}
		e.logger.Printf("WARNING: failed to push %d edges of map %s: %v", len(b.edges), mapID, err)
		for _, p := range b.records {
			if e.noteFailure(p.key) {
				res.Failed++
			} else {
				out.retrying++
			}
		}
		if remote.IsTransport(err) {
			out.aborted = true
			return nil
		}
	}
	return nil
}

// commitPushed consumes the log entries of accepted records and marks them
// synced, in one transaction. A record edited again while its push was in
// flight stays unsynced; its last_synced_at still moves to the pushed
// updated_at so the pull echo of that push is not taken for a remote edit.
func (e *Engine) commitPushed(ctx context.Context, done []pushed) error {
	if len(done) == 0 {
		return nil
	}
	now := e.clock.Now()
	err := e.store.WithTx(ctx, func(tx *db.Queries) error {
		for _, p := range done {
			if err := tx.DeleteChanges(ctx, p.logIDs); err != nil {
				return err
			}
			if !p.exists {
				continue
			}
			ok, err := tx.MarkSynced(ctx, p.key.Table, p.key.ID, p.version, now)
			if err != nil {
				return err
			}
			if !ok {
				if err := tx.MarkPushed(ctx, p.key.Table, p.key.ID, p.updatedAt); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return local(err)
}

// raiseConflict routes a conflict raised by push: surfaced under the manual
// policy, settled right away under last-write-wins.
func (e *Engine) raiseConflict(ctx context.Context, key schema.RecordKey, mine, incoming schema.Snapshot) error {
	if e.cfg.Policy != PolicyLastWriteWins {
		return local(e.conflicts.Add(ctx, schema.Conflict{
			Table:    key.Table,
			RecordID: key.ID,
			Local:    mine,
			Remote:   incoming,
		}))
	}
	if incoming.UpdatedAt >= mine.UpdatedAt {
		return local(e.conflicts.UseRemote(ctx, key))
	}
	return local(e.conflicts.KeepLocal(ctx, key, incoming))
}

func allDeleted(edges []*schema.Edge) bool {
	for _, e := range edges {
		if !e.Deleted() {
			return false
		}
	}
	return true
}
