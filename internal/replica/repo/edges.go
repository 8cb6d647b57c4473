package repo

import (
	"context"
	"fmt"

	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/schema"
)

// EdgeFields are the user fields of a new edge. An empty ID is assigned.
type EdgeFields struct {
	ID       string
	MapID    string
	SourceID string
	TargetID string
	Label    string
	Style    string
}

// EdgePatch is a partial edge update. Nil fields are left unchanged.
type EdgePatch struct {
	Label *string
	Style *string
}

// Edges is the repository of node links.
type Edges struct {
	r *Repository
}

// Create inserts an edge and returns its id. Both endpoints must be active
// nodes of the edge's map.
func (s *Edges) Create(ctx context.Context, f EdgeFields) (string, error) {
	now := s.r.clock.Now()
	e := &schema.Edge{
		ID: f.ID, MapID: f.MapID, SourceID: f.SourceID, TargetID: f.TargetID,
		Label: f.Label, Style: f.Style,
		Meta: newMeta(now),
	}
	if e.ID == "" {
		e.ID = schema.NewID()
	}
	if err := e.Validate(); err != nil {
		return "", err
	}

	err := s.r.store.WithTx(ctx, func(tx *db.Queries) error {
		m, err := tx.GetMap(ctx, e.MapID)
		if err != nil {
			return err
		}
		if m == nil || m.Deleted() {
			return fmt.Errorf("%w: map %s not found", ErrInvalidReference, e.MapID)
		}
		for _, nodeID := range []string{e.SourceID, e.TargetID} {
			n, err := tx.GetNode(ctx, nodeID)
			if err != nil {
				return err
			}
			if n == nil || n.Deleted() || n.MapID != e.MapID {
				return fmt.Errorf("%w: node %s not found in map %s", ErrInvalidReference, nodeID, e.MapID)
			}
		}
		existing, err := tx.GetEdge(ctx, e.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("edge %s already exists", e.ID)
		}

		if err := tx.SaveEdge(ctx, e); err != nil {
			return err
		}
		return s.r.recordChange(ctx, tx, schema.TableEdges, e.ID, schema.OpInsert, now)
	})
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// Get returns the active edge with id, or nil.
func (s *Edges) Get(ctx context.Context, id string) (*schema.Edge, error) {
	e, err := s.r.store.GetEdge(ctx, id)
	if err != nil || e == nil || e.Deleted() {
		return nil, err
	}
	return e, nil
}

// ListByMap returns the active edges of a map.
func (s *Edges) ListByMap(ctx context.Context, mapID string) ([]*schema.Edge, error) {
	return s.r.store.EdgesByMap(ctx, mapID)
}

// GetMany returns the active edges among ids.
func (s *Edges) GetMany(ctx context.Context, ids []string) ([]*schema.Edge, error) {
	return s.r.store.GetEdges(ctx, ids)
}

// GetUpdatedAfter returns edges modified after ms, soft-deleted ones included.
func (s *Edges) GetUpdatedAfter(ctx context.Context, ms int64) ([]*schema.Edge, error) {
	return s.r.store.EdgesUpdatedAfter(ctx, ms)
}

// Update applies patch to the edge. A patch that changes nothing is a no-op.
func (s *Edges) Update(ctx context.Context, id string, patch EdgePatch) error {
	return s.r.store.WithTx(ctx, func(tx *db.Queries) error {
		e, err := tx.GetEdge(ctx, id)
		if err != nil || e == nil || e.Deleted() {
			return err
		}
		changed := setString(&e.Label, patch.Label)
		changed = setString(&e.Style, patch.Style) || changed
		if !changed {
			return nil
		}

		now := s.r.clock.Now()
		touch(&e.Meta, now)
		if err := tx.SaveEdge(ctx, e); err != nil {
			return err
		}
		return s.r.recordChange(ctx, tx, schema.TableEdges, id, schema.OpUpdate, now)
	})
}

// SoftDelete marks the edge deleted.
func (s *Edges) SoftDelete(ctx context.Context, id string) error {
	return s.r.store.WithTx(ctx, func(tx *db.Queries) error {
		e, err := tx.GetEdge(ctx, id)
		if err != nil || e == nil || e.Deleted() {
			return err
		}
		return s.deleteRow(ctx, tx, e, s.r.clock.Now())
	})
}

func (s *Edges) deleteRow(ctx context.Context, tx *db.Queries, e *schema.Edge, now int64) error {
	markDeleted(&e.Meta, now)
	if err := tx.SaveEdge(ctx, e); err != nil {
		return err
	}
	return s.r.recordChange(ctx, tx, schema.TableEdges, e.ID, schema.OpDelete, now)
}
