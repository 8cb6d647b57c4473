package repo

import (
	"context"
	"fmt"

	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/schema"
)

// MapFields are the user fields of a new map. An empty ID is assigned.
type MapFields struct {
	ID          string
	Title       string
	Description string
}

// MapPatch is a partial map update. Nil fields are left unchanged.
type MapPatch struct {
	Title       *string
	Description *string
}

// Maps is the repository of map containers.
type Maps struct {
	r *Repository
}

// Create inserts a map and returns its id.
func (s *Maps) Create(ctx context.Context, f MapFields) (string, error) {
	now := s.r.clock.Now()
	m := &schema.Map{ID: f.ID, Title: f.Title, Description: f.Description, Meta: newMeta(now)}
	if m.ID == "" {
		m.ID = schema.NewID()
	}
	if err := m.Validate(); err != nil {
		return "", err
	}

	err := s.r.store.WithTx(ctx, func(tx *db.Queries) error {
		existing, err := tx.GetMap(ctx, m.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("map %s already exists", m.ID)
		}
		if err := tx.SaveMap(ctx, m); err != nil {
			return err
		}
		return s.r.recordChange(ctx, tx, schema.TableMaps, m.ID, schema.OpInsert, now)
	})
	if err != nil {
		return "", err
	}
	return m.ID, nil
}

// Get returns the active map with id, or nil.
func (s *Maps) Get(ctx context.Context, id string) (*schema.Map, error) {
	m, err := s.r.store.GetMap(ctx, id)
	if err != nil || m == nil || m.Deleted() {
		return nil, err
	}
	return m, nil
}

// List returns every active map.
func (s *Maps) List(ctx context.Context) ([]*schema.Map, error) {
	return s.r.store.ListMaps(ctx)
}

// GetMany returns the active maps among ids.
func (s *Maps) GetMany(ctx context.Context, ids []string) ([]*schema.Map, error) {
	return s.r.store.GetMaps(ctx, ids)
}

// GetUpdatedAfter returns maps modified after ms, soft-deleted ones included.
func (s *Maps) GetUpdatedAfter(ctx context.Context, ms int64) ([]*schema.Map, error) {
	return s.r.store.MapsUpdatedAfter(ctx, ms)
}

// Update applies patch to the map. A patch that changes nothing is a no-op.
func (s *Maps) Update(ctx context.Context, id string, patch MapPatch) error {
	return s.r.store.WithTx(ctx, func(tx *db.Queries) error {
		m, err := tx.GetMap(ctx, id)
		if err != nil || m == nil || m.Deleted() {
			return err
		}

		changed := setString(&m.Title, patch.Title)
		changed = setString(&m.Description, patch.Description) || changed
		if !changed {
			return nil
		}
		if err := m.Validate(); err != nil {
			return err
		}

		now := s.r.clock.Now()
		touch(&m.Meta, now)
		if err := tx.SaveMap(ctx, m); err != nil {
			return err
		}
		return s.r.recordChange(ctx, tx, schema.TableMaps, id, schema.OpUpdate, now)
	})
}

// SoftDelete marks the map deleted and cascades to its nodes and edges, all
// in one transaction with one change record per row.
func (s *Maps) SoftDelete(ctx context.Context, id string) error {
	return s.r.store.WithTx(ctx, func(tx *db.Queries) error {
		m, err := tx.GetMap(ctx, id)
		if err != nil || m == nil || m.Deleted() {
			return err
		}

		now := s.r.clock.Now()
		markDeleted(&m.Meta, now)
		if err := tx.SaveMap(ctx, m); err != nil {
			return err
		}
		if err := s.r.recordChange(ctx, tx, schema.TableMaps, id, schema.OpDelete, now); err != nil {
			return err
		}

		nodes, err := tx.NodesByMap(ctx, id)
		if err != nil {
			return err
		}
		for _, n := range nodes {
			if err := s.r.Nodes.deleteRow(ctx, tx, n, now); err != nil {
				return err
			}
		}

		edges, err := tx.EdgesByMap(ctx, id)
		if err != nil {
			return err
		}
		for _, e := range edges {
			if err := s.r.Edges.deleteRow(ctx, tx, e, now); err != nil {
				return err
			}
		}
		return nil
	})
}
