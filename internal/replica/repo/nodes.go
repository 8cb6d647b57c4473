package repo

import (
	"context"
	"fmt"

	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/schema"
)

// NodeFields are the user fields of a new node. An empty ID is assigned.
// Level is derived from the parent.
type NodeFields struct {
	ID       string
	MapID    string
	ParentID *string
	Label    string
	Content  string
	PosX     float64
	PosY     float64
	Color    string
}

// NodePatch is a partial node update. Nil fields are left unchanged.
type NodePatch struct {
	Label   *string
	Content *string
	PosX    *float64
	PosY    *float64
	Color   *string
}

// Position is a node's canvas coordinate.
type Position struct {
	X, Y float64
}

// Nodes is the repository of map nodes.
type Nodes struct {
	r *Repository
}

// Create inserts a node and returns its id. The map, and the parent when
// given, must be active; a child's level is its parent's plus one.
func (s *Nodes) Create(ctx context.Context, f NodeFields) (string, error) {
	now := s.r.clock.Now()
	n := &schema.Node{
		ID: f.ID, MapID: f.MapID, ParentID: f.ParentID,
		Label: f.Label, Content: f.Content,
		PosX: f.PosX, PosY: f.PosY, Color: f.Color,
		Meta: newMeta(now),
	}
	if n.ID == "" {
		n.ID = schema.NewID()
	}
	if err := n.Validate(); err != nil {
		return "", err
	}

	err := s.r.store.WithTx(ctx, func(tx *db.Queries) error {
		m, err := tx.GetMap(ctx, n.MapID)
		if err != nil {
			return err
		}
		if m == nil || m.Deleted() {
			return fmt.Errorf("%w: map %s not found", ErrInvalidReference, n.MapID)
		}
		if n.ParentID != nil {
			parent, err := tx.GetNode(ctx, *n.ParentID)
			if err != nil {
				return err
			}
			if parent == nil || parent.Deleted() || parent.MapID != n.MapID {
				return fmt.Errorf("%w: parent node %s not found in map %s", ErrInvalidReference, *n.ParentID, n.MapID)
			}
			n.Level = parent.Level + 1
		}
		existing, err := tx.GetNode(ctx, n.ID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("node %s already exists", n.ID)
		}

		if err := tx.SaveNode(ctx, n); err != nil {
			return err
		}
		return s.r.recordChange(ctx, tx, schema.TableNodes, n.ID, schema.OpInsert, now)
	})
	if err != nil {
		return "", err
	}
	return n.ID, nil
}

// Get returns the active node with id, or nil.
func (s *Nodes) Get(ctx context.Context, id string) (*schema.Node, error) {
	n, err := s.r.store.GetNode(ctx, id)
	if err != nil || n == nil || n.Deleted() {
		return nil, err
	}
	return n, nil
}

// ListByMap returns the active nodes of a map.
func (s *Nodes) ListByMap(ctx context.Context, mapID string) ([]*schema.Node, error) {
	return s.r.store.NodesByMap(ctx, mapID)
}

// GetMany returns the active nodes among ids.
func (s *Nodes) GetMany(ctx context.Context, ids []string) ([]*schema.Node, error) {
	return s.r.store.GetNodes(ctx, ids)
}

// GetUpdatedAfter returns nodes modified after ms, soft-deleted ones included.
func (s *Nodes) GetUpdatedAfter(ctx context.Context, ms int64) ([]*schema.Node, error) {
	return s.r.store.NodesUpdatedAfter(ctx, ms)
}

// Update applies patch to the node. A patch that changes nothing is a no-op.
func (s *Nodes) Update(ctx context.Context, id string, patch NodePatch) error {
	return s.r.store.WithTx(ctx, func(tx *db.Queries) error {
		n, err := tx.GetNode(ctx, id)
		if err != nil || n == nil || n.Deleted() {
			return err
		}
		if !applyNodePatch(n, patch) {
			return nil
		}
		if err := n.Validate(); err != nil {
			return err
		}

		now := s.r.clock.Now()
		touch(&n.Meta, now)
		if err := tx.SaveNode(ctx, n); err != nil {
			return err
		}
		return s.r.recordChange(ctx, tx, schema.TableNodes, id, schema.OpUpdate, now)
	})
}

// UpdatePositions moves several nodes in one transaction. Unknown, deleted
// and unmoved nodes are skipped.
func (s *Nodes) UpdatePositions(ctx context.Context, positions map[string]Position) error {
	return s.r.store.WithTx(ctx, func(tx *db.Queries) error {
		for id, pos := range positions {
			n, err := tx.GetNode(ctx, id)
			if err != nil {
				return err
			}
			if n == nil || n.Deleted() {
				continue
			}
			if !applyNodePatch(n, NodePatch{PosX: &pos.X, PosY: &pos.Y}) {
				continue
			}

			now := s.r.clock.Now()
			touch(&n.Meta, now)
			if err := tx.SaveNode(ctx, n); err != nil {
				return err
			}
			if err := s.r.recordChange(ctx, tx, schema.TableNodes, id, schema.OpUpdate, now); err != nil {
				return err
			}
		}
		return nil
	})
}

// SoftDelete marks the node, its descendants and every edge touching them
// deleted, in one transaction with one change record per row.
func (s *Nodes) SoftDelete(ctx context.Context, id string) error {
	return s.r.store.WithTx(ctx, func(tx *db.Queries) error {
		n, err := tx.GetNode(ctx, id)
		if err != nil || n == nil || n.Deleted() {
			return err
		}

		now := s.r.clock.Now()
		queue := []*schema.Node{n}
		for len(queue) > 0 {
			cur := queue[0]
			queue = queue[1:]

			children, err := tx.NodeChildren(ctx, cur.ID)
			if err != nil {
				return err
			}
			queue = append(queue, children...)

			if err := s.deleteRow(ctx, tx, cur, now); err != nil {
				return err
			}
			edges, err := tx.EdgesTouching(ctx, cur.ID)
			if err != nil {
				return err
			}
			for _, e := range edges {
				if err := s.r.Edges.deleteRow(ctx, tx, e, now); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func (s *Nodes) deleteRow(ctx context.Context, tx *db.Queries, n *schema.Node, now int64) error {
	markDeleted(&n.Meta, now)
	if err := tx.SaveNode(ctx, n); err != nil {
		return err
	}
	return s.r.recordChange(ctx, tx, schema.TableNodes, n.ID, schema.OpDelete, now)
}

func applyNodePatch(n *schema.Node, p NodePatch) bool {
	changed := setString(&n.Label, p.Label)
	changed = setString(&n.Content, p.Content) || changed
	changed = setFloat(&n.PosX, p.PosX) || changed
	changed = setFloat(&n.PosY, p.PosY) || changed
	changed = setString(&n.Color, p.Color) || changed
	return changed
}
