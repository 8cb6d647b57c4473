package sync

import (
	"context"
	"fmt"

	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/schema"
)

// loadRecord returns the current row of any table with its metadata, or
// nils when the row no longer exists.
func loadRecord(ctx context.Context, q *db.Queries, key schema.RecordKey) (any, *schema.Meta, error) {
	switch key.Table {
	case schema.TableMaps:
		m, err := q.GetMap(ctx, key.ID)
		if err != nil || m == nil {
			return nil, nil, err
		}
		return m, &m.Meta, nil
	case schema.TableNodes:
		n, err := q.GetNode(ctx, key.ID)
		if err != nil || n == nil {
			return nil, nil, err
		}
		return n, &n.Meta, nil
	case schema.TableEdges:
		ed, err := q.GetEdge(ctx, key.ID)
		if err != nil || ed == nil {
			return nil, nil, err
		}
		return ed, &ed.Meta, nil
	}
	return nil, nil, fmt.Errorf("unknown table %q", key.Table)
}

func saveRecord(ctx context.Context, q *db.Queries, record any) error {
	switch r := record.(type) {
	case *schema.Map:
		return q.SaveMap(ctx, r)
	case *schema.Node:
		return q.SaveNode(ctx, r)
	case *schema.Edge:
		return q.SaveEdge(ctx, r)
	}
	return fmt.Errorf("unsupported record type %T", record)
}

func metaOf(record any) *schema.Meta {
	switch r := record.(type) {
	case *schema.Map:
		return &r.Meta
	case *schema.Node:
		return &r.Meta
	case *schema.Edge:
		return &r.Meta
	}
	return &schema.Meta{}
}

func snapshotOf(record any) schema.Snapshot {
	switch r := record.(type) {
	case *schema.Map:
		return r.Snapshot()
	case *schema.Node:
		return r.Snapshot()
	case *schema.Edge:
		return r.Snapshot()
	}
	return schema.Snapshot{}
}
