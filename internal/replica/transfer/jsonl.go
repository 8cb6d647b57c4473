// Package transfer moves maps between a replica and JSONL files.
//
// An export file holds one record per line: maps first, then nodes ordered
// parents-before-children, then edges. Imports replay the file through the
// repository so every imported row is a tracked local change that the next
// sync pushes.
package transfer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/mapsync/mapsync/internal/replica/repo"
	"github.com/mapsync/mapsync/internal/replica/schema"
)

// Kind tags each line of an export file.
type Kind string

const (
	KindMap  Kind = "map"
	KindNode Kind = "node"
	KindEdge Kind = "edge"
)

// Record is one line of an export file. Exactly one of Map, Node and Edge
// is set, matching Kind.
type Record struct {
	Kind Kind         `json:"kind"`
	Map  *schema.Map  `json:"map,omitempty"`
	Node *schema.Node `json:"node,omitempty"`
	Edge *schema.Edge `json:"edge,omitempty"`
}

// Stats counts the records written or imported.
type Stats struct {
	Maps  int `json:"maps"`
	Nodes int `json:"nodes"`
	Edges int `json:"edges"`
}

// Total returns the number of records across all kinds.
func (s Stats) Total() int {
	return s.Maps + s.Nodes + s.Edges
}

// ImportOptions contains configuration for an import.
type ImportOptions struct {
	NewIDs bool // Assign fresh ids instead of reusing the file's
	DryRun bool // Validate without writing
}

// ImportResult contains statistics about an import.
type ImportResult struct {
	Stats
	Errors []string `json:"errors,omitempty"`
}

// Export writes the active maps among mapIDs (every active map when mapIDs
// is empty) with their nodes and edges to w.
func Export(ctx context.Context, r *repo.Repository, w io.Writer, mapIDs []string) (Stats, error) {
	var stats Stats

	var maps []*schema.Map
	var err error
	if len(mapIDs) == 0 {
		maps, err = r.Maps.List(ctx)
	} else {
		maps, err = r.Maps.GetMany(ctx, mapIDs)
		if err == nil && len(maps) != len(mapIDs) {
			err = missingMaps(mapIDs, maps)
		}
	}
	if err != nil {
		return stats, err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	write := func(rec Record) error {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode %s: %w", rec.Kind, err)
		}
		return nil
	}

	var nodes []*schema.Node
	var edges []*schema.Edge
	for _, m := range maps {
		if err := write(Record{Kind: KindMap, Map: m}); err != nil {
			return stats, err
		}
		stats.Maps++

		n, err := r.Nodes.ListByMap(ctx, m.ID)
		if err != nil {
			return stats, err
		}
		nodes = append(nodes, n...)
		e, err := r.Edges.ListByMap(ctx, m.ID)
		if err != nil {
			return stats, err
		}
		edges = append(edges, e...)
	}

	// Parents before children so an import can create nodes in file order.
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Level != nodes[j].Level {
			return nodes[i].Level < nodes[j].Level
		}
		return nodes[i].CreatedAt < nodes[j].CreatedAt
	})
	for _, n := range nodes {
		if err := write(Record{Kind: KindNode, Node: n}); err != nil {
			return stats, err
		}
		stats.Nodes++
	}
	for _, e := range edges {
		if err := write(Record{Kind: KindEdge, Edge: e}); err != nil {
			return stats, err
		}
		stats.Edges++
	}

	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("failed to flush export: %w", err)
	}
	return stats, nil
}

// ExportFile writes an export to path atomically via a temp file.
func ExportFile(ctx context.Context, r *repo.Repository, path string, mapIDs []string) (Stats, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return Stats{}, fmt.Errorf("failed to create export directory: %w", err)
	}

	tmpPath := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to create temp file: %w", err)
	}

	stats, err := Export(ctx, r, f, mapIDs)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("failed to close temp file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return stats, err
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return stats, fmt.Errorf("failed to rename temp file: %w", err)
	}
	return stats, nil
}

// Read parses an export stream.
func Read(rd io.Reader) ([]Record, error) {
	var records []Record
	dec := json.NewDecoder(rd)
	for line := 1; ; line++ {
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			if errors.Is(err, io.EOF) {
				return records, nil
			}
			return nil, fmt.Errorf("invalid JSON at record %d: %w", line, err)
		}
		if err := rec.check(); err != nil {
			return nil, fmt.Errorf("record %d: %w", line, err)
		}
		records = append(records, rec)
	}
}

func (rec Record) check() error {
	var ok bool
	switch rec.Kind {
	case KindMap:
		ok = rec.Map != nil && rec.Node == nil && rec.Edge == nil
	case KindNode:
		ok = rec.Node != nil && rec.Map == nil && rec.Edge == nil
	case KindEdge:
		ok = rec.Edge != nil && rec.Map == nil && rec.Node == nil
	default:
		return fmt.Errorf("unknown kind %q", rec.Kind)
	}
	if !ok {
		return fmt.Errorf("%s record must carry exactly one %s", rec.Kind, rec.Kind)
	}
	return nil
}

// Import replays records into the replica through the repository. Records
// that fail are reported in the result and skipped; a node or edge whose
// map or parent failed fails too. Imported rows start at version 1 and are
// pending push, whatever metadata the file carried.
func Import(ctx context.Context, r *repo.Repository, records []Record, opts ImportOptions) *ImportResult {
	result := &ImportResult{}
	ids := newRemapper(opts.NewIDs)

	fail := func(kind Kind, id string, err error) {
		result.Errors = append(result.Errors, fmt.Sprintf("failed to import %s %s: %v", kind, id, err))
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			result.Errors = append(result.Errors, err.Error())
			return result
		}

		switch rec.Kind {
		case KindMap:
			m := *rec.Map
			m.ID = ids.assign(m.ID)
			if err := m.Validate(); err != nil {
				fail(KindMap, rec.Map.ID, err)
				continue
			}
			if !opts.DryRun {
				if _, err := r.Maps.Create(ctx, repo.MapFields{ID: m.ID, Title: m.Title, Description: m.Description}); err != nil {
					fail(KindMap, rec.Map.ID, err)
					continue
				}
			}
			result.Maps++

		case KindNode:
			n := *rec.Node
			n.ID = ids.assign(n.ID)
			n.MapID = ids.lookup(n.MapID)
			if n.ParentID != nil {
				parent := ids.lookup(*n.ParentID)
				n.ParentID = &parent
			}
			if err := n.Validate(); err != nil {
				fail(KindNode, rec.Node.ID, err)
				continue
			}
			if !opts.DryRun {
				_, err := r.Nodes.Create(ctx, repo.NodeFields{
					ID: n.ID, MapID: n.MapID, ParentID: n.ParentID,
					Label: n.Label, Content: n.Content,
					PosX: n.PosX, PosY: n.PosY, Color: n.Color,
				})
				if err != nil {
					fail(KindNode, rec.Node.ID, err)
					continue
				}
			}
			result.Nodes++

		case KindEdge:
			e := *rec.Edge
			e.ID = ids.assign(e.ID)
			e.MapID = ids.lookup(e.MapID)
			e.SourceID = ids.lookup(e.SourceID)
			e.TargetID = ids.lookup(e.TargetID)
			if err := e.Validate(); err != nil {
				fail(KindEdge, rec.Edge.ID, err)
				continue
			}
			if !opts.DryRun {
				_, err := r.Edges.Create(ctx, repo.EdgeFields{
					ID: e.ID, MapID: e.MapID, SourceID: e.SourceID, TargetID: e.TargetID,
					Label: e.Label, Style: e.Style,
				})
				if err != nil {
					fail(KindEdge, rec.Edge.ID, err)
					continue
				}
			}
			result.Edges++
		}
	}
	return result
}

// ImportFile reads path and imports its records.
func ImportFile(ctx context.Context, r *repo.Repository, path string, opts ImportOptions) (*ImportResult, error) {
	// #nosec G304 - controlled path from CLI
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open export file: %w", err)
	}
	defer f.Close()

	records, err := Read(f)
	if err != nil {
		return nil, err
	}
	return Import(ctx, r, records, opts), nil
}

// remapper translates file ids to replica ids.
type remapper struct {
	fresh bool
	ids   map[string]string
}

func newRemapper(fresh bool) *remapper {
	return &remapper{fresh: fresh, ids: make(map[string]string)}
}

// assign returns the replica id for a record defined in the file.
func (m *remapper) assign(id string) string {
	if !m.fresh {
		return id
	}
	next := schema.NewID()
	m.ids[id] = next
	return next
}

// lookup returns the replica id for a reference. References to records
// outside the file are kept as is.
func (m *remapper) lookup(id string) string {
	if next, ok := m.ids[id]; ok {
		return next
	}
	return id
}

func missingMaps(want []string, got []*schema.Map) error {
	found := make(map[string]bool, len(got))
	for _, m := range got {
		found[m.ID] = true
	}
	var missing []error
	for _, id := range want {
		if !found[id] {
			missing = append(missing, fmt.Errorf("map %s not found", id))
		}
	}
	return errors.Join(missing...)
}
