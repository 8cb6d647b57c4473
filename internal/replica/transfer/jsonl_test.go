package transfer

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/repo"
	"github.com/mapsync/mapsync/internal/replica/schema"
)

func newRepo(t *testing.T) *repo.Repository {
	t.Helper()
	store, err := db.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchemaContext(context.Background()); err != nil {
		t.Fatalf("failed to init schema: %v", err)
	}
	return repo.New(store, nil)
}

// seed creates a map with a root, one child and an edge between them.
func seed(t *testing.T, r *repo.Repository) (mapID, rootID, childID string) {
	t.Helper()
	ctx := context.Background()
	mapID, err := r.Maps.Create(ctx, repo.MapFields{Title: "Trip", Description: "Summer"})
	if err != nil {
		t.Fatalf("Maps.Create failed: %v", err)
	}
	rootID, err = r.Nodes.Create(ctx, repo.NodeFields{MapID: mapID, Label: "Root", PosX: 1, PosY: 2})
	if err != nil {
		t.Fatalf("Nodes.Create failed: %v", err)
	}
	childID, err = r.Nodes.Create(ctx, repo.NodeFields{MapID: mapID, ParentID: &rootID, Label: "Child", Color: "#ff0000"})
	if err != nil {
		t.Fatalf("Nodes.Create failed: %v", err)
	}
	if _, err := r.Edges.Create(ctx, repo.EdgeFields{MapID: mapID, SourceID: rootID, TargetID: childID, Label: "then"}); err != nil {
		t.Fatalf("Edges.Create failed: %v", err)
	}
	return mapID, rootID, childID
}

func TestExport_RecordOrder(t *testing.T) {
	r := newRepo(t)
	seed(t, r)

	var buf bytes.Buffer
	stats, err := Export(context.Background(), r, &buf, nil)
	if err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	if stats != (Stats{Maps: 1, Nodes: 2, Edges: 1}) {
		t.Errorf("stats = %+v", stats)
	}

	records, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	var kinds []string
	for _, rec := range records {
		kinds = append(kinds, string(rec.Kind))
	}
	if got := strings.Join(kinds, ","); got != "map,node,node,edge" {
		t.Errorf("record kinds = %s", got)
	}
	if records[1].Node.Label != "Root" || records[2].Node.Label != "Child" {
		t.Errorf("nodes not ordered parent first: %q, %q", records[1].Node.Label, records[2].Node.Label)
	}
}

func TestExport_UnknownMap(t *testing.T) {
	r := newRepo(t)
	seed(t, r)

	var buf bytes.Buffer
	if _, err := Export(context.Background(), r, &buf, []string{"missing"}); err == nil {
		t.Fatal("expected error for unknown map")
	}
}

func TestExportImport_RoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newRepo(t)
	mapID, rootID, childID := seed(t, src)

	path := filepath.Join(t.TempDir(), "out", "maps.jsonl")
	if _, err := ExportFile(ctx, src, path, []string{mapID}); err != nil {
		t.Fatalf("ExportFile failed: %v", err)
	}
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Errorf("temp file left behind: %v", err)
	}

	dst := newRepo(t)
	result, err := ImportFile(ctx, dst, path, ImportOptions{})
	if err != nil {
		t.Fatalf("ImportFile failed: %v", err)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("unexpected import errors: %v", result.Errors)
	}
	if result.Stats != (Stats{Maps: 1, Nodes: 2, Edges: 1}) {
		t.Errorf("stats = %+v", result.Stats)
	}

	m, err := dst.Maps.Get(ctx, mapID)
	if err != nil || m == nil {
		t.Fatalf("imported map missing: %v", err)
	}
	if m.Title != "Trip" || m.Description != "Summer" || m.Version != 1 || m.IsSynced {
		t.Errorf("imported map = %+v", m)
	}
	child, err := dst.Nodes.Get(ctx, childID)
	if err != nil || child == nil {
		t.Fatalf("imported child missing: %v", err)
	}
	if child.ParentID == nil || *child.ParentID != rootID || child.Level != 1 || child.Color != "#ff0000" {
		t.Errorf("imported child = %+v", child)
	}

	pending, err := dst.PendingCount(ctx)
	if err != nil {
		t.Fatalf("PendingCount failed: %v", err)
	}
	if pending != 4 {
		t.Errorf("pending = %d, want 4", pending)
	}
}

func TestImport_NewIDs(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	mapID, rootID, _ := seed(t, r)

	var buf bytes.Buffer
	if _, err := Export(ctx, r, &buf, nil); err != nil {
		t.Fatalf("Export failed: %v", err)
	}
	records, err := Read(&buf)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	// Reusing ids collides with the originals.
	if res := Import(ctx, r, records, ImportOptions{}); len(res.Errors) == 0 {
		t.Error("expected errors importing existing ids")
	}

	res := Import(ctx, r, records, ImportOptions{NewIDs: true})
	if len(res.Errors) != 0 {
		t.Fatalf("unexpected errors: %v", res.Errors)
	}
	maps, err := r.Maps.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(maps) != 2 {
		t.Fatalf("expected 2 maps, got %d", len(maps))
	}
	var copyID string
	for _, m := range maps {
		if m.ID != mapID {
			copyID = m.ID
		}
	}
	nodes, err := r.Nodes.ListByMap(ctx, copyID)
	if err != nil {
		t.Fatalf("ListByMap failed: %v", err)
	}
	if len(nodes) != 2 {
		t.Fatalf("expected 2 copied nodes, got %d", len(nodes))
	}
	for _, n := range nodes {
		if n.ID == rootID || (n.ParentID != nil && *n.ParentID == rootID) {
			t.Errorf("copied node %s still references original ids", n.ID)
		}
	}
	edges, err := r.Edges.ListByMap(ctx, copyID)
	if err != nil {
		t.Fatalf("ListByMap failed: %v", err)
	}
	if len(edges) != 1 {
		t.Errorf("expected 1 copied edge, got %d", len(edges))
	}
}

func TestImport_DryRunWritesNothing(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	records := []Record{
		{Kind: KindMap, Map: &schema.Map{ID: "m1", Title: "Plan"}},
		{Kind: KindNode, Node: &schema.Node{ID: "n1", MapID: "m1", Label: "Root"}},
		{Kind: KindNode, Node: &schema.Node{ID: "", MapID: "m1", Label: "No id"}},
	}

	res := Import(ctx, r, records, ImportOptions{DryRun: true})
	if res.Maps != 1 || res.Nodes != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if len(res.Errors) != 1 {
		t.Errorf("errors = %v, want one validation error", res.Errors)
	}
	if m, _ := r.Maps.Get(ctx, "m1"); m != nil {
		t.Error("dry run created a map")
	}
}

func TestImport_DependentsOfFailedRecordsFail(t *testing.T) {
	ctx := context.Background()
	r := newRepo(t)
	records := []Record{
		{Kind: KindNode, Node: &schema.Node{ID: "n1", MapID: "nowhere", Label: "Orphan"}},
		{Kind: KindMap, Map: &schema.Map{ID: "m1", Title: "Plan"}},
		{Kind: KindNode, Node: &schema.Node{ID: "n2", MapID: "m1", Label: "Root"}},
	}
	res := Import(ctx, r, records, ImportOptions{})
	if res.Maps != 1 || res.Nodes != 1 {
		t.Errorf("stats = %+v", res.Stats)
	}
	if len(res.Errors) != 1 || !strings.Contains(res.Errors[0], "n1") {
		t.Errorf("errors = %v", res.Errors)
	}
}

func TestRead_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"bad json", "{not json}\n"},
		{"unknown kind", `{"kind":"graph"}` + "\n"},
		{"kind mismatch", `{"kind":"node","map":{"id":"m1","title":"x"}}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Read(strings.NewReader(tt.input)); err == nil {
				t.Errorf("Read(%q) succeeded", tt.input)
			}
		})
	}
}
