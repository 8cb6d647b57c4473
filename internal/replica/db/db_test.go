package db

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/mapsync/mapsync/internal/replica/schema"
)

// testDBPath returns a temporary path for test databases
func testDBPath(t *testing.T) string {
	tmpDir := t.TempDir()
	return filepath.Join(tmpDir, "test.db")
}

// openTestDB opens a database with the schema applied
func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(testDBPath(t))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	return db
}

func int64p(v int64) *int64 { return &v }

// TestOpen_Success tests successful database creation
func TestOpen_Success(t *testing.T) {
	path := testDBPath(t)
	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer db.Close()

	if db.Path() != path {
		t.Errorf("path = %q, want %q", db.Path(), path)
	}
}

func TestOpen_UnknownDriver(t *testing.T) {
	if _, err := OpenWithOptions(testDBPath(t), Options{Driver: "postgres"}); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

// TestInitSchema_Success tests schema creation
func TestInitSchema_Success(t *testing.T) {
	db := openTestDB(t)

	tables := []string{"maps", "nodes", "edges", "change_log", "settings", "sync_conflicts", "sync_refetch"}
	for _, table := range tables {
		var count int
		query := `SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`
		if err := db.conn.QueryRow(query, table).Scan(&count); err != nil {
			t.Fatalf("Failed to query table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("Table %s does not exist", table)
		}
	}
}

// TestInitSchema_Idempotent tests that schema initialization is idempotent
func TestInitSchema_Idempotent(t *testing.T) {
	db := openTestDB(t)
	if err := db.InitSchema(); err != nil {
		t.Errorf("Second InitSchema() failed: %v", err)
	}
}

func TestIsSyncedCheckConstraint(t *testing.T) {
	db := openTestDB(t)
	for _, table := range []string{"maps", "nodes", "edges"} {
		var err error
		switch table {
		case "maps":
			_, err = db.conn.Exec(`INSERT INTO maps (id, title, is_synced, created_at, updated_at) VALUES ('x', 't', 2, 1, 1)`)
		case "nodes":
			_, err = db.conn.Exec(`INSERT INTO nodes (id, map_id, is_synced, created_at, updated_at) VALUES ('x', 'm', 2, 1, 1)`)
		case "edges":
			_, err = db.conn.Exec(`INSERT INTO edges (id, map_id, source_id, target_id, is_synced, created_at, updated_at) VALUES ('x', 'm', 'a', 'b', 2, 1, 1)`)
		}
		if err == nil {
			t.Errorf("%s accepted is_synced = 2", table)
		}
	}
}

func TestSaveAndGetNode(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	parent := "root"
	n := &schema.Node{
		ID: "n1", MapID: "m1", ParentID: &parent, Label: "child", Level: 1,
		PosX: 10.5, PosY: -3, Color: "#fff",
		Meta: schema.Meta{Version: 2, CreatedAt: 100, UpdatedAt: 200, LastSyncedAt: int64p(150)},
	}
	if err := db.SaveNode(ctx, n); err != nil {
		t.Fatalf("SaveNode() failed: %v", err)
	}

	got, err := db.GetNode(ctx, "n1")
	if err != nil {
		t.Fatalf("GetNode() failed: %v", err)
	}
	if got == nil {
		t.Fatal("GetNode() returned nil")
	}
	if got.ParentID == nil || *got.ParentID != "root" {
		t.Errorf("ParentID = %v, want root", got.ParentID)
	}
	if got.Version != 2 || got.IsSynced || got.LastSyncedAt == nil || *got.LastSyncedAt != 150 {
		t.Errorf("meta = %+v", got.Meta)
	}
	if got.DeletedAt != nil {
		t.Errorf("DeletedAt = %v, want nil", *got.DeletedAt)
	}

	missing, err := db.GetNode(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetNode(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestChangeLog_OrderAndDelete(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	// Same changed_at: log id breaks the tie
	first, _ := db.AppendChange(ctx, schema.TableMaps, "m1", schema.OpInsert, 10)
	second, _ := db.AppendChange(ctx, schema.TableMaps, "m1", schema.OpUpdate, 10)
	if _, err := db.AppendChange(ctx, schema.TableNodes, "n1", schema.OpInsert, 5); err != nil {
		t.Fatalf("AppendChange() failed: %v", err)
	}

	changes, err := db.ListChanges(ctx)
	if err != nil {
		t.Fatalf("ListChanges() failed: %v", err)
	}
	if len(changes) != 3 {
		t.Fatalf("len(changes) = %d, want 3", len(changes))
	}
	if changes[0].RecordID != "n1" || changes[1].LogID != first || changes[2].LogID != second {
		t.Errorf("unexpected order: %+v", changes)
	}

	if err := db.DeleteChanges(ctx, []int64{first, second}); err != nil {
		t.Fatalf("DeleteChanges() failed: %v", err)
	}
	count, _ := db.CountChanges(ctx)
	if count != 1 {
		t.Errorf("CountChanges() = %d, want 1", count)
	}
}

func TestAppendChange_RejectsUnknownOperation(t *testing.T) {
	db := openTestDB(t)
	if _, err := db.AppendChange(context.Background(), schema.TableMaps, "m1", "MERGE", 1); err == nil {
		t.Fatal("expected CHECK constraint failure")
	}
}

func TestMarkSynced_VersionGuard(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	m := &schema.Map{ID: "m1", Title: "Demo", Meta: schema.Meta{Version: 3, CreatedAt: 1, UpdatedAt: 1}}
	if err := db.SaveMap(ctx, m); err != nil {
		t.Fatalf("SaveMap() failed: %v", err)
	}

	ok, err := db.MarkSynced(ctx, schema.TableMaps, "m1", 2, 50)
	if err != nil || ok {
		t.Fatalf("MarkSynced(stale version) = %v, %v; want false, nil", ok, err)
	}
	ok, err = db.MarkSynced(ctx, schema.TableMaps, "m1", 3, 50)
	if err != nil || !ok {
		t.Fatalf("MarkSynced(current version) = %v, %v; want true, nil", ok, err)
	}

	got, _ := db.GetMap(ctx, "m1")
	if !got.IsSynced || *got.LastSyncedAt != 50 {
		t.Errorf("meta = %+v, want synced at 50", got.Meta)
	}
}

func TestSettings_LastPullAt(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	ms, err := db.LastPullAt(ctx)
	if err != nil || ms != 0 {
		t.Fatalf("LastPullAt() = %d, %v; want 0, nil", ms, err)
	}
	if err := db.SetLastPullAt(ctx, 1234); err != nil {
		t.Fatalf("SetLastPullAt() failed: %v", err)
	}
	ms, _ = db.LastPullAt(ctx)
	if ms != 1234 {
		t.Errorf("LastPullAt() = %d, want 1234", ms)
	}
}

// TestPurgeDeleted_Retention covers the retention pass: a row soft-deleted
// 31 days ago is purged only once synced.
func TestPurgeDeleted_Retention(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	now := time.Now()
	old := now.Add(-31 * 24 * time.Hour).UnixMilli()
	recent := now.Add(-time.Hour).UnixMilli()

	rows := []*schema.Map{
		{ID: "synced-old", Title: "a", Meta: schema.Meta{Version: 2, IsSynced: true, DeletedAt: &old, CreatedAt: old, UpdatedAt: old}},
		{ID: "unsynced-old", Title: "b", Meta: schema.Meta{Version: 2, DeletedAt: &old, CreatedAt: old, UpdatedAt: old}},
		{ID: "synced-recent", Title: "c", Meta: schema.Meta{Version: 2, IsSynced: true, DeletedAt: &recent, CreatedAt: old, UpdatedAt: recent}},
		{ID: "active", Title: "d", Meta: schema.Meta{Version: 1, IsSynced: true, CreatedAt: old, UpdatedAt: old}},
	}
	for _, m := range rows {
		if err := db.SaveMap(ctx, m); err != nil {
			t.Fatalf("SaveMap(%s) failed: %v", m.ID, err)
		}
	}

	stats, err := db.PurgeDeleted(ctx, now.Add(-DefaultRetention).UnixMilli())
	if err != nil {
		t.Fatalf("PurgeDeleted() failed: %v", err)
	}
	if stats.Maps != 1 || stats.Total() != 1 {
		t.Errorf("stats = %+v, want 1 map purged", stats)
	}

	for id, wantPresent := range map[string]bool{
		"synced-old": false, "unsynced-old": true, "synced-recent": true, "active": true,
	} {
		m, err := db.GetMap(ctx, id)
		if err != nil {
			t.Fatalf("GetMap(%s) failed: %v", id, err)
		}
		if (m != nil) != wantPresent {
			t.Errorf("%s present = %v, want %v", id, m != nil, wantPresent)
		}
	}
}

func TestConflicts_PersistAcrossReopen(t *testing.T) {
	path := testDBPath(t)
	ctx := context.Background()

	db, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := db.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	c := schema.Conflict{
		Table: schema.TableMaps, RecordID: "m1",
		Local:      schema.Snapshot{Title: "mine", Version: 2, UpdatedAt: 20},
		Remote:     schema.Snapshot{Title: "theirs", Version: 3, UpdatedAt: 30},
		DetectedAt: 40,
	}
	if err := db.SaveConflict(ctx, c); err != nil {
		t.Fatalf("SaveConflict() failed: %v", err)
	}
	db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer db.Close()

	got, err := db.ListConflicts(ctx)
	if err != nil {
		t.Fatalf("ListConflicts() failed: %v", err)
	}
	if len(got) != 1 || got[0].Remote.Title != "theirs" || got[0].Local.Version != 2 {
		t.Fatalf("ListConflicts() = %+v", got)
	}

	if err := db.DeleteConflict(ctx, schema.TableMaps, "m1"); err != nil {
		t.Fatalf("DeleteConflict() failed: %v", err)
	}
	got, _ = db.ListConflicts(ctx)
	if len(got) != 0 {
		t.Errorf("conflicts after delete = %d, want 0", len(got))
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	err := db.WithTx(ctx, func(tx *Queries) error {
		if _, err := tx.AppendChange(ctx, schema.TableMaps, "m1", schema.OpInsert, 1); err != nil {
			return err
		}
		// Violates the operation CHECK
		_, err := tx.AppendChange(ctx, schema.TableMaps, "m1", "BOGUS", 2)
		return err
	})
	if err == nil {
		t.Fatal("WithTx() should return the failing statement's error")
	}
	count, _ := db.CountChanges(ctx)
	if count != 0 {
		t.Errorf("CountChanges() = %d after rollback, want 0", count)
	}
}
