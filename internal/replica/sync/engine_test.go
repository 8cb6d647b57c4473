package sync

import (
	"context"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	stdsync "sync"
	"testing"
	"time"

	"github.com/mapsync/mapsync/internal/remote"
	"github.com/mapsync/mapsync/internal/replica/conflict"
	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/repo"
	"github.com/mapsync/mapsync/internal/replica/schema"
	"github.com/mapsync/mapsync/internal/session"
)

var testLogger = log.New(io.Discard, "[test] ", 0)

type testEnv struct {
	srv       *remote.Server
	ts        *httptest.Server
	store     *db.DB
	repo      *repo.Repository
	conflicts *conflict.Surface
	session   *session.MemoryStore
	engine    *Engine
	clock     *schema.Clock
}

func setupTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(filepath.Join(t.TempDir(), "replica.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	clock := schema.NewClock(nil)
	srv := remote.NewServer(clock, testLogger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	sess := session.NewMemoryStore(srv.IssueSession())
	client := remote.NewClient(ts.URL, sess, 5*time.Second, testLogger)

	surface, err := conflict.New(ctx, store, clock, testLogger)
	if err != nil {
		t.Fatalf("conflict.New() failed: %v", err)
	}

	cfg.Clock = clock
	cfg.Logger = testLogger
	return &testEnv{
		srv:       srv,
		ts:        ts,
		store:     store,
		repo:      repo.New(store, clock),
		conflicts: surface,
		session:   sess,
		engine:    New(store, client, surface, sess, cfg),
		clock:     clock,
	}
}

func (env *testEnv) mustMap(t *testing.T, title string) string {
	t.Helper()
	id, err := env.repo.Maps.Create(context.Background(), repo.MapFields{Title: title})
	if err != nil {
		t.Fatalf("Maps.Create() failed: %v", err)
	}
	return id
}

func (env *testEnv) mustNode(t *testing.T, mapID string, parent *string, label string) string {
	t.Helper()
	id, err := env.repo.Nodes.Create(context.Background(), repo.NodeFields{MapID: mapID, ParentID: parent, Label: label})
	if err != nil {
		t.Fatalf("Nodes.Create() failed: %v", err)
	}
	return id
}

func (env *testEnv) pending(t *testing.T) int {
	t.Helper()
	n, err := env.store.CountChanges(context.Background())
	if err != nil {
		t.Fatalf("CountChanges() failed: %v", err)
	}
	return n
}

func (env *testEnv) mustSync(t *testing.T) Result {
	t.Helper()
	res := env.engine.Sync(context.Background())
	if !res.Success {
		t.Fatalf("Sync() = %+v, want success", res)
	}
	return res
}

func strp(s string) *string { return &s }

// peer returns a second replica syncing with env's server. It shares env's
// clock so edits on the two replicas are strictly ordered.
func (env *testEnv) peer(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := db.Open(filepath.Join(t.TempDir(), "peer.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.InitSchema(); err != nil {
		t.Fatalf("Failed to init schema: %v", err)
	}

	sess := session.NewMemoryStore(env.srv.IssueSession())
	client := remote.NewClient(env.ts.URL, sess, 5*time.Second, testLogger)
	surface, err := conflict.New(ctx, store, env.clock, testLogger)
	if err != nil {
		t.Fatalf("conflict.New() failed: %v", err)
	}

	cfg.Clock = env.clock
	cfg.Logger = testLogger
	return &testEnv{
		srv:       env.srv,
		ts:        env.ts,
		store:     store,
		repo:      repo.New(store, env.clock),
		conflicts: surface,
		session:   sess,
		engine:    New(store, client, surface, sess, cfg),
		clock:     env.clock,
	}
}

func TestSync_DemoScenario(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()

	mapID := env.mustMap(t, "Demo")
	a := env.mustNode(t, mapID, nil, "A")
	b := env.mustNode(t, mapID, &a, "B")
	edgeID, err := env.repo.Edges.Create(ctx, repo.EdgeFields{MapID: mapID, SourceID: a, TargetID: b})
	if err != nil {
		t.Fatalf("Edges.Create() failed: %v", err)
	}

	res := env.mustSync(t)
	if res.Synced != 3 {
		t.Errorf("Synced = %d, want 3", res.Synced)
	}
	if res.Failed != 0 || res.Conflicts != 0 {
		t.Errorf("Failed = %d, Conflicts = %d, want 0", res.Failed, res.Conflicts)
	}
	if n := env.pending(t); n != 0 {
		t.Errorf("change log holds %d entries, want 0", n)
	}

	for _, table := range schema.Tables {
		n, err := env.store.CountUnsynced(ctx, table)
		if err != nil {
			t.Fatalf("CountUnsynced(%s) failed: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%d unsynced %s, want 0", n, table)
		}
	}

	if _, ok := env.srv.Edge(edgeID); !ok {
		t.Error("edge did not reach the remote store")
	}
	node, _ := env.srv.Node(b)
	if node.Level != 1 || node.ParentID == nil || *node.ParentID != a {
		t.Errorf("remote node B = %+v", node)
	}
	if env.engine.State() != StateIdle {
		t.Errorf("State() = %s, want idle", env.engine.State())
	}
}

func TestSync_OfflineKeepsLog(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()

	mapID := env.mustMap(t, "Offline")
	for _, label := range []string{"one", "two", "three", "four"} {
		env.mustNode(t, mapID, nil, label)
	}
	env.ts.Close()

	res := env.engine.Sync(ctx)
	if res.Success {
		t.Fatalf("Sync() succeeded without network: %+v", res)
	}
	if res.Synced != 0 {
		t.Errorf("Synced = %d, want 0", res.Synced)
	}
	if n := env.pending(t); n != 5 {
		t.Errorf("change log holds %d entries, want 5", n)
	}
	maps, _ := env.store.CountUnsynced(ctx, schema.TableMaps)
	nodes, _ := env.store.CountUnsynced(ctx, schema.TableNodes)
	if maps != 1 || nodes != 4 {
		t.Errorf("unsynced maps=%d nodes=%d, want 1 and 4", maps, nodes)
	}
	if env.engine.State() == StateFailed {
		t.Error("a network failure should not leave the engine failed")
	}
}

func TestSync_LogDrainsOnce(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()

	mapID := env.mustMap(t, "v1")
	for _, title := range []string{"v2", "v3"} {
		if err := env.repo.Maps.Update(ctx, mapID, repo.MapPatch{Title: strp(title)}); err != nil {
			t.Fatalf("Update() failed: %v", err)
		}
	}
	if n := env.pending(t); n != 3 {
		t.Fatalf("change log holds %d entries before sync, want 3", n)
	}

	env.mustSync(t)

	if n := env.pending(t); n != 0 {
		t.Errorf("change log holds %d entries after sync, want 0", n)
	}
	m, err := env.store.GetMap(ctx, mapID)
	if err != nil {
		t.Fatalf("GetMap() failed: %v", err)
	}
	if m.Version != 3 || !m.IsSynced || m.LastSyncedAt == nil {
		t.Errorf("map meta = %+v, want version 3 synced", m.Meta)
	}
	if remoteMap, _ := env.srv.Map(mapID); remoteMap.Title != "v3" || remoteMap.Version != 3 {
		t.Errorf("remote map = %+v", remoteMap)
	}
}

func TestSync_ReplayedPushIsIdempotent(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()

	mapID := env.mustMap(t, "Demo")
	env.mustSync(t)

	// A push whose response was lost leaves its change record behind.
	if _, err := env.store.AppendChange(ctx, schema.TableMaps, mapID, schema.OpInsert, env.clock.Now()); err != nil {
		t.Fatalf("AppendChange() failed: %v", err)
	}
	res := env.mustSync(t)
	if res.Conflicts != 0 {
		t.Errorf("Conflicts = %d, want 0", res.Conflicts)
	}
	if maps, _, _ := env.srv.Counts(); maps != 1 {
		t.Errorf("remote holds %d maps, want 1", maps)
	}
	if n := env.pending(t); n != 0 {
		t.Errorf("change log holds %d entries, want 0", n)
	}
}

func TestSync_SingleFlight(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.mustMap(t, "Demo")

	entered := make(chan struct{})
	release := make(chan struct{})
	var once stdsync.Once
	env.srv.SetFault(func(r *http.Request) int {
		once.Do(func() { close(entered) })
		<-release
		return 0
	})

	first := make(chan Result, 1)
	go func() { first <- env.engine.Sync(context.Background()) }()

	<-entered
	if !env.engine.InFlight() {
		t.Error("InFlight() = false during a sync")
	}
	second := env.engine.Sync(context.Background())
	if !second.Skipped || second.Success || second.Synced != 0 || second.Failed != 0 {
		t.Errorf("overlapping Sync() = %+v, want skipped", second)
	}

	close(release)
	res := <-first
	if !res.Success || res.Synced != 1 {
		t.Errorf("first Sync() = %+v, want one synced record", res)
	}
}

func TestSync_EditDuringPushIsNotAConflict(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()
	id := env.mustMap(t, "Draft")

	var once stdsync.Once
	env.srv.SetFault(func(r *http.Request) int {
		if r.Method == http.MethodPost && r.URL.Path == "/maps" {
			once.Do(func() {
				if err := env.repo.Maps.Update(ctx, id, repo.MapPatch{Title: strp("Final")}); err != nil {
					t.Errorf("Maps.Update() during push failed: %v", err)
				}
			})
		}
		return 0
	})

	res := env.mustSync(t)
	if res.Conflicts != 0 || env.conflicts.Len() != 0 {
		t.Fatalf("Sync() raised %d conflicts for an edit made during push", res.Conflicts)
	}
	m, err := env.store.GetMap(ctx, id)
	if err != nil {
		t.Fatalf("GetMap() failed: %v", err)
	}
	if m.Title != "Final" || m.Version != 2 || m.IsSynced {
		t.Errorf("local map = %q v%d synced=%v, want unsynced \"Final\" v2", m.Title, m.Version, m.IsSynced)
	}
	if n := env.pending(t); n != 1 {
		t.Errorf("pending changes = %d, want 1", n)
	}

	env.srv.SetFault(nil)
	env.mustSync(t)
	if got, _ := env.srv.Map(id); got.Title != "Final" || got.Version != 2 {
		t.Errorf("remote map = %q v%d, want \"Final\" v2", got.Title, got.Version)
	}
	if n := env.pending(t); n != 0 {
		t.Errorf("pending changes after second sync = %d, want 0", n)
	}
}

func TestSync_NoSession(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.mustMap(t, "Demo")
	env.session.Clear()

	res := env.engine.Sync(context.Background())
	if res.Success || res.Error != ErrTextNoSession {
		t.Errorf("Sync() = %+v, want %q", res, ErrTextNoSession)
	}
	if env.engine.State() != StateFailed {
		t.Errorf("State() = %s, want failed", env.engine.State())
	}
	if env.srv.Requests() != 0 {
		t.Errorf("server saw %d requests, want 0", env.srv.Requests())
	}
}

func TestSync_RevokedSessionNeedsRelogin(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.mustMap(t, "Demo")
	env.srv.RevokeAll()

	res := env.engine.Sync(context.Background())
	if res.Success || res.Error != ErrTextNeedsRelogin {
		t.Errorf("Sync() = %+v, want %q", res, ErrTextNeedsRelogin)
	}
	if _, ok := env.session.Tokens(); ok {
		t.Error("session should be cleared after a failed refresh")
	}
	if n := env.pending(t); n != 1 {
		t.Errorf("change log holds %d entries, want 1", n)
	}

	// The next call is allowed to run and reports the missing session.
	if res := env.engine.Sync(context.Background()); res.Error != ErrTextNoSession {
		t.Errorf("second Sync() error = %q, want %q", res.Error, ErrTextNoSession)
	}
}

func TestSync_ExpiredTokenRefreshes(t *testing.T) {
	env := setupTestEnv(t, Config{})
	env.mustMap(t, "Demo")
	env.srv.ExpireAccessTokens()

	env.mustSync(t)
	if got := env.srv.RefreshCalls.Load(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestSync_RetryCeiling(t *testing.T) {
	env := setupTestEnv(t, Config{MaxRetries: 2})
	mapID := env.mustMap(t, "Demo")
	env.srv.SetFault(func(r *http.Request) int {
		if r.Method != http.MethodGet {
			return http.StatusServiceUnavailable
		}
		return 0
	})
	key := schema.RecordKey{Table: schema.TableMaps, ID: mapID}

	for i := 1; i <= 2; i++ {
		res := env.engine.Sync(context.Background())
		if res.Success || res.Failed != 0 {
			t.Fatalf("Sync() #%d = %+v, want retrying", i, res)
		}
		if got := env.engine.RetryCount(key); got != i {
			t.Errorf("RetryCount() after #%d = %d", i, got)
		}
	}

	res := env.engine.Sync(context.Background())
	if res.Failed != 1 {
		t.Errorf("Failed = %d after the ceiling, want 1", res.Failed)
	}
	if got := env.engine.RetryCount(key); got != 0 {
		t.Errorf("RetryCount() = %d, want counter dropped", got)
	}
	if n := env.pending(t); n != 1 {
		t.Errorf("change log holds %d entries, want 1", n)
	}

	env.srv.SetFault(nil)
	env.mustSync(t)
	if n := env.pending(t); n != 0 {
		t.Errorf("change log holds %d entries after recovery, want 0", n)
	}
}

// divergeMap syncs a map, edits it locally and has another client write a
// newer version remotely.
func divergeMap(t *testing.T, env *testEnv, remoteUpdatedAt int64) string {
	t.Helper()
	ctx := context.Background()
	mapID := env.mustMap(t, "base")
	env.mustSync(t)

	if err := env.repo.Maps.Update(ctx, mapID, repo.MapPatch{Title: strp("mine")}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	theirs, _ := env.srv.Map(mapID)
	theirs.Title = "theirs"
	theirs.Version = 3
	theirs.UpdatedAt = remoteUpdatedAt
	env.srv.PutMap(theirs)
	return mapID
}

func TestSync_ConflictIsSurfaced(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()
	mapID := divergeMap(t, env, env.clock.Now()+60_000)

	res := env.engine.Sync(ctx)
	if res.Conflicts != 1 {
		t.Fatalf("Conflicts = %d, want 1", res.Conflicts)
	}
	if !res.Success {
		t.Errorf("Sync() = %+v, conflicts alone should not fail a run", res)
	}

	list := env.conflicts.List()
	if len(list) != 1 {
		t.Fatalf("surface holds %d conflicts, want 1", len(list))
	}
	c := list[0]
	if c.RecordID != mapID || c.Local.Title != "mine" || c.Remote.Title != "theirs" || c.Remote.Version != 3 {
		t.Errorf("conflict = %+v", c)
	}

	// Neither side was overwritten and the change is retained.
	m, _ := env.store.GetMap(ctx, mapID)
	if m.Title != "mine" || m.Version != 2 {
		t.Errorf("local map = %q v%d, want mine v2", m.Title, m.Version)
	}
	if n := env.pending(t); n != 1 {
		t.Errorf("change log holds %d entries, want 1", n)
	}

	// A second run leaves the pending conflict alone.
	res = env.engine.Sync(ctx)
	if res.Conflicts != 0 || env.conflicts.Len() != 1 {
		t.Errorf("second Sync() = %+v with %d pending", res, env.conflicts.Len())
	}
}

func TestSync_KeepLocalRepushes(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()
	mapID := divergeMap(t, env, env.clock.Now()+60_000)
	env.engine.Sync(ctx)

	if err := env.conflicts.Resolve(ctx, mapID, conflict.KeepLocal); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	env.mustSync(t)

	got, _ := env.srv.Map(mapID)
	if got.Title != "mine" || got.Version != 4 {
		t.Errorf("remote map = %q v%d, want mine v4", got.Title, got.Version)
	}
	if n := env.pending(t); n != 0 {
		t.Errorf("change log holds %d entries, want 0", n)
	}
}

func TestSync_UseRemoteRefetches(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()
	mapID := divergeMap(t, env, env.clock.Now()+60_000)
	env.engine.Sync(ctx)

	if err := env.conflicts.Resolve(ctx, mapID, conflict.UseRemote); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	env.mustSync(t)

	m, _ := env.store.GetMap(ctx, mapID)
	if m.Title != "theirs" || m.Version != 3 || !m.IsSynced {
		t.Errorf("local map = %q v%d synced=%v, want theirs v3 synced", m.Title, m.Version, m.IsSynced)
	}
	queued, err := env.store.ListRefetch(ctx)
	if err != nil {
		t.Fatalf("ListRefetch() failed: %v", err)
	}
	if len(queued) != 0 {
		t.Errorf("refetch queue = %v, want empty", queued)
	}
}

func TestSync_LastWriteWinsKeepsNewerLocal(t *testing.T) {
	env := setupTestEnv(t, Config{Policy: PolicyLastWriteWins})
	ctx := context.Background()
	mapID := divergeMap(t, env, 1)

	res := env.engine.Sync(ctx)
	if res.Conflicts != 1 || env.conflicts.Len() != 0 {
		t.Fatalf("Sync() = %+v with %d pending, want one auto-resolved conflict", res, env.conflicts.Len())
	}
	env.mustSync(t)

	got, _ := env.srv.Map(mapID)
	if got.Title != "mine" {
		t.Errorf("remote title = %q, want mine", got.Title)
	}
}

func TestSync_LastWriteWinsTakesNewerRemote(t *testing.T) {
	env := setupTestEnv(t, Config{Policy: PolicyLastWriteWins})
	ctx := context.Background()
	mapID := divergeMap(t, env, env.clock.Now()+60_000)

	env.engine.Sync(ctx)
	env.mustSync(t)

	m, _ := env.store.GetMap(ctx, mapID)
	if m.Title != "theirs" {
		t.Errorf("local title = %q, want theirs", m.Title)
	}
	if env.conflicts.Len() != 0 {
		t.Errorf("%d conflicts pending, want 0", env.conflicts.Len())
	}
}

func TestSync_PullInsertsRemoteRecords(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()

	now := env.clock.Now()
	meta := schema.Meta{Version: 1, CreatedAt: now, UpdatedAt: now}
	env.srv.PutMap(schema.Map{ID: "m1", Title: "Shared", Meta: meta})
	env.srv.PutNode(schema.Node{ID: "n1", MapID: "m1", Label: "root", Meta: meta})
	env.srv.PutEdge(schema.Edge{ID: "e1", MapID: "m1", SourceID: "n1", TargetID: "n1", Meta: meta})

	env.mustSync(t)

	m, _ := env.store.GetMap(ctx, "m1")
	if m == nil || m.Title != "Shared" || !m.IsSynced {
		t.Fatalf("pulled map = %+v", m)
	}
	nodes, _ := env.store.NodesByMap(ctx, "m1")
	edges, _ := env.store.EdgesByMap(ctx, "m1")
	if len(nodes) != 1 || len(edges) != 1 {
		t.Errorf("pulled %d nodes and %d edges, want 1 each", len(nodes), len(edges))
	}
	if n := env.pending(t); n != 0 {
		t.Errorf("pull recorded %d changes, want 0", n)
	}

	last, err := env.store.LastPullAt(ctx)
	if err != nil || last == 0 {
		t.Errorf("LastPullAt() = %d, %v", last, err)
	}
}

func TestSync_PullOverwritesSyncedRow(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()
	mapID := env.mustMap(t, "base")
	env.mustSync(t)

	theirs, _ := env.srv.Map(mapID)
	theirs.Title = "renamed elsewhere"
	theirs.Version = 2
	theirs.UpdatedAt = env.clock.Now()
	env.srv.PutMap(theirs)

	res := env.mustSync(t)
	if res.Conflicts != 0 {
		t.Errorf("Conflicts = %d, want 0", res.Conflicts)
	}
	m, _ := env.store.GetMap(ctx, mapID)
	if m.Title != "renamed elsewhere" || m.Version != 2 || !m.IsSynced {
		t.Errorf("local map = %+v", m)
	}
}

func TestSync_SoftDeletePushesDelete(t *testing.T) {
	env := setupTestEnv(t, Config{})
	ctx := context.Background()
	mapID := env.mustMap(t, "Demo")
	nodeID := env.mustNode(t, mapID, nil, "A")
	env.mustSync(t)

	if err := env.repo.Maps.SoftDelete(ctx, mapID); err != nil {
		t.Fatalf("SoftDelete() failed: %v", err)
	}
	env.mustSync(t)

	if m, _ := env.srv.Map(mapID); m.DeletedAt == nil {
		t.Error("remote map not deleted")
	}
	if n, _ := env.srv.Node(nodeID); n.DeletedAt == nil {
		t.Error("remote node not deleted")
	}
	if n := env.pending(t); n != 0 {
		t.Errorf("change log holds %d entries, want 0", n)
	}
	// Still present locally until the retention window passes.
	if m, _ := env.store.GetMap(ctx, mapID); m == nil || m.DeletedAt == nil {
		t.Errorf("local map = %+v, want soft-deleted row", m)
	}
}

func TestSync_TwoReplicas_KeepLocalConverges(t *testing.T) {
	a := setupTestEnv(t, Config{})
	b := a.peer(t, Config{})
	ctx := context.Background()

	mapID := a.mustMap(t, "start")
	a.mustSync(t)
	b.mustSync(t)

	if err := a.repo.Maps.Update(ctx, mapID, repo.MapPatch{Title: strp("A-edit")}); err != nil {
		t.Fatalf("Update() on A failed: %v", err)
	}
	if err := b.repo.Maps.Update(ctx, mapID, repo.MapPatch{Title: strp("B-edit")}); err != nil {
		t.Fatalf("Update() on B failed: %v", err)
	}
	b.mustSync(t)

	if res := a.mustSync(t); res.Conflicts != 1 {
		t.Fatalf("A Conflicts = %d, want 1", res.Conflicts)
	}
	if err := a.conflicts.Resolve(ctx, mapID, conflict.KeepLocal); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	a.mustSync(t)
	if res := b.mustSync(t); res.Conflicts != 0 {
		t.Errorf("B Conflicts = %d, want 0", res.Conflicts)
	}

	got, _ := a.srv.Map(mapID)
	if got.Title != "A-edit" {
		t.Errorf("remote title = %q, want A-edit", got.Title)
	}
	for name, env := range map[string]*testEnv{"A": a, "B": b} {
		m, _ := env.store.GetMap(ctx, mapID)
		if m.Title != got.Title || m.Version != got.Version || m.UpdatedAt != got.UpdatedAt || !m.IsSynced {
			t.Errorf("%s map = %q v%d synced=%v, want %q v%d synced", name, m.Title, m.Version, m.IsSynced, got.Title, got.Version)
		}
	}
}

func TestSync_TwoReplicas_EdgeConflictIsSurfaced(t *testing.T) {
	a := setupTestEnv(t, Config{})
	b := a.peer(t, Config{})
	ctx := context.Background()

	mapID := a.mustMap(t, "Demo")
	n1 := a.mustNode(t, mapID, nil, "A")
	n2 := a.mustNode(t, mapID, &n1, "B")
	edgeID, err := a.repo.Edges.Create(ctx, repo.EdgeFields{MapID: mapID, SourceID: n1, TargetID: n2, Label: "start"})
	if err != nil {
		t.Fatalf("Edges.Create() failed: %v", err)
	}
	a.mustSync(t)
	b.mustSync(t)

	if err := a.repo.Edges.Update(ctx, edgeID, repo.EdgePatch{Label: strp("A-label")}); err != nil {
		t.Fatalf("Update() on A failed: %v", err)
	}
	if err := b.repo.Edges.Update(ctx, edgeID, repo.EdgePatch{Label: strp("B-label")}); err != nil {
		t.Fatalf("Update() on B failed: %v", err)
	}
	// Travels in the same bundle as the conflicting edge.
	otherID, err := a.repo.Edges.Create(ctx, repo.EdgeFields{MapID: mapID, SourceID: n2, TargetID: n1})
	if err != nil {
		t.Fatalf("Edges.Create() failed: %v", err)
	}
	b.mustSync(t)

	res := a.mustSync(t)
	if res.Conflicts != 1 || !a.conflicts.Has(schema.RecordKey{Table: schema.TableEdges, ID: edgeID}) {
		t.Fatalf("A Sync() = %+v, want the edge surfaced as a conflict", res)
	}
	if got, _ := a.srv.Edge(edgeID); got.Label != "B-label" {
		t.Errorf("remote label = %q, want B-label kept", got.Label)
	}
	if n := a.pending(t); n != 1 {
		t.Errorf("A change log holds %d entries, want only the conflicting edge", n)
	}
	if other, _ := a.store.GetEdge(ctx, otherID); other == nil || !other.IsSynced {
		t.Errorf("accepted edge = %+v, want synced", other)
	}
	if _, ok := a.srv.Edge(otherID); !ok {
		t.Error("accepted edge missing remotely")
	}

	if err := a.conflicts.Resolve(ctx, edgeID, conflict.KeepLocal); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	a.mustSync(t)
	b.mustSync(t)

	got, _ := a.srv.Edge(edgeID)
	if got.Label != "A-label" {
		t.Errorf("remote label = %q, want A-label", got.Label)
	}
	for name, env := range map[string]*testEnv{"A": a, "B": b} {
		e, _ := env.store.GetEdge(ctx, edgeID)
		if e.Label != got.Label || e.Version != got.Version || !e.IsSynced {
			t.Errorf("%s edge = %q v%d synced=%v, want %q v%d synced", name, e.Label, e.Version, e.IsSynced, got.Label, got.Version)
		}
	}
}

func TestSync_TwoReplicas_SameVersionEditIsConflict(t *testing.T) {
	a := setupTestEnv(t, Config{})
	b := a.peer(t, Config{})
	ctx := context.Background()

	mapID := a.mustMap(t, "start")
	a.mustSync(t)
	b.mustSync(t)

	if err := a.repo.Maps.Update(ctx, mapID, repo.MapPatch{Title: strp("A-edit")}); err != nil {
		t.Fatalf("Update() on A failed: %v", err)
	}
	if err := b.repo.Maps.Update(ctx, mapID, repo.MapPatch{Title: strp("B-edit")}); err != nil {
		t.Fatalf("Update() on B failed: %v", err)
	}
	b.mustSync(t)

	// A's push fails without a 409, so its pull meets B's edit at the same
	// version.
	a.srv.SetFault(func(r *http.Request) int {
		if r.Method == http.MethodPut && r.URL.Path == "/maps/"+mapID {
			return http.StatusServiceUnavailable
		}
		return 0
	})
	res := a.engine.Sync(ctx)
	a.srv.SetFault(nil)
	if res.Conflicts != 1 {
		t.Fatalf("A Sync() = %+v, want 1 conflict", res)
	}
	m, _ := a.store.GetMap(ctx, mapID)
	if m.Title != "A-edit" || m.IsSynced {
		t.Errorf("A map = %q synced=%v, want local edit kept", m.Title, m.IsSynced)
	}
	if n := a.pending(t); n != 1 {
		t.Errorf("A change log holds %d entries, want 1", n)
	}

	if err := a.conflicts.Resolve(ctx, mapID, conflict.UseRemote); err != nil {
		t.Fatalf("Resolve() failed: %v", err)
	}
	a.mustSync(t)
	m, _ = a.store.GetMap(ctx, mapID)
	if m.Title != "B-edit" || !m.IsSynced {
		t.Errorf("A map = %q synced=%v, want B-edit synced", m.Title, m.IsSynced)
	}
}

func TestDecide(t *testing.T) {
	ms := func(v int64) *int64 { return &v }
	tests := []struct {
		name  string
		local *schema.Meta
		in    schema.Meta
		want  verdict
	}{
		{"missing locally", nil, schema.Meta{Version: 1, UpdatedAt: 10}, verdictInsert},
		{"echo", &schema.Meta{Version: 2, UpdatedAt: 20, IsSynced: true}, schema.Meta{Version: 2, UpdatedAt: 20}, verdictMarkSynced},
		{"both changed", &schema.Meta{Version: 2, UpdatedAt: 200, LastSyncedAt: ms(100)}, schema.Meta{Version: 3, UpdatedAt: 300}, verdictConflict},
		{"never synced", &schema.Meta{Version: 1, UpdatedAt: 50}, schema.Meta{Version: 2, UpdatedAt: 60}, verdictConflict},
		{"same version both changed", &schema.Meta{Version: 2, UpdatedAt: 200, LastSyncedAt: ms(100)}, schema.Meta{Version: 2, UpdatedAt: 300}, verdictConflict},
		{"same version remote unchanged", &schema.Meta{Version: 2, UpdatedAt: 200, LastSyncedAt: ms(100)}, schema.Meta{Version: 2, UpdatedAt: 100}, verdictKeep},
		{"stale echo", &schema.Meta{Version: 3, UpdatedAt: 200, LastSyncedAt: ms(150)}, schema.Meta{Version: 2, UpdatedAt: 120}, verdictKeep},
		{"remote newer", &schema.Meta{Version: 2, UpdatedAt: 100, IsSynced: true, LastSyncedAt: ms(100)}, schema.Meta{Version: 3, UpdatedAt: 300}, verdictOverwrite},
		{"tie prefers remote", &schema.Meta{Version: 2, UpdatedAt: 100, IsSynced: true, LastSyncedAt: ms(100)}, schema.Meta{Version: 3, UpdatedAt: 100}, verdictOverwrite},
		{"local newer", &schema.Meta{Version: 3, UpdatedAt: 400, IsSynced: true, LastSyncedAt: ms(400)}, schema.Meta{Version: 2, UpdatedAt: 300}, verdictKeep},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			if got := decide(tt.local, &in); got != tt.want {
				t.Errorf("decide() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParsePolicy(t *testing.T) {
	if p, err := ParsePolicy(""); err != nil || p != PolicyManual {
		t.Errorf("ParsePolicy(\"\") = %q, %v", p, err)
	}
	if p, err := ParsePolicy("last_write_wins"); err != nil || p != PolicyLastWriteWins {
		t.Errorf("ParsePolicy(last_write_wins) = %q, %v", p, err)
	}
	if _, err := ParsePolicy("coin_flip"); err == nil {
		t.Error("ParsePolicy(coin_flip) should fail")
	}
}
