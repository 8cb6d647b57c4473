package remote

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mapsync/mapsync/internal/replica/schema"
	"github.com/mapsync/mapsync/internal/session"
)

var testLogger = log.New(io.Discard, "[test] ", 0)

func setupTestServer(t *testing.T) (*Server, *Client, *session.MemoryStore) {
	t.Helper()
	srv := NewServer(nil, testLogger)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	store := session.NewMemoryStore(srv.IssueSession())
	return srv, NewClient(ts.URL, store, 5*time.Second, testLogger), store
}

func testMap(id string, version, updatedAt int64) *schema.Map {
	return &schema.Map{ID: id, Title: "Demo", Meta: schema.Meta{Version: version, CreatedAt: 1, UpdatedAt: updatedAt}}
}

func TestUpsert_CreatesThenReplays(t *testing.T) {
	srv, c, _ := setupTestServer(t)
	ctx := context.Background()

	m := testMap("m1", 1, 100)
	if err := c.Upsert(ctx, schema.TableMaps, m.ID, m); err != nil {
		t.Fatalf("first Upsert() failed: %v", err)
	}
	// Retried after a lost response: must not duplicate or conflict
	if err := c.Upsert(ctx, schema.TableMaps, m.ID, m); err != nil {
		t.Fatalf("replayed Upsert() failed: %v", err)
	}

	if maps, _, _ := srv.Counts(); maps != 1 {
		t.Errorf("server holds %d maps, want 1", maps)
	}
}

func TestUpsert_VersionConflict(t *testing.T) {
	srv, c, _ := setupTestServer(t)
	ctx := context.Background()

	srv.PutMap(schema.Map{ID: "m1", Title: "theirs", Meta: schema.Meta{Version: 3, CreatedAt: 1, UpdatedAt: 300}})

	err := c.Upsert(ctx, schema.TableMaps, "m1", testMap("m1", 2, 200))
	var cerr *ConflictError
	if !errors.As(err, &cerr) {
		t.Fatalf("Upsert() error = %v, want *ConflictError", err)
	}
	if cerr.Remote.Version != 3 || cerr.Remote.Title != "theirs" || cerr.Remote.UpdatedAt != 300 {
		t.Errorf("remote snapshot = %+v", cerr.Remote)
	}
	if !errors.Is(err, ErrConflict) {
		t.Error("ConflictError should wrap ErrConflict")
	}

	// A newer version is accepted
	if err := c.Upsert(ctx, schema.TableMaps, "m1", testMap("m1", 4, 400)); err != nil {
		t.Fatalf("Upsert(newer) failed: %v", err)
	}
	if got, _ := srv.Map("m1"); got.Version != 4 {
		t.Errorf("server version = %d, want 4", got.Version)
	}
}

func TestDelete_NotFoundIsSuccess(t *testing.T) {
	_, c, _ := setupTestServer(t)
	if err := c.Delete(context.Background(), schema.TableNodes, "never-existed"); err != nil {
		t.Fatalf("Delete() = %v, want nil", err)
	}
}

func TestListSince_GroupsByMap(t *testing.T) {
	srv, c, _ := setupTestServer(t)
	ctx := context.Background()

	srv.PutMap(*testMap("m1", 1, 10))
	srv.PutNode(schema.Node{ID: "n1", MapID: "m1", Label: "A", Meta: schema.Meta{Version: 1, UpdatedAt: 10}})
	srv.PutEdge(schema.Edge{ID: "e1", MapID: "m1", SourceID: "n1", TargetID: "n1", Meta: schema.Meta{Version: 1, UpdatedAt: 10}})

	resp, err := c.ListSince(ctx, 0)
	if err != nil {
		t.Fatalf("ListSince() failed: %v", err)
	}
	if len(resp.Maps) != 1 {
		t.Fatalf("len(Maps) = %d, want 1", len(resp.Maps))
	}
	d := resp.Maps[0]
	if d.Map == nil || len(d.Nodes) != 1 || len(d.Edges) != 1 {
		t.Errorf("delta = %+v", d)
	}

	again, err := c.ListSince(ctx, resp.ServerTime)
	if err != nil {
		t.Fatalf("ListSince() failed: %v", err)
	}
	if len(again.Maps) != 0 {
		t.Errorf("second ListSince returned %d maps, want 0", len(again.Maps))
	}
}

// TestConcurrent401_SingleRefresh runs three requests that all hit an
// expired token.
func TestConcurrent401_SingleRefresh(t *testing.T) {
	srv, c, store := setupTestServer(t)
	ctx := context.Background()
	srv.PutMap(*testMap("m1", 1, 10))
	srv.ExpireAccessTokens()

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = c.GetMap(ctx, "m1")
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d failed: %v", i, err)
		}
	}
	if n := srv.RefreshCalls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	if tokens, ok := store.Tokens(); !ok || tokens.Access == "" {
		t.Error("store lost the refreshed session")
	}
}

func TestRefreshFailure_ClearsSession(t *testing.T) {
	srv, c, store := setupTestServer(t)
	srv.RevokeAll()

	_, err := c.GetMap(context.Background(), "m1")
	if !errors.Is(err, ErrUnauthorized) || !errors.Is(err, session.ErrReauthRequired) {
		t.Fatalf("GetMap() error = %v, want unauthorized + re-login", err)
	}
	if _, ok := store.Tokens(); ok {
		t.Error("session should be cleared")
	}
}

func TestServerError_IsStatusError(t *testing.T) {
	srv, c, _ := setupTestServer(t)
	srv.SetFault(func(r *http.Request) int { return http.StatusServiceUnavailable })

	err := c.Upsert(context.Background(), schema.TableMaps, "m1", testMap("m1", 1, 1))
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusServiceUnavailable {
		t.Fatalf("Upsert() error = %v, want 503 StatusError", err)
	}
	if IsTransport(err) {
		t.Error("status error reported as transport error")
	}
}

func TestTransportError(t *testing.T) {
	srv := NewServer(nil, testLogger)
	ts := httptest.NewServer(srv.Handler())
	url := ts.URL
	ts.Close()

	c := NewClient(url, session.NewMemoryStore(srv.IssueSession()), time.Second, testLogger)
	_, err := c.ListSince(context.Background(), 0)
	if !IsTransport(err) {
		t.Fatalf("ListSince() error = %v, want transport error", err)
	}
}

func TestCheckCompatibility(t *testing.T) {
	_, c, _ := setupTestServer(t)
	h, err := c.CheckCompatibility(context.Background())
	if err != nil {
		t.Fatalf("CheckCompatibility() failed: %v", err)
	}
	if h.APIVersion != APIVersion {
		t.Errorf("APIVersion = %q, want %q", h.APIVersion, APIVersion)
	}
}

func TestPutEdges_SkipsStale(t *testing.T) {
	srv, c, _ := setupTestServer(t)
	ctx := context.Background()
	srv.PutMap(*testMap("m1", 1, 10))
	srv.PutEdge(schema.Edge{ID: "e1", MapID: "m1", SourceID: "a", TargetID: "b", Meta: schema.Meta{Version: 5}})

	res, err := c.PutEdges(ctx, "m1", []*schema.Edge{
		{ID: "e1", MapID: "m1", SourceID: "a", TargetID: "b", Meta: schema.Meta{Version: 2}},
		{ID: "e2", MapID: "m1", SourceID: "a", TargetID: "c", Meta: schema.Meta{Version: 1}},
	})
	if err != nil {
		t.Fatalf("PutEdges() failed: %v", err)
	}
	if res.Applied != 1 || len(res.Stale) != 1 {
		t.Errorf("result = %+v, want 1 applied 1 stale", res)
	}
	if snap, ok := res.IsStale("e1"); !ok || snap.Version != 5 {
		t.Errorf("IsStale(e1) = %+v, %v, want remote v5", snap, ok)
	}

	if _, err := c.PutEdges(ctx, "missing", nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("PutEdges(missing map) = %v, want ErrNotFound", err)
	}
}

func TestPutEdges_SameVersionDifferentEditIsStale(t *testing.T) {
	srv, c, _ := setupTestServer(t)
	ctx := context.Background()
	srv.PutMap(*testMap("m1", 1, 10))
	srv.PutEdge(schema.Edge{ID: "e1", MapID: "m1", SourceID: "a", TargetID: "b", Label: "theirs", Meta: schema.Meta{Version: 2, UpdatedAt: 20}})

	replay := &schema.Edge{ID: "e1", MapID: "m1", SourceID: "a", TargetID: "b", Label: "theirs", Meta: schema.Meta{Version: 2, UpdatedAt: 20}}
	res, err := c.PutEdges(ctx, "m1", []*schema.Edge{replay})
	if err != nil {
		t.Fatalf("PutEdges() failed: %v", err)
	}
	if res.Applied != 1 || len(res.Stale) != 0 {
		t.Errorf("replay result = %+v, want applied", res)
	}

	mine := &schema.Edge{ID: "e1", MapID: "m1", SourceID: "a", TargetID: "b", Label: "mine", Meta: schema.Meta{Version: 2, UpdatedAt: 25}}
	res, err = c.PutEdges(ctx, "m1", []*schema.Edge{mine})
	if err != nil {
		t.Fatalf("PutEdges() failed: %v", err)
	}
	if snap, ok := res.IsStale("e1"); !ok || snap.Title != "theirs" || snap.UpdatedAt != 20 {
		t.Errorf("IsStale(e1) = %+v, %v, want remote snapshot", snap, ok)
	}
	if e, _ := srv.Edge("e1"); e.Label != "theirs" {
		t.Errorf("stored label = %q, want theirs", e.Label)
	}
}
