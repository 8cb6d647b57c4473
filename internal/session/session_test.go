package session

import (
	"context"
	"errors"
	"io"
	"log"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mapsync/mapsync/internal/replica/db"
)

var testLogger = log.New(io.Discard, "[test] ", 0)

// TestGuard_ConcurrentRefreshSharesOneCall runs three callers that all saw
// the same expired token.
func TestGuard_ConcurrentRefreshSharesOneCall(t *testing.T) {
	store := NewMemoryStore(Tokens{Access: "old", Refresh: "r1"})
	var calls atomic.Int32
	release := make(chan struct{})
	g := NewGuard(store, func(ctx context.Context, refresh string) (Tokens, error) {
		calls.Add(1)
		<-release
		return Tokens{Access: "new", Refresh: "r2"}, nil
	}, testLogger)

	var wg sync.WaitGroup
	results := make([]Tokens, 3)
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = g.Refresh(context.Background(), "old")
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if n := calls.Load(); n != 1 {
		t.Errorf("refresh calls = %d, want 1", n)
	}
	for i := range results {
		if errs[i] != nil {
			t.Errorf("caller %d: %v", i, errs[i])
		}
		if results[i].Access != "new" {
			t.Errorf("caller %d got access %q, want new", i, results[i].Access)
		}
	}
	if cur, _ := store.Tokens(); cur.Access != "new" || cur.Refresh != "r2" {
		t.Errorf("store = %+v", cur)
	}
}

func TestGuard_StaleCallerSkipsRefresh(t *testing.T) {
	store := NewMemoryStore(Tokens{Access: "already-new", Refresh: "r"})
	g := NewGuard(store, func(ctx context.Context, refresh string) (Tokens, error) {
		t.Fatal("refresh should not be called")
		return Tokens{}, nil
	}, testLogger)

	got, err := g.Refresh(context.Background(), "old")
	if err != nil || got.Access != "already-new" {
		t.Fatalf("Refresh() = %+v, %v", got, err)
	}
}

func TestGuard_FailureClearsSession(t *testing.T) {
	store := NewMemoryStore(Tokens{Access: "old", Refresh: "r"})
	g := NewGuard(store, func(ctx context.Context, refresh string) (Tokens, error) {
		return Tokens{}, errors.New("refresh token revoked")
	}, testLogger)

	_, err := g.Refresh(context.Background(), "old")
	if !errors.Is(err, ErrReauthRequired) {
		t.Fatalf("Refresh() error = %v, want ErrReauthRequired", err)
	}
	if _, ok := store.Tokens(); ok {
		t.Error("session not cleared after failed refresh")
	}

	_, err = g.Refresh(context.Background(), "old")
	if !errors.Is(err, ErrNoSession) {
		t.Errorf("Refresh() without session = %v, want ErrNoSession", err)
	}
}

func TestDBStore_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := db.Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	if err := store.InitSchema(); err != nil {
		t.Fatalf("InitSchema() failed: %v", err)
	}
	s, err := NewDBStore(ctx, store)
	if err != nil {
		t.Fatalf("NewDBStore() failed: %v", err)
	}
	if _, ok := s.Tokens(); ok {
		t.Fatal("fresh store should have no session")
	}
	if err := s.Set("a", "r"); err != nil {
		t.Fatalf("Set() failed: %v", err)
	}
	store.Close()

	store, err = db.Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer store.Close()
	s, err = NewDBStore(ctx, store)
	if err != nil {
		t.Fatalf("NewDBStore() failed: %v", err)
	}
	tokens, ok := s.Tokens()
	if !ok || tokens.Access != "a" || tokens.Refresh != "r" {
		t.Fatalf("Tokens() = %+v, %v", tokens, ok)
	}

	if err := s.Clear(); err != nil {
		t.Fatalf("Clear() failed: %v", err)
	}
	if _, ok := s.Tokens(); ok {
		t.Error("session still present after Clear()")
	}
}
