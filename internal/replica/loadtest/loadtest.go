// Package loadtest exercises a replica under concurrent edits.
//
// It simulates several editors mutating the same replica, optionally while
// sync runs are in progress, and checks that every mutation is still
// accounted for in the change log afterwards.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/repo"
	"github.com/mapsync/mapsync/internal/replica/schema"
	rsync "github.com/mapsync/mapsync/internal/replica/sync"
)

// TestReplica is a populated replica for load testing.
type TestReplica struct {
	Store   *db.DB
	Repo    *repo.Repository
	MapIDs  []string
	NodeIDs []string
	EdgeIDs []string
}

// LatencyStats captures the latency of a batch of edits.
type LatencyStats struct {
	Min        time.Duration   `json:"min"`
	Max        time.Duration   `json:"max"`
	Mean       time.Duration   `json:"mean"`
	P50        time.Duration   `json:"p50"`
	P95        time.Duration   `json:"p95"`
	P99        time.Duration   `json:"p99"`
	TotalEdits int             `json:"total_edits"`
	Errors     int             `json:"errors"`
	Durations  []time.Duration `json:"-"`
}

// CreateTestReplica opens a replica at dbPath and fills it with numMaps
// maps of nodesPerMap nodes each. Nodes form a tree (every node after the
// first hangs off an earlier one) and roughly one node in three is linked
// to its predecessor by an edge.
func CreateTestReplica(ctx context.Context, dbPath string, numMaps, nodesPerMap int, clock *schema.Clock) (*TestReplica, error) {
	store, err := db.Open(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := store.InitSchemaContext(ctx); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	tr := &TestReplica{Store: store, Repo: repo.New(store, clock)}
	if err := tr.populate(ctx, numMaps, nodesPerMap); err != nil {
		_ = store.Close()
		return nil, err
	}
	return tr, nil
}

func (tr *TestReplica) populate(ctx context.Context, numMaps, nodesPerMap int) error {
	// Deterministic so failures reproduce.
	rng := rand.New(rand.NewSource(42))

	for m := 0; m < numMaps; m++ {
		mapID, err := tr.Repo.Maps.Create(ctx, repo.MapFields{Title: fmt.Sprintf("Load map %d", m)})
		if err != nil {
			return fmt.Errorf("failed to create map %d: %w", m, err)
		}
		tr.MapIDs = append(tr.MapIDs, mapID)

		ids := make([]string, 0, nodesPerMap)
		for n := 0; n < nodesPerMap; n++ {
			f := repo.NodeFields{
				MapID: mapID,
				Label: fmt.Sprintf("Node %d.%d", m, n),
				PosX:  float64(rng.Intn(2000)),
				PosY:  float64(rng.Intn(2000)),
			}
			if n > 0 {
				parent := ids[rng.Intn(len(ids))]
				f.ParentID = &parent
			}
			id, err := tr.Repo.Nodes.Create(ctx, f)
			if err != nil {
				return fmt.Errorf("failed to create node %d.%d: %w", m, n, err)
			}
			ids = append(ids, id)

			if n > 0 && n%3 == 0 {
				edgeID, err := tr.Repo.Edges.Create(ctx, repo.EdgeFields{MapID: mapID, SourceID: ids[n-1], TargetID: id})
				if err != nil {
					return fmt.Errorf("failed to create edge %d.%d: %w", m, n, err)
				}
				tr.EdgeIDs = append(tr.EdgeIDs, edgeID)
			}
		}
		tr.NodeIDs = append(tr.NodeIDs, ids...)
	}
	return nil
}

// Close closes the replica database.
func (tr *TestReplica) Close() error {
	if tr.Store != nil {
		return tr.Store.Close()
	}
	return nil
}

// RunConcurrentEdits runs numEditors goroutines, each making editsPerEditor
// label edits on random nodes. Every edit writes a distinct label, so each
// one appends exactly one change record.
func (tr *TestReplica) RunConcurrentEdits(ctx context.Context, numEditors, editsPerEditor int) (*LatencyStats, error) {
	if len(tr.NodeIDs) == 0 {
		return nil, errors.New("replica has no nodes to edit")
	}

	var wg sync.WaitGroup
	resultsChan := make(chan []time.Duration, numEditors)
	errorsChan := make(chan error, numEditors)

	for i := 0; i < numEditors; i++ {
		wg.Add(1)
		go func(editor int) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(editor)))
			durations := make([]time.Duration, 0, editsPerEditor)

			for j := 0; j < editsPerEditor; j++ {
				id := tr.NodeIDs[rng.Intn(len(tr.NodeIDs))]
				label := fmt.Sprintf("edit %d-%d", editor, j)

				start := time.Now()
				err := tr.Repo.Nodes.Update(ctx, id, repo.NodePatch{Label: &label})
				durations = append(durations, time.Since(start))

				if err != nil {
					errorsChan <- fmt.Errorf("editor %d edit %d failed: %w", editor, j, err)
					break
				}
			}
			resultsChan <- durations
		}(i)
	}

	wg.Wait()
	close(resultsChan)
	close(errorsChan)

	var errs []error
	for err := range errorsChan {
		errs = append(errs, err)
	}
	var all []time.Duration
	for durations := range resultsChan {
		all = append(all, durations...)
	}
	if len(all) == 0 {
		return nil, fmt.Errorf("no edits completed: %w", errors.Join(errs...))
	}

	stats := computeLatencyStats(all)
	stats.Errors = len(errs)
	return stats, errors.Join(errs...)
}

// Syncer runs one sync cycle.
type Syncer interface {
	Sync(ctx context.Context) rsync.Result
}

// SyncUnderLoad runs the editors while syncer syncs back to back, then
// runs one final sync once the editors are done. It returns the edit
// latencies and the number of sync runs that completed successfully.
func (tr *TestReplica) SyncUnderLoad(ctx context.Context, syncer Syncer, numEditors, editsPerEditor int) (*LatencyStats, int, error) {
	editCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()

	var rounds int
	syncDone := make(chan struct{})
	go func() {
		defer close(syncDone)
		for editCtx.Err() == nil {
			if res := syncer.Sync(ctx); res.Success {
				rounds++
			}
		}
	}()

	stats, err := tr.RunConcurrentEdits(ctx, numEditors, editsPerEditor)
	stopSync()
	<-syncDone
	if err != nil {
		return stats, rounds, err
	}

	res := syncer.Sync(ctx)
	if !res.Success {
		return stats, rounds, fmt.Errorf("final sync failed: %+v", res)
	}
	return stats, rounds + 1, nil
}

// VerifyChangeLog checks that every unsynced row has at least one change
// record and that every change record points at an existing row.
func (tr *TestReplica) VerifyChangeLog(ctx context.Context) error {
	changes, err := tr.Store.ListChanges(ctx)
	if err != nil {
		return err
	}
	logged := make(map[schema.RecordKey]bool, len(changes))
	for _, c := range changes {
		key := schema.RecordKey{Table: c.Table, ID: c.RecordID}
		logged[key] = true
		meta, err := tr.Store.GetMeta(ctx, c.Table, c.RecordID)
		if err != nil {
			return err
		}
		if meta == nil {
			return fmt.Errorf("change %d references missing row %s", c.LogID, key)
		}
	}

	check := func(table schema.Table, ids []string) error {
		for _, id := range ids {
			meta, err := tr.Store.GetMeta(ctx, table, id)
			if err != nil {
				return err
			}
			if meta != nil && !meta.IsSynced && !logged[schema.RecordKey{Table: table, ID: id}] {
				return fmt.Errorf("unsynced row %s/%s has no change record", table, id)
			}
		}
		return nil
	}
	if err := check(schema.TableMaps, tr.MapIDs); err != nil {
		return err
	}
	if err := check(schema.TableNodes, tr.NodeIDs); err != nil {
		return err
	}
	return check(schema.TableEdges, tr.EdgeIDs)
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) *LatencyStats {
	if len(durations) == 0 {
		return &LatencyStats{}
	}

	sorted := make([]time.Duration, len(durations))
	copy(sorted, durations)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return &LatencyStats{
		Min:        sorted[0],
		Max:        sorted[len(sorted)-1],
		Mean:       sum / time.Duration(len(durations)),
		P50:        sorted[len(sorted)*50/100],
		P95:        sorted[len(sorted)*95/100],
		P99:        sorted[len(sorted)*99/100],
		TotalEdits: len(durations),
		Durations:  sorted,
	}
}

// Print writes the statistics as an aligned block.
func (s *LatencyStats) Print(w io.Writer) {
	fmt.Fprintf(w, "Latency Statistics:\n")
	fmt.Fprintf(w, "  Total Edits:   %d\n", s.TotalEdits)
	fmt.Fprintf(w, "  Errors:        %d\n", s.Errors)
	fmt.Fprintf(w, "  Min:           %v\n", s.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", s.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", s.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", s.P95)
	fmt.Fprintf(w, "  P99:           %v\n", s.P99)
	fmt.Fprintf(w, "  Max:           %v\n", s.Max)
}
