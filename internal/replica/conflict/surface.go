// Package conflict holds the replica's unresolved sync conflicts.
//
// A conflict is raised when a record changed on both replicas since the last
// successful sync. It stays in the surface, and in the sync_conflicts table,
// until a person resolves it or dismisses all pending conflicts. Dismissing
// keeps the local version of every record.
package conflict

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/schema"
)

// ErrNotFound is returned when resolving a record that has no conflict.
var ErrNotFound = errors.New("no conflict for record")

// Strategy selects which side of a conflict wins.
type Strategy string

const (
	// KeepLocal re-pushes the local record on the next sync.
	KeepLocal Strategy = "local"
	// UseRemote discards the local change and refetches the remote record.
	UseRemote Strategy = "remote"
)

// ParseStrategy converts "local" or "remote" into a Strategy.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case KeepLocal, UseRemote:
		return Strategy(s), nil
	}
	return "", fmt.Errorf("unknown strategy %q (want local or remote)", s)
}

// Surface is the observable queue of unresolved conflicts.
//
// Thread-safety: all methods are safe for concurrent use.
type Surface struct {
	store  *db.DB
	clock  *schema.Clock
	logger *log.Logger

	mu      sync.Mutex
	pending map[schema.RecordKey]schema.Conflict
	subs    map[int]chan []schema.Conflict
	nextSub int
}

// New loads the persisted conflicts of store.
// If logger is nil, a default stderr logger is used.
func New(ctx context.Context, store *db.DB, clock *schema.Clock, logger *log.Logger) (*Surface, error) {
	if clock == nil {
		clock = schema.NewClock(nil)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[conflict] ", log.LstdFlags)
	}
	persisted, err := store.ListConflicts(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load conflicts: %w", err)
	}

	s := &Surface{
		store:   store,
		clock:   clock,
		logger:  logger,
		pending: make(map[schema.RecordKey]schema.Conflict, len(persisted)),
		subs:    make(map[int]chan []schema.Conflict),
	}
	for _, c := range persisted {
		s.pending[c.Key()] = c
	}
	return s, nil
}

// Add records a conflict, replacing an older one for the same record.
func (s *Surface) Add(ctx context.Context, c schema.Conflict) error {
	if c.DetectedAt == 0 {
		c.DetectedAt = s.clock.Now()
	}
	if err := s.store.SaveConflict(ctx, c); err != nil {
		return err
	}

	s.mu.Lock()
	s.pending[c.Key()] = c
	s.mu.Unlock()

	s.logger.Printf("conflict on %s: local v%d, remote v%d", c.Key(), c.Local.Version, c.Remote.Version)
	s.publish()
	return nil
}

// List returns the pending conflicts, oldest first.
func (s *Surface) List() []schema.Conflict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked()
}

// Len returns the number of pending conflicts.
func (s *Surface) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Has reports whether a record has a pending conflict.
func (s *Surface) Has(key schema.RecordKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[key]
	return ok
}

// Resolve settles the conflict of the record with id.
func (s *Surface) Resolve(ctx context.Context, id string, strategy Strategy) error {
	c, ok := s.find(id)
	if !ok {
		return fmt.Errorf("%w %s", ErrNotFound, id)
	}

	var err error
	switch strategy {
	case KeepLocal:
		err = s.KeepLocal(ctx, c.Key(), c.Remote)
	case UseRemote:
		err = s.UseRemote(ctx, c.Key())
	default:
		err = fmt.Errorf("unknown strategy %q", strategy)
	}
	return err
}

// DismissAll keeps the local side of every pending conflict.
func (s *Surface) DismissAll(ctx context.Context) error {
	for _, c := range s.List() {
		if err := s.KeepLocal(ctx, c.Key(), c.Remote); err != nil {
			return err
		}
	}
	return nil
}

// KeepLocal makes the local record win: its version and updated_at are
// raised above the losing remote ones so the remote side accepts it and
// replicas holding the remote version take it on pull. A change record
// queues it for push. Any pending conflict or refetch for the record is
// dropped.
func (s *Surface) KeepLocal(ctx context.Context, key schema.RecordKey, lost schema.Snapshot) error {
	err := s.store.WithTx(ctx, func(tx *db.Queries) error {
		if err := KeepLocalTx(ctx, tx, key, lost, s.clock.Now()); err != nil {
			return err
		}
		return tx.DeleteConflict(ctx, key.Table, key.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to keep local %s: %w", key, err)
	}
	s.remove(key)
	return nil
}

// KeepLocalTx is the store side of KeepLocal, run inside the caller's
// transaction. It does not touch the in-memory queue.
func KeepLocalTx(ctx context.Context, tx *db.Queries, key schema.RecordKey, lost schema.Snapshot, now int64) error {
	meta, err := tx.GetMeta(ctx, key.Table, key.ID)
	if err != nil {
		return err
	}
	if meta != nil {
		version := max(meta.Version, lost.Version+1)
		updatedAt := max(meta.UpdatedAt, now, lost.UpdatedAt+1)
		if err := tx.SetVersionStamp(ctx, key.Table, key.ID, version, updatedAt); err != nil {
			return err
		}
		queued, err := tx.HasChange(ctx, key.Table, key.ID)
		if err != nil {
			return err
		}
		if !queued {
			op := schema.OpUpdate
			if meta.Deleted() {
				op = schema.OpDelete
			}
			if _, err := tx.AppendChange(ctx, key.Table, key.ID, op, now); err != nil {
				return err
			}
		}
	}
	return tx.DeleteRefetch(ctx, key.Table, key.ID)
}

// UseRemote makes the remote record win: pending local changes are dropped
// and the record is queued for refetch on the next sync.
func (s *Surface) UseRemote(ctx context.Context, key schema.RecordKey) error {
	err := s.store.WithTx(ctx, func(tx *db.Queries) error {
		if err := tx.DeleteChangesFor(ctx, key.Table, key.ID); err != nil {
			return err
		}
		if err := tx.QueueRefetch(ctx, key.Table, key.ID, s.clock.Now()); err != nil {
			return err
		}
		return tx.DeleteConflict(ctx, key.Table, key.ID)
	})
	if err != nil {
		return fmt.Errorf("failed to use remote %s: %w", key, err)
	}
	s.remove(key)
	return nil
}

// Subscribe returns a channel receiving the pending list after every change,
// starting with the current one, and a function to unsubscribe. Slow
// readers only see the latest list.
func (s *Surface) Subscribe() (<-chan []schema.Conflict, func()) {
	ch := make(chan []schema.Conflict, 1)

	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	ch <- s.listLocked()
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
}

// Reset forgets pending conflicts in memory and in the store (logout).
func (s *Surface) Reset(ctx context.Context) error {
	for _, c := range s.List() {
		if err := s.store.DeleteConflict(ctx, c.Table, c.RecordID); err != nil {
			return err
		}
		s.remove(c.Key())
	}
	return nil
}

func (s *Surface) find(id string) (schema.Conflict, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.listLocked() {
		if c.RecordID == id {
			return c, true
		}
	}
	return schema.Conflict{}, false
}

func (s *Surface) remove(key schema.RecordKey) {
	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()
	s.publish()
}

func (s *Surface) listLocked() []schema.Conflict {
	out := make([]schema.Conflict, 0, len(s.pending))
	for _, c := range s.pending {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DetectedAt != out[j].DetectedAt {
			return out[i].DetectedAt < out[j].DetectedAt
		}
		return out[i].Key().String() < out[j].Key().String()
	})
	return out
}

func (s *Surface) publish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.listLocked()
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- list
	}
}
