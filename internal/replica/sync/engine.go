package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	stdsync "sync"
	"sync/atomic"
	"time"

	"github.com/mapsync/mapsync/internal/remote"
	"github.com/mapsync/mapsync/internal/replica/conflict"
	"github.com/mapsync/mapsync/internal/replica/db"
	"github.com/mapsync/mapsync/internal/replica/schema"
	"github.com/mapsync/mapsync/internal/session"
)

// DefaultMaxRetries is the per-record retry ceiling.
const DefaultMaxRetries = 3

// State is the phase of the engine.
type State int

const (
	StateIdle State = iota
	StatePushing
	StatePulling
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePushing:
		return "pushing"
	case StatePulling:
		return "pulling"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Policy decides what happens to a detected conflict.
type Policy string

const (
	// PolicyManual surfaces conflicts for a person to resolve.
	PolicyManual Policy = "manual"
	// PolicyLastWriteWins resolves conflicts immediately by updated_at.
	// Equal timestamps prefer the remote side.
	PolicyLastWriteWins Policy = "last_write_wins"
)

// ParsePolicy converts a configuration value into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case "", PolicyManual:
		return PolicyManual, nil
	case PolicyLastWriteWins:
		return PolicyLastWriteWins, nil
	}
	return "", fmt.Errorf("unknown conflict policy %q", s)
}

// Error strings reported in Result.Error.
const (
	ErrTextNoSession    = "no session"
	ErrTextNeedsRelogin = "needs re-login"
)

// Result is the outcome of one Sync call.
type Result struct {
	Success   bool   `json:"success"`
	Synced    int    `json:"synced"`
	Failed    int    `json:"failed"`
	Conflicts int    `json:"conflicts"`
	Skipped   bool   `json:"skipped,omitempty"`
	Error     string `json:"error,omitempty"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Remote is the part of the remote API the engine uses.
type Remote interface {
	ListSince(ctx context.Context, since int64) (*remote.DeltaResponse, error)
	GetMap(ctx context.Context, id string) (*schema.Map, error)
	GetNode(ctx context.Context, id string) (*schema.Node, error)
	GetEdge(ctx context.Context, id string) (*schema.Edge, error)
	Upsert(ctx context.Context, table schema.Table, id string, record any) error
	Delete(ctx context.Context, table schema.Table, id string) error
	PutEdges(ctx context.Context, mapID string, edges []*schema.Edge) (*remote.BundleResult, error)
}

// Config configures an Engine.
type Config struct {
	// MaxRetries is the per-record retry ceiling (default DefaultMaxRetries)
	MaxRetries int
	// Policy is the conflict policy (default PolicyManual)
	Policy Policy
	// Retention is how long synced soft-deleted rows are kept
	// (default db.DefaultRetention, negative disables the purge)
	Retention time.Duration
	// Clock stamps sync metadata (default wall clock)
	Clock *schema.Clock
	// Logger receives progress and warnings (default stderr)
	Logger *log.Logger
}

// Engine runs push/pull cycles against one replica.
type Engine struct {
	store     *db.DB
	remote    Remote
	conflicts *conflict.Surface
	session   session.Store
	cfg       Config
	clock     *schema.Clock
	logger    *log.Logger

	running atomic.Bool
	state   atomic.Int32

	// retries is only touched by the running Sync; the mutex guards readers.
	mu      stdsync.Mutex
	retries map[schema.RecordKey]int
}

// New creates an engine. The store must have its schema initialized.
func New(store *db.DB, rem Remote, conflicts *conflict.Surface, sess session.Store, cfg Config) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.Policy == "" {
		cfg.Policy = PolicyManual
	}
	if cfg.Retention == 0 {
		cfg.Retention = db.DefaultRetention
	}
	if cfg.Clock == nil {
		cfg.Clock = schema.NewClock(nil)
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[sync] ", log.LstdFlags)
	}
	return &Engine{
		store:     store,
		remote:    rem,
		conflicts: conflicts,
		session:   sess,
		cfg:       cfg,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		retries:   make(map[schema.RecordKey]int),
	}
}

// State returns the current phase.
func (e *Engine) State() State {
	return State(e.state.Load())
}

// InFlight reports whether a Sync call is running.
func (e *Engine) InFlight() bool {
	return e.running.Load()
}

// PendingCount returns the number of change records awaiting push.
func (e *Engine) PendingCount(ctx context.Context) (int, error) {
	return e.store.CountChanges(ctx)
}

// RetryCount returns the retry counter of a record.
func (e *Engine) RetryCount(key schema.RecordKey) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.retries[key]
}

// Sync runs one push/pull cycle. Errors never escape: they are reported in
// Result.Error.
func (e *Engine) Sync(ctx context.Context) Result {
	if !e.running.CompareAndSwap(false, true) {
		return Result{Skipped: true}
	}
	defer e.running.Store(false)

	res := Result{StartedAt: e.clock.Wall()}

	if _, ok := e.session.Tokens(); !ok {
		e.state.Store(int32(StateFailed))
		res.Error = ErrTextNoSession
		res.FinishedAt = e.clock.Wall()
		return res
	}

	e.state.Store(int32(StatePushing))
	p, err := e.push(ctx, &res)
	if err != nil {
		return e.fail(res, "push", err)
	}

	pulled := false
	if p.aborted {
		e.logger.Printf("WARNING: push aborted, skipping pull")
	} else {
		e.state.Store(int32(StatePulling))
		if err := e.pull(ctx, &res); err != nil {
			if fatal(err) {
				return e.fail(res, "pull", err)
			}
			e.logger.Printf("WARNING: pull failed: %v", err)
			res.Error = "pull failed: " + err.Error()
		} else {
			pulled = true
		}
	}

	res.Success = pulled && res.Failed == 0 && p.retrying == 0
	if res.Success {
		e.purge(ctx)
	}
	e.state.Store(int32(StateIdle))
	res.FinishedAt = e.clock.Wall()
	e.logger.Printf("Sync finished: success=%v synced=%d failed=%d conflicts=%d",
		res.Success, res.Synced, res.Failed, res.Conflicts)
	return res
}

func (e *Engine) fail(res Result, phase string, err error) Result {
	e.state.Store(int32(StateFailed))
	switch {
	case errors.Is(err, session.ErrNoSession):
		res.Error = ErrTextNoSession
	case errors.Is(err, remote.ErrUnauthorized):
		res.Error = ErrTextNeedsRelogin
	default:
		res.Error = fmt.Sprintf("%s failed: %v", phase, err)
	}
	res.Success = false
	res.FinishedAt = e.clock.Wall()
	e.logger.Printf("WARNING: sync failed during %s: %v", phase, err)
	return res
}

// fatal reports whether err ends the run in StateFailed.
func fatal(err error) bool {
	if errors.Is(err, remote.ErrUnauthorized) || errors.Is(err, session.ErrNoSession) {
		return true
	}
	var le *localError
	return errors.As(err, &le)
}

// localError marks a failure of the local store, which is never retried.
type localError struct {
	err error
}

func (e *localError) Error() string { return e.err.Error() }
func (e *localError) Unwrap() error { return e.err }

func local(err error) error {
	if err == nil {
		return nil
	}
	return &localError{err: err}
}

func (e *Engine) purge(ctx context.Context) {
	if e.cfg.Retention < 0 {
		return
	}
	cutoff := e.clock.Wall().Add(-e.cfg.Retention).UnixMilli()
	stats, err := e.store.PurgeDeleted(ctx, cutoff)
	if err != nil {
		e.logger.Printf("WARNING: retention purge failed: %v", err)
		return
	}
	if stats.Total() > 0 {
		e.logger.Printf("Purged %d deleted rows (maps=%d nodes=%d edges=%d)",
			stats.Total(), stats.Maps, stats.Nodes, stats.Edges)
	}
}

// noteFailure bumps the retry counter of a record. It reports whether the
// record exceeded the ceiling and now counts as failed.
func (e *Engine) noteFailure(key schema.RecordKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.retries[key]++
	if e.retries[key] > e.cfg.MaxRetries {
		delete(e.retries, key)
		return true
	}
	return false
}

func (e *Engine) clearRetries(key schema.RecordKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.retries, key)
}
