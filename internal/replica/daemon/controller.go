package daemon

import (
	"context"
	"errors"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mapsync/mapsync/internal/replica/conflict"
	"github.com/mapsync/mapsync/internal/replica/schema"
	rsync "github.com/mapsync/mapsync/internal/replica/sync"
	"github.com/mapsync/mapsync/internal/session"
)

// DefaultInterval is the timer trigger period.
const DefaultInterval = 5 * time.Minute

// ErrRunning is returned by Start when the controller is already started.
var ErrRunning = errors.New("controller already running")

// Engine is the part of the sync engine the controller drives.
type Engine interface {
	Sync(ctx context.Context) rsync.Result
	InFlight() bool
	PendingCount(ctx context.Context) (int, error)
}

// Sources are the controller's sync triggers. A nil Network counts as
// always online; a nil Lifecycle never fires.
type Sources struct {
	Network   NetworkMonitor
	Lifecycle LifecycleSource
}

// Config holds configuration for the controller.
type Config struct {
	// Interval is the timer trigger period (default DefaultInterval)
	Interval time.Duration

	// Conflicts, when set, is mirrored into Status.Conflicts
	Conflicts *conflict.Surface

	// Logger for controller activity
	Logger *log.Logger
}

// Status is the observable state of a replica.
type Status struct {
	Online         bool              `json:"online"`
	Syncing        bool              `json:"syncing"`
	PendingChanges int               `json:"pending_changes"`
	LastSyncAt     *time.Time        `json:"last_sync_at,omitempty"`
	LastResult     *rsync.Result     `json:"last_result,omitempty"`
	Conflicts      []schema.Conflict `json:"conflicts"`
}

// Controller merges connectivity, lifecycle and timer triggers into serial
// sync ticks and publishes the replica status.
type Controller struct {
	engine    Engine
	session   session.Store
	network   NetworkMonitor
	lifecycle LifecycleSource
	conflicts *conflict.Surface
	logger    *log.Logger

	intervalCh chan struct{}
	requests   chan chan rsync.Result

	mu       sync.Mutex
	interval time.Duration
	status   Status
	subs     map[int]chan Status
	nextSub  int
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewController creates a stopped controller.
func NewController(engine Engine, sess session.Store, sources Sources, cfg Config) *Controller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[daemon] ", log.LstdFlags)
	}
	if sources.Network == nil {
		sources.Network = NewManualNetwork(true)
	}
	if sources.Lifecycle == nil {
		sources.Lifecycle = &ManualLifecycle{}
	}
	return &Controller{
		engine:     engine,
		session:    sess,
		network:    sources.Network,
		lifecycle:  sources.Lifecycle,
		conflicts:  cfg.Conflicts,
		logger:     cfg.Logger,
		intervalCh: make(chan struct{}, 1),
		requests:   make(chan chan rsync.Result),
		interval:   cfg.Interval,
		subs:       make(map[int]chan Status),
	}
}

// Start attaches all trigger sources and runs an initial tick. The
// controller runs until Stop is called or ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return ErrRunning
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.status.Online = c.network.Online()
	interval := c.interval
	done := c.done
	c.mu.Unlock()

	netCh := c.network.Watch(loopCtx)
	lifeCh := c.lifecycle.Watch(loopCtx)

	c.logger.Printf("Starting controller (interval %s)", interval)
	c.refresh(loopCtx)
	go c.loop(loopCtx, done, interval, netCh, lifeCh)
	return nil
}

// Stop detaches all trigger sources, waits for a running tick to finish and
// resets the published status.
func (c *Controller) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	c.logger.Println("Stopping controller")
	cancel()
	<-done

	c.mu.Lock()
	c.status = Status{}
	c.mu.Unlock()
	c.publish()
	return nil
}

// Running reports whether the controller is started.
func (c *Controller) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// SetInterval changes the timer period. A running timer restarts with the
// new period.
func (c *Controller) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	c.mu.Lock()
	changed := c.interval != d
	c.interval = d
	c.mu.Unlock()
	if !changed {
		return
	}
	c.logger.Printf("Sync interval set to %s", d)
	// The loop reads the period under mu; one pending signal is enough.
	select {
	case c.intervalCh <- struct{}{}:
	default:
	}
}

// Interval returns the timer period.
func (c *Controller) Interval() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interval
}

// SyncNow runs one tick and returns its result. On a started controller the
// tick runs on the loop, after any tick already in progress. The second
// return value is false when the tick short-circuited.
func (c *Controller) SyncNow(ctx context.Context) (rsync.Result, bool) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()

	if done == nil {
		return c.tick(ctx)
	}
	reply := make(chan rsync.Result, 1)
	select {
	case c.requests <- reply:
	case <-done:
		return rsync.Result{}, false
	case <-ctx.Done():
		return rsync.Result{}, false
	}
	select {
	case res, ok := <-reply:
		return res, ok
	case <-ctx.Done():
		return rsync.Result{}, false
	}
}

// Status returns a snapshot of the published status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

// Subscribe returns a channel receiving the status after every change,
// starting with the current one, and a function to unsubscribe. Slow
// readers only see the latest status.
func (c *Controller) Subscribe() (<-chan Status, func()) {
	ch := make(chan Status, 1)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.snapshotLocked()
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Controller) loop(ctx context.Context, done chan struct{}, interval time.Duration, netCh <-chan bool, lifeCh <-chan AppState) {
	defer close(done)

	timer := time.NewTimer(interval)
	defer timer.Stop()
	resetTimer := func(d time.Duration) {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(d)
	}

	c.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return

		case online, ok := <-netCh:
			if !ok {
				netCh = nil
				continue
			}
			c.mu.Lock()
			was := c.status.Online
			c.status.Online = online
			c.mu.Unlock()
			c.publish()
			if online && !was {
				c.logger.Println("Back online, syncing")
				c.tick(ctx)
			}

		case state, ok := <-lifeCh:
			if !ok {
				lifeCh = nil
				continue
			}
			if state == StateForeground {
				c.tick(ctx)
			}

		case <-c.intervalCh:
			interval = c.Interval()
			resetTimer(interval)

		case reply := <-c.requests:
			res, ran := c.tick(ctx)
			if ran {
				reply <- res
			}
			close(reply)

		case <-timer.C:
			c.tick(ctx)
			timer.Reset(interval)
		}
	}
}

// tick runs the engine unless there is no session, the replica is offline
// or a sync is already in flight. It reports whether the engine ran.
func (c *Controller) tick(ctx context.Context) (rsync.Result, bool) {
	if _, ok := c.session.Tokens(); !ok {
		c.logger.Println("Skipping sync: no session")
		return rsync.Result{}, false
	}
	if !c.network.Online() {
		return rsync.Result{}, false
	}
	if c.engine.InFlight() {
		return rsync.Result{}, false
	}

	c.setSyncing(true)
	res := c.engine.Sync(ctx)

	c.mu.Lock()
	c.status.Syncing = false
	if !res.Skipped {
		at := res.FinishedAt
		c.status.LastSyncAt = &at
		c.status.LastResult = &res
	}
	c.mu.Unlock()
	c.refresh(ctx)
	return res, !res.Skipped
}

func (c *Controller) setSyncing(v bool) {
	c.mu.Lock()
	c.status.Syncing = v
	c.mu.Unlock()
	c.publish()
}

// refresh reloads the pending count and conflicts, then publishes.
func (c *Controller) refresh(ctx context.Context) {
	pending, err := c.engine.PendingCount(ctx)
	if err != nil {
		c.logger.Printf("Error counting pending changes: %v", err)
	}
	var conflicts []schema.Conflict
	if c.conflicts != nil {
		conflicts = c.conflicts.List()
	}

	c.mu.Lock()
	if err == nil {
		c.status.PendingChanges = pending
	}
	c.status.Conflicts = conflicts
	c.mu.Unlock()
	c.publish()
}

func (c *Controller) snapshotLocked() Status {
	st := c.status
	st.Conflicts = append([]schema.Conflict(nil), c.status.Conflicts...)
	return st
}

func (c *Controller) publish() {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := c.snapshotLocked()
	for _, ch := range c.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
