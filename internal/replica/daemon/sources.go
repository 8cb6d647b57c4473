package daemon

import (
	"context"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mapsync/mapsync/internal/remote"
)

// AppState is the foreground/background state of the host application.
type AppState int

const (
	// StateForeground means a person is using the application.
	StateForeground AppState = iota
	// StateBackground means the application is idle or hidden.
	StateBackground
)

// String returns a human-readable representation of the state.
func (s AppState) String() string {
	switch s {
	case StateForeground:
		return "foreground"
	case StateBackground:
		return "background"
	default:
		return "unknown"
	}
}

// NetworkMonitor reports connectivity.
type NetworkMonitor interface {
	// Online returns the current connectivity.
	Online() bool
	// Watch emits every connectivity change until ctx is done, then closes
	// the channel.
	Watch(ctx context.Context) <-chan bool
}

// LifecycleSource reports application state transitions.
type LifecycleSource interface {
	// Watch emits every state transition until ctx is done, then closes the
	// channel.
	Watch(ctx context.Context) <-chan AppState
}

// broadcaster fans values out to the channels of active Watch calls.
type broadcaster[T any] struct {
	mu   sync.Mutex
	subs map[chan T]struct{}
}

func (b *broadcaster[T]) watch(ctx context.Context) <-chan T {
	ch := make(chan T, 4)
	b.mu.Lock()
	if b.subs == nil {
		b.subs = make(map[chan T]struct{})
	}
	b.subs[ch] = struct{}{}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		delete(b.subs, ch)
		close(ch)
		b.mu.Unlock()
	}()
	return ch
}

func (b *broadcaster[T]) send(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- v:
		default:
		}
	}
}

// ManualNetwork is a NetworkMonitor driven by SetOnline, for embedding
// applications that learn connectivity from elsewhere.
type ManualNetwork struct {
	mu     sync.Mutex
	online bool
	b      broadcaster[bool]
}

// NewManualNetwork returns a monitor with the given initial state.
func NewManualNetwork(online bool) *ManualNetwork {
	return &ManualNetwork{online: online}
}

func (n *ManualNetwork) Online() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.online
}

func (n *ManualNetwork) Watch(ctx context.Context) <-chan bool {
	return n.b.watch(ctx)
}

// SetOnline records a connectivity change. Setting the current value again
// emits nothing.
func (n *ManualNetwork) SetOnline(online bool) {
	n.mu.Lock()
	changed := n.online != online
	n.online = online
	n.mu.Unlock()
	if changed {
		n.b.send(online)
	}
}

// ManualLifecycle is a LifecycleSource driven by Set.
type ManualLifecycle struct {
	b broadcaster[AppState]
}

func (l *ManualLifecycle) Watch(ctx context.Context) <-chan AppState {
	return l.b.watch(ctx)
}

// Set emits a state transition.
func (l *ManualLifecycle) Set(state AppState) {
	l.b.send(state)
}

// HealthChecker is the part of the remote client HTTPProbe uses.
type HealthChecker interface {
	Health(ctx context.Context) (*remote.HealthResponse, error)
}

// HTTPProbe is a NetworkMonitor that polls the remote health endpoint.
// Any response, even an error status, means the network is up; only a
// request that got no response counts as offline.
type HTTPProbe struct {
	checker  HealthChecker
	interval time.Duration
	logger   *log.Logger

	mu     sync.Mutex
	online bool
}

// NewHTTPProbe creates a probe polling every interval.
// If logger is nil, a default stderr logger is used.
func NewHTTPProbe(checker HealthChecker, interval time.Duration, logger *log.Logger) *HTTPProbe {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[probe] ", log.LstdFlags)
	}
	return &HTTPProbe{checker: checker, interval: interval, logger: logger}
}

func (p *HTTPProbe) Online() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.online
}

// Probe checks the remote once and records the outcome.
func (p *HTTPProbe) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.interval)
	defer cancel()
	_, err := p.checker.Health(ctx)
	online := err == nil || !remote.IsTransport(err)

	p.mu.Lock()
	p.online = online
	p.mu.Unlock()
	return online
}

// Watch probes immediately and then every interval, emitting changes.
func (p *HTTPProbe) Watch(ctx context.Context) <-chan bool {
	ch := make(chan bool, 1)
	go func() {
		defer close(ch)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		last := p.Online()
		for {
			if now := p.Probe(ctx); now != last {
				p.logger.Printf("Remote is now %s", onlineText(now))
				last = now
				select {
				case ch <- now:
				case <-ctx.Done():
					return
				}
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return ch
}

func onlineText(online bool) string {
	if online {
		return "online"
	}
	return "offline"
}
