//go:build unix

package daemon

import (
	"context"
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// SignalLifecycle maps SIGUSR1 to foreground and SIGUSR2 to background, so
// a desktop shell or a script can nudge a running daemon.
type SignalLifecycle struct{}

// NewSignalLifecycle returns a lifecycle source fed by process signals.
func NewSignalLifecycle() *SignalLifecycle {
	return &SignalLifecycle{}
}

func (SignalLifecycle) Watch(ctx context.Context) <-chan AppState {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, unix.SIGUSR1, unix.SIGUSR2)

	out := make(chan AppState, 1)
	go func() {
		defer close(out)
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				state := StateBackground
				if sig == unix.SIGUSR1 {
					state = StateForeground
				}
				select {
				case out <- state:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
