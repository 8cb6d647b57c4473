//go:build !unix

package daemon

import "context"

// SignalLifecycle never emits on platforms without SIGUSR1/SIGUSR2.
type SignalLifecycle struct{}

// NewSignalLifecycle returns a lifecycle source that stays silent.
func NewSignalLifecycle() *SignalLifecycle {
	return &SignalLifecycle{}
}

func (SignalLifecycle) Watch(ctx context.Context) <-chan AppState {
	out := make(chan AppState)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}
