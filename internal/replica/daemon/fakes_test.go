package daemon

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/mapsync/mapsync/internal/remote"
)

var errTransport error = &remote.TransportError{Err: errors.New("connection refused")}

type fakeChecker struct {
	err atomic.Value
}

func (f *fakeChecker) Health(ctx context.Context) (*remote.HealthResponse, error) {
	if err, ok := f.err.Load().(error); ok && err != nil {
		return nil, err
	}
	return &remote.HealthResponse{Status: "ok", APIVersion: remote.APIVersion}, nil
}
