package remote

import (
	"errors"
	"fmt"

	"github.com/mapsync/mapsync/internal/replica/schema"
)

var (
	// ErrNotFound is wrapped by 404 responses.
	ErrNotFound = errors.New("not found")
	// ErrConflict is wrapped by 409 responses.
	ErrConflict = errors.New("version conflict")
	// ErrUnauthorized is returned when a request stays unauthorized after
	// the session guard ran.
	ErrUnauthorized = errors.New("unauthorized")
)

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned status %d", e.Code)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Message)
}

func (e *StatusError) Unwrap() error {
	if e.Code == 404 {
		return ErrNotFound
	}
	return nil
}

// ConflictError is a 409 response carrying the stored remote snapshot.
type ConflictError struct {
	Remote schema.Snapshot
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("version conflict: remote has version %d", e.Remote.Version)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// TransportError is a request that got no HTTP response at all: connection
// refused, DNS failure, timeout.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to send request: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsTransport reports whether err is a TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
