// Package lockfile keeps two replica processes from syncing the same data
// directory at once.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gofrs/flock"
)

// Name is the lock file created inside the data directory.
const Name = "daemon.lock"

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("replica is locked by another process")

// Lock is an acquired exclusive lock.
type Lock struct {
	fl *flock.Flock
}

// Acquire takes the lock in dir without blocking and records the caller's
// pid in it.
func Acquire(dir string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	path := filepath.Join(dir, Name)
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring lock %s: %w", path, err)
	}
	if !locked {
		if pid, ok := Holder(dir); ok {
			return nil, fmt.Errorf("%w (pid %d)", ErrLocked, pid)
		}
		return nil, ErrLocked
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		_ = fl.Unlock()
		return nil, fmt.Errorf("writing lock %s: %w", path, err)
	}
	return &Lock{fl: fl}, nil
}

// Path returns the lock file path.
func (l *Lock) Path() string {
	return l.fl.Path()
}

// Release unlocks. The file is left in place.
func (l *Lock) Release() error {
	return l.fl.Unlock()
}

// Holder returns the pid recorded in the lock file of dir. It does not
// check whether the lock is still held.
func Holder(dir string) (int, bool) {
	data, err := os.ReadFile(filepath.Join(dir, Name))
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// Held reports whether some process currently holds the lock in dir.
func Held(dir string) bool {
	fl := flock.New(filepath.Join(dir, Name))
	locked, err := fl.TryLock()
	if err != nil {
		return false
	}
	if locked {
		_ = fl.Unlock()
		return false
	}
	return true
}
