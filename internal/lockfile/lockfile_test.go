package lockfile

import (
	"errors"
	"os"
	"testing"
)

func TestAcquire_Exclusive(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() failed: %v", err)
	}
	if pid, ok := Holder(dir); !ok || pid != os.Getpid() {
		t.Errorf("Holder() = %d, %v; want %d", pid, ok, os.Getpid())
	}

	if _, err := Acquire(dir); !errors.Is(err, ErrLocked) {
		t.Errorf("second Acquire() = %v, want ErrLocked", err)
	}
	if !Held(dir) {
		t.Error("Held() = false while locked")
	}

	if err := lock.Release(); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}
	if Held(dir) {
		t.Error("Held() = true after release")
	}

	again, err := Acquire(dir)
	if err != nil {
		t.Fatalf("Acquire() after release failed: %v", err)
	}
	_ = again.Release()
}

func TestHolder_Missing(t *testing.T) {
	if _, ok := Holder(t.TempDir()); ok {
		t.Error("Holder() reported a pid for an empty directory")
	}
}
