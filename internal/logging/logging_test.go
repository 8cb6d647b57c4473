package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFactory_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "mapsync.log")
	f := New(Options{File: path})

	f.Logger("sync").Println("pushed 3 records")
	f.Logger("daemon").Println("tick")
	if err := f.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "[sync] ") || !strings.Contains(out, "pushed 3 records") {
		t.Errorf("log missing sync line: %q", out)
	}
	if !strings.Contains(out, "[daemon] ") {
		t.Errorf("log missing daemon line: %q", out)
	}
}

func TestFactory_ReusesLoggers(t *testing.T) {
	f := New(Options{Quiet: true})
	if f.Logger("sync") != f.Logger("sync") {
		t.Error("Logger() returned different loggers for one component")
	}
	if f.Logger("sync") == f.Logger("daemon") {
		t.Error("Logger() shared a logger between components")
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close() = %v", err)
	}
}
