// Package logging builds the component loggers of mapsync.
//
// Every component logs through a stdlib *log.Logger with a "[component] "
// prefix. All of them share one writer: stderr, or a size-rotated file when
// a log file is configured.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the shared log writer.
type Options struct {
	// File is the log file path; empty logs to stderr
	File string
	// MaxSizeMB is the size at which the file is rotated
	MaxSizeMB int
	// MaxBackups is the number of rotated files kept
	MaxBackups int
	// Quiet discards all output
	Quiet bool
}

// Factory hands out prefixed loggers sharing one writer.
type Factory struct {
	out    io.Writer
	closer io.Closer

	mu      sync.Mutex
	loggers map[string]*log.Logger
}

// New creates a factory for opts.
func New(opts Options) *Factory {
	f := &Factory{loggers: make(map[string]*log.Logger)}
	switch {
	case opts.Quiet:
		f.out = io.Discard
	case opts.File != "":
		if opts.MaxSizeMB <= 0 {
			opts.MaxSizeMB = 10
		}
		if opts.MaxBackups <= 0 {
			opts.MaxBackups = 3
		}
		_ = os.MkdirAll(filepath.Dir(opts.File), 0o755)
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			Compress:   true,
		}
		f.out, f.closer = lj, lj
	default:
		f.out = os.Stderr
	}
	return f
}

// Logger returns the logger of a component, creating it on first use.
func (f *Factory) Logger(component string) *log.Logger {
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.loggers[component]; ok {
		return l
	}
	l := log.New(f.out, "["+component+"] ", log.LstdFlags)
	f.loggers[component] = l
	return l
}

// Writer returns the shared writer.
func (f *Factory) Writer() io.Writer {
	return f.out
}

// Close flushes and closes the log file, if any.
func (f *Factory) Close() error {
	if f.closer == nil {
		return nil
	}
	return f.closer.Close()
}
