// Package logging builds the daemon's loggers. Component loggers share one
// destination and differ only by their bracketed prefix.
package logging

import (
	"io"
	"log"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures the log destination.
type Options struct {
	// File enables a rotating log file in addition to stderr. Empty means
	// stderr only.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// Writer returns the shared log destination and a close function for the
// rotating file, if any.
func Writer(opts Options) (io.Writer, func() error, error) {
	if opts.File == "" {
		return os.Stderr, func() error { return nil }, nil
	}

	if dir := filepath.Dir(opts.File); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, err
		}
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
	}
	return io.MultiWriter(os.Stderr, rotator), rotator.Close, nil
}

// Component returns a logger writing to w with the given bracketed prefix.
func Component(w io.Writer, name string) *log.Logger {
	return log.New(w, "["+name+"] ", log.LstdFlags)
}
