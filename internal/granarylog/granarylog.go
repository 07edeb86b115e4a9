// Package granarylog wraps go.uber.org/zap into the small logging
// surface the rest of the module calls through, mirroring
// original_source/granary/code/logging.cc and os/linux/user/
// logging.cc: a package-level logger, structured fields at cache
// accept/adapt/reject and remove-range boundaries, translation and
// command-state boundaries, and a Sync at shutdown. zap's own buffering WriteSyncer stands in for the
// original's hand-rolled ring buffer (spec.md's Concurrency section
// only requires that logging not itself require translation-path
// locks, which zap's lock-free-ish core already gives us).
package granarylog

import (
	"sync"

	"go.uber.org/zap"
)

var (
	mu     sync.Mutex
	logger *zap.Logger
)

// L returns the package logger, lazily building a production zap
// logger on first use. Tests that want to assert on log output should
// call SetLogger with an observer-backed *zap.Logger instead.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		logger = l
	}
	return logger
}

// SetLogger installs l as the package logger, returning the previous
// one so callers (tests, cmd/granaryctl) can restore it.
func SetLogger(l *zap.Logger) *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	prev := logger
	logger = l
	return prev
}

// Sync flushes the package logger's buffered writes; call once at
// process shutdown.
func Sync() error {
	mu.Lock()
	l := logger
	mu.Unlock()
	if l == nil {
		return nil
	}
	return l.Sync()
}
