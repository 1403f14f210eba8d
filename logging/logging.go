// Package logging is this module's package-level structured logging
// facade. No other package in this module logs through it.
//
// It wraps github.com/joeycumines/logiface, the same logging interface the
// teacher module builds its own logging story on, with
// github.com/joeycumines/stumpy (a dependency-free JSON backend) wired in
// as the default. Callers may swap in any other logiface-compatible
// backend (zerolog, logrus, slog, ...) via SetLogger.
//
// A package-level variable is used deliberately here, not per-instance
// configuration: logging is a cross-cutting infrastructure concern, and
// every caller of L in the process writes to the same sink.
package logging

import (
	"sync"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

var (
	mu  sync.RWMutex
	log = stumpy.L.New(stumpy.L.WithStumpy())
)

// SetLogger replaces the package-level logger.
func SetLogger(l *logiface.Logger[*stumpy.Event]) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = stumpy.L.New(stumpy.L.WithStumpy())
	}
	log = l
}

// L returns the current package-level logger.
func L() *logiface.Logger[*stumpy.Event] {
	mu.RLock()
	defer mu.RUnlock()
	return log
}
