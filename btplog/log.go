// Package btplog wraps github.com/go-logr/logr: library code takes a
// Logger at construction and never reaches for a process-global logger,
// so tests can inject a silent or recording implementation.
package btplog

import (
	"fmt"
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// Logger is the structured logger handed to every component that needs to
// report something a human should see: connector lifecycle transitions,
// trust store flush failures, retry exhaustion.
type Logger struct {
	l logr.Logger
}

// New builds a Logger backed by the standard library's log package via
// go-logr/stdr, tagged with name (e.g. "connector", "trust").
func New(name string) Logger {
	stdr.SetVerbosity(1)
	base := stdr.New(log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds))
	return Logger{l: base.WithName(name)}
}

// NewFromLogr wraps an existing logr.Logger, for callers embedding btplog
// into a larger application's own logging setup.
func NewFromLogr(l logr.Logger) Logger {
	return Logger{l: l}
}

// Discard returns a Logger that drops everything, for tests and library
// defaults.
func Discard() Logger {
	return Logger{l: logr.Discard()}
}

// With returns a Logger with additional structured key/value context
// attached to every subsequent line.
func (lg Logger) With(keysAndValues ...interface{}) Logger {
	return Logger{l: lg.l.WithValues(keysAndValues...)}
}

// Debugf logs at debug verbosity.
func (lg Logger) Debugf(format string, args ...interface{}) {
	lg.l.V(1).Info(fmt.Sprintf(format, args...))
}

// Infof logs at normal verbosity.
func (lg Logger) Infof(format string, args ...interface{}) {
	lg.l.Info(fmt.Sprintf(format, args...))
}

// Warnf logs a recoverable problem.
func (lg Logger) Warnf(format string, args ...interface{}) {
	lg.l.Info(fmt.Sprintf("WARN "+format, args...))
}

// Errf logs a non-recoverable problem, attaching err as structured
// context when non-nil.
func (lg Logger) Errf(err error, format string, args ...interface{}) {
	lg.l.Error(err, fmt.Sprintf(format, args...))
}
