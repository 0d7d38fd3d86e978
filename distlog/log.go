// Package distlog provides the engine's structured logger. One
// *Logger is created per process and threaded through ProcessContext;
// there is no package-level global logger, per spec.md §9's
// instruction to carry process-scoped state explicitly rather than
// through true globals.
//
// Ground: the field/level conventions here mirror the example pack's
// cmd/memtierd and cmd/plugins/* entry points, which configure
// sirupsen/logrus with a text or JSON formatter selected by flag and
// attach component fields before logging.
package distlog

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Logger with the engine's fixed field set.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger for process rank within a topology of size p,
// at the given level ("debug", "info", "warn", "error").
func New(rank, p int, level string) *Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &Logger{entry: l.WithFields(logrus.Fields{"rank": rank, "of": p})}
}

// With returns a derived Logger with additional structured fields,
// e.g. Log.With("socket", s) inside a per-socket worker loop.
func (lg *Logger) With(kv ...interface{}) *Logger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		if key, ok := kv[i].(string); ok {
			fields[key] = kv[i+1]
		}
	}
	return &Logger{entry: lg.entry.WithFields(fields)}
}

func (lg *Logger) Debugf(format string, args ...interface{}) { lg.entry.Debugf(format, args...) }
func (lg *Logger) Infof(format string, args ...interface{})  { lg.entry.Infof(format, args...) }
func (lg *Logger) Warnf(format string, args ...interface{})  { lg.entry.Warnf(format, args...) }
func (lg *Logger) Errorf(format string, args ...interface{}) { lg.entry.Errorf(format, args...) }

// Fatalf logs at fatal level and terminates the process, matching
// spec.md §7: the engine has no user-visible error channel for
// configuration/messaging/I/O errors, it either completes or aborts.
func (lg *Logger) Fatalf(format string, args ...interface{}) { lg.entry.Fatalf(format, args...) }

// AssertCache is the cache-invariant assertion spec.md §7 calls for
// "implementers must assert in debug builds". It is a no-op unless
// built with -tags debugcache, matching the non-debug build's
// documented behavior of surfacing the violation as a hang instead.
func (lg *Logger) AssertCache(ok bool, format string, args ...interface{}) {
	assertCache(lg, ok, format, args...)
}
