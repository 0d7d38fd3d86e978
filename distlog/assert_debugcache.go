//go:build debugcache

package distlog

func assertCache(lg *Logger, ok bool, format string, args ...interface{}) {
	if !ok {
		lg.entry.Panicf(format, args...)
	}
}
