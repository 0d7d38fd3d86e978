//go:build !debugcache

package distlog

func assertCache(lg *Logger, ok bool, format string, args ...interface{}) {
	// Production builds intentionally do not assert here: a slot whose
	// prefetch never transitions surfaces as a hang, per spec.md §7.
}
