//go:build !linux

package numa

// BindRange is a no-op outside Linux; see mempolicy_linux.go.
func BindRange(t *Topology, addr uintptr, length uintptr, socket int) error { return nil }
