//go:build !linux

package numa

func discoverLinux() *Topology { return nil }

// PinThread is a no-op outside Linux: CPU affinity pinning is a
// placement optimization, not a correctness requirement, per
// spec.md §5.
func PinThread(t *Topology, socket int) error { return nil }
