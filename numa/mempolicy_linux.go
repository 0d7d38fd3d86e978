//go:build linux

package numa

import (
	"syscall"
	"unsafe"
)

// Ground: containers-nri-plugins' pkg/mempolicy issues the raw
// set_mempolicy/get_mempolicy syscalls directly via the syscall
// package because golang.org/x/sys/unix does not wrap them; mbind
// (used here to bind an already-allocated range rather than the
// calling thread's default policy) is the same family of syscall and
// is wrapped the same way.
const sysMbind = 237

const (
	mpolBind       = 2
	mpolModeFlagBF = 0 // no MPOL_F_* flags
)

// BindRange asks the kernel to place the pages backing [addr, addr+len)
// on the NUMA node corresponding to socket, best-effort. A failing
// mbind is returned as its errno; an out-of-range socket or a node id
// of 64 or more returns nil without placing anything. Memory placement
// is an optimization, never a correctness requirement for the
// adjacency/vertex arrays described in spec.md §4.8.
func BindRange(t *Topology, addr uintptr, length uintptr, socket int) error {
	if socket < 0 || socket >= len(t.Sockets) {
		return nil
	}
	node := t.Sockets[socket].ID
	if node >= 64 {
		// single-word mask is enough for any topology this engine
		// realistically targets; wider topologies skip placement.
		return nil
	}
	mask := uint64(1) << uint(node)
	_, _, errno := syscall.Syscall6(sysMbind,
		addr, length, mpolBind,
		uintptr(unsafe.Pointer(&mask)), uintptr(64), mpolModeFlagBF)
	if errno != 0 {
		return errno
	}
	return nil
}
