// Package numa discovers per-process socket topology and provides
// best-effort CPU pinning (PinThread) and socket-local memory
// placement (BindRange) for the worker pool and vertex arrays
// described in spec.md §4.5/§4.8.
//
// Ground: socket/CPU discovery mirrors containers-nri-plugins'
// pkg/topology (which reads /sys/devices/system/node/node*/cpulist)
// and pkg/cpuallocator's notion of a CPU set per NUMA node; affinity
// pinning and memory placement are modeled on that pack's
// pkg/mempolicy (a hand-rolled set_mempolicy/get_mempolicy wrapper).
// Pinning uses golang.org/x/sys/unix, which exposes SchedSetaffinity
// and the CPU set helpers; x/sys/unix does not wrap mbind, so
// mempolicy_linux.go issues it by raw syscall number.
package numa

import "runtime"

// Topology describes the sockets on this process's host and, for
// each socket, the OS CPU ids available to it.
type Topology struct {
	Sockets []Socket
}

// Socket is one NUMA node's CPU set.
type Socket struct {
	ID   int
	CPUs []int
}

// NumSockets is a convenience accessor.
func (t *Topology) NumSockets() int { return len(t.Sockets) }

// Discover probes the host's NUMA topology. On Linux it reads sysfs;
// elsewhere (and when sysfs is unavailable, e.g. inside minimal
// containers) it falls back to a single synthetic socket spanning
// every logical CPU, so the engine still runs — a discovery failure
// is a placement-quality loss, not a correctness hazard, matching
// spec.md §5's relaxation for pinning failures.
func Discover() *Topology {
	if t := discoverLinux(); t != nil {
		return t
	}
	return fallbackTopology()
}

func fallbackTopology() *Topology {
	n := runtime.NumCPU()
	cpus := make([]int, n)
	for i := range cpus {
		cpus[i] = i
	}
	return &Topology{Sockets: []Socket{{ID: 0, CPUs: cpus}}}
}
