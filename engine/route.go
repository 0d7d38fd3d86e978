package engine

import "distgraph/partition"

// Router resolves a global vertex id to the (partition, socket) that
// owns it, using the global partition_offset array plus every
// process's NUMA sub-boundaries — the gathered
// local_partition_offsets[P][S+1] of spec.md §3.
type Router struct {
	Global partition.Boundaries
	Local  []partition.Boundaries // Local[p] is partition p's NUMA sub-Boundaries, relative to its own lo
}

// Route returns the partition and socket owning vertex v.
func (r Router) Route(v int) (p, socket int) {
	p = r.Global.PartitionOf(v)
	lo, _ := r.Global.Range(p)
	socket = r.Local[p].PartitionOf(v - lo)
	return p, socket
}
