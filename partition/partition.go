// Package partition computes the global partition boundary array and
// per-process NUMA sub-boundary array described in spec.md §4.1, from
// an out-degree histogram and the tunable per-vertex bias alpha.
//
// Ground: the teacher has no partitioner of its own (cluster_bfs_go
// runs single-process, unpartitioned graphs); this balances-the-sum
// walk is grounded directly on spec.md §4.1's algorithm description
// and implemented in the teacher's idiom — plain slices, no
// allocation beyond the output, explicit loops rather than
// generators.
package partition

import (
	"fmt"

	"distgraph/config"
)

// Boundaries holds a partitioner's output: partition_offset is
// monotonic, partition_offset[0]=0, partition_offset[len-1]=V, and
// every interior entry is page-aligned in vertex units.
type Boundaries struct {
	Offsets []int
}

// NumPartitions returns P.
func (b Boundaries) NumPartitions() int { return len(b.Offsets) - 1 }

// Range returns the [lo, hi) vertex range owned by partition p.
func (b Boundaries) Range(p int) (int, int) { return b.Offsets[p], b.Offsets[p+1] }

// PartitionOf returns the partition id owning vertex v, by linear
// scan — boundary arrays are small (O(P) or O(S)), so this is cheap
// compared to a binary search's constant overhead.
func (b Boundaries) PartitionOf(v int) int {
	for p := 0; p < b.NumPartitions(); p++ {
		if v < b.Offsets[p+1] {
			return p
		}
	}
	return b.NumPartitions() - 1
}

// Compute implements spec.md §4.1's algorithm: iterate partitions in
// order, target = remaining-weight / remaining-partitions, walk v
// forward accumulating out_deg(v)+alpha until the accumulator
// exceeds target, then floor-align that boundary to pageSize vertex
// units. The last partition always closes at V.
func Compute(outDeg []int, p int, alpha int, pageSize int) Boundaries {
	v := len(outDeg)
	offsets := make([]int, p+1)
	offsets[0] = 0
	offsets[p] = v

	if pageSize <= 0 {
		pageSize = 1
	}

	// total weight of every vertex not yet assigned to a closed
	// partition, recomputed incrementally as the walk proceeds.
	totalWeight := 0
	for _, d := range outDeg {
		totalWeight += d + alpha
	}
	remaining := totalWeight
	cursor := 0

	for part := 0; part < p-1; part++ {
		remainingParts := p - part
		target := remaining / remainingParts

		acc := 0
		boundary := cursor
		for boundary < v {
			acc += outDeg[boundary] + alpha
			if acc > target {
				break
			}
			boundary++
		}
		boundary = alignDown(boundary, pageSize)
		if boundary <= cursor {
			boundary = cursor
		}
		if boundary > v {
			boundary = v
		}
		offsets[part+1] = boundary

		for vv := cursor; vv < boundary; vv++ {
			remaining -= outDeg[vv] + alpha
		}
		cursor = boundary
	}

	// monotonicity safety net: later boundaries must never regress
	// below an earlier one, which the alignment step above could in
	// principle cause on pathological (tiny V, large pageSize) inputs.
	for i := 1; i <= p; i++ {
		if offsets[i] < offsets[i-1] {
			offsets[i] = offsets[i-1]
		}
	}
	offsets[p] = v

	return Boundaries{Offsets: offsets}
}

func alignDown(v, pageSize int) int {
	return (v / pageSize) * pageSize
}

// ComputeNUMA applies Compute recursively within a process's owned
// slice [lo, hi) using the local socket count S and the same alpha,
// per spec.md §4.1's NUMA sub-partitioning step. The returned
// Boundaries are relative to lo (Offsets[0]==0, Offsets[S]==hi-lo);
// callers translate back to global vertex ids by adding lo.
func ComputeNUMA(outDeg []int, lo, hi, sockets, alpha, pageSize int) Boundaries {
	return Compute(outDeg[lo:hi], sockets, alpha, pageSize)
}

// CrossCheck implements the I3 cross-process consistency check: every
// process computes identical partition_offset arrays, verified with
// one all-reduce-max and one all-reduce-min. Callers pass a
// wire.Transport-backed uint64 all-reduce function; CrossCheck is
// transport-agnostic so it can be unit tested without a real
// communicator.
func CrossCheck(local []int, allReduceMax, allReduceMin func([]uint64) ([]uint64, error)) error {
	u := make([]uint64, len(local))
	for i, x := range local {
		u[i] = uint64(x)
	}
	maxes, err := allReduceMax(u)
	if err != nil {
		return err
	}
	mins, err := allReduceMin(u)
	if err != nil {
		return err
	}
	for i := range u {
		if maxes[i] != mins[i] {
			return &MismatchError{Index: i, Max: maxes[i], Min: mins[i]}
		}
	}
	return nil
}

// MismatchError reports an I3 boundary-array disagreement across
// processes; spec.md §7 treats it as a fatal configuration error.
type MismatchError struct {
	Index    int
	Max, Min uint64
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("partition: boundary mismatch at index %d: max=%d min=%d", e.Index, e.Max, e.Min)
}

// DefaultAlpha is config.Alpha, re-exported so callers that only need
// the partitioner don't also need to import config.
var DefaultAlpha = config.Alpha
