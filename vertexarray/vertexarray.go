// Package vertexarray implements the per-vertex typed array utility
// of spec.md §4.8: allocate a length-V array of T, fill it, gather it
// across the compute communicator, and dump/restore it to a shared
// file sized V*sizeof(T) with rank 0 responsible for pre-extending the
// file before every rank opens its own byte range.
//
// Ground: new relative to the teacher (cluster_bfs_go keeps its BFS
// distance array in-process and never serializes it); the dump/restore
// shape is grounded on spec.md §4.8 directly, using encoding/binary
// the same way package rmem marshals CSR arrays for one-sided windows,
// and best-effort socket placement via numa.BindRange per spec.md
// §4.8/§9's NUMA note.
package vertexarray

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"distgraph/numa"
	"distgraph/wire"
)

// Array is a length-V typed vertex array, with a best-effort record of
// the NUMA socket it was placed on for BindRange.
type Array[T any] struct {
	Data   []T
	socket int
	topo   *numa.Topology
}

// Alloc allocates a zero-valued array of length v, best-effort bound
// to socket's memory via numa.BindRange — a placement-quality
// optimization, never a correctness requirement (BindRange is a no-op
// on unsupported platforms or if the syscall fails).
func Alloc[T any](topo *numa.Topology, socket, v int) *Array[T] {
	a := &Array[T]{Data: make([]T, v), socket: socket, topo: topo}
	if topo != nil && len(a.Data) > 0 {
		addr := uintptr(unsafe.Pointer(&a.Data[0]))
		length := uintptr(len(a.Data)) * unsafe.Sizeof(a.Data[0])
		_ = numa.BindRange(topo, addr, length, socket)
	}
	return a
}

// Fill sets every entry via f(v), in vertex id order. Callers needing
// parallel fill should instead split [0,V) across a workers.Pool
// themselves; Fill is the simple sequential form spec.md §4.8
// describes as the operation's baseline contract.
func Fill[T any](a *Array[T], f func(v int) T) {
	for v := range a.Data {
		a.Data[v] = f(v)
	}
}

// Gather combines every rank's full-length local array via an
// element-wise reduce over the given communicator (normally the
// compute communicator); every rank receives the combined result.
// Since every rank's array is the same shape (length V) but each rank
// typically only has valid data for the vertices it owns, Gather takes
// a combine function (e.g. "b if a is the zero value"): the result
// starts as the caller's own array and folds in each other rank's
// contribution in rank order.
func Gather[T any](ctx context.Context, transport wire.Transport, a *Array[T], combine func(a, b T) T) (*Array[T], error) {
	payload, err := marshal(a.Data)
	if err != nil {
		return nil, fmt.Errorf("vertexarray: marshal local contribution: %w", err)
	}
	all, err := transport.AllGather(ctx, payload)
	if err != nil {
		return nil, fmt.Errorf("vertexarray: all-gather: %w", err)
	}
	out := &Array[T]{Data: append([]T(nil), a.Data...)}
	for r, raw := range all {
		if r == transport.Rank() {
			continue
		}
		other, err := unmarshal[T](raw, len(a.Data))
		if err != nil {
			return nil, fmt.Errorf("vertexarray: unmarshal rank %d contribution: %w", r, err)
		}
		for v := range out.Data {
			out.Data[v] = combine(out.Data[v], other[v])
		}
	}
	return out, nil
}

func marshal[T any](data []T) ([]byte, error) {
	sz := binary.Size(data)
	if sz < 0 {
		return nil, fmt.Errorf("vertexarray: type is not of fixed binary size")
	}
	var buf bytes.Buffer
	buf.Grow(sz)
	if err := binary.Write(&buf, binary.LittleEndian, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal[T any](data []byte, n int) ([]T, error) {
	out := make([]T, n)
	if err := binary.Read(bytes.NewReader(data), binary.LittleEndian, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dump writes the array to path as V*sizeof(T) raw bytes at the
// process's own offset range [lo, hi). Rank 0 is responsible for
// pre-extending the file to its final size (os.Truncate) before any
// rank opens it, per spec.md §4.8's shared-file contract; callers must
// order that extension ahead of a barrier before calling Dump on any
// other rank.
func Dump[T any](path string, v int, lo, hi int, data []T) error {
	var zero T
	unit := binary.Size(zero)
	if unit < 0 {
		return fmt.Errorf("vertexarray: type is not of fixed binary size")
	}
	f, err := os.OpenFile(path, os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("vertexarray: open %s: %w", path, err)
	}
	defer f.Close()
	payload, err := marshal(data)
	if err != nil {
		return err
	}
	if _, err := f.WriteAt(payload, int64(lo*unit)); err != nil {
		return fmt.Errorf("vertexarray: write %s at offset %d: %w", path, lo*unit, err)
	}
	return nil
}

// ExtendForDump truncates/extends path to hold v*sizeof(T) bytes,
// creating it if necessary — the rank-0-only step spec.md §4.8
// requires before any rank's Dump.
func ExtendForDump[T any](path string, v int) error {
	var zero T
	unit := binary.Size(zero)
	if unit < 0 {
		return fmt.Errorf("vertexarray: type is not of fixed binary size")
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("vertexarray: create %s: %w", path, err)
	}
	defer f.Close()
	return f.Truncate(int64(v * unit))
}

// Restore reads a [lo, hi) vertex sub-range previously Dump-ed to path
// into a fresh slice of that length.
func Restore[T any](path string, lo, hi int) ([]T, error) {
	var zero T
	unit := binary.Size(zero)
	if unit < 0 {
		return nil, fmt.Errorf("vertexarray: type is not of fixed binary size")
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("vertexarray: open %s: %w", path, err)
	}
	defer f.Close()
	n := hi - lo
	buf := make([]byte, n*unit)
	if _, err := f.ReadAt(buf, int64(lo*unit)); err != nil {
		return nil, fmt.Errorf("vertexarray: read %s at offset %d: %w", path, lo*unit, err)
	}
	return unmarshal[T](buf, n)
}
