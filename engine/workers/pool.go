// Package workers implements the fixed worker pool and work-stealing
// discipline of spec.md §4.5/§5: a worker per (socket, slot), a
// `(curr, end, status)` triple per thread updated
// by atomic fetch-add, and a steal loop that only targets WORKING
// peers.
//
// Ground: the teacher's parallelism (ligra_light_parallel.go) is
// goroutine-per-vertex with no persistent thread state at all; this
// is grounded directly on spec.md §4.5/§9's ThreadState ownership
// notes instead, using the same plain-atomics style as
// bitmap.FetchOr for the fetch-add claim.
package workers

import (
	"sync"
	"sync/atomic"

	"distgraph/config"
	"distgraph/metrics"
	"distgraph/numa"
	"distgraph/partition"
)

// Status is a ThreadState's plain status word: WORKING while the
// thread has unclaimed range left, STEALING once it has exhausted its
// own range and started walking peers.
type Status int32

const (
	StatusWorking Status = iota
	StatusStealing
)

// ThreadState is one worker's claim cursor: curr is the sole
// contention point (atomic fetch-add is the linearisation point for
// every claim, local or stolen); status is a plain word its owner
// writes and peers read, per spec.md §5/§9.
type ThreadState struct {
	curr   atomic.Int64
	end    int64
	status atomic.Int32
}

// SetRange assigns this thread's claim window for the upcoming
// parallel region and resets it to WORKING.
func (ts *ThreadState) SetRange(curr, end int64) {
	ts.curr.Store(curr)
	ts.end = end
	ts.status.Store(int32(StatusWorking))
}

// Status reports the thread's current status word.
func (ts *ThreadState) Status() Status { return Status(ts.status.Load()) }

// Pool is the process's fixed worker pool: T = threads_per_socket·S
// workers, each with a persistent ThreadState, grouped by socket. No
// OS thread is pinned: RunSocket runs workers on ordinary goroutines,
// and Pin, the only affinity call, is not called by the pool itself.
type Pool struct {
	states  []*ThreadState
	sockets [][]int // sockets[s] = thread ids assigned to socket s
	metrics *metrics.Registry
	topo    *numa.Topology
}

// New builds a pool of threadsPerSocket workers on each of
// len(topo.Sockets) sockets. It does not pin any thread.
func New(topo *numa.Topology, threadsPerSocket int, m *metrics.Registry) *Pool {
	p := &Pool{metrics: m, topo: topo}
	tid := 0
	for range topo.Sockets {
		var ids []int
		for i := 0; i < threadsPerSocket; i++ {
			p.states = append(p.states, &ThreadState{})
			ids = append(ids, tid)
			tid++
		}
		p.sockets = append(p.sockets, ids)
	}
	return p
}

// NumThreads returns the total worker count T.
func (p *Pool) NumThreads() int { return len(p.states) }

// SocketThreads returns the thread ids pinned to socket s.
func (p *Pool) SocketThreads(s int) []int { return p.sockets[s] }

// TuneDenseChunks implements spec.md §4.5's tune_chunks: it applies
// the partitioner's balance-the-sum walk over [lo,hi) using the
// socket's thread count so each thread gets approximately equal
// out-degree-plus-alpha weight, then assigns the resulting ranges.
func (p *Pool) TuneDenseChunks(outDeg []int, lo, hi int, socket int, alpha int) {
	ids := p.sockets[socket]
	sub := partition.Compute(outDeg[lo:hi], len(ids), alpha, 1)
	for i, tid := range ids {
		s, e := sub.Range(i)
		p.states[tid].SetRange(int64(lo+s), int64(lo+e))
	}
}

// TuneSparseChunks implements the sparse-side assignment: the buffer
// [0,bufLen) split evenly in basic_chunk units among the socket's
// threads.
func (p *Pool) TuneSparseChunks(bufLen int, socket int) {
	ids := p.sockets[socket]
	n := len(ids)
	chunks := (bufLen + config.BasicChunk - 1) / config.BasicChunk
	per := chunks / n
	rem := chunks % n
	cursor := int64(0)
	for i, tid := range ids {
		c := per
		if i < rem {
			c++
		}
		size := int64(c) * int64(config.BasicChunk)
		end := cursor + size
		if end > int64(bufLen) {
			end = int64(bufLen)
		}
		p.states[tid].SetRange(cursor, end)
		cursor = end
	}
}

// RunSocket runs work(tid, idx) once for every index the socket's
// threads have been tuned over, via fetch-add claims of
// config.BasicChunk-sized batches, then work-stealing among the
// socket's own WORKING peers once a thread exhausts its own range.
func (p *Pool) RunSocket(socket int, work func(tid int, idx int64)) {
	ids := p.sockets[socket]
	n := len(ids)
	chunk := int64(config.BasicChunk)

	var wg sync.WaitGroup
	for selfIdx, tid := range ids {
		wg.Add(1)
		go func(selfIdx, tid int) {
			defer wg.Done()
			ts := p.states[tid]

			claimOwn := func() bool {
				start := ts.curr.Add(chunk) - chunk
				if start >= ts.end {
					return false
				}
				end := start + chunk
				if end > ts.end {
					end = ts.end
				}
				for idx := start; idx < end; idx++ {
					work(tid, idx)
				}
				return true
			}
			for claimOwn() {
			}

			ts.status.Store(int32(StatusStealing))
			for {
				stoleAny := false
				for k := 1; k <= n; k++ {
					peerTid := ids[(selfIdx+k)%n]
					if peerTid == tid {
						continue
					}
					peer := p.states[peerTid]
					if peer.Status() != StatusWorking {
						continue
					}
					start := peer.curr.Add(chunk) - chunk
					if start >= peer.end {
						continue
					}
					end := start + chunk
					if end > peer.end {
						end = peer.end
					}
					if p.metrics != nil {
						p.metrics.StealsTaken.Inc()
					}
					for idx := start; idx < end; idx++ {
						work(tid, idx)
					}
					stoleAny = true
				}
				if !stoleAny {
					return
				}
			}
		}(selfIdx, tid)
	}
	wg.Wait()
}

// RunAllSockets runs RunSocket concurrently across every socket, used
// when a parallel region spans the whole process rather than one
// socket's slice.
func (p *Pool) RunAllSockets(work func(tid int, idx int64)) {
	var wg sync.WaitGroup
	for s := range p.sockets {
		wg.Add(1)
		go func(s int) {
			defer wg.Done()
			p.RunSocket(s, work)
		}(s)
	}
	wg.Wait()
}

// Pin best-effort pins the calling OS thread to socket's CPU set, via
// numa.PinThread. No code in this module calls it; because pinning
// affects the calling OS thread, a caller must have locked to an OS
// thread first (runtime.LockOSThread).
func (p *Pool) Pin(socket int) error {
	if p.topo == nil || socket >= len(p.topo.Sockets) {
		return nil
	}
	return numa.PinThread(p.topo, socket)
}
