package cache

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"golang.org/x/time/rate"

	"distgraph/distlog"
	"distgraph/rmem"
	"distgraph/wire"
)

// Request is one worker's ask for a delegated vertex's outgoing edge
// span, per spec.md §4.7's "(v, remote_rank, start, end, socket,
// worker)" tuple.
type Request struct {
	V          int
	RemoteRank int
	Socket     int
	Start, End uint64
}

// Ring is a bounded single-producer/single-consumer queue: the
// worker that owns it is the sole producer, the prefetch thread is
// the sole consumer, matching spec.md §4.7's per-worker ring design.
type Ring struct {
	buf  []Request
	mask uint64
	head atomic.Uint64 // next write slot, producer-owned
	tail atomic.Uint64 // next read slot, consumer-owned
}

// NewRing allocates a ring of the given power-of-two capacity
// (rounded up if not already one).
func NewRing(capacity int) *Ring {
	c := 1
	for c < capacity {
		c <<= 1
	}
	return &Ring{buf: make([]Request, c), mask: uint64(c - 1)}
}

// TryPush attempts to enqueue req, returning false if the ring is
// full (back-pressure).
func (r *Ring) TryPush(req Request) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= uint64(len(r.buf)) {
		return false
	}
	r.buf[head&r.mask] = req
	r.head.Store(head + 1)
	return true
}

// Push blocks, spinning with Gosched, until the request is enqueued —
// the "back-pressured by the ring capacity" submit path workers use.
func (r *Ring) Push(req Request) {
	for !r.TryPush(req) {
		runtime.Gosched()
	}
}

// TryPop attempts to dequeue the oldest request.
func (r *Ring) TryPop() (Request, bool) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail >= head {
		return Request{}, false
	}
	req := r.buf[tail&r.mask]
	r.tail.Store(tail + 1)
	return req, true
}

// Empty reports whether producer and consumer indices agree — used
// by the prefetcher's termination check.
func (r *Ring) Empty() bool {
	return r.head.Load() == r.tail.Load()
}

// Prefetcher runs the dedicated prefetch thread of spec.md §4.7: scan
// every worker ring, reserve and issue remote reads for uncached
// vertices, flush per (remote_rank, socket) group, then publish each
// slot's vtx in issue order so waiting workers unblock.
type Prefetcher[E any] struct {
	Rings     []*Ring
	Cache     *EdgeCache[E]
	Session   *rmem.Session
	Log       *distlog.Logger
	Limiter   *rate.Limiter // bounds non-blocking Get issue rate per spec.md §4.7's pipeline
	terminate atomic.Bool
}

// NewPrefetcher builds a prefetcher serving numWorkers rings of the
// given per-ring capacity. ratePerSec bounds the issue rate of
// one-sided Gets (0 disables the limiter), so one delegated round
// cannot saturate a far-memory partition's window queue.
func NewPrefetcher[E any](numWorkers, ringCapacity int, c *EdgeCache[E], s *rmem.Session, log *distlog.Logger, ratePerSec float64) *Prefetcher[E] {
	rings := make([]*Ring, numWorkers)
	for i := range rings {
		rings[i] = NewRing(ringCapacity)
	}
	var limiter *rate.Limiter
	if ratePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSec), int(ratePerSec))
	}
	return &Prefetcher[E]{Rings: rings, Cache: c, Session: s, Log: log, Limiter: limiter}
}

// Terminate signals the prefetch thread to exit once every ring has
// drained, per spec.md §4.7's termination contract.
func (p *Prefetcher[E]) Terminate() { p.terminate.Store(true) }

type pendingGet struct {
	v      int
	rank   int
	socket int
	fut    *wire.Future
}

// Run drives the prefetch loop until Terminate has been called and
// every ring is empty. Intended to run on its own goroutine for the
// lifetime of the engine.
func (p *Prefetcher[E]) Run(ctx context.Context) error {
	for {
		progressed := false
		groups := make(map[[2]int][]pendingGet)

		for _, ring := range p.Rings {
			for {
				req, ok := ring.TryPop()
				if !ok {
					break
				}
				progressed = true
				if p.Cache.Peek(req.RemoteRank, req.Socket, req.V) {
					continue
				}
				if p.Limiter != nil {
					if err := p.Limiter.Wait(ctx); err != nil {
						return fmt.Errorf("cache: rate limiter wait for vertex %d: %w", req.V, err)
					}
				}
				length := int(req.End - req.Start)
				p.Cache.Reserve(req.RemoteRank, req.Socket, req.V, length)
				fut := p.Session.GetEdgeSpan(req.RemoteRank, req.Socket, req.Start, req.End)
				key := [2]int{req.RemoteRank, req.Socket}
				groups[key] = append(groups[key], pendingGet{v: req.V, rank: req.RemoteRank, socket: req.Socket, fut: fut})
			}
		}

		for key, pending := range groups {
			rank, socket := key[0], key[1]
			if err := p.Session.Flush(rank, rmem.KindEdge, socket); err != nil {
				return fmt.Errorf("cache: flush edge window for rank %d socket %d: %w", rank, socket, err)
			}
			for _, pg := range pending {
				data, err := pg.fut.Wait()
				if err != nil {
					return fmt.Errorf("cache: prefetch get for vertex %d: %w", pg.v, err)
				}
				decoded, err := rmem.DecodeEdgeSpan[E](p.Session, data)
				if err != nil {
					return fmt.Errorf("cache: decode prefetch payload for vertex %d: %w", pg.v, err)
				}
				p.Cache.Publish(pg.rank, pg.socket, pg.v, decoded)
			}
		}

		if !progressed {
			if p.terminate.Load() && p.allRingsEmpty() {
				return nil
			}
			runtime.Gosched()
		}
	}
}

func (p *Prefetcher[E]) allRingsEmpty() bool {
	for _, r := range p.Rings {
		if !r.Empty() {
			return false
		}
	}
	return true
}
