// Package procctx carries the per-process state spec.md §9 asks for
// as a value rather than package-level globals: a communicator
// handle, the metrics registry, the structured logger, and the bitmap
// and index cache tiers consulted on the delegated-slot path (the
// typed edge cache lives on engine.Engine). One ProcessContext is built per rank in
// cmd/distgraph-run and threaded through the engine explicitly.
//
// Ground: the teacher has no such type (ClusterBFS used package
// globals for its g *Graph, threadState, etc.); this follows
// distlog.Logger's own rank-scoped construction pattern and carries
// it one level up so nothing in this module needs a package var.
package procctx

import (
	"distgraph/cache"
	"distgraph/config"
	"distgraph/distlog"
	"distgraph/metrics"
	"distgraph/numa"
	"distgraph/rmem"
	"distgraph/wire"
)

// ProcessContext bundles the handles a single process needs for the
// lifetime of a run: the transport (scoped to whichever communicator
// is relevant — world or the split compute communicator), the NUMA
// topology discovered for it, the run configuration, the metrics
// registry, the logger, and — on compute ranks — the bitmap and index
// cache tiers and the remote-memory session backing them.
type ProcessContext struct {
	Transport wire.Transport
	Topology  *numa.Topology
	Config    config.RunConfig
	Metrics   *metrics.Registry
	Log       *distlog.Logger

	Session     *rmem.Session
	BitmapCache *cache.BitmapCache
	IndexCache  *cache.IndexCache
}

// New builds a far-memory or bare-bones ProcessContext: transport,
// topology discovery, logger and metrics only. Compute ranks should
// follow up with AttachCompute once their remote-memory session and
// typed edge cache exist (the edge payload type is only known to the
// caller, so the generic EdgeCache can't be constructed here).
func New(transport wire.Transport, cfg config.RunConfig) *ProcessContext {
	topo := numa.Discover()
	log := distlog.New(cfg.Rank, cfg.P, "info")
	reg := metrics.New()
	return &ProcessContext{
		Transport: transport,
		Topology:  topo,
		Config:    cfg,
		Metrics:   reg,
		Log:       log,
	}
}

// AttachCompute records the remote-memory session and bitmap/index
// cache tiers a compute rank builds once it has opened windows onto
// every far-memory partition. The typed edge cache tier lives on the
// caller's own engine.Engine[E] value instead, since its payload type
// is generic over the edge data type chosen at the call site.
func (p *ProcessContext) AttachCompute(session *rmem.Session, bitmapCache *cache.BitmapCache, indexCache *cache.IndexCache) {
	p.Session = session
	p.BitmapCache = bitmapCache
	p.IndexCache = indexCache
}

// Close releases the process's remote-memory session, if any.
func (p *ProcessContext) Close() error {
	if p.Session == nil {
		return nil
	}
	return p.Session.Close()
}
