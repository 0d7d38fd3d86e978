// Command distgraph-run is the process launcher SPEC_FULL.md §4.10
// adds on top of the core engine: it turns a topology file and a
// rank into constructed Go values (transport, partition boundaries,
// local adjacency, remote-memory session, worker pool, cache tiers)
// and dispatches to one of the algorithm drivers in package algo.
//
// Rank assignment onto real machines and process supervision stay
// external per spec.md §1's non-goals; this binary only builds the
// values one already-launched process needs.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"distgraph/algo/bfs"
	"distgraph/algo/cc"
	"distgraph/algo/pagerank"
	"distgraph/algo/sssp"
	"distgraph/bitmap"
	"distgraph/cache"
	"distgraph/config"
	"distgraph/disterr"
	"distgraph/distlog"
	"distgraph/engine"
	"distgraph/engine/workers"
	"distgraph/graph"
	"distgraph/partition"
	"distgraph/procctx"
	"distgraph/rmem"
	"distgraph/wire"
	"distgraph/wire/tcp"
)

func main() {
	var (
		topoPath   = flag.String("topology", "", "path to topology JSON (p, c, sockets, addrs)")
		rankFlag   = flag.Int("rank", -1, "this process's rank ($DISTGRAPH_RANK if unset)")
		algoName   = flag.String("algo", "bfs", "algorithm to run: bfs|pagerank|sssp|cc")
		edgePath   = flag.String("edgefile", "", "path to the packed binary edge file")
		vFlag      = flag.Int("v", 0, "vertex count V (supplied out of band, per spec.md §6)")
		symmetric  = flag.Bool("symmetric", false, "load the edge file as a symmetric graph")
		modeFlag   = flag.String("mode", "", "sparse|adaptive, overrides config.ModeSparseOnly default")
		cacheFlag  = flag.Int("edge-cache-entries", 0, "override EDGE_CACHE_ENTRIES (0 = default/env)")
		threads    = flag.Int("threads-per-socket", 1, "worker threads per socket")
		logLevel   = flag.String("log-level", "info", "debug|info|warn|error")
		seedsFlag  = flag.String("seeds", "0", "comma-separated BFS seed vertex ids")
		sourceFlag = flag.Int("source", 0, "SSSP source vertex id")
		roundsFlag = flag.Int("rounds", 0, "PageRank max rounds (0 = pagerank.DefaultConfig)")
	)
	flag.Parse()

	rank := *rankFlag
	if rank < 0 {
		if s := os.Getenv("DISTGRAPH_RANK"); s != "" {
			if n, err := strconv.Atoi(s); err == nil {
				rank = n
			}
		}
	}
	if rank < 0 || *topoPath == "" || *edgePath == "" || *vFlag <= 0 {
		fmt.Fprintln(os.Stderr, "usage: distgraph-run -topology topo.json -rank N -edgefile graph.bin -v V [-algo bfs|pagerank|sssp|cc]")
		os.Exit(2)
	}

	topo, err := config.LoadTopology(*topoPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, disterr.Wrap(disterr.KindConfig, err, "load topology"))
		os.Exit(1)
	}
	mode, err := config.ParseMode(*modeFlag)
	if err != nil {
		fmt.Fprintln(os.Stderr, disterr.Wrap(disterr.KindConfig, err, "parse mode"))
		os.Exit(1)
	}

	cfg := config.RunConfig{
		P:                topo.P,
		C:                topo.C,
		Rank:             rank,
		Sockets:          topo.Sockets,
		ThreadsPerSocket: *threads,
		Alpha:            config.Alpha(topo.P),
		EdgeCacheEntries: config.EdgeCacheEntries(*cacheFlag),
		Mode:             mode,
		Symmetric:        *symmetric,
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, disterr.Wrap(disterr.KindConfig, err, "invalid run configuration"))
		os.Exit(1)
	}

	ctx := context.Background()

	switch *algoName {
	case "bfs":
		seeds := parseSeeds(*seedsFlag)
		runWith[struct{}](ctx, cfg, topo, *edgePath, *vFlag, *logLevel, func(ctx context.Context, e *engine.Engine[struct{}], pc *procctx.ProcessContext) (string, error) {
			res, err := bfs.Run(ctx, e, seeds)
			if err != nil {
				return "", err
			}
			return summarizeUint64(res.Distance, bfs.Inf), nil
		})
	case "pagerank":
		prCfg := pagerank.DefaultConfig()
		if *roundsFlag > 0 {
			prCfg.MaxRounds = *roundsFlag
		}
		runWith[float32](ctx, cfg, topo, *edgePath, *vFlag, *logLevel, func(ctx context.Context, e *engine.Engine[float32], pc *procctx.ProcessContext) (string, error) {
			ranks, rounds, err := pagerank.Run(ctx, e, prCfg)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%s (converged in %d rounds)", summarizeFloat64(ranks), rounds), nil
		})
	case "sssp":
		runWith[float32](ctx, cfg, topo, *edgePath, *vFlag, *logLevel, func(ctx context.Context, e *engine.Engine[float32], pc *procctx.ProcessContext) (string, error) {
			dist, err := sssp.Run(ctx, e, *sourceFlag, func(w float32) float64 { return float64(w) })
			if err != nil {
				return "", err
			}
			return summarizeFloat64(dist), nil
		})
	case "cc":
		ccCfg := cfg
		ccCfg.Symmetric = true
		runWith[float32](ctx, ccCfg, topo, *edgePath, *vFlag, *logLevel, func(ctx context.Context, e *engine.Engine[float32], pc *procctx.ProcessContext) (string, error) {
			labels, err := cc.Run(ctx, e)
			if err != nil {
				return "", err
			}
			return summarizeUint64(labels, 0), nil
		})
	default:
		fmt.Fprintf(os.Stderr, "distgraph-run: unknown algorithm %q\n", *algoName)
		os.Exit(2)
	}
}

func parseSeeds(s string) []int {
	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	if len(out) == 0 {
		out = []int{0}
	}
	return out
}

func summarizeFloat64(v []float64) string {
	n := len(v)
	if n > 8 {
		n = 8
	}
	return fmt.Sprintf("%v (of %d vertices)", v[:n], len(v))
}

func summarizeUint64(v []uint64, unreached uint64) string {
	n := len(v)
	if n > 8 {
		n = 8
	}
	reached := 0
	for _, x := range v {
		if x != unreached {
			reached++
		}
	}
	return fmt.Sprintf("%v (of %d vertices, %d reached)", v[:n], len(v), reached)
}

// driver is one algorithm's entry point once the engine is fully
// wired: it runs to completion and returns a human-readable summary
// of the result for rank 0 to print.
type driver[E any] func(ctx context.Context, e *engine.Engine[E], pc *procctx.ProcessContext) (string, error)

// runWith performs the full startup sequence common to every
// algorithm: dial the world transport, run the four-phase adjacency
// build (spec.md §4.2), cross-check partition boundaries (I3), open
// the remote-memory session (spec.md §4.3), preload the bitmap/index
// cache tiers (spec.md §4.4) on compute ranks, start the prefetch
// pipeline (spec.md §4.7), build the Engine, and hand it to fn. Every
// rank in the topology — compute and far-memory — runs this same
// sequence, per spec.md §5's SPMD requirement; far-memory ranks stop
// after publishing their windows and wait at the closing barrier.
func runWith[E any](ctx context.Context, cfg config.RunConfig, topo *config.Topology, edgePath string, v int, logLevel string, fn driver[E]) {
	transport, err := tcp.Dial(ctx, cfg.Rank, topo.Addrs)
	fatalOn(cfg.Rank, err, "dial world transport")
	defer transport.Close()

	pc := procctx.New(transport, cfg)
	pc.Log = distlog.New(cfg.Rank, cfg.P, logLevel).With("component", "distgraph-run")

	ef, err := graph.OpenEdgeFile[E](edgePath)
	fatalOn(cfg.Rank, err, "open edge file")
	defer ef.Close()

	loader := &graph.Loader[E]{Transport: transport, V: v}
	outDeg, err := loader.DegreeHistogram(ctx, ef, func(r graph.RawEdge[E]) uint32 { return r.Src })
	fatalOn(cfg.Rank, err, "degree histogram")

	global := partition.Compute(outDeg, cfg.P, cfg.Alpha, config.PageSize())
	err = partition.CrossCheck(global.Offsets,
		func(local []uint64) ([]uint64, error) { return transport.AllReduce(ctx, local, wire.OpMax) },
		func(local []uint64) ([]uint64, error) { return transport.AllReduce(ctx, local, wire.OpMin) },
	)
	fatalOn(cfg.Rank, err, "partition boundary cross-check")

	lo, hi := global.Range(cfg.Rank)
	localNUMA := partition.ComputeNUMA(outDeg, lo, hi, pc.Topology.NumSockets(), cfg.Alpha, config.PageSize())

	var store *graph.Store[E]
	if cfg.Symmetric {
		store, err = loader.BuildSymmetric(ctx, ef, global, localNUMA)
	} else {
		store, err = loader.BuildDirected(ctx, ef, global, localNUMA)
	}
	fatalOn(cfg.Rank, err, "build adjacency")

	localOffsets, err := gatherBoundaries(ctx, transport, localNUMA)
	fatalOn(cfg.Rank, err, "gather NUMA sub-boundaries")

	localSocketCounts := make([]int, cfg.P)
	for i := range localSocketCounts {
		localSocketCounts[i] = pc.Topology.NumSockets()
	}

	session, err := rmem.Open[E](ctx, transport, cfg.C, &store.Outgoing, localSocketCounts)
	fatalOn(cfg.Rank, err, "open remote-memory session")
	defer session.Close()

	if !cfg.IsCompute() {
		pc.Log.Infof("far-memory rank serving vertices [%d,%d)", lo, hi)
		fatalOn(cfg.Rank, transport.Barrier(ctx), "closing barrier")
		return
	}

	pool := workers.New(pc.Topology, cfg.ThreadsPerSocket, pc.Metrics)
	bitmapCache := cache.NewBitmapCache(pc.Metrics)
	indexCache := cache.NewIndexCache(pc.Metrics)
	edgeCache := cache.NewEdgeCache[E](cfg.EdgeCacheEntries, pc.Metrics)
	pc.AttachCompute(session, bitmapCache, indexCache)

	for f := cfg.C; f < cfg.P; f++ {
		for s := 0; s < localSocketCounts[f]; s++ {
			words, err := session.GetBitmapWords(f, s, (v+63)/64)
			fatalOn(cfg.Rank, err, "preload bitmap cache")
			bitmapCache.Preload(f, s, bitmap.FromWords(v, words))

			idx, err := session.GetIndex(f, s, v)
			fatalOn(cfg.Rank, err, "preload index cache")
			indexCache.Preload(f, s, idx)
		}
	}

	prefetcher := cache.NewPrefetcher[E](pool.NumThreads(), config.BasicChunk, edgeCache, session, pc.Log, 0)
	prefetchCtx, cancelPrefetch := context.WithCancel(ctx)
	var helpers errgroup.Group
	helpers.Go(func() error { return prefetcher.Run(prefetchCtx) })

	computeRanks := make([]int, cfg.C)
	for i := range computeRanks {
		computeRanks[i] = i
	}
	computeTransport, err := transport.Split(computeRanks)
	fatalOn(cfg.Rank, err, "split compute communicator")

	e := engine.NewEngine[E](
		computeTransport, cfg, global, localNUMA, localOffsets, outDeg,
		store, pool, bitmapCache, indexCache, edgeCache, session, prefetcher,
		pc.Metrics, pc.Log,
	)

	summary, runErr := fn(ctx, e, pc)

	prefetcher.Terminate()
	cancelPrefetch()
	_ = helpers.Wait()

	fatalOn(cfg.Rank, transport.Barrier(ctx), "closing barrier")

	if runErr != nil {
		fatalOn(cfg.Rank, runErr, "algorithm run")
	}
	if cfg.Rank == 0 {
		fmt.Println(summary)
	}
}

func fatalOn(rank int, err error, what string) {
	if err == nil {
		return
	}
	fmt.Fprintf(os.Stderr, "distgraph-run: rank %d: %s: %v\n", rank, what, err)
	os.Exit(1)
}

// gatherBoundaries all-gathers every rank's local NUMA sub-boundaries
// so every compute partition knows every partition's sub-ranges, per
// spec.md §3's local_partition_offsets[P][S+1] requirement.
func gatherBoundaries(ctx context.Context, transport wire.Transport, local partition.Boundaries) ([]partition.Boundaries, error) {
	payload := encodeIntSlice(local.Offsets)
	all, err := transport.AllGather(ctx, payload)
	if err != nil {
		return nil, err
	}
	out := make([]partition.Boundaries, len(all))
	for i, raw := range all {
		out[i] = partition.Boundaries{Offsets: decodeIntSlice(raw)}
	}
	return out, nil
}

func encodeIntSlice(v []int) []byte {
	buf := make([]byte, 0, len(v)*8)
	for _, x := range v {
		u := uint64(x)
		buf = append(buf,
			byte(u), byte(u>>8), byte(u>>16), byte(u>>24),
			byte(u>>32), byte(u>>40), byte(u>>48), byte(u>>56))
	}
	return buf
}

func decodeIntSlice(b []byte) []int {
	out := make([]int, len(b)/8)
	for i := range out {
		off := i * 8
		u := uint64(b[off]) | uint64(b[off+1])<<8 | uint64(b[off+2])<<16 | uint64(b[off+3])<<24 |
			uint64(b[off+4])<<32 | uint64(b[off+5])<<40 | uint64(b[off+6])<<48 | uint64(b[off+7])<<56
		out[i] = int(u)
	}
	return out
}
