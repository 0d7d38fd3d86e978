// Package rmem implements the remote-memory window fabric of
// spec.md §4.3: every process publishes its outgoing adjacency
// (bitmap/index/edge-list, per socket) as passive one-sided-readable
// windows; far-memory partitions back them with real bytes, compute
// partitions publish empty windows so the naming scheme stays
// collective-uniform even though nobody ever reads a compute
// partition's window remotely. Compute partitions take and hold a
// shared lock over every far-memory peer's three windows for the
// engine's entire lifetime.
//
// Ground: new relative to the teacher (cluster_bfs_go is
// single-process and has no remote-memory concept at all); grounded
// directly on spec.md §4.3/§9's window-ownership notes and built on
// the wire.OneSided primitive from SPEC_FULL.md §6.1.
package rmem

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"

	"distgraph/bitmap"
	"distgraph/graph"
	"distgraph/wire"
)

// Kind names one of the three window families a socket publishes.
type Kind int

const (
	KindBitmap Kind = iota
	KindIndex
	KindEdge
)

func (k Kind) String() string {
	switch k {
	case KindBitmap:
		return "bitmap"
	case KindIndex:
		return "index"
	case KindEdge:
		return "edge"
	default:
		return "unknown"
	}
}

// WindowID names the window published by (rank, socket) for kind —
// the naming convention every process uses to locate a peer's window.
func WindowID(kind Kind, rank, socket int) string {
	return fmt.Sprintf("%s:%d:%d", kind, rank, socket)
}

// EdgeUnitSize returns the on-disk size of one AdjUnit[E]: 4 bytes for
// the neighbour id plus binary.Size of E.
func EdgeUnitSize[E any]() (int, error) {
	var zero E
	sz := binary.Size(zero)
	if sz < 0 {
		return 0, fmt.Errorf("rmem: edge data type is not of fixed binary size")
	}
	return 4 + sz, nil
}

func marshalBitmap(b *bitmap.Bitmap, wordCount int) []byte {
	out := make([]byte, wordCount*8)
	words := b.Words()
	for i := 0; i < wordCount && i < len(words); i++ {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], words[i])
	}
	return out
}

func marshalIndex(idx []uint64) []byte {
	out := make([]byte, len(idx)*8)
	for i, x := range idx {
		binary.LittleEndian.PutUint64(out[i*8:i*8+8], x)
	}
	return out
}

func unmarshalIndex(data []byte) []uint64 {
	out := make([]uint64, len(data)/8)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(data[i*8 : i*8+8])
	}
	return out
}

func marshalEdgeList[E any](list []graph.AdjUnit[E]) ([]byte, error) {
	var buf bytes.Buffer
	for _, u := range list {
		if err := binary.Write(&buf, binary.LittleEndian, u.Neighbour); err != nil {
			return nil, err
		}
		if err := binary.Write(&buf, binary.LittleEndian, u.Edge); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func unmarshalEdgeList[E any](data []byte, unitSize int) ([]graph.AdjUnit[E], error) {
	if unitSize == 0 || len(data)%unitSize != 0 {
		return nil, fmt.Errorf("rmem: edge-list payload length %d not a multiple of unit size %d", len(data), unitSize)
	}
	n := len(data) / unitSize
	out := make([]graph.AdjUnit[E], n)
	r := bytes.NewReader(data)
	for i := 0; i < n; i++ {
		if err := binary.Read(r, binary.LittleEndian, &out[i].Neighbour); err != nil {
			return nil, err
		}
		if err := binary.Read(r, binary.LittleEndian, &out[i].Edge); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type lockedWindow struct {
	rank int
	id   string
}

// Session holds one process's published windows and the shared locks
// it takes over far-memory peers, for the lifetime of an engine run.
type Session struct {
	transport wire.Transport
	oneSided  wire.OneSided
	rank      int
	size      int
	c         int
	sockets   int

	published []string
	locked    []lockedWindow

	// unitSize is the on-disk AdjUnit[E] size, needed to decode
	// edge-window payloads whose length is only known relative to it.
	unitSize int
}

// IsCompute reports whether rank is a compute partition under this
// session's C.
func (s *Session) IsCompute(rank int) bool { return rank < s.c }

// Open publishes every socket of localOutgoing under this rank's
// window ids. Compute partitions (rank < c) publish empty windows;
// far-memory partitions (rank >= c) publish real backing bytes, per
// spec.md §4.3. If this rank is a compute partition, it then takes
// and holds a shared lock over every far-memory peer's three windows,
// for every socket that peer reports (per-rank socket count comes
// from localSocketCounts, gathered at load time).
func Open[E any](ctx context.Context, transport wire.Transport, c int, localOutgoing *graph.Side[E], localSocketCounts []int) (*Session, error) {
	unitSize, err := EdgeUnitSize[E]()
	if err != nil {
		return nil, err
	}
	rank := transport.Rank()
	size := transport.Size()
	oneSided := transport.OneSided()

	s := &Session{
		transport: transport,
		oneSided:  oneSided,
		rank:      rank,
		size:      size,
		c:         c,
		sockets:   len(localOutgoing.Sockets),
		unitSize:  unitSize,
	}

	isFarMemory := rank >= c
	for sock, adj := range localOutgoing.Sockets {
		var bitmapBytes, indexBytes, edgeBytes []byte
		if isFarMemory {
			wordCount := (adj.Bitmap.Len() + 63) / 64
			bitmapBytes = marshalBitmap(adj.Bitmap, wordCount)
			indexBytes = marshalIndex(adj.Index)
			edgeBytes, err = marshalEdgeList(adj.EdgeList)
			if err != nil {
				return nil, fmt.Errorf("rmem: marshal socket %d edge list: %w", sock, err)
			}
		}
		if err := s.publish(KindBitmap, sock, bitmapBytes); err != nil {
			return nil, err
		}
		if err := s.publish(KindIndex, sock, indexBytes); err != nil {
			return nil, err
		}
		if err := s.publish(KindEdge, sock, edgeBytes); err != nil {
			return nil, err
		}
	}

	if rank < c {
		for f := c; f < size; f++ {
			farSockets := s.sockets
			if localSocketCounts != nil && f < len(localSocketCounts) {
				farSockets = localSocketCounts[f]
			}
			for sock := 0; sock < farSockets; sock++ {
				for _, kind := range []Kind{KindBitmap, KindIndex, KindEdge} {
					id := WindowID(kind, f, sock)
					if err := oneSided.LockShared(ctx, f, id); err != nil {
						return nil, fmt.Errorf("rmem: lock %s on rank %d: %w", id, f, err)
					}
					s.locked = append(s.locked, lockedWindow{rank: f, id: id})
				}
			}
		}
	}

	return s, nil
}

func (s *Session) publish(kind Kind, socket int, buf []byte) error {
	id := WindowID(kind, s.rank, socket)
	if err := s.oneSided.CreateWindow(id, buf); err != nil {
		return fmt.Errorf("rmem: create window %s: %w", id, err)
	}
	s.published = append(s.published, id)
	return nil
}

// Close releases every lock this session holds and frees the windows
// it published, per spec.md §9's window-ownership note.
func (s *Session) Close() error {
	for i := len(s.locked) - 1; i >= 0; i-- {
		lw := s.locked[i]
		if err := s.oneSided.Unlock(lw.rank, lw.id); err != nil {
			return fmt.Errorf("rmem: unlock %s on rank %d: %w", lw.id, lw.rank, err)
		}
	}
	for _, id := range s.published {
		if err := s.oneSided.FreeWindow(id); err != nil {
			return fmt.Errorf("rmem: free window %s: %w", id, err)
		}
	}
	return nil
}

// GetBitmapWords issues a one-sided read of rank's full socket bitmap
// and blocks for completion — used once per far-memory peer at
// preload time to populate this process's bitmap cache.
func (s *Session) GetBitmapWords(rank, socket, wordCount int) ([]uint64, error) {
	id := WindowID(KindBitmap, rank, socket)
	fut := s.oneSided.Get(rank, id, 0, int64(wordCount)*8)
	data, err := fut.Wait()
	if err != nil {
		return nil, fmt.Errorf("rmem: get %s: %w", id, err)
	}
	return unmarshalIndex(data), nil
}

// GetIndex issues a one-sided read of rank's full socket index
// ([V+1]uint64) and blocks for completion — used at preload time to
// populate this process's index cache.
func (s *Session) GetIndex(rank, socket, vCount int) ([]uint64, error) {
	id := WindowID(KindIndex, rank, socket)
	fut := s.oneSided.Get(rank, id, 0, int64(vCount+1)*8)
	data, err := fut.Wait()
	if err != nil {
		return nil, fmt.Errorf("rmem: get %s: %w", id, err)
	}
	return unmarshalIndex(data), nil
}

// GetEdgeSpan issues a non-blocking one-sided read of v's outgoing
// edge span [start,end) from rank's socket edge-list window; the
// caller owns the Future and must Wait or rely on Flush before
// touching the edge cache slot, per spec.md §4.7's prefetch protocol.
func (s *Session) GetEdgeSpan(rank, socket int, start, end uint64) *wire.Future {
	id := WindowID(KindEdge, rank, socket)
	return s.oneSided.Get(rank, id, int64(start)*int64(s.unitSize), int64(end-start)*int64(s.unitSize))
}

// DecodeEdgeSpan turns a completed GetEdgeSpan payload into typed
// adjacency units.
func DecodeEdgeSpan[E any](s *Session, payload []byte) ([]graph.AdjUnit[E], error) {
	return unmarshalEdgeList[E](payload, s.unitSize)
}

// Flush blocks until every outstanding Get on (rank, kind) for this
// process has completed, per spec.md §4.3's per-(rank, window) flush
// contract.
func (s *Session) Flush(rank int, kind Kind, socket int) error {
	return s.oneSided.Flush(rank, WindowID(kind, rank, socket))
}
