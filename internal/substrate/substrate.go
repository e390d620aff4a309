// Package substrate provides the collective messaging primitives the
// archive core is built on: barrier, broadcast, exclusive prefix-scan,
// all-reduce, all-true, and a distributed work-stealing queue. It
// generalizes an MPI + libcircle style collective substrate behind a
// single interface so the
// core can run against either an in-process (Local) or cross-process
// (Remote) backend.
package substrate

import "context"

// Collective is the set of collective operations every rank in a run
// participates in. All methods block until every rank has called the same
// method; mixing different collective calls across ranks at the same
// logical point is a programming error, exactly as it would be with MPI.
type Collective interface {
	Rank() int
	Size() int

	// Barrier blocks until every rank has called Barrier.
	Barrier(ctx context.Context) error

	// Broadcast sends root's value to every rank. Non-root callers pass a
	// nil or zero-value v; the returned []byte is root's payload on every
	// rank (including root).
	Broadcast(ctx context.Context, root int, v []byte) ([]byte, error)

	// ExclusiveScanUint64 returns, for the calling rank, the sum of the
	// local values of all ranks with a strictly lower index.
	ExclusiveScanUint64(ctx context.Context, local uint64) (uint64, error)

	// AllReduceSumUint64 returns the sum of local across every rank,
	// identically on every rank.
	AllReduceSumUint64(ctx context.Context, local uint64) (uint64, error)

	// AllTrue returns true iff every rank passed true.
	AllTrue(ctx context.Context, local bool) (bool, error)

	// NewWorkQueue creates a distributed work-stealing queue seeded with
	// this rank's initial items. The queue is torn down (tree-terminated)
	// once every rank's queue is empty and every rank has called Close.
	NewWorkQueue(ctx context.Context, initial [][]byte) (WorkQueue, error)
}

// WorkQueue is a distributed work-stealing queue. Items are
// opaque payloads (the caller encodes/decodes ChunkWorkItem values); the
// queue never inspects them. Dequeue returns ok=false once the queue is
// globally and durably empty across all ranks.
type WorkQueue interface {
	Dequeue(ctx context.Context) (item []byte, ok bool, err error)
	Close(ctx context.Context) error
}
