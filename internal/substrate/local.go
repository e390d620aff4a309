package substrate

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
)

// barrierState is one instance of a rendezvous: every rank deposits its
// payload, the last arrival releases everyone, and the coordinator swaps
// in a fresh state before releasing so the next collective call cannot
// observe a stale, already-full one.
type barrierState struct {
	payloads []interface{}
	count    int
	done     chan struct{}
}

// coordinator is the shared rendezvous point for one Local group. It plays
// the role the collective substrate (MPI + libcircle, in the source system
// this was distilled from) plays across OS processes, but in-process: N
// goroutines, one per rank, meeting at a mutex-guarded state machine
// instead of exchanging wire messages.
type coordinator struct {
	n int

	mu      sync.Mutex
	current *barrierState

	queueMu sync.Mutex
	queues  [][][]byte // per-rank deque of pending work items
	closed  []bool     // per-rank: has this rank called WorkQueue.Close
}

// NewLocalGroup returns one Collective per rank, all sharing the same
// in-process coordinator. Every returned Collective must be driven from
// its own goroutine; methods block until every rank has made the matching
// call, exactly as the real substrate's collective calls do.
func NewLocalGroup(n int) []Collective {
	if n <= 0 {
		n = 1
	}
	c := &coordinator{n: n}
	out := make([]Collective, n)
	for r := 0; r < n; r++ {
		out[r] = &Local{c: c, rank: r}
	}
	return out
}

// Local is the in-process Collective implementation: ranks are goroutines,
// collective operations are rendezvous points on a shared coordinator.
type Local struct {
	c    *coordinator
	rank int
}

func (l *Local) Rank() int { return l.rank }
func (l *Local) Size() int { return l.c.n }

// gather is the single primitive every collective call below is built
// from: it blocks until all n ranks have deposited a payload for the
// current logical call, then returns every rank's payload, indexed by
// rank, to every rank.
func (c *coordinator) gather(ctx context.Context, rank int, payload interface{}) ([]interface{}, error) {
	c.mu.Lock()
	if c.current == nil {
		c.current = &barrierState{
			payloads: make([]interface{}, c.n),
			done:     make(chan struct{}),
		}
	}
	st := c.current
	st.payloads[rank] = payload
	st.count++
	if st.count == c.n {
		c.current = nil
		close(st.done)
	}
	c.mu.Unlock()

	select {
	case <-st.done:
		return st.payloads, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Local) Barrier(ctx context.Context) error {
	_, err := l.c.gather(ctx, l.rank, nil)
	return err
}

func (l *Local) Broadcast(ctx context.Context, root int, v []byte) ([]byte, error) {
	all, err := l.c.gather(ctx, l.rank, v)
	if err != nil {
		return nil, err
	}
	rv, _ := all[root].([]byte)
	return rv, nil
}

func (l *Local) ExclusiveScanUint64(ctx context.Context, local uint64) (uint64, error) {
	all, err := l.c.gather(ctx, l.rank, local)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for r := 0; r < l.rank; r++ {
		sum += all[r].(uint64)
	}
	return sum, nil
}

func (l *Local) AllReduceSumUint64(ctx context.Context, local uint64) (uint64, error) {
	all, err := l.c.gather(ctx, l.rank, local)
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, v := range all {
		sum += v.(uint64)
	}
	return sum, nil
}

func (l *Local) AllTrue(ctx context.Context, local bool) (bool, error) {
	all, err := l.c.gather(ctx, l.rank, local)
	if err != nil {
		return false, err
	}
	for _, v := range all {
		if !v.(bool) {
			return false, nil
		}
	}
	return true, nil
}

func (l *Local) NewWorkQueue(ctx context.Context, initial [][]byte) (WorkQueue, error) {
	l.c.queueMu.Lock()
	if l.c.queues == nil {
		l.c.queues = make([][][]byte, l.c.n)
		l.c.closed = make([]bool, l.c.n)
	}
	l.c.queues[l.rank] = append([][]byte(nil), initial...)
	l.c.queueMu.Unlock()

	// A barrier here ensures every rank's initial items are enqueued
	// before any rank starts stealing: the queue is split equally across
	// ranks at startup.
	if err := l.Barrier(ctx); err != nil {
		return nil, err
	}
	return &localQueue{c: l.c, rank: l.rank}, nil
}

type localQueue struct {
	c    *coordinator
	rank int
}

// Dequeue pops from the calling rank's own deque if non-empty, otherwise
// steals from the peer with the most remaining items. No locality
// assumption is made: any rank may execute any chunk.
func (q *localQueue) Dequeue(ctx context.Context) ([]byte, bool, error) {
	q.c.queueMu.Lock()
	defer q.c.queueMu.Unlock()

	if own := q.c.queues[q.rank]; len(own) > 0 {
		item := own[len(own)-1]
		q.c.queues[q.rank] = own[:len(own)-1]
		return item, true, nil
	}

	victim := -1
	best := 0
	for r, dq := range q.c.queues {
		if r == q.rank {
			continue
		}
		if len(dq) > best {
			best = len(dq)
			victim = r
		}
	}
	if victim == -1 {
		return nil, false, nil
	}
	dq := q.c.queues[victim]
	item := dq[len(dq)-1]
	q.c.queues[victim] = dq[:len(dq)-1]
	return item, true, nil
}

func (q *localQueue) Close(ctx context.Context) error {
	q.c.queueMu.Lock()
	if q.rank >= len(q.c.closed) {
		q.c.queueMu.Unlock()
		return xerrors.Errorf("close: rank %d out of range", q.rank)
	}
	q.c.closed[q.rank] = true
	q.c.queueMu.Unlock()
	return nil
}
