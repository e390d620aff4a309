package substrate

import (
	"context"
	"sync"

	"golang.org/x/xerrors"
	"google.golang.org/grpc"

	"github.com/pdtar/pdtar/internal/substrate/wire"
)

// serviceName/method paths mirror what protoc-gen-go-grpc would emit for a
// `service Coordinator` with these four RPCs (see
// internal/coordinatorpb/coordinator.proto). They are spelled out by hand
// here for the same reason wire.go's messages are hand-maintained: this
// exercise cannot invoke protoc (see DESIGN.md).
const (
	serviceName     = "substrate.Coordinator"
	methodGather    = "/" + serviceName + "/Gather"
	methodEnqueue   = "/" + serviceName + "/Enqueue"
	methodDequeue   = "/" + serviceName + "/Dequeue"
	methodCloseQ    = "/" + serviceName + "/CloseQueue"
)

// CoordinatorServer is what the `pdtar coordinator` command runs; every
// rank talks to it as a client via Remote. It plays the role a libcircle/MPI
// runtime plays for the original system, reimplemented as an ordinary
// gRPC service in the style of cmd/distri/builder.go's buildsrv.
type CoordinatorServer struct {
	n int

	mu      sync.Mutex
	current *barrierState

	queueMu sync.Mutex
	queues  map[string][][][]byte // queue name -> per-rank deque
}

// NewCoordinatorServer constructs the coordinator for a Remote group of n
// ranks and registers it on srv.
func NewCoordinatorServer(srv *grpc.Server, n int) *CoordinatorServer {
	c := &CoordinatorServer{n: n, queues: make(map[string][][][]byte)}
	srv.RegisterService(&serviceDesc, c)
	return c
}

func (c *CoordinatorServer) gather(rank int, payload interface{}) []interface{} {
	c.mu.Lock()
	if c.current == nil {
		c.current = &barrierState{payloads: make([]interface{}, c.n), done: make(chan struct{})}
	}
	st := c.current
	st.payloads[rank] = payload
	st.count++
	if st.count == c.n {
		c.current = nil
		close(st.done)
	}
	c.mu.Unlock()
	<-st.done
	return st.payloads
}

func (c *CoordinatorServer) handleGather(ctx context.Context, req *wire.GatherRequest) (*wire.GatherResponse, error) {
	all := c.gather(int(req.Rank), req.Payload)
	resp := &wire.GatherResponse{Payloads: make([][]byte, len(all))}
	for i, v := range all {
		b, _ := v.([]byte)
		resp.Payloads[i] = b
	}
	return resp, nil
}

func (c *CoordinatorServer) handleEnqueue(ctx context.Context, req *wire.EnqueueRequest) (*wire.EnqueueRequest, error) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	dq, ok := c.queues[req.Queue]
	if !ok {
		dq = make([][][]byte, c.n)
		c.queues[req.Queue] = dq
	}
	dq[req.Rank] = append(dq[req.Rank], req.Items...)
	return &wire.EnqueueRequest{}, nil
}

func (c *CoordinatorServer) handleDequeue(ctx context.Context, req *wire.DequeueRequest) (*wire.DequeueResponse, error) {
	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	dq := c.queues[req.Queue]
	if dq == nil {
		return &wire.DequeueResponse{Ok: false}, nil
	}
	if own := dq[req.Rank]; len(own) > 0 {
		item := own[len(own)-1]
		dq[req.Rank] = own[:len(own)-1]
		return &wire.DequeueResponse{Item: item, Ok: true}, nil
	}
	victim, best := -1, 0
	for r, q := range dq {
		if r == int(req.Rank) {
			continue
		}
		if len(q) > best {
			best, victim = len(q), r
		}
	}
	if victim == -1 {
		return &wire.DequeueResponse{Ok: false}, nil
	}
	q := dq[victim]
	item := q[len(q)-1]
	dq[victim] = q[:len(q)-1]
	return &wire.DequeueResponse{Item: item, Ok: true}, nil
}

func (c *CoordinatorServer) handleCloseQueue(ctx context.Context, req *wire.CloseRequest) (*wire.CloseRequest, error) {
	return &wire.CloseRequest{}, nil
}

// serviceDesc is the hand-authored equivalent of what
// protoc-gen-go-grpc would generate for coordinator.proto's service
// definition: a table of method names to unary handlers.
var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Gather", Handler: gatherHandler},
		{MethodName: "Enqueue", Handler: enqueueHandler},
		{MethodName: "Dequeue", Handler: dequeueHandler},
		{MethodName: "CloseQueue", Handler: closeQueueHandler},
	},
	Metadata: "internal/coordinatorpb/coordinator.proto",
}

func gatherHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(wire.GatherRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*CoordinatorServer)
	if interceptor == nil {
		return s.handleGather(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: methodGather}
	return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.handleGather(ctx, req.(*wire.GatherRequest))
	})
}

func enqueueHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(wire.EnqueueRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*CoordinatorServer)
	if interceptor == nil {
		return s.handleEnqueue(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: methodEnqueue}
	return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.handleEnqueue(ctx, req.(*wire.EnqueueRequest))
	})
}

func dequeueHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(wire.DequeueRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*CoordinatorServer)
	if interceptor == nil {
		return s.handleDequeue(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: methodDequeue}
	return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.handleDequeue(ctx, req.(*wire.DequeueRequest))
	})
}

func closeQueueHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	req := new(wire.CloseRequest)
	if err := dec(req); err != nil {
		return nil, err
	}
	s := srv.(*CoordinatorServer)
	if interceptor == nil {
		return s.handleCloseQueue(ctx, req)
	}
	info := &grpc.UnaryServerInfo{Server: s, FullMethod: methodCloseQ}
	return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return s.handleCloseQueue(ctx, req.(*wire.CloseRequest))
	})
}

// Remote is the cross-process Collective implementation: every rank is a
// gRPC client of a CoordinatorServer started with `pdtar coordinator`,
// mirroring how cmd/distri/builder.go's remote build workers are
// plain gRPC clients of a builder service.
type Remote struct {
	cc   *grpc.ClientConn
	rank int
	size int
}

// DialCoordinator connects to a CoordinatorServer at addr as the given
// rank within a group of size ranks.
func DialCoordinator(ctx context.Context, addr string, rank, size int) (*Remote, error) {
	cc, err := grpc.DialContext(ctx, addr, grpc.WithInsecure(), grpc.WithBlock())
	if err != nil {
		return nil, xerrors.Errorf("dial coordinator %s: %w", addr, err)
	}
	return &Remote{cc: cc, rank: rank, size: size}, nil
}

func (r *Remote) Close() error { return r.cc.Close() }

func (r *Remote) Rank() int { return r.rank }
func (r *Remote) Size() int { return r.size }

func (r *Remote) invoke(ctx context.Context, method string, req, resp interface{}) error {
	return r.cc.Invoke(ctx, method, req, resp, grpc.CallContentSubtype(codecName))
}

func (r *Remote) Barrier(ctx context.Context) error {
	_, err := r.gather(ctx, "barrier", 0, nil)
	return err
}

func (r *Remote) Broadcast(ctx context.Context, root int, v []byte) ([]byte, error) {
	resp, err := r.gather(ctx, "broadcast", root, v)
	if err != nil {
		return nil, err
	}
	return resp.Payloads[root], nil
}

func (r *Remote) gather(ctx context.Context, op string, root int, payload []byte) (*wire.GatherResponse, error) {
	req := &wire.GatherRequest{Rank: int32(r.rank), Op: op, Root: int32(root), Payload: payload}
	resp := new(wire.GatherResponse)
	if err := r.invoke(ctx, methodGather, req, resp); err != nil {
		return nil, xerrors.Errorf("gather(%s): %w", op, err)
	}
	return resp, nil
}

func (r *Remote) ExclusiveScanUint64(ctx context.Context, local uint64) (uint64, error) {
	resp, err := r.gather(ctx, "scan", 0, encodeUint64(local))
	if err != nil {
		return 0, err
	}
	var sum uint64
	for i := 0; i < r.rank; i++ {
		sum += decodeUint64(resp.Payloads[i])
	}
	return sum, nil
}

func (r *Remote) AllReduceSumUint64(ctx context.Context, local uint64) (uint64, error) {
	resp, err := r.gather(ctx, "allreduce", 0, encodeUint64(local))
	if err != nil {
		return 0, err
	}
	var sum uint64
	for _, b := range resp.Payloads {
		sum += decodeUint64(b)
	}
	return sum, nil
}

func (r *Remote) AllTrue(ctx context.Context, local bool) (bool, error) {
	var b byte
	if local {
		b = 1
	}
	resp, err := r.gather(ctx, "alltrue", 0, []byte{b})
	if err != nil {
		return false, err
	}
	for _, p := range resp.Payloads {
		if len(p) == 0 || p[0] == 0 {
			return false, nil
		}
	}
	return true, nil
}

func (r *Remote) NewWorkQueue(ctx context.Context, initial [][]byte) (WorkQueue, error) {
	name := "chunks"
	req := &wire.EnqueueRequest{Rank: int32(r.rank), Queue: name, Items: initial}
	if err := r.invoke(ctx, methodEnqueue, req, new(wire.EnqueueRequest)); err != nil {
		return nil, xerrors.Errorf("enqueue: %w", err)
	}
	if err := r.Barrier(ctx); err != nil {
		return nil, err
	}
	return &remoteQueue{r: r, name: name}, nil
}

type remoteQueue struct {
	r    *Remote
	name string
}

func (q *remoteQueue) Dequeue(ctx context.Context) ([]byte, bool, error) {
	req := &wire.DequeueRequest{Rank: int32(q.r.rank), Queue: q.name}
	resp := new(wire.DequeueResponse)
	if err := q.r.invoke(ctx, methodDequeue, req, resp); err != nil {
		return nil, false, xerrors.Errorf("dequeue: %w", err)
	}
	return resp.Item, resp.Ok, nil
}

func (q *remoteQueue) Close(ctx context.Context) error {
	req := &wire.CloseRequest{Rank: int32(q.r.rank), Queue: q.name}
	return q.r.invoke(ctx, methodCloseQ, req, new(wire.CloseRequest))
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	return b
}

func decodeUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(b); i++ {
		v |= uint64(b[i]) << (8 * i)
	}
	return v
}
