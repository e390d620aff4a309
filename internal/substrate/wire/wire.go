// Package wire defines the messages exchanged between pdtar ranks running
// as separate OS processes (substrate.Remote). The pack this repository
// was grounded on (see DESIGN.md) never commits protoc-generated code for
// its own gRPC service (pb/builder/generate.go ships only the go:generate
// stub); this exercise likewise cannot invoke protoc, so these messages
// are hand-maintained Go structs carried over gRPC via a registered codec
// (see internal/substrate/codec.go) instead of protobuf's wire format. The
// canonical message shapes are also described in
// internal/coordinatorpb/coordinator.proto for whichever environment can
// run protoc against it.
package wire

// GatherRequest is what a rank sends the coordinator for every collective
// call: an opaque payload plus enough context to route it to the right
// rendezvous.
type GatherRequest struct {
	Rank    int32
	Op      string // "barrier" | "broadcast" | "scan" | "allreduce" | "alltrue"
	Root    int32  // only meaningful for Op == "broadcast"
	Payload []byte
}

// GatherResponse carries, per rank, the payload that rank deposited —
// mirroring substrate.Local's barrierState.payloads, but serialized.
type GatherResponse struct {
	Payloads [][]byte
}

// EnqueueRequest seeds the coordinator's copy of one rank's initial work
// items for a named queue.
type EnqueueRequest struct {
	Rank  int32
	Queue string
	Items [][]byte
}

// DequeueRequest asks the coordinator for one work item from the named
// queue, on behalf of the requesting rank (for steal bookkeeping only; any
// item may be returned regardless of which rank originally enqueued it).
type DequeueRequest struct {
	Rank  int32
	Queue string
}

// DequeueResponse is empty-and-Ok-false once the named queue is globally
// drained.
type DequeueResponse struct {
	Item []byte
	Ok   bool
}

// CloseRequest marks the requesting rank done with the named queue.
type CloseRequest struct {
	Rank  int32
	Queue string
}
