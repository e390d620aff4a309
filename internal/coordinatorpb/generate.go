// Package coordinatorpb holds the protobuf IDL for pdtar's collective
// substrate. See coordinator.proto and DESIGN.md: the generated code is
// not committed here (this exercise never invokes protoc), exactly as the
// teacher's own pb/builder/generate.go ships a go:generate stub without a
// committed .pb.go in this tree. internal/substrate/wire and
// internal/substrate/remote.go carry the same message shapes by hand.
package coordinatorpb

//go:generate protoc --go_out=. --go-grpc_out=. coordinator.proto
