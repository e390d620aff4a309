package main

import (
	"context"
	"flag"
	"log"
	"net"

	"google.golang.org/grpc"

	"github.com/pdtar/pdtar/internal/substrate"
)

const coordinatorHelp = `pdtar coordinator -listen=:7777 -size=N

Run the gRPC collective coordinator a remote group of N ranks dials into
with 'pdtar create/extract -coordinator=host:port -rank=i -size=N'.
`

func coordinator(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("coordinator", flag.ExitOnError)
	listen := fset.String("listen", ":7777", "address to listen on")
	size := fset.Int("size", 1, "number of ranks that will join this group")
	fset.Parse(args)

	lis, err := net.Listen("tcp", *listen)
	if err != nil {
		return err
	}

	srv := grpc.NewServer()
	substrate.NewCoordinatorServer(srv, *size)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()

	log.Printf("coordinator listening on %s for %d ranks", *listen, *size)
	return srv.Serve(lis)
}
