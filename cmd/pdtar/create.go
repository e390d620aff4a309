package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/pdtar/pdtar/internal/archive"
	"github.com/pdtar/pdtar/internal/runctx"
	"github.com/pdtar/pdtar/internal/substrate"
)

const createHelp = `pdtar create -output=archive.tar [options] path [path...]

Plan the layout of, and write, a pax archive covering every path given,
splitting the work across -ranks in-process workers (the default) or
joining a remote group started with the coordinator command.
`

func create(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("create", flag.ExitOnError)
	output := fset.String("output", "", "path to write the archive to")
	ranks := fset.Int("ranks", 1, "number of in-process ranks to run (ignored with -coordinator)")
	coordAddr := fset.String("coordinator", "", "host:port of a running pdtar coordinator; when set, -rank/-size select this process's role")
	rank := fset.Int("rank", 0, "this process's rank within the remote group (-coordinator mode)")
	size := fset.Int("size", 1, "total ranks in the remote group (-coordinator mode)")
	chunkSize := fset.Int64("chunk-size", 1<<20, "chunk transfer size in bytes")
	blockSize := fset.Int64("block-size", 1<<16, "read/write buffer size in bytes")
	preserve := fset.Bool("preserve", false, "preserve-attributes mode (no effect: headers always come from the walk-time stat)")
	dryRun := fset.Bool("dry-run", false, "plan the layout without writing archive bytes")
	progressInterval := fset.Duration("progress-interval", 2*time.Second, "progress print period; 0 disables")
	progressLog := fset.String("progress-log", "", "additionally append progress lines to this file")
	fset.Parse(args)

	if *output == "" || fset.NArg() == 0 {
		fmt.Fprint(os.Stderr, createHelp)
		os.Exit(2)
	}
	opts := archive.Options{
		ChunkSize:       *chunkSize,
		BlockSize:       *blockSize,
		Preserve:        *preserve,
		DryRun:          *dryRun,
		TProgress:       *progressInterval,
		ProgressLogPath: *progressLog,
	}

	if *coordAddr != "" {
		rc, err := substrate.DialCoordinator(ctx, *coordAddr, *rank, *size)
		if err != nil {
			return err
		}
		defer rc.Close()
		runctx.RegisterCleanup(func() { rc.Close() })
		return archive.CreateArchive(ctx, rc, *output, fset.Args(), opts, os.Stderr)
	}

	group := substrate.NewLocalGroup(*ranks)
	errs := make([]error, len(group))
	done := make(chan struct{})
	for i, c := range group {
		i, c := i, c
		go func() {
			errs[i] = archive.CreateArchive(ctx, c, *output, fset.Args(), opts, os.Stderr)
			done <- struct{}{}
		}()
	}
	for range group {
		<-done
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
