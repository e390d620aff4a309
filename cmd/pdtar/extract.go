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

const extractHelp = `pdtar extract -input=archive.tar -dest=dir [options]

Extract a pax archive into dest, using the .idx sidecar for parallel
indexed extraction when present, falling back to a rank-striped
streaming scan otherwise.
`

func extract(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("extract", flag.ExitOnError)
	input := fset.String("input", "", "path to the archive to extract")
	dest := fset.String("dest", ".", "destination directory")
	ranks := fset.Int("ranks", 1, "number of in-process ranks to run (ignored with -coordinator)")
	coordAddr := fset.String("coordinator", "", "host:port of a running pdtar coordinator; when set, -rank/-size select this process's role")
	rank := fset.Int("rank", 0, "this process's rank within the remote group (-coordinator mode)")
	size := fset.Int("size", 1, "total ranks in the remote group (-coordinator mode)")
	chunkSize := fset.Int64("chunk-size", 1<<20, "chunk transfer size in bytes")
	blockSize := fset.Int64("block-size", 1<<16, "read/write buffer size in bytes")
	dryRun := fset.Bool("dry-run", false, "scan without materializing any file")
	progressInterval := fset.Duration("progress-interval", 2*time.Second, "progress print period; 0 disables")
	progressLog := fset.String("progress-log", "", "additionally append progress lines to this file")
	fset.Parse(args)

	if *input == "" {
		fmt.Fprint(os.Stderr, extractHelp)
		os.Exit(2)
	}
	opts := archive.Options{
		ChunkSize:       *chunkSize,
		BlockSize:       *blockSize,
		DryRun:          *dryRun,
		TProgress:       *progressInterval,
		ProgressLogPath: *progressLog,
	}

	if err := os.MkdirAll(*dest, 0755); err != nil {
		return err
	}

	if *coordAddr != "" {
		rc, err := substrate.DialCoordinator(ctx, *coordAddr, *rank, *size)
		if err != nil {
			return err
		}
		defer rc.Close()
		runctx.RegisterCleanup(func() { rc.Close() })
		return archive.ExtractArchive(ctx, rc, *input, *dest, opts)
	}

	group := substrate.NewLocalGroup(*ranks)
	errs := make([]error, len(group))
	done := make(chan struct{})
	for i, c := range group {
		i, c := i, c
		go func() {
			errs[i] = archive.ExtractArchive(ctx, c, *input, *dest, opts)
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
