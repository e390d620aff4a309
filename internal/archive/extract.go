package archive

import (
	"archive/tar"
	"context"
	"io"
	"log"
	"os"
	"time"

	"golang.org/x/xerrors"

	"github.com/pdtar/pdtar/internal/substrate"
)

// ExtractArchive runs the full extract pipeline: read the index sidecar
// if present (the fast, parallel path) or fall back to a streaming scan
// that reads every rank's copy of the archive to EOF. Directories are
// pre-created, then files and symlinks are materialized, then directory
// timestamps are fixed up — each phase separated by a Barrier so no rank
// ever writes into a directory another rank has not yet created, and no
// rank fixes a directory's timestamp before every rank's file writes
// inside it have landed.
func ExtractArchive(ctx context.Context, c substrate.Collective, archivePath, destCwd string, opts Options) error {
	logger := log.New(os.Stderr, "", log.LstdFlags)
	start := time.Now()

	idx, ok, err := ReadIndex(ctx, c, archivePath)
	if err != nil {
		return err
	}

	var list MetadataList
	var offsets []int64
	if ok {
		global := Partition(make([]Entry, len(idx.Offsets)), c.Rank(), c.Size())
		entries, payloadOffsets, serr := ScanIndexed(archivePath, destCwd, idx, global.GlobalOffset, len(global.Entries))
		if serr != nil {
			return serr
		}
		list = MetadataList{Entries: entries, GlobalCount: len(idx.Offsets), GlobalOffset: global.GlobalOffset}
		offsets = payloadOffsets
	} else {
		entries, offs, serr := scanStreamingWithOffsets(c, archivePath, destCwd)
		if serr != nil {
			return serr
		}
		list = MetadataList{Entries: entries, GlobalCount: -1, GlobalOffset: -1}
		offsets = offs
	}

	if opts.DryRun {
		if c.Rank() == 0 {
			logger.Printf("dry run: extract would materialize %d local entries", len(list.Entries))
		}
		return nil
	}

	if err := PreCreateDirs(list); err != nil {
		return err
	}
	if err := c.Barrier(ctx); err != nil {
		return wrapErr(ErrIO, -1, err)
	}

	if err := MaterializeSymlinks(list); err != nil {
		return err
	}
	if err := PreCreateFiles(list); err != nil {
		return err
	}
	if err := c.Barrier(ctx); err != nil {
		return wrapErr(ErrIO, -1, err)
	}

	items := GenerateExtractChunks(list, offsets, opts)

	acc := &progressAccumulator{}
	work := func() error {
		return RunExtractWorkers(ctx, c, archivePath, items, opts, acc)
	}
	if err := runWithProgress(ctx, c, work, acc, opts, progressWriter(opts, os.Stderr), -1); err != nil {
		return err
	}

	if err := c.Barrier(ctx); err != nil {
		return wrapErr(ErrIO, -1, err)
	}

	if err := FixupDirTimestamps(list); err != nil {
		return err
	}

	if c.Rank() == 0 {
		finalSummary(logger, start, acc.snapshot())
	}
	return nil
}

// scanStreamingWithOffsets is ScanStreaming's materializing twin: it
// records each retained entry's payload start offset alongside its
// decoded metadata, so the unindexed path can still hand work to the
// chunk scheduler instead of falling back to a single-threaded copy.
func scanStreamingWithOffsets(c substrate.Collective, archivePath, cwd string) ([]Entry, []int64, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, nil, wrapErr(ErrIO, -1, xerrors.Errorf("open archive: %w", err))
	}
	defer f.Close()

	tr := tar.NewReader(f)
	rank, size := c.Rank(), c.Size()

	var entries []Entry
	var offsets []int64
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, wrapErr(ErrDecode, i, xerrors.Errorf("read header %d: %w", i, err))
		}
		headerEnd, serr := currentOffset(f)
		if serr != nil {
			return nil, nil, wrapErr(ErrIO, i, serr)
		}
		if i%size == rank {
			entries = append(entries, entryFromHeader(hdr, cwd))
			offsets = append(offsets, headerEnd)
		}
	}
	return entries, offsets, nil
}

// currentOffset reports f's current read position, which immediately
// after a successful tar.Reader.Next() call is the start of that entry's
// payload (or of the next header, for entries with no payload).
func currentOffset(f *os.File) (int64, error) {
	return f.Seek(0, io.SeekCurrent)
}
