package archive

import (
	"bytes"
	"context"
	"encoding/gob"
	"io"
	"log"
	"time"

	"golang.org/x/xerrors"

	"github.com/pdtar/pdtar/internal/substrate"
)

// CreateArchive runs the full create pipeline every rank in a run
// executes: distribute the walked entry list, plan the layout, write
// headers and the index sidecar, transfer chunk payloads, and close out
// with the end-of-archive trailer. Barriers sit between phases so no
// rank's chunk worker ever writes a payload byte before every rank's
// header write (and thus the full header-size table) has settled, and so
// the trailer is never written before every chunk has landed.
func CreateArchive(ctx context.Context, c substrate.Collective, archivePath string, roots []string, opts Options, logOut io.Writer) error {
	logger := log.New(logOut, "", log.LstdFlags)
	start := time.Now()

	var all []Entry
	if c.Rank() == 0 {
		walked, err := Walk(roots, opts)
		if err != nil {
			return err
		}
		all = walked
	}
	all, err := broadcastEntries(ctx, c, all)
	if err != nil {
		return err
	}

	list := Partition(all, c.Rank(), c.Size())

	layout, err := PlanLayout(ctx, c, list, "", opts)
	if err != nil {
		return err
	}

	if opts.DryRun {
		if c.Rank() == 0 {
			logger.Printf("dry run: %d entries, %d total bytes", len(all), layout.TotalBytes)
		}
		return nil
	}

	if c.Rank() == 0 {
		if err := preallocateFile(archivePath, layout.TotalBytes+trailerSize); err != nil {
			return err
		}
	}
	if err := c.Barrier(ctx); err != nil {
		return wrapErr(ErrIO, -1, err)
	}

	if err := WriteHeaders(ctx, archivePath, "", list, layout, opts); err != nil {
		return err
	}
	if err := c.Barrier(ctx); err != nil {
		return wrapErr(ErrIO, -1, err)
	}

	if err := WriteIndex(ctx, c, archivePath, layout.ArchiveOffset); err != nil {
		return err
	}

	items := GenerateChunkWork(list, layout, opts)

	acc := &progressAccumulator{}
	work := func() error {
		return RunChunkWorkers(ctx, c, archivePath, items, opts, acc)
	}
	if err := runWithProgress(ctx, c, work, acc, opts, progressWriter(opts, logOut), layout.TotalBytes); err != nil {
		return err
	}

	if err := c.Barrier(ctx); err != nil {
		return wrapErr(ErrIO, -1, err)
	}

	if c.Rank() == 0 {
		if err := WriteTrailer(archivePath, layout.TotalBytes); err != nil {
			return err
		}
		finalSummary(logger, start, acc.snapshot())
	}
	return nil
}

// broadcastEntries ships rank 0's walked entry list to every rank via gob
// over the substrate's byte-oriented Broadcast, the same pattern
// ReadIndex uses for the sidecar bytes.
func broadcastEntries(ctx context.Context, c substrate.Collective, local []Entry) ([]Entry, error) {
	var payload []byte
	if c.Rank() == 0 {
		var buf bytes.Buffer
		if err := gob.NewEncoder(&buf).Encode(local); err != nil {
			return nil, wrapErr(ErrEncode, -1, xerrors.Errorf("encode entry list: %w", err))
		}
		payload = buf.Bytes()
	}
	b, err := c.Broadcast(ctx, 0, payload)
	if err != nil {
		return nil, wrapErr(ErrIO, -1, err)
	}
	var all []Entry
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&all); err != nil {
		return nil, wrapErr(ErrDecode, -1, xerrors.Errorf("decode entry list: %w", err))
	}
	return all, nil
}

// progressWriter tees progress output to opts.ProgressLogPath, when set,
// in addition to the caller's logOut.
func progressWriter(opts Options, logOut io.Writer) io.Writer {
	if opts.ProgressLogPath == "" {
		return logOut
	}
	f, err := openProgressLog(opts.ProgressLogPath)
	if err != nil {
		return logOut
	}
	return io.MultiWriter(logOut, f)
}
