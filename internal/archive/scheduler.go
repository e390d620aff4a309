package archive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/google/renameio"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/pdtar/pdtar/internal/substrate"
)

// trailerSize is the end-of-archive marker: two consecutive zero-filled
// 512-byte blocks, written once by rank 0 after every chunk worker across
// every rank has completed.
const trailerSize = 1024

func numWorkers() int {
	if n := runtime.GOMAXPROCS(0); n > 0 {
		return n
	}
	return 1
}

// RunChunkWorkers is the create-path half of the Chunk Scheduler: it seeds
// a distributed work-stealing queue with this rank's chunk work items,
// then runs a local pool of workers that dequeue, transfer and, for a
// file's last chunk, pad the archive out to the next 512-byte boundary.
// Workers keep stealing from the shared queue (which itself steals across
// ranks) until it reports globally empty.
func RunChunkWorkers(ctx context.Context, c substrate.Collective, archivePath string, items []ChunkWorkItem, opts Options, acc *progressAccumulator) error {
	encoded := make([][]byte, len(items))
	for i, it := range items {
		encoded[i] = encodeItem(it)
	}

	q, err := c.NewWorkQueue(ctx, encoded)
	if err != nil {
		return wrapErr(ErrIO, -1, xerrors.Errorf("create work queue: %w", err))
	}

	archive, err := os.OpenFile(archivePath, os.O_WRONLY, 0644)
	if err != nil {
		return wrapErr(ErrIO, -1, xerrors.Errorf("open archive for chunk writes: %w", err))
	}
	defer archive.Close()

	chunkSize := opts.chunkSize()
	blockSize := opts.blockSize()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < numWorkers(); w++ {
		g.Go(func() error {
			buf := make([]byte, blockSize)
			for {
				raw, ok, err := q.Dequeue(gctx)
				if err != nil {
					return wrapErr(ErrIO, -1, xerrors.Errorf("dequeue chunk work: %w", err))
				}
				if !ok {
					return nil
				}
				item, err := decodeItem(raw)
				if err != nil {
					return wrapErr(ErrDecode, -1, err)
				}
				last := item.ChunkIndex == lastChunkIndex(item.FileSize, chunkSize)
				n, err := transferChunk(archive, item, chunkSize, last, buf)
				if err != nil {
					return wrapErr(ErrIO, -1, xerrors.Errorf("transfer chunk %d of %q: %w", item.ChunkIndex, item.SourcePath, err))
				}
				if acc != nil {
					acc.addBytes(uint64(n))
					if last {
						acc.addItem()
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return q.Close(ctx)
}

// transferChunk copies one chunk of item.SourcePath into archive at its
// planned offset, padding the trailing chunk of a file out to the next
// 512-byte boundary with zero bytes. It returns the number of source
// bytes actually read (excluding padding), for progress accounting.
func transferChunk(archive *os.File, item ChunkWorkItem, chunkSize int64, last bool, buf []byte) (int64, error) {
	start := item.ChunkIndex * chunkSize
	want := chunkSize
	if start+want > item.FileSize {
		want = item.FileSize - start
	}
	if want < 0 {
		want = 0
	}

	var n int64
	if want > 0 {
		src, err := os.Open(item.SourcePath)
		if err != nil {
			return 0, xerrors.Errorf("open source: %w", err)
		}
		defer src.Close()

		r := io.NewSectionReader(src, start, want)
		dstOffset := item.ArchiveBaseOffset + start
		var transferred uint64
		for transferred < uint64(want) {
			m, rerr := r.Read(buf)
			if m > 0 {
				if _, werr := archive.WriteAt(buf[:m], dstOffset+int64(transferred)); werr != nil {
					return n, xerrors.Errorf("write archive: %w", werr)
				}
				transferred += uint64(m)
				n += int64(m)
			}
			if rerr == io.EOF {
				break
			}
			if rerr != nil {
				return n, xerrors.Errorf("read source: %w", rerr)
			}
		}
	}

	if last {
		padTo := RoundUp512(item.FileSize)
		padStart := start + want
		padLen := padTo - padStart
		// padStart can be negative-free only if the last chunk covers the
		// file's final byte, which it does by construction (lastChunkIndex).
		if padLen > 0 {
			zeros := make([]byte, padLen)
			if _, err := archive.WriteAt(zeros, item.ArchiveBaseOffset+padStart); err != nil {
				return n, xerrors.Errorf("write padding: %w", err)
			}
		}
	}
	return n, nil
}

// WriteTrailer writes the end-of-archive marker at the planned total
// size. Callers must ensure every rank's chunk workers and header writes
// have completed (a Barrier) before calling this on rank 0.
func WriteTrailer(archivePath string, totalBytes int64) error {
	f, err := os.OpenFile(archivePath, os.O_WRONLY, 0644)
	if err != nil {
		return wrapErr(ErrIO, -1, xerrors.Errorf("open archive for trailer: %w", err))
	}
	defer f.Close()

	zeros := make([]byte, trailerSize)
	if _, err := f.WriteAt(zeros, totalBytes); err != nil {
		return wrapErr(ErrIO, -1, xerrors.Errorf("write trailer: %w", err))
	}
	return nil
}

// PreCreateDirs materializes every local KindDir entry (and any parent
// directories its KindFile/KindSymlink siblings need) before payload
// extraction begins, so concurrent file writes never race a missing
// parent directory. Callers must Barrier after this returns and before
// extracting file payloads.
func PreCreateDirs(list MetadataList) error {
	seen := make(map[string]bool)
	var dirs []string
	addParents := func(p string) {
		d := filepath.Dir(p)
		for d != "." && d != "/" && !seen[d] {
			seen[d] = true
			dirs = append(dirs, d)
			d = filepath.Dir(d)
		}
	}
	for _, e := range list.Entries {
		if e.Failed {
			continue
		}
		switch e.Kind {
		case KindDir:
			if !seen[e.Path] {
				seen[e.Path] = true
				dirs = append(dirs, e.Path)
			}
		case KindFile, KindSymlink:
			addParents(e.Path)
		}
	}
	// Shortest path first so parents are created before children.
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i]) < len(dirs[j]) })
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return wrapErr(ErrIO, -1, xerrors.Errorf("mkdir %q: %w", d, err))
		}
	}
	return nil
}

// MaterializeSymlinks creates every local KindSymlink entry. Symlinks have
// no chunk work (their target is the header payload), so they are
// materialized directly from the scanned metadata rather than through the
// chunk scheduler.
func MaterializeSymlinks(list MetadataList) error {
	for _, e := range list.Entries {
		if e.Failed || e.Kind != KindSymlink {
			continue
		}
		_ = os.Remove(e.Path)
		if err := os.Symlink(e.LinkTarget, e.Path); err != nil {
			return wrapErr(ErrIO, list.GlobalOffset, xerrors.Errorf("symlink %q -> %q: %w", e.Path, e.LinkTarget, err))
		}
	}
	return nil
}

// PreCreateFiles truncates every local KindFile entry to its final size
// before chunk workers begin writing into it, using an atomic rename so a
// crash mid-truncate never leaves a half-sized file at the destination
// path for a concurrent reader.
func PreCreateFiles(list MetadataList) error {
	for _, e := range list.Entries {
		if e.Failed || e.Kind != KindFile {
			continue
		}
		t, err := renameio.TempFile("", e.Path)
		if err != nil {
			return wrapErr(ErrIO, list.GlobalOffset, xerrors.Errorf("create %q: %w", e.Path, err))
		}
		if err := t.Truncate(e.Size); err != nil {
			t.Cleanup()
			return wrapErr(ErrIO, list.GlobalOffset, err)
		}
		if err := t.CloseAtomicallyReplace(); err != nil {
			return wrapErr(ErrIO, list.GlobalOffset, xerrors.Errorf("commit %q: %w", e.Path, err))
		}
	}
	return nil
}

// GenerateExtractChunks mirrors GenerateChunkWork for the extract path:
// one ChunkWorkItem per chunk of every local regular-file entry, with
// ArchiveBaseOffset pointing at the archive (the read side) and
// SourcePath left empty — extraction uses the entry's destination path
// and the archive offsets directly via extractChunk instead of the
// create-path transferChunk.
func GenerateExtractChunks(list MetadataList, offsets []int64, opts Options) []ChunkWorkItem {
	chunkSize := opts.chunkSize()
	var items []ChunkWorkItem
	for i, e := range list.Entries {
		if e.Kind != KindFile || e.Failed {
			continue
		}
		n := numChunks(e.Size, chunkSize)
		for k := int64(0); k < n; k++ {
			items = append(items, ChunkWorkItem{
				SourcePath:        e.Path,
				FileSize:          e.Size,
				ChunkIndex:        k,
				ArchiveBaseOffset: offsets[i],
			})
		}
	}
	return items
}

// RunExtractWorkers is the extract-path half of the Chunk Scheduler: for
// every local chunk work item it reads the chunk's bytes from the archive
// (at ArchiveBaseOffset, the entry's payload start) and writes them into
// the already-truncated destination file at the matching local offset.
func RunExtractWorkers(ctx context.Context, c substrate.Collective, archivePath string, items []ChunkWorkItem, opts Options, acc *progressAccumulator) error {
	encoded := make([][]byte, len(items))
	for i, it := range items {
		encoded[i] = encodeItem(it)
	}

	q, err := c.NewWorkQueue(ctx, encoded)
	if err != nil {
		return wrapErr(ErrIO, -1, xerrors.Errorf("create work queue: %w", err))
	}

	archive, err := os.Open(archivePath)
	if err != nil {
		return wrapErr(ErrIO, -1, xerrors.Errorf("open archive for extraction: %w", err))
	}
	defer archive.Close()

	chunkSize := opts.chunkSize()
	blockSize := opts.blockSize()

	g, gctx := errgroup.WithContext(ctx)
	for w := 0; w < numWorkers(); w++ {
		g.Go(func() error {
			buf := make([]byte, blockSize)
			for {
				raw, ok, err := q.Dequeue(gctx)
				if err != nil {
					return wrapErr(ErrIO, -1, xerrors.Errorf("dequeue chunk work: %w", err))
				}
				if !ok {
					return nil
				}
				item, err := decodeItem(raw)
				if err != nil {
					return wrapErr(ErrDecode, -1, err)
				}
				last := item.ChunkIndex == lastChunkIndex(item.FileSize, chunkSize)
				n, err := extractChunk(archive, item, chunkSize, buf)
				if err != nil {
					return wrapErr(ErrIO, -1, xerrors.Errorf("extract chunk %d of %q: %w", item.ChunkIndex, item.SourcePath, err))
				}
				if acc != nil {
					acc.addBytes(uint64(n))
					if last {
						acc.addItem()
					}
				}
			}
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return q.Close(ctx)
}

// extractChunk is transferChunk's mirror image: source is the archive at
// ArchiveBaseOffset+chunkIndex*chunkSize, destination is item.SourcePath
// (the materialized file, pre-truncated by PreCreateFiles) at the same
// relative chunk offset. No padding is read or written: the destination
// file was already truncated to its exact final size.
func extractChunk(archive *os.File, item ChunkWorkItem, chunkSize int64, buf []byte) (int64, error) {
	start := item.ChunkIndex * chunkSize
	want := chunkSize
	if start+want > item.FileSize {
		want = item.FileSize - start
	}
	if want <= 0 {
		return 0, nil
	}

	dst, err := os.OpenFile(item.SourcePath, os.O_WRONLY, 0644)
	if err != nil {
		return 0, xerrors.Errorf("open destination: %w", err)
	}
	defer dst.Close()

	r := io.NewSectionReader(archive, item.ArchiveBaseOffset+start, want)
	var n int64
	for n < want {
		m, rerr := r.Read(buf)
		if m > 0 {
			if _, werr := dst.WriteAt(buf[:m], start+n); werr != nil {
				return n, xerrors.Errorf("write destination: %w", werr)
			}
			n += int64(m)
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return n, xerrors.Errorf("read archive: %w", rerr)
		}
	}
	return n, nil
}

// FixupDirTimestamps restores regular files' permission bits and
// directory modes and mtimes after payload extraction. File and symlink
// timestamps are not restored. A directory's mtime is disturbed by every
// child creation inside it, so directory timestamps must be fixed up in a
// pass strictly after every rank has finished materializing files (a
// Barrier). Deepest directories are fixed first so fixing a child's mtime
// never re-disturbs its parent.
func FixupDirTimestamps(list MetadataList) error {
	for _, e := range list.Entries {
		if e.Failed || e.Kind != KindFile {
			continue
		}
		if err := os.Chmod(e.Path, os.FileMode(e.Mode).Perm()); err != nil {
			return wrapErr(ErrIO, list.GlobalOffset, xerrors.Errorf("chmod %q: %w", e.Path, err))
		}
	}

	type dirEntry struct {
		path  string
		entry Entry
	}
	var dirs []dirEntry
	for _, e := range list.Entries {
		if e.Failed || e.Kind != KindDir {
			continue
		}
		dirs = append(dirs, dirEntry{path: e.Path, entry: e})
	}
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i].path) > len(dirs[j].path) })
	for _, d := range dirs {
		mode := os.FileMode(d.entry.Mode).Perm()
		if err := os.Chmod(d.path, mode); err != nil {
			return wrapErr(ErrIO, list.GlobalOffset, xerrors.Errorf("chmod %q: %w", d.path, err))
		}
		if err := os.Chtimes(d.path, d.entry.Mtime, d.entry.Mtime); err != nil {
			return wrapErr(ErrIO, list.GlobalOffset, xerrors.Errorf("chtimes %q: %w", d.path, err))
		}
	}
	return nil
}
