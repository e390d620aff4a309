package archive

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/exp/mmap"
	"golang.org/x/xerrors"

	"github.com/pdtar/pdtar/internal/substrate"
)

// offsetWriter adapts an *os.File into an io.Writer that writes
// sequentially starting at a fixed archive offset, via WriteAt rather
// than Seek+Write, so concurrent readers of the same *os.File (other
// entries, other ranks) are never affected by this writer's file-offset
// state. tar.Writer.WriteHeader may call Write more than once (PAX
// extended records followed by the ustar block); offsetWriter keeps them
// contiguous.
type offsetWriter struct {
	f   *os.File
	pos int64
}

func (w *offsetWriter) Write(p []byte) (int, error) {
	n, err := w.f.WriteAt(p, w.pos)
	w.pos += int64(n)
	return n, err
}

// WriteHeaders implements the create-path half of the Header Writer:
// each local entry's pax header is encoded directly at its planned
// archive offset. The encoder is never finalized (no Close); the single
// end-of-archive trailer is written once, by rank 0, after every worker
// completes — see scheduler.go's WriteTrailer.
func WriteHeaders(ctx context.Context, archivePath string, cwd string, list MetadataList, layout Layout, opts Options) error {
	f, err := os.OpenFile(archivePath, os.O_WRONLY, 0644)
	if err != nil {
		return wrapErr(ErrIO, -1, xerrors.Errorf("open archive: %w", err))
	}
	defer f.Close()

	for i, e := range list.Entries {
		if e.Failed || e.Kind == KindOther {
			continue
		}
		// buildTarHeader is the same call PlanLayout's dry run used to
		// size this entry's header slot; calling it again here, against
		// the same walk-time Entry snapshot, guarantees the write
		// reproduces exactly the byte count that was planned. Extended
		// attribute / ACL capture (what distinguishes a true
		// preserve-attributes run) needs an on-disk read the metadata
		// list and the pax encoder here don't carry, so it's out of
		// scope; re-reading mode/mtime from disk at write time doesn't
		// buy that capture and only risks drifting the header size out
		// from under the plan, so it isn't done.
		hdr, err := buildTarHeader(e, cwd, opts)
		if err != nil {
			return wrapErr(ErrEncode, list.GlobalOffset+i, err)
		}

		w := &offsetWriter{f: f, pos: layout.ArchiveOffset[i]}
		tw := tar.NewWriter(w)
		if err := tw.WriteHeader(hdr); err != nil {
			return wrapErr(ErrEncode, list.GlobalOffset+i, xerrors.Errorf("write header for %q: %w", e.Path, err))
		}
		if w.pos-layout.ArchiveOffset[i] != layout.HeaderSize[i] {
			return wrapErr(ErrLayout, list.GlobalOffset+i,
				xerrors.Errorf("header for %q grew from %d planned bytes to %d actual bytes between plan and write",
					e.Path, layout.HeaderSize[i], w.pos-layout.ArchiveOffset[i]))
		}
		// tw is intentionally dropped here without Close(): closing
		// would append tar's own end-of-archive trailer at the current
		// position, corrupting the next entry's header.
	}
	return nil
}

// absolutize joins an archive-relative name back onto cwd to produce a
// destination path, the inverse of relativizePath: on extract, a stored
// name is reduced relative to a caller-supplied working directory, then
// joined back to an absolute path.
func absolutize(name, cwd string) string {
	return filepath.Join(cwd, name)
}

func entryFromHeader(hdr *tar.Header, cwd string) Entry {
	e := Entry{
		Path:       absolutize(hdr.Name, cwd),
		Mode:       uint32(hdr.Mode),
		UID:        hdr.Uid,
		GID:        hdr.Gid,
		Mtime:      hdr.ModTime,
		LinkTarget: hdr.Linkname,
	}
	switch hdr.Typeflag {
	case tar.TypeReg, tar.TypeRegA:
		e.Kind = KindFile
		e.Size = hdr.Size
	case tar.TypeDir:
		e.Kind = KindDir
	case tar.TypeSymlink:
		e.Kind = KindSymlink
	default:
		e.Kind = KindOther
	}
	return e
}

// ScanIndexed implements the indexed extract-path Metadata Scanner: each
// rank owns a contiguous entry range; for every index in range, it opens
// a fresh decoder at index[i] (the entry's header offset, per the index
// sidecar), reads exactly one header, and closes the decoder before
// moving on — the per-entry decoder lifecycle prevents it from reading
// into payload bytes a different rank may be concurrently writing or
// reading. Alongside each Entry it returns that entry's payload offset
// (the header offset plus the header's own on-disk length), which is
// what the chunk scheduler needs to read/write file contents rather than
// header bytes.
func ScanIndexed(archivePath, cwd string, idx Index, entryStart, entryCount int) ([]Entry, []int64, error) {
	ra, err := mmap.Open(archivePath)
	if err != nil {
		return nil, nil, wrapErr(ErrIO, -1, xerrors.Errorf("mmap open archive: %w", err))
	}
	defer ra.Close()

	entries := make([]Entry, 0, entryCount)
	payloadOffsets := make([]int64, 0, entryCount)
	for i := entryStart; i < entryStart+entryCount; i++ {
		if i < 0 || i >= len(idx.Offsets) {
			return nil, nil, wrapErr(ErrDecode, i, xerrors.Errorf("index entry %d out of range (%d entries)", i, len(idx.Offsets)))
		}
		sr := io.NewSectionReader(ra, idx.Offsets[i], ra.Len()-idx.Offsets[i])
		tr := tar.NewReader(sr)
		hdr, err := tr.Next()
		if err != nil {
			return nil, nil, wrapErr(ErrDecode, i, xerrors.Errorf("read header at offset %d: %w", idx.Offsets[i], err))
		}
		headerLen, err := sr.Seek(0, io.SeekCurrent)
		if err != nil {
			return nil, nil, wrapErr(ErrIO, i, xerrors.Errorf("measure header length at offset %d: %w", idx.Offsets[i], err))
		}
		entries = append(entries, entryFromHeader(hdr, cwd))
		payloadOffsets = append(payloadOffsets, idx.Offsets[i]+headerLen)
		// tr (and sr) go out of scope here; nothing further is read from
		// this entry's payload, satisfying the per-entry decoder
		// lifecycle contract above.
	}
	return entries, payloadOffsets, nil
}

// ScanStreaming implements the unindexed extract-path Metadata Scanner: a
// single decoder reads every header from byte zero to EOF; each rank
// retains entries where global_index mod N == rank. Every rank reads to
// EOF rather than terminating early, so skipped entries still consume
// their payload bytes from the shared decoder semantics even though each
// rank has its own independent *os.File and tar.Reader.
func ScanStreaming(ctx context.Context, c substrate.Collective, archivePath, cwd string) ([]Entry, error) {
	f, err := os.Open(archivePath)
	if err != nil {
		return nil, wrapErr(ErrIO, -1, xerrors.Errorf("open archive: %w", err))
	}
	defer f.Close()

	tr := tar.NewReader(f)
	rank, size := c.Rank(), c.Size()

	var out []Entry
	for i := 0; ; i++ {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, wrapErr(ErrDecode, i, xerrors.Errorf("read header %d: %w", i, err))
		}
		if i%size == rank {
			out = append(out, entryFromHeader(hdr, cwd))
		}
		// tr.Next() on the next iteration discards any unread payload
		// bytes of this entry, satisfying "skipped entries must still
		// consume their payload bytes from the decoder."
	}
	return out, nil
}
