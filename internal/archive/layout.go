package archive

import (
	"archive/tar"
	"context"
	"io"
	"path/filepath"
	"strings"

	"github.com/orcaman/writerseeker"
	"golang.org/x/xerrors"

	"github.com/pdtar/pdtar/internal/substrate"
)

// maxScratchHeader is the scratch-buffer ceiling: large extended
// attributes/ACLs can inflate a single pax header well past a kilobyte,
// so at least 128 MiB of headroom is provisioned. writerseeker.WriterSeeker
// grows unbounded in Go, so this cap is enforced explicitly to preserve a
// scratch-buffer-exhaustion error surface instead of an unbounded memory
// grab.
const maxScratchHeader = 128 << 20

// minimalHeaderSize is the header slot reserved for an entry the planner
// could not encode (e.g. a symlink target too long to resolve).
const minimalHeaderSize = 512

// PlanLayout implements the Layout Planner: it dry-run encodes each local
// entry's pax header to measure header_size, computes each entry's
// archive contribution, and derives archive_offset via an exclusive
// prefix-scan across ranks plus an all-reduce for the total.
func PlanLayout(ctx context.Context, c substrate.Collective, list MetadataList, cwd string, opts Options) (Layout, error) {
	n := len(list.Entries)
	layout := Layout{
		HeaderSize:    make([]int64, n),
		ArchiveOffset: make([]int64, n),
	}

	localPrefix := make([]int64, n)
	var local int64
	for i, e := range list.Entries {
		hsize, err := dryRunHeaderSize(e, cwd, opts)
		if err != nil {
			return Layout{}, wrapErr(ErrLayout, list.GlobalOffset+i, err)
		}
		layout.HeaderSize[i] = hsize

		var contribution int64
		switch {
		case e.Failed || e.Kind == KindOther:
			contribution = hsize
		case e.Kind == KindFile:
			contribution = hsize + RoundUp512(e.Size)
		default:
			contribution = hsize
		}
		localPrefix[i] = local
		local += contribution
	}

	base, err := c.ExclusiveScanUint64(ctx, uint64(local))
	if err != nil {
		return Layout{}, wrapErr(ErrIO, -1, xerrors.Errorf("layout prefix-scan: %w", err))
	}
	total, err := c.AllReduceSumUint64(ctx, uint64(local))
	if err != nil {
		return Layout{}, wrapErr(ErrIO, -1, xerrors.Errorf("layout all-reduce: %w", err))
	}

	globalBase := int64(base)
	for i := range list.Entries {
		layout.ArchiveOffset[i] = globalBase + localPrefix[i]
	}
	layout.TotalBytes = int64(total)
	return layout, nil
}

// dryRunHeaderSize encodes e's pax header into an in-memory scratch buffer
// and returns the number of bytes consumed, without retaining the
// encoded bytes. Unsupported kinds contribute nothing; entries already
// marked Failed contribute a minimal reserved slot instead of being
// encoded.
func dryRunHeaderSize(e Entry, cwd string, opts Options) (int64, error) {
	if e.Kind == KindOther {
		return 0, nil
	}
	if e.Failed {
		return minimalHeaderSize, nil
	}

	hdr, err := buildTarHeader(e, cwd, opts)
	if err != nil {
		return 0, xerrors.Errorf("encode header for %q: %w", e.Path, err)
	}

	buf := &writerseeker.WriterSeeker{}
	tw := tar.NewWriter(buf)
	if err := tw.WriteHeader(hdr); err != nil {
		return 0, xerrors.Errorf("write header: %w", err)
	}
	// The header (and, for PAX, its preceding extended-attribute record)
	// is flushed synchronously by WriteHeader; tw is deliberately never
	// Close()d or Flush()d further so no end-of-archive trailer or
	// payload padding leaks into the measurement.
	n, err := buf.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, xerrors.Errorf("measure scratch buffer: %w", err)
	}
	if n > maxScratchHeader {
		return 0, xerrors.Errorf("header for %q exceeded %d byte scratch buffer", e.Path, maxScratchHeader)
	}
	return n, nil
}

// relativizePath reduces e.Path against cwd to produce the archive-stored
// name.
func relativizePath(path, cwd string) (string, error) {
	if cwd == "" {
		return strings.TrimPrefix(path, "/"), nil
	}
	rel, err := filepath.Rel(cwd, path)
	if err != nil {
		return "", xerrors.Errorf("relativize %q against %q: %w", path, cwd, err)
	}
	return filepath.ToSlash(rel), nil
}

// buildTarHeader implements the stat-based encoding mode, built from the
// same walk-time Entry snapshot PlanLayout sized the header from.
// Preserve-attributes' on-disk extended-attribute/ACL capture is out of
// scope (see entry.go's Options.Preserve); this is the only encoding
// mode, used identically by both the dry-run sizing pass and the real
// write.
func buildTarHeader(e Entry, cwd string, opts Options) (*tar.Header, error) {
	name, err := relativizePath(e.Path, cwd)
	if err != nil {
		return nil, err
	}

	hdr := &tar.Header{
		Name:    name,
		ModTime: e.Mtime,
		Mode:    int64(e.Mode),
		Uid:     e.UID,
		Gid:     e.GID,
		Format:  tar.FormatPAX,
	}
	switch e.Kind {
	case KindFile:
		hdr.Typeflag = tar.TypeReg
		hdr.Size = e.Size
	case KindDir:
		hdr.Typeflag = tar.TypeDir
		if !strings.HasSuffix(hdr.Name, "/") {
			hdr.Name += "/"
		}
	case KindSymlink:
		hdr.Typeflag = tar.TypeSymlink
		hdr.Linkname = e.LinkTarget
	default:
		return nil, xerrors.Errorf("unsupported entry kind %v", e.Kind)
	}
	return hdr, nil
}
