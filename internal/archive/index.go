package archive

import (
	"context"
	"encoding/binary"
	"os"

	"github.com/google/renameio"
	"golang.org/x/xerrors"

	"github.com/pdtar/pdtar/internal/substrate"
)

// IndexPath derives the sidecar path for an archive.
func IndexPath(archivePath string) string {
	return archivePath + ".idx"
}

// WriteIndex implements the Index Sidecar writer: rank 0 creates/truncates
// the sidecar, every rank computes its element offset via an exclusive
// prefix-scan of its local entry count, and each rank writes its packed
// big-endian offsets at that element offset.
func WriteIndex(ctx context.Context, c substrate.Collective, archivePath string, offsets []int64) error {
	idxPath := IndexPath(archivePath)

	localCount := uint64(len(offsets))
	elemOffset, err := c.ExclusiveScanUint64(ctx, localCount)
	if err != nil {
		return wrapErr(ErrIndex, -1, xerrors.Errorf("index prefix-scan: %w", err))
	}
	totalCount, err := c.AllReduceSumUint64(ctx, localCount)
	if err != nil {
		return wrapErr(ErrIndex, -1, xerrors.Errorf("index all-reduce: %w", err))
	}

	if c.Rank() == 0 {
		// Create/truncate the sidecar to its final size in one atomic
		// commit, so no rank ever observes a half-truncated file at
		// idxPath before racing in with its positional write below.
		t, err := renameio.TempFile("", idxPath)
		if err != nil {
			return wrapErr(ErrIndex, -1, xerrors.Errorf("create sidecar: %w", err))
		}
		defer t.Cleanup()
		if err := t.Truncate(int64(totalCount) * 8); err != nil {
			return wrapErr(ErrIndex, -1, err)
		}
		if err := t.CloseAtomicallyReplace(); err != nil {
			return wrapErr(ErrIndex, -1, xerrors.Errorf("commit sidecar: %w", err))
		}
	}
	if err := c.Barrier(ctx); err != nil {
		return wrapErr(ErrIO, -1, err)
	}

	packed := make([]byte, 8*len(offsets))
	for i, off := range offsets {
		binary.BigEndian.PutUint64(packed[i*8:], uint64(off))
	}

	ok := true
	f, err := os.OpenFile(idxPath, os.O_WRONLY, 0644)
	if err != nil {
		ok = false
	} else {
		_, werr := f.WriteAt(packed, int64(elemOffset)*8)
		if cerr := f.Close(); werr == nil {
			werr = cerr
		}
		if werr != nil {
			ok = false
		}
	}

	allOK, err := c.AllTrue(ctx, ok)
	if err != nil {
		return wrapErr(ErrIndex, -1, err)
	}
	if !allOK {
		return wrapErr(ErrIndex, -1, xerrors.New("one or more ranks failed to write the index sidecar"))
	}
	return nil
}

// Index is the decoded sidecar content: one archive offset per entry, in
// global order, in host byte order.
type Index struct {
	Offsets []int64
}

// ReadIndex implements the Index Sidecar reader: rank 0 stats the sidecar
// and broadcasts existence, count and packed bytes to every rank. A
// missing or unreadable sidecar is reported via ok=false, which triggers
// the Metadata Scanner's streaming fallback.
func ReadIndex(ctx context.Context, c substrate.Collective, archivePath string) (idx Index, ok bool, err error) {
	idxPath := IndexPath(archivePath)

	var packed []byte
	if c.Rank() == 0 {
		b, rerr := os.ReadFile(idxPath)
		if rerr == nil && len(b)%8 == 0 {
			packed = b
		}
	}

	exists := c.Rank() == 0 && packed != nil
	existsByte := []byte{0}
	if exists {
		existsByte[0] = 1
	}
	existsByte, err = c.Broadcast(ctx, 0, existsByte)
	if err != nil {
		return Index{}, false, wrapErr(ErrIO, -1, err)
	}
	if len(existsByte) == 0 || existsByte[0] == 0 {
		return Index{}, false, nil
	}

	packed, err = c.Broadcast(ctx, 0, packed)
	if err != nil {
		return Index{}, false, wrapErr(ErrIO, -1, err)
	}

	n := len(packed) / 8
	idx.Offsets = make([]int64, n)
	for i := 0; i < n; i++ {
		idx.Offsets[i] = int64(binary.BigEndian.Uint64(packed[i*8:]))
	}
	return idx, true, nil
}
