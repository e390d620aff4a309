// Package archive implements the offset-planning and parallel-streaming
// engine shared by archive creation and extraction: the layout planner, the
// index sidecar, the pax header writer/scanner and the chunk scheduler.
package archive

import (
	"time"

	"golang.org/x/xerrors"
)

// Kind is the closed set of filesystem item kinds the planner, header
// writer and scheduler branch on. Unknown kinds contribute nothing to the
// archive and are skipped.
type Kind int

const (
	KindOther Kind = iota
	KindFile
	KindDir
	KindSymlink
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "dir"
	case KindSymlink:
		return "symlink"
	default:
		return "other"
	}
}

// Entry describes one filesystem item destined for (or recovered from) the
// archive. Entries are immutable during a run.
type Entry struct {
	// Path is the absolute source path on create, or the archive-relative
	// path reduced against a working directory on extract.
	Path string
	Kind Kind
	Size int64 // 0 for non-regular entries

	Mode  uint32
	UID   int
	GID   int
	Mtime time.Time

	// LinkTarget is the symlink target; only meaningful for KindSymlink.
	LinkTarget string

	// Failed records an entry the planner could not size (e.g. a symlink
	// whose target exceeded the readlink buffer). The entry still
	// reserves a header slot; its payload contribution, if any, is zero.
	Failed bool
}

// MetadataList is the ordered, per-rank-partitioned sequence of entries
// that a create run consumes or an extract run produces. Each rank holds a
// contiguous slice of the global order.
type MetadataList struct {
	// Entries is this rank's contiguous slice, in global order.
	Entries []Entry
	// GlobalCount is the total entry count across all ranks.
	GlobalCount int
	// GlobalOffset is the global index of Entries[0].
	GlobalOffset int
}

// Layout holds, for each local entry, the computed header size and
// archive offset.
type Layout struct {
	HeaderSize    []int64
	ArchiveOffset []int64
	// TotalBytes is the all-reduced total: the byte offset of the
	// end-of-archive trailer.
	TotalBytes int64
}

// RoundUp512 rounds n up to the next multiple of 512, the tar block size.
// n == 0 is special-cased to a full 512-byte block rather than 0: an
// empty file's archive contribution is header_size + 512 bytes (an
// all-zero payload block), which only holds if pad(0) == 512 — see
// DESIGN.md's Open Question decisions for why this takes precedence over
// the generic "(512 - (s mod 512)) mod 512" padding formula, which would
// otherwise give 0 for an empty file.
func RoundUp512(n int64) int64 {
	if n == 0 {
		return 512
	}
	const block = 512
	return (n + block - 1) / block * block
}

// Options are the knobs consumed by the core.
type Options struct {
	ChunkSize int64
	BlockSize int64

	// Preserve selects preserve-attributes mode. It has no effect: create
	// always uses the stat-based header encoding built from the walk-time
	// Entry, which carries no extended attributes or ACLs, and extract
	// restores none.
	Preserve bool

	// TProgress is the progress reduction period; <= 0 disables periodic
	// progress.
	TProgress time.Duration

	// DryRun plans the layout (on create) or scans the archive (on
	// extract) without writing the archive, its index sidecar or any
	// payload bytes.
	DryRun bool

	// ProgressLogPath, if non-empty, tees progress lines to this file in
	// addition to the logger's usual writer.
	ProgressLogPath string
}

func (o Options) chunkSize() int64 {
	if o.ChunkSize <= 0 {
		return 1 << 20 // 1 MiB default, matches typical mpiFileUtils defaults
	}
	return o.ChunkSize
}

func (o Options) blockSize() int64 {
	if o.BlockSize <= 0 {
		return 1 << 16
	}
	return o.BlockSize
}

// ErrKind is the closed set of error kinds the core reports.
type ErrKind int

const (
	ErrIO ErrKind = iota
	ErrEncode
	ErrDecode
	ErrLayout
	ErrIndex
	ErrInput
	ErrProtocol
)

func (k ErrKind) String() string {
	switch k {
	case ErrIO:
		return "IoError"
	case ErrEncode:
		return "EncodeError"
	case ErrDecode:
		return "DecodeError"
	case ErrLayout:
		return "LayoutError"
	case ErrIndex:
		return "IndexError"
	case ErrInput:
		return "InputError"
	case ErrProtocol:
		return "ProtocolError"
	default:
		return "Error"
	}
}

// Error wraps a cause with its ErrKind and, where applicable, the local
// entry index that failed.
type Error struct {
	Kind  ErrKind
	Entry int // -1 when not entry-scoped
	Err   error
}

func (e *Error) Error() string {
	if e.Entry >= 0 {
		return xerrors.Errorf("%s (entry %d): %w", e.Kind, e.Entry, e.Err).Error()
	}
	return xerrors.Errorf("%s: %w", e.Kind, e.Err).Error()
}

func (e *Error) Unwrap() error { return e.Err }

// wrapErr is the common constructor used across the package.
func wrapErr(kind ErrKind, entry int, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Entry: entry, Err: err}
}
