package archive

import (
	"os"
	"path/filepath"
	"sort"
	"syscall"

	"golang.org/x/xerrors"
)

// Walk recursively collects every filesystem item under roots into the
// flat, globally sorted-by-path Entry slice the Layout Planner consumes:
// entries appear in the archive in a single, global, strictly increasing
// path order, independent of which rank produced them. A symlink whose
// target cannot be read is recorded as Failed rather than aborting the
// whole walk.
func Walk(roots []string, opts Options) ([]Entry, error) {
	var entries []Entry
	for _, root := range roots {
		err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return xerrors.Errorf("walk %q: %w", path, err)
			}
			e := Entry{
				Path:  path,
				Mode:  uint32(info.Mode().Perm()),
				Mtime: info.ModTime(),
			}
			if st, ok := info.Sys().(*syscall.Stat_t); ok {
				e.UID, e.GID = int(st.Uid), int(st.Gid)
			}
			switch {
			case info.Mode()&os.ModeSymlink != 0:
				e.Kind = KindSymlink
				target, lerr := os.Readlink(path)
				if lerr != nil {
					e.Failed = true
				} else {
					e.LinkTarget = target
				}
			case info.IsDir():
				e.Kind = KindDir
			case info.Mode().IsRegular():
				e.Kind = KindFile
				e.Size = info.Size()
			default:
				e.Kind = KindOther
			}
			entries = append(entries, e)
			return nil
		})
		if err != nil {
			return nil, wrapErr(ErrInput, -1, err)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

// Partition splits a globally ordered entry slice into the contiguous,
// near-equal per-rank ranges every collective call in this package
// assumes: each rank holds a contiguous slice of the global order.
func Partition(all []Entry, rank, size int) MetadataList {
	n := len(all)
	base := n / size
	rem := n % size
	start := rank*base + min(rank, rem)
	count := base
	if rank < rem {
		count++
	}
	end := start + count
	if start > n {
		start = n
	}
	if end > n {
		end = n
	}
	return MetadataList{
		Entries:      append([]Entry(nil), all[start:end]...),
		GlobalCount:  n,
		GlobalOffset: start,
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
