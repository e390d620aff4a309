package archive

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"
)

// preallocateFile truncates/creates path and preallocates size bytes on
// disk. Rank 0 calls this before any header or payload byte is written,
// to avoid sparse-file fragmentation and to fail fast on out-of-space.
func preallocateFile(path string, size int64) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return wrapErr(ErrIO, -1, xerrors.Errorf("open %q: %w", path, err))
	}
	defer f.Close()

	if size > 0 {
		if err := unix.Fallocate(int(f.Fd()), 0, 0, size); err != nil {
			// Fallocate is unsupported on some filesystems (e.g. tmpfs on
			// older kernels, some network filesystems); fall back to a
			// plain truncate, which at least reserves the logical size.
			if err := f.Truncate(size); err != nil {
				return wrapErr(ErrIO, -1, xerrors.Errorf("preallocate %q: %w", path, err))
			}
			return nil
		}
	}
	return f.Truncate(size)
}
