//go:build linux || darwin

package storage

import (
	"os"

	"golang.org/x/sys/unix"
)

// openMappedFile opens path and memory-maps it read-only, returning the
// mapped bytes and true. SST files never need to be writable once
// finished, so the mapping is PROT_READ / MAP_SHARED throughout its
// lifetime, per Design Notes' "SST owns the mapping" guidance.
func openMappedFile(path string) ([]byte, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, false, err
	}
	size := info.Size()
	if size == 0 {
		return nil, false, ErrCorruptedSSTable
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		// Fall back to a plain read; some filesystems (tmpfs edge cases,
		// certain CI sandboxes) reject mmap even though the file itself
		// is fine.
		raw, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, false, readErr
		}
		return raw, false, nil
	}

	if err := unix.Madvise(data, unix.MADV_RANDOM); err != nil {
		unix.Munmap(data)
		return nil, false, err
	}

	return data, true, nil
}

func unmapFile(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return unix.Munmap(data)
}
