//go:build !linux && !darwin

package storage

import "os"

// openMappedFile falls back to a plain read on platforms without a
// unix-style mmap syscall available through golang.org/x/sys/unix.
func openMappedFile(path string) ([]byte, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	if len(data) == 0 {
		return nil, false, ErrCorruptedSSTable
	}
	return data, false, nil
}

func unmapFile(_ []byte) error { return nil }
