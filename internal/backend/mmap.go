package backend

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// mappedFile owns an mmap'd region backed by a file under /dev/shm (or
// os.TempDir() where /dev/shm is unavailable), grounded on
// kernel/threads/sab/hal_native.go's SharedMemoryProvider.
type mappedFile struct {
	path string
	file *os.File
	data []byte
}

// DefaultDir returns the platform shared-memory directory.
func DefaultDir() string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return "/dev/shm"
	}
	return os.TempDir()
}

func createMapped(path string, size int) (*mappedFile, error) {
	path = filepath.Clean(path)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrCreationFailed, path, err)
	}
	if err := file.Truncate(int64(size)); err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: truncate %s: %v", ErrCreationFailed, path, err)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrCreationFailed, path, err)
	}
	return &mappedFile{path: path, file: file, data: data}, nil
}

func attachMapped(path string) (*mappedFile, error) {
	path = filepath.Clean(path)
	file, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrAttachFailed, path, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: stat %s: %v", ErrAttachFailed, path, err)
	}
	if info.Size() == 0 {
		_ = file.Close()
		return nil, fmt.Errorf("%w: %s has zero size", ErrAttachFailed, path)
	}
	data, err := unix.Mmap(int(file.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("%w: mmap %s: %v", ErrAttachFailed, path, err)
	}
	return &mappedFile{path: path, file: file, data: data}, nil
}

func (m *mappedFile) close(remove bool) error {
	var err error
	if m.data != nil {
		if uerr := unix.Munmap(m.data); uerr != nil {
			err = uerr
		}
		m.data = nil
	}
	if m.file != nil {
		if cerr := m.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		m.file = nil
	}
	if remove {
		if rerr := os.Remove(m.path); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}
