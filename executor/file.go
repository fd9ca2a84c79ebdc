package executor

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// File is a Store over a regular file or block device
type File struct {
	f    *os.File
	fd   int
	size int64
}

// OpenFile opens path as a store. When size is positive the file is created
// if needed and truncated or extended to size; otherwise its current size is
// used.
func OpenFile(path string, size int64, readOnly bool) (*File, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	} else if size > 0 {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	if size > 0 && !readOnly {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return nil, fmt.Errorf("truncate %s: %w", path, err)
		}
	} else {
		size, err = f.Seek(0, io.SeekEnd)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("size of %s: %w", path, err)
		}
	}
	return &File{f: f, fd: int(f.Fd()), size: size}, nil
}

// ReadAt implements Store
func (s *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > s.size {
		return 0, fmt.Errorf("%w: read at %d", ErrOutOfRange, off)
	}
	if rest := s.size - off; int64(len(p)) > rest {
		p = p[:rest]
	}
	n := 0
	for n < len(p) {
		m, err := unix.Pread(s.fd, p[n:], off+int64(n))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return n, err
		}
		if m == 0 {
			// sparse tail of a file shorter than its nominal size
			clear(p[n:])
			return len(p), nil
		}
		n += m
	}
	return n, nil
}

// WriteAt implements Store
func (s *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= s.size {
		return 0, fmt.Errorf("%w: write at %d", ErrOutOfRange, off)
	}
	if rest := s.size - off; int64(len(p)) > rest {
		p = p[:rest]
	}
	n := 0
	for n < len(p) {
		m, err := unix.Pwrite(s.fd, p[n:], off+int64(n))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return n, err
		}
		n += m
	}
	return n, nil
}

// Size implements Store
func (s *File) Size() int64 {
	return s.size
}

// Sync implements Store
func (s *File) Sync() error {
	return unix.Fdatasync(s.fd)
}

// Close implements Store
func (s *File) Close() error {
	return s.f.Close()
}

var _ Store = (*File)(nil)
