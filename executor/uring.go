//go:build giouring
// +build giouring

package executor

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/pawelgaczynski/giouring"
	"golang.org/x/sys/unix"
)

// Uring is a file Store whose I/O goes through an io_uring instance
type Uring struct {
	*File

	mu   sync.Mutex
	ring *giouring.Ring
	seq  uint64
}

// OpenUring opens path like OpenFile and attaches a ring of the given depth
func OpenUring(path string, size int64, readOnly bool, entries uint32) (*Uring, error) {
	f, err := OpenFile(path, size, readOnly)
	if err != nil {
		return nil, err
	}
	ring, err := giouring.CreateRing(entries)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("create io_uring: %w", err)
	}
	return &Uring{File: f, ring: ring}, nil
}

// submit runs one prepared operation and waits for its completion
func (u *Uring) submit(prep func(sqe *giouring.SubmissionQueueEntry)) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()

	sqe := u.ring.GetSQE()
	if sqe == nil {
		return 0, unix.EBUSY
	}
	prep(sqe)
	u.seq++
	sqe.SetData64(u.seq)

	if _, err := u.ring.SubmitAndWait(1); err != nil {
		return 0, fmt.Errorf("io_uring submit: %w", err)
	}
	cqe, err := u.ring.WaitCQE()
	if err != nil {
		return 0, fmt.Errorf("io_uring wait: %w", err)
	}
	res := cqe.Res
	u.ring.CQESeen(cqe)
	if res < 0 {
		return 0, unix.Errno(-res)
	}
	return int(res), nil
}

// ReadAt implements Store
func (u *Uring) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || off > u.size {
		return 0, fmt.Errorf("%w: read at %d", ErrOutOfRange, off)
	}
	if rest := u.size - off; int64(len(p)) > rest {
		p = p[:rest]
	}
	n := 0
	for n < len(p) {
		chunk := p[n:]
		m, err := u.submit(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareRead(u.fd, uintptr(unsafe.Pointer(&chunk[0])), uint32(len(chunk)), uint64(off)+uint64(n))
		})
		if err != nil {
			return n, err
		}
		if m == 0 {
			clear(chunk)
			return len(p), nil
		}
		n += m
	}
	return n, nil
}

// WriteAt implements Store
func (u *Uring) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 || off >= u.size {
		return 0, fmt.Errorf("%w: write at %d", ErrOutOfRange, off)
	}
	if rest := u.size - off; int64(len(p)) > rest {
		p = p[:rest]
	}
	n := 0
	for n < len(p) {
		chunk := p[n:]
		m, err := u.submit(func(sqe *giouring.SubmissionQueueEntry) {
			sqe.PrepareWrite(u.fd, uintptr(unsafe.Pointer(&chunk[0])), uint32(len(chunk)), uint64(off)+uint64(n))
		})
		if err != nil {
			return n, err
		}
		n += m
	}
	return n, nil
}

// Sync implements Store
func (u *Uring) Sync() error {
	_, err := u.submit(func(sqe *giouring.SubmissionQueueEntry) {
		sqe.PrepareFsync(u.fd, 0)
	})
	return err
}

// Close implements Store
func (u *Uring) Close() error {
	u.mu.Lock()
	u.ring.QueueExit()
	u.mu.Unlock()
	return u.File.Close()
}

var _ Store = (*Uring)(nil)
