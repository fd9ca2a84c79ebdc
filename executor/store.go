// Package executor provides the stock command executors: a SCSI interpreter
// that runs guest commands against block stores held in RAM, in files or
// behind io_uring.
package executor

import (
	"errors"
	"fmt"
	"sync"
)

// ErrOutOfRange is returned for accesses past the end of a store
var ErrOutOfRange = errors.New("access beyond end of store")

// Store is random-access block storage behind one SCSI LUN
type Store interface {
	ReadAt(p []byte, off int64) (int, error)
	WriteAt(p []byte, off int64) (int, error)
	Size() int64
	Sync() error
	Close() error
}

// Memory is a RAM-backed Store
type Memory struct {
	data []byte
	size int64
	mu   sync.RWMutex
}

// NewMemory creates a zeroed memory store of the specified size
func NewMemory(size int64) *Memory {
	return &Memory{
		data: make([]byte, size),
		size: size,
	}
}

// ReadAt implements Store. Reads stop at the end of the store.
func (m *Memory) ReadAt(p []byte, off int64) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if off < 0 || off > m.size {
		return 0, fmt.Errorf("%w: read at %d", ErrOutOfRange, off)
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(p, m.data[off:off+int64(len(p))]), nil
}

// WriteAt implements Store. Writes stop at the end of the store.
func (m *Memory) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if off < 0 || off >= m.size {
		return 0, fmt.Errorf("%w: write at %d", ErrOutOfRange, off)
	}
	available := m.size - off
	if int64(len(p)) > available {
		p = p[:available]
	}
	return copy(m.data[off:off+int64(len(p))], p), nil
}

// Size implements Store
func (m *Memory) Size() int64 {
	return m.size
}

// Sync implements Store; memory needs no syncing
func (m *Memory) Sync() error {
	return nil
}

// Close implements Store
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	m.size = 0
	return nil
}

// Discard zeroes a range
func (m *Memory) Discard(offset, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if offset < 0 || length < 0 {
		return fmt.Errorf("%w: discard %d+%d", ErrOutOfRange, offset, length)
	}
	if offset >= m.size {
		return nil
	}
	end := offset + length
	if end > m.size {
		end = m.size
	}
	clear(m.data[offset:end])
	return nil
}

var _ Store = (*Memory)(nil)
