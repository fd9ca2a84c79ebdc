// Package pending provides the fixed-size pool of in-flight request contexts.
package pending

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrStaleHandle means the handle's slot was released or reallocated
	ErrStaleHandle = errors.New("stale pending request handle")
	ErrInvalidSize = errors.New("invalid pool size")
)

// Handle names one allocation of a pool slot. Handles from earlier
// allocations of the same slot are stale. The zero Handle is never valid.
type Handle struct {
	idx uint32
	gen uint32
}

// Valid reports whether h was returned by Allocate
func (h Handle) Valid() bool {
	return h.gen != 0
}

// Index is the slot index, stable across reuse
func (h Handle) Index() int {
	return int(h.idx)
}

// Key packs the handle into one integer, unique among live handles of a pool
func (h Handle) Key() uint64 {
	return uint64(h.gen)<<32 | uint64(h.idx)
}

func (h Handle) String() string {
	return fmt.Sprintf("%d/%d", h.idx, h.gen)
}

type slot[T any] struct {
	val   T
	gen   uint32
	inUse bool
}

// Stats is a consistent snapshot of pool accounting. InUse+Free == Size.
type Stats struct {
	Size        int
	InUse       int
	Free        int
	Allocations uint64
	Releases    uint64
	Exhausted   uint64
}

// Pool is a fixed set of T slots recycled through a free list. Allocate never
// blocks; callers wait on Available when it returns false.
type Pool[T any] struct {
	mu    sync.Mutex
	slots []slot[T]
	free  []uint32
	reset func(*T)
	// avail is closed while the free list is non-empty
	avail chan struct{}

	allocations uint64
	releases    uint64
	exhausted   uint64
}

// New creates a pool of size slots. reset clears a value on release; nil
// means reset to the zero value.
func New[T any](size int, reset func(*T)) (*Pool[T], error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	p := &Pool[T]{
		slots: make([]slot[T], size),
		free:  make([]uint32, size),
		reset: reset,
		avail: make(chan struct{}),
	}
	// hand out low indices first
	for i := range p.free {
		p.free[i] = uint32(size - 1 - i)
	}
	close(p.avail)
	return p, nil
}

// Size is the fixed slot count
func (p *Pool[T]) Size() int {
	return len(p.slots)
}

// Allocate takes a free slot. ok is false when the pool is exhausted.
func (p *Pool[T]) Allocate() (h Handle, v *T, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		p.exhausted++
		return Handle{}, nil, false
	}
	idx := p.free[n-1]
	p.free = p.free[:n-1]
	if n == 1 {
		p.avail = make(chan struct{})
	}

	s := &p.slots[idx]
	s.gen++
	if s.gen == 0 {
		s.gen = 1
	}
	s.inUse = true
	p.allocations++
	return Handle{idx: idx, gen: s.gen}, &s.val, true
}

// Get returns the value behind a live handle
func (p *Pool[T]) Get(h Handle) (*T, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.lookupLocked(h)
	if err != nil {
		return nil, err
	}
	return &s.val, nil
}

func (p *Pool[T]) lookupLocked(h Handle) (*slot[T], error) {
	if !h.Valid() || int(h.idx) >= len(p.slots) {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	s := &p.slots[h.idx]
	if !s.inUse || s.gen != h.gen {
		return nil, fmt.Errorf("%w: %s", ErrStaleHandle, h)
	}
	return s, nil
}

// Release clears the slot and returns it to the free list. Releasing into an
// empty pool wakes everyone waiting on Available.
func (p *Pool[T]) Release(h Handle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, err := p.lookupLocked(h)
	if err != nil {
		return err
	}
	if p.reset != nil {
		p.reset(&s.val)
	} else {
		var zero T
		s.val = zero
	}
	s.inUse = false
	p.free = append(p.free, h.idx)
	p.releases++
	if len(p.free) == 1 {
		close(p.avail)
	}
	return nil
}

// Available returns a channel that is closed once the pool has a free slot.
// A channel obtained while the pool is exhausted closes on the next Release.
func (p *Pool[T]) Available() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.avail
}

// Stats returns a snapshot of the pool accounting
func (p *Pool[T]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:        len(p.slots),
		InUse:       len(p.slots) - len(p.free),
		Free:        len(p.free),
		Allocations: p.allocations,
		Releases:    p.releases,
		Exhausted:   p.exhausted,
	}
}
