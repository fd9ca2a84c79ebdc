package queue

import (
	"sync"

	"github.com/ehrlich-b/go-pvback/internal/constants"
)

// Bounce buffers for executors that need one contiguous buffer per command
// instead of the scattered guest segments. Sizes are bucketed by powers of
// four up to the largest possible request.
//
// Uses *[]byte to avoid the sync.Pool interface allocation.

const (
	size4k  = constants.PageSize
	size16k = 4 * constants.PageSize
	size64k = constants.BounceBufferMax
)

var bounce = struct {
	pool4k  sync.Pool
	pool16k sync.Pool
	pool64k sync.Pool
}{
	pool4k:  sync.Pool{New: func() any { b := make([]byte, size4k); return &b }},
	pool16k: sync.Pool{New: func() any { b := make([]byte, size16k); return &b }},
	pool64k: sync.Pool{New: func() any { b := make([]byte, size64k); return &b }},
}

// GetBuffer returns a pooled buffer of exactly size bytes. Sizes above the
// largest bucket are allocated. Caller must call PutBuffer when done.
func GetBuffer(size int) []byte {
	switch {
	case size <= size4k:
		return (*bounce.pool4k.Get().(*[]byte))[:size]
	case size <= size16k:
		return (*bounce.pool16k.Get().(*[]byte))[:size]
	case size <= size64k:
		return (*bounce.pool64k.Get().(*[]byte))[:size]
	default:
		return make([]byte, size)
	}
}

// PutBuffer returns a buffer to its bucket
func PutBuffer(buf []byte) {
	c := cap(buf)
	buf = buf[:c]
	switch c {
	case size4k:
		bounce.pool4k.Put(&buf)
	case size16k:
		bounce.pool16k.Put(&buf)
	case size64k:
		bounce.pool64k.Put(&buf)
	}
}
