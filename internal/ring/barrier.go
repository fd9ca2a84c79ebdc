package ring

import "sync/atomic"

// fence is bumped to order shared-memory accesses around index updates.
// atomic.AddInt64 compiles to LOCK XADD on x86-64, which is a full fence.
var fence int64

// wmb orders slot writes before the producer index store
func wmb() {
	atomic.AddInt64(&fence, 0)
}

// rmb orders the producer index load before slot reads
func rmb() {
	atomic.AddInt64(&fence, 0)
}

// mb is a full fence between an index store and an event index load
func mb() {
	atomic.AddInt64(&fence, 0)
}
