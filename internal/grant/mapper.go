package grant

import (
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/RoaringBitmap/roaring"

	"github.com/ehrlich-b/go-pvback/internal/constants"
	"github.com/ehrlich-b/go-pvback/internal/logging"
)

// Config tunes a Mapper
type Config struct {
	// RetryStep is the first backoff delay for EAGAIN entries; each retry
	// waits one step longer than the last.
	RetryStep time.Duration
	// RetryMaxDelay caps the delay of a single round; an entry still busy
	// once a round would wait this long fails with StatusBadPage. The total
	// backoff is the sum of every round before that.
	RetryMaxDelay time.Duration
	Logger        *logging.Logger
}

// DefaultConfig returns the standard retry budget
func DefaultConfig() Config {
	return Config{
		RetryStep:     constants.GrantRetryStep,
		RetryMaxDelay: constants.GrantRetryMaxDelay,
	}
}

// Stats are cumulative Mapper counters
type Stats struct {
	Mapped      uint64
	Unmapped    uint64
	Retries     uint64
	Failures    uint64
	Outstanding int64
}

// Mapper issues batched map and unmap calls and owns handle bookkeeping.
// It is safe for concurrent use by unrelated requests.
type Mapper struct {
	hv     Hypervisor
	config Config
	sleep  func(time.Duration)

	mapped      atomic.Uint64
	unmapped    atomic.Uint64
	retries     atomic.Uint64
	failures    atomic.Uint64
	outstanding atomic.Int64
}

// NewMapper creates a Mapper over hv
func NewMapper(hv Hypervisor, config Config) *Mapper {
	if config.RetryStep <= 0 {
		config.RetryStep = constants.GrantRetryStep
	}
	if config.RetryMaxDelay <= 0 {
		config.RetryMaxDelay = constants.GrantRetryMaxDelay
	}
	return &Mapper{hv: hv, config: config, sleep: time.Sleep}
}

// Stats returns a snapshot of the counters
func (m *Mapper) Stats() Stats {
	return Stats{
		Mapped:      m.mapped.Load(),
		Unmapped:    m.unmapped.Load(),
		Retries:     m.retries.Load(),
		Failures:    m.failures.Load(),
		Outstanding: m.outstanding.Load(),
	}
}

// MapBatch maps refs from domain into out, which must be at least len(refs)
// long. Transient failures are retried with bounded backoff. On a hard
// failure MapBatch returns an error wrapping ErrMapFailed; out then holds the
// entries that did map and the caller must pass it to UnmapBatch.
func (m *Mapper) MapBatch(domain uint16, refs []uint32, readOnly bool, out []Mapping) error {
	if len(out) < len(refs) {
		return fmt.Errorf("grant: output has %d entries for %d refs", len(out), len(refs))
	}
	for i := range out[:len(refs)] {
		out[i] = Mapping{}
	}
	if len(refs) == 0 {
		return nil
	}

	seen := roaring.New()
	for _, ref := range refs {
		if !seen.CheckedAdd(ref) {
			return fmt.Errorf("%w: ref %d", ErrDuplicateRef, ref)
		}
	}

	ops := make([]MapOp, len(refs))
	for i, ref := range refs {
		ops[i] = MapOp{Domain: domain, Ref: ref, ReadOnly: readOnly}
	}
	if err := m.hv.MapGrants(ops); err != nil {
		return fmt.Errorf("grant: map call: %w", err)
	}
	m.retryEAgain(ops)

	var first *EntryError
	for i := range ops {
		if ops[i].Status != StatusOK {
			m.failures.Add(1)
			if first == nil {
				first = &EntryError{Index: i, Ref: ops[i].Ref, Status: ops[i].Status}
			}
			continue
		}
		out[i] = Mapping{Addr: ops[i].Addr, Handle: Handle{raw: ops[i].Handle, ok: true}}
		m.mapped.Add(1)
		m.outstanding.Add(1)
	}
	if first != nil {
		if m.config.Logger != nil {
			m.config.Logger.Debug("grant map failed", "domain", domain, "ref", first.Ref, "status", first.Status.String())
		}
		return first
	}
	return nil
}

// retryEAgain re-issues EAGAIN entries, sleeping 1, 2, 3... steps between
// rounds, until they resolve or the delay reaches the limit.
func (m *Mapper) retryEAgain(ops []MapOp) {
	delay := m.config.RetryStep
	for {
		var again []int
		for i := range ops {
			if ops[i].Status == StatusEAgain {
				again = append(again, i)
			}
		}
		if len(again) == 0 {
			return
		}
		if delay >= m.config.RetryMaxDelay {
			for _, i := range again {
				ops[i].Status = StatusBadPage
			}
			if m.config.Logger != nil {
				m.config.Logger.Warn("grant map still busy, giving up", "entries", len(again))
			}
			return
		}

		m.sleep(delay)
		delay += m.config.RetryStep
		m.retries.Add(uint64(len(again)))

		sub := make([]MapOp, len(again))
		for j, i := range again {
			sub[j] = MapOp{Domain: ops[i].Domain, Ref: ops[i].Ref, ReadOnly: ops[i].ReadOnly}
		}
		if err := m.hv.MapGrants(sub); err != nil {
			for _, i := range again {
				ops[i].Status = StatusGeneralError
			}
			return
		}
		for j, i := range again {
			ops[i] = sub[j]
		}
	}
}

// UnmapBatch unmaps every live mapping in ms and resets all entries to the
// unmapped state. A hypervisor refusal means handle bookkeeping is broken,
// so it panics.
func (m *Mapper) UnmapBatch(ms []Mapping) {
	ops := make([]UnmapOp, 0, len(ms))
	for _, mp := range ms {
		if mp.Handle.ok {
			ops = append(ops, UnmapOp{Handle: mp.Handle.raw})
		}
	}
	for i := range ms {
		ms[i] = Mapping{}
	}
	if len(ops) == 0 {
		return
	}

	if err := m.hv.UnmapGrants(ops); err != nil {
		panic(fmt.Sprintf("grant: unmap call failed: %v", err))
	}
	for _, op := range ops {
		if op.Status != StatusOK {
			panic(fmt.Sprintf("grant: unmap of handle %#x failed: %s", op.Handle, op.Status))
		}
	}
	m.unmapped.Add(uint64(len(ops)))
	m.outstanding.Add(-int64(len(ops)))
}

// MapRing maps the pages of a shared ring and returns them as one byte
// slice. The pages must land contiguously.
func (m *Mapper) MapRing(domain uint16, refs []uint32) ([]byte, []Mapping, error) {
	ms := make([]Mapping, len(refs))
	if err := m.MapBatch(domain, refs, false, ms); err != nil {
		m.UnmapBatch(ms)
		return nil, nil, err
	}
	if len(refs) == 1 {
		return ms[0].Addr, ms, nil
	}

	base := unsafe.Pointer(&ms[0].Addr[0])
	for i := 1; i < len(ms); i++ {
		if unsafe.Pointer(&ms[i].Addr[0]) != unsafe.Add(base, i*constants.PageSize) {
			m.UnmapBatch(ms)
			return nil, nil, fmt.Errorf("%w: page %d", ErrNotContiguous, i)
		}
	}
	return unsafe.Slice((*byte)(base), len(refs)*constants.PageSize), ms, nil
}
