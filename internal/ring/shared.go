// Package ring implements the shared request/response ring used between a
// guest frontend and this backend. Requests and responses share one array of
// slots; each side keeps private cursors and publishes its producer index and
// event index in a small header at the start of the shared memory.
package ring

import (
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/ehrlich-b/go-pvback/internal/proto"
)

// HeaderSize is the size of the shared header preceding the slots
const HeaderSize = 64

// Header field offsets
const (
	offReqProd  = 0
	offReqEvent = 4
	offRspProd  = 8
	offRspEvent = 12
)

var (
	// ErrOverflow means the remote producer index is further ahead than the
	// ring can hold. The connection is faulted.
	ErrOverflow = errors.New("ring overflow")
	// ErrEmpty is returned when popping from a ring with nothing unconsumed
	ErrEmpty = errors.New("ring empty")
	// ErrFull is returned when producing into a ring with no free slot
	ErrFull = errors.New("ring full")
	// ErrTooSmall means the shared memory cannot hold a single slot
	ErrTooSmall = errors.New("ring memory too small")
	// ErrMisaligned means the shared memory cannot be accessed atomically
	ErrMisaligned = errors.New("ring memory misaligned")
)

// Capacity returns the number of slots a ring of the given byte size holds:
// the largest power of two that fits after the header.
func Capacity(bytes int) uint32 {
	if bytes < HeaderSize+proto.SlotSize {
		return 0
	}
	n := uint32((bytes - HeaderSize) / proto.SlotSize)
	c := uint32(1)
	for c*2 <= n {
		c *= 2
	}
	return c
}

// shared is a view over ring memory
type shared struct {
	mem  []byte
	size uint32
	mask uint32
}

func attach(mem []byte) (*shared, error) {
	size := Capacity(len(mem))
	if size == 0 {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooSmall, len(mem))
	}
	if uintptr(unsafe.Pointer(&mem[0]))%8 != 0 {
		return nil, ErrMisaligned
	}
	return &shared{mem: mem, size: size, mask: size - 1}, nil
}

func (s *shared) field(off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&s.mem[off]))
}

func (s *shared) load(off int) uint32 {
	return atomic.LoadUint32(s.field(off))
}

func (s *shared) store(off int, v uint32) {
	atomic.StoreUint32(s.field(off), v)
}

func (s *shared) slot(idx uint32) []byte {
	off := HeaderSize + int(idx&s.mask)*proto.SlotSize
	return s.mem[off : off+proto.SlotSize]
}

// Init resets the header of fresh ring memory. Only the side that allocates
// the ring (the guest) calls this.
func Init(mem []byte) error {
	s, err := attach(mem)
	if err != nil {
		return err
	}
	s.store(offReqProd, 0)
	s.store(offRspProd, 0)
	s.store(offReqEvent, 1)
	s.store(offRspEvent, 1)
	for i := offRspEvent + 4; i < HeaderSize; i++ {
		s.mem[i] = 0
	}
	return nil
}

// notifyNeeded reports whether moving a producer index from old to new
// passed the remote's event index.
func notifyNeeded(old, new, event uint32) bool {
	return new-event < new-old
}
