package ring

import (
	"fmt"

	"github.com/ehrlich-b/go-pvback/internal/proto"
)

// BackRing is the backend side of a ring: it consumes requests and produces
// responses. A BackRing is owned by a single goroutine.
type BackRing struct {
	s          *shared
	reqCons    uint32
	rspProdPvt uint32
	faulted    bool
}

// NewBackRing attaches to ring memory already initialized by the guest
func NewBackRing(mem []byte) (*BackRing, error) {
	s, err := attach(mem)
	if err != nil {
		return nil, err
	}
	// Pick up where the guest's view of the ring stands; a fresh ring starts at 0.
	rsp := s.load(offRspProd)
	return &BackRing{s: s, reqCons: rsp, rspProdPvt: rsp}, nil
}

// Size is the slot count
func (r *BackRing) Size() uint32 {
	return r.s.size
}

// Consumed is the private request consumer index
func (r *BackRing) Consumed() uint32 {
	return r.reqCons
}

// Produced is the private response producer index, including responses not
// yet published.
func (r *BackRing) Produced() uint32 {
	return r.rspProdPvt
}

// Faulted reports whether an overflow has been detected
func (r *BackRing) Faulted() bool {
	return r.faulted
}

// RequestsAvailable returns the number of unconsumed requests. It fails with
// ErrOverflow when the guest's producer index is more than a ring ahead of
// the responses this side has produced.
func (r *BackRing) RequestsAvailable() (uint32, error) {
	if r.faulted {
		return 0, ErrOverflow
	}
	prod := r.s.load(offReqProd)
	rmb()
	if prod-r.rspProdPvt > r.s.size {
		r.faulted = true
		return 0, fmt.Errorf("%w: req_prod=%d rsp_prod=%d size=%d", ErrOverflow, prod, r.rspProdPvt, r.s.size)
	}
	return prod - r.reqCons, nil
}

// Peek decodes the request at the consumer index without consuming it. The
// slot is copied out before decoding so guest writes after this point cannot
// change what the caller validates.
func (r *BackRing) Peek(req *proto.Request) error {
	n, err := r.RequestsAvailable()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrEmpty
	}
	var raw [proto.RequestSize]byte
	copy(raw[:], r.s.slot(r.reqCons))
	return proto.UnmarshalRequest(raw[:], req)
}

// Advance consumes the request returned by the last Peek
func (r *BackRing) Advance() {
	r.reqCons++
}

// Pop decodes and consumes the next request
func (r *BackRing) Pop(req *proto.Request) error {
	if err := r.Peek(req); err != nil {
		return err
	}
	r.Advance()
	return nil
}

// PushResponse writes a response into the next response slot. It is not
// visible to the guest until FinalizeAndNotify.
func (r *BackRing) PushResponse(rsp *proto.Response) error {
	if r.rspProdPvt == r.reqCons {
		// every consumed request already has a response
		return ErrFull
	}
	var raw [proto.ResponseSize]byte
	if err := proto.MarshalResponse(raw[:], rsp); err != nil {
		return err
	}
	copy(r.s.slot(r.rspProdPvt), raw[:])
	r.rspProdPvt++
	return nil
}

// FinalizeAndNotify publishes pushed responses and reports whether the guest
// asked to be notified about any of them.
func (r *BackRing) FinalizeAndNotify() bool {
	old := r.s.load(offRspProd)
	next := r.rspProdPvt
	if old == next {
		return false
	}
	wmb()
	r.s.store(offRspProd, next)
	mb()
	return notifyNeeded(old, next, r.s.load(offRspEvent))
}

// FinalCheck reports whether requests remain after arming the request event
// index, closing the race with a guest that produced just before the arm.
func (r *BackRing) FinalCheck() (bool, error) {
	n, err := r.RequestsAvailable()
	if err != nil || n > 0 {
		return n > 0, err
	}
	r.s.store(offReqEvent, r.reqCons+1)
	mb()
	n, err = r.RequestsAvailable()
	return n > 0, err
}
