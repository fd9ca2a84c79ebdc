package ring

import (
	"github.com/ehrlich-b/go-pvback/internal/proto"
)

// FrontRing is the guest side of a ring: it produces requests and consumes
// responses. The simulator and tests drive the backend through it.
type FrontRing struct {
	s          *shared
	reqProdPvt uint32
	rspCons    uint32
}

// NewFrontRing initializes mem as a fresh ring and returns its guest side
func NewFrontRing(mem []byte) (*FrontRing, error) {
	if err := Init(mem); err != nil {
		return nil, err
	}
	s, err := attach(mem)
	if err != nil {
		return nil, err
	}
	return &FrontRing{s: s}, nil
}

// Size is the slot count
func (f *FrontRing) Size() uint32 {
	return f.s.size
}

// Free is the number of request slots that can be produced without
// overrunning unconsumed responses.
func (f *FrontRing) Free() uint32 {
	return f.s.size - (f.reqProdPvt - f.rspCons)
}

// PushRequest writes a request into the next slot. It is not visible to the
// backend until Publish.
func (f *FrontRing) PushRequest(req *proto.Request) error {
	if f.Free() == 0 {
		return ErrFull
	}
	var raw [proto.RequestSize]byte
	if err := proto.MarshalRequest(raw[:], req); err != nil {
		return err
	}
	copy(f.s.slot(f.reqProdPvt), raw[:])
	f.reqProdPvt++
	return nil
}

// Publish makes pushed requests visible and reports whether the backend
// should be notified.
func (f *FrontRing) Publish() bool {
	old := f.s.load(offReqProd)
	next := f.reqProdPvt
	if old == next {
		return false
	}
	wmb()
	f.s.store(offReqProd, next)
	mb()
	return notifyNeeded(old, next, f.s.load(offReqEvent))
}

// ResponsesAvailable returns the number of unconsumed responses
func (f *FrontRing) ResponsesAvailable() uint32 {
	prod := f.s.load(offRspProd)
	rmb()
	return prod - f.rspCons
}

// PopResponse decodes and consumes the next response
func (f *FrontRing) PopResponse(rsp *proto.Response) error {
	if f.ResponsesAvailable() == 0 {
		return ErrEmpty
	}
	var raw [proto.ResponseSize]byte
	copy(raw[:], f.s.slot(f.rspCons))
	f.rspCons++
	return proto.UnmarshalResponse(raw[:], rsp)
}

// FinalCheck arms the response event index and reports whether responses
// arrived meanwhile.
func (f *FrontRing) FinalCheck() bool {
	if f.ResponsesAvailable() > 0 {
		return true
	}
	f.s.store(offRspEvent, f.rspCons+1)
	mb()
	return f.ResponsesAvailable() > 0
}

// Outstanding is the number of requests produced whose responses have not
// been consumed.
func (f *FrontRing) Outstanding() uint32 {
	return f.reqProdPvt - f.rspCons
}
