package queue

import (
	"time"

	"github.com/ehrlich-b/go-pvback/internal/grant"
	"github.com/ehrlich-b/go-pvback/internal/interfaces"
	"github.com/ehrlich-b/go-pvback/internal/pending"
	"github.com/ehrlich-b/go-pvback/internal/proto"
	"github.com/ehrlich-b/go-pvback/internal/vdev"
)

// RequestState tracks one request through dispatch
type RequestState int

const (
	StateDecoded           RequestState = iota // copied off the ring
	StateValidated                             // fields within bounds, device resolved
	StateResourcesAcquired                     // pool entry held, segments mapped
	StateDispatched                            // owned by the executor until completion
	StateCompleted                             // response written
)

func (s RequestState) String() string {
	switch s {
	case StateDecoded:
		return "decoded"
	case StateValidated:
		return "validated"
	case StateResourcesAcquired:
		return "resources_acquired"
	case StateDispatched:
		return "dispatched"
	case StateCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Pending is the backend-side context of one in-flight guest request
type Pending struct {
	owner    *Worker
	state    RequestState
	req      proto.Request
	target   vdev.Target
	mappings [proto.MaxSegmentsPerRequest]grant.Mapping
	segs     [proto.MaxSegmentsPerRequest][]byte
	cmd      interfaces.Command
	started  time.Time
}

// Pool is the process-wide pool of pending request contexts
type Pool = pending.Pool[Pending]

// NewPool creates a pool of size pending request contexts
func NewPool(size int) (*Pool, error) {
	return pending.New[Pending](size, resetPending)
}

// resetPending clears a context on release. Its mappings are already gone.
func resetPending(p *Pending) {
	p.owner = nil
	p.state = StateDecoded
	p.req = proto.Request{}
	p.target = vdev.Target{}
	p.cmd = interfaces.Command{}
	for i := range p.segs {
		p.segs[i] = nil
		p.mappings[i] = grant.Mapping{}
	}
	p.started = time.Time{}
}
