package queue

import (
	"time"

	"github.com/ehrlich-b/go-pvback/internal/proto"
)

// Observer receives per-request events from a Worker. Implementations must
// be cheap and safe for concurrent use.
type Observer interface {
	ObserveDispatch(op proto.Op)
	ObserveResponse(op proto.Op, result int32, latency time.Duration)
	ObserveDeferral()
	ObserveGrantFailure()
	ObserveOverflow()
}

type nopObserver struct{}

func (nopObserver) ObserveDispatch(proto.Op)                       {}
func (nopObserver) ObserveResponse(proto.Op, int32, time.Duration) {}
func (nopObserver) ObserveDeferral()                               {}
func (nopObserver) ObserveGrantFailure()                           {}
func (nopObserver) ObserveOverflow()                               {}
