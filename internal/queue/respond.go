package queue

import (
	"time"

	"github.com/ehrlich-b/go-pvback/internal/pending"
	"github.com/ehrlich-b/go-pvback/internal/proto"
)

// respond completes a request holding a pool entry. The order is fixed:
// unmap the segments, write and publish the response, then release the
// entry, so the entry cannot be reused while its response is unpublished.
func (w *Worker) respond(h pending.Handle, p *Pending, result int32, residual uint32, sense []byte) {
	w.mapper.UnmapBatch(p.mappings[:p.req.NrSegments])
	for i := range p.segs[:p.req.NrSegments] {
		p.segs[i] = nil
	}

	w.writeResponse(p.req.ID, result, residual, sense)
	p.state = StateCompleted
	w.observer.ObserveResponse(p.req.Op, result, time.Since(p.started))

	if err := w.pool.Release(h); err != nil {
		w.logger.Error("release pending request", "handle", h.String(), "error", err)
	}
}

// respondDirect answers a request that never acquired a pool entry
func (w *Worker) respondDirect(req *proto.Request, result int32, sense []byte) {
	w.writeResponse(req.ID, result, 0, sense)
	w.observer.ObserveResponse(req.Op, result, 0)
}

// writeResponse pushes one response and notifies the guest if it asked.
// A faulted ring gets no further responses.
func (w *Worker) writeResponse(id uint32, result int32, residual uint32, sense []byte) {
	if w.faulted() {
		return
	}

	rsp := proto.Response{ID: id, Result: result, Residual: residual}
	rsp.SetSense(sense)
	if err := w.ring.PushResponse(&rsp); err != nil {
		w.fault(err)
		return
	}
	w.responses.Add(1)

	if w.ring.FinalizeAndNotify() {
		if err := w.port.Notify(); err != nil {
			w.logger.Warn("notify guest", "error", err)
		}
	}
}
