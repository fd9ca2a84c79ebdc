package queue

import (
	"errors"
	"time"

	"github.com/ehrlich-b/go-pvback/internal/grant"
	"github.com/ehrlich-b/go-pvback/internal/interfaces"
	"github.com/ehrlich-b/go-pvback/internal/logging"
	"github.com/ehrlich-b/go-pvback/internal/pending"
	"github.com/ehrlich-b/go-pvback/internal/proto"
	"github.com/ehrlich-b/go-pvback/internal/vdev"
)

type dispatchResult int

const (
	dispatchConsumed dispatchResult = iota // request taken off the ring
	dispatchDeferred                       // pool exhausted, request left on the ring
	dispatchFault                          // ring unusable
)

// dispatchNext turns the request at the ring's consumer index into either a
// response or a dispatched command. The request is only consumed once the
// pool entry is secured or the request is answered without one.
func (w *Worker) dispatchNext() dispatchResult {
	req := &w.scratch
	if err := w.ring.Peek(req); err != nil {
		w.fault(err)
		return dispatchFault
	}

	if err := req.Validate(w.maxSegments); err != nil {
		w.reqLog(req).Debug("invalid request", "error", err)
		w.advance()
		w.respondDirect(req, proto.ResultInvalid, nil)
		return dispatchConsumed
	}
	if _, dup := w.outstanding[req.ID]; dup {
		w.reqLog(req).Debug("request id already outstanding")
		w.advance()
		w.respondDirect(req, proto.ResultInvalid, nil)
		return dispatchConsumed
	}

	switch req.Op {
	case proto.OpAbort:
		w.advance()
		w.abort(req)
		return dispatchConsumed
	case proto.OpReset:
		w.advance()
		w.reset(req)
		return dispatchConsumed
	}

	reportLuns := req.CmdLen > 0 && req.Cmd[0] == proto.ScsiReportLuns
	var target vdev.Target
	var lunList []byte
	if reportLuns {
		var ok bool
		if lunList, ok = w.devices.ReportLuns(req.Addr); !ok {
			w.advance()
			w.respondDirect(req, proto.ResultNoDevice, nil)
			return dispatchConsumed
		}
		if req.NrSegments > 0 && !req.Direction.DataIn() {
			w.advance()
			w.respondDirect(req, proto.ResultCheckCondition,
				proto.FixedSense(proto.SenseIllegalRequest, proto.AscInvalidFieldInCDB, 0))
			return dispatchConsumed
		}
	} else {
		var ok bool
		if target, ok = w.devices.Lookup(req.Addr); !ok {
			w.reqLog(req).Debug("no device", "vdev", req.Addr.String())
			w.advance()
			w.respondDirect(req, proto.ResultNoDevice, nil)
			return dispatchConsumed
		}
		if target.ReadOnly && req.Direction == proto.DirToDevice && req.NrSegments > 0 {
			w.advance()
			w.respondDirect(req, proto.ResultCheckCondition,
				proto.FixedSense(proto.SenseDataProtect, proto.AscWriteProtected, 0))
			return dispatchConsumed
		}
	}

	h, p, ok := w.pool.Allocate()
	if !ok {
		w.reqLog(req).Debug("pool exhausted, deferring")
		return dispatchDeferred
	}
	w.advance()

	p.owner = w
	p.req = *req
	p.target = target
	p.started = time.Now()
	p.state = StateValidated

	if err := w.mapSegments(p); err != nil {
		w.reqLog(req).Debug("segment mapping failed", "error", err)
		w.observer.ObserveGrantFailure()
		result := proto.ResultIOError
		if errors.Is(err, grant.ErrDuplicateRef) {
			result = proto.ResultInvalid
		}
		w.respond(h, p, result, 0, nil)
		return dispatchConsumed
	}
	p.state = StateResourcesAcquired

	if reportLuns {
		w.completeReportLuns(h, p, lunList)
		return dispatchConsumed
	}

	w.submit(h, p)
	return dispatchConsumed
}

// advance consumes the peeked request. Every consumed request is answered
// exactly once.
func (w *Worker) advance() {
	w.ring.Advance()
	w.consumed.Store(w.ring.Consumed())
	w.observer.ObserveDispatch(w.scratch.Op)
}

func (w *Worker) reqLog(req *proto.Request) *logging.Logger {
	return w.logger.WithRequest(req.ID, req.Op.String())
}

// mapSegments maps every segment of p in one batch and slices the mapped
// pages down to the described byte ranges. On failure the entries that did
// map stay recorded in p.mappings for respond to unmap.
func (w *Worker) mapSegments(p *Pending) error {
	n := int(p.req.NrSegments)
	if n == 0 {
		return nil
	}
	var refs [proto.MaxSegmentsPerRequest]uint32
	for i, seg := range p.req.SegmentList() {
		refs[i] = seg.GrantRef
	}
	if err := w.mapper.MapBatch(w.domain, refs[:n], p.req.Direction.ReadOnly(), p.mappings[:n]); err != nil {
		return err
	}
	for i, seg := range p.req.SegmentList() {
		end := int(seg.Offset) + int(seg.Length)
		p.segs[i] = p.mappings[i].Addr[seg.Offset:end:end]
	}
	return nil
}

// submit hands p to its executor
func (w *Worker) submit(h pending.Handle, p *Pending) {
	timeout := w.defaultTimeout
	if p.req.TimeoutSecs > 0 {
		timeout = time.Duration(p.req.TimeoutSecs) * time.Second
	}
	p.cmd = interfaces.Command{
		Tag:       h.Key(),
		ID:        p.req.ID,
		Device:    p.target.Device,
		LUN:       p.req.Addr.LUN,
		CDB:       p.req.Command(),
		Direction: p.req.Direction,
		Segments:  p.segs[:p.req.NrSegments],
		Timeout:   timeout,
	}

	w.outstanding[p.req.ID] = h
	w.inflight.Add(1)
	p.state = StateDispatched

	if err := p.target.Exec.Submit(&p.cmd, w.completionFor(h)); err != nil {
		w.reqLog(&p.req).Debug("submit refused", "error", err)
		delete(w.outstanding, p.req.ID)
		w.inflight.Add(-1)
		w.respond(h, p, proto.ResultIOError, 0, nil)
	}
}

// completeReportLuns answers REPORT LUNS from the translation table
func (w *Worker) completeReportLuns(h pending.Handle, p *Pending, payload []byte) {
	alloc := int(proto.ReportLunsAllocation(p.req.Command()))
	if alloc < len(payload) {
		payload = payload[:alloc]
	}
	cmd := interfaces.Command{Direction: p.req.Direction, Segments: p.segs[:p.req.NrSegments]}
	written := cmd.Scatter(payload)
	residual := uint32(cmd.DataLength() - written)
	w.respond(h, p, proto.ResultOK, residual, nil)
}

// abort asks the executor to cancel the outstanding request named by RefID
// on the same device. The abort gets its own response regardless of how the
// target request finishes.
func (w *Worker) abort(req *proto.Request) {
	target, ok := w.devices.Lookup(req.Addr)
	if !ok {
		w.respondDirect(req, proto.ResultNoDevice, nil)
		return
	}

	result := proto.ResultTaskFailed
	if h, ok := w.outstanding[req.RefID]; ok {
		if p, err := w.pool.Get(h); err == nil && p.req.Addr == req.Addr && p.target.Device == target.Device {
			if err := p.target.Exec.Cancel(h.Key()); err == nil {
				result = proto.ResultTaskSuccess
			} else {
				w.reqLog(req).Debug("cancel refused", "ref_id", req.RefID, "error", err)
			}
		}
	}
	w.respondDirect(req, result, nil)
}

// reset resets the addressed device if its executor supports it
func (w *Worker) reset(req *proto.Request) {
	target, ok := w.devices.Lookup(req.Addr)
	if !ok {
		w.respondDirect(req, proto.ResultNoDevice, nil)
		return
	}

	result := proto.ResultTaskFailed
	if r, ok := target.Exec.(interfaces.Resetter); ok {
		if err := r.Reset(target.Device); err == nil {
			result = proto.ResultTaskSuccess
		} else {
			w.logger.WithDevice(req.Addr.String()).Warn("device reset failed", "error", err)
		}
	}
	w.respondDirect(req, result, nil)
}
