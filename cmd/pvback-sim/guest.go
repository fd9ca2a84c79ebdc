package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	pvback "github.com/ehrlich-b/go-pvback"
	"github.com/ehrlich-b/go-pvback/internal/ctrl"
	"github.com/ehrlich-b/go-pvback/internal/evtchn"
	"github.com/ehrlich-b/go-pvback/internal/grant"
	"github.com/ehrlich-b/go-pvback/internal/proto"
	"github.com/ehrlich-b/go-pvback/internal/ring"
)

const (
	blockSize     = 512
	blocksPerPage = pvback.PageSize / blockSize
	pollInterval  = 5 * time.Millisecond
)

// guest is the in-process frontend: it owns the grant table, the front ring,
// its end of the event channel and a page per in-flight request.
type guest struct {
	domain uint16
	table  *grant.Table
	sw     *evtchn.Switch
	front  *ring.FrontRing
	refs   []uint32
	port   evtchn.Port
	kick   evtchn.Signal

	dataRefs []uint32
	data     []byte
	nextID   uint32
}

func newGuest(cfg Config) (*guest, error) {
	// ring pages plus one data page per request in flight
	table, err := grant.NewTable(cfg.Domain, cfg.RingPages+cfg.Depth)
	if err != nil {
		return nil, err
	}
	refs, mem, err := table.GrantPages(cfg.RingPages, false)
	if err != nil {
		table.Close()
		return nil, err
	}
	front, err := ring.NewFrontRing(mem)
	if err != nil {
		table.Close()
		return nil, err
	}
	if uint32(cfg.Depth) > front.Size() {
		table.Close()
		return nil, fmt.Errorf("depth %d exceeds ring capacity %d", cfg.Depth, front.Size())
	}
	dataRefs, data, err := table.GrantPages(cfg.Depth, false)
	if err != nil {
		table.Close()
		return nil, err
	}

	sw := evtchn.NewSwitch(cfg.EventFD)
	port, err := sw.AllocUnbound(cfg.Domain)
	if err != nil {
		table.Close()
		return nil, err
	}
	kick := evtchn.NewSignal()
	if err := port.Bind(kick.Raise); err != nil {
		port.Close()
		table.Close()
		return nil, err
	}
	return &guest{
		domain:   cfg.Domain,
		table:    table,
		sw:       sw,
		front:    front,
		refs:     refs,
		port:     port,
		kick:     kick,
		dataRefs: dataRefs,
		data:     data,
	}, nil
}

// publish writes the frontend keys and device entries a backend connects from
func (g *guest) publish(store ctrl.Store, cfg Config) error {
	if err := ctrl.PublishFrontend(store, g.domain, cfg.DevID, g.refs, g.port.Number(), cfg.MaxSegments); err != nil {
		return err
	}
	back := ctrl.BackendPath(g.domain, cfg.DevID)
	for i, d := range cfg.Disks {
		addr, err := proto.ParseDevAddr(d.Addr)
		if err != nil {
			return err
		}
		if err := ctrl.AddDevice(store, back, fmt.Sprintf("dev-%d", i), addr, d.Name); err != nil {
			return err
		}
	}
	return nil
}

func (g *guest) close() {
	g.port.Close()
	g.table.Close()
}

func (g *guest) page(slot int) []byte {
	return g.data[slot*pvback.PageSize : (slot+1)*pvback.PageSize]
}

func (g *guest) request(slot int, addr proto.DevAddr, dir proto.Direction, cdb []byte) *proto.Request {
	g.nextID++
	req := &proto.Request{
		ID:         g.nextID,
		Op:         proto.OpCommand,
		Direction:  dir,
		Addr:       addr,
		NrSegments: 1,
	}
	req.CmdLen = uint16(copy(req.Cmd[:], cdb))
	req.Segments[0] = proto.Segment{GrantRef: g.dataRefs[slot], Length: pvback.PageSize}
	return req
}

// roundTrip pushes reqs, kicks the backend and collects one response each
func (g *guest) roundTrip(ctx context.Context, reqs []*proto.Request) (map[uint32]proto.Response, error) {
	for _, r := range reqs {
		if err := g.front.PushRequest(r); err != nil {
			return nil, err
		}
	}
	if g.front.Publish() {
		if err := g.port.Notify(); err != nil {
			return nil, err
		}
	}

	out := make(map[uint32]proto.Response, len(reqs))
	for len(out) < len(reqs) {
		for g.front.ResponsesAvailable() > 0 {
			var rsp proto.Response
			if err := g.front.PopResponse(&rsp); err != nil {
				return nil, err
			}
			out[rsp.ID] = rsp
		}
		if len(out) == len(reqs) || g.front.FinalCheck() {
			continue
		}
		select {
		case <-g.kick:
		case <-time.After(pollInterval):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return out, nil
}

// workload writes a pattern page by page and reads it back
type workload struct {
	guest  *guest
	addr   proto.DevAddr
	blocks uint64
	depth  int
	ro     bool
}

type workloadResult struct {
	Writes     int
	Reads      int
	Mismatches int
	Failures   int
}

func pattern(buf []byte, lba uint64) {
	for off := 0; off < len(buf); off += 8 {
		binary.LittleEndian.PutUint64(buf[off:], lba<<16|uint64(off))
	}
}

func (w *workload) lba(i int) uint64 {
	pages := w.blocks / blocksPerPage
	return (uint64(i) % pages) * blocksPerPage
}

func (w *workload) run(ctx context.Context, n int) (workloadResult, error) {
	var res workloadResult
	if w.blocks < blocksPerPage {
		return res, fmt.Errorf("disk at %s smaller than a page", w.addr)
	}
	g := w.guest
	want := make([]byte, pvback.PageSize)

	for done := 0; done < n; {
		batch := w.depth
		if n-done < batch {
			batch = n - done
		}

		if !w.ro {
			reqs := make([]*proto.Request, batch)
			for s := 0; s < batch; s++ {
				lba := w.lba(done + s)
				pattern(g.page(s), lba)
				reqs[s] = g.request(s, w.addr, proto.DirToDevice, proto.Write10(uint32(lba), blocksPerPage))
			}
			rsps, err := g.roundTrip(ctx, reqs)
			if err != nil {
				return res, err
			}
			for _, r := range reqs {
				res.Writes++
				if rsps[r.ID].Result != proto.ResultOK {
					res.Failures++
				}
			}
		}

		reqs := make([]*proto.Request, batch)
		for s := 0; s < batch; s++ {
			clear(g.page(s))
			reqs[s] = g.request(s, w.addr, proto.DirFromDevice, proto.Read10(uint32(w.lba(done+s)), blocksPerPage))
		}
		rsps, err := g.roundTrip(ctx, reqs)
		if err != nil {
			return res, err
		}
		for s, r := range reqs {
			res.Reads++
			if rsps[r.ID].Result != proto.ResultOK {
				res.Failures++
				continue
			}
			if w.ro {
				continue
			}
			pattern(want, w.lba(done+s))
			if !bytes.Equal(want, g.page(s)) {
				res.Mismatches++
			}
		}
		done += batch
	}
	return res, nil
}
