// Package queue runs the per-connection request loop: it drains the shared
// ring, dispatches requests to executors and writes their responses back.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-pvback/internal/constants"
	"github.com/ehrlich-b/go-pvback/internal/evtchn"
	"github.com/ehrlich-b/go-pvback/internal/grant"
	"github.com/ehrlich-b/go-pvback/internal/logging"
	"github.com/ehrlich-b/go-pvback/internal/pending"
	"github.com/ehrlich-b/go-pvback/internal/proto"
	"github.com/ehrlich-b/go-pvback/internal/ring"
	"github.com/ehrlich-b/go-pvback/internal/vdev"
)

// WorkerState is the BackendWorker state
type WorkerState int32

const (
	WorkerIdle WorkerState = iota
	WorkerDraining
	WorkerStopping
	WorkerStopped
)

func (s WorkerState) String() string {
	switch s {
	case WorkerIdle:
		return "idle"
	case WorkerDraining:
		return "draining"
	case WorkerStopping:
		return "stopping"
	case WorkerStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Config wires a Worker to its connection's resources
type Config struct {
	Domain  uint16
	DevID   int
	Ring    *ring.BackRing
	Port    evtchn.Port // notifies the guest; the Worker binds its handler
	Mapper  *grant.Mapper
	Pool    *Pool
	Devices *vdev.Table

	MaxSegments    int
	DefaultTimeout time.Duration

	Logger   *logging.Logger
	Observer Observer
}

// completion is an executor result waiting for the worker
type completion struct {
	handle   pending.Handle
	result   int32
	residual uint32
	senseLen int
	sense    [proto.SenseBufferSize]byte
}

// completionQueue hands executor results to the worker without blocking the
// executor.
type completionQueue struct {
	mu    sync.Mutex
	items []completion
	ready evtchn.Signal
}

func (q *completionQueue) push(c completion) {
	q.mu.Lock()
	q.items = append(q.items, c)
	q.mu.Unlock()
	q.ready.Raise()
}

func (q *completionQueue) take(buf []completion) []completion {
	q.mu.Lock()
	defer q.mu.Unlock()
	buf = append(buf[:0], q.items...)
	q.items = q.items[:0]
	return buf
}

// Worker is the single loop serving one connection. Only the worker goroutine
// touches the ring, the outstanding-request index and response production.
type Worker struct {
	domain         uint16
	ring           *ring.BackRing
	port           evtchn.Port
	mapper         *grant.Mapper
	pool           *Pool
	devices        *vdev.Table
	maxSegments    int
	defaultTimeout time.Duration
	logger         *logging.Logger
	observer       Observer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	kick        evtchn.Signal
	cq          completionQueue
	outstanding map[uint32]pending.Handle // guest id -> pool entry
	scratch     proto.Request
	batch       []completion

	state    atomic.Int32
	inflight atomic.Int64
	faultErr atomic.Pointer[error]

	consumed  atomic.Uint32
	responses atomic.Uint64
	deferrals atomic.Uint64
}

// ErrFaulted is returned by Err after the ring was found inconsistent
var ErrFaulted = errors.New("connection faulted")

// NewWorker creates a worker. It does not touch the ring until Start.
func NewWorker(ctx context.Context, config Config) (*Worker, error) {
	if config.Ring == nil || config.Mapper == nil || config.Pool == nil || config.Devices == nil || config.Port == nil {
		return nil, fmt.Errorf("queue: incomplete worker config")
	}
	if config.MaxSegments <= 0 || config.MaxSegments > proto.MaxSegmentsPerRequest {
		config.MaxSegments = proto.MaxSegmentsPerRequest
	}
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = constants.DefaultCommandTimeout
	}
	if config.Logger == nil {
		config.Logger = logging.Nop()
	}
	if config.Observer == nil {
		config.Observer = nopObserver{}
	}

	ctx, cancel := context.WithCancel(ctx)
	w := &Worker{
		domain:         config.Domain,
		ring:           config.Ring,
		port:           config.Port,
		mapper:         config.Mapper,
		pool:           config.Pool,
		devices:        config.Devices,
		maxSegments:    config.MaxSegments,
		defaultTimeout: config.DefaultTimeout,
		logger:         config.Logger.WithConnection(config.Domain, config.DevID),
		observer:       config.Observer,
		ctx:            ctx,
		cancel:         cancel,
		done:           make(chan struct{}),
		kick:           evtchn.NewSignal(),
		cq:             completionQueue{ready: evtchn.NewSignal()},
		outstanding:    make(map[uint32]pending.Handle),
	}
	w.consumed.Store(config.Ring.Consumed())
	return w, nil
}

// Start binds the event channel and launches the loop
func (w *Worker) Start() error {
	// The interrupt handler only flags the worker.
	if err := w.port.Bind(w.kick.Raise); err != nil {
		return fmt.Errorf("bind event channel: %w", err)
	}
	// pick up anything queued before the bind
	w.kick.Raise()
	go w.loop()
	return nil
}

// Stop requests shutdown. No new requests are consumed; in-flight ones
// still complete.
func (w *Worker) Stop() {
	w.cancel()
}

// Wait blocks until the worker is Stopped or ctx ends
func (w *Worker) Wait(ctx context.Context) error {
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the worker reaches Stopped
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

// State returns the current worker state
func (w *Worker) State() WorkerState {
	return WorkerState(w.state.Load())
}

// Inflight is the number of dispatched requests not yet completed
func (w *Worker) Inflight() int64 {
	return w.inflight.Load()
}

// Consumed is the ring's request consumer index
func (w *Worker) Consumed() uint32 {
	return w.consumed.Load()
}

// Responses is the number of responses written
func (w *Worker) Responses() uint64 {
	return w.responses.Load()
}

// Deferrals is the number of times draining paused on an exhausted pool
func (w *Worker) Deferrals() uint64 {
	return w.deferrals.Load()
}

// Err returns the fault that stalled the connection, if any
func (w *Worker) Err() error {
	if p := w.faultErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (w *Worker) setState(s WorkerState) {
	w.state.Store(int32(s))
}

func (w *Worker) faulted() bool {
	return w.faultErr.Load() != nil
}

func (w *Worker) fault(err error) {
	err = fmt.Errorf("%w: %w", ErrFaulted, err)
	w.faultErr.CompareAndSwap(nil, &err)
	w.observer.ObserveOverflow()
	w.logger.Error("ring protocol violation, connection stalled", "error", err)
}

func (w *Worker) loop() {
	defer close(w.done)

	w.logger.Debug("worker started")
	stopping := false
	deferred := false
	stop := w.ctx.Done()

	for {
		if stopping && w.inflight.Load() == 0 {
			w.setState(WorkerStopped)
			w.logger.Debug("worker stopped")
			return
		}

		var kick, poolReady <-chan struct{}
		if !stopping && !w.faulted() {
			if deferred {
				poolReady = w.pool.Available()
			} else {
				kick = w.kick
			}
		}

		select {
		case <-stop:
			stopping = true
			stop = nil
			w.setState(WorkerStopping)
			w.logger.Debug("worker stopping", "inflight", w.inflight.Load())
		case <-kick:
			deferred = w.drain()
		case <-poolReady:
			deferred = w.drain()
		case <-w.cq.ready:
			w.processCompletions()
		}
	}
}

// drain dispatches ring requests until the ring is empty or the pool runs
// out. It reports whether it stopped on an exhausted pool.
func (w *Worker) drain() bool {
	w.setState(WorkerDraining)
	defer func() {
		if w.State() == WorkerDraining {
			w.setState(WorkerIdle)
		}
	}()

	for {
		for {
			// completions free pool entries and ring slots for responses
			w.processCompletions()

			n, err := w.ring.RequestsAvailable()
			if err != nil {
				w.fault(err)
				return false
			}
			if n == 0 {
				break
			}
			switch w.dispatchNext() {
			case dispatchDeferred:
				w.deferrals.Add(1)
				w.observer.ObserveDeferral()
				return true
			case dispatchFault:
				return false
			}
		}

		more, err := w.ring.FinalCheck()
		if err != nil {
			w.fault(err)
			return false
		}
		if !more {
			return false
		}
	}
}

// processCompletions writes responses for every queued executor result
func (w *Worker) processCompletions() {
	w.batch = w.cq.take(w.batch)
	for i := range w.batch {
		c := &w.batch[i]
		p, err := w.pool.Get(c.handle)
		if err != nil {
			// exactly-once is enforced at the callback, so this is a bug
			w.logger.Error("completion for unknown request", "handle", c.handle.String(), "error", err)
			continue
		}
		delete(w.outstanding, p.req.ID)
		w.respond(c.handle, p, c.result, c.residual, c.sense[:c.senseLen])
		w.inflight.Add(-1)
	}
}

// completionFor returns the executor callback for a dispatched request. The
// callback only copies the result into the completion queue.
func (w *Worker) completionFor(h pending.Handle) func(int32, uint32, []byte) {
	var fired atomic.Bool
	return func(result int32, residual uint32, sense []byte) {
		if !fired.CompareAndSwap(false, true) {
			return
		}
		c := completion{handle: h, result: result, residual: residual}
		c.senseLen = copy(c.sense[:], sense)
		w.cq.push(c)
	}
}
