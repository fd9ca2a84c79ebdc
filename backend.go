// Package pvback serves paravirtual SCSI guests: it attaches to a guest's
// shared request ring, maps the guest's data pages through a grant table,
// runs each command on an executor and writes the result back.
package pvback

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ehrlich-b/go-pvback/internal/constants"
	"github.com/ehrlich-b/go-pvback/internal/ctrl"
	"github.com/ehrlich-b/go-pvback/internal/evtchn"
	"github.com/ehrlich-b/go-pvback/internal/grant"
	"github.com/ehrlich-b/go-pvback/internal/logging"
	"github.com/ehrlich-b/go-pvback/internal/queue"
	"github.com/ehrlich-b/go-pvback/internal/ring"
	"github.com/ehrlich-b/go-pvback/internal/vdev"
)

// Public names for the pieces a caller wires together
type (
	// Hypervisor performs batched grant map and unmap calls
	Hypervisor = grant.Hypervisor
	// EventBinder binds the backend end of a guest's event channel
	EventBinder = evtchn.Binder
	// DeviceTable translates guest device addresses to executor targets
	DeviceTable = vdev.Table
	// Target is one DeviceTable entry
	Target = vdev.Target
	// Store is the control-plane key-value store
	Store = ctrl.Store
	// Resolver turns a physical device name from the store into a Target
	Resolver = ctrl.Resolver
	// Logger is the structured logger used throughout the backend
	Logger = logging.Logger
)

// NewDeviceTable returns an empty device table
func NewDeviceTable() *DeviceTable {
	return vdev.NewTable()
}

// Params are the process-wide backend settings
type Params struct {
	PoolSize         int           // pending requests shared by all connections
	MaxSegments      int           // segments per request offered to guests
	MaxRingPageOrder int           // largest ring offered, as log2 pages
	CommandTimeout   time.Duration // used when a request carries no timeout

	GrantRetryStep     time.Duration
	GrantRetryMaxDelay time.Duration
}

// DefaultParams returns default backend parameters
func DefaultParams() Params {
	return Params{
		PoolSize:           constants.DefaultPoolSize,
		MaxSegments:        constants.DefaultMaxSegments,
		MaxRingPageOrder:   constants.MaxRingPageOrder,
		CommandTimeout:     constants.DefaultCommandTimeout,
		GrantRetryStep:     constants.GrantRetryStep,
		GrantRetryMaxDelay: constants.GrantRetryMaxDelay,
	}
}

func (p Params) validate() error {
	if p.PoolSize <= 0 {
		return NewError("NEW_BACKEND", ErrCodeInvalidParameters, fmt.Sprintf("pool size %d", p.PoolSize))
	}
	if p.MaxSegments <= 0 || p.MaxSegments > constants.MaxSegmentsPerRequest {
		return NewError("NEW_BACKEND", ErrCodeInvalidParameters, fmt.Sprintf("max segments %d", p.MaxSegments))
	}
	if p.MaxRingPageOrder < 0 || p.MaxRingPageOrder > constants.MaxRingPageOrder {
		return NewError("NEW_BACKEND", ErrCodeInvalidParameters, fmt.Sprintf("ring page order %d", p.MaxRingPageOrder))
	}
	return nil
}

// Options contains optional collaborators
type Options struct {
	// Logger for debug/info messages (if nil, the default logger)
	Logger *Logger

	// Observer for metrics collection (if nil, the backend's own Metrics)
	Observer Observer
}

type connKey struct {
	domain uint16
	devID  int
}

// Backend is the process-wide context shared by all guest connections: the
// pending request pool, the grant mapper and the event channel binder.
type Backend struct {
	params   Params
	mapper   *grant.Mapper
	pool     *queue.Pool
	binder   EventBinder
	logger   *Logger
	metrics  *Metrics
	observer Observer

	// ctx bounds every connection's worker; Shutdown cancels it
	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	conns  map[connKey]*Connection
	closed bool
}

// New creates a backend over hv and binder.
//
// Example:
//
//	table, _ := grant.NewTable(1, 1024)
//	b, err := pvback.New(table, evtchn.NewSwitch(true), pvback.DefaultParams(), nil)
func New(hv Hypervisor, binder EventBinder, params Params, options *Options) (*Backend, error) {
	if hv == nil || binder == nil {
		return nil, NewError("NEW_BACKEND", ErrCodeInvalidParameters, "hypervisor and binder are required")
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	if options == nil {
		options = &Options{}
	}
	logger := options.Logger
	if logger == nil {
		logger = logging.Default()
	}

	pool, err := queue.NewPool(params.PoolSize)
	if err != nil {
		return nil, WrapError("NEW_BACKEND", err)
	}

	metrics := NewMetrics()
	var observer Observer = NewMetricsObserver(metrics)
	if options.Observer != nil {
		observer = MultiObserver{observer, options.Observer}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		params: params,
		mapper: grant.NewMapper(hv, grant.Config{
			RetryStep:     params.GrantRetryStep,
			RetryMaxDelay: params.GrantRetryMaxDelay,
			Logger:        logger,
		}),
		pool:     pool,
		binder:   binder,
		logger:   logger,
		metrics:  metrics,
		observer: observer,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[connKey]*Connection),
	}, nil
}

// Params returns the backend's settings
func (b *Backend) Params() Params {
	return b.params
}

// Metrics returns the backend-wide metrics
func (b *Backend) Metrics() *Metrics {
	return b.metrics
}

// ConnectParams identifies a guest's ring and event channel
type ConnectParams struct {
	Domain       uint16
	DevID        int
	RingRefs     []uint32 // grant references of the ring pages, in order
	EventChannel uint32   // the guest's port number
	MaxSegments  int      // negotiated segment limit (0 means the backend's)
}

// Connect attaches to a guest ring and starts serving it. devices may be
// shared between connections and changed at any time. ctx only bounds the
// attach; the connection serves until Disconnect or Shutdown.
func (b *Backend) Connect(ctx context.Context, p ConnectParams, devices *DeviceTable) (*Connection, error) {
	return b.connect(ctx, p, devices, nil)
}

// storeLink ties a connection to the store entries it was configured from
type storeLink struct {
	store   Store
	path    string
	resolve Resolver
}

func (b *Backend) connect(ctx context.Context, p ConnectParams, devices *DeviceTable, link *storeLink) (*Connection, error) {
	if devices == nil {
		return nil, NewConnectionError("CONNECT", p.Domain, p.DevID, ErrCodeInvalidParameters, "nil device table")
	}
	n := len(p.RingRefs)
	if n == 0 || n > 1<<b.params.MaxRingPageOrder || n&(n-1) != 0 {
		return nil, NewConnectionError("CONNECT", p.Domain, p.DevID, ErrCodeInvalidParameters,
			fmt.Sprintf("%d ring pages", n))
	}
	maxSegs := p.MaxSegments
	if maxSegs <= 0 || maxSegs > b.params.MaxSegments {
		maxSegs = b.params.MaxSegments
	}

	key := connKey{p.Domain, p.DevID}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, NewConnectionError("CONNECT", p.Domain, p.DevID, ErrCodeStopped, "backend shut down")
	}
	if _, dup := b.conns[key]; dup {
		b.mu.Unlock()
		return nil, NewConnectionError("CONNECT", p.Domain, p.DevID, ErrCodeInvalidParameters, "already connected")
	}
	// reserve the slot while mapping
	b.conns[key] = nil
	b.mu.Unlock()

	var c *Connection
	err := ctx.Err()
	if err != nil {
		err = wrapConn("CONNECT", p.Domain, p.DevID, err)
	} else {
		c, err = b.attach(p, maxSegs, devices)
	}
	if err != nil {
		b.mu.Lock()
		delete(b.conns, key)
		b.mu.Unlock()
		return nil, err
	}
	// everything Disconnect reads is set before c is published
	if link != nil {
		c.bindStore(link)
	}

	b.mu.Lock()
	closed := b.closed
	if closed {
		delete(b.conns, key)
	} else {
		b.conns[key] = c
	}
	b.mu.Unlock()
	if closed {
		// Shutdown ran while attaching and did not see c
		dctx, cancel := context.WithTimeout(context.Background(), constants.DefaultCommandTimeout)
		defer cancel()
		if err := c.Disconnect(dctx); err != nil {
			c.logger.Warn("disconnect after shutdown", "error", err)
		}
		return nil, NewConnectionError("CONNECT", p.Domain, p.DevID, ErrCodeStopped, "backend shut down")
	}
	return c, nil
}

func (b *Backend) attach(p ConnectParams, maxSegs int, devices *DeviceTable) (*Connection, error) {
	logger := b.logger.WithConnection(p.Domain, p.DevID)

	mem, ringMaps, err := b.mapper.MapRing(p.Domain, p.RingRefs)
	if err != nil {
		return nil, wrapConn("MAP_RING", p.Domain, p.DevID, err)
	}
	br, err := ring.NewBackRing(mem)
	if err != nil {
		b.mapper.UnmapBatch(ringMaps)
		return nil, wrapConn("ATTACH_RING", p.Domain, p.DevID, err)
	}

	port, err := b.binder.BindInterdomain(p.Domain, p.EventChannel)
	if err != nil {
		b.mapper.UnmapBatch(ringMaps)
		return nil, wrapConn("BIND_EVTCHN", p.Domain, p.DevID, err)
	}

	w, err := queue.NewWorker(b.ctx, queue.Config{
		Domain:         p.Domain,
		DevID:          p.DevID,
		Ring:           br,
		Port:           port,
		Mapper:         b.mapper,
		Pool:           b.pool,
		Devices:        devices,
		MaxSegments:    maxSegs,
		DefaultTimeout: b.params.CommandTimeout,
		Logger:         b.logger,
		Observer:       b.observer,
	})
	if err == nil {
		err = w.Start()
	}
	if err != nil {
		port.Close()
		b.mapper.UnmapBatch(ringMaps)
		return nil, wrapConn("START_WORKER", p.Domain, p.DevID, err)
	}

	logger.Info("connected", "ring_slots", br.Size(), "ring_pages", len(p.RingRefs),
		"evtchn", p.EventChannel, "max_segments", maxSegs)
	return &Connection{
		Domain:      p.Domain,
		DevID:       p.DevID,
		MaxSegments: maxSegs,
		backend:     b,
		devices:     devices,
		ringMaps:    ringMaps,
		port:        port,
		worker:      w,
		logger:      logger,
	}, nil
}

// ConnectFromStore performs the store handshake for one guest device: it
// advertises the backend's features, reads the guest's ring references and
// event channel, applies the device entries and connects. With a store that
// implements ctrl.Watcher, later device entries are applied as they appear.
func (b *Backend) ConnectFromStore(ctx context.Context, store Store, domain uint16, devID int, resolve Resolver) (*Connection, error) {
	backPath := ctrl.BackendPath(domain, devID)
	offer := ctrl.Features{MaxSegments: b.params.MaxSegments, MaxRingPageOrder: b.params.MaxRingPageOrder}
	if err := ctrl.Advertise(store, backPath, offer); err != nil {
		return nil, wrapConn("ADVERTISE", domain, devID, err)
	}
	cp, err := ctrl.ReadConnectionParams(store, domain, devID, offer)
	if err != nil {
		return nil, wrapConn("READ_PARAMS", domain, devID, err)
	}

	devices := vdev.NewTable()
	if _, err := ctrl.SyncDevices(store, backPath, devices, resolve); err != nil {
		return nil, wrapConn("SYNC_DEVICES", domain, devID, err)
	}

	c, err := b.connect(ctx, ConnectParams{
		Domain:       cp.Domain,
		DevID:        cp.DevID,
		RingRefs:     cp.RingRefs,
		EventChannel: cp.EventChannel,
		MaxSegments:  cp.MaxSegments,
	}, devices, &storeLink{store: store, path: backPath, resolve: resolve})
	if err != nil {
		return nil, err
	}

	if err := ctrl.WriteState(store, path.Join(backPath, ctrl.KeyState), ctrl.StateConnected); err != nil {
		c.Disconnect(context.Background())
		return nil, wrapConn("WRITE_STATE", domain, devID, err)
	}
	return c, nil
}

// bindStore records the store c reports its state to and, when the store
// supports watches, follows its device entries. c must not be published yet.
func (c *Connection) bindStore(link *storeLink) {
	c.store = link.store
	c.storePath = link.path
	if wt, ok := link.store.(ctrl.Watcher); ok {
		events, cancel := wt.Watch(path.Join(link.path, ctrl.KeyDevices))
		c.stopWatch = cancel
		c.watchDone = make(chan struct{})
		go c.watchDevices(events, link.resolve)
	}
}

// Connections returns the live connections ordered by domain and device
func (b *Backend) Connections() []*Connection {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Connection, 0, len(b.conns))
	for _, c := range b.conns {
		if c != nil {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Domain != out[j].Domain {
			return out[i].Domain < out[j].Domain
		}
		return out[i].DevID < out[j].DevID
	})
	return out
}

// Shutdown disconnects every connection and refuses new ones
func (b *Backend) Shutdown(ctx context.Context) error {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()

	var g errgroup.Group
	for _, c := range b.Connections() {
		c := c
		g.Go(func() error {
			return c.Disconnect(ctx)
		})
	}
	err := g.Wait()
	b.cancel()
	b.metrics.Stop()
	return err
}

// BackendStats summarizes shared resources
type BackendStats struct {
	Connections   int
	PoolSize      int
	PoolInUse     int
	PoolExhausted uint64
	GrantsMapped  uint64
	GrantRetries  uint64
	GrantFailures uint64
	GrantsLive    int64
}

// Stats returns a snapshot of the shared pool and grant mapper
func (b *Backend) Stats() BackendStats {
	ps := b.pool.Stats()
	ms := b.mapper.Stats()
	return BackendStats{
		Connections:   len(b.Connections()),
		PoolSize:      ps.Size,
		PoolInUse:     ps.InUse,
		PoolExhausted: ps.Exhausted,
		GrantsMapped:  ms.Mapped,
		GrantRetries:  ms.Retries,
		GrantFailures: ms.Failures,
		GrantsLive:    ms.Outstanding,
	}
}

func (b *Backend) forget(c *Connection) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := connKey{c.Domain, c.DevID}
	if b.conns[key] == c {
		delete(b.conns, key)
	}
}

// ConnectionState is the lifecycle state of a Connection
type ConnectionState string

const (
	ConnectionRunning  ConnectionState = "running"
	ConnectionStopping ConnectionState = "stopping"
	ConnectionStopped  ConnectionState = "stopped"
	ConnectionFaulted  ConnectionState = "faulted"
	ConnectionClosed   ConnectionState = "closed"
)

// Connection is one attached guest ring
type Connection struct {
	Domain      uint16
	DevID       int
	MaxSegments int

	backend  *Backend
	devices  *DeviceTable
	ringMaps []grant.Mapping
	port     evtchn.Port
	worker   *queue.Worker
	logger   *Logger

	store     Store
	storePath string
	stopWatch func()
	watchDone chan struct{}

	disconnectMu sync.Mutex
	closed       atomic.Bool
}

// Devices returns the connection's device table
func (c *Connection) Devices() *DeviceTable {
	return c.devices
}

// State returns the current lifecycle state
func (c *Connection) State() ConnectionState {
	switch {
	case c.closed.Load():
		return ConnectionClosed
	case c.worker.Err() != nil:
		return ConnectionFaulted
	case c.worker.State() == queue.WorkerStopping:
		return ConnectionStopping
	case c.worker.State() == queue.WorkerStopped:
		return ConnectionStopped
	default:
		return ConnectionRunning
	}
}

// Inflight is the number of requests dispatched and not yet answered
func (c *Connection) Inflight() int64 {
	return c.worker.Inflight()
}

// Responses is the number of responses written to the ring
func (c *Connection) Responses() uint64 {
	return c.worker.Responses()
}

// Err returns the ring fault that stalled the connection, if any
func (c *Connection) Err() error {
	if err := c.worker.Err(); err != nil {
		return wrapConn("SERVE", c.Domain, c.DevID, err)
	}
	return nil
}

// Disconnect stops consuming requests, waits for every in-flight request to
// be answered, then unbinds the event channel and unmaps the ring. If ctx
// ends first the connection is left stopping with its ring still mapped and
// Disconnect may be called again.
func (c *Connection) Disconnect(ctx context.Context) error {
	c.disconnectMu.Lock()
	defer c.disconnectMu.Unlock()
	if c.closed.Load() {
		return nil
	}

	if c.stopWatch != nil {
		c.stopWatch()
		<-c.watchDone
		c.stopWatch = nil
	}

	c.worker.Stop()
	if err := c.worker.Wait(ctx); err != nil {
		c.logger.Warn("disconnect interrupted", "inflight", c.worker.Inflight())
		if errors.Is(err, context.DeadlineExceeded) {
			return NewConnectionError("DISCONNECT", c.Domain, c.DevID, ErrCodeTimeout, "in-flight requests outstanding")
		}
		return wrapConn("DISCONNECT", c.Domain, c.DevID, err)
	}

	if err := c.port.Close(); err != nil {
		c.logger.Warn("close event channel", "error", err)
	}
	c.backend.mapper.UnmapBatch(c.ringMaps)
	c.closed.Store(true)
	c.backend.forget(c)

	if c.store != nil {
		if err := ctrl.WriteState(c.store, path.Join(c.storePath, ctrl.KeyState), ctrl.StateClosed); err != nil {
			c.logger.Warn("write closed state", "error", err)
		}
	}
	c.logger.Info("disconnected", "responses", c.worker.Responses())
	return nil
}

func (c *Connection) watchDevices(events <-chan string, resolve Resolver) {
	defer close(c.watchDone)
	for range events {
		res, err := ctrl.SyncDevices(c.store, c.storePath, c.devices, resolve)
		if err != nil {
			c.logger.Warn("device sync failed", "error", err)
			continue
		}
		if res != (ctrl.SyncResult{}) {
			c.logger.Info("devices changed", "added", res.Added, "removed", res.Removed, "failed", res.Failed)
		}
	}
}
