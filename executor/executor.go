package executor

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-pvback/internal/interfaces"
	"github.com/ehrlich-b/go-pvback/internal/logging"
	"github.com/ehrlich-b/go-pvback/internal/proto"
)

// ErrExists is returned when attaching a device name twice
var ErrExists = errors.New("device already attached")

// Config tunes a SCSI executor
type Config struct {
	// Latency is the simulated service time of every command. Zero runs
	// commands synchronously inside Submit.
	Latency time.Duration
	Vendor  string
	Product string
	Logger  *logging.Logger
}

// DefaultConfig returns a synchronous executor configuration
func DefaultConfig() Config {
	return Config{Vendor: "PVBACK", Product: "VIRTUAL DISK"}
}

// Stats are cumulative executor counters
type Stats struct {
	Submitted uint64
	Completed uint64
	Cancelled uint64
	TimedOut  uint64
	Pending   int
}

type inflight struct {
	device   string
	disk     *disk
	cmd      *interfaces.Command
	done     interfaces.Completion
	timer    *time.Timer
	deadline *time.Timer
}

// SCSI runs SCSI commands against named block stores
type SCSI struct {
	config Config
	logger *logging.Logger

	mu      sync.Mutex
	disks   map[string]*disk
	pending map[uint64]*inflight
	closed  bool

	submitted atomic.Uint64
	completed atomic.Uint64
	cancelled atomic.Uint64
	timedOut  atomic.Uint64
}

var (
	_ interfaces.Executor = (*SCSI)(nil)
	_ interfaces.Resetter = (*SCSI)(nil)
)

// New creates an executor with no devices attached
func New(config Config) *SCSI {
	if config.Logger == nil {
		config.Logger = logging.Nop()
	}
	if config.Vendor == "" {
		config.Vendor = DefaultConfig().Vendor
	}
	if config.Product == "" {
		config.Product = DefaultConfig().Product
	}
	return &SCSI{
		config:  config,
		logger:  config.Logger,
		disks:   make(map[string]*disk),
		pending: make(map[uint64]*inflight),
	}
}

// Attach makes store available under name
func (e *SCSI) Attach(name string, store Store, readOnly bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return interfaces.ErrClosed
	}
	if _, ok := e.disks[name]; ok {
		return fmt.Errorf("%w: %s", ErrExists, name)
	}
	e.disks[name] = &disk{store: store, readOnly: readOnly, vendor: e.config.Vendor, product: e.config.Product}
	e.logger.Debug("device attached", "device", name, "size", store.Size(), "read_only", readOnly)
	return nil
}

// Detach removes name and returns its store. Commands already submitted
// still complete against it.
func (e *SCSI) Detach(name string) (Store, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	d, ok := e.disks[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrNotFound, name)
	}
	delete(e.disks, name)
	return d.store, nil
}

// Devices returns the attached device names, sorted
func (e *SCSI) Devices() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.disks))
	for n := range e.disks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Submit implements interfaces.Executor
func (e *SCSI) Submit(cmd *interfaces.Command, done interfaces.Completion) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return interfaces.ErrClosed
	}
	if _, dup := e.pending[cmd.Tag]; dup {
		e.mu.Unlock()
		return fmt.Errorf("%w: tag %#x outstanding", interfaces.ErrExecutorBusy, cmd.Tag)
	}
	d, ok := e.disks[cmd.Device]
	e.submitted.Add(1)

	if !ok {
		e.mu.Unlock()
		e.completed.Add(1)
		done(proto.ResultCheckCondition, uint32(cmd.DataLength()),
			proto.FixedSense(proto.SenseIllegalRequest, proto.AscLUNNotSupported, 0))
		return nil
	}

	if e.config.Latency <= 0 {
		e.mu.Unlock()
		o := d.execute(cmd)
		e.completed.Add(1)
		done(o.result, o.residual, o.sense)
		return nil
	}

	f := &inflight{device: cmd.Device, disk: d, cmd: cmd, done: done}
	tag := cmd.Tag
	e.pending[tag] = f
	f.timer = time.AfterFunc(e.config.Latency, func() { e.finish(tag) })
	if cmd.Timeout > 0 && cmd.Timeout < e.config.Latency {
		f.deadline = time.AfterFunc(cmd.Timeout, func() { e.expire(tag) })
	}
	e.mu.Unlock()
	return nil
}

// take removes tag from the pending set. Whoever takes an entry completes it.
func (e *SCSI) take(tag uint64) *inflight {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.pending[tag]
	if !ok {
		return nil
	}
	delete(e.pending, tag)
	f.timer.Stop()
	if f.deadline != nil {
		f.deadline.Stop()
	}
	return f
}

func (e *SCSI) finish(tag uint64) {
	f := e.take(tag)
	if f == nil {
		return
	}
	o := f.disk.execute(f.cmd)
	e.completed.Add(1)
	f.done(o.result, o.residual, o.sense)
}

func (e *SCSI) expire(tag uint64) {
	f := e.take(tag)
	if f == nil {
		return
	}
	e.timedOut.Add(1)
	e.logger.Debug("command timed out", "id", f.cmd.ID, "device", f.device, "timeout", f.cmd.Timeout)
	f.done(proto.ResultTimeout, uint32(f.cmd.DataLength()), nil)
}

// Cancel implements interfaces.Executor
func (e *SCSI) Cancel(tag uint64) error {
	f := e.take(tag)
	if f == nil {
		return fmt.Errorf("%w: tag %#x", interfaces.ErrNotFound, tag)
	}
	e.cancelled.Add(1)
	f.done(proto.ResultAborted, uint32(f.cmd.DataLength()), nil)
	return nil
}

// Reset implements interfaces.Resetter: every outstanding command for the
// device is aborted.
func (e *SCSI) Reset(device string) error {
	e.mu.Lock()
	if _, ok := e.disks[device]; !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", interfaces.ErrNotFound, device)
	}
	var tags []uint64
	for tag, f := range e.pending {
		if f.device == device {
			tags = append(tags, tag)
		}
	}
	e.mu.Unlock()

	for _, tag := range tags {
		if f := e.take(tag); f != nil {
			e.cancelled.Add(1)
			f.done(proto.ResultAborted, uint32(f.cmd.DataLength()), nil)
		}
	}
	e.logger.Debug("device reset", "device", device, "aborted", len(tags))
	return nil
}

// Close aborts outstanding commands, refuses new ones and closes the stores
func (e *SCSI) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	tags := make([]uint64, 0, len(e.pending))
	for tag := range e.pending {
		tags = append(tags, tag)
	}
	disks := e.disks
	e.disks = make(map[string]*disk)
	e.mu.Unlock()

	for _, tag := range tags {
		if f := e.take(tag); f != nil {
			e.cancelled.Add(1)
			f.done(proto.ResultAborted, uint32(f.cmd.DataLength()), nil)
		}
	}
	var errs []error
	for name, d := range disks {
		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// Stats returns a snapshot of the counters
func (e *SCSI) Stats() Stats {
	e.mu.Lock()
	n := len(e.pending)
	e.mu.Unlock()
	return Stats{
		Submitted: e.submitted.Load(),
		Completed: e.completed.Load(),
		Cancelled: e.cancelled.Load(),
		TimedOut:  e.timedOut.Load(),
		Pending:   n,
	}
}
