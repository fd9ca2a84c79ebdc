package pvback

import (
	"sync/atomic"
	"time"

	"github.com/ehrlich-b/go-pvback/internal/proto"
	"github.com/ehrlich-b/go-pvback/internal/queue"
)

// LatencyBuckets defines the latency histogram buckets in nanoseconds.
// Buckets cover from 1us to 10s with logarithmic spacing.
var LatencyBuckets = []uint64{
	1_000,          // 1us
	10_000,         // 10us
	100_000,        // 100us
	1_000_000,      // 1ms
	10_000_000,     // 10ms
	100_000_000,    // 100ms
	1_000_000_000,  // 1s
	10_000_000_000, // 10s
}

const numLatencyBuckets = 8

// Metrics tracks request and resource statistics for one or more connections
type Metrics struct {
	// Requests dispatched, by operation
	Commands atomic.Uint64
	Aborts   atomic.Uint64
	Resets   atomic.Uint64
	Other    atomic.Uint64 // unknown or unsupported operations

	// Responses written, by result class
	ResultOK             atomic.Uint64
	ResultNoDevice       atomic.Uint64
	ResultInvalid        atomic.Uint64
	ResultIOError        atomic.Uint64
	ResultCheckCondition atomic.Uint64
	ResultAborted        atomic.Uint64 // aborted or timed out
	ResultTaskSuccess    atomic.Uint64
	ResultTaskFailed     atomic.Uint64

	// Resource pressure
	Deferrals     atomic.Uint64 // drains paused on an exhausted pool
	GrantFailures atomic.Uint64
	RingFaults    atomic.Uint64

	Inflight    atomic.Int64
	MaxInflight atomic.Int64

	TotalLatencyNs atomic.Uint64
	OpCount        atomic.Uint64

	// Each bucket[i] contains the count of responses with latency <= LatencyBuckets[i]
	LatencyBuckets [numLatencyBuckets]atomic.Uint64

	StartTime atomic.Int64 // UnixNano
	StopTime  atomic.Int64 // UnixNano
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	m := &Metrics{}
	m.StartTime.Store(time.Now().UnixNano())
	return m
}

// RecordDispatch records a request taken off a ring
func (m *Metrics) RecordDispatch(op proto.Op) {
	switch op {
	case proto.OpCommand:
		m.Commands.Add(1)
	case proto.OpAbort:
		m.Aborts.Add(1)
	case proto.OpReset:
		m.Resets.Add(1)
	default:
		m.Other.Add(1)
	}

	n := m.Inflight.Add(1)
	for {
		cur := m.MaxInflight.Load()
		if n <= cur || m.MaxInflight.CompareAndSwap(cur, n) {
			break
		}
	}
}

// RecordResponse records a response written for a dispatched request
func (m *Metrics) RecordResponse(result int32, latencyNs uint64) {
	m.Inflight.Add(-1)

	switch {
	case result == proto.ResultOK:
		m.ResultOK.Add(1)
	case result == proto.ResultTaskSuccess:
		m.ResultTaskSuccess.Add(1)
	case result == proto.ResultTaskFailed:
		m.ResultTaskFailed.Add(1)
	case result == proto.ResultNoDevice:
		m.ResultNoDevice.Add(1)
	case result == proto.ResultInvalid:
		m.ResultInvalid.Add(1)
	case result == proto.ResultAborted, result == proto.ResultTimeout:
		m.ResultAborted.Add(1)
	case proto.HostByte(result) == 0 && proto.StatusByte(result) == proto.StatusCheckCondition:
		m.ResultCheckCondition.Add(1)
	default:
		m.ResultIOError.Add(1)
	}
	m.recordLatency(latencyNs)
}

func (m *Metrics) recordLatency(latencyNs uint64) {
	m.TotalLatencyNs.Add(latencyNs)
	m.OpCount.Add(1)

	for i, bucket := range LatencyBuckets {
		if latencyNs <= bucket {
			m.LatencyBuckets[i].Add(1)
		}
	}
}

// Stop marks the metrics window as closed
func (m *Metrics) Stop() {
	m.StopTime.Store(time.Now().UnixNano())
}

// MetricsSnapshot is a point-in-time copy of Metrics
type MetricsSnapshot struct {
	Commands uint64
	Aborts   uint64
	Resets   uint64
	Other    uint64

	OK             uint64
	NoDevice       uint64
	Invalid        uint64
	IOError        uint64
	CheckCondition uint64
	Aborted        uint64
	TaskSuccess    uint64
	TaskFailed     uint64

	Deferrals     uint64
	GrantFailures uint64
	RingFaults    uint64

	Inflight    int64
	MaxInflight int64

	AvgLatencyNs  uint64
	UptimeNs      uint64
	LatencyP50Ns  uint64
	LatencyP99Ns  uint64
	LatencyP999Ns uint64

	LatencyHistogram [numLatencyBuckets]uint64

	Dispatched uint64
	Responses  uint64
	IOPS       float64
	ErrorRate  float64 // percentage of responses that were not a success
}

// Snapshot creates a point-in-time snapshot of metrics
func (m *Metrics) Snapshot() MetricsSnapshot {
	snap := MetricsSnapshot{
		Commands:       m.Commands.Load(),
		Aborts:         m.Aborts.Load(),
		Resets:         m.Resets.Load(),
		Other:          m.Other.Load(),
		OK:             m.ResultOK.Load(),
		NoDevice:       m.ResultNoDevice.Load(),
		Invalid:        m.ResultInvalid.Load(),
		IOError:        m.ResultIOError.Load(),
		CheckCondition: m.ResultCheckCondition.Load(),
		Aborted:        m.ResultAborted.Load(),
		TaskSuccess:    m.ResultTaskSuccess.Load(),
		TaskFailed:     m.ResultTaskFailed.Load(),
		Deferrals:      m.Deferrals.Load(),
		GrantFailures:  m.GrantFailures.Load(),
		RingFaults:     m.RingFaults.Load(),
		Inflight:       m.Inflight.Load(),
		MaxInflight:    m.MaxInflight.Load(),
	}

	snap.Dispatched = snap.Commands + snap.Aborts + snap.Resets + snap.Other
	snap.Responses = m.OpCount.Load()

	if snap.Responses > 0 {
		snap.AvgLatencyNs = m.TotalLatencyNs.Load() / snap.Responses
		good := snap.OK + snap.TaskSuccess
		snap.ErrorRate = float64(snap.Responses-good) / float64(snap.Responses) * 100.0
	}

	startTime := m.StartTime.Load()
	if stopTime := m.StopTime.Load(); stopTime > 0 {
		snap.UptimeNs = uint64(stopTime - startTime)
	} else {
		snap.UptimeNs = uint64(time.Now().UnixNano() - startTime)
	}
	if snap.UptimeNs > 0 {
		snap.IOPS = float64(snap.Responses) / (float64(snap.UptimeNs) / 1e9)
	}

	for i := 0; i < numLatencyBuckets; i++ {
		snap.LatencyHistogram[i] = m.LatencyBuckets[i].Load()
	}
	if snap.Responses > 0 {
		snap.LatencyP50Ns = m.calculatePercentile(0.50)
		snap.LatencyP99Ns = m.calculatePercentile(0.99)
		snap.LatencyP999Ns = m.calculatePercentile(0.999)
	}
	return snap
}

// calculatePercentile estimates the latency at the given percentile (0.0-1.0)
// using linear interpolation between histogram buckets.
func (m *Metrics) calculatePercentile(percentile float64) uint64 {
	totalOps := m.OpCount.Load()
	if totalOps == 0 {
		return 0
	}
	targetCount := uint64(float64(totalOps) * percentile)

	prevBucket := uint64(0)
	for i, bucket := range LatencyBuckets {
		bucketCount := m.LatencyBuckets[i].Load()
		if bucketCount >= targetCount {
			prevCount := uint64(0)
			if i > 0 {
				prevCount = m.LatencyBuckets[i-1].Load()
			}
			if bucketCount == prevCount {
				return bucket
			}
			fraction := float64(targetCount-prevCount) / float64(bucketCount-prevCount)
			return prevBucket + uint64(fraction*float64(bucket-prevBucket))
		}
		prevBucket = bucket
	}
	return LatencyBuckets[numLatencyBuckets-1]
}

// Reset resets all counters (useful for testing)
func (m *Metrics) Reset() {
	for _, c := range []*atomic.Uint64{
		&m.Commands, &m.Aborts, &m.Resets, &m.Other,
		&m.ResultOK, &m.ResultNoDevice, &m.ResultInvalid, &m.ResultIOError,
		&m.ResultCheckCondition, &m.ResultAborted, &m.ResultTaskSuccess, &m.ResultTaskFailed,
		&m.Deferrals, &m.GrantFailures, &m.RingFaults, &m.TotalLatencyNs, &m.OpCount,
	} {
		c.Store(0)
	}
	for i := 0; i < numLatencyBuckets; i++ {
		m.LatencyBuckets[i].Store(0)
	}
	m.Inflight.Store(0)
	m.MaxInflight.Store(0)
	m.StartTime.Store(time.Now().UnixNano())
	m.StopTime.Store(0)
}

// Observer receives per-request events from every connection's worker.
// Implementations must be safe for concurrent use.
type Observer interface {
	// ObserveDispatch is called for each request consumed from a ring
	ObserveDispatch(op Op)

	// ObserveResponse is called for each response written
	ObserveResponse(op Op, result int32, latency time.Duration)

	// ObserveDeferral is called when draining pauses on an exhausted pool
	ObserveDeferral()

	// ObserveGrantFailure is called when a request's segments fail to map
	ObserveGrantFailure()

	// ObserveOverflow is called when a ring is found inconsistent
	ObserveOverflow()
}

var _ queue.Observer = Observer(nil)

// NoOpObserver is a no-op implementation of Observer
type NoOpObserver struct{}

func (NoOpObserver) ObserveDispatch(Op)                       {}
func (NoOpObserver) ObserveResponse(Op, int32, time.Duration) {}
func (NoOpObserver) ObserveDeferral()                         {}
func (NoOpObserver) ObserveGrantFailure()                     {}
func (NoOpObserver) ObserveOverflow()                         {}

// MetricsObserver implements Observer using the built-in Metrics
type MetricsObserver struct {
	metrics *Metrics
}

// NewMetricsObserver creates an observer that records to the given metrics
func NewMetricsObserver(m *Metrics) *MetricsObserver {
	return &MetricsObserver{metrics: m}
}

func (o *MetricsObserver) ObserveDispatch(op Op) {
	o.metrics.RecordDispatch(op)
}

func (o *MetricsObserver) ObserveResponse(_ Op, result int32, latency time.Duration) {
	o.metrics.RecordResponse(result, uint64(latency.Nanoseconds()))
}

func (o *MetricsObserver) ObserveDeferral() {
	o.metrics.Deferrals.Add(1)
}

func (o *MetricsObserver) ObserveGrantFailure() {
	o.metrics.GrantFailures.Add(1)
}

func (o *MetricsObserver) ObserveOverflow() {
	o.metrics.RingFaults.Add(1)
}

// MultiObserver fans events out to several observers
type MultiObserver []Observer

func (m MultiObserver) ObserveDispatch(op Op) {
	for _, o := range m {
		o.ObserveDispatch(op)
	}
}

func (m MultiObserver) ObserveResponse(op Op, result int32, latency time.Duration) {
	for _, o := range m {
		o.ObserveResponse(op, result, latency)
	}
}

func (m MultiObserver) ObserveDeferral() {
	for _, o := range m {
		o.ObserveDeferral()
	}
}

func (m MultiObserver) ObserveGrantFailure() {
	for _, o := range m {
		o.ObserveGrantFailure()
	}
}

func (m MultiObserver) ObserveOverflow() {
	for _, o := range m {
		o.ObserveOverflow()
	}
}

// Compile-time interface checks
var (
	_ Observer = (*MetricsObserver)(nil)
	_ Observer = NoOpObserver{}
	_ Observer = MultiObserver(nil)
)
