package pvback

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ehrlich-b/go-pvback/internal/proto"
)

// PrometheusObserver exports worker events as Prometheus collectors
type PrometheusObserver struct {
	dispatched    *prometheus.CounterVec
	responses     *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	inflight      prometheus.Gauge
	deferrals     prometheus.Counter
	grantFailures prometheus.Counter
	ringFaults    prometheus.Counter
}

// NewPrometheusObserver creates the collectors and registers them with reg.
// A nil reg uses the default registerer.
func NewPrometheusObserver(reg prometheus.Registerer) *PrometheusObserver {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	o := &PrometheusObserver{
		dispatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pvback",
				Subsystem: "worker",
				Name:      "requests_dispatched_total",
				Help:      "Number of requests consumed from guest rings.",
			},
			[]string{"op"}),
		responses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "pvback",
				Subsystem: "worker",
				Name:      "responses_total",
				Help:      "Number of responses written to guest rings.",
			},
			[]string{"op", "result"}),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "pvback",
				Subsystem: "worker",
				Name:      "request_duration_seconds",
				Help:      "Time from consuming a request to writing its response.",
				Buckets:   prometheus.ExponentialBuckets(1e-6, 10, 8),
			},
			[]string{"op"}),
		inflight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "pvback",
				Subsystem: "worker",
				Name:      "requests_inflight",
				Help:      "Number of consumed requests awaiting a response.",
			}),
		deferrals: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pvback",
				Subsystem: "worker",
				Name:      "deferrals_total",
				Help:      "Number of times draining paused on an exhausted request pool.",
			}),
		grantFailures: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pvback",
				Subsystem: "grant",
				Name:      "map_failures_total",
				Help:      "Number of requests whose data segments could not be mapped.",
			}),
		ringFaults: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "pvback",
				Subsystem: "ring",
				Name:      "faults_total",
				Help:      "Number of connections stalled on an inconsistent ring.",
			}),
	}
	reg.MustRegister(o.dispatched, o.responses, o.latency, o.inflight,
		o.deferrals, o.grantFailures, o.ringFaults)
	return o
}

func (o *PrometheusObserver) ObserveDispatch(op Op) {
	o.dispatched.WithLabelValues(op.String()).Inc()
	o.inflight.Inc()
}

func (o *PrometheusObserver) ObserveResponse(op Op, result int32, latency time.Duration) {
	o.inflight.Dec()
	o.responses.WithLabelValues(op.String(), resultLabel(result)).Inc()
	o.latency.WithLabelValues(op.String()).Observe(latency.Seconds())
}

func (o *PrometheusObserver) ObserveDeferral() {
	o.deferrals.Inc()
}

func (o *PrometheusObserver) ObserveGrantFailure() {
	o.grantFailures.Inc()
}

func (o *PrometheusObserver) ObserveOverflow() {
	o.ringFaults.Inc()
}

func resultLabel(result int32) string {
	switch result {
	case proto.ResultOK:
		return "ok"
	case proto.ResultNoDevice:
		return "no_device"
	case proto.ResultInvalid:
		return "invalid"
	case proto.ResultIOError:
		return "io_error"
	case proto.ResultTimeout:
		return "timeout"
	case proto.ResultAborted:
		return "aborted"
	case proto.ResultTaskSuccess:
		return "task_success"
	case proto.ResultTaskFailed:
		return "task_failed"
	}
	if proto.HostByte(result) == 0 && proto.StatusByte(result) == proto.StatusCheckCondition {
		return "check_condition"
	}
	return "error"
}

var _ Observer = (*PrometheusObserver)(nil)
