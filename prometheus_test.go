package pvback

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestPrometheusObserver(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	o := NewPrometheusObserver(reg)

	o.ObserveDispatch(OpCommand)
	o.ObserveDispatch(OpCommand)
	o.ObserveDispatch(OpReset)
	o.ObserveResponse(OpCommand, ResultOK, time.Millisecond)
	o.ObserveResponse(OpReset, ResultTaskFailed, time.Microsecond)
	o.ObserveDeferral()
	o.ObserveGrantFailure()

	assert.Equal(t, 2.0, testutil.ToFloat64(o.dispatched.WithLabelValues("cdb")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.responses.WithLabelValues("cdb", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.responses.WithLabelValues("reset", "task_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.inflight))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.deferrals))
	assert.Equal(t, 1.0, testutil.ToFloat64(o.grantFailures))
	assert.Equal(t, 0.0, testutil.ToFloat64(o.ringFaults))

	n, err := testutil.GatherAndCount(reg, "pvback_worker_request_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestResultLabel(t *testing.T) {
	assert.Equal(t, "check_condition", resultLabel(ResultCheckCondition))
	assert.Equal(t, "no_device", resultLabel(ResultNoDevice))
	assert.Equal(t, "error", resultLabel(0x0001_0002))
}
