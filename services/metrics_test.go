package services

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInitMetricsIsIdempotent(t *testing.T) {
	assert.NotPanics(t, func() {
		InitMetrics()
		InitMetrics()
	})
}

func TestRecordHelpers(t *testing.T) {
	calls := testutil.ToFloat64(callsTotal)
	active := testutil.ToFloat64(activeCalls)
	interruptions := testutil.ToFloat64(interruptionsTotal)
	timeouts := testutil.ToFloat64(summaryRequestsTotal.WithLabelValues(SummaryTimeout))
	sent := testutil.ToFloat64(reportsTotal.WithLabelValues("sent"))

	RecordCallStarted()
	assert.Equal(t, calls+1, testutil.ToFloat64(callsTotal))
	assert.Equal(t, active+1, testutil.ToFloat64(activeCalls))
	RecordCallEnded()
	assert.Equal(t, active, testutil.ToFloat64(activeCalls))

	RecordInterruption()
	assert.Equal(t, interruptions+1, testutil.ToFloat64(interruptionsTotal))

	RecordSummaryRequest(SummaryTimeout)
	assert.Equal(t, timeouts+1, testutil.ToFloat64(summaryRequestsTotal.WithLabelValues(SummaryTimeout)))

	RecordReport("sent")
	assert.Equal(t, sent+1, testutil.ToFloat64(reportsTotal.WithLabelValues("sent")))
}
