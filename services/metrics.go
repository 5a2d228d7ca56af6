package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	callsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_calls_total",
			Help: "Total number of media streams accepted",
		},
	)

	activeCalls = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "relay_active_calls",
			Help: "Number of media streams currently being relayed",
		},
	)

	interruptionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "relay_interruptions_total",
			Help: "Total number of caller barge-ins that truncated assistant audio",
		},
	)

	summaryRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_summary_requests_total",
			Help: "End-of-call summary requests by outcome",
		},
		[]string{"outcome"},
	)

	reportsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_reports_total",
			Help: "Post-call reports by final status",
		},
		[]string{"status"},
	)

	metricsOnce sync.Once
)

// Summary request outcomes.
const (
	SummaryReceived = "received"
	SummaryTimeout  = "timeout"
	SummarySkipped  = "skipped"
)

// InitMetrics registers the relay collectors with the default registry.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			callsTotal,
			activeCalls,
			interruptionsTotal,
			summaryRequestsTotal,
			reportsTotal,
		)
	})
}

func RecordCallStarted() {
	callsTotal.Inc()
	activeCalls.Inc()
}

func RecordCallEnded() {
	activeCalls.Dec()
}

func RecordInterruption() {
	interruptionsTotal.Inc()
}

func RecordSummaryRequest(outcome string) {
	summaryRequestsTotal.WithLabelValues(outcome).Inc()
}

func RecordReport(status string) {
	reportsTotal.WithLabelValues(status).Inc()
}
