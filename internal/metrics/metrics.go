package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// FramesTotal counts inbound frames by detected wire shape
	FramesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_frames_total",
			Help: "Total number of inbound frames by wire shape",
		},
		[]string{"shape"},
	)

	// ProtocolErrors counts dropped frames and events
	ProtocolErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_protocol_errors_total",
			Help: "Total number of frames or events dropped as protocol violations",
		},
		[]string{"reason"},
	)

	// ToolCalls tracks tool calls reaching a terminal or waiting state
	ToolCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_tool_calls_total",
			Help: "Total number of tool calls by tool and status",
		},
		[]string{"tool", "status"},
	)

	// ToolDuration tracks handler latency
	ToolDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tether_tool_duration_seconds",
			Help:    "Tool handler duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"tool"},
	)

	// ApprovalDecisions counts approval outcomes by source (preference or user)
	ApprovalDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_approval_decisions_total",
			Help: "Total number of approval decisions",
		},
		[]string{"tool", "source", "approved"},
	)

	// QueuedResults tracks results waiting for a transport to reattach
	QueuedResults = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "tether_queued_results",
			Help: "Number of tool results queued while detached",
		},
	)

	// EventBufferDrops tracks dropped events due to buffer overflow
	EventBufferDrops = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_event_buffer_drops_total",
			Help: "Total number of events dropped due to buffer overflow",
		},
		[]string{"thread_id"},
	)

	// Reconnects counts transport reconnect attempts
	Reconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tether_transport_reconnects_total",
			Help: "Total number of transport reconnect attempts",
		},
		[]string{"transport"},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordFrame records an inbound frame of the given shape
func RecordFrame(shape string) {
	FramesTotal.WithLabelValues(shape).Inc()
}

// RecordProtocolError records a dropped frame or event
func RecordProtocolError(reason string) {
	ProtocolErrors.WithLabelValues(reason).Inc()
}

// RecordToolCall records a tool call status transition
func RecordToolCall(tool, status string) {
	ToolCalls.WithLabelValues(tool, status).Inc()
}

// ObserveToolDuration records how long a handler ran
func ObserveToolDuration(tool string, seconds float64) {
	ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordApproval records an approval decision
func RecordApproval(tool, source string, approved bool) {
	v := "false"
	if approved {
		v = "true"
	}
	ApprovalDecisions.WithLabelValues(tool, source, v).Inc()
}

// SetQueuedResults sets the number of results waiting for reattachment
func SetQueuedResults(count float64) {
	QueuedResults.Set(count)
}

// RecordEventDrop records an event buffer drop
func RecordEventDrop(threadID string) {
	EventBufferDrops.WithLabelValues(threadID).Inc()
}

// RecordReconnect records a transport reconnect attempt
func RecordReconnect(transport string) {
	Reconnects.WithLabelValues(transport).Inc()
}
