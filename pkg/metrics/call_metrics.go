package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Call engine metrics
var (
	CallsStartedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_started_total",
		Help: "Total number of call sessions started, by role",
	}, []string{"role"})

	CallsConnectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_sessions_connected_total",
		Help: "Total number of call sessions that reached the connected state",
	})

	CallsFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_sessions_failed_total",
		Help: "Total number of call sessions that ended in the failed state, by reason",
	}, []string{"reason"})

	CallStateTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "call_state_transitions_total",
		Help: "Total number of call session state transitions",
	}, []string{"state"})

	CallDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "call_duration_seconds",
		Help:    "Histogram of connected call duration in seconds",
		Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
	})

	PendingCandidateEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "call_pending_candidate_evictions_total",
		Help: "Total number of queued remote candidates evicted because the queue was full",
	})
)

// Signaling metrics
var (
	SignalEnvelopesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_envelopes_sent_total",
		Help: "Total number of signal envelopes written to the transport, by kind",
	}, []string{"kind"})

	SignalEnvelopesReceivedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_envelopes_received_total",
		Help: "Total number of relevant signal envelopes delivered to a session, by kind",
	}, []string{"kind"})

	SignalEnvelopesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "signal_envelopes_dropped_total",
		Help: "Total number of inbound rows discarded at the parse/filter boundary, by reason",
	}, []string{"reason"})

	TransportWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "transport_writes_total",
		Help: "Total number of message rows written to the shared transport, by type",
	}, []string{"type"})
)

// Presence metrics
var (
	PresenceWritesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "presence_writes_total",
		Help: "Total number of presence status writes, by status",
	}, []string{"status"})

	PresenceWriteFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "presence_write_failures_total",
		Help: "Total number of presence writes that failed (logged, never retried)",
	})
)
