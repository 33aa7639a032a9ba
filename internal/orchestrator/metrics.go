package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricBargeIn = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orch_barge_in_events_total",
		Help: "Total barge-in interruptions of generated speech",
	})

	metricTurns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_turns_total",
		Help: "Dialogue turns by outcome",
	}, []string{"outcome"}) // completed, interrupted, aborted, empty

	metricFirstToken = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_first_token_ms",
		Help:    "Latency from generation start to first fragment",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 10),
	})

	metricFirstAudio = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "orch_first_audio_ms",
		Help:    "Latency from first speak directive to first forwarded audio",
		Buckets: prometheus.ExponentialBuckets(50, 1.6, 10),
	})

	metricStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_state_transitions_total",
		Help: "Orchestrator state transitions",
	}, []string{"from", "to"})

	metricAlerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_alerts_total",
		Help: "Alert checks by result",
	}, []string{"result"}) // dispatched, duplicate, contended, error

	metricDurableFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_durable_write_failures_total",
		Help: "Failed writes to the call record store",
	}, []string{"op"})

	metricStaleEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "orch_stale_events_total",
		Help: "Events dropped because their turn or synthesis epoch was superseded",
	}, []string{"kind"})

	gaugeActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "orch_sessions_active",
		Help: "Sessions currently owning a call",
	})
)
