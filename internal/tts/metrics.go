package tts

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricSynthesis = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_synthesis_total",
		Help: "Synthesis outcomes by status",
	}, []string{"status"})

	metricDirectives = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tts_directives_total",
		Help: "Directives sent to the synthesizer by kind",
	}, []string{"kind"})

	metricFirstFrameMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_first_frame_ms",
		Help:    "Latency from first speak directive to first audio frame",
		Buckets: prometheus.ExponentialBuckets(20, 1.6, 10),
	})

	metricConnectMS = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "tts_connect_ms",
		Help:    "Time to establish provider connection (ms)",
		Buckets: prometheus.ExponentialBuckets(10, 1.8, 10),
	})

	metricDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_discarded_frames_total",
		Help: "Audio frames dropped while waiting for a clear acknowledgement",
	})

	metricChunkDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tts_chunk_drops_total",
		Help: "Chunks dropped due to slow consumer",
	})
)
