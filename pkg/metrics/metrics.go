// Package metrics holds the relay's Prometheus collectors. They register with
// the default registry, which the server exposes on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Gauges
var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "voice_relay_active_sessions",
		Help: "Number of live call sessions",
	})
)

// Counters
var (
	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_sessions_total",
		Help: "Total call sessions accepted",
	})
	SetupFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_setup_failures_total",
		Help: "Session setups that did not reach active, by reason",
	}, []string{"reason"})
	AudioFramesForwardedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_audio_frames_forwarded_total",
		Help: "Inbound caller audio frames forwarded to the speech peer",
	})
	AudioFramesDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_audio_frames_dropped_total",
		Help: "Inbound caller audio frames dropped, by reason",
	}, []string{"reason"})
	AssistantFramesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_assistant_frames_total",
		Help: "Assistant audio deltas relayed to the caller",
	})
	InterruptionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "voice_relay_interruptions_total",
		Help: "Caller barge-ins that interrupted assistant playback",
	})
	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "voice_relay_tool_calls_total",
		Help: "Tool calls dispatched, by tool and side-effect outcome",
	}, []string{"tool", "outcome"})
)

// Histograms
var (
	ToolDispatchLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "voice_relay_tool_dispatch_duration_ms",
		Help:    "Tool side-effect duration in milliseconds by tool",
		Buckets: []float64{50, 100, 250, 500, 1000, 2000, 5000, 15000},
	}, []string{"tool"})
)

// Side-effect outcome label values.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeSkipped = "skipped"
	OutcomeUnknown = "unknown_tool"
)
