package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RunningStations tracks the number of stations currently started.
	RunningStations = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "simulator_running_stations",
		Help: "The number of simulated stations currently running.",
	})

	// FramesSent counts outbound OCPP frames, labeled by action and frame type.
	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_frames_sent_total",
		Help: "Total number of OCPP frames sent to the central system.",
	}, []string{"action", "frame_type"})

	// FramesReceived counts inbound OCPP frames, labeled by frame type.
	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_frames_received_total",
		Help: "Total number of OCPP frames received from the central system.",
	}, []string{"frame_type"})

	// RequestErrors counts failed outbound requests, labeled by action and error code.
	RequestErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_request_errors_total",
		Help: "Total number of outbound requests that ended in CALLERROR or timeout.",
	}, []string{"action", "error_code"})

	// RequestDuration observes the round-trip time of outbound CALLs, labeled by action.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "simulator_request_duration_seconds",
		Help:    "Histogram of CALL round-trip times.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"action"})

	// Reconnects counts channel reconnect attempts per station.
	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "simulator_reconnects_total",
		Help: "Total number of channel reconnect attempts.",
	}, []string{"station"})
)
