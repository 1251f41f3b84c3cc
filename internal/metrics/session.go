package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsCreated tracks total SNaP2P sessions created.
	SessionsCreated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total number of sessions created",
		},
		[]string{"status"}, // authenticated, failed
	)

	// SessionsActive tracks currently authenticated sessions.
	SessionsActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "active",
			Help:      "Number of currently authenticated sessions",
		},
	)

	// SessionsClosed tracks closed sessions by reason.
	SessionsClosed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "closed_total",
			Help:      "Total number of closed sessions",
		},
		[]string{"reason"}, // local, remote, error
	)

	// SessionDuration tracks how long a session stayed authenticated.
	SessionDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "duration_seconds",
			Help:      "Duration a session remained authenticated, in seconds",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 12), // 1s to ~4.6h
		},
	)

	// SessionMessageSize tracks chat/control frame sizes observed on sessions.
	SessionMessageSize = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "frame_size_bytes",
			Help:      "Size of frames processed by sessions",
			Buckets:   prometheus.ExponentialBuckets(32, 4, 10), // 32B to 8MB
		},
		[]string{"direction"}, // inbound, outbound
	)
)
