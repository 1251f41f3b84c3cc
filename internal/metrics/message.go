package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed tracks chat messages handled by the router.
	MessagesProcessed = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "processed_total",
			Help:      "Total number of chat messages processed",
		},
		[]string{"direction", "status"}, // inbound/delivered, outbound/pending
	)

	// DuplicateMessagesDropped tracks messages dropped as duplicates by id.
	DuplicateMessagesDropped = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "duplicates_dropped_total",
			Help:      "Total number of inbound messages dropped as duplicates",
		},
	)

	// MessageSize tracks chat message payload sizes.
	MessageSize = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "size_bytes",
			Help:      "Message payload size in bytes",
			Buckets:   prometheus.ExponentialBuckets(32, 4, 10), // 32B to 8MB
		},
	)

	// WakeHookDuration tracks how long wake-hook invocations take.
	WakeHookDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "messages",
			Name:      "wake_hook_duration_seconds",
			Help:      "Duration of wake-hook invocations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10), // 10ms to ~5s
		},
	)
)
