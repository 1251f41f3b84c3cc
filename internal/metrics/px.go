package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PXPushesSent tracks PX-1 peer-push frames sent on the gossip schedule.
	PXPushesSent = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "px",
			Name:      "pushes_sent_total",
			Help:      "Total number of PX-1 peer-push frames sent",
		},
	)

	// PXRecordsMerged tracks peer-book records merged in from gossip.
	PXRecordsMerged = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "px",
			Name:      "records_merged_total",
			Help:      "Total number of peer records merged from PX-1 gossip",
		},
		[]string{"source"}, // push, resolve
	)
)
