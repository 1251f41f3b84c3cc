package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ACLDenied tracks inbound messages rejected by the router's allow-list.
	ACLDenied = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "acl_denied_total",
			Help:      "Total number of inbound messages denied by the ACL",
		},
		[]string{"scheme"}, // local, stacks
	)

	// OutboxState tracks outbox messages currently in each delivery state.
	OutboxState = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "outbox_state",
			Help:      "Number of outbox messages currently in each state",
		},
		[]string{"state"}, // pending, delivered, failed
	)

	// DeliveryAttempts tracks outbox delivery attempts by outcome.
	DeliveryAttempts = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mailbox",
			Name:      "delivery_attempts_total",
			Help:      "Total number of outbox delivery attempts",
		},
		[]string{"outcome"}, // delivered, retry, failed
	)
)
