package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsRegistration(t *testing.T) {
	if HandshakesInitiated == nil {
		t.Error("HandshakesInitiated metric is nil")
	}
	if HandshakesCompleted == nil {
		t.Error("HandshakesCompleted metric is nil")
	}
	if HandshakesFailed == nil {
		t.Error("HandshakesFailed metric is nil")
	}
	if HandshakeDuration == nil {
		t.Error("HandshakeDuration metric is nil")
	}

	if SessionsCreated == nil {
		t.Error("SessionsCreated metric is nil")
	}
	if SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if SessionsClosed == nil {
		t.Error("SessionsClosed metric is nil")
	}
	if SessionDuration == nil {
		t.Error("SessionDuration metric is nil")
	}

	if ACLDenied == nil {
		t.Error("ACLDenied metric is nil")
	}
	if OutboxState == nil {
		t.Error("OutboxState metric is nil")
	}

	if PXPushesSent == nil {
		t.Error("PXPushesSent metric is nil")
	}

	if CryptoOperations == nil {
		t.Error("CryptoOperations metric is nil")
	}
}

func TestMetricsIncrement(t *testing.T) {
	HandshakesInitiated.WithLabelValues("initiator").Inc()
	HandshakesCompleted.WithLabelValues("authenticated").Inc()
	HandshakesFailed.WithLabelValues("timeout").Inc()
	HandshakeDuration.WithLabelValues("full").Observe(0.05)

	SessionsCreated.WithLabelValues("authenticated").Inc()
	SessionsActive.Inc()
	SessionsClosed.WithLabelValues("local").Inc()
	SessionDuration.Observe(120)

	ACLDenied.WithLabelValues("stacks").Inc()
	OutboxState.WithLabelValues("pending").Set(3)
	DeliveryAttempts.WithLabelValues("delivered").Inc()

	PXPushesSent.Inc()
	PXRecordsMerged.WithLabelValues("push").Inc()

	CryptoOperations.WithLabelValues("sign", "ed25519").Inc()
	CryptoOperations.WithLabelValues("seal", "chacha20poly1305").Inc()

	if count := testutil.CollectAndCount(HandshakesInitiated); count == 0 {
		t.Error("HandshakesInitiated has no metrics collected")
	}
	if count := testutil.CollectAndCount(SessionsCreated); count == 0 {
		t.Error("SessionsCreated has no metrics collected")
	}
	if count := testutil.CollectAndCount(CryptoOperations); count == 0 {
		t.Error("CryptoOperations has no metrics collected")
	}
}
