package metrics

import (
	"encoding/json"
	"net/http"
	"time"
)

// IdentityStatus is one loaded identity's line in the /healthz report.
type IdentityStatus struct {
	Principal      string `json:"principal"`
	Nick           string `json:"nick,omitempty"`
	ListenerActive bool   `json:"listenerActive"`
	SessionCount   int    `json:"sessionCount"`
}

// HealthReporter supplies the live state /healthz renders. gateway.Daemon
// implements it so the metrics server never needs to import identitymgr
// directly.
type HealthReporter interface {
	HealthIdentities() []IdentityStatus
}

// HealthHandler builds the /healthz endpoint, grounded on the teacher's
// pkg/health/server.go handleHealth/handleLiveness shape but scoped to this
// gateway's own notion of health: which identities are loaded and whether
// each has an active inbound listener.
func HealthHandler(reporter HealthReporter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identities := reporter.HealthIdentities()
		status := "healthy"
		for _, id := range identities {
			if !id.ListenerActive {
				status = "degraded"
				break
			}
		}

		resp := map[string]interface{}{
			"status":     status,
			"timestamp":  time.Now().UTC().Format(time.RFC3339),
			"identities": identities,
		}

		w.Header().Set("Content-Type", "application/json")
		if status != "healthy" {
			w.WriteHeader(http.StatusOK)
		}
		_ = json.NewEncoder(w).Encode(resp)
	})
}

// StartCombinedServer serves /metrics and /healthz on addr. Used by
// gateway.Daemon when gateway-config.json sets a metrics port.
func StartCombinedServer(addr string, reporter HealthReporter) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.Handle("/healthz", HealthHandler(reporter))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.ListenAndServe()
	}()
	return srv
}
