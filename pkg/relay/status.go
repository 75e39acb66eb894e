package relay

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/siiimooon/polar-osc/pkg/h10"
)

// StateFunc reports the current sensor session state.
type StateFunc func() h10.State

type healthResponse struct {
	Device    string `json:"device"`
	State     string `json:"state"`
	Connected bool   `json:"connected"`
}

// NewStatusHandler serves /metrics from gatherer and /healthz from state for
// the sensor named deviceID. /healthz answers 503 once the session has
// terminated.
func NewStatusHandler(gatherer prometheus.Gatherer, deviceID string, state StateFunc) http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		s := state()
		resp := healthResponse{Device: deviceID, State: s.String()}
		switch s {
		case h10.Connected, h10.Subscribed, h10.Streaming:
			resp.Connected = true
		}
		w.Header().Set("Content-Type", "application/json")
		if s == h10.Terminated {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(resp)
	}).Methods(http.MethodGet)
	return r
}
