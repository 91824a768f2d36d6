package routers

import (
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dag-broadcast/handlers"
)

// RegisterRoutes sets up all the HTTP routes of the broadcast engine
func RegisterRoutes(r *mux.Router, h *handlers.Handler, gatherer prometheus.Gatherer) {

	// Asks this validator to vote for a node
	r.HandleFunc("/nodes", h.ProcessNode).Methods("POST")

	// Hands a quorum-certified node to the DAG store
	r.HandleFunc("/certified-nodes", h.AddCertifiedNode).Methods("POST")

	// Lists the durable vote index
	r.HandleFunc("/votes", h.GetVotes).Methods("GET")

	// Collects votes below a round
	r.HandleFunc("/gc/{round:[0-9]+}", h.GCBeforeRound).Methods("POST")

	r.HandleFunc("/dag/window", h.GetWindow).Methods("GET")
	r.HandleFunc("/dag/rounds/{round:[0-9]+}", h.GetRound).Methods("GET")
	r.HandleFunc("/dag/nodes/{round:[0-9]+}/{author}", h.GetNode).Methods("GET")

	r.HandleFunc("/health", h.GetHealth).Methods("GET")

	if gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods("GET")
	}
}
