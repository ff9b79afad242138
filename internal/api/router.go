package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRouter wires every ledger route. All state-changing routes go through
// the idempotency layer; /metrics serves the injected registry.
func NewRouter(h *Handler, registry *prometheus.Registry) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.HealthCheckHandler).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()

	v1.HandleFunc("/accounts", h.CreateAccountHandler).Methods(http.MethodPost)
	v1.HandleFunc("/accounts/{id}", h.GetAccountHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/status", h.SetAccountStatusHandler).Methods(http.MethodPatch)
	v1.HandleFunc("/accounts/{id}/entries", h.GetAccountEntriesHandler).Methods(http.MethodGet)
	v1.HandleFunc("/accounts/{id}/reconcile", h.ReconcileAccountHandler).Methods(http.MethodPost)

	v1.HandleFunc("/transfers", h.CreateTransferHandler).Methods(http.MethodPost)
	v1.HandleFunc("/transfers/{id}", h.GetTransferHandler).Methods(http.MethodGet)

	v1.HandleFunc("/holds", h.PlaceHoldHandler).Methods(http.MethodPost)
	v1.HandleFunc("/holds/{id}", h.GetHoldHandler).Methods(http.MethodGet)
	v1.HandleFunc("/holds/{id}/capture", h.CaptureHoldHandler).Methods(http.MethodPost)
	v1.HandleFunc("/holds/{id}/release", h.ReleaseHoldHandler).Methods(http.MethodPost)

	return r
}
