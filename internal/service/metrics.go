package service

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the service-level instruments, registered on the registry
// the process injects so tests can use isolated registries.
type Metrics struct {
	TransfersTotal   *prometheus.CounterVec
	TransferDuration *prometheus.HistogramVec
	HoldsExpired     prometheus.Counter
	ReconcileRuns    *prometheus.CounterVec
	DriftDetected    prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		TransfersTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transfers_total",
				Help: "Transfer requests by kind and outcome.",
			},
			[]string{"kind", "status"},
		),
		TransferDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ledger_transfer_duration_seconds",
				Help:    "End-to-end transfer execution latency.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		HoldsExpired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_holds_expired_total",
				Help: "Holds auto-released by the expiry sweep.",
			},
		),
		ReconcileRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_reconcile_runs_total",
				Help: "Per-account reconciliation passes by result.",
			},
			[]string{"result"},
		),
		DriftDetected: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "ledger_drift_detected_total",
				Help: "Accounts whose stored balances disagreed with the journal.",
			},
		),
	}
	registry.MustRegister(
		m.TransfersTotal,
		m.TransferDuration,
		m.HoldsExpired,
		m.ReconcileRuns,
		m.DriftDetected,
	)
	return m
}
