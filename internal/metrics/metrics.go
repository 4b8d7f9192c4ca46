// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// GateChecks counts quota gate decisions by outcome.
	GateChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lucentra",
		Name:      "gate_checks_total",
		Help:      "Quota gate decisions by outcome.",
	}, []string{"outcome"})

	// UsageUnits counts metered units debited per service key.
	UsageUnits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lucentra",
		Name:      "usage_units_total",
		Help:      "Metered units debited per service key.",
	}, []string{"service_key"})

	// Purchases counts wallet purchase attempts by result reason.
	Purchases = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lucentra",
		Name:      "wallet_purchases_total",
		Help:      "Wallet purchase attempts by result.",
	}, []string{"result"})

	// LedgerWrites counts sealed audit ledger entries.
	LedgerWrites = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lucentra",
		Name:      "ledger_writes_total",
		Help:      "Sealed audit ledger entries.",
	})

	// LedgerVerifyFailures counts failed chain verifications.
	LedgerVerifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lucentra",
		Name:      "ledger_verify_failures_total",
		Help:      "Failed audit chain verifications.",
	})

	// TransactionsByStatus tracks lifecycle transitions.
	TransactionsByStatus = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lucentra",
		Name:      "transactions_total",
		Help:      "Transaction lifecycle transitions by target status.",
	}, []string{"status"})
)
