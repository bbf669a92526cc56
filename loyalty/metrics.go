// metrics.go - Prometheus instrumentation for the loyalty core.
//
// Counters are registered via promauto and exposed by the /metrics
// endpoint in the api package. Labels stay low-cardinality: transaction
// types and lifecycle outcomes, never user IDs.
package loyalty

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LedgerAppends counts committed ledger entries by transaction type.
var LedgerAppends = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loyalty_ledger_appends_total",
	Help: "Committed ledger entries by transaction type.",
}, []string{"type"})

// BalanceRejections counts ApplyDelta calls refused before any write.
var BalanceRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loyalty_balance_rejections_total",
	Help: "ApplyDelta calls rejected by reason (invalid_delta, insufficient_balance, conflict).",
}, []string{"reason"})

// VoucherTransitions counts voucher lifecycle transitions by terminal state.
var VoucherTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loyalty_voucher_transitions_total",
	Help: "Voucher lifecycle transitions by resulting status.",
}, []string{"status"})

// VouchersIssued counts issued vouchers.
var VouchersIssued = promauto.NewCounter(prometheus.CounterOpts{
	Name: "loyalty_vouchers_issued_total",
	Help: "Vouchers issued.",
})

// ReportResolutions counts dispute resolutions by outcome.
var ReportResolutions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "loyalty_report_resolutions_total",
	Help: "Missing-points report resolutions by outcome (resolved, rejected, already_resolved).",
}, []string{"outcome"})

// DriftDetections counts drift checks that found the cached balance
// disagreeing with the re-summed ledger. Any increment is an incident.
var DriftDetections = promauto.NewCounter(prometheus.CounterOpts{
	Name: "loyalty_balance_drift_detections_total",
	Help: "Drift checks where the cached balance did not equal the ledger sum.",
})
