package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Settlement counters. UnreversedDebits is the alerting hook for the worst
// failure mode: a payout debit whose external transfer failed and whose
// compensating reversal has not yet been committed.
var (
	BidsAccepted = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveshop",
		Subsystem: "auction",
		Name:      "bids_accepted_total",
		Help:      "Total number of accepted bids.",
	})

	BidsRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshop",
		Subsystem: "auction",
		Name:      "bids_rejected_total",
		Help:      "Total number of rejected bids by reason.",
	}, []string{"reason"})

	WriteConflicts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "liveshop",
		Subsystem: "store",
		Name:      "write_conflicts_total",
		Help:      "Conditional updates that lost a concurrent write race, by operation.",
	}, []string{"operation"})

	OversellRejections = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveshop",
		Subsystem: "checkout",
		Name:      "oversell_rejections_total",
		Help:      "Orders rejected because a stock decrement would have oversold.",
	})

	PayoutReversals = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "liveshop",
		Subsystem: "ledger",
		Name:      "payout_reversals_total",
		Help:      "Compensating reversals committed after failed transfers.",
	})

	UnreversedDebits = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "liveshop",
		Subsystem: "ledger",
		Name:      "unreversed_debits",
		Help:      "Payout debits awaiting a compensating reversal. Alert when > 0 for more than a few minutes.",
	})
)

func init() {
	prometheus.MustRegister(
		BidsAccepted,
		BidsRejected,
		WriteConflicts,
		OversellRejections,
		PayoutReversals,
		UnreversedDebits,
	)
}

// Handler exposes the prometheus scrape endpoint
func Handler() http.Handler {
	return promhttp.Handler()
}
