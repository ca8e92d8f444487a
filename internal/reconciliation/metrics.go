package reconciliation

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	reconcilePoolMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "pool_mismatches",
		Help:      "Number of assets whose custody pool was out of balance in the last run.",
	})

	reconcileChainMismatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "chain_mismatches",
		Help:      "Number of assets whose on-chain custody balance fell short in the last run.",
	})

	reconcileOverdueEscrows = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "overdue_escrows",
		Help:      "Funded escrows past deadline plus grace found in the last run.",
	})

	reconcilePoolDrift = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "pool_drift",
		Help:      "Custody pool balance minus open commitments and fees, in display units.",
	}, []string{"asset"})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "escrowd",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation runs that failed with an error.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcilePoolMismatches,
		reconcileChainMismatches,
		reconcileOverdueEscrows,
		reconcilePoolDrift,
		reconcileDuration,
		reconcileErrors,
	)
}

// displayFloat converts a formatted amount to a float for gauges.
// Precision loss is fine there.
func displayFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
