package treasury

import (
	"math/big"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Blazingkevin/trustless-escrow/internal/money"
)

var (
	// TreasuryOpsTotal counts treasury operations by type.
	TreasuryOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "escrowd",
			Name:      "treasury_operations_total",
			Help:      "Total treasury operations by type.",
		},
		[]string{"type"},
	)

	// TreasuryOpDuration observes operation latency by type.
	TreasuryOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "escrowd",
			Name:      "treasury_operation_duration_seconds",
			Help:      "Treasury operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// TreasuryLocked tracks the custody pool size per asset, in
	// display units.
	TreasuryLocked = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "escrowd",
			Name:      "treasury_locked_total",
			Help:      "Funds held in escrow custody per asset.",
		},
		[]string{"asset"},
	)
)

func init() {
	prometheus.MustRegister(
		TreasuryOpsTotal,
		TreasuryOpDuration,
		TreasuryLocked,
	)
}

// observeOp increments the operation counter and returns a function to
// observe duration.
func observeOp(opType string) func() {
	TreasuryOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		TreasuryOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}

// displayFloat converts a base-unit amount to display units for
// metrics. Precision loss is fine there.
func displayFloat(n *big.Int) float64 {
	f, _ := strconv.ParseFloat(money.Format(n), 64)
	return f
}
