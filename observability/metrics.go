package observability

import (
	"math"
	"math/big"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingEngineMetrics records ledger activity for the lending engine and
// its collaborators.
type LendingEngineMetrics struct {
	operations   *prometheus.CounterVec
	rejections   *prometheus.CounterVec
	deposits     *prometheus.CounterVec
	liquidations prometheus.Counter
	interest     prometheus.Counter
	badDebt      prometheus.Gauge
	breakerTrips *prometheus.CounterVec
}

var (
	lendingMetricsOnce sync.Once
	lendingRegistry    *LendingEngineMetrics
)

// LendingMetrics returns the lazily-initialised metrics registry used to
// record lending module activity.
func LendingMetrics() *LendingEngineMetrics {
	lendingMetricsOnce.Do(func() {
		lendingRegistry = &LendingEngineMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "musd",
				Subsystem: "lending",
				Name:      "operations_total",
				Help:      "Total ledger operations segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "musd",
				Subsystem: "lending",
				Name:      "rejections_total",
				Help:      "Operations rejected before any state change, segmented by reason.",
			}, []string{"operation", "reason"}),
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "musd",
				Subsystem: "vault",
				Name:      "deposits_total",
				Help:      "Collateral deposits segmented by asset.",
			}, []string{"asset"}),
			liquidations: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "musd",
				Subsystem: "lending",
				Name:      "liquidations_total",
				Help:      "Count of executed liquidation calls.",
			}),
			interest: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "musd",
				Subsystem: "lending",
				Name:      "interest_accrued_units",
				Help:      "Cumulative interest accrued onto totalBorrows, in debt units.",
			}),
			badDebt: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: "musd",
				Subsystem: "lending",
				Name:      "bad_debt_units",
				Help:      "Outstanding uncovered bad debt, in debt units.",
			}),
			breakerTrips: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "musd",
				Subsystem: "oracle",
				Name:      "breaker_trips_total",
				Help:      "Safe price path rejections segmented by reason.",
			}, []string{"reason"}),
		}
		prometheus.MustRegister(
			lendingRegistry.operations,
			lendingRegistry.rejections,
			lendingRegistry.deposits,
			lendingRegistry.liquidations,
			lendingRegistry.interest,
			lendingRegistry.badDebt,
			lendingRegistry.breakerTrips,
		)
	})
	return lendingRegistry
}

// ObserveOperation records the outcome of a mutating ledger operation.
func (m *LendingEngineMetrics) ObserveOperation(operation string, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(operation, outcome).Inc()
}

// ObserveRejection records a typed pre-state rejection.
func (m *LendingEngineMetrics) ObserveRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(operation, reason).Inc()
}

// ObserveDeposit records a collateral deposit for an asset.
func (m *LendingEngineMetrics) ObserveDeposit(asset string) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(asset).Inc()
}

// ObserveLiquidation records an executed liquidation.
func (m *LendingEngineMetrics) ObserveLiquidation() {
	if m == nil {
		return
	}
	m.liquidations.Inc()
}

// ObserveInterest adds accrued interest to the cumulative counter.
func (m *LendingEngineMetrics) ObserveInterest(amount *big.Int) {
	if m == nil || amount == nil || amount.Sign() <= 0 {
		return
	}
	m.interest.Add(approximate(amount))
}

// SetBadDebt publishes the current uncovered bad debt level.
func (m *LendingEngineMetrics) SetBadDebt(amount *big.Int) {
	if m == nil || amount == nil {
		return
	}
	m.badDebt.Set(approximate(amount))
}

// ObserveBreakerTrip records a safe-path price rejection.
func (m *LendingEngineMetrics) ObserveBreakerTrip(reason string) {
	if m == nil {
		return
	}
	m.breakerTrips.WithLabelValues(reason).Inc()
}

// approximate converts a big integer into a float64 sample. Precision loss
// is acceptable for monitoring; the ledger itself never uses floats.
func approximate(amount *big.Int) float64 {
	f, _ := new(big.Float).SetInt(amount).Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) {
		return 0
	}
	return f
}
