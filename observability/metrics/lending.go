package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// LendingMetrics aggregates the counters and gauges the lending engines emit.
// The struct is a process-wide singleton registered against the default
// prometheus registry on first use.
type LendingMetrics struct {
	loansOpened      *prometheus.CounterVec
	loansRepaid      *prometheus.CounterVec
	loansForeclosed  *prometheus.CounterVec
	auctionsStarted  prometheus.Counter
	auctionsSettled  prometheus.Counter
	refinanceTotal   *prometheus.CounterVec
	reserveLiquidity *prometheus.GaugeVec
	reserveBorrowed  *prometheus.GaugeVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			loansOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_loans_opened_total",
				Help: "Count of loans originated by market.",
			}, []string{"market"}),
			loansRepaid: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_loans_repaid_total",
				Help: "Count of loans settled by repayment by market.",
			}, []string{"market"}),
			loansForeclosed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_loans_foreclosed_total",
				Help: "Count of loans closed by collateral seizure by market.",
			}, []string{"market"}),
			auctionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_auctions_started_total",
				Help: "Count of collateral auctions opened.",
			}),
			auctionsSettled: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "lending_auctions_settled_total",
				Help: "Count of collateral auctions cleared by a buyer.",
			}),
			refinanceTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_refinance_total",
				Help: "Count of refinance sessions by outcome.",
			}, []string{"outcome"}),
			reserveLiquidity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_reserve_liquidity",
				Help: "Idle liquidity held by each reserve.",
			}, []string{"reserve"}),
			reserveBorrowed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_reserve_borrowed",
				Help: "Outstanding borrowed principal per reserve.",
			}, []string{"reserve"}),
		}
		prometheus.MustRegister(
			lendingRegistry.loansOpened,
			lendingRegistry.loansRepaid,
			lendingRegistry.loansForeclosed,
			lendingRegistry.auctionsStarted,
			lendingRegistry.auctionsSettled,
			lendingRegistry.refinanceTotal,
			lendingRegistry.reserveLiquidity,
			lendingRegistry.reserveBorrowed,
		)
	})
	return lendingRegistry
}

func (m *LendingMetrics) ObserveLoanOpened(market string) {
	if m == nil {
		return
	}
	if market == "" {
		market = "unknown"
	}
	m.loansOpened.WithLabelValues(market).Inc()
}

func (m *LendingMetrics) ObserveLoanRepaid(market string) {
	if m == nil {
		return
	}
	if market == "" {
		market = "unknown"
	}
	m.loansRepaid.WithLabelValues(market).Inc()
}

func (m *LendingMetrics) ObserveLoanForeclosed(market string) {
	if m == nil {
		return
	}
	if market == "" {
		market = "unknown"
	}
	m.loansForeclosed.WithLabelValues(market).Inc()
}

func (m *LendingMetrics) ObserveAuctionStarted() {
	if m == nil {
		return
	}
	m.auctionsStarted.Inc()
}

func (m *LendingMetrics) ObserveAuctionSettled() {
	if m == nil {
		return
	}
	m.auctionsSettled.Inc()
}

func (m *LendingMetrics) ObserveRefinance(outcome string) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	m.refinanceTotal.WithLabelValues(outcome).Inc()
}

func (m *LendingMetrics) SetReserveLiquidity(reserveID string, amount float64) {
	if m == nil {
		return
	}
	m.reserveLiquidity.WithLabelValues(reserveID).Set(amount)
}

func (m *LendingMetrics) SetReserveBorrowed(reserveID string, amount float64) {
	if m == nil {
		return
	}
	m.reserveBorrowed.WithLabelValues(reserveID).Set(amount)
}
