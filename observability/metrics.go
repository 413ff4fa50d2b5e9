package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// BridgeMetrics tracks custody activity on the deposit/withdraw bridge.
type BridgeMetrics struct {
	deposits      *prometheus.CounterVec
	withdrawals   *prometheus.CounterVec
	rejections    *prometheus.CounterVec
	vaultTotal    *prometheus.GaugeVec
	depositAmount *prometheus.CounterVec
}

var (
	bridgeOnce     sync.Once
	bridgeRegistry *BridgeMetrics

	loanPoolOnce     sync.Once
	loanPoolRegistry *LoanPoolMetrics

	oracleOnce     sync.Once
	oracleRegistry *OracleMetrics
)

// Bridge returns the lazily-initialised bridge metrics registry.
func Bridge() *BridgeMetrics {
	bridgeOnce.Do(func() {
		bridgeRegistry = &BridgeMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "bridge",
				Name:      "deposits_total",
				Help:      "Count of accepted custody deposits by asset.",
			}, []string{"asset"}),
			withdrawals: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "bridge",
				Name:      "withdrawals_total",
				Help:      "Count of settled authorized withdrawals by asset.",
			}, []string{"asset"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "bridge",
				Name:      "rejections_total",
				Help:      "Count of rejected bridge operations by reason.",
			}, []string{"operation", "reason"}),
			vaultTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "harbor",
				Subsystem: "bridge",
				Name:      "vault_total",
				Help:      "Tracked custody total per asset.",
			}, []string{"asset"}),
			depositAmount: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "bridge",
				Name:      "deposit_amount_total",
				Help:      "Cumulative deposited amount per asset in base units.",
			}, []string{"asset"}),
		}
		prometheus.MustRegister(
			bridgeRegistry.deposits,
			bridgeRegistry.withdrawals,
			bridgeRegistry.rejections,
			bridgeRegistry.vaultTotal,
			bridgeRegistry.depositAmount,
		)
	})
	return bridgeRegistry
}

func (m *BridgeMetrics) ObserveDeposit(asset string, amount float64) {
	if m == nil {
		return
	}
	asset = normalizeLabel(asset)
	m.deposits.WithLabelValues(asset).Inc()
	if amount > 0 {
		m.depositAmount.WithLabelValues(asset).Add(amount)
	}
}

func (m *BridgeMetrics) ObserveWithdraw(asset string) {
	if m == nil {
		return
	}
	m.withdrawals.WithLabelValues(normalizeLabel(asset)).Inc()
}

func (m *BridgeMetrics) ObserveRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(operation), normalizeLabel(reason)).Inc()
}

func (m *BridgeMetrics) SetVaultTotal(asset string, total float64) {
	if m == nil {
		return
	}
	m.vaultTotal.WithLabelValues(normalizeLabel(asset)).Set(total)
}

// LoanPoolMetrics tracks liquidity and flash-loan activity.
type LoanPoolMetrics struct {
	deposits   *prometheus.CounterVec
	redeems    *prometheus.CounterVec
	flashLoans *prometheus.CounterVec
	feesEarned *prometheus.CounterVec
	rejections *prometheus.CounterVec
}

// LoanPool returns the lazily-initialised loan pool metrics registry.
func LoanPool() *LoanPoolMetrics {
	loanPoolOnce.Do(func() {
		loanPoolRegistry = &LoanPoolMetrics{
			deposits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "loanpool",
				Name:      "deposits_total",
				Help:      "Count of pool liquidity deposits by asset.",
			}, []string{"asset"}),
			redeems: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "loanpool",
				Name:      "redeems_total",
				Help:      "Count of share redemptions by asset.",
			}, []string{"asset"}),
			flashLoans: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "loanpool",
				Name:      "flash_loans_total",
				Help:      "Count of flash loans segmented by asset and outcome.",
			}, []string{"asset", "outcome"}),
			feesEarned: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "loanpool",
				Name:      "fees_earned_total",
				Help:      "Cumulative flash-loan fees folded into the exchange rate.",
			}, []string{"asset"}),
			rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "loanpool",
				Name:      "rejections_total",
				Help:      "Count of rejected pool operations by reason.",
			}, []string{"operation", "reason"}),
		}
		prometheus.MustRegister(
			loanPoolRegistry.deposits,
			loanPoolRegistry.redeems,
			loanPoolRegistry.flashLoans,
			loanPoolRegistry.feesEarned,
			loanPoolRegistry.rejections,
		)
	})
	return loanPoolRegistry
}

func (m *LoanPoolMetrics) ObserveDeposit(asset string) {
	if m == nil {
		return
	}
	m.deposits.WithLabelValues(normalizeLabel(asset)).Inc()
}

func (m *LoanPoolMetrics) ObserveRedeem(asset string) {
	if m == nil {
		return
	}
	m.redeems.WithLabelValues(normalizeLabel(asset)).Inc()
}

func (m *LoanPoolMetrics) ObserveFlashLoan(asset, outcome string, fee float64) {
	if m == nil {
		return
	}
	asset = normalizeLabel(asset)
	m.flashLoans.WithLabelValues(asset, normalizeLabel(outcome)).Inc()
	if fee > 0 {
		m.feesEarned.WithLabelValues(asset).Add(fee)
	}
}

func (m *LoanPoolMetrics) ObserveRejection(operation, reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(normalizeLabel(operation), normalizeLabel(reason)).Inc()
}

// OracleMetrics tracks price feed health and circuit-breaker trips.
type OracleMetrics struct {
	quotes     *prometheus.CounterVec
	staleFeeds *prometheus.CounterVec
	deviations *prometheus.CounterVec
	feedAge    *prometheus.GaugeVec
}

// Oracle returns the lazily-initialised oracle metrics registry.
func Oracle() *OracleMetrics {
	oracleOnce.Do(func() {
		oracleRegistry = &OracleMetrics{
			quotes: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "oracle",
				Name:      "quotes_total",
				Help:      "Count of price quotes served segmented by source.",
			}, []string{"source"}),
			staleFeeds: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "oracle",
				Name:      "stale_feeds_total",
				Help:      "Count of quote requests rejected for staleness.",
			}, []string{"pair"}),
			deviations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "harbor",
				Subsystem: "oracle",
				Name:      "deviation_trips_total",
				Help:      "Count of circuit-breaker trips on spot/TWAP divergence.",
			}, []string{"pair"}),
			feedAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "harbor",
				Subsystem: "oracle",
				Name:      "feed_age_seconds",
				Help:      "Age of the freshest observation per feed.",
			}, []string{"pair"}),
		}
		prometheus.MustRegister(
			oracleRegistry.quotes,
			oracleRegistry.staleFeeds,
			oracleRegistry.deviations,
			oracleRegistry.feedAge,
		)
	})
	return oracleRegistry
}

func (m *OracleMetrics) ObserveQuote(source string) {
	if m == nil {
		return
	}
	m.quotes.WithLabelValues(normalizeLabel(source)).Inc()
}

func (m *OracleMetrics) ObserveStale(pair string) {
	if m == nil {
		return
	}
	m.staleFeeds.WithLabelValues(normalizeLabel(pair)).Inc()
}

func (m *OracleMetrics) ObserveDeviation(pair string) {
	if m == nil {
		return
	}
	m.deviations.WithLabelValues(normalizeLabel(pair)).Inc()
}

func (m *OracleMetrics) SetFeedAge(pair string, seconds float64) {
	if m == nil {
		return
	}
	m.feedAge.WithLabelValues(normalizeLabel(pair)).Set(seconds)
}

func normalizeLabel(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return "unknown"
	}
	return v
}
