// Package metrics registers the Prometheus series the engine updates
// during operation, served at /metrics by internal/api's promhttp
// handler. Grounded on chidi150c-coinbase's metrics.go: package-level
// vectors registered in init(), label-carrying setter/incrementer
// helpers for everything else to call.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// TicksProcessed counts every orchestrator tick that reached
	// detection. It carries no labels.
	TicksProcessed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dexarb_ticks_processed_total",
		Help: "Orchestrator ticks that reached opportunity detection.",
	})

	// TicksSkippedHighGas counts ticks dropped before detection because
	// the gas oracle reported a price above the configured ceiling.
	TicksSkippedHighGas = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dexarb_ticks_skipped_high_gas_total",
		Help: "Ticks skipped because the current gas price exceeded the configured ceiling.",
	})

	// OpportunitiesDetected counts raw detector output, before the
	// qualifier's profitability/risk gates run, labeled by kind.
	OpportunitiesDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexarb_opportunities_detected_total",
		Help: "Candidate opportunities produced by the detector, before qualification.",
	}, []string{"kind"})

	// OpportunitiesQualified counts opportunities that passed both the
	// profitability qualifier and the risk gate, labeled by kind.
	OpportunitiesQualified = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexarb_opportunities_qualified_total",
		Help: "Opportunities that passed qualification and the risk gate.",
	}, []string{"kind"})

	// OpportunitiesRejected counts opportunities dropped, labeled by the
	// stage (qualifier|risk_gate) and the reason string that stage set.
	OpportunitiesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dexarb_opportunities_rejected_total",
		Help: "Opportunities rejected, split by the stage and reason.",
	}, []string{"stage", "reason"})

	// NetProfitQuote is the last qualified opportunity's modeled net
	// profit, labeled by kind — a gauge rather than a counter since
	// dashboards want the current figure, not a running sum.
	NetProfitQuote = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dexarb_net_profit_quote",
		Help: "Modeled net profit (quote asset smallest unit) of the most recent qualified opportunity.",
	}, []string{"kind"})

	// CumulativeNetProfit is the running total of simulated realized
	// net profit across every settled fill.
	CumulativeNetProfit = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dexarb_cumulative_net_profit_quote",
		Help: "Cumulative realized net profit across all simulated fills (quote asset smallest unit).",
	})

	// PortfolioEquity mirrors chain.PortfolioState.Equity after every
	// settlement, for dashboards that want equity without a /statistics poll.
	PortfolioEquity = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dexarb_portfolio_equity_quote",
		Help: "Current portfolio equity (quote asset smallest unit).",
	})

	// PortfolioDrawdown mirrors chain.PortfolioState.Drawdown().
	PortfolioDrawdown = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dexarb_portfolio_drawdown_ratio",
		Help: "Current drawdown from peak equity, as a ratio in [0,1].",
	})

	// ActiveRpcEndpoint reports the index of the currently active RPC
	// endpoint in the pool's configured failover order.
	ActiveRpcEndpoint = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "dexarb_active_rpc_endpoint_index",
		Help: "Index of the RPC endpoint currently serving requests.",
	})

	// RpcEndpointErrors counts consecutive failures per endpoint index.
	RpcEndpointErrors = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dexarb_rpc_endpoint_errors",
		Help: "Consecutive error count observed on each RPC endpoint.",
	}, []string{"endpoint_index"})

	// DetectionLatencySeconds observes wall-clock time spent per
	// orchestrator tick, from reserve refresh to qualified emission.
	DetectionLatencySeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dexarb_detection_latency_seconds",
		Help:    "Time spent per orchestrator tick, from block refresh to qualified emission.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(
		TicksProcessed,
		TicksSkippedHighGas,
		OpportunitiesDetected,
		OpportunitiesQualified,
		OpportunitiesRejected,
		NetProfitQuote,
		CumulativeNetProfit,
		PortfolioEquity,
		PortfolioDrawdown,
		ActiveRpcEndpoint,
		RpcEndpointErrors,
		DetectionLatencySeconds,
	)
}

// IncTicksProcessed increments the processed-tick counter.
func IncTicksProcessed() { TicksProcessed.Inc() }

// IncTicksSkippedHighGas increments the high-gas-skip counter.
func IncTicksSkippedHighGas() { TicksSkippedHighGas.Inc() }

// IncDetected increments the detected-opportunity counter for kind.
func IncDetected(kind string) { OpportunitiesDetected.WithLabelValues(kind).Inc() }

// IncQualified increments the qualified-opportunity counter for kind.
func IncQualified(kind string) { OpportunitiesQualified.WithLabelValues(kind).Inc() }

// IncRejected increments the rejection counter for stage/reason.
func IncRejected(stage, reason string) { OpportunitiesRejected.WithLabelValues(stage, reason).Inc() }

// SetNetProfitQuote records the last qualified opportunity's modeled
// net profit for kind, in quote-asset float units (humans read this
// off a dashboard; the stored record keeps the exact big.Int string).
func SetNetProfitQuote(kind string, netProfit float64) {
	NetProfitQuote.WithLabelValues(kind).Set(netProfit)
}

// AddCumulativeNetProfit adds delta (float quote units) to the running total.
func AddCumulativeNetProfit(delta float64) { CumulativeNetProfit.Add(delta) }

// SetPortfolioEquity records the current portfolio equity.
func SetPortfolioEquity(equity float64) { PortfolioEquity.Set(equity) }

// SetPortfolioDrawdown records the current drawdown ratio.
func SetPortfolioDrawdown(ratio float64) { PortfolioDrawdown.Set(ratio) }

// SetActiveRpcEndpoint records which endpoint index is currently active.
func SetActiveRpcEndpoint(index int) { ActiveRpcEndpoint.Set(float64(index)) }

// SetRpcEndpointErrors records the consecutive error count for one endpoint index.
func SetRpcEndpointErrors(index, count int) {
	RpcEndpointErrors.WithLabelValues(strconv.Itoa(index)).Set(float64(count))
}

// ObserveDetectionLatency records one tick's detection latency in seconds.
func ObserveDetectionLatency(seconds float64) { DetectionLatencySeconds.Observe(seconds) }
