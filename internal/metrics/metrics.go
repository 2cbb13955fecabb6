// Package metrics exposes the engine's Prometheus surface: scanner
// admissions/rejections, position tier transitions, broker error kinds,
// and the DayLedger's counters, all registered against a package-level
// custom Registry rather than the global default one.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Registry is the engine's custom prometheus registry, served over
// /metrics by cmd/gapbot rather than the global default registry.
var Registry = prometheus.NewRegistry()

var (
	// ScannerTicks counts scanner cadence ticks as they start.
	ScannerTicks = promauto.With(Registry).NewCounter(prometheus.CounterOpts{
		Namespace: "gapbot",
		Subsystem: "scanner",
		Name:      "ticks_total",
		Help:      "Total started scanner ticks",
	})

	// SetupsEvaluated counts symbols run through the Strategy Evaluator,
	// whether or not a setup results, labeled by symbol and trade side.
	SetupsEvaluated = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "gapbot",
		Subsystem: "scanner",
		Name:      "setups_evaluated_total",
		Help:      "Symbols evaluated by the strategy evaluator",
	}, []string{"symbol", "side"})

	// RiskGateRejections counts Risk Gate rejections, labeled by reason.
	RiskGateRejections = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "gapbot",
		Subsystem: "riskgate",
		Name:      "rejections_total",
		Help:      "Risk Gate rejections by reason",
	}, []string{"reason"})

	// BrokerErrors counts broker adapter errors, labeled by kind.
	BrokerErrors = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "gapbot",
		Subsystem: "broker",
		Name:      "errors_total",
		Help:      "Broker adapter errors by kind",
	}, []string{"kind"})

	// PositionTierTransitions counts state-machine transitions, labeled by
	// the destination state.
	PositionTierTransitions = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: "gapbot",
		Subsystem: "position",
		Name:      "tier_transitions_total",
		Help:      "Position manager state transitions by destination state",
	}, []string{"state"})

	// OpenManagedPositions tracks the current count of open managed
	// positions, mirroring the DayLedger's concurrency-cap counter.
	OpenManagedPositions = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "gapbot",
		Subsystem: "ledger",
		Name:      "open_managed_positions",
		Help:      "Current number of open managed positions",
	})

	// RealizedPnLToday tracks the DayLedger's running realized PnL.
	RealizedPnLToday = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "gapbot",
		Subsystem: "ledger",
		Name:      "realized_pnl_today",
		Help:      "Realized PnL for the current trading day",
	})

	// FilledTradeCountToday tracks the DayLedger's filled-trade counter.
	FilledTradeCountToday = promauto.With(Registry).NewGauge(prometheus.GaugeOpts{
		Namespace: "gapbot",
		Subsystem: "ledger",
		Name:      "filled_trade_count_today",
		Help:      "Filled trade count for the current trading day",
	})
)
