package bot

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики торгового ядра
// ============================================================
//
// Метрики исполнителя и пайплайна живут в своих пакетах
// (executor, pipeline), здесь - позиции, тики и глобальные ограничения.

// ============ Метрики латентности ============

// TickLatency - время обработки одного тика трейдером
var TickLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "signaltrader",
		Subsystem: "trading",
		Name:      "tick_latency_ms",
		Help:      "Time to process a price tick in milliseconds",
		Buckets:   []float64{0.1, 0.5, 1, 5, 10, 50, 100, 500, 1000, 5000},
	},
	[]string{"symbol"},
)

// ============ Счётчики событий ============

// TicksProcessed - обработанные тики
var TicksProcessed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "trading",
		Name:      "ticks_processed_total",
		Help:      "Total number of processed price ticks",
	},
	[]string{"symbol"},
)

// PositionsOpened - открытые позиции
var PositionsOpened = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "trading",
		Name:      "positions_opened_total",
		Help:      "Total number of positions opened",
	},
	[]string{"symbol"},
)

// PositionsClosed - закрытые позиции
var PositionsClosed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "trading",
		Name:      "positions_closed_total",
		Help:      "Total number of positions closed",
	},
	[]string{"symbol", "result"}, // result: sell, stop, failed
)

// OrderReplacements - перестановки лимитных ордеров из-за отклонения цены
var OrderReplacements = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "trading",
		Name:      "order_replacements_total",
		Help:      "Resting orders cancelled and resubmitted after price drift",
	},
	[]string{"symbol", "side"},
)

// StopMoves - перестановки трейлинг-стопа
var StopMoves = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "risk",
		Name:      "stop_moves_total",
		Help:      "Trailing stop re-quotes",
	},
	[]string{"symbol"},
)

// SkippedOpens - сигналы на покупку, не ставшие позицией
var SkippedOpens = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "risk",
		Name:      "skipped_opens_total",
		Help:      "Buy signals skipped by limits",
	},
	[]string{"symbol", "reason"}, // reason: disabled, global, max_positions, sizing, balance
)

// UnexpectedTransitions - переходы состояний позиции вне таблицы
var UnexpectedTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "trading",
		Name:      "unexpected_transitions_total",
		Help:      "Position state transitions not present in the transition table",
	},
	[]string{"symbol"},
)

// TickPanics - паники, перехваченные при обработке тика
var TickPanics = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "runtime",
		Name:      "tick_panics_total",
		Help:      "Panics recovered while processing a symbol tick",
	},
	[]string{"symbol"},
)

// ============ Метрики состояния ============

// OpenPositions - открытые позиции по символу
var OpenPositions = promauto.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "signaltrader",
		Subsystem: "trading",
		Name:      "open_positions",
		Help:      "Current number of open positions",
	},
	[]string{"symbol"},
)

// QuoteBalance - оценка баланса в quote
var QuoteBalance = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "signaltrader",
		Subsystem: "trading",
		Name:      "quote_balance",
		Help:      "Estimated free quote balance",
	},
)

// NewPositionsDisabled - 1, если открытие новых позиций запрещено глобально
var NewPositionsDisabled = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "signaltrader",
		Subsystem: "risk",
		Name:      "new_positions_disabled",
		Help:      "1 when opening new positions is globally disabled",
	},
)

// ProfitPercent - доходность закрытых позиций
var ProfitPercent = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "signaltrader",
		Subsystem: "trading",
		Name:      "profit_percent",
		Help:      "Profit of closed positions in percent",
		Buckets:   []float64{-10, -5, -2, -1, -0.5, 0, 0.5, 1, 2, 5, 10},
	},
	[]string{"symbol"},
)

// ============ Вспомогательные функции ============

// RecordClose записывает закрытие позиции
func RecordClose(symbol, result string, profitPct float64) {
	PositionsClosed.WithLabelValues(symbol, result).Inc()
	if result != "failed" {
		ProfitPercent.WithLabelValues(symbol).Observe(profitPct)
	}
}

// RecordSkip записывает пропущенный сигнал
func RecordSkip(symbol, reason string) {
	SkippedOpens.WithLabelValues(symbol, reason).Inc()
}

// UpdateGlobal обновляет метрики глобального состояния
func UpdateGlobal(balance float64, disabled bool) {
	QuoteBalance.Set(balance)
	if disabled {
		NewPositionsDisabled.Set(1)
	} else {
		NewPositionsDisabled.Set(0)
	}
}
