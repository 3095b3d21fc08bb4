package bot

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"signaltrader/internal/models"
	"signaltrader/internal/repository"
	"signaltrader/internal/strategy"
	"signaltrader/pkg/utils"
)

var (
	ErrNoStrategy = errors.New("trader requires a signal strategy")
	ErrNoSizing   = errors.New("trader requires a sizing strategy")
	ErrNoLoss     = errors.New("trailing stop requires a loss strategy")
)

// TraderConfig - локальные ограничения трейдера одного символа
type TraderConfig struct {
	Symbol      string
	Granularity int // основная гранулярность свечей, сек

	MaxPositionsPerSymbol int   // <= 0 - без ограничения
	OpenCooldownSec       int64 // пауза между открытиями
	LossCooldownSec       int64 // пауза после убыточного закрытия
	LossCooldownPct       float64

	TrailingStop bool
	TrailStepPct float64

	// Продажа по сигналу только при нереализованной доходности не ниже порога.
	// 0 - без порога.
	MinTakeProfitPct float64

	Position PositionConfig
}

// TraderDeps - зависимости трейдера
type TraderDeps struct {
	Strategy strategy.Strategy
	Others   map[int]strategy.Strategy // гранулярность -> стратегия, только для фильтра открытия
	Sizing   strategy.Sizing
	Loss     strategy.Loss
	Pipeline OrderPipeline
	Store    repository.OrderStore
	Events   EventSink
	Logger   *zap.Logger
}

// GlobalState - снимок общего контекста, который MultiTrader передаёт в каждый тик
type GlobalState struct {
	DisableNewPositions bool    `json:"disable_new_positions"`
	QuoteBalance        float64 `json:"quote_balance"`
	LastClosedProfitPct float64 `json:"last_closed_profit_pct"`
	LastClosedTs        int64   `json:"last_closed_ts"`
	MaxPositions        int     `json:"max_positions"`
	OpenPositions       int     `json:"open_positions"`
}

// TickResult - итог тика для MultiTrader
type TickResult struct {
	Opened        int
	Closed        int
	Failed        int
	Replaced      int
	QuoteSpent    float64   // оптимистичное списание за открытые позиции
	ClosedProfits []float64 // доходность закрытых за тик позиций
	OpenPositions int
}

// TraderStats - накопленная статистика трейдера
type TraderStats struct {
	Symbol            string         `json:"symbol"`
	Strategy          string         `json:"strategy"`
	Opened            int            `json:"opened"`
	Closed            int            `json:"closed"`
	Failed            int            `json:"failed"`
	PositiveCount     int            `json:"positive_count"`
	NegativeCount     int            `json:"negative_count"`
	NetProfitPct      float64        `json:"net_profit_pct"`
	PositiveProfitPct float64        `json:"positive_profit_pct"`
	NegativeProfitPct float64        `json:"negative_profit_pct"`
	OpenPositions     int            `json:"open_positions"`
	DisabledUntil     int64          `json:"disabled_until,omitempty"`
	Positions         []PositionInfo `json:"positions"`
}

// Trader ведёт позиции одного символа.
//
// Тики обрабатываются строго по очереди под mu. Позиции не разделяются
// с другими трейдерами.
type Trader struct {
	cfg      TraderConfig
	strategy strategy.Strategy
	others   map[int]strategy.Strategy
	sizing   strategy.Sizing
	loss     strategy.Loss
	pipe     OrderPipeline
	store    repository.OrderStore
	events   EventSink
	base     *zap.Logger // без полей трейдера, для позиций
	logger   *zap.Logger

	mu            sync.Mutex
	positions     []*Position
	pid           int64
	disabledUntil int64 // unix ms
	lastOpenTs    int64
	stats         TraderStats
}

// NewTrader создаёт трейдера символа
func NewTrader(cfg TraderConfig, deps TraderDeps) (*Trader, error) {
	if deps.Strategy == nil {
		return nil, ErrNoStrategy
	}
	if deps.Sizing == nil {
		return nil, ErrNoSizing
	}
	if cfg.TrailingStop && deps.Loss == nil {
		return nil, ErrNoLoss
	}
	if cfg.Position.StartOrderType == "" {
		cfg.Position.StartOrderType = models.OrderTypeMarket
	}
	if cfg.Position.EndOrderType == "" {
		cfg.Position.EndOrderType = models.OrderTypeMarket
	}

	return &Trader{
		cfg:      cfg,
		strategy: deps.Strategy,
		others:   deps.Others,
		sizing:   deps.Sizing,
		loss:     deps.Loss,
		pipe:     deps.Pipeline,
		store:    deps.Store,
		events:   orNopSink(deps.Events),
		base:     utils.OrNop(deps.Logger),
		logger:   utils.OrNop(deps.Logger).With(utils.Component("trader"), utils.Symbol(cfg.Symbol)),
		stats:    TraderStats{Symbol: cfg.Symbol, Strategy: deps.Strategy.Name()},
	}, nil
}

// Symbol - символ трейдера
func (t *Trader) Symbol() string { return t.cfg.Symbol }

// Strategy - основная стратегия
func (t *Trader) Strategy() strategy.Strategy { return t.strategy }

// OnCandle передаёт свечу стратегии с совпадающей гранулярностью.
// false - свеча не нужна ни одной стратегии.
func (t *Trader) OnCandle(candle models.Candle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if candle.Granularity == t.cfg.Granularity {
		t.strategy.Update(candle)
		return true
	}
	if s, ok := t.others[candle.Granularity]; ok {
		s.Update(candle)
		return true
	}
	if t.cfg.Granularity == 0 {
		t.strategy.Update(candle)
		return true
	}
	return false
}

// OnPrice - один шаг цикла принятия решений:
//  1. опрос ордеров позиций и обслуживание трейлинг-стопа
//  2. учёт закрытых позиций
//  3. снятие паузы после убытка
//  4. открытие позиции по сигналу на покупку
//  5. перестановка покупок и закрытие по сигналу на продажу
func (t *Trader) OnPrice(price float64, ts int64, granularity int, g GlobalState) TickResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	var res TickResult
	if granularity > 0 && t.cfg.Granularity > 0 && granularity != t.cfg.Granularity {
		res.OpenPositions = len(t.positions)
		return res
	}

	start := time.Now()
	defer func() {
		TickLatency.WithLabelValues(t.cfg.Symbol).Observe(float64(time.Since(start).Microseconds()) / 1000)
		TicksProcessed.WithLabelValues(t.cfg.Symbol).Inc()
		OpenPositions.WithLabelValues(t.cfg.Symbol).Set(float64(len(t.positions)))
	}()

	// 1
	for _, p := range t.positions {
		p.MarketUpdate(price, ts)
		if t.cfg.TrailingStop && p.Opened() && !p.Closing() {
			t.maintainStop(p, price, ts)
		}
	}

	// 2
	t.sweep(ts, &res)

	// 3
	if t.disabledUntil > 0 && ts >= t.disabledUntil {
		t.disabledUntil = 0
		t.logger.Info("trading re-enabled after loss cooldown")
	}

	// 4
	buy := t.strategy.BuySignal()
	var opened *Position
	if buy {
		opened = t.tryOpen(price, ts, g, &res)
	}

	// 5
	sell := t.strategy.SellSignal()
	for _, p := range t.positions {
		if p == opened {
			continue
		}
		if buy && p.UpdateBuyPosition(p.buyOrder.RequestedSize, price, ts) {
			res.Replaced++
			t.publish(EventOrderReplaced, p, price, ts, "buy")
		}
		if !sell {
			continue
		}

		switch {
		case p.Closing():
			if p.UpdateSellPosition(price, ts) {
				res.Replaced++
				t.publish(EventOrderReplaced, p, price, ts, "sell")
			}
		case p.Opened():
			if t.cfg.MinTakeProfitPct > 0 && p.UnrealizedPercent(price) < t.cfg.MinTakeProfitPct {
				continue
			}
			if err := p.Close(price, ts); err != nil {
				t.logger.Warn("close deferred", utils.Pid(p.Pid), zap.Error(err))
			}
		}
	}

	// позиции, закрытые рыночным ордером в этом тике
	t.sweep(ts, &res)

	res.OpenPositions = len(t.positions)
	return res
}

// sweep убирает закрытые и несостоявшиеся позиции и учитывает их в итогах
func (t *Trader) sweep(ts int64, res *TickResult) {
	kept := t.positions[:0]
	for _, p := range t.positions {
		switch p.State() {
		case StateClosed:
			t.finish(p, ts, res)
		case StateFailed:
			p.Deactivate()
			t.stats.Failed++
			res.Failed++
			RecordClose(t.cfg.Symbol, "failed", 0)
			t.publish(EventPositionFailed, p, p.EntryPrice(), ts, "")
		default:
			kept = append(kept, p)
		}
	}
	for i := len(kept); i < len(t.positions); i++ {
		t.positions[i] = nil
	}
	t.positions = kept
}

func (t *Trader) finish(p *Position, ts int64, res *TickResult) {
	profit := p.ProfitPercent()
	p.Deactivate()

	t.stats.Closed++
	t.stats.NetProfitPct = utils.RoundTo(t.stats.NetProfitPct+profit, 2)
	switch {
	case profit > 0:
		t.stats.PositiveCount++
		t.stats.PositiveProfitPct = utils.RoundTo(t.stats.PositiveProfitPct+profit, 2)
	case profit < 0:
		t.stats.NegativeCount++
		t.stats.NegativeProfitPct = utils.RoundTo(t.stats.NegativeProfitPct+profit, 2)
	}

	result := "sell"
	if p.ClosedByStop() {
		result = "stop"
	}
	RecordClose(t.cfg.Symbol, result, profit)
	res.Closed++
	res.ClosedProfits = append(res.ClosedProfits, profit)

	if profit < 0 && t.cfg.LossCooldownSec > 0 && -profit >= t.cfg.LossCooldownPct {
		t.disabledUntil = ts + t.cfg.LossCooldownSec*1000
		t.logger.Warn("trading disabled after loss",
			utils.ProfitPct(profit),
			zap.String("until", utils.FormatMillis(t.disabledUntil)),
		)
	}

	t.logger.Info("position closed",
		utils.Pid(p.Pid),
		utils.PositionID(p.ID),
		zap.String("result", result),
		utils.ProfitPct(profit),
	)

	ev := t.event(EventPositionClosed, p, p.EntryPrice(), ts, result)
	ev.ProfitPct = profit
	t.events.Publish(ev)
}

func (t *Trader) tryOpen(price float64, ts int64, g GlobalState, res *TickResult) *Position {
	if reason := t.openBlocked(ts, g); reason != "" {
		RecordSkip(t.cfg.Symbol, reason)
		t.logger.Debug("buy signal skipped", zap.String("reason", reason))
		return nil
	}

	if !t.sizing.Ready() {
		RecordSkip(t.cfg.Symbol, "sizing")
		return nil
	}
	size, ok := t.sizing.BaseTradeSize(price, ts)
	if !ok || size <= 0 {
		RecordSkip(t.cfg.Symbol, "sizing")
		return nil
	}
	cost, ok := t.sizing.QuoteTradeSize(price, ts)
	if !ok {
		cost = size * price
	}

	available := g.QuoteBalance - res.QuoteSpent
	if cost > available {
		RecordSkip(t.cfg.Symbol, "balance")
		t.logger.Warn("insufficient balance for new position",
			zap.Float64("required", cost),
			zap.Float64("available", available),
		)
		return nil
	}

	t.pid++
	p := NewPosition(t.pid, t.cfg.Symbol, t.cfg.Position, t.pipe, t.store, t.base)
	if err := p.Open(size, price, ts); err != nil {
		t.logger.Error("failed to open position", zap.Error(err))
		return nil
	}

	if p.State() == StateFailed {
		p.Deactivate()
		t.stats.Failed++
		res.Failed++
		RecordClose(t.cfg.Symbol, "failed", 0)
		t.publish(EventPositionFailed, p, price, ts, p.buyOrder.ErrorReason)
		return nil
	}

	t.positions = append(t.positions, p)
	t.lastOpenTs = ts
	t.stats.Opened++
	res.Opened++
	res.QuoteSpent += cost
	PositionsOpened.WithLabelValues(t.cfg.Symbol).Inc()

	t.logger.Info("position opened",
		utils.Pid(p.Pid),
		utils.PositionID(p.ID),
		utils.Price(price),
		utils.Size(size),
		utils.State(string(p.State())),
	)
	t.publish(EventPositionOpened, p, price, ts, "")

	if t.cfg.TrailingStop && p.Opened() {
		t.attachStop(p, price, ts)
	}
	return p
}

// openBlocked возвращает причину, по которой новая позиция не открывается
func (t *Trader) openBlocked(ts int64, g GlobalState) string {
	switch {
	case t.disabledUntil > ts:
		return "disabled"
	case g.DisableNewPositions:
		return "global"
	case t.cfg.MaxPositionsPerSymbol > 0 && len(t.positions) >= t.cfg.MaxPositionsPerSymbol:
		return "max_positions"
	case t.cfg.OpenCooldownSec > 0 && t.lastOpenTs > 0 && ts < t.lastOpenTs+t.cfg.OpenCooldownSec*1000:
		return "cooldown"
	}
	for _, s := range t.others {
		if !s.BuySignal() {
			return "timeframe"
		}
	}
	return ""
}

// maintainStop ставит стоп, если его нет, и подтягивает его вверх,
// когда цена выросла больше чем на TrailStepPct от последней опорной
func (t *Trader) maintainStop(p *Position, price float64, ts int64) {
	if !t.loss.Ready() {
		return
	}
	if !p.StopLossSet() {
		t.attachStop(p, price, ts)
		return
	}
	if price <= p.trailRef || utils.PercentChange(p.trailRef, price) < t.cfg.TrailStepPct {
		return
	}

	newStop := t.loss.StopLossPrice(price, ts)
	if newStop <= p.stopLossOrder.StopPrice {
		return
	}
	if err := p.CancelStopLossPosition(price, ts); err != nil {
		t.logger.Warn("trailing stop not moved", utils.Pid(p.Pid), zap.Error(err))
		return
	}
	if p.Closed() {
		return
	}
	if t.attachStop(p, price, ts) {
		StopMoves.WithLabelValues(t.cfg.Symbol).Inc()
		t.publish(EventStopMoved, p, newStop, ts, "")
	}
}

func (t *Trader) attachStop(p *Position, price float64, ts int64) bool {
	stop := t.loss.StopLossPrice(price, ts)
	limit := t.loss.StopLimitPrice(price, ts)
	if err := p.CreateStopLossPosition(stop, limit, ts); err != nil {
		t.logger.Debug("stop-loss not attached", utils.Pid(p.Pid), zap.Error(err))
		return false
	}
	if !p.StopLossSet() {
		return false
	}
	p.trailRef = price
	return true
}

func (t *Trader) event(typ EventType, p *Position, price float64, ts int64, msg string) Event {
	return Event{
		Type:       typ,
		Symbol:     t.cfg.Symbol,
		PositionID: p.ID,
		Pid:        p.Pid,
		State:      p.State(),
		Price:      price,
		Timestamp:  ts,
		Message:    msg,
	}
}

func (t *Trader) publish(typ EventType, p *Position, price float64, ts int64, msg string) {
	t.events.Publish(t.event(typ, p, price, ts, msg))
}

// adopt добавляет восстановленную позицию
func (t *Trader) adopt(build func(pid int64) *Position) *Position {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pid++
	p := build(t.pid)
	t.positions = append(t.positions, p)
	OpenPositions.WithLabelValues(t.cfg.Symbol).Set(float64(len(t.positions)))
	return p
}

// hasPosition - позиция с таким id уже ведётся
func (t *Trader) hasPosition(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.positions {
		if p.ID == id {
			return true
		}
	}
	return false
}

// OpenCount - число ведущихся позиций
func (t *Trader) OpenCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.positions)
}

// Stats возвращает копию статистики
func (t *Trader) Stats() TraderStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats
	s.OpenPositions = len(t.positions)
	s.DisabledUntil = t.disabledUntil
	s.Positions = make([]PositionInfo, 0, len(t.positions))
	for _, p := range t.positions {
		s.Positions = append(s.Positions, p.Info())
	}
	return s
}
