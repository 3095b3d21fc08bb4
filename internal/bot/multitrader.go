package bot

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"signaltrader/internal/models"
	"signaltrader/internal/repository"
	"signaltrader/pkg/utils"
)

var (
	ErrUnknownSymbol   = errors.New("no trader for symbol")
	ErrDuplicateSymbol = errors.New("duplicate trader symbol")
)

// BalanceSource - источник реального баланса (executor.Executor)
type BalanceSource interface {
	Balance(asset string) (float64, error)
}

// MultiTraderConfig - глобальные ограничения
type MultiTraderConfig struct {
	MaxPositions      int // на все символы, <= 0 - без ограничения
	QuoteAsset        string
	BalanceRefreshSec int64 // 0 - на каждом тике

	// Пауза открытия после закрытия любой позиции с убытком не меньше GlobalLossPausePct
	GlobalLossPausePct float64
	GlobalLossPauseSec int64
}

// MultiTraderDeps - общие зависимости
type MultiTraderDeps struct {
	Store    repository.OrderStore
	Pipeline OrderPipeline
	Balance  BalanceSource
	Events   EventSink
	Logger   *zap.Logger
}

// MultiTrader - по трейдеру на символ плюс общий контекст.
//
// Общий контекст (GlobalState) меняется только здесь под mu; трейдер получает
// его копию на каждый тик. Тики разных символов могут идти параллельно,
// поэтому слот под новую позицию резервируется до тика (reserved), иначе
// два символа могли бы одновременно пройти глобальный лимит.
type MultiTrader struct {
	cfg     MultiTraderConfig
	traders map[string]*Trader
	symbols []string
	store   repository.OrderStore
	pipe    OrderPipeline
	balance BalanceSource
	events  EventSink
	logger  *zap.Logger

	mu            sync.Mutex
	global        GlobalState
	reserved      int
	pausedUntil   int64
	lastBalanceTs int64
	balanceKnown  bool
}

// NewMultiTrader создаёт координатор трейдеров
func NewMultiTrader(cfg MultiTraderConfig, traders []*Trader, deps MultiTraderDeps) (*MultiTrader, error) {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}

	m := &MultiTrader{
		cfg:     cfg,
		traders: make(map[string]*Trader, len(traders)),
		store:   deps.Store,
		pipe:    deps.Pipeline,
		balance: deps.Balance,
		events:  orNopSink(deps.Events),
		logger:  utils.OrNop(deps.Logger).With(utils.Component("multitrader")),
		global:  GlobalState{MaxPositions: cfg.MaxPositions},
	}
	for _, t := range traders {
		if _, ok := m.traders[t.Symbol()]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateSymbol, t.Symbol())
		}
		m.traders[t.Symbol()] = t
		m.symbols = append(m.symbols, t.Symbol())
	}
	sort.Strings(m.symbols)
	return m, nil
}

// Symbols - символы трейдеров
func (m *MultiTrader) Symbols() []string {
	out := make([]string, len(m.symbols))
	copy(out, m.symbols)
	return out
}

// Trader возвращает трейдера символа
func (m *MultiTrader) Trader(symbol string) (*Trader, bool) {
	t, ok := m.traders[symbol]
	return t, ok
}

// SetQuoteBalance задаёт оценку баланса (старт, тесты)
func (m *MultiTrader) SetQuoteBalance(balance float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.global.QuoteBalance = balance
	m.balanceKnown = true
}

// Global возвращает копию общего контекста
func (m *MultiTrader) Global() GlobalState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.global
}

// OnCandle передаёт свечу трейдеру символа
func (m *MultiTrader) OnCandle(candle models.Candle) (routed bool, err error) {
	t, ok := m.traders[candle.Symbol]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSymbol, candle.Symbol)
	}
	defer m.recoverTick(candle.Symbol, &err)
	return t.OnCandle(candle), nil
}

// OnPrice обновляет баланс, пересчитывает глобальный лимит и передаёт тик
// трейдеру символа. Паника внутри тика перехватывается и возвращается ошибкой.
func (m *MultiTrader) OnPrice(symbol string, price float64, ts int64, granularity int) (res TickResult, err error) {
	t, ok := m.traders[symbol]
	if !ok {
		return res, fmt.Errorf("%w: %s", ErrUnknownSymbol, symbol)
	}

	m.refreshBalance(ts)
	snapshot, reserved := m.snapshot(ts)
	defer func() {
		m.settle(res, reserved, ts)
	}()
	defer m.recoverTick(symbol, &err)

	res = t.OnPrice(price, ts, granularity, snapshot)
	return res, nil
}

func (m *MultiTrader) recoverTick(symbol string, err *error) {
	if r := recover(); r != nil {
		TickPanics.WithLabelValues(symbol).Inc()
		m.logger.Error("panic in symbol tick",
			utils.Symbol(symbol),
			zap.Any("panic", r),
			zap.Stack("stack"),
		)
		*err = fmt.Errorf("panic in %s tick: %v", symbol, r)
	}
}

// refreshBalance запрашивает реальный баланс не чаще BalanceRefreshSec
func (m *MultiTrader) refreshBalance(ts int64) {
	if m.balance == nil {
		return
	}

	m.mu.Lock()
	due := !m.balanceKnown || m.cfg.BalanceRefreshSec <= 0 || ts-m.lastBalanceTs >= m.cfg.BalanceRefreshSec*1000
	m.mu.Unlock()
	if !due {
		return
	}

	bal, err := m.balance.Balance(m.cfg.QuoteAsset)
	if err != nil {
		m.logger.Warn("balance refresh failed, keeping estimate", zap.Error(err))
		return
	}

	m.mu.Lock()
	m.global.QuoteBalance = bal
	m.balanceKnown = true
	m.lastBalanceTs = ts
	m.mu.Unlock()
}

// snapshot пересчитывает число открытых позиций и флаг запрета открытия.
// Если открытие разрешено, резервирует слот до settle.
func (m *MultiTrader) snapshot(ts int64) (GlobalState, bool) {
	total := 0
	for _, t := range m.traders {
		total += t.OpenCount()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.global.OpenPositions = total
	m.global.MaxPositions = m.cfg.MaxPositions

	capped := m.cfg.MaxPositions > 0 && total+m.reserved >= m.cfg.MaxPositions
	paused := m.pausedUntil > ts
	m.global.DisableNewPositions = capped || paused
	UpdateGlobal(m.global.QuoteBalance, m.global.DisableNewPositions)

	reserved := false
	if !m.global.DisableNewPositions && m.cfg.MaxPositions > 0 {
		m.reserved++
		reserved = true
	}
	return m.global, reserved
}

// settle применяет итог тика к общему контексту
func (m *MultiTrader) settle(res TickResult, reserved bool, ts int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reserved {
		m.reserved--
	}
	m.global.QuoteBalance -= res.QuoteSpent

	for _, profit := range res.ClosedProfits {
		m.global.LastClosedProfitPct = profit
		m.global.LastClosedTs = ts

		if m.cfg.GlobalLossPauseSec > 0 && profit < 0 && -profit >= m.cfg.GlobalLossPausePct {
			m.pausedUntil = ts + m.cfg.GlobalLossPauseSec*1000
			m.logger.Warn("new positions paused after loss",
				utils.ProfitPct(profit),
				zap.String("until", utils.FormatMillis(m.pausedUntil)),
			)
		}
	}
}

// MultiStats - статистика всех трейдеров
type MultiStats struct {
	Global      GlobalState   `json:"global"`
	PausedUntil int64         `json:"paused_until,omitempty"`
	Traders     []TraderStats `json:"traders"`
}

// Stats собирает статистику по символам в алфавитном порядке
func (m *MultiTrader) Stats() MultiStats {
	out := MultiStats{Traders: make([]TraderStats, 0, len(m.symbols))}
	for _, symbol := range m.symbols {
		out.Traders = append(out.Traders, m.traders[symbol].Stats())
	}

	m.mu.Lock()
	out.Global = m.global
	out.PausedUntil = m.pausedUntil
	m.mu.Unlock()
	return out
}
