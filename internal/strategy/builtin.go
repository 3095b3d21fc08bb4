package strategy

import (
	"fmt"
	"sync"

	"signaltrader/internal/models"
	"signaltrader/pkg/utils"
)

// ============================================================
// external - сигналы приходят извне
// ============================================================

// External хранит уровень сигнала, выставленный извне (API, CSV-реплей).
// Сигнал держится, пока его не сменят.
type External struct {
	symbol string

	mu         sync.RWMutex
	buy        bool
	sell       bool
	lastCandle models.Candle
}

// NewExternal создаёт внешнюю стратегию для символа
func NewExternal(symbol string) *External {
	return &External{symbol: symbol}
}

func (e *External) Name() string { return "external" }

func (e *External) Update(candle models.Candle) {
	e.mu.Lock()
	e.lastCandle = candle
	e.mu.Unlock()
}

// SetSignal выставляет уровни сигналов
func (e *External) SetSignal(buy, sell bool) {
	e.mu.Lock()
	e.buy, e.sell = buy, sell
	e.mu.Unlock()
}

func (e *External) BuySignal() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buy
}

func (e *External) SellSignal() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sell
}

// LastCandle - последняя полученная свеча
func (e *External) LastCandle() models.Candle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastCandle
}

// ============================================================
// Размер сделки
// ============================================================

// FixedQuote - сделка на фиксированную сумму в quote (параметр quote)
type FixedQuote struct {
	Quote   float64
	LotSize float64
}

func newFixedQuote(_ string, p Params) (Sizing, error) {
	quote, err := p.Positive("quote", 100)
	if err != nil {
		return nil, err
	}
	return &FixedQuote{Quote: quote, LotSize: p.Get("lot_size", 0)}, nil
}

func (f *FixedQuote) Ready() bool { return f.Quote > 0 }

func (f *FixedQuote) BaseTradeSize(price float64, _ int64) (float64, bool) {
	if price <= 0 {
		return 0, false
	}
	size := utils.RoundToLotSize(f.Quote/price, f.LotSize)
	return size, size > 0
}

func (f *FixedQuote) QuoteTradeSize(price float64, ts int64) (float64, bool) {
	size, ok := f.BaseTradeSize(price, ts)
	if !ok {
		return 0, false
	}
	return size * price, true
}

// FixedBase - сделка на фиксированный объём base (параметр size)
type FixedBase struct {
	Size float64
}

func newFixedBase(_ string, p Params) (Sizing, error) {
	size, err := p.Positive("size", 1)
	if err != nil {
		return nil, err
	}
	return &FixedBase{Size: size}, nil
}

func (f *FixedBase) Ready() bool { return f.Size > 0 }

func (f *FixedBase) BaseTradeSize(_ float64, _ int64) (float64, bool) {
	return f.Size, f.Size > 0
}

func (f *FixedBase) QuoteTradeSize(price float64, _ int64) (float64, bool) {
	if price <= 0 {
		return 0, false
	}
	return f.Size * price, true
}

// ============================================================
// Стоп-лосс
// ============================================================

// PercentLoss - стоп на stop_pct ниже цены, лимит ещё на limit_offset_pct ниже стопа
type PercentLoss struct {
	StopPct        float64
	LimitOffsetPct float64
}

func newPercentLoss(_ string, p Params) (Loss, error) {
	stop, err := p.Positive("stop_pct", 5)
	if err != nil {
		return nil, err
	}
	offset := p.Get("limit_offset_pct", 0.1)
	if offset < 0 {
		return nil, fmt.Errorf("%w: limit_offset_pct must not be negative", ErrInvalidParam)
	}
	return &PercentLoss{StopPct: stop, LimitOffsetPct: offset}, nil
}

func (l *PercentLoss) Ready() bool { return l.StopPct > 0 }

func (l *PercentLoss) StopLossPrice(price float64, _ int64) float64 {
	return utils.ApplyPercent(price, -l.StopPct)
}

func (l *PercentLoss) StopLimitPrice(price float64, ts int64) float64 {
	return utils.ApplyPercent(l.StopLossPrice(price, ts), -l.LimitOffsetPct)
}
