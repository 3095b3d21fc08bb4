package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"signaltrader/internal/models"
)

// PaperConfig - параметры бумажной биржи
type PaperConfig struct {
	QuoteAsset   string  // по умолчанию USDT
	QuoteBalance float64 // стартовый баланс в quote
	FeeRate      float64 // комиссия от суммы сделки, 0.001 = 0.1%
	LotSize      float64
	TickSize     float64
}

type paperOrder struct {
	info      OrderInfo
	seq       int64
	lockAsset string
	locked    decimal.Decimal
}

// Paper - бумажная биржа: книга ордеров и баланс в памяти.
//
// Цена двигается только через Advance. Правила исполнения:
//   - MARKET исполняется сразу по текущей цене
//   - LIMIT buy при цене <= лимита, LIMIT sell при цене >= лимита, по цене лимита
//   - STOP_LOSS_LIMIT sell срабатывает при цене <= стопа, buy при цене >= стопа,
//     исполняется по своей лимитной цене
//
// Средства под ордер блокируются при выставлении и освобождаются при исполнении или отмене.
type Paper struct {
	mu     sync.Mutex
	cfg    PaperConfig
	free   map[string]decimal.Decimal
	locked map[string]decimal.Decimal
	orders map[string]*paperOrder
	prices map[string]float64
	clock  int64 // unix ms последнего Advance
	seq    int64

	// resting - выставленные ордера по символам в порядке seq
	resting map[string][]*paperOrder
}

// NewPaper создаёт бумажную биржу с балансом в quote
func NewPaper(cfg PaperConfig) *Paper {
	if cfg.QuoteAsset == "" {
		cfg.QuoteAsset = "USDT"
	}
	cfg.QuoteAsset = strings.ToUpper(cfg.QuoteAsset)

	p := &Paper{
		cfg:     cfg,
		free:    make(map[string]decimal.Decimal),
		locked:  make(map[string]decimal.Decimal),
		orders:  make(map[string]*paperOrder),
		resting: make(map[string][]*paperOrder),
		prices:  make(map[string]float64),
	}
	p.free[cfg.QuoteAsset] = decimal.NewFromFloat(cfg.QuoteBalance)
	return p
}

func (p *Paper) GetName() string { return "paper" }

func (p *Paper) Close() error { return nil }

// Advance сдвигает цену символа и часы биржи, затем исполняет сработавшие ордера
func (p *Paper) Advance(symbol string, price float64, ts int64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if price > 0 {
		p.prices[symbol] = price
	}
	if ts > p.clock {
		p.clock = ts
	}
	p.match(symbol)
}

// Deposit зачисляет средства на свободный баланс
func (p *Paper) Deposit(asset string, amount float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	asset = strings.ToUpper(asset)
	p.free[asset] = p.free[asset].Add(decimal.NewFromFloat(amount))
}

// Locked - средства актива, заблокированные в открытых ордерах
func (p *Paper) Locked(asset string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, _ := p.locked[strings.ToUpper(asset)].Float64()
	return f
}

func (p *Paper) GetBalance(ctx context.Context, asset string) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, _ := p.free[strings.ToUpper(asset)].Float64()
	return f, nil
}

func (p *Paper) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	px, ok := p.prices[symbol]
	if !ok {
		return nil, p.fail(CodeNoPrice, "no price for "+symbol)
	}
	return &Ticker{Symbol: symbol, BidPrice: px, AskPrice: px, LastPrice: px, Timestamp: p.now()}, nil
}

func (p *Paper) GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error) {
	base, quote := models.SplitSymbol(symbol, p.cfg.QuoteAsset)
	return &SymbolInfo{
		Symbol:     symbol,
		BaseAsset:  base,
		QuoteAsset: quote,
		LotSize:    p.cfg.LotSize,
		TickSize:   p.cfg.TickSize,
	}, nil
}

func (p *Paper) PlaceOrder(ctx context.Context, params *OrderParams) (*OrderInfo, error) {
	if params == nil || params.Size <= 0 {
		return nil, p.fail(CodeInvalidRequest, "order size must be positive")
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	o := &paperOrder{info: OrderInfo{
		ID:            uuid.NewString(),
		Symbol:        params.Symbol,
		Side:          params.Side,
		Type:          params.Type,
		Status:        models.OrderStatusPlaced,
		RequestedSize: params.Size,
		CreatedAt:     now,
		UpdatedAt:     now,
	}}

	switch params.Type {
	case models.OrderTypeMarket:
		px := p.prices[params.Symbol]
		if px <= 0 {
			px = params.Price
		}
		if px <= 0 {
			return nil, p.fail(CodeNoPrice, "no price for market order on "+params.Symbol)
		}
		o.info.Price = px
	case models.OrderTypeLimit:
		if params.Price <= 0 {
			return nil, p.fail(CodeInvalidRequest, "limit price must be positive")
		}
		o.info.Price = params.Price
	case models.OrderTypeStopLossLimit:
		if params.StopPrice <= 0 || params.LimitPrice <= 0 {
			return nil, p.fail(CodeInvalidRequest, "stop and limit prices must be positive")
		}
		o.info.Price = params.LimitPrice
		o.info.StopPrice = params.StopPrice
	default:
		return nil, p.fail(CodeInvalidRequest, "unsupported order type "+string(params.Type))
	}

	if err := p.reserve(o); err != nil {
		return nil, err
	}

	p.seq++
	o.seq = p.seq
	p.orders[o.info.ID] = o

	if px, ok := p.prices[o.info.Symbol]; ok || o.info.Type == models.OrderTypeMarket {
		if !ok {
			px = o.info.Price
		}
		if triggered(&o.info, px) {
			p.fill(o, fillPrice(&o.info, px))
		}
	}
	if o.info.Status == models.OrderStatusPlaced {
		p.resting[o.info.Symbol] = append(p.resting[o.info.Symbol], o)
	}

	info := o.info
	return &info, nil
}

func (p *Paper) CancelOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.info.Symbol != symbol {
		return nil, p.fail(CodeUnknownOrder, "unknown order "+orderID)
	}

	if o.info.Status == models.OrderStatusPlaced {
		p.release(o)
		o.info.Status = models.OrderStatusCancelled
		o.info.UpdatedAt = p.now()
	}

	info := o.info
	return &info, nil
}

func (p *Paper) GetOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok || o.info.Symbol != symbol {
		return nil, p.fail(CodeUnknownOrder, "unknown order "+orderID)
	}
	info := o.info
	return &info, nil
}

// ============ внутренние функции (под mu) ============

func (p *Paper) now() time.Time {
	if p.clock == 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(p.clock).UTC()
}

func (p *Paper) fail(code, msg string) error {
	return &ExchangeError{Exchange: p.GetName(), Code: code, Message: msg}
}

func (p *Paper) feeRate() decimal.Decimal {
	return decimal.NewFromFloat(p.cfg.FeeRate)
}

// reserve блокирует quote под покупку (с комиссией) или base под продажу
func (p *Paper) reserve(o *paperOrder) error {
	base, quote := models.SplitSymbol(o.info.Symbol, p.cfg.QuoteAsset)
	size := decimal.NewFromFloat(o.info.RequestedSize)

	var asset string
	var amount decimal.Decimal
	if o.info.Side == models.SideBuy {
		asset = quote
		amount = size.Mul(decimal.NewFromFloat(o.info.Price)).Mul(decimal.NewFromInt(1).Add(p.feeRate()))
	} else {
		asset = base
		amount = size
	}

	if p.free[asset].LessThan(amount) {
		return p.fail(CodeInsufficientFunds, "insufficient "+asset+" balance")
	}
	p.free[asset] = p.free[asset].Sub(amount)
	p.locked[asset] = p.locked[asset].Add(amount)
	o.lockAsset = asset
	o.locked = amount
	return nil
}

func (p *Paper) release(o *paperOrder) {
	p.locked[o.lockAsset] = p.locked[o.lockAsset].Sub(o.locked)
	p.free[o.lockAsset] = p.free[o.lockAsset].Add(o.locked)
	o.locked = decimal.Zero
}

func (p *Paper) fill(o *paperOrder, px float64) {
	base, quote := models.SplitSymbol(o.info.Symbol, p.cfg.QuoteAsset)
	size := decimal.NewFromFloat(o.info.RequestedSize)
	notional := size.Mul(decimal.NewFromFloat(px))
	fee := notional.Mul(p.feeRate())

	p.release(o)
	if o.info.Side == models.SideBuy {
		p.free[quote] = p.free[quote].Sub(notional).Sub(fee)
		p.free[base] = p.free[base].Add(size)
	} else {
		p.free[base] = p.free[base].Sub(size)
		p.free[quote] = p.free[quote].Add(notional).Sub(fee)
	}

	now := p.now()
	o.info.Status = models.OrderStatusFilled
	o.info.FilledSize = o.info.RequestedSize
	o.info.AvgFillPrice = px
	o.info.Fee, _ = fee.Float64()
	o.info.FilledAt = now
	o.info.UpdatedAt = now
}

// match исполняет сработавшие ордера символа в порядке выставления
func (p *Paper) match(symbol string) {
	px, ok := p.prices[symbol]
	if !ok {
		return
	}

	// исполненные и отменённые ордера выпадают из списка
	open := p.resting[symbol][:0]
	for _, o := range p.resting[symbol] {
		if o.info.Status == models.OrderStatusPlaced && triggered(&o.info, px) {
			p.fill(o, fillPrice(&o.info, px))
		}
		if o.info.Status == models.OrderStatusPlaced {
			open = append(open, o)
		}
	}
	for i := len(open); i < len(p.resting[symbol]); i++ {
		p.resting[symbol][i] = nil
	}
	if len(open) == 0 {
		delete(p.resting, symbol)
		return
	}
	p.resting[symbol] = open
}

func triggered(o *OrderInfo, px float64) bool {
	switch o.Type {
	case models.OrderTypeMarket:
		return true
	case models.OrderTypeLimit:
		if o.Side == models.SideBuy {
			return px <= o.Price
		}
		return px >= o.Price
	case models.OrderTypeStopLossLimit:
		if o.Side == models.SideSell {
			return px <= o.StopPrice
		}
		return px >= o.StopPrice
	}
	return false
}

func fillPrice(o *OrderInfo, px float64) float64 {
	if o.Type == models.OrderTypeMarket {
		return px
	}
	return o.Price
}
