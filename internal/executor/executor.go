package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"signaltrader/internal/exchange"
	"signaltrader/internal/models"
	"signaltrader/pkg/utils"
)

// ErrNoExchange - живой режим запрошен без клиента биржи
var ErrNoExchange = errors.New("live execution requires an exchange")

// Executor - синхронный фасад над биржей.
//
// Каждый вызов - ровно одно обращение к бирже. Ошибки никогда не возвращаются
// наружу: вместо них приходит ордер со статусом REJECTED и заполненными
// ErrorReason/ErrorMessage. Status не меняет состояние на бирже.
type Executor interface {
	MarketBuy(symbol string, price, size float64, ts int64) *models.Order
	MarketSell(symbol string, price, size float64, ts int64) *models.Order
	LimitBuy(symbol string, price, size float64, ts int64) *models.Order
	LimitSell(symbol string, price, size float64, ts int64) *models.Order
	StopLossBuy(symbol string, stopPrice, limitPrice, size float64, ts int64) *models.Order
	StopLossSell(symbol string, stopPrice, limitPrice, size float64, ts int64) *models.Order
	Status(symbol, orderID string, price float64, ts int64) *models.Order
	Cancel(symbol, orderID string, price float64, ts int64) *models.Order
	Balance(asset string) (float64, error)
}

// PriceAware - исполнитель, которому нужен контекст текущей цены запроса (симуляция)
type PriceAware interface {
	Observe(symbol string, price float64, ts int64)
}

// Config - выбор и параметры исполнителя
type Config struct {
	Simulate         bool
	OrderTimeout     time.Duration
	OrdersPerSecond  float64
	QueriesPerSecond float64
	StatusAttempts   int

	// Параметры бумажного счёта для симуляции
	QuoteAsset   string
	PaperBalance float64
	FeeRate      float64
}

// New выбирает реализацию по флагу Simulate.
//
// В симуляции используется переданная бумажная биржа либо создаётся новая.
func New(cfg Config, ex exchange.Exchange, logger *zap.Logger) (Executor, error) {
	if cfg.Simulate {
		paper, ok := ex.(*exchange.Paper)
		if !ok {
			paper = exchange.NewPaper(exchange.PaperConfig{
				QuoteAsset:   cfg.QuoteAsset,
				QuoteBalance: cfg.PaperBalance,
				FeeRate:      cfg.FeeRate,
			})
		}
		return NewSimulated(paper, logger), nil
	}

	if ex == nil {
		return nil, ErrNoExchange
	}
	return NewLive(ex, LiveOptions{
		OrderTimeout:     cfg.OrderTimeout,
		OrdersPerSecond:  cfg.OrdersPerSecond,
		QueriesPerSecond: cfg.QueriesPerSecond,
		StatusAttempts:   cfg.StatusAttempts,
	}, logger), nil
}

// Execute переводит запрос пайплайна в вызов исполнителя
func Execute(e Executor, req *models.OrderRequest) *models.Order {
	if req == nil {
		return &models.Order{Status: models.OrderStatusRejected, ErrorReason: exchange.CodeInvalidRequest, ErrorMessage: "nil request"}
	}

	if pa, ok := e.(PriceAware); ok && req.CurrentPrice > 0 {
		pa.Observe(req.Symbol, req.CurrentPrice, req.CurrentTs)
	}

	var order *models.Order
	switch req.Action {
	case models.ActionCancel:
		order = e.Cancel(req.Symbol, req.OrderID, req.CurrentPrice, req.CurrentTs)
	case models.ActionStatus:
		order = e.Status(req.Symbol, req.OrderID, req.CurrentPrice, req.CurrentTs)
	case models.ActionPlace:
		order = place(e, req)
	default:
		order = models.RejectedOrder(req, exchange.CodeInvalidRequest, fmt.Sprintf("unknown action %q", req.Action))
	}

	if order == nil {
		order = models.RejectedOrder(req, exchange.CodeInvalidRequest, "executor returned no order")
	}
	if order.PositionID == "" {
		order.PositionID = req.PositionID
	}
	return order
}

func place(e Executor, req *models.OrderRequest) *models.Order {
	buy := req.Side == models.SideBuy
	if !buy && req.Side != models.SideSell {
		return models.RejectedOrder(req, exchange.CodeInvalidRequest, fmt.Sprintf("unknown side %q", req.Side))
	}

	switch req.Type {
	case models.OrderTypeMarket:
		if buy {
			return e.MarketBuy(req.Symbol, req.Price, req.Size, req.CurrentTs)
		}
		return e.MarketSell(req.Symbol, req.Price, req.Size, req.CurrentTs)
	case models.OrderTypeLimit:
		if buy {
			return e.LimitBuy(req.Symbol, req.Price, req.Size, req.CurrentTs)
		}
		return e.LimitSell(req.Symbol, req.Price, req.Size, req.CurrentTs)
	case models.OrderTypeStopLossLimit:
		if buy {
			return e.StopLossBuy(req.Symbol, req.StopPrice, req.LimitPrice, req.Size, req.CurrentTs)
		}
		return e.StopLossSell(req.Symbol, req.StopPrice, req.LimitPrice, req.Size, req.CurrentTs)
	}
	return models.RejectedOrder(req, exchange.CodeInvalidRequest, fmt.Sprintf("unknown order type %q", req.Type))
}

// fromInfo нормализует снимок биржи в Order
func fromInfo(info *exchange.OrderInfo, ts int64) *models.Order {
	o := &models.Order{
		ID:            info.ID,
		Symbol:        info.Symbol,
		Side:          info.Side,
		Type:          info.Type,
		Price:         info.Price,
		StopPrice:     info.StopPrice,
		RequestedSize: info.RequestedSize,
		FilledSize:    info.FilledSize,
		Fee:           info.Fee,
		Status:        info.Status,
		Active:        true,
	}

	switch info.Type {
	case models.OrderTypeLimit:
		o.LimitPrice = info.Price
	case models.OrderTypeStopLossLimit:
		o.LimitPrice = info.Price
		o.StopDirection = models.StopDirectionBelow
		if info.Side == models.SideBuy {
			o.StopDirection = models.StopDirectionAbove
		}
	}

	if info.FilledSize > 0 && info.AvgFillPrice > 0 {
		o.Price = info.AvgFillPrice
	}
	if o.FilledSize > o.RequestedSize {
		o.FilledSize = o.RequestedSize
	}

	o.PlacedTs = ts
	if !info.CreatedAt.IsZero() {
		o.PlacedTs = info.CreatedAt.UnixMilli()
	}
	if !info.FilledAt.IsZero() {
		o.FilledTs = info.FilledAt.UnixMilli()
	}
	return o
}

// reasonOf - код причины отказа для Order.ErrorReason
func reasonOf(err error) string {
	var exErr *exchange.ExchangeError
	switch {
	case errors.As(err, &exErr) && exErr.Code != "":
		return exErr.Code
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return "exchange_error"
	}
}

func logRejected(logger *zap.Logger, action, symbol string, err error) {
	logger.Warn("exchange call failed",
		zap.String("action", action),
		utils.Symbol(symbol),
		zap.String("reason", reasonOf(err)),
		zap.Error(err),
	)
}
