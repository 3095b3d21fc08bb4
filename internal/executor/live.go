package executor

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signaltrader/internal/exchange"
	"signaltrader/internal/models"
	"signaltrader/pkg/ratelimit"
	"signaltrader/pkg/retry"
	"signaltrader/pkg/utils"
)

// LiveOptions - параметры исполнителя поверх реальной биржи
type LiveOptions struct {
	OrderTimeout     time.Duration // таймаут одного вызова биржи
	OrdersPerSecond  float64       // 0 - без лимита
	QueriesPerSecond float64       // 0 - без лимита
	StatusAttempts   int           // попыток для Status/Cancel/Balance
}

// Live - исполнитель поверх exchange.Exchange.
//
// Выставление ордера не повторяется: повтор мог бы создать второй ордер.
// Status, Cancel и Balance повторяются с backoff.
type Live struct {
	ex       exchange.Exchange
	opts     LiveOptions
	limiter  *ratelimit.MultiLimiter
	retryCfg retry.Config
	logger   *zap.Logger
}

// NewLive создаёт исполнитель
func NewLive(ex exchange.Exchange, opts LiveOptions, logger *zap.Logger) *Live {
	if opts.OrderTimeout <= 0 {
		opts.OrderTimeout = 10 * time.Second
	}

	limiter := ratelimit.NewMultiLimiter()
	if opts.OrdersPerSecond > 0 {
		limiter.Add(ratelimit.CategoryOrders, opts.OrdersPerSecond, opts.OrdersPerSecond*2)
	}
	if opts.QueriesPerSecond > 0 {
		limiter.Add(ratelimit.CategoryQuery, opts.QueriesPerSecond, opts.QueriesPerSecond*2)
	}

	retryCfg := retry.DefaultConfig()
	if opts.StatusAttempts > 0 {
		retryCfg.MaxAttempts = opts.StatusAttempts
	}

	logger = utils.OrNop(logger).With(utils.Component("executor"), utils.Exchange(ex.GetName()))
	retryCfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying exchange call", zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.Error(err))
	}

	return &Live{
		ex:       ex,
		opts:     opts,
		limiter:  limiter,
		retryCfg: retryCfg,
		logger:   logger,
	}
}

func (l *Live) MarketBuy(symbol string, price, size float64, ts int64) *models.Order {
	return l.place(&exchange.OrderParams{Symbol: symbol, Side: models.SideBuy, Type: models.OrderTypeMarket, Size: size, Price: price}, ts)
}

func (l *Live) MarketSell(symbol string, price, size float64, ts int64) *models.Order {
	return l.place(&exchange.OrderParams{Symbol: symbol, Side: models.SideSell, Type: models.OrderTypeMarket, Size: size, Price: price}, ts)
}

func (l *Live) LimitBuy(symbol string, price, size float64, ts int64) *models.Order {
	return l.place(&exchange.OrderParams{Symbol: symbol, Side: models.SideBuy, Type: models.OrderTypeLimit, Size: size, Price: price}, ts)
}

func (l *Live) LimitSell(symbol string, price, size float64, ts int64) *models.Order {
	return l.place(&exchange.OrderParams{Symbol: symbol, Side: models.SideSell, Type: models.OrderTypeLimit, Size: size, Price: price}, ts)
}

func (l *Live) StopLossBuy(symbol string, stopPrice, limitPrice, size float64, ts int64) *models.Order {
	return l.place(&exchange.OrderParams{
		Symbol: symbol, Side: models.SideBuy, Type: models.OrderTypeStopLossLimit,
		Size: size, StopPrice: stopPrice, LimitPrice: limitPrice,
	}, ts)
}

func (l *Live) StopLossSell(symbol string, stopPrice, limitPrice, size float64, ts int64) *models.Order {
	return l.place(&exchange.OrderParams{
		Symbol: symbol, Side: models.SideSell, Type: models.OrderTypeStopLossLimit,
		Size: size, StopPrice: stopPrice, LimitPrice: limitPrice,
	}, ts)
}

// Status запрашивает свежий снимок ордера
func (l *Live) Status(symbol, orderID string, price float64, ts int64) *models.Order {
	return l.query("status", symbol, orderID, ts, func(ctx context.Context) (*exchange.OrderInfo, error) {
		return l.ex.GetOrder(ctx, symbol, orderID)
	})
}

// Cancel отменяет ордер и возвращает его итоговый снимок
func (l *Live) Cancel(symbol, orderID string, price float64, ts int64) *models.Order {
	return l.query("cancel", symbol, orderID, ts, func(ctx context.Context) (*exchange.OrderInfo, error) {
		return l.ex.CancelOrder(ctx, symbol, orderID)
	})
}

// Balance - свободный баланс актива
func (l *Live) Balance(asset string) (float64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.OrderTimeout)
	defer cancel()

	if err := l.limiter.Wait(ctx, ratelimit.CategoryQuery); err != nil {
		return 0, err
	}
	return retry.Do(ctx, func() (float64, error) {
		return l.ex.GetBalance(ctx, asset)
	}, l.retryCfg)
}

func (l *Live) place(params *exchange.OrderParams, ts int64) *models.Order {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.OrderTimeout)
	defer cancel()

	req := &models.OrderRequest{
		Action:     models.ActionPlace,
		Symbol:     params.Symbol,
		Side:       params.Side,
		Type:       params.Type,
		Size:       params.Size,
		Price:      params.Price,
		StopPrice:  params.StopPrice,
		LimitPrice: params.LimitPrice,
		CurrentTs:  ts,
	}

	if err := l.limiter.Wait(ctx, ratelimit.CategoryOrders); err != nil {
		logRejected(l.logger, "place", params.Symbol, err)
		return models.RejectedOrder(req, reasonOf(err), err.Error())
	}

	start := time.Now()
	info, err := l.ex.PlaceOrder(ctx, params)
	l.observe("place", start, err)
	if err != nil {
		logRejected(l.logger, "place", params.Symbol, err)
		return models.RejectedOrder(req, reasonOf(err), err.Error())
	}

	o := fromInfo(info, ts)
	if o.Type == models.OrderTypeStopLossLimit && o.StopPrice == 0 {
		o.StopPrice = params.StopPrice
	}
	return o
}

func (l *Live) query(action, symbol, orderID string, ts int64, call func(ctx context.Context) (*exchange.OrderInfo, error)) *models.Order {
	ctx, cancel := context.WithTimeout(context.Background(), l.opts.OrderTimeout)
	defer cancel()

	req := &models.OrderRequest{Action: models.RequestAction(action), Symbol: symbol, OrderID: orderID, CurrentTs: ts}

	category := ratelimit.CategoryQuery
	if action == "cancel" {
		category = ratelimit.CategoryOrders
	}
	if err := l.limiter.Wait(ctx, category); err != nil {
		logRejected(l.logger, action, symbol, err)
		return models.RejectedOrder(req, reasonOf(err), err.Error())
	}

	start := time.Now()
	info, err := retry.Do(ctx, func() (*exchange.OrderInfo, error) {
		return call(ctx)
	}, l.retryCfg)
	l.observe(action, start, err)
	if err != nil {
		logRejected(l.logger, action, symbol, err)
		return models.RejectedOrder(req, reasonOf(err), err.Error())
	}
	return fromInfo(info, ts)
}

func (l *Live) observe(action string, start time.Time, err error) {
	OrderExecutionLatency.WithLabelValues(l.ex.GetName(), action).Observe(float64(time.Since(start).Milliseconds()))
	if err != nil {
		OrdersRejected.WithLabelValues(l.ex.GetName(), reasonOf(err)).Inc()
	}
}
