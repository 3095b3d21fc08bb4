package feed

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"signaltrader/internal/bot"
	"signaltrader/internal/exchange"
	"signaltrader/pkg/ratelimit"
	"signaltrader/pkg/retry"
	"signaltrader/pkg/utils"
)

// TickerSource - источник текущих цен (exchange.Exchange)
type TickerSource interface {
	GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error)
}

// PriceTarget - получатель тиков с общей статистикой (bot.MultiTrader)
type PriceTarget interface {
	OnPrice(symbol string, price float64, ts int64, granularity int) (bot.TickResult, error)
	Stats() bot.MultiStats
}

// StatsSink - публикация статистики после каждого круга (websocket.Hub)
type StatsSink interface {
	PublishStats(stats bot.MultiStats)
}

// PollerConfig - параметры опроса
type PollerConfig struct {
	Symbols          []string
	Interval         time.Duration // пауза между кругами опроса
	QueriesPerSecond float64       // <= 0 - без ограничения
	Retry            retry.Config
}

// Poller раз в Interval запрашивает тикер каждого символа и передаёт цену
// трейдерам. Символы опрашиваются последовательно, так что тики одного
// символа никогда не перекрываются.
type Poller struct {
	cfg     PollerConfig
	source  TickerSource
	target  PriceTarget
	stats   StatsSink
	limiter *ratelimit.RateLimiter
	logger  *zap.Logger
	now     func() time.Time
}

// NewPoller создаёт поллер. stats может быть nil.
func NewPoller(cfg PollerConfig, source TickerSource, target PriceTarget, stats StatsSink, logger *zap.Logger) *Poller {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	p := &Poller{
		cfg:    cfg,
		source: source,
		target: target,
		stats:  stats,
		logger: utils.OrNop(logger).With(utils.Component("poller")),
		now:    time.Now,
	}
	if cfg.QueriesPerSecond > 0 {
		p.limiter = ratelimit.NewRateLimiter(cfg.QueriesPerSecond, cfg.QueriesPerSecond)
	}
	return p
}

// Run опрашивает до отмены ctx. Первый круг выполняется сразу.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("poller started",
		zap.Strings("symbols", p.cfg.Symbols),
		zap.Duration("interval", p.cfg.Interval),
	)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		p.PollOnce(ctx)

		select {
		case <-ctx.Done():
			p.logger.Info("poller stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce - один круг по всем символам. Возвращает число доставленных тиков.
func (p *Poller) PollOnce(ctx context.Context) int {
	delivered := 0
	for _, symbol := range p.cfg.Symbols {
		if ctx.Err() != nil {
			break
		}

		price, ts, err := p.fetch(ctx, symbol)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				p.logger.Warn("ticker poll failed", utils.Symbol(symbol), zap.Error(err))
			}
			continue
		}

		res, err := p.target.OnPrice(symbol, price, ts, 0)
		if err != nil {
			p.logger.Error("tick failed", utils.Symbol(symbol), zap.Error(err))
			continue
		}
		delivered++

		if res.Opened+res.Closed+res.Failed+res.Replaced > 0 {
			p.logger.Info("tick result",
				utils.Symbol(symbol),
				utils.Price(price),
				zap.Int("opened", res.Opened),
				zap.Int("closed", res.Closed),
				zap.Int("failed", res.Failed),
				zap.Int("replaced", res.Replaced),
				zap.Int("open_positions", res.OpenPositions),
			)
		}
	}

	if p.stats != nil && delivered > 0 {
		p.stats.PublishStats(p.target.Stats())
	}
	return delivered
}

// fetch возвращает последнюю цену (или середину спреда) и время тикера в ms
func (p *Poller) fetch(ctx context.Context, symbol string) (float64, int64, error) {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return 0, 0, err
		}
	}

	t, err := retry.Do(ctx, func() (*exchange.Ticker, error) {
		return p.source.GetTicker(ctx, symbol)
	}, p.cfg.Retry)
	if err != nil {
		return 0, 0, err
	}

	price := t.LastPrice
	if price <= 0 && t.BidPrice > 0 && t.AskPrice > 0 {
		price = (t.BidPrice + t.AskPrice) / 2
	}
	if price <= 0 {
		return 0, 0, &exchange.ExchangeError{Exchange: "feed", Code: exchange.CodeNoPrice, Message: "ticker has no price for " + symbol}
	}

	ts := p.now().UnixMilli()
	if !t.Timestamp.IsZero() {
		ts = t.Timestamp.UnixMilli()
	}
	return price, ts, nil
}
