package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"signaltrader/internal/api"
	"signaltrader/internal/bot"
	"signaltrader/internal/config"
	"signaltrader/internal/exchange"
	"signaltrader/internal/executor"
	"signaltrader/internal/feed"
	"signaltrader/internal/models"
	"signaltrader/internal/pipeline"
	"signaltrader/internal/repository"
	"signaltrader/internal/strategy"
	"signaltrader/internal/websocket"
	"signaltrader/pkg/utils"
)

// App - собранное приложение: хранилище, биржа, исполнитель, пайплайн,
// трейдеры и необязательный HTTP сервер с потоком событий
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	store repository.OrderStore
	ex    exchange.Exchange
	exec  executor.Executor
	pipe  *pipeline.Pipeline
	multi *bot.MultiTrader

	hub    *websocket.Hub
	server *http.Server
}

// NewApp собирает зависимости по конфигурации
func NewApp(cfg *config.Config, logger *zap.Logger) (*App, error) {
	logger = utils.OrNop(logger)
	a := &App{cfg: cfg, logger: logger}

	store, err := repository.Open(cfg.Database.Driver, cfg.Database.DSN)
	if err != nil {
		return nil, fmt.Errorf("open order store: %w", err)
	}
	a.store = store

	if err := a.initExecution(); err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Server.Enabled {
		a.hub = websocket.NewHub(cfg.Server.AllowedOrigins, logger)
	}

	traders, err := buildTraders(cfg.Trading.Traders, a.traderDeps())
	if err != nil {
		a.Close()
		return nil, err
	}

	multiDeps := bot.MultiTraderDeps{
		Store:    a.store,
		Pipeline: a.pipe,
		Balance:  a.exec,
		Logger:   logger,
	}
	if a.hub != nil {
		multiDeps.Events = a.hub
	}
	a.multi, err = bot.NewMultiTrader(bot.MultiTraderConfig{
		MaxPositions:       cfg.Trading.MaxPositions,
		QuoteAsset:         cfg.Trading.QuoteAsset,
		BalanceRefreshSec:  cfg.Trading.BalanceRefreshSec,
		GlobalLossPausePct: cfg.Trading.GlobalLossPausePct,
		GlobalLossPauseSec: cfg.Trading.GlobalLossPauseSec,
	}, traders, multiDeps)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Server.Enabled {
		a.server = &http.Server{
			Addr: cfg.Server.Address(),
			Handler: api.SetupRoutes(&api.Dependencies{
				Traders:        a.multi,
				Stream:         a.hub.ServeWS,
				APIToken:       cfg.Server.APIToken,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				Logger:         logger,
			}),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		}
	}

	return a, nil
}

// initExecution: бэктест всегда идёт через бумажную биржу и симуляцию,
// живой режим - через клиента биржи из конфигурации
func (a *App) initExecution() error {
	cfg := a.cfg
	backtest := cfg.Trading.Mode == config.ModeBacktest

	name := cfg.Exchange.Name
	if backtest {
		name = "paper"
	}
	ex, err := exchange.NewExchange(name, exchange.Options{
		APIKey:       cfg.Exchange.APIKey,
		Secret:       cfg.Exchange.Secret,
		Passphrase:   cfg.Exchange.Passphrase,
		QuoteAsset:   cfg.Trading.QuoteAsset,
		BaseURL:      cfg.Exchange.BaseURL,
		Timeout:      cfg.Exchange.Timeout,
		PaperBalance: cfg.Exchange.PaperBalance,
		FeeRate:      cfg.Exchange.FeeRate,
	})
	if err != nil {
		return fmt.Errorf("init exchange: %w", err)
	}
	a.ex = ex

	a.exec, err = executor.New(executor.Config{
		Simulate:         backtest,
		OrderTimeout:     cfg.Exchange.OrderTimeout,
		OrdersPerSecond:  cfg.Exchange.OrdersPerSecond,
		QueriesPerSecond: cfg.Exchange.QueriesPerSecond,
		StatusAttempts:   cfg.Exchange.StatusAttempts,
		QuoteAsset:       cfg.Trading.QuoteAsset,
		PaperBalance:     cfg.Exchange.PaperBalance,
		FeeRate:          cfg.Exchange.FeeRate,
	}, ex, a.logger)
	if err != nil {
		return fmt.Errorf("init executor: %w", err)
	}

	mode, err := pipeline.ParseMode(cfg.Pipeline.Mode)
	if err != nil {
		return err
	}
	a.pipe = pipeline.New(pipeline.Config{
		Mode:      mode,
		MaxOrders: cfg.Pipeline.MaxOrders,
		Interval:  cfg.Pipeline.Interval,
	}, a.exec, a.logger)

	a.logger.Info("execution ready",
		utils.Exchange(ex.GetName()),
		zap.Bool("simulate", backtest),
		zap.String("pipeline", string(mode)),
	)
	return nil
}

func (a *App) traderDeps() bot.TraderDeps {
	deps := bot.TraderDeps{
		Pipeline: a.pipe,
		Store:    a.store,
		Logger:   a.logger,
	}
	if a.hub != nil {
		deps.Events = a.hub
	}
	return deps
}

// buildTraders создаёт трейдеров по конфигурации. В base заполнены общие
// зависимости, стратегии создаются для каждого символа свои.
func buildTraders(cfgs []config.TraderConfig, base bot.TraderDeps) ([]*bot.Trader, error) {
	traders := make([]*bot.Trader, 0, len(cfgs))
	for _, tc := range cfgs {
		tcfg, err := traderConfig(tc)
		if err != nil {
			return nil, fmt.Errorf("trader %s: %w", tc.Symbol, err)
		}

		deps := base
		deps.Strategy, err = strategy.New(tc.Strategy.Name, tc.Symbol, strategy.Params(tc.Strategy.Params))
		if err != nil {
			return nil, fmt.Errorf("trader %s: %w", tc.Symbol, err)
		}
		deps.Sizing, err = strategy.NewSizing(tc.Sizing.Name, tc.Symbol, strategy.Params(tc.Sizing.Params))
		if err != nil {
			return nil, fmt.Errorf("trader %s: %w", tc.Symbol, err)
		}
		if tc.Loss.Name != "" {
			deps.Loss, err = strategy.NewLoss(tc.Loss.Name, tc.Symbol, strategy.Params(tc.Loss.Params))
			if err != nil {
				return nil, fmt.Errorf("trader %s: %w", tc.Symbol, err)
			}
		}
		if len(tc.Filters) > 0 {
			deps.Others = make(map[int]strategy.Strategy, len(tc.Filters))
			for _, f := range tc.Filters {
				s, err := strategy.New(f.Name, tc.Symbol, strategy.Params(f.Params))
				if err != nil {
					return nil, fmt.Errorf("trader %s filter %ds: %w", tc.Symbol, f.Granularity, err)
				}
				deps.Others[f.Granularity] = s
			}
		}

		t, err := bot.NewTrader(tcfg, deps)
		if err != nil {
			return nil, fmt.Errorf("trader %s: %w", tc.Symbol, err)
		}
		traders = append(traders, t)
	}
	return traders, nil
}

func traderConfig(tc config.TraderConfig) (bot.TraderConfig, error) {
	start, err := models.ParseOrderType(tc.StartOrderType)
	if err != nil {
		return bot.TraderConfig{}, err
	}
	end, err := models.ParseOrderType(tc.EndOrderType)
	if err != nil {
		return bot.TraderConfig{}, err
	}

	return bot.TraderConfig{
		Symbol:                strings.ToUpper(tc.Symbol),
		Granularity:           tc.Granularity,
		MaxPositionsPerSymbol: tc.MaxPositions,
		OpenCooldownSec:       tc.OpenCooldownSec,
		LossCooldownSec:       tc.LossCooldownSec,
		LossCooldownPct:       tc.LossCooldownPct,
		TrailingStop:          tc.TrailingStop,
		TrailStepPct:          tc.TrailStepPct,
		MinTakeProfitPct:      tc.MinTakeProfitPct,
		Position: bot.PositionConfig{
			StartOrderType: start,
			EndOrderType:   end,
			BuyDriftPct:    tc.BuyDriftPct,
			SellDriftPct:   tc.SellDriftPct,
			LimitOffsetPct: tc.LimitOffsetPct,
		},
	}, nil
}

// Run запускает фоновые части и основной цикл режима. Возвращается после
// окончания бэктеста или отмены ctx в живом режиме.
func (a *App) Run(ctx context.Context) error {
	if a.hub != nil {
		go a.hub.Run()
	}
	if a.server != nil {
		go func() {
			a.logger.Info("http server started", zap.String("addr", a.server.Addr))
			if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server failed", zap.Error(err))
			}
		}()
	}
	if a.pipe.Mode() == pipeline.ModeConcurrent {
		go a.pipe.Run(ctx)
	}

	if a.cfg.Trading.Mode == config.ModeBacktest {
		_, err := a.runBacktest(ctx)
		return err
	}
	return a.runLive(ctx)
}

func (a *App) runBacktest(ctx context.Context) (feed.ReplaySummary, error) {
	symbol, granularity := "", 0
	if traders := a.cfg.Trading.Traders; len(traders) > 0 {
		symbol, granularity = traders[0].Symbol, traders[0].Granularity
	}

	bars, err := feed.LoadCSV(a.cfg.Backtest.CSVPath, symbol, granularity)
	if err != nil {
		return feed.ReplaySummary{}, err
	}

	var observer feed.Observer
	if pa, ok := a.exec.(executor.PriceAware); ok {
		observer = pa
	}
	sum, err := feed.NewReplayer(a.multi, observer, a.logger).Run(ctx, bars)
	if err != nil {
		return sum, err
	}

	if a.hub != nil {
		a.hub.PublishStats(a.multi.Stats())
	}
	fields := []zap.Field{
		zap.Int("bars", sum.Bars),
		zap.Int("opened", sum.Opened),
		zap.Int("closed", sum.Closed),
		zap.Int("wins", sum.Wins),
		zap.Int("losses", sum.Losses),
		zap.Int("failed", sum.Failed),
		zap.Float64("profit_sum_pct", utils.RoundTo(sum.ProfitSumPct, 4)),
	}
	if balance, err := a.exec.Balance(a.cfg.Trading.QuoteAsset); err != nil {
		fields = append(fields, zap.NamedError("balance_error", err))
	} else {
		fields = append(fields, zap.Float64("quote_balance", balance))
	}
	a.logger.Info("backtest summary", fields...)
	return sum, nil
}

func (a *App) runLive(ctx context.Context) error {
	if _, err := a.restore(ctx); err != nil {
		return err
	}

	var stats feed.StatsSink
	if a.hub != nil {
		stats = a.hub
	}
	poller := feed.NewPoller(feed.PollerConfig{
		Symbols:          a.multi.Symbols(),
		Interval:         a.cfg.Trading.PollInterval,
		QueriesPerSecond: a.cfg.Exchange.QueriesPerSecond,
	}, a.ex, a.multi, stats, a.logger)

	err := poller.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// restore поднимает позиции из хранилища по текущим ценам биржи.
// Символ без цены восстанавливается с нулевой ценой.
func (a *App) restore(ctx context.Context) (*bot.RestoreResult, error) {
	prices := make(map[string]float64)
	for _, symbol := range a.multi.Symbols() {
		t, err := a.ex.GetTicker(ctx, symbol)
		if err != nil {
			a.logger.Warn("no price for restore", utils.Symbol(symbol), zap.Error(err))
			continue
		}
		prices[symbol] = t.LastPrice
	}

	res, err := a.multi.Restore(prices, utils.UnixMillis())
	if err != nil {
		return res, fmt.Errorf("restore positions: %w", err)
	}
	return res, nil
}

// Close останавливает всё в обратном порядке. Безопасен для частично собранного App.
func (a *App) Close() error {
	var errs []error

	if a.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown http server: %w", err))
		}
		cancel()
	}
	if a.hub != nil {
		a.hub.Stop()
	}
	if a.pipe != nil {
		a.pipe.Close()
	}
	if a.ex != nil {
		if err := a.ex.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close exchange: %w", err))
		}
	}
	exchange.CloseGlobalClient()
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close order store: %w", err))
		}
	}
	return errors.Join(errs...)
}
