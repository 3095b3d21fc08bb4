package feed

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signaltrader/internal/bot"
	"signaltrader/internal/models"
	"signaltrader/internal/strategy"
	"signaltrader/pkg/utils"
)

// Target - получатель свечей и тиков (bot.MultiTrader)
type Target interface {
	OnCandle(candle models.Candle) (bool, error)
	OnPrice(symbol string, price float64, ts int64, granularity int) (bot.TickResult, error)
	Trader(symbol string) (*bot.Trader, bool)
}

// Observer - исполнитель, которому нужна текущая цена до тика (executor.Simulated)
type Observer interface {
	Observe(symbol string, price float64, ts int64)
}

// ReplaySummary - итог прогона
type ReplaySummary struct {
	Bars     int   `json:"bars"`
	Skipped  int   `json:"skipped"` // символ без трейдера или ошибка тика
	Signals  int   `json:"signals"`
	Opened   int   `json:"opened"`
	Closed   int   `json:"closed"`
	Failed   int   `json:"failed"`
	Replaced int   `json:"replaced"`
	FirstTs  int64 `json:"first_ts"`
	LastTs   int64 `json:"last_ts"`

	ProfitSumPct float64 `json:"profit_sum_pct"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
}

// Replayer прогоняет свечи через трейдеры в порядке времени.
//
// На каждую свечу: сигнал из файла передаётся стратегии, свеча - в OnCandle,
// затем цена закрытия уходит тиком в OnPrice с временем закрытия свечи.
type Replayer struct {
	target   Target
	observer Observer
	logger   *zap.Logger
}

// NewReplayer создаёт реплеер. observer может быть nil.
func NewReplayer(target Target, observer Observer, logger *zap.Logger) *Replayer {
	return &Replayer{
		target:   target,
		observer: observer,
		logger:   utils.OrNop(logger).With(utils.Component("replay")),
	}
}

// Run прогоняет bars. Прерывается только отменой ctx, ошибки отдельных тиков
// логируются и считаются в Skipped.
func (r *Replayer) Run(ctx context.Context, bars []Bar) (ReplaySummary, error) {
	var sum ReplaySummary
	start := time.Now()

	for _, bar := range bars {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Bars++

		c := bar.Candle
		ts := utils.AddSeconds(c.Timestamp, c.Granularity)
		if sum.FirstTs == 0 {
			sum.FirstTs = ts
		}
		sum.LastTs = ts

		if bar.Signal != SignalKeep && r.applySignal(c.Symbol, bar.Signal) {
			sum.Signals++
		}

		if _, err := r.target.OnCandle(c); err != nil {
			sum.Skipped++
			r.logger.Debug("candle skipped", utils.Symbol(c.Symbol), zap.Error(err))
			continue
		}

		if r.observer != nil {
			r.observer.Observe(c.Symbol, c.Close, ts)
		}

		res, err := r.target.OnPrice(c.Symbol, c.Close, ts, c.Granularity)
		if err != nil {
			sum.Skipped++
			r.logger.Warn("tick failed", utils.Symbol(c.Symbol), zap.Error(err))
			continue
		}
		sum.add(res)
	}

	r.logger.Info("replay finished",
		zap.Int("bars", sum.Bars),
		zap.Int("opened", sum.Opened),
		zap.Int("closed", sum.Closed),
		zap.Float64("profit_sum_pct", utils.RoundTo(sum.ProfitSumPct, 4)),
		zap.String("from", utils.FormatMillis(sum.FirstTs)),
		zap.String("to", utils.FormatMillis(sum.LastTs)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return sum, nil
}

func (r *Replayer) applySignal(symbol string, sig Signal) bool {
	t, ok := r.target.Trader(symbol)
	if !ok {
		return false
	}
	recv, ok := t.Strategy().(strategy.SignalReceiver)
	if !ok {
		return false
	}
	recv.SetSignal(sig == SignalBuy, sig == SignalSell)
	return sig != SignalNone
}

func (s *ReplaySummary) add(res bot.TickResult) {
	s.Opened += res.Opened
	s.Closed += res.Closed
	s.Failed += res.Failed
	s.Replaced += res.Replaced
	for _, p := range res.ClosedProfits {
		s.ProfitSumPct += p
		if p > 0 {
			s.Wins++
		} else {
			s.Losses++
		}
	}
}
