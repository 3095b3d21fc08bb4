package feed

import (
	"context"
	"errors"
	"strings"
	"testing"

	"signaltrader/internal/bot"
	"signaltrader/internal/exchange"
	"signaltrader/internal/executor"
	"signaltrader/internal/pipeline"
	"signaltrader/internal/repository"
	"signaltrader/internal/strategy"
)

// backtestEnv - MultiTrader с одним трейдером поверх бумажной биржи
type backtestEnv struct {
	exec   *executor.Simulated
	multi  *bot.MultiTrader
	signal *strategy.External
}

func newBacktestEnv(t *testing.T, symbol string) *backtestEnv {
	t.Helper()
	paper := exchange.NewPaper(exchange.PaperConfig{QuoteAsset: "USDT", QuoteBalance: 1000})
	exec := executor.NewSimulated(paper, nil)
	pipe := pipeline.New(pipeline.Config{Mode: pipeline.ModeSync}, exec, nil)
	t.Cleanup(func() { pipe.Close() })
	store := repository.NewMemoryOrderStore()

	sig := strategy.NewExternal(symbol)
	tr, err := bot.NewTrader(bot.TraderConfig{Symbol: symbol, Granularity: 60, MaxPositionsPerSymbol: 1}, bot.TraderDeps{
		Strategy: sig,
		Sizing:   &strategy.FixedBase{Size: 1},
		Pipeline: pipe,
		Store:    store,
	})
	if err != nil {
		t.Fatalf("NewTrader: %v", err)
	}
	multi, err := bot.NewMultiTrader(bot.MultiTraderConfig{QuoteAsset: "USDT"}, []*bot.Trader{tr}, bot.MultiTraderDeps{
		Store:    store,
		Pipeline: pipe,
		Balance:  exec,
	})
	if err != nil {
		t.Fatalf("NewMultiTrader: %v", err)
	}
	return &backtestEnv{exec: exec, multi: multi, signal: sig}
}

func TestReplayer_RoundTrip(t *testing.T) {
	env := newBacktestEnv(t, "BTCUSDT")
	csv := "time,open,high,low,close,volume,signal\n" +
		"1700000120,110,110,110,110,1,sell\n" +
		"1700000000,100,100,100,100,1,buy\n" +
		"1700000060,105,105,105,105,1,hold\n"

	bars, err := ReadCSV(strings.NewReader(csv), "BTCUSDT", 60)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}

	sum, err := NewReplayer(env.multi, env.exec, nil).Run(context.Background(), bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if sum.Bars != 3 || sum.Skipped != 0 || sum.Signals != 2 {
		t.Errorf("summary counters = %+v", sum)
	}
	if sum.Opened != 1 || sum.Closed != 1 || sum.Wins != 1 || sum.Losses != 0 {
		t.Errorf("summary trades = %+v", sum)
	}
	if sum.ProfitSumPct != 10 {
		t.Errorf("profit sum = %v, want 10", sum.ProfitSumPct)
	}
	if sum.FirstTs != 1700000060000 || sum.LastTs != 1700000180000 {
		t.Errorf("range = %d..%d, want candle close times", sum.FirstTs, sum.LastTs)
	}

	bal, err := env.exec.Balance("USDT")
	if err != nil || bal != 1010 {
		t.Errorf("final balance = %v, %v, want 1010", bal, err)
	}
	if got := env.signal.LastCandle().Close; got != 110 {
		t.Errorf("strategy last close = %v, want 110", got)
	}
}

func TestReplayer_KeepsSignalWithoutColumn(t *testing.T) {
	env := newBacktestEnv(t, "BTCUSDT")
	env.signal.SetSignal(true, false)

	bars, err := ReadCSV(strings.NewReader("time,close\n1700000000,100\n1700000060,101\n"), "BTCUSDT", 60)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}

	sum, err := NewReplayer(env.multi, env.exec, nil).Run(context.Background(), bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Signals != 0 || sum.Opened != 1 {
		t.Errorf("summary = %+v, want one open from the preset signal", sum)
	}
	if !env.signal.BuySignal() {
		t.Error("replay without signal column reset the strategy")
	}
}

func TestReplayer_UnknownSymbolSkipped(t *testing.T) {
	env := newBacktestEnv(t, "BTCUSDT")
	bars, err := ReadCSV(strings.NewReader("time,symbol,close\n1700000000,DOGEUSDT,1\n1700000060,BTCUSDT,100\n"), "", 60)
	if err != nil {
		t.Fatalf("ReadCSV: %v", err)
	}

	sum, err := NewReplayer(env.multi, nil, nil).Run(context.Background(), bars)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if sum.Bars != 2 || sum.Skipped != 1 {
		t.Errorf("summary = %+v, want 1 skipped", sum)
	}
}

func TestReplayer_Cancelled(t *testing.T) {
	env := newBacktestEnv(t, "BTCUSDT")
	bars, _ := ReadCSV(strings.NewReader("time,close\n1700000000,100\n"), "BTCUSDT", 60)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sum, err := NewReplayer(env.multi, env.exec, nil).Run(ctx, bars)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error = %v, want context.Canceled", err)
	}
	if sum.Bars != 0 {
		t.Errorf("bars = %d after cancel", sum.Bars)
	}
}
