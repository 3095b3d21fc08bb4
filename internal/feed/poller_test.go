package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"signaltrader/internal/bot"
	"signaltrader/internal/exchange"
	"signaltrader/pkg/retry"
)

type fakeTickers struct {
	mu      sync.Mutex
	tickers map[string]*exchange.Ticker
	fails   map[string]int // сколько первых запросов вернуть с ошибкой сети
	calls   map[string]int
}

func (f *fakeTickers) GetTicker(ctx context.Context, symbol string) (*exchange.Ticker, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[symbol]++
	if f.fails[symbol] > 0 {
		f.fails[symbol]--
		return nil, &exchange.ExchangeError{Exchange: "fake", Code: exchange.CodeNetwork, Message: "timeout"}
	}
	t, ok := f.tickers[symbol]
	if !ok {
		return nil, &exchange.ExchangeError{Exchange: "fake", Code: exchange.CodeInvalidRequest, Message: "unknown symbol"}
	}
	return t, nil
}

type tick struct {
	symbol string
	price  float64
	ts     int64
}

type fakeTarget struct {
	mu    sync.Mutex
	ticks []tick
}

func (f *fakeTarget) OnPrice(symbol string, price float64, ts int64, granularity int) (bot.TickResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ticks = append(f.ticks, tick{symbol, price, ts})
	return bot.TickResult{}, nil
}

func (f *fakeTarget) Stats() bot.MultiStats {
	return bot.MultiStats{Global: bot.GlobalState{MaxPositions: 7}}
}

func (f *fakeTarget) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ticks)
}

type statsRecorder struct {
	mu    sync.Mutex
	count int
	last  bot.MultiStats
}

func (s *statsRecorder) PublishStats(stats bot.MultiStats) {
	s.mu.Lock()
	s.count++
	s.last = stats
	s.mu.Unlock()
}

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestPoller_PollOnce(t *testing.T) {
	ts := time.UnixMilli(1700000000000)
	source := &fakeTickers{
		tickers: map[string]*exchange.Ticker{
			"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 100, Timestamp: ts},
			"ETHUSDT": {Symbol: "ETHUSDT", BidPrice: 9, AskPrice: 11},
			"SOLUSDT": {Symbol: "SOLUSDT"},
		},
		fails: map[string]int{"BTCUSDT": 1},
	}
	target := &fakeTarget{}
	stats := &statsRecorder{}

	p := NewPoller(PollerConfig{
		Symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT", "XRPUSDT"},
		Retry:   fastRetry(),
	}, source, target, stats, nil)
	p.now = func() time.Time { return time.UnixMilli(1700000005000) }

	if got := p.PollOnce(context.Background()); got != 2 {
		t.Fatalf("delivered = %d, want 2", got)
	}

	want := []tick{
		{"BTCUSDT", 100, 1700000000000},
		{"ETHUSDT", 10, 1700000005000},
	}
	for i, w := range want {
		if target.ticks[i] != w {
			t.Errorf("tick %d = %+v, want %+v", i, target.ticks[i], w)
		}
	}

	if source.calls["BTCUSDT"] != 2 {
		t.Errorf("BTCUSDT calls = %d, want retry after network error", source.calls["BTCUSDT"])
	}
	if source.calls["XRPUSDT"] != 1 {
		t.Errorf("XRPUSDT calls = %d, invalid request must not be retried", source.calls["XRPUSDT"])
	}
	if stats.count != 1 || stats.last.Global.MaxPositions != 7 {
		t.Errorf("stats published %d times: %+v", stats.count, stats.last)
	}
}

func TestPoller_NoStatsWithoutTicks(t *testing.T) {
	stats := &statsRecorder{}
	p := NewPoller(PollerConfig{Symbols: []string{"BTCUSDT"}, Retry: fastRetry()},
		&fakeTickers{}, &fakeTarget{}, stats, nil)

	if got := p.PollOnce(context.Background()); got != 0 {
		t.Errorf("delivered = %d, want 0", got)
	}
	if stats.count != 0 {
		t.Error("stats published after an empty round")
	}
}

func TestPoller_RunUntilCancelled(t *testing.T) {
	source := &fakeTickers{tickers: map[string]*exchange.Ticker{
		"BTCUSDT": {Symbol: "BTCUSDT", LastPrice: 100},
	}}
	target := &fakeTarget{}
	p := NewPoller(PollerConfig{
		Symbols:          []string{"BTCUSDT"},
		Interval:         5 * time.Millisecond,
		QueriesPerSecond: 1000,
		Retry:            fastRetry(),
	}, source, target, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for target.count() < 3 {
		select {
		case <-deadline:
			t.Fatalf("only %d ticks delivered", target.count())
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
