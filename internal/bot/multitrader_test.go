package bot

import (
	"errors"
	"sync"
	"testing"

	"signaltrader/internal/models"
	"signaltrader/internal/strategy"
)

func newMulti(t *testing.T, env *testEnv, cfg MultiTraderConfig, traders ...*Trader) *MultiTrader {
	t.Helper()
	m, err := NewMultiTrader(cfg, traders, MultiTraderDeps{
		Store:    env.store,
		Pipeline: env.pipe,
		Balance:  env.exec,
		Events:   env.events,
	})
	if err != nil {
		t.Fatalf("NewMultiTrader: %v", err)
	}
	return m
}

func TestNewMultiTrader_DuplicateSymbol(t *testing.T) {
	env := newTestEnv(t, 1000)
	a := env.trader(t, TraderConfig{Symbol: testSymbol}, strategy.NewExternal(testSymbol), nil)
	b := env.trader(t, TraderConfig{Symbol: testSymbol}, strategy.NewExternal(testSymbol), nil)

	_, err := NewMultiTrader(MultiTraderConfig{}, []*Trader{a, b}, MultiTraderDeps{})
	if !errors.Is(err, ErrDuplicateSymbol) {
		t.Errorf("error = %v, want ErrDuplicateSymbol", err)
	}
}

func TestMultiTrader_UnknownSymbol(t *testing.T) {
	env := newTestEnv(t, 1000)
	m := newMulti(t, env, MultiTraderConfig{})

	if _, err := m.OnPrice("DOGEUSDT", 1, 1000, 0); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("OnPrice error = %v, want ErrUnknownSymbol", err)
	}
	if _, err := m.OnCandle(models.Candle{Symbol: "DOGEUSDT"}); !errors.Is(err, ErrUnknownSymbol) {
		t.Errorf("OnCandle error = %v, want ErrUnknownSymbol", err)
	}
}

func TestMultiTrader_GlobalMaxPositions(t *testing.T) {
	env := newTestEnv(t, 10_000)
	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"}

	var traders []*Trader
	for _, s := range symbols {
		sig := strategy.NewExternal(s)
		sig.SetSignal(true, false)
		traders = append(traders, env.trader(t, TraderConfig{Symbol: s}, sig, nil))
	}
	m := newMulti(t, env, MultiTraderConfig{MaxPositions: 5}, traders...)

	// по одной позиции за тик: A, A, B, B, C
	for i, s := range []string{"AAAUSDT", "AAAUSDT", "BBBUSDT", "BBBUSDT", "CCCUSDT"} {
		res, err := m.OnPrice(s, 100, int64(1000*(i+1)), 0)
		if err != nil {
			t.Fatalf("OnPrice(%s): %v", s, err)
		}
		if res.Opened != 1 {
			t.Fatalf("tick %d on %s opened %d, want 1", i, s, res.Opened)
		}
	}

	res, err := m.OnPrice("CCCUSDT", 100, 10_000, 0)
	if err != nil {
		t.Fatalf("OnPrice: %v", err)
	}
	if res.Opened != 0 {
		t.Errorf("opened past global limit")
	}
	if !m.Global().DisableNewPositions {
		t.Error("DisableNewPositions = false at global limit")
	}

	total := 0
	for _, s := range m.Symbols() {
		tr, _ := m.Trader(s)
		total += tr.OpenCount()
	}
	if total != 5 {
		t.Errorf("total open = %d, want 5", total)
	}
}

func TestMultiTrader_ConcurrentTicksRespectGlobalCap(t *testing.T) {
	env := newTestEnv(t, 100_000)
	symbols := []string{"AAAUSDT", "BBBUSDT", "CCCUSDT", "DDDUSDT", "EEEUSDT", "FFFUSDT"}

	var traders []*Trader
	for _, s := range symbols {
		sig := strategy.NewExternal(s)
		sig.SetSignal(true, false)
		traders = append(traders, env.trader(t, TraderConfig{Symbol: s}, sig, nil))
	}
	m := newMulti(t, env, MultiTraderConfig{MaxPositions: 3}, traders...)

	var wg sync.WaitGroup
	for round := 0; round < 3; round++ {
		for _, s := range symbols {
			wg.Add(1)
			go func(symbol string, ts int64) {
				defer wg.Done()
				if _, err := m.OnPrice(symbol, 10, ts, 0); err != nil {
					t.Errorf("OnPrice(%s): %v", symbol, err)
				}
			}(s, int64(1000*(round+1)))
		}
		wg.Wait()
	}

	total := 0
	for _, tr := range traders {
		total += tr.OpenCount()
	}
	if total > 3 {
		t.Errorf("total open = %d, exceeds global max 3", total)
	}
	if m.reserved != 0 {
		t.Errorf("reserved slots leaked: %d", m.reserved)
	}
}

func TestMultiTrader_PanicRecovered(t *testing.T) {
	env := newTestEnv(t, 1000)
	bad, err := NewTrader(TraderConfig{Symbol: "BADUSDT"}, TraderDeps{
		Strategy: panicStrategy{},
		Sizing:   &strategy.FixedBase{Size: 1},
		Pipeline: env.pipe,
	})
	if err != nil {
		t.Fatalf("NewTrader: %v", err)
	}
	sig := strategy.NewExternal(testSymbol)
	sig.SetSignal(true, false)
	good := env.trader(t, TraderConfig{Symbol: testSymbol}, sig, nil)

	m := newMulti(t, env, MultiTraderConfig{MaxPositions: 5}, bad, good)

	if _, err := m.OnPrice("BADUSDT", 1, 1000, 0); err == nil {
		t.Fatal("panic in tick not reported")
	}
	if m.reserved != 0 {
		t.Errorf("reserved slot not released after panic: %d", m.reserved)
	}

	// трейдер после паники не заблокирован
	if _, err := m.OnPrice("BADUSDT", 1, 2000, 0); err == nil {
		t.Error("second panic not reported")
	}

	res, err := m.OnPrice(testSymbol, 100, 3000, 0)
	if err != nil {
		t.Fatalf("healthy symbol failed: %v", err)
	}
	if res.Opened != 1 {
		t.Errorf("healthy symbol opened %d, want 1", res.Opened)
	}
}

func TestMultiTrader_GlobalLossPause(t *testing.T) {
	env := newTestEnv(t, 1000)
	aSig := strategy.NewExternal("AAAUSDT")
	bSig := strategy.NewExternal("BBBUSDT")
	a := env.trader(t, TraderConfig{Symbol: "AAAUSDT", TrailingStop: true, TrailStepPct: 1}, aSig, stopLoss(5))
	b := env.trader(t, TraderConfig{Symbol: "BBBUSDT"}, bSig, nil)

	m := newMulti(t, env, MultiTraderConfig{GlobalLossPausePct: 2, GlobalLossPauseSec: 60}, a, b)

	aSig.SetSignal(true, false)
	if res, _ := m.OnPrice("AAAUSDT", 100, 1000, 0); res.Opened != 1 {
		t.Fatalf("A not opened")
	}
	aSig.SetSignal(false, false)

	res, err := m.OnPrice("AAAUSDT", 94, 2000, 0)
	if err != nil || res.Closed != 1 {
		t.Fatalf("stop tick = %+v, %v", res, err)
	}
	g := m.Global()
	if g.LastClosedProfitPct != -5 || g.LastClosedTs != 2000 {
		t.Errorf("global last close = %v @ %d", g.LastClosedProfitPct, g.LastClosedTs)
	}
	if got := m.Stats().PausedUntil; got != 62_000 {
		t.Errorf("PausedUntil = %d, want 62000", got)
	}

	bSig.SetSignal(true, false)
	if res, _ := m.OnPrice("BBBUSDT", 50, 3000, 0); res.Opened != 0 {
		t.Error("B opened during global loss pause")
	}
	if res, _ := m.OnPrice("BBBUSDT", 50, 62_000, 0); res.Opened != 1 {
		t.Error("B not opened after pause")
	}
}

func TestMultiTrader_BalanceRefresh(t *testing.T) {
	env := newTestEnv(t, 1000)
	sig := strategy.NewExternal(testSymbol)
	tr := env.trader(t, TraderConfig{Symbol: testSymbol}, sig, nil)
	m := newMulti(t, env, MultiTraderConfig{BalanceRefreshSec: 60}, tr)

	if _, err := m.OnPrice(testSymbol, 100, 1000, 0); err != nil {
		t.Fatalf("OnPrice: %v", err)
	}
	if got := m.Global().QuoteBalance; got != 1000 {
		t.Fatalf("QuoteBalance = %v, want 1000", got)
	}

	sig.SetSignal(true, false)
	m.OnPrice(testSymbol, 100, 2000, 0)
	// до обновления баланс уменьшается оптимистично
	if got := m.Global().QuoteBalance; got != 900 {
		t.Errorf("QuoteBalance after open = %v, want 900", got)
	}

	env.paper.Deposit("USDT", 500)
	sig.SetSignal(false, false)
	m.OnPrice(testSymbol, 100, 30_000, 0)
	if got := m.Global().QuoteBalance; got != 900 {
		t.Errorf("QuoteBalance refreshed too early: %v", got)
	}
	m.OnPrice(testSymbol, 100, 61_000, 0)
	if got := m.Global().QuoteBalance; got != 1400 {
		t.Errorf("QuoteBalance after refresh = %v, want 1400", got)
	}
}

func TestMultiTrader_Stats(t *testing.T) {
	env := newTestEnv(t, 1000)
	b := env.trader(t, TraderConfig{Symbol: "BBBUSDT"}, strategy.NewExternal("BBBUSDT"), nil)
	a := env.trader(t, TraderConfig{Symbol: "AAAUSDT"}, strategy.NewExternal("AAAUSDT"), nil)
	m := newMulti(t, env, MultiTraderConfig{MaxPositions: 2}, b, a)

	stats := m.Stats()
	if len(stats.Traders) != 2 || stats.Traders[0].Symbol != "AAAUSDT" || stats.Traders[1].Symbol != "BBBUSDT" {
		t.Errorf("traders = %+v, want sorted AAA, BBB", stats.Traders)
	}
	if stats.Global.MaxPositions != 2 {
		t.Errorf("MaxPositions = %d, want 2", stats.Global.MaxPositions)
	}
}
