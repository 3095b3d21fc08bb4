package bot

import (
	"errors"
	"testing"

	"signaltrader/internal/models"
	"signaltrader/internal/strategy"
	"signaltrader/pkg/utils"
)

func TestNewTrader_Validation(t *testing.T) {
	sig := strategy.NewExternal(testSymbol)
	sizing := &strategy.FixedBase{Size: 1}

	tests := []struct {
		name    string
		cfg     TraderConfig
		deps    TraderDeps
		wantErr error
	}{
		{"no strategy", TraderConfig{Symbol: testSymbol}, TraderDeps{Sizing: sizing}, ErrNoStrategy},
		{"no sizing", TraderConfig{Symbol: testSymbol}, TraderDeps{Strategy: sig}, ErrNoSizing},
		{"trailing without loss", TraderConfig{Symbol: testSymbol, TrailingStop: true}, TraderDeps{Strategy: sig, Sizing: sizing}, ErrNoLoss},
		{"ok", TraderConfig{Symbol: testSymbol}, TraderDeps{Strategy: sig, Sizing: sizing}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, err := NewTrader(tt.cfg, tt.deps)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("NewTrader() error = %v, want %v", err, tt.wantErr)
			}
			if err == nil && tr.cfg.Position.StartOrderType != models.OrderTypeMarket {
				t.Errorf("default start order type = %q, want MARKET", tr.cfg.Position.StartOrderType)
			}
		})
	}
}

func TestTrader_OnCandleRouting(t *testing.T) {
	primary := strategy.NewExternal(testSymbol)
	slow := strategy.NewExternal(testSymbol)
	tr, err := NewTrader(TraderConfig{Symbol: testSymbol, Granularity: 60}, TraderDeps{
		Strategy: primary,
		Others:   map[int]strategy.Strategy{300: slow},
		Sizing:   &strategy.FixedBase{Size: 1},
	})
	if err != nil {
		t.Fatalf("NewTrader: %v", err)
	}

	if !tr.OnCandle(models.Candle{Symbol: testSymbol, Close: 1, Granularity: 60}) {
		t.Error("primary candle not routed")
	}
	if !tr.OnCandle(models.Candle{Symbol: testSymbol, Close: 5, Granularity: 300}) {
		t.Error("slow candle not routed")
	}
	if tr.OnCandle(models.Candle{Symbol: testSymbol, Close: 15, Granularity: 900}) {
		t.Error("unknown granularity must not be routed")
	}

	if got := primary.LastCandle().Close; got != 1 {
		t.Errorf("primary last close = %v, want 1", got)
	}
	if got := slow.LastCandle().Close; got != 5 {
		t.Errorf("slow last close = %v, want 5", got)
	}
}

func TestTrader_SellSignalProfit(t *testing.T) {
	env := newTestEnv(t, 1000)
	sig := strategy.NewExternal(testSymbol)
	tr := env.trader(t, TraderConfig{Symbol: testSymbol}, sig, nil)

	sig.SetSignal(true, false)
	res := tr.OnPrice(100, 1000, 0, richState())
	if res.Opened != 1 || res.QuoteSpent != 100 {
		t.Fatalf("open tick = %+v, want 1 opened for 100", res)
	}
	if got := env.quote(t); got != 900 {
		t.Errorf("quote after buy = %v, want 900", got)
	}

	sig.SetSignal(false, true)
	res = tr.OnPrice(110, 2000, 0, richState())
	if res.Closed != 1 || len(res.ClosedProfits) != 1 {
		t.Fatalf("close tick = %+v, want 1 closed", res)
	}
	if res.ClosedProfits[0] != 10 {
		t.Errorf("profit = %v, want 10", res.ClosedProfits[0])
	}
	if res.OpenPositions != 0 {
		t.Errorf("open positions = %d, want 0", res.OpenPositions)
	}

	stats := tr.Stats()
	if stats.Opened != 1 || stats.Closed != 1 || stats.PositiveCount != 1 || stats.NetProfitPct != 10 {
		t.Errorf("stats = %+v", stats)
	}
	if got := env.quote(t); got != 1010 {
		t.Errorf("quote after sell = %v, want 1010", got)
	}

	ev, ok := env.events.last(EventPositionClosed)
	if !ok || ev.ProfitPct != 10 || ev.Message != "sell" {
		t.Errorf("closed event = %+v, %v", ev, ok)
	}
	if active, _ := env.store.ListActive(testSymbol); len(active) != 0 {
		t.Errorf("closed position left %d active orders", len(active))
	}
}

func TestTrader_StopLossLoss(t *testing.T) {
	env := newTestEnv(t, 1000)
	sig := strategy.NewExternal(testSymbol)
	tr := env.trader(t, TraderConfig{Symbol: testSymbol, TrailingStop: true, TrailStepPct: 1}, sig, stopLoss(5))

	sig.SetSignal(true, false)
	tr.OnPrice(100, 1000, 0, richState())
	sig.SetSignal(false, false)

	stats := tr.Stats()
	if len(stats.Positions) != 1 || stats.Positions[0].StopPrice != 95 {
		t.Fatalf("positions = %+v, want one with stop at 95", stats.Positions)
	}

	res := tr.OnPrice(94, 2000, 0, richState())
	if res.Closed != 1 || res.ClosedProfits[0] != -5 {
		t.Fatalf("stop tick = %+v, want one close at -5", res)
	}

	stats = tr.Stats()
	if stats.NegativeCount != 1 || stats.NegativeProfitPct != -5 {
		t.Errorf("stats = %+v", stats)
	}
	ev, _ := env.events.last(EventPositionClosed)
	if ev.Message != "stop" {
		t.Errorf("close result = %q, want stop", ev.Message)
	}
}

func TestTrader_TrailingStopMoves(t *testing.T) {
	env := newTestEnv(t, 1000)
	sig := strategy.NewExternal(testSymbol)
	tr := env.trader(t, TraderConfig{Symbol: testSymbol, TrailingStop: true, TrailStepPct: 1}, sig, stopLoss(5))

	sig.SetSignal(true, false)
	tr.OnPrice(100, 1000, 0, richState())
	sig.SetSignal(false, false)

	// меньше шага - стоп не двигается
	tr.OnPrice(100.5, 2000, 0, richState())
	if env.events.count(EventStopMoved) != 0 {
		t.Fatal("stop moved below trail step")
	}

	tr.OnPrice(110, 3000, 0, richState())
	if env.events.count(EventStopMoved) != 1 {
		t.Fatalf("stop moves = %d, want 1", env.events.count(EventStopMoved))
	}
	stats := tr.Stats()
	if got := stats.Positions[0].StopPrice; got != 104.5 {
		t.Errorf("stop price = %v, want 104.5", got)
	}

	// цена упала, стоп не опускается
	tr.OnPrice(106, 4000, 0, richState())
	if got := tr.Stats().Positions[0].StopPrice; got != 104.5 {
		t.Errorf("stop price after drop = %v, want 104.5", got)
	}

	res := tr.OnPrice(104, 5000, 0, richState())
	if res.Closed != 1 || res.ClosedProfits[0] != 4.5 {
		t.Errorf("close tick = %+v, want profit 4.5", res)
	}
	if locked := env.paper.Locked("BTC"); locked != 0 {
		t.Errorf("base still locked: %v", locked)
	}
}

func TestTrader_MaxPositionsPerSymbol(t *testing.T) {
	env := newTestEnv(t, 1000)
	sig := strategy.NewExternal(testSymbol)
	tr := env.trader(t, TraderConfig{Symbol: testSymbol, MaxPositionsPerSymbol: 1}, sig, nil)

	sig.SetSignal(true, false)
	first := tr.OnPrice(100, 1000, 0, richState())
	second := tr.OnPrice(100, 2000, 0, richState())

	if first.Opened != 1 || second.Opened != 0 {
		t.Errorf("opened = %d then %d, want 1 then 0", first.Opened, second.Opened)
	}
	if tr.OpenCount() != 1 {
		t.Errorf("OpenCount() = %d, want 1", tr.OpenCount())
	}
}

func TestTrader_OpenBlocked(t *testing.T) {
	tests := []struct {
		name   string
		cfg    TraderConfig
		global GlobalState
		ticks  []int64
		want   int
	}{
		{
			name:   "global disable",
			cfg:    TraderConfig{Symbol: testSymbol},
			global: GlobalState{QuoteBalance: 1000, DisableNewPositions: true},
			ticks:  []int64{1000},
			want:   0,
		},
		{
			name:   "insufficient balance",
			cfg:    TraderConfig{Symbol: testSymbol},
			global: GlobalState{QuoteBalance: 50},
			ticks:  []int64{1000},
			want:   0,
		},
		{
			name:   "open cooldown",
			cfg:    TraderConfig{Symbol: testSymbol, OpenCooldownSec: 60},
			global: richState(),
			ticks:  []int64{1000, 30_000, 61_000},
			want:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 1000)
			sig := strategy.NewExternal(testSymbol)
			tr := env.trader(t, tt.cfg, sig, nil)
			sig.SetSignal(true, false)

			for _, ts := range tt.ticks {
				tr.OnPrice(100, ts, 0, tt.global)
			}
			if got := tr.OpenCount(); got != tt.want {
				t.Errorf("OpenCount() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTrader_OtherTimeframeFilter(t *testing.T) {
	env := newTestEnv(t, 1000)
	primary := strategy.NewExternal(testSymbol)
	slow := strategy.NewExternal(testSymbol)
	tr, err := NewTrader(TraderConfig{Symbol: testSymbol, Granularity: 60}, TraderDeps{
		Strategy: primary,
		Others:   map[int]strategy.Strategy{300: slow},
		Sizing:   &strategy.FixedBase{Size: 1},
		Pipeline: env.pipe,
		Store:    env.store,
	})
	if err != nil {
		t.Fatalf("NewTrader: %v", err)
	}

	primary.SetSignal(true, false)
	if res := tr.OnPrice(100, 1000, 60, richState()); res.Opened != 0 {
		t.Error("opened while slower timeframe has no buy signal")
	}
	if res := tr.OnPrice(100, 2000, 300, richState()); res.Opened != 0 {
		t.Error("tick of another granularity must be ignored")
	}

	slow.SetSignal(true, false)
	if res := tr.OnPrice(100, 3000, 60, richState()); res.Opened != 1 {
		t.Error("position not opened when all timeframes agree")
	}
}

func TestTrader_LossCooldown(t *testing.T) {
	env := newTestEnv(t, 1000)
	sig := strategy.NewExternal(testSymbol)
	tr := env.trader(t, TraderConfig{
		Symbol:          testSymbol,
		TrailingStop:    true,
		TrailStepPct:    1,
		LossCooldownSec: 60,
		LossCooldownPct: 1,
	}, sig, stopLoss(5))

	sig.SetSignal(true, false)
	tr.OnPrice(100, 1000, 0, richState())
	sig.SetSignal(false, false)
	tr.OnPrice(94, 2000, 0, richState())

	if got := tr.Stats().DisabledUntil; got != 62_000 {
		t.Fatalf("DisabledUntil = %d, want 62000", got)
	}

	sig.SetSignal(true, false)
	if res := tr.OnPrice(94, 30_000, 0, richState()); res.Opened != 0 {
		t.Error("opened during loss cooldown")
	}
	if res := tr.OnPrice(94, 62_000, 0, richState()); res.Opened != 1 {
		t.Error("not re-enabled after loss cooldown")
	}
	if got := tr.Stats().DisabledUntil; got != 0 {
		t.Errorf("DisabledUntil = %d after re-enable, want 0", got)
	}
}

func TestTrader_MinTakeProfit(t *testing.T) {
	env := newTestEnv(t, 1000)
	sig := strategy.NewExternal(testSymbol)
	tr := env.trader(t, TraderConfig{Symbol: testSymbol, MinTakeProfitPct: 2}, sig, nil)

	sig.SetSignal(true, false)
	tr.OnPrice(100, 1000, 0, richState())

	sig.SetSignal(false, true)
	if res := tr.OnPrice(101, 2000, 0, richState()); res.Closed != 0 {
		t.Error("closed below min take profit")
	}
	if res := tr.OnPrice(103, 3000, 0, richState()); res.Closed != 1 || res.ClosedProfits[0] != 3 {
		t.Errorf("close tick = %+v, want profit 3", res)
	}
}

func TestTrader_LimitBuyDriftReplacement(t *testing.T) {
	env := newTestEnv(t, 1000)
	sig := strategy.NewExternal(testSymbol)
	tr := env.trader(t, TraderConfig{
		Symbol:                testSymbol,
		MaxPositionsPerSymbol: 1,
		Position: PositionConfig{
			StartOrderType: models.OrderTypeLimit,
			LimitOffsetPct: 1,
			BuyDriftPct:    1,
		},
	}, sig, nil)

	sig.SetSignal(true, false)
	res := tr.OnPrice(100, 1000, 0, richState())
	if res.Opened != 1 {
		t.Fatalf("open tick = %+v", res)
	}
	pos := tr.positions[0]
	if pos.State() != StateOpening {
		t.Fatalf("State() = %s, want OPENING (limit below market)", pos.State())
	}
	oldID := pos.BuyOrder().ID

	res = tr.OnPrice(102, 2000, 0, richState())
	if res.Replaced != 1 {
		t.Fatalf("replaced = %d, want 1", res.Replaced)
	}

	buy := pos.BuyOrder()
	if buy.ID == oldID {
		t.Fatal("buy order was not replaced")
	}
	if want := utils.ApplyPercent(102, -1); buy.LimitPrice != want {
		t.Errorf("new limit = %v, want %v", buy.LimitPrice, want)
	}
	old, err := env.store.Get(oldID)
	if err != nil || old.Active || old.Status != models.OrderStatusCancelled {
		t.Errorf("old order = %+v, %v; want inactive CANCELLED", old, err)
	}
	if env.events.count(EventOrderReplaced) != 1 {
		t.Errorf("order_replaced events = %d, want 1", env.events.count(EventOrderReplaced))
	}

	// меньше порога - не переставляем
	res = tr.OnPrice(101.5, 3000, 0, richState())
	if res.Replaced != 0 {
		t.Errorf("replaced below drift threshold")
	}
}

func TestTrader_LimitLegsRestAtFlatPrice(t *testing.T) {
	tests := []struct {
		name string
		cfg  PositionConfig
	}{
		{"offset equals drift", PositionConfig{
			StartOrderType: models.OrderTypeLimit, EndOrderType: models.OrderTypeLimit,
			LimitOffsetPct: 1, BuyDriftPct: 1, SellDriftPct: 1,
		}},
		{"offset above drift", PositionConfig{
			StartOrderType: models.OrderTypeLimit, EndOrderType: models.OrderTypeLimit,
			LimitOffsetPct: 2, BuyDriftPct: 0.5, SellDriftPct: 0.5,
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, 1000)
			sig := strategy.NewExternal(testSymbol)
			tr := env.trader(t, TraderConfig{Symbol: testSymbol, MaxPositionsPerSymbol: 1, Position: tt.cfg}, sig, nil)

			sig.SetSignal(true, false)
			if res := tr.OnPrice(100, 1000, 0, richState()); res.Opened != 1 {
				t.Fatalf("open tick = %+v", res)
			}
			pos := tr.positions[0]
			buyID := pos.BuyOrder().ID

			ts := int64(1000)
			for i := 0; i < 5; i++ {
				ts += 1000
				if res := tr.OnPrice(100, ts, 0, richState()); res.Replaced != 0 {
					t.Fatalf("tick %d replaced resting buy at unchanged price", i)
				}
			}
			if pos.BuyOrder().ID != buyID || pos.replacements != 0 {
				t.Fatalf("buy order churned: id %s -> %s", buyID, pos.BuyOrder().ID)
			}

			// рынок проходит лимит покупки, затем держим продажу на месте
			tr.OnPrice(90, ts+1000, 0, richState())
			if !pos.Opened() {
				t.Fatalf("State() = %s, want buy filled", pos.State())
			}
			sig.SetSignal(false, true)
			ts += 2000
			tr.OnPrice(90, ts, 0, richState())
			if !pos.Closing() {
				t.Fatalf("State() = %s, want CLOSING", pos.State())
			}
			sellID := pos.SellOrder().ID

			for i := 0; i < 5; i++ {
				ts += 1000
				if res := tr.OnPrice(90, ts, 0, richState()); res.Replaced != 0 {
					t.Fatalf("tick %d replaced resting sell at unchanged price", i)
				}
			}
			if pos.SellOrder().ID != sellID {
				t.Errorf("sell order churned: id %s -> %s", sellID, pos.SellOrder().ID)
			}
		})
	}
}

func TestTrader_RejectedOpenCountsFailed(t *testing.T) {
	env := newTestEnv(t, 10) // на бирже не хватит средств
	sig := strategy.NewExternal(testSymbol)
	tr := env.trader(t, TraderConfig{Symbol: testSymbol}, sig, nil)

	sig.SetSignal(true, false)
	res := tr.OnPrice(100, 1000, 0, richState())
	if res.Opened != 0 || res.Failed != 1 {
		t.Errorf("tick = %+v, want 1 failed", res)
	}
	if tr.OpenCount() != 0 {
		t.Errorf("failed position kept")
	}
	if env.events.count(EventPositionFailed) != 1 {
		t.Error("position_failed event not published")
	}
}

func TestTrader_SymbolsIsolated(t *testing.T) {
	env := newTestEnv(t, 1000)

	a := env.trader(t, TraderConfig{Symbol: "AAAUSDT"}, strategy.NewExternal("AAAUSDT"), nil)
	b := env.trader(t, TraderConfig{Symbol: "BBBUSDT"}, strategy.NewExternal("BBBUSDT"), nil)
	a.strategy.(*strategy.External).SetSignal(true, false)

	a.OnPrice(10, 1000, 0, richState())
	b.OnPrice(20, 1000, 0, richState())

	if a.OpenCount() != 1 || b.OpenCount() != 0 {
		t.Errorf("open counts = %d/%d, want 1/0", a.OpenCount(), b.OpenCount())
	}
	if orders, _ := env.store.ListActive("BBBUSDT"); len(orders) != 0 {
		t.Errorf("BBB has %d active orders", len(orders))
	}
}
