package bot

import (
	"testing"

	"signaltrader/internal/models"
	"signaltrader/internal/strategy"
)

// openWithStop открывает позицию со стопом и возвращает трейдера, который её вёл
func openWithStop(t *testing.T, env *testEnv) *Trader {
	t.Helper()
	sig := strategy.NewExternal(testSymbol)
	tr := env.trader(t, TraderConfig{Symbol: testSymbol, TrailingStop: true, TrailStepPct: 1}, sig, stopLoss(5))
	sig.SetSignal(true, false)
	if res := tr.OnPrice(100, 1000, 0, richState()); res.Opened != 1 {
		t.Fatalf("position not opened: %+v", res)
	}
	return tr
}

// restarted - новые трейдер и координатор поверх тех же хранилища и биржи
func restarted(t *testing.T, env *testEnv) *MultiTrader {
	t.Helper()
	tr := env.trader(t, TraderConfig{Symbol: testSymbol, TrailingStop: true, TrailStepPct: 1}, strategy.NewExternal(testSymbol), stopLoss(5))
	return newMulti(t, env, MultiTraderConfig{}, tr)
}

func TestRestore_OpenPositionWithStop(t *testing.T) {
	env := newTestEnv(t, 1000)
	before := openWithStop(t, env)
	wantID := before.positions[0].ID

	m := restarted(t, env)
	result, err := m.Restore(map[string]float64{testSymbol: 100}, 5000)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Restored != 1 || result.Cancelled != 0 {
		t.Fatalf("result = %+v, want 1 restored", result)
	}

	tr, _ := m.Trader(testSymbol)
	if tr.OpenCount() != 1 {
		t.Fatalf("OpenCount() = %d, want 1", tr.OpenCount())
	}
	p := tr.positions[0]
	if p.ID != wantID {
		t.Errorf("restored id = %s, want %s", p.ID, wantID)
	}
	if p.State() != StateOpen || !p.StopLossSet() {
		t.Errorf("state = %s, stop set = %v; want OPEN with stop", p.State(), p.StopLossSet())
	}
	if p.EntryPrice() != 100 || p.Size() != 1 {
		t.Errorf("entry = %v size = %v", p.EntryPrice(), p.Size())
	}
	if env.events.count(EventRestore) != 1 {
		t.Error("restore event not published")
	}

	// после восстановления позиция закрывается стопом как обычно
	res, err := m.OnPrice(testSymbol, 94, 6000, 0)
	if err != nil || res.Closed != 1 || res.ClosedProfits[0] != -5 {
		t.Errorf("close after restore = %+v, %v", res, err)
	}
}

func TestRestore_Idempotent(t *testing.T) {
	env := newTestEnv(t, 1000)
	openWithStop(t, env)

	m := restarted(t, env)
	prices := map[string]float64{testSymbol: 100}
	if _, err := m.Restore(prices, 5000); err != nil {
		t.Fatalf("first Restore: %v", err)
	}

	second, err := m.Restore(prices, 6000)
	if err != nil {
		t.Fatalf("second Restore: %v", err)
	}
	if second.Restored != 0 || second.Skipped != 1 || second.Cancelled != 0 || second.Deactivated != 0 {
		t.Errorf("second result = %+v, want only 1 skipped", second)
	}

	tr, _ := m.Trader(testSymbol)
	if tr.OpenCount() != 1 {
		t.Errorf("OpenCount() = %d after second restore, want 1", tr.OpenCount())
	}
	if active, _ := env.store.ListActive(testSymbol); len(active) != 2 {
		t.Errorf("active orders = %d, want buy and stop", len(active))
	}
}

func TestRestore_ClosedWhileOffline(t *testing.T) {
	env := newTestEnv(t, 1000)
	openWithStop(t, env)

	// стоп сработал, пока процесс не работал
	env.paper.Advance(testSymbol, 90, 3000)

	m := restarted(t, env)
	result, err := m.Restore(map[string]float64{testSymbol: 90}, 5000)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Closed != 1 || result.Restored != 0 {
		t.Errorf("result = %+v, want 1 closed", result)
	}
	if active, _ := env.store.ListActive(testSymbol); len(active) != 0 {
		t.Errorf("closed position left %d active orders", len(active))
	}
}

func TestRestore_OrphanAndUnfilled(t *testing.T) {
	env := newTestEnv(t, 1000)
	env.paper.Advance(testSymbol, 100, 1000)

	// ордер без позиции
	orphan := env.exec.LimitBuy(testSymbol, 50, 1, 1000)
	if err := env.store.Insert(orphan); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	// позиция с неисполненной покупкой
	unfilled := env.exec.LimitBuy(testSymbol, 60, 1, 1000)
	unfilled.PositionID = "pos-unfilled"
	if err := env.store.Insert(unfilled); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	m := restarted(t, env)
	result, err := m.Restore(map[string]float64{testSymbol: 100}, 5000)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Restored != 0 || result.Cancelled != 2 {
		t.Errorf("result = %+v, want 2 cancelled, none restored", result)
	}
	if active, _ := env.store.ListActive(testSymbol); len(active) != 0 {
		t.Errorf("active orders left: %d", len(active))
	}
	if locked := env.paper.Locked("USDT"); locked != 0 {
		t.Errorf("quote still locked on exchange: %v", locked)
	}
}

func TestRestore_DuplicateStopsCancelled(t *testing.T) {
	env := newTestEnv(t, 1000)
	tr := openWithStop(t, env)
	p := tr.positions[0]

	// второй стоп той же позиции, например от прерванной перестановки
	env.paper.Deposit("BTC", 0.5)
	dup := env.exec.StopLossSell(testSymbol, 90, 90, 0.5, 2000)
	if dup.Status != models.OrderStatusPlaced {
		t.Fatalf("duplicate stop not placed: %+v", dup)
	}
	dup.PositionID = p.ID
	if err := env.store.Insert(dup); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	m := restarted(t, env)
	result, err := m.Restore(map[string]float64{testSymbol: 100}, 5000)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if result.Restored != 1 || result.Cancelled != 1 {
		t.Fatalf("result = %+v, want 1 restored with 1 cancelled", result)
	}

	restoredTrader, _ := m.Trader(testSymbol)
	stop := restoredTrader.positions[0].StopLossOrder()
	if stop == nil || stop.ID != dup.ID {
		t.Errorf("kept stop = %+v, want latest %s", stop, dup.ID)
	}
	if got, _ := env.store.ListActive(testSymbol); len(got) != 2 {
		t.Errorf("active orders = %d, want buy and one stop", len(got))
	}
}
