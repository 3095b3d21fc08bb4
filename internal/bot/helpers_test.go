package bot

import (
	"errors"
	"sync"
	"testing"

	"signaltrader/internal/exchange"
	"signaltrader/internal/executor"
	"signaltrader/internal/models"
	"signaltrader/internal/pipeline"
	"signaltrader/internal/repository"
	"signaltrader/internal/strategy"
)

// ============================================================
// Окружение: бумажная биржа + синхронный пайплайн
// ============================================================

type testEnv struct {
	paper  *exchange.Paper
	exec   *executor.Simulated
	pipe   *pipeline.Pipeline
	store  *repository.MemoryOrderStore
	events *eventRecorder
}

func newTestEnv(t *testing.T, balance float64) *testEnv {
	t.Helper()
	paper := exchange.NewPaper(exchange.PaperConfig{QuoteAsset: "USDT", QuoteBalance: balance})
	exec := executor.NewSimulated(paper, nil)
	pipe := pipeline.New(pipeline.Config{Mode: pipeline.ModeSync}, exec, nil)
	t.Cleanup(func() { pipe.Close() })

	return &testEnv{
		paper:  paper,
		exec:   exec,
		pipe:   pipe,
		store:  repository.NewMemoryOrderStore(),
		events: &eventRecorder{},
	}
}

func (e *testEnv) trader(t *testing.T, cfg TraderConfig, sig strategy.Strategy, loss strategy.Loss) *Trader {
	t.Helper()
	tr, err := NewTrader(cfg, TraderDeps{
		Strategy: sig,
		Sizing:   &strategy.FixedBase{Size: 1},
		Loss:     loss,
		Pipeline: e.pipe,
		Store:    e.store,
		Events:   e.events,
	})
	if err != nil {
		t.Fatalf("NewTrader: %v", err)
	}
	return tr
}

func (e *testEnv) quote(t *testing.T) float64 {
	t.Helper()
	bal, err := e.exec.Balance("USDT")
	if err != nil {
		t.Fatalf("Balance: %v", err)
	}
	return bal
}

func richState() GlobalState {
	return GlobalState{QuoteBalance: 1_000_000}
}

func stopLoss(pct float64) strategy.Loss {
	return &strategy.PercentLoss{StopPct: pct}
}

// ============================================================
// Запись событий
// ============================================================

type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) Publish(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *eventRecorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func (r *eventRecorder) last(typ EventType) (Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].Type == typ {
			return r.events[i], true
		}
	}
	return Event{}, false
}

// ============================================================
// Пайплайн со сценарием ответов
// ============================================================

type scripted struct {
	order *models.Order
	err   error
}

// scriptedPipeline отдаёт заранее заданные ответы по порядку
type scriptedPipeline struct {
	mu        sync.Mutex
	responses []scripted
	requests  []*models.OrderRequest
}

var errScriptExhausted = errors.New("no scripted response left")

func (s *scriptedPipeline) push(order *models.Order) {
	s.responses = append(s.responses, scripted{order: order})
}

func (s *scriptedPipeline) pushErr(err error) {
	s.responses = append(s.responses, scripted{err: err})
}

func (s *scriptedPipeline) Execute(req *models.OrderRequest) (*models.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.requests = append(s.requests, req)
	if len(s.responses) == 0 {
		return nil, errScriptExhausted
	}
	next := s.responses[0]
	s.responses = s.responses[1:]
	if next.err != nil {
		return nil, next.err
	}
	o := next.order.Clone()
	o.Active = true
	return o, nil
}

func (s *scriptedPipeline) request(i int) *models.OrderRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[i]
}

func (s *scriptedPipeline) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

// ============================================================
// Стратегии для тестов
// ============================================================

type panicStrategy struct{}

func (panicStrategy) Update(models.Candle) {}
func (panicStrategy) BuySignal() bool      { panic("signal source exploded") }
func (panicStrategy) SellSignal() bool     { return false }
func (panicStrategy) Name() string         { return "panic" }
