// Package pipeline развязывает отправку намерения (OrderRequest) и получение
// результата (Order). Каждый rid исполняется не более одного раза и даёт
// ровно один результат.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signaltrader/internal/executor"
	"signaltrader/internal/models"
	"signaltrader/pkg/utils"
)

var (
	ErrQueueFull        = errors.New("pipeline queue is full")
	ErrDuplicateRequest = errors.New("request id already submitted")
	ErrResultNotFound   = errors.New("result not found")
	ErrPipelineClosed   = errors.New("pipeline is closed")
	ErrEmptyRequestID   = errors.New("request id is empty")
)

// Mode - режим исполнения
type Mode string

const (
	// ModeSync - AwaitResult исполняет очередь сам, фоновых горутин нет (бэктест)
	ModeSync Mode = "sync"
	// ModeConcurrent - очередь разбирает воркер Run (живая торговля)
	ModeConcurrent Mode = "concurrent"
)

// ParseMode разбирает режим из конфигурации
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSync, "":
		return ModeSync, nil
	case ModeConcurrent:
		return ModeConcurrent, nil
	}
	return "", fmt.Errorf("unknown pipeline mode %q", s)
}

// Config - параметры пайплайна
type Config struct {
	Mode      Mode
	MaxOrders int           // ёмкость очереди, по умолчанию 100
	Interval  time.Duration // период воркера, по умолчанию 10ms
}

// Pipeline - ограниченная очередь запросов и таблица результатов.
//
// Всё разделяемое состояние под одним mu. Ожидающие результата паркуются
// на cond и просыпаются после каждого DrainAndExecute.
type Pipeline struct {
	cfg    Config
	exec   executor.Executor
	logger *zap.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*models.OrderRequest
	pending map[string]bool // rid -> уже исполняется
	results map[string]*models.Order
	closed  bool

	wake chan struct{}
	done chan struct{}
}

// New создаёт пайплайн поверх исполнителя
func New(cfg Config, exec executor.Executor, logger *zap.Logger) *Pipeline {
	if cfg.Mode == "" {
		cfg.Mode = ModeSync
	}
	if cfg.MaxOrders <= 0 {
		cfg.MaxOrders = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Millisecond
	}

	p := &Pipeline{
		cfg:     cfg,
		exec:    exec,
		logger:  utils.OrNop(logger).With(utils.Component("pipeline")),
		queue:   make([]*models.OrderRequest, 0, cfg.MaxOrders),
		pending: make(map[string]bool),
		results: make(map[string]*models.Order),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Mode возвращает режим пайплайна
func (p *Pipeline) Mode() Mode { return p.cfg.Mode }

// Submit ставит запрос в очередь
func (p *Pipeline) Submit(req *models.OrderRequest) error {
	if req == nil || req.RID == "" {
		return ErrEmptyRequestID
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	if _, ok := p.pending[req.RID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RID)
	}
	if _, ok := p.results[req.RID]; ok {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateRequest, req.RID)
	}
	if len(p.queue) >= p.cfg.MaxOrders {
		p.mu.Unlock()
		QueueFullTotal.Inc()
		return ErrQueueFull
	}

	p.queue = append(p.queue, req)
	p.pending[req.RID] = false
	QueueDepth.Set(float64(len(p.queue)))
	p.mu.Unlock()

	if p.cfg.Mode == ModeConcurrent {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return nil
}

// DrainAndExecute исполняет все запросы, стоящие в очереди на момент вызова,
// и возвращает их количество. Вызовы биржи идут вне блокировки.
func (p *Pipeline) DrainAndExecute() int {
	p.mu.Lock()
	batch := p.queue
	p.queue = make([]*models.OrderRequest, 0, p.cfg.MaxOrders)
	for _, req := range batch {
		p.pending[req.RID] = true
	}
	QueueDepth.Set(0)
	p.mu.Unlock()

	for _, req := range batch {
		order := p.execute(req)

		p.mu.Lock()
		p.results[req.RID] = order
		delete(p.pending, req.RID)
		p.cond.Broadcast()
		p.mu.Unlock()

		RequestsExecuted.WithLabelValues(string(req.Action), string(order.Status)).Inc()
	}
	return len(batch)
}

func (p *Pipeline) execute(req *models.OrderRequest) (order *models.Order) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("executor panicked",
				utils.RequestID(req.RID),
				utils.Symbol(req.Symbol),
				zap.Any("panic", r),
			)
			order = models.RejectedOrder(req, "panic", fmt.Sprint(r))
		}
	}()
	return executor.Execute(p.exec, req)
}

// AwaitResult возвращает результат запроса.
//
// В режиме sync сначала исполняет очередь. В режиме concurrent ждёт, пока
// воркер не положит результат. Результат остаётся в таблице до Acknowledge.
func (p *Pipeline) AwaitResult(rid string) (*models.Order, error) {
	if p.cfg.Mode == ModeSync {
		p.DrainAndExecute()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		if order, ok := p.results[rid]; ok {
			return order, nil
		}
		executing, ok := p.pending[rid]
		switch {
		case ok && executing:
			// уже на бирже, результат придёт даже после Close
		case p.closed:
			return nil, ErrPipelineClosed
		case !ok:
			return nil, fmt.Errorf("%w: %s", ErrResultNotFound, rid)
		}
		p.cond.Wait()
	}
}

// Acknowledge удаляет результат из таблицы. false - результата уже нет.
func (p *Pipeline) Acknowledge(rid string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.results[rid]; !ok {
		return false
	}
	delete(p.results, rid)
	return true
}

// Execute - Submit, AwaitResult и Acknowledge одним вызовом
func (p *Pipeline) Execute(req *models.OrderRequest) (*models.Order, error) {
	if err := p.Submit(req); err != nil {
		return nil, err
	}
	order, err := p.AwaitResult(req.RID)
	if err != nil {
		return nil, err
	}
	p.Acknowledge(req.RID)
	return order, nil
}

// Run - воркер режима concurrent. Разбирает очередь по таймеру и по сигналу
// Submit, пока не отменён ctx или не вызван Close.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.logger.Info("pipeline worker started", zap.Duration("interval", p.cfg.Interval))
	defer p.logger.Info("pipeline worker stopped")

	for {
		select {
		case <-ctx.Done():
			p.Close()
			return
		case <-p.done:
			return
		case <-ticker.C:
		case <-p.wake:
		}
		p.DrainAndExecute()
	}
}

// Close останавливает пайплайн. Запросы, ещё не переданные бирже,
// отбрасываются; ожидающие их получают ErrPipelineClosed.
// Возвращает число отброшенных запросов.
func (p *Pipeline) Close() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0
	}
	p.closed = true
	close(p.done)

	dropped := len(p.queue)
	for _, req := range p.queue {
		delete(p.pending, req.RID)
	}
	p.queue = nil
	QueueDepth.Set(0)
	p.cond.Broadcast()

	if dropped > 0 {
		p.logger.Warn("pipeline closed with queued requests", zap.Int("dropped", dropped))
	}
	return dropped
}

// Len - размер очереди
func (p *Pipeline) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Results - число неподтверждённых результатов
func (p *Pipeline) Results() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.results)
}
