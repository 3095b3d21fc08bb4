package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter - token bucket для запросов к бирже.
//
// Ведро пополняется со скоростью rate токенов/сек до ёмкости burst,
// каждый запрос забирает один токен.
//
//	limiter := NewRateLimiter(10, 20)
//	if err := limiter.Wait(ctx); err != nil { ... }
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter создаёт limiter. rate <= 0 - 10 req/sec, burst < rate - burst = rate.
func NewRateLimiter(rate, burst float64) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst < rate {
		burst = rate
	}
	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     burst,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// refill вызывается под mu
func (rl *RateLimiter) refill() {
	now := rl.now()
	rl.tokens += now.Sub(rl.lastRefill).Seconds() * rl.rate
	if rl.tokens > rl.burst {
		rl.tokens = rl.burst
	}
	rl.lastRefill = now
}

// Wait блокирует до получения токена или отмены контекста
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		rl.mu.Lock()
		rl.refill()
		if rl.tokens >= 1 {
			rl.tokens--
			rl.mu.Unlock()
			return nil
		}
		wait := time.Duration((1 - rl.tokens) / rl.rate * float64(time.Second))
		rl.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow забирает токен без ожидания
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Tokens - текущее количество токенов
func (rl *RateLimiter) Tokens() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.refill()
	return rl.tokens
}

// ============================================================
// MultiLimiter - лимиты по категориям запросов
// ============================================================

// Категории запросов исполнителя
const (
	CategoryOrders = "orders" // place / cancel
	CategoryQuery  = "query"  // status / balance / ticker
)

// MultiLimiter держит отдельный limiter на категорию.
// Категория без limiter'а не ограничивается.
type MultiLimiter struct {
	mu       sync.RWMutex
	limiters map[string]*RateLimiter
}

func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{limiters: make(map[string]*RateLimiter)}
}

// Add задаёт лимит для категории
func (ml *MultiLimiter) Add(category string, rate, burst float64) *MultiLimiter {
	ml.mu.Lock()
	ml.limiters[category] = NewRateLimiter(rate, burst)
	ml.mu.Unlock()
	return ml
}

// Wait ожидает токен категории
func (ml *MultiLimiter) Wait(ctx context.Context, category string) error {
	ml.mu.RLock()
	limiter, ok := ml.limiters[category]
	ml.mu.RUnlock()
	if !ok {
		return nil
	}
	return limiter.Wait(ctx)
}

// Get возвращает limiter категории или nil
func (ml *MultiLimiter) Get(category string) *RateLimiter {
	ml.mu.RLock()
	defer ml.mu.RUnlock()
	return ml.limiters[category]
}
