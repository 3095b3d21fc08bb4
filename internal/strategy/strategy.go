// Package strategy - контракты сигналов, размера сделки и стоп-лосса,
// и реестр их реализаций по имени.
package strategy

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"signaltrader/internal/models"
)

var (
	ErrUnknownStrategy = errors.New("unknown strategy")
	ErrUnknownSizing   = errors.New("unknown sizing strategy")
	ErrUnknownLoss     = errors.New("unknown loss strategy")
	ErrInvalidParam    = errors.New("invalid strategy parameter")
)

// Strategy - источник сигналов на покупку и продажу
type Strategy interface {
	Update(candle models.Candle)
	BuySignal() bool
	SellSignal() bool
	Name() string
}

// Sizing - размер сделки. false - размер сейчас не определён.
type Sizing interface {
	Ready() bool
	BaseTradeSize(price float64, ts int64) (float64, bool)
	QuoteTradeSize(price float64, ts int64) (float64, bool)
}

// Loss - цены защитного стоп-лимит ордера
type Loss interface {
	Ready() bool
	StopLossPrice(price float64, ts int64) float64
	StopLimitPrice(price float64, ts int64) float64
}

// SignalReceiver - стратегия, принимающая сигналы извне (HTTP API)
type SignalReceiver interface {
	SetSignal(buy, sell bool)
}

// Params - числовые параметры из конфигурации
type Params map[string]float64

// Get возвращает параметр или значение по умолчанию
func (p Params) Get(key string, def float64) float64 {
	if v, ok := p[key]; ok {
		return v
	}
	return def
}

// Positive возвращает параметр, требуя значение > 0
func (p Params) Positive(key string, def float64) (float64, error) {
	v := p.Get(key, def)
	if v <= 0 {
		return 0, fmt.Errorf("%w: %s must be positive, got %v", ErrInvalidParam, key, v)
	}
	return v, nil
}

type (
	Constructor       func(symbol string, params Params) (Strategy, error)
	SizingConstructor func(symbol string, params Params) (Sizing, error)
	LossConstructor   func(symbol string, params Params) (Loss, error)
)

var (
	registryMu sync.RWMutex
	strategies = map[string]Constructor{}
	sizings    = map[string]SizingConstructor{}
	losses     = map[string]LossConstructor{}
)

func init() {
	Register("external", func(symbol string, _ Params) (Strategy, error) {
		return NewExternal(symbol), nil
	})
	RegisterSizing("fixed_quote", newFixedQuote)
	RegisterSizing("fixed_base", newFixedBase)
	RegisterLoss("percent", newPercentLoss)
}

// Register регистрирует стратегию сигналов под именем
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	strategies[strings.ToLower(name)] = ctor
}

// RegisterSizing регистрирует стратегию размера сделки
func RegisterSizing(name string, ctor SizingConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	sizings[strings.ToLower(name)] = ctor
}

// RegisterLoss регистрирует стратегию стоп-лосса
func RegisterLoss(name string, ctor LossConstructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	losses[strings.ToLower(name)] = ctor
}

// New создаёт стратегию сигналов по имени
func New(name, symbol string, params Params) (Strategy, error) {
	registryMu.RLock()
	ctor, ok := strategies[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, name)
	}
	return ctor(symbol, params)
}

// NewSizing создаёт стратегию размера сделки по имени
func NewSizing(name, symbol string, params Params) (Sizing, error) {
	registryMu.RLock()
	ctor, ok := sizings[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSizing, name)
	}
	return ctor(symbol, params)
}

// NewLoss создаёт стратегию стоп-лосса по имени
func NewLoss(name, symbol string, params Params) (Loss, error) {
	registryMu.RLock()
	ctor, ok := losses[strings.ToLower(name)]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownLoss, name)
	}
	return ctor(symbol, params)
}

// Names - зарегистрированные стратегии сигналов
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(strategies))
	for name := range strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
