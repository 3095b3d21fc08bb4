package exchange

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Options - параметры подключения к бирже
type Options struct {
	APIKey     string
	Secret     string
	Passphrase string
	QuoteAsset string

	// Только для REST клиентов
	BaseURL string
	Timeout time.Duration

	// Только для paper
	PaperBalance float64
	FeeRate      float64
}

// Constructor создаёт клиента биржи
type Constructor func(opts Options) (Exchange, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Constructor{}
)

func init() {
	Register("paper", func(opts Options) (Exchange, error) {
		return NewPaper(PaperConfig{
			QuoteAsset:   opts.QuoteAsset,
			QuoteBalance: opts.PaperBalance,
			FeeRate:      opts.FeeRate,
		}), nil
	})
}

// Register регистрирует клиента биржи под именем. Повторная регистрация заменяет прежнюю.
func Register(name string, ctor Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[strings.ToLower(name)] = ctor
}

// NewExchange создает новый экземпляр биржи по имени
func NewExchange(name string, opts Options) (Exchange, error) {
	registryMu.RLock()
	ctor, ok := registry[strings.ToLower(name)]
	registryMu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unsupported exchange: %s", name)
	}
	return ctor(opts)
}

// IsSupported проверяет, поддерживается ли биржа
func IsSupported(name string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[strings.ToLower(name)]
	return ok
}

// SupportedExchanges - список зарегистрированных бирж
func SupportedExchanges() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
