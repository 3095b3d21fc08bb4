package exchange

import (
	"context"
	"time"

	"signaltrader/internal/models"
)

// Exchange - унифицированный интерфейс спот-биржи, которым пользуется исполнитель.
//
// Реализации конкретных площадок регистрируются в фабрике (см. Register).
type Exchange interface {
	// GetName возвращает имя биржи
	GetName() string

	// GetBalance - свободный (не заблокированный в ордерах) баланс актива
	GetBalance(ctx context.Context, asset string) (float64, error)

	// GetTicker получает текущую цену символа
	GetTicker(ctx context.Context, symbol string) (*Ticker, error)

	// GetSymbolInfo - торговые ограничения символа (шаг лота, шаг цены)
	GetSymbolInfo(ctx context.Context, symbol string) (*SymbolInfo, error)

	// PlaceOrder выставляет ордер и возвращает его первичный снимок
	PlaceOrder(ctx context.Context, params *OrderParams) (*OrderInfo, error)

	// CancelOrder отменяет ордер. Для уже завершённого ордера возвращает его снимок без ошибки.
	CancelOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error)

	// GetOrder - свежий снимок ордера. Не меняет состояние на бирже.
	GetOrder(ctx context.Context, symbol, orderID string) (*OrderInfo, error)

	// Close закрывает соединения с биржей
	Close() error
}

// Ticker содержит информацию о текущей цене
type Ticker struct {
	Symbol    string    `json:"symbol"`
	BidPrice  float64   `json:"bid_price"`
	AskPrice  float64   `json:"ask_price"`
	LastPrice float64   `json:"last_price"`
	Timestamp time.Time `json:"timestamp"`
}

// SymbolInfo содержит торговые ограничения символа
type SymbolInfo struct {
	Symbol      string  `json:"symbol"`
	BaseAsset   string  `json:"base_asset"`
	QuoteAsset  string  `json:"quote_asset"`
	LotSize     float64 `json:"lot_size"`     // шаг количества
	TickSize    float64 `json:"tick_size"`    // шаг цены
	MinNotional float64 `json:"min_notional"` // минимальная сумма сделки в quote
}

// OrderParams - параметры нового ордера
type OrderParams struct {
	Symbol     string
	Side       models.Side
	Type       models.OrderType
	Size       float64
	Price      float64 // MARKET: ориентир цены, LIMIT: лимитная цена
	StopPrice  float64 // STOP_LOSS_LIMIT: цена срабатывания
	LimitPrice float64 // STOP_LOSS_LIMIT: лимитная цена после срабатывания
}

// OrderInfo - нормализованный снимок ордера на бирже
type OrderInfo struct {
	ID            string             `json:"id"`
	Symbol        string             `json:"symbol"`
	Side          models.Side        `json:"side"`
	Type          models.OrderType   `json:"type"`
	Status        models.OrderStatus `json:"status"`
	Price         float64            `json:"price"`
	StopPrice     float64            `json:"stop_price"`
	RequestedSize float64            `json:"requested_size"`
	FilledSize    float64            `json:"filled_size"`
	AvgFillPrice  float64            `json:"avg_fill_price"`
	Fee           float64            `json:"fee"`
	CreatedAt     time.Time          `json:"created_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
	FilledAt      time.Time          `json:"filled_at"`
}

// Коды ошибок биржи, попадающие в Order.ErrorReason
const (
	CodeInsufficientFunds = "insufficient_funds"
	CodeUnknownOrder      = "unknown_order"
	CodeInvalidRequest    = "invalid_request"
	CodeNoPrice           = "no_price"
	CodeNetwork           = "network"
)

// ExchangeError представляет ошибку от биржи
type ExchangeError struct {
	Exchange string
	Code     string
	Message  string
	Original error
}

func (e *ExchangeError) Error() string {
	return e.Exchange + ": " + e.Message
}

// Unwrap возвращает оригинальную ошибку для поддержки errors.Is() и errors.As()
func (e *ExchangeError) Unwrap() error {
	return e.Original
}

// Retryable - отказ по бизнес-причине повторять бессмысленно
func (e *ExchangeError) Retryable() bool {
	switch e.Code {
	case CodeInsufficientFunds, CodeUnknownOrder, CodeInvalidRequest:
		return false
	}
	return true
}
