package models

import (
	"strings"

	"github.com/google/uuid"
)

// RequestAction - действие запроса к исполнителю
type RequestAction string

const (
	ActionPlace  RequestAction = "place"
	ActionCancel RequestAction = "cancel"
	ActionStatus RequestAction = "status"
)

// OrderRequest - намерение, ещё не ордер. Живёт только внутри пайплайна исполнения.
type OrderRequest struct {
	RID        string        `json:"rid"`
	Action     RequestAction `json:"action"`
	Symbol     string        `json:"symbol"`
	Side       Side          `json:"side"`
	Type       OrderType     `json:"type"`
	Size       float64       `json:"size"`
	Price      float64       `json:"price"`
	StopPrice  float64       `json:"stop_price"`
	LimitPrice float64       `json:"limit_price"`
	OrderID    string        `json:"order_id,omitempty"` // для cancel/status
	PositionID string        `json:"position_id,omitempty"`

	// Контекст цены и времени (нужен симуляции)
	CurrentPrice float64 `json:"current_price"`
	CurrentTs    int64   `json:"current_ts"`
}

// NewRequestID генерирует rid. rid создаётся один раз на намерение и не переиспользуется.
func NewRequestID() string {
	return uuid.NewString()
}

// NewPlaceRequest создаёт запрос на выставление ордера
func NewPlaceRequest(symbol string, side Side, typ OrderType, size, price float64, ts int64) *OrderRequest {
	return &OrderRequest{
		RID:          NewRequestID(),
		Action:       ActionPlace,
		Symbol:       symbol,
		Side:         side,
		Type:         typ,
		Size:         size,
		Price:        price,
		CurrentPrice: price,
		CurrentTs:    ts,
	}
}

// NewCancelRequest создаёт запрос на отмену ордера
func NewCancelRequest(symbol, orderID string, price float64, ts int64) *OrderRequest {
	return &OrderRequest{
		RID:          NewRequestID(),
		Action:       ActionCancel,
		Symbol:       symbol,
		OrderID:      orderID,
		CurrentPrice: price,
		CurrentTs:    ts,
	}
}

// NewStatusRequest создаёт запрос статуса ордера
func NewStatusRequest(symbol, orderID string, price float64, ts int64) *OrderRequest {
	return &OrderRequest{
		RID:          NewRequestID(),
		Action:       ActionStatus,
		Symbol:       symbol,
		OrderID:      orderID,
		CurrentPrice: price,
		CurrentTs:    ts,
	}
}

// SplitSymbol делит символ вида BTCUSDT / BTC-USDT / BTC/USDT на базовую и котируемую валюту
func SplitSymbol(symbol, quote string) (base, q string) {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	quote = strings.ToUpper(strings.TrimSpace(quote))
	for _, sep := range []string{"-", "/", "_"} {
		if parts := strings.SplitN(s, sep, 2); len(parts) == 2 {
			return parts[0], parts[1]
		}
	}
	if quote != "" && strings.HasSuffix(s, quote) && len(s) > len(quote) {
		return strings.TrimSuffix(s, quote), quote
	}
	return s, quote
}
