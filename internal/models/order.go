package models

import (
	"errors"
	"strings"
)

// Ошибки модели ордера
var (
	ErrOrderInactive    = errors.New("order is inactive")
	ErrSnapshotMismatch = errors.New("snapshot does not belong to order")
	ErrUnknownOrderType = errors.New("unknown order type")
)

// Side - направление ордера
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType - тип ордера на бирже
type OrderType string

const (
	OrderTypeMarket        OrderType = "MARKET"
	OrderTypeLimit         OrderType = "LIMIT"
	OrderTypeStopLossLimit OrderType = "STOP_LOSS_LIMIT"
)

// ParseOrderType разбирает тип ордера из конфигурации ("market", "limit", "stop_loss_limit")
func ParseOrderType(s string) (OrderType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(OrderTypeMarket):
		return OrderTypeMarket, nil
	case string(OrderTypeLimit):
		return OrderTypeLimit, nil
	case string(OrderTypeStopLossLimit), "STOP_LIMIT":
		return OrderTypeStopLossLimit, nil
	default:
		return "", ErrUnknownOrderType
	}
}

// OrderStatus - статус ордера
type OrderStatus string

const (
	OrderStatusUnknown   OrderStatus = "UNKNOWN"
	OrderStatusPlaced    OrderStatus = "PLACED"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
	OrderStatusRejected  OrderStatus = "REJECTED"
)

// Направление срабатывания стоп-ордера
const (
	StopDirectionBelow = "BELOW" // стоп на продажу: цена упала до стопа
	StopDirectionAbove = "ABOVE" // стоп на покупку: цена выросла до стопа
)

// Order - сохраняемая запись одного ордера на бирже
//
// Меняется только через ApplySnapshot (свежий статус с биржи) и Deactivate.
// После Active=false ордер неизменяем.
type Order struct {
	ID            string      `json:"id" db:"id"`
	PositionID    string      `json:"position_id" db:"position_id"`
	Symbol        string      `json:"symbol" db:"symbol"`
	Side          Side        `json:"side" db:"side"`
	Type          OrderType   `json:"type" db:"type"`
	LimitType     string      `json:"limit_type,omitempty" db:"limit_type"`
	Price         float64     `json:"price" db:"price"` // цена ордера, после исполнения - средняя цена сделки
	LimitPrice    float64     `json:"limit_price" db:"limit_price"`
	StopPrice     float64     `json:"stop_price" db:"stop_price"`
	StopDirection string      `json:"stop_direction,omitempty" db:"stop_direction"`
	RequestedSize float64     `json:"requested_size" db:"requested_size"`
	FilledSize    float64     `json:"filled_size" db:"filled_size"`
	Fee           float64     `json:"fee" db:"fee"`
	PlacedTs      int64       `json:"placed_ts" db:"placed_ts"` // unix ms
	FilledTs      int64       `json:"filled_ts" db:"filled_ts"` // unix ms
	Status        OrderStatus `json:"status" db:"status"`
	Active        bool        `json:"active" db:"active"`
	ErrorReason   string      `json:"error_reason,omitempty" db:"error_reason"`
	ErrorMessage  string      `json:"error_message,omitempty" db:"error_message"`
}

// Completed - ордер исполнен полностью
func (o *Order) Completed() bool {
	return o != nil && o.Status == OrderStatusFilled && o.FilledSize == o.RequestedSize
}

// Executed - ордер больше не изменится и по нему есть исполненный объём.
// Отменённый с частичным исполнением ордер тоже считается исполненным на FilledSize.
func (o *Order) Executed() bool {
	if o == nil || o.FilledSize <= 0 {
		return false
	}
	return o.Status == OrderStatusFilled || o.Status == OrderStatusCancelled
}

// Live - ордер выставлен на бирже и ещё может исполниться
func (o *Order) Live() bool {
	if o == nil || o.ID == "" || !o.Active {
		return false
	}
	return o.Status == OrderStatusPlaced || o.Status == OrderStatusUnknown
}

// Terminal - финальный статус
func (o *Order) Terminal() bool {
	if o == nil {
		return false
	}
	switch o.Status {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected:
		return true
	}
	return false
}

// PartiallyFilled - частичное исполнение, ещё не завершение
func (o *Order) PartiallyFilled() bool {
	return o != nil && o.FilledSize > 0 && o.FilledSize < o.RequestedSize && o.Status != OrderStatusFilled
}

// IsStopLoss - защитный стоп-ордер
func (o *Order) IsStopLoss() bool {
	return o != nil && o.Type == OrderTypeStopLossLimit
}

// ApplySnapshot применяет свежий снимок статуса с биржи.
//
// Локально ничего не угадываем: переносим статус, исполненный объём,
// цену исполнения, комиссию и время. FilledSize ограничивается RequestedSize.
func (o *Order) ApplySnapshot(snap *Order) error {
	if !o.Active {
		return ErrOrderInactive
	}
	if snap == nil || (snap.ID != "" && o.ID != "" && snap.ID != o.ID) {
		return ErrSnapshotMismatch
	}
	if o.ID == "" {
		o.ID = snap.ID
	}

	o.Status = snap.Status
	filled := snap.FilledSize
	if filled > o.RequestedSize {
		filled = o.RequestedSize
	}
	if filled < 0 {
		filled = 0
	}
	o.FilledSize = filled
	if o.Status == OrderStatusFilled {
		// биржа могла вернуть объём с округлением - FILLED означает полный объём
		o.FilledSize = o.RequestedSize
	}
	if snap.Price > 0 && (filled > 0 || o.Price == 0) {
		o.Price = snap.Price
	}
	if snap.Fee > 0 {
		o.Fee = snap.Fee
	}
	if snap.FilledTs > 0 {
		o.FilledTs = snap.FilledTs
	}
	if snap.PlacedTs > 0 && o.PlacedTs == 0 {
		o.PlacedTs = snap.PlacedTs
	}
	o.ErrorReason = snap.ErrorReason
	o.ErrorMessage = snap.ErrorMessage
	return nil
}

// Deactivate помечает ордер как неактуальный для восстановления
func (o *Order) Deactivate() {
	o.Active = false
}

// Clone возвращает копию ордера
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// RejectedOrder строит отклонённый ордер для запроса, который не дошёл до биржи
func RejectedOrder(req *OrderRequest, reason, message string) *Order {
	o := &Order{
		Symbol:        req.Symbol,
		PositionID:    req.PositionID,
		Side:          req.Side,
		Type:          req.Type,
		Price:         req.Price,
		LimitPrice:    req.LimitPrice,
		StopPrice:     req.StopPrice,
		RequestedSize: req.Size,
		PlacedTs:      req.CurrentTs,
		Status:        OrderStatusRejected,
		ErrorReason:   reason,
		ErrorMessage:  message,
	}
	if req.Action != ActionPlace {
		o.ID = req.OrderID
	}
	return o
}
