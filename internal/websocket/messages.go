package websocket

import (
	"signaltrader/internal/bot"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

const (
	// MessageTypeEvent - событие позиции (открытие, закрытие, перестановка, стоп)
	MessageTypeEvent MessageType = "event"

	// MessageTypeStats - периодический снимок статистики трейдеров
	MessageTypeStats MessageType = "stats"
)

// EventMessage - событие торгового ядра
type EventMessage struct {
	Type MessageType `json:"type"`
	Data bot.Event   `json:"data"`
}

// StatsMessage - статистика всех трейдеров
type StatsMessage struct {
	Type MessageType    `json:"type"`
	Data bot.MultiStats `json:"data"`
}

// NewEventMessage оборачивает событие
func NewEventMessage(event bot.Event) *EventMessage {
	return &EventMessage{Type: MessageTypeEvent, Data: event}
}

// NewStatsMessage оборачивает статистику
func NewStatsMessage(stats bot.MultiStats) *StatsMessage {
	return &StatsMessage{Type: MessageTypeStats, Data: stats}
}
