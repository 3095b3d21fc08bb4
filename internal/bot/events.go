package bot

// EventType - тип события торгового ядра
type EventType string

const (
	EventPositionOpened EventType = "position_opened"
	EventPositionFailed EventType = "position_failed"
	EventPositionClosed EventType = "position_closed"
	EventOrderReplaced  EventType = "order_replaced"
	EventStopMoved      EventType = "stop_moved"
	EventRestore        EventType = "restore"
)

// Event - событие для внешних подписчиков (websocket, логи)
type Event struct {
	Type       EventType     `json:"type"`
	Symbol     string        `json:"symbol"`
	PositionID string        `json:"position_id,omitempty"`
	Pid        int64         `json:"pid,omitempty"`
	State      PositionState `json:"state,omitempty"`
	Price      float64       `json:"price,omitempty"`
	ProfitPct  float64       `json:"profit_pct,omitempty"`
	Timestamp  int64         `json:"timestamp"`
	Message    string        `json:"message,omitempty"`
}

// EventSink получает события. Publish не должен блокировать тик.
type EventSink interface {
	Publish(event Event)
}

// SinkFunc адаптирует функцию к EventSink
type SinkFunc func(event Event)

func (f SinkFunc) Publish(event Event) { f(event) }

type nopSink struct{}

func (nopSink) Publish(Event) {}

func orNopSink(s EventSink) EventSink {
	if s == nil {
		return nopSink{}
	}
	return s
}
