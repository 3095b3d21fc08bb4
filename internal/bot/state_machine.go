package bot

// PositionState - состояние позиции, выводится из её ордеров
type PositionState string

const (
	StateOpening   PositionState = "OPENING"   // покупка выставлена, не исполнена
	StateOpen      PositionState = "OPEN"      // покупка исполнена, продажи нет
	StateClosing   PositionState = "CLOSING"   // продажа выставлена
	StateClosed    PositionState = "CLOSED"    // продажа или стоп исполнены
	StateCancelled PositionState = "CANCELLED" // попытка закрытия отменена, позиция снова открыта
	StateFailed    PositionState = "FAILED"    // покупка отклонена или отменена без исполнения
)

// ValidTransitions определяет допустимые переходы между состояниями.
// Переход в то же состояние (замена ордера) допустим всегда.
var ValidTransitions = map[PositionState][]PositionState{
	StateOpening:   {StateOpen, StateFailed, StateClosed}, // Closed: стоп исполнился в том же опросе
	StateOpen:      {StateClosing, StateClosed, StateCancelled},
	StateClosing:   {StateClosed, StateCancelled},
	StateCancelled: {StateClosing, StateClosed, StateOpen},
	StateClosed:    {},
	StateFailed:    {},
}

// CanTransition проверяет допустимость перехода
func CanTransition(from, to PositionState) bool {
	if from == to {
		return true
	}
	allowed, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == to {
			return true
		}
	}
	return false
}

// StateInfo возвращает описание состояния для API
func StateInfo(s PositionState) string {
	switch s {
	case StateOpening:
		return "Открытие позиции..."
	case StateOpen:
		return "Позиция открыта"
	case StateClosing:
		return "Закрытие позиции..."
	case StateClosed:
		return "Позиция закрыта"
	case StateCancelled:
		return "Закрытие отменено, позиция открыта"
	case StateFailed:
		return "Открытие не удалось"
	default:
		return "Неизвестное состояние"
	}
}

// IsTerminal - позиция больше не изменится
func IsTerminal(s PositionState) bool {
	return s == StateClosed || s == StateFailed
}

// HoldsBase возвращает true если по позиции куплен base
func HoldsBase(s PositionState) bool {
	return s == StateOpen || s == StateClosing || s == StateCancelled
}
