package executor

import (
	"go.uber.org/zap"

	"signaltrader/internal/exchange"
	"signaltrader/internal/models"
)

// Simulated - исполнитель для бэктеста поверх бумажной биржи.
//
// Перед каждым вызовом сдвигает цену и часы бумажной биржи к контексту запроса,
// поэтому исполнение детерминировано по (price, ts). Нормализация ответа
// общая с Live, так что Position и Trader ведут себя одинаково в обоих режимах.
type Simulated struct {
	paper *exchange.Paper
	live  *Live
}

// NewSimulated создаёт исполнитель симуляции
func NewSimulated(paper *exchange.Paper, logger *zap.Logger) *Simulated {
	return &Simulated{
		paper: paper,
		live:  NewLive(paper, LiveOptions{StatusAttempts: 1}, logger),
	}
}

// Paper возвращает бумажную биржу (баланс, заблокированные средства)
func (s *Simulated) Paper() *exchange.Paper { return s.paper }

// Observe сдвигает цену бумажной биржи и исполняет сработавшие ордера
func (s *Simulated) Observe(symbol string, price float64, ts int64) {
	s.paper.Advance(symbol, price, ts)
}

func (s *Simulated) MarketBuy(symbol string, price, size float64, ts int64) *models.Order {
	s.paper.Advance(symbol, price, ts)
	return s.live.MarketBuy(symbol, price, size, ts)
}

func (s *Simulated) MarketSell(symbol string, price, size float64, ts int64) *models.Order {
	s.paper.Advance(symbol, price, ts)
	return s.live.MarketSell(symbol, price, size, ts)
}

func (s *Simulated) LimitBuy(symbol string, price, size float64, ts int64) *models.Order {
	s.paper.Advance(symbol, 0, ts)
	return s.live.LimitBuy(symbol, price, size, ts)
}

func (s *Simulated) LimitSell(symbol string, price, size float64, ts int64) *models.Order {
	s.paper.Advance(symbol, 0, ts)
	return s.live.LimitSell(symbol, price, size, ts)
}

func (s *Simulated) StopLossBuy(symbol string, stopPrice, limitPrice, size float64, ts int64) *models.Order {
	s.paper.Advance(symbol, 0, ts)
	return s.live.StopLossBuy(symbol, stopPrice, limitPrice, size, ts)
}

func (s *Simulated) StopLossSell(symbol string, stopPrice, limitPrice, size float64, ts int64) *models.Order {
	s.paper.Advance(symbol, 0, ts)
	return s.live.StopLossSell(symbol, stopPrice, limitPrice, size, ts)
}

func (s *Simulated) Status(symbol, orderID string, price float64, ts int64) *models.Order {
	s.paper.Advance(symbol, price, ts)
	return s.live.Status(symbol, orderID, price, ts)
}

func (s *Simulated) Cancel(symbol, orderID string, price float64, ts int64) *models.Order {
	s.paper.Advance(symbol, price, ts)
	return s.live.Cancel(symbol, orderID, price, ts)
}

func (s *Simulated) Balance(asset string) (float64, error) {
	return s.live.Balance(asset)
}
