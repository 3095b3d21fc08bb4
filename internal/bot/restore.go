package bot

import (
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"signaltrader/internal/models"
	"signaltrader/pkg/utils"
)

// RestoreResult - итог восстановления после рестарта
type RestoreResult struct {
	Restored    int            `json:"restored"`    // позиций восстановлено
	Skipped     int            `json:"skipped"`     // позиция уже ведётся
	Closed      int            `json:"closed"`      // позиция оказалась закрытой
	Cancelled   int            `json:"cancelled"`   // снято лишних и осиротевших ордеров
	Deactivated int            `json:"deactivated"` // ордеров помечено неактивными
	Errors      int            `json:"errors"`      // ордеров, по которым биржа не ответила
	Positions   []PositionInfo `json:"positions"`
}

// Restore восстанавливает позиции из активных ордеров хранилища.
//
// Для каждой позиции (группа по position_id) статусы сверяются с биржей.
// Позиция восстанавливается, если её покупка исполнена. Лишние живые ордера
// одной стороны и ордера без позиции снимаются. Повторный вызов не создаёт
// позиций повторно и не снимает уже снятые ордера. prices - текущие цены
// по символам, может быть nil.
func (m *MultiTrader) Restore(prices map[string]float64, ts int64) (*RestoreResult, error) {
	if m.store == nil {
		return nil, fmt.Errorf("restore: %w", errNoStore)
	}

	result := &RestoreResult{}
	for _, symbol := range m.symbols {
		orders, err := m.store.ListActive(symbol)
		if err != nil {
			return result, fmt.Errorf("restore %s: %w", symbol, err)
		}
		m.restoreSymbol(m.traders[symbol], orders, prices[symbol], ts, result)
	}

	m.logger.Info("restore finished",
		zap.Int("restored", result.Restored),
		zap.Int("skipped", result.Skipped),
		zap.Int("closed", result.Closed),
		zap.Int("cancelled", result.Cancelled),
		zap.Int("errors", result.Errors),
	)
	m.events.Publish(Event{
		Type:      EventRestore,
		Timestamp: ts,
		Message:   fmt.Sprintf("restored=%d cancelled=%d closed=%d", result.Restored, result.Cancelled, result.Closed),
	})
	return result, nil
}

var errNoStore = errors.New("order store is not configured")

type restoreGroup struct {
	id     string
	orders []*models.Order
}

func (m *MultiTrader) restoreSymbol(t *Trader, orders []*models.Order, price float64, ts int64, result *RestoreResult) {
	logger := m.logger.With(utils.Symbol(t.Symbol()))

	groups := make(map[string]*restoreGroup)
	var ordered []*restoreGroup
	for _, o := range orders {
		if o.PositionID == "" {
			logger.Warn("orphaned order without position", utils.OrderID(o.ID))
			m.retireOrphan(o, price, ts, result)
			continue
		}
		g, ok := groups[o.PositionID]
		if !ok {
			g = &restoreGroup{id: o.PositionID}
			groups[o.PositionID] = g
			ordered = append(ordered, g)
		}
		g.orders = append(g.orders, o)
	}

	for _, g := range ordered {
		if t.hasPosition(g.id) {
			result.Skipped++
			continue
		}
		m.restoreGroup(t, g, price, ts, result, logger.With(utils.PositionID(g.id)))
	}
}

func (m *MultiTrader) restoreGroup(t *Trader, g *restoreGroup, price float64, ts int64, result *RestoreResult, logger *zap.Logger) {
	var buys, sells, stops []*models.Order
	for _, o := range g.orders {
		if o.Live() && !m.reconcile(o, models.NewStatusRequest(o.Symbol, o.ID, price, ts)) {
			result.Errors++
		}
		switch {
		case o.Side == models.SideBuy:
			buys = append(buys, o)
		case o.IsStopLoss():
			stops = append(stops, o)
		default:
			sells = append(sells, o)
		}
	}

	// исполненная покупка - самая поздняя из исполненных
	var buy *models.Order
	for i := len(buys) - 1; i >= 0; i-- {
		if buys[i].Executed() {
			buy = buys[i]
			break
		}
	}
	if buy == nil {
		// покупка не исполнена: снимаем живые покупки, вдруг они исполнятся при отмене
		for _, o := range buys {
			if o.Live() {
				m.cancelOrder(o, price, ts, result, logger)
			}
			if o.Executed() && buy == nil {
				buy = o
			}
		}
	}
	if buy == nil {
		logger.Info("position was never opened, dropping its orders")
		m.retireAll(g.orders, result)
		return
	}

	// закрыта, пока процесс не работал
	for _, o := range append(append([]*models.Order{}, sells...), stops...) {
		if o.Completed() {
			logger.Info("position closed while offline", utils.OrderID(o.ID))
			m.cancelLive(g.orders, price, ts, result, logger)
			m.retireAll(g.orders, result)
			result.Closed++
			return
		}
	}

	for _, o := range buys {
		if o != buy {
			m.cancelIfLive(o, price, ts, result, logger)
		}
	}
	sell := m.keepLatest(sells, price, ts, result, logger)
	stop := m.keepLatest(stops, price, ts, result, logger)

	// стоп и продажа одновременно - лишний стоп
	if sell != nil && stop != nil {
		m.cancelIfLive(stop, price, ts, result, logger)
		stop = nil
	}

	p := t.adopt(func(pid int64) *Position {
		return restorePosition(pid, g.id, buy, sell, stop, t.cfg.Position, m.pipe, m.store, t.base)
	})
	result.Restored++
	result.Positions = append(result.Positions, p.Info())

	logger.Info("position restored",
		utils.Pid(p.Pid),
		utils.State(string(p.State())),
		utils.Price(p.EntryPrice()),
		utils.Size(p.Size()),
	)
}

// keepLatest оставляет последний живой ордер, остальные живые снимает,
// завершённые без исполнения помечает неактивными
func (m *MultiTrader) keepLatest(orders []*models.Order, price float64, ts int64, result *RestoreResult, logger *zap.Logger) *models.Order {
	sort.SliceStable(orders, func(i, j int) bool { return orders[i].PlacedTs < orders[j].PlacedTs })

	var keep *models.Order
	for i := len(orders) - 1; i >= 0; i-- {
		o := orders[i]
		switch {
		case o.Live() && keep == nil:
			keep = o
		case o.Live():
			logger.Warn("duplicate live order", utils.OrderID(o.ID), utils.Side(string(o.Side)))
			m.cancelOrder(o, price, ts, result, logger)
			m.deactivate(o, result)
		default:
			if o.FilledSize > 0 {
				logger.Warn("partially filled exit order left behind", utils.OrderID(o.ID), utils.Size(o.FilledSize))
			}
			m.deactivate(o, result)
		}
	}
	return keep
}

func (m *MultiTrader) cancelIfLive(o *models.Order, price float64, ts int64, result *RestoreResult, logger *zap.Logger) {
	if o.Live() {
		logger.Warn("duplicate live order", utils.OrderID(o.ID), utils.Side(string(o.Side)))
		m.cancelOrder(o, price, ts, result, logger)
	}
	m.deactivate(o, result)
}

func (m *MultiTrader) cancelLive(orders []*models.Order, price float64, ts int64, result *RestoreResult, logger *zap.Logger) {
	for _, o := range orders {
		if o.Live() {
			m.cancelOrder(o, price, ts, result, logger)
		}
	}
}

func (m *MultiTrader) cancelOrder(o *models.Order, price float64, ts int64, result *RestoreResult, logger *zap.Logger) {
	if !m.reconcile(o, models.NewCancelRequest(o.Symbol, o.ID, price, ts)) {
		result.Errors++
		logger.Warn("cancel not confirmed, order stays active", utils.OrderID(o.ID))
		return
	}
	if o.Status == models.OrderStatusCancelled {
		result.Cancelled++
	}
}

// reconcile применяет снимок биржи к ордеру и сохраняет его.
// false - биржа не ответила.
func (m *MultiTrader) reconcile(o *models.Order, req *models.OrderRequest) bool {
	req.PositionID = o.PositionID
	snap, err := m.pipe.Execute(req)
	if err != nil || transientFailure(snap) {
		return false
	}
	if err := o.ApplySnapshot(snap); err != nil {
		return false
	}
	if err := m.store.Update(o); err != nil {
		m.logger.Error("failed to persist reconciled order", utils.OrderID(o.ID), zap.Error(err))
	}
	return true
}

func (m *MultiTrader) retireOrphan(o *models.Order, price float64, ts int64, result *RestoreResult) {
	if o.Live() {
		m.cancelOrder(o, price, ts, result, m.logger)
		if o.Live() {
			return
		}
	}
	m.deactivate(o, result)
}

func (m *MultiTrader) retireAll(orders []*models.Order, result *RestoreResult) {
	for _, o := range orders {
		if o.Live() {
			// отмена не подтверждена - оставляем для следующего восстановления
			continue
		}
		m.deactivate(o, result)
	}
}

func (m *MultiTrader) deactivate(o *models.Order, result *RestoreResult) {
	if !o.Active || o.Live() {
		return
	}
	if err := m.store.MarkInactive(o.ID); err != nil {
		m.logger.Error("failed to mark order inactive", utils.OrderID(o.ID), zap.Error(err))
		return
	}
	o.Deactivate()
	result.Deactivated++
}
