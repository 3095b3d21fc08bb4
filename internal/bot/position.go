package bot

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"signaltrader/internal/exchange"
	"signaltrader/internal/models"
	"signaltrader/internal/repository"
	"signaltrader/pkg/utils"
)

var (
	ErrPositionNotOpen       = errors.New("position is not open")
	ErrPositionAlreadyOpened = errors.New("position already has a buy order")
	ErrPositionClosing       = errors.New("position has a live sell order")
	ErrStopLossAlreadySet    = errors.New("live stop-loss already set")
	ErrStopLossNotCancelled  = errors.New("stop-loss cancel not confirmed")
)

// OrderPipeline - путь запроса к исполнителю (pipeline.Pipeline)
type OrderPipeline interface {
	Execute(req *models.OrderRequest) (*models.Order, error)
}

// PositionConfig - политика ордеров позиции
type PositionConfig struct {
	StartOrderType models.OrderType // тип ордера на покупку
	EndOrderType   models.OrderType // тип ордера на продажу

	// Порог отклонения цены от лимита, после которого ордер переставляется.
	// 0 - не переставлять.
	BuyDriftPct  float64
	SellDriftPct float64

	// Смещение лимитной цены от текущей: покупка ниже, продажа выше.
	// Для стоп-лимит ордеров - запас лимита за стопом.
	LimitOffsetPct float64
}

// Position - одна сделка туда и обратно: покупка, опциональный стоп, продажа.
//
// Состояние не хранится, а выводится из ордеров (State). Ордеры меняются только
// снимками с биржи. Частичное исполнение отменённой продажи или стопа
// накапливается в soldSize/soldValue, остаток продаётся следующим ордером.
type Position struct {
	ID     string
	Pid    int64
	Symbol string

	cfg    PositionConfig
	pipe   OrderPipeline
	store  repository.OrderStore
	logger *zap.Logger

	buyOrder      *models.Order
	sellOrder     *models.Order
	stopLossOrder *models.Order

	soldSize  float64
	soldValue float64

	trailRef     float64 // цена, от которой выставлен текущий стоп
	replacements int
	closedTs     int64
}

// NewPosition создаёт позицию без ордеров
func NewPosition(pid int64, symbol string, cfg PositionConfig, pipe OrderPipeline, store repository.OrderStore, logger *zap.Logger) *Position {
	id := uuid.NewString()
	return &Position{
		ID:     id,
		Pid:    pid,
		Symbol: symbol,
		cfg:    cfg,
		pipe:   pipe,
		store:  store,
		logger: utils.OrNop(logger).With(utils.Symbol(symbol), utils.Pid(pid), utils.PositionID(id)),
	}
}

// restorePosition собирает позицию из сохранённых ордеров
func restorePosition(pid int64, positionID string, buy, sell, stop *models.Order, cfg PositionConfig, pipe OrderPipeline, store repository.OrderStore, logger *zap.Logger) *Position {
	p := NewPosition(pid, buy.Symbol, cfg, pipe, store, logger)
	p.ID = positionID
	p.logger = utils.OrNop(logger).With(utils.Symbol(buy.Symbol), utils.Pid(pid), utils.PositionID(positionID))
	p.buyOrder = buy
	p.sellOrder = sell
	p.stopLossOrder = stop
	if stop != nil {
		p.trailRef = buy.Price
	}
	return p
}

// ============================================================
// Предикаты
// ============================================================

// bought - по покупке есть исполненный объём и она больше не изменится
func (p *Position) bought() bool {
	return p.buyOrder.Executed()
}

// Opened - покупка исполнена, позиция не закрыта
func (p *Position) Opened() bool {
	return p.bought() && !p.Closed()
}

// Closed - продажа или стоп исполнены
func (p *Position) Closed() bool {
	if p.sellOrder.Completed() || p.stopLossOrder.Completed() {
		return true
	}
	return p.bought() && p.soldSize > 0 && p.remaining() <= 0
}

// StopLossSet - есть живой стоп-ордер
func (p *Position) StopLossSet() bool {
	return p.stopLossOrder.Live()
}

// Closing - продажа выставлена и ещё не исполнена
func (p *Position) Closing() bool {
	return p.sellOrder.Live()
}

// State выводит состояние из ордеров
func (p *Position) State() PositionState {
	switch {
	case p.Closed():
		return StateClosed
	case p.buyOrder == nil:
		return StateFailed
	case !p.bought():
		if p.buyOrder.Live() {
			return StateOpening
		}
		return StateFailed
	case p.sellOrder.Live():
		return StateClosing
	case p.sellOrder != nil:
		return StateCancelled
	default:
		return StateOpen
	}
}

// BuyOrder, SellOrder, StopLossOrder - копии текущих ордеров
func (p *Position) BuyOrder() *models.Order      { return p.buyOrder.Clone() }
func (p *Position) SellOrder() *models.Order     { return p.sellOrder.Clone() }
func (p *Position) StopLossOrder() *models.Order { return p.stopLossOrder.Clone() }

// EntryPrice - цена покупки (цена исполнения после fill)
func (p *Position) EntryPrice() float64 {
	if p.buyOrder == nil {
		return 0
	}
	return p.buyOrder.Price
}

// Size - купленный объём
func (p *Position) Size() float64 {
	if !p.bought() {
		return 0
	}
	return p.buyOrder.FilledSize
}

// remaining - объём, который ещё нужно продать
func (p *Position) remaining() float64 {
	return p.Size() - p.soldSize
}

// ProfitPercent - доходность закрытой позиции, 2 знака.
// Цена выхода - средняя по исполненным продажам и стопу.
// 0, если покупка не исполнена или выхода ещё не было.
func (p *Position) ProfitPercent() float64 {
	if !p.bought() {
		return 0
	}

	size, value := p.soldSize, p.soldValue
	for _, o := range []*models.Order{p.stopLossOrder, p.sellOrder} {
		if o.Executed() {
			size += o.FilledSize
			value += o.FilledSize * o.Price
		}
	}
	if size <= 0 {
		return 0
	}
	return utils.ProfitPercent(p.buyOrder.Price, value/size)
}

// UnrealizedPercent - доходность, если закрыть по price
func (p *Position) UnrealizedPercent(price float64) float64 {
	if !p.bought() {
		return 0
	}
	return utils.ProfitPercent(p.buyOrder.Price, price)
}

// ClosedByStop - позиция закрыта стоп-лоссом
func (p *Position) ClosedByStop() bool {
	return p.stopLossOrder.Completed()
}

// ============================================================
// Операции
// ============================================================

// Open выставляет покупку типом StartOrderType.
// Отказ биржи не ошибка: buyOrder становится REJECTED, позиция - FAILED.
func (p *Position) Open(size, price float64, ts int64) error {
	if p.buyOrder != nil {
		return ErrPositionAlreadyOpened
	}
	p.placeBuy(size, price, ts)
	return nil
}

func (p *Position) placeBuy(size, price float64, ts int64) {
	order := p.submit(p.legRequest(models.SideBuy, p.cfg.StartOrderType, size, price, ts))
	p.buyOrder = order
	p.persist(order)

	if order.Status == models.OrderStatusRejected {
		p.logger.Warn("buy order rejected",
			utils.Price(price),
			utils.Size(size),
			zap.String("reason", order.ErrorReason),
			zap.String("error", order.ErrorMessage),
		)
		return
	}
	p.logger.Info("buy order placed",
		utils.OrderID(order.ID),
		zap.String("type", string(order.Type)),
		utils.Price(order.Price),
		utils.Size(size),
		utils.State(string(order.Status)),
	)
}

// UpdateBuyPosition переставляет лимитную покупку, если её лимит отстал от
// лимита новой покупки по текущей цене больше чем на BuyDriftPct. Возвращает true, если ордер переставлен.
func (p *Position) UpdateBuyPosition(size, price float64, ts int64) bool {
	buy := p.buyOrder
	if !p.drifted(buy, price, p.cfg.BuyDriftPct) {
		return false
	}
	if !p.cancelResting(buy, price, ts) {
		return false
	}

	p.retire(buy)
	p.placeBuy(size, price, ts)
	p.replacements++
	OrderReplacements.WithLabelValues(p.Symbol, string(models.SideBuy)).Inc()

	p.logger.Info("buy order replaced",
		utils.OrderID(p.buyOrder.ID),
		zap.Float64("old_price", buy.LimitPrice),
		utils.Price(p.buyOrder.LimitPrice),
	)
	return true
}

// CreateStopLossPosition выставляет защитный стоп-лимит на продажу остатка
func (p *Position) CreateStopLossPosition(stopPrice, limitPrice float64, ts int64) error {
	if !p.Opened() {
		return ErrPositionNotOpen
	}
	if p.StopLossSet() {
		return ErrStopLossAlreadySet
	}
	if p.Closing() {
		return ErrPositionClosing
	}

	req := models.NewPlaceRequest(p.Symbol, models.SideSell, models.OrderTypeStopLossLimit, p.remaining(), limitPrice, ts)
	req.StopPrice = stopPrice
	req.LimitPrice = limitPrice
	// текущая цена неизвестна: симуляция двигает только часы
	req.CurrentPrice = 0

	order := p.submit(req)
	if order.Status == models.OrderStatusRejected {
		p.logger.Warn("stop-loss rejected",
			zap.Float64("stop_price", stopPrice),
			zap.String("reason", order.ErrorReason),
			zap.String("error", order.ErrorMessage),
		)
		return nil
	}

	if p.stopLossOrder != nil {
		p.retire(p.stopLossOrder)
	}
	p.stopLossOrder = order
	p.persist(order)

	p.logger.Info("stop-loss placed",
		utils.OrderID(order.ID),
		zap.Float64("stop_price", stopPrice),
		zap.Float64("limit_price", limitPrice),
	)
	return nil
}

// CancelStopLossPosition снимает живой стоп. Если стоп успел исполниться,
// позиция закрыта стопом и ошибки нет. Если отмена не подтверждена,
// стоп остаётся и возвращается ErrStopLossNotCancelled.
func (p *Position) CancelStopLossPosition(price float64, ts int64) error {
	stop := p.stopLossOrder
	if !stop.Live() {
		return nil
	}

	snap := p.submit(models.NewCancelRequest(p.Symbol, stop.ID, price, ts))
	if transientFailure(snap) {
		return fmt.Errorf("%w: %s", ErrStopLossNotCancelled, snap.ErrorMessage)
	}
	p.apply(stop, snap)

	switch {
	case stop.Completed():
		p.logger.Info("stop-loss filled before cancel", utils.OrderID(stop.ID), utils.Price(stop.Price))
		return nil
	case stop.Live():
		return ErrStopLossNotCancelled
	}

	p.foldPartial(stop)
	p.retire(stop)
	p.stopLossOrder = nil
	p.logger.Debug("stop-loss cancelled", utils.OrderID(stop.ID))
	return nil
}

// Close закрывает позицию. Живой стоп сначала сверяется: если он исполнен,
// позиция уже закрыта; иначе стоп снимается и выставляется продажа
// типом EndOrderType.
func (p *Position) Close(price float64, ts int64) error {
	if p.Closed() {
		return nil
	}
	if !p.Opened() {
		return ErrPositionNotOpen
	}
	if p.Closing() {
		return nil
	}

	if p.StopLossSet() {
		p.refresh(p.stopLossOrder, price, ts)
		if p.Closed() {
			return nil
		}
		if err := p.CancelStopLossPosition(price, ts); err != nil {
			return err
		}
		if p.Closed() {
			return nil
		}
	}

	if p.sellOrder != nil {
		p.foldPartial(p.sellOrder)
		p.retire(p.sellOrder)
	}
	p.placeSell(price, ts)
	return nil
}

func (p *Position) placeSell(price float64, ts int64) {
	size := p.remaining()
	order := p.submit(p.legRequest(models.SideSell, p.cfg.EndOrderType, size, price, ts))
	p.sellOrder = order
	p.persist(order)

	if order.Status == models.OrderStatusRejected {
		p.logger.Warn("sell order rejected",
			utils.Price(price),
			utils.Size(size),
			zap.String("reason", order.ErrorReason),
			zap.String("error", order.ErrorMessage),
		)
		return
	}
	p.logger.Info("sell order placed",
		utils.OrderID(order.ID),
		zap.String("type", string(order.Type)),
		utils.Price(order.Price),
		utils.Size(size),
		utils.State(string(order.Status)),
	)
}

// UpdateSellPosition переставляет лимитную продажу при отклонении цены
// больше чем на SellDriftPct
func (p *Position) UpdateSellPosition(price float64, ts int64) bool {
	sell := p.sellOrder
	if !p.drifted(sell, price, p.cfg.SellDriftPct) {
		return false
	}
	if !p.cancelResting(sell, price, ts) {
		return false
	}

	p.foldPartial(sell)
	p.retire(sell)
	if p.remaining() <= 0 {
		p.sellOrder = nil
		return false
	}
	p.placeSell(price, ts)
	p.replacements++
	OrderReplacements.WithLabelValues(p.Symbol, string(models.SideSell)).Inc()

	p.logger.Info("sell order replaced",
		utils.OrderID(p.sellOrder.ID),
		zap.Float64("old_price", sell.LimitPrice),
		utils.Price(p.sellOrder.LimitPrice),
	)
	return true
}

// MarketUpdate опрашивает биржу по каждому живому ордеру позиции.
// Возвращает true, если хотя бы один ордер изменился.
func (p *Position) MarketUpdate(price float64, ts int64) bool {
	prev := p.State()

	changed := false
	for _, o := range []*models.Order{p.buyOrder, p.stopLossOrder, p.sellOrder} {
		if o.Live() && p.refresh(o, price, ts) {
			changed = true
		}
	}

	// стоп снят на бирже без нас
	if stop := p.stopLossOrder; stop != nil && stop.Terminal() && !stop.Completed() {
		p.logger.Warn("stop-loss terminated on exchange",
			utils.OrderID(stop.ID),
			utils.State(string(stop.Status)),
		)
		p.foldPartial(stop)
		p.retire(stop)
		p.stopLossOrder = nil
	}

	next := p.State()
	if next != prev {
		if !CanTransition(prev, next) {
			UnexpectedTransitions.WithLabelValues(p.Symbol).Inc()
			p.logger.Warn("unexpected position transition",
				zap.String("from", string(prev)),
				zap.String("to", string(next)),
			)
		} else {
			p.logger.Debug("position transition",
				zap.String("from", string(prev)),
				zap.String("to", string(next)),
			)
		}
	}
	if next == StateClosed && p.closedTs == 0 {
		p.closedTs = ts
	}
	return changed
}

// Deactivate помечает все ордера позиции неактивными в хранилище
func (p *Position) Deactivate() {
	for _, o := range []*models.Order{p.buyOrder, p.stopLossOrder, p.sellOrder} {
		if o != nil && o.Active {
			p.retire(o)
		}
	}
}

// ============================================================
// Внутренние функции
// ============================================================

// legRequest строит запрос на выставление ноги по типу ордера
func (p *Position) legRequest(side models.Side, typ models.OrderType, size, price float64, ts int64) *models.OrderRequest {
	req := models.NewPlaceRequest(p.Symbol, side, typ, size, price, ts)

	switch typ {
	case models.OrderTypeLimit:
		req.Price = p.legLimit(side, typ, price)
		req.LimitPrice = req.Price
	case models.OrderTypeStopLossLimit:
		req.StopPrice = price
		req.LimitPrice = p.legLimit(side, typ, price)
		req.Price = req.LimitPrice
	}
	return req
}

// legLimit - лимитная цена, которую получит нога, выставленная при цене price
func (p *Position) legLimit(side models.Side, typ models.OrderType, price float64) float64 {
	offset := p.cfg.LimitOffsetPct
	if side == models.SideBuy {
		offset = -offset
	}
	if typ == models.OrderTypeStopLossLimit {
		offset = -offset
	}
	return utils.ApplyPercent(price, offset)
}

func (p *Position) submit(req *models.OrderRequest) *models.Order {
	req.PositionID = p.ID

	order, err := p.pipe.Execute(req)
	if err != nil {
		p.logger.Warn("order request not executed",
			utils.RequestID(req.RID),
			zap.String("action", string(req.Action)),
			zap.Error(err),
		)
		order = models.RejectedOrder(req, "pipeline", err.Error())
	}
	if order.PositionID == "" {
		order.PositionID = p.ID
	}
	return order
}

// refresh запрашивает статус ордера и применяет снимок
func (p *Position) refresh(o *models.Order, price float64, ts int64) bool {
	snap := p.submit(models.NewStatusRequest(p.Symbol, o.ID, price, ts))
	if transientFailure(snap) {
		p.logger.Debug("status query failed, retry next tick",
			utils.OrderID(o.ID),
			zap.String("reason", snap.ErrorReason),
		)
		return false
	}
	return p.apply(o, snap)
}

func (p *Position) apply(o, snap *models.Order) bool {
	status, filled := o.Status, o.FilledSize
	if err := o.ApplySnapshot(snap); err != nil {
		p.logger.Warn("snapshot not applied", utils.OrderID(o.ID), zap.Error(err))
		return false
	}
	if o.Status == status && o.FilledSize == filled {
		return false
	}
	p.persist(o)
	return true
}

// drifted - ордер можно переставить: живой, не рыночный, без частичного
// исполнения и его лимит отстал на threshold процентов от лимита, который
// получил бы новый ордер при цене price. Отступ LimitOffsetPct в сравнении
// не участвует: при неизменной цене отклонение нулевое.
func (p *Position) drifted(o *models.Order, price, threshold float64) bool {
	if threshold <= 0 || price <= 0 || !o.Live() || o.Type == models.OrderTypeMarket || o.FilledSize > 0 {
		return false
	}
	ref := o.LimitPrice
	if ref <= 0 {
		ref = o.Price
	}
	return utils.DriftPercent(ref, p.legLimit(o.Side, o.Type, price)) >= threshold
}

// cancelResting отменяет ордер под замену. true - ордер снят без исполнения
// или с частичным исполнением, его можно заменить.
func (p *Position) cancelResting(o *models.Order, price float64, ts int64) bool {
	snap := p.submit(models.NewCancelRequest(p.Symbol, o.ID, price, ts))
	if transientFailure(snap) {
		p.logger.Debug("cancel failed, retry next tick", utils.OrderID(o.ID), zap.String("reason", snap.ErrorReason))
		return false
	}
	p.apply(o, snap)

	if o.Status != models.OrderStatusCancelled {
		return false
	}
	// частично исполненную покупку не заменяем: позиция открыта на исполненный объём
	return o.Side == models.SideSell || o.FilledSize == 0
}

// foldPartial переносит исполненную часть снятой продажи или стопа в итоги.
// После вызова ордер должен быть убран из позиции, иначе объём посчитается дважды.
func (p *Position) foldPartial(o *models.Order) {
	if o == nil || o.Side != models.SideSell || o.Status == models.OrderStatusFilled || o.FilledSize <= 0 {
		return
	}
	p.soldSize += o.FilledSize
	p.soldValue += o.FilledSize * o.Price
}

// retire помечает ордер неактивным
func (p *Position) retire(o *models.Order) {
	if o.ID != "" && p.store != nil {
		if err := p.store.MarkInactive(o.ID); err != nil && !errors.Is(err, repository.ErrOrderNotFound) {
			p.logger.Error("failed to mark order inactive", utils.OrderID(o.ID), zap.Error(err))
		}
	}
	o.Deactivate()
}

// persist сохраняет ордер. Ордера без id (отказ до биржи) не сохраняются.
func (p *Position) persist(o *models.Order) {
	if o == nil || o.ID == "" || p.store == nil {
		return
	}
	err := p.store.Update(o)
	if errors.Is(err, repository.ErrOrderNotFound) {
		err = p.store.Insert(o)
	}
	if err != nil {
		p.logger.Error("failed to persist order", utils.OrderID(o.ID), zap.Error(err))
	}
}

// transientFailure - запрос статуса или отмены не дошёл до биржи.
// Снимок не применяется, попытка повторится на следующем тике.
func transientFailure(snap *models.Order) bool {
	return snap.Status == models.OrderStatusRejected &&
		snap.ErrorReason != "" &&
		snap.ErrorReason != exchange.CodeUnknownOrder
}

// PositionInfo - снимок позиции для API
type PositionInfo struct {
	ID         string        `json:"id"`
	Pid        int64         `json:"pid"`
	Symbol     string        `json:"symbol"`
	State      PositionState `json:"state"`
	EntryPrice float64       `json:"entry_price"`
	Size       float64       `json:"size"`
	StopPrice  float64       `json:"stop_price,omitempty"`
	SellPrice  float64       `json:"sell_price,omitempty"`
	OpenedTs   int64         `json:"opened_ts"`
}

// Info возвращает снимок позиции
func (p *Position) Info() PositionInfo {
	info := PositionInfo{
		ID:         p.ID,
		Pid:        p.Pid,
		Symbol:     p.Symbol,
		State:      p.State(),
		EntryPrice: p.EntryPrice(),
		Size:       p.Size(),
	}
	if p.buyOrder != nil {
		info.OpenedTs = p.buyOrder.PlacedTs
	}
	if p.StopLossSet() {
		info.StopPrice = p.stopLossOrder.StopPrice
	}
	if p.Closing() {
		info.SellPrice = p.sellOrder.Price
	}
	return info
}
