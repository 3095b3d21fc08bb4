package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"signaltrader/internal/strategy"
	"signaltrader/pkg/utils"
)

// SignalRequest - тело POST /api/v1/signals/{symbol}
type SignalRequest struct {
	Buy  bool `json:"buy"`
	Sell bool `json:"sell"`
}

// SignalHandler принимает внешние торговые сигналы для стратегий,
// реализующих strategy.SignalReceiver. Сигнал действует до следующего.
type SignalHandler struct {
	traders TraderSource
	logger  *zap.Logger
}

// NewSignalHandler создает SignalHandler
func NewSignalHandler(traders TraderSource, logger *zap.Logger) *SignalHandler {
	return &SignalHandler{traders: traders, logger: utils.OrNop(logger)}
}

// PostSignal выставляет сигнал символа.
//
// POST /api/v1/signals/{symbol}
//
// Request: {"buy": true, "sell": false}
//
// Response 200 OK: {"message": "signal accepted", "data": {"buy": true, "sell": false}}
// Response 400 Bad Request: тело не разобрано или buy и sell одновременно
// Response 404 Not Found: символ не торгуется
// Response 409 Conflict: стратегия символа не принимает внешние сигналы
func (h *SignalHandler) PostSignal(w http.ResponseWriter, r *http.Request) {
	if h.traders == nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "traders not initialized")
		return
	}

	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	trader, ok := h.traders.Trader(symbol)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_symbol", "unknown symbol")
		return
	}

	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "invalid_body", Details: err.Error()})
		return
	}
	if req.Buy && req.Sell {
		writeError(w, http.StatusBadRequest, "conflicting_signal", "buy and sell cannot both be set")
		return
	}

	receiver, ok := trader.Strategy().(strategy.SignalReceiver)
	if !ok {
		writeError(w, http.StatusConflict, "not_external", "strategy does not accept external signals")
		return
	}
	receiver.SetSignal(req.Buy, req.Sell)

	h.logger.Info("external signal set",
		utils.Symbol(symbol),
		zap.Bool("buy", req.Buy),
		zap.Bool("sell", req.Sell),
	)
	writeJSON(w, http.StatusOK, SuccessResponse{Message: "signal accepted", Data: req})
}
