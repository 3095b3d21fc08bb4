package handlers

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"signaltrader/internal/bot"
)

// TraderSource - координатор трейдеров (bot.MultiTrader)
type TraderSource interface {
	Stats() bot.MultiStats
	Trader(symbol string) (*bot.Trader, bool)
}

// TraderHandler отдаёт статистику трейдеров.
//
// Endpoints:
// - GET /api/v1/traders - глобальное состояние и все трейдеры
// - GET /api/v1/traders/{symbol} - один трейдер с открытыми позициями
type TraderHandler struct {
	traders TraderSource
}

// NewTraderHandler создает TraderHandler
func NewTraderHandler(traders TraderSource) *TraderHandler {
	return &TraderHandler{traders: traders}
}

// GetTraders возвращает статистику всех трейдеров.
//
// GET /api/v1/traders
//
// Response 200 OK:
//
//	{
//	  "global": {"quote_balance": 950.5, "max_positions": 5, ...},
//	  "paused_until": 1700000060000,
//	  "traders": [{"symbol": "BTCUSDT", "opened": 3, "net_profit_pct": 1.25, ...}]
//	}
func (h *TraderHandler) GetTraders(w http.ResponseWriter, r *http.Request) {
	if h.traders == nil {
		writeError(w, http.StatusServiceUnavailable, "not_ready", "traders not initialized")
		return
	}
	writeJSON(w, http.StatusOK, h.traders.Stats())
}

// GetTrader возвращает статистику одного символа.
//
// GET /api/v1/traders/{symbol}
//
// Response 404 Not Found: {"error": "unknown symbol", "code": "unknown_symbol"}
func (h *TraderHandler) GetTrader(w http.ResponseWriter, r *http.Request) {
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
	writeJSON(w, http.StatusOK, trader.Stats())
}
