package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"signaltrader/internal/api/handlers"
	"signaltrader/internal/api/middleware"
)

// Dependencies содержит все зависимости для API handlers
type Dependencies struct {
	Traders handlers.TraderSource
	Stream  http.HandlerFunc // WebSocket поток событий, nil - маршрут не регистрируется

	APIToken       string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// SetupRoutes настраивает все HTTP маршруты приложения
//
// Структура маршрутов:
//
//	/health                        GET  - liveness
//	/metrics                       GET  - prometheus
//	/api/v1/traders                GET  - статистика всех трейдеров
//	/api/v1/traders/{symbol}       GET  - статистика одного символа
//	/api/v1/signals/{symbol}       POST - внешний сигнал (TokenAuth)
//	/ws/stream                     GET  - события позиций в реальном времени
//
// Middleware: Recovery, Logging, CORS для всех маршрутов; TokenAuth только для сигналов.
func SetupRoutes(deps *Dependencies) *mux.Router {
	if deps == nil {
		deps = &Dependencies{}
	}

	router := mux.NewRouter()

	router.Use(middleware.Recovery(deps.Logger))
	router.Use(middleware.Logging(deps.Logger))
	router.Use(middleware.CORS(deps.AllowedOrigins))

	traderHandler := handlers.NewTraderHandler(deps.Traders)
	signalHandler := handlers.NewSignalHandler(deps.Traders, deps.Logger)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/traders", traderHandler.GetTraders).Methods(http.MethodGet)
	api.HandleFunc("/traders/{symbol}", traderHandler.GetTrader).Methods(http.MethodGet)

	signals := api.PathPrefix("/signals").Subrouter()
	signals.Use(middleware.TokenAuth(deps.APIToken))
	signals.HandleFunc("/{symbol}", signalHandler.PostSignal).Methods(http.MethodPost, http.MethodOptions)

	if deps.Stream != nil {
		router.HandleFunc("/ws/stream", deps.Stream).Methods(http.MethodGet)
	}

	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return router
}
