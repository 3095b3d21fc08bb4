package executor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// OrderExecutionLatency - время вызова биржи
var OrderExecutionLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "signaltrader",
		Subsystem: "executor",
		Name:      "call_latency_ms",
		Help:      "Latency of exchange calls in milliseconds",
		Buckets:   []float64{1, 5, 25, 50, 100, 200, 500, 1000, 2000, 5000},
	},
	[]string{"exchange", "action"},
)

// OrdersRejected - отказы биржи по причинам
var OrdersRejected = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "executor",
		Name:      "rejected_total",
		Help:      "Exchange calls that ended in a rejected order",
	},
	[]string{"exchange", "reason"},
)
