package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// QueueDepth - запросов в очереди на исполнение
var QueueDepth = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "signaltrader",
		Subsystem: "pipeline",
		Name:      "queue_depth",
		Help:      "Order requests waiting for execution",
	},
)

// RequestsExecuted - исполненные запросы по действию и итоговому статусу
var RequestsExecuted = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "pipeline",
		Name:      "requests_executed_total",
		Help:      "Executed order requests by action and resulting status",
	},
	[]string{"action", "status"},
)

// QueueFullTotal - отказы Submit из-за переполнения очереди
var QueueFullTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "signaltrader",
		Subsystem: "pipeline",
		Name:      "queue_full_total",
		Help:      "Submissions rejected because the queue was full",
	},
)
