package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ============================================================
// Prometheus метрики контура исполнения
// ============================================================
//
// Использование:
// - Grafana дашборды поверх /metrics
// - Alertmanager: алерты на рост UNKNOWN, зомби и расхождений

// ============ Метрики жизненного цикла ордеров ============

// OrderTransitions - счётчик переходов состояний
var OrderTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "papertrade",
		Subsystem: "engine",
		Name:      "order_transitions_total",
		Help:      "Total number of order state transitions",
	},
	[]string{"from", "to"},
)

// InvalidTransitions - отклонённые нелегальные переходы
var InvalidTransitions = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "papertrade",
		Subsystem: "engine",
		Name:      "invalid_transitions_total",
		Help:      "Rejected illegal state transitions (invariant violations)",
	},
	[]string{"from", "to"},
)

// PlacementLatency - латентность размещения ордера у брокера
var PlacementLatency = promauto.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "papertrade",
		Subsystem: "engine",
		Name:      "placement_latency_ms",
		Help:      "Broker order placement latency in milliseconds",
		Buckets:   []float64{10, 25, 50, 100, 200, 500, 1000, 3000, 5000},
	},
	[]string{"symbol"},
)

// OpenOrders - текущее число нетерминальных ордеров
var OpenOrders = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: "papertrade",
		Subsystem: "engine",
		Name:      "open_orders",
		Help:      "Current number of non-terminal orders",
	},
)

// FillsApplied - применённые филлы
var FillsApplied = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "papertrade",
		Subsystem: "engine",
		Name:      "fills_applied_total",
		Help:      "Broker fills applied to orders",
	},
	[]string{"symbol"},
)

// ZombieOrders - обнаруженные зомби-ордера
var ZombieOrders = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "papertrade",
		Subsystem: "engine",
		Name:      "zombie_orders_total",
		Help:      "Orders stuck in SUBMITTED|CANCELLING beyond the zombie threshold",
	},
)

// ============ Метрики реконсиляции ============

// ReconcileRuns - прогоны реконсилятора
var ReconcileRuns = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "papertrade",
		Subsystem: "reconciler",
		Name:      "runs_total",
		Help:      "Reconciler sweep runs",
	},
)

// ReconcileResolved - разрешённые UNKNOWN ордера
var ReconcileResolved = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "papertrade",
		Subsystem: "reconciler",
		Name:      "unknown_resolved_total",
		Help:      "UNKNOWN orders resolved by the reconciler",
	},
	[]string{"final_state"},
)

// PositionDivergences - расхождения позиций с брокером
var PositionDivergences = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "papertrade",
		Subsystem: "reconciler",
		Name:      "position_divergences_total",
		Help:      "Position divergences detected against the broker",
	},
)

// ============ Метрики потока событий ============

// StreamEventsConsumed - обработанные события брокера
var StreamEventsConsumed = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "papertrade",
		Subsystem: "broker",
		Name:      "stream_events_total",
		Help:      "Broker stream events consumed",
	},
	[]string{"kind"},
)

// StreamReconnects - переподключения потока
var StreamReconnects = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: "papertrade",
		Subsystem: "broker",
		Name:      "stream_reconnects_total",
		Help:      "Broker stream reconnects",
	},
)
