package eventlog

// Канонические типы записей журнала событий
//
// Журнал - единственный источник истины о том, "что произошло".
// Любой переход состояния ордера пишется сюда ДО обновления кэша
// живого состояния.
const (
	KindBar                = "BAR"
	KindSignal             = "SIGNAL"
	KindIntent             = "INTENT"
	KindOrderCreated       = "ORDER_CREATED"
	KindOrderTransition    = "ORDER_TRANSITION"
	KindFill               = "FILL"
	KindPositionReconciled = "POSITION_RECONCILED"
	KindHalt               = "HALT"
	KindHeartbeat          = "HEARTBEAT"
	KindMetric             = "METRIC"
)
