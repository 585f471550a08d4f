package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"papertrade/internal/api/handlers"
	"papertrade/internal/api/middleware"
	"papertrade/internal/broadcast"
	"papertrade/internal/engine"
	"papertrade/internal/eventlog"
	"papertrade/internal/lsc"
	"papertrade/pkg/utils"
)

// Dependencies содержит все зависимости HTTP поверхности
type Dependencies struct {
	Engine        *engine.Engine
	Cache         *lsc.Cache
	EventLog      *eventlog.Log
	Hub           *broadcast.Hub
	HaltTokenHash string
	Logger        *utils.Logger
}

// SetupRoutes настраивает HTTP маршруты торгового процесса
//
// Структура:
//
//	/healthz                     - здоровье процесса
//	/metrics                     - Prometheus
//	/ws/stream                   - broadcast шина (наблюдатели read-only)
//	/system/emergency-halt  POST - аварийная остановка (идемпотентна)
//	/system/clear-halt      POST - снятие флага (только оператор)
//	/api/v1/orders          GET  - снимок ордеров
//	/api/v1/positions       GET  - снимок позиций
//	/api/v1/snapshot        GET  - полный снимок состояния
func SetupRoutes(deps *Dependencies) http.Handler {
	router := mux.NewRouter()

	system := handlers.NewSystemHandler(
		deps.Engine,
		deps.Cache,
		deps.EventLog,
		deps.HaltTokenHash,
		deps.Logger,
	)

	router.HandleFunc("/healthz", system.Health).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	router.HandleFunc("/ws/stream", func(w http.ResponseWriter, r *http.Request) {
		broadcast.ServeWS(deps.Hub, w, r)
	})

	router.HandleFunc("/system/emergency-halt", system.EmergencyHalt).Methods(http.MethodPost)
	router.HandleFunc("/system/clear-halt", system.ClearHalt).Methods(http.MethodPost)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.HandleFunc("/orders", system.Orders).Methods(http.MethodGet)
	v1.HandleFunc("/positions", system.Positions).Methods(http.MethodGet)
	v1.HandleFunc("/snapshot", system.Snapshot).Methods(http.MethodGet)

	// Middleware: recovery снаружи, логирование внутри
	var handler http.Handler = router
	handler = middleware.Logging(deps.Logger)(handler)
	handler = middleware.Recovery(deps.Logger)(handler)

	return handler
}
