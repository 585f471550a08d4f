package handlers

import (
	"net/http"
	"time"

	jsoniter "github.com/json-iterator/go"

	"papertrade/internal/engine"
	"papertrade/internal/eventlog"
	"papertrade/internal/lsc"
	"papertrade/pkg/crypto"
	"papertrade/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SystemHandler - системные endpoint'ы: аварийная остановка, здоровье,
// снимки ордеров и позиций
type SystemHandler struct {
	engine *engine.Engine
	cache  *lsc.Cache
	elog   *eventlog.Log

	// bcrypt-хеш операторского токена; пустой = защита выключена (dev)
	haltTokenHash string

	log *utils.Logger
}

// NewSystemHandler создаёт handler
func NewSystemHandler(eng *engine.Engine, cache *lsc.Cache, elog *eventlog.Log, haltTokenHash string, log *utils.Logger) *SystemHandler {
	return &SystemHandler{
		engine:        eng,
		cache:         cache,
		elog:          elog,
		haltTokenHash: haltTokenHash,
		log:           log.WithComponent("api"),
	}
}

// haltRequest - тело запроса остановки
type haltRequest struct {
	Reason string `json:"reason"`
	Token  string `json:"token"`
}

// EmergencyHalt обрабатывает POST /system/emergency-halt
//
// Идемпотентен: повторный вызов при активном флаге возвращает тот же флаг.
func (h *SystemHandler) EmergencyHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if !h.authorize(w, req.Token) {
		return
	}

	reason := req.Reason
	if reason == "" {
		reason = "operator emergency halt"
	}

	flag, err := h.cache.SetHalt(reason, "operator")
	if err != nil {
		h.log.Error("halt flag persistence failed", utils.Err(err))
		writeError(w, http.StatusInternalServerError, "halt flag persistence failed")
		return
	}

	if err := h.elog.Append(eventlog.KindHalt, flag); err != nil {
		h.log.Error("halt log append failed", utils.Err(err))
	}

	h.log.Error("emergency halt set by operator", utils.Reason(reason))
	writeJSON(w, http.StatusOK, flag)
}

// ClearHalt обрабатывает POST /system/clear-halt
//
// Снятие флага - ИСКЛЮЧИТЕЛЬНО операторское действие; рестарт
// процессов флаг не снимает.
func (h *SystemHandler) ClearHalt(w http.ResponseWriter, r *http.Request) {
	var req haltRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if !h.authorize(w, req.Token) {
		return
	}

	if err := h.cache.ClearHalt("operator"); err != nil {
		h.log.Error("halt flag clear failed", utils.Err(err))
		writeError(w, http.StatusInternalServerError, "halt flag clear failed")
		return
	}

	h.log.Warn("halt flag cleared by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

// Health обрабатывает GET /healthz
func (h *SystemHandler) Health(w http.ResponseWriter, _ *http.Request) {
	flag := h.cache.GetHalt()

	payload := map[string]interface{}{
		"status": "ok",
		"ts":     time.Now().UTC(),
		"halted": flag.Active,
	}
	if flag.Active {
		payload["halt_reason"] = flag.Reason
	}

	writeJSON(w, http.StatusOK, payload)
}

// Orders обрабатывает GET /api/v1/orders
func (h *SystemHandler) Orders(w http.ResponseWriter, _ *http.Request) {
	snap := h.engine.Snapshot()
	writeJSON(w, http.StatusOK, snap.Orders)
}

// Positions обрабатывает GET /api/v1/positions
func (h *SystemHandler) Positions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.cache.Positions())
}

// Snapshot обрабатывает GET /api/v1/snapshot
func (h *SystemHandler) Snapshot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.Snapshot())
}

// authorize сверяет операторский токен; false = ответ уже записан
func (h *SystemHandler) authorize(w http.ResponseWriter, token string) bool {
	if h.haltTokenHash == "" {
		return true
	}
	if err := crypto.VerifyToken(token, h.haltTokenHash); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid operator token")
		return false
	}
	return true
}

// writeJSON сериализует ответ
func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError отвечает ошибкой в едином формате
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}
