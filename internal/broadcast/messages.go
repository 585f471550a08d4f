package broadcast

import (
	"time"
)

// Протокол broadcast шины.
//
// Каждое сообщение несёт {seq, ts, channel, payload}; seq строго
// возрастает в пределах соединения и не имеет дыр, пока клиент
// явно не запросит RESYNC.

// Каналы подписки
const (
	ChannelPositions = "positions"
	ChannelOrders    = "orders"
	ChannelEquity    = "equity"
	ChannelRegime    = "regime"
	ChannelHealth    = "health"

	// MarketChannelPrefix + символ: market:AAPL
	MarketChannelPrefix = "market:"
)

// Служебные каналы протокола
const (
	ChannelHandshake = "handshake"
	ChannelSnapshot  = "snapshot"
)

// Envelope - конверт исходящего сообщения
type Envelope struct {
	Seq     int64       `json:"seq"`
	TS      time.Time   `json:"ts"`
	Channel string      `json:"channel"`
	Payload interface{} `json:"payload"`
}

// HandshakePayload - первое сообщение соединения: идентичность сервера
// и начальный seq
type HandshakePayload struct {
	ServerID string `json:"server_id"`
	NextSeq  int64  `json:"next_seq"`
}

// SnapshotPayload - полное состояние подписанных каналов
//
// Снапшот целостен: клиент, поймавший дыру в seq, применяет снапшот
// ЦЕЛИКОМ вместо пропущенных сообщений - повторного применения
// содержимого пропущенного seq не происходит.
type SnapshotPayload struct {
	Channels map[string]interface{} `json:"channels"`
	NextSeq  int64                  `json:"next_seq"`
}

// Действия клиента
const (
	ActionSubscribe = "subscribe"
	ActionResync    = "resync"
)

// ClientCommand - входящее сообщение клиента
//
// Шина - чистый выход: наблюдатели read-only, команды ограничены
// подпиской и ресинком.
type ClientCommand struct {
	Action      string   `json:"action"`
	Channels    []string `json:"channels,omitempty"`
	LastSeenSeq int64    `json:"last_seen_seq,omitempty"`
}

// HealthPayload - содержимое health канала
type HealthPayload struct {
	Halted     bool      `json:"halted"`
	HaltReason string    `json:"halt_reason,omitempty"`
	Heartbeat  time.Time `json:"heartbeat"`
	OpenOrders int       `json:"open_orders"`
}
