package broadcast

import (
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"papertrade/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Hub управляет всеми соединениями broadcast шины
//
// Fan-out от единого снимка состояния: публикатор (торговый процесс)
// кладёт значение канала, hub раздаёт его каждому подписанному клиенту
// с ЕГО персональным seq. Наблюдатели read-only и не могут мутировать
// состояние.
//
// Hub хранит последнее значение каждого канала: из него собирается
// SNAPSHOT при подписке и RESYNC.
//
// Использование:
// 1. hub := NewHub(serverID, logger)
// 2. go hub.Run(stopCh)
// 3. hub.Publish(ChannelEquity, point)
type Hub struct {
	serverID string
	log      *utils.Logger

	// Зарегистрированные клиенты
	clients map[*Client]bool

	// Регистрация и отмена регистрации
	register   chan *Client
	unregister chan *Client

	// Публикации каналов
	publish chan publication

	// Последние значения каналов (источник снапшотов)
	latest   map[string]interface{}
	latestMu sync.RWMutex

	mu sync.RWMutex
}

// publication - одно значение канала для fan-out
type publication struct {
	channel string
	payload interface{}
}

// NewHub создаёт hub
func NewHub(serverID string, log *utils.Logger) *Hub {
	return &Hub{
		serverID:   serverID,
		log:        log.WithComponent("broadcast"),
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		publish:    make(chan publication, 256),
		latest:     make(map[string]interface{}),
	}
}

// Run - главный цикл hub. Запускается в отдельной горутине.
func (h *Hub) Run(stopCh <-chan struct{}) {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			count := len(h.clients)
			h.mu.Unlock()
			h.log.Info("observer connected", utils.Int("total", count))

			// HANDSHAKE и начальный SNAPSHOT до любых инкрементальных сообщений
			client.sendHandshake(h.serverID)
			client.sendSnapshot(h.snapshotFor(client))

		case client := <-h.unregister:
			h.removeClient(client)

		case pub := <-h.publish:
			h.latestMu.Lock()
			h.latest[pub.channel] = pub.payload
			h.latestMu.Unlock()

			h.fanOut(pub)

		case <-stopCh:
			return
		}
	}
}

// Publish кладёт значение канала в шину
func (h *Hub) Publish(channel string, payload interface{}) {
	select {
	case h.publish <- publication{channel: channel, payload: payload}:
	default:
		// Шина перегружена: наблюдатели догонят через RESYNC
		h.log.Warn("broadcast queue full, dropping publication", utils.Channel(channel))
	}
}

// fanOut раздаёт публикацию подписанным клиентам
//
// Список клиентов копируется под коротким RLock; отправка идёт без
// блокировки hub'а. Не успевающие клиенты отключаются - после
// реконнекта они получат свежий SNAPSHOT.
func (h *Hub) fanOut(pub publication) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	var toRemove []*Client
	for _, client := range clients {
		if !client.subscribed(pub.channel) {
			continue
		}
		if !client.sendEnvelope(pub.channel, pub.payload) {
			toRemove = append(toRemove, client)
		}
	}

	for _, client := range toRemove {
		h.removeClient(client)
	}
}

// removeClient отключает клиента
func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)

		// Закрытие строго под seqMu клиента: никакая отправка
		// не попадёт в уже закрытый канал
		client.seqMu.Lock()
		client.closed = true
		close(client.send)
		client.seqMu.Unlock()
	}
	count := len(h.clients)
	h.mu.Unlock()
	h.log.Info("observer disconnected", utils.Int("total", count))
}

// snapshotFor собирает содержимое снапшота для клиента:
// последние значения его подписанных каналов
func (h *Hub) snapshotFor(client *Client) map[string]interface{} {
	h.latestMu.RLock()
	defer h.latestMu.RUnlock()

	out := make(map[string]interface{})
	for channel, payload := range h.latest {
		if client.subscribed(channel) {
			out[channel] = payload
		}
	}
	return out
}

// ClientCount возвращает число подключенных наблюдателей
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// marshalEnvelope сериализует конверт
func marshalEnvelope(seq int64, channel string, payload interface{}) ([]byte, error) {
	return json.Marshal(&Envelope{
		Seq:     seq,
		TS:      time.Now().UTC(),
		Channel: channel,
		Payload: payload,
	})
}
