package broadcast

import (
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"papertrade/pkg/utils"
)

const (
	// Время ожидания записи сообщения
	writeWait = 10 * time.Second

	// Время ожидания между pong сообщениями
	pongWait = 60 * time.Second

	// Интервал отправки ping (должен быть меньше pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Максимальный размер входящего сообщения: клиент шлёт только
	// короткие команды subscribe/resync
	maxMessageSize = 4096

	// Размер буфера отправки клиента: снапшоты крупные, дыры в seq
	// недопустимы - буфер с запасом
	clientSendBufferSize = 512
)

// OriginChecker проверяет Origin с O(1) lookup через map
type OriginChecker struct {
	allowedOrigins map[string]struct{}
	allowAll       bool
}

var originChecker = initOriginChecker()

func initOriginChecker() *OriginChecker {
	checker := &OriginChecker{
		allowedOrigins: make(map[string]struct{}),
	}

	// ALLOWED_ORIGINS=http://localhost:3000,https://dash.example.com
	envOrigins := os.Getenv("ALLOWED_ORIGINS")

	if envOrigins == "" || envOrigins == "*" {
		checker.allowAll = true
	} else {
		for _, origin := range strings.Split(envOrigins, ",") {
			origin = strings.TrimSpace(origin)
			if origin != "" {
				checker.allowedOrigins[origin] = struct{}{}
			}
		}
	}

	return checker
}

// Check проверяет origin за O(1)
func (oc *OriginChecker) Check(origin string) bool {
	if origin == "" {
		return true // non-browser клиенты (curl, мониторинг)
	}
	if oc.allowAll {
		return true
	}
	_, ok := oc.allowedOrigins[origin]
	return ok
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return originChecker.Check(r.Header.Get("Origin"))
	},
	EnableCompression: true,
}

// Client представляет одно соединение наблюдателя
//
// Каждый клиент ведёт СВОЙ счётчик seq: последовательность строго
// возрастает и не имеет дыр в пределах соединения. Две горутины:
// readPump (команды subscribe/resync) и writePump (исходящие).
type Client struct {
	conn *websocket.Conn
	hub  *Hub
	log  *utils.Logger

	// Буферизованный канал исходящих сообщений
	send chan []byte

	// Персональный seq соединения; защищён seqMu вместе с send,
	// чтобы порядок нумерации совпадал с порядком постановки в очередь.
	// closed выставляется hub'ом под тем же mutex - отправка в закрытый
	// канал исключена.
	seq    int64
	closed bool
	seqMu  sync.Mutex

	// Подписки канала
	subs   map[string]struct{}
	subsMu sync.RWMutex
}

// subscribed проверяет подписку на канал
func (c *Client) subscribed(channel string) bool {
	c.subsMu.RLock()
	defer c.subsMu.RUnlock()
	_, ok := c.subs[channel]
	return ok
}

// setSubscriptions замещает набор подписок
func (c *Client) setSubscriptions(channels []string) {
	c.subsMu.Lock()
	c.subs = make(map[string]struct{}, len(channels))
	for _, ch := range channels {
		c.subs[ch] = struct{}{}
	}
	c.subsMu.Unlock()
}

// sendEnvelope нумерует и ставит сообщение в очередь отправки
//
// false = клиент не успевает (буфер полон): соединение подлежит
// закрытию, дыр в seq мы не оставляем.
func (c *Client) sendEnvelope(channel string, payload interface{}) bool {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if c.closed {
		return false
	}

	c.seq++
	data, err := marshalEnvelope(c.seq, channel, payload)
	if err != nil {
		c.log.Error("marshal broadcast message failed", utils.Err(err), utils.Channel(channel))
		c.seq-- // сообщение не уйдёт - номер не потрачен
		return true
	}

	select {
	case c.send <- data:
		return true
	default:
		c.seq--
		return false
	}
}

// sendHandshake отправляет первое сообщение соединения
func (c *Client) sendHandshake(serverID string) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if c.closed {
		return
	}

	c.seq++
	data, err := marshalEnvelope(c.seq, ChannelHandshake, &HandshakePayload{
		ServerID: serverID,
		NextSeq:  c.seq + 1,
	})
	if err != nil {
		c.seq--
		return
	}

	select {
	case c.send <- data:
	default:
		c.seq--
	}
}

// sendSnapshot отправляет полное состояние подписанных каналов
func (c *Client) sendSnapshot(channels map[string]interface{}) {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()

	if c.closed {
		return
	}

	c.seq++
	data, err := marshalEnvelope(c.seq, ChannelSnapshot, &SnapshotPayload{
		Channels: channels,
		NextSeq:  c.seq + 1,
	})
	if err != nil {
		c.seq--
		return
	}

	select {
	case c.send <- data:
	default:
		c.seq--
	}
}

// readPump читает команды клиента
//
// Запускается в отдельной горутине для каждого клиента.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Warn("observer connection error", utils.Err(err))
			}
			break
		}

		var cmd ClientCommand
		if err := json.Unmarshal(message, &cmd); err != nil {
			c.log.Warn("malformed observer command", utils.Err(err))
			continue
		}

		switch cmd.Action {
		case ActionSubscribe:
			c.setSubscriptions(cmd.Channels)
			c.sendSnapshot(c.hub.snapshotFor(c))

		case ActionResync:
			// Клиент поймал дыру в seq: отвечаем целостным снапшотом,
			// содержимое пропущенных сообщений повторно не применяется
			c.log.Info("observer resync",
				utils.Seq(cmd.LastSeenSeq),
			)
			c.sendSnapshot(c.hub.snapshotFor(c))

		default:
			c.log.Warn("unknown observer action", utils.String("action", cmd.Action))
		}
	}
}

// writePump отправляет сообщения клиенту
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeWS - HTTP handler broadcast endpoint'а
//
// Апгрейдит соединение, регистрирует клиента в hub'е и запускает
// его горутины. По умолчанию клиент подписан на все основные каналы;
// команда subscribe сужает набор.
func ServeWS(hub *Hub, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.Warn("websocket upgrade failed", utils.Err(err))
		return
	}

	client := &Client{
		conn: conn,
		hub:  hub,
		log:  hub.log,
		send: make(chan []byte, clientSendBufferSize),
	}
	client.setSubscriptions([]string{
		ChannelPositions, ChannelOrders, ChannelEquity, ChannelRegime, ChannelHealth,
	})

	client.hub.register <- client

	go client.writePump()
	go client.readPump()
}
