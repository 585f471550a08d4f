package broker

import (
	"context"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"papertrade/pkg/utils"
)

// Поток событий брокера с автоматическим переподключением.
//
// Поток потребляется ОДНИМ читателем на процесс; события секвенированы
// монотонно в пределах сессии брокера. После реконнекта стрим
// возобновляется с последнего подтверждённого seq и дёргает
// onReconnect callback - движок обязан прогнать ReconcileAll
// до возврата к нормальной обработке.

// StreamConfig - конфигурация переподключения
type StreamConfig struct {
	URL string

	APIKey    string
	APISecret string

	// Exponential backoff переподключения: 2s, 4s, 8s, 16s (потолок)
	InitialDelay time.Duration
	MaxDelay     time.Duration

	ConnectTimeout time.Duration
	PingInterval   time.Duration
	PongTimeout    time.Duration

	// Ёмкость выходного канала событий
	Buffer int
}

// DefaultStreamConfig возвращает конфигурацию по умолчанию
func DefaultStreamConfig(url, apiKey, apiSecret string) StreamConfig {
	return StreamConfig{
		URL:            url,
		APIKey:         apiKey,
		APISecret:      apiSecret,
		InitialDelay:   2 * time.Second,
		MaxDelay:       16 * time.Second,
		ConnectTimeout: 10 * time.Second,
		PingInterval:   30 * time.Second,
		PongTimeout:    10 * time.Second,
		Buffer:         256,
	}
}

// Состояния соединения
type streamState int32

const (
	streamDisconnected streamState = iota
	streamConnecting
	streamConnected
	streamClosed
)

// Stream - поток событий брокера
type Stream struct {
	cfg StreamConfig
	log *utils.Logger

	events chan StreamEvent

	// Последний обработанный seq - точка возобновления после реконнекта
	lastSeq atomic.Int64

	// onReconnect вызывается ПОСЛЕ восстановления соединения,
	// ДО возобновления доставки событий
	onReconnect func()
	callbackMu  sync.RWMutex

	state   atomic.Int32
	closeCh chan struct{}
	once    sync.Once
}

// NewStream создаёт поток событий (не подключаясь)
func NewStream(cfg StreamConfig, log *utils.Logger) *Stream {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 256
	}
	return &Stream{
		cfg:     cfg,
		log:     log.WithComponent("broker_stream"),
		events:  make(chan StreamEvent, cfg.Buffer),
		closeCh: make(chan struct{}),
	}
}

// SetOnReconnect устанавливает callback восстановления соединения
func (s *Stream) SetOnReconnect(fn func()) {
	s.callbackMu.Lock()
	s.onReconnect = fn
	s.callbackMu.Unlock()
}

// Events возвращает канал событий
func (s *Stream) Events() <-chan StreamEvent {
	return s.events
}

// LastSeq возвращает последний подтверждённый через Ack seq
func (s *Stream) LastSeq() int64 {
	return s.lastSeq.Load()
}

// Ack подтверждает обработку события - от этой точки возобновится
// стрим после реконнекта
func (s *Stream) Ack(seq int64) {
	for {
		cur := s.lastSeq.Load()
		if seq <= cur || s.lastSeq.CompareAndSwap(cur, seq) {
			return
		}
	}
}

// Run запускает цикл приёма с переподключением.
// Блокирует до отмены контекста или Close.
func (s *Stream) Run(ctx context.Context) error {
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return ErrStreamClosed
		default:
		}

		s.state.Store(int32(streamConnecting))

		conn, err := s.connect(ctx)
		if err != nil {
			delay := s.backoffDelay(attempt)
			attempt++
			s.log.Warn("stream connect failed, retrying",
				utils.Err(err),
				utils.Int("attempt", attempt),
				utils.String("delay", delay.String()),
			)
			select {
			case <-time.After(delay):
				continue
			case <-ctx.Done():
				return ctx.Err()
			case <-s.closeCh:
				return ErrStreamClosed
			}
		}

		s.state.Store(int32(streamConnected))

		if attempt > 0 {
			// Реконнект: до возобновления обработки событий движок
			// обязан выполнить полную реконсиляцию
			s.callbackMu.RLock()
			cb := s.onReconnect
			s.callbackMu.RUnlock()
			if cb != nil {
				cb()
			}
		}
		attempt = 0

		err = s.readLoop(ctx, conn)
		conn.Close()
		s.state.Store(int32(streamDisconnected))

		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-s.closeCh:
			return ErrStreamClosed
		default:
		}

		s.log.Warn("stream disconnected", utils.Err(err), utils.Seq(s.lastSeq.Load()))
		attempt = 1
	}
}

// connect открывает WebSocket и отправляет подписку с resume_from
func (s *Stream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: s.cfg.ConnectTimeout,
	}

	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return nil, &Error{Outcome: OutcomeRetriable, Message: "stream dial: " + err.Error(), Original: err}
	}

	sub := map[string]interface{}{
		"action":      "subscribe",
		"api_key":     s.cfg.APIKey,
		"resume_from": s.lastSeq.Load(),
	}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, &Error{Outcome: OutcomeRetriable, Message: "stream subscribe: " + err.Error(), Original: err}
	}

	return conn, nil
}

// readLoop читает кадры до ошибки соединения
func (s *Stream) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + s.cfg.PongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + s.cfg.PongTimeout))
		return nil
	})

	// Ping горутина поддерживает соединение живым
	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(s.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var ev StreamEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(s.cfg.PingInterval + s.cfg.PongTimeout))

		// Дубликаты после resume отбрасываем по seq
		if ev.Seq != 0 && ev.Seq <= s.lastSeq.Load() {
			continue
		}

		select {
		case s.events <- ev:
		case <-ctx.Done():
			return ctx.Err()
		case <-s.closeCh:
			return ErrStreamClosed
		}
	}
}

// backoffDelay вычисляет задержку переподключения
func (s *Stream) backoffDelay(attempt int) time.Duration {
	delay := float64(s.cfg.InitialDelay) * math.Pow(2, float64(attempt))
	if delay > float64(s.cfg.MaxDelay) {
		delay = float64(s.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

// Close останавливает поток
func (s *Stream) Close() {
	s.once.Do(func() {
		s.state.Store(int32(streamClosed))
		close(s.closeCh)
	})
}
