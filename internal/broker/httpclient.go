package broker

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Настройки HTTP транспорта для REST брокера.
//
// Connection pooling и keep-alive обязательны: актуатор супервизора
// в аварийном сценарии шлёт пачку отмен и закрытий подряд,
// и рукопожатие на каждый запрос недопустимо.

// HTTPClientConfig содержит настройки HTTP клиента
type HTTPClientConfig struct {
	ConnectTimeout time.Duration // таймаут установки TCP соединения
	ReadTimeout    time.Duration // таймаут чтения заголовков ответа
	TotalTimeout   time.Duration // общий таймаут запроса (fallback)

	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration

	TLSHandshakeTimeout time.Duration
	KeepAliveInterval   time.Duration
}

// DefaultHTTPClientConfig возвращает конфигурацию по умолчанию
func DefaultHTTPClientConfig() HTTPClientConfig {
	return HTTPClientConfig{
		ConnectTimeout: 5 * time.Second,
		ReadTimeout:    10 * time.Second,
		TotalTimeout:   30 * time.Second,

		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,

		TLSHandshakeTimeout: 5 * time.Second,
		KeepAliveInterval:   30 * time.Second,
	}
}

// newHTTPClient создаёт http.Client с пулом соединений и таймаутами
func newHTTPClient(cfg HTTPClientConfig) *http.Client {
	dialer := &net.Dialer{
		Timeout:   cfg.ConnectTimeout,
		KeepAlive: cfg.KeepAliveInterval,
	}

	transport := &http.Transport{
		DialContext: dialer.DialContext,

		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,

		TLSHandshakeTimeout: cfg.TLSHandshakeTimeout,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},

		// Сжатие только добавляет латентность на мелких JSON телах
		DisableCompression:    true,
		ForceAttemptHTTP2:     true,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: cfg.ReadTimeout,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.TotalTimeout,
	}
}
