package broker

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"papertrade/pkg/ratelimit"
	"papertrade/pkg/utils"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client - REST клиент paper-брокера
//
// Все запросы подписываются HMAC-SHA256 парой ключей процесса.
// Торговый процесс и супервизор создают РАЗНЫЕ клиенты со своими
// ключами и не делят сессию.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret string

	httpClient *http.Client
	limiter    *ratelimit.RateLimiter
	log        *utils.Logger
}

// ClientConfig - настройки REST клиента
type ClientConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string

	RateLimit float64
	RateBurst float64

	HTTP HTTPClientConfig
}

// NewClient создаёт REST клиент брокера
func NewClient(cfg ClientConfig, log *utils.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		httpClient: newHTTPClient(cfg.HTTP),
		limiter:    ratelimit.NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		log:        log.WithComponent("broker"),
	}
}

// sign создаёт подпись запроса: HMAC-SHA256(timestamp + method + path + body)
func (c *Client) sign(timestamp, method, path string, body []byte) string {
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(timestamp))
	h.Write([]byte(method))
	h.Write([]byte(path))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// doRequest выполняет подписанный запрос и классифицирует результат
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, reqBody interface{}) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &Error{Outcome: OutcomeRetriable, Message: "rate limiter: " + err.Error(), Original: err}
	}

	var body []byte
	if reqBody != nil {
		var err error
		body, err = json.Marshal(reqBody)
		if err != nil {
			return nil, &Error{Outcome: OutcomeFatal, Message: "marshal request: " + err.Error(), Original: err}
		}
	}

	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Outcome: OutcomeFatal, Message: "build request: " + err.Error(), Original: err}
	}

	timestamp := strconv.FormatInt(time.Now().UnixMilli(), 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PT-API-KEY", c.apiKey)
	req.Header.Set("X-PT-TIMESTAMP", timestamp)
	req.Header.Set("X-PT-SIGN", c.sign(timestamp, method, path, body))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		// Транспортная ошибка или таймаут - повторяемо
		return nil, &Error{Outcome: OutcomeRetriable, Message: err.Error(), Original: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Outcome: OutcomeRetriable, Message: "read response: " + err.Error(), Original: err}
	}

	if outcome := classifyStatus(resp.StatusCode); outcome != OutcomeOk {
		msg := string(respBody)
		var apiErr struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			msg = apiErr.Message
		}
		return nil, &Error{Outcome: outcome, Code: resp.StatusCode, Message: msg}
	}

	return respBody, nil
}

// Place размещает ордер. POST /orders идемпотентен по client_order_id:
// повторный запрос с тем же ключом возвращает существующий ордер.
func (c *Client) Place(ctx context.Context, req PlaceRequest) (*Order, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/orders", nil, req)
	if err != nil {
		return nil, err
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, &Error{Outcome: OutcomeRetriable, Message: "decode order: " + err.Error(), Original: err}
	}

	c.log.Debug("order placed",
		utils.ClientOrderID(req.ClientOrderID),
		utils.Symbol(req.Symbol),
		utils.String("broker_status", order.Status),
	)
	return &order, nil
}

// Cancel отменяет ордер. DELETE /orders/{id}
func (c *Client) Cancel(ctx context.Context, brokerOrderID string) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/orders/"+url.PathEscape(brokerOrderID), nil, nil)
	return err
}

// CancelAll отменяет все открытые ордера счёта. DELETE /orders
func (c *Client) CancelAll(ctx context.Context) error {
	_, err := c.doRequest(ctx, http.MethodDelete, "/orders", nil, nil)
	return err
}

// GetOrder возвращает ордер по ключу идемпотентности.
// GET /orders?client_order_id=...
func (c *Client) GetOrder(ctx context.Context, clientOrderID string) (*Order, error) {
	q := url.Values{}
	q.Set("client_order_id", clientOrderID)

	body, err := c.doRequest(ctx, http.MethodGet, "/orders", q, nil)
	if err != nil {
		var berr *Error
		if errors.As(err, &berr) && berr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrOrderNotFound, clientOrderID)
		}
		return nil, err
	}

	var order Order
	if err := json.Unmarshal(body, &order); err != nil {
		return nil, &Error{Outcome: OutcomeRetriable, Message: "decode order: " + err.Error(), Original: err}
	}
	return &order, nil
}

// ListOpenOrders возвращает открытые ордера счёта. GET /orders/open
func (c *Client) ListOpenOrders(ctx context.Context) ([]*Order, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/orders/open", nil, nil)
	if err != nil {
		return nil, err
	}

	var orders []*Order
	if err := json.Unmarshal(body, &orders); err != nil {
		return nil, &Error{Outcome: OutcomeRetriable, Message: "decode orders: " + err.Error(), Original: err}
	}
	return orders, nil
}

// GetPositions возвращает позиции счёта. GET /positions
func (c *Client) GetPositions(ctx context.Context) ([]*Position, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/positions", nil, nil)
	if err != nil {
		return nil, err
	}

	var positions []*Position
	if err := json.Unmarshal(body, &positions); err != nil {
		return nil, &Error{Outcome: OutcomeRetriable, Message: "decode positions: " + err.Error(), Original: err}
	}
	return positions, nil
}

// GetAccount возвращает equity и cash счёта. GET /account
func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/account", nil, nil)
	if err != nil {
		return nil, err
	}

	var acc Account
	if err := json.Unmarshal(body, &acc); err != nil {
		return nil, &Error{Outcome: OutcomeRetriable, Message: "decode account: " + err.Error(), Original: err}
	}
	return &acc, nil
}

// Close закрывает idle соединения
func (c *Client) Close() error {
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
	return nil
}
