package lsc

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// Кэш живого состояния (LSC).
//
// In-memory key-value с монотонным упорядочиванием записей по времени
// писателя: запись с ts < сохранённого отбрасывается, при равных ts
// тай-брейком служит version. Это не даёт устаревшему REST ответу
// затереть более свежее событие из стрима.
//
// Halt флаг дополнительно персистится в файл под StateDir:
// он обязан пережить рестарт обоих процессов и снимается только
// действием оператора.

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Соглашение об именовании ключей
const (
	keyPositions  = "positions/"  // positions/{symbol}
	keyOrders     = "orders/"     // orders/{order_id}
	keyEquity     = "equity"
	keyRegime     = "regime"
	keyHalt       = "halt"
	keyHeartbeats = "heartbeats/" // heartbeats/{role}
)

const haltFileName = "halt.json"

// Entry - значение с метаданными упорядочивания
type Entry struct {
	TS      time.Time
	Version int64
	Data    interface{}
}

// Cache - потокобезопасный кэш живого состояния
type Cache struct {
	mu      sync.RWMutex
	entries map[string]Entry

	stateDir string // каталог персистентных артефактов (halt флаг)
}

// New создаёт кэш и подхватывает персистентный halt флаг, если он есть
func New(stateDir string) (*Cache, error) {
	c := &Cache{
		entries:  make(map[string]Entry),
		stateDir: stateDir,
	}

	if stateDir != "" {
		if err := os.MkdirAll(stateDir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
		if err := c.loadHalt(); err != nil {
			return nil, err
		}
	}

	return c, nil
}

// Put применяет запись по правилу монотонного времени
//
// Возвращает true если запись принята, false если отброшена как устаревшая.
func (c *Cache) Put(key string, ts time.Time, version int64, data interface{}) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.putLocked(key, ts, version, data)
}

func (c *Cache) putLocked(key string, ts time.Time, version int64, data interface{}) bool {
	if cur, ok := c.entries[key]; ok {
		if ts.Before(cur.TS) {
			return false
		}
		if ts.Equal(cur.TS) && version <= cur.Version {
			return false
		}
	}
	c.entries[key] = Entry{TS: ts, Version: version, Data: data}
	return true
}

// Get возвращает значение по ключу
func (c *Cache) Get(key string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Delete удаляет ключ (используется при закрытии позиции в ноль)
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// ============================================================
// Позиции
// ============================================================

// SetPosition применяет запись позиции
func (c *Cache) SetPosition(p *models.Position) bool {
	return c.Put(keyPositions+p.Symbol, p.UpdatedAt, p.Version, p)
}

// GetPosition возвращает позицию по символу
func (c *Cache) GetPosition(symbol string) (*models.Position, bool) {
	e, ok := c.Get(keyPositions + symbol)
	if !ok {
		return nil, false
	}
	p, ok := e.Data.(*models.Position)
	return p, ok
}

// Positions возвращает снимок всех позиций
func (c *Cache) Positions() []*models.Position {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*models.Position
	for key, e := range c.entries {
		if !strings.HasPrefix(key, keyPositions) {
			continue
		}
		if p, ok := e.Data.(*models.Position); ok {
			out = append(out, p)
		}
	}
	return out
}

// ReplacePositions атомарно замещает все позиции снимком брокера
//
// Используется реконсилятором: брокер авторитетен, локальные версии
// обнуляются его временем.
func (c *Cache) ReplacePositions(positions []*models.Position, ts time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key := range c.entries {
		if strings.HasPrefix(key, keyPositions) {
			delete(c.entries, key)
		}
	}
	for _, p := range positions {
		c.entries[keyPositions+p.Symbol] = Entry{TS: ts, Version: p.Version, Data: p}
	}
}

// ============================================================
// Ордера
// ============================================================

// SetOrder применяет запись ордера
func (c *Cache) SetOrder(o *models.Order) bool {
	// Версией служит наносекундное время обновления: переходы одного
	// ордера сериализованы per-order блокировкой движка
	return c.Put(keyOrders+o.OrderID, o.UpdatedAt, o.UpdatedAt.UnixNano(), o)
}

// GetOrder возвращает ордер по серверному идентификатору
func (c *Cache) GetOrder(orderID string) (*models.Order, bool) {
	e, ok := c.Get(keyOrders + orderID)
	if !ok {
		return nil, false
	}
	o, ok := e.Data.(*models.Order)
	return o, ok
}

// Orders возвращает снимок всех ордеров
func (c *Cache) Orders() []*models.Order {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []*models.Order
	for key, e := range c.entries {
		if !strings.HasPrefix(key, keyOrders) {
			continue
		}
		if o, ok := e.Data.(*models.Order); ok {
			out = append(out, o)
		}
	}
	return out
}

// OpenOrders возвращает нетерминальные ордера
func (c *Cache) OpenOrders() []*models.Order {
	var out []*models.Order
	for _, o := range c.Orders() {
		if o.IsOpen() {
			out = append(out, o)
		}
	}
	return out
}

// ============================================================
// Equity и режим
// ============================================================

// SetEquity применяет точку кривой капитала
func (c *Cache) SetEquity(e *models.EquityPoint) bool {
	return c.Put(keyEquity, e.TS, e.TS.UnixNano(), e)
}

// GetEquity возвращает последнюю точку капитала
func (c *Cache) GetEquity() (*models.EquityPoint, bool) {
	e, ok := c.Get(keyEquity)
	if !ok {
		return nil, false
	}
	p, ok := e.Data.(*models.EquityPoint)
	return p, ok
}

// SetRegime применяет текущий режим рынка
func (c *Cache) SetRegime(regime string, ts time.Time) bool {
	return c.Put(keyRegime, ts, ts.UnixNano(), regime)
}

// GetRegime возвращает текущий режим рынка
func (c *Cache) GetRegime() (string, bool) {
	e, ok := c.Get(keyRegime)
	if !ok {
		return "", false
	}
	r, ok := e.Data.(string)
	return r, ok
}

// ============================================================
// Пульсы
// ============================================================

// SetHeartbeat перезаписывает пульс роли
func (c *Cache) SetHeartbeat(hb *models.Heartbeat) bool {
	return c.Put(keyHeartbeats+hb.Role, hb.TS, hb.Seq, hb)
}

// GetHeartbeat возвращает последний пульс роли
func (c *Cache) GetHeartbeat(role string) (*models.Heartbeat, bool) {
	e, ok := c.Get(keyHeartbeats + role)
	if !ok {
		return nil, false
	}
	hb, ok := e.Data.(*models.Heartbeat)
	return hb, ok
}

// ============================================================
// Halt флаг
// ============================================================

// SetHalt ставит флаг остановки и персистит его на диск
func (c *Cache) SetHalt(reason, setBy string) (*models.HaltFlag, error) {
	flag := &models.HaltFlag{
		Active: true,
		Reason: reason,
		SetBy:  setBy,
		SetAt:  time.Now().UTC(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Идемпотентность: повторная установка не меняет уже активный флаг
	if cur, ok := c.entries[keyHalt]; ok {
		if f, ok := cur.Data.(*models.HaltFlag); ok && f.Active {
			return f, nil
		}
	}

	c.entries[keyHalt] = Entry{TS: flag.SetAt, Version: flag.SetAt.UnixNano(), Data: flag}

	if err := c.persistHaltLocked(flag); err != nil {
		return flag, err
	}
	return flag, nil
}

// ClearHalt снимает флаг - ТОЛЬКО операторское действие
func (c *Cache) ClearHalt(operator string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	flag := &models.HaltFlag{
		Active: false,
		Reason: "cleared by operator",
		SetBy:  operator,
		SetAt:  time.Now().UTC(),
	}
	c.entries[keyHalt] = Entry{TS: flag.SetAt, Version: flag.SetAt.UnixNano(), Data: flag}

	if c.stateDir == "" {
		return nil
	}
	return os.Remove(filepath.Join(c.stateDir, haltFileName))
}

// GetHalt возвращает текущий флаг остановки
func (c *Cache) GetHalt() *models.HaltFlag {
	e, ok := c.Get(keyHalt)
	if !ok {
		return &models.HaltFlag{Active: false}
	}
	if f, ok := e.Data.(*models.HaltFlag); ok {
		return f
	}
	return &models.HaltFlag{Active: false}
}

// Halted возвращает true если торговля остановлена
func (c *Cache) Halted() bool {
	return c.GetHalt().Active
}

// persistHaltLocked пишет флаг на диск. Вызывается под mu.
func (c *Cache) persistHaltLocked(flag *models.HaltFlag) error {
	if c.stateDir == "" {
		return nil
	}

	data, err := json.Marshal(flag)
	if err != nil {
		return fmt.Errorf("marshal halt flag: %w", err)
	}

	path := filepath.Join(c.stateDir, haltFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write halt flag: %w", err)
	}
	return os.Rename(tmp, path)
}

// loadHalt подхватывает персистентный флаг при старте
func (c *Cache) loadHalt() error {
	data, err := os.ReadFile(filepath.Join(c.stateDir, haltFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read halt flag: %w", err)
	}

	var flag models.HaltFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return fmt.Errorf("unmarshal halt flag: %w", err)
	}

	if flag.Active {
		c.entries[keyHalt] = Entry{TS: flag.SetAt, Version: flag.SetAt.UnixNano(), Data: &flag}
	}
	return nil
}

// ============================================================
// Производные величины
// ============================================================

// LargestPositionPct возвращает долю крупнейшей позиции в equity
// и её символ (вход kill-правила концентрации)
func (c *Cache) LargestPositionPct() (decimal.Decimal, string) {
	eq, ok := c.GetEquity()
	if !ok || eq.Equity.Sign() <= 0 {
		return decimal.Zero, ""
	}

	largest := decimal.Zero
	symbol := ""
	for _, p := range c.Positions() {
		// Абсолютная стоимость по средней цене - консервативная оценка
		value := p.NetQty.Abs().Mul(p.AvgCost)
		pct := value.Div(eq.Equity).Mul(decimal.NewFromInt(100))
		if pct.GreaterThan(largest) {
			largest = pct
			symbol = p.Symbol
		}
	}
	return largest, symbol
}
