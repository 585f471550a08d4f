package lsc

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"papertrade/internal/models"
)

// Файловое зеркало кэша.
//
// Процессы не делят память: торговый процесс периодически сбрасывает
// срез живого состояния в StateDir, супервизор его читает. Это
// единственный канал, по которому супервизор видит пульс и снимок
// состояния торгового процесса; решения о убийстве он сверяет
// с прямыми опросами брокера.

const mirrorFileName = "mirror.json"

// Mirror - срез живого состояния для внешнего наблюдателя
type Mirror struct {
	TS         time.Time           `json:"ts"`
	Heartbeat  *models.Heartbeat   `json:"heartbeat,omitempty"`
	Equity     *models.EquityPoint `json:"equity,omitempty"`
	Regime     string              `json:"regime,omitempty"`
	Positions  []*models.Position  `json:"positions"`
	OpenOrders []*models.Order     `json:"open_orders"`
	Halt       *models.HaltFlag    `json:"halt"`
}

// ExportMirror собирает срез текущего состояния
func (c *Cache) ExportMirror() *Mirror {
	m := &Mirror{
		TS:         time.Now().UTC(),
		Positions:  c.Positions(),
		OpenOrders: c.OpenOrders(),
		Halt:       c.GetHalt(),
	}
	if hb, ok := c.GetHeartbeat(models.RoleTrading); ok {
		m.Heartbeat = hb
	}
	if eq, ok := c.GetEquity(); ok {
		m.Equity = eq
	}
	if regime, ok := c.GetRegime(); ok {
		m.Regime = regime
	}
	return m
}

// WriteMirror атомарно сбрасывает срез на диск
func (c *Cache) WriteMirror() error {
	if c.stateDir == "" {
		return nil
	}

	data, err := json.Marshal(c.ExportMirror())
	if err != nil {
		return fmt.Errorf("marshal state mirror: %w", err)
	}

	path := filepath.Join(c.stateDir, mirrorFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state mirror: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadMirror читает срез чужого процесса
func ReadMirror(stateDir string) (*Mirror, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, mirrorFileName))
	if err != nil {
		return nil, err
	}

	var m Mirror
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal state mirror: %w", err)
	}
	return &m, nil
}

// RefreshHalt перечитывает персистентный halt флаг с диска
//
// Вызывается циклом торгового процесса: флаг, поставленный
// супервизором из другого процесса, становится видимым здесь.
func (c *Cache) RefreshHalt() error {
	if c.stateDir == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(c.stateDir, haltFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	var flag models.HaltFlag
	if err := json.Unmarshal(data, &flag); err != nil {
		return fmt.Errorf("unmarshal halt flag: %w", err)
	}

	if flag.Active {
		c.mu.Lock()
		c.entries[keyHalt] = Entry{TS: flag.SetAt, Version: flag.SetAt.UnixNano(), Data: &flag}
		c.mu.Unlock()
	}
	return nil
}
